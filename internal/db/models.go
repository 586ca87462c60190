package db

import "time"

// EncryptedKey model: a sealed private key. Only ciphertext ever reaches the
// database.
type EncryptedKey struct {
	ID         uint      `gorm:"primaryKey" json:"id"`
	Address    string    `gorm:"not null;uniqueIndex" json:"address"`
	Ciphertext string    `gorm:"not null" json:"ciphertext"`
	Nonce      string    `gorm:"not null" json:"nonce"`
	CreatedAt  time.Time `gorm:"not null" json:"created_at"`
}

// Wallet model: the durable wallet shell. Ledger state stays in memory.
type Wallet struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	Address   string    `gorm:"not null;uniqueIndex" json:"address"`
	Name      string    `gorm:"not null" json:"name"`
	Owner     string    `gorm:"not null" json:"owner"`
	CreatedAt int64     `gorm:"not null" json:"created_at"`
	UpdatedAt time.Time `gorm:"not null" json:"updated_at"`
}

// ProvenanceRecord model: append-only audit copy of the in-memory log.
type ProvenanceRecord struct {
	ID            uint      `gorm:"primaryKey" json:"id"`
	WalletAddress string    `gorm:"not null;index" json:"wallet_address"`
	Seq           uint64    `gorm:"not null" json:"seq"`
	Timestamp     int64     `gorm:"not null" json:"timestamp"`
	BlockNumber   string    `json:"block_number"`
	Operation     string    `gorm:"not null" json:"operation"` // JSON-encoded operation payload
	CreatedAt     time.Time `gorm:"not null" json:"created_at"`
}
