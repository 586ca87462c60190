package db

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/passnetwork/pass-enclave/internal/kms"
	"github.com/passnetwork/pass-enclave/internal/types"
	"github.com/passnetwork/pass-enclave/internal/wallet"
	log "github.com/sirupsen/logrus"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// DatabaseManager owns the sqlite store backing the keystore, the wallet
// shells and the provenance audit log. It is only constructed when DB_DIR is
// configured; without it the core runs fully in-memory.
type DatabaseManager struct {
	enclaveDb *gorm.DB
}

var (
	_ kms.KeyStore          = (*DatabaseManager)(nil)
	_ wallet.WalletStore    = (*DatabaseManager)(nil)
	_ wallet.ProvenanceSink = (*DatabaseManager)(nil)
)

func NewDatabaseManager(dbDir string) *DatabaseManager {
	if err := os.MkdirAll(dbDir, os.ModePerm); err != nil {
		log.Fatalf("Failed to create database directory: %v", err)
	}

	enclavePath := filepath.Join(dbDir, "enclave.db")
	enclaveDb, err := gorm.Open(sqlite.Open(enclavePath), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Warn),
	})
	if err != nil {
		log.Fatalf("Failed to connect to enclave database: %v", err)
	}
	log.Debugf("Enclave database connected successfully, path: %s", enclavePath)

	dm := &DatabaseManager{enclaveDb: enclaveDb}
	dm.autoMigrate()
	log.Debugf("Database migration completed successfully")
	return dm
}

func (dm *DatabaseManager) autoMigrate() {
	if err := dm.enclaveDb.AutoMigrate(
		&EncryptedKey{},
		&Wallet{},
		&ProvenanceRecord{},
	); err != nil {
		log.Fatalf("Failed to migrate enclave database: %v", err)
	}
}

func (dm *DatabaseManager) GetEnclaveDB() *gorm.DB {
	return dm.enclaveDb
}

// SaveKey implements kms.KeyStore.
func (dm *DatabaseManager) SaveKey(address string, key kms.EncryptedKey) error {
	return dm.enclaveDb.Create(&EncryptedKey{
		Address:    address,
		Ciphertext: key.Ciphertext,
		Nonce:      key.Nonce,
		CreatedAt:  time.Now(),
	}).Error
}

// LoadKeys implements kms.KeyStore, returning keys in insertion order.
func (dm *DatabaseManager) LoadKeys() ([]kms.StoredKey, error) {
	var rows []EncryptedKey
	if err := dm.enclaveDb.Order("id asc").Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]kms.StoredKey, 0, len(rows))
	for _, row := range rows {
		out = append(out, kms.StoredKey{
			Address: row.Address,
			Key:     kms.EncryptedKey{Ciphertext: row.Ciphertext, Nonce: row.Nonce},
		})
	}
	return out, nil
}

// SaveWallet implements wallet.WalletStore.
func (dm *DatabaseManager) SaveWallet(address, name, owner string, createdAt int64) error {
	return dm.enclaveDb.Create(&Wallet{
		Address:   address,
		Name:      name,
		Owner:     owner,
		CreatedAt: createdAt,
		UpdatedAt: time.Now(),
	}).Error
}

// LoadWallets implements wallet.WalletStore, in creation order.
func (dm *DatabaseManager) LoadWallets() ([]wallet.StoredWallet, error) {
	var rows []Wallet
	if err := dm.enclaveDb.Order("id asc").Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]wallet.StoredWallet, 0, len(rows))
	for _, row := range rows {
		out = append(out, wallet.StoredWallet{
			Address:   row.Address,
			Name:      row.Name,
			Owner:     row.Owner,
			CreatedAt: row.CreatedAt,
		})
	}
	return out, nil
}

// AppendProvenance implements wallet.ProvenanceSink.
func (dm *DatabaseManager) AppendProvenance(walletAddress string, rec types.ProvenanceRecord) error {
	payload, err := json.Marshal(rec.Operation)
	if err != nil {
		return err
	}
	return dm.enclaveDb.Create(&ProvenanceRecord{
		WalletAddress: walletAddress,
		Seq:           rec.Seq,
		Timestamp:     rec.Timestamp,
		BlockNumber:   rec.BlockNumber,
		Operation:     string(payload),
		CreatedAt:     time.Now(),
	}).Error
}
