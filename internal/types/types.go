package types

import (
	"encoding/hex"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// TokenType classifies an asset registered with a wallet ledger.
type TokenType string

const (
	TokenTypeETH     TokenType = "ETH"
	TokenTypeERC20   TokenType = "ERC20"
	TokenTypeERC721  TokenType = "ERC721"
	TokenTypeERC1155 TokenType = "ERC1155"
)

// MaxAmount is the largest amount the ledger accepts (2^128 - 1).
var MaxAmount = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 128), big.NewInt(1))

// Asset describes a token registered with a wallet. AssetID is the external
// key chosen by the caller; (TokenType, ContractAddress, TokenID) is the
// semantic identity on chain.
type Asset struct {
	AssetID         string    `json:"asset_id"`
	TokenType       TokenType `json:"token_type"`
	ContractAddress string    `json:"contract_address,omitempty"`
	TokenID         string    `json:"token_id,omitempty"`
	Symbol          string    `json:"symbol"`
	Name            string    `json:"name"`
	Decimals        uint8     `json:"decimals"`
}

// Validate checks the token type constraints: ETH carries no contract
// address, NFT types require a token id, contract types require a contract
// address.
func (a *Asset) Validate() error {
	switch a.TokenType {
	case TokenTypeETH:
		if a.ContractAddress != "" {
			return ErrInvalidAsset
		}
	case TokenTypeERC20:
		if !IsHexAddress(a.ContractAddress) {
			return ErrInvalidAsset
		}
	case TokenTypeERC721, TokenTypeERC1155:
		if !IsHexAddress(a.ContractAddress) || a.TokenID == "" {
			return ErrInvalidAsset
		}
		if _, ok := new(big.Int).SetString(a.TokenID, 10); !ok {
			return ErrInvalidAsset
		}
	default:
		return ErrInvalidAsset
	}
	return nil
}

// Subaccount is a ledger-only partition inside a wallet. The display address
// may be shared between subaccounts; SubaccountID is the sole identity.
type Subaccount struct {
	SubaccountID string `json:"subaccount_id"`
	Label        string `json:"label"`
	Address      string `json:"address"`
}

// InboxEntry is a deposit observed for the wallet address, waiting to be
// claimed into a subaccount. Once Claimed flips to true the entry is frozen.
type InboxEntry struct {
	DepositID   string   `json:"deposit_id"`
	AssetID     string   `json:"asset_id"`
	Amount      *big.Int `json:"amount"`
	FromAddress string   `json:"from_address"`
	ToAddress   string   `json:"to_address"`
	TxHash      string   `json:"transaction_hash"`
	BlockNumber string   `json:"block_number"`
	Claimed     bool     `json:"claimed"`
}

// OutboxEntry is a signed-but-not-broadcast withdrawal. OutboxID is an
// append-only sequence per wallet; the host removes entries after broadcast.
type OutboxEntry struct {
	OutboxID             uint64   `json:"outbox_id"`
	AssetID              string   `json:"asset_id"`
	Amount               *big.Int `json:"amount"`
	SubaccountID         string   `json:"subaccount_id"`
	Destination          string   `json:"destination"`
	ChainID              uint64   `json:"chain_id"`
	Nonce                uint64   `json:"nonce"`
	GasPrice             uint64   `json:"gas_price"`
	GasLimit             uint64   `json:"gas_limit"`
	SignedRawTransaction string   `json:"signed_raw_transaction"`
	CreatedAt            int64    `json:"created_at"`
}

// OperationType discriminates provenance operations.
type OperationType string

const (
	OpClaim    OperationType = "claim"
	OpTransfer OperationType = "transfer"
	OpWithdraw OperationType = "withdraw"
)

// Operation is the payload of a provenance record. Fields are populated
// per operation type; unused fields stay empty.
type Operation struct {
	Type    OperationType `json:"type"`
	AssetID string        `json:"asset_id"`
	Amount  *big.Int      `json:"amount"`

	// claim
	DepositID    string `json:"deposit_id,omitempty"`
	SubaccountID string `json:"subaccount_id,omitempty"`

	// transfer
	FromSubaccount string `json:"from_subaccount,omitempty"`
	ToSubaccount   string `json:"to_subaccount,omitempty"`

	// withdraw
	Destination          string `json:"destination,omitempty"`
	Nonce                uint64 `json:"nonce,omitempty"`
	GasPrice             uint64 `json:"gas_price,omitempty"`
	GasLimit             uint64 `json:"gas_limit,omitempty"`
	ChainID              uint64 `json:"chain_id,omitempty"`
	SignedRawTransaction string `json:"signed_raw_transaction,omitempty"`
}

// ProvenanceRecord is one entry of the append-only per-wallet log. Seq is
// strictly monotonic under the wallet lock.
type ProvenanceRecord struct {
	Seq         uint64    `json:"seq"`
	Timestamp   int64     `json:"timestamp"`
	BlockNumber string    `json:"block_number,omitempty"`
	Operation   Operation `json:"operation"`
}

// AddressHex renders an address the way the API boundary expects it:
// lowercase, 0x-prefixed.
func AddressHex(addr common.Address) string {
	return "0x" + hex.EncodeToString(addr[:])
}

// ParseAddress parses a 0x-prefixed 20-byte hex address, case-insensitively.
func ParseAddress(s string) (common.Address, error) {
	if !IsHexAddress(s) {
		return common.Address{}, ErrInvalidAddress
	}
	return common.HexToAddress(s), nil
}

// IsHexAddress reports whether s looks like a 20-byte 0x-prefixed address.
func IsHexAddress(s string) bool {
	if !strings.HasPrefix(s, "0x") && !strings.HasPrefix(s, "0X") {
		return false
	}
	return common.IsHexAddress(s)
}

// SameAddress compares two address strings case-insensitively.
func SameAddress(a, b string) bool {
	return strings.EqualFold(a, b)
}
