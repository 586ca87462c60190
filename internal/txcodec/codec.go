// Package txcodec implements EIP-155 legacy transaction encoding and the
// ERC-20/721/1155 transfer calldata layouts. Everything here is a pure
// function; signing lives in the kms package.
package txcodec

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rlp"
	"github.com/passnetwork/pass-enclave/internal/types"
)

// Gas defaults applied when the caller omits gas parameters. Values mirror
// the legacy simulator; production callers should pass explicit values for
// any non-ETH path.
const (
	DefaultGasLimitETH   uint64 = 21_000
	DefaultGasLimitERC20 uint64 = 65_000
	DefaultGasLimitNFT   uint64 = 100_000
	DefaultGasPrice      uint64 = 20_000_000_000 // 20 gwei
)

var (
	erc20TransferSelector   = crypto.Keccak256([]byte("transfer(address,uint256)"))[:4]
	erc721TransferSelector  = crypto.Keccak256([]byte("safeTransferFrom(address,address,uint256)"))[:4]
	erc1155TransferSelector = crypto.Keccak256([]byte("safeTransferFrom(address,address,uint256,uint256,bytes)"))[:4]
)

// LegacyTx carries the six caller-controlled fields of a type-0 transaction.
type LegacyTx struct {
	Nonce    uint64
	GasPrice *big.Int
	GasLimit uint64
	To       common.Address
	Value    *big.Int
	Data     []byte
}

// unsignedEnvelope is the nine-item RLP list hashed for EIP-155 signing:
// the six transaction fields followed by (chain_id, 0, 0).
type unsignedEnvelope struct {
	Nonce    uint64
	GasPrice *big.Int
	GasLimit uint64
	To       common.Address
	Value    *big.Int
	Data     []byte
	ChainID  uint64
	R        uint
	S        uint
}

// signedEnvelope is the nine-item RLP list of a signed transaction, with
// (v, r, s) trailing the six fields.
type signedEnvelope struct {
	Nonce    uint64
	GasPrice *big.Int
	GasLimit uint64
	To       common.Address
	Value    *big.Int
	Data     []byte
	V        *big.Int
	R        *big.Int
	S        *big.Int
}

// EncodeUnsigned RLP-encodes the EIP-155 signing preimage.
func EncodeUnsigned(tx *LegacyTx, chainID uint64) ([]byte, error) {
	return rlp.EncodeToBytes(&unsignedEnvelope{
		Nonce:    tx.Nonce,
		GasPrice: orZero(tx.GasPrice),
		GasLimit: tx.GasLimit,
		To:       tx.To,
		Value:    orZero(tx.Value),
		Data:     tx.Data,
		ChainID:  chainID,
	})
}

// SigningDigest keccak-hashes the encoded unsigned transaction.
func SigningDigest(encoded []byte) []byte {
	return crypto.Keccak256(encoded)
}

// SigningHash is EncodeUnsigned followed by SigningDigest.
func SigningHash(tx *LegacyTx, chainID uint64) ([]byte, error) {
	encoded, err := EncodeUnsigned(tx, chainID)
	if err != nil {
		return nil, err
	}
	return SigningDigest(encoded), nil
}

// EncodeSigned assembles the signed raw transaction from a 65-byte
// r||s||recovery_id signature, with v = chain_id*2 + 35 + recovery_id.
func EncodeSigned(tx *LegacyTx, chainID uint64, sig []byte) ([]byte, error) {
	if len(sig) != 65 {
		return nil, fmt.Errorf("signature must be 65 bytes, got %d", len(sig))
	}
	recoveryID := sig[64]
	if recoveryID > 1 {
		return nil, fmt.Errorf("recovery id out of range: %d", recoveryID)
	}
	v := new(big.Int).SetUint64(chainID*2 + 35 + uint64(recoveryID))
	r := new(big.Int).SetBytes(sig[:32])
	s := new(big.Int).SetBytes(sig[32:64])

	return rlp.EncodeToBytes(&signedEnvelope{
		Nonce:    tx.Nonce,
		GasPrice: orZero(tx.GasPrice),
		GasLimit: tx.GasLimit,
		To:       tx.To,
		Value:    orZero(tx.Value),
		Data:     tx.Data,
		V:        v,
		R:        r,
		S:        s,
	})
}

// DecodeSigned parses a signed raw transaction back into its fields. Used by
// hosts and tests to recover the signer.
func DecodeSigned(raw []byte) (*LegacyTx, *big.Int, *big.Int, *big.Int, error) {
	var env signedEnvelope
	if err := rlp.DecodeBytes(raw, &env); err != nil {
		return nil, nil, nil, nil, err
	}
	tx := &LegacyTx{
		Nonce:    env.Nonce,
		GasPrice: env.GasPrice,
		GasLimit: env.GasLimit,
		To:       env.To,
		Value:    env.Value,
		Data:     env.Data,
	}
	return tx, env.V, env.R, env.S, nil
}

// TransferPayload maps an asset transfer onto the (to, value, data) triple of
// a legacy transaction:
//
//	ETH      to=destination, value=amount, data=[]
//	ERC20    to=contract, data=transfer(destination, amount)
//	ERC721   to=contract, data=safeTransferFrom(wallet, destination, tokenId)
//	ERC1155  to=contract, data=safeTransferFrom(wallet, destination, tokenId, amount, "")
func TransferPayload(asset *types.Asset, wallet, destination common.Address, amount *big.Int) (common.Address, *big.Int, []byte, error) {
	switch asset.TokenType {
	case types.TokenTypeETH:
		return destination, amount, nil, nil

	case types.TokenTypeERC20:
		contract, err := types.ParseAddress(asset.ContractAddress)
		if err != nil {
			return common.Address{}, nil, nil, types.ErrInvalidAsset
		}
		data := make([]byte, 0, 4+2*32)
		data = append(data, erc20TransferSelector...)
		data = append(data, padAddress(destination)...)
		data = append(data, padBig(amount)...)
		return contract, new(big.Int), data, nil

	case types.TokenTypeERC721:
		contract, tokenID, err := contractAndTokenID(asset)
		if err != nil {
			return common.Address{}, nil, nil, err
		}
		data := make([]byte, 0, 4+3*32)
		data = append(data, erc721TransferSelector...)
		data = append(data, padAddress(wallet)...)
		data = append(data, padAddress(destination)...)
		data = append(data, padBig(tokenID)...)
		return contract, new(big.Int), data, nil

	case types.TokenTypeERC1155:
		contract, tokenID, err := contractAndTokenID(asset)
		if err != nil {
			return common.Address{}, nil, nil, err
		}
		data := make([]byte, 0, 4+6*32)
		data = append(data, erc1155TransferSelector...)
		data = append(data, padAddress(wallet)...)
		data = append(data, padAddress(destination)...)
		data = append(data, padBig(tokenID)...)
		data = append(data, padBig(amount)...)
		data = append(data, padBig(big.NewInt(0x80))...) // bytes offset
		data = append(data, padBig(big.NewInt(0))...)    // bytes length
		return contract, new(big.Int), data, nil

	default:
		return common.Address{}, nil, nil, types.ErrInvalidAsset
	}
}

// DefaultGasLimit returns the advisory gas limit for a token type.
func DefaultGasLimit(tokenType types.TokenType) uint64 {
	switch tokenType {
	case types.TokenTypeETH:
		return DefaultGasLimitETH
	case types.TokenTypeERC20:
		return DefaultGasLimitERC20
	default:
		return DefaultGasLimitNFT
	}
}

func contractAndTokenID(asset *types.Asset) (common.Address, *big.Int, error) {
	contract, err := types.ParseAddress(asset.ContractAddress)
	if err != nil {
		return common.Address{}, nil, types.ErrInvalidAsset
	}
	tokenID, ok := new(big.Int).SetString(asset.TokenID, 10)
	if !ok {
		return common.Address{}, nil, types.ErrInvalidAsset
	}
	return contract, tokenID, nil
}

func padAddress(addr common.Address) []byte {
	out := make([]byte, 32)
	copy(out[12:], addr[:])
	return out
}

func padBig(v *big.Int) []byte {
	out := make([]byte, 32)
	b := v.Bytes()
	copy(out[32-len(b):], b)
	return out
}

func orZero(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return v
}
