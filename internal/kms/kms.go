package kms

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/passnetwork/pass-enclave/internal/types"
	log "github.com/sirupsen/logrus"
)

const gcmNonceSize = 12

// EncryptedKey is a private key at rest: AES-256-GCM ciphertext plus the
// random nonce it was sealed with, both hex encoded. The GCM tag is part of
// the ciphertext.
type EncryptedKey struct {
	Ciphertext string `json:"ciphertext"`
	Nonce      string `json:"nonce"`
}

// KeyStore is an optional durable backend for encrypted keys. The KMS never
// hands a store anything but ciphertext.
type KeyStore interface {
	SaveKey(address string, key EncryptedKey) error
	LoadKeys() ([]StoredKey, error)
}

// StoredKey pairs an address with its encrypted key for boot-time reload.
type StoredKey struct {
	Address string
	Key     EncryptedKey
}

// KMS custodies secp256k1 private keys encrypted under a process-wide KEK
// derived from the enclave secret. It is the only component that touches
// plaintext key material, and only transiently inside sign operations.
type KMS struct {
	kek [32]byte

	mu    sync.RWMutex
	keys  map[common.Address]EncryptedKey
	order []common.Address

	store KeyStore
}

// New derives the KEK as keccak256(secret) and, when a store is given,
// reloads previously persisted encrypted keys in their stored order.
func New(secret string, store KeyStore) (*KMS, error) {
	if secret == "" {
		return nil, fmt.Errorf("%w: empty enclave secret", types.ErrKmsFailure)
	}
	k := &KMS{
		keys:  make(map[common.Address]EncryptedKey),
		store: store,
	}
	copy(k.kek[:], crypto.Keccak256([]byte(secret)))

	if store != nil {
		stored, err := store.LoadKeys()
		if err != nil {
			return nil, fmt.Errorf("%w: load keystore: %v", types.ErrKmsFailure, err)
		}
		for _, sk := range stored {
			addr, err := types.ParseAddress(sk.Address)
			if err != nil {
				log.Warnf("Skipping malformed keystore address %q", sk.Address)
				continue
			}
			k.keys[addr] = sk.Key
			k.order = append(k.order, addr)
		}
		if len(k.order) > 0 {
			log.Infof("Keystore reloaded, %d address(es)", len(k.order))
		}
	}
	return k, nil
}

// GenerateAccount creates a fresh secp256k1 keypair, seals the private key
// and installs it under the derived Ethereum address. The plaintext key is
// zeroized before return.
func (k *KMS) GenerateAccount() (common.Address, error) {
	for {
		priv, err := crypto.GenerateKey()
		if err != nil {
			return common.Address{}, fmt.Errorf("%w: %v", types.ErrKmsFailure, err)
		}
		addr := crypto.PubkeyToAddress(priv.PublicKey)
		privBytes := crypto.FromECDSA(priv)

		encrypted, err := k.encryptKey(privBytes)
		zeroize(privBytes)
		if err != nil {
			return common.Address{}, err
		}

		k.mu.Lock()
		if _, exists := k.keys[addr]; exists {
			// address collision, regenerate
			k.mu.Unlock()
			continue
		}
		k.keys[addr] = encrypted
		k.order = append(k.order, addr)
		k.mu.Unlock()

		if k.store != nil {
			if err := k.store.SaveKey(types.AddressHex(addr), encrypted); err != nil {
				log.Errorf("Failed to persist key for %s: %v", types.AddressHex(addr), err)
			}
		}
		return addr, nil
	}
}

// ListAddresses returns the stored addresses in insertion order.
func (k *KMS) ListAddresses() []common.Address {
	k.mu.RLock()
	defer k.mu.RUnlock()
	out := make([]common.Address, len(k.order))
	copy(out, k.order)
	return out
}

// HasAddress reports whether the KMS holds a key for addr.
func (k *KMS) HasAddress(addr common.Address) bool {
	k.mu.RLock()
	defer k.mu.RUnlock()
	_, ok := k.keys[addr]
	return ok
}

// SignDigest signs a 32-byte digest with the key stored for addr. The
// signature is 65 bytes r||s||recovery_id with a canonical low-s scalar.
func (k *KMS) SignDigest(addr common.Address, digest []byte) ([]byte, error) {
	if len(digest) != 32 {
		return nil, fmt.Errorf("%w: digest must be 32 bytes", types.ErrKmsFailure)
	}

	k.mu.RLock()
	encrypted, ok := k.keys[addr]
	k.mu.RUnlock()
	if !ok {
		return nil, types.ErrUnknownAddress
	}

	privBytes, err := k.decryptKey(encrypted)
	if err != nil {
		return nil, err
	}
	defer zeroize(privBytes)

	priv, err := crypto.ToECDSA(privBytes)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrKmsFailure, err)
	}
	sig, err := crypto.Sign(digest, priv)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrKmsFailure, err)
	}
	return sig, nil
}

// SignPersonalMessage signs the EIP-191 personal_sign digest of message and
// returns 65 bytes r||s||v with v = 27 + recovery_id.
func (k *KMS) SignPersonalMessage(addr common.Address, message []byte) ([]byte, error) {
	sig, err := k.SignDigest(addr, PersonalSignDigest(message))
	if err != nil {
		return nil, err
	}
	sig[64] += 27
	return sig, nil
}

// VerifyPersonalMessage recovers the signer of an EIP-191 signature and
// compares it against addr. A malformed signature yields (false, nil).
func (k *KMS) VerifyPersonalMessage(addr common.Address, message []byte, sig []byte) (bool, error) {
	if len(sig) != 65 {
		return false, nil
	}
	v := sig[64]
	if v >= 27 {
		v -= 27
	}
	if v > 1 {
		return false, fmt.Errorf("%w: invalid recovery id", types.ErrKmsFailure)
	}
	plain := make([]byte, 65)
	copy(plain, sig[:64])
	plain[64] = v

	pub, err := crypto.SigToPub(PersonalSignDigest(message), plain)
	if err != nil {
		return false, fmt.Errorf("%w: %v", types.ErrKmsFailure, err)
	}
	return crypto.PubkeyToAddress(*pub) == addr, nil
}

// PersonalSignDigest computes the EIP-191 personal_sign digest:
// keccak256("\x19Ethereum Signed Message:\n" || len(message) || message).
func PersonalSignDigest(message []byte) []byte {
	prefix := fmt.Sprintf("\x19Ethereum Signed Message:\n%d", len(message))
	return crypto.Keccak256([]byte(prefix), message)
}

func (k *KMS) encryptKey(privBytes []byte) (EncryptedKey, error) {
	block, err := aes.NewCipher(k.kek[:])
	if err != nil {
		return EncryptedKey{}, fmt.Errorf("%w: %v", types.ErrKmsFailure, err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return EncryptedKey{}, fmt.Errorf("%w: %v", types.ErrKmsFailure, err)
	}
	nonce := make([]byte, gcmNonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return EncryptedKey{}, fmt.Errorf("%w: %v", types.ErrKmsFailure, err)
	}
	ciphertext := gcm.Seal(nil, nonce, privBytes, nil)
	return EncryptedKey{
		Ciphertext: hex.EncodeToString(ciphertext),
		Nonce:      hex.EncodeToString(nonce),
	}, nil
}

func (k *KMS) decryptKey(encrypted EncryptedKey) ([]byte, error) {
	nonce, err := hex.DecodeString(encrypted.Nonce)
	if err != nil || len(nonce) != gcmNonceSize {
		return nil, fmt.Errorf("%w: malformed key nonce", types.ErrKmsFailure)
	}
	ciphertext, err := hex.DecodeString(encrypted.Ciphertext)
	if err != nil {
		return nil, fmt.Errorf("%w: malformed key ciphertext", types.ErrKmsFailure)
	}
	block, err := aes.NewCipher(k.kek[:])
	if err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrKmsFailure, err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrKmsFailure, err)
	}
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: key decryption failed", types.ErrKmsFailure)
	}
	return plaintext, nil
}

func zeroize(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
