package wallet

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"
	goerrors "github.com/go-errors/errors"
	"github.com/passnetwork/pass-enclave/internal/kms"
	"github.com/passnetwork/pass-enclave/internal/types"
	log "github.com/sirupsen/logrus"
)

// WalletStore is an optional durable backend for wallet shells (address,
// name, owner, creation time). Ledger state itself is in-memory only.
type WalletStore interface {
	SaveWallet(address, name, owner string, createdAt int64) error
	LoadWallets() ([]StoredWallet, error)
}

// StoredWallet is a persisted wallet shell.
type StoredWallet struct {
	Address   string
	Name      string
	Owner     string
	CreatedAt int64
}

type walletSlot struct {
	wallet   *Wallet
	sem      chan struct{}
	poisoned atomic.Bool
}

// Registry maps wallet addresses to ledgers and serializes mutation per
// wallet. Commands against different wallets run in parallel; commands
// against one wallet queue on its slot semaphore in arrival order.
type Registry struct {
	kms      *kms.KMS
	lockWait time.Duration

	mu      sync.RWMutex
	wallets map[common.Address]*walletSlot
	order   []common.Address

	store WalletStore
	sink  ProvenanceSink
}

// NewRegistry builds a registry backed by the given KMS. With a store,
// previously created wallet shells are reinstalled so their addresses remain
// listable and signable after a restart.
func NewRegistry(k *kms.KMS, lockWait time.Duration, store WalletStore, sink ProvenanceSink) (*Registry, error) {
	r := &Registry{
		kms:      k,
		lockWait: lockWait,
		wallets:  make(map[common.Address]*walletSlot),
		store:    store,
		sink:     sink,
	}
	if store != nil {
		stored, err := store.LoadWallets()
		if err != nil {
			return nil, err
		}
		for _, sw := range stored {
			addr, err := types.ParseAddress(sw.Address)
			if err != nil {
				log.Warnf("Skipping malformed stored wallet address %q", sw.Address)
				continue
			}
			r.install(addr, NewWallet(addr, sw.Name, sw.Owner, sw.CreatedAt, k, sink))
		}
		if len(r.order) > 0 {
			log.Infof("Wallet registry reloaded, %d wallet(s)", len(r.order))
		}
	}
	return r, nil
}

// Create asks the KMS for a fresh address and installs an empty ledger under
// it.
func (r *Registry) Create(name, owner string) (common.Address, error) {
	addr, err := r.kms.GenerateAccount()
	if err != nil {
		return common.Address{}, err
	}
	createdAt := time.Now().Unix()
	r.install(addr, NewWallet(addr, name, owner, createdAt, r.kms, r.sink))

	if r.store != nil {
		if err := r.store.SaveWallet(types.AddressHex(addr), name, owner, createdAt); err != nil {
			log.Errorf("Failed to persist wallet %s: %v", types.AddressHex(addr), err)
		}
	}
	log.Infof("Created wallet %s (name=%s owner=%s)", types.AddressHex(addr), name, owner)
	return addr, nil
}

// List returns wallet addresses in creation order.
func (r *Registry) List() []common.Address {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]common.Address, len(r.order))
	copy(out, r.order)
	return out
}

// WithWallet runs fn with exclusive access to the wallet's ledger. This is
// the only legal mutation path. Waiting for the slot is bounded by the
// configured lock-wait; a panic inside fn poisons the wallet and every later
// call fails with ErrFatalWallet.
func (r *Registry) WithWallet(addr common.Address, fn func(*Wallet) error) error {
	r.mu.RLock()
	slot, ok := r.wallets[addr]
	r.mu.RUnlock()
	if !ok {
		return types.ErrUnknownWallet
	}

	select {
	case slot.sem <- struct{}{}:
	case <-time.After(r.lockWait):
		return types.ErrTimeout
	}
	defer func() { <-slot.sem }()

	if slot.poisoned.Load() {
		return types.ErrFatalWallet
	}
	return runGuarded(slot, fn)
}

func runGuarded(slot *walletSlot, fn func(*Wallet) error) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			slot.poisoned.Store(true)
			wrapped := goerrors.Wrap(rec, 2)
			log.Errorf("Wallet %s poisoned by panic: %v\n%s",
				types.AddressHex(slot.wallet.address), rec, wrapped.ErrorStack())
			err = types.ErrFatalWallet
		}
	}()
	return fn(slot.wallet)
}

func (r *Registry) install(addr common.Address, w *Wallet) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.wallets[addr]; exists {
		return
	}
	r.wallets[addr] = &walletSlot{
		wallet: w,
		sem:    make(chan struct{}, 1),
	}
	r.order = append(r.order, addr)
}
