package wallet

import (
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/passnetwork/pass-enclave/internal/txcodec"
	"github.com/passnetwork/pass-enclave/internal/types"
	log "github.com/sirupsen/logrus"
)

// Signer is the key-manager surface the ledger needs: digest signing for
// withdrawals and personal-sign for GSM messages.
type Signer interface {
	SignDigest(addr common.Address, digest []byte) ([]byte, error)
	SignPersonalMessage(addr common.Address, message []byte) ([]byte, error)
}

// ProvenanceSink receives a copy of every provenance record, e.g. for a
// durable audit log. Sink failures are logged, never surfaced: the in-memory
// log is the source of truth.
type ProvenanceSink interface {
	AppendProvenance(walletAddress string, rec types.ProvenanceRecord) error
}

type balanceKey struct {
	subaccount string
	asset      string
}

// Wallet owns all mutable ledger state for one on-chain address: asset
// registry, subaccounts, inbox, outbox, balances and the provenance log.
// Methods are not self-locking; the registry serializes access per wallet.
type Wallet struct {
	address   common.Address
	name      string
	owner     string
	createdAt int64
	nonce     uint64

	assets          map[string]types.Asset
	assetOrder      []string
	subaccounts     map[string]types.Subaccount
	subaccountOrder []string

	inbox      map[string]*types.InboxEntry
	inboxOrder []string

	outbox       []types.OutboxEntry
	nextOutboxID uint64

	balances   map[balanceKey]*big.Int
	provenance []types.ProvenanceRecord
	provSeq    uint64

	signer Signer
	sink   ProvenanceSink
}

// NewWallet builds an empty ledger for the given address.
func NewWallet(address common.Address, name, owner string, createdAt int64, signer Signer, sink ProvenanceSink) *Wallet {
	return &Wallet{
		address:     address,
		name:        name,
		owner:       owner,
		createdAt:   createdAt,
		assets:      make(map[string]types.Asset),
		subaccounts: make(map[string]types.Subaccount),
		inbox:       make(map[string]*types.InboxEntry),
		balances:    make(map[balanceKey]*big.Int),
		signer:      signer,
		sink:        sink,
	}
}

func (w *Wallet) Address() common.Address { return w.address }
func (w *Wallet) Name() string            { return w.name }
func (w *Wallet) Owner() string           { return w.owner }
func (w *Wallet) CreatedAt() int64        { return w.createdAt }
func (w *Wallet) Nonce() uint64           { return w.nonce }

// AddAsset registers an asset. Idempotent on AssetID: a re-registration with
// an existing id succeeds without mutation.
func (w *Wallet) AddAsset(asset types.Asset) error {
	if asset.AssetID == "" {
		return types.ErrInvalidAsset
	}
	if err := asset.Validate(); err != nil {
		return err
	}
	if _, exists := w.assets[asset.AssetID]; exists {
		return nil
	}
	w.assets[asset.AssetID] = asset
	w.assetOrder = append(w.assetOrder, asset.AssetID)
	return nil
}

// AddSubaccount registers a subaccount. Idempotent on SubaccountID.
func (w *Wallet) AddSubaccount(sub types.Subaccount) error {
	if sub.SubaccountID == "" {
		return types.ErrInvalidAddress
	}
	if !types.IsHexAddress(sub.Address) {
		return types.ErrInvalidAddress
	}
	if _, exists := w.subaccounts[sub.SubaccountID]; exists {
		return nil
	}
	w.subaccounts[sub.SubaccountID] = sub
	w.subaccountOrder = append(w.subaccountOrder, sub.SubaccountID)
	return nil
}

// RecordDeposit appends an unclaimed entry to the inbox. The deposit id must
// be unique per wallet across claimed and unclaimed entries. Balances and
// provenance are untouched until the deposit is claimed.
func (w *Wallet) RecordDeposit(entry types.InboxEntry) error {
	if err := checkAmount(entry.Amount, false); err != nil {
		return err
	}
	if _, exists := w.inbox[entry.DepositID]; exists {
		return types.ErrDuplicateDeposit
	}
	stored := entry
	stored.Amount = new(big.Int).Set(entry.Amount)
	stored.Claimed = false
	w.inbox[entry.DepositID] = &stored
	w.inboxOrder = append(w.inboxOrder, entry.DepositID)
	return nil
}

// Claim assigns an unclaimed deposit to a subaccount, credits the balance and
// appends a claim record. A deposit can be claimed exactly once.
func (w *Wallet) Claim(depositID, subaccountID string) error {
	entry, ok := w.inbox[depositID]
	if !ok {
		return types.ErrUnknownDeposit
	}
	if entry.Claimed {
		return types.ErrAlreadyClaimed
	}
	if _, ok := w.subaccounts[subaccountID]; !ok {
		return types.ErrUnknownSubaccount
	}
	if _, ok := w.assets[entry.AssetID]; !ok {
		return types.ErrUnknownAsset
	}

	entry.Claimed = true
	w.credit(subaccountID, entry.AssetID, entry.Amount)
	w.appendProvenance(types.Operation{
		Type:         types.OpClaim,
		AssetID:      entry.AssetID,
		Amount:       new(big.Int).Set(entry.Amount),
		DepositID:    depositID,
		SubaccountID: subaccountID,
	}, entry.BlockNumber)
	return nil
}

// Transfer moves amount between two subaccounts of this wallet. Off-chain
// only: no nonce, no signature, no outbox entry.
func (w *Wallet) Transfer(fromSubaccount, toSubaccount, assetID string, amount *big.Int) error {
	if err := checkAmount(amount, true); err != nil {
		return err
	}
	if fromSubaccount == toSubaccount {
		return types.ErrInvalidAmount
	}
	if _, ok := w.subaccounts[fromSubaccount]; !ok {
		return types.ErrUnknownSubaccount
	}
	if _, ok := w.subaccounts[toSubaccount]; !ok {
		return types.ErrUnknownSubaccount
	}
	if _, ok := w.assets[assetID]; !ok {
		return types.ErrUnknownAsset
	}
	if w.balanceOf(fromSubaccount, assetID).Cmp(amount) < 0 {
		return types.ErrInsufficientBalance
	}

	w.debit(fromSubaccount, assetID, amount)
	w.credit(toSubaccount, assetID, amount)
	w.appendProvenance(types.Operation{
		Type:           types.OpTransfer,
		AssetID:        assetID,
		Amount:         new(big.Int).Set(amount),
		FromSubaccount: fromSubaccount,
		ToSubaccount:   toSubaccount,
	}, "")
	return nil
}

// Withdraw debits a subaccount, signs an EIP-155 legacy transaction moving
// the asset to destination, and appends the signed artifact to the outbox.
// All state changes commit only after the KMS has returned a signature; on
// any signing failure the wallet is left exactly as it was, nonce included.
func (w *Wallet) Withdraw(subaccountID, assetID string, amount *big.Int, destination string, chainID uint64, gasPrice, gasLimit *uint64) (*types.OutboxEntry, error) {
	if err := checkAmount(amount, true); err != nil {
		return nil, err
	}
	if _, ok := w.subaccounts[subaccountID]; !ok {
		return nil, types.ErrUnknownSubaccount
	}
	asset, ok := w.assets[assetID]
	if !ok {
		return nil, types.ErrUnknownAsset
	}
	dest, err := types.ParseAddress(destination)
	if err != nil {
		return nil, err
	}
	if w.balanceOf(subaccountID, assetID).Cmp(amount) < 0 {
		return nil, types.ErrInsufficientBalance
	}

	gp := txcodec.DefaultGasPrice
	if gasPrice != nil {
		gp = *gasPrice
	}
	gl := txcodec.DefaultGasLimit(asset.TokenType)
	if gasLimit != nil {
		gl = *gasLimit
	}

	to, value, data, err := txcodec.TransferPayload(&asset, w.address, dest, amount)
	if err != nil {
		return nil, err
	}
	tx := &txcodec.LegacyTx{
		Nonce:    w.nonce,
		GasPrice: new(big.Int).SetUint64(gp),
		GasLimit: gl,
		To:       to,
		Value:    value,
		Data:     data,
	}
	digest, err := txcodec.SigningHash(tx, chainID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrKmsFailure, err)
	}
	sig, err := w.signer.SignDigest(w.address, digest)
	if err != nil {
		return nil, err
	}
	raw, err := txcodec.EncodeSigned(tx, chainID, sig)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrKmsFailure, err)
	}

	// signature in hand, commit
	entry := types.OutboxEntry{
		OutboxID:             w.nextOutboxID,
		AssetID:              assetID,
		Amount:               new(big.Int).Set(amount),
		SubaccountID:         subaccountID,
		Destination:          types.AddressHex(dest),
		ChainID:              chainID,
		Nonce:                w.nonce,
		GasPrice:             gp,
		GasLimit:             gl,
		SignedRawTransaction: hexutil.Encode(raw),
		CreatedAt:            time.Now().Unix(),
	}
	w.nonce++
	w.nextOutboxID++
	w.outbox = append(w.outbox, entry)
	w.debit(subaccountID, assetID, amount)
	w.appendProvenance(types.Operation{
		Type:                 types.OpWithdraw,
		AssetID:              assetID,
		Amount:               new(big.Int).Set(amount),
		SubaccountID:         subaccountID,
		Destination:          entry.Destination,
		Nonce:                entry.Nonce,
		GasPrice:             gp,
		GasLimit:             gl,
		ChainID:              chainID,
		SignedRawTransaction: entry.SignedRawTransaction,
	}, "")

	result := entry
	result.Amount = new(big.Int).Set(entry.Amount)
	return &result, nil
}

// RemoveOutbox drops a broadcast entry. Balances and provenance are not
// touched; the withdrawal already happened.
func (w *Wallet) RemoveOutbox(outboxID uint64) error {
	for i, entry := range w.outbox {
		if entry.OutboxID == outboxID {
			w.outbox = append(w.outbox[:i], w.outbox[i+1:]...)
			return nil
		}
	}
	return types.ErrUnknownOutbox
}

// SignGSM signs a domain-qualified message ("domain:message") with the
// wallet's own key via EIP-191 personal_sign. No record is kept.
func (w *Wallet) SignGSM(domain, message string) ([]byte, error) {
	composed := domain + ":" + message
	return w.signer.SignPersonalMessage(w.address, []byte(composed))
}

// Balance returns the balance of (subaccount, asset); missing entries are
// zero.
func (w *Wallet) Balance(subaccountID, assetID string) *big.Int {
	return new(big.Int).Set(w.balanceOf(subaccountID, assetID))
}

// SubaccountBalances returns all non-zero balances of one subaccount.
func (w *Wallet) SubaccountBalances(subaccountID string) map[string]*big.Int {
	out := make(map[string]*big.Int)
	for key, bal := range w.balances {
		if key.subaccount == subaccountID && bal.Sign() > 0 {
			out[key.asset] = new(big.Int).Set(bal)
		}
	}
	return out
}

// AssetInfo is an asset with its aggregate and per-subaccount balances.
type AssetInfo struct {
	types.Asset
	TotalBalance *big.Int            `json:"total_balance"`
	Balances     map[string]*big.Int `json:"balances"`
}

// Assets lists registered assets in registration order, each with its total
// balance and the per-subaccount breakdown (zero balances omitted).
func (w *Wallet) Assets() []AssetInfo {
	out := make([]AssetInfo, 0, len(w.assetOrder))
	for _, assetID := range w.assetOrder {
		info := AssetInfo{
			Asset:        w.assets[assetID],
			TotalBalance: new(big.Int),
			Balances:     make(map[string]*big.Int),
		}
		for key, bal := range w.balances {
			if key.asset == assetID && bal.Sign() > 0 {
				info.Balances[key.subaccount] = new(big.Int).Set(bal)
				info.TotalBalance.Add(info.TotalBalance, bal)
			}
		}
		out = append(out, info)
	}
	return out
}

// Inbox returns the inbox entries in arrival order.
func (w *Wallet) Inbox() []types.InboxEntry {
	out := make([]types.InboxEntry, 0, len(w.inboxOrder))
	for _, id := range w.inboxOrder {
		entry := *w.inbox[id]
		entry.Amount = new(big.Int).Set(entry.Amount)
		out = append(out, entry)
	}
	return out
}

// Outbox returns the pending outbox entries in append order.
func (w *Wallet) Outbox() []types.OutboxEntry {
	out := make([]types.OutboxEntry, len(w.outbox))
	copy(out, w.outbox)
	for i := range out {
		out[i].Amount = new(big.Int).Set(out[i].Amount)
	}
	return out
}

// Provenance returns the full provenance log in sequence order.
func (w *Wallet) Provenance() []types.ProvenanceRecord {
	out := make([]types.ProvenanceRecord, len(w.provenance))
	copy(out, w.provenance)
	return out
}

// ProvenanceByAsset filters the log to records touching one asset.
func (w *Wallet) ProvenanceByAsset(assetID string) []types.ProvenanceRecord {
	var out []types.ProvenanceRecord
	for _, rec := range w.provenance {
		if rec.Operation.AssetID == assetID {
			out = append(out, rec)
		}
	}
	return out
}

// ProvenanceBySubaccount filters the log to records that reference the
// subaccount as claim target, transfer source or destination, or withdraw
// source.
func (w *Wallet) ProvenanceBySubaccount(subaccountID string) []types.ProvenanceRecord {
	var out []types.ProvenanceRecord
	for _, rec := range w.provenance {
		op := rec.Operation
		if op.SubaccountID == subaccountID || op.FromSubaccount == subaccountID || op.ToSubaccount == subaccountID {
			out = append(out, rec)
		}
	}
	return out
}

// StateSummary is the WalletState query payload.
type StateSummary struct {
	Address         string `json:"address"`
	Name            string `json:"name"`
	Owner           string `json:"owner"`
	CreatedAt       int64  `json:"created_at"`
	Nonce           uint64 `json:"nonce"`
	AssetCount      int    `json:"asset_count"`
	SubaccountCount int    `json:"subaccount_count"`
	InboxCount      int    `json:"inbox_count"`
	OutboxCount     int    `json:"outbox_count"`
	ProvenanceCount int    `json:"provenance_count"`
}

// Summary returns the wallet state counters.
func (w *Wallet) Summary() StateSummary {
	return StateSummary{
		Address:         types.AddressHex(w.address),
		Name:            w.name,
		Owner:           w.owner,
		CreatedAt:       w.createdAt,
		Nonce:           w.nonce,
		AssetCount:      len(w.assets),
		SubaccountCount: len(w.subaccounts),
		InboxCount:      len(w.inbox),
		OutboxCount:     len(w.outbox),
		ProvenanceCount: len(w.provenance),
	}
}

func (w *Wallet) balanceOf(subaccountID, assetID string) *big.Int {
	if bal, ok := w.balances[balanceKey{subaccountID, assetID}]; ok {
		return bal
	}
	return new(big.Int)
}

func (w *Wallet) credit(subaccountID, assetID string, amount *big.Int) {
	key := balanceKey{subaccountID, assetID}
	bal, ok := w.balances[key]
	if !ok {
		bal = new(big.Int)
		w.balances[key] = bal
	}
	bal.Add(bal, amount)
}

func (w *Wallet) debit(subaccountID, assetID string, amount *big.Int) {
	key := balanceKey{subaccountID, assetID}
	bal := w.balances[key]
	bal.Sub(bal, amount)
}

func (w *Wallet) appendProvenance(op types.Operation, blockNumber string) {
	w.provSeq++
	rec := types.ProvenanceRecord{
		Seq:         w.provSeq,
		Timestamp:   time.Now().Unix(),
		BlockNumber: blockNumber,
		Operation:   op,
	}
	w.provenance = append(w.provenance, rec)
	if w.sink != nil {
		if err := w.sink.AppendProvenance(types.AddressHex(w.address), rec); err != nil {
			log.Errorf("Failed to persist provenance record %d for %s: %v", rec.Seq, types.AddressHex(w.address), err)
		}
	}
}

func checkAmount(amount *big.Int, requirePositive bool) error {
	if amount == nil || amount.Sign() < 0 || amount.Cmp(types.MaxAmount) > 0 {
		return types.ErrInvalidAmount
	}
	if requirePositive && amount.Sign() == 0 {
		return types.ErrInvalidAmount
	}
	return nil
}
