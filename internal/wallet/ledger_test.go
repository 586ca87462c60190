package wallet

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/passnetwork/pass-enclave/internal/kms"
	"github.com/passnetwork/pass-enclave/internal/txcodec"
	"github.com/passnetwork/pass-enclave/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testChainID = 11155111

func newTestWallet(t *testing.T) *Wallet {
	k, err := kms.New("test_secret", nil)
	require.NoError(t, err)
	addr, err := k.GenerateAccount()
	require.NoError(t, err)
	return NewWallet(addr, "test wallet", "owner1", 0, k, nil)
}

func ethAsset() types.Asset {
	return types.Asset{AssetID: "eth_mainnet", TokenType: types.TokenTypeETH, Symbol: "ETH", Name: "Ether", Decimals: 18}
}

func subaccount(id string) types.Subaccount {
	return types.Subaccount{SubaccountID: id, Label: id, Address: "0x00000000000000000000000000000000000000aa"}
}

func deposit(id string, amount *big.Int) types.InboxEntry {
	return types.InboxEntry{
		DepositID:   id,
		AssetID:     "eth_mainnet",
		Amount:      amount,
		FromAddress: "0x0000000000000000000000000000000000000001",
		ToAddress:   "0x0000000000000000000000000000000000000002",
		TxHash:      "0xabc",
		BlockNumber: "1234",
	}
}

func eth(n int64) *big.Int {
	wei := new(big.Int).Mul(big.NewInt(n), big.NewInt(100_000_000_000_000_000))
	return wei
}

// S1: create, deposit, claim, query.
func TestClaimDeposit(t *testing.T) {
	w := newTestWallet(t)
	require.NoError(t, w.AddAsset(ethAsset()))
	require.NoError(t, w.AddSubaccount(subaccount("main")))
	require.NoError(t, w.RecordDeposit(deposit("d1", eth(10))))

	require.NoError(t, w.Claim("d1", "main"))

	assert.Equal(t, 0, w.Balance("main", "eth_mainnet").Cmp(eth(10)))
	records := w.Provenance()
	require.Len(t, records, 1)
	assert.Equal(t, types.OpClaim, records[0].Operation.Type)
	assert.Equal(t, "d1", records[0].Operation.DepositID)
	assert.Equal(t, "1234", records[0].BlockNumber)
	assert.Equal(t, uint64(1), records[0].Seq)
}

// S2: internal transfer.
func TestTransfer(t *testing.T) {
	w := newTestWallet(t)
	require.NoError(t, w.AddAsset(ethAsset()))
	require.NoError(t, w.AddSubaccount(subaccount("main")))
	require.NoError(t, w.RecordDeposit(deposit("d1", eth(10))))
	require.NoError(t, w.Claim("d1", "main"))
	require.NoError(t, w.AddSubaccount(subaccount("trade")))

	require.NoError(t, w.Transfer("main", "trade", "eth_mainnet", eth(4)))

	assert.Equal(t, 0, w.Balance("main", "eth_mainnet").Cmp(eth(6)))
	assert.Equal(t, 0, w.Balance("trade", "eth_mainnet").Cmp(eth(4)))
	assert.Len(t, w.Provenance(), 2)
}

// Conservation under transfer: per-pair and total sums are unchanged.
func TestTransferConservation(t *testing.T) {
	w := newTestWallet(t)
	require.NoError(t, w.AddAsset(ethAsset()))
	require.NoError(t, w.AddSubaccount(subaccount("main")))
	require.NoError(t, w.AddSubaccount(subaccount("trade")))
	require.NoError(t, w.RecordDeposit(deposit("d1", eth(10))))
	require.NoError(t, w.Claim("d1", "main"))

	before := new(big.Int).Add(w.Balance("main", "eth_mainnet"), w.Balance("trade", "eth_mainnet"))
	require.NoError(t, w.Transfer("main", "trade", "eth_mainnet", eth(3)))
	after := new(big.Int).Add(w.Balance("main", "eth_mainnet"), w.Balance("trade", "eth_mainnet"))
	assert.Equal(t, 0, before.Cmp(after))
}

// S3: withdraw with signature check.
func TestWithdrawSignsAndDebits(t *testing.T) {
	w := newTestWallet(t)
	require.NoError(t, w.AddAsset(ethAsset()))
	require.NoError(t, w.AddSubaccount(subaccount("main")))
	require.NoError(t, w.RecordDeposit(deposit("d1", eth(10))))
	require.NoError(t, w.Claim("d1", "main"))

	gasPrice := uint64(20_000_000_000)
	gasLimit := uint64(21_000)
	entry, err := w.Withdraw("main", "eth_mainnet", eth(1), "0x000000000000000000000000000000000000dead", testChainID, &gasPrice, &gasLimit)
	require.NoError(t, err)

	assert.Equal(t, 0, w.Balance("main", "eth_mainnet").Cmp(eth(9)))
	assert.Equal(t, uint64(0), entry.Nonce)
	assert.Equal(t, uint64(1), w.Nonce())
	require.Len(t, w.Outbox(), 1)
	require.Len(t, w.Provenance(), 2)

	raw, err := hexutil.Decode(entry.SignedRawTransaction)
	require.NoError(t, err)
	tx, v, r, s, err := txcodec.DecodeSigned(raw)
	require.NoError(t, err)

	// EIP-155 binding for chain 11155111
	assert.Contains(t, []uint64{22310257, 22310258}, v.Uint64())

	recoveryID := v.Uint64() - testChainID*2 - 35
	digest, err := txcodec.SigningHash(tx, testChainID)
	require.NoError(t, err)
	sig := make([]byte, 65)
	r.FillBytes(sig[:32])
	s.FillBytes(sig[32:64])
	sig[64] = byte(recoveryID)
	pub, err := crypto.SigToPub(digest, sig)
	require.NoError(t, err)
	assert.Equal(t, w.Address(), crypto.PubkeyToAddress(*pub))
}

func TestWithdrawUsesGasDefaults(t *testing.T) {
	w := newTestWallet(t)
	require.NoError(t, w.AddAsset(ethAsset()))
	require.NoError(t, w.AddSubaccount(subaccount("main")))
	require.NoError(t, w.RecordDeposit(deposit("d1", eth(10))))
	require.NoError(t, w.Claim("d1", "main"))

	entry, err := w.Withdraw("main", "eth_mainnet", eth(1), "0x000000000000000000000000000000000000dead", testChainID, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, txcodec.DefaultGasPrice, entry.GasPrice)
	assert.Equal(t, txcodec.DefaultGasLimitETH, entry.GasLimit)
}

// Nonce monotonicity: each successful withdraw advances by one; failures do
// not.
func TestWithdrawNonceDiscipline(t *testing.T) {
	w := newTestWallet(t)
	require.NoError(t, w.AddAsset(ethAsset()))
	require.NoError(t, w.AddSubaccount(subaccount("main")))
	require.NoError(t, w.RecordDeposit(deposit("d1", eth(10))))
	require.NoError(t, w.Claim("d1", "main"))

	first, err := w.Withdraw("main", "eth_mainnet", eth(1), "0x000000000000000000000000000000000000dead", testChainID, nil, nil)
	require.NoError(t, err)
	second, err := w.Withdraw("main", "eth_mainnet", eth(1), "0x000000000000000000000000000000000000dead", testChainID, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, first.Nonce+1, second.Nonce)
	assert.Equal(t, first.OutboxID+1, second.OutboxID)

	// insufficient balance: nonce must not advance
	_, err = w.Withdraw("main", "eth_mainnet", eth(100), "0x000000000000000000000000000000000000dead", testChainID, nil, nil)
	assert.ErrorIs(t, err, types.ErrInsufficientBalance)
	assert.Equal(t, uint64(2), w.Nonce())

	// signing failure: nonce must not advance either
	w.signer = failingSigner{}
	_, err = w.Withdraw("main", "eth_mainnet", eth(1), "0x000000000000000000000000000000000000dead", testChainID, nil, nil)
	assert.ErrorIs(t, err, types.ErrKmsFailure)
	assert.Equal(t, uint64(2), w.Nonce())
	assert.Equal(t, 0, w.Balance("main", "eth_mainnet").Cmp(eth(8)))
	assert.Len(t, w.Outbox(), 2)
	assert.Len(t, w.Provenance(), 3)
}

// S4: double claim is rejected without state change.
func TestDoubleClaimRejected(t *testing.T) {
	w := newTestWallet(t)
	require.NoError(t, w.AddAsset(ethAsset()))
	require.NoError(t, w.AddSubaccount(subaccount("main")))
	require.NoError(t, w.RecordDeposit(deposit("d1", eth(10))))
	require.NoError(t, w.Claim("d1", "main"))

	err := w.Claim("d1", "main")
	assert.ErrorIs(t, err, types.ErrAlreadyClaimed)
	assert.Equal(t, 0, w.Balance("main", "eth_mainnet").Cmp(eth(10)))
	assert.Len(t, w.Provenance(), 1)
}

// S5: insufficient balance leaves everything untouched.
func TestTransferInsufficientBalance(t *testing.T) {
	w := newTestWallet(t)
	require.NoError(t, w.AddAsset(ethAsset()))
	require.NoError(t, w.AddSubaccount(subaccount("main")))
	require.NoError(t, w.AddSubaccount(subaccount("trade")))
	require.NoError(t, w.RecordDeposit(deposit("d1", eth(10))))
	require.NoError(t, w.Claim("d1", "main"))

	err := w.Transfer("main", "trade", "eth_mainnet", eth(20))
	assert.ErrorIs(t, err, types.ErrInsufficientBalance)
	assert.Equal(t, 0, w.Balance("main", "eth_mainnet").Cmp(eth(10)))
	assert.Equal(t, 0, w.Balance("trade", "eth_mainnet").Sign())
	assert.Len(t, w.Provenance(), 1)
}

// S6: duplicate deposit ids are rejected, claimed or not.
func TestDuplicateDepositRejected(t *testing.T) {
	w := newTestWallet(t)
	require.NoError(t, w.AddAsset(ethAsset()))
	require.NoError(t, w.AddSubaccount(subaccount("main")))
	require.NoError(t, w.RecordDeposit(deposit("d1", eth(10))))

	err := w.RecordDeposit(deposit("d1", eth(5)))
	assert.ErrorIs(t, err, types.ErrDuplicateDeposit)
	assert.Len(t, w.Inbox(), 1)

	require.NoError(t, w.Claim("d1", "main"))
	err = w.RecordDeposit(deposit("d1", eth(5)))
	assert.ErrorIs(t, err, types.ErrDuplicateDeposit)
}

func TestTransferValidation(t *testing.T) {
	w := newTestWallet(t)
	require.NoError(t, w.AddAsset(ethAsset()))
	require.NoError(t, w.AddSubaccount(subaccount("main")))
	require.NoError(t, w.AddSubaccount(subaccount("trade")))

	assert.ErrorIs(t, w.Transfer("main", "trade", "eth_mainnet", big.NewInt(0)), types.ErrInvalidAmount)
	assert.ErrorIs(t, w.Transfer("main", "trade", "eth_mainnet", big.NewInt(-1)), types.ErrInvalidAmount)
	assert.ErrorIs(t, w.Transfer("main", "main", "eth_mainnet", big.NewInt(1)), types.ErrInvalidAmount)
	assert.ErrorIs(t, w.Transfer("ghost", "trade", "eth_mainnet", big.NewInt(1)), types.ErrUnknownSubaccount)
	assert.ErrorIs(t, w.Transfer("main", "trade", "ghost_asset", big.NewInt(1)), types.ErrUnknownAsset)

	over := new(big.Int).Add(types.MaxAmount, big.NewInt(1))
	assert.ErrorIs(t, w.Transfer("main", "trade", "eth_mainnet", over), types.ErrInvalidAmount)
}

func TestClaimValidation(t *testing.T) {
	w := newTestWallet(t)
	require.NoError(t, w.AddSubaccount(subaccount("main")))

	assert.ErrorIs(t, w.Claim("ghost", "main"), types.ErrUnknownDeposit)

	// asset not registered yet
	require.NoError(t, w.RecordDeposit(deposit("d1", eth(1))))
	assert.ErrorIs(t, w.Claim("d1", "main"), types.ErrUnknownAsset)
	assert.ErrorIs(t, w.Claim("d1", "ghost"), types.ErrUnknownSubaccount)
}

func TestAddAssetIdempotent(t *testing.T) {
	w := newTestWallet(t)
	require.NoError(t, w.AddAsset(ethAsset()))
	require.NoError(t, w.AddAsset(ethAsset()))
	assert.Len(t, w.Assets(), 1)

	require.NoError(t, w.AddSubaccount(subaccount("main")))
	require.NoError(t, w.AddSubaccount(subaccount("main")))
	assert.Equal(t, 1, w.Summary().SubaccountCount)
}

func TestRemoveOutbox(t *testing.T) {
	w := newTestWallet(t)
	require.NoError(t, w.AddAsset(ethAsset()))
	require.NoError(t, w.AddSubaccount(subaccount("main")))
	require.NoError(t, w.RecordDeposit(deposit("d1", eth(10))))
	require.NoError(t, w.Claim("d1", "main"))

	entry, err := w.Withdraw("main", "eth_mainnet", eth(1), "0x000000000000000000000000000000000000dead", testChainID, nil, nil)
	require.NoError(t, err)

	assert.ErrorIs(t, w.RemoveOutbox(entry.OutboxID+1), types.ErrUnknownOutbox)
	require.NoError(t, w.RemoveOutbox(entry.OutboxID))
	assert.Empty(t, w.Outbox())
	// provenance keeps the withdraw
	assert.Len(t, w.Provenance(), 2)
	assert.Equal(t, 0, w.Balance("main", "eth_mainnet").Cmp(eth(9)))
}

func TestSignGSM(t *testing.T) {
	k, err := kms.New("test_secret", nil)
	require.NoError(t, err)
	addr, err := k.GenerateAccount()
	require.NoError(t, err)
	w := NewWallet(addr, "w", "o", 0, k, nil)

	sig, err := w.SignGSM("app.example", "login-challenge-123")
	require.NoError(t, err)
	require.Len(t, sig, 65)

	// the signature covers the domain-qualified message
	valid, err := k.VerifyPersonalMessage(addr, []byte("app.example:login-challenge-123"), sig)
	require.NoError(t, err)
	assert.True(t, valid)
}

func TestQueries(t *testing.T) {
	w := newTestWallet(t)
	require.NoError(t, w.AddAsset(ethAsset()))
	usdc := types.Asset{AssetID: "usdc", TokenType: types.TokenTypeERC20, ContractAddress: "0xa0b86991c6218b36c1d19d4a2e9eb0ce3606eb48", Symbol: "USDC", Name: "USD Coin", Decimals: 6}
	require.NoError(t, w.AddAsset(usdc))
	require.NoError(t, w.AddSubaccount(subaccount("main")))
	require.NoError(t, w.AddSubaccount(subaccount("trade")))
	require.NoError(t, w.RecordDeposit(deposit("d1", eth(10))))
	require.NoError(t, w.Claim("d1", "main"))
	require.NoError(t, w.Transfer("main", "trade", "eth_mainnet", eth(4)))

	// missing entries read as zero
	assert.Equal(t, 0, w.Balance("main", "usdc").Sign())
	assert.Equal(t, 0, w.Balance("ghost", "eth_mainnet").Sign())

	balances := w.SubaccountBalances("main")
	require.Len(t, balances, 1)
	assert.Equal(t, 0, balances["eth_mainnet"].Cmp(eth(6)))

	infos := w.Assets()
	require.Len(t, infos, 2)
	assert.Equal(t, "eth_mainnet", infos[0].AssetID)
	assert.Equal(t, 0, infos[0].TotalBalance.Cmp(eth(10)))
	assert.Len(t, infos[0].Balances, 2)
	assert.Equal(t, 0, infos[1].TotalBalance.Sign())
	assert.Empty(t, infos[1].Balances)
}

func TestProvenanceFilters(t *testing.T) {
	w := newTestWallet(t)
	require.NoError(t, w.AddAsset(ethAsset()))
	require.NoError(t, w.AddSubaccount(subaccount("main")))
	require.NoError(t, w.AddSubaccount(subaccount("trade")))
	require.NoError(t, w.RecordDeposit(deposit("d1", eth(10))))
	require.NoError(t, w.Claim("d1", "main"))
	require.NoError(t, w.Transfer("main", "trade", "eth_mainnet", eth(4)))
	_, err := w.Withdraw("trade", "eth_mainnet", eth(1), "0x000000000000000000000000000000000000dead", testChainID, nil, nil)
	require.NoError(t, err)

	all := w.Provenance()
	require.Len(t, all, 3)
	for i := 1; i < len(all); i++ {
		assert.Greater(t, all[i].Seq, all[i-1].Seq)
	}

	byAsset := w.ProvenanceByAsset("eth_mainnet")
	assert.Len(t, byAsset, 3)
	assert.Empty(t, w.ProvenanceByAsset("usdc"))

	byMain := w.ProvenanceBySubaccount("main")
	require.Len(t, byMain, 2) // claim + transfer source
	byTrade := w.ProvenanceBySubaccount("trade")
	require.Len(t, byTrade, 2) // transfer destination + withdraw
}

// Replaying the provenance log over the inbox contents reproduces the
// balance map exactly.
func TestProvenanceReplay(t *testing.T) {
	w := newTestWallet(t)
	require.NoError(t, w.AddAsset(ethAsset()))
	require.NoError(t, w.AddSubaccount(subaccount("main")))
	require.NoError(t, w.AddSubaccount(subaccount("trade")))
	require.NoError(t, w.RecordDeposit(deposit("d1", eth(10))))
	require.NoError(t, w.RecordDeposit(deposit("d2", eth(3))))
	require.NoError(t, w.Claim("d1", "main"))
	require.NoError(t, w.Claim("d2", "trade"))
	require.NoError(t, w.Transfer("main", "trade", "eth_mainnet", eth(2)))
	require.NoError(t, w.Transfer("trade", "main", "eth_mainnet", eth(1)))
	_, err := w.Withdraw("trade", "eth_mainnet", eth(1), "0x000000000000000000000000000000000000dead", testChainID, nil, nil)
	require.NoError(t, err)

	replayed := make(map[string]map[string]*big.Int)
	get := func(sub, asset string) *big.Int {
		if replayed[sub] == nil {
			replayed[sub] = make(map[string]*big.Int)
		}
		if replayed[sub][asset] == nil {
			replayed[sub][asset] = new(big.Int)
		}
		return replayed[sub][asset]
	}
	for _, rec := range w.Provenance() {
		op := rec.Operation
		switch op.Type {
		case types.OpClaim:
			get(op.SubaccountID, op.AssetID).Add(get(op.SubaccountID, op.AssetID), op.Amount)
		case types.OpTransfer:
			get(op.FromSubaccount, op.AssetID).Sub(get(op.FromSubaccount, op.AssetID), op.Amount)
			get(op.ToSubaccount, op.AssetID).Add(get(op.ToSubaccount, op.AssetID), op.Amount)
		case types.OpWithdraw:
			get(op.SubaccountID, op.AssetID).Sub(get(op.SubaccountID, op.AssetID), op.Amount)
		}
	}

	for _, sub := range []string{"main", "trade"} {
		assert.Equal(t, 0, w.Balance(sub, "eth_mainnet").Cmp(get(sub, "eth_mainnet")),
			"replayed balance mismatch for %s", sub)
	}
}

// Claim uniqueness: at most one claim record per deposit id across the log.
func TestClaimUniqueInProvenance(t *testing.T) {
	w := newTestWallet(t)
	require.NoError(t, w.AddAsset(ethAsset()))
	require.NoError(t, w.AddSubaccount(subaccount("main")))
	require.NoError(t, w.RecordDeposit(deposit("d1", eth(1))))
	require.NoError(t, w.Claim("d1", "main"))
	_ = w.Claim("d1", "main")
	_ = w.Claim("d1", "main")

	claims := 0
	for _, rec := range w.Provenance() {
		if rec.Operation.Type == types.OpClaim && rec.Operation.DepositID == "d1" {
			claims++
		}
	}
	assert.Equal(t, 1, claims)
}

type failingSigner struct{}

func (failingSigner) SignDigest(addr common.Address, digest []byte) ([]byte, error) {
	return nil, types.ErrKmsFailure
}

func (failingSigner) SignPersonalMessage(addr common.Address, message []byte) ([]byte, error) {
	return nil, types.ErrKmsFailure
}
