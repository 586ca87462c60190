// Package enclave is the command surface of the PASS wallet core: a tagged
// JSON command dispatcher and the framed transport that feeds it.
package enclave

import (
	"bytes"
	"encoding/json"
	"math/big"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/passnetwork/pass-enclave/internal/kms"
	"github.com/passnetwork/pass-enclave/internal/state"
	"github.com/passnetwork/pass-enclave/internal/types"
	"github.com/passnetwork/pass-enclave/internal/wallet"
)

// Response is the envelope every command returns.
type Response struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
}

// Dispatcher routes decoded commands to the KMS and the wallet registry. It
// holds no state of its own; the optional event bus lets hosts observe
// successful mutations.
type Dispatcher struct {
	kms      *kms.KMS
	registry *wallet.Registry
	events   *state.EventBus
}

// NewDispatcher wires a dispatcher to its collaborators. events may be nil.
func NewDispatcher(k *kms.KMS, registry *wallet.Registry, events *state.EventBus) *Dispatcher {
	return &Dispatcher{kms: k, registry: registry, events: events}
}

func (d *Dispatcher) publish(eventType state.EventType, data interface{}) {
	if d.events != nil {
		d.events.Publish(eventType, data)
	}
}

type signPayload struct {
	Address string `json:"address"`
	Message string `json:"message"`
}

type verifyPayload struct {
	Address   string `json:"address"`
	Message   string `json:"message"`
	Signature string `json:"signature"`
}

type createWalletPayload struct {
	Name  string `json:"name"`
	Owner string `json:"owner"`
}

type walletScopedPayload struct {
	WalletAddress string `json:"wallet_address"`
}

type addAssetPayload struct {
	WalletAddress   string `json:"wallet_address"`
	AssetID         string `json:"asset_id"`
	TokenType       string `json:"token_type"`
	ContractAddress string `json:"contract_address"`
	TokenID         string `json:"token_id"`
	Symbol          string `json:"symbol"`
	Name            string `json:"name"`
	Decimals        uint8  `json:"decimals"`
}

type addSubaccountPayload struct {
	WalletAddress string `json:"wallet_address"`
	SubaccountID  string `json:"subaccount_id"`
	Label         string `json:"label"`
	Address       string `json:"address"`
}

type inboxDepositPayload struct {
	WalletAddress   string   `json:"wallet_address"`
	AssetID         string   `json:"asset_id"`
	Amount          *big.Int `json:"amount"`
	DepositID       string   `json:"deposit_id"`
	TransactionHash string   `json:"transaction_hash"`
	BlockNumber     string   `json:"block_number"`
	FromAddress     string   `json:"from_address"`
	ToAddress       string   `json:"to_address"`
}

type claimPayload struct {
	WalletAddress string `json:"wallet_address"`
	DepositID     string `json:"deposit_id"`
	SubaccountID  string `json:"subaccount_id"`
}

type transferPayload struct {
	WalletAddress  string   `json:"wallet_address"`
	AssetID        string   `json:"asset_id"`
	Amount         *big.Int `json:"amount"`
	FromSubaccount string   `json:"from_subaccount"`
	ToSubaccount   string   `json:"to_subaccount"`
}

type withdrawPayload struct {
	WalletAddress string   `json:"wallet_address"`
	AssetID       string   `json:"asset_id"`
	Amount        *big.Int `json:"amount"`
	SubaccountID  string   `json:"subaccount_id"`
	Destination   string   `json:"destination"`
	ChainID       uint64   `json:"chain_id"`
	GasPrice      *uint64  `json:"gas_price"`
	GasLimit      *uint64  `json:"gas_limit"`
}

type removeOutboxPayload struct {
	WalletAddress string `json:"wallet_address"`
	OutboxID      uint64 `json:"outbox_id"`
}

type balancePayload struct {
	WalletAddress string `json:"wallet_address"`
	SubaccountID  string `json:"subaccount_id"`
	AssetID       string `json:"asset_id"`
}

type subaccountBalancesPayload struct {
	WalletAddress string `json:"wallet_address"`
	SubaccountID  string `json:"subaccount_id"`
}

type signGsmPayload struct {
	WalletAddress string `json:"wallet_address"`
	Domain        string `json:"domain"`
	Message       string `json:"message"`
}

type provenanceByAssetPayload struct {
	WalletAddress string `json:"wallet_address"`
	AssetID       string `json:"asset_id"`
}

type provenanceBySubaccountPayload struct {
	WalletAddress string `json:"wallet_address"`
	SubaccountID  string `json:"subaccount_id"`
}

// Dispatch decodes one framed command and executes it. All errors come back
// inside the response envelope; Dispatch never panics outward.
func (d *Dispatcher) Dispatch(raw []byte) Response {
	tag, payload, err := decodeCommand(raw)
	if err != nil {
		return fail(err)
	}

	switch tag {
	case "Keygen":
		return d.handleKeygen()
	case "Sign":
		var p signPayload
		if err := decodePayload(payload, &p); err != nil {
			return fail(err)
		}
		return d.handleSign(p)
	case "List":
		return d.handleList()
	case "Verify":
		var p verifyPayload
		if err := decodePayload(payload, &p); err != nil {
			return fail(err)
		}
		return d.handleVerify(p)

	case "CreateWallet":
		var p createWalletPayload
		if err := decodePayload(payload, &p); err != nil {
			return fail(err)
		}
		return d.handleCreateWallet(p)
	case "ListWallets":
		return d.handleListWallets()
	case "WalletState":
		var p walletScopedPayload
		if err := decodePayload(payload, &p); err != nil {
			return fail(err)
		}
		return d.withWallet(p.WalletAddress, func(w *wallet.Wallet) (interface{}, error) {
			return w.Summary(), nil
		})

	case "AddAsset":
		var p addAssetPayload
		if err := decodePayload(payload, &p); err != nil {
			return fail(err)
		}
		return d.withWallet(p.WalletAddress, func(w *wallet.Wallet) (interface{}, error) {
			asset := types.Asset{
				AssetID:         p.AssetID,
				TokenType:       types.TokenType(p.TokenType),
				ContractAddress: p.ContractAddress,
				TokenID:         p.TokenID,
				Symbol:          p.Symbol,
				Name:            p.Name,
				Decimals:        p.Decimals,
			}
			if err := w.AddAsset(asset); err != nil {
				return nil, err
			}
			return map[string]interface{}{"wallet_address": p.WalletAddress, "asset_id": p.AssetID}, nil
		})
	case "ListAssets":
		var p walletScopedPayload
		if err := decodePayload(payload, &p); err != nil {
			return fail(err)
		}
		return d.withWallet(p.WalletAddress, func(w *wallet.Wallet) (interface{}, error) {
			return w.Assets(), nil
		})

	case "AddSubaccount":
		var p addSubaccountPayload
		if err := decodePayload(payload, &p); err != nil {
			return fail(err)
		}
		return d.withWallet(p.WalletAddress, func(w *wallet.Wallet) (interface{}, error) {
			sub := types.Subaccount{SubaccountID: p.SubaccountID, Label: p.Label, Address: p.Address}
			if err := w.AddSubaccount(sub); err != nil {
				return nil, err
			}
			return map[string]interface{}{"wallet_address": p.WalletAddress, "subaccount_id": p.SubaccountID}, nil
		})

	case "InboxDeposit":
		var p inboxDepositPayload
		if err := decodePayload(payload, &p); err != nil {
			return fail(err)
		}
		return d.withWallet(p.WalletAddress, func(w *wallet.Wallet) (interface{}, error) {
			entry := types.InboxEntry{
				DepositID:   p.DepositID,
				AssetID:     p.AssetID,
				Amount:      p.Amount,
				FromAddress: p.FromAddress,
				ToAddress:   p.ToAddress,
				TxHash:      p.TransactionHash,
				BlockNumber: p.BlockNumber,
			}
			if err := w.RecordDeposit(entry); err != nil {
				return nil, err
			}
			d.publish(state.DepositRecorded, p.DepositID)
			return map[string]interface{}{"wallet_address": p.WalletAddress, "deposit_id": p.DepositID}, nil
		})

	case "Claim":
		var p claimPayload
		if err := decodePayload(payload, &p); err != nil {
			return fail(err)
		}
		return d.withWallet(p.WalletAddress, func(w *wallet.Wallet) (interface{}, error) {
			if err := w.Claim(p.DepositID, p.SubaccountID); err != nil {
				return nil, err
			}
			d.publish(state.DepositClaimed, p.DepositID)
			return map[string]interface{}{
				"wallet_address": p.WalletAddress,
				"deposit_id":     p.DepositID,
				"subaccount_id":  p.SubaccountID,
			}, nil
		})

	case "Transfer":
		var p transferPayload
		if err := decodePayload(payload, &p); err != nil {
			return fail(err)
		}
		return d.withWallet(p.WalletAddress, func(w *wallet.Wallet) (interface{}, error) {
			if err := w.Transfer(p.FromSubaccount, p.ToSubaccount, p.AssetID, p.Amount); err != nil {
				return nil, err
			}
			d.publish(state.TransferExecuted, p.AssetID)
			return map[string]interface{}{
				"wallet_address":  p.WalletAddress,
				"asset_id":        p.AssetID,
				"amount":          p.Amount,
				"from_subaccount": p.FromSubaccount,
				"to_subaccount":   p.ToSubaccount,
			}, nil
		})

	case "Withdraw":
		var p withdrawPayload
		if err := decodePayload(payload, &p); err != nil {
			return fail(err)
		}
		return d.withWallet(p.WalletAddress, func(w *wallet.Wallet) (interface{}, error) {
			entry, err := w.Withdraw(p.SubaccountID, p.AssetID, p.Amount, p.Destination, p.ChainID, p.GasPrice, p.GasLimit)
			if err != nil {
				return nil, err
			}
			d.publish(state.WithdrawSigned, entry.OutboxID)
			return entry, nil
		})

	case "ListOutbox":
		var p walletScopedPayload
		if err := decodePayload(payload, &p); err != nil {
			return fail(err)
		}
		return d.withWallet(p.WalletAddress, func(w *wallet.Wallet) (interface{}, error) {
			return w.Outbox(), nil
		})

	case "RemoveOutbox":
		var p removeOutboxPayload
		if err := decodePayload(payload, &p); err != nil {
			return fail(err)
		}
		return d.withWallet(p.WalletAddress, func(w *wallet.Wallet) (interface{}, error) {
			if err := w.RemoveOutbox(p.OutboxID); err != nil {
				return nil, err
			}
			d.publish(state.OutboxRemoved, p.OutboxID)
			return map[string]interface{}{"wallet_address": p.WalletAddress, "outbox_id": p.OutboxID}, nil
		})

	case "Balance":
		var p balancePayload
		if err := decodePayload(payload, &p); err != nil {
			return fail(err)
		}
		return d.withWallet(p.WalletAddress, func(w *wallet.Wallet) (interface{}, error) {
			return map[string]interface{}{
				"wallet_address": p.WalletAddress,
				"subaccount_id":  p.SubaccountID,
				"asset_id":       p.AssetID,
				"balance":        w.Balance(p.SubaccountID, p.AssetID),
			}, nil
		})

	case "SubaccountBalances":
		var p subaccountBalancesPayload
		if err := decodePayload(payload, &p); err != nil {
			return fail(err)
		}
		return d.withWallet(p.WalletAddress, func(w *wallet.Wallet) (interface{}, error) {
			return map[string]interface{}{
				"wallet_address": p.WalletAddress,
				"subaccount_id":  p.SubaccountID,
				"balances":       w.SubaccountBalances(p.SubaccountID),
			}, nil
		})

	case "SignGsm":
		var p signGsmPayload
		if err := decodePayload(payload, &p); err != nil {
			return fail(err)
		}
		return d.withWallet(p.WalletAddress, func(w *wallet.Wallet) (interface{}, error) {
			sig, err := w.SignGSM(p.Domain, p.Message)
			if err != nil {
				return nil, err
			}
			return map[string]interface{}{"signature": hexutil.Encode(sig)}, nil
		})

	case "Provenance":
		var p walletScopedPayload
		if err := decodePayload(payload, &p); err != nil {
			return fail(err)
		}
		return d.withWallet(p.WalletAddress, func(w *wallet.Wallet) (interface{}, error) {
			return w.Provenance(), nil
		})
	case "ProvenanceByAsset":
		var p provenanceByAssetPayload
		if err := decodePayload(payload, &p); err != nil {
			return fail(err)
		}
		return d.withWallet(p.WalletAddress, func(w *wallet.Wallet) (interface{}, error) {
			return w.ProvenanceByAsset(p.AssetID), nil
		})
	case "ProvenanceBySubaccount":
		var p provenanceBySubaccountPayload
		if err := decodePayload(payload, &p); err != nil {
			return fail(err)
		}
		return d.withWallet(p.WalletAddress, func(w *wallet.Wallet) (interface{}, error) {
			return w.ProvenanceBySubaccount(p.SubaccountID), nil
		})

	default:
		return fail(types.ErrInvalidCommand)
	}
}

func (d *Dispatcher) handleKeygen() Response {
	addr, err := d.kms.GenerateAccount()
	if err != nil {
		return fail(err)
	}
	return ok(map[string]interface{}{"address": types.AddressHex(addr)})
}

func (d *Dispatcher) handleSign(p signPayload) Response {
	addr, err := types.ParseAddress(p.Address)
	if err != nil {
		return fail(err)
	}
	sig, err := d.kms.SignPersonalMessage(addr, []byte(p.Message))
	if err != nil {
		return fail(err)
	}
	return ok(map[string]interface{}{
		"signature": hexutil.Encode(sig),
		"message":   p.Message,
		"address":   p.Address,
	})
}

func (d *Dispatcher) handleList() Response {
	addrs := d.kms.ListAddresses()
	out := make([]string, len(addrs))
	for i, addr := range addrs {
		out[i] = types.AddressHex(addr)
	}
	return ok(out)
}

func (d *Dispatcher) handleVerify(p verifyPayload) Response {
	addr, err := types.ParseAddress(p.Address)
	if err != nil {
		return fail(err)
	}
	sig, err := hexutil.Decode(p.Signature)
	if err != nil {
		return ok(map[string]interface{}{"valid": false, "address": p.Address, "message": p.Message})
	}
	valid, err := d.kms.VerifyPersonalMessage(addr, []byte(p.Message), sig)
	if err != nil {
		return fail(err)
	}
	return ok(map[string]interface{}{"valid": valid, "address": p.Address, "message": p.Message})
}

func (d *Dispatcher) handleCreateWallet(p createWalletPayload) Response {
	addr, err := d.registry.Create(p.Name, p.Owner)
	if err != nil {
		return fail(err)
	}
	d.publish(state.WalletCreated, types.AddressHex(addr))
	return ok(map[string]interface{}{
		"wallet_address": types.AddressHex(addr),
		"name":           p.Name,
		"owner":          p.Owner,
	})
}

func (d *Dispatcher) handleListWallets() Response {
	addrs := d.registry.List()
	out := make([]string, len(addrs))
	for i, addr := range addrs {
		out[i] = types.AddressHex(addr)
	}
	return ok(out)
}

func (d *Dispatcher) withWallet(addrStr string, fn func(*wallet.Wallet) (interface{}, error)) Response {
	addr, err := types.ParseAddress(addrStr)
	if err != nil {
		return fail(err)
	}
	var data interface{}
	err = d.registry.WithWallet(addr, func(w *wallet.Wallet) error {
		var innerErr error
		data, innerErr = fn(w)
		return innerErr
	})
	if err != nil {
		return fail(err)
	}
	return ok(data)
}

// decodeCommand splits an externally tagged command into its tag and
// payload. Unit commands may arrive as a bare JSON string or as
// {"Tag": null}.
func decodeCommand(raw []byte) (string, json.RawMessage, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return "", nil, types.ErrInvalidCommand
	}
	if trimmed[0] == '"' {
		var tag string
		if err := json.Unmarshal(trimmed, &tag); err != nil {
			return "", nil, types.ErrInvalidCommand
		}
		return tag, nil, nil
	}
	var envelope map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &envelope); err != nil {
		return "", nil, types.ErrInvalidCommand
	}
	if len(envelope) != 1 {
		return "", nil, types.ErrInvalidCommand
	}
	for tag, payload := range envelope {
		return tag, payload, nil
	}
	return "", nil, types.ErrInvalidCommand
}

func decodePayload(payload json.RawMessage, dst interface{}) error {
	if len(payload) == 0 || bytes.Equal(bytes.TrimSpace(payload), []byte("null")) {
		return types.ErrInvalidCommand
	}
	if err := json.Unmarshal(payload, dst); err != nil {
		return types.ErrInvalidCommand
	}
	return nil
}

func ok(data interface{}) Response {
	return Response{Success: true, Data: data}
}

func fail(err error) Response {
	return Response{Success: false, Error: err.Error()}
}
