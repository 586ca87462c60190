package types

import "errors"

// Ledger and KMS error kinds. Every error that crosses the dispatcher
// boundary wraps one of these sentinels so the response envelope can carry a
// stable error string.
var (
	ErrUnknownWallet     = errors.New("unknown wallet")
	ErrUnknownAsset      = errors.New("unknown asset")
	ErrUnknownSubaccount = errors.New("unknown subaccount")
	ErrUnknownDeposit    = errors.New("unknown deposit")
	ErrUnknownAddress    = errors.New("unknown address")
	ErrUnknownOutbox     = errors.New("unknown outbox entry")

	ErrDuplicateDeposit = errors.New("duplicate deposit")
	ErrAlreadyClaimed   = errors.New("deposit already claimed")

	ErrInvalidAmount  = errors.New("invalid amount")
	ErrInvalidAddress = errors.New("invalid address")
	ErrInvalidAsset   = errors.New("invalid asset")
	ErrInvalidCommand = errors.New("invalid command")

	ErrInsufficientBalance = errors.New("insufficient balance")

	ErrKmsFailure = errors.New("kms failure")

	ErrTimeout = errors.New("lock wait timeout")

	ErrFatalWallet = errors.New("fatal wallet error")
)
