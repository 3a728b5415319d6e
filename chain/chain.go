package chain

import (
	"context"
	"errors"
)

var (
	ErrInvalidAddress = errors.New("invalid address")
	// ErrSubmissionFailed means the transfer instruction never made it to
	// the chain. Nothing moved, retrying is safe.
	ErrSubmissionFailed = errors.New("transfer submission failed")
	// ErrConfirmationTimeout means the instruction was submitted but no
	// confirmation was observed within the bound. The transfer may still
	// land; callers must not treat this as a clean failure.
	ErrConfirmationTimeout = errors.New("transfer confirmation timed out")
)

type TransactionStatus string

const (
	TransactionStatusPending   TransactionStatus = "pending"
	TransactionStatusConfirmed TransactionStatus = "confirmed"
	TransactionStatusFailed    TransactionStatus = "failed"
	TransactionStatusNotFound  TransactionStatus = "not-found"
)

type (
	ValidateAddressRequest struct {
		Address string
	}
	BalanceRequest struct {
		// Holder address
		Holder string
		// Token id within the collection contract
		TokenID uint64
	}
	Balance struct {
		Holder  string
		TokenID uint64
		// Units of the token the holder currently owns
		Units uint64
	}
	TransferRequest struct {
		// Source address. Must be the account behind the signing key
		From string
		// Destination Address
		To string
		// Token id within the collection contract
		TokenID uint64
		// Units transferred
		Units uint64
		// Submitted, when set, is called with the transaction id as soon
		// as the instruction is accepted, before the confirmation wait
		Submitted func(txID string)
	}
	Receipt struct {
		// Identifier of the transaction on chain
		TxID string
		// Whether confirmation was observed before returning
		Confirmed bool
		// Units transferred
		Units uint64
	}
	TransactionRequest struct {
		TxID string
	}
	Transaction struct {
		TxID   string
		Status TransactionStatus
	}
)

type Client interface {
	// Validate an address for this chain
	ValidateAddress(ctx context.Context, req ValidateAddressRequest) (err error)

	// Balance reads the live holding of an address. Point in time only;
	// other transfers may land between the read and any decision on it.
	Balance(ctx context.Context, req BalanceRequest) (balance Balance, err error)

	// Transfer submits exactly one transfer instruction and waits for
	// confirmation within the client's bound. No internal retries.
	Transfer(ctx context.Context, req TransferRequest) (receipt Receipt, err error)

	// Transaction queries the status of a previously submitted transfer
	Transaction(ctx context.Context, req TransactionRequest) (tx Transaction, err error)
}
