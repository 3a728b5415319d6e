package payments

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusCompleted Status = "completed"
	StatusCancelled Status = "cancelled"
	StatusUnknown   Status = "unknown"
)

// Record is the authoritative state of one payment as reported by the
// processor. It is fetched fresh on every verification and never stored.
type Record struct {
	// Reference of the payment at the processor
	Reference string
	// Status reported by the processor
	Status Status
	// Payer account at the processor
	Payer string
	// Payee account the funds went to
	Payee string
	// Amount payed
	Amount decimal.Decimal
	// Memo attached at creation time
	Memo string
}

var (
	ErrUpstreamUnavailable = errors.New("payment processor unavailable")
	ErrMalformedResponse   = errors.New("malformed payment processor response")
	ErrRejected            = errors.New("payment rejected")
)

// UpstreamError keeps the raw upstream payload for diagnostics.
type UpstreamError struct {
	StatusCode int
	Body       string
}

func (e *UpstreamError) Error() (s string) {
	return fmt.Sprintf("payment processor unavailable: status %d: %s", e.StatusCode, e.Body)
}

func (e *UpstreamError) Unwrap() (err error) {
	return ErrUpstreamUnavailable
}

type Reason string

const (
	ReasonStatusNotCompleted Reason = "status-not-completed"
	ReasonPayeeMismatch      Reason = "payee-mismatch"
	ReasonInsufficientAmount Reason = "insufficient-amount"
)

// RejectedError names exactly which validation clause failed.
type RejectedError struct {
	Reason Reason
	Detail string
}

func (e *RejectedError) Error() (s string) {
	return fmt.Sprintf("payment rejected: %s: %s", e.Reason, e.Detail)
}

func (e *RejectedError) Unwrap() (err error) {
	return ErrRejected
}

// Validate applies the acceptance policy to an already fetched record:
// completed, payed to the expected account, amount at least the minimum.
// It never goes back to the processor.
func Validate(record Record, expectedPayee string, minAmount decimal.Decimal) (err error) {
	if record.Status != StatusCompleted {
		return &RejectedError{
			Reason: ReasonStatusNotCompleted,
			Detail: fmt.Sprintf("status is %q", record.Status),
		}
	}
	if record.Payee != expectedPayee {
		return &RejectedError{
			Reason: ReasonPayeeMismatch,
			Detail: fmt.Sprintf("payed to %q", record.Payee),
		}
	}
	if record.Amount.LessThan(minAmount) {
		return &RejectedError{
			Reason: ReasonInsufficientAmount,
			Detail: fmt.Sprintf("payed %s, expected at least %s", record.Amount, minAmount),
		}
	}
	return nil
}

type Verifier interface {
	// Verify fetches the payment by reference and applies Validate against
	// the expected terms. Read only; retry policy belongs to the caller.
	Verify(ctx context.Context, reference, expectedPayee string, minAmount decimal.Decimal) (record Record, err error)
}
