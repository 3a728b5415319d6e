package pi

import (
	"context"
	"errors"
	"fmt"

	"github.com/budyz/nft-gateway/internal/piapi"
	"github.com/budyz/nft-gateway/payments"
	"github.com/shopspring/decimal"
)

var (
	ErrEmptyReference   = errors.New("empty payment reference")
	ErrEmptyPayee       = errors.New("empty expected payee")
	ErrNonPositiveFloor = errors.New("minimum amount must be positive")
)

type Config struct {
	Client *piapi.Client
}

// Verifier checks claimed payments against the Pi platform API.
type Verifier struct {
	client *piapi.Client
}

var _ payments.Verifier = (*Verifier)(nil)

func New(config Config) (v *Verifier) {
	return &Verifier{client: config.Client}
}

func mapStatus(status string) (s payments.Status) {
	switch status {
	case "completed":
		return payments.StatusCompleted
	case "pending":
		return payments.StatusPending
	case "cancelled":
		return payments.StatusCancelled
	default:
		return payments.StatusUnknown
	}
}

func (v *Verifier) Verify(ctx context.Context, reference, expectedPayee string, minAmount decimal.Decimal) (record payments.Record, err error) {
	switch {
	case reference == "":
		return record, ErrEmptyReference
	case expectedPayee == "":
		return record, ErrEmptyPayee
	case !minAmount.IsPositive():
		return record, ErrNonPositiveFloor
	}

	payment, err := v.client.Payment(ctx, reference)
	if err != nil {
		var statusErr *piapi.StatusError
		switch {
		case errors.As(err, &statusErr):
			return record, &payments.UpstreamError{StatusCode: statusErr.StatusCode, Body: statusErr.Body}
		case errors.Is(err, piapi.ErrDecode):
			return record, fmt.Errorf("%w: %v", payments.ErrMalformedResponse, err)
		default:
			return record, fmt.Errorf("%w: %v", payments.ErrUpstreamUnavailable, err)
		}
	}

	amount, err := decimal.NewFromString(payment.Amount)
	if err != nil {
		return record, fmt.Errorf("%w: bad amount %q", payments.ErrMalformedResponse, payment.Amount)
	}

	record = payments.Record{
		Reference: payment.Identifier,
		Status:    mapStatus(payment.Status),
		Payer:     payment.From,
		Payee:     payment.To,
		Amount:    amount,
		Memo:      payment.Memo,
	}
	if record.Reference == "" {
		// Some processor errors come back 200 with an empty object.
		return record, fmt.Errorf("%w: missing identifier", payments.ErrMalformedResponse)
	}

	err = payments.Validate(record, expectedPayee, minAmount)
	if err != nil {
		return record, err
	}
	return record, nil
}
