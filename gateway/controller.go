package gateway

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/budyz/nft-gateway/chain"
	"github.com/budyz/nft-gateway/payments"
	"github.com/budyz/nft-gateway/supply"
	badger "github.com/dgraph-io/badger/v4"
	"github.com/shopspring/decimal"
)

var (
	ErrDeliveryNotFound = errors.New("delivery not found")
	// ErrDeliveryInProgress means another request holds this payment
	// reference right now. The caller should re-check, not retry blind.
	ErrDeliveryInProgress = errors.New("delivery already in progress for this payment")
	ErrInvalidReference   = errors.New("empty payment reference")
	ErrInvalidUnits       = errors.New("units out of range")
	ErrCapExceeded        = errors.New("recipient cap exceeded")
	// ErrDeliveryFailed means the transfer provably never happened. The
	// reservation was released; retrying the whole request is safe.
	ErrDeliveryFailed = errors.New("delivery failed")
)

// CapError carries the live holding and the cap so callers can present a
// precise message.
type CapError struct {
	Current uint64
	Cap     uint64
}

func (e *CapError) Error() (s string) {
	return fmt.Sprintf("recipient cap exceeded: holds %d of %d allowed", e.Current, e.Cap)
}

func (e *CapError) Unwrap() (err error) {
	return ErrCapExceeded
}

const DefaultQueryTimeout = 15 * time.Second

// Controller runs the payment-gated delivery pipeline. The mutex guards
// delivery-record transitions; the reference claim it serializes happens
// before any supply reservation, so one payment can never reserve twice.
type Controller struct {
	mu            sync.Mutex
	db            *badger.DB
	ledger        *supply.Ledger
	verifier      payments.Verifier
	chain         chain.Client
	payee         string
	unitPrice     decimal.Decimal
	walletCap     uint64
	maxPerRequest uint64
	tokenID       uint64
	sender        string
	queryTimeout  time.Duration
}

type Config struct {
	// Badger database holding delivery records. Shared with the ledger
	DB *badger.DB
	// Supply ledger to reserve against
	Ledger *supply.Ledger
	// Verifier for claimed payments
	Verifier payments.Verifier
	// Chain the asset lives on
	Chain chain.Client
	// Account payments must have been payed to
	Payee string
	// Price of a single unit
	UnitPrice decimal.Decimal
	// Maximum units one recipient may hold in total
	WalletCap uint64
	// Maximum units a single request may claim
	MaxPerRequest uint64
	// Token id of the delivered asset
	TokenID uint64
	// Address the assets are sent from
	Sender string
	// Bound for verification and cap reads
	QueryTimeout time.Duration
}

func New(config Config) (ctrl *Controller) {
	ctrl = &Controller{
		db:            config.DB,
		ledger:        config.Ledger,
		verifier:      config.Verifier,
		chain:         config.Chain,
		payee:         config.Payee,
		unitPrice:     config.UnitPrice,
		walletCap:     config.WalletCap,
		maxPerRequest: config.MaxPerRequest,
		tokenID:       config.TokenID,
		sender:        config.Sender,
		queryTimeout:  config.QueryTimeout,
	}
	if ctrl.queryTimeout <= 0 {
		ctrl.queryTimeout = DefaultQueryTimeout
	}
	return ctrl
}

func (c *Controller) Ledger() (l *supply.Ledger) {
	return c.ledger
}
