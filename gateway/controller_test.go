package gateway_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/budyz/nft-gateway/chain"
	chainmock "github.com/budyz/nft-gateway/chain/mock"
	"github.com/budyz/nft-gateway/gateway"
	"github.com/budyz/nft-gateway/payments"
	paymock "github.com/budyz/nft-gateway/payments/mock"
	"github.com/budyz/nft-gateway/random"
	"github.com/budyz/nft-gateway/supply"
	badger "github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

const (
	testPayee   = "merchant"
	testSender  = "0xsender"
	testTokenID = uint64(1)
)

var testUnitPrice = decimal.RequireFromString("3.14")

type fixture struct {
	controller *gateway.Controller
	verifier   *paymock.Mock
	chain      *chainmock.Mock
	db         *badger.DB
}

func newFixture(t *testing.T, maxSupply uint64, chainConfig chainmock.Config) (f fixture) {
	t.Helper()

	options := badger.
		DefaultOptions("").
		WithInMemory(true).
		WithLogger(nil)
	db, err := badger.Open(options)
	if err != nil {
		t.Fatal("failed to open database:", err)
	}
	t.Cleanup(func() { db.Close() })

	ledger, err := supply.New(supply.Config{DB: db, MaxUnits: maxSupply})
	if err != nil {
		t.Fatal("failed to create ledger:", err)
	}

	f.verifier = paymock.New()
	f.chain = chainmock.New(chainConfig)
	f.db = db

	f.controller = gateway.New(gateway.Config{
		DB:            db,
		Ledger:        ledger,
		Verifier:      f.verifier,
		Chain:         f.chain,
		Payee:         testPayee,
		UnitPrice:     testUnitPrice,
		WalletCap:     10,
		MaxPerRequest: 10,
		TokenID:       testTokenID,
		Sender:        testSender,
	})
	return f
}

// payFor scripts a completed payment covering the given units.
func (f fixture) payFor(reference string, units uint64) {
	f.verifier.SetRecord(payments.Record{
		Reference: reference,
		Status:    payments.StatusCompleted,
		Payer:     "buyer",
		Payee:     testPayee,
		Amount:    testUnitPrice.Mul(decimal.NewFromUint64(units)),
	})
}

func Test_Deliver(t *testing.T) {
	t.Run("HappyPath", func(t *testing.T) {
		assertions := assert.New(t)

		f := newFixture(t, 2000, chainmock.Config{})
		f.payFor("pay_1", 2)

		delivery, err := f.controller.Deliver(context.Background(), &gateway.DeliverRequest{
			Reference: "pay_1",
			Recipient: "0xbuyer",
			Units:     2,
		})
		assertions.Nil(err, "failed to deliver")
		assertions.Equal(gateway.StatusCommitted, delivery.Status)
		assertions.NotEmpty(delivery.Transaction)
		assertions.Equal(uint64(2), delivery.Holding)
		assertions.Equal(uint64(2), f.controller.Ledger().Delivered())

		balance, err := f.chain.Balance(context.Background(), chain.BalanceRequest{Holder: "0xbuyer", TokenID: testTokenID})
		assertions.Nil(err, "failed to read balance")
		assertions.Equal(uint64(2), balance.Units)

		queried, err := f.controller.Query("pay_1")
		assertions.Nil(err, "failed to query delivery")
		assertions.Equal(delivery.Attempt, queried.Attempt)
		assertions.Equal(gateway.StatusCommitted, queried.Status)
	})

	t.Run("CommittedReplays", func(t *testing.T) {
		assertions := assert.New(t)

		f := newFixture(t, 2000, chainmock.Config{})
		f.payFor("pay_1", 1)

		req := &gateway.DeliverRequest{Reference: "pay_1", Recipient: "0xbuyer", Units: 1}
		first, err := f.controller.Deliver(context.Background(), req)
		assertions.Nil(err, "failed to deliver")

		second, err := f.controller.Deliver(context.Background(), req)
		assertions.Nil(err, "failed to replay delivery")
		assertions.Equal(first.Attempt, second.Attempt)
		assertions.Equal(first.Transaction, second.Transaction)

		// The replay must not touch the processor or the chain again
		assertions.Equal(1, f.verifier.Calls("pay_1"))
		assertions.Equal(uint64(1), f.chain.Transfers())
		assertions.Equal(uint64(1), f.controller.Ledger().Delivered())
	})

	t.Run("InvalidRequest", func(t *testing.T) {
		assertions := assert.New(t)

		f := newFixture(t, 2000, chainmock.Config{})

		_, err := f.controller.Deliver(context.Background(), &gateway.DeliverRequest{Recipient: "0xbuyer", Units: 1})
		assertions.ErrorIs(err, gateway.ErrInvalidReference)

		_, err = f.controller.Deliver(context.Background(), &gateway.DeliverRequest{Reference: "pay_1", Recipient: "0xbuyer", Units: 0})
		assertions.ErrorIs(err, gateway.ErrInvalidUnits)

		_, err = f.controller.Deliver(context.Background(), &gateway.DeliverRequest{Reference: "pay_1", Recipient: "0xbuyer", Units: 11})
		assertions.ErrorIs(err, gateway.ErrInvalidUnits)

		_, err = f.controller.Deliver(context.Background(), &gateway.DeliverRequest{Reference: "pay_1", Units: 1})
		assertions.ErrorIs(err, chain.ErrInvalidAddress)

		assertions.Equal(0, f.verifier.Calls("pay_1"), "invalid requests must never reach the processor")
	})

	t.Run("PaymentRejected", func(t *testing.T) {
		assertions := assert.New(t)

		f := newFixture(t, 2000, chainmock.Config{})
		f.verifier.SetRecord(payments.Record{
			Reference: "pay_pending",
			Status:    payments.StatusPending,
			Payee:     testPayee,
			Amount:    testUnitPrice,
		})
		f.verifier.SetRecord(payments.Record{
			Reference: "pay_short",
			Status:    payments.StatusCompleted,
			Payee:     testPayee,
			Amount:    testUnitPrice,
		})
		f.verifier.SetRecord(payments.Record{
			Reference: "pay_elsewhere",
			Status:    payments.StatusCompleted,
			Payee:     "someone-else",
			Amount:    testUnitPrice,
		})

		for _, reference := range []string{"pay_pending", "pay_elsewhere"} {
			_, err := f.controller.Deliver(context.Background(), &gateway.DeliverRequest{
				Reference: reference,
				Recipient: "0xbuyer",
				Units:     1,
			})
			assertions.ErrorIs(err, payments.ErrRejected, reference)
		}

		// Paid for one unit, asked for two
		_, err := f.controller.Deliver(context.Background(), &gateway.DeliverRequest{
			Reference: "pay_short",
			Recipient: "0xbuyer",
			Units:     2,
		})
		assertions.ErrorIs(err, payments.ErrRejected)

		assertions.Equal(uint64(0), f.controller.Ledger().Delivered())
		assertions.Equal(uint64(0), f.chain.Transfers())

		// A rejection leaves no record behind
		_, err = f.controller.Query("pay_pending")
		assertions.ErrorIs(err, gateway.ErrDeliveryNotFound)
	})

	t.Run("RetryAfterRejection", func(t *testing.T) {
		assertions := assert.New(t)

		f := newFixture(t, 2000, chainmock.Config{})
		f.verifier.SetRecord(payments.Record{
			Reference: "pay_1",
			Status:    payments.StatusPending,
			Payee:     testPayee,
			Amount:    testUnitPrice,
		})

		req := &gateway.DeliverRequest{Reference: "pay_1", Recipient: "0xbuyer", Units: 1}
		_, err := f.controller.Deliver(context.Background(), req)
		assertions.ErrorIs(err, payments.ErrRejected)

		// The payment completes upstream and the buyer retries
		f.payFor("pay_1", 1)
		delivery, err := f.controller.Deliver(context.Background(), req)
		assertions.Nil(err, "failed to deliver after the payment completed")
		assertions.Equal(gateway.StatusCommitted, delivery.Status)
	})

	t.Run("UpstreamUnavailable", func(t *testing.T) {
		assertions := assert.New(t)

		f := newFixture(t, 2000, chainmock.Config{})

		// Unknown references behave like an upstream 404
		_, err := f.controller.Deliver(context.Background(), &gateway.DeliverRequest{
			Reference: "pay_unknown",
			Recipient: "0xbuyer",
			Units:     1,
		})
		assertions.ErrorIs(err, payments.ErrUpstreamUnavailable)
		assertions.Equal(uint64(0), f.controller.Ledger().Delivered())
	})

	t.Run("SupplyExhausted", func(t *testing.T) {
		assertions := assert.New(t)

		f := newFixture(t, 2000, chainmock.Config{})
		reserve := f.controller.Ledger().ReserveAndCommit(1999)
		assertions.Nil(reserve, "failed to seed delivered count")

		f.payFor("pay_1", 2)
		_, err := f.controller.Deliver(context.Background(), &gateway.DeliverRequest{
			Reference: "pay_1",
			Recipient: "0xbuyer",
			Units:     2,
		})
		assertions.ErrorIs(err, supply.ErrExhausted)
		assertions.Equal(uint64(1999), f.controller.Ledger().Delivered(), "a rejected request must not consume supply")

		// The last unit is still deliverable
		f.payFor("pay_2", 1)
		delivery, err := f.controller.Deliver(context.Background(), &gateway.DeliverRequest{
			Reference: "pay_2",
			Recipient: "0xbuyer",
			Units:     1,
		})
		assertions.Nil(err, "failed to deliver the last unit")
		assertions.Equal(gateway.StatusCommitted, delivery.Status)
		assertions.Equal(uint64(0), f.controller.Ledger().Remaining())
	})

	t.Run("CapExceeded", func(t *testing.T) {
		assertions := assert.New(t)

		f := newFixture(t, 2000, chainmock.Config{})
		f.chain.SetHolding("0xwhale", testTokenID, 9)
		f.payFor("pay_1", 2)

		_, err := f.controller.Deliver(context.Background(), &gateway.DeliverRequest{
			Reference: "pay_1",
			Recipient: "0xwhale",
			Units:     2,
		})
		assertions.ErrorIs(err, gateway.ErrCapExceeded)

		var capErr *gateway.CapError
		assertions.ErrorAs(err, &capErr)
		assertions.Equal(uint64(9), capErr.Current)
		assertions.Equal(uint64(10), capErr.Cap)

		assertions.Equal(uint64(0), f.controller.Ledger().Delivered())
		assertions.Equal(uint64(0), f.chain.Transfers())
	})

	t.Run("SubmissionFailed", func(t *testing.T) {
		assertions := assert.New(t)

		f := newFixture(t, 2000, chainmock.Config{})
		f.payFor("pay_1", 3)
		f.chain.SetSubmitError(errors.New("nonce too low"))

		req := &gateway.DeliverRequest{Reference: "pay_1", Recipient: "0xbuyer", Units: 3}
		_, err := f.controller.Deliver(context.Background(), req)
		assertions.ErrorIs(err, gateway.ErrDeliveryFailed)

		// The reservation was compensated
		assertions.Equal(uint64(0), f.controller.Ledger().Delivered())

		// The failed attempt stays queryable
		record, err := f.controller.Query("pay_1")
		assertions.Nil(err, "failed to query delivery")
		assertions.Equal(gateway.StatusFailed, record.Status)
		assertions.NotEmpty(record.Error)

		// Failed records are retryable once the chain recovers
		f.chain.SetSubmitError(nil)
		delivery, err := f.controller.Deliver(context.Background(), req)
		assertions.Nil(err, "failed to deliver on retry")
		assertions.Equal(gateway.StatusCommitted, delivery.Status)
		assertions.NotEqual(record.Attempt, delivery.Attempt)
		assertions.Equal(uint64(3), f.controller.Ledger().Delivered())
	})

	t.Run("UncertainOutcome", func(t *testing.T) {
		assertions := assert.New(t)

		f := newFixture(t, 2000, chainmock.Config{
			ConfirmDelay:   250 * time.Millisecond,
			ConfirmTimeout: 5 * time.Millisecond,
		})
		f.payFor("pay_1", 2)

		req := &gateway.DeliverRequest{Reference: "pay_1", Recipient: "0xbuyer", Units: 2}
		delivery, err := f.controller.Deliver(context.Background(), req)
		assertions.Nil(err, "uncertain is an outcome, not an error")
		assertions.Equal(gateway.StatusUncertain, delivery.Status)
		assertions.NotEmpty(delivery.Transaction)

		// The reservation stands while the outcome is unresolved
		assertions.Equal(uint64(2), f.controller.Ledger().Delivered())

		// A replay must not submit a second transfer
		replay, err := f.controller.Deliver(context.Background(), req)
		assertions.Nil(err, "failed to replay delivery")
		assertions.Equal(gateway.StatusUncertain, replay.Status)
		assertions.Equal(delivery.Transaction, replay.Transaction)
		assertions.Equal(uint64(1), f.chain.Transfers())

		// Reconcile before the transaction lands: nothing resolves yet
		processed, err := f.controller.ProcessUncertainDeliveries()
		assertions.Nil(err, "failed to process uncertain deliveries")
		assertions.Equal(uint64(1), processed)
		record, err := f.controller.Query("pay_1")
		assertions.Nil(err, "failed to query delivery")
		assertions.Equal(gateway.StatusUncertain, record.Status)

		// Let the mock chain confirm, then reconcile again
		time.Sleep(500 * time.Millisecond)
		processed, err = f.controller.ProcessUncertainDeliveries()
		assertions.Nil(err, "failed to process uncertain deliveries")
		assertions.Equal(uint64(1), processed)

		record, err = f.controller.Query("pay_1")
		assertions.Nil(err, "failed to query delivery")
		assertions.Equal(gateway.StatusCommitted, record.Status)
		assertions.Equal(uint64(2), record.Holding)
		assertions.Equal(uint64(2), f.controller.Ledger().Delivered())

		// The uncertain marker is gone
		processed, err = f.controller.ProcessUncertainDeliveries()
		assertions.Nil(err, "failed to process uncertain deliveries")
		assertions.Equal(uint64(0), processed)
	})

	t.Run("TransactionRecordedBeforeConfirmation", func(t *testing.T) {
		assertions := assert.New(t)

		f := newFixture(t, 2000, chainmock.Config{
			ConfirmDelay:   300 * time.Millisecond,
			ConfirmTimeout: 5 * time.Second,
		})
		f.payFor("pay_1", 1)

		done := make(chan gateway.Delivery, 1)
		go func() {
			delivery, _ := f.controller.Deliver(context.Background(), &gateway.DeliverRequest{
				Reference: "pay_1",
				Recipient: "0xbuyer",
				Units:     1,
			})
			done <- delivery
		}()

		// While the transfer is still waiting on confirmation, the
		// record already carries the transaction hash
		time.Sleep(100 * time.Millisecond)
		record, err := f.controller.Query("pay_1")
		assertions.Nil(err, "failed to query in-flight delivery")
		assertions.Equal(gateway.StatusDelivering, record.Status)
		assertions.NotEmpty(record.Transaction, "hash must be persisted before the wait")

		delivery := <-done
		assertions.Equal(gateway.StatusCommitted, delivery.Status)
		assertions.Equal(record.Transaction, delivery.Transaction)
	})

	t.Run("InterruptedAttemptsRecover", func(t *testing.T) {
		assertions := assert.New(t)

		f := newFixture(t, 2000, chainmock.Config{})
		f.payFor("pay_submitted", 1)
		f.payFor("pay_unsubmitted", 1)

		// Records a previous process left mid-flight
		submitted := gateway.Delivery{
			Attempt:     uuid.New(),
			Reference:   "pay_submitted",
			Recipient:   "0xbuyer",
			Units:       1,
			Status:      gateway.StatusDelivering,
			Transaction: "mock_tx_lost",
			CreatedAt:   time.Now().Add(-time.Hour),
		}
		unsubmitted := gateway.Delivery{
			Attempt:   uuid.New(),
			Reference: "pay_unsubmitted",
			Recipient: "0xbuyer",
			Units:     1,
			Status:    gateway.StatusDelivering,
			CreatedAt: time.Now().Add(-time.Hour),
		}
		err := f.db.Update(func(txn *badger.Txn) (err error) {
			err = txn.Set(gateway.DeliveryKey(submitted.Reference), submitted.Bytes())
			if err != nil {
				return err
			}
			return txn.Set(gateway.DeliveryKey(unsubmitted.Reference), unsubmitted.Bytes())
		})
		assertions.Nil(err, "failed to seed interrupted records")

		// Without recovery both references answer in-progress forever
		_, err = f.controller.Deliver(context.Background(), &gateway.DeliverRequest{
			Reference: "pay_submitted",
			Recipient: "0xbuyer",
			Units:     1,
		})
		assertions.ErrorIs(err, gateway.ErrDeliveryInProgress)

		recovered, err := f.controller.RecoverInterruptedDeliveries()
		assertions.Nil(err, "failed to recover interrupted deliveries")
		assertions.Equal(uint64(2), recovered)

		record, err := f.controller.Query("pay_submitted")
		assertions.Nil(err, "failed to query delivery")
		assertions.Equal(gateway.StatusUncertain, record.Status)

		record, err = f.controller.Query("pay_unsubmitted")
		assertions.Nil(err, "failed to query delivery")
		assertions.Equal(gateway.StatusFailed, record.Status)
		assertions.NotEmpty(record.Error)

		// The known transaction flows through the reconciler once it
		// reaches a definitive state
		f.chain.SetTransactionStatus("mock_tx_lost", chain.TransactionStatusConfirmed)
		processed, err := f.controller.ProcessUncertainDeliveries()
		assertions.Nil(err, "failed to process uncertain deliveries")
		assertions.Equal(uint64(1), processed)

		record, err = f.controller.Query("pay_submitted")
		assertions.Nil(err, "failed to query delivery")
		assertions.Equal(gateway.StatusCommitted, record.Status)

		// The attempt that never submitted is simply retryable
		delivery, err := f.controller.Deliver(context.Background(), &gateway.DeliverRequest{
			Reference: "pay_unsubmitted",
			Recipient: "0xbuyer",
			Units:     1,
		})
		assertions.Nil(err, "failed to retry recovered delivery")
		assertions.Equal(gateway.StatusCommitted, delivery.Status)
	})

	t.Run("FailedTransactionReleasesOnce", func(t *testing.T) {
		assertions := assert.New(t)

		f := newFixture(t, 2000, chainmock.Config{
			ConfirmDelay:   time.Hour,
			ConfirmTimeout: time.Millisecond,
		})
		reserve := f.controller.Ledger().ReserveAndCommit(5)
		assertions.Nil(reserve, "failed to seed delivered count")

		f.payFor("pay_1", 2)
		delivery, err := f.controller.Deliver(context.Background(), &gateway.DeliverRequest{
			Reference: "pay_1",
			Recipient: "0xbuyer",
			Units:     2,
		})
		assertions.Nil(err, "uncertain is an outcome, not an error")
		assertions.Equal(gateway.StatusUncertain, delivery.Status)
		assertions.Equal(uint64(7), f.controller.Ledger().Delivered())

		// The transaction fails for good on chain
		f.chain.SetTransactionStatus(delivery.Transaction, chain.TransactionStatusFailed)
		processed, err := f.controller.ProcessUncertainDeliveries()
		assertions.Nil(err, "failed to process uncertain deliveries")
		assertions.Equal(uint64(1), processed)

		record, err := f.controller.Query("pay_1")
		assertions.Nil(err, "failed to query delivery")
		assertions.Equal(gateway.StatusFailed, record.Status)
		assertions.NotEmpty(record.Error)
		assertions.Equal(uint64(5), f.controller.Ledger().Delivered(), "the reservation comes back")

		// A second pass finds nothing and must not release again
		processed, err = f.controller.ProcessUncertainDeliveries()
		assertions.Nil(err, "failed to process uncertain deliveries")
		assertions.Equal(uint64(0), processed)
		assertions.Equal(uint64(5), f.controller.Ledger().Delivered())
	})

	t.Run("ConcurrentSupply", func(t *testing.T) {
		assertions := assert.New(t)

		const workers = 8
		f := newFixture(t, workers-1, chainmock.Config{})
		references := make([]string, workers)
		for i := range references {
			references[i] = "pay_" + random.String(random.PseudoRand, random.CharsetHex, 16)
			f.payFor(references[i], 1)
		}

		var wg sync.WaitGroup
		errs := make([]error, workers)
		for i := 0; i < workers; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				_, errs[i] = f.controller.Deliver(context.Background(), &gateway.DeliverRequest{
					Reference: references[i],
					Recipient: fmt.Sprintf("0xbuyer_%d", i),
					Units:     1,
				})
			}(i)
		}
		wg.Wait()

		var committed, exhausted int
		for _, err := range errs {
			switch {
			case err == nil:
				committed++
			case errors.Is(err, supply.ErrExhausted):
				exhausted++
			default:
				t.Fatal("unexpected delivery error:", err)
			}
		}
		assertions.Equal(workers-1, committed)
		assertions.Equal(1, exhausted)
		assertions.Equal(uint64(workers-1), f.controller.Ledger().Delivered())
		assertions.Equal(uint64(workers-1), f.chain.Transfers())
	})

	t.Run("ConcurrentSameReference", func(t *testing.T) {
		assertions := assert.New(t)

		f := newFixture(t, 2000, chainmock.Config{
			ConfirmDelay:   20 * time.Millisecond,
			ConfirmTimeout: time.Second,
		})
		f.payFor("pay_1", 1)

		const callers = 4
		var wg sync.WaitGroup
		deliveries := make([]gateway.Delivery, callers)
		errs := make([]error, callers)
		for i := 0; i < callers; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				deliveries[i], errs[i] = f.controller.Deliver(context.Background(), &gateway.DeliverRequest{
					Reference: "pay_1",
					Recipient: "0xbuyer",
					Units:     1,
				})
			}(i)
		}
		wg.Wait()

		// One caller wins the reference; the others either observe the
		// in-flight claim or replay the committed outcome
		var committed, inProgress int
		for i, err := range errs {
			switch {
			case errors.Is(err, gateway.ErrDeliveryInProgress):
				inProgress++
			case err == nil && deliveries[i].Status == gateway.StatusCommitted:
				committed++
			default:
				t.Fatal("unexpected delivery outcome:", err)
			}
		}
		assertions.Equal(callers, committed+inProgress)
		assertions.GreaterOrEqual(committed, 1, "the winner always reports committed")

		assertions.Equal(uint64(1), f.chain.Transfers(), "one payment, one transfer")
		assertions.Equal(uint64(1), f.controller.Ledger().Delivered())
		assertions.Equal(1, f.verifier.Calls("pay_1"), "one payment, one verification")
	})
}
