package gateway

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/budyz/nft-gateway/chain"
	"github.com/budyz/nft-gateway/supply"
	badger "github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type DeliverRequest struct {
	// Payment reference issued by the processor
	Reference string
	// Recipient address on chain
	Recipient string
	// Units to deliver
	Units uint64
}

func (c *Controller) validateDeliver(ctx context.Context, req *DeliverRequest) (err error) {
	if req.Reference == "" {
		return ErrInvalidReference
	}
	if req.Units < 1 || req.Units > c.maxPerRequest {
		return fmt.Errorf("%w: %d not in 1..%d", ErrInvalidUnits, req.Units, c.maxPerRequest)
	}

	err = c.chain.ValidateAddress(ctx, chain.ValidateAddressRequest{Address: req.Recipient})
	if err != nil {
		return fmt.Errorf("failed to validate recipient address: %w", err)
	}
	return nil
}

// claimReference takes exclusive ownership of a payment reference or
// short-circuits to the outcome a previous attempt recorded. Committed
// and uncertain records replay; failed records may be claimed again.
func (c *Controller) claimReference(req *DeliverRequest) (delivery Delivery, claimed bool, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	err = c.db.Update(func(txn *badger.Txn) (err error) {
		item, err := txn.Get(DeliveryKey(req.Reference))
		switch {
		case err == nil:
			err = item.Value(func(val []byte) (err error) {
				return delivery.FromBytes(val)
			})
			if err != nil {
				return fmt.Errorf("failed to read delivery record: %w", err)
			}

			switch delivery.Status {
			case StatusCommitted, StatusUncertain:
				return nil
			case StatusDelivering:
				return ErrDeliveryInProgress
			}
		case errors.Is(err, badger.ErrKeyNotFound):
		default:
			return fmt.Errorf("failed to query delivery record: %w", err)
		}

		claimed = true
		delivery = Delivery{
			Attempt:   uuid.New(),
			Reference: req.Reference,
			Recipient: req.Recipient,
			Units:     req.Units,
			Status:    StatusDelivering,
			CreatedAt: time.Now(),
		}
		return txn.Set(DeliveryKey(req.Reference), delivery.Bytes())
	})
	if err != nil {
		return Delivery{}, false, err
	}
	return delivery, claimed, nil
}

// abandonClaim drops an in-flight record after a rejection that had no
// side effects, so the reference can be retried cleanly.
func (c *Controller) abandonClaim(reference string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	err := c.db.Update(func(txn *badger.Txn) (err error) {
		return txn.Delete(DeliveryKey(reference))
	})
	if err != nil {
		log.Println("ERROR|ABANDONING|CLAIM", reference, err)
	}
}

func (c *Controller) saveDelivery(d Delivery) (err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.db.Update(func(txn *badger.Txn) (err error) {
		err = txn.Set(DeliveryKey(d.Reference), d.Bytes())
		if err != nil {
			return fmt.Errorf("failed to save delivery record: %w", err)
		}

		if d.Status == StatusUncertain {
			err = txn.Set(UncertainKey(d.Reference), []byte(d.Reference))
			if err != nil {
				return fmt.Errorf("failed to mark delivery uncertain: %w", err)
			}
		}
		return nil
	})
}

// Deliver runs one payment through the pipeline: verify the payment,
// check supply and cap, reserve, transfer, commit. A reference that
// already reached a committed or uncertain outcome replays that outcome
// without touching the processor or the chain again.
func (c *Controller) Deliver(ctx context.Context, req *DeliverRequest) (delivery Delivery, err error) {
	err = c.validateDeliver(ctx, req)
	if err != nil {
		return delivery, fmt.Errorf("failed to validate request: %w", err)
	}

	delivery, claimed, err := c.claimReference(req)
	if err != nil {
		return Delivery{}, err
	}
	if !claimed {
		return delivery, nil
	}

	// Verifying
	verifyCtx, cancel := context.WithTimeout(ctx, c.queryTimeout)
	minAmount := c.unitPrice.Mul(decimal.NewFromUint64(req.Units))
	_, err = c.verifier.Verify(verifyCtx, req.Reference, c.payee, minAmount)
	cancel()
	if err != nil {
		c.abandonClaim(req.Reference)
		return Delivery{}, fmt.Errorf("failed to verify payment: %w", err)
	}

	// SupplyChecking: catch exhaustion before any chain cost is incurred.
	// Nothing is reserved yet, so rejection needs no compensation
	if c.ledger.Remaining() < req.Units {
		c.abandonClaim(req.Reference)
		return Delivery{}, supply.ErrExhausted
	}

	// CapChecking: advisory live read; the chain serializes the actual
	// transfers and stays the final arbiter
	capCtx, cancel := context.WithTimeout(ctx, c.queryTimeout)
	balance, err := c.chain.Balance(capCtx, chain.BalanceRequest{Holder: req.Recipient, TokenID: c.tokenID})
	cancel()
	if err != nil {
		c.abandonClaim(req.Reference)
		return Delivery{}, fmt.Errorf("failed to read recipient holding: %w", err)
	}
	if balance.Units+req.Units > c.walletCap {
		c.abandonClaim(req.Reference)
		return Delivery{}, &CapError{Current: balance.Units, Cap: c.walletCap}
	}

	// Reserve before submitting, so supply cannot be oversold even if the
	// transfer fails afterwards
	err = c.ledger.ReserveAndCommit(req.Units)
	if err != nil {
		c.abandonClaim(req.Reference)
		return Delivery{}, fmt.Errorf("failed to reserve units: %w", err)
	}

	// Delivering. The submission outlives the request: an instruction on
	// the wire cannot be aborted by a disconnecting client
	receipt, err := c.chain.Transfer(context.WithoutCancel(ctx), chain.TransferRequest{
		From:    c.sender,
		To:      req.Recipient,
		TokenID: c.tokenID,
		Units:   req.Units,
		Submitted: func(txID string) {
			// The hash hits disk before the confirmation wait, so a crash
			// while waiting does not lose track of a live transaction
			delivery.Transaction = txID
			saveErr := c.saveDelivery(delivery)
			if saveErr != nil {
				log.Println("ERROR|SAVING|SUBMISSION", req.Reference, saveErr)
			}
		},
	})
	delivery.Transaction = receipt.TxID
	delivery.ResolvedAt = time.Now()

	switch {
	case err == nil:
		delivery.Status = StatusCommitted
		delivery.Holding = balance.Units + req.Units
	case errors.Is(err, chain.ErrSubmissionFailed):
		releaseErr := c.ledger.Release(req.Units)
		if releaseErr != nil {
			log.Println("ERROR|RELEASING|RESERVATION", req.Reference, releaseErr)
		}
		delivery.SetError(err)
		saveErr := c.saveDelivery(delivery)
		if saveErr != nil {
			log.Println("ERROR|SAVING|DELIVERY", req.Reference, saveErr)
		}
		return Delivery{}, fmt.Errorf("%w: %v", ErrDeliveryFailed, err)
	default:
		// Confirmation timeout, or anything else ambiguous. The
		// reservation stands until reconciliation resolves the transaction
		delivery.Status = StatusUncertain
	}

	saveErr := c.saveDelivery(delivery)
	if saveErr != nil {
		log.Println("ERROR|SAVING|DELIVERY", req.Reference, saveErr)
	}
	return delivery, nil
}
