package gateway

import (
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/budyz/nft-gateway/chain"
	"github.com/budyz/nft-gateway/utils"
	badger "github.com/dgraph-io/badger/v4"
)

var (
	uncertainPrefix  = []byte("/uncertain/")
	deliveriesPrefix = []byte("/deliveries/")
)

// RecoverInterruptedDeliveries promotes records a previous process left
// in the delivering state. Meant for startup, before requests are
// accepted: at that point any such record is an interrupted attempt, not
// live work. An attempt with a known transaction becomes uncertain and
// flows into the reconciler; one without never recorded a submission and
// is failed with the reservation question left to the operator.
func (c *Controller) RecoverInterruptedDeliveries() (recovered uint64, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	err = c.db.Update(func(txn *badger.Txn) (err error) {
		var interrupted []Delivery
		options := badger.DefaultIteratorOptions
		options.Prefix = deliveriesPrefix
		it := txn.NewIterator(options)
		for it.Rewind(); it.ValidForPrefix(deliveriesPrefix); it.Next() {
			var delivery Delivery
			err = it.Item().Value(func(val []byte) (err error) {
				return delivery.FromBytes(val)
			})
			if err != nil {
				log.Println("ERROR|DECODING|DELIVERY", string(it.Item().Key()), err)
				continue
			}
			if delivery.Status == StatusDelivering {
				interrupted = append(interrupted, delivery)
			}
		}
		it.Close()

		for _, delivery := range interrupted {
			if delivery.Transaction != "" {
				delivery.Status = StatusUncertain
			} else {
				delivery.Status = StatusFailed
				delivery.Error = "interrupted before the transfer submission was recorded"
			}
			delivery.ResolvedAt = time.Now()

			err = txn.Set(DeliveryKey(delivery.Reference), delivery.Bytes())
			if err != nil {
				return fmt.Errorf("failed to save recovered delivery: %w", err)
			}
			if delivery.Status == StatusUncertain {
				err = txn.Set(UncertainKey(delivery.Reference), []byte(delivery.Reference))
				if err != nil {
					return fmt.Errorf("failed to mark delivery uncertain: %w", err)
				}
			}
			log.Println("WARN|RECOVERED|DELIVERY", delivery.Reference, delivery.Status)
			recovered++
		}
		return nil
	})
	if err != nil {
		return recovered, fmt.Errorf("failed to recover interrupted deliveries: %w", err)
	}
	return recovered, nil
}

// Streams uncertain deliveries into a channel. Intended to be consumed in
// parallel while querying the chain. The channel must be fully consumed.
func (c *Controller) streamUncertainDeliveries() (deliveries chan Delivery, errChan chan error) {
	deliveries = make(chan Delivery, 1_000)
	errChan = make(chan error, 1)
	go func() {
		defer close(deliveries)
		defer close(errChan)

		errChan <- c.db.View(func(txn *badger.Txn) (err error) {
			options := badger.DefaultIteratorOptions
			options.Prefix = uncertainPrefix
			it := txn.NewIterator(options)
			defer it.Close()

			for it.Rewind(); it.ValidForPrefix(uncertainPrefix); it.Next() {
				var reference string
				err = it.Item().Value(func(val []byte) (err error) {
					reference = string(val)
					return nil
				})
				if err != nil {
					log.Println("ERROR|READING|UNCERTAIN", err)
					continue
				}

				item, err := txn.Get(DeliveryKey(reference))
				if err != nil {
					log.Println("ERROR|LOADING|DELIVERY", reference, err)
					continue
				}

				var delivery Delivery
				err = item.Value(func(val []byte) (err error) {
					return delivery.FromBytes(val)
				})
				if err != nil {
					log.Println("ERROR|DECODING|DELIVERY", reference, err)
					continue
				}

				deliveries <- delivery
			}

			return nil
		})
	}()
	return deliveries, errChan
}

func (c *Controller) resolveUncertain(d Delivery, status Status) (err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	d.Status = status
	d.ResolvedAt = time.Now()

	return c.db.Update(func(txn *badger.Txn) (err error) {
		err = txn.Set(DeliveryKey(d.Reference), d.Bytes())
		if err != nil {
			return fmt.Errorf("failed to save resolved delivery: %w", err)
		}
		err = txn.Delete(UncertainKey(d.Reference))
		if err != nil {
			return fmt.Errorf("failed to delete uncertain marker: %w", err)
		}
		return nil
	})
}

func (c *Controller) reconcileDelivery(d Delivery) (err error) {
	ctx, cancel := utils.NewContextTimeout(c.queryTimeout)
	defer cancel()

	tx, err := c.chain.Transaction(ctx, chain.TransactionRequest{TxID: d.Transaction})
	if err != nil {
		return fmt.Errorf("failed to query transaction %s: %w", d.Transaction, err)
	}

	switch tx.Status {
	case chain.TransactionStatusConfirmed:
		// Best effort refresh of the recorded holding
		balance, err := c.chain.Balance(ctx, chain.BalanceRequest{Holder: d.Recipient, TokenID: c.tokenID})
		if err == nil {
			d.Holding = balance.Units
		}
		return c.resolveUncertain(d, StatusCommitted)
	case chain.TransactionStatusFailed:
		// Definitive on-chain failure: nothing was delivered, give the
		// reservation back. Resolve first: a record still marked
		// uncertain would release again on the next pass, while a lost
		// release only undersells
		d.Error = fmt.Sprintf("transaction %s failed on chain", d.Transaction)
		err = c.resolveUncertain(d, StatusFailed)
		if err != nil {
			return fmt.Errorf("failed to resolve delivery: %w", err)
		}
		err = c.ledger.Release(d.Units)
		if err != nil {
			log.Println("ERROR|RELEASING|RESERVATION", d.Reference, err)
			return fmt.Errorf("failed to release reservation: %w", err)
		}
		return nil
	default:
		// Still pending or not yet visible: leave it for the next pass.
		// TODO: expire uncertain entries whose transaction stays unknown
		// past a deadline instead of rechecking them forever
		return nil
	}
}

const MaxConcurrentJobs = 100

// ProcessUncertainDeliveries goes over all uncertain deliveries and
// resolves the ones whose transaction reached a definitive state.
func (c *Controller) ProcessUncertainDeliveries() (processed uint64, err error) {
	deliveries, errChan := c.streamUncertainDeliveries()
	defer utils.ConsumeChannel(deliveries)
	defer utils.ConsumeChannel(errChan)

	var jobs = utils.NewJobPool(MaxConcurrentJobs)
	var wg sync.WaitGroup
	for delivery := range deliveries {
		processed++
		jobs.Get()
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer jobs.Put()

			err := c.reconcileDelivery(delivery)
			if err != nil {
				log.Printf("failed to reconcile delivery: %v: %v", delivery.Reference, err)
			}
		}()
	}

	wg.Wait()

	err = <-errChan
	if err != nil {
		return processed, fmt.Errorf("failed to stream uncertain deliveries: %w", err)
	}
	return processed, nil
}
