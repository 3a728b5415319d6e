package gateway

import (
	"errors"
	"fmt"

	badger "github.com/dgraph-io/badger/v4"
)

// Query returns the recorded outcome for a payment reference. This is
// the idempotent re-check clients use after an uncertain outcome.
func (c *Controller) Query(reference string) (delivery Delivery, err error) {
	if reference == "" {
		return delivery, ErrInvalidReference
	}

	err = c.db.View(func(txn *badger.Txn) (err error) {
		item, err := txn.Get(DeliveryKey(reference))
		switch {
		case err == nil:
		case errors.Is(err, badger.ErrKeyNotFound):
			return ErrDeliveryNotFound
		default:
			return fmt.Errorf("failed to query delivery record: %w", err)
		}

		return item.Value(func(val []byte) (err error) {
			return delivery.FromBytes(val)
		})
	})
	if err != nil {
		return Delivery{}, err
	}
	return delivery, nil
}
