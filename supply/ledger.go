package supply

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"github.com/budyz/nft-gateway/utils"
	badger "github.com/dgraph-io/badger/v4"
)

var ErrExhausted = errors.New("supply exhausted")

var deliveredKey = []byte("/supply/delivered")

// Ledger is the single source of truth for how many units remain
// deliverable. The check-and-increment is serialized behind the mutex and
// the new count hits disk before ReserveAndCommit reports success, so a
// crash between commit and the next read never oversells.
type Ledger struct {
	mu        sync.Mutex
	db        *badger.DB
	maxUnits  uint64
	delivered uint64
}

type Config struct {
	// Badger database holding the delivered counter
	DB *badger.DB
	// Maximum units this gateway will ever deliver
	MaxUnits uint64
}

func New(config Config) (l *Ledger, err error) {
	l = &Ledger{
		db:       config.DB,
		maxUnits: config.MaxUnits,
	}

	err = l.db.View(func(txn *badger.Txn) (err error) {
		item, err := txn.Get(deliveredKey)
		switch {
		case err == nil:
		case errors.Is(err, badger.ErrKeyNotFound):
			return nil
		default:
			return fmt.Errorf("failed to read delivered counter: %w", err)
		}

		return item.Value(func(val []byte) (err error) {
			if len(val) != 8 {
				return fmt.Errorf("corrupt delivered counter: %d bytes", len(val))
			}
			l.delivered = binary.BigEndian.Uint64(val)
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load supply state: %w", err)
	}
	return l, nil
}

func (l *Ledger) MaxUnits() (max uint64) {
	return l.maxUnits
}

func (l *Ledger) Delivered() (delivered uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.delivered
}

// Remaining never goes negative, even if the configured maximum was
// lowered below an already persisted counter.
func (l *Ledger) Remaining() (remaining uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return utils.SaturatingSub(l.maxUnits, l.delivered)
}

func (l *Ledger) persist(delivered uint64) (err error) {
	return l.db.Update(func(txn *badger.Txn) (err error) {
		var buf [8]byte
		binary.BigEndian.PutUint64(buf[:], delivered)
		err = txn.Set(deliveredKey, buf[:])
		if err != nil {
			return fmt.Errorf("failed to set delivered counter: %w", err)
		}
		return nil
	})
}

// ReserveAndCommit atomically claims units against the remaining supply.
// Either the write is durable and the claim stands, or nothing changed.
func (l *Ledger) ReserveAndCommit(units uint64) (err error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.delivered+units > l.maxUnits {
		return ErrExhausted
	}

	err = l.persist(l.delivered + units)
	if err != nil {
		return fmt.Errorf("failed to persist reservation: %w", err)
	}
	l.delivered += units
	return nil
}

// Release gives a reservation back after a transfer that provably moved
// nothing. It is not called for uncertain outcomes.
func (l *Ledger) Release(units uint64) (err error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	next := utils.SaturatingSub(l.delivered, units)
	err = l.persist(next)
	if err != nil {
		return fmt.Errorf("failed to persist release: %w", err)
	}
	l.delivered = next
	return nil
}
