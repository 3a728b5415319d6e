package mock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/budyz/nft-gateway/chain"
)

// Mock implements the chain.Client interface for testing purposes.
// Confirmation timing is scriptable so both the clean path and the
// uncertain outcome can be exercised.
type Mock struct {
	mu             sync.Mutex
	holdings       map[string]uint64
	transactions   map[string]chain.TransactionStatus
	seq            uint64
	transfers      uint64
	submitErr      error
	confirmDelay   time.Duration
	confirmTimeout time.Duration
}

var _ chain.Client = (*Mock)(nil)

type Config struct {
	// How long a submitted transfer takes to confirm on the mock chain
	ConfirmDelay time.Duration
	// How long Transfer waits before reporting an uncertain outcome
	ConfirmTimeout time.Duration
}

func New(config Config) (m *Mock) {
	if config.ConfirmTimeout <= 0 {
		config.ConfirmTimeout = time.Second
	}
	return &Mock{
		holdings:       make(map[string]uint64),
		transactions:   make(map[string]chain.TransactionStatus),
		confirmDelay:   config.ConfirmDelay,
		confirmTimeout: config.ConfirmTimeout,
	}
}

func holdingKey(holder string, tokenID uint64) (key string) {
	return fmt.Sprintf("%s/%d", holder, tokenID)
}

// SetHolding seeds the live holding of an address.
func (m *Mock) SetHolding(holder string, tokenID, units uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.holdings[holdingKey(holder, tokenID)] = units
}

// SetSubmitError scripts a submission failure for subsequent transfers.
// Pass nil to clear.
func (m *Mock) SetSubmitError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.submitErr = err
}

// SetTransactionStatus scripts the chain-side state of a transaction,
// e.g. to make a watched transfer fail after the fact.
func (m *Mock) SetTransactionStatus(txID string, status chain.TransactionStatus) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.transactions[txID] = status
}

// Transfers reports how many transfer instructions were submitted.
func (m *Mock) Transfers() (n uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.transfers
}

func (m *Mock) ValidateAddress(ctx context.Context, req chain.ValidateAddressRequest) (err error) {
	if req.Address == "" {
		return chain.ErrInvalidAddress
	}
	return nil
}

func (m *Mock) Balance(ctx context.Context, req chain.BalanceRequest) (balance chain.Balance, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return chain.Balance{
		Holder:  req.Holder,
		TokenID: req.TokenID,
		Units:   m.holdings[holdingKey(req.Holder, req.TokenID)],
	}, nil
}

func (m *Mock) confirm(hash string, req chain.TransferRequest) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.holdings[holdingKey(req.To, req.TokenID)] += req.Units
	m.transactions[hash] = chain.TransactionStatusConfirmed
}

func (m *Mock) Transfer(ctx context.Context, req chain.TransferRequest) (receipt chain.Receipt, err error) {
	m.mu.Lock()
	if m.submitErr != nil {
		err = m.submitErr
		m.mu.Unlock()
		return receipt, fmt.Errorf("%w: %v", chain.ErrSubmissionFailed, err)
	}

	m.seq++
	m.transfers++
	hash := fmt.Sprintf("mock_tx_%d", m.seq)
	m.transactions[hash] = chain.TransactionStatusPending
	delay := m.confirmDelay
	patience := m.confirmTimeout
	m.mu.Unlock()

	receipt = chain.Receipt{TxID: hash, Units: req.Units}
	if req.Submitted != nil {
		req.Submitted(hash)
	}

	if delay == 0 {
		m.confirm(hash, req)
		receipt.Confirmed = true
		return receipt, nil
	}

	if delay > patience {
		// The mock chain confirms on its own schedule, whether or not the
		// caller is still waiting.
		go func() {
			time.Sleep(delay)
			m.confirm(hash, req)
		}()
		return receipt, fmt.Errorf("%w: %s", chain.ErrConfirmationTimeout, hash)
	}

	time.Sleep(delay)
	m.confirm(hash, req)
	receipt.Confirmed = true
	return receipt, nil
}

func (m *Mock) Transaction(ctx context.Context, req chain.TransactionRequest) (tx chain.Transaction, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	tx = chain.Transaction{TxID: req.TxID}
	status, found := m.transactions[req.TxID]
	if !found {
		tx.Status = chain.TransactionStatusNotFound
		return tx, nil
	}
	tx.Status = status
	return tx, nil
}
