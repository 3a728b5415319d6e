package mock

import (
	"context"
	"net/http"
	"sync"

	"github.com/budyz/nft-gateway/payments"
	"github.com/shopspring/decimal"
)

// Mock implements the payments.Verifier interface for testing purposes.
// Records are scripted per reference; unknown references behave like an
// upstream 404.
type Mock struct {
	mu      sync.Mutex
	records map[string]payments.Record
	errs    map[string]error
	calls   map[string]int
}

var _ payments.Verifier = (*Mock)(nil)

func New() (m *Mock) {
	return &Mock{
		records: make(map[string]payments.Record),
		errs:    make(map[string]error),
		calls:   make(map[string]int),
	}
}

func (m *Mock) SetRecord(record payments.Record) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[record.Reference] = record
}

// SetError scripts a verification failure regardless of any record.
func (m *Mock) SetError(reference string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errs[reference] = err
}

// Calls reports how many times a reference was verified.
func (m *Mock) Calls(reference string) (n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[reference]
}

func (m *Mock) Verify(ctx context.Context, reference, expectedPayee string, minAmount decimal.Decimal) (record payments.Record, err error) {
	m.mu.Lock()
	m.calls[reference]++
	err, scripted := m.errs[reference]
	record, found := m.records[reference]
	m.mu.Unlock()

	if scripted {
		return payments.Record{}, err
	}
	if !found {
		return payments.Record{}, &payments.UpstreamError{
			StatusCode: http.StatusNotFound,
			Body:       `{"error":"payment_not_found"}`,
		}
	}

	err = payments.Validate(record, expectedPayee, minAmount)
	if err != nil {
		return record, err
	}
	return record, nil
}
