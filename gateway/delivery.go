package gateway

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

type Status string

const (
	// StatusDelivering marks an in-flight attempt holding the reference
	StatusDelivering Status = "delivering"
	// StatusCommitted marks a confirmed delivery
	StatusCommitted Status = "committed"
	// StatusUncertain marks a submitted transfer whose confirmation was
	// not observed in time. Neither success nor safe to retry
	StatusUncertain Status = "uncertain"
	// StatusFailed marks a transfer that provably never happened
	StatusFailed Status = "failed"
)

func DeliveryKey(reference string) (key []byte) {
	return []byte("/deliveries/" + reference)
}

func UncertainKey(reference string) (key []byte) {
	return []byte("/uncertain/" + reference)
}

type Delivery struct {
	// Identifier of this pipeline execution
	Attempt uuid.UUID
	// Payment reference. Doubles as the idempotency key
	Reference string
	// Recipient address on chain
	Recipient string
	// Units requested
	Units uint64
	// Status of the delivery
	Status Status
	// Transaction id on chain, set once submitted
	Transaction string
	// Recipient holding after the delivery landed
	Holding uint64
	// Error message
	Error string
	// When the attempt claimed the reference
	CreatedAt time.Time
	// When the attempt reached a terminal state
	ResolvedAt time.Time
}

func (d *Delivery) SetError(err error) {
	if err == nil {
		return
	}

	d.Status = StatusFailed
	d.Error = err.Error()
}

func (d *Delivery) Bytes() (bytes []byte) {
	bytes, _ = json.Marshal(d)
	return bytes
}

func (d *Delivery) FromBytes(b []byte) (err error) {
	return json.Unmarshal(b, d)
}
