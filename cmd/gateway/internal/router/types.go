package router

import (
	"time"

	"github.com/budyz/nft-gateway/gateway"
	"github.com/google/uuid"
)

type (
	DeliverBody struct {
		PaymentReference string `json:"paymentReference"`
		RecipientAddress string `json:"recipientAddress"`
		Units            uint64 `json:"units"`
	}
	CreatePaymentBody struct {
		RecipientAddress string `json:"recipientAddress"`
		Units            uint64 `json:"units"`
	}
	VerifyUserBody struct {
		AccessToken string `json:"accessToken"`
	}
)

func DeliverToGateway(src *DeliverBody) (out gateway.DeliverRequest) {
	return gateway.DeliverRequest{
		Reference: src.PaymentReference,
		Recipient: src.RecipientAddress,
		Units:     src.Units,
	}
}

type (
	Delivery struct {
		// Identifier of the pipeline execution
		Attempt uuid.UUID `json:"attempt"`
		// Payment reference the delivery settles
		PaymentReference string `json:"paymentReference"`
		// Status of the delivery
		Status gateway.Status `json:"status"`
		// Transaction hash on chain, once submitted
		TxHash string `json:"txHash,omitempty"`
		// Units delivered
		Units uint64 `json:"units"`
		// Recipient holding after delivery
		NftsOwnedNow uint64 `json:"nftsOwnedNow,omitempty"`
		// Error message for failed deliveries
		Error      string    `json:"error,omitempty"`
		CreatedAt  time.Time `json:"createdAt"`
		ResolvedAt time.Time `json:"resolvedAt,omitempty"`
	}
	Supply struct {
		Remaining     uint64 `json:"remaining"`
		SoldOut       bool   `json:"soldOut"`
		MaxPerRequest uint64 `json:"maxPerRequest"`
	}
)

// Convert from the gateway's Delivery type to the wire shape
func DeliveryFromGateway(src *gateway.Delivery) (delivery Delivery) {
	return Delivery{
		Attempt:          src.Attempt,
		PaymentReference: src.Reference,
		Status:           src.Status,
		TxHash:           src.Transaction,
		Units:            src.Units,
		NftsOwnedNow:     src.Holding,
		Error:            src.Error,
		CreatedAt:        src.CreatedAt,
		ResolvedAt:       src.ResolvedAt,
	}
}
