package pi_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/budyz/nft-gateway/internal/piapi"
	"github.com/budyz/nft-gateway/payments"
	"github.com/budyz/nft-gateway/payments/pi"
	"github.com/budyz/nft-gateway/random"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

const payee = "GATEWAY_WALLET"

func newVerifier(handler http.Handler) (v *pi.Verifier, server *httptest.Server) {
	server = httptest.NewServer(handler)
	client := piapi.New(piapi.Config{
		Url:    server.URL,
		Key:    "server-key",
		Client: server.Client(),
	})
	return pi.New(pi.Config{Client: client}), server
}

func servePayment(payment piapi.Payment) (handler http.Handler) {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(payment)
	})
}

func Test_Verify(t *testing.T) {
	minAmount := decimal.RequireFromString("8")

	t.Run("Accepted", func(t *testing.T) {
		assertions := assert.New(t)

		reference := random.String(random.CryptoRand(), random.CharsetHex, 16)
		verifier, server := newVerifier(servePayment(piapi.Payment{
			Identifier: reference,
			Status:     "completed",
			Amount:     "8",
			From:       "PAYER_WALLET",
			To:         payee,
		}))
		defer server.Close()

		record, err := verifier.Verify(context.Background(), reference, payee, minAmount)
		assertions.Nil(err, "failed to verify payment")
		assertions.Equal(reference, record.Reference)
		assertions.Equal(payments.StatusCompleted, record.Status)
		assertions.True(record.Amount.Equal(minAmount), "amount mismatch")
	})

	t.Run("RejectedStatus", func(t *testing.T) {
		assertions := assert.New(t)

		verifier, server := newVerifier(servePayment(piapi.Payment{
			Identifier: "ref-1",
			Status:     "pending",
			Amount:     "8",
			To:         payee,
		}))
		defer server.Close()

		_, err := verifier.Verify(context.Background(), "ref-1", payee, minAmount)
		assertions.ErrorIs(err, payments.ErrRejected)

		var rejected *payments.RejectedError
		assertions.ErrorAs(err, &rejected)
		assertions.Equal(payments.ReasonStatusNotCompleted, rejected.Reason)
	})

	t.Run("UpstreamErrorKeepsPayload", func(t *testing.T) {
		assertions := assert.New(t)

		verifier, server := newVerifier(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusInternalServerError)
			w.Write([]byte(`{"error":"processor exploded"}`))
		}))
		defer server.Close()

		_, err := verifier.Verify(context.Background(), "ref-1", payee, minAmount)
		assertions.ErrorIs(err, payments.ErrUpstreamUnavailable)

		var upstream *payments.UpstreamError
		assertions.ErrorAs(err, &upstream)
		assertions.Equal(http.StatusInternalServerError, upstream.StatusCode)
		assertions.Contains(upstream.Body, "processor exploded")
	})

	t.Run("TransportError", func(t *testing.T) {
		assertions := assert.New(t)

		verifier, server := newVerifier(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
		server.Close()

		_, err := verifier.Verify(context.Background(), "ref-1", payee, minAmount)
		assertions.ErrorIs(err, payments.ErrUpstreamUnavailable)
	})

	t.Run("MalformedBody", func(t *testing.T) {
		assertions := assert.New(t)

		verifier, server := newVerifier(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte("<html>not json</html>"))
		}))
		defer server.Close()

		_, err := verifier.Verify(context.Background(), "ref-1", payee, minAmount)
		assertions.ErrorIs(err, payments.ErrMalformedResponse)
	})

	t.Run("MalformedAmount", func(t *testing.T) {
		assertions := assert.New(t)

		verifier, server := newVerifier(servePayment(piapi.Payment{
			Identifier: "ref-1",
			Status:     "completed",
			Amount:     "eight",
			To:         payee,
		}))
		defer server.Close()

		_, err := verifier.Verify(context.Background(), "ref-1", payee, minAmount)
		assertions.ErrorIs(err, payments.ErrMalformedResponse)
	})

	t.Run("InvalidArguments", func(t *testing.T) {
		assertions := assert.New(t)

		verifier, server := newVerifier(servePayment(piapi.Payment{}))
		defer server.Close()

		_, err := verifier.Verify(context.Background(), "", payee, minAmount)
		assertions.ErrorIs(err, pi.ErrEmptyReference)

		_, err = verifier.Verify(context.Background(), "ref-1", "", minAmount)
		assertions.ErrorIs(err, pi.ErrEmptyPayee)

		_, err = verifier.Verify(context.Background(), "ref-1", payee, decimal.Zero)
		assertions.ErrorIs(err, pi.ErrNonPositiveFloor)
	})
}
