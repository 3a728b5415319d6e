package router

import (
	"errors"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/budyz/nft-gateway/chain"
	"github.com/budyz/nft-gateway/gateway"
	"github.com/budyz/nft-gateway/internal/piapi"
	"github.com/budyz/nft-gateway/payments"
	"github.com/budyz/nft-gateway/supply"
	"github.com/budyz/nft-gateway/utils"
	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
)

// Manages the entire setup of the delivery gateway service
type Router struct {
	// Process interval for uncertain-delivery reconciliation
	ProcessInterval time.Duration
	// Delivery pipeline controller
	Gateway *gateway.Controller
	// Processor API client for payment creation and approval
	Pi *piapi.Client
	// Price of a single unit
	UnitPrice decimal.Decimal
	// Processor account receiving payments
	Payee string
	// Maximum units a single request may claim
	MaxPerRequest uint64
	// Base Gin Group to use for routing
	Base gin.IRoutes
}

const DefaultProcessInterval = time.Minute

const (
	ReferenceParam        = "reference"
	PaymentsPath          = "/payments"
	PaymentsApprovePath   = PaymentsPath + "/:" + ReferenceParam + "/approve"
	DeliveriesPath        = "/deliveries"
	DeliveriesPathWithRef = DeliveriesPath + "/:" + ReferenceParam
	SupplyPath            = "/supply"
	VerifyUserPath        = "/verify-user"
)

func (r *Router) createPayment(ctx *gin.Context) {
	var body CreatePaymentBody
	err := ctx.BindJSON(&body)
	if err != nil {
		ctx.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if body.Units < 1 || body.Units > r.MaxPerRequest {
		ctx.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("units not in 1..%d", r.MaxPerRequest)})
		return
	}

	amount := r.UnitPrice.Mul(decimal.NewFromUint64(body.Units))
	payment, err := r.Pi.CreatePayment(ctx, piapi.CreatePaymentRequest{
		Amount: amount.String(),
		Memo:   fmt.Sprintf("NFT purchase (%d)", body.Units),
		Metadata: map[string]any{
			"recipientAddress": body.RecipientAddress,
			"units":            body.Units,
		},
		ToUserID: r.Payee,
	})
	if err != nil {
		ctx.AbortWithStatusJSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	ctx.JSON(http.StatusCreated, payment)
}

func (r *Router) approvePayment(ctx *gin.Context) {
	payment, err := r.Pi.ApprovePayment(ctx, ctx.Param(ReferenceParam))
	if err != nil {
		ctx.AbortWithStatusJSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	ctx.JSON(http.StatusOK, payment)
}

func (r *Router) deliver(ctx *gin.Context) {
	var body DeliverBody
	err := ctx.BindJSON(&body)
	if err != nil {
		ctx.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	req := DeliverToGateway(&body)
	delivery, err := r.Gateway.Deliver(ctx, &req)
	switch {
	case err == nil:
		out := DeliveryFromGateway(&delivery)
		if delivery.Status == gateway.StatusUncertain {
			// Not a success and not safe to retry; the caller re-checks
			// the reference once reconciliation resolves it
			ctx.JSON(http.StatusAccepted, &out)
			return
		}
		ctx.JSON(http.StatusOK, &out)
	case errors.Is(err, gateway.ErrDeliveryInProgress):
		ctx.AbortWithStatusJSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, payments.ErrUpstreamUnavailable),
		errors.Is(err, gateway.ErrDeliveryFailed):
		ctx.AbortWithStatusJSON(http.StatusBadGateway, gin.H{"error": err.Error()})
	case errors.Is(err, payments.ErrRejected),
		errors.Is(err, payments.ErrMalformedResponse),
		errors.Is(err, supply.ErrExhausted),
		errors.Is(err, gateway.ErrCapExceeded),
		errors.Is(err, gateway.ErrInvalidReference),
		errors.Is(err, gateway.ErrInvalidUnits),
		errors.Is(err, chain.ErrInvalidAddress):
		ctx.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	default:
		ctx.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}

func (r *Router) deliveryStatus(ctx *gin.Context) {
	delivery, err := r.Gateway.Query(ctx.Param(ReferenceParam))
	switch {
	case err == nil:
		out := DeliveryFromGateway(&delivery)
		ctx.JSON(http.StatusOK, &out)
	case errors.Is(err, gateway.ErrDeliveryNotFound):
		ctx.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": err.Error()})
	default:
		ctx.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}

func (r *Router) supplyStatus(ctx *gin.Context) {
	remaining := r.Gateway.Ledger().Remaining()
	ctx.JSON(http.StatusOK, Supply{
		Remaining:     remaining,
		SoldOut:       remaining == 0,
		MaxPerRequest: utils.Min(r.MaxPerRequest, remaining),
	})
}

func (r *Router) verifyUser(ctx *gin.Context) {
	var body VerifyUserBody
	err := ctx.BindJSON(&body)
	if err != nil || body.AccessToken == "" {
		ctx.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "no access token provided"})
		return
	}

	user, err := r.Pi.Me(ctx, body.AccessToken)
	if err != nil {
		ctx.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
		return
	}
	ctx.JSON(http.StatusOK, user)
}

// Register routes in the Gin engine and start the reconciliation loop
func (r *Router) Register() {
	r.Base.POST(PaymentsPath, r.createPayment)
	r.Base.POST(PaymentsApprovePath, r.approvePayment)
	r.Base.POST(DeliveriesPath, r.deliver)
	r.Base.GET(DeliveriesPathWithRef, r.deliveryStatus)
	r.Base.GET(SupplyPath, r.supplyStatus)
	r.Base.POST(VerifyUserPath, r.verifyUser)

	go func() {
		interval := r.ProcessInterval
		if interval <= 0 {
			interval = DefaultProcessInterval
		}
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			processed, err := r.Gateway.ProcessUncertainDeliveries()
			if err != nil {
				log.Println("ERROR|PROCESSING|UNCERTAIN", err)
			}
			log.Println("INFO|PROCESSED|UNCERTAIN", processed)
			<-ticker.C
		}
	}()
}
