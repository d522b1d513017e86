package handlers

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"

	"table-reservations/internal/logger"
	"table-reservations/internal/models"
	"table-reservations/internal/services"
	"table-reservations/internal/utils"
)

// WebhookParser verifies and decodes a Stripe delivery.
type WebhookParser interface {
	ParseWebhook(payload []byte, signature string) (*models.PaymentReceipt, error)
}

type PaymentConfirmer interface {
	ConfirmPayment(ctx context.Context, id string, receipt *models.PaymentReceipt) (*services.Outcome, error)
}

type StripeHandler struct {
	webhooks  WebhookParser
	confirmer PaymentConfirmer
	log       *logger.Logger
}

func NewStripeHandler(webhooks WebhookParser, confirmer PaymentConfirmer, log *logger.Logger) *StripeHandler {
	return &StripeHandler{webhooks: webhooks, confirmer: confirmer, log: log}
}

// HandleStripeWebhook confirms bookings paid through payment_intent.succeeded.
// Only storage failures answer with an error status, so Stripe redelivers
// those and nothing else.
func (h *StripeHandler) HandleStripeWebhook(c *gin.Context) {
	payload, err := c.GetRawData()
	if err != nil {
		badRequest(c, "Failed to read request body")
		return
	}

	receipt, err := h.webhooks.ParseWebhook(payload, c.GetHeader("Stripe-Signature"))
	if err != nil {
		if errors.Is(err, services.ErrWebhookSignature) {
			c.JSON(http.StatusBadRequest, utils.ErrorResponse("Invalid signature", CodeValidation))
			return
		}
		h.log.Warn("STRIPE_WEBHOOK", fmt.Sprintf("Unusable event: %v", err))
		c.JSON(http.StatusOK, gin.H{"received": true})
		return
	}
	if receipt == nil {
		c.JSON(http.StatusOK, gin.H{"received": true})
		return
	}

	out, err := h.confirmer.ConfirmPayment(c.Request.Context(), receipt.BookingID, receipt)
	if err != nil {
		status, _ := errorStatus(err)
		if status >= http.StatusInternalServerError {
			writeError(c, h.log, err)
			return
		}
		h.log.Warn("STRIPE_WEBHOOK", fmt.Sprintf("Payment %s for booking %s not applied: %v", receipt.Reference, receipt.BookingID, err))
		c.JSON(http.StatusOK, gin.H{"received": true, "applied": false})
		return
	}

	h.log.LogBooking("PAID", receipt.BookingID, fmt.Sprintf("Stripe payment %s applied", receipt.Reference))
	c.JSON(http.StatusOK, gin.H{"received": true, "applied": true, "changed": out.Changed})
}

func (h *StripeHandler) Register(rg *gin.RouterGroup) {
	rg.POST("/stripe/webhook", h.HandleStripeWebhook)
}
