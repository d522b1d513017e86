package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"table-reservations/internal/logger"
	"table-reservations/internal/services"
	"table-reservations/internal/utils"
)

type PaymentHandler struct {
	bookings *services.BookingService
	log      *logger.Logger
}

func NewPaymentHandler(bookings *services.BookingService, log *logger.Logger) *PaymentHandler {
	return &PaymentHandler{bookings: bookings, log: log}
}

type confirmPaymentRequest struct {
	PaymentIntentID string `json:"payment_intent_id" binding:"required"`
}

// ConfirmPayment verifies a client-reported payment intent and confirms the booking.
func (h *PaymentHandler) ConfirmPayment(c *gin.Context) {
	who, ok := actor(c)
	if !ok {
		return
	}

	var req confirmPaymentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "Invalid request payload: "+err.Error())
		return
	}

	out, err := h.bookings.ConfirmWithPaymentIntent(c.Request.Context(), c.Param("id"), req.PaymentIntentID, who)
	if err != nil {
		writeError(c, h.log, err)
		return
	}
	msg := "Payment recorded"
	if !out.Changed && out.Booking.PaymentRef == req.PaymentIntentID {
		msg = "Payment already recorded"
	}
	c.JSON(http.StatusOK, utils.SuccessResponse(msg, out))
}

func (h *PaymentHandler) Register(rg *gin.RouterGroup) {
	rg.POST("/bookings/:id/payment", h.ConfirmPayment)
}
