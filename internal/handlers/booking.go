package handlers

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"table-reservations/internal/logger"
	"table-reservations/internal/middleware"
	"table-reservations/internal/models"
	"table-reservations/internal/services"
	"table-reservations/internal/utils"
)

// IdempotencyHeader lets clients retry a create without booking twice.
const IdempotencyHeader = "Idempotency-Key"

// RequestLocker reserves idempotency keys across instances.
type RequestLocker interface {
	AcquireRequest(ctx context.Context, key, owner string) (bool, error)
	ReleaseRequest(ctx context.Context, key, owner string) error
}

type BookingHandler struct {
	bookings *services.BookingService
	locks    RequestLocker
	log      *logger.Logger
}

// NewBookingHandler builds the booking endpoints. locks may be nil, in which
// case Idempotency-Key headers are ignored.
func NewBookingHandler(bookings *services.BookingService, locks RequestLocker, log *logger.Logger) *BookingHandler {
	return &BookingHandler{bookings: bookings, locks: locks, log: log}
}

type cancelRequest struct {
	Reason string `json:"reason"`
}

type statusRequest struct {
	Status models.Status `json:"status" binding:"required"`
}

type listResponse struct {
	Bookings []*models.Booking `json:"bookings"`
	Total    int               `json:"total"`
	Limit    int               `json:"limit"`
	Offset   int               `json:"offset"`
}

func actor(c *gin.Context) (models.Actor, bool) {
	a, ok := middleware.ActorFrom(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, utils.ErrorResponse("Authentication required", middleware.CodeUnauthenticated))
	}
	return a, ok
}

func (h *BookingHandler) CreateBooking(c *gin.Context) {
	who, ok := actor(c)
	if !ok {
		return
	}

	var req services.CreateBookingRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "Invalid request payload: "+err.Error())
		return
	}

	ctx := c.Request.Context()
	if key := strings.TrimSpace(c.GetHeader(IdempotencyHeader)); key != "" && h.locks != nil {
		lockKey := who.ID + ":" + key
		owner := uuid.NewString()
		acquired, err := h.locks.AcquireRequest(ctx, lockKey, owner)
		switch {
		case err != nil:
			h.log.Warn("IDEMPOTENCY", fmt.Sprintf("Lock store unavailable, proceeding without key %s: %v", key, err))
		case !acquired:
			h.log.LogSecurity("DUPLICATE_REQUEST", fmt.Sprintf("Key %s reused by %s", key, who.ID))
			c.JSON(http.StatusConflict, utils.ErrorResponse("A request with this Idempotency-Key was already received", CodeDuplicateRequest))
			return
		default:
			// A failed or panicking request frees the key for a retry. The
			// panic is re-raised for Recovery to answer.
			defer func() {
				recovered := recover()
				if recovered != nil || c.Writer.Status() >= http.StatusBadRequest {
					if err := h.locks.ReleaseRequest(context.WithoutCancel(ctx), lockKey, owner); err != nil {
						h.log.Warn("IDEMPOTENCY", fmt.Sprintf("Failed to release key %s: %v", key, err))
					}
				}
				if recovered != nil {
					panic(recovered)
				}
			}()
		}
	}

	booking, err := h.bookings.CreateBooking(ctx, who, &req)
	if err != nil {
		writeError(c, h.log, err)
		return
	}
	c.JSON(http.StatusCreated, utils.SuccessResponse("Booking created", booking))
}

func (h *BookingHandler) ListBookings(c *gin.Context) {
	who, ok := actor(c)
	if !ok {
		return
	}

	var filter models.BookingFilter
	if err := c.ShouldBindQuery(&filter); err != nil {
		badRequest(c, "Invalid query: "+err.Error())
		return
	}
	if raw := c.Query("status"); raw != "" {
		for _, part := range strings.Split(raw, ",") {
			st, err := models.ParseStatus(strings.TrimSpace(part))
			if err != nil {
				badRequest(c, err.Error())
				return
			}
			filter.Statuses = append(filter.Statuses, st)
		}
	}

	bookings, total, err := h.bookings.ListBookings(c.Request.Context(), filter, who)
	if err != nil {
		writeError(c, h.log, err)
		return
	}
	filter = filter.Normalize()
	c.JSON(http.StatusOK, utils.SuccessResponse("Bookings retrieved", listResponse{
		Bookings: bookings,
		Total:    total,
		Limit:    filter.Limit,
		Offset:   filter.Offset,
	}))
}

func (h *BookingHandler) GetBooking(c *gin.Context) {
	who, ok := actor(c)
	if !ok {
		return
	}
	booking, err := h.bookings.GetBooking(c.Request.Context(), c.Param("id"), who)
	if err != nil {
		writeError(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, utils.SuccessResponse("Booking retrieved", booking))
}

func (h *BookingHandler) GetBookingByReference(c *gin.Context) {
	who, ok := actor(c)
	if !ok {
		return
	}
	booking, err := h.bookings.GetBookingByReference(c.Request.Context(), c.Param("ref"), who)
	if err != nil {
		writeError(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, utils.SuccessResponse("Booking retrieved", booking))
}

func (h *BookingHandler) CancelBooking(c *gin.Context) {
	who, ok := actor(c)
	if !ok {
		return
	}

	var req cancelRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, "Invalid request payload: "+err.Error())
			return
		}
	}

	out, err := h.bookings.CancelBooking(c.Request.Context(), c.Param("id"), who, req.Reason)
	if err != nil {
		writeError(c, h.log, err)
		return
	}
	msg := "Booking cancelled"
	if !out.Changed {
		msg = "Booking already cancelled"
	}
	c.JSON(http.StatusOK, utils.SuccessResponse(msg, out))
}

func (h *BookingHandler) UpdateStatus(c *gin.Context) {
	who, ok := actor(c)
	if !ok {
		return
	}

	var req statusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "Invalid request payload: "+err.Error())
		return
	}

	out, err := h.bookings.UpdateStatus(c.Request.Context(), c.Param("id"), req.Status, who)
	if err != nil {
		writeError(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, utils.SuccessResponse("Booking status updated", out))
}

// Register mounts the booking routes on an authenticated group.
func (h *BookingHandler) Register(rg *gin.RouterGroup) {
	bookings := rg.Group("/bookings")
	{
		bookings.POST("", h.CreateBooking)
		bookings.GET("", h.ListBookings)
		bookings.GET("/reference/:ref", h.GetBookingByReference)
		bookings.GET("/:id", h.GetBooking)
		bookings.POST("/:id/cancel", h.CancelBooking)
		bookings.PUT("/:id/status", h.UpdateStatus)
	}
}
