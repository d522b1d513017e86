package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"table-reservations/internal/logger"
	"table-reservations/internal/services"
	"table-reservations/internal/utils"
)

const (
	CodeValidation               = "ValidationError"
	CodeNotFound                 = "NotFoundError"
	CodeSlotUnavailable          = "SlotUnavailable"
	CodeCancellationWindowClosed = "CancellationWindowClosed"
	CodeIllegalTransition        = "IllegalTransition"
	CodeAuthorization            = "AuthorizationError"
	CodeGenerationExhausted      = "GenerationExhausted"
	CodeStorage                  = "StorageError"
	CodePaymentRejected          = "PaymentRejected"
	CodeDuplicateRequest         = "DuplicateRequest"
)

// errorStatus maps a service error to its HTTP status and error code.
func errorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, services.ErrValidation):
		return http.StatusBadRequest, CodeValidation
	case errors.Is(err, services.ErrNotFound):
		return http.StatusNotFound, CodeNotFound
	case errors.Is(err, services.ErrSlotUnavailable):
		return http.StatusConflict, CodeSlotUnavailable
	case errors.Is(err, services.ErrCancellationWindowClosed):
		return http.StatusConflict, CodeCancellationWindowClosed
	case errors.Is(err, services.ErrIllegalTransition):
		return http.StatusConflict, CodeIllegalTransition
	case errors.Is(err, services.ErrUnauthorized):
		return http.StatusForbidden, CodeAuthorization
	case errors.Is(err, services.ErrPaymentRejected):
		return http.StatusPaymentRequired, CodePaymentRejected
	case errors.Is(err, services.ErrGenerationExhausted):
		return http.StatusServiceUnavailable, CodeGenerationExhausted
	case errors.Is(err, services.ErrStorage):
		return http.StatusServiceUnavailable, CodeStorage
	default:
		return http.StatusInternalServerError, CodeStorage
	}
}

func writeError(c *gin.Context, log *logger.Logger, err error) {
	status, code := errorStatus(err)
	msg := err.Error()
	if status >= http.StatusInternalServerError {
		log.Error("API", c.Request.Method+" "+c.FullPath()+": "+msg)
		_ = c.Error(err)
		if status == http.StatusInternalServerError {
			msg = "Internal server error"
		}
	}
	c.JSON(status, utils.ErrorResponse(msg, code))
}

func badRequest(c *gin.Context, message string) {
	c.JSON(http.StatusBadRequest, utils.ErrorResponse(message, CodeValidation))
}
