package server

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/tradebill/internal/document"
	estimatedomain "github.com/smallbiznis/tradebill/internal/estimate/domain"
	invoicedomain "github.com/smallbiznis/tradebill/internal/invoice/domain"
	recurringdomain "github.com/smallbiznis/tradebill/internal/recurring/domain"
	"gorm.io/gorm"
)

type errorPayload struct {
	Type    string                `json:"type"`
	Message string                `json:"message"`
	Event   string                `json:"event,omitempty"`
	Status  string                `json:"status,omitempty"`
	Errors  []document.FieldError `json:"errors,omitempty"`
}

type errorResponse struct {
	Error errorPayload `json:"error"`
}

var ErrUnauthorized = errors.New("unauthorized")

func ErrorHandlingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if c.Writer.Written() {
			return
		}

		lastErr := c.Errors.Last()
		if lastErr == nil {
			return
		}

		status, payload := mapError(lastErr.Err)
		c.Header("Content-Type", "application/json")
		c.AbortWithStatusJSON(status, errorResponse{Error: payload})
	}
}

func AbortWithError(c *gin.Context, err error) {
	if err == nil {
		return
	}
	_ = c.Error(err)
	c.Abort()
}

func newValidationError(field, code, message string) error {
	v := &document.ValidationErrors{}
	v.Add(field, code, message)
	return v
}

func mapError(err error) (int, errorPayload) {
	if err == nil {
		return http.StatusInternalServerError, errorPayload{
			Type:    "internal_error",
			Message: "internal server error",
		}
	}

	var vErr *document.ValidationErrors
	if errors.As(err, &vErr) && vErr != nil {
		return http.StatusBadRequest, errorPayload{
			Type:    "validation_error",
			Message: "validation error",
			Errors:  vErr.Errors,
		}
	}

	var tErr *document.InvalidTransitionError
	if errors.As(err, &tErr) {
		return http.StatusConflict, errorPayload{
			Type:    "invalid_transition",
			Message: tErr.Error(),
			Event:   tErr.Event,
			Status:  tErr.Status,
		}
	}

	switch {
	case errors.Is(err, ErrUnauthorized),
		errors.Is(err, invoicedomain.ErrInvalidTenant),
		errors.Is(err, estimatedomain.ErrInvalidTenant),
		errors.Is(err, recurringdomain.ErrInvalidTenant):
		return http.StatusUnauthorized, errorPayload{
			Type:    "unauthorized",
			Message: "unauthorized",
		}
	case errors.Is(err, invoicedomain.ErrInvalidInvoiceID),
		errors.Is(err, estimatedomain.ErrInvalidEstimateID),
		errors.Is(err, recurringdomain.ErrInvalidRecurringID):
		return http.StatusBadRequest, errorPayload{
			Type:    "validation_error",
			Message: "invalid id",
		}
	case errors.Is(err, document.ErrNotFound),
		errors.Is(err, gorm.ErrRecordNotFound):
		return http.StatusNotFound, errorPayload{
			Type:    "not_found",
			Message: "not found",
		}
	case errors.Is(err, document.ErrConcurrencyConflict):
		return http.StatusConflict, errorPayload{
			Type:    "concurrency_conflict",
			Message: "a concurrent change won; re-read and retry",
		}
	case errors.Is(err, document.ErrPreconditionFailed),
		errors.Is(err, recurringdomain.ErrCannotGenerate):
		return http.StatusUnprocessableEntity, errorPayload{
			Type:    "precondition_failed",
			Message: err.Error(),
		}
	default:
		return http.StatusInternalServerError, errorPayload{
			Type:    "internal_error",
			Message: "internal server error",
		}
	}
}
