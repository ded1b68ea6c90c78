package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"pos_sales/internal/sales"
)

// retryAfterSeconds is sent with 503 responses for lock contention.
const retryAfterSeconds = "1"

func statusFor(err error) int {
	switch {
	case errors.Is(err, sales.ErrEmptyOrder),
		errors.Is(err, sales.ErrInvalidLine),
		errors.Is(err, sales.ErrClientNotFound):
		return http.StatusBadRequest
	case errors.Is(err, sales.ErrProductNotFound),
		errors.Is(err, sales.ErrSaleNotFound):
		return http.StatusNotFound
	case errors.Is(err, sales.ErrInsufficientStock):
		return http.StatusConflict
	case errors.Is(err, sales.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, sales.ErrContention):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// renderError writes {"error", "code"} for a sales error.
func renderError(c *gin.Context, err error) {
	status := statusFor(err)
	msg := err.Error()
	switch status {
	case http.StatusServiceUnavailable:
		c.Header("Retry-After", retryAfterSeconds)
	case http.StatusInternalServerError:
		msg = "internal error"
	}
	c.JSON(status, gin.H{"error": msg, "code": sales.Code(err)})
}

func abortWith(c *gin.Context, status int, msg, code string) {
	c.AbortWithStatusJSON(status, gin.H{"error": msg, "code": code})
}
