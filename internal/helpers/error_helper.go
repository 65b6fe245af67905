package helpers

import (
	"errors"
	"net/http"

	"github.com/farellandr/rifapix/internal/ledger"
	"github.com/gin-gonic/gin"
)

type ErrorResponse struct {
	Error   string   `json:"error"`
	Message string   `json:"message"`
	Numbers []string `json:"numbers,omitempty"`
}

func HTTPStatusText(code int) string {
	return http.StatusText(code)
}

func RespondWithError(c *gin.Context, statusCode int, customMessage string) {
	c.JSON(statusCode, ErrorResponse{
		Error:   HTTPStatusText(statusCode),
		Message: customMessage,
	})
}

// StatusFor maps a domain error to the HTTP status and the message shown to
// the buyer.
func StatusFor(err error) (int, string) {
	switch {
	case errors.Is(err, ledger.ErrAlreadyHeld):
		return http.StatusConflict, "number taken, pick another"
	case errors.Is(err, ledger.ErrStaleSelection):
		return http.StatusConflict, "some of your numbers were taken, review your selection"
	case errors.Is(err, ledger.ErrExpiredCharge):
		return http.StatusGone, "time's up, numbers released, restart"
	case errors.Is(err, ledger.ErrProviderUnavailable):
		return http.StatusInternalServerError, "payment system unavailable, try again"
	case errors.Is(err, ledger.ErrIncompleteBuyer):
		return http.StatusBadRequest, "name and phone are required"
	case errors.Is(err, ledger.ErrInvalidNumber):
		return http.StatusBadRequest, "invalid number"
	case errors.Is(err, ledger.ErrNotFound):
		return http.StatusNotFound, "not found"
	case errors.Is(err, ledger.ErrNotHolder):
		return http.StatusForbidden, "this charge belongs to another session"
	case errors.Is(err, ledger.ErrRaffleClosed):
		return http.StatusConflict, "raffle is closed"
	}
	return http.StatusInternalServerError, "something went wrong"
}

// RespondWithDomainError writes the envelope for err. Stale selections also
// list the numbers that were lost.
func RespondWithDomainError(c *gin.Context, err error) {
	status, message := StatusFor(err)
	resp := ErrorResponse{Error: HTTPStatusText(status), Message: message}
	var stale *ledger.StaleSelectionError
	if errors.As(err, &stale) {
		resp.Numbers = stale.Numbers
	}
	c.JSON(status, resp)
}
