// Package payment talks to the PIX payment provider.
package payment

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// Status is the provider-reported state of a charge, normalized.
type Status string

const (
	StatusOpen    Status = "open"
	StatusPaid    Status = "paid"
	StatusExpired Status = "expired"
	StatusFailed  Status = "failed"
)

func (s Status) Terminal() bool {
	return s == StatusPaid || s == StatusExpired || s == StatusFailed
}

// ParseStatus normalizes the provider's status vocabulary. Anything not
// recognized is treated as still open.
func ParseStatus(raw string) Status {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "paid", "completed", "approved", "concluida":
		return StatusPaid
	case "expired", "expirada":
		return StatusExpired
	case "cancelled", "canceled", "refused", "failed",
		"removida_pelo_usuario_recebedor", "removida_pelo_psp":
		return StatusFailed
	}
	return StatusOpen
}

type Payer struct {
	Name  string
	Phone string
	Email string
}

type CreateRequest struct {
	// TxID is our charge id; the provider uses it as the idempotency key,
	// so retrying a create never opens a second charge.
	TxID              string
	Amount            int64
	Payer             Payer
	Description       string
	ExpirationSeconds int
}

type CreateResponse struct {
	ProviderRef string
	// Payload is the PIX copy-and-paste code.
	Payload string
	// QRImage is a base64 PNG, empty when the provider does not render one.
	QRImage string
}

type Provider interface {
	CreateCharge(ctx context.Context, req CreateRequest) (*CreateResponse, error)
	GetStatus(ctx context.Context, txID string) (Status, error)
}

// APIError is a non-2xx answer from the provider.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("payment provider returned %d: %s", e.StatusCode, e.Body)
}

// Temporary reports whether repeating the request may succeed.
func (e *APIError) Temporary() bool {
	return e.StatusCode >= http.StatusInternalServerError ||
		e.StatusCode == http.StatusTooManyRequests ||
		e.StatusCode == http.StatusRequestTimeout
}

// ErrUnknownCharge is returned by GetStatus for a txid the provider never saw.
var ErrUnknownCharge = errors.New("payment: unknown charge")

func FormatAmount(cents int64) string {
	return fmt.Sprintf("%d.%02d", cents/100, cents%100)
}
