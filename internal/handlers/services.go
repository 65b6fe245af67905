package handlers

import (
	"time"

	"github.com/farellandr/rifapix/internal/charge"
	"github.com/farellandr/rifapix/internal/clock"
	"github.com/farellandr/rifapix/internal/events"
	"github.com/farellandr/rifapix/internal/helpers"
	"github.com/farellandr/rifapix/internal/ledger"
	"github.com/farellandr/rifapix/internal/payment"
	"github.com/farellandr/rifapix/internal/reconcile"
	"github.com/farellandr/rifapix/internal/reservation"
	"github.com/farellandr/rifapix/internal/sweeper"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// Services is everything a request handler may need. It is placed on the
// gin context by middleware.ServicesMiddleware.
type Services struct {
	Store        ledger.Store
	Reservations *reservation.Service
	Issuer       *charge.Issuer
	Engine       *reconcile.Engine
	Sweeper      *sweeper.Sweeper
	Feed         events.Feed
	Clock        clock.Clock
	Log          logrus.FieldLogger

	// Sandbox is set only when the in-process provider is active.
	Sandbox *payment.Sandbox
	// WebhookSigner checks signed provider callbacks. Unsigned callbacks are
	// still processed because every notification is re-verified.
	WebhookSigner *helpers.RequestSigner

	JWTSecret          string
	SessionTTL         time.Duration
	ClientPollInterval time.Duration
	Heartbeat          time.Duration
}

func services(c *gin.Context) *Services {
	return c.MustGet("services").(*Services)
}

func sessionID(c *gin.Context) string {
	return c.GetString("session_id")
}
