package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/farellandr/rifapix/internal/helpers"
	"github.com/farellandr/rifapix/internal/ledger"
	"github.com/farellandr/rifapix/internal/payment"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

const webhookMaxSkew = 5 * time.Minute

// WebhookPayload accepts both the generic {charge_id, status} shape and the
// PIX callback shape {"pix": [{"txid": ...}]}.
type WebhookPayload struct {
	ChargeID string       `json:"charge_id"`
	TxID     string       `json:"txid"`
	Status   string       `json:"status"`
	Pix      []pixWebhook `json:"pix"`
}

type pixWebhook struct {
	TxID       string `json:"txid"`
	EndToEndID string `json:"endToEndId"`
	Value      string `json:"valor"`
}

func (p WebhookPayload) chargeIDs() []string {
	var ids []string
	seen := make(map[string]bool)
	add := func(id string) {
		if id != "" && !seen[id] {
			seen[id] = true
			ids = append(ids, id)
		}
	}
	add(p.ChargeID)
	add(p.TxID)
	for _, pix := range p.Pix {
		add(pix.TxID)
	}
	return ids
}

// Webhook receives provider pushes. It always answers 200: failures are
// logged and the poller or the next client poll settles the charge.
func Webhook(c *gin.Context) {
	svc := services(c)
	log := svc.Log.WithField("remote_addr", c.ClientIP())

	body, err := c.GetRawData()
	if err != nil {
		log.WithError(err).Warn("read webhook body")
		c.JSON(http.StatusOK, gin.H{"received": 0})
		return
	}
	if svc.WebhookSigner != nil {
		log = log.WithField("signed", svc.WebhookSigner.Verify(c.Request.Header, c.Request.URL.Path, body, webhookMaxSkew))
	}

	var payload WebhookPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		log.WithError(err).Warn("malformed webhook payload")
		c.JSON(http.StatusOK, gin.H{"received": 0})
		return
	}

	ids := payload.chargeIDs()
	if len(ids) == 0 {
		log.Warn("webhook without charge id")
	}
	ctx := c.Request.Context()
	for _, id := range ids {
		res, err := svc.Engine.HandleNotification(ctx, id, payload.Status)
		entry := log.WithField("charge_id", id)
		switch {
		case errors.Is(err, ledger.ErrNotFound):
			entry.Warn("webhook for unknown charge")
		case err != nil:
			entry.WithError(err).Error("process webhook")
		default:
			entry.WithField("status", res.Charge.Status).Info("webhook processed")
		}
	}
	c.JSON(http.StatusOK, gin.H{"received": len(ids)})
}

type SettleRequest struct {
	Status string `json:"status" binding:"required"`
}

// SandboxSettle moves a sandbox charge to the given provider status and
// delivers the matching notification, standing in for the bank during
// local runs.
func SandboxSettle(c *gin.Context) {
	svc := services(c)
	if svc.Sandbox == nil {
		helpers.RespondWithError(c, http.StatusNotFound, "Sandbox provider is not enabled.")
		return
	}
	var req SettleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		helpers.RespondWithError(c, http.StatusBadRequest, "Invalid input. Please check your fields.")
		return
	}

	id := c.Param("id")
	status := payment.ParseStatus(req.Status)
	if err := svc.Sandbox.Settle(id, status); err != nil {
		helpers.RespondWithError(c, http.StatusNotFound, "Unknown charge.")
		return
	}
	res, err := svc.Engine.HandleNotification(c.Request.Context(), id, string(status))
	if err != nil {
		helpers.RespondWithDomainError(c, err)
		return
	}
	svc.Log.WithFields(logrus.Fields{"charge_id": id, "status": status}).Info("sandbox charge settled")
	c.JSON(http.StatusOK, newChargeStatus(res.Charge, svc.Clock.Now()))
}
