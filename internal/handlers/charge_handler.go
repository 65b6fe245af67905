package handlers

import (
	"errors"
	"net/http"
	"time"

	"github.com/farellandr/rifapix/internal/charge"
	"github.com/farellandr/rifapix/internal/helpers"
	"github.com/farellandr/rifapix/internal/ledger"
	"github.com/farellandr/rifapix/internal/models"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

type CreateChargeRequest struct {
	RaffleID uuid.UUID    `json:"raffleId" binding:"required"`
	Numbers  []string     `json:"numbers" binding:"required,min=1"`
	Buyer    ledger.Buyer `json:"buyer"`
}

type ChargeStatusResponse struct {
	ChargeID  string              `json:"chargeId"`
	Status    models.ChargeStatus `json:"status"`
	IsPaid    bool                `json:"isPaid"`
	IsExpired bool                `json:"isExpired"`
	Numbers   []string            `json:"numbers"`
	ExpiresAt time.Time           `json:"expiresAt"`
}

func newChargeStatus(c *models.Charge, now time.Time) ChargeStatusResponse {
	return ChargeStatusResponse{
		ChargeID:  c.ID,
		Status:    c.Status,
		IsPaid:    c.Status == models.ChargeConfirmed,
		IsExpired: c.Status == models.ChargeExpired || (c.Status == models.ChargeCreated && c.Expired(now)),
		Numbers:   c.Numbers,
		ExpiresAt: c.ExpiresAt,
	}
}

func CreateCharge(c *gin.Context) {
	var req CreateChargeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		helpers.RespondWithError(c, http.StatusBadRequest, "Invalid input. Please check your fields.")
		return
	}
	svc := services(c)

	issued, err := svc.Issuer.Issue(c.Request.Context(), charge.Request{
		RaffleID: req.RaffleID,
		Numbers:  req.Numbers,
		Holder:   sessionID(c),
		Buyer:    req.Buyer,
	})
	if err != nil {
		helpers.RespondWithDomainError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"chargeId":       issued.ID,
		"payablePayload": issued.Payload,
		"qrImage":        issued.QRImage,
		"expiresAt":      issued.ExpiresAt,
		"amount":         issued.Amount,
		"numbers":        issued.Numbers,
		"pollIntervalMs": svc.ClientPollInterval.Milliseconds(),
	})
}

// ChargeStatus is polled by the payment page. It reconciles the charge with
// the provider on every call, so a lost webhook is recovered here. When the
// provider cannot be reached the stored status is returned.
func ChargeStatus(c *gin.Context) {
	id := c.Query("id")
	if id == "" {
		helpers.RespondWithError(c, http.StatusBadRequest, "Charge id is required.")
		return
	}
	svc := services(c)
	ctx := c.Request.Context()

	res, err := svc.Engine.Poll(ctx, id)
	if errors.Is(err, ledger.ErrProviderUnavailable) {
		svc.Log.WithError(err).WithField("charge_id", id).Warn("status poll could not reach provider")
		stored, getErr := svc.Store.GetCharge(ctx, id)
		if getErr != nil {
			helpers.RespondWithDomainError(c, getErr)
			return
		}
		c.JSON(http.StatusOK, newChargeStatus(stored, svc.Clock.Now()))
		return
	}
	if err != nil {
		helpers.RespondWithDomainError(c, err)
		return
	}
	c.JSON(http.StatusOK, newChargeStatus(res.Charge, svc.Clock.Now()))
}

func ChargeQR(c *gin.Context) {
	stored, err := services(c).Store.GetCharge(c.Request.Context(), c.Param("id"))
	if err != nil {
		helpers.RespondWithDomainError(c, err)
		return
	}

	var png []byte
	switch {
	case stored.QRImage != "":
		png, err = helpers.DecodeQRImage(stored.QRImage)
	case stored.Payload != "":
		png, err = helpers.QRCodePNG(stored.Payload)
	default:
		helpers.RespondWithError(c, http.StatusNotFound, "QR code not available yet.")
		return
	}
	if err != nil {
		helpers.RespondWithError(c, http.StatusInternalServerError, "Failed to render QR code.")
		return
	}
	c.Data(http.StatusOK, "image/png", png)
}

// CancelCharge gives the numbers of an unpaid charge back before its
// payment window ends.
func CancelCharge(c *gin.Context) {
	svc := services(c)
	res, err := svc.Engine.Cancel(c.Request.Context(), c.Param("id"), sessionID(c))
	if err != nil {
		helpers.RespondWithDomainError(c, err)
		return
	}
	c.JSON(http.StatusOK, newChargeStatus(res.Charge, svc.Clock.Now()))
}
