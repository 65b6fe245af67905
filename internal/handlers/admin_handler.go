package handlers

import (
	"net/http"
	"time"

	"github.com/farellandr/rifapix/internal/helpers"
	"github.com/farellandr/rifapix/internal/models"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

const defaultPurgeAge = 24 * time.Hour

type CreateRaffleRequest struct {
	Name                string `json:"name" binding:"required,max=120"`
	TotalNumbers        int    `json:"total_numbers" binding:"required,min=1,max=1000000"`
	FirstNumber         int    `json:"first_number" binding:"min=0"`
	TicketPrice         int64  `json:"ticket_price" binding:"required,min=1"`
	SelectionTTLMinutes int    `json:"selection_ttl_minutes" binding:"min=0"`
	PaymentTTLMinutes   int    `json:"payment_ttl_minutes" binding:"min=0"`
}

func CreateRaffle(c *gin.Context) {
	var req CreateRaffleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		helpers.RespondWithError(c, http.StatusBadRequest, "Invalid input. Please check your fields.")
		return
	}
	svc := services(c)

	raffle := models.Raffle{
		Name:                req.Name,
		TotalNumbers:        req.TotalNumbers,
		FirstNumber:         req.FirstNumber,
		TicketPrice:         req.TicketPrice,
		SelectionTTLMinutes: req.SelectionTTLMinutes,
		PaymentTTLMinutes:   req.PaymentTTLMinutes,
	}
	if err := svc.Store.CreateRaffle(c.Request.Context(), &raffle); err != nil {
		helpers.RespondWithDomainError(c, err)
		return
	}

	svc.Log.WithFields(logrus.Fields{
		"raffle_id":     raffle.ID,
		"total_numbers": raffle.TotalNumbers,
	}).Info("raffle created")
	c.JSON(http.StatusCreated, raffle)
}

func GetCharge(c *gin.Context) {
	stored, err := services(c).Store.GetCharge(c.Request.Context(), c.Param("id"))
	if err != nil {
		helpers.RespondWithDomainError(c, err)
		return
	}
	c.JSON(http.StatusOK, stored)
}

// Sweep runs one expiry pass immediately.
func Sweep(c *gin.Context) {
	released, err := services(c).Sweeper.RunOnce(c.Request.Context())
	if err != nil {
		helpers.RespondWithError(c, http.StatusInternalServerError, "Sweep failed.")
		return
	}

	numbers := make([]gin.H, 0, len(released))
	for _, r := range released {
		numbers = append(numbers, gin.H{
			"raffle_id": r.RaffleID,
			"number":    r.Number,
			"status":    r.Status,
		})
	}
	c.JSON(http.StatusOK, gin.H{"released": len(released), "numbers": numbers})
}

// PollCharges reconciles every open charge with the provider once.
func PollCharges(c *gin.Context) {
	finalized, err := services(c).Engine.PollOpen(c.Request.Context())
	if err != nil {
		helpers.RespondWithDomainError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"finalized": finalized})
}

// Purge deletes free ledger rows untouched for older_than (hours or a Go
// duration, default 24h).
func Purge(c *gin.Context) {
	age, ok := helpers.ParseAge(c, "older_than", defaultPurgeAge)
	if !ok {
		return
	}
	svc := services(c)

	purged, err := svc.Store.Purge(c.Request.Context(), svc.Clock.Now().Add(-age))
	if err != nil {
		helpers.RespondWithError(c, http.StatusInternalServerError, "Purge failed.")
		return
	}
	svc.Log.WithField("purged", purged).Info("ledger purged")
	c.JSON(http.StatusOK, gin.H{"purged": purged})
}
