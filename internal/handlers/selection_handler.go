package handlers

import (
	"net/http"

	"github.com/farellandr/rifapix/internal/helpers"
	"github.com/gin-gonic/gin"
)

func SelectNumber(c *gin.Context) {
	raffleID, ok := helpers.ParseUUIDParam(c, "id")
	if !ok {
		return
	}

	slot, err := services(c).Reservations.Select(c.Request.Context(), raffleID, c.Param("number"), sessionID(c))
	if err != nil {
		helpers.RespondWithDomainError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"number":     slot.Number,
		"status":     slot.Status,
		"expires_at": slot.ExpiresAt,
	})
}

func DeselectNumber(c *gin.Context) {
	raffleID, ok := helpers.ParseUUIDParam(c, "id")
	if !ok {
		return
	}

	number := c.Param("number")
	if err := services(c).Reservations.Deselect(c.Request.Context(), raffleID, number, sessionID(c)); err != nil {
		helpers.RespondWithDomainError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"number": number})
}

// GetSelection lists the numbers the session holds, so a reloaded page can
// restore its cart.
func GetSelection(c *gin.Context) {
	raffleID, ok := helpers.ParseUUIDParam(c, "id")
	if !ok {
		return
	}

	slots, err := services(c).Reservations.Selection(c.Request.Context(), raffleID, sessionID(c))
	if err != nil {
		helpers.RespondWithDomainError(c, err)
		return
	}

	selection := make([]gin.H, 0, len(slots))
	for _, slot := range slots {
		selection = append(selection, gin.H{
			"number":     slot.Number,
			"status":     slot.Status,
			"expires_at": slot.ExpiresAt,
		})
	}
	c.JSON(http.StatusOK, gin.H{"numbers": selection})
}
