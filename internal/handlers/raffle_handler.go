package handlers

import (
	"net/http"
	"time"

	"github.com/farellandr/rifapix/internal/cache"
	"github.com/farellandr/rifapix/internal/helpers"
	"github.com/farellandr/rifapix/internal/models"
	"github.com/gin-gonic/gin"
)

const defaultHeartbeat = 15 * time.Second

type NumberView struct {
	Number string            `json:"number"`
	Status models.SlotStatus `json:"status"`
}

type BoardResponse struct {
	Raffle  *models.Raffle            `json:"raffle"`
	Numbers []NumberView              `json:"numbers"`
	Counts  map[models.SlotStatus]int `json:"counts"`
}

func newBoardResponse(raffle *models.Raffle, board cache.Board) BoardResponse {
	resp := BoardResponse{
		Raffle:  raffle,
		Numbers: make([]NumberView, 0, raffle.TotalNumbers),
		Counts:  make(map[models.SlotStatus]int),
	}
	for _, n := range raffle.Numbers() {
		status, ok := board[n]
		if !ok {
			status = models.SlotAvailable
		}
		resp.Numbers = append(resp.Numbers, NumberView{Number: n, Status: status})
		resp.Counts[status]++
	}
	return resp
}

func GetNumbers(c *gin.Context) {
	raffleID, ok := helpers.ParseUUIDParam(c, "id")
	if !ok {
		return
	}

	raffle, board, err := services(c).Reservations.Snapshot(c.Request.Context(), raffleID)
	if err != nil {
		helpers.RespondWithDomainError(c, err)
		return
	}
	c.JSON(http.StatusOK, newBoardResponse(raffle, board))
}

// StreamEvents sends the current board followed by every change to it as
// Server-Sent Events until the client goes away.
func StreamEvents(c *gin.Context) {
	svc := services(c)
	raffleID, ok := helpers.ParseUUIDParam(c, "id")
	if !ok {
		return
	}
	ctx := c.Request.Context()

	// Subscribe first so no change between the snapshot and the stream is
	// missed.
	feed, unsubscribe, err := svc.Feed.Subscribe(ctx, raffleID)
	if err != nil {
		svc.Log.WithError(err).WithField("raffle_id", raffleID).Error("subscribe to change feed")
		helpers.RespondWithError(c, http.StatusInternalServerError, "Change feed unavailable.")
		return
	}
	defer unsubscribe()

	raffle, board, err := svc.Reservations.Snapshot(ctx, raffleID)
	if err != nil {
		helpers.RespondWithDomainError(c, err)
		return
	}

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)
	c.SSEvent("snapshot", newBoardResponse(raffle, board))
	c.Writer.Flush()

	interval := svc.Heartbeat
	if interval <= 0 {
		interval = defaultHeartbeat
	}
	heartbeat := time.NewTicker(interval)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-feed:
			if !ok {
				return
			}
			c.SSEvent(string(ev.Kind), ev)
			c.Writer.Flush()
		case <-heartbeat.C:
			c.SSEvent("ping", svc.Clock.Now().Unix())
			c.Writer.Flush()
		}
	}
}
