package helpers

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

func StringToInt(s string) (int, error) {
	return strconv.Atoi(s)
}

// ParseUUIDParam reads a path parameter as a UUID, answering 400 when it is
// malformed.
func ParseUUIDParam(c *gin.Context, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param(name))
	if err != nil {
		RespondWithError(c, http.StatusBadRequest, "invalid "+name)
		return uuid.Nil, false
	}
	return id, true
}

// ParseAge reads a duration query parameter. Bare integers are hours.
func ParseAge(c *gin.Context, name string, fallback time.Duration) (time.Duration, bool) {
	raw := strings.TrimSpace(c.Query(name))
	if raw == "" {
		return fallback, true
	}
	if hours, err := StringToInt(raw); err == nil && hours >= 0 {
		return time.Duration(hours) * time.Hour, true
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d < 0 {
		RespondWithError(c, http.StatusBadRequest, "invalid "+name)
		return 0, false
	}
	return d, true
}
