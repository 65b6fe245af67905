package handlers

import (
	"net/http"

	"github.com/farellandr/rifapix/internal/helpers"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// CreateSession starts an anonymous buyer session. The session id is the
// holder of every number the browser selects.
func CreateSession(c *gin.Context) {
	svc := services(c)
	if svc.JWTSecret == "" {
		helpers.RespondWithError(c, http.StatusInternalServerError, "JWT_SECRET not configured.")
		return
	}

	id := uuid.NewString()
	expiresAt := svc.Clock.Now().Add(svc.SessionTTL)
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"session_id": id,
		"exp":        expiresAt.Unix(),
	})

	tokenString, err := token.SignedString([]byte(svc.JWTSecret))
	if err != nil {
		helpers.RespondWithError(c, http.StatusInternalServerError, "Failed to generate token.")
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"session_id": id,
		"token":      tokenString,
		"expires_at": expiresAt,
	})
}
