package middleware

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/farellandr/rifapix/internal/helpers"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"
)

// SessionAuth requires a bearer token issued by handlers.CreateSession and
// puts its session_id on the context.
func SessionAuth(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		tokenString, found := strings.CutPrefix(authHeader, "Bearer ")
		if !found || tokenString == "" {
			helpers.RespondWithError(c, http.StatusUnauthorized, "Session token required.")
			c.Abort()
			return
		}

		token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
			return []byte(secret), nil
		}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired())
		if err != nil || !token.Valid {
			helpers.RespondWithError(c, http.StatusUnauthorized, "Invalid or expired session.")
			c.Abort()
			return
		}

		claims, ok := token.Claims.(jwt.MapClaims)
		sessionID, _ := claims["session_id"].(string)
		if !ok || sessionID == "" {
			helpers.RespondWithError(c, http.StatusUnauthorized, "Invalid session.")
			c.Abort()
			return
		}

		c.Set("session_id", sessionID)
		c.Next()
	}
}

// AdminAuth guards operator routes with HTTP basic auth against a bcrypt
// password hash. An empty hash disables the routes.
func AdminAuth(user, passwordHash string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if passwordHash == "" {
			helpers.RespondWithError(c, http.StatusForbidden, "Admin access is not configured.")
			c.Abort()
			return
		}

		username, password, ok := c.Request.BasicAuth()
		if !ok ||
			subtle.ConstantTimeCompare([]byte(username), []byte(user)) != 1 ||
			bcrypt.CompareHashAndPassword([]byte(passwordHash), []byte(password)) != nil {
			c.Header("WWW-Authenticate", `Basic realm="rifapix admin"`)
			helpers.RespondWithError(c, http.StatusUnauthorized, "Invalid credentials.")
			c.Abort()
			return
		}

		c.Set("admin", username)
		c.Next()
	}
}
