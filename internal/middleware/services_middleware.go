package middleware

import (
	"github.com/farellandr/rifapix/internal/handlers"
	"github.com/gin-gonic/gin"
)

func ServicesMiddleware(services *handlers.Services) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Set("services", services)
		c.Next()
	}
}
