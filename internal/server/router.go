package server

import (
	"net/http"

	"github.com/farellandr/rifapix/config"
	"github.com/farellandr/rifapix/internal/handlers"
	"github.com/farellandr/rifapix/internal/middleware"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func NewRouter(services *handlers.Services, auth config.AuthConfig, registry *prometheus.Registry) *gin.Engine {
	r := gin.New()
	r.Use(middleware.RequestLogger(services.Log), middleware.Recovery(services.Log))

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(registry, promhttp.HandlerOpts{})))

	setupRoutes(r, services, auth)
	return r
}

func setupRoutes(r *gin.Engine, services *handlers.Services, auth config.AuthConfig) {
	r.Use(middleware.ServicesMiddleware(services))

	public := r.Group("")
	{
		public.POST("/session", handlers.CreateSession)

		rafflePublic := public.Group("/raffles/:id")
		{
			rafflePublic.GET("/numbers", handlers.GetNumbers)
			rafflePublic.GET("/events", handlers.StreamEvents)
		}

		public.GET("/charge-status", handlers.ChargeStatus)
		public.GET("/charge/:id/qr", handlers.ChargeQR)

		public.POST("/webhook", handlers.Webhook)
		public.POST("/webhook/pix", handlers.Webhook)

		if services.Sandbox != nil {
			public.POST("/sandbox/charges/:id/settle", handlers.SandboxSettle)
		}
	}

	session := r.Group("")
	session.Use(middleware.SessionAuth(auth.JWTSecret))
	{
		raffleSession := session.Group("/raffles/:id")
		{
			raffleSession.GET("/selection", handlers.GetSelection)
			raffleSession.POST("/numbers/:number/select", handlers.SelectNumber)
			raffleSession.DELETE("/numbers/:number/select", handlers.DeselectNumber)
		}

		session.POST("/charge", handlers.CreateCharge)
		session.POST("/charge/:id/cancel", handlers.CancelCharge)
	}

	admin := r.Group("/admin")
	admin.Use(middleware.AdminAuth(auth.AdminUser, auth.AdminPasswordHash))
	{
		admin.POST("/raffles", handlers.CreateRaffle)
		admin.GET("/charges/:id", handlers.GetCharge)
		admin.POST("/sweep", handlers.Sweep)
		admin.POST("/poll", handlers.PollCharges)
		admin.POST("/purge", handlers.Purge)
	}
}
