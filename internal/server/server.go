package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/farellandr/rifapix/config"
	"github.com/gin-gonic/gin"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 10 * time.Second

func Start() error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("failed to load config: %v", err)
	}

	log, err := config.NewLogger(cfg.Log)
	if err != nil {
		return err
	}
	if cfg.Log.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, err := Build(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer func() {
		if err := app.Close(); err != nil {
			log.WithError(err).Warn("close connections")
		}
	}()

	return app.Run(ctx, ":"+cfg.Port)
}

// Run serves HTTP on addr next to the expiry sweeper, the charge poller and
// the notifier until ctx is cancelled, then drains in-flight requests.
func (app *App) Run(ctx context.Context, addr string) error {
	log := app.Services.Log
	srv := &http.Server{
		Addr:              addr,
		Handler:           NewRouter(app.Services, app.Config.Auth, app.Registry),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.WithField("addr", addr).Info("http server listening")
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		log.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	g.Go(func() error {
		return app.Services.Sweeper.Run(ctx)
	})
	g.Go(func() error {
		return app.Services.Engine.RunPoller(ctx)
	})
	if app.telegram != nil {
		g.Go(func() error {
			return app.telegram.Run(ctx)
		})
	}
	return g.Wait()
}
