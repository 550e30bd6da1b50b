package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"github.com/xaenox/mailmate/internal/api"
	"github.com/xaenox/mailmate/internal/bot"
	"github.com/xaenox/mailmate/internal/scheduler"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API, scheduler and operator bot",
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()

	a, err := newApp(ctx, true, true)
	if err != nil {
		return err
	}
	defer a.Close()
	cfg, logger := a.cfg, a.logger

	if !cfg.Log.Development {
		gin.SetMode(gin.ReleaseMode)
	}
	handler := api.NewHandler(a.svc, logger)
	var sched *scheduler.Scheduler
	if cfg.Scheduler.Enabled {
		sched = scheduler.New(a.svc, cfg.Scheduler.Interval, cfg.Scheduler.Timeout, logger)
		handler.WithScheduler(sched)
	}
	router := api.NewRouter(handler, logger)
	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: router,
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("Server starting", zap.String("address", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		logger.Info("Shutting down server...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if sched != nil {
		g.Go(func() error {
			sched.Start(ctx)
			return nil
		})
	}

	if a.alerts != nil {
		g.Go(func() error {
			a.alerts.Run(ctx)
			return nil
		})
	}

	if a.tg != nil && cfg.Telegram.BotEnabled {
		b := bot.New(a.tg, a.svc, cfg.Telegram.ChatID, logger)
		g.Go(func() error {
			b.Start(ctx)
			return nil
		})
	}

	err = g.Wait()
	logger.Info("Server exited")
	return err
}
