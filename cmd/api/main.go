package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/time/rate"

	"github.com/jwalitptl/crm-outbound/internal/app"
	"github.com/jwalitptl/crm-outbound/internal/config"
	automationHandler "github.com/jwalitptl/crm-outbound/internal/handler/automation"
	gateHandler "github.com/jwalitptl/crm-outbound/internal/handler/gate"
	"github.com/jwalitptl/crm-outbound/internal/handler/health"
	"github.com/jwalitptl/crm-outbound/internal/handler/prometheus"
	webhookHandler "github.com/jwalitptl/crm-outbound/internal/handler/webhook"
	"github.com/jwalitptl/crm-outbound/internal/router"
	"github.com/jwalitptl/crm-outbound/pkg/logger"
)

const shutdownTimeout = 15 * time.Second

func main() {
	configPath := flag.String("config", "", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	log := logger.NewLogger(cfg.ToLoggerConfig())

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	// The API process consumes domain events too when enabled, so a single
	// binary is enough for small deployments.
	a, err := app.New(ctx, cfg, log, app.Options{Consume: cfg.Events.Enabled, Subsystem: "api"})
	if err != nil {
		log.Fatal(err, "failed to initialize application")
	}
	defer a.Close()

	if err := a.Start(ctx); err != nil {
		log.Fatal(err, "failed to start engines")
	}

	r := router.NewRouter(
		router.RouterConfig{
			Mode:             cfg.Server.Mode,
			RateLimitEnabled: cfg.RateLimit.Enabled,
			RateLimit:        rate.Limit(cfg.RateLimit.RequestsPerSecond),
			RateBurst:        cfg.RateLimit.Burst,
			APIKeys:          cfg.Security.KeyOwners(),
		},
		log,
		health.NewHandler(a.Checks),
		prometheus.New(a.Registry, a.Metrics),
		automationHandler.NewHandler(a.Automations),
		webhookHandler.NewHandler(a.Webhooks),
		gateHandler.NewHandler(a.Gate, log),
	)
	r.Setup()

	srv := &http.Server{
		Addr:           fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:        r.Engine(),
		ReadTimeout:    cfg.Server.ReadTimeout,
		WriteTimeout:   cfg.Server.WriteTimeout,
		MaxHeaderBytes: cfg.Server.MaxHeaderBytes,
	}

	go func() {
		log.Info("starting server", "addr", srv.Addr, "store", cfg.Store.Driver, "channel", cfg.Sender.Channel)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal(err, "failed to start server")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info("shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error(err, "server forced to shutdown")
	}

	stop()
	a.Stop()
	log.Info("server exited properly")
}
