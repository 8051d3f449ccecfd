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

	"github.com/jwalitptl/crm-outbound/internal/app"
	"github.com/jwalitptl/crm-outbound/internal/config"
	"github.com/jwalitptl/crm-outbound/internal/handler/prometheus"
	"github.com/jwalitptl/crm-outbound/pkg/logger"
)

const shutdownTimeout = 10 * time.Second

// The worker runs the engines headless: it consumes domain events, drains
// the automation queue and delivers webhooks. Only /metrics is served.
func main() {
	configPath := flag.String("config", "", "path to config file")
	metricsAddr := flag.String("metrics-addr", ":9091", "address for the metrics endpoint")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	log := logger.NewLogger(cfg.ToLoggerConfig())

	if !cfg.Events.Enabled {
		log.Warn("events disabled; worker only runs sweepers and retries")
	}

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	a, err := app.New(ctx, cfg, log, app.Options{Consume: cfg.Events.Enabled, Subsystem: "worker"})
	if err != nil {
		log.Fatal(err, "failed to initialize worker")
	}
	defer a.Close()

	if err := a.Start(ctx); err != nil {
		log.Fatal(err, "failed to start worker")
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", prometheus.New(a.Registry, a.Metrics).HTTPHandler())
	srv := &http.Server{Addr: *metricsAddr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error(err, "metrics server stopped")
		}
	}()
	log.Info("worker started", "metrics_addr", *metricsAddr, "store", cfg.Store.Driver)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info("shutting down worker...")

	stop()
	a.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error(err, "metrics server forced to shutdown")
	}
	log.Info("worker exited properly")
}
