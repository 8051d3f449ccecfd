// Package worker runs the periodic sweeps that recover state the in-memory
// engines lose across restarts.
package worker

import (
	"context"
	"time"

	"github.com/jwalitptl/crm-outbound/pkg/logger"
)

type Config struct {
	PendingSweepInterval     time.Duration
	DeliveryRecoveryInterval time.Duration
	DeliveryCleanupInterval  time.Duration
	// DeliveryRetention is how long completed deliveries are kept.
	DeliveryRetention time.Duration
}

func DefaultConfig() Config {
	return Config{
		PendingSweepInterval:     5 * time.Minute,
		DeliveryRecoveryInterval: time.Minute,
		DeliveryCleanupInterval:  6 * time.Hour,
		DeliveryRetention:        30 * 24 * time.Hour,
	}
}

// Worker is one periodic job.
type Worker interface {
	Name() string
	RunOnce(ctx context.Context) error
}

// Run calls w.RunOnce immediately and then every interval until ctx is
// cancelled. Failures are logged and do not stop the loop.
func Run(ctx context.Context, w Worker, interval time.Duration, log *logger.Logger) {
	if interval <= 0 {
		log.Warn("worker disabled", "worker", w.Name())
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	log.Info("Starting worker", "worker", w.Name(), "interval", interval)
	for {
		if err := w.RunOnce(ctx); err != nil && ctx.Err() == nil {
			log.Error(err, "worker run failed", "worker", w.Name())
		}
		select {
		case <-ctx.Done():
			log.Info("Shutting down worker", "worker", w.Name())
			return
		case <-ticker.C:
		}
	}
}
