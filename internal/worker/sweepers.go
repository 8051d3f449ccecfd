package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/jwalitptl/crm-outbound/internal/repository"
	"github.com/jwalitptl/crm-outbound/pkg/clock"
	"github.com/jwalitptl/crm-outbound/pkg/logger"
)

// PendingRecoverer re-enqueues PENDING automations.
type PendingRecoverer interface {
	RecoverPending(ctx context.Context) (int, error)
}

// DueResumer re-arms webhook deliveries whose timers were lost.
type DueResumer interface {
	ResumeDue(ctx context.Context) (int, error)
}

// PendingSweeper picks up PENDING automations the scheduler is not
// tracking, such as those left by a restart or a gate denial without a
// retry-after.
type PendingSweeper struct {
	automations PendingRecoverer
	log         *logger.Logger
}

func NewPendingSweeper(automations PendingRecoverer, log *logger.Logger) *PendingSweeper {
	return &PendingSweeper{automations: automations, log: log}
}

func (w *PendingSweeper) Name() string { return "pending_sweeper" }

func (w *PendingSweeper) RunOnce(ctx context.Context) error {
	n, err := w.automations.RecoverPending(ctx)
	if err != nil {
		return fmt.Errorf("failed to recover pending automations: %w", err)
	}
	if n > 0 {
		w.log.Info("re-enqueued pending automations", "count", n)
	}
	return nil
}

type DeliveryRecovery struct {
	engine DueResumer
}

func NewDeliveryRecovery(engine DueResumer) *DeliveryRecovery {
	return &DeliveryRecovery{engine: engine}
}

func (w *DeliveryRecovery) Name() string { return "delivery_recovery" }

func (w *DeliveryRecovery) RunOnce(ctx context.Context) error {
	_, err := w.engine.ResumeDue(ctx)
	return err
}

// DeliveryCleanup deletes completed deliveries older than the retention.
type DeliveryCleanup struct {
	repo      repository.DeliveryRepository
	retention time.Duration
	clock     clock.Clock
	log       *logger.Logger
}

func NewDeliveryCleanup(repo repository.DeliveryRepository, retention time.Duration, clk clock.Clock, log *logger.Logger) *DeliveryCleanup {
	return &DeliveryCleanup{repo: repo, retention: retention, clock: clk, log: log}
}

func (w *DeliveryCleanup) Name() string { return "delivery_cleanup" }

func (w *DeliveryCleanup) RunOnce(ctx context.Context) error {
	if w.retention <= 0 {
		return nil
	}
	cutoff := w.clock.Now().Add(-w.retention)

	rows, err := w.repo.DeleteCompletedBefore(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("failed to clean up deliveries: %w", err)
	}
	if rows > 0 {
		w.log.Info("cleaned up webhook deliveries", "count", rows, "cutoff", cutoff)
	}
	return nil
}
