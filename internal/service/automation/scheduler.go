package automation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jwalitptl/crm-outbound/internal/model"
	"github.com/jwalitptl/crm-outbound/internal/repository"
	"github.com/jwalitptl/crm-outbound/pkg/clock"
	"github.com/jwalitptl/crm-outbound/pkg/logger"
	"github.com/jwalitptl/crm-outbound/pkg/metrics"
)

type Config struct {
	RetryBaseDelay  time.Duration
	MaxRetries      int
	MaxScheduleWait time.Duration
	StuckAfter      time.Duration
	SuccessRatio    float64
	Company         map[string]string
}

func DefaultConfig() Config {
	return Config{
		RetryBaseDelay:  time.Minute,
		MaxRetries:      3,
		MaxScheduleWait: 5 * time.Minute,
		StuckAfter:      10 * time.Minute,
		SuccessRatio:    model.SuccessRatio,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.RetryBaseDelay <= 0 {
		c.RetryBaseDelay = d.RetryBaseDelay
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = d.MaxRetries
	}
	if c.MaxScheduleWait <= 0 {
		c.MaxScheduleWait = d.MaxScheduleWait
	}
	if c.StuckAfter <= 0 {
		c.StuckAfter = d.StuckAfter
	}
	if c.SuccessRatio <= 0 || c.SuccessRatio > 1 {
		c.SuccessRatio = d.SuccessRatio
	}
	return c
}

// QueueStats is a point-in-time view of the scheduler.
type QueueStats struct {
	Depth    int         `json:"depth"`
	Draining bool        `json:"draining"`
	Delayed  int         `json:"delayed"`
	Running  *uuid.UUID  `json:"running,omitempty"`
	Items    []QueueItem `json:"items"`
}

// Scheduler drains the queue with a single non-reentrant loop. Delayed work
// (future schedules, retries, gate retry-after) is parked on clock timers
// and pushed back when they fire.
type Scheduler struct {
	queue       *Queue
	automations repository.AutomationRepository
	runner      Runner
	clock       clock.Clock
	cfg         Config
	log         *logger.Logger
	metrics     *metrics.Metrics

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	draining bool
	stopped  bool
	running  uuid.UUID
	timers   map[uuid.UUID]clock.Timer
}

func NewScheduler(
	queue *Queue,
	automations repository.AutomationRepository,
	runner Runner,
	clk clock.Clock,
	cfg Config,
	log *logger.Logger,
	m *metrics.Metrics,
) *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		queue:       queue,
		automations: automations,
		runner:      runner,
		clock:       clk,
		cfg:         cfg.withDefaults(),
		log:         log,
		metrics:     m,
		ctx:         ctx,
		cancel:      cancel,
		timers:      make(map[uuid.UUID]clock.Timer),
	}
}

// Enqueue adds or re-prioritizes an automation and starts draining if idle.
func (s *Scheduler) Enqueue(id uuid.UUID, priority int) {
	s.mu.Lock()
	if t, ok := s.timers[id]; ok {
		t.Stop()
		delete(s.timers, id)
	}
	s.mu.Unlock()
	s.push(id, priority, 0)
}

func (s *Scheduler) push(id uuid.UUID, priority, retryCount int) {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	s.queue.Push(id, priority, retryCount)
	s.metrics.QueueDepth.Set(float64(s.queue.Len()))
	s.kick()
}

func (s *Scheduler) kick() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.draining || s.stopped {
		return
	}
	s.draining = true
	s.wg.Add(1)
	go s.drain()
}

func (s *Scheduler) drain() {
	defer s.wg.Done()

	for {
		if _, err := s.RecoverStuck(s.ctx); err != nil {
			s.log.Error(err, "stuck automation scan failed")
		}

		for s.ctx.Err() == nil {
			item, ok := s.queue.Pop()
			if !ok {
				break
			}
			s.metrics.QueueDepth.Set(float64(s.queue.Len()))
			s.process(item)
		}

		s.mu.Lock()
		if s.queue.Len() == 0 || s.stopped {
			s.draining = false
			s.mu.Unlock()
			return
		}
		s.mu.Unlock()
	}
}

func (s *Scheduler) process(item QueueItem) {
	ctx := s.ctx
	a, err := s.automations.Get(ctx, item.ID)
	if err != nil {
		s.log.Error(err, "dropping queued automation", "automation_id", item.ID)
		return
	}
	if a.Status == model.AutomationStatusSent ||
		(a.Status == model.AutomationStatusFailed && item.RetryCount == 0) {
		return
	}

	now := s.clock.Now()
	if a.ScheduledFor != nil && a.ScheduledFor.After(now) {
		wait := a.ScheduledFor.Sub(now)
		if wait > s.cfg.MaxScheduleWait {
			wait = s.cfg.MaxScheduleWait
		}
		s.after(item.ID, wait, item.Priority, item.RetryCount)
		return
	}

	s.setRunning(item.ID)
	res, err := s.runner.Execute(ctx, item.ID, item.RetryCount > 0)
	s.setRunning(uuid.Nil)

	if err == nil {
		if res.Outcome == OutcomeDeferred && res.RetryAfter > 0 {
			s.after(item.ID, res.RetryAfter, item.Priority, item.RetryCount)
		}
		return
	}
	if errors.Is(err, ErrDataMissing) {
		s.log.Error(err, "automation not retried", "automation_id", item.ID)
		return
	}
	if ctx.Err() != nil {
		return
	}
	s.retry(item, err)
}

// retry re-enqueues with linear backoff and one less priority, or abandons
// the task once MaxRetries is spent.
func (s *Scheduler) retry(item QueueItem, cause error) {
	if item.RetryCount >= s.cfg.MaxRetries {
		s.abandon(item.ID, cause)
		return
	}
	delay := s.cfg.RetryBaseDelay * time.Duration(item.RetryCount+1)
	s.metrics.AutomationRetries.Inc()
	s.log.Warn("automation retry scheduled",
		"automation_id", item.ID, "retry", item.RetryCount+1, "delay", delay, "error", cause.Error())
	s.after(item.ID, delay, item.Priority-1, item.RetryCount+1)
}

func (s *Scheduler) abandon(id uuid.UUID, cause error) {
	ctx := context.WithoutCancel(s.ctx)
	a, err := s.automations.Get(ctx, id)
	if err != nil {
		s.log.Error(err, "abandon: automation lookup failed", "automation_id", id)
		return
	}
	if a.Status == model.AutomationStatusPending {
		a.SetStatus(model.AutomationStatusFailed, s.clock.Now())
		a.SetError(fmt.Sprintf("retries exhausted: %v", cause))
		if err := s.automations.CompareAndUpdate(ctx, a, model.AutomationStatusPending); err != nil {
			s.log.Error(err, "abandon: failed to mark automation failed", "automation_id", id)
		}
	}
	s.log.Error(cause, "automation abandoned after retries", "automation_id", id, "status", a.Status)
}

func (s *Scheduler) after(id uuid.UUID, d time.Duration, priority, retryCount int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return
	}
	if old, ok := s.timers[id]; ok {
		old.Stop()
	}
	var t clock.Timer
	t = s.clock.AfterFunc(d, func() {
		s.mu.Lock()
		if s.timers[id] == t {
			delete(s.timers, id)
		}
		s.mu.Unlock()
		s.push(id, priority, retryCount)
	})
	s.timers[id] = t
}

func (s *Scheduler) setRunning(id uuid.UUID) {
	s.mu.Lock()
	s.running = id
	s.mu.Unlock()
}

// Tracked reports whether id is queued, parked on a timer or running.
func (s *Scheduler) Tracked(id uuid.UUID) bool {
	s.mu.Lock()
	_, delayed := s.timers[id]
	running := s.running == id
	s.mu.Unlock()
	return delayed || running || s.queue.Contains(id)
}

// RecoverStuck resolves automations left PROCESSING past StuckAfter: SENT
// when the success ratio was reached, FAILED otherwise.
func (s *Scheduler) RecoverStuck(ctx context.Context) (int, error) {
	now := s.clock.Now()
	cutoff := now.Add(-s.cfg.StuckAfter)
	stuck, err := s.automations.List(ctx, repository.AutomationFilter{
		Statuses:      []model.AutomationStatus{model.AutomationStatusProcessing},
		StartedBefore: &cutoff,
	})
	if err != nil {
		return 0, fmt.Errorf("list stuck automations: %w", err)
	}

	s.mu.Lock()
	running := s.running
	s.mu.Unlock()

	n := 0
	for _, a := range stuck {
		if a.ID == running {
			continue
		}
		if a.Ratio() >= s.cfg.SuccessRatio {
			a.SetStatus(model.AutomationStatusSent, now)
			a.ClearError()
		} else {
			a.SetStatus(model.AutomationStatusFailed, now)
			a.SetError(fmt.Sprintf("processing timed out after %s", s.cfg.StuckAfter))
		}
		if err := s.automations.CompareAndUpdate(ctx, a, model.AutomationStatusProcessing); err != nil {
			if !errors.Is(err, repository.ErrStatusConflict) {
				s.log.Error(err, "failed to resolve stuck automation", "automation_id", a.ID)
			}
			continue
		}
		n++
		s.metrics.StuckRecovered.WithLabelValues(string(a.Status)).Inc()
		s.log.Warn("stuck automation resolved", "automation_id", a.ID, "status", a.Status,
			"sent", a.SentMessages, "total", a.TotalMessages)
	}
	return n, nil
}

func (s *Scheduler) Stats() QueueStats {
	s.mu.Lock()
	st := QueueStats{Draining: s.draining, Delayed: len(s.timers)}
	if s.running != uuid.Nil {
		id := s.running
		st.Running = &id
	}
	s.mu.Unlock()

	st.Items = s.queue.Snapshot()
	st.Depth = len(st.Items)
	return st
}

// Stop cancels timers and in-flight work and waits for the drain loop.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	s.stopped = true
	for id, t := range s.timers {
		t.Stop()
		delete(s.timers, id)
	}
	s.mu.Unlock()

	s.cancel()
	s.wg.Wait()
}
