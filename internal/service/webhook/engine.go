package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jwalitptl/crm-outbound/internal/model"
	"github.com/jwalitptl/crm-outbound/internal/repository"
	"github.com/jwalitptl/crm-outbound/pkg/clock"
	"github.com/jwalitptl/crm-outbound/pkg/logger"
	"github.com/jwalitptl/crm-outbound/pkg/metrics"
	"github.com/jwalitptl/crm-outbound/pkg/security"
)

// Headers sent with every delivery.
const (
	HeaderSignature = "X-Webhook-Signature"
	HeaderEvent     = "X-Webhook-Event"
	HeaderDelivery  = "X-Webhook-Delivery"
	HeaderTimestamp = "X-Webhook-Timestamp"

	TestEvent = "webhook.test"

	userAgent    = "crm-outbound-webhooks/1.0"
	maxBodyBytes = 64 * 1024
	resumeBatch  = 200
)

type Config struct {
	Timeout                time.Duration
	TestTimeout            time.Duration
	FailureThreshold       int
	ResetFailuresOnSuccess bool
	DefaultMaxRetries      int
	DefaultRetryDelay      time.Duration
	StaleAfter             time.Duration
}

func DefaultConfig() Config {
	return Config{
		Timeout:           30 * time.Second,
		TestTimeout:       10 * time.Second,
		FailureThreshold:  10,
		DefaultMaxRetries: 3,
		DefaultRetryDelay: time.Minute,
		StaleAfter:        2 * time.Minute,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Timeout <= 0 {
		c.Timeout = d.Timeout
	}
	if c.TestTimeout <= 0 {
		c.TestTimeout = d.TestTimeout
	}
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = d.FailureThreshold
	}
	if c.DefaultMaxRetries <= 0 {
		c.DefaultMaxRetries = d.DefaultMaxRetries
	}
	if c.DefaultRetryDelay <= 0 {
		c.DefaultRetryDelay = d.DefaultRetryDelay
	}
	if c.StaleAfter <= 0 {
		c.StaleAfter = d.StaleAfter
	}
	return c
}

// Doer is the HTTP client used for deliveries.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// AttemptResult is the outcome of one POST.
type AttemptResult struct {
	Success        bool   `json:"success"`
	StatusCode     int    `json:"status_code,omitempty"`
	ResponseTimeMs int64  `json:"response_time_ms"`
	Error          string `json:"error,omitempty"`
}

// Engine fans events out to webhooks and drives per-delivery retries on
// clock timers. Deliveries never block each other.
type Engine struct {
	webhooks   repository.WebhookRepository
	deliveries repository.DeliveryRepository
	client     Doer
	clock      clock.Clock
	cfg        Config
	log        *logger.Logger
	metrics    *metrics.Metrics

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	stopped  bool
	inflight map[uuid.UUID]bool
	timers   map[uuid.UUID]clock.Timer
}

func NewEngine(
	webhooks repository.WebhookRepository,
	deliveries repository.DeliveryRepository,
	client Doer,
	clk clock.Clock,
	cfg Config,
	log *logger.Logger,
	m *metrics.Metrics,
) *Engine {
	if client == nil {
		client = &http.Client{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Engine{
		webhooks:   webhooks,
		deliveries: deliveries,
		client:     client,
		clock:      clk,
		cfg:        cfg.withDefaults(),
		log:        log,
		metrics:    m,
		ctx:        ctx,
		cancel:     cancel,
		inflight:   make(map[uuid.UUID]bool),
		timers:     make(map[uuid.UUID]clock.Timer),
	}
}

// TriggerEvent creates one delivery per ACTIVE webhook subscribed to event
// and starts each in the background.
func (e *Engine) TriggerEvent(ctx context.Context, event string, data interface{}, metadata map[string]interface{}) ([]*model.WebhookDelivery, error) {
	hooks, err := e.webhooks.List(ctx, repository.WebhookFilter{
		Statuses: []model.WebhookStatus{model.WebhookStatusActive},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list webhooks: %w", err)
	}

	var payload []byte
	var created []*model.WebhookDelivery
	for _, w := range hooks {
		if !w.Subscribes(event) {
			continue
		}
		if payload == nil {
			if payload, err = e.envelope(event, data, metadata); err != nil {
				return nil, err
			}
		}
		d, err := e.createDelivery(ctx, w, event, payload)
		if err != nil {
			e.log.Error(err, "failed to create delivery", "webhook_id", w.ID, "event", event)
			continue
		}
		created = append(created, d)
		e.launch(d.ID)
	}

	if len(created) > 0 {
		e.log.Debug("event fanned out", "event", event, "deliveries", len(created))
	}
	return created, nil
}

func (e *Engine) envelope(event string, data interface{}, metadata map[string]interface{}) ([]byte, error) {
	body, err := json.Marshal(model.Envelope{
		Event:     event,
		Timestamp: e.clock.Now().UTC().Format(time.RFC3339),
		Data:      data,
		Metadata:  metadata,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s payload: %w", event, err)
	}
	return body, nil
}

func (e *Engine) createDelivery(ctx context.Context, w *model.Webhook, event string, payload []byte) (*model.WebhookDelivery, error) {
	maxAttempts := w.MaxRetries
	if maxAttempts <= 0 {
		maxAttempts = e.cfg.DefaultMaxRetries
	}
	d := &model.WebhookDelivery{
		Base:        model.Base{ID: uuid.New()},
		WebhookID:   w.ID,
		Event:       event,
		Payload:     json.RawMessage(payload),
		Status:      model.DeliveryStatusPending,
		MaxAttempts: maxAttempts,
	}
	if err := e.deliveries.Create(ctx, d); err != nil {
		return nil, err
	}
	return d, nil
}

// launch runs one attempt for id on its own goroutine.
func (e *Engine) launch(id uuid.UUID) {
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return
	}
	e.wg.Add(1)
	e.mu.Unlock()

	go func() {
		defer e.wg.Done()
		if err := e.Deliver(e.ctx, id); err != nil && e.ctx.Err() == nil {
			e.log.Error(err, "delivery attempt failed to run", "delivery_id", id)
		}
	}()
}

// Deliver makes one attempt for a delivery and settles its next state. A
// delivery already being attempted is left alone.
func (e *Engine) Deliver(ctx context.Context, id uuid.UUID) error {
	if !e.claim(id) {
		return nil
	}
	defer e.release(id)

	d, err := e.deliveries.Get(ctx, id)
	if err != nil {
		return fmt.Errorf("load delivery %s: %w", id, err)
	}
	if d.Status.IsTerminal() {
		return nil
	}

	w, err := e.webhooks.Get(ctx, d.WebhookID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return e.finalize(ctx, d, "webhook no longer exists")
		}
		return fmt.Errorf("load webhook %s: %w", d.WebhookID, err)
	}
	if w.Status != model.WebhookStatusActive {
		return e.finalize(ctx, d, fmt.Sprintf("webhook is %s", w.Status))
	}
	if d.Attempts >= d.MaxAttempts {
		return e.finalize(ctx, d, "max attempts reached")
	}

	d.Attempts++
	res := e.post(ctx, w, d.Event, d.ID.String(), d.Payload, e.cfg.Timeout)
	if !res.Success && ctx.Err() != nil {
		// Cut short by shutdown. The stored row keeps its attempt count and
		// ResumeDue picks it up again.
		e.log.Debug("delivery attempt interrupted", "delivery_id", d.ID)
		return ctx.Err()
	}
	now := e.clock.Now()

	rt := res.ResponseTimeMs
	d.ResponseTimeMs = &rt
	if res.StatusCode != 0 {
		code := res.StatusCode
		d.LastStatusCode = &code
	} else {
		d.LastStatusCode = nil
	}

	outcome := "success"
	if !res.Success {
		outcome = "failure"
	}
	e.metrics.WebhookDeliveries.WithLabelValues(outcome).Inc()
	e.metrics.WebhookLatency.Observe(float64(res.ResponseTimeMs) / 1000)

	updated, tripped, err := e.webhooks.RecordResult(context.WithoutCancel(ctx), w.ID, repository.WebhookResult{
		Success:        res.Success,
		At:             now,
		Threshold:      e.cfg.FailureThreshold,
		ResetOnSuccess: e.cfg.ResetFailuresOnSuccess,
	})
	if err != nil {
		e.log.Error(err, "failed to record webhook result", "webhook_id", w.ID)
		updated = w
	}
	if tripped {
		e.metrics.WebhooksCircuitOpened.Inc()
		e.log.Warn("webhook disabled after consecutive failures",
			"webhook_id", w.ID, "failures", updated.ConsecutiveFailures, "url", w.URL)
	}

	if res.Success {
		d.LastError = nil
		d.Finish(model.DeliveryStatusSuccess, now)
		return e.save(ctx, d)
	}

	msg := res.Error
	d.LastError = &msg
	if d.Attempts < d.MaxAttempts && updated.Status == model.WebhookStatusActive {
		delay := w.RetryDelay()
		if delay <= 0 {
			delay = e.cfg.DefaultRetryDelay
		}
		next := now.Add(delay * time.Duration(d.Attempts))
		d.Status = model.DeliveryStatusRetrying
		d.NextAttemptAt = &next
		if err := e.save(ctx, d); err != nil {
			return err
		}
		e.schedule(d.ID, next.Sub(now))
		e.log.Debug("delivery retry scheduled", "delivery_id", d.ID, "attempt", d.Attempts, "next_attempt_at", next)
		return nil
	}

	d.Finish(model.DeliveryStatusFailed, now)
	e.log.Warn("delivery failed permanently", "delivery_id", d.ID, "webhook_id", w.ID, "attempts", d.Attempts, "error", msg)
	return e.save(ctx, d)
}

func (e *Engine) finalize(ctx context.Context, d *model.WebhookDelivery, reason string) error {
	d.LastError = &reason
	d.Finish(model.DeliveryStatusFailed, e.clock.Now())
	e.log.Info("delivery finalized without attempt", "delivery_id", d.ID, "reason", reason)
	return e.save(ctx, d)
}

func (e *Engine) save(ctx context.Context, d *model.WebhookDelivery) error {
	if err := e.deliveries.Update(context.WithoutCancel(ctx), d); err != nil {
		return fmt.Errorf("save delivery %s: %w", d.ID, err)
	}
	return nil
}

// post signs and sends payload. Any non-2xx status or transport error is a
// failure.
func (e *Engine) post(ctx context.Context, w *model.Webhook, event, deliveryID string, payload []byte, timeout time.Duration) AttemptResult {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.URL, bytes.NewReader(payload))
	if err != nil {
		return AttemptResult{Error: fmt.Sprintf("build request: %v", err)}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set(HeaderSignature, security.Sign(payload, w.Secret))
	req.Header.Set(HeaderEvent, event)
	req.Header.Set(HeaderDelivery, deliveryID)
	req.Header.Set(HeaderTimestamp, e.clock.Now().UTC().Format(time.RFC3339))

	began := time.Now()
	resp, err := e.client.Do(req)
	elapsed := time.Since(began).Milliseconds()
	if err != nil {
		return AttemptResult{ResponseTimeMs: elapsed, Error: err.Error()}
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	res := AttemptResult{StatusCode: resp.StatusCode, ResponseTimeMs: elapsed}
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		res.Success = true
		return res
	}
	res.Error = fmt.Sprintf("unexpected status %d", resp.StatusCode)
	if snippet := strings.TrimSpace(string(body)); snippet != "" {
		if len(snippet) > 512 {
			snippet = snippet[:512]
		}
		res.Error += ": " + snippet
	}
	return res
}

// Test posts a synthetic webhook.test event once with the test timeout. It
// records no delivery and moves no counters.
func (e *Engine) Test(ctx context.Context, w *model.Webhook) (AttemptResult, error) {
	payload, err := e.envelope(TestEvent, map[string]interface{}{
		"webhook_id": w.ID,
		"message":    "This is a test delivery",
	}, nil)
	if err != nil {
		return AttemptResult{}, err
	}
	return e.post(ctx, w, TestEvent, "test-"+uuid.NewString(), payload, e.cfg.TestTimeout), nil
}

// Redeliver copies a delivery's event and payload into a new delivery.
func (e *Engine) Redeliver(ctx context.Context, w *model.Webhook, orig *model.WebhookDelivery) (*model.WebhookDelivery, error) {
	d, err := e.createDelivery(ctx, w, orig.Event, orig.Payload)
	if err != nil {
		return nil, fmt.Errorf("failed to create delivery: %w", err)
	}
	e.launch(d.ID)
	return d, nil
}

// ResumeDue re-arms deliveries whose timers were lost, such as after a
// restart: RETRYING ones past nextAttemptAt and stale PENDING ones.
func (e *Engine) ResumeDue(ctx context.Context) (int, error) {
	now := e.clock.Now()
	due, err := e.deliveries.ListDue(ctx, now, now.Add(-e.cfg.StaleAfter), resumeBatch)
	if err != nil {
		return 0, fmt.Errorf("failed to list due deliveries: %w", err)
	}

	n := 0
	for _, d := range due {
		if e.tracked(d.ID) {
			continue
		}
		e.launch(d.ID)
		n++
	}
	if n > 0 {
		e.log.Info("resumed due deliveries", "count", n)
	}
	return n, nil
}

func (e *Engine) schedule(id uuid.UUID, after time.Duration) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.stopped {
		return
	}
	if old, ok := e.timers[id]; ok {
		old.Stop()
	}
	var t clock.Timer
	t = e.clock.AfterFunc(after, func() {
		e.mu.Lock()
		if e.timers[id] == t {
			delete(e.timers, id)
		}
		e.mu.Unlock()
		e.launch(id)
	})
	e.timers[id] = t
}

func (e *Engine) claim(id uuid.UUID) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.inflight[id] {
		return false
	}
	e.inflight[id] = true
	return true
}

func (e *Engine) release(id uuid.UUID) {
	e.mu.Lock()
	delete(e.inflight, id)
	e.mu.Unlock()
}

func (e *Engine) tracked(id uuid.UUID) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, timer := e.timers[id]
	return timer || e.inflight[id]
}

// Stop cancels pending retries and waits for in-flight attempts. Deliveries
// left RETRYING are picked up again by ResumeDue.
func (e *Engine) Stop() {
	e.mu.Lock()
	e.stopped = true
	for id, t := range e.timers {
		t.Stop()
		delete(e.timers, id)
	}
	e.mu.Unlock()

	e.cancel()
	e.wg.Wait()
}
