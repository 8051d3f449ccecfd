package webhook

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jwalitptl/crm-outbound/internal/model"
	"github.com/jwalitptl/crm-outbound/internal/repository"
	"github.com/jwalitptl/crm-outbound/internal/repository/memory"
	"github.com/jwalitptl/crm-outbound/pkg/clock"
	"github.com/jwalitptl/crm-outbound/pkg/errors"
	"github.com/jwalitptl/crm-outbound/pkg/logger"
	"github.com/jwalitptl/crm-outbound/pkg/metrics"
	"github.com/jwalitptl/crm-outbound/pkg/security"
	"github.com/jwalitptl/crm-outbound/pkg/validator"
)

const (
	timeout = time.Second
	tick    = 5 * time.Millisecond
)

var start = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

type received struct {
	header http.Header
	body   []byte
}

// endpoint is a receiver whose status code can be changed mid-test.
type endpoint struct {
	mu     sync.Mutex
	status int
	hits   []received
	srv    *httptest.Server
}

func newEndpoint(t *testing.T, status int) *endpoint {
	t.Helper()
	e := &endpoint{status: status}
	e.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		e.mu.Lock()
		e.hits = append(e.hits, received{header: r.Header.Clone(), body: body})
		code := e.status
		e.mu.Unlock()
		w.WriteHeader(code)
		_, _ = w.Write([]byte("receiver says hi"))
	}))
	t.Cleanup(e.srv.Close)
	return e
}

func (e *endpoint) Hits() []received {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]received(nil), e.hits...)
}

type fixture struct {
	clk    *clock.Fake
	store  *memory.Store
	engine *Engine
	svc    Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	clk := clock.NewFake(start)
	store := memory.NewStore(clk.Now)
	engine := NewEngine(store.Webhooks(), store.Deliveries(), http.DefaultClient, clk, DefaultConfig(), logger.Nop(), metrics.NewNop())
	t.Cleanup(engine.Stop)
	svc := NewService(store.Webhooks(), store.Deliveries(), engine, validator.New(), logger.Nop())
	return &fixture{clk: clk, store: store, engine: engine, svc: svc}
}

func (f *fixture) addWebhook(t *testing.T, url string, maxRetries int, events ...string) *Created {
	t.Helper()
	w, err := f.svc.Create(context.Background(), "key-1", CreateRequest{
		URL:          url,
		Events:       events,
		MaxRetries:   maxRetries,
		RetryDelayMs: 60000,
	})
	require.NoError(t, err)
	return w
}

func (f *fixture) delivery(t *testing.T, id uuid.UUID) *model.WebhookDelivery {
	t.Helper()
	d, err := f.store.Deliveries().Get(context.Background(), id)
	require.NoError(t, err)
	return d
}

// waitFor blocks until the delivery matches status and attempts and, for
// RETRYING, until its retry timer is armed.
func (f *fixture) waitFor(t *testing.T, id uuid.UUID, status model.DeliveryStatus, attempts int) {
	t.Helper()
	require.Eventually(t, func() bool {
		d, err := f.store.Deliveries().Get(context.Background(), id)
		if err != nil || d.Status != status || d.Attempts != attempts {
			return false
		}
		return status != model.DeliveryStatusRetrying || f.clk.Pending() == 1
	}, timeout, tick)
}

func TestEngine_RetriesLinearlyThenFails(t *testing.T) {
	f := newFixture(t)
	ep := newEndpoint(t, http.StatusInternalServerError)
	f.addWebhook(t, ep.srv.URL, 3, "lead.created")

	out, err := f.engine.TriggerEvent(context.Background(), "lead.created", map[string]string{"lead_id": "42"}, nil)
	require.NoError(t, err)
	require.Len(t, out, 1)
	id := out[0].ID

	f.waitFor(t, id, model.DeliveryStatusRetrying, 1)
	d := f.delivery(t, id)
	require.NotNil(t, d.NextAttemptAt)
	assert.Equal(t, start.Add(time.Minute), *d.NextAttemptAt)
	require.NotNil(t, d.LastStatusCode)
	assert.Equal(t, http.StatusInternalServerError, *d.LastStatusCode)
	require.NotNil(t, d.LastError)
	assert.Contains(t, *d.LastError, "receiver says hi")

	f.clk.Advance(time.Minute)
	f.waitFor(t, id, model.DeliveryStatusRetrying, 2)
	assert.Equal(t, start.Add(3*time.Minute), *f.delivery(t, id).NextAttemptAt, "second retry waits twice the delay")

	f.clk.Advance(2 * time.Minute)
	f.waitFor(t, id, model.DeliveryStatusFailed, 3)

	d = f.delivery(t, id)
	assert.Nil(t, d.NextAttemptAt)
	assert.NotNil(t, d.CompletedAt)
	assert.Len(t, ep.Hits(), 3)
}

func TestEngine_OnlySubscribersReceive(t *testing.T) {
	f := newFixture(t)
	created := newEndpoint(t, http.StatusOK)
	updated := newEndpoint(t, http.StatusOK)
	all := newEndpoint(t, http.StatusNoContent)
	w1 := f.addWebhook(t, created.srv.URL, 3, "lead.created")
	f.addWebhook(t, updated.srv.URL, 3, "lead.updated")
	w3 := f.addWebhook(t, all.srv.URL, 3, "*")

	out, err := f.engine.TriggerEvent(context.Background(), "lead.created", map[string]string{"lead_id": "42"}, nil)
	require.NoError(t, err)
	require.Len(t, out, 2)

	targets := []uuid.UUID{out[0].WebhookID, out[1].WebhookID}
	assert.ElementsMatch(t, []uuid.UUID{w1.ID, w3.ID}, targets)

	for _, d := range out {
		f.waitFor(t, d.ID, model.DeliveryStatusSuccess, 1)
		assert.NotNil(t, f.delivery(t, d.ID).CompletedAt)
	}
	assert.Empty(t, updated.Hits())
}

func TestEngine_SignsPayload(t *testing.T) {
	f := newFixture(t)
	ep := newEndpoint(t, http.StatusOK)
	w := f.addWebhook(t, ep.srv.URL, 1, "lead.created")

	out, err := f.engine.TriggerEvent(context.Background(), "lead.created", map[string]string{"lead_id": "42"}, map[string]interface{}{"source": "crm"})
	require.NoError(t, err)
	require.Len(t, out, 1)
	f.waitFor(t, out[0].ID, model.DeliveryStatusSuccess, 1)

	hits := ep.Hits()
	require.Len(t, hits, 1)
	h := hits[0]
	assert.True(t, security.Verify(h.body, w.Secret, h.header.Get(HeaderSignature)))
	assert.False(t, security.Verify(h.body, "other", h.header.Get(HeaderSignature)))
	assert.Equal(t, "lead.created", h.header.Get(HeaderEvent))
	assert.Equal(t, out[0].ID.String(), h.header.Get(HeaderDelivery))
	assert.Equal(t, "application/json", h.header.Get("Content-Type"))
	assert.NotEmpty(t, h.header.Get(HeaderTimestamp))

	var env model.Envelope
	require.NoError(t, json.Unmarshal(h.body, &env))
	assert.Equal(t, "lead.created", env.Event)
	assert.Equal(t, start.Format(time.RFC3339), env.Timestamp)
	assert.Equal(t, "crm", env.Metadata["source"])
}

func TestEngine_CircuitOpensAfterConsecutiveFailures(t *testing.T) {
	f := newFixture(t)
	ep := newEndpoint(t, http.StatusBadGateway)
	w := f.addWebhook(t, ep.srv.URL, 1, "lead.created")
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		out, err := f.engine.TriggerEvent(ctx, "lead.created", map[string]int{"n": i}, nil)
		require.NoError(t, err)
		require.Len(t, out, 1)
		f.waitFor(t, out[0].ID, model.DeliveryStatusFailed, 1)
	}

	got, err := f.store.Webhooks().Get(ctx, w.ID)
	require.NoError(t, err)
	assert.Equal(t, model.WebhookStatusFailed, got.Status)
	assert.Equal(t, 10, got.ConsecutiveFailures)
	assert.EqualValues(t, 10, got.FailureCount)

	out, err := f.engine.TriggerEvent(ctx, "lead.created", map[string]int{"n": 10}, nil)
	require.NoError(t, err)
	assert.Empty(t, out, "a tripped webhook receives nothing")

	got, err = f.svc.Activate(ctx, "key-1", w.ID)
	require.NoError(t, err)
	assert.Equal(t, model.WebhookStatusActive, got.Status)
	assert.Zero(t, got.ConsecutiveFailures)
}

func TestEngine_SuccessDoesNotResetStreakByDefault(t *testing.T) {
	f := newFixture(t)
	ep := newEndpoint(t, http.StatusInternalServerError)
	w := f.addWebhook(t, ep.srv.URL, 1, "lead.created")
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		out, err := f.engine.TriggerEvent(ctx, "lead.created", nil, nil)
		require.NoError(t, err)
		f.waitFor(t, out[0].ID, model.DeliveryStatusFailed, 1)
	}
	ep.mu.Lock()
	ep.status = http.StatusOK
	ep.mu.Unlock()

	out, err := f.engine.TriggerEvent(ctx, "lead.created", nil, nil)
	require.NoError(t, err)
	f.waitFor(t, out[0].ID, model.DeliveryStatusSuccess, 1)

	got, err := f.store.Webhooks().Get(ctx, w.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, got.ConsecutiveFailures)
	assert.EqualValues(t, 1, got.SuccessCount)
	assert.NotNil(t, got.LastTriggeredAt)
}

func TestEngine_PausedWebhookFinalizesPendingRetry(t *testing.T) {
	f := newFixture(t)
	ep := newEndpoint(t, http.StatusServiceUnavailable)
	w := f.addWebhook(t, ep.srv.URL, 3, "lead.created")
	ctx := context.Background()

	out, err := f.engine.TriggerEvent(ctx, "lead.created", nil, nil)
	require.NoError(t, err)
	id := out[0].ID
	f.waitFor(t, id, model.DeliveryStatusRetrying, 1)

	_, err = f.svc.Pause(ctx, "key-1", w.ID)
	require.NoError(t, err)

	f.clk.Advance(time.Minute)
	f.waitFor(t, id, model.DeliveryStatusFailed, 1)
	d := f.delivery(t, id)
	require.NotNil(t, d.LastError)
	assert.Equal(t, "webhook is PAUSED", *d.LastError)
	assert.Len(t, ep.Hits(), 1)
}

func TestEngine_StopDuringAttemptLeavesDeliveryUntouched(t *testing.T) {
	f := newFixture(t)
	arrived := make(chan struct{}, 1)
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		arrived <- struct{}{}
		select {
		case <-r.Context().Done():
		case <-release:
		}
	}))
	t.Cleanup(srv.Close)
	t.Cleanup(func() { close(release) })
	w := f.addWebhook(t, srv.URL, 3, "lead.created")
	ctx := context.Background()

	out, err := f.engine.TriggerEvent(ctx, "lead.created", nil, nil)
	require.NoError(t, err)
	require.Len(t, out, 1)

	select {
	case <-arrived:
	case <-time.After(timeout):
		t.Fatal("attempt never reached the receiver")
	}
	f.engine.Stop()

	d := f.delivery(t, out[0].ID)
	assert.Equal(t, model.DeliveryStatusPending, d.Status)
	assert.Zero(t, d.Attempts)
	assert.Nil(t, d.LastError)

	got, err := f.store.Webhooks().Get(ctx, w.ID)
	require.NoError(t, err)
	assert.Equal(t, model.WebhookStatusActive, got.Status)
	assert.Zero(t, got.ConsecutiveFailures)
	assert.Zero(t, got.FailureCount)
	assert.Nil(t, got.LastTriggeredAt)
}

func TestEngine_ResumeDue(t *testing.T) {
	f := newFixture(t)
	ep := newEndpoint(t, http.StatusOK)
	w := f.addWebhook(t, ep.srv.URL, 3, "lead.created")
	ctx := context.Background()

	orphan := &model.WebhookDelivery{
		Base:        model.Base{ID: uuid.New()},
		WebhookID:   w.ID,
		Event:       "lead.created",
		Payload:     json.RawMessage(`{"event":"lead.created"}`),
		Status:      model.DeliveryStatusPending,
		MaxAttempts: 3,
	}
	require.NoError(t, f.store.Deliveries().Create(ctx, orphan))

	n, err := f.engine.ResumeDue(ctx)
	require.NoError(t, err)
	assert.Zero(t, n, "a fresh PENDING delivery may still be in flight")

	f.clk.Advance(3 * time.Minute)
	n, err = f.engine.ResumeDue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	f.waitFor(t, orphan.ID, model.DeliveryStatusSuccess, 1)
}

func TestEngine_TestWebhookKeepsNoHistory(t *testing.T) {
	f := newFixture(t)
	ep := newEndpoint(t, http.StatusOK)
	w := f.addWebhook(t, ep.srv.URL, 3, "lead.created")
	ctx := context.Background()

	res, err := f.svc.Test(ctx, "key-1", w.ID)
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, http.StatusOK, res.StatusCode)

	hits := ep.Hits()
	require.Len(t, hits, 1)
	assert.Equal(t, TestEvent, hits[0].header.Get(HeaderEvent))

	n, err := f.store.Deliveries().Count(ctx, repository.DeliveryFilter{WebhookID: &w.ID})
	require.NoError(t, err)
	assert.Zero(t, n)
	got, err := f.store.Webhooks().Get(ctx, w.ID)
	require.NoError(t, err)
	assert.Zero(t, got.SuccessCount)
}

func TestService_Create(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	w, err := f.svc.Create(ctx, "key-1", CreateRequest{URL: "https://example.com/hook", Events: []string{"lead.created", "lead.created"}})
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(w.Secret, "whsec_"))
	assert.Equal(t, model.StringList{"lead.created"}, w.Events)
	assert.Equal(t, 3, w.MaxRetries)
	assert.EqualValues(t, 60000, w.RetryDelayMs)
	assert.Equal(t, model.WebhookStatusActive, w.Status)

	body, err := json.Marshal(w.Webhook)
	require.NoError(t, err)
	assert.NotContains(t, string(body), w.Secret)

	for name, req := range map[string]CreateRequest{
		"bad url":    {URL: "not a url", Events: []string{"lead.created"}},
		"no events":  {URL: "https://example.com/hook"},
		"bad event":  {URL: "https://example.com/hook", Events: []string{"Lead Created"}},
		"short key":  {URL: "https://example.com/hook", Events: []string{"*"}, Secret: "abc"},
		"tiny delay": {URL: "https://example.com/hook", Events: []string{"*"}, RetryDelayMs: 10},
	} {
		t.Run(name, func(t *testing.T) {
			_, err := f.svc.Create(ctx, "key-1", req)
			assert.True(t, errors.IsCode(err, errors.ErrBadRequest), "got %v", err)
		})
	}
}

func TestService_OwnerScoping(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	w := f.addWebhook(t, "https://example.com/hook", 3, "lead.created")
	_, err := f.svc.Create(ctx, "key-2", CreateRequest{URL: "https://other.example.com", Events: []string{"*"}})
	require.NoError(t, err)

	_, err = f.svc.Get(ctx, "key-2", w.ID)
	assert.True(t, errors.IsCode(err, errors.ErrNotFound))
	assert.True(t, errors.IsCode(f.svc.Delete(ctx, "key-2", w.ID), errors.ErrNotFound))

	mine, err := f.svc.List(ctx, "key-1")
	require.NoError(t, err)
	require.Len(t, mine, 1)
	assert.Equal(t, w.ID, mine[0].ID)
}

func TestService_UpdateKeepsSecret(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	w := f.addWebhook(t, "https://example.com/hook", 3, "lead.created")

	url := "https://example.com/v2"
	retries := 5
	got, err := f.svc.Update(ctx, "key-1", w.ID, UpdateRequest{URL: &url, Events: []string{"lead.updated"}, MaxRetries: &retries})
	require.NoError(t, err)
	assert.Equal(t, url, got.URL)
	assert.Equal(t, model.StringList{"lead.updated"}, got.Events)
	assert.Equal(t, 5, got.MaxRetries)

	stored, err := f.store.Webhooks().Get(ctx, w.ID)
	require.NoError(t, err)
	assert.Equal(t, w.Secret, stored.Secret)

	bad := "nope"
	_, err = f.svc.Update(ctx, "key-1", w.ID, UpdateRequest{URL: &bad})
	assert.True(t, errors.IsCode(err, errors.ErrBadRequest))
}

func TestService_PauseAndActivateClearStreak(t *testing.T) {
	f := newFixture(t)
	ep := newEndpoint(t, http.StatusInternalServerError)
	w := f.addWebhook(t, ep.srv.URL, 1, "lead.created")
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		out, err := f.engine.TriggerEvent(ctx, "lead.created", nil, nil)
		require.NoError(t, err)
		f.waitFor(t, out[0].ID, model.DeliveryStatusFailed, 1)
	}

	got, err := f.svc.Pause(ctx, "key-1", w.ID)
	require.NoError(t, err)
	assert.Equal(t, model.WebhookStatusPaused, got.Status)
	assert.Zero(t, got.ConsecutiveFailures)
	assert.EqualValues(t, 3, got.FailureCount)

	stored, err := f.store.Webhooks().Get(ctx, w.ID)
	require.NoError(t, err)
	assert.Equal(t, model.WebhookStatusPaused, stored.Status)
	assert.Zero(t, stored.ConsecutiveFailures)

	got, err = f.svc.Activate(ctx, "key-1", w.ID)
	require.NoError(t, err)
	assert.Equal(t, model.WebhookStatusActive, got.Status)

	_, err = f.svc.Pause(ctx, "key-2", w.ID)
	assert.True(t, errors.IsCode(err, errors.ErrNotFound))
}

func TestService_UpdateKeepsBreakerState(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	w := f.addWebhook(t, "https://example.com/hook", 3, "lead.created")

	res := repository.WebhookResult{Success: false, At: start, Threshold: 2}
	for i := 0; i < 2; i++ {
		_, _, err := f.store.Webhooks().RecordResult(ctx, w.ID, res)
		require.NoError(t, err)
	}

	url := "https://example.com/v2"
	got, err := f.svc.Update(ctx, "key-1", w.ID, UpdateRequest{URL: &url})
	require.NoError(t, err)
	assert.Equal(t, url, got.URL)
	assert.Equal(t, model.WebhookStatusFailed, got.Status)
	assert.Equal(t, 2, got.ConsecutiveFailures)
}

func TestService_RedeliverAndStats(t *testing.T) {
	f := newFixture(t)
	ep := newEndpoint(t, http.StatusOK)
	w := f.addWebhook(t, ep.srv.URL, 1, "lead.created")
	ctx := context.Background()

	out, err := f.svc.Trigger(ctx, TriggerRequest{Event: "lead.created", Data: map[string]string{"lead_id": "7"}})
	require.NoError(t, err)
	require.Len(t, out, 1)
	f.waitFor(t, out[0].ID, model.DeliveryStatusSuccess, 1)

	again, err := f.svc.Redeliver(ctx, "key-1", out[0].ID)
	require.NoError(t, err)
	assert.NotEqual(t, out[0].ID, again.ID)
	assert.JSONEq(t, string(out[0].Payload), string(again.Payload))
	f.waitFor(t, again.ID, model.DeliveryStatusSuccess, 1)

	hits := ep.Hits()
	require.Len(t, hits, 2)
	assert.Equal(t, hits[0].body, hits[1].body)

	stats, err := f.svc.Stats(ctx, "key-1", w.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Deliveries)
	assert.Equal(t, 2, stats.Succeeded)
	assert.EqualValues(t, 2, stats.SuccessCount)

	items, total, err := f.svc.Deliveries(ctx, "key-1", w.ID, repository.DeliveryFilter{Limit: 1})
	require.NoError(t, err)
	assert.Len(t, items, 1)
	assert.Equal(t, 2, total)

	_, err = f.svc.Trigger(ctx, TriggerRequest{Event: "*", Data: 1})
	assert.True(t, errors.IsCode(err, errors.ErrBadRequest))
}
