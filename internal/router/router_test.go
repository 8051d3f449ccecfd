package router

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	promclient "github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	gateHandler "github.com/jwalitptl/crm-outbound/internal/handler/gate"
	"github.com/jwalitptl/crm-outbound/internal/handler/health"
	"github.com/jwalitptl/crm-outbound/internal/handler/prometheus"
	webhookHandler "github.com/jwalitptl/crm-outbound/internal/handler/webhook"
	"github.com/jwalitptl/crm-outbound/internal/middleware"
	"github.com/jwalitptl/crm-outbound/internal/repository/memory"
	"github.com/jwalitptl/crm-outbound/internal/service/gate"
	"github.com/jwalitptl/crm-outbound/internal/service/webhook"
	"github.com/jwalitptl/crm-outbound/pkg/clock"
	"github.com/jwalitptl/crm-outbound/pkg/logger"
	"github.com/jwalitptl/crm-outbound/pkg/metrics"
	"github.com/jwalitptl/crm-outbound/pkg/validator"
)

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

type fixture struct {
	engine http.Handler
	stop   func()
}

func newFixture(t *testing.T, keys map[string]string, checks map[string]health.Check) *fixture {
	t.Helper()
	log := logger.Nop()
	clk := clock.NewFake(time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC))
	store := memory.NewStore(clk.Now)

	reg := promclient.NewRegistry()
	m := metrics.NewMetrics(reg, "test", "api")

	eng := webhook.NewEngine(store.Webhooks(), store.Deliveries(), http.DefaultClient, clk, webhook.DefaultConfig(), log, m)
	svc := webhook.NewService(store.Webhooks(), store.Deliveries(), eng, validator.New(), log)
	g := gate.New(gate.Config{MessagesPerMinute: 30, Burst: 5}, gate.NewLocalStore(), clk, log)

	r := NewRouter(
		RouterConfig{Mode: "test", APIKeys: keys},
		log,
		health.NewHandler(checks),
		prometheus.New(reg, m),
		webhookHandler.NewHandler(svc),
		gateHandler.NewHandler(g, log),
	)
	r.Setup()
	return &fixture{engine: r.Engine(), stop: eng.Stop}
}

func (f *fixture) do(t *testing.T, method, path, key string, body interface{}) (*httptest.ResponseRecorder, envelope) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if key != "" {
		req.Header.Set(middleware.HeaderAPIKey, key)
	}
	w := httptest.NewRecorder()
	f.engine.ServeHTTP(w, req)

	var env envelope
	if w.Header().Get("Content-Type") == "application/json; charset=utf-8" {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &env))
	}
	return w, env
}

func TestRouter_HealthIsPublic(t *testing.T) {
	f := newFixture(t, map[string]string{"k1": "tenant-a"}, map[string]health.Check{
		"database": func(context.Context) error { return nil },
	})
	defer f.stop()

	w, _ := f.do(t, http.MethodGet, "/api/v1/health/live", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "1.0", w.Header().Get("X-API-Version"))

	w, _ = f.do(t, http.MethodGet, "/api/v1/health/ready", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w, _ = f.do(t, http.MethodGet, "/metrics", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestRouter_ReadinessReportsFailedChecks(t *testing.T) {
	f := newFixture(t, nil, map[string]health.Check{
		"redis": func(context.Context) error { return errors.New("connection refused") },
	})
	defer f.stop()

	w, _ := f.do(t, http.MethodGet, "/api/v1/health/ready", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, w.Body.String(), "connection refused")
}

func TestRouter_WebhooksAreScopedByKey(t *testing.T) {
	f := newFixture(t, map[string]string{"k1": "tenant-a", "k2": "tenant-b"}, nil)
	defer f.stop()

	w, _ := f.do(t, http.MethodGet, "/api/v1/webhooks", "", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w, env := f.do(t, http.MethodPost, "/api/v1/webhooks", "k1", map[string]interface{}{
		"url":    "https://hooks.example.com/crm",
		"events": []string{"lead.created"},
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var created struct {
		ID      string `json:"id"`
		OwnerID string `json:"owner_id"`
		Secret  string `json:"secret"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &created))
	assert.Equal(t, "tenant-a", created.OwnerID)
	assert.NotEmpty(t, created.Secret)

	w, env = f.do(t, http.MethodGet, "/api/v1/webhooks/"+created.ID, "k1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.NotContains(t, string(env.Data), created.Secret)

	w, _ = f.do(t, http.MethodGet, "/api/v1/webhooks/"+created.ID, "k2", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w, env = f.do(t, http.MethodGet, "/api/v1/webhooks", "k2", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var list []interface{}
	require.NoError(t, json.Unmarshal(env.Data, &list))
	assert.Empty(t, list)
}

func TestRouter_RejectsInvalidBodies(t *testing.T) {
	f := newFixture(t, nil, nil)
	defer f.stop()

	w, env := f.do(t, http.MethodPost, "/api/v1/webhooks", "", map[string]interface{}{
		"url":    "not a url",
		"events": []string{"lead.created"},
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	require.NotNil(t, env.Error)
	assert.False(t, env.Success)

	w, _ = f.do(t, http.MethodGet, "/api/v1/webhooks/not-a-uuid", "", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w, _ = f.do(t, http.MethodPost, "/api/v1/events", "", map[string]interface{}{
		"event": "*",
		"data":  map[string]string{"a": "b"},
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestRouter_GateStatsAndReset(t *testing.T) {
	f := newFixture(t, nil, nil)
	defer f.stop()

	w, env := f.do(t, http.MethodGet, "/api/v1/gate/stats", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var stats gate.Stats
	require.NoError(t, json.Unmarshal(env.Data, &stats))
	assert.Equal(t, 30, stats.MessagesPerMinute)

	w, _ = f.do(t, http.MethodPost, "/api/v1/gate/reset", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}
