package events

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jwalitptl/crm-outbound/internal/model"
	"github.com/jwalitptl/crm-outbound/pkg/logger"
	"github.com/jwalitptl/crm-outbound/pkg/metrics"
)

// memBroker delivers published messages to subscribers in-process.
type memBroker struct {
	mu   sync.Mutex
	subs map[string]chan []byte
}

func newMemBroker() *memBroker {
	return &memBroker{subs: make(map[string]chan []byte)}
}

func (b *memBroker) Publish(_ context.Context, channel string, message interface{}) error {
	body, err := json.Marshal(message)
	if err != nil {
		return err
	}
	b.mu.Lock()
	ch := b.subs[channel]
	b.mu.Unlock()
	if ch != nil {
		ch <- body
	}
	return nil
}

func (b *memBroker) Subscribe(ctx context.Context, channel string) (<-chan []byte, error) {
	ch := make(chan []byte, 8)
	b.mu.Lock()
	b.subs[channel] = ch
	b.mu.Unlock()
	go func() {
		<-ctx.Done()
		b.mu.Lock()
		delete(b.subs, channel)
		b.mu.Unlock()
		close(ch)
	}()
	return ch, nil
}

func (b *memBroker) Close() error { return nil }

type call struct {
	kind     string
	leadID   uuid.UUID
	products []string
}

type fakeAutomations struct {
	mu    sync.Mutex
	calls []call
	err   error
}

func (f *fakeAutomations) record(c call) (*model.Automation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, c)
	if f.err != nil {
		return nil, f.err
	}
	return &model.Automation{Base: model.Base{ID: uuid.New()}, LeadID: c.leadID, Priority: 2, TotalMessages: 3}, nil
}

func (f *fakeAutomations) OnLeadCaptured(_ context.Context, leadID uuid.UUID) (*model.Automation, error) {
	return f.record(call{kind: "captured", leadID: leadID})
}

func (f *fakeAutomations) OnProductInterest(_ context.Context, leadID uuid.UUID, products []string) (*model.Automation, error) {
	return f.record(call{kind: "interest", leadID: leadID, products: products})
}

func (f *fakeAutomations) Calls() []call {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]call(nil), f.calls...)
}

type triggered struct {
	event    string
	data     interface{}
	metadata map[string]interface{}
}

type fakeTrigger struct {
	mu     sync.Mutex
	events []triggered
}

func (f *fakeTrigger) TriggerEvent(_ context.Context, event string, data interface{}, metadata map[string]interface{}) ([]*model.WebhookDelivery, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, triggered{event: event, data: data, metadata: metadata})
	return nil, nil
}

func (f *fakeTrigger) Events() []triggered {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]triggered(nil), f.events...)
}

func TestConsumer_RoutesChannels(t *testing.T) {
	broker := newMemBroker()
	autos := &fakeAutomations{}
	trig := &fakeTrigger{}
	c := NewConsumer(broker, Channels{}, autos, trig, logger.Nop(), metrics.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, c.Start(ctx))

	lead := uuid.New()
	require.NoError(t, broker.Publish(ctx, ChannelLeadCaptured, LeadCaptured{LeadID: lead}))
	require.NoError(t, broker.Publish(ctx, ChannelProductInterest, ProductInterest{LeadID: lead, Products: []string{"Battery"}}))
	require.NoError(t, broker.Publish(ctx, ChannelBusinessEvents, map[string]interface{}{
		"type":    "lead.created",
		"payload": map[string]string{"name": "Ana"},
	}))

	require.Eventually(t, func() bool {
		return len(autos.Calls()) == 2 && len(trig.Events()) == 3
	}, time.Second, 5*time.Millisecond)

	cancel()
	c.Wait()

	calls := autos.Calls()
	assert.ElementsMatch(t, []call{
		{kind: "captured", leadID: lead},
		{kind: "interest", leadID: lead, products: []string{"Battery"}},
	}, calls)

	var names []string
	for _, e := range trig.Events() {
		names = append(names, e.event)
	}
	assert.ElementsMatch(t, []string{EventAutomationCreated, EventAutomationCreated, "lead.created"}, names)
}

func TestConsumer_RejectsBadPayloads(t *testing.T) {
	autos := &fakeAutomations{}
	trig := &fakeTrigger{}
	c := NewConsumer(newMemBroker(), DefaultChannels(), autos, trig, logger.Nop(), metrics.NewNop())
	ctx := context.Background()

	assert.Error(t, c.handleLeadCaptured(ctx, []byte(`{`)))
	assert.Error(t, c.handleLeadCaptured(ctx, []byte(`{}`)))
	assert.Error(t, c.handleProductInterest(ctx, []byte(`{"products":["x"]}`)))
	assert.Error(t, c.handleBusinessEvent(ctx, []byte(`{"payload":{}}`)))
	assert.Empty(t, autos.Calls())
	assert.Empty(t, trig.Events())
}

func TestConsumer_ServiceErrorSkipsAnnouncement(t *testing.T) {
	autos := &fakeAutomations{err: errors.New("lead not found")}
	trig := &fakeTrigger{}
	c := NewConsumer(newMemBroker(), DefaultChannels(), autos, trig, logger.Nop(), metrics.NewNop())

	body, err := json.Marshal(LeadCaptured{LeadID: uuid.New()})
	require.NoError(t, err)
	assert.Error(t, c.handleLeadCaptured(context.Background(), body))
	assert.Empty(t, trig.Events())
}

func TestConsumer_ForwardsBusinessPayloadVerbatim(t *testing.T) {
	trig := &fakeTrigger{}
	c := NewConsumer(newMemBroker(), DefaultChannels(), &fakeAutomations{}, trig, logger.Nop(), metrics.NewNop())

	require.NoError(t, c.handleBusinessEvent(context.Background(), []byte(`{"type":"deal.won","payload":{"amount":"120.00","id":7}}`)))
	require.NoError(t, c.handleBusinessEvent(context.Background(), []byte(`{"type":"ping"}`)))

	got := trig.Events()
	require.Len(t, got, 2)
	body, err := json.Marshal(got[0].data)
	require.NoError(t, err)
	assert.JSONEq(t, `{"amount":"120.00","id":7}`, string(body))
	assert.Equal(t, ChannelBusinessEvents, got[0].metadata["source"])
	assert.Nil(t, got[1].data)
}
