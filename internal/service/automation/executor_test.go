package automation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jwalitptl/crm-outbound/internal/model"
	"github.com/jwalitptl/crm-outbound/internal/repository/memory"
	"github.com/jwalitptl/crm-outbound/internal/service/gate"
	"github.com/jwalitptl/crm-outbound/pkg/clock"
	"github.com/jwalitptl/crm-outbound/pkg/logger"
	"github.com/jwalitptl/crm-outbound/pkg/metrics"
)

var start = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

type fakeSender struct {
	mu    sync.Mutex
	fail  map[string]bool
	sent  []string
	calls int
	// afterSend runs after every successful send, outside the lock.
	afterSend func()
}

func (s *fakeSender) Channel() string { return "whatsapp" }

func (s *fakeSender) send(content string) (string, error) {
	s.mu.Lock()
	s.calls++
	if s.fail[content] {
		s.mu.Unlock()
		return "", errors.New("provider rejected " + content)
	}
	s.sent = append(s.sent, content)
	id := fmt.Sprintf("wamid.%d", s.calls)
	hook := s.afterSend
	s.mu.Unlock()

	if hook != nil {
		hook()
	}
	return id, nil
}

func (s *fakeSender) SendText(_ context.Context, _, content string) (string, error) {
	return s.send(content)
}

func (s *fakeSender) SendImage(_ context.Context, _, url string) (string, error) {
	return s.send(url)
}

func (s *fakeSender) SendVideo(_ context.Context, _, url string) (string, error) {
	return s.send(url)
}

type fakeGate struct {
	mu       sync.Mutex
	decision gate.Decision
	outcomes []bool
	delay    time.Duration
}

func (g *fakeGate) CanSend(context.Context, string, string) (gate.Decision, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.decision, nil
}

func (g *fakeGate) RecordOutcome(_ context.Context, _, _ string, success bool) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.outcomes = append(g.outcomes, success)
	return nil
}

func (g *fakeGate) HumanizedDelay(bool) time.Duration { return g.delay }
func (g *fakeGate) Stats() gate.Stats                 { return gate.Stats{} }
func (g *fakeGate) Reset(context.Context) error       { return nil }

type fixture struct {
	clk    *clock.Fake
	store  *memory.Store
	sender *fakeSender
	gate   *fakeGate
	disp   *Dispatcher
	exec   *Executor
	lead   *model.Lead
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	clk := clock.NewFake(start)
	store := memory.NewStore(clk.Now)
	snd := &fakeSender{fail: map[string]bool{}}
	g := &fakeGate{decision: gate.Decision{Allowed: true}}
	company := map[string]string{"name": "Acme Solar", "phone": "+1 555 0100"}

	disp := NewDispatcher(store.Catalog(), store.Templates(), snd, company)
	exec := NewExecutor(store.Automations(), store.Leads(), disp, g, clk, DefaultConfig(), logger.Nop(), metrics.NewNop())

	lead := &model.Lead{
		Base:         model.Base{ID: uuid.New()},
		Name:         "Maria Silva",
		Phone:        "+15550001",
		Source:       "web",
		CaptureCount: 1,
	}
	require.NoError(t, store.Leads().Upsert(context.Background(), lead))

	return &fixture{clk: clk, store: store, sender: snd, gate: g, disp: disp, exec: exec, lead: lead}
}

func (f *fixture) addProduct(t *testing.T, name string, images ...string) *model.Product {
	t.Helper()
	p := &model.Product{
		Base:        model.Base{ID: uuid.New()},
		Name:        name,
		Description: name + " description",
		Images:      images,
	}
	require.NoError(t, f.store.Catalog().UpsertProduct(context.Background(), p))
	return p
}

func (f *fixture) newAutomation(t *testing.T, specs ...model.MessageSpec) *model.Automation {
	t.Helper()
	a := &model.Automation{
		Base:     model.Base{ID: uuid.New()},
		LeadID:   f.lead.ID,
		Status:   model.AutomationStatusPending,
		Messages: specs,
		Priority: PriorityProduct,
	}
	msgs, err := f.disp.Resolve(context.Background(), a, f.lead)
	require.NoError(t, err)
	a.TotalMessages = len(msgs)
	require.NoError(t, f.store.Automations().Create(context.Background(), a))
	return a
}

func (f *fixture) reload(t *testing.T, id uuid.UUID) *model.Automation {
	t.Helper()
	a, err := f.store.Automations().Get(context.Background(), id)
	require.NoError(t, err)
	return a
}

func (f *fixture) sentRecords(t *testing.T, id uuid.UUID) int {
	t.Helper()
	msgs, err := f.store.Automations().ListMessages(context.Background(), id)
	require.NoError(t, err)
	n := 0
	for _, m := range msgs {
		if m.Status == model.MessageStatusSent {
			n++
		}
	}
	return n
}

func TestExecutor_AllMessagesSent(t *testing.T) {
	f := newFixture(t)
	f.addProduct(t, "Solar Panel")
	a := f.newAutomation(t, model.ProductSpec("Solar Panel"))
	require.Equal(t, 3, a.TotalMessages, "intro, description, closing")

	res, err := f.exec.Execute(context.Background(), a.ID, false)
	require.NoError(t, err)
	assert.Equal(t, OutcomeSent, res.Outcome)

	got := f.reload(t, a.ID)
	assert.Equal(t, model.AutomationStatusSent, got.Status)
	assert.Equal(t, 3, got.SentMessages)
	assert.Equal(t, 3, f.sentRecords(t, a.ID))
	assert.NotNil(t, got.CompletedAt)
	assert.NotNil(t, got.StartedAt)
	assert.Nil(t, got.Error)
	assert.Equal(t, []bool{true, true, true}, f.gate.outcomes)
	assert.Contains(t, f.sender.sent[0], "Maria")
}

func TestExecutor_LeniencyBoundaryIsInclusive(t *testing.T) {
	f := newFixture(t)
	f.addProduct(t, "Solar Panel", "https://cdn/1.jpg", "https://cdn/2.jpg")
	a := f.newAutomation(t, model.ProductSpec("Solar Panel"))
	require.Equal(t, 5, a.TotalMessages)
	f.sender.fail["https://cdn/2.jpg"] = true

	res, err := f.exec.Execute(context.Background(), a.ID, false)
	require.NoError(t, err)
	assert.Equal(t, OutcomeSent, res.Outcome)

	got := f.reload(t, a.ID)
	assert.Equal(t, model.AutomationStatusSent, got.Status)
	assert.Equal(t, 4, got.SentMessages)
	assert.Equal(t, 4, f.sentRecords(t, a.ID))
	assert.Equal(t, []bool{true, true, true, false, true}, f.gate.outcomes)
}

func TestExecutor_PartialStaysProcessing(t *testing.T) {
	f := newFixture(t)
	f.addProduct(t, "Solar Panel", "https://cdn/1.jpg", "https://cdn/2.jpg")
	a := f.newAutomation(t, model.ProductSpec("Solar Panel"))
	f.sender.fail["https://cdn/1.jpg"] = true
	f.sender.fail["https://cdn/2.jpg"] = true

	res, err := f.exec.Execute(context.Background(), a.ID, false)
	require.NoError(t, err)
	assert.Equal(t, OutcomePartial, res.Outcome)

	got := f.reload(t, a.ID)
	assert.Equal(t, model.AutomationStatusProcessing, got.Status)
	assert.Equal(t, 3, got.SentMessages)
	assert.Nil(t, got.CompletedAt)
}

func TestExecutor_CancelledRunStaysProcessing(t *testing.T) {
	f := newFixture(t)
	f.addProduct(t, "Solar Panel")
	a := f.newAutomation(t, model.ProductSpec("Solar Panel"))
	f.gate.delay = time.Second

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.sender.afterSend = cancel

	res, err := f.exec.Execute(ctx, a.ID, false)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, OutcomeInterrupted, res.Outcome)

	got := f.reload(t, a.ID)
	assert.Equal(t, model.AutomationStatusProcessing, got.Status)
	assert.Equal(t, 1, got.SentMessages)
	assert.Nil(t, got.CompletedAt)
	assert.Nil(t, got.Error)
	assert.Equal(t, 1, f.sentRecords(t, a.ID))

	// A resumed run picks up where the cancelled one stopped.
	f.sender.afterSend = nil
	f.gate.delay = 0
	res, err = f.exec.Execute(context.Background(), a.ID, false)
	require.NoError(t, err)
	assert.Equal(t, OutcomeSent, res.Outcome)
	assert.Equal(t, 3, f.reload(t, a.ID).SentMessages)
}

func TestExecutor_NothingDeliveredReturnsToPending(t *testing.T) {
	f := newFixture(t)
	f.addProduct(t, "Solar Panel")
	a := f.newAutomation(t, model.ProductSpec("Solar Panel"))
	msgs, err := f.disp.Resolve(context.Background(), a, f.lead)
	require.NoError(t, err)
	for _, m := range msgs {
		f.sender.fail[m.Content] = true
	}

	res, err := f.exec.Execute(context.Background(), a.ID, false)
	assert.ErrorIs(t, err, ErrNothingDelivered)
	assert.Equal(t, OutcomeNothingSent, res.Outcome)

	got := f.reload(t, a.ID)
	assert.Equal(t, model.AutomationStatusPending, got.Status)
	assert.Zero(t, got.SentMessages)
	assert.Nil(t, got.CompletedAt)
}

func TestExecutor_GateDenialPausesWithoutError(t *testing.T) {
	f := newFixture(t)
	f.addProduct(t, "Solar Panel")
	a := f.newAutomation(t, model.ProductSpec("Solar Panel"))
	a.SetError("previous failure")
	require.NoError(t, f.store.Automations().Update(context.Background(), a))
	f.gate.decision = gate.Decision{Allowed: false, Reason: gate.ReasonCooldown, RetryAfter: 120 * time.Second}

	res, err := f.exec.Execute(context.Background(), a.ID, false)
	require.NoError(t, err)
	assert.Equal(t, OutcomeDeferred, res.Outcome)
	assert.Equal(t, 120*time.Second, res.RetryAfter)

	got := f.reload(t, a.ID)
	assert.Equal(t, model.AutomationStatusPending, got.Status)
	require.NotNil(t, got.ScheduledFor)
	assert.Equal(t, start.Add(120*time.Second), *got.ScheduledFor)
	assert.Nil(t, got.Error)
	assert.Zero(t, f.sender.calls)
}

func TestExecutor_MissingLeadFailsPermanently(t *testing.T) {
	f := newFixture(t)
	f.addProduct(t, "Solar Panel")
	a := f.newAutomation(t, model.ProductSpec("Solar Panel"))
	a.LeadID = uuid.New()
	require.NoError(t, f.store.Automations().Update(context.Background(), a))

	_, err := f.exec.Execute(context.Background(), a.ID, false)
	assert.ErrorIs(t, err, ErrDataMissing)

	got := f.reload(t, a.ID)
	assert.Equal(t, model.AutomationStatusFailed, got.Status)
	require.NotNil(t, got.Error)
	assert.Contains(t, *got.Error, a.LeadID.String())
	assert.NotNil(t, got.CompletedAt)
}

func TestExecutor_ResumeSkipsSentOrdinals(t *testing.T) {
	f := newFixture(t)
	f.addProduct(t, "Solar Panel")
	a := f.newAutomation(t, model.ProductSpec("Solar Panel"))

	now := start
	pid := "wamid.earlier"
	require.NoError(t, f.store.Automations().RecordMessage(context.Background(), &model.AutomationMessage{
		AutomationID:      a.ID,
		Type:              model.MessageTypeText,
		Content:           "intro",
		Ordinal:           1,
		Status:            model.MessageStatusSent,
		ProviderMessageID: &pid,
		SentAt:            &now,
	}))

	res, err := f.exec.Execute(context.Background(), a.ID, false)
	require.NoError(t, err)
	assert.Equal(t, OutcomeSent, res.Outcome)
	assert.Equal(t, 2, f.sender.calls)

	got := f.reload(t, a.ID)
	assert.Equal(t, 3, got.SentMessages)
	assert.Equal(t, 3, f.sentRecords(t, a.ID))
}

func TestExecutor_SkipsTerminalUnlessResumed(t *testing.T) {
	f := newFixture(t)
	f.addProduct(t, "Solar Panel")
	a := f.newAutomation(t, model.ProductSpec("Solar Panel"))
	a.SetStatus(model.AutomationStatusFailed, start)
	require.NoError(t, f.store.Automations().Update(context.Background(), a))

	res, err := f.exec.Execute(context.Background(), a.ID, false)
	require.NoError(t, err)
	assert.Equal(t, OutcomeSkipped, res.Outcome)
	assert.Zero(t, f.sender.calls)

	res, err = f.exec.Execute(context.Background(), a.ID, true)
	require.NoError(t, err)
	assert.Equal(t, OutcomeSent, res.Outcome)
}

func TestDispatcher_TemplateAndFallback(t *testing.T) {
	f := newFixture(t)
	tpl := &model.MessageTemplate{
		Base:    model.Base{ID: uuid.New()},
		Name:    "welcome back",
		Trigger: model.TriggerRecurrence,
		Content: "Hello again {{lead.name}} from {{company.name}} {{unknown.key}}",
		Media:   model.MediaList{{Type: model.MessageTypeVideo, URL: "https://cdn/v.mp4"}},
		Active:  true,
	}
	require.NoError(t, f.store.Templates().Upsert(context.Background(), tpl))

	a := &model.Automation{Messages: model.SpecList{
		model.TemplateSpec(tpl.ID, tpl.Name),
		model.FallbackSpec(model.TriggerHumanContact),
	}}
	msgs, err := f.disp.Resolve(context.Background(), a, f.lead)
	require.NoError(t, err)
	require.Len(t, msgs, 3)
	assert.Equal(t, "Hello again Maria from Acme Solar {{unknown.key}}", msgs[0].Content)
	assert.Equal(t, Outbound{Type: model.MessageTypeVideo, Content: "https://cdn/v.mp4"}, msgs[1])
	assert.Contains(t, msgs[2].Content, "+1 555 0100")

	a.Messages = model.SpecList{model.TemplateSpec(uuid.New(), "gone")}
	_, err = f.disp.Resolve(context.Background(), a, f.lead)
	assert.ErrorIs(t, err, ErrDataMissing)
}
