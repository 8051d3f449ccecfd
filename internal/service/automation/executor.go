package automation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/jwalitptl/crm-outbound/internal/model"
	"github.com/jwalitptl/crm-outbound/internal/repository"
	"github.com/jwalitptl/crm-outbound/internal/service/gate"
	"github.com/jwalitptl/crm-outbound/pkg/clock"
	"github.com/jwalitptl/crm-outbound/pkg/logger"
	"github.com/jwalitptl/crm-outbound/pkg/metrics"
)

var (
	// ErrDataMissing marks a permanent failure caused by a missing referenced
	// record. It is never retried.
	ErrDataMissing = errors.New("referenced data missing")
	// ErrNothingDelivered means a full run sent no message. The automation
	// stays PENDING and the run is retried.
	ErrNothingDelivered = errors.New("no message delivered")
)

type Outcome string

const (
	OutcomeSent        Outcome = "sent"
	OutcomePartial     Outcome = "partial"
	OutcomeNothingSent Outcome = "nothing_sent"
	OutcomeDeferred    Outcome = "deferred"
	OutcomeSkipped     Outcome = "skipped"
	OutcomeFailed      Outcome = "failed"
	// OutcomeInterrupted means the run was cancelled mid-sequence. The row
	// stays PROCESSING for stuck recovery to resolve.
	OutcomeInterrupted Outcome = "interrupted"
)

// Result describes how one execution ended. RetryAfter is set for gate
// deferrals that carry an estimate.
type Result struct {
	Outcome    Outcome
	RetryAfter time.Duration
}

// Runner executes one automation. resume allows a FAILED automation to run
// again on a scheduler retry.
type Runner interface {
	Execute(ctx context.Context, id uuid.UUID, resume bool) (Result, error)
}

// Executor drives one automation through the state machine.
type Executor struct {
	automations repository.AutomationRepository
	leads       repository.LeadRepository
	dispatcher  *Dispatcher
	gate        gate.Gate
	clock       clock.Clock
	cfg         Config
	log         *logger.Logger
	metrics     *metrics.Metrics
}

func NewExecutor(
	automations repository.AutomationRepository,
	leads repository.LeadRepository,
	dispatcher *Dispatcher,
	g gate.Gate,
	clk clock.Clock,
	cfg Config,
	log *logger.Logger,
	m *metrics.Metrics,
) *Executor {
	return &Executor{
		automations: automations,
		leads:       leads,
		dispatcher:  dispatcher,
		gate:        g,
		clock:       clk,
		cfg:         cfg.withDefaults(),
		log:         log,
		metrics:     m,
	}
}

func (e *Executor) Execute(ctx context.Context, id uuid.UUID, resume bool) (Result, error) {
	a, err := e.automations.Get(ctx, id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return Result{Outcome: OutcomeFailed}, fmt.Errorf("automation %s: %w", id, ErrDataMissing)
		}
		return Result{}, fmt.Errorf("load automation %s: %w", id, err)
	}

	switch a.Status {
	case model.AutomationStatusSent:
		return Result{Outcome: OutcomeSkipped}, nil
	case model.AutomationStatusFailed:
		if !resume {
			return Result{Outcome: OutcomeSkipped}, nil
		}
	}

	lead, err := e.leads.Get(ctx, a.LeadID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return e.fail(ctx, a, fmt.Errorf("lead %s: %w", a.LeadID, ErrDataMissing))
		}
		return Result{}, fmt.Errorf("load lead %s: %w", a.LeadID, err)
	}
	recipient := lead.Address(e.dispatcher.Channel())
	if recipient == "" {
		return e.fail(ctx, a, fmt.Errorf("lead %s has no %s address: %w", lead.ID, e.dispatcher.Channel(), ErrDataMissing))
	}

	decision, err := e.gate.CanSend(ctx, recipient, a.ID.String())
	if err != nil {
		return Result{}, fmt.Errorf("gate check: %w", err)
	}
	if !decision.Allowed {
		return e.pause(ctx, a, decision)
	}
	e.metrics.GateDecisions.WithLabelValues("allowed").Inc()

	prev := a.Status
	now := e.clock.Now()
	a.SetStatus(model.AutomationStatusProcessing, now)
	a.ClearError()
	a.StartedAt = &now
	if err := e.automations.CompareAndUpdate(ctx, a, prev); err != nil {
		if errors.Is(err, repository.ErrStatusConflict) {
			e.log.Warn("automation changed before processing", "automation_id", a.ID, "expected", prev)
			return Result{Outcome: OutcomeSkipped}, nil
		}
		return Result{}, fmt.Errorf("mark processing: %w", err)
	}

	res, err := e.dispatch(ctx, a, lead, recipient)
	if err != nil && ctx.Err() != nil {
		e.log.Warn("automation interrupted", "automation_id", a.ID, "error", err.Error())
		return Result{Outcome: OutcomeInterrupted}, err
	}
	if err != nil && !errors.Is(err, ErrNothingDelivered) {
		return e.fail(ctx, a, err)
	}
	return res, err
}

// pause returns the automation to PENDING after a gate denial. It is not a
// failure: no error is recorded and the retry count is untouched.
func (e *Executor) pause(ctx context.Context, a *model.Automation, d gate.Decision) (Result, error) {
	e.metrics.GateDecisions.WithLabelValues("denied").Inc()

	prev := a.Status
	now := e.clock.Now()
	a.SetStatus(model.AutomationStatusPending, now)
	a.ClearError()
	if d.RetryAfter > 0 {
		at := now.Add(d.RetryAfter)
		a.ScheduledFor = &at
	}
	if err := e.automations.CompareAndUpdate(ctx, a, prev); err != nil {
		if errors.Is(err, repository.ErrStatusConflict) {
			return Result{Outcome: OutcomeSkipped}, nil
		}
		return Result{}, fmt.Errorf("pause automation: %w", err)
	}

	e.log.Info("automation paused by gate", "automation_id", a.ID, "reason", d.Reason, "retry_after", d.RetryAfter)
	return Result{Outcome: OutcomeDeferred, RetryAfter: d.RetryAfter}, nil
}

func (e *Executor) dispatch(ctx context.Context, a *model.Automation, lead *model.Lead, recipient string) (Result, error) {
	msgs, err := e.dispatcher.Resolve(ctx, a, lead)
	if err != nil {
		return Result{}, err
	}
	if len(msgs) == 0 {
		return Result{}, fmt.Errorf("automation %s resolved no messages: %w", a.ID, ErrDataMissing)
	}
	if a.TotalMessages != len(msgs) {
		a.TotalMessages = len(msgs)
		if err := e.automations.CompareAndUpdate(ctx, a, model.AutomationStatusProcessing); err != nil {
			return Result{}, fmt.Errorf("update message total: %w", err)
		}
	}

	sent, err := e.sentOrdinals(ctx, a.ID)
	if err != nil {
		return Result{}, err
	}

	first := true
	lastMedia := false
	for i, m := range msgs {
		ordinal := i + 1
		if sent[ordinal] {
			continue
		}
		if !first {
			if err := e.clock.Sleep(ctx, e.gate.HumanizedDelay(lastMedia)); err != nil {
				return Result{}, err
			}
		}
		first = false
		lastMedia = m.Type.IsMedia()

		if err := e.sendOne(ctx, a, recipient, ordinal, m); err != nil {
			return Result{}, err
		}
	}

	cur, err := e.automations.Get(ctx, a.ID)
	if err != nil {
		return Result{}, fmt.Errorf("reload automation: %w", err)
	}
	return e.classify(ctx, cur)
}

func (e *Executor) sentOrdinals(ctx context.Context, id uuid.UUID) (map[int]bool, error) {
	existing, err := e.automations.ListMessages(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	sent := make(map[int]bool, len(existing))
	for _, m := range existing {
		if m.Status == model.MessageStatusSent {
			sent[m.Ordinal] = true
		}
	}
	return sent, nil
}

// sendOne records the message, sends it and records the outcome. A send
// failure is not an error here; only store failures are.
func (e *Executor) sendOne(ctx context.Context, a *model.Automation, recipient string, ordinal int, m Outbound) error {
	rec := &model.AutomationMessage{
		AutomationID: a.ID,
		Type:         m.Type,
		Content:      m.Content,
		Ordinal:      ordinal,
		Status:       model.MessageStatusPending,
	}
	if err := e.automations.RecordMessage(ctx, rec); err != nil {
		return fmt.Errorf("record message %d: %w", ordinal, err)
	}

	providerID, sendErr := e.dispatcher.Send(ctx, recipient, m)
	now := e.clock.Now()
	result := "success"
	if sendErr != nil {
		result = "failure"
		msg := sendErr.Error()
		rec.Status = model.MessageStatusFailed
		rec.Error = &msg
		e.log.Warn("message send failed", "automation_id", a.ID, "ordinal", ordinal, "type", m.Type, "error", msg)
	} else {
		rec.Status = model.MessageStatusSent
		rec.ProviderMessageID = &providerID
		rec.SentAt = &now
		rec.Error = nil
	}
	e.metrics.MessagesSent.WithLabelValues(string(m.Type), result).Inc()

	// The send already happened; record it even if ctx was cancelled meanwhile
	// so a resumed run does not send it twice.
	rctx := context.WithoutCancel(ctx)
	if err := e.gate.RecordOutcome(rctx, recipient, a.ID.String(), sendErr == nil); err != nil {
		e.log.Warn("gate outcome not recorded", "automation_id", a.ID, "error", err.Error())
	}
	if err := e.automations.RecordMessage(rctx, rec); err != nil {
		return fmt.Errorf("record message %d outcome: %w", ordinal, err)
	}
	return nil
}

// classify settles the run from the persisted sent count.
func (e *Executor) classify(ctx context.Context, a *model.Automation) (Result, error) {
	now := e.clock.Now()

	switch {
	case a.SentMessages == 0:
		a.SetStatus(model.AutomationStatusPending, now)
		if err := e.automations.CompareAndUpdate(ctx, a, model.AutomationStatusProcessing); err != nil {
			return Result{}, fmt.Errorf("reset automation: %w", err)
		}
		e.metrics.AutomationsProcessed.WithLabelValues(string(OutcomeNothingSent)).Inc()
		return Result{Outcome: OutcomeNothingSent}, fmt.Errorf("automation %s: %w", a.ID, ErrNothingDelivered)

	case a.Ratio() >= e.cfg.SuccessRatio:
		a.SetStatus(model.AutomationStatusSent, now)
		a.ClearError()
		if err := e.automations.CompareAndUpdate(ctx, a, model.AutomationStatusProcessing); err != nil {
			return Result{}, fmt.Errorf("mark sent: %w", err)
		}
		e.metrics.AutomationsProcessed.WithLabelValues(string(OutcomeSent)).Inc()
		e.log.Info("automation sent", "automation_id", a.ID, "sent", a.SentMessages, "total", a.TotalMessages)
		return Result{Outcome: OutcomeSent}, nil

	default:
		// Partial runs stay PROCESSING for the stuck scan or a manual retry.
		e.metrics.AutomationsProcessed.WithLabelValues(string(OutcomePartial)).Inc()
		e.log.Warn("automation partially sent", "automation_id", a.ID, "sent", a.SentMessages, "total", a.TotalMessages)
		return Result{Outcome: OutcomePartial}, nil
	}
}

// fail marks the automation FAILED and returns cause for the retry path.
func (e *Executor) fail(ctx context.Context, a *model.Automation, cause error) (Result, error) {
	a.SetStatus(model.AutomationStatusFailed, e.clock.Now())
	a.SetError(cause.Error())

	err := e.automations.CompareAndUpdate(context.WithoutCancel(ctx), a,
		model.AutomationStatusPending, model.AutomationStatusProcessing, model.AutomationStatusFailed)
	if err != nil {
		e.log.Error(err, "failed to persist automation failure", "automation_id", a.ID)
	}
	e.metrics.AutomationsProcessed.WithLabelValues(string(OutcomeFailed)).Inc()
	e.log.Error(cause, "automation failed", "automation_id", a.ID, "lead_id", a.LeadID)
	return Result{Outcome: OutcomeFailed}, cause
}
