// Package automation runs outbound message sequences toward leads.
package automation

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/jwalitptl/crm-outbound/internal/model"
	"github.com/jwalitptl/crm-outbound/internal/repository"
	"github.com/jwalitptl/crm-outbound/pkg/clock"
	apperrors "github.com/jwalitptl/crm-outbound/pkg/errors"
	"github.com/jwalitptl/crm-outbound/pkg/logger"
)

// ErrNoMessages is returned when a domain event resolves to nothing to send.
var ErrNoMessages = errors.New("nothing to send")

const recoverBatch = 500

type Service interface {
	// OnLeadCaptured creates and enqueues the automation for a captured lead.
	OnLeadCaptured(ctx context.Context, leadID uuid.UUID) (*model.Automation, error)
	// OnProductInterest creates a product automation, or a generic one when
	// no product validates.
	OnProductInterest(ctx context.Context, leadID uuid.UUID, products []string) (*model.Automation, error)
	Retry(ctx context.Context, id uuid.UUID) (*model.Automation, error)
	Get(ctx context.Context, id uuid.UUID) (*model.Automation, error)
	List(ctx context.Context, f repository.AutomationFilter) ([]*model.Automation, int, error)
	Messages(ctx context.Context, id uuid.UUID) ([]*model.AutomationMessage, error)
	QueueStats() QueueStats
	// RecoverPending re-enqueues PENDING automations the scheduler does not
	// track and resolves stuck ones.
	RecoverPending(ctx context.Context) (int, error)
	Stop()
}

type service struct {
	automations repository.AutomationRepository
	leads       repository.LeadRepository
	catalog     repository.CatalogRepository
	templates   repository.TemplateRepository
	dispatcher  *Dispatcher
	scheduler   *Scheduler
	clock       clock.Clock
	log         *logger.Logger
}

func NewService(
	automations repository.AutomationRepository,
	leads repository.LeadRepository,
	catalog repository.CatalogRepository,
	templates repository.TemplateRepository,
	dispatcher *Dispatcher,
	scheduler *Scheduler,
	clk clock.Clock,
	log *logger.Logger,
) Service {
	return &service{
		automations: automations,
		leads:       leads,
		catalog:     catalog,
		templates:   templates,
		dispatcher:  dispatcher,
		scheduler:   scheduler,
		clock:       clk,
		log:         log,
	}
}

func (s *service) OnLeadCaptured(ctx context.Context, leadID uuid.UUID) (*model.Automation, error) {
	lead, err := s.loadLead(ctx, leadID)
	if err != nil {
		return nil, err
	}

	if lead.CaptureCount > 1 {
		spec, err := s.triggerSpec(ctx, model.TriggerRecurrence)
		if err != nil {
			return nil, err
		}
		return s.create(ctx, lead, model.SpecList{spec}, RecurrencePriority(lead.CaptureCount))
	}

	specs, err := s.productSpecs(ctx, lead.InterestedProducts)
	if err != nil {
		return nil, err
	}
	if len(specs) > 0 {
		return s.create(ctx, lead, specs, PriorityProduct)
	}
	return s.generic(ctx, lead)
}

func (s *service) OnProductInterest(ctx context.Context, leadID uuid.UUID, products []string) (*model.Automation, error) {
	lead, err := s.loadLead(ctx, leadID)
	if err != nil {
		return nil, err
	}

	specs, err := s.productSpecs(ctx, products)
	if err != nil {
		return nil, err
	}
	if len(specs) == 0 {
		s.log.Info("no product validated, redirecting to generic template", "lead_id", lead.ID, "products", products)
		return s.generic(ctx, lead)
	}

	changed := false
	for _, name := range specs.Products() {
		if !lead.InterestedProducts.Contains(name) {
			lead.InterestedProducts = append(lead.InterestedProducts, name)
			changed = true
		}
	}
	if changed {
		if err := s.leads.Upsert(ctx, lead); err != nil {
			return nil, fmt.Errorf("failed to update lead interests: %w", err)
		}
	}
	return s.create(ctx, lead, specs, PriorityProduct)
}

func (s *service) generic(ctx context.Context, lead *model.Lead) (*model.Automation, error) {
	spec, err := s.triggerSpec(ctx, GenericTrigger(lead))
	if err != nil {
		return nil, err
	}
	return s.create(ctx, lead, model.SpecList{spec}, PriorityGeneric)
}

// triggerSpec references the stored template for trigger when one is
// active, else the built-in fallback.
func (s *service) triggerSpec(ctx context.Context, trigger model.Trigger) (model.MessageSpec, error) {
	t, err := s.templates.FindActiveByTrigger(ctx, trigger)
	switch {
	case err == nil:
		return model.TemplateSpec(t.ID, t.Name), nil
	case errors.Is(err, repository.ErrNotFound):
		return model.FallbackSpec(trigger), nil
	default:
		return model.MessageSpec{}, fmt.Errorf("failed to find %s template: %w", trigger, err)
	}
}

// productSpecs validates free-text names or ids against the catalog and
// returns canonical product specs.
func (s *service) productSpecs(ctx context.Context, queries []string) (model.SpecList, error) {
	if len(queries) == 0 {
		return nil, nil
	}
	catalog, err := s.catalog.ListProducts(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load catalog: %w", err)
	}

	matched, rejected := MatchProducts(queries, catalog)
	if len(rejected) > 0 {
		s.log.Debug("products rejected", "queries", rejected)
	}
	specs := make(model.SpecList, 0, len(matched))
	for _, m := range matched {
		s.log.Debug("product matched", "query", m.Query, "product", m.Product.Name, "confidence", m.Confidence)
		specs = append(specs, model.ProductSpec(m.Product.Name))
	}
	return specs, nil
}

func (s *service) create(ctx context.Context, lead *model.Lead, specs model.SpecList, priority int) (*model.Automation, error) {
	a := &model.Automation{
		Base:     model.Base{ID: uuid.New()},
		LeadID:   lead.ID,
		Status:   model.AutomationStatusPending,
		Messages: specs,
		Priority: priority,
	}

	msgs, err := s.dispatcher.Resolve(ctx, a, lead)
	if err != nil {
		if errors.Is(err, ErrDataMissing) {
			return nil, apperrors.BadRequest("automation cannot be resolved", err)
		}
		return nil, fmt.Errorf("failed to resolve messages: %w", err)
	}
	if len(msgs) == 0 {
		return nil, apperrors.BadRequest("automation has no messages", ErrNoMessages)
	}
	a.TotalMessages = len(msgs)

	if err := s.automations.Create(ctx, a); err != nil {
		return nil, fmt.Errorf("failed to create automation: %w", err)
	}
	s.scheduler.Enqueue(a.ID, a.Priority)

	s.log.Info("automation created",
		"automation_id", a.ID, "lead_id", lead.ID, "priority", priority, "messages", a.TotalMessages)
	return a, nil
}

// Retry puts a FAILED or PENDING automation back in the queue now.
func (s *service) Retry(ctx context.Context, id uuid.UUID) (*model.Automation, error) {
	a, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if a.Status != model.AutomationStatusFailed && a.Status != model.AutomationStatusPending {
		return nil, apperrors.Conflict(fmt.Sprintf("automation is %s", a.Status), repository.ErrStatusConflict)
	}

	prev := a.Status
	a.SetStatus(model.AutomationStatusPending, s.clock.Now())
	a.ClearError()
	a.ScheduledFor = nil
	if err := s.automations.CompareAndUpdate(ctx, a, prev); err != nil {
		if errors.Is(err, repository.ErrStatusConflict) {
			return nil, apperrors.Conflict("automation changed concurrently", err)
		}
		return nil, fmt.Errorf("failed to reset automation: %w", err)
	}

	s.scheduler.Enqueue(a.ID, a.Priority)
	s.log.Info("automation retry requested", "automation_id", a.ID, "previous_status", prev)
	return a, nil
}

func (s *service) Get(ctx context.Context, id uuid.UUID) (*model.Automation, error) {
	a, err := s.automations.Get(ctx, id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, apperrors.NotFound("automation", err)
		}
		return nil, fmt.Errorf("failed to get automation: %w", err)
	}
	return a, nil
}

func (s *service) List(ctx context.Context, f repository.AutomationFilter) ([]*model.Automation, int, error) {
	items, err := s.automations.List(ctx, f)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list automations: %w", err)
	}
	total, err := s.automations.Count(ctx, f)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to count automations: %w", err)
	}
	return items, total, nil
}

func (s *service) Messages(ctx context.Context, id uuid.UUID) ([]*model.AutomationMessage, error) {
	if _, err := s.Get(ctx, id); err != nil {
		return nil, err
	}
	msgs, err := s.automations.ListMessages(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}
	return msgs, nil
}

func (s *service) QueueStats() QueueStats {
	return s.scheduler.Stats()
}

func (s *service) RecoverPending(ctx context.Context) (int, error) {
	if _, err := s.scheduler.RecoverStuck(ctx); err != nil {
		return 0, err
	}

	pending, err := s.automations.List(ctx, repository.AutomationFilter{
		Statuses: []model.AutomationStatus{model.AutomationStatusPending},
		Limit:    recoverBatch,
	})
	if err != nil {
		return 0, fmt.Errorf("failed to list pending automations: %w", err)
	}

	n := 0
	for _, a := range pending {
		if s.scheduler.Tracked(a.ID) {
			continue
		}
		s.scheduler.Enqueue(a.ID, a.Priority)
		n++
	}
	if n > 0 {
		s.log.Info("pending automations re-enqueued", "count", n)
	}
	return n, nil
}

func (s *service) Stop() {
	s.scheduler.Stop()
}

func (s *service) loadLead(ctx context.Context, id uuid.UUID) (*model.Lead, error) {
	lead, err := s.leads.Get(ctx, id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, apperrors.NotFound("lead", err)
		}
		return nil, fmt.Errorf("failed to get lead: %w", err)
	}
	return lead, nil
}
