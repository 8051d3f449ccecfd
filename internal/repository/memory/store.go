// Package memory is an in-process record store for development and tests.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jwalitptl/crm-outbound/internal/model"
	"github.com/jwalitptl/crm-outbound/internal/repository"
)

type msgKey struct {
	automationID uuid.UUID
	ordinal      int
}

// Store holds every entity behind one mutex. Values are copied on the way in
// and out so callers never share state with the store.
type Store struct {
	mu          sync.RWMutex
	now         func() time.Time
	automations map[uuid.UUID]*model.Automation
	messages    map[msgKey]*model.AutomationMessage
	leads       map[uuid.UUID]*model.Lead
	products    map[uuid.UUID]*model.Product
	templates   map[uuid.UUID]*model.MessageTemplate
	webhooks    map[uuid.UUID]*model.Webhook
	deliveries  map[uuid.UUID]*model.WebhookDelivery
}

func NewStore(now func() time.Time) *Store {
	if now == nil {
		now = time.Now
	}
	return &Store{
		now:         now,
		automations: make(map[uuid.UUID]*model.Automation),
		messages:    make(map[msgKey]*model.AutomationMessage),
		leads:       make(map[uuid.UUID]*model.Lead),
		products:    make(map[uuid.UUID]*model.Product),
		templates:   make(map[uuid.UUID]*model.MessageTemplate),
		webhooks:    make(map[uuid.UUID]*model.Webhook),
		deliveries:  make(map[uuid.UUID]*model.WebhookDelivery),
	}
}

func (s *Store) Automations() repository.AutomationRepository { return (*automationRepo)(s) }
func (s *Store) Leads() repository.LeadRepository             { return (*leadRepo)(s) }
func (s *Store) Catalog() repository.CatalogRepository        { return (*catalogRepo)(s) }
func (s *Store) Templates() repository.TemplateRepository     { return (*templateRepo)(s) }
func (s *Store) Webhooks() repository.WebhookRepository       { return (*webhookRepo)(s) }
func (s *Store) Deliveries() repository.DeliveryRepository    { return (*deliveryRepo)(s) }

func (s *Store) touch(b *model.Base) {
	now := s.now()
	if b.ID == uuid.Nil {
		b.ID = uuid.New()
	}
	if b.CreatedAt.IsZero() {
		b.CreatedAt = now
	}
	b.UpdatedAt = now
}

func page[T any](items []T, limit, offset int) []T {
	if offset > 0 {
		if offset >= len(items) {
			return nil
		}
		items = items[offset:]
	}
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

func copyString(p *string) *string {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

// automations

type automationRepo Store

func cloneAutomation(a *model.Automation) *model.Automation {
	c := *a
	c.Messages = append(model.SpecList(nil), a.Messages...)
	c.ScheduledFor = copyTime(a.ScheduledFor)
	c.StartedAt = copyTime(a.StartedAt)
	c.CompletedAt = copyTime(a.CompletedAt)
	c.Error = copyString(a.Error)
	return &c
}

func (r *automationRepo) Create(ctx context.Context, a *model.Automation) error {
	s := (*Store)(r)
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.automations[a.ID]; ok {
		return repository.ErrAlreadyExists
	}
	s.touch(&a.Base)
	s.automations[a.ID] = cloneAutomation(a)
	return nil
}

func (r *automationRepo) Get(ctx context.Context, id uuid.UUID) (*model.Automation, error) {
	s := (*Store)(r)
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.automations[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return cloneAutomation(a), nil
}

func (r *automationRepo) Update(ctx context.Context, a *model.Automation) error {
	return r.CompareAndUpdate(ctx, a)
}

func (r *automationRepo) CompareAndUpdate(ctx context.Context, a *model.Automation, expected ...model.AutomationStatus) error {
	s := (*Store)(r)
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.automations[a.ID]
	if !ok {
		return repository.ErrNotFound
	}
	if len(expected) > 0 && !containsStatus(expected, cur.Status) {
		return repository.ErrStatusConflict
	}
	a.UpdatedAt = s.now()
	a.CreatedAt = cur.CreatedAt
	a.SentMessages = cur.SentMessages
	s.automations[a.ID] = cloneAutomation(a)
	return nil
}

func containsStatus[T comparable](set []T, v T) bool {
	for _, s := range set {
		if s == v {
			return true
		}
	}
	return false
}

func (r *automationRepo) filtered(f repository.AutomationFilter) []*model.Automation {
	var out []*model.Automation
	for _, a := range r.automations {
		if len(f.Statuses) > 0 && !containsStatus(f.Statuses, a.Status) {
			continue
		}
		if f.LeadID != nil && a.LeadID != *f.LeadID {
			continue
		}
		if f.StartedBefore != nil && (a.StartedAt == nil || !a.StartedAt.Before(*f.StartedBefore)) {
			continue
		}
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}

func (r *automationRepo) List(ctx context.Context, f repository.AutomationFilter) ([]*model.Automation, error) {
	s := (*Store)(r)
	s.mu.RLock()
	defer s.mu.RUnlock()

	items := page(r.filtered(f), f.Limit, f.Offset)
	out := make([]*model.Automation, 0, len(items))
	for _, a := range items {
		out = append(out, cloneAutomation(a))
	}
	return out, nil
}

func (r *automationRepo) Count(ctx context.Context, f repository.AutomationFilter) (int, error) {
	s := (*Store)(r)
	s.mu.RLock()
	defer s.mu.RUnlock()

	return len(r.filtered(f)), nil
}

func (r *automationRepo) RecordMessage(ctx context.Context, m *model.AutomationMessage) error {
	s := (*Store)(r)
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.automations[m.AutomationID]
	if !ok {
		return repository.ErrNotFound
	}

	key := msgKey{automationID: m.AutomationID, ordinal: m.Ordinal}
	prev, exists := s.messages[key]
	if exists {
		m.ID = prev.ID
		m.CreatedAt = prev.CreatedAt
	}
	s.touch(&m.Base)

	if m.Status == model.MessageStatusSent && (!exists || prev.Status != model.MessageStatusSent) {
		a.SentMessages++
		a.UpdatedAt = m.UpdatedAt
	}
	c := *m
	c.ProviderMessageID = copyString(m.ProviderMessageID)
	c.SentAt = copyTime(m.SentAt)
	c.Error = copyString(m.Error)
	s.messages[key] = &c
	return nil
}

func (r *automationRepo) ListMessages(ctx context.Context, automationID uuid.UUID) ([]*model.AutomationMessage, error) {
	s := (*Store)(r)
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*model.AutomationMessage
	for k, m := range s.messages {
		if k.automationID == automationID {
			c := *m
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Ordinal < out[j].Ordinal })
	return out, nil
}

// leads

type leadRepo Store

func (r *leadRepo) Get(ctx context.Context, id uuid.UUID) (*model.Lead, error) {
	s := (*Store)(r)
	s.mu.RLock()
	defer s.mu.RUnlock()

	l, ok := s.leads[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	c := *l
	c.InterestedProducts = append(model.StringList(nil), l.InterestedProducts...)
	return &c, nil
}

func (r *leadRepo) Upsert(ctx context.Context, lead *model.Lead) error {
	s := (*Store)(r)
	s.mu.Lock()
	defer s.mu.Unlock()

	s.touch(&lead.Base)
	c := *lead
	c.InterestedProducts = append(model.StringList(nil), lead.InterestedProducts...)
	s.leads[lead.ID] = &c
	return nil
}

// catalog

type catalogRepo Store

func (r *catalogRepo) ListProducts(ctx context.Context) ([]*model.Product, error) {
	s := (*Store)(r)
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*model.Product, 0, len(s.products))
	for _, p := range s.products {
		c := *p
		out = append(out, &c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (r *catalogRepo) GetProduct(ctx context.Context, id uuid.UUID) (*model.Product, error) {
	s := (*Store)(r)
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.products[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	c := *p
	return &c, nil
}

func (r *catalogRepo) UpsertProduct(ctx context.Context, p *model.Product) error {
	s := (*Store)(r)
	s.mu.Lock()
	defer s.mu.Unlock()

	s.touch(&p.Base)
	c := *p
	s.products[p.ID] = &c
	return nil
}

// templates

type templateRepo Store

func (r *templateRepo) Get(ctx context.Context, id uuid.UUID) (*model.MessageTemplate, error) {
	s := (*Store)(r)
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.templates[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	c := *t
	return &c, nil
}

func (r *templateRepo) FindActiveByTrigger(ctx context.Context, trigger model.Trigger) (*model.MessageTemplate, error) {
	s := (*Store)(r)
	s.mu.RLock()
	defer s.mu.RUnlock()

	var best *model.MessageTemplate
	for _, t := range s.templates {
		if !t.Active || t.Trigger != trigger {
			continue
		}
		if best == nil || t.CreatedAt.After(best.CreatedAt) {
			best = t
		}
	}
	if best == nil {
		return nil, repository.ErrNotFound
	}
	c := *best
	return &c, nil
}

func (r *templateRepo) Upsert(ctx context.Context, t *model.MessageTemplate) error {
	s := (*Store)(r)
	s.mu.Lock()
	defer s.mu.Unlock()

	s.touch(&t.Base)
	c := *t
	s.templates[t.ID] = &c
	return nil
}

// webhooks

type webhookRepo Store

func cloneWebhook(w *model.Webhook) *model.Webhook {
	c := *w
	c.Events = append(model.StringList(nil), w.Events...)
	c.LastTriggeredAt = copyTime(w.LastTriggeredAt)
	return &c
}

func (r *webhookRepo) Create(ctx context.Context, w *model.Webhook) error {
	s := (*Store)(r)
	s.mu.Lock()
	defer s.mu.Unlock()

	s.touch(&w.Base)
	s.webhooks[w.ID] = cloneWebhook(w)
	return nil
}

func (r *webhookRepo) Get(ctx context.Context, id uuid.UUID) (*model.Webhook, error) {
	s := (*Store)(r)
	s.mu.RLock()
	defer s.mu.RUnlock()

	w, ok := s.webhooks[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return cloneWebhook(w), nil
}

func (r *webhookRepo) Update(ctx context.Context, w *model.Webhook) error {
	s := (*Store)(r)
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.webhooks[w.ID]
	if !ok {
		return repository.ErrNotFound
	}
	next := cloneWebhook(cur)
	next.URL = w.URL
	next.Events = append(model.StringList(nil), w.Events...)
	next.MaxRetries = w.MaxRetries
	next.RetryDelayMs = w.RetryDelayMs
	next.UpdatedAt = s.now()
	s.webhooks[w.ID] = next
	*w = *cloneWebhook(next)
	return nil
}

func (r *webhookRepo) SetStatus(ctx context.Context, id uuid.UUID, status model.WebhookStatus, resetFailures bool) (*model.Webhook, error) {
	s := (*Store)(r)
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.webhooks[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	next := cloneWebhook(cur)
	next.Status = status
	if resetFailures {
		next.ConsecutiveFailures = 0
	}
	next.UpdatedAt = s.now()
	s.webhooks[id] = next
	return cloneWebhook(next), nil
}

func (r *webhookRepo) Delete(ctx context.Context, id uuid.UUID) error {
	s := (*Store)(r)
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.webhooks[id]; !ok {
		return repository.ErrNotFound
	}
	delete(s.webhooks, id)
	for did, d := range s.deliveries {
		if d.WebhookID == id {
			delete(s.deliveries, did)
		}
	}
	return nil
}

func (r *webhookRepo) List(ctx context.Context, f repository.WebhookFilter) ([]*model.Webhook, error) {
	s := (*Store)(r)
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*model.Webhook
	for _, w := range s.webhooks {
		if f.OwnerID != "" && w.OwnerID != f.OwnerID {
			continue
		}
		if len(f.Statuses) > 0 && !containsStatus(f.Statuses, w.Status) {
			continue
		}
		out = append(out, cloneWebhook(w))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (r *webhookRepo) RecordResult(ctx context.Context, id uuid.UUID, res repository.WebhookResult) (*model.Webhook, bool, error) {
	s := (*Store)(r)
	s.mu.Lock()
	defer s.mu.Unlock()

	w, ok := s.webhooks[id]
	if !ok {
		return nil, false, repository.ErrNotFound
	}
	tripped := repository.ApplyWebhookResult(w, res)
	w.UpdatedAt = s.now()
	return cloneWebhook(w), tripped, nil
}

// deliveries

type deliveryRepo Store

func cloneDelivery(d *model.WebhookDelivery) *model.WebhookDelivery {
	c := *d
	c.Payload = append([]byte(nil), d.Payload...)
	if d.LastStatusCode != nil {
		v := *d.LastStatusCode
		c.LastStatusCode = &v
	}
	if d.ResponseTimeMs != nil {
		v := *d.ResponseTimeMs
		c.ResponseTimeMs = &v
	}
	c.LastError = copyString(d.LastError)
	c.NextAttemptAt = copyTime(d.NextAttemptAt)
	c.CompletedAt = copyTime(d.CompletedAt)
	return &c
}

func (r *deliveryRepo) Create(ctx context.Context, d *model.WebhookDelivery) error {
	s := (*Store)(r)
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.webhooks[d.WebhookID]; !ok {
		return repository.ErrNotFound
	}
	s.touch(&d.Base)
	s.deliveries[d.ID] = cloneDelivery(d)
	return nil
}

func (r *deliveryRepo) Get(ctx context.Context, id uuid.UUID) (*model.WebhookDelivery, error) {
	s := (*Store)(r)
	s.mu.RLock()
	defer s.mu.RUnlock()

	d, ok := s.deliveries[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return cloneDelivery(d), nil
}

func (r *deliveryRepo) Update(ctx context.Context, d *model.WebhookDelivery) error {
	s := (*Store)(r)
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.deliveries[d.ID]
	if !ok {
		return repository.ErrNotFound
	}
	d.CreatedAt = cur.CreatedAt
	d.UpdatedAt = s.now()
	s.deliveries[d.ID] = cloneDelivery(d)
	return nil
}

func (r *deliveryRepo) filtered(f repository.DeliveryFilter) []*model.WebhookDelivery {
	var out []*model.WebhookDelivery
	for _, d := range r.deliveries {
		if f.WebhookID != nil && d.WebhookID != *f.WebhookID {
			continue
		}
		if len(f.Statuses) > 0 && !containsStatus(f.Statuses, d.Status) {
			continue
		}
		if f.Event != "" && d.Event != f.Event {
			continue
		}
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}

func (r *deliveryRepo) List(ctx context.Context, f repository.DeliveryFilter) ([]*model.WebhookDelivery, error) {
	s := (*Store)(r)
	s.mu.RLock()
	defer s.mu.RUnlock()

	items := page(r.filtered(f), f.Limit, f.Offset)
	out := make([]*model.WebhookDelivery, 0, len(items))
	for _, d := range items {
		out = append(out, cloneDelivery(d))
	}
	return out, nil
}

func (r *deliveryRepo) Count(ctx context.Context, f repository.DeliveryFilter) (int, error) {
	s := (*Store)(r)
	s.mu.RLock()
	defer s.mu.RUnlock()

	return len(r.filtered(f)), nil
}

func (r *deliveryRepo) ListDue(ctx context.Context, now, staleBefore time.Time, limit int) ([]*model.WebhookDelivery, error) {
	s := (*Store)(r)
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*model.WebhookDelivery
	for _, d := range s.deliveries {
		switch d.Status {
		case model.DeliveryStatusRetrying:
			if d.NextAttemptAt != nil && d.NextAttemptAt.After(now) {
				continue
			}
		case model.DeliveryStatusPending:
			if d.UpdatedAt.After(staleBefore) {
				continue
			}
		default:
			continue
		}
		out = append(out, cloneDelivery(d))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return page(out, limit, 0), nil
}

func (r *deliveryRepo) CountsByWebhook(ctx context.Context, webhookID uuid.UUID) (repository.DeliveryCounts, error) {
	s := (*Store)(r)
	s.mu.RLock()
	defer s.mu.RUnlock()

	var counts repository.DeliveryCounts
	var totalMs int64
	var timed int
	for _, d := range s.deliveries {
		if d.WebhookID != webhookID {
			continue
		}
		counts.Total++
		switch d.Status {
		case model.DeliveryStatusPending:
			counts.Pending++
		case model.DeliveryStatusRetrying:
			counts.Retrying++
		case model.DeliveryStatusSuccess:
			counts.Succeeded++
		case model.DeliveryStatusFailed:
			counts.Failed++
		}
		if d.ResponseTimeMs != nil {
			totalMs += *d.ResponseTimeMs
			timed++
		}
	}
	if timed > 0 {
		counts.AvgResponseTimeMs = float64(totalMs) / float64(timed)
	}
	return counts, nil
}

func (r *deliveryRepo) DeleteCompletedBefore(ctx context.Context, before time.Time) (int64, error) {
	s := (*Store)(r)
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for id, d := range s.deliveries {
		if d.Status.IsTerminal() && d.CompletedAt != nil && d.CompletedAt.Before(before) {
			delete(s.deliveries, id)
			n++
		}
	}
	return n, nil
}
