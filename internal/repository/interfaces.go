package repository

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/jwalitptl/crm-outbound/internal/model"
)

var (
	ErrNotFound       = errors.New("record not found")
	ErrAlreadyExists  = errors.New("record already exists")
	ErrStatusConflict = errors.New("record status changed concurrently")
)

// AutomationFilter narrows List and Count. Zero values match everything.
type AutomationFilter struct {
	Statuses      []model.AutomationStatus
	LeadID        *uuid.UUID
	StartedBefore *time.Time
	Limit         int
	Offset        int
}

// DeliveryFilter narrows delivery history queries.
type DeliveryFilter struct {
	WebhookID *uuid.UUID
	Statuses  []model.DeliveryStatus
	Event     string
	Limit     int
	Offset    int
}

// WebhookFilter narrows webhook listing.
type WebhookFilter struct {
	OwnerID  string
	Statuses []model.WebhookStatus
}

// WebhookResult is one delivery attempt outcome applied to webhook counters.
type WebhookResult struct {
	Success bool
	At      time.Time
	// Threshold of consecutive failures that moves an ACTIVE webhook to FAILED.
	Threshold      int
	ResetOnSuccess bool
}

// DeliveryCounts aggregates deliveries of one webhook.
type DeliveryCounts struct {
	Total             int
	Pending           int
	Retrying          int
	Succeeded         int
	Failed            int
	AvgResponseTimeMs float64
}

// All repository interfaces in one file
type (
	// AutomationRepository stores automations and their messages.
	// Update and CompareAndUpdate never write sent_messages; only RecordMessage
	// moves that counter.
	AutomationRepository interface {
		Create(ctx context.Context, a *model.Automation) error
		Get(ctx context.Context, id uuid.UUID) (*model.Automation, error)
		Update(ctx context.Context, a *model.Automation) error
		// CompareAndUpdate writes a only if the stored status is one of
		// expected, else returns ErrStatusConflict.
		CompareAndUpdate(ctx context.Context, a *model.Automation, expected ...model.AutomationStatus) error
		List(ctx context.Context, f AutomationFilter) ([]*model.Automation, error)
		Count(ctx context.Context, f AutomationFilter) (int, error)
		// RecordMessage upserts by (automation_id, ordinal) and increments the
		// automation's sent_messages when the row first becomes SENT.
		RecordMessage(ctx context.Context, m *model.AutomationMessage) error
		ListMessages(ctx context.Context, automationID uuid.UUID) ([]*model.AutomationMessage, error)
	}

	LeadRepository interface {
		Get(ctx context.Context, id uuid.UUID) (*model.Lead, error)
		Upsert(ctx context.Context, lead *model.Lead) error
	}

	CatalogRepository interface {
		ListProducts(ctx context.Context) ([]*model.Product, error)
		GetProduct(ctx context.Context, id uuid.UUID) (*model.Product, error)
		UpsertProduct(ctx context.Context, p *model.Product) error
	}

	TemplateRepository interface {
		Get(ctx context.Context, id uuid.UUID) (*model.MessageTemplate, error)
		// FindActiveByTrigger returns the newest active template for trigger.
		FindActiveByTrigger(ctx context.Context, trigger model.Trigger) (*model.MessageTemplate, error)
		Upsert(ctx context.Context, t *model.MessageTemplate) error
	}

	// WebhookRepository.Update writes the owner-editable configuration only
	// (url, events, max_retries, retry_delay_ms). Status moves through
	// SetStatus and RecordResult, the counters through RecordResult.
	WebhookRepository interface {
		Create(ctx context.Context, w *model.Webhook) error
		Get(ctx context.Context, id uuid.UUID) (*model.Webhook, error)
		Update(ctx context.Context, w *model.Webhook) error
		// SetStatus changes the status in place, optionally clearing the
		// consecutive failure streak in the same write.
		SetStatus(ctx context.Context, id uuid.UUID, status model.WebhookStatus, resetFailures bool) (*model.Webhook, error)
		Delete(ctx context.Context, id uuid.UUID) error
		List(ctx context.Context, f WebhookFilter) ([]*model.Webhook, error)
		// RecordResult applies one attempt outcome atomically. tripped is true
		// when this call moved the webhook from ACTIVE to FAILED.
		RecordResult(ctx context.Context, id uuid.UUID, r WebhookResult) (w *model.Webhook, tripped bool, err error)
	}

	DeliveryRepository interface {
		Create(ctx context.Context, d *model.WebhookDelivery) error
		Get(ctx context.Context, id uuid.UUID) (*model.WebhookDelivery, error)
		Update(ctx context.Context, d *model.WebhookDelivery) error
		List(ctx context.Context, f DeliveryFilter) ([]*model.WebhookDelivery, error)
		Count(ctx context.Context, f DeliveryFilter) (int, error)
		// ListDue returns RETRYING deliveries due by now and PENDING ones not
		// touched since staleBefore.
		ListDue(ctx context.Context, now, staleBefore time.Time, limit int) ([]*model.WebhookDelivery, error)
		CountsByWebhook(ctx context.Context, webhookID uuid.UUID) (DeliveryCounts, error)
		DeleteCompletedBefore(ctx context.Context, before time.Time) (int64, error)
	}
)

// ApplyWebhookResult mutates w for one attempt outcome and reports whether
// it moved the webhook from ACTIVE to FAILED.
func ApplyWebhookResult(w *model.Webhook, r WebhookResult) bool {
	if r.Success {
		w.SuccessCount++
		at := r.At
		w.LastTriggeredAt = &at
		if r.ResetOnSuccess {
			w.ConsecutiveFailures = 0
		}
		return false
	}
	w.FailureCount++
	w.ConsecutiveFailures++
	if r.Threshold > 0 && w.ConsecutiveFailures >= r.Threshold && w.Status == model.WebhookStatusActive {
		w.Status = model.WebhookStatusFailed
		return true
	}
	return false
}
