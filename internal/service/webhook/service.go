// Package webhook manages event subscriptions and their signed deliveries.
package webhook

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/jwalitptl/crm-outbound/internal/model"
	"github.com/jwalitptl/crm-outbound/internal/repository"
	apperrors "github.com/jwalitptl/crm-outbound/pkg/errors"
	"github.com/jwalitptl/crm-outbound/pkg/logger"
	"github.com/jwalitptl/crm-outbound/pkg/security"
	"github.com/jwalitptl/crm-outbound/pkg/validator"
)

const secretBytes = 32

type CreateRequest struct {
	URL          string   `json:"url" validate:"required,http_url"`
	Events       []string `json:"events" validate:"required,min=1,dive,event_name"`
	Secret       string   `json:"secret,omitempty" validate:"omitempty,min=16"`
	MaxRetries   int      `json:"max_retries,omitempty" validate:"omitempty,min=1,max=20"`
	RetryDelayMs int64    `json:"retry_delay_ms,omitempty" validate:"omitempty,min=1000"`
}

// UpdateRequest changes only the fields that are set.
type UpdateRequest struct {
	URL          *string  `json:"url,omitempty" validate:"omitempty,http_url"`
	Events       []string `json:"events,omitempty" validate:"omitempty,min=1,dive,event_name"`
	MaxRetries   *int     `json:"max_retries,omitempty" validate:"omitempty,min=1,max=20"`
	RetryDelayMs *int64   `json:"retry_delay_ms,omitempty" validate:"omitempty,min=1000"`
}

type TriggerRequest struct {
	Event    string                 `json:"event" validate:"required,event_name,ne=*"`
	Data     interface{}            `json:"data" validate:"required"`
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

// Created is returned once on creation; it is the only time the secret is shown.
type Created struct {
	*model.Webhook
	Secret string `json:"secret"`
}

type Service interface {
	Create(ctx context.Context, ownerID string, req CreateRequest) (*Created, error)
	Get(ctx context.Context, ownerID string, id uuid.UUID) (*model.Webhook, error)
	List(ctx context.Context, ownerID string) ([]*model.Webhook, error)
	Update(ctx context.Context, ownerID string, id uuid.UUID, req UpdateRequest) (*model.Webhook, error)
	Pause(ctx context.Context, ownerID string, id uuid.UUID) (*model.Webhook, error)
	Activate(ctx context.Context, ownerID string, id uuid.UUID) (*model.Webhook, error)
	Delete(ctx context.Context, ownerID string, id uuid.UUID) error
	Deliveries(ctx context.Context, ownerID string, id uuid.UUID, f repository.DeliveryFilter) ([]*model.WebhookDelivery, int, error)
	Stats(ctx context.Context, ownerID string, id uuid.UUID) (*model.WebhookStats, error)
	Redeliver(ctx context.Context, ownerID string, deliveryID uuid.UUID) (*model.WebhookDelivery, error)
	Test(ctx context.Context, ownerID string, id uuid.UUID) (AttemptResult, error)
	Trigger(ctx context.Context, req TriggerRequest) ([]*model.WebhookDelivery, error)
}

type service struct {
	webhooks   repository.WebhookRepository
	deliveries repository.DeliveryRepository
	engine     *Engine
	validator  validator.Validator
	log        *logger.Logger
}

func NewService(
	webhooks repository.WebhookRepository,
	deliveries repository.DeliveryRepository,
	engine *Engine,
	v validator.Validator,
	log *logger.Logger,
) Service {
	return &service{
		webhooks:   webhooks,
		deliveries: deliveries,
		engine:     engine,
		validator:  v,
		log:        log,
	}
}

func (s *service) Create(ctx context.Context, ownerID string, req CreateRequest) (*Created, error) {
	if err := s.validator.Validate(req); err != nil {
		return nil, apperrors.BadRequest("invalid request", err)
	}

	secret := req.Secret
	if secret == "" {
		var err error
		if secret, err = security.GenerateSecret(secretBytes); err != nil {
			return nil, apperrors.Internal(fmt.Errorf("generate secret: %w", err))
		}
	}

	w := &model.Webhook{
		Base:         model.Base{ID: uuid.New()},
		OwnerID:      ownerID,
		URL:          req.URL,
		Secret:       secret,
		Events:       dedupe(req.Events),
		Status:       model.WebhookStatusActive,
		MaxRetries:   req.MaxRetries,
		RetryDelayMs: req.RetryDelayMs,
	}
	if w.MaxRetries == 0 {
		w.MaxRetries = s.engine.cfg.DefaultMaxRetries
	}
	if w.RetryDelayMs == 0 {
		w.RetryDelayMs = s.engine.cfg.DefaultRetryDelay.Milliseconds()
	}

	if err := s.webhooks.Create(ctx, w); err != nil {
		return nil, apperrors.Internal(fmt.Errorf("failed to create webhook: %w", err))
	}
	s.log.Info("webhook created", "webhook_id", w.ID, "owner_id", ownerID, "events", w.Events)
	return &Created{Webhook: w, Secret: secret}, nil
}

func (s *service) Get(ctx context.Context, ownerID string, id uuid.UUID) (*model.Webhook, error) {
	w, err := s.webhooks.Get(ctx, id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, apperrors.NotFound("webhook", err)
		}
		return nil, apperrors.Internal(err)
	}
	// Another owner's webhook is reported as missing.
	if ownerID != "" && w.OwnerID != ownerID {
		return nil, apperrors.NotFound("webhook", repository.ErrNotFound)
	}
	return w, nil
}

func (s *service) List(ctx context.Context, ownerID string) ([]*model.Webhook, error) {
	hooks, err := s.webhooks.List(ctx, repository.WebhookFilter{OwnerID: ownerID})
	if err != nil {
		return nil, apperrors.Internal(err)
	}
	return hooks, nil
}

func (s *service) Update(ctx context.Context, ownerID string, id uuid.UUID, req UpdateRequest) (*model.Webhook, error) {
	if err := s.validator.Validate(req); err != nil {
		return nil, apperrors.BadRequest("invalid request", err)
	}
	w, err := s.Get(ctx, ownerID, id)
	if err != nil {
		return nil, err
	}

	if req.URL != nil {
		w.URL = *req.URL
	}
	if req.Events != nil {
		w.Events = dedupe(req.Events)
	}
	if req.MaxRetries != nil {
		w.MaxRetries = *req.MaxRetries
	}
	if req.RetryDelayMs != nil {
		w.RetryDelayMs = *req.RetryDelayMs
	}
	return s.save(ctx, w)
}

func (s *service) Pause(ctx context.Context, ownerID string, id uuid.UUID) (*model.Webhook, error) {
	return s.setStatus(ctx, ownerID, id, model.WebhookStatusPaused)
}

// Activate re-enables a paused or circuit-broken webhook.
func (s *service) Activate(ctx context.Context, ownerID string, id uuid.UUID) (*model.Webhook, error) {
	return s.setStatus(ctx, ownerID, id, model.WebhookStatusActive)
}

// setStatus clears the failure streak along with the status so the breaker
// counts from zero after any owner action.
func (s *service) setStatus(ctx context.Context, ownerID string, id uuid.UUID, status model.WebhookStatus) (*model.Webhook, error) {
	if _, err := s.Get(ctx, ownerID, id); err != nil {
		return nil, err
	}
	w, err := s.webhooks.SetStatus(ctx, id, status, true)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, apperrors.NotFound("webhook", err)
		}
		return nil, apperrors.Internal(fmt.Errorf("failed to update webhook status: %w", err))
	}
	s.log.Info("webhook updated", "webhook_id", w.ID, "status", w.Status)
	return w, nil
}

func (s *service) save(ctx context.Context, w *model.Webhook) (*model.Webhook, error) {
	if err := s.webhooks.Update(ctx, w); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, apperrors.NotFound("webhook", err)
		}
		return nil, apperrors.Internal(fmt.Errorf("failed to update webhook: %w", err))
	}
	s.log.Info("webhook updated", "webhook_id", w.ID, "status", w.Status)
	return w, nil
}

func (s *service) Delete(ctx context.Context, ownerID string, id uuid.UUID) error {
	if _, err := s.Get(ctx, ownerID, id); err != nil {
		return err
	}
	if err := s.webhooks.Delete(ctx, id); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return apperrors.NotFound("webhook", err)
		}
		return apperrors.Internal(fmt.Errorf("failed to delete webhook: %w", err))
	}
	s.log.Info("webhook deleted", "webhook_id", id)
	return nil
}

func (s *service) Deliveries(ctx context.Context, ownerID string, id uuid.UUID, f repository.DeliveryFilter) ([]*model.WebhookDelivery, int, error) {
	if _, err := s.Get(ctx, ownerID, id); err != nil {
		return nil, 0, err
	}
	f.WebhookID = &id

	items, err := s.deliveries.List(ctx, f)
	if err != nil {
		return nil, 0, apperrors.Internal(err)
	}
	total, err := s.deliveries.Count(ctx, f)
	if err != nil {
		return nil, 0, apperrors.Internal(err)
	}
	return items, total, nil
}

func (s *service) Stats(ctx context.Context, ownerID string, id uuid.UUID) (*model.WebhookStats, error) {
	w, err := s.Get(ctx, ownerID, id)
	if err != nil {
		return nil, err
	}
	counts, err := s.deliveries.CountsByWebhook(ctx, id)
	if err != nil {
		return nil, apperrors.Internal(err)
	}
	return &model.WebhookStats{
		WebhookID:           w.ID,
		Status:              w.Status,
		SuccessCount:        w.SuccessCount,
		FailureCount:        w.FailureCount,
		ConsecutiveFailures: w.ConsecutiveFailures,
		Deliveries:          counts.Total,
		Pending:             counts.Pending,
		Retrying:            counts.Retrying,
		Succeeded:           counts.Succeeded,
		Failed:              counts.Failed,
		AvgResponseTimeMs:   counts.AvgResponseTimeMs,
		LastTriggeredAt:     w.LastTriggeredAt,
	}, nil
}

func (s *service) Redeliver(ctx context.Context, ownerID string, deliveryID uuid.UUID) (*model.WebhookDelivery, error) {
	orig, err := s.deliveries.Get(ctx, deliveryID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, apperrors.NotFound("delivery", err)
		}
		return nil, apperrors.Internal(err)
	}
	w, err := s.Get(ctx, ownerID, orig.WebhookID)
	if err != nil {
		return nil, err
	}
	if w.Status != model.WebhookStatusActive {
		return nil, apperrors.Conflict(fmt.Sprintf("webhook is %s", w.Status), nil)
	}

	d, err := s.engine.Redeliver(ctx, w, orig)
	if err != nil {
		return nil, apperrors.Internal(err)
	}
	s.log.Info("delivery redelivered", "delivery_id", d.ID, "source_delivery_id", orig.ID, "webhook_id", w.ID)
	return d, nil
}

func (s *service) Test(ctx context.Context, ownerID string, id uuid.UUID) (AttemptResult, error) {
	w, err := s.Get(ctx, ownerID, id)
	if err != nil {
		return AttemptResult{}, err
	}
	res, err := s.engine.Test(ctx, w)
	if err != nil {
		return AttemptResult{}, apperrors.Internal(err)
	}
	return res, nil
}

func (s *service) Trigger(ctx context.Context, req TriggerRequest) ([]*model.WebhookDelivery, error) {
	if err := s.validator.Validate(req); err != nil {
		return nil, apperrors.BadRequest("invalid request", err)
	}
	out, err := s.engine.TriggerEvent(ctx, req.Event, req.Data, req.Metadata)
	if err != nil {
		return nil, apperrors.Internal(err)
	}
	return out, nil
}

func dedupe(events []string) model.StringList {
	seen := make(map[string]bool, len(events))
	out := make(model.StringList, 0, len(events))
	for _, e := range events {
		if !seen[e] {
			seen[e] = true
			out = append(out, e)
		}
	}
	return out
}
