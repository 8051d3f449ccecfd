package model

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

type WebhookStatus string

const (
	WebhookStatusActive WebhookStatus = "ACTIVE"
	WebhookStatusPaused WebhookStatus = "PAUSED"
	WebhookStatusFailed WebhookStatus = "FAILED"
)

// WildcardEvent subscribes a webhook to every event.
const WildcardEvent = "*"

// Webhook is a subscription to named events. Secret is never serialized.
type Webhook struct {
	Base
	OwnerID             string        `json:"owner_id" db:"owner_id"`
	URL                 string        `json:"url" db:"url"`
	Secret              string        `json:"-" db:"secret"`
	Events              StringList    `json:"events" db:"events"`
	Status              WebhookStatus `json:"status" db:"status"`
	MaxRetries          int           `json:"max_retries" db:"max_retries"`
	RetryDelayMs        int64         `json:"retry_delay_ms" db:"retry_delay_ms"`
	ConsecutiveFailures int           `json:"consecutive_failures" db:"consecutive_failures"`
	SuccessCount        int64         `json:"success_count" db:"success_count"`
	FailureCount        int64         `json:"failure_count" db:"failure_count"`
	LastTriggeredAt     *time.Time    `json:"last_triggered_at,omitempty" db:"last_triggered_at"`
}

func (w *Webhook) RetryDelay() time.Duration {
	return time.Duration(w.RetryDelayMs) * time.Millisecond
}

// Subscribes reports whether the webhook wants event.
func (w *Webhook) Subscribes(event string) bool {
	return w.Events.Contains(event) || w.Events.Contains(WildcardEvent)
}

type DeliveryStatus string

const (
	DeliveryStatusPending  DeliveryStatus = "PENDING"
	DeliveryStatusRetrying DeliveryStatus = "RETRYING"
	DeliveryStatusSuccess  DeliveryStatus = "SUCCESS"
	DeliveryStatusFailed   DeliveryStatus = "FAILED"
)

func (s DeliveryStatus) IsTerminal() bool {
	return s == DeliveryStatusSuccess || s == DeliveryStatusFailed
}

// WebhookDelivery is one event fan-out to one webhook.
type WebhookDelivery struct {
	Base
	WebhookID      uuid.UUID       `json:"webhook_id" db:"webhook_id"`
	Event          string          `json:"event" db:"event"`
	Payload        json.RawMessage `json:"payload" db:"payload"`
	Status         DeliveryStatus  `json:"status" db:"status"`
	Attempts       int             `json:"attempts" db:"attempts"`
	MaxAttempts    int             `json:"max_attempts" db:"max_attempts"`
	LastStatusCode *int            `json:"last_status_code,omitempty" db:"last_status_code"`
	LastError      *string         `json:"last_error,omitempty" db:"last_error"`
	ResponseTimeMs *int64          `json:"response_time_ms,omitempty" db:"response_time_ms"`
	NextAttemptAt  *time.Time      `json:"next_attempt_at,omitempty" db:"next_attempt_at"`
	CompletedAt    *time.Time      `json:"completed_at,omitempty" db:"completed_at"`
}

// Finish moves the delivery to a terminal status.
func (d *WebhookDelivery) Finish(status DeliveryStatus, now time.Time) {
	d.Status = status
	d.NextAttemptAt = nil
	t := now
	d.CompletedAt = &t
}

// Envelope is the JSON body posted to webhook endpoints.
type Envelope struct {
	Event     string                 `json:"event"`
	Timestamp string                 `json:"timestamp"`
	Data      interface{}            `json:"data"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
}

// WebhookStats summarizes one webhook's delivery history.
type WebhookStats struct {
	WebhookID           uuid.UUID     `json:"webhook_id"`
	Status              WebhookStatus `json:"status"`
	SuccessCount        int64         `json:"success_count"`
	FailureCount        int64         `json:"failure_count"`
	ConsecutiveFailures int           `json:"consecutive_failures"`
	Deliveries          int           `json:"deliveries"`
	Pending             int           `json:"pending"`
	Retrying            int           `json:"retrying"`
	Succeeded           int           `json:"succeeded"`
	Failed              int           `json:"failed"`
	AvgResponseTimeMs   float64       `json:"avg_response_time_ms"`
	LastTriggeredAt     *time.Time    `json:"last_triggered_at,omitempty"`
}
