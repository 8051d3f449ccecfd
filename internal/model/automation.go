package model

import (
	"time"

	"github.com/google/uuid"
)

type AutomationStatus string

const (
	AutomationStatusPending    AutomationStatus = "PENDING"
	AutomationStatusProcessing AutomationStatus = "PROCESSING"
	AutomationStatusSent       AutomationStatus = "SENT"
	AutomationStatusFailed     AutomationStatus = "FAILED"
)

// IsTerminal reports whether completedAt must be set for s.
func (s AutomationStatus) IsTerminal() bool {
	return s == AutomationStatusSent || s == AutomationStatusFailed
}

func (s AutomationStatus) Valid() bool {
	switch s {
	case AutomationStatusPending, AutomationStatusProcessing, AutomationStatusSent, AutomationStatusFailed:
		return true
	}
	return false
}

// SuccessRatio is the sent fraction at which a run counts as delivered.
const SuccessRatio = 0.8

// Automation is one outbound message sequence to one lead.
type Automation struct {
	Base
	LeadID        uuid.UUID        `json:"lead_id" db:"lead_id"`
	Status        AutomationStatus `json:"status" db:"status"`
	Messages      SpecList         `json:"messages" db:"messages"`
	TotalMessages int              `json:"total_messages" db:"total_messages"`
	SentMessages  int              `json:"sent_messages" db:"sent_messages"`
	Priority      int              `json:"priority" db:"priority"`
	ScheduledFor  *time.Time       `json:"scheduled_for,omitempty" db:"scheduled_for"`
	StartedAt     *time.Time       `json:"started_at,omitempty" db:"started_at"`
	CompletedAt   *time.Time       `json:"completed_at,omitempty" db:"completed_at"`
	Error         *string          `json:"error,omitempty" db:"error"`
}

// Ratio returns sent/total, zero when there is nothing to send.
func (a *Automation) Ratio() float64 {
	if a.TotalMessages <= 0 {
		return 0
	}
	return float64(a.SentMessages) / float64(a.TotalMessages)
}

// SetStatus moves the automation to s and keeps completedAt in step with it.
func (a *Automation) SetStatus(s AutomationStatus, now time.Time) {
	a.Status = s
	if s.IsTerminal() {
		t := now
		a.CompletedAt = &t
	} else {
		a.CompletedAt = nil
	}
}

func (a *Automation) SetError(msg string) {
	a.Error = &msg
}

func (a *Automation) ClearError() {
	a.Error = nil
}

type MessageType string

const (
	MessageTypeText  MessageType = "TEXT"
	MessageTypeImage MessageType = "IMAGE"
	MessageTypeVideo MessageType = "VIDEO"
)

func (t MessageType) IsMedia() bool {
	return t == MessageTypeImage || t == MessageTypeVideo
}

type MessageStatus string

const (
	MessageStatusPending MessageStatus = "PENDING"
	MessageStatusSent    MessageStatus = "SENT"
	MessageStatusFailed  MessageStatus = "FAILED"
)

// AutomationMessage is one physical send within an Automation. Rows are
// keyed by (automation_id, ordinal).
type AutomationMessage struct {
	Base
	AutomationID      uuid.UUID     `json:"automation_id" db:"automation_id"`
	Type              MessageType   `json:"type" db:"type"`
	Content           string        `json:"content" db:"content"`
	Ordinal           int           `json:"ordinal" db:"ordinal"`
	Status            MessageStatus `json:"status" db:"status"`
	ProviderMessageID *string       `json:"provider_message_id,omitempty" db:"provider_message_id"`
	SentAt            *time.Time    `json:"sent_at,omitempty" db:"sent_at"`
	Error             *string       `json:"error,omitempty" db:"error"`
}
