package model

import (
	"database/sql/driver"
	"strings"
)

// Trigger selects a generic template.
type Trigger string

const (
	TriggerHumanContact  Trigger = "HUMAN_CONTACT"
	TriggerNoInterest    Trigger = "NO_INTEREST"
	TriggerSourceDefault Trigger = "SOURCE_DEFAULT"
	TriggerFallback      Trigger = "FALLBACK"
	TriggerRecurrence    Trigger = "RECURRENCE"
	TriggerProductIntro  Trigger = "PRODUCT_INTRO"
	TriggerProductClose  Trigger = "PRODUCT_CLOSING"
)

// Lead is the recipient of an automation.
type Lead struct {
	Base
	Name                  string     `json:"name" db:"name"`
	Phone                 string     `json:"phone" db:"phone"`
	Email                 string     `json:"email" db:"email"`
	Source                string     `json:"source" db:"source"`
	CaptureCount          int        `json:"capture_count" db:"capture_count"`
	RequestedHumanContact bool       `json:"requested_human_contact" db:"requested_human_contact"`
	InterestedProducts    StringList `json:"interested_products" db:"interested_products"`
}

// Address returns the lead's address on a channel.
func (l *Lead) Address(channel string) string {
	if channel == "email" {
		return l.Email
	}
	return l.Phone
}

// IsConversationalSource reports chat or web capture channels.
func (l *Lead) IsConversationalSource() bool {
	switch strings.ToLower(l.Source) {
	case "chat", "whatsapp", "web", "website", "webchat":
		return true
	}
	return false
}

// Product is a catalog entry.
type Product struct {
	Base
	Name           string     `json:"name" db:"name"`
	Description    string     `json:"description" db:"description"`
	Images         StringList `json:"images" db:"images"`
	Videos         StringList `json:"videos" db:"videos"`
	Specifications string     `json:"specifications" db:"specifications"`
}

// MediaItem is an attachment of a template.
type MediaItem struct {
	Type MessageType `json:"type"`
	URL  string      `json:"url"`
}

type MediaList []MediaItem

func (l MediaList) Value() (driver.Value, error) {
	if l == nil {
		return []byte("[]"), nil
	}
	return jsonValue(l)
}

func (l *MediaList) Scan(src interface{}) error {
	return jsonScan(src, l)
}

// MessageTemplate is a stored generic or recurrence template.
type MessageTemplate struct {
	Base
	Name    string    `json:"name" db:"name"`
	Trigger Trigger   `json:"trigger" db:"trigger"`
	Content string    `json:"content" db:"content"`
	Media   MediaList `json:"media" db:"media"`
	Active  bool      `json:"active" db:"active"`
}
