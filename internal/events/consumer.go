// Package events consumes CRM domain events from the broker and turns them
// into automations and webhook deliveries.
package events

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/jwalitptl/crm-outbound/internal/model"
	"github.com/jwalitptl/crm-outbound/pkg/logger"
	"github.com/jwalitptl/crm-outbound/pkg/messaging"
	"github.com/jwalitptl/crm-outbound/pkg/metrics"
)

// Default channel names.
const (
	ChannelLeadCaptured    = "crm.lead.captured"
	ChannelProductInterest = "crm.product.interest"
	ChannelBusinessEvents  = "crm.events"
)

// Channels names the broker channels the consumer subscribes to.
type Channels struct {
	LeadCaptured    string
	ProductInterest string
	Business        string
}

func DefaultChannels() Channels {
	return Channels{
		LeadCaptured:    ChannelLeadCaptured,
		ProductInterest: ChannelProductInterest,
		Business:        ChannelBusinessEvents,
	}
}

// Webhook events raised by the consumer itself.
const (
	EventAutomationCreated = "automation.created"
)

type LeadCaptured struct {
	LeadID uuid.UUID `json:"lead_id"`
}

type ProductInterest struct {
	LeadID   uuid.UUID `json:"lead_id"`
	Products []string  `json:"products"`
}

// Automations is the part of the automation service driven by domain events.
type Automations interface {
	OnLeadCaptured(ctx context.Context, leadID uuid.UUID) (*model.Automation, error)
	OnProductInterest(ctx context.Context, leadID uuid.UUID, products []string) (*model.Automation, error)
}

// Trigger fans an event out to webhook subscribers.
type Trigger interface {
	TriggerEvent(ctx context.Context, event string, data interface{}, metadata map[string]interface{}) ([]*model.WebhookDelivery, error)
}

type Consumer struct {
	channels    Channels
	dispatcher  *messaging.Dispatcher
	automations Automations
	trigger     Trigger
	log         *logger.Logger
	metrics     *metrics.Metrics
}

func NewConsumer(broker messaging.Broker, channels Channels, automations Automations, trigger Trigger, log *logger.Logger, m *metrics.Metrics) *Consumer {
	d := DefaultChannels()
	if channels.LeadCaptured == "" {
		channels.LeadCaptured = d.LeadCaptured
	}
	if channels.ProductInterest == "" {
		channels.ProductInterest = d.ProductInterest
	}
	if channels.Business == "" {
		channels.Business = d.Business
	}
	return &Consumer{
		channels:    channels,
		dispatcher:  messaging.NewDispatcher(broker, log),
		automations: automations,
		trigger:     trigger,
		log:         log,
		metrics:     m,
	}
}

// Start subscribes to every channel. Handlers run until ctx is cancelled;
// Wait blocks until they have drained.
func (c *Consumer) Start(ctx context.Context) error {
	handlers := map[string]messaging.Handler{
		c.channels.LeadCaptured:    c.handleLeadCaptured,
		c.channels.ProductInterest: c.handleProductInterest,
		c.channels.Business:        c.handleBusinessEvent,
	}
	for channel, h := range handlers {
		if err := c.dispatcher.Handle(ctx, channel, c.instrument(channel, h)); err != nil {
			return fmt.Errorf("subscribe %s: %w", channel, err)
		}
		c.log.Info("subscribed to domain events", "channel", channel)
	}
	return nil
}

func (c *Consumer) Wait() {
	c.dispatcher.Wait()
}

func (c *Consumer) Close() error {
	return c.dispatcher.Close()
}

func (c *Consumer) instrument(channel string, h messaging.Handler) messaging.Handler {
	return func(ctx context.Context, payload []byte) error {
		err := h(ctx, payload)
		status := "ok"
		if err != nil {
			status = "error"
		}
		c.metrics.DomainEventsConsumed.WithLabelValues(channel, status).Inc()
		return err
	}
}

func (c *Consumer) handleLeadCaptured(ctx context.Context, payload []byte) error {
	var evt LeadCaptured
	if err := json.Unmarshal(payload, &evt); err != nil {
		return fmt.Errorf("decode lead captured: %w", err)
	}
	if evt.LeadID == uuid.Nil {
		return fmt.Errorf("lead captured without lead_id")
	}

	a, err := c.automations.OnLeadCaptured(ctx, evt.LeadID)
	if err != nil {
		return fmt.Errorf("lead %s: %w", evt.LeadID, err)
	}
	c.announce(ctx, a, c.channels.LeadCaptured)
	return nil
}

func (c *Consumer) handleProductInterest(ctx context.Context, payload []byte) error {
	var evt ProductInterest
	if err := json.Unmarshal(payload, &evt); err != nil {
		return fmt.Errorf("decode product interest: %w", err)
	}
	if evt.LeadID == uuid.Nil {
		return fmt.Errorf("product interest without lead_id")
	}

	a, err := c.automations.OnProductInterest(ctx, evt.LeadID, evt.Products)
	if err != nil {
		return fmt.Errorf("lead %s: %w", evt.LeadID, err)
	}
	c.announce(ctx, a, c.channels.ProductInterest)
	return nil
}

// handleBusinessEvent forwards {"type", "payload"} messages to webhooks
// under the message type.
func (c *Consumer) handleBusinessEvent(ctx context.Context, payload []byte) error {
	evt, err := messaging.DecodeEvent(payload)
	if err != nil {
		return fmt.Errorf("business event: %w", err)
	}

	var data interface{}
	if len(evt.Payload) > 0 {
		data = evt.Payload
	}
	out, err := c.trigger.TriggerEvent(ctx, evt.Type, data, map[string]interface{}{"source": c.channels.Business})
	if err != nil {
		return fmt.Errorf("trigger %s: %w", evt.Type, err)
	}
	c.log.Debug("business event forwarded", "event", evt.Type, "deliveries", len(out))
	return nil
}

func (c *Consumer) announce(ctx context.Context, a *model.Automation, source string) {
	data := map[string]interface{}{
		"automation_id": a.ID,
		"lead_id":       a.LeadID,
		"priority":      a.Priority,
		"messages":      a.TotalMessages,
	}
	if _, err := c.trigger.TriggerEvent(ctx, EventAutomationCreated, data, map[string]interface{}{"source": source}); err != nil {
		c.log.Error(err, "failed to announce automation", "automation_id", a.ID)
	}
}
