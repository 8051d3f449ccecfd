// Package sender holds the outbound transports used by the automation engine.
package sender

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"github.com/jwalitptl/crm-outbound/pkg/logger"
)

// ErrNoAddress is returned when a lead has no address on the sender's channel.
var ErrNoAddress = errors.New("recipient has no address on this channel")

// Sender transmits one message and returns the provider's message id.
type Sender interface {
	Channel() string
	SendText(ctx context.Context, recipient, content string) (string, error)
	SendImage(ctx context.Context, recipient, url string) (string, error)
	SendVideo(ctx context.Context, recipient, url string) (string, error)
}

// LogSender writes messages to the log. Used for local runs.
type LogSender struct {
	log *logger.Logger
}

func NewLogSender(log *logger.Logger) *LogSender {
	return &LogSender{log: log}
}

func (s *LogSender) Channel() string { return "log" }

func (s *LogSender) SendText(ctx context.Context, recipient, content string) (string, error) {
	return s.emit("text", recipient, content)
}

func (s *LogSender) SendImage(ctx context.Context, recipient, url string) (string, error) {
	return s.emit("image", recipient, url)
}

func (s *LogSender) SendVideo(ctx context.Context, recipient, url string) (string, error) {
	return s.emit("video", recipient, url)
}

func (s *LogSender) emit(kind, recipient, body string) (string, error) {
	if recipient == "" {
		return "", ErrNoAddress
	}
	id := uuid.NewString()
	s.log.Info("outbound message", "kind", kind, "recipient", recipient, "body", body, "message_id", id)
	return id, nil
}
