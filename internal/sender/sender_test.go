package sender

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/gomail.v2"

	"github.com/jwalitptl/crm-outbound/pkg/circuitbreaker"
	"github.com/jwalitptl/crm-outbound/pkg/logger"
)

func TestWhatsAppSender_SendsAndReturnsID(t *testing.T) {
	var got gatewayRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/messages", r.URL.Path)
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Write([]byte(`{"id":"wamid.1"}`))
	}))
	defer srv.Close()

	s := NewWhatsAppSender(WhatsAppConfig{BaseURL: srv.URL + "/", Token: "tok"}, logger.Nop())
	id, err := s.SendImage(context.Background(), "+15550001", "https://cdn/x.jpg")

	require.NoError(t, err)
	assert.Equal(t, "wamid.1", id)
	assert.Equal(t, gatewayRequest{To: "+15550001", Type: "image", MediaURL: "https://cdn/x.jpg"}, got)
}

func TestWhatsAppSender_NonSuccessStatusFails(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		w.Write([]byte("upstream down"))
	}))
	defer srv.Close()

	s := NewWhatsAppSender(WhatsAppConfig{BaseURL: srv.URL}, logger.Nop())
	_, err := s.SendText(context.Background(), "+1", "hi")

	require.Error(t, err)
	assert.Contains(t, err.Error(), "502")
}

func TestWhatsAppSender_OpensBreaker(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	s := NewWhatsAppSender(WhatsAppConfig{BaseURL: srv.URL}, logger.Nop())
	for i := 0; i < 5; i++ {
		_, err := s.SendText(context.Background(), "+1", "hi")
		require.Error(t, err)
	}
	_, err := s.SendText(context.Background(), "+1", "hi")
	assert.ErrorIs(t, err, circuitbreaker.ErrOpen)
	assert.Equal(t, 5, calls)
}

func TestWhatsAppSender_MissingRecipient(t *testing.T) {
	s := NewWhatsAppSender(WhatsAppConfig{BaseURL: "http://unused"}, logger.Nop())
	_, err := s.SendText(context.Background(), "", "hi")
	assert.ErrorIs(t, err, ErrNoAddress)
}

type fakeDialer struct {
	sent []*gomail.Message
	err  error
}

func (d *fakeDialer) DialAndSend(m ...*gomail.Message) error {
	d.sent = append(d.sent, m...)
	return d.err
}

func TestSMTPSender(t *testing.T) {
	d := &fakeDialer{}
	s := &SMTPSender{cfg: SMTPConfig{From: "crm@example.com", Subject: "Hello"}, dialer: d}

	id, err := s.SendVideo(context.Background(), "lead@example.com", "https://cdn/v.mp4")
	require.NoError(t, err)
	assert.NotEmpty(t, id)
	require.Len(t, d.sent, 1)
	assert.Equal(t, []string{"lead@example.com"}, d.sent[0].GetHeader("To"))

	var buf bytes.Buffer
	_, err = d.sent[0].WriteTo(&buf)
	require.NoError(t, err)
	assert.True(t, strings.Contains(buf.String(), "https://cdn/v.mp4"))

	d.err = errors.New("relay refused")
	_, err = s.SendText(context.Background(), "lead@example.com", "hi")
	assert.ErrorContains(t, err, "relay refused")
}
