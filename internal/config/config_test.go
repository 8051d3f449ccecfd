package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

const minimal = `
store:
  driver: memory
sender:
  channel: log
`

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, minimal))
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "memory", cfg.Store.Driver)
	assert.Equal(t, 3, cfg.Automation.MaxRetries)
	assert.Equal(t, time.Minute, cfg.Automation.RetryBaseDelay)
	assert.Equal(t, 10, cfg.Webhook.FailureThreshold)
	assert.False(t, cfg.Webhook.ResetFailuresOnSuccess)

	wc := cfg.ToWorkerConfig()
	assert.Equal(t, 30*24*time.Hour, wc.DeliveryRetention)

	ch := cfg.ToEventChannels()
	assert.Equal(t, "crm.lead.captured", ch.LeadCaptured)
	assert.Equal(t, "crm.events", ch.Business)
}

func TestLoad_FileAndEnvironment(t *testing.T) {
	path := writeConfig(t, minimal+`
webhook:
  failure_threshold: 4
  default_retry_delay: 30s
security:
  api_keys:
    tenant-a: Key-ABC-123
company:
  name: Acme
`)
	t.Setenv("CRM_SERVER_PORT", "9090")
	t.Setenv("CRM_DATABASE_PASSWORD", "s3cret")
	t.Setenv("CRM_ENCRYPTION_KEY", "0123456789abcdef")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, "s3cret", cfg.Database.Password)
	assert.Equal(t, "0123456789abcdef", cfg.Security.EncryptionKey)
	assert.Equal(t, map[string]string{"Key-ABC-123": "tenant-a"}, cfg.Security.KeyOwners())
	assert.Equal(t, "Acme", cfg.ToAutomationConfig().Company["name"])

	wh := cfg.ToWebhookConfig()
	assert.Equal(t, 4, wh.FailureThreshold)
	assert.Equal(t, 30*time.Second, wh.DefaultRetryDelay)
	assert.Contains(t, cfg.Database.DSN(), "password=s3cret")
}

func TestLoad_MissingExplicitFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		ok     bool
	}{
		{"valid", func(*Config) {}, true},
		{"unknown store", func(c *Config) { c.Store.Driver = "sqlite" }, false},
		{"unknown gate backend", func(c *Config) { c.Gate.Backend = "memcached" }, false},
		{"unknown channel", func(c *Config) { c.Sender.Channel = "sms" }, false},
		{"whatsapp without url", func(c *Config) { c.Sender.Channel = "whatsapp" }, false},
		{"email without host", func(c *Config) { c.Sender.Channel = "email" }, false},
		{"bad key length", func(c *Config) { c.Security.EncryptionKey = "short" }, false},
		{"zero webhook threshold", func(c *Config) { c.Webhook.FailureThreshold = 0 }, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := &Config{
				Store:   StoreConfig{Driver: "memory"},
				Gate:    GateConfig{Backend: "local"},
				Sender:  SenderConfig{Channel: "log"},
				Webhook: WebhookConfig{FailureThreshold: 10},
			}
			tt.mutate(c)
			if tt.ok {
				assert.NoError(t, c.Validate())
			} else {
				assert.Error(t, c.Validate())
			}
		})
	}
}
