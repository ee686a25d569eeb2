package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/vetrx/fulfillment/internal/domain/notification"
)

func missingEnvFile(t *testing.T) string {
	return filepath.Join(t.TempDir(), "absent.env")
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(missingEnvFile(t))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Port != "8080" || cfg.SequencerBackend != SequencerPostgres {
		t.Errorf("defaults = %+v", cfg)
	}
	if cfg.PaymentTimeout != 10*time.Second || cfg.RelayPollInterval != 500*time.Millisecond {
		t.Errorf("durations = %v / %v", cfg.PaymentTimeout, cfg.RelayPollInterval)
	}
	if len(cfg.KafkaBrokers) != 1 || cfg.KafkaBrokers[0] != "localhost:9092" {
		t.Errorf("brokers = %v", cfg.KafkaBrokers)
	}
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	file := filepath.Join(t.TempDir(), ".env")
	content := "PAYMENT_HOST=http://file-gateway\nNOTIFICATION_TIMEOUT=7s\nSEQUENCER_BACKEND=redis\n"
	if err := os.WriteFile(file, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("PAYMENT_HOST", "http://env-gateway")
	t.Setenv("KAFKA_BROKERS", "rp-0:9092, rp-1:9092")

	cfg, err := Load(file)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.PaymentHost != "http://env-gateway" {
		t.Errorf("payment host = %s", cfg.PaymentHost)
	}
	if cfg.NotificationTimeout != 7*time.Second || cfg.SequencerBackend != SequencerRedis {
		t.Errorf("file values = %v / %s", cfg.NotificationTimeout, cfg.SequencerBackend)
	}
	if strings.Join(cfg.KafkaBrokers, "|") != "rp-0:9092|rp-1:9092" {
		t.Errorf("brokers = %v", cfg.KafkaBrokers)
	}
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		return &Config{
			DatabaseURL:         "postgres://localhost/fulfillment",
			SequencerBackend:    SequencerPostgres,
			PaymentHost:         "http://gateway",
			PaymentTimeout:      time.Second,
			NotificationHost:    "http://notify",
			NotificationTimeout: time.Second,
			APIKeys:             "k1:portal, k2:pharmacy",
			TraceSampleRate:     1,
		}
	}
	if err := valid().Validate(); err != nil {
		t.Fatalf("valid config rejected: %v", err)
	}

	tests := []struct {
		name   string
		mutate func(c *Config)
		want   string
	}{
		{"no database", func(c *Config) { c.DatabaseURL = "" }, "DATABASE_URL"},
		{"memory sequencer", func(c *Config) { c.SequencerBackend = SequencerMemory }, ""},
		{"bad backend", func(c *Config) { c.SequencerBackend = "etcd" }, "SEQUENCER_BACKEND"},
		{"relative host", func(c *Config) { c.PaymentHost = "gateway" }, "PAYMENT_HOST"},
		{"bad keys", func(c *Config) { c.APIKeys = "justakey" }, "API_KEYS"},
		{"zero timeout", func(c *Config) { c.NotificationTimeout = 0 }, "NOTIFICATION_TIMEOUT"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := valid()
			tt.mutate(c)
			err := c.Validate()
			if tt.want == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("error = %v, want mention of %s", err, tt.want)
			}
		})
	}
}

func TestParseAPIKeysAndTemplates(t *testing.T) {
	c := &Config{APIKeys: "k1:portal,k2:pharmacy", TemplateOrderClient: "d-1", TemplateShippingClient: "d-4"}
	keys, err := c.ParseAPIKeys()
	if err != nil || keys["k1"] != "portal" || keys["k2"] != "pharmacy" {
		t.Fatalf("keys = %v, %v", keys, err)
	}
	tpl := c.Templates()
	if len(tpl) != 2 || tpl[notification.KindOrderClient] != "d-1" || tpl[notification.KindShippingClient] != "d-4" {
		t.Errorf("templates = %v", tpl)
	}
}

func TestNewLogger(t *testing.T) {
	c := &Config{LogLevel: "debug", Env: "production"}
	if _, err := c.NewLogger("fulfillment-api"); err != nil {
		t.Fatalf("logger: %v", err)
	}
	c.LogLevel = "chatty"
	if _, err := c.NewLogger("fulfillment-api"); err == nil {
		t.Fatal("expected error for unknown level")
	}
}
