// Package config loads service configuration from the environment and an
// optional .env file.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/vetrx/fulfillment/internal/domain/notification"
)

// Sequencer backends
const (
	SequencerPostgres = "postgres"
	SequencerRedis    = "redis"
	// SequencerMemory is process local and only safe with a single replica
	SequencerMemory = "memory"
)

// Config holds the settings shared by all fulfillment services
type Config struct {
	Port           string `mapstructure:"PORT"`
	Env            string `mapstructure:"ENV"`
	LogLevel       string `mapstructure:"LOG_LEVEL"`
	ServiceVersion string `mapstructure:"SERVICE_VERSION"`

	DatabaseURL string `mapstructure:"DATABASE_URL"`
	DBMaxConns  int32  `mapstructure:"DB_MAX_CONNS"`
	DBMinConns  int32  `mapstructure:"DB_MIN_CONNS"`

	SequencerBackend string `mapstructure:"SEQUENCER_BACKEND"`
	RedisAddr        string `mapstructure:"REDIS_ADDR"`
	RedisPassword    string `mapstructure:"REDIS_PASSWORD"`
	RedisDB          int    `mapstructure:"REDIS_DB"`

	KafkaBrokers     []string `mapstructure:"KAFKA_BROKERS"`
	KafkaReplication int      `mapstructure:"KAFKA_REPLICATION"`

	PaymentHost    string        `mapstructure:"PAYMENT_HOST"`
	PaymentTimeout time.Duration `mapstructure:"PAYMENT_TIMEOUT"`

	NotificationHost      string        `mapstructure:"NOTIFICATION_HOST"`
	NotificationTimeout   time.Duration `mapstructure:"NOTIFICATION_TIMEOUT"`
	NotificationFromEmail string        `mapstructure:"NOTIFICATION_FROM_EMAIL"`
	NotificationFromName  string        `mapstructure:"NOTIFICATION_FROM_NAME"`

	TemplateOrderClient        string `mapstructure:"TEMPLATE_ORDER_CLIENT"`
	TemplateOrderPharmacy      string `mapstructure:"TEMPLATE_ORDER_PHARMACY"`
	TemplateSubscriptionClient string `mapstructure:"TEMPLATE_SUBSCRIPTION_CLIENT"`
	TemplateShippingClient     string `mapstructure:"TEMPLATE_SHIPPING_CLIENT"`

	// APIKeys is a comma separated list of key:caller pairs
	APIKeys string `mapstructure:"API_KEYS"`

	OTLPEndpoint    string  `mapstructure:"OTLP_ENDPOINT"`
	TraceSampleRate float64 `mapstructure:"TRACE_SAMPLE_RATE"`

	RelayBatchSize    int           `mapstructure:"RELAY_BATCH_SIZE"`
	RelayPollInterval time.Duration `mapstructure:"RELAY_POLL_INTERVAL"`
	RelayMaxRetries   int           `mapstructure:"RELAY_MAX_RETRIES"`

	ReconcilerGroup   string `mapstructure:"RECONCILER_GROUP"`
	ReconcilerWorkers int    `mapstructure:"RECONCILER_WORKERS"`
}

var keys = []string{
	"PORT", "ENV", "LOG_LEVEL", "SERVICE_VERSION",
	"DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS",
	"SEQUENCER_BACKEND", "REDIS_ADDR", "REDIS_PASSWORD", "REDIS_DB",
	"KAFKA_BROKERS", "KAFKA_REPLICATION",
	"PAYMENT_HOST", "PAYMENT_TIMEOUT",
	"NOTIFICATION_HOST", "NOTIFICATION_TIMEOUT", "NOTIFICATION_FROM_EMAIL", "NOTIFICATION_FROM_NAME",
	"TEMPLATE_ORDER_CLIENT", "TEMPLATE_ORDER_PHARMACY", "TEMPLATE_SUBSCRIPTION_CLIENT", "TEMPLATE_SHIPPING_CLIENT",
	"API_KEYS",
	"OTLP_ENDPOINT", "TRACE_SAMPLE_RATE",
	"RELAY_BATCH_SIZE", "RELAY_POLL_INTERVAL", "RELAY_MAX_RETRIES",
	"RECONCILER_GROUP", "RECONCILER_WORKERS",
}

// Load reads the environment, falling back to envFile when it exists and to
// defaults after that. An empty envFile means ".env".
func Load(envFile string) (*Config, error) {
	if envFile == "" {
		envFile = ".env"
	}
	v := viper.New()
	v.SetConfigFile(envFile)
	v.SetConfigType("env")
	v.AutomaticEnv()

	v.SetDefault("PORT", "8080")
	v.SetDefault("ENV", "development")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("SERVICE_VERSION", "1.0.0")
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 2)
	v.SetDefault("SEQUENCER_BACKEND", SequencerPostgres)
	v.SetDefault("REDIS_ADDR", "localhost:6379")
	v.SetDefault("KAFKA_BROKERS", "localhost:9092")
	v.SetDefault("KAFKA_REPLICATION", 1)
	v.SetDefault("PAYMENT_TIMEOUT", "10s")
	v.SetDefault("NOTIFICATION_TIMEOUT", "5s")
	v.SetDefault("NOTIFICATION_FROM_NAME", "Pharmacy Orders")
	v.SetDefault("TRACE_SAMPLE_RATE", 1.0)
	v.SetDefault("RELAY_BATCH_SIZE", 100)
	v.SetDefault("RELAY_POLL_INTERVAL", "500ms")
	v.SetDefault("RELAY_MAX_RETRIES", 5)
	v.SetDefault("RECONCILER_GROUP", "registration-reconciler")
	v.SetDefault("RECONCILER_WORKERS", 4)

	for _, k := range keys {
		if err := v.BindEnv(k); err != nil {
			return nil, fmt.Errorf("bind %s: %w", k, err)
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("read %s: %w", envFile, err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.KafkaBrokers = splitList(cfg.KafkaBrokers)
	return cfg, nil
}

// splitList accepts both a decoded slice and one comma separated element
func splitList(in []string) []string {
	var out []string
	for _, s := range in {
		for _, part := range strings.Split(s, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

// Validate checks the settings needed by the API service
func (c *Config) Validate() error {
	var errs []error
	if c.DatabaseURL == "" {
		errs = append(errs, errors.New("DATABASE_URL is required"))
	}
	switch c.SequencerBackend {
	case SequencerPostgres, SequencerRedis, SequencerMemory:
	default:
		errs = append(errs, fmt.Errorf("SEQUENCER_BACKEND must be postgres, redis or memory, got %q", c.SequencerBackend))
	}
	for name, raw := range map[string]string{"PAYMENT_HOST": c.PaymentHost, "NOTIFICATION_HOST": c.NotificationHost} {
		if raw == "" {
			errs = append(errs, fmt.Errorf("%s is required", name))
			continue
		}
		if u, err := url.Parse(raw); err != nil || u.Scheme == "" || u.Host == "" {
			errs = append(errs, fmt.Errorf("%s must be an absolute URL, got %q", name, raw))
		}
	}
	if c.PaymentTimeout <= 0 || c.NotificationTimeout <= 0 {
		errs = append(errs, errors.New("PAYMENT_TIMEOUT and NOTIFICATION_TIMEOUT must be positive"))
	}
	if _, err := c.ParseAPIKeys(); err != nil {
		errs = append(errs, err)
	}
	if c.TraceSampleRate < 0 || c.TraceSampleRate > 1 {
		errs = append(errs, fmt.Errorf("TRACE_SAMPLE_RATE must be within [0,1], got %v", c.TraceSampleRate))
	}
	return errors.Join(errs...)
}

// IsDev reports whether the service runs in development mode
func (c *Config) IsDev() bool { return c.Env == "development" }

// ParseAPIKeys decodes API_KEYS into key -> caller
func (c *Config) ParseAPIKeys() (map[string]string, error) {
	out := make(map[string]string)
	for _, pair := range strings.Split(c.APIKeys, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		key, caller, ok := strings.Cut(pair, ":")
		if !ok || key == "" || caller == "" {
			return nil, fmt.Errorf("API_KEYS entry %q must be key:caller", pair)
		}
		out[key] = caller
	}
	return out, nil
}

// Templates maps notification kinds to provider template ids. Kinds without
// a configured template are left out.
func (c *Config) Templates() map[notification.Kind]string {
	out := make(map[notification.Kind]string)
	for kind, id := range map[notification.Kind]string{
		notification.KindOrderClient:        c.TemplateOrderClient,
		notification.KindOrderPharmacy:      c.TemplateOrderPharmacy,
		notification.KindSubscriptionClient: c.TemplateSubscriptionClient,
		notification.KindShippingClient:     c.TemplateShippingClient,
	} {
		if id != "" {
			out[kind] = id
		}
	}
	return out
}
