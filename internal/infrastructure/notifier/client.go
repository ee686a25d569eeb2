// Package notifier is the HTTP client for the external notification service.
package notifier

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/vetrx/fulfillment/internal/domain/notification"
	"github.com/vetrx/fulfillment/internal/infrastructure/httpx"
	"github.com/vetrx/fulfillment/pkg/circuitbreaker"
)

const (
	emailPath = "/api/v1/notifications/emails"
	smsPath   = "/api/v1/notifications/sms"
)

// Config holds notification service settings
type Config struct {
	BaseURL   string
	FromEmail string
	FromName  string
	// Templates maps a message kind to the provider template id
	Templates map[notification.Kind]string
	Timeout   time.Duration
	Breaker   circuitbreaker.Config
}

// DefaultConfig returns defaults for the notification service
func DefaultConfig(baseURL string) Config {
	return Config{
		BaseURL:   baseURL,
		FromEmail: "noreply@vetrx.example",
		FromName:  "VetRx",
		Templates: map[notification.Kind]string{},
		Timeout:   5 * time.Second,
		Breaker:   circuitbreaker.DefaultConfig("notification-service"),
	}
}

// Client sends email and SMS through the notification service
type Client struct {
	config  Config
	http    *http.Client
	breaker *circuitbreaker.CircuitBreaker
	logger  *zap.Logger
	tracer  trace.Tracer
}

// New creates a client. A nil httpClient gets one with cfg.Timeout.
func New(cfg Config, httpClient *http.Client, logger *zap.Logger) (*Client, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")

	bcfg := cfg.Breaker
	bcfg.IsSuccessful = func(err error) bool {
		var se *httpx.StatusError
		return err == nil || (errors.As(err, &se) && se.Client4xx())
	}
	breaker, err := circuitbreaker.New(bcfg, logger)
	if err != nil {
		return nil, fmt.Errorf("create notifier breaker: %w", err)
	}

	return &Client{
		config:  cfg,
		http:    httpClient,
		breaker: breaker,
		logger:  logger,
		tracer:  otel.Tracer("notifier"),
	}, nil
}

// Breaker exposes the breaker for health reporting
func (c *Client) Breaker() *circuitbreaker.CircuitBreaker { return c.breaker }

var _ notification.Dispatcher = (*Client)(nil)

type emailPayload struct {
	FromEmail     string            `json:"from_email"`
	FromName      string            `json:"from_name"`
	ToEmail       string            `json:"to_email"`
	ToName        string            `json:"to_name"`
	Subject       string            `json:"subject"`
	TemplateID    string            `json:"template_id"`
	Substitutions map[string]string `json:"substitutions"`
}

type smsPayload struct {
	To      string `json:"to"`
	Message string `json:"message"`
}

// Send delivers the email and SMS parts of msg. Channels without an address
// are skipped. A channel failure is reported in the result, not as an error;
// the error is reserved for an open breaker.
func (c *Client) Send(ctx context.Context, msg *notification.Message) (*notification.Result, error) {
	ctx, span := c.tracer.Start(ctx, "notify_send",
		trace.WithAttributes(attribute.String("kind", string(msg.Kind))))
	defer span.End()

	res := &notification.Result{Email: notification.StatusSkipped, SMS: notification.StatusSkipped}
	var open error

	if msg.Recipient.Email != "" {
		templateID := msg.TemplateID
		if templateID == "" {
			templateID = c.config.Templates[msg.Kind]
		}
		err := c.post(ctx, emailPath, emailPayload{
			FromEmail:     c.config.FromEmail,
			FromName:      c.config.FromName,
			ToEmail:       msg.Recipient.Email,
			ToName:        msg.Recipient.Name,
			Subject:       msg.Subject,
			TemplateID:    templateID,
			Substitutions: msg.Substitutions,
		})
		res.Email = c.status(msg.Kind, "email", err)
		if circuitbreaker.IsOpenError(err) {
			open = err
		}
	}

	if msg.Recipient.Phone != "" && msg.SMSText != "" {
		err := c.post(ctx, smsPath, smsPayload{To: msg.Recipient.Phone, Message: msg.SMSText})
		res.SMS = c.status(msg.Kind, "sms", err)
		if circuitbreaker.IsOpenError(err) {
			open = err
		}
	}

	span.SetAttributes(attribute.String("email", res.Email), attribute.String("sms", res.SMS))
	if open != nil {
		return res, fmt.Errorf("notification service unavailable: %w", open)
	}
	return res, nil
}

func (c *Client) post(ctx context.Context, path string, body interface{}) error {
	_, err := c.breaker.Execute(ctx, func() (interface{}, error) {
		return nil, httpx.PostJSON(ctx, c.http, c.config.BaseURL+path, body, nil)
	})
	return err
}

func (c *Client) status(kind notification.Kind, channel string, err error) string {
	if err == nil {
		return notification.StatusSent
	}
	c.logger.Warn("notification channel failed",
		zap.String("kind", string(kind)),
		zap.String("channel", channel),
		zap.Error(err))
	return notification.StatusFailed
}
