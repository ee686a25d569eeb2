// Package gateway is the HTTP client for the external payment processor.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/vetrx/fulfillment/internal/domain/payment"
	"github.com/vetrx/fulfillment/internal/infrastructure/httpx"
	"github.com/vetrx/fulfillment/pkg/circuitbreaker"
	"github.com/vetrx/fulfillment/pkg/errorx"
)

const (
	transactionsPath = "/api/v2/transactions"
	customersPath    = "/api/v2/customers"
)

// Config holds payment processor settings
type Config struct {
	BaseURL string
	Timeout time.Duration
	Breaker circuitbreaker.Config
}

// DefaultConfig returns defaults for the payment processor
func DefaultConfig(baseURL string) Config {
	return Config{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Timeout: 10 * time.Second,
		Breaker: circuitbreaker.DefaultConfig("payment-gateway"),
	}
}

// Client calls the payment processor through a circuit breaker
type Client struct {
	baseURL string
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

	bcfg := cfg.Breaker
	// a rejected card says nothing about processor health
	bcfg.IsSuccessful = func(err error) bool {
		return err == nil || isDecline(err)
	}
	breaker, err := circuitbreaker.New(bcfg, logger)
	if err != nil {
		return nil, fmt.Errorf("create gateway breaker: %w", err)
	}

	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		http:    httpClient,
		breaker: breaker,
		logger:  logger,
		tracer:  otel.Tracer("payment-gateway"),
	}, nil
}

// Breaker exposes the breaker for health reporting
func (c *Client) Breaker() *circuitbreaker.CircuitBreaker { return c.breaker }

var _ payment.Gateway = (*Client)(nil)

type chargePayload struct {
	OrderID     string      `json:"order_id"`
	OrderNumber int64       `json:"order_number"`
	Amount      json.Number `json:"amount"`
	Name        string      `json:"credit_card_name"`
	Number      string      `json:"credit_card_number"`
	ExpiryMonth string      `json:"credit_card_expiry_month"`
	ExpiryYear  string      `json:"credit_card_expiry_year"`
	CVV         string      `json:"credit_card_cvv"`
}

type chargeResponse struct {
	Message         string `json:"message"`
	ReferenceNumber string `json:"reference_number"`
}

// Charge submits a one-time charge
func (c *Client) Charge(ctx context.Context, req *payment.ChargeRequest) (*payment.ChargeResult, error) {
	ctx, span := c.tracer.Start(ctx, "gateway_charge",
		trace.WithAttributes(
			attribute.String("order_id", req.OrderID),
			attribute.Int64("order_number", req.OrderNumber),
		))
	defer span.End()

	body := chargePayload{
		OrderID:     req.OrderID,
		OrderNumber: req.OrderNumber,
		Amount:      json.Number(req.Amount.StringFixed(2)),
		Name:        req.Card.HolderName,
		Number:      req.Card.Number,
		ExpiryMonth: req.Card.ExpiryMonth,
		ExpiryYear:  req.Card.ExpiryYear,
		CVV:         req.Card.CVV,
	}

	resp, err := circuitbreaker.Call(ctx, c.breaker, func() (*chargeResponse, error) {
		var out chargeResponse
		if err := httpx.PostJSON(ctx, c.http, c.baseURL+transactionsPath, body, &out); err != nil {
			return nil, err
		}
		return &out, nil
	})
	if err != nil {
		span.RecordError(err)
		return nil, c.classify(err, "charge")
	}
	return &payment.ChargeResult{ReferenceNumber: resp.ReferenceNumber, Message: resp.Message}, nil
}

type creditCard struct {
	CardName   string `json:"card_name"`
	Number     string `json:"number"`
	ExpiryDate string `json:"expiry_date"`
	CVV        string `json:"cvv"`
}

type customerPayload struct {
	Address        payment.BillingContact `json:"address"`
	CreditCard     *creditCard            `json:"credit_card,omitempty"`
	PaymentToken   string                 `json:"payment_token,omitempty"`
	CustomerNumber string                 `json:"customer_number"`
	User           string                 `json:"user"`
	Amount         json.Number            `json:"amount"`
	CustomerID     string                 `json:"customer_id"`
	OrderID        string                 `json:"order_id"`
	Next           string                 `json:"next"`
	Description    string                 `json:"description"`
}

type customerResponse struct {
	CustomerCode string `json:"customer_code"`
}

// RegisterCustomer creates a recurring billing profile
func (c *Client) RegisterCustomer(ctx context.Context, p *payment.BillingProfile) (string, error) {
	ctx, span := c.tracer.Start(ctx, "gateway_register_customer",
		trace.WithAttributes(
			attribute.String("order_id", p.OrderID),
			attribute.Bool("tokenized", p.Card == nil),
		))
	defer span.End()

	body := customerPayload{
		Address:        p.Address,
		PaymentToken:   p.PaymentToken,
		CustomerNumber: p.CustomerNumber,
		User:           p.User,
		Amount:         json.Number(p.Amount.StringFixed(2)),
		CustomerID:     p.CustomerID,
		OrderID:        p.OrderID,
		Next:           p.NextCharge.UTC().Format(time.RFC3339),
		Description:    p.Description,
	}
	if p.Card != nil {
		body.CreditCard = &creditCard{
			CardName:   p.Card.Brand(),
			Number:     p.Card.Number,
			ExpiryDate: p.Card.ExpiryMonth + "/" + p.Card.ExpiryYear,
			CVV:        p.Card.CVV,
		}
	}

	resp, err := circuitbreaker.Call(ctx, c.breaker, func() (*customerResponse, error) {
		var out customerResponse
		if err := httpx.PostJSON(ctx, c.http, c.baseURL+customersPath, body, &out); err != nil {
			return nil, err
		}
		return &out, nil
	})
	if err != nil {
		span.RecordError(err)
		return "", c.classify(err, "register customer")
	}
	if resp.CustomerCode == "" {
		return "", errorx.ExternalService(nil, "payment gateway returned no customer code")
	}
	return resp.CustomerCode, nil
}

// declineStatuses are the responses the processor uses to reject a card or
// payment request. Other 4xx responses (auth, routing, rate limits) are
// processor failures.
var declineStatuses = map[int]bool{
	http.StatusBadRequest:          true,
	http.StatusPaymentRequired:     true,
	http.StatusUnprocessableEntity: true,
}

func isDecline(err error) bool {
	var se *httpx.StatusError
	return errors.As(err, &se) && declineStatuses[se.StatusCode]
}

// classify maps a transport outcome to the error taxonomy: a decline status
// is a PaymentDeclined, everything else is a processor failure.
func (c *Client) classify(err error, op string) error {
	var se *httpx.StatusError
	if isDecline(err) && errors.As(err, &se) {
		msg := declineMessage(se.Body)
		c.logger.Info("payment gateway rejected request",
			zap.String("op", op),
			zap.Int("status", se.StatusCode),
			zap.String("message", msg))
		return errorx.PaymentDeclined("%s", msg)
	}
	if circuitbreaker.IsOpenError(err) {
		return errorx.ExternalService(err, "payment gateway unavailable")
	}
	c.logger.Warn("payment gateway call failed", zap.String("op", op), zap.Error(err))
	return errorx.ExternalService(err, "payment gateway %s failed", op)
}

func declineMessage(body string) string {
	var resp struct {
		Message string `json:"message"`
	}
	if json.Unmarshal([]byte(body), &resp) == nil && resp.Message != "" {
		return resp.Message
	}
	if body == "" || len(body) > 200 {
		return "payment declined"
	}
	return body
}
