// Package gateway is the HTTP client for the payment gateway: credit-leg
// payouts, debit reversals and sender SMS.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/doseal/agentwallet/internal/circuitbreaker"
)

var (
	ErrNotConfigured = errors.New("gateway: base URL not configured")
	ErrCircuitOpen   = errors.New("gateway: circuit open")
	ErrUnavailable   = errors.New("gateway: unavailable")
)

const maxResponseBytes = 1 << 20

var gatewayRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "agentwallet",
	Subsystem: "gateway",
	Name:      "requests_total",
	Help:      "Payment gateway requests by operation and outcome.",
}, []string{"op", "outcome"})

func init() {
	prometheus.MustRegister(gatewayRequests)
}

// Config holds gateway connection settings.
type Config struct {
	BaseURL     string
	Token       string
	CallbackURL string // base URL the gateway posts credit callbacks to
	Timeout     time.Duration
	RetryMax    int
}

// Response is the gateway's reply to payouts and reversals.
type Response struct {
	Code       Code   `json:"code"`
	Message    string `json:"message"`
	GatewayRef string `json:"zeepay_id,omitempty"`
	GatewayID  string `json:"gateway_id,omitempty"`
}

// PayoutRequest pays the beneficiary of a credit leg.
type PayoutRequest struct {
	Amount            string `json:"amount"`
	SendAmount        string `json:"send_amount"`
	SenderCountry     string `json:"sender_country"`
	SendingCurrency   string `json:"sending_currency"`
	SenderFirstName   string `json:"sender_first_name"`
	SenderLastName    string `json:"sender_last_name"`
	ReceiverFirstName string `json:"receiver_first_name"`
	ReceiverLastName  string `json:"receiver_last_name"`
	ServiceType       string `json:"service_type"`
	ReceiverMSISDN    string `json:"receiver_msisdn"`
	AccountNumber     string `json:"account_number"`
	RoutingNumber     string `json:"routing_number"`
	ReceiverCountry   string `json:"receiver_country"`
	ReceiverCurrency  string `json:"receiver_currency"`
	TransactionType   string `json:"transaction_type"`
	MNO               string `json:"mno,omitempty"`
	ExtrID            string `json:"extr_id"`
	ClientReference   string `json:"client_reference,omitempty"`
	CallbackURL       string `json:"callback_url"`
}

// Client talks to the payment gateway. Reversals and SMS are retried on
// transport errors and 5xx; payouts are sent once since a retried payout
// could pay twice.
type Client struct {
	cfg     Config
	http    *retryablehttp.Client
	once    *retryablehttp.Client
	breaker *circuitbreaker.Breaker
	logger  *slog.Logger
}

// New creates a gateway client.
func New(cfg Config, logger *slog.Logger) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.RetryMax < 0 {
		cfg.RetryMax = 0
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		cfg:     cfg,
		http:    newHTTPClient(cfg.Timeout, cfg.RetryMax, logger),
		once:    newHTTPClient(cfg.Timeout, 0, logger),
		breaker: circuitbreaker.New(circuitbreaker.Settings{}),
		logger:  logger,
	}
}

func newHTTPClient(timeout time.Duration, retries int, logger *slog.Logger) *retryablehttp.Client {
	c := retryablehttp.NewClient()
	c.RetryMax = retries
	c.RetryWaitMin = 200 * time.Millisecond
	c.RetryWaitMax = 2 * time.Second
	c.HTTPClient.Timeout = timeout
	c.Logger = logger
	// Hand non-2xx responses back to the caller instead of an error so the
	// gateway's own code/message body can be read.
	c.ErrorHandler = retryablehttp.PassthroughErrorHandler
	return c
}

// WithBreaker replaces the circuit breaker.
func (c *Client) WithBreaker(b *circuitbreaker.Breaker) *Client {
	c.breaker = b
	return c
}

// Payout dispatches the credit leg of a transaction.
func (c *Client) Payout(ctx context.Context, req PayoutRequest) (*Response, error) {
	if req.CallbackURL == "" && c.cfg.CallbackURL != "" {
		req.CallbackURL = strings.TrimRight(c.cfg.CallbackURL, "/") + "/v1/callbacks/credit"
	}
	return c.do(ctx, c.once, "payout", http.MethodPost, "/api/payouts", req)
}

// Reverse asks the gateway to reverse a debit identified by its gateway
// reference.
func (c *Client) Reverse(ctx context.Context, gatewayRef, reason string) (*Response, error) {
	path := "/api/transactions/" + url.PathEscape(gatewayRef) + "/reverse/" + url.PathEscape(reason)
	body := map[string]string{"zeepay_id": gatewayRef, "reversalReason": reason}
	return c.do(ctx, c.http, "reverse", http.MethodPut, path, body)
}

// SendSMS sends message to phone through the gateway's SMS endpoint.
func (c *Client) SendSMS(ctx context.Context, phone, message string) error {
	body := map[string]any{
		"message":   message,
		"recipient": []string{strings.ReplaceAll(phone, "+", "")},
	}
	res, err := c.do(ctx, c.http, "sms", http.MethodPost, "/api/instntmny-local/in-house/send-sms/", body)
	if err != nil {
		return err
	}
	if res.Code.Int()/100 != 2 {
		return fmt.Errorf("gateway: sms rejected: %s %s", res.Code, res.Message)
	}
	return nil
}

func (c *Client) do(ctx context.Context, hc *retryablehttp.Client, op, method, path string, body any) (*Response, error) {
	if c.cfg.BaseURL == "" {
		return nil, ErrNotConfigured
	}
	key := "gateway." + op
	if !c.breaker.Allow(key) {
		gatewayRequests.WithLabelValues(op, "circuit_open").Inc()
		return nil, fmt.Errorf("%w: %s, retry in %s", ErrCircuitOpen, op, c.breaker.RetryAfter(key).Round(time.Second))
	}

	raw, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("gateway: encode %s: %w", op, err)
	}
	req, err := retryablehttp.NewRequestWithContext(ctx, method, c.cfg.BaseURL+path, raw)
	if err != nil {
		return nil, fmt.Errorf("gateway: build %s: %w", op, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.Token)
	}

	start := time.Now()
	resp, err := hc.Do(req)
	if err != nil {
		c.breaker.Report(key, err)
		gatewayRequests.WithLabelValues(op, "transport_error").Inc()
		return nil, fmt.Errorf("%w: %s: %w", ErrUnavailable, op, err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		c.breaker.Report(key, err)
		gatewayRequests.WithLabelValues(op, "transport_error").Inc()
		return nil, fmt.Errorf("%w: %s: read body: %w", ErrUnavailable, op, err)
	}
	if resp.StatusCode >= 500 {
		err := fmt.Errorf("%w: %s: status %d", ErrUnavailable, op, resp.StatusCode)
		c.breaker.Report(key, err)
		gatewayRequests.WithLabelValues(op, "server_error").Inc()
		return nil, err
	}
	c.breaker.Report(key, nil)

	out := &Response{}
	if len(bytes.TrimSpace(data)) > 0 {
		if err := json.Unmarshal(data, out); err != nil && resp.StatusCode/100 != 2 {
			gatewayRequests.WithLabelValues(op, "bad_response").Inc()
			return nil, fmt.Errorf("gateway: %s: status %d: %w", op, resp.StatusCode, err)
		}
	}
	if out.Code == "" {
		out.Code = Code(strconv.Itoa(resp.StatusCode))
	}
	gatewayRequests.WithLabelValues(op, out.Code.String()).Inc()
	c.logger.InfoContext(ctx, "gateway request completed",
		"op", op, "status", resp.StatusCode, "code", out.Code,
		"duration", time.Since(start).Round(time.Millisecond).String())
	return out, nil
}
