package pay

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
	"path"
	"strings"
	"time"
)

// ClientConfig configures the payment-link client.
type ClientConfig struct {
	BaseURL    string
	APIKey     string
	SuccessURL string
	CancelURL  string

	Client *http.Client
	Logger *slog.Logger
}

// Client creates hosted checkout links on the payment gateway.
type Client struct {
	baseURL    *url.URL
	apiKey     string
	successURL string
	cancelURL  string
	httpClient *http.Client
	logger     *slog.Logger
}

// GatewayError is returned for non-2xx gateway responses.
type GatewayError struct {
	StatusCode int
	Status     string
	Body       string
}

func (e *GatewayError) Error() string {
	return fmt.Sprintf("payment gateway: %s: %s", e.Status, trim(e.Body, 300))
}

// NewClient constructs a Client.
func NewClient(cfg ClientConfig) (*Client, error) {
	if strings.TrimSpace(cfg.BaseURL) == "" || strings.TrimSpace(cfg.APIKey) == "" {
		return nil, errors.New("payment gateway: base url and api key are required")
	}
	u, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	client := cfg.Client
	if client == nil {
		client = &http.Client{Timeout: 20 * time.Second}
	}
	return &Client{
		baseURL:    u,
		apiKey:     cfg.APIKey,
		successURL: cfg.SuccessURL,
		cancelURL:  cfg.CancelURL,
		httpClient: client,
		logger:     logger,
	}, nil
}

// LinkRequest describes a payment to collect.
type LinkRequest struct {
	Reference     string
	AmountMinor   int64
	Currency      string
	Description   string
	CustomerEmail string
	Metadata      map[string]string
	// IdempotencyKey defaults to Reference.
	IdempotencyKey string
}

// Link is a created hosted checkout.
type Link struct {
	SessionID string
	URL       string
}

type createSessionRequest struct {
	ClientReferenceID string            `json:"client_reference_id"`
	Amount            int64             `json:"amount"`
	Currency          string            `json:"currency"`
	Description       string            `json:"description,omitempty"`
	CustomerEmail     string            `json:"customer_email,omitempty"`
	SuccessURL        string            `json:"success_url,omitempty"`
	CancelURL         string            `json:"cancel_url,omitempty"`
	Metadata          map[string]string `json:"metadata,omitempty"`
}

type createSessionResponse struct {
	ID  string `json:"id"`
	URL string `json:"url"`
}

// CreatePaymentLink creates a checkout session for the request. The
// reference doubles as the gateway idempotency key unless one is given.
func (c *Client) CreatePaymentLink(ctx context.Context, req LinkRequest) (Link, error) {
	logger := c.logger.With("op", "CreatePaymentLink", "reference", req.Reference)

	endpoint := *c.baseURL
	endpoint.Path = path.Join(endpoint.Path, "/v1/checkout/sessions")

	body, err := json.Marshal(createSessionRequest{
		ClientReferenceID: req.Reference,
		Amount:            req.AmountMinor,
		Currency:          strings.ToLower(req.Currency),
		Description:       req.Description,
		CustomerEmail:     req.CustomerEmail,
		SuccessURL:        c.successURL,
		CancelURL:         c.cancelURL,
		Metadata:          req.Metadata,
	})
	if err != nil {
		return Link{}, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint.String(), bytes.NewReader(body))
	if err != nil {
		return Link{}, err
	}
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	httpReq.Header.Set("Content-Type", "application/json")
	key := req.IdempotencyKey
	if key == "" {
		key = req.Reference
	}
	httpReq.Header.Set("Idempotency-Key", key)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return Link{}, fmt.Errorf("checkout session request: %w", err)
	}
	defer resp.Body.Close()
	b, _ := io.ReadAll(resp.Body)
	logger.Debug("checkout session raw", "status", resp.Status, "body", trim(string(b), 2000))

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return Link{}, &GatewayError{StatusCode: resp.StatusCode, Status: resp.Status, Body: string(b)}
	}

	var out createSessionResponse
	if err := json.Unmarshal(b, &out); err != nil {
		return Link{}, fmt.Errorf("decode checkout session: %w", err)
	}
	if strings.TrimSpace(out.ID) == "" || strings.TrimSpace(out.URL) == "" {
		return Link{}, errors.New("checkout session: empty id or url")
	}
	logger.Info("checkout session created", "session_id", out.ID)
	return Link{SessionID: out.ID, URL: out.URL}, nil
}

func trim(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
