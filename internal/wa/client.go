package wa

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"wa-autoreply/internal/metrics"
)

const (
	defaultBaseURL    = "https://graph.facebook.com"
	defaultAPIVersion = "v22.0"
	defaultTimeout    = 15 * time.Second
)

var (
	// ErrMissingAccessToken is returned before any request when the business has no token.
	ErrMissingAccessToken = errors.New("missing whatsapp access token")
	// ErrMissingPhoneNumberID is returned before any request when no channel id is known.
	ErrMissingPhoneNumberID = errors.New("missing whatsapp phone number id")
)

// APIError describes a non-2xx answer from the Graph API.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("whatsapp api %d: %s", e.StatusCode, e.Body)
}

// Config holds Cloud API client configuration.
type Config struct {
	BaseURL    string
	APIVersion string
	Timeout    time.Duration
}

// Client sends messages through the WhatsApp Cloud API. Credentials are per
// business and travel with each request.
type Client struct {
	logger     *slog.Logger
	metrics    *metrics.Metrics
	baseURL    string
	apiVersion string
	timeout    time.Duration
	http       *http.Client
}

// New creates a Cloud API client.
func New(cfg Config, logger *slog.Logger, metricRegistry *metrics.Metrics) *Client {
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		base = defaultBaseURL
	}
	version := strings.Trim(strings.TrimSpace(cfg.APIVersion), "/")
	if version == "" {
		version = defaultAPIVersion
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Client{
		logger:     logger.With("component", "whatsapp"),
		metrics:    metricRegistry,
		baseURL:    base,
		apiVersion: version,
		timeout:    timeout,
		http:       &http.Client{Timeout: timeout},
	}
}

// SendTextRequest is a single text message to a customer.
type SendTextRequest struct {
	AccessToken   string
	PhoneNumberID string
	To            string
	Text          string
}

type sendTextBody struct {
	MessagingProduct string   `json:"messaging_product"`
	To               string   `json:"to"`
	Type             string   `json:"type"`
	Text             textBody `json:"text"`
}

type textBody struct {
	Body string `json:"body"`
}

type sendTextResponse struct {
	Messages []struct {
		ID string `json:"id"`
	} `json:"messages"`
}

// SendText performs one send attempt and returns the provider message id,
// which may be empty when the response omits it.
func (c *Client) SendText(ctx context.Context, req SendTextRequest) (string, error) {
	token := strings.TrimSpace(req.AccessToken)
	if token == "" {
		return "", ErrMissingAccessToken
	}
	phoneNumberID := strings.TrimSpace(req.PhoneNumberID)
	if phoneNumberID == "" {
		return "", ErrMissingPhoneNumberID
	}

	payload, err := json.Marshal(sendTextBody{
		MessagingProduct: "whatsapp",
		To:               req.To,
		Type:             "text",
		Text:             textBody{Body: req.Text},
	})
	if err != nil {
		return "", fmt.Errorf("encode message: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	endpoint := fmt.Sprintf("%s/%s/%s/messages", c.baseURL, c.apiVersion, phoneNumberID)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("new request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+token)
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")

	start := time.Now()
	res, err := c.http.Do(httpReq)
	if err != nil {
		c.metrics.WARequest("error", time.Since(start))
		return "", fmt.Errorf("whatsapp request: %w", err)
	}
	defer res.Body.Close()

	c.metrics.WARequest(fmt.Sprintf("%d", res.StatusCode), time.Since(start))

	body, err := io.ReadAll(res.Body)
	if err != nil {
		return "", fmt.Errorf("read response: %w", err)
	}
	if res.StatusCode < 200 || res.StatusCode > 299 {
		return "", &APIError{StatusCode: res.StatusCode, Body: strings.TrimSpace(string(body))}
	}

	var decoded sendTextResponse
	if err := json.Unmarshal(body, &decoded); err != nil {
		c.logger.Warn("unexpected send response body", "error", err, "phone_number_id", phoneNumberID)
		return "", nil
	}
	if len(decoded.Messages) == 0 {
		return "", nil
	}
	return decoded.Messages[0].ID, nil
}
