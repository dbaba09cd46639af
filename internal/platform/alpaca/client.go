// Package alpaca is the brokerage adapter for the Alpaca market data and
// trading REST APIs.
package alpaca

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/alanyoungcy/riskpilot/internal/domain"
)

// Default API roots.
const (
	DefaultTradingURL = "https://paper-api.alpaca.markets"
	DefaultDataURL    = "https://data.alpaca.markets"
)

// rateLimitKey is the limiter bucket shared by every request to one account.
const rateLimitKey = "alpaca:api"

// Config configures a Client.
type Config struct {
	TradingURL string
	DataURL    string
	KeyID      string
	SecretKey  string
	Timeout    time.Duration
}

// Client is the REST client for the Alpaca APIs. Both the market data and
// trading adapters share it, and with it the rate limiter.
type Client struct {
	tradingURL string
	dataURL    string
	keyID      string
	secretKey  string
	httpClient *http.Client
	limiter    domain.RateLimiter
}

// NewClient creates a new Alpaca REST client. Empty URLs fall back to the
// paper trading and public data roots.
func NewClient(cfg Config) *Client {
	if cfg.TradingURL == "" {
		cfg.TradingURL = DefaultTradingURL
	}
	if cfg.DataURL == "" {
		cfg.DataURL = DefaultDataURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	return &Client{
		tradingURL: strings.TrimRight(cfg.TradingURL, "/"),
		dataURL:    strings.TrimRight(cfg.DataURL, "/"),
		keyID:      cfg.KeyID,
		secretKey:  cfg.SecretKey,
		httpClient: &http.Client{Timeout: cfg.Timeout},
	}
}

// WithRateLimiter makes every request wait for the limiter first.
func (c *Client) WithRateLimiter(l domain.RateLimiter) *Client {
	c.limiter = l
	return c
}

// do builds, authenticates, sends, and reads an HTTP request. A nil out
// discards the response body.
func (c *Client) do(ctx context.Context, method, url string, reqBody, out any) error {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx, rateLimitKey); err != nil {
			return fmt.Errorf("rate limit wait: %w", err)
		}
	}

	var bodyReader io.Reader
	if reqBody != nil {
		b, err := json.Marshal(reqBody)
		if err != nil {
			return fmt.Errorf("marshal request body: %w", err)
		}
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, bodyReader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if reqBody != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("APCA-API-KEY-ID", c.keyID)
	req.Header.Set("APCA-API-SECRET-KEY", c.secretKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if err := checkStatus(resp.StatusCode, respBody); err != nil {
		return err
	}
	if out == nil || len(respBody) == 0 {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// checkStatus maps non-2xx HTTP status codes to domain errors.
func checkStatus(statusCode int, body []byte) error {
	if statusCode >= 200 && statusCode < 300 {
		return nil
	}

	var apiErr ErrorResponse
	_ = json.Unmarshal(body, &apiErr)
	msg := apiErr.Message
	if msg == "" {
		msg = strings.TrimSpace(string(body))
	}

	switch statusCode {
	case http.StatusNotFound:
		return fmt.Errorf("alpaca: %s: %w", msg, domain.ErrNotFound)
	case http.StatusUnauthorized, http.StatusForbidden:
		return fmt.Errorf("alpaca: %s: %w", msg, domain.ErrUnauthorized)
	case http.StatusTooManyRequests:
		return fmt.Errorf("alpaca: %s: %w", msg, domain.ErrRateLimited)
	case http.StatusUnprocessableEntity:
		return fmt.Errorf("alpaca: rejected: %s", msg)
	default:
		return fmt.Errorf("alpaca: HTTP %d: %s", statusCode, msg)
	}
}
