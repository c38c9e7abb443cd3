package ingest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"castpanel/internal/observability/metrics"
)

// HTTPController talks to the media server's REST API.
type HTTPController struct {
	config  Config
	client  *http.Client
	logger  *slog.Logger
	metrics *metrics.Recorder
}

type endpointRequest struct {
	AccountID string `json:"accountId"`
}

type endpointResponse struct {
	RTMPURL    string `json:"rtmpUrl"`
	StreamName string `json:"streamName"`
	Bitrate    int    `json:"bitrate"`
}

type telemetryResponse struct {
	Viewers int `json:"viewers"`
	Bitrate int `json:"bitrate"`
}

// NewHTTPController constructs a controller from the provided configuration.
func NewHTTPController(cfg Config, logger *slog.Logger) (*HTTPController, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	client := cfg.HTTPClient
	if client == nil {
		timeout := cfg.RequestTimeout
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		client = &http.Client{Timeout: timeout}
	}
	return &HTTPController{
		config:  cfg,
		client:  client,
		logger:  logger,
		metrics: metrics.Default(),
	}, nil
}

// AcquireEndpoint asks the media server for a fresh ingest endpoint bound to
// the account.
func (c *HTTPController) AcquireEndpoint(ctx context.Context, accountID string) (Endpoint, error) {
	if strings.TrimSpace(accountID) == "" {
		return Endpoint{}, fmt.Errorf("accountID is required")
	}
	c.metrics.ObserveWowzaAttempt("acquire_endpoint")
	payload := endpointRequest{AccountID: accountID}
	var response endpointResponse
	if err := c.postJSON(ctx, fmt.Sprintf("%s/v1/endpoints", c.baseURL()), payload, &response); err != nil {
		c.metrics.ObserveWowzaFailure("acquire_endpoint")
		return Endpoint{}, fmt.Errorf("acquire ingest endpoint: %w", err)
	}
	return Endpoint{
		RTMPURL:    response.RTMPURL,
		StreamName: response.StreamName,
		Bitrate:    response.Bitrate,
	}, nil
}

// ReleaseEndpoint returns the endpoint to the media server. Missing endpoints
// release cleanly so stop stays idempotent.
func (c *HTTPController) ReleaseEndpoint(ctx context.Context, endpoint Endpoint) error {
	if endpoint.StreamName == "" {
		return nil
	}
	c.metrics.ObserveWowzaAttempt("release_endpoint")
	url := fmt.Sprintf("%s/v1/endpoints/%s", c.baseURL(), endpoint.StreamName)
	if err := c.deleteRequest(ctx, url); err != nil {
		c.metrics.ObserveWowzaFailure("release_endpoint")
		return fmt.Errorf("release ingest endpoint: %w", err)
	}
	return nil
}

// Telemetry fetches current viewer count and bitrate for the account's feed.
func (c *HTTPController) Telemetry(ctx context.Context, accountID string) (Telemetry, error) {
	c.metrics.ObserveWowzaAttempt("telemetry")
	var response telemetryResponse
	url := fmt.Sprintf("%s/v1/telemetry/%s", c.baseURL(), accountID)
	if err := c.getJSON(ctx, url, &response); err != nil {
		c.metrics.ObserveWowzaFailure("telemetry")
		return Telemetry{}, fmt.Errorf("query telemetry: %w", err)
	}
	return Telemetry{Viewers: response.Viewers, Bitrate: response.Bitrate}, nil
}

// Health probes the media server's health endpoint once, without retries.
func (c *HTTPController) Health(ctx context.Context) HealthStatus {
	status := HealthStatus{Component: "wowza"}
	endpoint := c.config.HealthEndpoint
	if endpoint == "" {
		endpoint = "/v1/health"
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL()+endpoint, nil)
	if err != nil {
		status.Status = "error"
		status.Detail = err.Error()
		return status
	}
	c.setBearer(req)
	resp, err := c.client.Do(req)
	if err != nil {
		status.Status = "error"
		status.Detail = err.Error()
		return status
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		status.Status = "ok"
	} else {
		status.Status = "error"
		status.Detail = resp.Status
	}
	return status
}

func (c *HTTPController) baseURL() string {
	return strings.TrimRight(c.config.BaseURL, "/")
}

func (c *HTTPController) postJSON(ctx context.Context, url string, payload interface{}, dest interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	return c.doWithRetry(ctx, http.MethodPost, url, body, dest)
}

func (c *HTTPController) getJSON(ctx context.Context, url string, dest interface{}) error {
	return c.doWithRetry(ctx, http.MethodGet, url, nil, dest)
}

func (c *HTTPController) deleteRequest(ctx context.Context, url string) error {
	return c.doWithRetry(ctx, http.MethodDelete, url, nil, nil)
}

func (c *HTTPController) doWithRetry(ctx context.Context, method, url string, payload []byte, dest interface{}) error {
	attempts := c.config.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}
	interval := c.config.RetryInterval
	if interval < 0 {
		interval = 0
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		var retryable bool
		lastErr, retryable = c.doOnce(ctx, method, url, payload, dest)
		if lastErr == nil {
			return nil
		}
		if !retryable || attempt == attempts {
			return lastErr
		}
		c.logger.Warn("media server request failed", "method", method, "url", url, "attempt", attempt, "error", lastErr)
		if interval > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(interval):
			}
		} else {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}
		}
	}
	return lastErr
}

func (c *HTTPController) doOnce(ctx context.Context, method, url string, payload []byte, dest interface{}) (err error, retryable bool) {
	reqBody := io.Reader(nil)
	if payload != nil {
		reqBody = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reqBody)
	if err != nil {
		return err, false
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	c.setBearer(req)
	resp, err := c.client.Do(req)
	if err != nil {
		return err, true
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if dest == nil {
			io.Copy(io.Discard, resp.Body)
			return nil, false
		}
		if err := json.NewDecoder(resp.Body).Decode(dest); err != nil {
			return fmt.Errorf("decode response: %w", err), false
		}
		return nil, false
	}
	data, _ := io.ReadAll(resp.Body)
	err = fmt.Errorf("%s: %s", resp.Status, strings.TrimSpace(string(data)))
	retryable = resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests
	return err, retryable
}

func (c *HTTPController) setBearer(req *http.Request) {
	token := strings.TrimSpace(c.config.Token)
	if token == "" {
		return
	}
	req.Header.Set("Authorization", "Bearer "+token)
}
