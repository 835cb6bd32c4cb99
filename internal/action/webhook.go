package action

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// WebhookConfig configures outbound webhook calls.
type WebhookConfig struct {
	Timeout        time.Duration
	AllowedSchemes []string // defaults to https and http
	Breaker        BreakerConfig
}

// WebhookResponse is the result of a webhook call that reached the target.
type WebhookResponse struct {
	StatusCode int
	Body       any
}

// WebhookCaller performs webhook actions with one circuit breaker per
// target host.
type WebhookCaller struct {
	client  *http.Client
	cfg     WebhookConfig
	now     func() time.Time
	mu      sync.Mutex
	breaker map[string]*CircuitBreaker // key: host
}

// NewWebhookCaller creates a caller. A nil client gets a pooled default
// with cfg.Timeout.
func NewWebhookCaller(client *http.Client, cfg WebhookConfig) *WebhookCaller {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if len(cfg.AllowedSchemes) == 0 {
		cfg.AllowedSchemes = []string{"https", "http"}
	}
	if client == nil {
		client = &http.Client{
			Timeout: cfg.Timeout,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxConnsPerHost:     20,
				IdleConnTimeout:     90 * time.Second,
				TLSHandshakeTimeout: 10 * time.Second,
			},
		}
	}
	return &WebhookCaller{
		client:  client,
		cfg:     cfg,
		now:     time.Now,
		breaker: make(map[string]*CircuitBreaker),
	}
}

// Breaker returns the breaker guarding host.
func (w *WebhookCaller) Breaker(host string) *CircuitBreaker {
	w.mu.Lock()
	defer w.mu.Unlock()
	cb, ok := w.breaker[host]
	if !ok {
		cb = NewCircuitBreaker(w.cfg.Breaker, w.now)
		w.breaker[host] = cb
	}
	return cb
}

// Call sends body as JSON. Server errors and transport failures are
// returned as retryable errors; client errors, an open breaker and invalid
// targets are permanent.
func (w *WebhookCaller) Call(ctx context.Context, method, target, runID string, body any) (WebhookResponse, error) {
	if method == "" {
		method = http.MethodPost
	}
	u, err := url.Parse(target)
	if err != nil || u.Host == "" {
		return WebhookResponse{}, backoff.Permanent(fmt.Errorf("invalid webhook url %q", target))
	}
	if !w.schemeAllowed(u.Scheme) {
		return WebhookResponse{}, backoff.Permanent(fmt.Errorf("webhook scheme %q not allowed", u.Scheme))
	}

	cb := w.Breaker(u.Host)
	if err := cb.Allow(); err != nil {
		return WebhookResponse{}, backoff.Permanent(fmt.Errorf("webhook %s: %w", u.Host, err))
	}

	payload, err := json.Marshal(body)
	if err != nil {
		cb.RecordSuccess()
		return WebhookResponse{}, backoff.Permanent(fmt.Errorf("marshal webhook body: %w", err))
	}
	req, err := http.NewRequestWithContext(ctx, strings.ToUpper(method), u.String(), bytes.NewReader(payload))
	if err != nil {
		cb.RecordSuccess()
		return WebhookResponse{}, backoff.Permanent(fmt.Errorf("build webhook request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Flowdesk-Run-Id", sanitizeHeader(runID))

	resp, err := w.client.Do(req)
	if err != nil {
		cb.RecordFailure()
		return WebhookResponse{}, fmt.Errorf("webhook request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		cb.RecordFailure()
		return WebhookResponse{}, fmt.Errorf("read webhook response: %w", err)
	}

	result := WebhookResponse{StatusCode: resp.StatusCode}
	if len(raw) > 0 {
		var parsed any
		if json.Unmarshal(raw, &parsed) == nil {
			result.Body = parsed
		}
	}

	switch {
	case resp.StatusCode >= 500:
		cb.RecordFailure()
		return result, fmt.Errorf("webhook responded %d", resp.StatusCode)
	case resp.StatusCode >= 400:
		// Client errors say nothing about the target's health.
		cb.RecordSuccess()
		if resp.StatusCode == http.StatusTooManyRequests {
			return result, fmt.Errorf("webhook responded %d", resp.StatusCode)
		}
		return result, backoff.Permanent(fmt.Errorf("webhook responded %d", resp.StatusCode))
	}
	cb.RecordSuccess()
	return result, nil
}

func (w *WebhookCaller) schemeAllowed(scheme string) bool {
	for _, s := range w.cfg.AllowedSchemes {
		if strings.EqualFold(s, scheme) {
			return true
		}
	}
	return false
}

// sanitizeHeader strips newlines and carriage returns to prevent header injection.
func sanitizeHeader(s string) string {
	s = strings.ReplaceAll(s, "\r", "")
	s = strings.ReplaceAll(s, "\n", "")
	return s
}
