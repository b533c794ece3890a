// Package policyengine is the HTTP transport to a single policy-decision
// node. It carries no business logic: consensus and attestation checks live
// in the cluster package.
package policyengine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/narval-xyz/armory-sub000/pkg/contracts"
	"github.com/narval-xyz/armory-sub000/pkg/errs"
)

const (
	defaultTimeout = 10 * time.Second
	maxErrorBody   = 4 << 10

	HeaderClientID     = "x-client-id"
	HeaderClientSecret = "x-client-secret"
	HeaderAPIKey       = "x-api-key"
)

// Config configures the node client.
type Config struct {
	// Timeout bounds every node call. Default: 10s.
	Timeout time.Duration
	// RPS limits calls per node host. Zero disables limiting.
	RPS   float64
	Burst int
	// HTTPClient overrides the transport, mostly for tests.
	HTTPClient *http.Client
}

// Client talks to policy-decision nodes over HTTP. Safe for concurrent use.
type Client struct {
	http   *http.Client
	limit  rate.Limit
	burst  int
	logger *slog.Logger

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

func NewClient(cfg Config) *Client {
	hc := cfg.HTTPClient
	if hc == nil {
		timeout := cfg.Timeout
		if timeout == 0 {
			timeout = defaultTimeout
		}
		hc = &http.Client{Timeout: timeout}
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	limit := rate.Inf
	if cfg.RPS > 0 {
		limit = rate.Limit(cfg.RPS)
	}
	return &Client{
		http:     hc,
		limit:    limit,
		burst:    burst,
		logger:   slog.Default().With("component", "policyengine"),
		limiters: make(map[string]*rate.Limiter),
	}
}

// Evaluate posts an evaluation request to the node at host.
func (c *Client) Evaluate(ctx context.Context, host, clientID, clientSecret string, req *contracts.EvaluationRequest) (*contracts.EvaluationResponse, error) {
	var out contracts.EvaluationResponse
	headers := map[string]string{
		HeaderClientID:     clientID,
		HeaderClientSecret: clientSecret,
	}
	if err := c.post(ctx, host, "/evaluations", headers, req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// SyncClient asks the node to pull the latest entity and policy data.
func (c *Client) SyncClient(ctx context.Context, host, clientID, clientSecret string) (*contracts.SyncResponse, error) {
	var out contracts.SyncResponse
	headers := map[string]string{
		HeaderClientID:     clientID,
		HeaderClientSecret: clientSecret,
	}
	if err := c.post(ctx, host, "/clients/sync", headers, struct{}{}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// CreateClient registers a client on the node using its admin API key.
func (c *Client) CreateClient(ctx context.Context, host, adminAPIKey string, req *contracts.CreateClientRequest) (*contracts.CreateClientResponse, error) {
	var out contracts.CreateClientResponse
	headers := map[string]string{HeaderAPIKey: adminAPIKey}
	if err := c.post(ctx, host, "/clients", headers, req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) limiter(host string) *rate.Limiter {
	c.mu.Lock()
	defer c.mu.Unlock()
	l, ok := c.limiters[host]
	if !ok {
		l = rate.NewLimiter(c.limit, c.burst)
		c.limiters[host] = l
	}
	return l
}

func (c *Client) post(ctx context.Context, host, path string, headers map[string]string, body, out any) error {
	url := strings.TrimRight(host, "/") + path
	errCtx := map[string]any{"url": url}

	if err := c.limiter(host).Wait(ctx); err != nil {
		return errs.Wrap(errs.KindTransport, "rate limiter wait", err, errCtx)
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return errs.Wrap(errs.KindValidation, "marshal node request", err, errCtx)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return errs.Wrap(errs.KindTransport, "build node request", err, errCtx)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		httpReq.Header.Set(k, v)
	}

	start := time.Now()
	resp, err := c.http.Do(httpReq)
	if err != nil {
		return errs.Wrap(errs.KindTransport, "node unreachable", err, errCtx)
	}
	defer resp.Body.Close()

	c.logger.DebugContext(ctx, "node call", "url", url, "status", resp.StatusCode, "duration", time.Since(start))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		e := errs.New(errs.KindTransport, fmt.Sprintf("node responded %d", resp.StatusCode), map[string]any{
			"url":    url,
			"status": resp.StatusCode,
			"body":   string(snippet),
		})
		e.Retryable = retryableStatus(resp.StatusCode)
		return e
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return errs.Wrap(errs.KindTransport, "decode node response", err, errCtx)
	}
	return nil
}

// retryableStatus treats server faults, throttling and timeouts as transient.
// Other client errors repeat identically on retry.
func retryableStatus(code int) bool {
	switch {
	case code >= 500:
		return true
	case code == http.StatusTooManyRequests, code == http.StatusRequestTimeout:
		return true
	}
	return false
}
