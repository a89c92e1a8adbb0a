// Package builder talks to the external text-to-logic Builder service.
package builder

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Builder converts a document into knowledge artifacts scoped to owner and
// persists them. It does not report which artifacts it created.
type Builder interface {
	BuildAndSave(ctx context.Context, document, owner string) error
}

// Func adapts a plain function to Builder.
type Func func(ctx context.Context, document, owner string) error

// BuildAndSave implements Builder.
func (f Func) BuildAndSave(ctx context.Context, document, owner string) error {
	return f(ctx, document, owner)
}

// Config holds connection settings for the Builder service.
type Config struct {
	Endpoint      string
	APIKey        string
	Timeout       time.Duration
	RatePerMinute int
}

// HTTPClient posts documents to the Builder's /build endpoint.
type HTTPClient struct {
	config  Config
	client  *http.Client
	limiter *rate.Limiter
	logger  *zap.Logger
}

// NewHTTPClient creates a Builder client. A zero RatePerMinute disables
// client-side rate limiting.
func NewHTTPClient(cfg Config, logger *zap.Logger) *HTTPClient {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 10 * time.Minute
	}
	c := &HTTPClient{
		config: cfg,
		client: &http.Client{Timeout: timeout},
		logger: logger,
	}
	if cfg.RatePerMinute > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(float64(cfg.RatePerMinute)/60.0), 1)
	}
	return c
}

type buildRequest struct {
	Document string `json:"document"`
	Owner    string `json:"owner"`
}

// BuildAndSave implements Builder. Any non-2xx status is an error.
func (c *HTTPClient) BuildAndSave(ctx context.Context, document, owner string) error {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("builder rate limit: %w", err)
		}
	}

	body, err := json.Marshal(buildRequest{Document: document, Owner: owner})
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.config.Endpoint+"/build", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.config.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.config.APIKey)
	}

	start := time.Now()
	resp, err := c.client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return fmt.Errorf("builder error %d: %s", resp.StatusCode, string(respBody))
	}
	io.Copy(io.Discard, resp.Body)

	c.logger.Debug("builder call finished",
		zap.String("owner", owner),
		zap.Int("document_bytes", len(document)),
		zap.Duration("took", time.Since(start)))
	return nil
}
