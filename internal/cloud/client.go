// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cloud

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/jeranaias/rigrun-chatcore/internal/stream"
)

// Configuration constants for the endpoint.
const (
	// DefaultModel is used when no model is configured.
	DefaultModel = "gpt-4o-mini"

	// DefaultTimeout is the default timeout for non-streaming requests.
	DefaultTimeout = 120 * time.Second

	// DefaultMaxRetries is the default number of retry attempts for transient errors.
	DefaultMaxRetries = 3

	// retryBaseDelay is the base delay for exponential backoff.
	retryBaseDelay = 500 * time.Millisecond

	// retryMaxDelay is the maximum delay for exponential backoff.
	retryMaxDelay = 10 * time.Second

	// MaxResponseSize is the maximum allowed non-streaming response body size.
	MaxResponseSize = 10 * 1024 * 1024

	// maxErrorBodySize caps how much of an error body is read.
	maxErrorBodySize = 64 * 1024

	userAgent = "chatcore/0.1"
)

// sharedTransport pools connections for every client.
var sharedTransport = &http.Transport{
	Proxy:               http.ProxyFromEnvironment,
	MaxIdleConns:        100,
	MaxIdleConnsPerHost: 10,
	IdleConnTimeout:     90 * time.Second,
	TLSHandshakeTimeout: 10 * time.Second,
	TLSClientConfig: &tls.Config{
		MinVersion: tls.VersionTLS12,
	},
}

// =============================================================================
// CLIENT
// =============================================================================

// Client talks to one OpenAI-compatible endpoint. It is safe for concurrent use.
type Client struct {
	baseURL    string
	apiKey     string
	stream     bool
	maxRetries int
	timeout    time.Duration
	limiter    *rate.Limiter
	httpClient *http.Client
	logger     *slog.Logger

	mu    sync.RWMutex
	model string

	onMalformed func(payload string, err error)
	onCall      func(outcome string)
}

// NewClient creates a client for baseURL (for example https://api.openai.com/v1).
// An empty apiKey sends no Authorization header, which suits local servers.
func NewClient(baseURL, apiKey string) *Client {
	return &Client{
		baseURL:    strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		apiKey:     strings.TrimSpace(apiKey),
		stream:     true,
		maxRetries: DefaultMaxRetries,
		timeout:    DefaultTimeout,
		limiter:    rate.NewLimiter(rate.Inf, 1),
		httpClient: &http.Client{Transport: sharedTransport},
		logger:     slog.Default(),
		model:      DefaultModel,
	}
}

// WithModel sets the default model.
func (c *Client) WithModel(model string) *Client {
	c.SetModel(model)
	return c
}

// WithStreaming selects streaming (the default) or single JSON responses.
func (c *Client) WithStreaming(enabled bool) *Client {
	c.stream = enabled
	return c
}

// WithTimeout sets the timeout for non-streaming requests. Streaming requests
// are bounded only by their context.
func (c *Client) WithTimeout(timeout time.Duration) *Client {
	if timeout > 0 {
		c.timeout = timeout
	}
	return c
}

// WithMaxRetries sets the retry budget for failures before any body is read.
func (c *Client) WithMaxRetries(maxRetries int) *Client {
	if maxRetries >= 0 {
		c.maxRetries = maxRetries
	}
	return c
}

// WithRateLimit caps outbound requests per second. rps <= 0 disables the cap.
func (c *Client) WithRateLimit(rps float64, burst int) *Client {
	if rps <= 0 {
		c.limiter = rate.NewLimiter(rate.Inf, 1)
		return c
	}
	if burst < 1 {
		burst = 1
	}
	c.limiter = rate.NewLimiter(rate.Limit(rps), burst)
	return c
}

// WithHTTPClient replaces the underlying HTTP client.
func (c *Client) WithHTTPClient(hc *http.Client) *Client {
	if hc != nil {
		c.httpClient = hc
	}
	return c
}

// WithLogger sets the logger.
func (c *Client) WithLogger(logger *slog.Logger) *Client {
	if logger != nil {
		c.logger = logger
	}
	return c
}

// WithMalformedHook is called for every undecodable stream line.
func (c *Client) WithMalformedHook(fn func(payload string, err error)) *Client {
	c.onMalformed = fn
	return c
}

// WithCallHook is called after every model call with "ok", "cancelled",
// "stream_error" or "error".
func (c *Client) WithCallHook(fn func(outcome string)) *Client {
	c.onCall = fn
	return c
}

// SetModel changes the default model. Safe to call while requests run.
func (c *Client) SetModel(model string) {
	if model = strings.TrimSpace(model); model == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.model = model
}

// Model returns the default model.
func (c *Client) Model() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.model
}

// IsConfigured reports whether the client has an endpoint.
func (c *Client) IsConfigured() bool {
	return c.baseURL != ""
}

// =============================================================================
// COMPLETION
// =============================================================================

// Complete performs one model call and folds the response into acc.
//
// On cancellation it returns the context error; on a broken stream it
// returns a *StreamError. In both cases acc keeps what already arrived.
func (c *Client) Complete(ctx context.Context, req Request, acc *stream.Accumulator) (err error) {
	defer func() { c.reportCall(err) }()

	if !c.IsConfigured() {
		return ErrNotConfigured
	}

	body, err := json.Marshal(c.buildRequest(req))
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	callCtx := ctx
	if !c.stream {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	resp, err := c.doWithRetry(callCtx, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if isEventStream(resp.Header.Get("Content-Type")) {
		if req.OnStreaming != nil {
			req.OnStreaming()
		}
		return c.processStream(callCtx, resp.Body, acc)
	}
	return c.processJSON(callCtx, resp, acc)
}

func (c *Client) buildRequest(req Request) ChatRequest {
	modelName := req.Model
	if modelName == "" {
		modelName = c.Model()
	}
	cr := ChatRequest{
		Model:    modelName,
		Messages: ToChatMessages(req.Messages),
		Stream:   c.stream,
	}
	// tool_choice is only valid alongside a tool list.
	if len(req.Tools) > 0 {
		cr.Tools = req.Tools
		cr.ToolChoice = "auto"
		if req.DisableTools {
			cr.ToolChoice = "none"
		}
	}
	return cr
}

// processJSON decodes a single JSON completion body.
func (c *Client) processJSON(ctx context.Context, resp *http.Response, acc *stream.Accumulator) error {
	data, err := readResponse(resp)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return err
	}

	var cr ChatResponse
	if err := json.Unmarshal(data, &cr); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	if len(cr.Choices) == 0 {
		return errors.New("response has no choices")
	}

	msg := cr.Choices[0].Message
	reasoning := msg.ReasoningContent
	if reasoning == "" {
		reasoning = msg.Reasoning
	}
	acc.AppendReasoning(reasoning)
	acc.AppendContent(msg.Content)
	if len(msg.ToolCalls) > 0 {
		acc.SetToolCalls(toToolCallRequests(msg.ToolCalls))
	}
	acc.SetFinishReason(cr.Choices[0].FinishReason)
	return nil
}

// =============================================================================
// HTTP
// =============================================================================

// doWithRetry sends the request, retrying network failures, 429 and 5xx
// responses with exponential backoff. A response is returned only for 2xx.
func (c *Client) doWithRetry(ctx context.Context, body []byte) (*http.Response, error) {
	url := c.baseURL + "/chat/completions"

	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			delay := c.calculateBackoff(attempt - 1)
			var apiErr *APIError
			if errors.As(lastErr, &apiErr) && apiErr.RetryAfter > delay {
				delay = min(apiErr.RetryAfter, retryMaxDelay)
			}
			c.logger.Debug("retrying model request", "attempt", attempt, "delay", delay, "error", lastErr)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
		}

		if err := c.limiter.Wait(ctx); err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, fmt.Errorf("rate limiter: %w", err)
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return nil, fmt.Errorf("failed to create request: %w", err)
		}
		c.setHeaders(req)

		start := time.Now()
		resp, err := c.httpClient.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			lastErr = fmt.Errorf("request failed: %w", err)
			continue
		}

		c.logger.Debug("model response headers",
			"status", resp.StatusCode,
			"content_type", resp.Header.Get("Content-Type"),
			"elapsed", time.Since(start))

		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return resp, nil
		}

		errBody, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodySize))
		resp.Body.Close()
		apiErr := handleErrorResponse(resp.StatusCode, resp.Header, errBody)

		var typed *APIError
		if errors.As(apiErr, &typed) && !typed.Retryable() {
			return nil, apiErr
		}
		lastErr = apiErr
	}
	return nil, fmt.Errorf("max retries exceeded: %w", lastErr)
}

func (c *Client) setHeaders(req *http.Request) {
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", userAgent)
	if c.stream {
		req.Header.Set("Accept", "text/event-stream")
		req.Header.Set("Cache-Control", "no-cache")
	} else {
		req.Header.Set("Accept", "application/json")
	}
}

// calculateBackoff returns the delay before retry number attempt+1.
func (c *Client) calculateBackoff(attempt int) time.Duration {
	// Exponential backoff: 500ms, 1000ms, 2000ms, etc.
	delay := retryBaseDelay * time.Duration(1<<uint(attempt))
	if delay > retryMaxDelay {
		delay = retryMaxDelay
	}
	return delay
}

func (c *Client) reportCall(err error) {
	if c.onCall == nil {
		return
	}
	var se *StreamError
	switch {
	case err == nil:
		c.onCall("ok")
	case errors.Is(err, context.Canceled):
		c.onCall("cancelled")
	case errors.As(err, &se):
		c.onCall("stream_error")
	default:
		c.onCall("error")
	}
}

func readResponse(resp *http.Response) ([]byte, error) {
	limitedReader := io.LimitReader(resp.Body, MaxResponseSize+1)
	body, err := io.ReadAll(limitedReader)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if int64(len(body)) > MaxResponseSize {
		return nil, fmt.Errorf("response exceeded maximum size of %d bytes", MaxResponseSize)
	}
	return body, nil
}

func isEventStream(contentType string) bool {
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return strings.HasPrefix(strings.ToLower(contentType), "text/event-stream")
	}
	return mediaType == "text/event-stream"
}
