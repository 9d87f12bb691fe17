package pim

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

const (
	headerAPIVersion = "X-Api-Version"
	apiVersion       = "2.1"

	defaultTokenHeader = "X-Auth-Token"
	defaultRetryDelay  = 2 * time.Second
	maxRetries         = 5
)

// AuthScheme selects how the API token is transmitted.
type AuthScheme string

const (
	// AuthBearer sends the token as an Authorization bearer credential.
	AuthBearer AuthScheme = "bearer"
	// AuthToken sends the token in a static header.
	AuthToken AuthScheme = "token"
)

// Options configures the JSON-RPC client.
type Options struct {
	BaseURL     string
	Auth        AuthScheme
	Token       string
	TokenHeader string
	// Retries bounds how often a failed call is reattempted (0-5).
	Retries    int
	RetryDelay time.Duration
	HTTPClient *http.Client
	Logger     *zap.Logger
}

// Client issues JSON-RPC 2.0 calls against the PIM endpoint with bounded
// retry. Every call is retried independently; callers never retry on top.
type Client struct {
	baseURL     string
	auth        AuthScheme
	token       string
	tokenHeader string
	retries     int
	retryDelay  time.Duration
	httpClient  *http.Client
	logger      *zap.Logger
	nextID      atomic.Int64

	// lastRetryAfter holds the Retry-After hint (nanoseconds) from the
	// most recent throttled response, consumed by the next backoff.
	lastRetryAfter atomic.Int64

	sleep func(ctx context.Context, d time.Duration) error
}

// NewClient validates the options and constructs a Client.
func NewClient(opts Options) (*Client, error) {
	baseURL := strings.TrimSpace(opts.BaseURL)
	if baseURL == "" {
		return nil, errors.New("pim client: base url is required")
	}
	if strings.TrimSpace(opts.Token) == "" {
		return nil, errors.New("pim client: token is required")
	}

	auth := opts.Auth
	if auth == "" {
		auth = AuthBearer
	}
	tokenHeader := strings.TrimSpace(opts.TokenHeader)
	if tokenHeader == "" {
		tokenHeader = defaultTokenHeader
	}

	retries := opts.Retries
	if retries < 0 {
		retries = 0
	}
	if retries > maxRetries {
		retries = maxRetries
	}

	retryDelay := opts.RetryDelay
	if retryDelay <= 0 {
		retryDelay = defaultRetryDelay
	}

	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}

	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Client{
		baseURL:     baseURL,
		auth:        auth,
		token:       opts.Token,
		tokenHeader: tokenHeader,
		retries:     retries,
		retryDelay:  retryDelay,
		httpClient:  httpClient,
		logger:      logger,
		sleep:       sleepWithContext,
	}, nil
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
	ID      int64  `json:"id"`
}

type rpcErrorBody struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	Result  json.RawMessage `json:"result"`
	Error   *rpcErrorBody   `json:"error"`
	ID      int64           `json:"id"`
}

// Call performs a single JSON-RPC method invocation and decodes the result
// into out. Transport failures and the retryable status set are retried up
// to the configured bound; RPC-level errors surface immediately.
func (c *Client) Call(ctx context.Context, method string, params any, out any) error {
	if c == nil {
		return errors.New("pim client: not initialised")
	}
	method = strings.TrimSpace(method)
	if method == "" {
		return errors.New("pim client: method is required")
	}

	var lastErr error
	for attempt := 0; attempt <= c.retries; attempt++ {
		if attempt > 0 {
			delay := c.backoff(attempt)
			c.logger.Debug("pim call retrying",
				zap.String("method", method),
				zap.Int("attempt", attempt),
				zap.Duration("delay", delay),
			)
			if err := c.sleep(ctx, delay); err != nil {
				return err
			}
		}

		raw, err := c.post(ctx, method, params)
		if err == nil {
			if out == nil || len(raw) == 0 {
				return nil
			}
			if err := json.Unmarshal(raw, out); err != nil {
				return fmt.Errorf("%w: decode result for %s: %v", ErrInvalidResponse, method, err)
			}
			return nil
		}

		var transportErr *TransportError
		if errors.As(err, &transportErr) && transportErr.Retryable() {
			lastErr = err
			continue
		}
		return err
	}

	return fmt.Errorf("%w: %s after %d attempts: %v", ErrRetriesExhausted, method, c.retries+1, lastErr)
}

func (c *Client) post(ctx context.Context, method string, params any) (json.RawMessage, error) {
	payload := rpcRequest{
		JSONRPC: "2.0",
		Method:  method,
		Params:  params,
		ID:      c.nextID.Add(1),
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("pim client: encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("pim client: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(headerAPIVersion, apiVersion)
	switch c.auth {
	case AuthToken:
		req.Header.Set(c.tokenHeader, c.token)
	default:
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &TransportError{Err: err}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &TransportError{Err: fmt.Errorf("read body: %w", err)}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		terr := &TransportError{StatusCode: resp.StatusCode, Status: resp.Status}
		if after := retryAfterHint(resp.Header.Get("Retry-After")); after > 0 {
			terr.Err = fmt.Errorf("retry after %s: status %s", after, resp.Status)
			c.lastRetryAfter.Store(int64(after))
		}
		return nil, terr
	}

	var envelope rpcResponse
	if err := json.Unmarshal(respBody, &envelope); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidResponse, err)
	}
	if envelope.Error != nil {
		return nil, &RPCError{
			Code:    envelope.Error.Code,
			Message: envelope.Error.Message,
			Data:    envelope.Error.Data,
		}
	}
	return envelope.Result, nil
}

func (c *Client) backoff(attempt int) time.Duration {
	if hint := time.Duration(c.lastRetryAfter.Swap(0)); hint > 0 {
		return hint
	}
	return time.Duration(attempt) * c.retryDelay
}

func retryAfterHint(value string) time.Duration {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0
	}
	if secs, err := strconv.Atoi(value); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(value); err == nil {
		if d := time.Until(at); d > 0 {
			return d
		}
	}
	return 0
}

func sleepWithContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
