package pim

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func newTestClient(t *testing.T, handler http.HandlerFunc, retries int) (*Client, *httptest.Server) {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	client, err := NewClient(Options{
		BaseURL: server.URL,
		Token:   "test-token",
		Retries: retries,
	})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	client.sleep = func(context.Context, time.Duration) error { return nil }
	return client, server
}

func TestCallRetriesExactlyConfiguredBound(t *testing.T) {
	attempts := 0
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		attempts++
		w.WriteHeader(http.StatusServiceUnavailable)
	}, 2)

	err := client.Call(context.Background(), "product.list", nil, nil)
	if err == nil {
		t.Fatal("expected error after exhausted retries")
	}
	if !errors.Is(err, ErrRetriesExhausted) {
		t.Fatalf("expected ErrRetriesExhausted, got %v", err)
	}
	if attempts != 3 {
		t.Fatalf("expected 3 attempts (initial + 2 retries), got %d", attempts)
	}
}

func TestCallDoesNotRetryClientErrors(t *testing.T) {
	attempts := 0
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		attempts++
		w.WriteHeader(http.StatusUnauthorized)
	}, 5)

	err := client.Call(context.Background(), "product.list", nil, nil)
	var transportErr *TransportError
	if !errors.As(err, &transportErr) {
		t.Fatalf("expected transport error, got %v", err)
	}
	if transportErr.StatusCode != http.StatusUnauthorized {
		t.Fatalf("unexpected status %d", transportErr.StatusCode)
	}
	if attempts != 1 {
		t.Fatalf("expected a single attempt, got %d", attempts)
	}
}

func TestCallDoesNotRetryRPCErrors(t *testing.T) {
	attempts := 0
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		attempts++
		_ = json.NewEncoder(w).Encode(map[string]any{
			"jsonrpc": "2.0",
			"id":      1,
			"error":   map[string]any{"code": -32601, "message": "method not found"},
		})
	}, 3)

	err := client.Call(context.Background(), "no.such.method", nil, nil)
	var rpcErr *RPCError
	if !errors.As(err, &rpcErr) {
		t.Fatalf("expected rpc error, got %v", err)
	}
	if rpcErr.Code != -32601 {
		t.Fatalf("unexpected rpc code %d", rpcErr.Code)
	}
	if attempts != 1 {
		t.Fatalf("rpc errors must not be retried, got %d attempts", attempts)
	}
}

func TestCallHonorsRetryAfterHint(t *testing.T) {
	attempts := 0
	var slept []time.Duration
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		attempts++
		if attempts == 1 {
			w.Header().Set("Retry-After", "7")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"jsonrpc": "2.0",
			"id":      1,
			"result":  map[string]any{"items": []any{}},
		})
	}, 2)
	client.sleep = func(_ context.Context, d time.Duration) error {
		slept = append(slept, d)
		return nil
	}

	var out struct {
		Items []json.RawMessage `json:"items"`
	}
	if err := client.Call(context.Background(), "product.list", nil, &out); err != nil {
		t.Fatalf("call: %v", err)
	}
	if len(slept) != 1 {
		t.Fatalf("expected one backoff sleep, got %d", len(slept))
	}
	if slept[0] != 7*time.Second {
		t.Fatalf("expected Retry-After hint of 7s, got %s", slept[0])
	}
}

func TestCallReportsInvalidResponse(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("<html>maintenance</html>"))
	}, 0)

	err := client.Call(context.Background(), "product.list", nil, nil)
	if !errors.Is(err, ErrInvalidResponse) {
		t.Fatalf("expected ErrInvalidResponse, got %v", err)
	}
}

func TestCallSendsVersionAndAuthHeaders(t *testing.T) {
	var gotVersion, gotAuth string
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotVersion = r.Header.Get(headerAPIVersion)
		gotAuth = r.Header.Get("Authorization")
		_ = json.NewEncoder(w).Encode(map[string]any{"jsonrpc": "2.0", "id": 1, "result": map[string]any{}})
	}, 0)

	if err := client.Call(context.Background(), "brand.list", nil, nil); err != nil {
		t.Fatalf("call: %v", err)
	}
	if gotVersion != apiVersion {
		t.Fatalf("expected api version header %q, got %q", apiVersion, gotVersion)
	}
	if gotAuth != "Bearer test-token" {
		t.Fatalf("unexpected authorization header %q", gotAuth)
	}
}

func TestCallStaticTokenHeader(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("X-Auth-Token"); got != "static" {
			t.Errorf("expected static token header, got %q", got)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"jsonrpc": "2.0", "id": 1, "result": map[string]any{}})
	}))
	defer server.Close()

	client, err := NewClient(Options{BaseURL: server.URL, Token: "static", Auth: AuthToken})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	if err := client.Call(context.Background(), "brand.list", nil, nil); err != nil {
		t.Fatalf("call: %v", err)
	}
}

func TestNewClientClampsRetries(t *testing.T) {
	client, err := NewClient(Options{BaseURL: "https://pim.example", Token: "t", Retries: 99})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	if client.retries != maxRetries {
		t.Fatalf("expected retries clamped to %d, got %d", maxRetries, client.retries)
	}
}
