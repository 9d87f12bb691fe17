package pim

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrInvalidResponse indicates the remote returned a body that could
	// not be decoded as a JSON-RPC envelope.
	ErrInvalidResponse = errors.New("pim: invalid response")
	// ErrRetriesExhausted indicates the transport kept failing after the
	// configured number of retries.
	ErrRetriesExhausted = errors.New("pim: retries exhausted")
)

// RPCError is a JSON-RPC level error returned by the remote. It is never
// retried.
type RPCError struct {
	Code    int
	Message string
	Data    any
}

func (e *RPCError) Error() string {
	msg := strings.TrimSpace(e.Message)
	if msg == "" {
		msg = "unknown error"
	}
	return fmt.Sprintf("pim: rpc error %d: %s", e.Code, msg)
}

// TransportError wraps a network failure or a non-2xx HTTP status.
type TransportError struct {
	StatusCode int
	Status     string
	Err        error
}

func (e *TransportError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("pim: transport: %v", e.Err)
	}
	return fmt.Sprintf("pim: transport: unexpected status %s", e.Status)
}

func (e *TransportError) Unwrap() error { return e.Err }

// Retryable reports whether the failure is worth another attempt. Network
// errors and the throttling/gateway status set qualify; other HTTP errors
// terminate immediately.
func (e *TransportError) Retryable() bool {
	if e.Err != nil && e.StatusCode == 0 {
		return true
	}
	switch e.StatusCode {
	case 429, 502, 503, 504:
		return true
	}
	return false
}
