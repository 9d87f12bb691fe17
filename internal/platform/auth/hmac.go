package auth

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Signed trigger requests carry these headers. The signature covers the
// method, path, timestamp, nonce, and a digest of the body.
const (
	signatureHeader = "X-Sync-Signature"
	timestampHeader = "X-Sync-Signature-Timestamp"
	nonceHeader     = "X-Sync-Signature-Nonce"

	allowedClockSkew = 5 * time.Minute
	nonceRetention   = 5 * time.Minute
)

// SecretProvider resolves shared secrets used for HMAC verification.
type SecretProvider interface {
	GetSecret(ctx context.Context, name string) (string, error)
}

// SecretProviderFunc adapts a function to the SecretProvider interface.
type SecretProviderFunc func(context.Context, string) (string, error)

// GetSecret implements SecretProvider.
func (f SecretProviderFunc) GetSecret(ctx context.Context, name string) (string, error) {
	if f == nil {
		return "", errors.New("auth: secret provider not configured")
	}
	return f(ctx, name)
}

// NonceStore tracks nonces for replay prevention. UseNonce reports true
// when the nonce was fresh and has now been recorded.
type NonceStore interface {
	UseNonce(ctx context.Context, scope, nonce string, expiry time.Time) (bool, error)
}

// InMemoryNonceStore is a process-local nonce registry. It is sufficient
// for a single-replica daemon; a shared store is needed behind a load
// balancer.
type InMemoryNonceStore struct {
	mu     sync.Mutex
	nonces map[string]time.Time
}

// NewInMemoryNonceStore constructs the store.
func NewInMemoryNonceStore() *InMemoryNonceStore {
	return &InMemoryNonceStore{nonces: make(map[string]time.Time)}
}

// UseNonce records the nonce until expiry, rejecting replays until then.
func (s *InMemoryNonceStore) UseNonce(_ context.Context, scope, nonce string, expiry time.Time) (bool, error) {
	if scope == "" || nonce == "" {
		return false, errors.New("auth: scope and nonce are required")
	}
	key := scope + "::" + nonce
	now := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	for k, exp := range s.nonces {
		if exp.Before(now) {
			delete(s.nonces, k)
		}
	}
	if expiry.Before(now) {
		return false, errors.New("auth: nonce expiry is in the past")
	}
	if exp, ok := s.nonces[key]; ok && exp.After(now) {
		return false, nil
	}
	s.nonces[key] = expiry
	return true, nil
}

// HMACValidator verifies signed trigger requests from the scheduler.
type HMACValidator struct {
	provider SecretProvider
	nonces   NonceStore
	logger   Logger
	metrics  MetricsRecorder
	now      func() time.Time
}

// HMACOption customises the validator.
type HMACOption func(*HMACValidator)

// WithHMACLogger overrides the validator logger.
func WithHMACLogger(logger Logger) HMACOption {
	return func(v *HMACValidator) {
		if logger != nil {
			v.logger = logger
		}
	}
}

// WithHMACMetrics sets the metrics recorder.
func WithHMACMetrics(metrics MetricsRecorder) HMACOption {
	return func(v *HMACValidator) { v.metrics = metrics }
}

// WithHMACClock injects a custom clock, primarily for tests.
func WithHMACClock(now func() time.Time) HMACOption {
	return func(v *HMACValidator) {
		if now != nil {
			v.now = now
		}
	}
}

// NewHMACValidator builds a validator over the given secret provider and
// nonce store.
func NewHMACValidator(provider SecretProvider, nonces NonceStore, opts ...HMACOption) *HMACValidator {
	v := &HMACValidator{
		provider: provider,
		nonces:   nonces,
		logger:   log.Default(),
		now:      time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(v)
		}
	}
	return v
}

// HMACMetadata describes a verified signature for downstream handlers.
type HMACMetadata struct {
	SecretName string
	Timestamp  time.Time
	Nonce      string
}

type hmacContextKey struct{}

// WithHMACMetadata stores the metadata on the context.
func WithHMACMetadata(ctx context.Context, meta *HMACMetadata) context.Context {
	if meta == nil {
		return ctx
	}
	return context.WithValue(ctx, hmacContextKey{}, meta)
}

// HMACMetadataFromContext retrieves metadata from the context.
func HMACMetadataFromContext(ctx context.Context) (*HMACMetadata, bool) {
	meta, ok := ctx.Value(hmacContextKey{}).(*HMACMetadata)
	if !ok || meta == nil {
		return nil, false
	}
	return meta, true
}

// hmacFailure maps a rejected verification onto an HTTP response.
type hmacFailure struct {
	status  int
	code    string
	message string
	reason  string
}

// RequireHMAC rejects requests without a valid signature for the named
// secret.
func (v *HMACValidator) RequireHMAC(secretName string) func(http.Handler) http.Handler {
	scope := strings.TrimSpace(secretName)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := v.now()
			ctx := r.Context()

			meta, fail := v.verify(ctx, r, scope)
			if fail != nil {
				v.record(ctx, false, fail.reason, start)
				respondAuthError(w, fail.status, fail.code, fail.message)
				return
			}

			v.record(ctx, true, "ok", start)
			next.ServeHTTP(w, r.WithContext(WithHMACMetadata(ctx, meta)))
		})
	}
}

func (v *HMACValidator) verify(ctx context.Context, r *http.Request, scope string) (*HMACMetadata, *hmacFailure) {
	if scope == "" {
		return nil, &hmacFailure{http.StatusServiceUnavailable, "verification_unavailable", "hmac secret not configured", "secret_not_configured"}
	}

	if v.provider == nil {
		return nil, &hmacFailure{http.StatusServiceUnavailable, "verification_unavailable", "secret provider not configured", "secret_unavailable"}
	}
	secret, err := v.provider.GetSecret(ctx, scope)
	if err != nil {
		if v.logger != nil {
			v.logger.Printf("auth: hmac secret lookup failed: %v", err)
		}
		return nil, &hmacFailure{http.StatusServiceUnavailable, "verification_unavailable", "hmac secret unavailable", "secret_unavailable"}
	}
	if secret == "" {
		return nil, &hmacFailure{http.StatusServiceUnavailable, "verification_unavailable", "hmac secret empty", "secret_unavailable"}
	}

	signatureValue := strings.TrimSpace(r.Header.Get(signatureHeader))
	if signatureValue == "" {
		return nil, &hmacFailure{http.StatusUnauthorized, "signature_missing", "signature header missing", "signature_missing"}
	}
	timestampValue := strings.TrimSpace(r.Header.Get(timestampHeader))
	if timestampValue == "" {
		return nil, &hmacFailure{http.StatusUnauthorized, "timestamp_missing", "signature timestamp missing", "timestamp_missing"}
	}
	nonce := strings.TrimSpace(r.Header.Get(nonceHeader))
	if nonce == "" {
		return nil, &hmacFailure{http.StatusUnauthorized, "nonce_missing", "signature nonce missing", "nonce_missing"}
	}

	timestamp, err := parseSignatureTimestamp(timestampValue)
	if err != nil {
		return nil, &hmacFailure{http.StatusUnauthorized, "timestamp_invalid", "signature timestamp invalid", "timestamp_invalid"}
	}
	if skew := v.now().Sub(timestamp); skew > allowedClockSkew || skew < -allowedClockSkew {
		return nil, &hmacFailure{http.StatusUnauthorized, "timestamp_skew", "signature timestamp outside allowed window", "timestamp_skew"}
	}

	body, err := readAndRestoreBody(r)
	if err != nil {
		return nil, &hmacFailure{http.StatusBadRequest, "invalid_body", "unable to read body for signature verification", "body_unreadable"}
	}

	signature, err := decodeSignature(signatureValue)
	if err != nil {
		return nil, &hmacFailure{http.StatusUnauthorized, "signature_invalid", "signature encoding invalid", "signature_invalid"}
	}
	expected := computeHMAC([]byte(secret), buildCanonicalString(r, body, timestampValue, nonce))
	if !hmac.Equal(signature, expected) {
		return nil, &hmacFailure{http.StatusUnauthorized, "signature_mismatch", "signature verification failed", "signature_mismatch"}
	}

	if v.nonces == nil {
		return nil, &hmacFailure{http.StatusServiceUnavailable, "verification_unavailable", "nonce store unavailable", "nonce_store_unavailable"}
	}
	expiry := timestamp.Add(nonceRetention)
	if expiry.Before(v.now()) {
		expiry = v.now().Add(nonceRetention)
	}
	fresh, err := v.nonces.UseNonce(ctx, scope, nonce, expiry)
	if err != nil {
		if v.logger != nil {
			v.logger.Printf("auth: nonce store error: %v", err)
		}
		return nil, &hmacFailure{http.StatusServiceUnavailable, "verification_unavailable", "nonce storage error", "nonce_store_error"}
	}
	if !fresh {
		return nil, &hmacFailure{http.StatusUnauthorized, "nonce_replay", "duplicate signature nonce", "nonce_replay"}
	}

	return &HMACMetadata{SecretName: scope, Timestamp: timestamp, Nonce: nonce}, nil
}

func (v *HMACValidator) record(ctx context.Context, success bool, reason string, start time.Time) {
	if v.metrics == nil {
		return
	}
	v.metrics.RecordVerification(ctx, "hmac", success, reason, v.now().Sub(start))
}

func readAndRestoreBody(r *http.Request) ([]byte, error) {
	if r.Body == nil {
		return nil, nil
	}
	defer r.Body.Close()

	buf, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, err
	}
	r.Body = io.NopCloser(bytes.NewReader(buf))
	return buf, nil
}

// decodeSignature accepts base64 or hex encoded signatures.
func decodeSignature(value string) ([]byte, error) {
	if decoded, err := base64.StdEncoding.DecodeString(value); err == nil {
		return decoded, nil
	}
	if decoded, err := hex.DecodeString(value); err == nil {
		return decoded, nil
	}
	return nil, errors.New("auth: signature must be base64 or hex encoded")
}

// parseSignatureTimestamp accepts RFC3339 (with or without fractional
// seconds) or unix seconds.
func parseSignatureTimestamp(value string) (time.Time, error) {
	if ts, err := time.Parse(time.RFC3339Nano, value); err == nil {
		return ts.UTC(), nil
	}
	if seconds, err := strconv.ParseInt(value, 10, 64); err == nil {
		return time.Unix(seconds, 0).UTC(), nil
	}
	return time.Time{}, fmt.Errorf("auth: unable to parse timestamp %q", value)
}

func buildCanonicalString(r *http.Request, body []byte, timestamp, nonce string) []byte {
	path := r.URL.EscapedPath()
	if path == "" {
		path = "/"
	}
	digest := sha256.Sum256(body)

	var b strings.Builder
	b.WriteString(strings.ToUpper(r.Method))
	b.WriteByte('\n')
	b.WriteString(path)
	b.WriteByte('\n')
	b.WriteString(timestamp)
	b.WriteByte('\n')
	b.WriteString(nonce)
	b.WriteByte('\n')
	b.WriteString(hex.EncodeToString(digest[:]))
	return []byte(b.String())
}

func computeHMAC(secret, message []byte) []byte {
	mac := hmac.New(sha256.New, secret)
	_, _ = mac.Write(message)
	return mac.Sum(nil)
}
