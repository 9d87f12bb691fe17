package auth

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strings"
	"time"
)

// Logger captures the minimal logging contract used by the auth package.
type Logger interface {
	Printf(format string, args ...any)
}

// MetricsRecorder records verification outcomes for observability.
type MetricsRecorder interface {
	RecordVerification(ctx context.Context, kind string, success bool, reason string, duration time.Duration)
}

// MetricsRecorderFunc adapts a function to MetricsRecorder.
type MetricsRecorderFunc func(context.Context, string, bool, string, time.Duration)

// RecordVerification implements MetricsRecorder.
func (f MetricsRecorderFunc) RecordVerification(ctx context.Context, kind string, success bool, reason string, duration time.Duration) {
	if f != nil {
		f(ctx, kind, success, reason, duration)
	}
}

// TokenAuthenticator guards operator endpoints with a static bearer token.
type TokenAuthenticator struct {
	token   string
	subject string
	roles   []string
}

// TokenOption customises TokenAuthenticator behaviour.
type TokenOption func(*TokenAuthenticator)

// WithTokenSubject overrides the identity subject attached to authenticated requests.
func WithTokenSubject(subject string) TokenOption {
	return func(a *TokenAuthenticator) {
		subject = strings.TrimSpace(subject)
		if subject != "" {
			a.subject = subject
		}
	}
}

// WithTokenRoles overrides the roles granted to authenticated requests.
func WithTokenRoles(roles ...string) TokenOption {
	return func(a *TokenAuthenticator) {
		out := make([]string, 0, len(roles))
		for _, role := range roles {
			role = strings.ToLower(strings.TrimSpace(role))
			if role != "" {
				out = append(out, role)
			}
		}
		if len(out) > 0 {
			a.roles = out
		}
	}
}

// NewTokenAuthenticator constructs an authenticator for the configured token.
// An empty token disables authentication entirely: every request is rejected.
func NewTokenAuthenticator(token string, opts ...TokenOption) *TokenAuthenticator {
	a := &TokenAuthenticator{
		token:   strings.TrimSpace(token),
		subject: "operator",
		roles:   []string{RoleAdmin},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(a)
		}
	}
	return a
}

// RequireToken verifies the Authorization bearer token against the configured value.
func (a *TokenAuthenticator) RequireToken() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if a == nil || a.token == "" {
				respondAuthError(w, http.StatusServiceUnavailable, "auth_unavailable", "operator token not configured")
				return
			}

			token, ok := extractBearerToken(r.Header.Get("Authorization"))
			if !ok {
				respondAuthError(w, http.StatusUnauthorized, "unauthenticated", "authorization header missing or invalid")
				return
			}
			if subtle.ConstantTimeCompare([]byte(token), []byte(a.token)) != 1 {
				respondAuthError(w, http.StatusUnauthorized, "invalid_token", "token verification failed")
				return
			}

			identity := &Identity{Subject: a.subject, Roles: a.roles}
			next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), identity)))
		})
	}
}

func extractBearerToken(header string) (string, bool) {
	header = strings.TrimSpace(header)
	if header == "" {
		return "", false
	}

	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 {
		return "", false
	}

	if !strings.EqualFold(parts[0], "Bearer") {
		return "", false
	}

	token := strings.TrimSpace(parts[1])
	if token == "" {
		return "", false
	}

	return token, true
}

func respondAuthError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"error":   code,
		"message": message,
		"status":  status,
	})
}
