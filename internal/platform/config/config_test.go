package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadWithDefaults(t *testing.T) {
	env := map[string]string{
		"SYNC_PIM_ENDPOINT":            "https://pim.example.com/rpc",
		"SYNC_FIRESTORE_PROJECT_ID":    "pimsync-dev",
		"SYNC_STORAGE_MEDIA_BUCKET":    "pimsync-media-dev",
		"SYNC_PUBSUB_RUN_EVENTS_TOPIC": "sync-run-events",
	}

	cfg, err := Load(context.Background(), WithEnvMap(env), WithoutSystemEnv(), WithEnvFile(""))
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}

	if cfg.Server.Port != "8080" {
		t.Errorf("expected default port 8080, got %s", cfg.Server.Port)
	}
	if cfg.Server.ReadTimeout != 15*time.Second {
		t.Errorf("unexpected read timeout: %s", cfg.Server.ReadTimeout)
	}
	if cfg.PIM.AuthScheme != "bearer" {
		t.Errorf("expected default auth scheme bearer, got %s", cfg.PIM.AuthScheme)
	}
	if cfg.PIM.Retries != defaultPIMRetries {
		t.Errorf("unexpected default retries: %d", cfg.PIM.Retries)
	}
	if cfg.PIM.RetryDelay != defaultPIMRetryDelay {
		t.Errorf("unexpected default retry delay: %s", cfg.PIM.RetryDelay)
	}
	if cfg.PIM.PageSize != defaultPIMPageSize {
		t.Errorf("unexpected default page size: %d", cfg.PIM.PageSize)
	}
	if cfg.Sync.Language != "en" {
		t.Errorf("expected default language en, got %s", cfg.Sync.Language)
	}
	if cfg.Sync.LeaseTTL != defaultSyncLeaseTTL {
		t.Errorf("unexpected default lease ttl: %s", cfg.Sync.LeaseTTL)
	}
	if cfg.Sync.Heartbeat != defaultSyncHeartbeat {
		t.Errorf("unexpected default heartbeat: %s", cfg.Sync.Heartbeat)
	}
	if cfg.Sync.HistoryLimit != defaultSyncHistoryLimit {
		t.Errorf("unexpected default history limit: %d", cfg.Sync.HistoryLimit)
	}
	if len(cfg.Sync.IncludeSKUs) != 0 {
		t.Errorf("expected no include skus, got %v", cfg.Sync.IncludeSKUs)
	}
	if cfg.PubSub.ProjectID != "pimsync-dev" {
		t.Errorf("expected pubsub project to default to firestore project, got %s", cfg.PubSub.ProjectID)
	}
	if cfg.RateLimits.DefaultPerMinute != 120 {
		t.Errorf("unexpected default rate limit: %d", cfg.RateLimits.DefaultPerMinute)
	}
	if cfg.Security.Environment != "local" {
		t.Errorf("expected default security environment local, got %s", cfg.Security.Environment)
	}
}

func TestLoadWithOverridesAndSecrets(t *testing.T) {
	env := map[string]string{
		"SYNC_SERVER_PORT":               "9090",
		"SYNC_SERVER_READ_TIMEOUT":       "20s",
		"SYNC_SERVER_WRITE_TIMEOUT":      "25s",
		"SYNC_SERVER_IDLE_TIMEOUT":       "2m",
		"SYNC_PIM_ENDPOINT":              "https://pim.example.com/rpc",
		"SYNC_PIM_AUTH_SCHEME":           "Token",
		"SYNC_PIM_AUTH_TOKEN":            "secret://pim/token",
		"SYNC_PIM_TOKEN_HEADER":          "X-Api-Key",
		"SYNC_PIM_RETRIES":               "5",
		"SYNC_PIM_RETRY_DELAY":           "4s",
		"SYNC_PIM_PAGE_SIZE":             "250",
		"SYNC_LANGUAGE":                  "de",
		"SYNC_INCLUDE_SKUS":              "A-1, B-2",
		"SYNC_FEATURE_ALLOW_CODES":       "voltage,weight",
		"SYNC_FEATURE_DENY_CODES":        "internal_code",
		"SYNC_LEASE_TTL":                 "10m",
		"SYNC_LEASE_HEARTBEAT":           "1m",
		"SYNC_HISTORY_LIMIT":             "50",
		"SYNC_FIRESTORE_PROJECT_ID":      "pimsync-prod",
		"SYNC_FIRESTORE_EMULATOR_HOST":   "localhost:8200",
		"SYNC_STORAGE_MEDIA_BUCKET":      "media-prod",
		"SYNC_PUBSUB_PROJECT_ID":         "events-prod",
		"SYNC_PUBSUB_RUN_EVENTS_TOPIC":   "run-events",
		"SYNC_RATELIMIT_DEFAULT_PER_MIN": "150",
		"SYNC_SECURITY_ENVIRONMENT":      "PROD",
		"SYNC_SECURITY_ADMIN_TOKEN":      "secret://admin/token",
	}

	resolver := SecretResolverFunc(func(_ context.Context, ref string) (string, error) {
		switch ref {
		case "secret://pim/token":
			return "pim-token-value", nil
		case "secret://admin/token":
			return "admin-token-value", nil
		}
		return "", errors.New("unknown secret " + ref)
	})

	cfg, err := Load(context.Background(),
		WithEnvMap(env),
		WithoutSystemEnv(),
		WithEnvFile(""),
		WithSecretResolver(resolver),
	)
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}

	if cfg.Server.Port != "9090" {
		t.Errorf("unexpected port: %s", cfg.Server.Port)
	}
	if cfg.Server.IdleTimeout != 2*time.Minute {
		t.Errorf("unexpected idle timeout: %s", cfg.Server.IdleTimeout)
	}
	if cfg.PIM.AuthScheme != "token" {
		t.Errorf("expected lowercased auth scheme, got %s", cfg.PIM.AuthScheme)
	}
	if cfg.PIM.AuthToken != "pim-token-value" {
		t.Errorf("pim token not resolved: %s", cfg.PIM.AuthToken)
	}
	if cfg.PIM.TokenHeader != "X-Api-Key" {
		t.Errorf("unexpected token header: %s", cfg.PIM.TokenHeader)
	}
	if cfg.PIM.Retries != 5 || cfg.PIM.RetryDelay != 4*time.Second || cfg.PIM.PageSize != 250 {
		t.Errorf("unexpected pim client settings: %+v", cfg.PIM)
	}
	if cfg.Sync.Language != "de" {
		t.Errorf("unexpected language: %s", cfg.Sync.Language)
	}
	if len(cfg.Sync.IncludeSKUs) != 2 || cfg.Sync.IncludeSKUs[0] != "A-1" || cfg.Sync.IncludeSKUs[1] != "B-2" {
		t.Errorf("unexpected include skus: %v", cfg.Sync.IncludeSKUs)
	}
	if len(cfg.Sync.AllowFeatureCodes) != 2 {
		t.Errorf("unexpected allow codes: %v", cfg.Sync.AllowFeatureCodes)
	}
	if cfg.Sync.LeaseTTL != 10*time.Minute || cfg.Sync.Heartbeat != time.Minute {
		t.Errorf("unexpected lease settings: %+v", cfg.Sync)
	}
	if cfg.PubSub.ProjectID != "events-prod" {
		t.Errorf("pubsub project override ignored: %s", cfg.PubSub.ProjectID)
	}
	if cfg.Security.Environment != "prod" {
		t.Errorf("expected lowercased environment, got %s", cfg.Security.Environment)
	}
	if cfg.Security.AdminToken != "admin-token-value" {
		t.Errorf("admin token not resolved: %s", cfg.Security.AdminToken)
	}
}

func TestLoadValidationFailures(t *testing.T) {
	env := map[string]string{
		"SYNC_PIM_ENDPOINT": "https://pim.example.com/rpc",
		// Firestore project missing; heartbeat longer than the lease.
		"SYNC_LEASE_TTL":       "1m",
		"SYNC_LEASE_HEARTBEAT": "2m",
	}

	_, err := Load(context.Background(), WithEnvMap(env), WithoutSystemEnv(), WithEnvFile(""))
	var validationErr *ValidationError
	if !errors.As(err, &validationErr) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
	fields := validationErr.Fields()
	wantFields := map[string]bool{"Firestore.ProjectID": false, "Sync.Heartbeat": false}
	for _, field := range fields {
		if _, ok := wantFields[field]; ok {
			wantFields[field] = true
		}
	}
	for field, seen := range wantFields {
		if !seen {
			t.Errorf("expected %s in validation fields %v", field, fields)
		}
	}
}

func TestLoadSecretResolutionFailure(t *testing.T) {
	env := map[string]string{
		"SYNC_PIM_ENDPOINT":         "https://pim.example.com/rpc",
		"SYNC_FIRESTORE_PROJECT_ID": "pimsync-dev",
		"SYNC_PIM_AUTH_TOKEN":       "sm://pim/token",
	}

	resolver := SecretResolverFunc(func(_ context.Context, ref string) (string, error) {
		return "", errors.New("backend unavailable")
	})

	_, err := Load(context.Background(),
		WithEnvMap(env),
		WithoutSystemEnv(),
		WithEnvFile(""),
		WithSecretResolver(resolver),
	)
	var secretErr *SecretError
	if !errors.As(err, &secretErr) {
		t.Fatalf("expected SecretError, got %v", err)
	}
	if secretErr.Ref != "secret://pim/token" {
		t.Errorf("sm:// reference not normalised: %s", secretErr.Ref)
	}
}

func TestLoadRequiredSecretsMissing(t *testing.T) {
	env := map[string]string{
		"SYNC_PIM_ENDPOINT":         "https://pim.example.com/rpc",
		"SYNC_FIRESTORE_PROJECT_ID": "pimsync-dev",
	}

	_, err := Load(context.Background(),
		WithEnvMap(env),
		WithoutSystemEnv(),
		WithEnvFile(""),
		WithRequiredSecrets("PIM.AuthToken"),
	)
	var missingErr *MissingSecretsError
	if !errors.As(err, &missingErr) {
		t.Fatalf("expected MissingSecretsError, got %v", err)
	}
	names := missingErr.Names()
	if len(names) != 1 || names[0] != "PIM.AuthToken" {
		t.Errorf("unexpected missing secret names: %v", names)
	}
}

func TestLoadReadsDotEnvFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	content := "SYNC_PIM_ENDPOINT=https://pim.example.com/rpc\n" +
		"SYNC_FIRESTORE_PROJECT_ID=pimsync-file\n" +
		"export SYNC_LANGUAGE=\"nl\"\n" +
		"# comment\n"
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write env file: %v", err)
	}

	cfg, err := Load(context.Background(), WithoutSystemEnv(), WithEnvFile(path))
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.Firestore.ProjectID != "pimsync-file" {
		t.Errorf("dotenv project not applied: %s", cfg.Firestore.ProjectID)
	}
	if cfg.Sync.Language != "nl" {
		t.Errorf("dotenv language not applied: %s", cfg.Sync.Language)
	}
}

func TestEnvMapTakesPrecedenceOverDotEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	if err := os.WriteFile(path, []byte("SYNC_SERVER_PORT=7000\n"), 0o600); err != nil {
		t.Fatalf("write env file: %v", err)
	}

	env := map[string]string{
		"SYNC_SERVER_PORT":          "7100",
		"SYNC_PIM_ENDPOINT":         "https://pim.example.com/rpc",
		"SYNC_FIRESTORE_PROJECT_ID": "pimsync-dev",
	}

	cfg, err := Load(context.Background(), WithEnvMap(env), WithoutSystemEnv(), WithEnvFile(path))
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.Server.Port != "7100" {
		t.Errorf("env map should win over dotenv, got %s", cfg.Server.Port)
	}
}
