package config

import (
	"bufio"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"
)

const (
	defaultEnvFile             = ".env"
	defaultPort                = "8080"
	defaultReadTimeout         = 15 * time.Second
	defaultWriteTimeout        = 30 * time.Second
	defaultIdleTimeout         = 120 * time.Second
	defaultRateLimitDefault    = 120
	defaultPIMRetries          = 3
	defaultPIMRetryDelay       = 2 * time.Second
	defaultPIMPageSize         = 100
	defaultPIMAuthScheme       = "bearer"
	defaultSyncLanguage        = "en"
	defaultSyncLeaseTTL        = 5 * time.Minute
	defaultSyncHeartbeat       = 30 * time.Second
	defaultSyncHistoryLimit    = 20
	defaultSecurityEnvironment = "local"
)

// Config captures all runtime configuration organised by concern.
type Config struct {
	Server     ServerConfig
	PIM        PIMConfig
	Sync       SyncConfig
	Firestore  FirestoreConfig
	Storage    StorageConfig
	PubSub     PubSubConfig
	RateLimits RateLimitConfig
	Security   SecurityConfig
}

// ServerConfig configures HTTP server parameters.
type ServerConfig struct {
	Port         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

// PIMConfig describes the remote PIM endpoint and its JSON-RPC client
// behaviour.
type PIMConfig struct {
	Endpoint    string
	AuthScheme  string
	AuthToken   string
	TokenHeader string
	Retries     int
	RetryDelay  time.Duration
	PageSize    int
}

// SyncConfig carries the reconciliation tunables.
type SyncConfig struct {
	Language          string
	IncludeSKUs       []string
	AllowFeatureCodes []string
	DenyFeatureCodes  []string
	LeaseTTL          time.Duration
	Heartbeat         time.Duration
	HistoryLimit      int
}

// FirestoreConfig stores database parameters.
type FirestoreConfig struct {
	ProjectID    string
	EmulatorHost string
}

// StorageConfig lists bucket names used by the application.
type StorageConfig struct {
	MediaBucket string
}

// PubSubConfig names the run event topic.
type PubSubConfig struct {
	ProjectID      string
	RunEventsTopic string
}

// RateLimitConfig controls request throttling.
type RateLimitConfig struct {
	DefaultPerMinute int
}

// SecurityConfig groups the facade authentication settings.
type SecurityConfig struct {
	Environment string
	// AdminToken protects the sync trigger and status endpoints.
	AdminToken string
	// SchedulerSecret signs scheduler-issued trigger requests. Scheduler
	// routes stay disabled while it is empty.
	SchedulerSecret string
}

// SecretResolver resolves references to external secrets (e.g. Secret Manager URIs).
type SecretResolver interface {
	ResolveSecret(ctx context.Context, ref string) (string, error)
}

// SecretResolverFunc adapts ordinary functions to SecretResolver.
type SecretResolverFunc func(context.Context, string) (string, error)

// ResolveSecret resolves the secret using the wrapped function.
func (f SecretResolverFunc) ResolveSecret(ctx context.Context, ref string) (string, error) {
	return f(ctx, ref)
}

// ValidationError reports missing or invalid configuration fields.
type ValidationError struct {
	fields []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config validation failed: missing or invalid fields [%s]", strings.Join(e.fields, ", "))
}

// Fields returns a copy of the missing/invalid field list.
func (e *ValidationError) Fields() []string {
	out := make([]string, len(e.fields))
	copy(out, e.fields)
	return out
}

// SecretError describes a failure while resolving one secret reference.
type SecretError struct {
	Ref string
	Err error
}

func (e *SecretError) Error() string {
	return fmt.Sprintf("secret resolution failed for ref %q: %v", e.Ref, e.Err)
}

// Unwrap exposes the underlying error.
func (e *SecretError) Unwrap() error { return e.Err }

// MissingSecretsError indicates that required secrets did not resolve to
// non-empty values. Error output carries only redacted identifiers so the
// message is safe to log.
type MissingSecretsError struct {
	names []string
}

func (e *MissingSecretsError) Error() string {
	if e == nil || len(e.names) == 0 {
		return "missing required secrets"
	}
	return fmt.Sprintf("missing required secrets [%s]", strings.Join(e.RedactedNames(), ", "))
}

// RedactedNames returns hashed identifiers of the missing secrets.
func (e *MissingSecretsError) RedactedNames() []string {
	if e == nil {
		return nil
	}
	out := make([]string, 0, len(e.names))
	for _, name := range e.names {
		sum := sha256.Sum256([]byte(name))
		out = append(out, hex.EncodeToString(sum[:8]))
	}
	sort.Strings(out)
	return out
}

// Names returns the plain identifiers of the missing secrets.
func (e *MissingSecretsError) Names() []string {
	if e == nil {
		return nil
	}
	out := make([]string, len(e.names))
	copy(out, e.names)
	sort.Strings(out)
	return out
}

var errSecretResolverNotConfigured = errors.New("secret resolver not configured")

// Option customises Load behaviour.
type Option func(*loaderOptions)

type loaderOptions struct {
	envFile         string
	envMap          map[string]string
	useSystemEnv    bool
	secret          SecretResolver
	requiredSecrets []string
}

// WithEnvFile overrides the .env file path used for local overrides.
func WithEnvFile(path string) Option {
	return func(o *loaderOptions) { o.envFile = path }
}

// WithEnvMap injects an explicit key/value map. Its values take
// precedence over system environment variables.
func WithEnvMap(values map[string]string) Option {
	return func(o *loaderOptions) { o.envMap = values }
}

// WithoutSystemEnv disables os.Getenv lookups, relying only on provided
// maps and .env files.
func WithoutSystemEnv() Option {
	return func(o *loaderOptions) { o.useSystemEnv = false }
}

// WithSecretResolver sets the resolver used for secret:// and sm:// references.
func WithSecretResolver(resolver SecretResolver) Option {
	return func(o *loaderOptions) { o.secret = resolver }
}

// WithRequiredSecrets marks secret identifiers as mandatory. Identifiers
// match the config field paths recorded by the loader (e.g. "PIM.AuthToken").
func WithRequiredSecrets(names ...string) Option {
	return func(o *loaderOptions) { o.requiredSecrets = append(o.requiredSecrets, names...) }
}

// envSource layers configuration lookups: explicit map over system
// environment over dotenv file.
type envSource struct {
	dotenv map[string]string
	system bool
	extra  map[string]string
}

func newEnvSource(o loaderOptions) (envSource, error) {
	dotenv, err := loadDotEnv(o.envFile)
	if err != nil {
		return envSource{}, err
	}
	return envSource{dotenv: dotenv, system: o.useSystemEnv, extra: o.envMap}, nil
}

func (s envSource) get(key string) (string, bool) {
	if value, ok := s.extra[key]; ok {
		return value, true
	}
	if s.system {
		if value, ok := os.LookupEnv(key); ok {
			return value, true
		}
	}
	value, ok := s.dotenv[key]
	return value, ok
}

func (s envSource) str(key, fallback string) string {
	if value, ok := s.get(key); ok && value != "" {
		return value
	}
	return fallback
}

func (s envSource) duration(key string, fallback time.Duration) time.Duration {
	if value, ok := s.get(key); ok && value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return fallback
}

func (s envSource) num(key string, fallback int) int {
	if value, ok := s.get(key); ok && value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return fallback
}

func (s envSource) list(key string) []string {
	raw, ok := s.get(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return []string{}
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

// flatten merges the layers into one map, lowest precedence first.
func (s envSource) flatten() map[string]string {
	values := make(map[string]string)
	for key, value := range s.dotenv {
		values[key] = value
	}
	if s.system {
		for _, entry := range os.Environ() {
			if key, value, ok := strings.Cut(entry, "="); ok && strings.TrimSpace(key) != "" {
				values[strings.TrimSpace(key)] = value
			}
		}
	}
	for key, value := range s.extra {
		values[key] = value
	}
	return values
}

// EnvironmentValues returns the effective key/value map after applying
// the same precedence rules as Load. Callers use it to initialise
// dependencies, such as the secret fetcher, before invoking Load.
func EnvironmentValues(opts ...Option) (map[string]string, error) {
	options := loaderOptions{envFile: defaultEnvFile, useSystemEnv: true}
	for _, opt := range opts {
		opt(&options)
	}
	source, err := newEnvSource(options)
	if err != nil {
		return nil, err
	}
	return source.flatten(), nil
}

// Load assembles the configuration from defaults, .env overrides,
// environment variables, and secret manager lookups.
func Load(ctx context.Context, opts ...Option) (Config, error) {
	options := loaderOptions{envFile: defaultEnvFile, useSystemEnv: true}
	for _, opt := range opts {
		opt(&options)
	}

	env, err := newEnvSource(options)
	if err != nil {
		return Config{}, err
	}

	cfg := Config{
		Server: ServerConfig{
			Port:         env.str("SYNC_SERVER_PORT", defaultPort),
			ReadTimeout:  env.duration("SYNC_SERVER_READ_TIMEOUT", defaultReadTimeout),
			WriteTimeout: env.duration("SYNC_SERVER_WRITE_TIMEOUT", defaultWriteTimeout),
			IdleTimeout:  env.duration("SYNC_SERVER_IDLE_TIMEOUT", defaultIdleTimeout),
		},
		PIM: PIMConfig{
			Endpoint:    env.str("SYNC_PIM_ENDPOINT", ""),
			AuthScheme:  strings.ToLower(env.str("SYNC_PIM_AUTH_SCHEME", defaultPIMAuthScheme)),
			AuthToken:   env.str("SYNC_PIM_AUTH_TOKEN", ""),
			TokenHeader: env.str("SYNC_PIM_TOKEN_HEADER", ""),
			Retries:     env.num("SYNC_PIM_RETRIES", defaultPIMRetries),
			RetryDelay:  env.duration("SYNC_PIM_RETRY_DELAY", defaultPIMRetryDelay),
			PageSize:    env.num("SYNC_PIM_PAGE_SIZE", defaultPIMPageSize),
		},
		Sync: SyncConfig{
			Language:          env.str("SYNC_LANGUAGE", defaultSyncLanguage),
			IncludeSKUs:       env.list("SYNC_INCLUDE_SKUS"),
			AllowFeatureCodes: env.list("SYNC_FEATURE_ALLOW_CODES"),
			DenyFeatureCodes:  env.list("SYNC_FEATURE_DENY_CODES"),
			LeaseTTL:          env.duration("SYNC_LEASE_TTL", defaultSyncLeaseTTL),
			Heartbeat:         env.duration("SYNC_LEASE_HEARTBEAT", defaultSyncHeartbeat),
			HistoryLimit:      env.num("SYNC_HISTORY_LIMIT", defaultSyncHistoryLimit),
		},
		Firestore: FirestoreConfig{
			ProjectID:    env.str("SYNC_FIRESTORE_PROJECT_ID", ""),
			EmulatorHost: env.str("SYNC_FIRESTORE_EMULATOR_HOST", ""),
		},
		Storage: StorageConfig{
			MediaBucket: env.str("SYNC_STORAGE_MEDIA_BUCKET", ""),
		},
		PubSub: PubSubConfig{
			ProjectID:      env.str("SYNC_PUBSUB_PROJECT_ID", ""),
			RunEventsTopic: env.str("SYNC_PUBSUB_RUN_EVENTS_TOPIC", ""),
		},
		RateLimits: RateLimitConfig{
			DefaultPerMinute: env.num("SYNC_RATELIMIT_DEFAULT_PER_MIN", defaultRateLimitDefault),
		},
		Security: SecurityConfig{
			Environment:     strings.ToLower(env.str("SYNC_SECURITY_ENVIRONMENT", defaultSecurityEnvironment)),
			AdminToken:      env.str("SYNC_SECURITY_ADMIN_TOKEN", ""),
			SchedulerSecret: env.str("SYNC_SECURITY_SCHEDULER_SECRET", ""),
		},
	}

	// Pub/Sub project defaults to the Firestore project when unspecified.
	if cfg.PubSub.ProjectID == "" {
		cfg.PubSub.ProjectID = cfg.Firestore.ProjectID
	}

	secretFields := map[string]*string{
		"PIM.AuthToken":            &cfg.PIM.AuthToken,
		"Security.AdminToken":      &cfg.Security.AdminToken,
		"Security.SchedulerSecret": &cfg.Security.SchedulerSecret,
	}
	resolved := make(map[string]string, len(secretFields))
	for name, field := range secretFields {
		value, err := resolveSecret(ctx, *field, options.secret)
		if err != nil {
			return Config{}, err
		}
		*field = value
		resolved[name] = strings.TrimSpace(value)
	}

	if err := validateConfig(cfg); err != nil {
		return Config{}, err
	}
	if missing := findMissingSecrets(options.requiredSecrets, resolved); missing != nil {
		return Config{}, missing
	}
	return cfg, nil
}

func resolveSecret(ctx context.Context, value string, resolver SecretResolver) (string, error) {
	trimmed := strings.TrimSpace(value)
	if !strings.HasPrefix(trimmed, "secret://") && !strings.HasPrefix(trimmed, "sm://") {
		return value, nil
	}
	ref := trimmed
	if rest, ok := strings.CutPrefix(trimmed, "sm://"); ok {
		ref = "secret://" + rest
	}
	if resolver == nil {
		return "", &SecretError{Ref: ref, Err: errSecretResolverNotConfigured}
	}
	secret, err := resolver.ResolveSecret(ctx, ref)
	if err != nil {
		return "", &SecretError{Ref: ref, Err: err}
	}
	return secret, nil
}

func validateConfig(cfg Config) error {
	var missing []string
	if cfg.Server.Port == "" {
		missing = append(missing, "Server.Port")
	}
	if cfg.PIM.Endpoint == "" {
		missing = append(missing, "PIM.Endpoint")
	}
	if cfg.Firestore.ProjectID == "" {
		missing = append(missing, "Firestore.ProjectID")
	}
	if cfg.PIM.PageSize <= 0 {
		missing = append(missing, "PIM.PageSize")
	}
	if cfg.Sync.LeaseTTL <= 0 {
		missing = append(missing, "Sync.LeaseTTL")
	}
	if cfg.Sync.Heartbeat <= 0 || cfg.Sync.Heartbeat >= cfg.Sync.LeaseTTL {
		missing = append(missing, "Sync.Heartbeat")
	}
	if len(missing) > 0 {
		return &ValidationError{fields: missing}
	}
	return nil
}

func findMissingSecrets(required []string, resolved map[string]string) *MissingSecretsError {
	seen := make(map[string]struct{}, len(required))
	var missing []string
	for _, name := range required {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		if _, dup := seen[name]; dup {
			continue
		}
		seen[name] = struct{}{}
		if resolved[name] == "" {
			missing = append(missing, name)
		}
	}
	if len(missing) == 0 {
		return nil
	}
	return &MissingSecretsError{names: missing}
}

func loadDotEnv(path string) (map[string]string, error) {
	if path == "" {
		return nil, nil
	}
	if abs, err := filepath.Abs(path); err == nil {
		path = abs
	}

	file, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("config: unable to read %s: %w", path, err)
	}
	defer file.Close()

	values := make(map[string]string)
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		line = strings.TrimSpace(strings.TrimPrefix(line, "export "))
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		if key == "" {
			continue
		}
		values[key] = strings.Trim(strings.TrimSpace(value), "\"'")
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("config: failed parsing %s: %w", path, err)
	}
	return values, nil
}
