package secrets

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	secretmanager "cloud.google.com/go/secretmanager/apiv1"
	"cloud.google.com/go/secretmanager/apiv1/secretmanagerpb"
	"github.com/googleapis/gax-go/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const (
	defaultEnvironment = "local"
	defaultLocalFile   = ".secrets.local"
	meterScope         = "github.com/meridian-commerce/pimsync/internal/platform/secrets"
)

var secretManagerClientFactory = func(ctx context.Context, opts ...option.ClientOption) (*secretmanager.Client, error) {
	return secretmanager.NewClient(ctx, opts...)
}

type secretManagerClient interface {
	AccessSecretVersion(ctx context.Context, req *secretmanagerpb.AccessSecretVersionRequest, opts ...gax.CallOption) (*secretmanagerpb.AccessSecretVersionResponse, error)
	Close() error
}

// Fetcher resolves secret:// references against Google Secret Manager,
// caching resolved values for the process lifetime. When the manager is
// unreachable or denies access, a local key=value file stands in so the
// daemon can run without cloud credentials.
type Fetcher struct {
	client     secretManagerClient
	ownsClient bool
	logger     *zap.Logger

	env          string
	defaultProj  string
	projectByEnv map[string]string
	versionPins  map[string]string

	localPath string
	localOnce sync.Once
	localVals map[string]string
	localErr  error

	mu    sync.RWMutex
	cache map[string]string

	latency   metric.Float64Histogram
	cacheHits metric.Int64Counter
}

type fetcherConfig struct {
	logger      *zap.Logger
	env         string
	defaultProj string
	projectMap  map[string]string
	localPath   string
	meter       metric.Meter
	client      secretManagerClient
	clientOpts  []option.ClientOption
	versionPins map[string]string
}

// Option customises Fetcher construction.
type Option func(*fetcherConfig)

// WithLogger sets the logger used for diagnostic output.
func WithLogger(logger *zap.Logger) Option {
	return func(cfg *fetcherConfig) { cfg.logger = logger }
}

// WithEnvironment selects the environment key used to pick a project ID.
func WithEnvironment(env string) Option {
	return func(cfg *fetcherConfig) { cfg.env = strings.ToLower(strings.TrimSpace(env)) }
}

// WithDefaultProject sets the project used when no environment mapping matches.
func WithDefaultProject(projectID string) Option {
	return func(cfg *fetcherConfig) { cfg.defaultProj = strings.TrimSpace(projectID) }
}

// WithProjectMap supplies per-environment project IDs.
func WithProjectMap(m map[string]string) Option {
	return func(cfg *fetcherConfig) { cfg.projectMap = cloneMap(m) }
}

// WithFallbackFile overrides the path of the local secrets file.
func WithFallbackFile(path string) Option {
	return func(cfg *fetcherConfig) { cfg.localPath = strings.TrimSpace(path) }
}

// WithMeter injects a custom OpenTelemetry meter.
func WithMeter(m metric.Meter) Option {
	return func(cfg *fetcherConfig) { cfg.meter = m }
}

// WithSecretManagerClient injects a preconfigured client, primarily for tests.
func WithSecretManagerClient(client secretManagerClient) Option {
	return func(cfg *fetcherConfig) { cfg.client = client }
}

// WithClientOptions forwards Cloud client options to the Secret Manager client.
func WithClientOptions(opts ...option.ClientOption) Option {
	return func(cfg *fetcherConfig) { cfg.clientOpts = append(cfg.clientOpts, opts...) }
}

// WithVersionPins sets version overrides keyed by canonical secret reference.
// A pin keyed "<env>:<ref>" beats a bare "<ref>" pin.
func WithVersionPins(pins map[string]string) Option {
	return func(cfg *fetcherConfig) { cfg.versionPins = cloneMap(pins) }
}

// NewFetcher builds a Fetcher. A missing Secret Manager client is not an
// error: the fetcher degrades to local-file resolution, which is the
// normal mode on developer machines.
func NewFetcher(ctx context.Context, opts ...Option) (*Fetcher, error) {
	cfg := fetcherConfig{
		logger:      zap.NewNop(),
		env:         strings.ToLower(strings.TrimSpace(os.Getenv("SYNC_SECURITY_ENVIRONMENT"))),
		localPath:   defaultLocalFile,
		projectMap:  map[string]string{},
		versionPins: map[string]string{},
	}
	if cfg.env == "" {
		cfg.env = defaultEnvironment
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.logger == nil {
		cfg.logger = zap.NewNop()
	}

	meter := cfg.meter
	if meter == nil {
		meter = otel.GetMeterProvider().Meter(meterScope)
	}
	latency, err := meter.Float64Histogram(
		"secrets.fetch.latency",
		metric.WithUnit("ms"),
		metric.WithDescription("Latency of secret fetch attempts"),
	)
	if err != nil {
		cfg.logger.Warn("secrets: latency metric unavailable", zap.Error(err))
		latency = nil
	}
	cacheHits, err := meter.Int64Counter(
		"secrets.fetch.cache_hits",
		metric.WithDescription("Cache hits while resolving secrets"),
	)
	if err != nil {
		cfg.logger.Warn("secrets: cache hit metric unavailable", zap.Error(err))
		cacheHits = nil
	}

	f := &Fetcher{
		logger:       cfg.logger,
		env:          cfg.env,
		defaultProj:  cfg.defaultProj,
		projectByEnv: cloneMap(cfg.projectMap),
		versionPins:  cloneMap(cfg.versionPins),
		localPath:    cfg.localPath,
		cache:        make(map[string]string),
		latency:      latency,
		cacheHits:    cacheHits,
	}

	if cfg.client != nil {
		f.client = cfg.client
		return f, nil
	}
	client, err := secretManagerClientFactory(ctx, cfg.clientOpts...)
	if err != nil {
		cfg.logger.Warn("secrets: secret manager unavailable, using local file only", zap.Error(err))
		return f, nil
	}
	f.client = client
	f.ownsClient = true
	return f, nil
}

// Close releases the underlying client when the fetcher created it.
func (f *Fetcher) Close() error {
	if f.ownsClient && f.client != nil {
		return f.client.Close()
	}
	return nil
}

// Resolve returns the value behind a secret:// reference. Values are
// cached per reference and version; a NotFound from the manager is
// surfaced, not papered over with the local file.
func (f *Fetcher) Resolve(ctx context.Context, rawRef string) (string, error) {
	start := time.Now()
	ref, err := parseSecretRef(rawRef)
	if err != nil {
		return "", err
	}

	version := f.pinnedVersion(ref)
	key := ref.canonical + "#" + version

	f.mu.RLock()
	cached, hit := f.cache[key]
	f.mu.RUnlock()
	if hit {
		f.count(ctx, f.cacheHits)
		f.observe(ctx, start, "cache")
		return cached, nil
	}

	projectID := f.projectFor(ref)
	if projectID != "" && f.client != nil {
		value, fetchErr := f.accessRemote(ctx, projectID, ref.secret, version)
		if fetchErr == nil {
			f.store(key, value)
			f.observe(ctx, start, "remote")
			return value, nil
		}
		if !localEligible(fetchErr) {
			f.observe(ctx, start, "error")
			return "", fmt.Errorf("secrets: fetch failed for %s: %w", ref.canonical, fetchErr)
		}
		f.logger.Debug("secrets: using local file", zap.String("ref", ref.canonical), zap.Error(fetchErr))
	}

	value, ok := f.localValue(ref, version)
	if !ok {
		f.observe(ctx, start, "error")
		return "", fmt.Errorf("secrets: no local value for %s", ref.canonical)
	}
	f.store(key, value)
	f.observe(ctx, start, "local")
	return value, nil
}

func (f *Fetcher) store(key, value string) {
	f.mu.Lock()
	f.cache[key] = value
	f.mu.Unlock()
}

func (f *Fetcher) accessRemote(ctx context.Context, projectID, name, version string) (string, error) {
	resource := fmt.Sprintf("projects/%s/secrets/%s/versions/%s", projectID, name, version)
	resp, err := f.client.AccessSecretVersion(ctx, &secretmanagerpb.AccessSecretVersionRequest{Name: resource})
	if err != nil {
		return "", err
	}
	if resp.GetPayload() == nil {
		return "", fmt.Errorf("empty payload for %s", resource)
	}
	return string(resp.GetPayload().GetData()), nil
}

func (f *Fetcher) projectFor(ref secretRef) string {
	if ref.project != "" {
		return ref.project
	}
	if id := strings.TrimSpace(f.projectByEnv[f.env]); id != "" {
		return id
	}
	return strings.TrimSpace(f.defaultProj)
}

func (f *Fetcher) pinnedVersion(ref secretRef) string {
	if ref.version != "" {
		return ref.version
	}
	if pin := strings.TrimSpace(f.versionPins[f.env+":"+ref.canonical]); pin != "" {
		return pin
	}
	if pin := strings.TrimSpace(f.versionPins[ref.canonical]); pin != "" {
		return pin
	}
	return "latest"
}

func (f *Fetcher) localValue(ref secretRef, version string) (string, bool) {
	f.localOnce.Do(f.loadLocalFile)
	if f.localErr != nil {
		f.logger.Debug("secrets: local file unreadable", zap.Error(f.localErr))
		return "", false
	}
	if val, ok := f.localVals[ref.canonical+"#"+version]; ok {
		return val, true
	}
	val, ok := f.localVals[ref.canonical]
	return val, ok
}

// loadLocalFile reads the fallback file once. Lines are KEY=VALUE; keys
// may be secret:// references (optionally versioned) or sm:// shorthand.
func (f *Fetcher) loadLocalFile() {
	f.localVals = map[string]string{}
	path := strings.TrimSpace(f.localPath)
	if path == "" {
		return
	}
	if abs, err := filepath.Abs(path); err == nil {
		path = abs
	}

	file, err := os.Open(path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			f.localErr = fmt.Errorf("secrets: open %s: %w", path, err)
		}
		return
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)
		if strings.HasPrefix(key, "sm://") {
			key = "secret://" + strings.TrimPrefix(key, "sm://")
		}
		if key == "" {
			continue
		}
		ref, err := parseSecretRef(key)
		if err != nil {
			f.localVals[key] = value
			continue
		}
		version := ref.version
		if version == "" {
			version = "latest"
		}
		f.localVals[ref.canonical] = value
		f.localVals[ref.canonical+"#"+version] = value
	}
	if err := scanner.Err(); err != nil {
		f.localErr = fmt.Errorf("secrets: read %s: %w", path, err)
	}
}

func (f *Fetcher) observe(ctx context.Context, start time.Time, source string) {
	if f.latency == nil {
		return
	}
	ms := float64(time.Since(start)) / float64(time.Millisecond)
	f.latency.Record(ctx, ms, metric.WithAttributes(attribute.String("source", source)))
}

func (f *Fetcher) count(ctx context.Context, counter metric.Int64Counter) {
	if counter == nil {
		return
	}
	counter.Add(ctx, 1)
}

// secretRef is a parsed secret://name?version=N&project=P reference.
type secretRef struct {
	canonical string
	secret    string
	version   string
	project   string
}

func parseSecretRef(raw string) (secretRef, error) {
	if strings.TrimSpace(raw) == "" {
		return secretRef{}, errors.New("secrets: empty reference")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return secretRef{}, fmt.Errorf("secrets: invalid reference %q: %w", raw, err)
	}
	if u.Scheme != "secret" {
		return secretRef{}, fmt.Errorf("secrets: unsupported scheme %q", u.Scheme)
	}
	name := strings.Trim(strings.TrimPrefix(u.Host+u.Path, "/"), "/")
	if name == "" {
		return secretRef{}, fmt.Errorf("secrets: missing secret name in %q", raw)
	}

	canonical := *u
	canonical.RawQuery = ""
	canonical.Fragment = ""

	q := u.Query()
	return secretRef{
		canonical: canonical.String(),
		secret:    name,
		version:   strings.TrimSpace(q.Get("version")),
		project:   strings.TrimSpace(q.Get("project")),
	}, nil
}

func cloneMap(src map[string]string) map[string]string {
	dst := make(map[string]string, len(src))
	for k, v := range src {
		dst[k] = v
	}
	return dst
}

// localEligible reports whether a Secret Manager error should fall
// through to the local file. NotFound is deliberately excluded: a
// reachable manager that lacks the secret is a configuration bug.
func localEligible(err error) bool {
	switch status.Code(err) {
	case codes.PermissionDenied, codes.Unauthenticated, codes.Unavailable, codes.DeadlineExceeded:
		return true
	}
	return false
}
