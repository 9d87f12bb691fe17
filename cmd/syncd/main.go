package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"cloud.google.com/go/firestore"
	"cloud.google.com/go/pubsub"
	cloudstorage "cloud.google.com/go/storage"
	"go.uber.org/zap"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/meridian-commerce/pimsync/internal/di"
	"github.com/meridian-commerce/pimsync/internal/handlers"
	"github.com/meridian-commerce/pimsync/internal/pim"
	"github.com/meridian-commerce/pimsync/internal/platform/auth"
	"github.com/meridian-commerce/pimsync/internal/platform/config"
	pfirestore "github.com/meridian-commerce/pimsync/internal/platform/firestore"
	"github.com/meridian-commerce/pimsync/internal/platform/jobs"
	"github.com/meridian-commerce/pimsync/internal/platform/observability"
	"github.com/meridian-commerce/pimsync/internal/platform/secrets"
	platformstorage "github.com/meridian-commerce/pimsync/internal/platform/storage"
	firestoreRepo "github.com/meridian-commerce/pimsync/internal/repositories/firestore"
)

func main() {
	ctx := context.Background()
	startedAt := time.Now().UTC()

	baseLogger, err := observability.NewLogger()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialise logger: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		_ = baseLogger.Sync()
	}()

	logger := baseLogger.Named("syncd")
	ctx = observability.WithLogger(ctx, logger)

	envValues, err := config.EnvironmentValues()
	if err != nil {
		logger.Fatal("failed to read environment values", zap.Error(err))
	}

	fetcher, err := newSecretFetcher(ctx, logger, envValues)
	if err != nil {
		logger.Fatal("failed to initialise secret fetcher", zap.Error(err))
	}
	defer func() {
		if err := fetcher.Close(); err != nil {
			logger.Warn("secret fetcher close error", zap.Error(err))
		}
	}()

	cfg, err := config.Load(ctx,
		config.WithSecretResolver(config.SecretResolverFunc(fetcher.Resolve)),
		config.WithRequiredSecrets("PIM.AuthToken"),
	)
	if err != nil {
		var missing *config.MissingSecretsError
		if errors.As(err, &missing) {
			logger.Fatal("missing required secrets", zap.Strings("secrets", missing.RedactedNames()))
		}
		logger.Fatal("failed to load configuration", zap.Error(err))
	}

	buildInfo := buildInfoFromEnv(envValues, cfg, startedAt)

	firestoreProvider := pfirestore.NewProvider(cfg.Firestore)
	firestoreClient, err := firestoreProvider.Client(ctx)
	if err != nil {
		logger.Fatal("failed to initialise firestore client", zap.Error(err))
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := firestoreProvider.Close(closeCtx); err != nil {
			logger.Warn("firestore close error", zap.Error(err))
		}
	}()

	registry, err := firestoreRepo.NewRegistry(firestoreProvider)
	if err != nil {
		logger.Fatal("failed to initialise repositories", zap.Error(err))
	}

	remote, err := pim.NewClient(pim.Options{
		BaseURL:     cfg.PIM.Endpoint,
		Auth:        pim.AuthScheme(cfg.PIM.AuthScheme),
		Token:       cfg.PIM.AuthToken,
		TokenHeader: cfg.PIM.TokenHeader,
		Retries:     cfg.PIM.Retries,
		RetryDelay:  cfg.PIM.RetryDelay,
		Logger:      logger.Named("pim"),
	})
	if err != nil {
		logger.Fatal("failed to initialise pim client", zap.Error(err))
	}

	containerDeps := di.ContainerDeps{
		Registry: registry,
		Remote:   remote,
		Logger:   logger,
	}

	if bucket := strings.TrimSpace(cfg.Storage.MediaBucket); bucket != "" {
		storageClient, err := cloudstorage.NewClient(ctx)
		if err != nil {
			logger.Fatal("failed to initialise storage client", zap.Error(err))
		}
		defer func() {
			if err := storageClient.Close(); err != nil {
				logger.Warn("storage close error", zap.Error(err))
			}
		}()
		mirror, err := platformstorage.NewMediaMirror(storageClient, bucket)
		if err != nil {
			logger.Fatal("failed to initialise media mirror", zap.Error(err))
		}
		containerDeps.Media = mirror
	} else {
		logger.Info("media bucket not configured; attachment mirroring disabled")
	}

	var pubsubClient *pubsub.Client
	if topicID := strings.TrimSpace(cfg.PubSub.RunEventsTopic); topicID != "" {
		pubsubClient, err = pubsub.NewClient(ctx, cfg.PubSub.ProjectID)
		if err != nil {
			logger.Fatal("failed to initialise pubsub client", zap.Error(err))
		}
		defer func() {
			if err := pubsubClient.Close(); err != nil {
				logger.Warn("pubsub close error", zap.Error(err))
			}
		}()
		publisher, err := jobs.NewPubSubReportPublisher(pubsubClient.Topic(topicID))
		if err != nil {
			logger.Fatal("failed to initialise run report publisher", zap.Error(err))
		}
		containerDeps.Publisher = publisher
	} else {
		logger.Info("run events topic not configured; report publishing disabled")
	}

	container, err := di.NewContainer(ctx, cfg, containerDeps)
	if err != nil {
		logger.Fatal("failed to build container", zap.Error(err))
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := container.Close(closeCtx); err != nil {
			logger.Warn("container close error", zap.Error(err))
		}
	}()

	authenticator := auth.NewTokenAuthenticator(cfg.Security.AdminToken)
	schedulerMiddleware := buildSchedulerMiddleware(logger.Named("auth"), cfg)

	syncHandlers := handlers.NewSyncHandlers(authenticator, container.Engine,
		handlers.WithSyncRateLimiter(cfg.RateLimits.DefaultPerMinute, time.Minute),
	)

	healthHandlers := handlers.NewHealthHandlers(
		handlers.WithHealthBuildInfo(buildInfo),
		handlers.WithHealthCheck("firestore", firestoreCheck(firestoreClient)),
		handlers.WithHealthCheck("secretManager", secretManagerCheck(fetcher)),
	)

	projectID := strings.TrimSpace(cfg.Firestore.ProjectID)
	middlewares := []func(http.Handler) http.Handler{
		observability.InjectLoggerMiddleware(logger.Named("http")),
		observability.TraceMiddleware(projectID),
		observability.RecoveryMiddleware(logger.Named("http")),
		observability.RequestLoggerMiddleware(projectID),
	}

	opts := []handlers.Option{
		handlers.WithMiddlewares(middlewares...),
		handlers.WithHealthHandlers(healthHandlers),
		handlers.WithAdminRoutes(syncHandlers.Routes),
	}
	if schedulerMiddleware != nil {
		opts = append(opts,
			handlers.WithInternalRoutes(syncHandlers.ScheduledRoutes),
			handlers.WithInternalMiddlewares(schedulerMiddleware),
		)
	}

	router := handlers.NewRouter(opts...)
	server := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)

	serverLogger := logger.Named("http").With(zap.String("addr", server.Addr))
	go func() {
		serverLogger.Info("pimsync daemon listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverLogger.Fatal("http server error", zap.Error(err))
		}
	}()

	<-shutdown
	logger.Info("shutdown signal received; draining requests")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", zap.Error(err))
	}
}

func buildInfoFromEnv(env map[string]string, cfg config.Config, started time.Time) handlers.BuildInfo {
	version := strings.TrimSpace(env["SYNC_BUILD_VERSION"])
	if version == "" {
		version = "dev"
	}
	commit := strings.TrimSpace(env["SYNC_BUILD_COMMIT_SHA"])
	if commit == "" {
		commit = "unknown"
	}
	environment := strings.TrimSpace(cfg.Security.Environment)
	if environment == "" {
		environment = "local"
	}
	return handlers.BuildInfo{
		Version:     version,
		CommitSHA:   commit,
		Environment: environment,
		StartedAt:   started,
	}
}

func firestoreCheck(client *firestore.Client) handlers.ReadyCheck {
	return func(ctx context.Context) error {
		iter := client.Collections(ctx)
		_, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			return nil
		}
		return err
	}
}

func secretManagerCheck(fetcher *secrets.Fetcher) handlers.ReadyCheck {
	const healthReference = "secret://system/healthz?version=latest"
	return func(ctx context.Context) error {
		_, err := fetcher.Resolve(ctx, healthReference)
		if err == nil {
			return nil
		}
		if st, ok := status.FromError(err); ok && st.Code() == codes.NotFound {
			return nil
		}
		return err
	}
}

// buildSchedulerMiddleware guards the internal trigger routes with signed
// requests. Returns nil when no scheduler secret is configured, leaving the
// internal group unregistered.
func buildSchedulerMiddleware(logger *zap.Logger, cfg config.Config) func(http.Handler) http.Handler {
	secret := strings.TrimSpace(cfg.Security.SchedulerSecret)
	if secret == "" {
		return nil
	}

	provider := staticSecretProvider{secrets: map[string]string{"scheduler": secret}}
	nonces := auth.NewInMemoryNonceStore()
	adapter := observability.NewPrintfAdapter(logger)
	validator := auth.NewHMACValidator(provider, nonces, auth.WithHMACLogger(adapter))
	return validator.RequireHMAC("scheduler")
}

type staticSecretProvider struct {
	secrets map[string]string
}

func (p staticSecretProvider) GetSecret(_ context.Context, name string) (string, error) {
	key := strings.ToLower(strings.TrimSpace(name))
	if key == "" {
		return "", errors.New("auth: secret name required")
	}
	if secret, ok := p.secrets[key]; ok && secret != "" {
		return secret, nil
	}
	return "", errors.New("auth: secret not found")
}

func newSecretFetcher(ctx context.Context, logger *zap.Logger, env map[string]string) (*secrets.Fetcher, error) {
	lookup := func(key string) string {
		if env == nil {
			return ""
		}
		if value, ok := env[key]; ok {
			return strings.TrimSpace(value)
		}
		return ""
	}

	envLabel := strings.ToLower(lookup("SYNC_SECURITY_ENVIRONMENT"))
	if envLabel == "" {
		envLabel = "local"
	}
	projectMap := parseKeyValueList(lookup("SYNC_SECRET_PROJECT_IDS"), strings.ToLower)
	defaultProject := lookup("SYNC_SECRET_DEFAULT_PROJECT_ID")
	if defaultProject == "" {
		defaultProject = lookup("SYNC_FIRESTORE_PROJECT_ID")
	}
	fallbackPath := lookup("SYNC_SECRET_FALLBACK_FILE")
	if fallbackPath == "" {
		fallbackPath = ".secrets.local"
	}
	versionPins := secretVersionPinsFromEnv(lookup("SYNC_SECRET_VERSION_PINS"))
	credentialsFile := lookup("SYNC_GOOGLE_CREDENTIALS_FILE")

	opts := []secrets.Option{
		secrets.WithEnvironment(envLabel),
		secrets.WithLogger(logger.Named("secrets")),
		secrets.WithFallbackFile(fallbackPath),
	}
	if len(projectMap) > 0 {
		opts = append(opts, secrets.WithProjectMap(projectMap))
	}
	if defaultProject != "" {
		opts = append(opts, secrets.WithDefaultProject(defaultProject))
	}
	if len(versionPins) > 0 {
		opts = append(opts, secrets.WithVersionPins(versionPins))
	}
	if credentialsFile != "" {
		opts = append(opts, secrets.WithClientOptions(option.WithCredentialsFile(credentialsFile)))
	}

	return secrets.NewFetcher(ctx, opts...)
}

func secretVersionPinsFromEnv(raw string) map[string]string {
	pins := make(map[string]string)
	for ref, version := range parseKeyValueList(raw, nil) {
		var prefix string
		if idx := strings.Index(ref, ":"); idx > 0 {
			schemeSplit := strings.Index(ref, "://")
			if schemeSplit == -1 || idx < schemeSplit {
				prefix = strings.ToLower(strings.TrimSpace(ref[:idx])) + ":"
				ref = strings.TrimSpace(ref[idx+1:])
			}
		}
		if strings.HasPrefix(ref, "sm://") {
			ref = "secret://" + strings.TrimPrefix(ref, "sm://")
		} else if !strings.HasPrefix(ref, "secret://") {
			ref = "secret://" + ref
		}
		pins[prefix+ref] = version
	}
	return pins
}

func parseKeyValueList(raw string, normaliseKey func(string) string) map[string]string {
	result := make(map[string]string)
	if strings.TrimSpace(raw) == "" {
		return result
	}
	for _, entry := range strings.Split(raw, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		parts := strings.SplitN(entry, "=", 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.TrimSpace(parts[0])
		value := strings.TrimSpace(parts[1])
		if normaliseKey != nil {
			key = normaliseKey(key)
		}
		if key == "" || value == "" {
			continue
		}
		result[key] = value
	}
	return result
}
