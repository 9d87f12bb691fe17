package di

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/meridian-commerce/pimsync/internal/platform/config"
	"github.com/meridian-commerce/pimsync/internal/repositories"
	"github.com/meridian-commerce/pimsync/internal/sync"
)

// ContainerDeps carries the externally constructed collaborators. Production
// wiring provides real clients; tests can supply in-memory implementations.
type ContainerDeps struct {
	Registry  repositories.Registry
	Remote    sync.RemoteCatalog
	Media     repositories.MediaStore
	Publisher sync.ReportPublisher
	Logger    *zap.Logger
}

// Container wires repositories and the sync engine for runtime use.
type Container struct {
	Config       config.Config
	Repositories repositories.Registry
	Engine       *sync.Orchestrator
}

// NewContainer constructs the runtime dependencies.
func NewContainer(ctx context.Context, cfg config.Config, deps ContainerDeps) (*Container, error) {
	if deps.Registry == nil {
		return nil, errors.New("repositories registry is required")
	}
	if deps.Remote == nil {
		return nil, errors.New("remote catalog client is required")
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	engine, err := sync.NewOrchestrator(sync.OrchestratorDeps{
		Remote:     deps.Remote,
		Catalog:    deps.Registry.Catalog(),
		Categories: deps.Registry.Categories(),
		Attributes: deps.Registry.Attributes(),
		RunState:   deps.Registry.RunState(),
		Media:      deps.Media,
		Publisher:  deps.Publisher,
		Options: sync.OrchestratorOptions{
			Language:          cfg.Sync.Language,
			PageSize:          cfg.PIM.PageSize,
			LeaseTTL:          cfg.Sync.LeaseTTL,
			Heartbeat:         cfg.Sync.Heartbeat,
			IncludeSKUs:       cfg.Sync.IncludeSKUs,
			AllowFeatureCodes: cfg.Sync.AllowFeatureCodes,
			DenyFeatureCodes:  cfg.Sync.DenyFeatureCodes,
			HistoryLimit:      cfg.Sync.HistoryLimit,
		},
		Logger: logger.Named("sync"),
	})
	if err != nil {
		return nil, fmt.Errorf("build sync engine: %w", err)
	}

	return &Container{
		Config:       cfg,
		Repositories: deps.Registry,
		Engine:       engine,
	}, nil
}

// Close releases resources such as repository clients.
func (c *Container) Close(ctx context.Context) error {
	if c == nil || c.Repositories == nil {
		return nil
	}
	return c.Repositories.Close(ctx)
}
