package sync

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/meridian-commerce/pimsync/internal/repositories"
)

// PurgerDeps bundles the collaborators for the stale-record sweep.
type PurgerDeps struct {
	Catalog    repositories.CatalogRepository
	Categories repositories.CategoryRepository
	Logger     *zap.Logger
}

// Purger retires catalog entries the remote system no longer delivers and
// removes category terms that vanished upstream. It runs after a complete
// full-mode pass; anything the pass did not touch is stale by definition.
type Purger struct {
	catalog    repositories.CatalogRepository
	categories repositories.CategoryRepository
	logger     *zap.Logger
}

// NewPurger constructs a purger.
func NewPurger(deps PurgerDeps) (*Purger, error) {
	if deps.Catalog == nil {
		return nil, errors.New("purger: catalog repository is required")
	}
	if deps.Categories == nil {
		return nil, errors.New("purger: category repository is required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Purger{
		catalog:    deps.Catalog,
		categories: deps.Categories,
		logger:     logger,
	}, nil
}

// PurgeStaleEntries retires every back-referenced entry whose last-synced
// stamp predates the run start. Entries are retired, never deleted, so a
// record that reappears upstream can be revived with its history intact.
// Retiring a family retires its members as well.
func (p *Purger) PurgeStaleEntries(ctx context.Context, runStartedAt time.Time) (int, error) {
	stale, err := p.catalog.ListStale(ctx, runStartedAt)
	if err != nil {
		return 0, fmt.Errorf("list stale entries: %w", err)
	}

	now := runStartedAt.UTC()
	retired := 0
	for _, entry := range stale {
		if err := p.catalog.Retire(ctx, entry.ID, now); err != nil {
			p.logger.Warn("retire failed",
				zap.String("entry_id", entry.ID),
				zap.String("sku", entry.SKU),
				zap.Error(err),
			)
			continue
		}
		retired++
		p.logger.Info("entry retired",
			zap.String("entry_id", entry.ID),
			zap.String("sku", entry.SKU),
			zap.String("kind", string(entry.Kind)),
		)

		if !entry.IsFamily() {
			continue
		}
		members, err := p.catalog.ListMembers(ctx, entry.ID)
		if err != nil {
			p.logger.Warn("listing members of retired family failed",
				zap.String("family_id", entry.ID),
				zap.Error(err),
			)
			continue
		}
		for _, member := range members {
			if member.Retired {
				continue
			}
			if err := p.catalog.Retire(ctx, member.ID, now); err != nil {
				p.logger.Warn("retire member failed",
					zap.String("entry_id", member.ID),
					zap.Error(err),
				)
				continue
			}
			retired++
		}
	}
	return retired, nil
}

// PurgeStaleCategories deletes back-referenced category terms whose remote
// IDs were not observed during the run. A term still carrying active
// entries is kept and logged instead; the assignments have to drain first.
func (p *Purger) PurgeStaleCategories(ctx context.Context, seen map[int64]struct{}) (int, error) {
	terms, err := p.categories.ListWithBackRef(ctx)
	if err != nil {
		return 0, fmt.Errorf("list category terms: %w", err)
	}

	deleted := 0
	for _, term := range terms {
		if _, ok := seen[term.RemoteID]; ok {
			continue
		}

		active, err := p.catalog.CountActiveInCategory(ctx, term.ID)
		if err != nil {
			p.logger.Warn("active count failed",
				zap.String("term_id", term.ID),
				zap.Error(err),
			)
			continue
		}
		if active > 0 {
			p.logger.Warn("stale category kept, still has active entries",
				zap.String("term_id", term.ID),
				zap.String("name", term.Name),
				zap.Int("active_entries", active),
			)
			continue
		}

		if err := p.categories.Delete(ctx, term.ID); err != nil {
			p.logger.Warn("category delete failed",
				zap.String("term_id", term.ID),
				zap.Error(err),
			)
			continue
		}
		deleted++
		p.logger.Info("stale category deleted",
			zap.String("term_id", term.ID),
			zap.String("name", term.Name),
			zap.Int64("remote_id", term.RemoteID),
		)
	}
	return deleted, nil
}
