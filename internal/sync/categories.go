package sync

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/meridian-commerce/pimsync/internal/domain"
	"github.com/meridian-commerce/pimsync/internal/repositories"
)

// CategoryResolverDeps bundles the collaborators for a per-run resolver.
type CategoryResolverDeps struct {
	Categories repositories.CategoryRepository
	Language   string
	Clock      func() time.Time
	Logger     *zap.Logger
}

// CategoryResolver maps remote category chains onto local category terms.
// It is a per-run object: the resolved table doubles as the dedup cache and
// as the seen-set handed to the purge detector afterwards.
type CategoryResolver struct {
	repo     repositories.CategoryRepository
	language string
	clock    func() time.Time
	logger   *zap.Logger

	// resolved maps remote category IDs to local term IDs for this run.
	resolved map[int64]string
}

// NewCategoryResolver constructs a resolver for one sync run.
func NewCategoryResolver(deps CategoryResolverDeps) (*CategoryResolver, error) {
	if deps.Categories == nil {
		return nil, errors.New("category resolver: category repository is required")
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	language := strings.TrimSpace(deps.Language)
	if language == "" {
		language = "en"
	}
	return &CategoryResolver{
		repo:     deps.Categories,
		language: language,
		clock:    clock,
		logger:   logger,
		resolved: make(map[int64]string),
	}, nil
}

// Resolve walks every category reference of the record, creating missing
// terms root-first, and returns the union of term IDs for the category and
// all of its ancestors. Ancestors are explicit members of the result
// because the target store does not infer ancestor membership on its own.
func (r *CategoryResolver) Resolve(ctx context.Context, record domain.RemoteProduct) ([]string, error) {
	if r == nil {
		return nil, errors.New("category resolver: not initialised")
	}

	var union []string
	seenTerms := make(map[string]struct{})

	for i := range record.Categories {
		chain := flattenChain(&record.Categories[i])
		parentID := ""
		for _, node := range chain {
			termID, err := r.resolveNode(ctx, node, parentID)
			if err != nil {
				return nil, fmt.Errorf("resolve category %d: %w", node.ID, err)
			}
			if _, dup := seenTerms[termID]; !dup {
				seenTerms[termID] = struct{}{}
				union = append(union, termID)
			}
			parentID = termID
		}
	}

	return union, nil
}

// ResolveTree resolves a whole category-tree listing root-first without
// assigning anything. Run before reconciliation, it completes the dedup
// cache and widens the purge seen-set to categories the remote still
// publishes even when no product referenced them this run.
func (r *CategoryResolver) ResolveTree(ctx context.Context, tree []domain.CategoryRef) error {
	if r == nil {
		return errors.New("category resolver: not initialised")
	}
	for i := range tree {
		chain := flattenChain(&tree[i])
		parentID := ""
		for _, node := range chain {
			termID, err := r.resolveNode(ctx, node, parentID)
			if err != nil {
				return fmt.Errorf("resolve category %d: %w", node.ID, err)
			}
			parentID = termID
		}
	}
	return nil
}

// SeenRemoteIDs returns the remote category IDs resolved during this run.
func (r *CategoryResolver) SeenRemoteIDs() map[int64]struct{} {
	seen := make(map[int64]struct{}, len(r.resolved))
	for id := range r.resolved {
		seen[id] = struct{}{}
	}
	return seen
}

// flattenChain turns a nested parent chain into a root-first slice without
// recursion. Cycles (which a broken export can produce) are cut instead of
// looping forever.
func flattenChain(ref *domain.CategoryRef) []*domain.CategoryRef {
	var reversed []*domain.CategoryRef
	visited := make(map[int64]struct{})
	for node := ref; node != nil; node = node.Parent {
		if _, cycle := visited[node.ID]; cycle {
			break
		}
		visited[node.ID] = struct{}{}
		reversed = append(reversed, node)
	}

	chain := make([]*domain.CategoryRef, 0, len(reversed))
	for i := len(reversed) - 1; i >= 0; i-- {
		chain = append(chain, reversed[i])
	}
	return chain
}

func (r *CategoryResolver) resolveNode(ctx context.Context, node *domain.CategoryRef, parentID string) (string, error) {
	if termID, done := r.resolved[node.ID]; done {
		return termID, nil
	}

	term, err := r.repo.FindByRemoteID(ctx, node.ID)
	switch {
	case err == nil:
		r.resolved[node.ID] = term.ID
		return term.ID, nil
	case !repositories.IsNotFound(err):
		return "", err
	}

	name := r.displayName(node)

	term, err = r.repo.FindByNameAndParent(ctx, name, parentID)
	switch {
	case err == nil:
		// Same name at the same tree position collapses onto the
		// existing term even when the remote IDs differ.
		r.resolved[node.ID] = term.ID
		return term.ID, nil
	case !repositories.IsNotFound(err):
		return "", err
	}

	created, err := r.repo.Insert(ctx, domain.CategoryTerm{
		Name:     name,
		ParentID: parentID,
		RemoteID: node.ID,
	})
	if err != nil {
		return "", err
	}
	r.logger.Debug("category term created",
		zap.String("name", name),
		zap.Int64("remote_id", node.ID),
		zap.String("parent_id", parentID),
	)
	r.resolved[node.ID] = created.ID
	return created.ID, nil
}

func (r *CategoryResolver) displayName(node *domain.CategoryRef) string {
	if text, ok := PickText(r.language, node.Labels); ok {
		return strings.TrimSpace(text)
	}
	if name := strings.TrimSpace(node.Name); name != "" {
		return name
	}
	return fmt.Sprintf("category-%d", node.ID)
}
