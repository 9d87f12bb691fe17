package sync

import (
	"context"
	"testing"

	"github.com/meridian-commerce/pimsync/internal/domain"
)

func newTestResolver(t *testing.T, repo *memCategoryRepo) *CategoryResolver {
	t.Helper()
	resolver, err := NewCategoryResolver(CategoryResolverDeps{
		Categories: repo,
		Language:   "en",
	})
	if err != nil {
		t.Fatalf("NewCategoryResolver: %v", err)
	}
	return resolver
}

func threeLevelChain() domain.CategoryRef {
	return domain.CategoryRef{
		ID:   30,
		Name: "Screwdrivers",
		Parent: &domain.CategoryRef{
			ID:   20,
			Name: "Hand Tools",
			Parent: &domain.CategoryRef{
				ID:   10,
				Name: "Tools",
			},
		},
	}
}

func TestResolveCreatesAncestorsRootFirst(t *testing.T) {
	repo := newMemCategoryRepo()
	resolver := newTestResolver(t, repo)

	termIDs, err := resolver.Resolve(context.Background(), domain.RemoteProduct{
		Categories: []domain.CategoryRef{threeLevelChain()},
	})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if len(termIDs) != 3 {
		t.Fatalf("expected 3 term IDs (leaf plus ancestors), got %d", len(termIDs))
	}
	if len(repo.terms) != 3 {
		t.Fatalf("expected 3 created terms, got %d", len(repo.terms))
	}

	root, err := repo.FindByRemoteID(context.Background(), 10)
	if err != nil {
		t.Fatalf("root term missing: %v", err)
	}
	if root.ParentID != "" {
		t.Fatalf("root term has parent %q, want none", root.ParentID)
	}
	mid, err := repo.FindByRemoteID(context.Background(), 20)
	if err != nil {
		t.Fatalf("mid term missing: %v", err)
	}
	if mid.ParentID != root.ID {
		t.Fatalf("mid parent = %q, want %q", mid.ParentID, root.ID)
	}
	leaf, err := repo.FindByRemoteID(context.Background(), 30)
	if err != nil {
		t.Fatalf("leaf term missing: %v", err)
	}
	if leaf.ParentID != mid.ID {
		t.Fatalf("leaf parent = %q, want %q", leaf.ParentID, mid.ID)
	}
	if termIDs[0] != root.ID || termIDs[2] != leaf.ID {
		t.Fatalf("term order = %v, want root first and leaf last", termIDs)
	}
}

func TestResolveIsIdempotent(t *testing.T) {
	repo := newMemCategoryRepo()
	resolver := newTestResolver(t, repo)
	record := domain.RemoteProduct{Categories: []domain.CategoryRef{threeLevelChain()}}

	first, err := resolver.Resolve(context.Background(), record)
	if err != nil {
		t.Fatalf("first Resolve: %v", err)
	}
	second, err := resolver.Resolve(context.Background(), record)
	if err != nil {
		t.Fatalf("second Resolve: %v", err)
	}

	if len(repo.terms) != 3 {
		t.Fatalf("re-resolving created terms: got %d, want 3", len(repo.terms))
	}
	if len(first) != len(second) {
		t.Fatalf("result drifted: %v then %v", first, second)
	}
	for i := range first {
		if first[i] != second[i] {
			t.Fatalf("result drifted at %d: %v then %v", i, first, second)
		}
	}
}

func TestResolveAcrossRunsReusesBackReferencedTerms(t *testing.T) {
	repo := newMemCategoryRepo()
	record := domain.RemoteProduct{Categories: []domain.CategoryRef{threeLevelChain()}}

	if _, err := newTestResolver(t, repo).Resolve(context.Background(), record); err != nil {
		t.Fatalf("first run: %v", err)
	}
	// A fresh resolver simulates the next run with an empty cache.
	if _, err := newTestResolver(t, repo).Resolve(context.Background(), record); err != nil {
		t.Fatalf("second run: %v", err)
	}
	if len(repo.terms) != 3 {
		t.Fatalf("second run duplicated terms: got %d, want 3", len(repo.terms))
	}
}

func TestResolveCollapsesSameNameAtSamePosition(t *testing.T) {
	repo := newMemCategoryRepo()
	existing, _ := repo.Insert(context.Background(), domain.CategoryTerm{
		Name:     "Tools",
		ParentID: "",
		// No remote back-reference: a manually created term.
	})
	resolver := newTestResolver(t, repo)

	termIDs, err := resolver.Resolve(context.Background(), domain.RemoteProduct{
		Categories: []domain.CategoryRef{{ID: 10, Name: "Tools"}},
	})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if len(termIDs) != 1 || termIDs[0] != existing.ID {
		t.Fatalf("expected reuse of %q, got %v", existing.ID, termIDs)
	}
	if len(repo.terms) != 1 {
		t.Fatalf("duplicate term created: %d terms", len(repo.terms))
	}
}

func TestResolvePrefersLocalizedLabel(t *testing.T) {
	repo := newMemCategoryRepo()
	resolver := newTestResolver(t, repo)

	_, err := resolver.Resolve(context.Background(), domain.RemoteProduct{
		Categories: []domain.CategoryRef{{
			ID:   10,
			Name: "Werkzeuge",
			Labels: []domain.LocalizedText{
				{Language: "de", Text: "Werkzeuge"},
				{Language: "en", Text: "Tools"},
			},
		}},
	})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	term, err := repo.FindByRemoteID(context.Background(), 10)
	if err != nil {
		t.Fatalf("term missing: %v", err)
	}
	if term.Name != "Tools" {
		t.Fatalf("term name = %q, want localized %q", term.Name, "Tools")
	}
}

func TestResolveSharedAncestorsNotDuplicatedInResult(t *testing.T) {
	repo := newMemCategoryRepo()
	resolver := newTestResolver(t, repo)

	parent := domain.CategoryRef{ID: 10, Name: "Tools"}
	termIDs, err := resolver.Resolve(context.Background(), domain.RemoteProduct{
		Categories: []domain.CategoryRef{
			{ID: 20, Name: "Hand Tools", Parent: &parent},
			{ID: 21, Name: "Power Tools", Parent: &parent},
		},
	})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if len(termIDs) != 3 {
		t.Fatalf("expected 3 unique terms, got %v", termIDs)
	}
	seen := make(map[string]struct{})
	for _, id := range termIDs {
		if _, dup := seen[id]; dup {
			t.Fatalf("duplicate term %q in %v", id, termIDs)
		}
		seen[id] = struct{}{}
	}
}

func TestResolveCutsParentCycles(t *testing.T) {
	repo := newMemCategoryRepo()
	resolver := newTestResolver(t, repo)

	a := &domain.CategoryRef{ID: 1, Name: "A"}
	b := &domain.CategoryRef{ID: 2, Name: "B", Parent: a}
	a.Parent = b

	termIDs, err := resolver.Resolve(context.Background(), domain.RemoteProduct{
		Categories: []domain.CategoryRef{*b},
	})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if len(termIDs) != 2 {
		t.Fatalf("expected 2 terms from a cyclic chain, got %v", termIDs)
	}
}

func TestResolveTreeWidensSeenSetWithoutAssigning(t *testing.T) {
	repo := newMemCategoryRepo()
	resolver := newTestResolver(t, repo)

	chain := threeLevelChain()
	if err := resolver.ResolveTree(context.Background(), []domain.CategoryRef{chain}); err != nil {
		t.Fatalf("ResolveTree: %v", err)
	}

	if len(repo.terms) != 3 {
		t.Fatalf("expected 3 created terms, got %d", len(repo.terms))
	}
	seen := resolver.SeenRemoteIDs()
	for _, id := range []int64{10, 20, 30} {
		if _, ok := seen[id]; !ok {
			t.Fatalf("remote ID %d missing from seen set %v", id, seen)
		}
	}

	// A later record resolution reuses the cached terms.
	termIDs, err := resolver.Resolve(context.Background(), domain.RemoteProduct{
		Categories: []domain.CategoryRef{chain},
	})
	if err != nil {
		t.Fatalf("Resolve after tree: %v", err)
	}
	if len(termIDs) != 3 || len(repo.terms) != 3 {
		t.Fatalf("tree pre-resolution duplicated terms: %v, %d terms", termIDs, len(repo.terms))
	}
}

func TestSeenRemoteIDsTracksResolvedCategories(t *testing.T) {
	repo := newMemCategoryRepo()
	resolver := newTestResolver(t, repo)

	if _, err := resolver.Resolve(context.Background(), domain.RemoteProduct{
		Categories: []domain.CategoryRef{threeLevelChain()},
	}); err != nil {
		t.Fatalf("Resolve: %v", err)
	}

	seen := resolver.SeenRemoteIDs()
	for _, id := range []int64{10, 20, 30} {
		if _, ok := seen[id]; !ok {
			t.Fatalf("remote ID %d missing from seen set %v", id, seen)
		}
	}
}
