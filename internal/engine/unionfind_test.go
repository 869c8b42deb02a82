package engine

import (
	"sort"
	"testing"
)

func sortedGroups(uf *unionFind) [][]string {
	groups := uf.groups()
	for _, g := range groups {
		sort.Strings(g)
	}
	sort.Slice(groups, func(i, j int) bool { return groups[i][0] < groups[j][0] })
	return groups
}

func TestUnionFindTransitiveMerge(t *testing.T) {
	// A-B and B-C edges must land A, B, C in one component even though
	// A and C were never directly unioned.
	uf := newUnionFind()
	uf.union("a", "b")
	uf.union("b", "c")

	groups := sortedGroups(uf)
	if len(groups) != 1 {
		t.Fatalf("expected 1 group, got %d", len(groups))
	}
	if got := groups[0]; len(got) != 3 || got[0] != "a" || got[1] != "b" || got[2] != "c" {
		t.Fatalf("unexpected group: %v", got)
	}
}

func TestUnionFindDisjointSets(t *testing.T) {
	uf := newUnionFind()
	uf.union("a", "b")
	uf.union("x", "y")

	groups := sortedGroups(uf)
	if len(groups) != 2 {
		t.Fatalf("expected 2 groups, got %d: %v", len(groups), groups)
	}
}

func TestUnionFindSelfUnionIsSingleton(t *testing.T) {
	uf := newUnionFind()
	uf.union("a", "a")

	groups := uf.groups()
	if len(groups) != 1 || len(groups[0]) != 1 {
		t.Fatalf("expected one singleton group, got %v", groups)
	}
}

func TestUnionFindIdempotentUnion(t *testing.T) {
	uf := newUnionFind()
	uf.union("a", "b")
	uf.union("b", "a")
	uf.union("a", "b")

	groups := uf.groups()
	if len(groups) != 1 || len(groups[0]) != 2 {
		t.Fatalf("expected one group of 2, got %v", groups)
	}
}
