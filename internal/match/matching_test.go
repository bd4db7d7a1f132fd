package match

import "testing"

func TestMaxMatchingFullyMatchable(t *testing.T) {
	g := Graph{
		"U0": {"V0", "V1"},
		"U1": {"V0", "V4"},
		"U2": {"V2", "V3"},
		"U3": {"V0", "V4"},
		"U4": {"V1", "V3"},
	}

	m := MaxMatching(g)

	if len(m) != len(g) {
		t.Fatalf("expected a perfect matching of size %d, got %d: %v", len(g), len(m), m)
	}

	seen := make(map[string]bool)
	for u, v := range m {
		if seen[v] {
			t.Fatalf("vertex %v matched more than once (via %v)", v, u)
		}
		seen[v] = true

		found := false
		for _, cand := range g[u] {
			if cand == v {
				found = true
				break
			}
		}
		if !found {
			t.Fatalf("matched edge %v->%v is not in the graph", u, v)
		}
	}
}

func TestMaxMatchingImpossible(t *testing.T) {
	g := Graph{
		"U0": {"V0"},
		"U1": {"V0"},
	}

	m := MaxMatching(g)
	if len(m) != 1 {
		t.Fatalf("expected exactly one matched vertex, got %d: %v", len(m), m)
	}
}

func TestMaxMatchingEmpty(t *testing.T) {
	m := MaxMatching(Graph{})
	if len(m) != 0 {
		t.Fatalf("expected empty matching, got %v", m)
	}
}

func TestMaxMatchingNoEdges(t *testing.T) {
	g := Graph{"U0": nil, "U1": {}}
	m := MaxMatching(g)
	if len(m) != 0 {
		t.Fatalf("expected no matches, got %v", m)
	}
}
