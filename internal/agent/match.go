package agent

import (
	"fmt"

	"github.com/sammck-go/boardhub/internal/match"
	"github.com/sammck-go/boardhub/internal/model"
)

// candidate is one place that can satisfy an ImportSpec: the place itself
// plus the part-name -> part-index assignment the local matcher found.
type candidate struct {
	place      model.Place
	assignment map[string]string
}

// filterPlaces mirrors the original agent's _filter_places/_find_matching:
// for each candidate place, run the bipartite matcher locally so the agent
// can fail fast with "no match" before ever bothering the hub. The hub
// recomputes this same matching authoritatively once reserve() is called,
// so this is advisory only — a stale snapshot never causes incorrect
// allocation, only a possibly-optimistic or -pessimistic early opinion.
func filterPlaces(spec *model.ImportSpec, places []model.Place) map[string]candidate {
	out := make(map[string]candidate)
	for _, pl := range places {
		if assignment, ok := assignParts(spec, pl.Parts); ok {
			out[pl.ID] = candidate{place: pl, assignment: assignment}
		}
	}
	return out
}

// assignParts is the agent-local twin of internal/hub's AssignParts: same
// algorithm, kept as a separate copy rather than an internal/hub import so
// the agent never depends on hub-side scheduling state.
func assignParts(spec *model.ImportSpec, parts []model.ExportedPart) (map[string]string, bool) {
	g := make(match.Graph, len(spec.Parts))
	for name, wantPart := range spec.Parts {
		var edges []string
		for i, part := range parts {
			if partMatches(wantPart, part) {
				edges = append(edges, fmt.Sprintf("%d", i))
			}
		}
		g[name] = edges
	}
	m := match.MaxMatching(g)
	if len(m) != len(spec.Parts) {
		return nil, false
	}
	return m, true
}

func partMatches(want model.ImportedPart, have model.ExportedPart) bool {
	haveTags := make(map[string]struct{}, len(have.Compatible))
	for _, t := range have.Compatible {
		haveTags[t] = struct{}{}
	}
	for _, t := range want.Compatible {
		if _, ok := haveTags[t]; !ok {
			return false
		}
	}
	for ifaceName := range want.TCP {
		if _, ok := have.TCP[ifaceName]; !ok {
			return false
		}
	}
	for ifaceName := range want.USB {
		if _, ok := have.USB[ifaceName]; !ok {
			return false
		}
	}
	return true
}
