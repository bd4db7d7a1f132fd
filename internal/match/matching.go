// Package match implements maximum-cardinality bipartite matching, used to
// decide whether an ImportSpec's named parts can be assigned to distinct
// Parts of a candidate Place.
package match

import "container/list"

const infinity = -1

// Graph maps each vertex of U to the vertices of V it has an edge to.
type Graph map[string][]string

// MaxMatching returns a maximum matching M of the bipartite graph G,
// mapping matched U-vertices to their matched V-vertex. This is the
// Hopcroft-Karp algorithm: repeated BFS layering to find the shortest
// augmenting-path length, followed by DFS augmentation along paths of
// exactly that length, until no augmenting path remains.
func MaxMatching(g Graph) map[string]string {
	m := make(map[string]string)    // u -> v
	mRev := make(map[string]string) // v -> u
	layer := make(map[string]int)   // u -> BFS layer; infinity means "not visited"
	freeLayer := infinity           // layer at which a free v was reached, for this round

	bfs := func() bool {
		q := list.New()
		for u := range g {
			if _, matched := m[u]; matched {
				layer[u] = infinity
			} else {
				layer[u] = 0
				q.PushBack(u)
			}
		}
		freeLayer = infinity
		for q.Len() > 0 {
			e := q.Front()
			q.Remove(e)
			u := e.Value.(string)
			if freeLayer != infinity && layer[u] >= freeLayer {
				continue
			}
			for _, v := range g[u] {
				nextU, isMatched := mRev[v]
				if !isMatched {
					if freeLayer == infinity {
						freeLayer = layer[u] + 1
					}
					continue
				}
				if l, seen := layer[nextU]; !seen || l == infinity {
					layer[nextU] = layer[u] + 1
					q.PushBack(nextU)
				}
			}
		}
		return freeLayer != infinity
	}

	var dfs func(u string) bool
	dfs = func(u string) bool {
		for _, v := range g[u] {
			nextU, isMatched := mRev[v]
			if !isMatched {
				if layer[u]+1 != freeLayer {
					continue
				}
				m[u] = v
				mRev[v] = u
				return true
			}
			if layer[nextU] == layer[u]+1 {
				if dfs(nextU) {
					m[u] = v
					mRev[v] = u
					return true
				}
			}
		}
		layer[u] = infinity
		return false
	}

	for bfs() {
		for u := range g {
			if _, matched := m[u]; !matched {
				dfs(u)
			}
		}
	}

	return m
}
