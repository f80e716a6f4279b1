package heuristics

import (
	"strings"
)

// Circular Fund Routing Detection
//
// Money returning to its origin through 3-5 intermediaries is the classic
// round-tripping pattern used to layer illicit funds:
//
//   A → B → C → A
//
// Enumeration is a bounded-depth DFS from every account that has both
// incoming and outgoing edges. Dense graphs can hold an exponential number
// of cycles, so the search is capped per start node and globally.
//
// Raw cycles are then validated against the actual transfers:
//   - amounts must not decay below half from hop to hop (or end-to-start)
//   - all hops must fall inside a 7 day window
//
// Rotations of the same cycle are duplicates. The reverse traversal is NOT,
// because edges are directed.

const (
	MinCycleLength     = 3
	MaxCycleLength     = 5
	MaxCyclesPerStart  = 30
	MaxTotalCycles     = 2000
	cycleDecayFloor    = 0.5
	cycleWindowMillis  = int64(7 * 24 * 60 * 60 * 1000)
	canonicalSeparator = "->"
)

// DetectedCycle is a validated simple cycle. Accounts[0] implicitly follows
// the last element.
type DetectedCycle struct {
	Accounts []string `json:"accounts"`
	Length   int      `json:"length"`
}

// cycleSearch carries the state of one enumeration pass
type cycleSearch struct {
	graph  *DirectedGraph
	seen   map[string]struct{}
	cycles [][]string
}

// DetectCycles enumerates and validates short cycles. Output is in
// discovery order: start-node order, then DFS order.
func DetectCycles(g *DirectedGraph) []DetectedCycle {
	search := &cycleSearch{
		graph: g,
		seen:  make(map[string]struct{}),
	}

	exhausted := make(map[string]struct{})
	for _, start := range g.order {
		node := g.Nodes[start]
		if node.InDegree == 0 || node.OutDegree == 0 {
			continue
		}
		if _, done := exhausted[start]; done {
			continue
		}
		if len(search.cycles) >= MaxTotalCycles {
			break
		}

		limit := len(search.cycles) + MaxCyclesPerStart
		if limit > MaxTotalCycles {
			limit = MaxTotalCycles
		}
		path := []string{start}
		visited := map[string]struct{}{start: {}}
		search.dfs(start, start, path, visited, limit)
		exhausted[start] = struct{}{}
	}

	index := indexEdgesByPair(g.Edges)
	validated := make([]DetectedCycle, 0, len(search.cycles))
	for _, cycle := range search.cycles {
		if isSuspiciousCycle(cycle, index) {
			validated = append(validated, DetectedCycle{Accounts: cycle, Length: len(cycle)})
		}
	}
	return validated
}

func (s *cycleSearch) dfs(current, start string, path []string, visited map[string]struct{}, limit int) {
	if len(s.cycles) >= limit {
		return
	}

	for _, next := range s.graph.Adjacency[current] {
		if len(s.cycles) >= limit {
			return
		}

		if next == start && len(path) >= MinCycleLength && len(path) <= MaxCycleLength {
			key := CanonicalCycleKey(path)
			if _, dup := s.seen[key]; !dup {
				s.seen[key] = struct{}{}
				found := make([]string, len(path))
				copy(found, path)
				s.cycles = append(s.cycles, found)
			}
			continue
		}

		if _, onPath := visited[next]; onPath || len(path) >= MaxCycleLength {
			continue
		}
		visited[next] = struct{}{}
		s.dfs(next, start, append(path, next), visited, limit)
		delete(visited, next)
	}
}

// CanonicalCycleKey rotates the cycle to start at its lexicographically
// smallest account and joins it. All rotations map to the same key.
func CanonicalCycleKey(cycle []string) string {
	if len(cycle) == 0 {
		return ""
	}
	minIdx := 0
	for i := 1; i < len(cycle); i++ {
		if cycle[i] < cycle[minIdx] {
			minIdx = i
		}
	}
	rotated := make([]string, 0, len(cycle))
	rotated = append(rotated, cycle[minIdx:]...)
	rotated = append(rotated, cycle[:minIdx]...)
	return strings.Join(rotated, canonicalSeparator)
}

type accountPair struct {
	from, to string
}

// indexEdgesByPair is built once per run so validation stays O(cycle length).
func indexEdgesByPair(edges []Edge) map[accountPair][]*Edge {
	index := make(map[accountPair][]*Edge)
	for i := range edges {
		e := &edges[i]
		key := accountPair{e.Source, e.Target}
		index[key] = append(index[key], e)
	}
	return index
}

// isSuspiciousCycle applies the amount-decay and temporal checks to the
// highest-amount transfer of every hop. Among equal amounts the latest
// recorded transfer wins.
func isSuspiciousCycle(cycle []string, index map[accountPair][]*Edge) bool {
	hops := make([]*Edge, 0, len(cycle))
	for i, from := range cycle {
		to := cycle[(i+1)%len(cycle)]
		candidates := index[accountPair{from, to}]
		if len(candidates) == 0 {
			return false
		}
		best := candidates[0]
		for _, e := range candidates[1:] {
			if e.Amount >= best.Amount {
				best = e
			}
		}
		hops = append(hops, best)
	}

	for i := 1; i < len(hops); i++ {
		prev, curr := hops[i-1].Amount, hops[i].Amount
		if prev > 0 && curr/prev < cycleDecayFloor {
			return false
		}
	}

	first, last := hops[0].Amount, hops[len(hops)-1].Amount
	if first > 0 && last/first < cycleDecayFloor {
		return false
	}

	minTs, maxTs := hops[0].Timestamp, hops[0].Timestamp
	for _, e := range hops[1:] {
		if e.Timestamp < minTs {
			minTs = e.Timestamp
		}
		if e.Timestamp > maxTs {
			maxTs = e.Timestamp
		}
	}
	return maxTs-minTs <= cycleWindowMillis
}
