package heuristics

import "strings"

// Shell Network Detection
//
// Layering through shell accounts: an active account pushes funds through a
// chain of barely-used accounts into another active account.
//
//   R1 (real) → S1 → S2 → S3 → R2 (real)
//
// A shell has at most ShellMaxTransactions transactions in the batch. Chains
// may only start at accounts with RealAccountMinTransactions or more, so a
// shell is never mistaken for an origin. The walk passes through shells and
// stops at the first non-shell account, which becomes the chain endpoint.

const (
	MinShellIntermediaries     = 3
	MaxChainLength             = 8
	ShellMaxTransactions       = 3
	RealAccountMinTransactions = 4
	minChainPathLength         = MinShellIntermediaries + 2
)

// ShellChain is a path from a real account through shells to a real account
type ShellChain struct {
	Chain         []string `json:"chain"`
	ShellAccounts []string `json:"shell_accounts"`
}

type shellSearch struct {
	graph  *DirectedGraph
	seen   map[string]struct{}
	chains []ShellChain
}

// DetectShellNetworks walks from every active account and records qualifying
// chains in discovery order.
func DetectShellNetworks(g *DirectedGraph) []ShellChain {
	search := &shellSearch{
		graph: g,
		seen:  make(map[string]struct{}),
	}

	for _, id := range g.order {
		if g.Nodes[id].TotalTransactions < RealAccountMinTransactions {
			continue
		}
		visited := map[string]struct{}{id: {}}
		search.walk(id, []string{id}, visited)
	}
	return search.chains
}

func (s *shellSearch) isShell(id string) bool {
	return s.graph.Nodes[id].TotalTransactions <= ShellMaxTransactions
}

func (s *shellSearch) walk(current string, path []string, visited map[string]struct{}) {
	if len(path) >= MaxChainLength {
		return
	}

	for _, next := range s.graph.Adjacency[current] {
		if _, onPath := visited[next]; onPath {
			continue
		}

		extended := append(path, next)
		visited[next] = struct{}{}

		if s.isShell(next) {
			s.walk(next, extended, visited)
		} else {
			s.evaluate(extended)
		}

		delete(visited, next)
	}
}

// evaluate records a path that ended at a non-shell account when it is long
// enough and carries enough shell intermediaries.
func (s *shellSearch) evaluate(path []string) {
	if len(path) < minChainPathLength {
		return
	}

	intermediaries := path[1 : len(path)-1]
	shells := make([]string, 0, len(intermediaries))
	for _, id := range intermediaries {
		if s.isShell(id) {
			shells = append(shells, id)
		}
	}
	if len(shells) < MinShellIntermediaries {
		return
	}

	key := strings.Join(path, canonicalSeparator)
	if _, dup := s.seen[key]; dup {
		return
	}
	s.seen[key] = struct{}{}

	chain := make([]string, len(path))
	copy(chain, path)
	s.chains = append(s.chains, ShellChain{Chain: chain, ShellAccounts: shells})
}
