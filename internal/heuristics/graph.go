package heuristics

import (
	"errors"
	"fmt"

	"github.com/afrid0126/Moneymuling/pkg/models"
)

// Transaction Graph Builder
//
// Every detector works on the same directed multigraph:
//
//   - one Node per account id seen as sender or receiver
//   - one Edge per transaction (parallel edges allowed)
//   - an adjacency list of DISTINCT outgoing neighbours used for traversal
//
// Degrees count distinct counterparties, not transaction volume. The graph
// is built once per run and never mutated afterwards, so the detectors may
// read it concurrently.
//
// Go maps have no stable iteration order. The builder records the order in
// which accounts and neighbours are first seen and every detector iterates
// in that order, which keeps ring numbering reproducible across runs.

// ErrGraphInvariant marks a graph that violates the builder's contract.
var ErrGraphInvariant = errors.New("graph invariant violated")

// AccountSet is an insertion-ordered set of account ids
type AccountSet struct {
	ids   []string
	index map[string]struct{}
}

func newAccountSet() *AccountSet {
	return &AccountSet{index: make(map[string]struct{})}
}

// Add inserts id and reports whether it was new.
func (s *AccountSet) Add(id string) bool {
	if _, ok := s.index[id]; ok {
		return false
	}
	s.index[id] = struct{}{}
	s.ids = append(s.ids, id)
	return true
}

// Has reports membership.
func (s *AccountSet) Has(id string) bool {
	_, ok := s.index[id]
	return ok
}

// Len returns the number of distinct ids.
func (s *AccountSet) Len() int { return len(s.ids) }

// IDs returns a copy of the ids in first-seen order.
func (s *AccountSet) IDs() []string {
	out := make([]string, len(s.ids))
	copy(out, s.ids)
	return out
}

// Edge is a transaction reinterpreted as a directed edge
type Edge struct {
	Source        string
	Target        string
	Amount        float64
	Timestamp     int64 // unix millis, compared far more often than displayed
	TransactionID string
}

// Node is one account in the graph
type Node struct {
	ID                string
	Transactions      []*models.Transaction // Shared with the graph's transaction slice
	InDegree          int                   // Distinct senders
	OutDegree         int                   // Distinct receivers
	IncomingFrom      *AccountSet
	OutgoingTo        *AccountSet
	TotalTransactions int // Sent + received, the activity proxy used by the shell detector
}

// DirectedGraph is the read-only transaction graph for one analysis run
type DirectedGraph struct {
	Nodes     map[string]*Node
	Edges     []Edge
	Adjacency map[string][]string

	order        []string
	transactions []models.Transaction
}

// BuildGraph converts a flat transaction list into a DirectedGraph in O(T).
// The input slice is copied; callers may reuse it afterwards.
func BuildGraph(transactions []models.Transaction) *DirectedGraph {
	g := &DirectedGraph{
		Nodes:        make(map[string]*Node),
		Edges:        make([]Edge, 0, len(transactions)),
		Adjacency:    make(map[string][]string),
		transactions: make([]models.Transaction, len(transactions)),
	}
	copy(g.transactions, transactions)

	for i := range g.transactions {
		tx := &g.transactions[i]

		sender := g.ensureNode(tx.SenderID)
		receiver := g.ensureNode(tx.ReceiverID)

		g.Edges = append(g.Edges, Edge{
			Source:        tx.SenderID,
			Target:        tx.ReceiverID,
			Amount:        tx.Amount,
			Timestamp:     tx.Timestamp.UnixMilli(),
			TransactionID: tx.TransactionID,
		})

		sender.Transactions = append(sender.Transactions, tx)
		sender.TotalTransactions++
		if sender.OutgoingTo.Add(tx.ReceiverID) {
			sender.OutDegree++
			g.Adjacency[tx.SenderID] = append(g.Adjacency[tx.SenderID], tx.ReceiverID)
		}

		// A self-transfer is one transaction, not two
		if receiver != sender {
			receiver.Transactions = append(receiver.Transactions, tx)
			receiver.TotalTransactions++
		}
		if receiver.IncomingFrom.Add(tx.SenderID) {
			receiver.InDegree++
		}
	}

	return g
}

func (g *DirectedGraph) ensureNode(id string) *Node {
	if n, ok := g.Nodes[id]; ok {
		return n
	}
	n := &Node{
		ID:           id,
		IncomingFrom: newAccountSet(),
		OutgoingTo:   newAccountSet(),
	}
	g.Nodes[id] = n
	g.order = append(g.order, id)
	return n
}

// NodeIDs returns account ids in first-seen order.
func (g *DirectedGraph) NodeIDs() []string {
	out := make([]string, len(g.order))
	copy(out, g.order)
	return out
}

// NodeCount returns the number of accounts.
func (g *DirectedGraph) NodeCount() int { return len(g.order) }

// Neighbors returns the distinct outgoing neighbours of id.
func (g *DirectedGraph) Neighbors(id string) []string {
	return g.Adjacency[id]
}

// Validate checks the structural contract every detector relies on. A
// violation is an engine bug and must abort the run.
func (g *DirectedGraph) Validate() error {
	if len(g.order) != len(g.Nodes) {
		return fmt.Errorf("%w: node order holds %d ids for %d nodes", ErrGraphInvariant, len(g.order), len(g.Nodes))
	}
	for _, e := range g.Edges {
		if _, ok := g.Nodes[e.Source]; !ok {
			return fmt.Errorf("%w: edge %s references unknown sender %q", ErrGraphInvariant, e.TransactionID, e.Source)
		}
		if _, ok := g.Nodes[e.Target]; !ok {
			return fmt.Errorf("%w: edge %s references unknown receiver %q", ErrGraphInvariant, e.TransactionID, e.Target)
		}
	}
	for id, n := range g.Nodes {
		if n.InDegree != n.IncomingFrom.Len() || n.OutDegree != n.OutgoingTo.Len() {
			return fmt.Errorf("%w: degree mismatch on %q", ErrGraphInvariant, id)
		}
		adj := g.Adjacency[id]
		if len(adj) != n.OutgoingTo.Len() {
			return fmt.Errorf("%w: adjacency of %q diverges from outgoing set", ErrGraphInvariant, id)
		}
		for _, next := range adj {
			if !n.OutgoingTo.Has(next) {
				return fmt.Errorf("%w: adjacency of %q lists %q outside outgoing set", ErrGraphInvariant, id, next)
			}
		}
	}
	return nil
}

// View returns the visualization form of the graph.
func (g *DirectedGraph) View() *models.GraphView {
	view := &models.GraphView{
		Nodes: make([]models.GraphNode, 0, len(g.order)),
		Edges: make([]models.GraphEdge, 0, len(g.Edges)),
	}
	for _, id := range g.order {
		n := g.Nodes[id]
		view.Nodes = append(view.Nodes, models.GraphNode{
			ID:                id,
			InDegree:          n.InDegree,
			OutDegree:         n.OutDegree,
			TotalTransactions: n.TotalTransactions,
		})
	}
	for i := range g.transactions {
		tx := &g.transactions[i]
		view.Edges = append(view.Edges, models.GraphEdge{
			Source:        tx.SenderID,
			Target:        tx.ReceiverID,
			Amount:        tx.Amount,
			Timestamp:     tx.Timestamp,
			TransactionID: tx.TransactionID,
		})
	}
	return view
}
