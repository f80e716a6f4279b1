package heuristics

import (
	"math"
	"sort"

	"github.com/afrid0126/Moneymuling/pkg/models"
)

// Smurfing (Fan-In / Fan-Out) Detection
//
// Structuring splits a large sum into many small transfers so that no single
// transfer draws attention:
//
//   fan-in:  S1, S2, ... S10+ → H   (collection hub)
//   fan-out: H → R1, R2, ... R10+   (distribution hub)
//
// A hub is interesting when it touches at least FanThreshold distinct
// counterparties. Evidence is strongest when those transfers land inside one
// 72 hour window; a hub whose counterparties are spread over time is still
// reported, flagged as diffuse (window -1).
//
// Payroll and subscription collectors look exactly like fan patterns. They
// are filtered out when the hub is almost one-directional AND its amounts are
// near-uniform (coefficient of variation < 0.1).

const (
	FanThreshold         = 10
	TemporalWindowHours  = 72
	DiffuseWindowHours   = -1
	smurfWindowMillis    = int64(TemporalWindowHours * 60 * 60 * 1000)
	legitReverseRatio    = 0.05
	uniformCVThreshold   = 0.1
	uniformMinSamples    = 5
	payrollMinDisbursals = 20
)

// Fan directions
const (
	FanIn  = models.PatternFanIn
	FanOut = models.PatternFanOut
)

// SmurfingPattern is one fan hub with its counterparties
type SmurfingPattern struct {
	HubAccount          string   `json:"hub_account"`
	Type                string   `json:"type"` // fan_in/fan_out
	ConnectedAccounts   []string `json:"connected_accounts"`
	TemporalWindowHours int      `json:"temporal_window_hours"` // 72 clustered, -1 diffuse
}

// Clustered reports whether the pattern came from a dense temporal cluster.
func (p SmurfingPattern) Clustered() bool {
	return p.TemporalWindowHours > 0
}

// DetectSmurfing evaluates every account for fan-in and fan-out. At most one
// pattern is emitted per (hub, direction).
func DetectSmurfing(g *DirectedGraph) []SmurfingPattern {
	var patterns []SmurfingPattern
	emitted := make(map[string]struct{})

	pushOnce := func(p SmurfingPattern) {
		key := p.HubAccount + ":" + p.Type
		if _, dup := emitted[key]; dup {
			return
		}
		emitted[key] = struct{}{}
		patterns = append(patterns, p)
	}

	for _, id := range g.order {
		node := g.Nodes[id]
		if node.IncomingFrom.Len() >= FanThreshold {
			if p, ok := detectFan(node, FanIn); ok {
				pushOnce(p)
			}
		}
		if node.OutgoingTo.Len() >= FanThreshold {
			if p, ok := detectFan(node, FanOut); ok {
				pushOnce(p)
			}
		}
	}
	return patterns
}

// detectFan checks one direction of one hub: first qualifying temporal
// cluster wins, otherwise the diffuse fallback applies.
func detectFan(node *Node, direction string) (SmurfingPattern, bool) {
	txns := directionalTransactions(node, direction)

	for _, cluster := range temporalClusters(txns, smurfWindowMillis) {
		counterparties := newAccountSet()
		for _, tx := range cluster {
			counterparties.Add(counterparty(tx, direction))
		}
		if counterparties.Len() < FanThreshold {
			continue
		}
		if isLikelyLegitimate(node, direction) {
			continue
		}
		return SmurfingPattern{
			HubAccount:          node.ID,
			Type:                direction,
			ConnectedAccounts:   counterparties.IDs(),
			TemporalWindowHours: TemporalWindowHours,
		}, true
	}

	if isLikelyLegitimate(node, direction) {
		return SmurfingPattern{}, false
	}

	all := node.IncomingFrom
	if direction == FanOut {
		all = node.OutgoingTo
	}
	return SmurfingPattern{
		HubAccount:          node.ID,
		Type:                direction,
		ConnectedAccounts:   all.IDs(),
		TemporalWindowHours: DiffuseWindowHours,
	}, true
}

// directionalTransactions keeps the node's received (fan-in) or sent
// (fan-out) transactions.
func directionalTransactions(node *Node, direction string) []*models.Transaction {
	out := make([]*models.Transaction, 0, len(node.Transactions))
	for _, tx := range node.Transactions {
		if direction == FanIn && tx.ReceiverID == node.ID {
			out = append(out, tx)
		}
		if direction == FanOut && tx.SenderID == node.ID {
			out = append(out, tx)
		}
	}
	return out
}

func counterparty(tx *models.Transaction, direction string) string {
	if direction == FanIn {
		return tx.SenderID
	}
	return tx.ReceiverID
}

// temporalClusters partitions transactions with a non-overlapping forward
// sweep: each window opens at the first unclustered transaction and spans
// windowMillis. Only clusters with at least FanThreshold transactions are
// returned, in chronological order.
func temporalClusters(txns []*models.Transaction, windowMillis int64) [][]*models.Transaction {
	if len(txns) == 0 {
		return nil
	}

	sorted := make([]*models.Transaction, len(txns))
	copy(sorted, txns)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Timestamp.Before(sorted[j].Timestamp)
	})

	var clusters [][]*models.Transaction
	i := 0
	for i < len(sorted) {
		windowEnd := sorted[i].Timestamp.UnixMilli() + windowMillis
		j := i + 1
		for j < len(sorted) && sorted[j].Timestamp.UnixMilli() <= windowEnd {
			j++
		}
		if j-i >= FanThreshold {
			clusters = append(clusters, sorted[i:j])
		}
		i = j
	}
	return clusters
}

// isLikelyLegitimate vetoes one-directional hubs with uniform amounts:
// subscription collectors for fan-in, payroll for fan-out. It looks at the
// hub's whole directional history, not only the triggering cluster.
func isLikelyLegitimate(node *Node, direction string) bool {
	switch direction {
	case FanIn:
		sendRatio := float64(node.OutDegree) / math.Max(float64(node.InDegree), 1)
		if sendRatio < legitReverseRatio {
			return hasUniformAmounts(amountsOf(directionalTransactions(node, FanIn)))
		}
	case FanOut:
		receiveRatio := float64(node.InDegree) / math.Max(float64(node.OutDegree), 1)
		if receiveRatio < legitReverseRatio {
			amounts := amountsOf(directionalTransactions(node, FanOut))
			return hasUniformAmounts(amounts) && len(amounts) > payrollMinDisbursals
		}
	}
	return false
}

func amountsOf(txns []*models.Transaction) []float64 {
	amounts := make([]float64, len(txns))
	for i, tx := range txns {
		amounts[i] = tx.Amount
	}
	return amounts
}

// hasUniformAmounts reports a population coefficient of variation below
// uniformCVThreshold over at least uniformMinSamples amounts.
func hasUniformAmounts(amounts []float64) bool {
	if len(amounts) < uniformMinSamples {
		return false
	}

	sum := 0.0
	for _, a := range amounts {
		sum += a
	}
	mean := sum / float64(len(amounts))
	if mean == 0 {
		return false
	}

	variance := 0.0
	for _, a := range amounts {
		variance += (a - mean) * (a - mean)
	}
	variance /= float64(len(amounts))

	return math.Sqrt(variance)/mean < uniformCVThreshold
}
