package ingest

import (
	"sort"

	"github.com/afrid0126/Moneymuling/pkg/models"
)

// DefaultMaxTransactions bounds the batch handed to the detectors.
const DefaultMaxTransactions = 50000

// Batch is a prepared, possibly sampled, set of transactions
type Batch struct {
	Transactions  []models.Transaction
	WasSampled    bool
	OriginalCount int
}

// StratifiedSample keeps at most max transactions spread evenly over the
// batch's time range. Inputs at or under the limit come back unchanged.
func StratifiedSample(txs []models.Transaction, max int) ([]models.Transaction, bool) {
	if max <= 0 || len(txs) <= max {
		return txs, false
	}

	sorted := make([]models.Transaction, len(txs))
	copy(sorted, txs)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Timestamp.Before(sorted[j].Timestamp)
	})

	// sorted[floor(i*step)] with step = n/max, in integer arithmetic
	sampled := make([]models.Transaction, max)
	n := len(sorted)
	for i := 0; i < max; i++ {
		sampled[i] = sorted[i*n/max]
	}
	return sampled, true
}

// Prepare samples txs down to max and records what happened.
func Prepare(txs []models.Transaction, max int) Batch {
	sampled, wasSampled := StratifiedSample(txs, max)
	return Batch{
		Transactions:  sampled,
		WasSampled:    wasSampled,
		OriginalCount: len(txs),
	}
}
