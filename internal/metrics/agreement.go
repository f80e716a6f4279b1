package metrics

import (
	"math"

	"github.com/afrid0126/Moneymuling/pkg/models"
)

// Ring agreement between two reports
//
// Tuning a detector or changing the sampling limit shifts ring membership.
// To quantify the shift, each report is read as a partition of accounts:
// an account's cluster is its primary ring, and accounts a report did not
// flag share one "unflagged" cluster. Both partitions cover the union of
// accounts flagged by either report.
//
//   ARI  1 = identical partitions, 0 = chance-level agreement
//   VI   0 = identical partitions, grows with lost/gained information (bits)

const unflagged = "\x00unflagged"

// Agreement compares a report against a baseline
type Agreement struct {
	Accounts int     `json:"accounts"`
	ARI      float64 `json:"adjusted_rand_index"`
	VI       float64 `json:"variation_of_information"`
}

// CompareReports computes ring agreement over the union of flagged accounts.
func CompareReports(current, baseline *models.AnalysisResult) Agreement {
	var order []string
	cur := make(map[string]string)
	base := make(map[string]string)

	for _, acc := range current.SuspiciousAccounts {
		if _, ok := cur[acc.AccountID]; !ok {
			order = append(order, acc.AccountID)
		}
		cur[acc.AccountID] = acc.RingID
	}
	for _, acc := range baseline.SuspiciousAccounts {
		if _, seen := cur[acc.AccountID]; !seen {
			if _, ok := base[acc.AccountID]; !ok {
				order = append(order, acc.AccountID)
			}
		}
		base[acc.AccountID] = acc.RingID
	}

	left := make([]string, len(order))
	right := make([]string, len(order))
	for i, id := range order {
		left[i], right[i] = unflagged, unflagged
		if ring, ok := cur[id]; ok {
			left[i] = ring
		}
		if ring, ok := base[id]; ok {
			right[i] = ring
		}
	}

	return Agreement{
		Accounts: len(order),
		ARI:      AdjustedRandIndex(left, right),
		VI:       VariationOfInformation(left, right),
	}
}

// contingency is the cross-tabulation of two labelings of the same items
type contingency struct {
	n       int
	cells   map[[2]string]int
	rowSums map[string]int
	colSums map[string]int
}

func tabulate(a, b []string) (contingency, bool) {
	if len(a) != len(b) || len(a) < 2 {
		return contingency{}, false
	}
	t := contingency{
		n:       len(a),
		cells:   make(map[[2]string]int),
		rowSums: make(map[string]int),
		colSums: make(map[string]int),
	}
	for i := range a {
		t.cells[[2]string{a[i], b[i]}]++
		t.rowSums[a[i]]++
		t.colSums[b[i]]++
	}
	return t, true
}

// AdjustedRandIndex is the chance-corrected pair-counting agreement of two
// labelings. Degenerate inputs (fewer than two items) score 0.
func AdjustedRandIndex(a, b []string) float64 {
	t, ok := tabulate(a, b)
	if !ok {
		return 0
	}

	var sumCells, sumRows, sumCols float64
	for _, c := range t.cells {
		sumCells += pairs(c)
	}
	for _, r := range t.rowSums {
		sumRows += pairs(r)
	}
	for _, c := range t.colSums {
		sumCols += pairs(c)
	}

	expected := sumRows * sumCols / pairs(t.n)
	maximum := (sumRows + sumCols) / 2
	if math.Abs(maximum-expected) < 1e-12 {
		// Both labelings are all-singletons or all-one-cluster
		return 1
	}
	return (sumCells - expected) / (maximum - expected)
}

// VariationOfInformation is H(A|B) + H(B|A) in bits.
func VariationOfInformation(a, b []string) float64 {
	t, ok := tabulate(a, b)
	if !ok {
		return 0
	}

	n := float64(t.n)
	vi := 0.0
	for key, c := range t.cells {
		p := float64(c) / n
		vi -= p * math.Log2(float64(c)/float64(t.colSums[key[1]]))
		vi -= p * math.Log2(float64(c)/float64(t.rowSums[key[0]]))
	}
	return vi
}

func pairs(n int) float64 {
	if n < 2 {
		return 0
	}
	return float64(n) * float64(n-1) / 2
}
