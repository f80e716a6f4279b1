package heuristics

import (
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/afrid0126/Moneymuling/pkg/models"
)

// Suspicion Scoring & Ring Materialization
//
// Detector findings are fused into one score per account and one ring per
// finding. Rings are numbered from a single counter in the fixed order
// cycles → smurfing → shell chains, so the same batch always yields the same
// ring ids no matter how the detectors were scheduled.
//
// Per-account contributions:
//   cycle member           +45 / +40 / +35 for length 3 / 4 / 5
//   fan hub                +35, +15 more when temporally clustered
//   fan counterparty       +15
//   shell intermediary     +30
//   shell chain endpoint   +20
//   velocity               +10  (>2 tx/hour over the account's active span)
//   amount anomaly         +5   (round thousands, just under 5k / 10k)
//
// Accounts corroborated by two or more pattern categories get a 1.3x
// multiplier before the score is capped at 100.

const (
	TagHighVelocity         = "high_velocity"
	TagAmountAnomaly        = "amount_anomaly"
	TagFanInHub             = "fan_in_hub"
	TagFanOutHub            = "fan_out_hub"
	TagSmurfingSender       = "smurfing_sender"
	TagSmurfingReceiver     = "smurfing_receiver"
	TagShellIntermediary    = "shell_intermediary"
	TagShellNetworkEndpoint = "shell_network_endpoint"

	hubBonus              = 35.0
	clusteredHubBonus     = 15.0
	fanMemberBonus        = 15.0
	shellMemberBonus      = 30.0
	shellEndpointBonus    = 20.0
	velocityBonus         = 10.0
	amountAnomalyBonus    = 5.0
	velocityTxPerHour     = 2.0
	corroborationFactor   = 1.3
	clusteredFanRiskScore = 85.0
	diffuseFanRiskScore   = 70.0
	shellRingRiskScore    = 75.0
	maxScore              = 100.0
)

// Pattern categories used for the corroboration multiplier
const (
	categoryCycle    = "cycle"
	categorySmurfing = "smurfing"
	categoryShell    = "shell"
	categoryOther    = "other"
)

var (
	thousand    = decimal.NewFromInt(1000)
	band5kLow   = decimal.NewFromInt(4900)
	band5kHigh  = decimal.NewFromInt(5000)
	band10kLow  = decimal.NewFromInt(9900)
	band10kHigh = decimal.NewFromInt(10000)
)

// accountScore accumulates one account's evidence while scoring
type accountScore struct {
	accountID string
	score     float64
	patterns  []string
	ringSet   map[string]struct{}
	ringIDs   []string
}

func (a *accountScore) hasPattern(tag string) bool {
	for _, p := range a.patterns {
		if p == tag {
			return true
		}
	}
	return false
}

func (a *accountScore) addRing(ringID string) {
	if _, ok := a.ringSet[ringID]; ok {
		return
	}
	a.ringSet[ringID] = struct{}{}
	a.ringIDs = append(a.ringIDs, ringID)
}

// scoringRun owns all mutable state of one ComputeScores call
type scoringRun struct {
	accounts    map[string]*accountScore
	order       []string
	rings       []models.FraudRing
	ringCounter int
}

func (r *scoringRun) account(id string) *accountScore {
	if a, ok := r.accounts[id]; ok {
		return a
	}
	a := &accountScore{accountID: id, ringSet: make(map[string]struct{})}
	r.accounts[id] = a
	r.order = append(r.order, id)
	return a
}

func (r *scoringRun) nextRingID() string {
	r.ringCounter++
	return FormatRingID(r.ringCounter)
}

// FormatRingID renders the n-th ring id, zero-padded to three digits.
func FormatRingID(n int) string {
	return fmt.Sprintf("RING_%03d", n)
}

// ComputeScores turns detector output into sorted suspicious accounts and
// fraud rings. The graph supplies the velocity and amount evidence.
func ComputeScores(g *DirectedGraph, cycles []DetectedCycle, fans []SmurfingPattern, chains []ShellChain) ([]models.SuspiciousAccount, []models.FraudRing) {
	run := &scoringRun{accounts: make(map[string]*accountScore)}

	run.scoreCycles(cycles)
	run.scoreSmurfing(fans)
	run.scoreShellChains(chains)
	run.applyActivityBonuses(g)

	return run.finalize(), run.rings
}

func cycleLengthBonus(length int) float64 {
	switch length {
	case 3:
		return 45
	case 4:
		return 40
	default:
		return 35
	}
}

// CycleRiskScore is the fixed risk score of a cycle ring.
func CycleRiskScore(length int) float64 {
	structure := 10.0
	if length == 3 {
		structure = 20
	}
	return math.Min(maxScore, round1(cycleLengthBonus(length)+30+structure))
}

func (r *scoringRun) scoreCycles(cycles []DetectedCycle) {
	for _, cycle := range cycles {
		ringID := r.nextRingID()
		bonus := cycleLengthBonus(cycle.Length)
		tag := fmt.Sprintf("cycle_length_%d", cycle.Length)

		for _, id := range cycle.Accounts {
			a := r.account(id)
			a.score += bonus
			a.patterns = append(a.patterns, tag)
			a.addRing(ringID)
		}

		members := make([]string, len(cycle.Accounts))
		copy(members, cycle.Accounts)
		r.rings = append(r.rings, models.FraudRing{
			RingID:         ringID,
			MemberAccounts: members,
			PatternType:    models.PatternCycle,
			RiskScore:      CycleRiskScore(cycle.Length),
		})
	}
}

func (r *scoringRun) scoreSmurfing(fans []SmurfingPattern) {
	for _, p := range fans {
		ringID := r.nextRingID()

		hubTag, memberTag := TagFanInHub, TagSmurfingSender
		if p.Type == FanOut {
			hubTag, memberTag = TagFanOutHub, TagSmurfingReceiver
		}

		hub := r.account(p.HubAccount)
		hub.score += hubBonus
		hub.patterns = append(hub.patterns, hubTag)
		if p.Clustered() {
			hub.score += clusteredHubBonus
			if !hub.hasPattern(TagHighVelocity) {
				hub.patterns = append(hub.patterns, TagHighVelocity)
			}
		}
		hub.addRing(ringID)

		for _, id := range p.ConnectedAccounts {
			a := r.account(id)
			a.score += fanMemberBonus
			a.patterns = append(a.patterns, memberTag)
			a.addRing(ringID)
		}

		risk := diffuseFanRiskScore
		if p.Clustered() {
			risk = clusteredFanRiskScore
		}
		members := make([]string, 0, len(p.ConnectedAccounts)+1)
		members = append(members, p.HubAccount)
		members = append(members, p.ConnectedAccounts...)
		r.rings = append(r.rings, models.FraudRing{
			RingID:         ringID,
			MemberAccounts: members,
			PatternType:    p.Type,
			RiskScore:      risk,
		})
	}
}

func (r *scoringRun) scoreShellChains(chains []ShellChain) {
	for _, chain := range chains {
		ringID := r.nextRingID()

		for _, id := range chain.ShellAccounts {
			a := r.account(id)
			a.score += shellMemberBonus
			a.patterns = append(a.patterns, TagShellIntermediary)
			a.addRing(ringID)
		}

		endpoints := []string{chain.Chain[0], chain.Chain[len(chain.Chain)-1]}
		for _, id := range endpoints {
			a := r.account(id)
			a.score += shellEndpointBonus
			a.patterns = append(a.patterns, TagShellNetworkEndpoint)
			a.addRing(ringID)
		}

		members := make([]string, len(chain.Chain))
		copy(members, chain.Chain)
		r.rings = append(r.rings, models.FraudRing{
			RingID:         ringID,
			MemberAccounts: members,
			PatternType:    models.PatternShellNetwork,
			RiskScore:      shellRingRiskScore,
		})
	}
}

// applyActivityBonuses adds velocity and amount-anomaly evidence, only to
// accounts a detector already flagged.
func (r *scoringRun) applyActivityBonuses(g *DirectedGraph) {
	for _, id := range g.order {
		a, ok := r.accounts[id]
		if !ok {
			continue
		}
		node := g.Nodes[id]

		if isHighVelocity(node.Transactions) && !a.hasPattern(TagHighVelocity) {
			a.score += velocityBonus
			a.patterns = append(a.patterns, TagHighVelocity)
		}

		if hasAmountAnomaly(node.Transactions) && !a.hasPattern(TagAmountAnomaly) {
			a.score += amountAnomalyBonus
			a.patterns = append(a.patterns, TagAmountAnomaly)
		}
	}
}

func isHighVelocity(txns []*models.Transaction) bool {
	if len(txns) < 2 {
		return false
	}
	first, last := txns[0].Timestamp, txns[0].Timestamp
	for _, tx := range txns[1:] {
		if tx.Timestamp.Before(first) {
			first = tx.Timestamp
		}
		if tx.Timestamp.After(last) {
			last = tx.Timestamp
		}
	}
	spanHours := last.Sub(first).Hours()
	return spanHours > 0 && float64(len(txns))/spanHours > velocityTxPerHour
}

// hasAmountAnomaly flags structuring-style amounts: exact thousands, or just
// below the 5,000 and 10,000 reporting thresholds.
func hasAmountAnomaly(txns []*models.Transaction) bool {
	for _, tx := range txns {
		if IsAnomalousAmount(decimal.NewFromFloat(tx.Amount)) {
			return true
		}
	}
	return false
}

// IsAnomalousAmount reports whether a single amount looks structured.
func IsAnomalousAmount(amt decimal.Decimal) bool {
	if amt.GreaterThanOrEqual(thousand) && amt.Mod(thousand).IsZero() {
		return true
	}
	if amt.GreaterThanOrEqual(band10kLow) && amt.LessThan(band10kHigh) {
		return true
	}
	return amt.GreaterThanOrEqual(band5kLow) && amt.LessThan(band5kHigh)
}

// patternCategory maps a tag to cycle, smurfing, shell or other.
func patternCategory(tag string) string {
	switch {
	case strings.HasPrefix(tag, "cycle"):
		return categoryCycle
	case strings.Contains(tag, "fan_"), strings.Contains(tag, "smurfing"):
		return categorySmurfing
	case strings.Contains(tag, "shell"):
		return categoryShell
	default:
		return categoryOther
	}
}

// FinalScore applies the corroboration multiplier, caps at 100 and rounds to
// one decimal.
func FinalScore(base float64, patterns []string) float64 {
	categories := make(map[string]struct{}, 4)
	for _, p := range patterns {
		categories[patternCategory(p)] = struct{}{}
	}

	score := base
	if len(categories) >= 2 {
		score *= corroborationFactor
	}
	return math.Max(0, math.Min(maxScore, round1(score)))
}

func (r *scoringRun) finalize() []models.SuspiciousAccount {
	out := make([]models.SuspiciousAccount, 0, len(r.order))
	for _, id := range r.order {
		a := r.accounts[id]

		ringID := ""
		if len(a.ringIDs) > 0 {
			ringID = a.ringIDs[0]
		}
		out = append(out, models.SuspiciousAccount{
			AccountID:        a.accountID,
			SuspicionScore:   FinalScore(a.score, a.patterns),
			DetectedPatterns: dedupe(a.patterns),
			RingID:           ringID,
			RingIDs:          append([]string(nil), a.ringIDs...),
		})
	}

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].SuspicionScore > out[j].SuspicionScore
	})
	return out
}

func dedupe(tags []string) []string {
	seen := make(map[string]struct{}, len(tags))
	out := make([]string, 0, len(tags))
	for _, t := range tags {
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	return out
}

func round1(v float64) float64 {
	return math.Round(v*10) / 10
}
