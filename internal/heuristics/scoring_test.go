package heuristics

import (
	"fmt"
	"reflect"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/afrid0126/Moneymuling/pkg/models"
)

func senders(prefix string, n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = fmt.Sprintf("%s%02d", prefix, i)
	}
	return out
}

func TestComputeScores_RingNumberingFollowsDetectorOrder(t *testing.T) {
	cycles := []DetectedCycle{
		{Accounts: []string{"A", "B", "C"}, Length: 3},
		{Accounts: []string{"C", "D", "E", "F"}, Length: 4},
	}
	fans := []SmurfingPattern{
		{HubAccount: "HUB", Type: FanIn, ConnectedAccounts: senders("SND", 10), TemporalWindowHours: TemporalWindowHours},
	}
	chains := []ShellChain{
		{Chain: []string{"R1", "SH1", "SH2", "SH3", "R2"}, ShellAccounts: []string{"SH1", "SH2", "SH3"}},
	}

	accounts, rings := ComputeScores(BuildGraph(nil), cycles, fans, chains)

	want := []struct {
		id      string
		pattern string
		risk    float64
		members int
	}{
		{"RING_001", models.PatternCycle, 95, 3},
		{"RING_002", models.PatternCycle, 80, 4},
		{"RING_003", models.PatternFanIn, 85, 11},
		{"RING_004", models.PatternShellNetwork, 75, 5},
	}
	if len(rings) != len(want) {
		t.Fatalf("Expected %d rings. Got: %d", len(want), len(rings))
	}
	for i, w := range want {
		r := rings[i]
		if r.RingID != w.id || r.PatternType != w.pattern || r.RiskScore != w.risk || len(r.MemberAccounts) != w.members {
			t.Errorf("ring %d: expected %+v. Got: %+v", i, w, r)
		}
	}
	if rings[2].MemberAccounts[0] != "HUB" {
		t.Errorf("Expected the hub to lead the fan ring. Got: %v", rings[2].MemberAccounts)
	}

	byID := make(map[string]models.SuspiciousAccount, len(accounts))
	for _, a := range accounts {
		byID[a.AccountID] = a
	}

	c := byID["C"]
	if c.SuspicionScore != 85 {
		t.Errorf("Expected C to score 45+40=85. Got: %.1f", c.SuspicionScore)
	}
	if c.RingID != "RING_001" || !reflect.DeepEqual(c.RingIDs, []string{"RING_001", "RING_002"}) {
		t.Errorf("Expected C in RING_001 then RING_002. Got: %s %v", c.RingID, c.RingIDs)
	}

	hub := byID["HUB"]
	if hub.SuspicionScore != 65 {
		t.Errorf("Expected clustered hub (35+15)*1.3=65. Got: %.1f", hub.SuspicionScore)
	}
	if !reflect.DeepEqual(hub.DetectedPatterns, []string{TagFanInHub, TagHighVelocity}) {
		t.Errorf("Unexpected hub patterns: %v", hub.DetectedPatterns)
	}

	if byID["R1"].SuspicionScore != 20 || byID["SH2"].SuspicionScore != 30 || byID["SND03"].SuspicionScore != 15 {
		t.Errorf("Unexpected shell/fan member scores: R1=%.1f SH2=%.1f SND03=%.1f",
			byID["R1"].SuspicionScore, byID["SH2"].SuspicionScore, byID["SND03"].SuspicionScore)
	}

	if accounts[0].AccountID != "C" || accounts[1].AccountID != "HUB" {
		t.Errorf("Expected C then HUB at the top. Got: %s, %s", accounts[0].AccountID, accounts[1].AccountID)
	}
	if accounts[2].AccountID != "A" || accounts[3].AccountID != "B" {
		t.Errorf("Expected ties to keep encounter order. Got: %s, %s", accounts[2].AccountID, accounts[3].AccountID)
	}
	for i := 1; i < len(accounts); i++ {
		if accounts[i].SuspicionScore > accounts[i-1].SuspicionScore {
			t.Fatalf("Expected descending scores at %d: %.1f > %.1f", i, accounts[i].SuspicionScore, accounts[i-1].SuspicionScore)
		}
	}
}

func TestComputeScores_CrossCategoryMultiplier(t *testing.T) {
	cycles := []DetectedCycle{{Accounts: []string{"A", "B", "C"}, Length: 3}}
	fans := []SmurfingPattern{
		{HubAccount: "HUB", Type: FanIn, ConnectedAccounts: append([]string{"A"}, senders("SND", 9)...), TemporalWindowHours: DiffuseWindowHours},
	}

	accounts, rings := ComputeScores(BuildGraph(nil), cycles, fans, nil)

	var a, b models.SuspiciousAccount
	for _, acc := range accounts {
		switch acc.AccountID {
		case "A":
			a = acc
		case "B":
			b = acc
		}
	}
	if a.SuspicionScore != 78 {
		t.Errorf("Expected (45+15)*1.3=78 for A. Got: %.1f", a.SuspicionScore)
	}
	if a.SuspicionScore <= b.SuspicionScore {
		t.Errorf("Expected corroborated A (%.1f) above single-pattern B (%.1f)", a.SuspicionScore, b.SuspicionScore)
	}
	if rings[1].RiskScore != 70 {
		t.Errorf("Expected diffuse fan ring risk 70. Got: %.1f", rings[1].RiskScore)
	}
}

func TestComputeScores_ActivityBonusesOnlyForFlaggedAccounts(t *testing.T) {
	b := &txBuilder{}
	b.add("A", "B", 10000, 0).
		add("B", "C", 9120, 2*time.Hour).
		add("C", "A", 8430, 4*time.Hour).
		add("Q", "R", 5000, 0)
	g := BuildGraph(b.build())

	accounts, _ := ComputeScores(g, []DetectedCycle{{Accounts: []string{"A", "B", "C"}, Length: 3}}, nil, nil)

	scores := make(map[string]float64)
	for _, acc := range accounts {
		scores[acc.AccountID] = acc.SuspicionScore
	}
	if scores["A"] != 65 || scores["B"] != 65 {
		t.Errorf("Expected A and B at (45+5)*1.3=65. Got: A=%.1f B=%.1f", scores["A"], scores["B"])
	}
	if scores["C"] != 45 {
		t.Errorf("Expected C at 45. Got: %.1f", scores["C"])
	}
	if _, flagged := scores["Q"]; flagged {
		t.Errorf("Expected unflagged accounts to stay out of the report")
	}
}

func TestIsHighVelocity(t *testing.T) {
	burst := &txBuilder{}
	for i := 0; i < 5; i++ {
		burst.add("A", fmt.Sprintf("B%d", i), 100, time.Duration(i)*10*time.Minute)
	}
	slow := &txBuilder{}
	for i := 0; i < 5; i++ {
		slow.add("A", fmt.Sprintf("B%d", i), 100, time.Duration(i)*time.Hour)
	}
	sameInstant := &txBuilder{}
	for i := 0; i < 5; i++ {
		sameInstant.add("A", fmt.Sprintf("B%d", i), 100, 0)
	}

	tests := []struct {
		name string
		txs  []models.Transaction
		want bool
	}{
		{"burst", burst.build(), true},
		{"slow", slow.build(), false},
		{"zero span", sameInstant.build(), false},
		{"single", burst.build()[:1], false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := BuildGraph(tt.txs)
			if got := isHighVelocity(g.Nodes["A"].Transactions); got != tt.want {
				t.Errorf("Expected %v. Got: %v", tt.want, got)
			}
		})
	}
}

func TestIsAnomalousAmount(t *testing.T) {
	tests := []struct {
		amount string
		want   bool
	}{
		{"0", false},
		{"999", false},
		{"1000", true},
		{"2000", true},
		{"1500", false},
		{"4899.99", false},
		{"4900", true},
		{"4999.99", true},
		{"9950", true},
		{"10000", true},
		{"10500", false},
		{"1000.01", false},
	}
	for _, tt := range tests {
		if got := IsAnomalousAmount(decimal.RequireFromString(tt.amount)); got != tt.want {
			t.Errorf("%s: expected %v. Got: %v", tt.amount, tt.want, got)
		}
	}
}

func TestFinalScore(t *testing.T) {
	if got := FinalScore(45, []string{"cycle_length_3"}); got != 45 {
		t.Errorf("Expected 45 for a single category. Got: %.1f", got)
	}
	if got := FinalScore(45, []string{"cycle_length_3", "cycle_length_4"}); got != 45 {
		t.Errorf("Expected two cycle tags to be one category. Got: %.1f", got)
	}
	if got := FinalScore(90, []string{"cycle_length_3", TagFanInHub}); got != 100 {
		t.Errorf("Expected cap at 100. Got: %.1f", got)
	}
	if got := FinalScore(33.33, []string{TagShellIntermediary}); got != 33.3 {
		t.Errorf("Expected rounding to one decimal. Got: %v", got)
	}

	// Adding a category never lowers a score
	for base := 0.0; base <= 120; base += 7.5 {
		one := FinalScore(base, []string{TagShellIntermediary})
		two := FinalScore(base, []string{TagShellIntermediary, TagSmurfingSender})
		if two < one {
			t.Errorf("base %.1f: multi-pattern %.1f below single %.1f", base, two, one)
		}
	}
}

func TestFormatRingID(t *testing.T) {
	if got := FormatRingID(7); got != "RING_007" {
		t.Errorf("Expected RING_007. Got: %s", got)
	}
	if got := FormatRingID(1234); got != "RING_1234" {
		t.Errorf("Expected RING_1234. Got: %s", got)
	}
}
