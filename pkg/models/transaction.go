package models

import "time"

// Transaction is a single validated transfer between two accounts.
type Transaction struct {
	TransactionID string    `json:"transaction_id" validate:"required"`
	SenderID      string    `json:"sender_id" validate:"required"`
	ReceiverID    string    `json:"receiver_id" validate:"required"`
	Amount        float64   `json:"amount" validate:"gte=0"`
	Timestamp     time.Time `json:"timestamp" validate:"required"`
}

// Pattern types carried by fraud rings.
const (
	PatternCycle        = "cycle"
	PatternFanIn        = "fan_in"
	PatternFanOut       = "fan_out"
	PatternShellNetwork = "shell_network"
)

// SuspiciousAccount is one scored account in the final report
type SuspiciousAccount struct {
	AccountID        string   `json:"account_id"`
	SuspicionScore   float64  `json:"suspicion_score"`   // 0-100, one decimal
	DetectedPatterns []string `json:"detected_patterns"` // Deduplicated pattern tags
	RingID           string   `json:"ring_id"`           // First ring the account joined
	RingIDs          []string `json:"ring_ids"`          // Every ring, first-seen order
}

// FraudRing is one detector finding materialized as a group of accounts
type FraudRing struct {
	RingID         string   `json:"ring_id"` // RING_NNN
	MemberAccounts []string `json:"member_accounts"`
	PatternType    string   `json:"pattern_type"` // cycle/fan_in/fan_out/shell_network
	RiskScore      float64  `json:"risk_score"`   // 0-100
}

// Summary holds the run-level counters shown next to the report
type Summary struct {
	TotalAccountsAnalyzed      int     `json:"total_accounts_analyzed"`
	SuspiciousAccountsFlagged  int     `json:"suspicious_accounts_flagged"`
	FraudRingsDetected         int     `json:"fraud_rings_detected"`
	ProcessingTimeSeconds      float64 `json:"processing_time_seconds"`
	TotalTransactionsProcessed int     `json:"total_transactions_processed"`
	WasSampled                 bool    `json:"was_sampled"`
	OriginalTransactionCount   int     `json:"original_transaction_count"`
}

// GraphNode is the visualization view of one account
type GraphNode struct {
	ID                string `json:"id"`
	InDegree          int    `json:"in_degree"`
	OutDegree         int    `json:"out_degree"`
	TotalTransactions int    `json:"total_transactions"`
}

// GraphEdge is the visualization view of one transaction
type GraphEdge struct {
	Source        string    `json:"source"`
	Target        string    `json:"target"`
	Amount        float64   `json:"amount"`
	Timestamp     time.Time `json:"timestamp"`
	TransactionID string    `json:"transaction_id"`
}

// GraphView is the analysed transaction graph as handed to visualization
// and export consumers.
type GraphView struct {
	Nodes []GraphNode `json:"nodes"`
	Edges []GraphEdge `json:"edges"`
}

// AnalysisResult is the complete output of one analysis run. Graph is
// omitted when the caller strips it (CLI output, cached reports).
type AnalysisResult struct {
	SuspiciousAccounts []SuspiciousAccount `json:"suspicious_accounts"`
	FraudRings         []FraudRing         `json:"fraud_rings"`
	Summary            Summary             `json:"summary"`
	Graph              *GraphView          `json:"graph,omitempty"`
}
