package graphstore

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/afrid0126/Moneymuling/internal/runner"
)

// Exporter mirrors finished reports into the graph database for
// investigators who browse rings visually:
//
//   (:Account)-[:MEMBER_OF]->(:Ring {run_id, ring_id})
//   (:Account)-[:TRANSFERRED {transaction_id}]->(:Account)
//
// Transfers are only written when the report still carries its graph view.
type Exporter struct {
	client Client
	logger *zap.Logger
}

func NewExporter(client Client, logger *zap.Logger) *Exporter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Exporter{client: client, logger: logger.Named("graphstore")}
}

const upsertAccountsCypher = `
UNWIND $accounts AS acc
MERGE (a:Account {id: acc.id})
SET a.last_score = acc.score,
    a.last_patterns = acc.patterns,
    a.last_run_id = $run_id`

const upsertRingsCypher = `
UNWIND $rings AS ring
MERGE (r:Ring {run_id: $run_id, ring_id: ring.ring_id})
SET r.pattern_type = ring.pattern_type,
    r.risk_score = ring.risk_score,
    r.session_id = $session_id,
    r.finished_at = $finished_at
WITH r, ring
UNWIND ring.members AS member
MERGE (a:Account {id: member})
MERGE (a)-[:MEMBER_OF]->(r)`

const upsertTransfersCypher = `
UNWIND $edges AS e
MERGE (s:Account {id: e.source})
MERGE (d:Account {id: e.target})
MERGE (s)-[t:TRANSFERRED {transaction_id: e.transaction_id}]->(d)
SET t.amount = e.amount,
    t.timestamp = e.timestamp`

const accountRingsCypher = `
MATCH (a:Account {id: $account_id})-[:MEMBER_OF]->(r:Ring)
RETURN r.run_id AS run_id, r.ring_id AS ring_id, r.pattern_type AS pattern_type, r.risk_score AS risk_score
ORDER BY r.finished_at DESC
LIMIT $limit`

// ExportReport writes accounts, rings and (when present) transfers.
func (e *Exporter) ExportReport(ctx context.Context, rep runner.Report) error {
	accounts := make([]map[string]any, 0, len(rep.Result.SuspiciousAccounts))
	for _, acc := range rep.Result.SuspiciousAccounts {
		accounts = append(accounts, map[string]any{
			"id":       acc.AccountID,
			"score":    acc.SuspicionScore,
			"patterns": acc.DetectedPatterns,
		})
	}
	rings := make([]map[string]any, 0, len(rep.Result.FraudRings))
	for _, ring := range rep.Result.FraudRings {
		rings = append(rings, map[string]any{
			"ring_id":      ring.RingID,
			"pattern_type": ring.PatternType,
			"risk_score":   ring.RiskScore,
			"members":      ring.MemberAccounts,
		})
	}

	if len(accounts) > 0 {
		if _, err := e.client.ExecuteWrite(ctx, upsertAccountsCypher, map[string]any{
			"accounts": accounts,
			"run_id":   rep.RunID,
		}); err != nil {
			return fmt.Errorf("export accounts: %w", err)
		}
	}
	if len(rings) > 0 {
		if _, err := e.client.ExecuteWrite(ctx, upsertRingsCypher, map[string]any{
			"rings":       rings,
			"run_id":      rep.RunID,
			"session_id":  rep.SessionID,
			"finished_at": rep.FinishedAt.UTC().Format(time.RFC3339),
		}); err != nil {
			return fmt.Errorf("export rings: %w", err)
		}
	}

	transfers := 0
	if g := rep.Result.Graph; g != nil && len(g.Edges) > 0 {
		edges := make([]map[string]any, 0, len(g.Edges))
		for _, edge := range g.Edges {
			edges = append(edges, map[string]any{
				"source":         edge.Source,
				"target":         edge.Target,
				"amount":         edge.Amount,
				"timestamp":      edge.Timestamp.UTC().Format(time.RFC3339),
				"transaction_id": edge.TransactionID,
			})
		}
		if _, err := e.client.ExecuteWrite(ctx, upsertTransfersCypher, map[string]any{"edges": edges}); err != nil {
			return fmt.Errorf("export transfers: %w", err)
		}
		transfers = len(edges)
	}

	e.logger.Debug("report exported",
		zap.String("run_id", rep.RunID),
		zap.Int("accounts", len(accounts)),
		zap.Int("rings", len(rings)),
		zap.Int("transfers", transfers),
	)
	return nil
}

// Hook adapts ExportReport to a runner completion hook.
func (e *Exporter) Hook() runner.Hook {
	return runner.Hook{Name: "neo4j", Fn: e.ExportReport}
}

// RingMembership is one ring an account belonged to
type RingMembership struct {
	RunID       string  `json:"runId"`
	RingID      string  `json:"ringId"`
	PatternType string  `json:"patternType"`
	RiskScore   float64 `json:"riskScore"`
}

// AccountRings lists the rings an account joined across exported runs.
func (e *Exporter) AccountRings(ctx context.Context, accountID string, limit int) ([]RingMembership, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	res, err := e.client.ExecuteRead(ctx, accountRingsCypher, map[string]any{
		"account_id": accountID,
		"limit":      limit,
	})
	if err != nil {
		return nil, fmt.Errorf("query account rings: %w", err)
	}

	out := make([]RingMembership, 0, len(res.Records))
	for _, rec := range res.Records {
		m := RingMembership{}
		m.RunID, _ = rec["run_id"].(string)
		m.RingID, _ = rec["ring_id"].(string)
		m.PatternType, _ = rec["pattern_type"].(string)
		switch v := rec["risk_score"].(type) {
		case float64:
			m.RiskScore = v
		case int64:
			m.RiskScore = float64(v)
		}
		out = append(out, m)
	}
	return out, nil
}

// Ping checks connectivity for the health endpoint.
func (e *Exporter) Ping(ctx context.Context) error {
	return e.client.VerifyConnectivity(ctx)
}

func (e *Exporter) Close(ctx context.Context) error {
	return e.client.Close(ctx)
}
