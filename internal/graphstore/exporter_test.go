package graphstore

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/afrid0126/Moneymuling/internal/config"
	"github.com/afrid0126/Moneymuling/internal/runner"
	"github.com/afrid0126/Moneymuling/pkg/models"
)

func testReport(withGraph bool) runner.Report {
	res := &models.AnalysisResult{
		SuspiciousAccounts: []models.SuspiciousAccount{
			{AccountID: "A", SuspicionScore: 45, DetectedPatterns: []string{"cycle_length_3"}, RingID: "RING_001"},
		},
		FraudRings: []models.FraudRing{
			{RingID: "RING_001", MemberAccounts: []string{"A", "B", "C"}, PatternType: models.PatternCycle, RiskScore: 95},
		},
	}
	if withGraph {
		res.Graph = &models.GraphView{Edges: []models.GraphEdge{
			{Source: "A", Target: "B", Amount: 100, Timestamp: time.Unix(0, 0), TransactionID: "TX1"},
		}}
	}
	return runner.Report{RunID: "run-1", SessionID: "s", Result: res, FinishedAt: time.Unix(60, 0)}
}

func TestExportReport(t *testing.T) {
	client := NewMemoryClient()
	exp := NewExporter(client, zaptest.NewLogger(t))

	require.NoError(t, exp.ExportReport(context.Background(), testReport(true)))

	writes := client.Writes()
	require.Len(t, writes, 3)
	assert.Equal(t, upsertAccountsCypher, writes[0].Cypher)
	assert.Equal(t, upsertRingsCypher, writes[1].Cypher)
	assert.Equal(t, upsertTransfersCypher, writes[2].Cypher)

	rings := writes[1].Params["rings"].([]map[string]any)
	assert.Equal(t, []string{"A", "B", "C"}, rings[0]["members"])
	assert.Equal(t, "run-1", writes[1].Params["run_id"])
	assert.Equal(t, "1970-01-01T00:01:00Z", writes[1].Params["finished_at"])
}

func TestExportReport_WithoutGraphSkipsTransfers(t *testing.T) {
	client := NewMemoryClient()
	require.NoError(t, NewExporter(client, zaptest.NewLogger(t)).Hook().Fn(context.Background(), testReport(false)))
	assert.Len(t, client.Writes(), 2)
}

func TestExportReport_PropagatesErrors(t *testing.T) {
	client := NewMemoryClient().FailWith(errors.New("bolt unavailable"))
	err := NewExporter(client, zaptest.NewLogger(t)).ExportReport(context.Background(), testReport(true))
	assert.ErrorContains(t, err, "export accounts")
}

func TestAccountRings(t *testing.T) {
	client := NewMemoryClient()
	client.QueueRead(Result{Records: []Record{
		{"run_id": "run-2", "ring_id": "RING_004", "pattern_type": "fan_in", "risk_score": 85.0},
		{"run_id": "run-1", "ring_id": "RING_001", "pattern_type": "cycle", "risk_score": int64(95)},
	}})
	exp := NewExporter(client, zaptest.NewLogger(t))

	rings, err := exp.AccountRings(context.Background(), "A", 0)
	require.NoError(t, err)
	assert.Equal(t, []RingMembership{
		{RunID: "run-2", RingID: "RING_004", PatternType: "fan_in", RiskScore: 85},
		{RunID: "run-1", RingID: "RING_001", PatternType: "cycle", RiskScore: 95},
	}, rings)

	reads := client.Reads()
	require.Len(t, reads, 1)
	assert.Equal(t, 50, reads[0].Params["limit"])
	assert.Equal(t, "A", reads[0].Params["account_id"])
}

func TestNewNeo4jClient_RequiresURI(t *testing.T) {
	_, err := NewNeo4jClient(context.Background(), config.Neo4jConfig{}, nil)
	assert.ErrorIs(t, err, ErrMissingURI)
}
