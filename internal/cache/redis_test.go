package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/afrid0126/Moneymuling/internal/config"
	"github.com/afrid0126/Moneymuling/internal/runner"
	"github.com/afrid0126/Moneymuling/pkg/models"
)

func setupTestRedis(t *testing.T) (*ReportCache, *miniredis.Miniredis) {
	mr, err := miniredis.Run()
	require.NoError(t, err)

	c, err := NewRedisCache(config.RedisConfig{Addr: mr.Addr(), TTL: time.Hour}, zaptest.NewLogger(t))
	require.NoError(t, err)

	t.Cleanup(func() {
		_ = c.Close()
		mr.Close()
	})
	return c, mr
}

func sampleResult() *models.AnalysisResult {
	return &models.AnalysisResult{
		SuspiciousAccounts: []models.SuspiciousAccount{{
			AccountID: "ACC_A", SuspicionScore: 95, DetectedPatterns: []string{"cycle_length_3"},
			RingID: "RING_001", RingIDs: []string{"RING_001"},
		}},
		FraudRings: []models.FraudRing{{
			RingID: "RING_001", MemberAccounts: []string{"ACC_A", "ACC_B", "ACC_C"},
			PatternType: models.PatternCycle, RiskScore: 95,
		}},
		Summary: models.Summary{TotalAccountsAnalyzed: 3, SuspiciousAccountsFlagged: 1, FraudRingsDetected: 1},
		Graph:   &models.GraphView{Nodes: []models.GraphNode{{ID: "ACC_A"}}},
	}
}

func TestNewRedisCache(t *testing.T) {
	t.Run("nil logger", func(t *testing.T) {
		_, err := NewRedisCache(config.RedisConfig{Addr: "localhost:6379"}, nil)
		assert.Error(t, err)
	})

	t.Run("unreachable", func(t *testing.T) {
		mr, err := miniredis.Run()
		require.NoError(t, err)
		addr := mr.Addr()
		mr.Close()

		_, err = NewRedisCache(config.RedisConfig{Addr: addr}, zaptest.NewLogger(t))
		assert.Error(t, err)
	})
}

func TestReportCache_RoundTripStripsGraph(t *testing.T) {
	c, mr := setupTestRedis(t)
	ctx := context.Background()

	_, err := c.Get(ctx, "fp1")
	assert.ErrorIs(t, err, ErrCacheMiss)

	require.NoError(t, c.Set(ctx, "fp1", sampleResult()))

	got, err := c.Get(ctx, "fp1")
	require.NoError(t, err)
	assert.Nil(t, got.Graph)
	assert.Equal(t, sampleResult().FraudRings, got.FraudRings)
	assert.Equal(t, sampleResult().SuspiciousAccounts, got.SuspiciousAccounts)

	ttl := mr.TTL(keyPrefix + "fp1")
	assert.Equal(t, time.Hour, ttl)

	mr.FastForward(2 * time.Hour)
	_, err = c.Get(ctx, "fp1")
	assert.ErrorIs(t, err, ErrCacheMiss)
}

func TestReportCache_CorruptEntryIsMiss(t *testing.T) {
	c, mr := setupTestRedis(t)
	require.NoError(t, mr.Set(keyPrefix+"bad", "{not json"))

	_, err := c.Get(context.Background(), "bad")
	assert.ErrorIs(t, err, ErrCacheMiss)
	assert.False(t, mr.Exists(keyPrefix+"bad"))
}

func TestReportCache_Hook(t *testing.T) {
	c, mr := setupTestRedis(t)
	hook := c.Hook()
	assert.Equal(t, "redis", hook.Name)

	require.NoError(t, hook.Fn(context.Background(), runner.Report{RunID: "r1", Result: sampleResult()}))
	assert.Empty(t, mr.Keys(), "runs without a fingerprint are not cached")

	require.NoError(t, hook.Fn(context.Background(), runner.Report{RunID: "r2", Fingerprint: "fp2", Result: sampleResult()}))
	assert.True(t, mr.Exists(keyPrefix+"fp2"))
}
