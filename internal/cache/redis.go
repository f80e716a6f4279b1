package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/afrid0126/Moneymuling/internal/config"
	"github.com/afrid0126/Moneymuling/internal/runner"
	"github.com/afrid0126/Moneymuling/pkg/models"
)

const keyPrefix = "muling:report:"

// ErrCacheMiss means no report is cached for the fingerprint.
var ErrCacheMiss = errors.New("report not cached")

// ReportCache keeps finished reports in Redis keyed by input fingerprint,
// so re-uploading the same file skips analysis.
type ReportCache struct {
	client *redis.Client
	ttl    time.Duration
	logger *zap.Logger
}

// NewRedisCache connects and pings Redis.
func NewRedisCache(cfg config.RedisConfig, logger *zap.Logger) (*ReportCache, error) {
	if logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if cfg.Addr == "" {
		return nil, fmt.Errorf("redis addr is required")
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}

	logger.Info("redis report cache initialized",
		zap.String("addr", cfg.Addr),
		zap.Int("db", cfg.DB),
		zap.Duration("ttl", cfg.TTL))

	return &ReportCache{client: client, ttl: cfg.TTL, logger: logger.Named("cache")}, nil
}

func key(fingerprint string) string {
	return keyPrefix + fingerprint
}

// Get returns the cached report for a fingerprint.
func (c *ReportCache) Get(ctx context.Context, fingerprint string) (*models.AnalysisResult, error) {
	raw, err := c.client.Get(ctx, key(fingerprint)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrCacheMiss
	}
	if err != nil {
		c.logger.Error("redis get failed", zap.String("fingerprint", fingerprint), zap.Error(err))
		return nil, fmt.Errorf("redis get failed: %w", err)
	}

	var result models.AnalysisResult
	if err := json.Unmarshal(raw, &result); err != nil {
		// A corrupt entry is as good as a miss
		c.logger.Warn("dropping undecodable cache entry", zap.String("fingerprint", fingerprint), zap.Error(err))
		_ = c.client.Del(ctx, key(fingerprint)).Err()
		return nil, ErrCacheMiss
	}
	return &result, nil
}

// Set stores a report without its graph view.
func (c *ReportCache) Set(ctx context.Context, fingerprint string, result *models.AnalysisResult) error {
	stored := *result
	stored.Graph = nil
	payload, err := json.Marshal(stored)
	if err != nil {
		return fmt.Errorf("encode report: %w", err)
	}

	if err := c.client.Set(ctx, key(fingerprint), payload, c.ttl).Err(); err != nil {
		c.logger.Error("redis set failed",
			zap.String("fingerprint", fingerprint),
			zap.Duration("ttl", c.ttl),
			zap.Error(err))
		return fmt.Errorf("redis set failed: %w", err)
	}
	return nil
}

// Hook caches every completed run that carries a fingerprint.
func (c *ReportCache) Hook() runner.Hook {
	return runner.Hook{Name: "redis", Fn: func(ctx context.Context, rep runner.Report) error {
		if rep.Fingerprint == "" {
			return nil
		}
		return c.Set(ctx, rep.Fingerprint, rep.Result)
	}}
}

// Ping checks connectivity for the health endpoint.
func (c *ReportCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func (c *ReportCache) Close() error {
	return c.client.Close()
}
