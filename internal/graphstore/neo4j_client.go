package graphstore

import (
	"context"
	"fmt"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"go.uber.org/zap"

	"github.com/afrid0126/Moneymuling/internal/config"
)

type boltClient struct {
	driver   neo4j.DriverWithContext
	database string
}

// NewNeo4jClient connects to the ring graph. Username may be empty for
// servers running without auth.
func NewNeo4jClient(ctx context.Context, cfg config.Neo4jConfig, logger *zap.Logger) (Client, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.URI == "" {
		return nil, ErrMissingURI
	}

	auth := neo4j.NoAuth()
	if cfg.Username != "" {
		auth = neo4j.BasicAuth(cfg.Username, cfg.Password, "")
	}
	driver, err := neo4j.NewDriverWithContext(cfg.URI, auth)
	if err != nil {
		return nil, fmt.Errorf("neo4j driver: %w", err)
	}
	if err := driver.VerifyConnectivity(ctx); err != nil {
		_ = driver.Close(ctx)
		return nil, fmt.Errorf("neo4j connection failed: %w", err)
	}

	logger.Info("neo4j ring graph connected",
		zap.String("uri", cfg.URI),
		zap.String("database", cfg.Database),
	)
	return &boltClient{driver: driver, database: cfg.Database}, nil
}

func (c *boltClient) ExecuteWrite(ctx context.Context, cypher string, params map[string]any) (Result, error) {
	return c.query(ctx, cypher, params, neo4j.ExecuteQueryWithWritersRouting())
}

func (c *boltClient) ExecuteRead(ctx context.Context, cypher string, params map[string]any) (Result, error) {
	return c.query(ctx, cypher, params, neo4j.ExecuteQueryWithReadersRouting())
}

// query runs one auto-committed statement and buffers every row.
func (c *boltClient) query(ctx context.Context, cypher string, params map[string]any, routing neo4j.ExecuteQueryConfigurationOption) (Result, error) {
	opts := []neo4j.ExecuteQueryConfigurationOption{routing}
	if c.database != "" {
		opts = append(opts, neo4j.ExecuteQueryWithDatabase(c.database))
	}

	eager, err := neo4j.ExecuteQuery(ctx, c.driver, cypher, params, neo4j.EagerResultTransformer, opts...)
	if err != nil {
		return Result{}, err
	}
	records := make([]Record, 0, len(eager.Records))
	for _, rec := range eager.Records {
		records = append(records, Record(rec.AsMap()))
	}
	return Result{Records: records}, nil
}

func (c *boltClient) VerifyConnectivity(ctx context.Context) error {
	return c.driver.VerifyConnectivity(ctx)
}

func (c *boltClient) Close(ctx context.Context) error {
	return c.driver.Close(ctx)
}
