package graphstore

import (
	"context"
	"errors"
)

// Client is what the exporter needs from a graph database. The Bolt client
// and MemoryClient implement it.
type Client interface {
	ExecuteWrite(ctx context.Context, cypher string, params map[string]any) (Result, error)
	ExecuteRead(ctx context.Context, cypher string, params map[string]any) (Result, error)
	VerifyConnectivity(ctx context.Context) error
	Close(ctx context.Context) error
}

// Result holds the rows a query returned, keyed by column.
type Result struct {
	Records []Record
}

type Record map[string]any

var ErrMissingURI = errors.New("neo4j uri is required")
