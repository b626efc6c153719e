// Package cypher stores the graph projection in Neo4j (or Memgraph) behind a
// narrow driver interface. Every graph write is a single Cypher statement, so
// each runs in its own managed transaction.
package cypher

import (
	"context"
	"fmt"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"github.com/sirupsen/logrus"
)

// GraphDriver executes Cypher queries.
type GraphDriver interface {
	ExecuteQuery(ctx context.Context, query string, params map[string]any) (neo4j.EagerResult, error)
	BuildIndices(ctx context.Context) error
	Close(ctx context.Context) error
}

// Neo4jDriver is the production GraphDriver.
type Neo4jDriver struct {
	Driver neo4j.DriverWithContext
	log    *logrus.Logger
}

// NewNeo4jDriver connects and verifies connectivity.
func NewNeo4jDriver(ctx context.Context, uri, username, password string, log *logrus.Logger) (*Neo4jDriver, error) {
	driver, err := neo4j.NewDriverWithContext(uri, neo4j.BasicAuth(username, password, ""))
	if err != nil {
		return nil, fmt.Errorf("creating neo4j driver: %w", err)
	}

	if err := driver.VerifyConnectivity(ctx); err != nil {
		driver.Close(ctx) //nolint:errcheck // already failing.
		return nil, fmt.Errorf("verifying neo4j connectivity: %w", err)
	}

	log.WithField("uri", uri).Info("connected to neo4j")

	return &Neo4jDriver{Driver: driver, log: log}, nil
}

// Close closes the driver.
func (d *Neo4jDriver) Close(ctx context.Context) error {
	return d.Driver.Close(ctx)
}

// ExecuteQuery runs query in a managed transaction and buffers the result.
func (d *Neo4jDriver) ExecuteQuery(ctx context.Context, query string, params map[string]any) (neo4j.EagerResult, error) {
	result, err := neo4j.ExecuteQuery(ctx, d.Driver, query, params, neo4j.EagerResultTransformer)
	if err != nil {
		return neo4j.EagerResult{}, fmt.Errorf("executing cypher: %w", err)
	}

	return *result, nil
}

// indexStatements create the uniqueness constraints the single-statement
// writes depend on, plus lookup indexes for family scans.
var indexStatements = []string{
	"CREATE CONSTRAINT graph_node_key IF NOT EXISTS FOR (n:GraphNode) REQUIRE n.key IS UNIQUE",
	"CREATE CONSTRAINT tombstone_key IF NOT EXISTS FOR (t:Tombstone) REQUIRE t.key IS UNIQUE",
	"CREATE INDEX graph_node_family IF NOT EXISTS FOR (n:GraphNode) ON (n.family_id)",
	"CREATE INDEX link_family IF NOT EXISTS FOR ()-[r:LINK]-() ON (r.family_id)",
	"CREATE INDEX link_owner IF NOT EXISTS FOR ()-[r:LINK]-() ON (r.owner_type, r.owner_id)",
}

// BuildIndices creates constraints and indexes. Failures are logged and
// skipped so a server without index privileges still starts.
func (d *Neo4jDriver) BuildIndices(ctx context.Context) error {
	for _, q := range indexStatements {
		if _, err := d.ExecuteQuery(ctx, q, nil); err != nil {
			d.log.WithError(err).WithField("statement", q).Warn("failed to create neo4j index")
		}
	}

	return nil
}
