package main

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/persistorai/famgraph/internal/api"
	"github.com/persistorai/famgraph/internal/config"
	"github.com/persistorai/famgraph/internal/db"
	"github.com/persistorai/famgraph/internal/db/migrations"
	"github.com/persistorai/famgraph/internal/dbpool"
	"github.com/persistorai/famgraph/internal/domain"
	"github.com/persistorai/famgraph/internal/store"
	"github.com/persistorai/famgraph/internal/store/cypher"
	"github.com/persistorai/famgraph/internal/store/sqlite"
	"github.com/persistorai/famgraph/internal/ws"
)

// backends holds the opened stores and their readiness probes.
type backends struct {
	graph   domain.GraphStore
	sync    domain.SyncStore
	audit   domain.AuditStore
	checks  map[string]api.Pinger
	name    string
	closers []func()
}

func (b *backends) close() {
	for i := len(b.closers) - 1; i >= 0; i-- {
		b.closers[i]()
	}
}

// openBackends opens the state store and, when configured, the Neo4j graph.
// Graph changes reach the hub either directly or through LISTEN/NOTIFY.
func openBackends(ctx context.Context, cfg *config.Config, log *logrus.Logger, hub *ws.Hub) (*backends, error) {
	b := &backends{checks: map[string]api.Pinger{}}

	switch cfg.StateStore {
	case config.StoreSQLite:
		st, err := sqlite.Open(cfg.SQLitePath, log, sqlite.WithPublisher(hub))
		if err != nil {
			return nil, fmt.Errorf("opening sqlite store: %w", err)
		}

		b.closers = append(b.closers, func() { st.Close() }) //nolint:errcheck // best effort on shutdown.
		b.graph, b.sync, b.audit = st, st, st
		b.checks["state"] = st
		b.name = "sqlite"
	default:
		pool, err := dbpool.NewPool(ctx, cfg.DatabaseURL.Value(), dbpool.Options{
			MaxConns:         dbpool.ConnsFor(cfg.Partitions, cfg.DBPoolHeadroom),
			StatementTimeout: cfg.DBStatementTimeout,
		})
		if err != nil {
			return nil, err
		}

		b.closers = append(b.closers, pool.Close)

		if err := db.RunMigrations(ctx, pool, log, migrations.FS); err != nil {
			b.close()
			return nil, err
		}

		base := store.Base{Pool: pool, Log: log}
		b.graph = store.NewGraphStore(base)
		b.sync = store.NewSyncStore(base)
		b.audit = store.NewAuditStore(base)
		b.checks["state"] = pool
		b.name = "postgres"

		if cfg.GraphBackend == config.GraphStore {
			bridge := db.NewNotifyBridge(log, pool, store.ChangeChannel, hub)
			if err := bridge.Start(ctx); err != nil {
				b.close()
				return nil, err
			}
		}
	}

	if cfg.GraphBackend == config.GraphNeo4j {
		driver, err := cypher.NewNeo4jDriver(ctx, cfg.Neo4jURI, cfg.Neo4jUser, cfg.Neo4jPassword.Value(), log)
		if err != nil {
			b.close()
			return nil, err
		}

		b.closers = append(b.closers, func() { driver.Close(context.Background()) }) //nolint:errcheck // best effort on shutdown.

		if err := driver.BuildIndices(ctx); err != nil {
			b.close()
			return nil, err
		}

		graph := cypher.New(driver, cypher.WithPublisher(hub))
		b.graph = graph
		b.checks["graph"] = graph
		b.name += "+neo4j"
	}

	return b, nil
}
