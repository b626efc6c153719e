package store_test

import (
	"context"
	"os"
	"testing"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/persistorai/famgraph/internal/db"
	"github.com/persistorai/famgraph/internal/db/migrations"
	"github.com/persistorai/famgraph/internal/dbpool"
	"github.com/persistorai/famgraph/internal/models"
	"github.com/persistorai/famgraph/internal/store"
)

// testEnv holds shared test infrastructure (single pool across all tests).
type testEnv struct {
	pool *dbpool.Pool
	log  *logrus.Logger
}

var sharedEnv *testEnv

func getTestEnv(t *testing.T) *testEnv {
	t.Helper()

	if sharedEnv != nil {
		return sharedEnv
	}

	dbURL := os.Getenv("TEST_DATABASE_URL")
	if dbURL == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}

	ctx := context.Background()

	pool, err := dbpool.NewPool(ctx, dbURL, dbpool.Options{MaxConns: dbpool.ConnsFor(4, 4)})
	if err != nil {
		t.Fatalf("connecting to test DB: %v", err)
	}

	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)

	if err := db.RunMigrations(ctx, pool, log, migrations.FS); err != nil {
		t.Fatalf("running migrations: %v", err)
	}

	sharedEnv = &testEnv{
		pool: pool,
		log:  log,
	}

	return sharedEnv
}

// fixture is a Base plus a fresh family whose rows are removed after the test.
type fixture struct {
	base   store.Base
	family string
}

// key builds a node key unique to this fixture.
func (f *fixture) key(t models.EntityType, id string) models.NodeKey {
	return models.NodeKey{EntityType: t, ExternalID: f.family + "-" + id}
}

func setupFixture(t *testing.T) *fixture {
	t.Helper()

	env := getTestEnv(t)
	family := uuid.New().String()

	t.Cleanup(func() {
		ctx := context.Background()
		like := family + "-%"
		env.pool.Exec(ctx, "DELETE FROM graph_relationships WHERE source_id LIKE $1 OR target_id LIKE $1", like) //nolint:errcheck // best-effort cleanup
		env.pool.Exec(ctx, "DELETE FROM graph_nodes WHERE external_id LIKE $1", like)                            //nolint:errcheck // best-effort cleanup
		env.pool.Exec(ctx, "DELETE FROM node_tombstones WHERE external_id LIKE $1", like)                        //nolint:errcheck // best-effort cleanup
		env.pool.Exec(ctx, "DELETE FROM sync_records WHERE family_id = $1", family)                              //nolint:errcheck // best-effort cleanup
		env.pool.Exec(ctx, "DELETE FROM audit_log WHERE family_id = $1", family)                                 //nolint:errcheck // best-effort cleanup
	})

	return &fixture{base: store.Base{Pool: env.pool, Log: env.log}, family: family}
}
