// Package store provides the Postgres graph, sync, and audit stores.
//
// Each store owns one concern (graph writes, graph reads, sync records,
// audit) and embeds shared helpers (Pool, logger) via the Base struct.
// Stores never import each other; shared logic lives in this file.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/sirupsen/logrus"

	"github.com/persistorai/famgraph/internal/dbpool"
	"github.com/persistorai/famgraph/internal/models"
)

const defaultQueryTimeout = 30 * time.Second

// ChangeChannel is the LISTEN/NOTIFY channel carrying applied graph changes.
const ChangeChannel = "graph_changes"

// Base contains shared dependencies for all stores.
// Embed this in each store struct.
type Base struct {
	Pool *dbpool.Pool
	Log  *logrus.Logger
}

// withTimeout creates a context with the default query timeout.
func withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, defaultQueryTimeout)
}

// beginTx starts a read-write transaction.
func (b *Base) beginTx(ctx context.Context) (pgx.Tx, error) {
	tx, err := b.Pool.Begin(ctx)
	if err != nil {
		return nil, classify(fmt.Errorf("beginning transaction: %w", err))
	}

	return tx, nil
}

// beginReadTx starts a read-only transaction.
func (b *Base) beginReadTx(ctx context.Context) (pgx.Tx, error) {
	tx, err := b.Pool.BeginTx(ctx, pgx.TxOptions{AccessMode: pgx.ReadOnly})
	if err != nil {
		return nil, classify(fmt.Errorf("beginning read transaction: %w", err))
	}

	return tx, nil
}

// Ping verifies the database is reachable.
func (b *Base) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := b.Pool.Ping(ctx); err != nil {
		return classify(fmt.Errorf("pinging database: %w", err))
	}

	return nil
}

// notify sends applied changes on the graph_changes channel (best-effort, post-commit).
func (b *Base) notify(changes ...models.GraphChange) {
	if len(changes) == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	for _, c := range changes {
		payload, err := json.Marshal(c)
		if err != nil {
			continue
		}

		if _, err := b.Pool.Exec(ctx, "SELECT pg_notify($1, $2)", ChangeChannel, string(payload)); err != nil {
			b.Log.WithError(err).WithField("kind", c.Kind).Warn("failed to send graph change notification")
			return
		}
	}
}

// classify wraps connection-level failures with ErrStoreUnavailable so
// callers can tell retryable outages from query errors.
func classify(err error) error {
	if err == nil {
		return nil
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code[:2] {
		case "08", "53", "57":
			return fmt.Errorf("%w: %w", models.ErrStoreUnavailable, err)
		}

		if pgErr.Code == "40001" || pgErr.Code == "40P01" {
			return fmt.Errorf("%w: %w", models.ErrStoreUnavailable, err)
		}

		return err
	}

	var netErr net.Error
	if errors.As(err, &netErr) || pgconn.SafeToRetry(err) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %w", models.ErrStoreUnavailable, err)
	}

	var connectErr *pgconn.ConnectError
	if errors.As(err, &connectErr) {
		return fmt.Errorf("%w: %w", models.ErrStoreUnavailable, err)
	}

	return err
}
