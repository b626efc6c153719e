package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/sirupsen/logrus"

	"github.com/persistorai/famgraph/internal/models"
)

// AuditStore provides data access for the audit_log table.
type AuditStore struct {
	Base
}

// NewAuditStore creates an AuditStore.
func NewAuditStore(base Base) *AuditStore {
	return &AuditStore{Base: base}
}

// RecordAudit inserts an audit log entry.
func (s *AuditStore) RecordAudit(ctx context.Context, entry *models.AuditEntry) error {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	var detailJSON []byte
	if entry.Detail != nil {
		var err error

		detailJSON, err = json.Marshal(entry.Detail)
		if err != nil {
			return fmt.Errorf("marshaling audit detail: %w", err)
		}
	}

	var actor *string
	if entry.Actor != "" {
		actor = &entry.Actor
	}

	_, err := s.Pool.Exec(ctx, `
		INSERT INTO audit_log (family_id, action, target, actor, detail)
		VALUES ($1, $2, $3, $4, $5)`,
		entry.FamilyID, entry.Action, entry.Target, actor, detailJSON,
	)
	if err != nil {
		return classify(fmt.Errorf("inserting audit entry: %w", err))
	}

	return nil
}

// buildAuditFilter builds WHERE clause and args from AuditQueryOpts.
func buildAuditFilter(opts models.AuditQueryOpts) (where string, args []any, nextArg int) {
	var conditions []string
	argIdx := 1

	if opts.FamilyID != "" {
		conditions = append(conditions, "family_id = $"+strconv.Itoa(argIdx))
		args = append(args, opts.FamilyID)
		argIdx++
	}
	if opts.Action != "" {
		conditions = append(conditions, "action = $"+strconv.Itoa(argIdx))
		args = append(args, opts.Action)
		argIdx++
	}
	if opts.Since != nil {
		conditions = append(conditions, "created_at >= $"+strconv.Itoa(argIdx))
		args = append(args, *opts.Since)
		argIdx++
	}

	if len(conditions) > 0 {
		where = "WHERE " + strings.Join(conditions, " AND ")
	}

	return where, args, argIdx
}

// QueryAudit returns audit entries matching the given filters.
// Returns entries, hasMore flag, and any error.
func (s *AuditStore) QueryAudit(ctx context.Context, opts models.AuditQueryOpts) ([]models.AuditEntry, bool, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	tx, err := s.beginReadTx(ctx)
	if err != nil {
		return nil, false, err
	}
	defer tx.Rollback(ctx) //nolint:errcheck // read-only transaction.

	where, args, argIdx := buildAuditFilter(opts)

	limit := opts.Limit
	if limit <= 0 {
		limit = 50
	}

	query := fmt.Sprintf(
		"SELECT id, family_id, action, target, actor, detail, created_at FROM audit_log %s ORDER BY created_at DESC, id DESC LIMIT $%d OFFSET $%d",
		where, argIdx, argIdx+1,
	)
	args = append(args, limit+1, opts.Offset)

	entries, err := scanAuditRows(ctx, tx, query, args, s.Log)
	if err != nil {
		return nil, false, err
	}

	hasMore := len(entries) > limit
	if hasMore {
		entries = entries[:limit]
	}

	return entries, hasMore, nil
}

// scanAuditRows executes a query and scans audit entries from the result.
func scanAuditRows(ctx context.Context, tx pgx.Tx, query string, args []any, log *logrus.Logger) ([]models.AuditEntry, error) {
	rows, err := tx.Query(ctx, query, args...)
	if err != nil {
		return nil, classify(fmt.Errorf("querying audit log: %w", err))
	}
	defer rows.Close()

	var entries []models.AuditEntry
	for rows.Next() {
		var e models.AuditEntry
		var detailJSON []byte
		var actor *string

		if err := rows.Scan(&e.ID, &e.FamilyID, &e.Action, &e.Target, &actor, &detailJSON, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning audit entry: %w", err)
		}
		if actor != nil {
			e.Actor = *actor
		}
		if detailJSON != nil {
			if err := json.Unmarshal(detailJSON, &e.Detail); err != nil {
				log.WithError(err).Warn("failed to unmarshal audit detail")
			}
		}
		entries = append(entries, e)
	}

	return entries, rows.Err()
}

// purgeBatchSize limits the number of rows deleted per statement to avoid
// holding long locks on audit_log.
const purgeBatchSize = 5000

// PurgeOldEntries deletes audit entries older than retentionDays in batches.
// Returns the number of deleted entries.
func (s *AuditStore) PurgeOldEntries(ctx context.Context, retentionDays int) (int, error) {
	var totalDeleted int

	for {
		batchCtx, cancel := withTimeout(ctx)

		tag, err := s.Pool.Exec(batchCtx,
			`DELETE FROM audit_log WHERE id IN (
				SELECT id FROM audit_log
				WHERE created_at < NOW() - make_interval(days => $1)
				LIMIT $2
			)`,
			retentionDays, purgeBatchSize,
		)
		cancel()

		if err != nil {
			return totalDeleted, classify(fmt.Errorf("purging audit entries: %w", err))
		}

		deleted := int(tag.RowsAffected())
		totalDeleted += deleted

		if deleted < purgeBatchSize {
			break
		}
	}

	return totalDeleted, nil
}
