package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/persistorai/famgraph/internal/models"
)

// RecordAudit inserts an audit log entry.
func (s *Store) RecordAudit(ctx context.Context, entry *models.AuditEntry) error {
	var detail sql.NullString

	if entry.Detail != nil {
		data, err := json.Marshal(entry.Detail)
		if err != nil {
			return fmt.Errorf("marshaling audit detail: %w", err)
		}

		detail = sql.NullString{String: string(data), Valid: true}
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_log (family_id, action, target, actor, detail, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		entry.FamilyID, entry.Action, entry.Target, entry.Actor, detail, s.stamp())
	if err != nil {
		return classify(fmt.Errorf("inserting audit entry: %w", err))
	}

	return nil
}

// QueryAudit returns audit entries matching opts, newest first, and whether
// more entries exist past the page.
func (s *Store) QueryAudit(ctx context.Context, opts models.AuditQueryOpts) ([]models.AuditEntry, bool, error) {
	var (
		conds []string
		args  []any
	)

	if opts.FamilyID != "" {
		conds = append(conds, "family_id = ?")
		args = append(args, opts.FamilyID)
	}

	if opts.Action != "" {
		conds = append(conds, "action = ?")
		args = append(args, opts.Action)
	}

	if opts.Since != nil {
		conds = append(conds, "created_at >= ?")
		args = append(args, opts.Since.UnixNano())
	}

	where := ""
	if len(conds) > 0 {
		where = "WHERE " + strings.Join(conds, " AND ")
	}

	limit := opts.Limit
	if limit <= 0 {
		limit = 50
	}

	args = append(args, limit+1, opts.Offset)

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, family_id, action, target, actor, detail, created_at FROM audit_log `+where+
			` ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?`, args...)
	if err != nil {
		return nil, false, classify(fmt.Errorf("querying audit log: %w", err))
	}
	defer rows.Close()

	var entries []models.AuditEntry

	for rows.Next() {
		var (
			e       models.AuditEntry
			detail  sql.NullString
			created int64
		)

		if err := rows.Scan(&e.ID, &e.FamilyID, &e.Action, &e.Target, &e.Actor, &detail, &created); err != nil {
			return nil, false, fmt.Errorf("scanning audit entry: %w", err)
		}

		if detail.Valid {
			if err := json.Unmarshal([]byte(detail.String), &e.Detail); err != nil {
				s.log.WithError(err).Warn("failed to unmarshal audit detail")
			}
		}

		e.CreatedAt = time.Unix(0, created).UTC()
		entries = append(entries, e)
	}

	if err := rows.Err(); err != nil {
		return nil, false, classify(err)
	}

	hasMore := len(entries) > limit
	if hasMore {
		entries = entries[:limit]
	}

	return entries, hasMore, nil
}

// PurgeOldEntries deletes audit entries older than retentionDays.
func (s *Store) PurgeOldEntries(ctx context.Context, retentionDays int) (int, error) {
	cutoff := s.now().AddDate(0, 0, -retentionDays).UnixNano()

	res, err := s.db.ExecContext(ctx, `DELETE FROM audit_log WHERE created_at < ?`, cutoff)
	if err != nil {
		return 0, classify(fmt.Errorf("purging audit entries: %w", err))
	}

	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("reading rows affected: %w", err)
	}

	return int(n), nil
}
