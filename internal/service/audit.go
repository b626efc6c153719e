package service

import (
	"context"

	"github.com/sirupsen/logrus"

	"github.com/persistorai/famgraph/internal/domain"
	"github.com/persistorai/famgraph/internal/models"
)

// maxAuditLimit caps a single audit page.
const maxAuditLimit = 500

// AuditService queries and purges the audit log.
type AuditService struct {
	store domain.AuditStore
	log   *logrus.Logger
}

// NewAuditService creates an AuditService.
func NewAuditService(store domain.AuditStore, log *logrus.Logger) *AuditService {
	return &AuditService{store: store, log: log}
}

// QueryAudit returns audit entries matching opts, newest first.
func (s *AuditService) QueryAudit(ctx context.Context, opts models.AuditQueryOpts) ([]models.AuditEntry, bool, error) {
	if opts.Limit <= 0 {
		opts.Limit = 50
	}

	opts.Limit = min(opts.Limit, maxAuditLimit)

	return s.store.QueryAudit(ctx, opts)
}

// PurgeOldEntries deletes audit entries older than retentionDays and logs the result.
func (s *AuditService) PurgeOldEntries(ctx context.Context, retentionDays int) (int, error) {
	deleted, err := s.store.PurgeOldEntries(ctx, retentionDays)
	if err != nil {
		return 0, err
	}

	s.log.WithFields(logrus.Fields{
		"retention_days": retentionDays,
		"deleted":        deleted,
	}).Info("audit.purge")

	return deleted, nil
}
