package scheduler

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/persistorai/famgraph/internal/models"
)

// Task names.
const (
	TaskReconcile  = "reconcile"
	TaskAuditPurge = "audit_purge"
)

// FamilyLister lists the families present in the graph.
type FamilyLister interface {
	ListFamilies(ctx context.Context) ([]string, error)
}

// JobStarter starts a reconcile job for a family, reusing an active one.
type JobStarter interface {
	Start(familyID, trigger string) (models.ReconcileJob, bool, error)
}

// AuditPurger deletes audit entries past retention.
type AuditPurger interface {
	PurgeOldEntries(ctx context.Context, retentionDays int) (int, error)
}

// ReconcileAll starts a reconcile job for every family. Families with a job
// already running are skipped.
func ReconcileAll(families FamilyLister, jobs JobStarter, log *logrus.Logger) TaskFunc {
	return func(ctx context.Context) error {
		ids, err := families.ListFamilies(ctx)
		if err != nil {
			return fmt.Errorf("listing families: %w", err)
		}

		started := 0

		var errs []error

		for _, fid := range ids {
			if ctx.Err() != nil {
				return ctx.Err()
			}

			job, created, err := jobs.Start(fid, "cron")
			if err != nil {
				errs = append(errs, fmt.Errorf("family %s: %w", fid, err))
				continue
			}

			if created {
				started++
				log.WithFields(logrus.Fields{"family_id": fid, "job_id": job.ID}).Debug("scheduled reconcile")
			}
		}

		log.WithFields(logrus.Fields{"families": len(ids), "started": started}).Info("scheduled reconcile pass")

		return errors.Join(errs...)
	}
}

// PurgeAudit removes audit entries older than retentionDays.
func PurgeAudit(purger AuditPurger, retentionDays int) TaskFunc {
	return func(ctx context.Context) error {
		if retentionDays <= 0 {
			return nil
		}

		if _, err := purger.PurgeOldEntries(ctx, retentionDays); err != nil {
			return fmt.Errorf("purging audit log: %w", err)
		}

		return nil
	}
}
