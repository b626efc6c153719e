package client

import (
	"context"
	"net/url"
	"time"
)

// JobService reads reconcile jobs.
type JobService struct {
	c *Client
}

// Get returns a reconcile job by ID.
func (s *JobService) Get(ctx context.Context, jobID string) (*ReconcileJob, error) {
	var job ReconcileJob
	if err := s.c.get(ctx, "/api/v1/reconcile/jobs/"+url.PathEscape(jobID), nil, &job); err != nil {
		return nil, err
	}
	return &job, nil
}

// Wait polls a job every interval until it finishes or ctx is done. When ctx
// ends first, the last job state seen is returned with ctx.Err().
func (s *JobService) Wait(ctx context.Context, jobID string, interval time.Duration) (*ReconcileJob, error) {
	if interval <= 0 {
		interval = time.Second
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var last *ReconcileJob

	for {
		job, err := s.Get(ctx, jobID)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return last, ctxErr
			}
			return last, err
		}
		if job.Done() {
			return job, nil
		}
		last = job

		select {
		case <-ctx.Done():
			return last, ctx.Err()
		case <-ticker.C:
		}
	}
}
