package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/persistorai/famgraph/internal/domain"
	"github.com/persistorai/famgraph/internal/models"
)

// maxFinishedJobs bounds how many finished jobs stay queryable.
const maxFinishedJobs = 500

// ReconcileJobs runs scan-and-repair jobs in the background. At most one job
// per family is active; starting another returns the active one.
type ReconcileJobs struct {
	recon domain.ReconcileService
	log   *logrus.Logger
	base  context.Context
	now   func() time.Time

	mu       sync.Mutex
	jobs     map[string]*models.ReconcileJob
	done     map[string]chan struct{}
	active   map[string]string
	finished []string
	wg       sync.WaitGroup
}

// NewReconcileJobs creates a job registry. Jobs run under base, so cancelling
// it stops every running job.
func NewReconcileJobs(base context.Context, recon domain.ReconcileService, log *logrus.Logger) *ReconcileJobs {
	return &ReconcileJobs{
		recon:  recon,
		log:    log,
		base:   base,
		now:    time.Now,
		jobs:   make(map[string]*models.ReconcileJob),
		done:   make(map[string]chan struct{}),
		active: make(map[string]string),
	}
}

// Start queues a reconcile of familyID. created is false when an active job
// for the family was reused.
func (j *ReconcileJobs) Start(familyID, trigger string) (job models.ReconcileJob, created bool, err error) {
	if familyID == "" {
		return models.ReconcileJob{}, false, models.ErrMissingFamily
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	if id, ok := j.active[familyID]; ok {
		return snapshot(j.jobs[id]), false, nil
	}

	if err := j.base.Err(); err != nil {
		return models.ReconcileJob{}, false, fmt.Errorf("reconcile jobs stopped: %w", err)
	}

	rj := &models.ReconcileJob{
		ID:        uuid.NewString(),
		FamilyID:  familyID,
		State:     models.JobQueued,
		Trigger:   trigger,
		CreatedAt: j.now().UTC(),
	}

	j.jobs[rj.ID] = rj
	j.done[rj.ID] = make(chan struct{})
	j.active[familyID] = rj.ID

	j.wg.Add(1)
	go j.run(rj.ID)

	return snapshot(rj), true, nil
}

// Get returns a copy of the job.
func (j *ReconcileJobs) Get(id string) (models.ReconcileJob, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	rj, ok := j.jobs[id]
	if !ok {
		return models.ReconcileJob{}, models.ErrJobNotFound
	}

	return snapshot(rj), nil
}

// Wait blocks until the job finishes or ctx is done, and returns its latest state.
func (j *ReconcileJobs) Wait(ctx context.Context, id string) (models.ReconcileJob, error) {
	j.mu.Lock()
	done, ok := j.done[id]
	j.mu.Unlock()

	if !ok {
		return models.ReconcileJob{}, models.ErrJobNotFound
	}

	select {
	case <-done:
	case <-ctx.Done():
		return models.ReconcileJob{}, ctx.Err()
	}

	return j.Get(id)
}

// Shutdown waits for running jobs to return.
func (j *ReconcileJobs) Shutdown() {
	j.wg.Wait()
}

func (j *ReconcileJobs) run(id string) {
	defer j.wg.Done()

	j.mu.Lock()
	rj := j.jobs[id]
	familyID := rj.FamilyID
	started := j.now().UTC()
	rj.State = models.JobRunning
	rj.StartedAt = &started
	j.mu.Unlock()

	log := j.log.WithFields(logrus.Fields{"job_id": id, "family_id": familyID})
	log.Info("reconcile job started")

	report, result, err := j.reconcile(familyID)

	j.mu.Lock()
	defer j.mu.Unlock()

	finished := j.now().UTC()
	rj.FinishedAt = &finished
	rj.Report = report
	rj.Result = result

	if err != nil {
		rj.State = models.JobFailed
		rj.Error = err.Error()
		log.WithError(err).Error("reconcile job failed")
	} else {
		rj.State = models.JobSucceeded
		log.WithField("duration", finished.Sub(started)).Info("reconcile job finished")
	}

	delete(j.active, familyID)
	close(j.done[id])
	j.remember(id)
}

func (j *ReconcileJobs) reconcile(familyID string) (*models.ReconciliationReport, *models.RepairResult, error) {
	report, err := j.recon.Scan(j.base, familyID)
	if err != nil {
		return nil, nil, fmt.Errorf("scan: %w", err)
	}

	result, err := j.recon.Repair(j.base, report)
	if err != nil {
		return report, result, fmt.Errorf("repair: %w", err)
	}

	return report, result, nil
}

// remember records a finished job and evicts the oldest beyond the cap.
// Callers hold mu.
func (j *ReconcileJobs) remember(id string) {
	j.finished = append(j.finished, id)

	for len(j.finished) > maxFinishedJobs {
		old := j.finished[0]
		j.finished = j.finished[1:]
		delete(j.jobs, old)
		delete(j.done, old)
	}
}

func snapshot(rj *models.ReconcileJob) models.ReconcileJob {
	out := *rj

	if rj.StartedAt != nil {
		t := *rj.StartedAt
		out.StartedAt = &t
	}

	if rj.FinishedAt != nil {
		t := *rj.FinishedAt
		out.FinishedAt = &t
	}

	return out
}
