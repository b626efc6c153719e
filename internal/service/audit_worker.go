package service

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/persistorai/famgraph/internal/domain"
	"github.com/persistorai/famgraph/internal/models"
)

// AuditWorker buffers audit entries and writes them via a single worker goroutine.
type AuditWorker struct {
	store   domain.AuditStore
	log     *logrus.Logger
	entries chan *models.AuditEntry
}

// NewAuditWorker creates an AuditWorker with the given queue capacity.
func NewAuditWorker(store domain.AuditStore, log *logrus.Logger, queueSize int) *AuditWorker {
	if queueSize <= 0 {
		queueSize = 1000
	}

	return &AuditWorker{
		store:   store,
		log:     log,
		entries: make(chan *models.AuditEntry, queueSize),
	}
}

// Enqueue adds an audit entry. Non-blocking; drops the entry if the queue is full.
func (w *AuditWorker) Enqueue(entry *models.AuditEntry) {
	select {
	case w.entries <- entry:
	default:
		w.log.WithFields(logrus.Fields{
			"action":    entry.Action,
			"family_id": entry.FamilyID,
		}).Warn("audit queue full, dropping entry")
	}
}

// Run records entries until the context is cancelled, then drains what is left.
func (w *AuditWorker) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			w.drain()
			return
		case entry := <-w.entries:
			w.process(entry)
		}
	}
}

func (w *AuditWorker) drain() {
	for {
		select {
		case entry := <-w.entries:
			w.process(entry)
		default:
			return
		}
	}
}

func (w *AuditWorker) process(entry *models.AuditEntry) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := w.store.RecordAudit(ctx, entry); err != nil {
		w.log.WithError(err).WithField("action", entry.Action).Warn("audit record failed")
	}
}
