package service

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/sirupsen/logrus"

	"github.com/persistorai/famgraph/internal/domain"
	"github.com/persistorai/famgraph/internal/metrics"
	"github.com/persistorai/famgraph/internal/models"
)

// ErrPoolStopped is returned by Submit once the pool has shut down.
var ErrPoolStopped = errors.New("worker pool stopped")

// Job is one event routed to a partition. Ack, when set, is called after the
// event was processed, with the error Process returned.
type Job struct {
	Event models.ChangeEvent
	Ack   func(res models.ProcessResult, err error)
}

// WorkerPool processes events on N partitions. Events of one entity always
// land on the same partition and are processed in submission order.
type WorkerPool struct {
	proc   domain.EventProcessor
	log    *logrus.Logger
	queues []chan Job
	labels []string
	// unacked receive events that failed without an Ack to hand them back to.
	unacked []domain.DeadLetterSink

	stopOnce sync.Once
	stopped  chan struct{}
}

// PoolOption configures a WorkerPool.
type PoolOption func(*WorkerPool)

// WithUnackedSinks sets where failed jobs without an Ack go. Sinks are tried
// in order until one accepts the dead letter.
func WithUnackedSinks(sinks ...domain.DeadLetterSink) PoolOption {
	return func(p *WorkerPool) { p.unacked = sinks }
}

// NewWorkerPool creates a pool with the given partition count and per-partition queue capacity.
func NewWorkerPool(proc domain.EventProcessor, log *logrus.Logger, partitions, queueSize int, opts ...PoolOption) *WorkerPool {
	if partitions <= 0 {
		partitions = 8
	}
	if queueSize <= 0 {
		queueSize = 256
	}

	p := &WorkerPool{
		proc:    proc,
		log:     log,
		queues:  make([]chan Job, partitions),
		labels:  make([]string, partitions),
		stopped: make(chan struct{}),
	}

	for i := range p.queues {
		p.queues[i] = make(chan Job, queueSize)
		p.labels[i] = strconv.Itoa(i)
	}

	for _, opt := range opts {
		opt(p)
	}

	return p
}

// Partitions returns the partition count.
func (p *WorkerPool) Partitions() int {
	return len(p.queues)
}

// Partition returns the partition of key among n partitions.
func Partition(key models.NodeKey, n int) int {
	h := xxhash.New()
	_, _ = h.WriteString(string(key.EntityType))
	_, _ = h.WriteString("\x00")
	_, _ = h.WriteString(key.ExternalID)

	return int(h.Sum64() % uint64(n))
}

// Submit queues a job on its partition. It blocks while the partition queue
// is full, until space frees up or ctx is done.
func (p *WorkerPool) Submit(ctx context.Context, job Job) error {
	i := Partition(job.Event.Key(), len(p.queues))

	select {
	case <-p.stopped:
		return ErrPoolStopped
	default:
	}

	select {
	case p.queues[i] <- job:
		metrics.QueueDepth.WithLabelValues(p.labels[i]).Set(float64(len(p.queues[i])))
		return nil
	case <-p.stopped:
		return ErrPoolStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Emit submits events without acknowledgement. It serves as the event emitter
// when no feed transport is configured.
func (p *WorkerPool) Emit(ctx context.Context, events ...models.ChangeEvent) error {
	for i := range events {
		if err := p.Submit(ctx, Job{Event: events[i]}); err != nil {
			return err
		}
	}

	return nil
}

// Run spawns one goroutine per partition and blocks until the context is
// cancelled and every worker has returned. Call in a goroutine.
func (p *WorkerPool) Run(ctx context.Context) {
	var wg sync.WaitGroup

	p.log.WithField("partitions", len(p.queues)).Info("starting sync workers")

	for i := range p.queues {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			p.runPartition(ctx, id)
		}(i)
	}

	wg.Wait()
	p.stopOnce.Do(func() { close(p.stopped) })
	p.log.Info("all sync workers stopped")
}

func (p *WorkerPool) runPartition(ctx context.Context, id int) {
	log := p.log.WithField("partition", id)
	log.Debug("sync worker started")

	q := p.queues[id]

	for {
		select {
		case <-ctx.Done():
			return
		case job := <-q:
			metrics.QueueDepth.WithLabelValues(p.labels[id]).Set(float64(len(q)))

			res, err := p.proc.Process(ctx, job.Event)
			if err != nil && ctx.Err() == nil {
				log.WithError(err).WithField("event_id", job.Event.EventID).Error("processing event")
			}

			switch {
			case job.Ack != nil:
				job.Ack(res, err)
			case err != nil && ctx.Err() == nil:
				p.park(ctx, log, job.Event, res, err)
			}
		}
	}
}

// park hands a failed in-process event to the first unacked sink that takes
// it. With no sink left the event is logged in full so it can be replayed.
func (p *WorkerPool) park(ctx context.Context, log *logrus.Entry, ev models.ChangeEvent, res models.ProcessResult, cause error) {
	dl := models.DeadLetter{
		Event:    ev,
		Reason:   models.DeadLetterUnprocessed,
		Error:    cause.Error(),
		Attempts: res.Attempts,
		At:       time.Now().UTC(),
	}

	log = log.WithFields(logrus.Fields{"event_id": ev.EventID, "entity": ev.Key().String()})

	for i, sink := range p.unacked {
		if err := sink.Put(ctx, dl); err != nil {
			log.WithError(err).WithField("sink", i).Warn("unacked sink refused event")
			continue
		}

		metrics.DeadLetters.WithLabelValues(dl.Reason).Inc()

		return
	}

	payload, _ := json.Marshal(ev)
	log.WithField("event", string(payload)).Error("event dropped")
}
