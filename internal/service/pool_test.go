package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/persistorai/famgraph/internal/models"
)

// orderRecorder records the versions it sees per entity.
type orderRecorder struct {
	mu    sync.Mutex
	seen  map[models.NodeKey][]int64
	total int
	block chan struct{}
}

func (o *orderRecorder) Process(_ context.Context, ev models.ChangeEvent) (models.ProcessResult, error) {
	if o.block != nil {
		<-o.block
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	o.seen[ev.Key()] = append(o.seen[ev.Key()], ev.Version)
	o.total++

	return models.ProcessResult{EventID: ev.EventID, Key: ev.Key()}, nil
}

func (o *orderRecorder) count() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.total
}

func TestPartition_IsStable(t *testing.T) {
	t.Parallel()

	key := models.NodeKey{EntityType: models.EntityPerson, ExternalID: "p1"}
	first := Partition(key, 16)

	for range 10 {
		if got := Partition(key, 16); got != first {
			t.Fatalf("partition changed: %d != %d", got, first)
		}
	}

	if first < 0 || first >= 16 {
		t.Fatalf("partition %d out of range", first)
	}

	// Type and id are separated, so these keys differ.
	a := Partition(models.NodeKey{EntityType: "Task", ExternalID: "1"}, 1<<20)
	b := Partition(models.NodeKey{EntityType: "Task1", ExternalID: ""}, 1<<20)
	if a == b {
		t.Error("distinct keys collided")
	}
}

func TestWorkerPool_PreservesPerEntityOrder(t *testing.T) {
	t.Parallel()

	rec := &orderRecorder{seen: map[models.NodeKey][]int64{}}
	pool := NewWorkerPool(rec, quietLogger(), 4, 8)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go pool.Run(ctx)

	const entities, versions = 10, 20

	for v := int64(1); v <= versions; v++ {
		for e := range entities {
			ev := models.ChangeEvent{
				EventID:    fmt.Sprintf("e%d-v%d", e, v),
				EntityType: models.EntityTask,
				ExternalID: fmt.Sprintf("t%d", e),
				Version:    v,
			}
			if err := pool.Submit(ctx, Job{Event: ev}); err != nil {
				t.Fatalf("Submit: %v", err)
			}
		}
	}

	deadline := time.Now().Add(5 * time.Second)
	for rec.count() < entities*versions {
		if time.Now().After(deadline) {
			t.Fatalf("processed %d of %d", rec.count(), entities*versions)
		}
		time.Sleep(5 * time.Millisecond)
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()

	for key, seen := range rec.seen {
		for i := 1; i < len(seen); i++ {
			if seen[i] < seen[i-1] {
				t.Fatalf("%s processed out of order: %v", key, seen)
			}
		}
	}
}

func TestWorkerPool_SubmitBlocksWhenFull(t *testing.T) {
	t.Parallel()

	rec := &orderRecorder{seen: map[models.NodeKey][]int64{}, block: make(chan struct{})}
	pool := NewWorkerPool(rec, quietLogger(), 1, 1)

	runCtx, stop := context.WithCancel(context.Background())
	defer stop()

	go pool.Run(runCtx)

	ev := models.ChangeEvent{EventID: "a", EntityType: models.EntityTask, ExternalID: "t1", Version: 1}

	// One event is held by the worker and one fills the queue.
	if err := pool.Submit(context.Background(), Job{Event: ev}); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for len(pool.queues[0]) != 0 {
		if time.Now().After(deadline) {
			t.Fatal("worker never picked up the first event")
		}
		time.Sleep(time.Millisecond)
	}

	if err := pool.Submit(context.Background(), Job{Event: ev}); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	err := pool.Submit(ctx, Job{Event: ev})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want DeadlineExceeded", err)
	}

	close(rec.block)
}

func TestWorkerPool_AcksAfterProcessing(t *testing.T) {
	t.Parallel()

	rec := &orderRecorder{seen: map[models.NodeKey][]int64{}}
	pool := NewWorkerPool(rec, quietLogger(), 2, 4)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go pool.Run(ctx)

	acked := make(chan string, 1)
	ev := models.ChangeEvent{EventID: "ack-me", EntityType: models.EntityPerson, ExternalID: "p1", Version: 1}

	err := pool.Submit(ctx, Job{Event: ev, Ack: func(res models.ProcessResult, err error) {
		if err == nil {
			acked <- res.EventID
		}
	}})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	select {
	case id := <-acked:
		if id != "ack-me" {
			t.Errorf("acked %q", id)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("job was never acknowledged")
	}
}

func TestWorkerPool_SubmitAfterStop(t *testing.T) {
	t.Parallel()

	pool := NewWorkerPool(&orderRecorder{seen: map[models.NodeKey][]int64{}}, quietLogger(), 1, 1)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	go func() {
		pool.Run(ctx)
		close(done)
	}()

	cancel()
	<-done

	err := pool.Emit(context.Background(), models.ChangeEvent{EntityType: models.EntityTask, ExternalID: "t1"})
	if !errors.Is(err, ErrPoolStopped) {
		t.Fatalf("err = %v, want ErrPoolStopped", err)
	}
}

// failingProcessor fails every event, like an engine whose store and archive
// are both down.
type failingProcessor struct{}

func (failingProcessor) Process(_ context.Context, ev models.ChangeEvent) (models.ProcessResult, error) {
	return models.ProcessResult{EventID: ev.EventID, Key: ev.Key(), Attempts: 3}, errors.New("archiving dead letter: bucket unreachable")
}

func waitForLetters(t *testing.T, sink *mockDeadLetters, n int) []models.DeadLetter {
	t.Helper()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if got := sink.get(); len(got) >= n {
			return got
		}
		time.Sleep(5 * time.Millisecond)
	}

	t.Fatalf("expected %d dead letters, got %d", n, len(sink.get()))

	return nil
}

func TestWorkerPool_FailedEmitIsDeadLettered(t *testing.T) {
	t.Parallel()

	sink := &mockDeadLetters{}
	pool := NewWorkerPool(failingProcessor{}, quietLogger(), 2, 4, WithUnackedSinks(sink))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go pool.Run(ctx)

	ev := models.ChangeEvent{EventID: "resync-1", EntityType: models.EntityPerson, ExternalID: "p1", FamilyID: "F1", Version: 7}
	if err := pool.Emit(ctx, ev); err != nil {
		t.Fatalf("Emit: %v", err)
	}

	letters := waitForLetters(t, sink, 1)

	dl := letters[0]
	if dl.Event.EventID != "resync-1" || dl.Reason != models.DeadLetterUnprocessed || dl.Attempts != 3 {
		t.Errorf("dead letter = %+v", dl)
	}
}

func TestWorkerPool_UnackedSinksFallThrough(t *testing.T) {
	t.Parallel()

	broken := &mockDeadLetters{err: errors.New("s3 down")}
	fallback := &mockDeadLetters{}
	pool := NewWorkerPool(failingProcessor{}, quietLogger(), 1, 4, WithUnackedSinks(broken, fallback))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go pool.Run(ctx)

	ev := models.ChangeEvent{EventID: "resync-2", EntityType: models.EntityTask, ExternalID: "t1", FamilyID: "F1", Version: 2}
	if err := pool.Emit(ctx, ev); err != nil {
		t.Fatalf("Emit: %v", err)
	}

	if got := waitForLetters(t, fallback, 1); got[0].Event.EventID != "resync-2" {
		t.Errorf("fallback got %+v", got[0])
	}
}

func TestWorkerPool_AckedFailuresAreNotDeadLettered(t *testing.T) {
	t.Parallel()

	sink := &mockDeadLetters{}
	pool := NewWorkerPool(failingProcessor{}, quietLogger(), 1, 4, WithUnackedSinks(sink))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go pool.Run(ctx)

	acked := make(chan error, 1)
	ev := models.ChangeEvent{EventID: "feed-1", EntityType: models.EntityPerson, ExternalID: "p2", FamilyID: "F1", Version: 1}

	if err := pool.Submit(ctx, Job{Event: ev, Ack: func(_ models.ProcessResult, err error) { acked <- err }}); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	select {
	case err := <-acked:
		if err == nil {
			t.Error("expected the processing error in the ack")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("job was never acknowledged")
	}

	if n := len(sink.get()); n != 0 {
		t.Errorf("acked job was also dead-lettered %d times", n)
	}
}
