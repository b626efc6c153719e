// Package feed carries change events over a Redis stream. Entries are read
// with a consumer group and acknowledged only after the sync engine is done
// with them, so unacknowledged entries are redelivered.
package feed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sethvargo/go-retry"
	"github.com/sirupsen/logrus"

	"github.com/persistorai/famgraph/internal/domain"
	"github.com/persistorai/famgraph/internal/metrics"
	"github.com/persistorai/famgraph/internal/models"
	"github.com/persistorai/famgraph/internal/service"
)

// eventField is the stream entry field holding the JSON ChangeEvent.
const eventField = "event"

// Config tunes the stream consumer.
type Config struct {
	Stream   string
	Group    string
	Consumer string
	// Batch is the max entries per read.
	Batch int64
	// Block is how long a read waits for new entries.
	Block time.Duration
	// ClaimIdle is how long an entry stays pending before it is reclaimed.
	ClaimIdle     time.Duration
	ClaimInterval time.Duration
	// MaxLen caps the stream length on append. Zero keeps everything.
	MaxLen int64
}

func (c Config) withDefaults() Config {
	if c.Stream == "" {
		c.Stream = "famgraph:changes"
	}
	if c.Group == "" {
		c.Group = "famgraph-sync"
	}
	if c.Consumer == "" {
		c.Consumer = "famgraph-1"
	}
	if c.Batch <= 0 {
		c.Batch = 64
	}
	if c.Block <= 0 {
		c.Block = 2 * time.Second
	}
	if c.ClaimIdle <= 0 {
		c.ClaimIdle = time.Minute
	}
	if c.ClaimInterval <= 0 {
		c.ClaimInterval = 30 * time.Second
	}
	return c
}

// Submitter routes jobs to the worker pool.
type Submitter interface {
	Submit(ctx context.Context, job service.Job) error
}

// Stream produces and consumes change events on one Redis stream.
type Stream struct {
	client redis.UniversalClient
	cfg    Config
	dead   domain.DeadLetterSink
	log    *logrus.Logger
}

// NewStream creates a Stream. dead receives entries that cannot be decoded.
func NewStream(client redis.UniversalClient, cfg Config, dead domain.DeadLetterSink, log *logrus.Logger) *Stream {
	return &Stream{client: client, cfg: cfg.withDefaults(), dead: dead, log: log}
}

// Connect parses a redis:// URL and pings the server.
func Connect(ctx context.Context, redisURL string) (*redis.Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parsing redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connecting to redis: %w", err)
	}

	return client, nil
}

// Emit appends events to the stream in one pipeline.
func (s *Stream) Emit(ctx context.Context, events ...models.ChangeEvent) error {
	if len(events) == 0 {
		return nil
	}

	pipe := s.client.Pipeline()

	for i := range events {
		ev := events[i]
		if ev.EmittedAt.IsZero() {
			ev.EmittedAt = time.Now().UTC()
		}

		data, err := json.Marshal(ev)
		if err != nil {
			return fmt.Errorf("encoding event %s: %w", ev.EventID, err)
		}

		args := &redis.XAddArgs{Stream: s.cfg.Stream, Values: map[string]any{eventField: data}}
		if s.cfg.MaxLen > 0 {
			args.MaxLen = s.cfg.MaxLen
			args.Approx = true
		}

		pipe.XAdd(ctx, args)
	}

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("%w: appending to %s: %v", models.ErrStoreUnavailable, s.cfg.Stream, err)
	}

	return nil
}

// EnsureGroup creates the consumer group, and the stream, if missing.
func (s *Stream) EnsureGroup(ctx context.Context) error {
	err := s.client.XGroupCreateMkStream(ctx, s.cfg.Stream, s.cfg.Group, "0").Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("creating consumer group %s: %w", s.cfg.Group, err)
	}

	return nil
}

// Consume reads entries and submits them until ctx is cancelled. Pending
// entries idle longer than ClaimIdle are reclaimed every ClaimInterval.
func (s *Stream) Consume(ctx context.Context, sub Submitter) error {
	if err := s.EnsureGroup(ctx); err != nil {
		return err
	}

	log := s.log.WithFields(logrus.Fields{"stream": s.cfg.Stream, "group": s.cfg.Group, "consumer": s.cfg.Consumer})
	log.Info("change feed consumer started")

	nextClaim := time.Now()
	failures := 0
	pause := readBackoff()

	for {
		if ctx.Err() != nil {
			log.Info("change feed consumer stopped")
			return nil
		}

		if !time.Now().Before(nextClaim) {
			if _, err := s.Reclaim(ctx, sub); err != nil && ctx.Err() == nil {
				log.WithError(err).Warn("reclaiming pending entries")
			}
			nextClaim = time.Now().Add(s.cfg.ClaimInterval)
		}

		streams, err := s.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    s.cfg.Group,
			Consumer: s.cfg.Consumer,
			Streams:  []string{s.cfg.Stream, ">"},
			Count:    s.cfg.Batch,
			Block:    s.cfg.Block,
		}).Result()

		switch {
		case errors.Is(err, redis.Nil):
			failures, pause = 0, readBackoff()
			continue
		case err != nil:
			if ctx.Err() != nil {
				continue
			}

			failures++
			log.WithError(err).WithField("failures", failures).Warn("reading change feed")

			d, _ := pause.Next()
			sleep(ctx, d)

			continue
		}

		failures, pause = 0, readBackoff()

		for _, st := range streams {
			for _, msg := range st.Messages {
				if err := s.dispatch(ctx, msg, false, sub); err != nil {
					if ctx.Err() == nil {
						log.WithError(err).WithField("entry", msg.ID).Warn("entry left pending")
					}
					break
				}
			}
		}
	}
}

// Reclaim takes over entries pending longer than ClaimIdle and resubmits
// them. It returns the number of reclaimed entries.
func (s *Stream) Reclaim(ctx context.Context, sub Submitter) (int, error) {
	start := "0-0"
	total := 0

	for {
		msgs, next, err := s.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
			Stream:   s.cfg.Stream,
			Group:    s.cfg.Group,
			Consumer: s.cfg.Consumer,
			MinIdle:  s.cfg.ClaimIdle,
			Start:    start,
			Count:    s.cfg.Batch,
		}).Result()
		if err != nil {
			return total, fmt.Errorf("claiming pending entries: %w", err)
		}

		for _, msg := range msgs {
			if err := s.dispatch(ctx, msg, true, sub); err != nil {
				return total, err
			}
			total++
		}

		if next == "0-0" || next == "" || len(msgs) == 0 {
			break
		}

		start = next
	}

	if total > 0 {
		s.log.WithField("entries", total).Info("reclaimed pending change feed entries")
	}

	return total, nil
}

// dispatch decodes one entry and submits it. Undecodable entries are
// dead-lettered and acknowledged here.
func (s *Stream) dispatch(ctx context.Context, msg redis.XMessage, redelivered bool, sub Submitter) error {
	kind := "delivered"
	if redelivered {
		kind = "redelivered"
	}
	metrics.FeedEntries.WithLabelValues(kind).Inc()

	ev, err := decode(msg)
	if err != nil {
		return s.deadLetterRaw(ctx, msg, err)
	}

	if redelivered {
		ev.DeliveryAttempt++
	}

	return sub.Submit(ctx, service.Job{Event: ev, Ack: s.acker(msg.ID, ev)})
}

// acker returns the callback that acknowledges an entry once processing
// succeeded. Failed entries stay pending for redelivery.
func (s *Stream) acker(id string, ev models.ChangeEvent) func(models.ProcessResult, error) {
	return func(_ models.ProcessResult, err error) {
		if err != nil {
			s.log.WithError(err).WithFields(logrus.Fields{"entry": id, "event_id": ev.EventID}).
				Debug("not acknowledging entry")
			return
		}

		if err := s.ack(id); err != nil {
			s.log.WithError(err).WithField("entry", id).Warn("acknowledging entry")
		}
	}
}

func (s *Stream) ack(id string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.client.XAck(ctx, s.cfg.Stream, s.cfg.Group, id).Err(); err != nil {
		return err
	}

	metrics.FeedEntries.WithLabelValues("acked").Inc()

	return nil
}

func (s *Stream) deadLetterRaw(ctx context.Context, msg redis.XMessage, cause error) error {
	metrics.FeedEntries.WithLabelValues("undecodable").Inc()

	raw, _ := json.Marshal(msg.Values)

	dl := models.DeadLetter{
		Event:    models.ChangeEvent{EventID: msg.ID, Payload: raw},
		Reason:   models.DeadLetterMalformed,
		Error:    cause.Error(),
		Attempts: 1,
		At:       time.Now().UTC(),
	}

	if err := s.dead.Put(ctx, dl); err != nil {
		return fmt.Errorf("dead-lettering entry %s: %w", msg.ID, err)
	}

	return s.ack(msg.ID)
}

func decode(msg redis.XMessage) (models.ChangeEvent, error) {
	var ev models.ChangeEvent

	raw, ok := msg.Values[eventField]
	if !ok {
		return ev, fmt.Errorf("%w: entry has no %q field", models.ErrInvalidEvent, eventField)
	}

	var data []byte
	switch v := raw.(type) {
	case string:
		data = []byte(v)
	case []byte:
		data = v
	default:
		return ev, fmt.Errorf("%w: %q field has type %T", models.ErrInvalidEvent, eventField, raw)
	}

	if err := json.Unmarshal(data, &ev); err != nil {
		return ev, fmt.Errorf("%w: %v", models.ErrInvalidEvent, err)
	}

	if ev.DeliveryAttempt == 0 {
		ev.DeliveryAttempt = 1
	}

	return ev, nil
}

// readBackoff paces reads after Redis errors: 200ms, doubling, capped at 5s.
func readBackoff() retry.Backoff {
	return retry.WithCappedDuration(5*time.Second, retry.NewExponential(200*time.Millisecond))
}

func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
