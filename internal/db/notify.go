package db

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand/v2"
	"net"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/sirupsen/logrus"

	"github.com/persistorai/famgraph/internal/dbpool"
	"github.com/persistorai/famgraph/internal/models"
)

// validChannel matches safe PostgreSQL LISTEN channel names.
var validChannel = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

const (
	initialBackoff    = 1 * time.Second
	maxBackoff        = 30 * time.Second
	backoffMultiplier = 2
)

// Publisher receives graph changes decoded from notifications.
type Publisher interface {
	Publish(change models.GraphChange)
}

// NotifyBridge subscribes to PostgreSQL LISTEN/NOTIFY on the graph change
// channel and forwards each decoded change to a Publisher. Every replica
// listens, so clients on any replica see changes applied by any other.
type NotifyBridge struct {
	log     *logrus.Logger
	pool    *dbpool.Pool
	channel string
	pub     Publisher
}

// NewNotifyBridge creates a NotifyBridge wired to the given pool and publisher.
func NewNotifyBridge(log *logrus.Logger, pool *dbpool.Pool, channel string, pub Publisher) *NotifyBridge {
	return &NotifyBridge{
		log:     log,
		pool:    pool,
		channel: channel,
		pub:     pub,
	}
}

// Start launches the LISTEN/NOTIFY loop in a background goroutine.
// It verifies the initial connection before returning. The background
// goroutine handles reconnection for subsequent failures.
func (b *NotifyBridge) Start(ctx context.Context) error {
	if !validChannel.MatchString(b.channel) {
		return fmt.Errorf("notify bridge: invalid channel name %q", b.channel)
	}

	if err := b.pool.Ping(ctx); err != nil {
		return fmt.Errorf("notify bridge: database not reachable: %w", err)
	}

	go b.listen(ctx)

	return nil
}

func (b *NotifyBridge) listen(ctx context.Context) {
	backoff := initialBackoff

	for {
		if ctx.Err() != nil {
			return
		}

		err := b.subscribeAndForward(ctx)
		if err == nil || ctx.Err() != nil {
			return
		}

		b.log.WithError(err).WithField("retry_in", backoff).
			Warn("notify bridge connection lost, reconnecting")

		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}

		backoff = nextBackoff(backoff)
	}
}

// subscribeAndForward acquires a connection, issues LISTEN, and blocks on
// notifications until the connection fails or the context is cancelled.
func (b *NotifyBridge) subscribeAndForward(ctx context.Context) error {
	conn, err := b.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquiring connection: %w", err)
	}
	defer conn.Release()

	// LISTEN takes the channel inline, not as a parameter.
	if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{b.channel}.Sanitize()); err != nil {
		return fmt.Errorf("executing LISTEN: %w", err)
	}

	b.log.WithField("channel", b.channel).Info("notify bridge listening")

	for {
		if err := conn.Conn().PgConn().Conn().SetReadDeadline(time.Now().Add(2 * time.Minute)); err != nil {
			return fmt.Errorf("setting read deadline: %w", err)
		}

		notification, err := conn.Conn().WaitForNotification(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}

			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}

			return fmt.Errorf("waiting for notification: %w", err)
		}

		b.handleNotification(notification)
	}
}

// handleNotification decodes one payload and hands it to the publisher.
func (b *NotifyBridge) handleNotification(n *pgconn.Notification) {
	change, ok := decodeChange(n.Payload)
	if !ok {
		b.log.WithField("channel", n.Channel).Warn("dropping malformed graph change notification")
		return
	}

	b.pub.Publish(change)
}

// decodeChange parses a notification payload. Changes without a family are
// dropped because subscribers are always family-scoped.
func decodeChange(payload string) (models.GraphChange, bool) {
	var change models.GraphChange
	if err := json.Unmarshal([]byte(payload), &change); err != nil {
		return change, false
	}

	return change, change.FamilyID != "" && change.Kind != ""
}

// nextBackoff doubles the current backoff duration with random jitter (±25%),
// capped at maxBackoff.
func nextBackoff(current time.Duration) time.Duration {
	next := current * backoffMultiplier
	if next > maxBackoff {
		next = maxBackoff
	}

	jitter := float64(next) * (0.75 + rand.Float64()*0.5) //nolint:gosec // jitter doesn't need crypto rand.

	return time.Duration(jitter)
}
