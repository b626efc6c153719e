package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/coder/websocket"
)

const (
	subscriptionBuffer = 64
	streamReadLimit    = 1 << 20
)

// ChangeService subscribes to a family's live change stream.
type ChangeService struct {
	c *Client
}

// Subscription delivers change stream events until closed.
type Subscription struct {
	conn   *websocket.Conn
	events chan StreamEvent
	cancel context.CancelFunc

	mu  sync.Mutex
	err error
}

// Subscribe opens the change stream of familyID. A non-zero lastEventID
// resumes after that event; the server answers with a "reset" event when it
// no longer buffers that far back.
func (s *ChangeService) Subscribe(ctx context.Context, familyID string, lastEventID uint64) (*Subscription, error) {
	opts := &websocket.DialOptions{}
	if s.c.token != "" {
		opts.HTTPHeader = http.Header{"Authorization": []string{"Bearer " + s.c.token}}
	}

	conn, resp, err := websocket.Dial(ctx, s.c.baseURL+familyPath(familyID, "/changes"), opts)
	if err != nil {
		if resp != nil && resp.StatusCode >= 400 {
			return nil, &APIError{StatusCode: resp.StatusCode, Code: "handshake_failed", Message: err.Error()}
		}
		return nil, fmt.Errorf("dial change stream: %w", err)
	}
	conn.SetReadLimit(streamReadLimit)

	if lastEventID > 0 {
		msg, _ := json.Marshal(map[string]any{"type": "subscribe", "last_event_id": lastEventID})
		if err := conn.Write(ctx, websocket.MessageText, msg); err != nil {
			conn.CloseNow() //nolint:errcheck // teardown
			return nil, fmt.Errorf("send resume point: %w", err)
		}
	}

	readCtx, cancel := context.WithCancel(context.Background())
	sub := &Subscription{
		conn:   conn,
		events: make(chan StreamEvent, subscriptionBuffer),
		cancel: cancel,
	}

	go sub.readLoop(readCtx)

	return sub, nil
}

// Events returns the event channel. It is closed when the stream ends.
func (s *Subscription) Events() <-chan StreamEvent {
	return s.events
}

// Err returns why the stream ended, or nil after a normal close.
func (s *Subscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close ends the subscription.
func (s *Subscription) Close() error {
	s.cancel()
	return s.conn.Close(websocket.StatusNormalClosure, "")
}

func (s *Subscription) readLoop(ctx context.Context) {
	defer close(s.events)

	for {
		_, data, err := s.conn.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) != websocket.StatusNormalClosure && !errors.Is(err, context.Canceled) {
				s.mu.Lock()
				s.err = err
				s.mu.Unlock()
			}
			return
		}

		var ev StreamEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			continue
		}

		select {
		case s.events <- ev:
		case <-ctx.Done():
			return
		}
	}
}
