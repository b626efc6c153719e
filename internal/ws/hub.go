// Package ws fans applied graph changes out to websocket subscribers of a family.
package ws

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/persistorai/famgraph/internal/metrics"
	"github.com/persistorai/famgraph/internal/models"
)

const (
	broadcastBuffer = 256
	registerBuffer  = 64
	drainTimeout    = 3 * time.Second
	pruneInterval   = 10 * time.Minute
	// maxPayload bounds one broadcast message.
	maxPayload = 4096
)

// Limits caps subscriber counts.
type Limits struct {
	MaxClients   int
	MaxPerFamily int
}

// DefaultLimits are used for zero Limits fields.
var DefaultLimits = Limits{MaxClients: 1000, MaxPerFamily: 50}

type broadcast struct {
	familyID string
	msg      []byte
}

type replayReq struct {
	client *Client
	after  uint64
}

// Hub owns the subscriber set. Only the Run goroutine touches the family map.
type Hub struct {
	families   map[string]map[*Client]struct{}
	register   chan *Client
	unregister chan *Client
	broadcast  chan broadcast
	replays    chan replayReq
	shutdown   chan struct{}
	done       chan struct{}
	count      atomic.Int64
	limits     Limits
	log        *logrus.Logger
	seq        *sequence
	buffer     *replayBuffer
}

// NewHub creates a Hub.
func NewHub(log *logrus.Logger, limits Limits) *Hub {
	if limits.MaxClients <= 0 {
		limits.MaxClients = DefaultLimits.MaxClients
	}
	if limits.MaxPerFamily <= 0 {
		limits.MaxPerFamily = DefaultLimits.MaxPerFamily
	}

	return &Hub{
		families:   make(map[string]map[*Client]struct{}),
		register:   make(chan *Client, registerBuffer),
		unregister: make(chan *Client, registerBuffer),
		broadcast:  make(chan broadcast, broadcastBuffer),
		replays:    make(chan replayReq, registerBuffer),
		shutdown:   make(chan struct{}),
		done:       make(chan struct{}),
		limits:     limits,
		log:        log,
		seq:        newSequence(),
		buffer:     newReplayBuffer(defaultBufferMaxLen, defaultBufferMaxAge),
	}
}

// Run is the hub loop. It returns after Shutdown or when ctx is cancelled.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)

	prune := time.NewTicker(pruneInterval)
	defer prune.Stop()

	for {
		select {
		case <-ctx.Done():
			h.drain()
			return
		case <-h.shutdown:
			h.drain()
			return
		case c := <-h.register:
			h.add(c)
		case c := <-h.unregister:
			h.remove(c)
		case b := <-h.broadcast:
			for c := range h.families[b.familyID] {
				if !c.enqueue(b.msg) {
					c.log.Warn("subscriber too slow, disconnecting")
					h.remove(c)
				}
			}
		case r := <-h.replays:
			h.sendReplay(r)
		case <-prune.C:
			h.buffer.prune()
		}
	}
}

func (h *Hub) add(c *Client) {
	total := int(h.count.Load())

	switch {
	case total >= h.limits.MaxClients:
		h.log.Warn("connection limit reached, dropping subscriber")
		c.closeSend()
		return
	case len(h.families[c.FamilyID]) >= h.limits.MaxPerFamily:
		c.log.Warn("per-family connection limit reached, dropping subscriber")
		c.closeSend()
		return
	}

	set, ok := h.families[c.FamilyID]
	if !ok {
		set = make(map[*Client]struct{})
		h.families[c.FamilyID] = set
	}

	set[c] = struct{}{}
	h.setCount(total + 1)
	c.log.WithField("total", total+1).Debug("subscriber registered")
}

func (h *Hub) remove(c *Client) {
	set := h.families[c.FamilyID]
	if _, ok := set[c]; !ok {
		return
	}

	delete(set, c)
	if len(set) == 0 {
		delete(h.families, c.FamilyID)
	}

	c.closeSend()
	h.setCount(int(h.count.Load()) - 1)
}

func (h *Hub) setCount(n int) {
	h.count.Store(int64(n))
	metrics.WSConnections.Set(float64(n))
}

func (h *Hub) sendReplay(r replayReq) {
	if _, ok := h.families[r.client.FamilyID][r.client]; !ok {
		return
	}

	events, ok := h.buffer.since(r.client.FamilyID, r.after)
	if !ok {
		msg, _ := json.Marshal(ResetMsg{Type: "reset", Reason: "requested events are no longer buffered, refetch the subgraph"})
		r.client.enqueue(msg)
		return
	}

	for _, ev := range events {
		msg, err := json.Marshal(ev)
		if err != nil {
			continue
		}

		if !r.client.enqueue(msg) {
			return
		}
	}
}

// Register adds a subscriber.
func (h *Hub) Register(c *Client) {
	select {
	case h.register <- c:
	default:
		h.log.Warn("register queue full, dropping subscriber")
		c.closeSend()
	}
}

// Unregister removes a subscriber.
func (h *Hub) Unregister(c *Client) {
	select {
	case h.unregister <- c:
	case <-h.done:
	}
}

func (h *Hub) replay(c *Client, after uint64) {
	select {
	case h.replays <- replayReq{client: c, after: after}:
	case <-h.done:
	}
}

// ClientCount returns the number of connected subscribers.
func (h *Hub) ClientCount() int {
	return int(h.count.Load())
}

// Publish sequences a graph change, buffers it for replay, and sends it to
// the family's subscribers. Changes to shared-scope nodes have no family
// stream and are dropped.
func (h *Hub) Publish(change models.GraphChange) {
	if change.FamilyID == models.SharedScope {
		return
	}

	data, err := json.Marshal(change)
	if err != nil {
		h.log.WithError(err).Error("encoding graph change")
		return
	}

	ev := Event{
		Type:     string(change.Kind),
		ID:       h.seq.next(change.FamilyID),
		FamilyID: change.FamilyID,
		Data:     data,
		Time:     time.Now(),
	}

	msg, err := json.Marshal(ev)
	if err != nil {
		h.log.WithError(err).Error("encoding event")
		return
	}

	if len(msg) > maxPayload {
		h.log.WithFields(logrus.Fields{"family_id": change.FamilyID, "size": len(msg)}).Warn("dropping oversized change event")
		return
	}

	h.buffer.add(ev)

	select {
	case h.broadcast <- broadcast{familyID: change.FamilyID, msg: msg}:
	default:
		h.log.WithField("family_id", change.FamilyID).Warn("broadcast queue full, dropping change event")
	}
}

// Shutdown sends a shutdown notice to every subscriber, waits briefly for
// queues to flush, and closes them. It blocks until Run has returned.
func (h *Hub) Shutdown() {
	close(h.shutdown)
	<-h.done
}

func (h *Hub) drain() {
	if h.count.Load() == 0 {
		return
	}

	h.log.WithField("subscribers", h.count.Load()).Info("draining websocket subscribers")

	notice := []byte(`{"type":"shutdown","message":"server shutting down"}`)
	for _, set := range h.families {
		for c := range set {
			c.enqueue(notice)
		}
	}

	deadline := time.Now().Add(drainTimeout)
	for time.Now().Before(deadline) && h.pendingWrites() {
		time.Sleep(50 * time.Millisecond)
	}

	for fid, set := range h.families {
		for c := range set {
			c.closeSend()
		}
		delete(h.families, fid)
	}

	h.setCount(0)
}

func (h *Hub) pendingWrites() bool {
	for _, set := range h.families {
		for c := range set {
			if len(c.send) > 0 {
				return true
			}
		}
	}

	return false
}
