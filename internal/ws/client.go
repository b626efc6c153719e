package ws

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/sirupsen/logrus"
)

const (
	writeTimeout     = 10 * time.Second
	readLimit        = 4096
	clientSendBuffer = 256
	maxConnLifetime  = 4 * time.Hour
	pingInterval     = 30 * time.Second
	pingTimeout      = 10 * time.Second
	maxMissedPongs   = 2
)

// Client is one websocket subscriber of a family's change stream.
type Client struct {
	hub         *Hub
	conn        *websocket.Conn
	send        chan []byte
	log         *logrus.Entry
	FamilyID    string
	closeOnce   sync.Once
	connectedAt time.Time
}

// NewClient creates a subscriber of familyID on conn.
func NewClient(hub *Hub, conn *websocket.Conn, familyID string) *Client {
	return &Client{
		hub:         hub,
		conn:        conn,
		send:        make(chan []byte, clientSendBuffer),
		log:         hub.log.WithField("family_id", familyID),
		FamilyID:    familyID,
		connectedAt: time.Now(),
	}
}

func (c *Client) closeSend() {
	c.closeOnce.Do(func() { close(c.send) })
}

// enqueue queues msg without blocking. It reports false when the buffer is full.
func (c *Client) enqueue(msg []byte) bool {
	select {
	case c.send <- msg:
		return true
	default:
		return false
	}
}

// ReadPump reads client messages until the connection closes. The only
// message understood is a subscribe request carrying a resume point.
func (c *Client) ReadPump(ctx context.Context) {
	defer func() {
		c.hub.Unregister(c)
		c.conn.CloseNow() //nolint:errcheck // teardown
	}()

	c.conn.SetReadLimit(readLimit)

	for {
		_, data, err := c.conn.Read(ctx)
		if err != nil {
			if status := websocket.CloseStatus(err); status != -1 {
				c.log.WithField("status", status).Debug("subscriber disconnected")
			}
			return
		}

		var msg SubscribeMsg
		if json.Unmarshal(data, &msg) != nil || msg.Type != "subscribe" {
			continue
		}

		c.hub.replay(c, msg.LastEventID)
	}
}

// WritePump delivers queued messages and pings the peer. It closes the
// connection after maxConnLifetime or maxMissedPongs failed pings.
func (c *Client) WritePump(ctx context.Context) {
	defer c.conn.CloseNow() //nolint:errcheck // teardown

	lifetime := time.NewTimer(time.Until(c.connectedAt.Add(maxConnLifetime)))
	defer lifetime.Stop()

	ping := time.NewTicker(pingInterval)
	defer ping.Stop()

	missed := 0

	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-c.send:
			if !ok {
				c.conn.Close(websocket.StatusGoingAway, "closing") //nolint:errcheck // best effort
				return
			}

			wctx, cancel := context.WithTimeout(ctx, writeTimeout)
			err := c.conn.Write(wctx, websocket.MessageText, msg)
			cancel()

			if err != nil {
				c.log.WithError(err).Debug("write failed")
				return
			}
		case <-ping.C:
			pctx, cancel := context.WithTimeout(ctx, pingTimeout)
			err := c.conn.Ping(pctx)
			cancel()

			if err == nil {
				missed = 0
				continue
			}

			missed++
			if missed >= maxMissedPongs {
				c.log.Debug("closing subscriber after missed pongs")
				return
			}
		case <-lifetime.C:
			c.conn.Close(websocket.StatusNormalClosure, "max connection lifetime exceeded") //nolint:errcheck // best effort
			return
		}
	}
}
