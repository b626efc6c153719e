package api

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/coder/websocket"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/persistorai/famgraph/internal/middleware"
	"github.com/persistorai/famgraph/internal/models"
	"github.com/persistorai/famgraph/internal/ws"
)

// changesHandler upgrades GET /families/:familyId/changes to a websocket
// subscribed to the family's change stream.
func changesHandler(appCtx context.Context, log *logrus.Logger, hub *ws.Hub, corsOrigins []string) gin.HandlerFunc {
	return func(c *gin.Context) {
		familyID, ok := familyParam(c)
		if !ok {
			return
		}

		if hub == nil {
			respondError(c, http.StatusServiceUnavailable, ErrCodeStoreUnavailable, "change stream disabled")
			return
		}

		// CORS origins double as websocket origin patterns; config rejects wildcards.
		conn, err := websocket.Accept(c.Writer, c.Request, &websocket.AcceptOptions{
			OriginPatterns:       corsOrigins,
			CompressionMode:      websocket.CompressionContextTakeover,
			CompressionThreshold: 128,
		})
		if err != nil {
			middleware.Logger(c, log).WithError(err).Warn("websocket accept failed")
			return
		}

		client := ws.NewClient(hub, conn, familyID)
		hub.Register(client)

		wsCtx, wsCancel := context.WithCancel(appCtx)
		go func() {
			select {
			case <-c.Request.Context().Done():
				wsCancel()
			case <-wsCtx.Done():
			}
		}()

		go client.WritePump(wsCtx)
		client.ReadPump(wsCtx)
		wsCancel()
	}
}

func ginLogger(log *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		entry := middleware.Logger(c, log).WithFields(logrus.Fields{
			"method":   c.Request.Method,
			"path":     c.Request.URL.Path,
			"status":   c.Writer.Status(),
			"duration": time.Since(start).String(),
			"client":   c.ClientIP(),
		})
		if fid := c.Param("familyId"); fid != "" {
			entry = entry.WithField("family_id", fid)
		}

		if c.Writer.Status() >= http.StatusInternalServerError {
			entry.Warn("request")
			return
		}
		entry.Info("request")
	}
}

// maxPaginationLimit caps the maximum number of items per page.
const maxPaginationLimit = 1000

// maxPaginationOffset caps the maximum offset for paginated queries.
const maxPaginationOffset = 100000

func parseInt(s string, fallback int) int {
	v, err := strconv.Atoi(s)
	if err != nil || v <= 0 {
		return fallback
	}

	if v > maxPaginationLimit {
		return maxPaginationLimit
	}

	return v
}

func parseOffset(s string) int {
	v, err := strconv.Atoi(s)
	if err != nil || v < 0 {
		return 0
	}

	if v > maxPaginationOffset {
		return maxPaginationOffset
	}

	return v
}

// parseLimit reads a positive size limit, capped at hard. An absent value
// yields fallback.
func parseLimit(s string, fallback, hard int) (int, error) {
	if s == "" {
		return fallback, nil
	}

	v, err := strconv.Atoi(s)
	if err != nil || v <= 0 {
		return 0, fmt.Errorf("limit must be a positive integer, got %q", s)
	}

	return min(v, hard), nil
}

// validatePathID checks that a path parameter ID is non-empty and within length limits.
func validatePathID(id string) error {
	if id == "" {
		return fmt.Errorf("id must not be empty")
	}
	if len(id) > 255 {
		return fmt.Errorf("id exceeds maximum length of 255")
	}
	return nil
}

func familyParam(c *gin.Context) (string, bool) {
	fid := c.Param("familyId")
	if err := validatePathID(fid); err != nil {
		respondError(c, http.StatusBadRequest, ErrCodeInvalidRequest, "familyId: "+err.Error())
		return "", false
	}

	return fid, true
}

// nodeKeyParam reads the :entityType/:externalId path pair.
func nodeKeyParam(c *gin.Context) (models.NodeKey, bool) {
	et, err := models.ParseEntityType(c.Param("entityType"))
	if err != nil {
		respondError(c, http.StatusBadRequest, ErrCodeInvalidRequest, err.Error())
		return models.NodeKey{}, false
	}

	id := c.Param("externalId")
	if err := validatePathID(id); err != nil {
		respondError(c, http.StatusBadRequest, ErrCodeInvalidRequest, "externalId: "+err.Error())
		return models.NodeKey{}, false
	}

	return models.NodeKey{EntityType: et, ExternalID: id}, true
}
