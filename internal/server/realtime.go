package server

import (
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

const (
	realtimeEventFeed      = "feed"
	realtimeEventHeartbeat = "heartbeat"
	defaultHeartbeat       = 25 * time.Second
)

func (h *httpHandler) handleFeed(c *gin.Context) {
	c.JSON(http.StatusOK, h.feed.Snapshot(c.Param("username")))
}

// handleEvents streams the realtime feed of a channel as server-sent events: the
// current snapshot first, then one event per merged batch plus periodic heartbeats.
func (h *httpHandler) handleEvents(c *gin.Context) {
	channel := c.Param("username")
	ctx := c.Request.Context()
	stream, cleanup := h.realtime.Subscribe(ctx, channel)
	defer cleanup()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)
	c.SSEvent(realtimeEventFeed, h.feed.Snapshot(channel))
	c.Writer.Flush()

	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()
	c.Stream(func(io.Writer) bool {
		select {
		case <-ctx.Done():
			return false
		case update, ok := <-stream:
			if !ok {
				return false
			}
			c.SSEvent(realtimeEventFeed, update)
			return true
		case now := <-ticker.C:
			c.SSEvent(realtimeEventHeartbeat, gin.H{"timestamp": now.UTC().Format(time.RFC3339)})
			return true
		}
	})
}
