package server

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// handleCreditStream sends the current balance, then one event per change and
// a heartbeat to keep proxies from closing the connection.
func (h *httpHandler) handleCreditStream(c *gin.Context) {
	userID := c.GetString(userIDContextKey)
	ctx := c.Request.Context()

	balance, err := h.ledger.Balance(ctx, userID)
	if err != nil {
		h.writeError(c, "server.credits.stream", err)
		return
	}
	stream, cleanup := h.realtime.Subscribe(ctx, userID)
	defer cleanup()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)

	if err := writeEvent(c.Writer, RealtimeEventCreditsChanged, RealtimeMessage{
		Balance:   balance.Display(),
		Timestamp: h.clock().UTC(),
	}); err != nil {
		return
	}
	c.Writer.Flush()

	heartbeat := time.NewTicker(realtimeHeartbeatInterval)
	defer heartbeat.Stop()

	c.Stream(func(w io.Writer) bool {
		select {
		case <-ctx.Done():
			return false
		case message, ok := <-stream:
			if !ok {
				return false
			}
			if err := writeEvent(w, message.EventType, message); err != nil {
				h.logger.Debug("credit stream write failed", zap.String("user_id", userID), zap.Error(err))
				return false
			}
			return true
		case <-heartbeat.C:
			if err := writeEvent(w, realtimeEventHeartbeat, gin.H{"timestamp": h.clock().UTC()}); err != nil {
				return false
			}
			return true
		}
	})
}

func writeEvent(w io.Writer, event string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
	return err
}
