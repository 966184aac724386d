package server

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/MarcoPoloResearchLab/checkplease/internal/session"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	StreamEventSnapshot  = "session-snapshot"
	StreamEventClosed    = "session-closed"
	streamEventHeartbeat = "heartbeat"
)

// handleBillStream serves one session synchronizer per connected client as Server-Sent Events.
func (h *httpHandler) handleBillStream(c *gin.Context) {
	billID := c.Param("billID")
	synchronizer, err := session.NewSynchronizer(session.Config{
		Reader:  h.reader,
		Feed:    h.feed,
		BillID:  billID,
		Clock:   h.clock,
		Logger:  h.logger,
		Metrics: h.metrics,
	})
	if err != nil {
		h.writeError(c, err)
		return
	}

	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()
	done := make(chan error, 1)
	go func() {
		done <- synchronizer.Run(ctx)
	}()

	// The first view decides between an error response and an event stream.
	var first session.View
	select {
	case <-ctx.Done():
		return
	case first = <-synchronizer.Updates():
	}
	if first.State == session.StateDisconnected {
		if first.Err != nil {
			h.writeError(c, first.Err)
		}
		return
	}

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)

	heartbeat := time.NewTicker(h.heartbeat)
	defer heartbeat.Stop()

	pending := &first
	c.Stream(func(w io.Writer) bool {
		if pending != nil {
			view := *pending
			pending = nil
			return h.writeView(c, view)
		}
		select {
		case <-ctx.Done():
			return false
		case view := <-synchronizer.Updates():
			return h.writeView(c, view)
		case <-heartbeat.C:
			c.SSEvent(streamEventHeartbeat, heartbeatPayload{Timestamp: h.clock().UTC()})
			return true
		}
	})

	cancel()
	if err := <-done; err != nil && !errors.Is(err, session.ErrExpired) {
		h.logger.Warn("bill stream ended", zap.String("bill_id", billID), zap.Error(err))
	}
}

// writeView emits the view and reports whether the stream should continue.
func (h *httpHandler) writeView(c *gin.Context, view session.View) bool {
	if view.State == session.StateDisconnected {
		reason := "disconnected"
		switch {
		case errors.Is(view.Err, session.ErrExpired):
			reason = "expired"
		case errors.Is(view.Err, session.ErrNotFound):
			reason = "not_found"
		case errors.Is(view.Err, session.ErrFeedClosed):
			reason = "feed_closed"
		case view.Err != nil:
			reason = "store_unavailable"
		}
		c.SSEvent(StreamEventClosed, sessionClosedPayload{Reason: reason})
		return false
	}
	c.SSEvent(StreamEventSnapshot, newBillViewPayload(view.State, view.Snapshot, view.Settlement))
	return true
}
