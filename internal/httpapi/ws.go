package httpapi

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/TAVTechnologies-Research/autolabel-anything-api/internal/relay"
)

// handleSessionWS attaches one interactive labeling session to a live task.
// Policy failures (unknown or terminated task) are reported with a websocket
// close frame, not an HTTP status: by the time we can check, the connection
// is already upgraded.
func (s *Server) handleSessionWS(w http.ResponseWriter, r *http.Request) {
	taskUUID := strings.TrimSpace(chi.URLParam(r, "task_uuid"))
	if taskUUID == "" {
		respondError(w, http.StatusBadRequest, "invalid_task_uuid", "missing task uuid")
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	status, err := s.manager.Status(r.Context(), taskUUID)
	if err != nil || status.Terminal() {
		reason := "task not found"
		if err == nil {
			reason = "task is in status " + string(status)
		}
		msg := websocket.FormatCloseMessage(websocket.ClosePolicyViolation, reason)
		_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
		_ = conn.WriteMessage(websocket.CloseMessage, msg)
		_ = conn.Close()
		return
	}

	sess := s.registry.Connect(taskUUID, conn.Close)
	defer s.registry.Disconnect(sess)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	// A fatal pump error cancels ctx; disconnecting here closes the socket
	// so the reader loop below unblocks without waiting on the client.
	go func() {
		<-ctx.Done()
		s.registry.Disconnect(sess)
	}()

	inboundDone := make(chan struct{})
	go func() {
		defer close(inboundDone)
		if err := relay.RunInbound(ctx, sess, s.broker, s.metrics); err != nil {
			cancel()
		}
	}()

	outboundDone := make(chan struct{})
	go func() {
		defer close(outboundDone)
		_ = relay.RunOutbound(ctx, sess, s.broker, s.cfg.ResponsePollInterval, s.metrics)
	}()

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		for {
			select {
			case <-ctx.Done():
				return
			case <-sess.Closed():
				return
			case raw := <-sess.Outbound():
				_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
				if err := conn.WriteMessage(websocket.TextMessage, raw); err != nil {
					cancel()
					return
				}
			}
		}
	}()

	conn.SetReadLimit(2 << 20)
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			break
		}
		if msgType != websocket.TextMessage {
			continue
		}
		if !sess.EnqueueInbound(data) {
			if s.metrics != nil {
				s.metrics.RelayDrops.WithLabelValues("inbound").Inc()
			}
		}
	}

	cancel()
	s.registry.Disconnect(sess)
	<-inboundDone
	<-outboundDone
	<-writerDone
}
