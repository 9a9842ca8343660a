package httpapi

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ent0n29/livehelp/internal/protocol"
)

const (
	wsWriteTimeout = 10 * time.Second
	wsReadTimeout  = 120 * time.Second
)

// handleEventsWS streams queue events. Clients may ask for a snapshot of a
// session's queue or ping to keep the connection alive.
func (s *Server) handleEventsWS(w http.ResponseWriter, r *http.Request) {
	if s.hub == nil {
		respondError(w, http.StatusNotImplemented, "unavailable", "event feed not configured")
		return
	}
	groupID := strings.TrimSpace(r.URL.Query().Get("group_id"))

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	feed, unsubscribe := s.hub.Subscribe(groupID)
	defer unsubscribe()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	outbound := make(chan any, 64)
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		for {
			var msg any
			select {
			case <-ctx.Done():
				return
			case evt, ok := <-feed:
				if !ok {
					return
				}
				msg = evt
			case m := <-outbound:
				msg = m
			}
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteJSON(msg); err != nil {
				cancel()
				return
			}
		}
	}()

	conn.SetReadLimit(64 << 10)
	_ = conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
		return nil
	})

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			break
		}
		_ = conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
		if msgType != websocket.TextMessage {
			continue
		}
		reply := s.handleClientMessage(data)
		if reply == nil {
			continue
		}
		select {
		case outbound <- reply:
		default:
			// Keep websocket writes single-threaded; drop if the writer is saturated.
		}
	}

	cancel()
	<-writerDone
}

func (s *Server) handleClientMessage(data []byte) any {
	parsed, err := protocol.ParseClientMessage(data)
	if err != nil {
		return protocol.ErrorEvent{
			Type:   protocol.TypeErrorEvent,
			Code:   "invalid_client_message",
			Detail: err.Error(),
		}
	}
	ctrl, ok := parsed.(protocol.ClientControl)
	if !ok || ctrl.Action != protocol.ActionSnapshot {
		return nil
	}
	sess, err := s.support.Session(ctrl.GroupID)
	if err != nil {
		return protocol.ErrorEvent{
			Type:    protocol.TypeErrorEvent,
			GroupID: ctrl.GroupID,
			Code:    "session_not_found",
			Detail:  err.Error(),
		}
	}
	return protocol.SessionSnapshot{
		Type:    protocol.TypeSessionSnapshot,
		GroupID: sess.GroupID,
		Entries: sess.Queue.Entries(),
	}
}
