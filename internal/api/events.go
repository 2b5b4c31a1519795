package api

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

const (
	eventsBuffer     = 64
	eventWriteWait   = 10 * time.Second
	eventPingPeriod  = 30 * time.Second
	eventCloseReason = "server shutting down"
)

// handleEvents upgrades to a WebSocket and streams discovery events as
// JSON text frames until the client disconnects. Slow clients miss
// events rather than stalling publishers.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.events == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "event stream not configured")
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the HTTP error.
		s.logger.Debug("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	sub := s.events.Subscribe(eventsBuffer)
	defer s.events.Unsubscribe(sub)

	s.logger.Debug("event stream opened", "remote", r.RemoteAddr, "subscribers", s.events.SubscriberCount())

	// The read side only watches for the client going away.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(eventPingPeriod)
	defer ping.Stop()

	for {
		select {
		case e, ok := <-sub:
			if !ok {
				return
			}
			conn.SetWriteDeadline(time.Now().Add(eventWriteWait))
			if err := conn.WriteJSON(e); err != nil {
				s.logger.Debug("event stream write failed", "error", err)
				return
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(eventWriteWait)); err != nil {
				return
			}
		case <-gone:
			s.logger.Debug("event stream closed by client", "remote", r.RemoteAddr)
			return
		case <-r.Context().Done():
			msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, eventCloseReason)
			_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(eventWriteWait))
			return
		}
	}
}
