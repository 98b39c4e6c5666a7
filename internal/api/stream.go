package api

import (
	"net/http"
	"slices"
	"time"

	"github.com/gorilla/websocket"

	"github.com/fradomos/domos/internal/events"
)

const (
	streamWriteWait  = 10 * time.Second
	streamPingPeriod = 30 * time.Second
	streamBuffer     = 64
)

// streamedKinds are the events forwarded to stream clients.
var streamedKinds = []string{
	events.KindReading,
	events.KindStateChanged,
	events.KindDeviceState,
}

// checkOrigin allows requests without an Origin header (native
// clients) and browser origins on the allow list.
func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || len(s.origins) == 0 {
		return true
	}
	return slices.Contains(s.origins, origin) || slices.Contains(s.origins, "*")
}

// handleStream upgrades to a WebSocket, sends the current reading and
// then forwards reading, state and device events until the client
// goes away.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("stream upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	ch := s.bus.Subscribe(streamBuffer, streamedKinds...)
	defer s.bus.Unsubscribe(ch)

	s.logger.Debug("stream opened", "remote", r.RemoteAddr)
	s.bus.Emit(events.SourceAPI, events.KindStreamOpened, map[string]any{"remote": r.RemoteAddr})

	cur := s.currentReading()
	data := cur.Reading.Fields()
	data["available"] = cur.Available
	initial := events.Event{
		Timestamp: time.Now(),
		Source:    events.SourceSession,
		Kind:      events.KindReading,
		Data:      data,
	}
	if err := s.writeEvent(conn, initial); err != nil {
		return
	}

	// Reads only serve to notice the client closing.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(streamPingPeriod)
	defer ping.Stop()

	for {
		select {
		case <-closed:
			s.logger.Debug("stream closed", "remote", r.RemoteAddr)
			return
		case <-r.Context().Done():
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			if err := s.writeEvent(conn, e); err != nil {
				s.logger.Debug("stream write failed", "error", err)
				return
			}
		case <-ping.C:
			deadline := time.Now().Add(streamWriteWait)
			if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				return
			}
		}
	}
}

func (s *Server) writeEvent(conn *websocket.Conn, e events.Event) error {
	if err := conn.SetWriteDeadline(time.Now().Add(streamWriteWait)); err != nil {
		return err
	}
	return conn.WriteJSON(e)
}
