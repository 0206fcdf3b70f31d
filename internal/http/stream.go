package http

import (
	"encoding/json"
	"io"
	"net/http"

	"golang.org/x/net/websocket"

	"brandpulse/attendance/internal/device"
	"brandpulse/attendance/internal/session"
)

const streamBuffer = 32

type sessionFrame struct {
	Type    string            `json:"type"`
	Session *session.Snapshot `json:"session,omitempty"`
	Event   *session.Event    `json:"event,omitempty"`
}

type promptFrame struct {
	Type   string        `json:"type"`
	Prompt device.Prompt `json:"prompt"`
}

// handleSessionStream sends the current snapshot, then every event of the
// session until the client disconnects or the session is discarded.
func (s *Server) handleSessionStream(w http.ResponseWriter, r *http.Request) {
	key, ok := sessionKey(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid_request")
		return
	}
	controller, err := s.sessions.Open(key)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "session_unavailable")
		return
	}
	events, cancel, ok := s.sessions.Subscribe(key, streamBuffer)
	if !ok {
		writeError(w, http.StatusNotFound, "session_not_found")
		return
	}
	defer cancel()

	websocket.Handler(func(conn *websocket.Conn) {
		defer conn.Close()
		closed := watchClose(conn)
		encoder := json.NewEncoder(conn)

		snap := controller.Snapshot()
		if err := encoder.Encode(sessionFrame{Type: "snapshot", Session: &snap}); err != nil {
			return
		}
		for {
			select {
			case <-closed:
				return
			case ev, ok := <-events:
				if !ok {
					_ = encoder.Encode(sessionFrame{Type: "closed"})
					return
				}
				if err := encoder.Encode(sessionFrame{Type: "event", Event: &ev}); err != nil {
					return
				}
			}
		}
	}).ServeHTTP(w, r)
}

func (s *Server) handleDeviceStream(w http.ResponseWriter, r *http.Request) {
	prompts, cancel := s.bridge.Subscribe(streamBuffer)
	defer cancel()
	websocket.Handler(func(conn *websocket.Conn) {
		defer conn.Close()
		closed := watchClose(conn)
		encoder := json.NewEncoder(conn)
		for {
			select {
			case <-closed:
				return
			case prompt, ok := <-prompts:
				if !ok {
					return
				}
				if err := encoder.Encode(promptFrame{Type: "prompt", Prompt: prompt}); err != nil {
					return
				}
			}
		}
	}).ServeHTTP(w, r)
}

// watchClose drains client frames and closes the returned channel once the
// peer goes away.
func watchClose(conn *websocket.Conn) <-chan struct{} {
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		_, _ = io.Copy(io.Discard, conn)
	}()
	return closed
}
