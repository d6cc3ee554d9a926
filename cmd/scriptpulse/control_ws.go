package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"
)

// ControlServer is the inbound control surface: an external program connects
// to the control websocket and streams command values that drive the
// actuator directly. The daemon applies them only while the pipeline is in
// external mode.
//
// Accepted message forms:
//   - a JSON pair {"o": 0.4, "v": 0.8}
//   - a bare scalar text value (legacy single-channel form, oscillate only)
type ControlServer struct {
	logger *slog.Logger
	events chan<- Event
}

func NewControlServer(logger *slog.Logger, events chan<- Event) *ControlServer {
	return &ControlServer{
		logger: logger,
		events: events,
	}
}

// Register registers the WS handler on the provided mux.
func (s *ControlServer) Register(mux *http.ServeMux, path string) {
	if mux == nil {
		return
	}
	mux.HandleFunc(path, s.handleControlWS)
}

func (s *ControlServer) handleControlWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("control ws upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	s.logger.Info("control ws client connected", "remote_addr", r.RemoteAddr)

	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	// Keepalive pinger; exits with the read loop.
	done := make(chan struct{})
	defer close(done)
	go func() {
		ticker := time.NewTicker(pingPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				conn.SetWriteDeadline(time.Now().Add(writeWait))
				if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
					return
				}
			}
		}
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			s.logger.Info("control ws client disconnected", "remote_addr", r.RemoteAddr, "error", err)
			return
		}
		conn.SetReadDeadline(time.Now().Add(pongWait))

		ev, perr := parseControlMessage(data)
		if perr != nil {
			s.logger.Warn("control ws message rejected", "error", perr)
			continue
		}
		s.events <- ev
	}
}

// parseControlMessage decodes one inbound control frame. Missing JSON fields
// default to 0.
func parseControlMessage(data []byte) (ExternalControl, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return ExternalControl{}, fmt.Errorf("empty control message")
	}

	if trimmed[0] == '{' {
		var msg struct {
			O *float64 `json:"o"`
			V *float64 `json:"v"`
		}
		if err := json.Unmarshal(trimmed, &msg); err != nil {
			return ExternalControl{}, fmt.Errorf("parse control pair: %w", err)
		}
		var ev ExternalControl
		if msg.O != nil {
			ev.Oscillate = *msg.O
		}
		if msg.V != nil {
			ev.Vibrate = *msg.V
		}
		return ev, nil
	}

	scalar, err := strconv.ParseFloat(string(trimmed), 64)
	if err != nil {
		return ExternalControl{}, fmt.Errorf("parse control scalar: %w", err)
	}
	return ExternalControl{Oscillate: scalar}, nil
}
