package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// ============================================================================
// State WebSocket: hub + per-client pumps + broadcaster
// ============================================================================
//
// This file implements:
//   - A Hub that tracks connected WebSocket clients
//   - Per-client write pumps so one slow client doesn't block others
//   - A broadcaster loop that reads daemon-emitted state broadcasts and
//     fans out
//
// Design constraints (project architecture):
//   - The playback clock remains daemon-owned; the initial snapshot on
//     connect goes through the daemon's event loop.
//   - Per-tick sample updates are bursty and are coalesced (latest-wins)
//     before broadcast; discrete events go out immediately.
//   - Slow clients are disconnected when their send buffer fills.
//   - Messages are JSON text frames with an envelope: {type, ts, data}.
//   - The initial message on connect is "state_init" with StateSnapshot
//     in data.
//
// ============================================================================

// StateBroadcast is a marker interface for daemon-emitted state updates.
type StateBroadcast interface {
	broadcastMarker()
}

// BroadcastSample carries one playback tick's computed values. Coalesced.
type BroadcastSample struct {
	Sample PipelineSample
	At     time.Time
}

func (BroadcastSample) broadcastMarker() {}

// BroadcastScriptLoaded announces a load, clear or failed load.
type BroadcastScriptLoaded struct {
	Status PipelineStatus
	At     time.Time
}

func (BroadcastScriptLoaded) broadcastMarker() {}

// BroadcastTransportChanged announces play/pause/seek transitions.
type BroadcastTransportChanged struct {
	Playing    bool
	PositionMS float64
	At         time.Time
}

func (BroadcastTransportChanged) broadcastMarker() {}

// BroadcastLinkChanged announces device link status transitions.
type BroadcastLinkChanged struct {
	Status string
	At     time.Time
}

func (BroadcastLinkChanged) broadcastMarker() {}

// BroadcastSettingsChanged announces settings writes.
type BroadcastSettingsChanged struct {
	Status PipelineStatus
	At     time.Time
}

func (BroadcastSettingsChanged) broadcastMarker() {}

// wsTransportData is the JSON `data` payload for "transport_changed".
type wsTransportData struct {
	Playing    bool    `json:"playing"`
	PositionMS float64 `json:"position_ms"`
}

// wsLinkData is the JSON `data` payload for "link_changed".
type wsLinkData struct {
	Status string `json:"status"`
}

// wsOutboundEvent is a pre-typed, externally-consumable state event.
type wsOutboundEvent struct {
	Type string
	Data any
	At   time.Time // optional timestamp; zero means use now
}

// envelope is the wire format envelope for WS messages.
type envelope struct {
	Type string      `json:"type"`
	Ts   *time.Time  `json:"ts,omitempty"`
	Data interface{} `json:"data,omitempty"`
}

// ============================================================================
// Hub
// ============================================================================

type Hub struct {
	logger *slog.Logger

	// Buffered broadcast channel for already-serialized JSON frames.
	broadcast  chan []byte
	register   chan *Client
	unregister chan *Client

	mu      sync.Mutex
	clients map[*Client]struct{}

	sendBuf int
}

type HubConfig struct {
	// SendBuf is the per-client outbound queue size.
	// If zero, a conservative default is used.
	SendBuf int

	// BroadcastBuf is the hub inbound broadcast queue size.
	// If zero, a conservative default is used.
	BroadcastBuf int
}

// NewHub constructs a hub. Call Run(ctx) to start it.
func NewHub(logger *slog.Logger, cfg HubConfig) *Hub {
	sendBuf := cfg.SendBuf
	if sendBuf <= 0 {
		sendBuf = 32
	}
	bcastBuf := cfg.BroadcastBuf
	if bcastBuf <= 0 {
		bcastBuf = 128
	}

	return &Hub{
		logger:     logger,
		broadcast:  make(chan []byte, bcastBuf),
		register:   make(chan *Client, 64),
		unregister: make(chan *Client, 64),
		clients:    make(map[*Client]struct{}),
		sendBuf:    sendBuf,
	}
}

// Run processes hub events until ctx is canceled.
// It disconnects all clients on shutdown.
func (h *Hub) Run(ctx context.Context) {
	h.logger.Info("state ws hub starting")

	for {
		select {
		case <-ctx.Done():
			h.logger.Info("state ws hub stopping (context canceled)")
			h.closeAllClients()
			return

		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = struct{}{}
			n := len(h.clients)
			h.mu.Unlock()
			h.logger.Info("state ws client registered", "remote_addr", c.remoteAddr, "clients", n)

		case c := <-h.unregister:
			h.removeClient(c, "unregister")

		case msg := <-h.broadcast:
			// Avoid mutating the clients map while ranging over it.
			// Collect slow clients first, then remove them after we unlock.
			var slow []*Client

			h.mu.Lock()
			for c := range h.clients {
				select {
				case c.send <- msg:
				default:
					slow = append(slow, c)
				}
			}
			h.mu.Unlock()

			for _, c := range slow {
				h.removeClient(c, "slow_client")
			}
		}
	}
}

func (h *Hub) closeAllClients() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		if c.conn != nil {
			_ = c.conn.Close()
		}
		close(c.send)
		delete(h.clients, c)
	}
}

func (h *Hub) removeClient(c *Client, reason string) {
	h.mu.Lock()
	_, ok := h.clients[c]
	if ok {
		delete(h.clients, c)
	}
	n := len(h.clients)
	h.mu.Unlock()

	if ok {
		if c.conn != nil {
			_ = c.conn.Close()
		}
		// Closing send signals writePump to exit.
		// Guard against double-close by recovering (best-effort).
		safeCloseChan(c.send)

		h.logger.Info("state ws client disconnected", "remote_addr", c.remoteAddr, "reason", reason, "clients", n)
	}
}

func safeCloseChan(ch chan []byte) {
	defer func() {
		_ = recover() // ignore "close of closed channel"
	}()
	close(ch)
}

// BroadcastBytes enqueues a pre-serialized JSON WS frame for broadcast.
// It never blocks; if the hub queue is full it drops the message.
func (h *Hub) BroadcastBytes(msg []byte) {
	select {
	case h.broadcast <- msg:
	default:
		h.logger.Warn("state ws broadcast queue full, dropping message", "bytes", len(msg))
	}
}

// ============================================================================
// Client
// ============================================================================

type Client struct {
	hub *Hub

	conn *websocket.Conn
	send chan []byte

	remoteAddr string
	logger     *slog.Logger
}

// NewClient creates a client with a buffered send channel.
func NewClient(hub *Hub, conn *websocket.Conn, remoteAddr string, logger *slog.Logger) *Client {
	sendBuf := 32
	if hub != nil && hub.sendBuf > 0 {
		sendBuf = hub.sendBuf
	}
	return &Client{
		hub:        hub,
		conn:       conn,
		send:       make(chan []byte, sendBuf),
		remoteAddr: remoteAddr,
		logger:     logger,
	}
}

const (
	writeWait = 5 * time.Second

	pongWait   = 30 * time.Second
	pingPeriod = 20 * time.Second
)

// wsSampleCoalesceWindow is the maximum time window during which bursty
// per-tick sample updates are coalesced (latest-wins) before broadcasting.
const wsSampleCoalesceWindow = 50 * time.Millisecond

// closeStatus extracts a human-readable websocket close code / text when possible.
func closeStatus(err error) (code int, text string, ok bool) {
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		return ce.Code, ce.Text, true
	}
	return 0, "", false
}

// writePump writes messages from the send queue to the websocket.
// It exits on write error or when send is closed.
func (c *Client) writePump(ctx context.Context) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	c.conn.SetWriteDeadline(time.Now().Add(writeWait))

	for {
		select {
		case <-ctx.Done():
			return

		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// Channel closed: hub is disconnecting us.
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				if !errors.Is(err, websocket.ErrCloseSent) {
					if code, text, ok := closeStatus(err); ok {
						c.logger.Info("ws writePump exiting (close)", "remote_addr", c.remoteAddr, "code", code, "reason", text)
					} else {
						c.logger.Info("ws writePump exiting (write error)", "remote_addr", c.remoteAddr, "error", err)
					}
				}
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				if !errors.Is(err, websocket.ErrCloseSent) {
					if code, text, ok := closeStatus(err); ok {
						c.logger.Info("ws writePump exiting (close)", "remote_addr", c.remoteAddr, "code", code, "reason", text)
					} else {
						c.logger.Info("ws writePump exiting (ping error)", "remote_addr", c.remoteAddr, "error", err)
					}
				}
				return
			}
		}
	}
}

// readPump reads and discards incoming messages to detect disconnects and
// handle control frames. It exits on read error, then unregisters the client.
func (c *Client) readPump(ctx context.Context) {
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		select {
		case <-ctx.Done():
			return
		default:
			// Continue to read.
		}

		_, _, err := c.conn.ReadMessage()
		if err != nil {
			// Normal close is expected on client disconnect.
			if !errors.Is(err, websocket.ErrCloseSent) {
				if code, text, ok := closeStatus(err); ok {
					c.logger.Info("ws readPump exiting (close)", "remote_addr", c.remoteAddr, "code", code, "reason", text)
				} else {
					c.logger.Info("ws readPump exiting (read error)", "remote_addr", c.remoteAddr, "error", err)
				}
			}

			if c.hub != nil {
				c.hub.unregister <- c
			}
			return
		}
	}
}

// ============================================================================
// HTTP Handler + server wiring helpers
// ============================================================================

type StateServer struct {
	logger *slog.Logger

	hub *Hub

	// Required for the initial snapshot request on connect (through the
	// daemon's event loop).
	events chan<- Event
}

type StateServerConfig struct {
	Hub HubConfig
}

// NewStateServer constructs the WS state server components. Call Register on
// a mux, start hub.Run(ctx), and start the broadcaster loop.
func NewStateServer(logger *slog.Logger, events chan<- Event, cfg StateServerConfig) *StateServer {
	hub := NewHub(logger, cfg.Hub)
	return &StateServer{
		logger: logger,
		hub:    hub,
		events: events,
	}
}

func (s *StateServer) Hub() *Hub { return s.hub }

// Register registers the WS handler on the provided mux.
func (s *StateServer) Register(mux *http.ServeMux, path string) {
	if mux == nil {
		return
	}
	mux.HandleFunc(path, s.handleStateWS)
}

var upgrader = websocket.Upgrader{
	// NOTE: If you need stricter origin checks, implement them at integration time.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// handleStateWS upgrades and registers a client, then sends state_init.
func (s *StateServer) handleStateWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("ws upgrade failed", "error", err)
		return
	}

	client := NewClient(s.hub, conn, r.RemoteAddr, s.logger)

	// Register client first so broadcasts can reach it.
	s.hub.register <- client

	// Start pumps.
	//
	// IMPORTANT:
	// Do not tie the pumps to the HTTP request context (r.Context()).
	// net/http cancels the request context when the handler returns, which
	// would prematurely stop the pumps and cause abnormal WS closures (e.g.
	// code 1006). The connection lifetime is instead managed by the hub
	// (close/unregister) and by the websocket read/write errors.
	go client.writePump(context.Background())
	go client.readPump(context.Background())

	// Request the snapshot for the initial state_init message (through the
	// daemon's event loop). Use the HTTP request context here so it cancels
	// if the client disconnects during the round-trip.
	if s.events != nil {
		reply := make(chan StateSnapshot, 1)

		select {
		case <-r.Context().Done():
			return
		case s.events <- RequestStateSnapshot{Reply: reply}:
		}

		waitCtx := r.Context()
		if _, has := r.Context().Deadline(); !has {
			var cancel context.CancelFunc
			waitCtx, cancel = context.WithTimeout(r.Context(), 1*time.Second)
			defer cancel()
		}

		select {
		case <-waitCtx.Done():
			if !errors.Is(waitCtx.Err(), context.Canceled) {
				s.logger.Warn("ws snapshot request failed", "error", waitCtx.Err())
			}
			return

		case snap := <-reply:
			now := time.Now().UTC()
			initMsg, mErr := json.Marshal(envelope{
				Type: "state_init",
				Ts:   &now,
				Data: snap,
			})
			if mErr == nil {
				// Enqueue init message; if the client is already slow,
				// disconnect it.
				select {
				case client.send <- initMsg:
				default:
					s.hub.unregister <- client
					return
				}
			}
		}
	}
}

// ============================================================================
// Broadcaster
// ============================================================================

// RunBroadcaster reads daemon-emitted StateBroadcast values, marshals them,
// and broadcasts them to all hub clients. Intended to run as a single
// goroutine.
func RunBroadcaster(ctx context.Context, hub *Hub, src <-chan StateBroadcast, logger *slog.Logger) {
	if hub == nil || src == nil {
		return
	}

	// Rate-limit bursty sample updates: flush the latest pending sample at
	// most once every wsSampleCoalesceWindow, even if updates keep arriving
	// (no debounce-on-silence).
	var pendingSample *wsOutboundEvent
	var sampleTimer *time.Timer
	var sampleTimerCh <-chan time.Time

	flushPendingSample := func() {
		if pendingSample == nil {
			return
		}

		ts := pendingSample.At
		if ts.IsZero() {
			ts = time.Now().UTC()
		}

		msg, err := json.Marshal(envelope{
			Type: pendingSample.Type,
			Ts:   &ts,
			Data: pendingSample.Data,
		})
		if err != nil {
			logger.Warn("ws broadcaster marshal failed", "error", err, "type", pendingSample.Type)
			// Drop the pending item so we don't retry-marshal forever.
			pendingSample = nil
			return
		}

		hub.BroadcastBytes(msg)
		pendingSample = nil
	}

	stopSampleTimer := func() {
		if sampleTimer == nil {
			sampleTimerCh = nil
			return
		}
		if !sampleTimer.Stop() {
			// Drain if needed.
			select {
			case <-sampleTimer.C:
			default:
			}
		}
		sampleTimerCh = nil
		sampleTimer = nil
	}

	startSampleTimerIfNeeded := func() {
		if sampleTimer != nil {
			return
		}
		sampleTimer = time.NewTimer(wsSampleCoalesceWindow)
		sampleTimerCh = sampleTimer.C
	}

	resetSampleTimer := func() {
		// Timer must already exist.
		if sampleTimer == nil {
			return
		}
		if !sampleTimer.Stop() {
			select {
			case <-sampleTimer.C:
			default:
			}
		}
		sampleTimer.Reset(wsSampleCoalesceWindow)
		sampleTimerCh = sampleTimer.C
	}

	for {
		select {
		case <-ctx.Done():
			// Best-effort: flush the pending sample before exit.
			flushPendingSample()
			stopSampleTimer()
			return

		case <-sampleTimerCh:
			// Timer tick: flush the latest pending sample if present.
			flushPendingSample()
			// Keep ticking only if more sample updates are pending.
			if pendingSample == nil {
				stopSampleTimer()
			} else {
				resetSampleTimer()
			}

		case b, ok := <-src:
			if !ok {
				flushPendingSample()
				stopSampleTimer()
				logger.Info("ws broadcaster stopping (source ended)")
				return
			}

			ev, ok := convertBroadcast(b)
			if !ok {
				// Unknown broadcasts are dropped.
				continue
			}

			// Rate-limit only sample_changed; do NOT reset the timer on each
			// update. Latest-wins: replace the pending event and ensure the
			// periodic timer is running.
			if ev.Type == "sample_changed" {
				copyEv := ev
				pendingSample = &copyEv
				startSampleTimerIfNeeded()
				continue
			}

			// Discrete event: flush any pending sample first, then emit this
			// event immediately.
			flushPendingSample()
			stopSampleTimer()

			ts := ev.At
			if ts.IsZero() {
				ts = time.Now().UTC()
			}

			msg, err := json.Marshal(envelope{
				Type: ev.Type,
				Ts:   &ts,
				Data: ev.Data,
			})
			if err != nil {
				logger.Warn("ws broadcaster marshal failed", "error", err, "type", ev.Type)
				continue
			}

			hub.BroadcastBytes(msg)
		}
	}
}

func convertBroadcast(b StateBroadcast) (wsOutboundEvent, bool) {
	switch ev := b.(type) {
	case BroadcastSample:
		return wsOutboundEvent{
			Type: "sample_changed",
			Data: ev.Sample,
			At:   ev.At,
		}, true

	case BroadcastScriptLoaded:
		return wsOutboundEvent{
			Type: "script_loaded",
			Data: ev.Status,
			At:   ev.At,
		}, true

	case BroadcastTransportChanged:
		return wsOutboundEvent{
			Type: "transport_changed",
			Data: wsTransportData{Playing: ev.Playing, PositionMS: ev.PositionMS},
			At:   ev.At,
		}, true

	case BroadcastLinkChanged:
		return wsOutboundEvent{
			Type: "link_changed",
			Data: wsLinkData{Status: ev.Status},
			At:   ev.At,
		}, true

	case BroadcastSettingsChanged:
		return wsOutboundEvent{
			Type: "settings_changed",
			Data: ev.Status,
			At:   ev.At,
		}, true

	default:
		return wsOutboundEvent{}, false
	}
}
