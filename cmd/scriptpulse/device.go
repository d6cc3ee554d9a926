package main

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// DeviceLinkStatus tracks the outbound connection lifecycle. The link loops
// Connecting -> Open -> Closed -> (after a fixed delay) -> Connecting
// indefinitely; Disconnected is the terminal shutdown state.
type DeviceLinkStatus string

const (
	LinkDisconnected DeviceLinkStatus = "disconnected"
	LinkConnecting   DeviceLinkStatus = "connecting"
	LinkOpen         DeviceLinkStatus = "open"
	LinkClosed       DeviceLinkStatus = "closed"
)

// DeviceCommand is one dual-channel output value pair. Both values are in
// [0,1].
type DeviceCommand struct {
	Oscillate float64 `json:"o"`
	Vibrate   float64 `json:"v"`
}

// DeviceConduit is the transport underneath the device channel.
// This allows for mocking in tests.
type DeviceConduit interface {
	// Dial establishes the transport, blocking until connected or failed.
	Dial(wsURL string) error
	// WriteText transmits one text frame.
	WriteText(payload []byte) error
	// Drain reads and discards inbound frames until the connection fails,
	// returning the terminal error.
	Drain() error
	Close() error
}

// DeviceChannel maintains exactly one outbound connection to the actuator
// endpoint and transmits throttled, mode-remapped command values. Commands
// arriving faster than the minimum send spacing supersede each other rather
// than queue (last-value-wins). A closed link schedules exactly one
// reconnect after a fixed delay, forever.
type DeviceChannel struct {
	mu      sync.Mutex
	conduit DeviceConduit
	status  DeviceLinkStatus
	gen     uint64 // connection generation, to ignore stale close reports

	pending      *DeviceCommand
	lastSent     *DeviceCommand
	lastSendTime time.Time
	flushTimer   *time.Timer

	reconnectPending bool
	reconnectTimer   *time.Timer

	url          string
	legacyScalar bool
	shutdown     bool
	logger       *slog.Logger
}

func NewDeviceChannel(wsURL string, legacyScalar bool, conduit DeviceConduit, logger *slog.Logger) (*DeviceChannel, error) {
	if _, err := url.Parse(wsURL); err != nil {
		return nil, fmt.Errorf("invalid device URL: %w", err)
	}
	return &DeviceChannel{
		conduit:      conduit,
		status:       LinkDisconnected,
		url:          wsURL,
		legacyScalar: legacyScalar,
		logger:       logger,
	}, nil
}

// Connect starts a connection attempt. An attempt already in flight or an
// open link rejects the call, so at most one connection exists at a time.
func (d *DeviceChannel) Connect() error {
	d.mu.Lock()
	if d.shutdown {
		d.mu.Unlock()
		return fmt.Errorf("device channel is shut down")
	}
	if d.status == LinkConnecting || d.status == LinkOpen {
		st := d.status
		d.mu.Unlock()
		return fmt.Errorf("connection already %s", st)
	}
	d.status = LinkConnecting
	d.gen++
	gen := d.gen
	d.mu.Unlock()

	go d.dial(gen)
	return nil
}

func (d *DeviceChannel) dial(gen uint64) {
	err := d.conduit.Dial(d.url)

	d.mu.Lock()
	if d.shutdown || gen != d.gen {
		d.mu.Unlock()
		if err == nil {
			d.conduit.Close()
		}
		return
	}
	if err != nil {
		d.status = LinkClosed
		d.logger.Warn("device dial failed", "url", d.url, "error", err)
		d.scheduleReconnectLocked()
		d.mu.Unlock()
		return
	}

	d.status = LinkOpen
	d.logger.Info("device link open", "url", d.url)
	// Start from a known safe state.
	d.sendLocked(DeviceCommand{}, time.Now())
	d.mu.Unlock()

	go func() {
		derr := d.conduit.Drain()
		d.handleClose(gen, derr)
	}()
}

// Submit hands the channel a fresh command pair. Values are clamped to
// [0,1] and the vibrate axis is remapped for the given mode. Inside the
// minimum send spacing the value is parked and replaces any already parked
// value; it goes out when the window expires.
func (d *DeviceChannel) Submit(cmd DeviceCommand, mode DriveMode) {
	cmd.Oscillate = clamp01(cmd.Oscillate)
	cmd.Vibrate = remapVibrate(cmd.Vibrate, mode)

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.status != LinkOpen {
		return
	}

	now := time.Now()
	since := now.Sub(d.lastSendTime)
	if since >= deviceMinSendSpacing {
		d.sendLocked(cmd, now)
		return
	}

	first := d.pending == nil
	d.pending = &cmd
	if first {
		d.flushTimer = time.AfterFunc(deviceMinSendSpacing-since, d.flushPending)
	}
}

func (d *DeviceChannel) flushPending() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.flushTimer = nil
	if d.pending == nil || d.status != LinkOpen {
		d.pending = nil
		return
	}
	cmd := *d.pending
	d.pending = nil
	d.sendLocked(cmd, time.Now())
}

// SendZero immediately transmits a zero command, bypassing the throttle and
// dropping any parked value. Used on video changes and before shutdown so
// the actuator is never left at its last non-zero state.
func (d *DeviceChannel) SendZero() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.pending = nil
	if d.flushTimer != nil {
		d.flushTimer.Stop()
		d.flushTimer = nil
	}
	if d.status != LinkOpen {
		return
	}
	d.sendLocked(DeviceCommand{}, time.Now())
}

// sendLocked encodes and transmits cmd. Callers must hold d.mu.
func (d *DeviceChannel) sendLocked(cmd DeviceCommand, now time.Time) {
	payload, err := encodeCommand(cmd, d.legacyScalar)
	if err != nil {
		d.logger.Error("encode device command", "error", err)
		return
	}
	d.lastSendTime = now
	d.lastSent = &cmd
	if err := d.conduit.WriteText(payload); err != nil {
		d.logger.Warn("device write failed", "error", err)
		d.closeLocked(err)
	}
}

// handleClose reacts to the drain loop reporting a dead connection. Reports
// from a superseded connection generation are ignored.
func (d *DeviceChannel) handleClose(gen uint64, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.shutdown || gen != d.gen || d.status != LinkOpen {
		return
	}
	d.closeLocked(err)
}

// closeLocked moves the link to Closed and schedules the reconnect. Callers
// must hold d.mu.
func (d *DeviceChannel) closeLocked(err error) {
	d.conduit.Close()
	d.status = LinkClosed
	d.pending = nil
	d.logger.Warn("device link closed", "error", err)
	d.scheduleReconnectLocked()
}

// scheduleReconnectLocked arms the reconnect timer unless one is already
// pending, so close events firing in quick succession produce a single
// reconnect. Callers must hold d.mu.
func (d *DeviceChannel) scheduleReconnectLocked() {
	if d.reconnectPending {
		return
	}
	d.reconnectPending = true
	d.reconnectTimer = time.AfterFunc(deviceReconnectDelay, func() {
		d.mu.Lock()
		d.reconnectPending = false
		d.mu.Unlock()
		if err := d.Connect(); err != nil {
			d.logger.Debug("reconnect skipped", "reason", err)
		}
	})
}

// Shutdown zeroes the actuator, tears the link down and stops all timers.
// The channel cannot be reused afterwards.
func (d *DeviceChannel) Shutdown() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.shutdown {
		return
	}
	if d.status == LinkOpen {
		d.sendLocked(DeviceCommand{}, time.Now())
	}
	d.shutdown = true
	d.status = LinkDisconnected
	d.pending = nil
	if d.flushTimer != nil {
		d.flushTimer.Stop()
		d.flushTimer = nil
	}
	if d.reconnectTimer != nil {
		d.reconnectTimer.Stop()
		d.reconnectTimer = nil
	}
	d.conduit.Close()
}

func (d *DeviceChannel) Status() DeviceLinkStatus {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.status
}

// LastSent returns the most recently transmitted command, or nil before the
// first send.
func (d *DeviceChannel) LastSent() *DeviceCommand {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.lastSent == nil {
		return nil
	}
	cmd := *d.lastSent
	return &cmd
}

// remapVibrate applies the mode-dependent transfer before transmission. In
// rate mode values below the dead zone do not actuate and the remainder is
// rescaled; other modes pass the value through unchanged.
func remapVibrate(v float64, mode DriveMode) float64 {
	if mode == ModeRate {
		v = (v - vibrateDeadZone) * vibrateGain
	}
	return clamp01(v)
}

func clamp01(v float64) float64 {
	if math.IsNaN(v) || v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func encodeCommand(cmd DeviceCommand, legacyScalar bool) ([]byte, error) {
	if legacyScalar {
		return strconv.AppendFloat(nil, cmd.Oscillate, 'f', -1, 64), nil
	}
	return json.Marshal(cmd)
}

// wsConduit is the production transport: one websocket connection to the
// local actuator bridge.
type wsConduit struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func newWSConduit() *wsConduit { return &wsConduit{} }

func (w *wsConduit) Dial(wsURL string) error {
	d := websocket.Dialer{
		HandshakeTimeout: deviceHandshakeTimeout,
	}
	conn, _, err := d.Dial(wsURL, nil)
	if err != nil {
		return err
	}
	w.mu.Lock()
	w.conn = conn
	w.mu.Unlock()
	return nil
}

func (w *wsConduit) WriteText(payload []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.conn == nil {
		return fmt.Errorf("no websocket connection")
	}
	w.conn.SetWriteDeadline(time.Now().Add(deviceWriteTimeout))
	if err := w.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		w.conn = nil // Mark connection as broken
		return err
	}
	return nil
}

func (w *wsConduit) Drain() error {
	w.mu.Lock()
	conn := w.conn
	w.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("no websocket connection")
	}
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return err
		}
	}
}

func (w *wsConduit) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.conn != nil {
		w.conn.Close()
		w.conn = nil
	}
	return nil
}
