package main

import (
	"log/slog"
	"math"
	"os"
	"sync"
	"testing"
	"time"
)

// mockConduit is a test double for DeviceConduit. Dial blocks until the test
// releases it so connection-in-flight states can be observed.
type mockConduit struct {
	mu         sync.Mutex
	dialErr    error
	dialGate   chan struct{} // non-nil: Dial blocks until closed
	dialCalls  int
	writes     [][]byte
	drainErr   chan error
	closeCalls int
}

func newMockConduit() *mockConduit {
	return &mockConduit{drainErr: make(chan error, 4)}
}

func (m *mockConduit) Dial(wsURL string) error {
	m.mu.Lock()
	m.dialCalls++
	gate := m.dialGate
	err := m.dialErr
	m.mu.Unlock()
	if gate != nil {
		<-gate
	}
	return err
}

func (m *mockConduit) WriteText(payload []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.writes = append(m.writes, payload)
	return nil
}

func (m *mockConduit) Drain() error {
	return <-m.drainErr
}

func (m *mockConduit) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closeCalls++
	return nil
}

func (m *mockConduit) writeCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.writes)
}

func (m *mockConduit) lastWrite() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.writes) == 0 {
		return ""
	}
	return string(m.writes[len(m.writes)-1])
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newTestChannel(t *testing.T, conduit *mockConduit) *DeviceChannel {
	t.Helper()
	d, err := NewDeviceChannel("ws://127.0.0.1:12345/buttplug", false, conduit, testLogger())
	if err != nil {
		t.Fatalf("NewDeviceChannel failed: %v", err)
	}
	return d
}

// openChannel connects and waits for the link to report Open.
func openChannel(t *testing.T, d *DeviceChannel) {
	t.Helper()
	if err := d.Connect(); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	waitFor(t, 500*time.Millisecond, func() bool { return d.Status() == LinkOpen })
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("condition not met within %v", timeout)
}

func TestDeviceChannel_ConnectGuardRejectsSecondAttempt(t *testing.T) {
	conduit := newMockConduit()
	gate := make(chan struct{})
	conduit.dialGate = gate

	d := newTestChannel(t, conduit)
	defer d.Shutdown()

	if err := d.Connect(); err != nil {
		t.Fatalf("first Connect failed: %v", err)
	}
	// Dial is blocked: the link is Connecting.
	if err := d.Connect(); err == nil {
		t.Fatalf("expected second Connect to be rejected while connecting")
	}

	close(gate)
	waitFor(t, 500*time.Millisecond, func() bool { return d.Status() == LinkOpen })

	if err := d.Connect(); err == nil {
		t.Fatalf("expected Connect to be rejected while open")
	}
}

func TestDeviceChannel_OpensWithZeroCommand(t *testing.T) {
	conduit := newMockConduit()
	d := newTestChannel(t, conduit)
	defer d.Shutdown()

	openChannel(t, d)

	if got := conduit.lastWrite(); got != `{"o":0,"v":0}` {
		t.Fatalf("expected an initial zero command, got %q", got)
	}
}

func TestDeviceChannel_ThrottleLastValueWins(t *testing.T) {
	conduit := newMockConduit()
	d := newTestChannel(t, conduit)
	defer d.Shutdown()

	openChannel(t, d)
	base := conduit.writeCount() // the open-time zero command

	// The open-time zero counts against the spacing window, so all three
	// submits land inside it: the first two are superseded, the last is
	// flushed when the window expires.
	d.Submit(DeviceCommand{Oscillate: 0.1}, ModePulse)
	d.Submit(DeviceCommand{Oscillate: 0.2}, ModePulse)
	d.Submit(DeviceCommand{Oscillate: 0.3}, ModePulse)

	waitFor(t, deviceMinSendSpacing+200*time.Millisecond, func() bool {
		return conduit.writeCount() > base
	})

	if got := conduit.writeCount(); got != base+1 {
		t.Fatalf("expected 1 throttled send, got %d", got-base)
	}
	if got := conduit.lastWrite(); got != `{"o":0.3,"v":0}` {
		t.Fatalf("expected the last submitted value to win, got %q", got)
	}
}

func TestDeviceChannel_SendZeroDropsParkedValue(t *testing.T) {
	conduit := newMockConduit()
	d := newTestChannel(t, conduit)
	defer d.Shutdown()

	openChannel(t, d)

	d.Submit(DeviceCommand{Oscillate: 0.9, Vibrate: 0.9}, ModePulse)
	d.SendZero()
	base := conduit.writeCount()

	if got := conduit.lastWrite(); got != `{"o":0,"v":0}` {
		t.Fatalf("expected an immediate zero command, got %q", got)
	}

	// The parked 0.9 command must not surface after the throttle window.
	time.Sleep(deviceMinSendSpacing + 50*time.Millisecond)
	if got := conduit.writeCount(); got != base {
		t.Fatalf("expected no further sends, got %d extra", got-base)
	}
}

func TestDeviceChannel_ReconnectGuardSchedulesOnce(t *testing.T) {
	conduit := newMockConduit()
	d := newTestChannel(t, conduit)
	defer d.Shutdown()

	openChannel(t, d)

	// Two close events in quick succession arm exactly one reconnect.
	d.mu.Lock()
	d.scheduleReconnectLocked()
	timer := d.reconnectTimer
	d.scheduleReconnectLocked()
	sameTimer := d.reconnectTimer == timer
	pending := d.reconnectPending
	d.mu.Unlock()

	if !pending {
		t.Fatalf("expected a pending reconnect")
	}
	if !sameTimer {
		t.Fatalf("expected the second close to reuse the armed timer")
	}
}

func TestDeviceChannel_SubmitIgnoredWhileClosed(t *testing.T) {
	conduit := newMockConduit()
	d := newTestChannel(t, conduit)
	defer d.Shutdown()

	d.Submit(DeviceCommand{Oscillate: 0.5}, ModePulse)
	if got := conduit.writeCount(); got != 0 {
		t.Fatalf("expected no writes before the link opens, got %d", got)
	}
}

func TestDeviceChannel_LegacyScalarEncoding(t *testing.T) {
	payload, err := encodeCommand(DeviceCommand{Oscillate: 0.25, Vibrate: 0.9}, true)
	if err != nil {
		t.Fatalf("encodeCommand failed: %v", err)
	}
	if string(payload) != "0.25" {
		t.Fatalf("expected a bare oscillate value, got %q", payload)
	}

	payload, err = encodeCommand(DeviceCommand{Oscillate: 0.25, Vibrate: 0.9}, false)
	if err != nil {
		t.Fatalf("encodeCommand failed: %v", err)
	}
	if string(payload) != `{"o":0.25,"v":0.9}` {
		t.Fatalf("expected a dual-channel frame, got %q", payload)
	}
}

func TestRemapVibrate(t *testing.T) {
	cases := []struct {
		name string
		v    float64
		mode DriveMode
		want float64
	}{
		{"rate dead zone silences", 0.02, ModeRate, 0},
		{"rate dead zone boundary", 0.03, ModeRate, 0},
		{"rate rescaled", 0.5, ModeRate, (0.5 - 0.03) * 1.5},
		{"rate clamped to one", 0.9, ModeRate, 1},
		{"pulse passthrough", 0.5, ModePulse, 0.5},
		{"external passthrough", 0.7, ModeExternal, 0.7},
		{"negative clamped", -0.5, ModePulse, 0},
		{"overrange clamped", 1.5, ModePulse, 1},
		{"nan to zero", math.NaN(), ModePulse, 0},
	}

	for _, c := range cases {
		if got := remapVibrate(c.v, c.mode); math.Abs(got-c.want) > 1e-9 {
			t.Errorf("%s: expected %v, got %v", c.name, c.want, got)
		}
	}
}
