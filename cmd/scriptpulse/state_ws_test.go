package main

import (
	"context"
	"encoding/json"
	"testing"
	"time"
)

// Hub tests exercise fanout and slow-client eviction without a real
// websocket server: clients are built with a nil conn, which the hub
// tolerates on disconnect.

func newHubClient(hub *Hub, addr string, sendBuf int) *Client {
	return &Client{
		hub:        hub,
		conn:       nil,
		send:       make(chan []byte, sendBuf),
		remoteAddr: addr,
		logger:     testLogger(),
	}
}

func registerClient(t *testing.T, hub *Hub, c *Client) {
	t.Helper()
	hub.register <- c
	waitFor(t, 500*time.Millisecond, func() bool {
		hub.mu.Lock()
		defer hub.mu.Unlock()
		_, ok := hub.clients[c]
		return ok
	})
}

func TestHub_BroadcastReachesAllClients(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	hub := NewHub(testLogger(), HubConfig{SendBuf: 4, BroadcastBuf: 8})
	done := make(chan struct{})
	go func() {
		defer close(done)
		hub.Run(ctx)
	}()

	c1 := newHubClient(hub, "c1", 4)
	c2 := newHubClient(hub, "c2", 4)
	registerClient(t, hub, c1)
	registerClient(t, hub, c2)

	msg := []byte(`{"type":"link_changed","data":{"status":"open"}}`)
	// Feed the hub loop directly; BroadcastBytes is lossy by design.
	hub.broadcast <- msg

	for _, c := range []*Client{c1, c2} {
		select {
		case got := <-c.send:
			if string(got) != string(msg) {
				t.Fatalf("%s got %q, want %q", c.remoteAddr, got, msg)
			}
		case <-time.After(500 * time.Millisecond):
			t.Fatalf("timeout waiting for %s", c.remoteAddr)
		}
	}

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("timeout waiting for hub to stop")
	}
}

func TestHub_SlowClientEvicted(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	hub := NewHub(testLogger(), HubConfig{SendBuf: 1, BroadcastBuf: 8})
	go hub.Run(ctx)

	slow := newHubClient(hub, "slow", 1)
	fast := newHubClient(hub, "fast", 8)
	registerClient(t, hub, slow)
	registerClient(t, hub, fast)

	// Fill the slow client's buffer so the next fanout cannot enqueue.
	slow.send <- []byte(`"stuck"`)

	msg := []byte(`{"type":"transport_changed"}`)
	hub.broadcast <- msg

	select {
	case got := <-fast.send:
		if string(got) != string(msg) {
			t.Fatalf("fast client got %q, want %q", got, msg)
		}
	case <-time.After(500 * time.Millisecond):
		t.Fatalf("timeout waiting for fast client")
	}

	// The slow client is removed and its send channel closed.
	<-slow.send // drain the pre-filled message
	waitFor(t, 750*time.Millisecond, func() bool {
		select {
		case _, ok := <-slow.send:
			return !ok
		default:
			return false
		}
	})
}

func TestConvertBroadcast(t *testing.T) {
	now := time.Now()
	cases := []struct {
		in       StateBroadcast
		wantType string
	}{
		{BroadcastSample{Sample: PipelineSample{TimeMS: 100}, At: now}, "sample_changed"},
		{BroadcastScriptLoaded{At: now}, "script_loaded"},
		{BroadcastTransportChanged{Playing: true, PositionMS: 5, At: now}, "transport_changed"},
		{BroadcastLinkChanged{Status: "open", At: now}, "link_changed"},
		{BroadcastSettingsChanged{At: now}, "settings_changed"},
	}

	for _, c := range cases {
		ev, ok := convertBroadcast(c.in)
		if !ok {
			t.Errorf("%T: expected conversion", c.in)
			continue
		}
		if ev.Type != c.wantType {
			t.Errorf("%T: expected type %q, got %q", c.in, c.wantType, ev.Type)
		}
	}
}

func TestBroadcaster_CoalescesSamples(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	hub := NewHub(testLogger(), HubConfig{SendBuf: 16, BroadcastBuf: 16})
	go hub.Run(ctx)

	c := newHubClient(hub, "viewer", 16)
	registerClient(t, hub, c)

	src := make(chan StateBroadcast, 16)
	go RunBroadcaster(ctx, hub, src, testLogger())

	// A burst of sample updates inside one coalesce window collapses to the
	// latest value.
	for i := 1; i <= 5; i++ {
		src <- BroadcastSample{Sample: PipelineSample{TimeMS: float64(i * 100)}}
	}

	select {
	case got := <-c.send:
		var env struct {
			Type string `json:"type"`
			Data struct {
				TimeMS float64 `json:"time_ms"`
			} `json:"data"`
		}
		if err := json.Unmarshal(got, &env); err != nil {
			t.Fatalf("unmarshal broadcast: %v", err)
		}
		if env.Type != "sample_changed" {
			t.Fatalf("expected sample_changed, got %q", env.Type)
		}
		if env.Data.TimeMS != 500 {
			t.Fatalf("expected the latest sample to win, got t=%v", env.Data.TimeMS)
		}
	case <-time.After(time.Second):
		t.Fatalf("timeout waiting for coalesced sample")
	}
}

func TestBroadcaster_DiscreteEventFlushesPendingSample(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	hub := NewHub(testLogger(), HubConfig{SendBuf: 16, BroadcastBuf: 16})
	go hub.Run(ctx)

	c := newHubClient(hub, "viewer", 16)
	registerClient(t, hub, c)

	src := make(chan StateBroadcast, 16)
	go RunBroadcaster(ctx, hub, src, testLogger())

	src <- BroadcastSample{Sample: PipelineSample{TimeMS: 100}}
	src <- BroadcastLinkChanged{Status: "closed"}

	// The pending sample goes out first, then the discrete event.
	wantTypes := []string{"sample_changed", "link_changed"}
	for _, want := range wantTypes {
		select {
		case got := <-c.send:
			var env struct {
				Type string `json:"type"`
			}
			if err := json.Unmarshal(got, &env); err != nil {
				t.Fatalf("unmarshal broadcast: %v", err)
			}
			if env.Type != want {
				t.Fatalf("expected %q, got %q", want, env.Type)
			}
		case <-time.After(time.Second):
			t.Fatalf("timeout waiting for %q", want)
		}
	}
}
