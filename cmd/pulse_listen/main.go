package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/url"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
)

// pulse_listen subscribes to the scriptpulse state websocket and prints the
// event stream. Handy for eyeballing what the daemon is sending to UIs.

type envelope struct {
	Type string          `json:"type"`
	Ts   *time.Time      `json:"ts,omitempty"`
	Data json.RawMessage `json:"data,omitempty"`
}

type sampleData struct {
	TimeMS       float64 `json:"time_ms"`
	Position     float64 `json:"position"`
	Intensity    float64 `json:"intensity"`
	RawIntensity float64 `json:"raw_intensity"`
	Pulse        float64 `json:"pulse"`
}

func main() {
	var (
		wsURL     = flag.String("ws", "ws://127.0.0.1:5441/ws/state", "scriptpulse state websocket URL")
		noSamples = flag.Bool("no-samples", false, "Hide the high-rate sample feed")
	)
	flag.Parse()

	// Parse websocket URL
	u, err := url.Parse(*wsURL)
	if err != nil {
		log.Fatalf("invalid websocket URL: %v", err)
	}

	// Handle shutdown
	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM)

	// Connect to websocket
	d := websocket.Dialer{
		HandshakeTimeout: 5 * time.Second,
	}

	log.Printf("connecting to %s...", u.String())
	conn, _, err := d.Dial(u.String(), nil)
	if err != nil {
		log.Fatalf("failed to connect: %v", err)
	}
	defer conn.Close()

	log.Printf("connected! (press Ctrl+C to exit)")

	// Mutex to protect concurrent writes to websocket
	var writeMu sync.Mutex

	// The server pings us; gorilla answers with pongs automatically. Our own
	// read deadline just detects a dead daemon.
	conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	conn.SetPingHandler(func(appData string) error {
		conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		writeMu.Lock()
		defer writeMu.Unlock()
		return conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(5*time.Second))
	})

	// Message reading loop
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			messageType, message, err := conn.ReadMessage()
			if err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
					log.Printf("websocket error: %v", err)
				}
				return
			}

			if messageType != websocket.TextMessage {
				fmt.Printf("[BINARY] %d bytes\n", len(message))
				continue
			}

			handleEnvelope(message, *noSamples)
		}
	}()

	// Wait for shutdown signal or connection close
	select {
	case <-sigc:
		log.Printf("shutting down...")
		// Clean close
		writeMu.Lock()
		err := conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		writeMu.Unlock()
		if err != nil {
			log.Printf("error closing connection: %v", err)
		}
	case <-done:
		log.Printf("connection closed")
	}
}

// handleEnvelope pretty-prints one state event
func handleEnvelope(message []byte, noSamples bool) {
	var env envelope
	if err := json.Unmarshal(message, &env); err != nil {
		fmt.Printf("[TEXT] %s\n", string(message))
		return
	}

	switch env.Type {
	case "sample_changed":
		if noSamples {
			return
		}
		var s sampleData
		if err := json.Unmarshal(env.Data, &s); err != nil {
			fmt.Printf("[SAMPLE] %s\n", string(env.Data))
			return
		}
		fmt.Printf("[SAMPLE] t=%.0fms pos=%.1f int=%.1f raw=%.1f pulse=%.2f\n",
			s.TimeMS, s.Position, s.Intensity, s.RawIntensity, s.Pulse)

	case "link_changed":
		fmt.Printf("[LINK] %s\n", compactData(env.Data))

	case "transport_changed":
		fmt.Printf("[TRANSPORT] %s\n", compactData(env.Data))

	case "script_loaded":
		fmt.Printf("[SCRIPT] %s\n", compactData(env.Data))

	case "settings_changed":
		fmt.Printf("[SETTINGS] %s\n", compactData(env.Data))

	case "state_init":
		fmt.Printf("[INIT]\n%s\n\n", prettyData(env.Data))

	default:
		fmt.Printf("[%s] %s\n", env.Type, compactData(env.Data))
	}
}

func compactData(data json.RawMessage) string {
	if len(data) == 0 {
		return "{}"
	}
	return string(data)
}

func prettyData(data json.RawMessage) string {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return string(data)
	}
	pretty, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return string(data)
	}
	return string(pretty)
}
