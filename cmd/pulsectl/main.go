package main

import (
	"encoding/json"
	"fmt"
	"net"
	"os"
	"strconv"
)

// ============================================================================
// pulsectl - Command-line IPC Client
// ============================================================================
// This tool sends events to the scriptpulse daemon via IPC.
//
// Usage:
//   pulsectl load bedroom-scene
//   pulsectl play
//   pulsectl pause
//   pulsectl seek 90000
//   pulsectl video-change /media/clips/intro.mp4
//   pulsectl clear
//
// Options:
//   -socket PATH    Unix domain socket path (default: /tmp/scriptpulse.sock)
// ============================================================================

// Event types (duplicated from main package for standalone binary)
type Event interface{}

type ScriptLoadRequested struct {
	Source string `json:"source"`
}

type ScriptClearRequested struct{}

type TransportPlay struct {
	PositionMS *float64 `json:"position_ms,omitempty"`
}

type TransportPause struct {
	PositionMS *float64 `json:"position_ms,omitempty"`
}

type TransportSeek struct {
	PositionMS float64 `json:"position_ms"`
}

type VideoChanged struct {
	Source string `json:"source,omitempty"`
}

type TimeSync struct {
	PositionMS float64 `json:"position_ms"`
	Playing    bool    `json:"playing"`
}

// EventEnvelope wraps events for JSON
type EventEnvelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// IPCResponse represents the daemon's response
type IPCResponse struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

func main() {
	socketPath := "/tmp/scriptpulse.sock"

	// Parse arguments
	args := os.Args[1:]
	if len(args) == 0 {
		printUsage()
		os.Exit(1)
	}

	// Check for -socket flag
	if args[0] == "-socket" || args[0] == "--socket" {
		if len(args) < 2 {
			fmt.Fprintf(os.Stderr, "error: -socket requires an argument\n")
			os.Exit(1)
		}
		socketPath = args[1]
		args = args[2:]
	}

	if len(args) == 0 {
		printUsage()
		os.Exit(1)
	}

	// Parse command
	var ev Event

	switch args[0] {
	case "load":
		if len(args) < 2 {
			fmt.Fprintf(os.Stderr, "error: load requires a script name, path or URL\n")
			os.Exit(1)
		}
		ev = ScriptLoadRequested{Source: args[1]}

	case "clear":
		ev = ScriptClearRequested{}

	case "play":
		pos, err := optionalPosition(args[1:])
		if err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
		ev = TransportPlay{PositionMS: pos}

	case "pause":
		pos, err := optionalPosition(args[1:])
		if err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
		ev = TransportPause{PositionMS: pos}

	case "seek":
		if len(args) < 2 {
			fmt.Fprintf(os.Stderr, "error: seek requires a position in milliseconds\n")
			os.Exit(1)
		}
		pos, err := strconv.ParseFloat(args[1], 64)
		if err != nil {
			fmt.Fprintf(os.Stderr, "error: invalid position: %v\n", err)
			os.Exit(1)
		}
		ev = TransportSeek{PositionMS: pos}

	case "video-change":
		source := ""
		if len(args) > 1 {
			source = args[1]
		}
		ev = VideoChanged{Source: source}

	case "sync":
		if len(args) < 3 {
			fmt.Fprintf(os.Stderr, "error: sync requires a position in milliseconds and a playing flag\n")
			os.Exit(1)
		}
		pos, err := strconv.ParseFloat(args[1], 64)
		if err != nil {
			fmt.Fprintf(os.Stderr, "error: invalid position: %v\n", err)
			os.Exit(1)
		}
		playing, err := strconv.ParseBool(args[2])
		if err != nil {
			fmt.Fprintf(os.Stderr, "error: invalid playing flag: %v\n", err)
			os.Exit(1)
		}
		ev = TimeSync{PositionMS: pos, Playing: playing}

	case "help", "-h", "--help":
		printUsage()
		os.Exit(0)

	default:
		fmt.Fprintf(os.Stderr, "error: unknown command: %s\n", args[0])
		printUsage()
		os.Exit(1)
	}

	// Send event
	if err := sendEvent(socketPath, ev); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	fmt.Println("ok")
}

func optionalPosition(args []string) (*float64, error) {
	if len(args) == 0 {
		return nil, nil
	}
	pos, err := strconv.ParseFloat(args[0], 64)
	if err != nil {
		return nil, fmt.Errorf("invalid position: %w", err)
	}
	return &pos, nil
}

func sendEvent(socketPath string, ev Event) error {
	// Connect to socket
	conn, err := net.Dial("unix", socketPath)
	if err != nil {
		return fmt.Errorf("connect to %s: %w", socketPath, err)
	}
	defer conn.Close()

	// Marshal event
	data, err := marshalEvent(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	// Send event (line-delimited JSON)
	if _, err := fmt.Fprintf(conn, "%s\n", data); err != nil {
		return fmt.Errorf("send event: %w", err)
	}

	// Read response
	var response IPCResponse
	decoder := json.NewDecoder(conn)
	if err := decoder.Decode(&response); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}

	// Check response status
	if response.Status == "error" {
		return fmt.Errorf("daemon error: %s", response.Error)
	}

	return nil
}

func marshalEvent(ev Event) ([]byte, error) {
	var env EventEnvelope

	switch e := ev.(type) {
	case ScriptLoadRequested:
		env.Type = "load_script"
		data, err := json.Marshal(e)
		if err != nil {
			return nil, fmt.Errorf("marshal ScriptLoadRequested: %w", err)
		}
		env.Data = data

	case ScriptClearRequested:
		env.Type = "clear_script"

	case TransportPlay:
		env.Type = "play"
		data, err := json.Marshal(e)
		if err != nil {
			return nil, fmt.Errorf("marshal TransportPlay: %w", err)
		}
		env.Data = data

	case TransportPause:
		env.Type = "pause"
		data, err := json.Marshal(e)
		if err != nil {
			return nil, fmt.Errorf("marshal TransportPause: %w", err)
		}
		env.Data = data

	case TransportSeek:
		env.Type = "seek"
		data, err := json.Marshal(e)
		if err != nil {
			return nil, fmt.Errorf("marshal TransportSeek: %w", err)
		}
		env.Data = data

	case VideoChanged:
		env.Type = "video_changed"
		data, err := json.Marshal(e)
		if err != nil {
			return nil, fmt.Errorf("marshal VideoChanged: %w", err)
		}
		env.Data = data

	case TimeSync:
		env.Type = "time_sync"
		data, err := json.Marshal(e)
		if err != nil {
			return nil, fmt.Errorf("marshal TimeSync: %w", err)
		}
		env.Data = data

	default:
		return nil, fmt.Errorf("unknown event type: %T", ev)
	}

	return json.Marshal(env)
}

func printUsage() {
	fmt.Fprintf(os.Stderr, `pulsectl - Control the scriptpulse daemon via IPC

Usage:
  pulsectl [options] <command> [args]

Options:
  -socket PATH    Unix domain socket path (default: /tmp/scriptpulse.sock)

Commands:
  load <source>           Load a script by library name, file path or URL
  clear                   Unload the current script and zero the device
  play [position_ms]      Start playback (optionally from a position)
  pause [position_ms]     Pause playback (optionally recording a position)
  seek <position_ms>      Jump to a position
  video-change [source]   Signal a video switch (optionally loading a new script)
  sync <position_ms> <playing>
                          Report the player clock for drift correction
  help, -h, --help        Show this help message

Examples:
  pulsectl load bedroom-scene
  pulsectl seek 90000
  pulsectl -socket /var/run/scriptpulse.sock pause
`)
}
