package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"
)

const version = "1.0.0"

func printVersion() {
	fmt.Printf("ScriptPulse v%s\n", version)
	fmt.Println("Funscript playback daemon for websocket haptic devices")
}

func printUsage() {
	printVersion()
	fmt.Println()
	fmt.Println("USAGE:")
	fmt.Println("  scriptpulse [OPTIONS]")
	fmt.Println("  scriptpulse player-hook [OPTIONS]")
	fmt.Println()
	fmt.Println("DESCRIPTION:")
	fmt.Println("  Daemon that plays funscript timelines against a websocket haptic")
	fmt.Println("  device. Derives an intensity curve from the position script, smooths")
	fmt.Println("  and normalizes it, and keeps playback in sync with a video player")
	fmt.Println("  via IPC hooks. Exposes an HTTP API plus state and control websockets.")
	fmt.Println()
	fmt.Println("OPTIONS:")
	fmt.Println("  -config string")
	fmt.Println("        Path to YAML config file (optional; flags and SCRIPTPULSE_* env override it)")
	fmt.Println()
	fmt.Println("  -device-ws-url string")
	fmt.Printf("        Device websocket URL (default \"ws://127.0.0.1:12345/buttplug\")\n")
	fmt.Println()
	fmt.Println("  -legacy-scalar")
	fmt.Println("        Send a bare oscillate value instead of {\"o\",\"v\"} JSON frames")
	fmt.Println()
	fmt.Println("  -api-listen string")
	fmt.Printf("        HTTP listen address for API and websockets (default \":5441\")\n")
	fmt.Println()
	fmt.Println("  -mode string")
	fmt.Println("        Drive mode: rate|pulse|external (default \"rate\")")
	fmt.Println()
	fmt.Println("  -strategy string")
	fmt.Println("        Intensity strategy: slope|windowed (default \"slope\")")
	fmt.Println()
	fmt.Println("  -loop")
	fmt.Println("        Smooth the intensity curve for looped playback")
	fmt.Println()
	fmt.Println("  -update-hz int")
	fmt.Printf("        Playback update frequency in Hz (default %d)\n", defaultUpdateHz)
	fmt.Println()
	fmt.Println("  -absolute-max int")
	fmt.Printf("        Hard intensity ceiling 0-100 (default %d)\n", defaultAbsoluteMax)
	fmt.Println()
	fmt.Println("  -script-dir string")
	fmt.Println("        Directory holding .funscript files (empty disables the library)")
	fmt.Println()
	fmt.Println("  -stats-db string")
	fmt.Println("        SQLite database for script statistics (empty disables stats)")
	fmt.Println()
	fmt.Println("  -ipc-socket string")
	fmt.Printf("        Unix domain socket path for IPC (default \"/tmp/scriptpulse.sock\")\n")
	fmt.Println()
	fmt.Println("  -log-level string")
	fmt.Println("        Log level: error, warn, info, debug (default \"info\")")
	fmt.Println()
	fmt.Println("  -version")
	fmt.Println("        Print version and exit")
	fmt.Println()
	fmt.Println("  -help")
	fmt.Println("        Print this help message")
	fmt.Println()
	fmt.Println("SUBCOMMANDS:")
	fmt.Println("  player-hook")
	fmt.Println("        Run as player event hook (reads PLAYER_EVENT from environment)")
	fmt.Println("        Options: -ipc-socket, -log-level")
	fmt.Println()
	fmt.Println("EXAMPLES:")
	fmt.Println("  # Start daemon with default settings")
	fmt.Println("  scriptpulse")
	fmt.Println()
	fmt.Println("  # Custom device endpoint and script library")
	fmt.Println("  scriptpulse -device-ws-url ws://192.168.1.50:12345/buttplug -script-dir ~/scripts")
	fmt.Println()
	fmt.Println("  # Beat pulse mode with stats recording")
	fmt.Println("  scriptpulse -mode pulse -stats-db ~/.local/share/scriptpulse/stats.db")
	fmt.Println()
	fmt.Println("  # Use as player hook (add to player config)")
	fmt.Println("  onevent = scriptpulse player-hook")
	fmt.Println()
	fmt.Println("NOTES:")
	fmt.Println("  - The device endpoint must speak the websocket command protocol")
	fmt.Println("  - Settings (mode, strategy, multiplier, ceiling) are adjustable at")
	fmt.Println("    runtime via PUT /api/settings")
	fmt.Println("  - The daemon zeroes the device on pause, video change and shutdown")
	fmt.Println()
}

func main() {
	// Check for subcommand mode (player hook) first
	if len(os.Args) > 1 && os.Args[1] == "player-hook" {
		runPlayerHookSubcommand()
		return
	}

	// Check for version flag early (for main command)
	for _, arg := range os.Args[1:] {
		if arg == "-version" || arg == "--version" {
			printVersion()
			return
		}
		if arg == "-help" || arg == "--help" || arg == "-h" {
			printUsage()
			return
		}
	}

	// Parse command-line flags
	defaults := DefaultConfig()
	var (
		configPath   = flag.String("config", "", "Path to YAML config file")
		deviceWsURL  = flag.String("device-ws-url", defaults.Device.WsURL, "Device websocket URL")
		legacyScalar = flag.Bool("legacy-scalar", defaults.Device.LegacyScalar, "Send a bare oscillate value instead of JSON frames")
		apiListen    = flag.String("api-listen", defaults.API.Listen, "HTTP listen address for API and websockets")
		mode         = flag.String("mode", defaults.Pipeline.Mode, "Drive mode: rate|pulse|external")
		strategy     = flag.String("strategy", defaults.Pipeline.Strategy, "Intensity strategy: slope|windowed")
		loop         = flag.Bool("loop", defaults.Pipeline.Loop, "Smooth the intensity curve for looped playback")
		updateHz     = flag.Int("update-hz", defaults.Pipeline.UpdateHz, "Playback update frequency in Hz")
		absoluteMax  = flag.Int("absolute-max", defaults.Pipeline.AbsoluteMax, "Hard intensity ceiling 0-100")
		scriptDir    = flag.String("script-dir", defaults.Library.ScriptDir, "Directory holding .funscript files")
		statsDB      = flag.String("stats-db", defaults.Stats.DBPath, "SQLite database for script statistics")
		ipcSocket    = flag.String("ipc-socket", defaults.IPC.SocketPath, "Unix domain socket path for IPC")
		logLevelStr  = flag.String("log-level", defaults.Logging.Level, "Log level: error, warn, info, debug")
		showVersion  = flag.Bool("version", false, "Print version and exit")
		showHelp     = flag.Bool("help", false, "Print help message")
	)

	// Custom usage function
	flag.Usage = printUsage
	flag.Parse()

	// Handle help and version flags
	if *showHelp {
		printUsage()
		return
	}
	if *showVersion {
		printVersion()
		return
	}

	// Assemble configuration: defaults < file < environment < flags
	cfg := defaults
	if *configPath != "" {
		loaded, err := LoadConfigFile(*configPath)
		if err != nil {
			fmt.Fprintln(os.Stderr, "error:", err)
			os.Exit(1)
		}
		cfg = loaded
	}
	if err := ApplyEnvOverrides(&cfg); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}

	// Only flags the user actually set override the config file.
	var overrides FlagOverrides
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "device-ws-url":
			overrides.DeviceWsURL = deviceWsURL
		case "legacy-scalar":
			overrides.LegacyScalar = legacyScalar
		case "api-listen":
			overrides.APIListen = apiListen
		case "mode":
			overrides.Mode = mode
		case "strategy":
			overrides.Strategy = strategy
		case "loop":
			overrides.Loop = loop
		case "update-hz":
			overrides.UpdateHz = updateHz
		case "absolute-max":
			overrides.AbsoluteMax = absoluteMax
		case "script-dir":
			overrides.ScriptDir = scriptDir
		case "stats-db":
			overrides.StatsDB = statsDB
		case "ipc-socket":
			overrides.IPCSocketPath = ipcSocket
		case "log-level":
			overrides.LogLevel = logLevelStr
		}
	})
	overrides.Apply(&cfg)

	if err := cfg.Validate(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}

	// Parse and validate log level
	logLevel, err := parseLogLevel(cfg.Logging.Level)
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}

	// Setup logger
	logger := setupLogger(logLevel)

	// Initialize the playback pipeline
	pipeline, err := NewPipeline(cfg.Pipeline.Strategy, cfg.Pipeline.Loop, logger.With("component", "pipeline"))
	if err != nil {
		logger.Error("failed to initialize pipeline", "error", err)
		os.Exit(1)
	}
	driveMode, err := parseDriveMode(cfg.Pipeline.Mode)
	if err != nil {
		logger.Error("failed to parse drive mode", "error", err)
		os.Exit(1)
	}
	pipeline.SetMode(driveMode)
	if err := pipeline.SetAbsoluteMax(cfg.Pipeline.AbsoluteMax); err != nil {
		logger.Error("failed to apply absolute max", "error", err)
		os.Exit(1)
	}

	// Initialize the device channel
	device, err := NewDeviceChannel(cfg.Device.WsURL, cfg.Device.LegacyScalar, &wsConduit{}, logger.With("component", "device"))
	if err != nil {
		logger.Error("failed to initialize device channel", "error", err)
		os.Exit(1)
	}

	// Script library loader
	loader := NewScriptLoader(ExpandPath(cfg.Library.ScriptDir), logger.With("component", "loader"))

	// Script statistics store (optional)
	store, err := OpenStatsStore(ExpandPath(cfg.Stats.DBPath), logger.With("component", "stats"))
	if err != nil {
		logger.Error("failed to open stats store", "error", err)
		os.Exit(1)
	}
	defer store.Close()

	// A nil *StatsStore must stay a nil interface for the daemon's check.
	var recorder StatsRecorder
	if store != nil {
		recorder = store
	}

	// Create event channel - central command bus
	events := make(chan Event, 64)

	// Broadcast channel feeding the state websocket
	broadcasts := make(chan StateBroadcast, 64)

	// HTTP surface: API routes plus state and control websockets
	stateServer := NewStateServer(logger.With("component", "state_ws"), events, StateServerConfig{})
	controlServer := NewControlServer(logger.With("component", "control_ws"), events)
	apiServer := NewAPIServer(pipeline, loader, store, events, logger.With("component", "api"))

	mux := http.NewServeMux()
	apiServer.Register(mux)
	stateServer.Register(mux, "/ws/state")
	controlServer.Register(mux, "/ws/control")

	// Handle shutdown
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Debug("starting scriptpulse", "version", version)
	logger.Debug("configuration",
		"device_ws_url", cfg.Device.WsURL,
		"legacy_scalar", cfg.Device.LegacyScalar,
		"api_listen", cfg.API.Listen,
		"mode", cfg.Pipeline.Mode,
		"strategy", cfg.Pipeline.Strategy,
		"loop", cfg.Pipeline.Loop,
		"update_hz", cfg.Pipeline.UpdateHz,
		"absolute_max", cfg.Pipeline.AbsoluteMax,
		"script_dir", cfg.Library.ScriptDir,
		"stats_db", cfg.Stats.DBPath,
		"ipc_socket", cfg.IPC.SocketPath)
	logger.Info("listening",
		"api", cfg.API.Listen,
		"ipc", cfg.IPC.SocketPath,
		"device_ws", cfg.Device.WsURL,
		"update_rate_hz", cfg.Pipeline.UpdateHz)

	// ============================================================================
	// Component Lifecycle
	// ============================================================================
	// Every long-running piece is context-driven. The first component to fail
	// cancels the rest; a shutdown signal cancels them all. The daemon zeroes
	// the actuator on its way out, Shutdown below is the belt for the braces.
	// ============================================================================

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		stateServer.Hub().Run(gctx)
		return nil
	})
	g.Go(func() error {
		RunBroadcaster(gctx, stateServer.Hub(), broadcasts, logger.With("component", "broadcaster"))
		return nil
	})
	g.Go(func() error {
		return runAPIServer(gctx, cfg.API.Listen, mux, logger.With("component", "api"))
	})
	g.Go(func() error {
		return runIPCServer(gctx, cfg.IPC.SocketPath, events, logger.With("component", "ipc"))
	})
	g.Go(func() error {
		runDaemon(gctx, events, pipeline, device, loader, broadcasts, recorder, cfg.Pipeline.UpdateHz, logger.With("component", "daemon"))
		return nil
	})

	// Kick off the device connection; failures schedule their own reconnect.
	if err := device.Connect(); err != nil {
		logger.Warn("initial device connect rejected", "error", err)
	}

	err = g.Wait()

	logger.Info("shutting down")
	device.Shutdown()

	if err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("component failed", "error", err)
		os.Exit(1)
	}
}

func printPlayerHookUsage() {
	fmt.Printf("ScriptPulse player-hook v%s\n", version)
	fmt.Println()
	fmt.Println("USAGE:")
	fmt.Println("  scriptpulse player-hook [OPTIONS]")
	fmt.Println()
	fmt.Println("DESCRIPTION:")
	fmt.Println("  Player event hook that communicates with the ScriptPulse daemon")
	fmt.Println("  via Unix socket. Reads the PLAYER_EVENT environment variable to")
	fmt.Println("  handle playback events (playing/paused/seeked/stopped/...).")
	fmt.Println()
	fmt.Println("OPTIONS:")
	fmt.Println("  -ipc-socket string")
	fmt.Println("        Unix domain socket path for IPC (default \"/tmp/scriptpulse.sock\")")
	fmt.Println()
	fmt.Println("  -log-level string")
	fmt.Println("        Log level: error, warn, info, debug (default \"info\")")
	fmt.Println()
	fmt.Println("ENVIRONMENT VARIABLES:")
	fmt.Println("  PLAYER_EVENT  - Event type (playing|paused|seeked|position_correction|video_changed|stopped)")
	fmt.Println("  POSITION_MS   - Playback position in milliseconds (where applicable)")
	fmt.Println("  VIDEO_SOURCE  - New video source for video_changed events")
	fmt.Println()
	fmt.Println("EXAMPLE:")
	fmt.Println("  Add to player configuration:")
	fmt.Println("  onevent = /usr/local/bin/scriptpulse player-hook")
	fmt.Println()
}

// runPlayerHookSubcommand handles player-hook subcommand mode
func runPlayerHookSubcommand() {
	// Create a new flagset for the player-hook subcommand
	fs := flag.NewFlagSet("player-hook", flag.ExitOnError)
	ipcSocketPath := fs.String("ipc-socket", "/tmp/scriptpulse.sock", "Unix domain socket path for IPC")
	logLevelStr := fs.String("log-level", "info", "Log level: error, warn, info, debug")
	showHelp := fs.Bool("help", false, "Print help message")

	// Custom usage for the player-hook subcommand
	fs.Usage = printPlayerHookUsage

	// Parse flags (skip "player-hook" subcommand name)
	fs.Parse(os.Args[2:])

	// Handle help flag
	if *showHelp {
		printPlayerHookUsage()
		return
	}

	// Parse and validate log level
	logLevel, err := parseLogLevel(*logLevelStr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	// Setup logger
	logger := setupLogger(logLevel)

	// Run hook handler (reads from environment variables)
	if err := runPlayerHook(*ipcSocketPath, logger); err != nil {
		logger.Error("player hook error", "error", err)
		os.Exit(1)
	}
}
