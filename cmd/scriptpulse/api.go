package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// ============================================================================
// HTTP API
// ============================================================================
// REST surface for loading scripts, driving the transport and editing
// settings. Mutations are translated into daemon events; reads come from the
// pipeline's snapshot API or a daemon snapshot round-trip.
// ============================================================================

type APIServer struct {
	pipeline *Pipeline
	loader   *ScriptLoader
	stats    *StatsStore
	events   chan<- Event
	logger   *slog.Logger
}

func NewAPIServer(pipeline *Pipeline, loader *ScriptLoader, stats *StatsStore, events chan<- Event, logger *slog.Logger) *APIServer {
	return &APIServer{
		pipeline: pipeline,
		loader:   loader,
		stats:    stats,
		events:   events,
		logger:   logger,
	}
}

// Register registers all API routes on the provided mux.
func (s *APIServer) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/script/{name}", s.handleScript)
	mux.HandleFunc("POST /api/load", s.handleLoad)
	mux.HandleFunc("POST /api/play", s.handlePlay)
	mux.HandleFunc("POST /api/pause", s.handlePause)
	mux.HandleFunc("POST /api/seek", s.handleSeek)
	mux.HandleFunc("POST /api/video-change", s.handleVideoChange)
	mux.HandleFunc("GET /api/status", s.handleStatus)
	mux.HandleFunc("GET /api/settings", s.handleSettingsGet)
	mux.HandleFunc("PUT /api/settings", s.handleSettingsPut)
	mux.HandleFunc("GET /api/stats", s.handleStats)
}

func (s *APIServer) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn("api response encode failed", "error", err)
	}
}

func (s *APIServer) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}

// decodeBody decodes a JSON request body into dst. An empty body is allowed;
// malformed JSON responds 400 and returns false.
func (s *APIServer) decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	defer r.Body.Close()
	err := json.NewDecoder(io.LimitReader(r.Body, apiBodyLimit)).Decode(dst)
	if err != nil && !errors.Is(err, io.EOF) {
		s.writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid body: %v", err))
		return false
	}
	return true
}

// sendEvent enqueues an event for the daemon and acknowledges the request.
// It never blocks; a full queue rejects the request.
func (s *APIServer) sendEvent(w http.ResponseWriter, ev Event) {
	select {
	case s.events <- ev:
		s.writeJSON(w, http.StatusAccepted, map[string]string{"status": "ok"})
	default:
		s.logger.Warn("event queue full, rejecting api request")
		s.writeError(w, http.StatusServiceUnavailable, "daemon busy")
	}
}

// requestSnapshot round-trips through the daemon's event loop for a
// consistent view of transport and pipeline state.
func (s *APIServer) requestSnapshot(ctx context.Context) (StateSnapshot, error) {
	reply := make(chan StateSnapshot, 1)

	select {
	case s.events <- RequestStateSnapshot{Reply: reply}:
	case <-ctx.Done():
		return StateSnapshot{}, ctx.Err()
	}

	select {
	case snap := <-reply:
		return snap, nil
	case <-ctx.Done():
		return StateSnapshot{}, ctx.Err()
	case <-time.After(time.Second):
		return StateSnapshot{}, fmt.Errorf("snapshot request timed out")
	}
}

// handleScript serves a parsed script from the library with its derived
// intensity curve, without touching playback state.
func (s *APIServer) handleScript(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")

	data, err := s.loader.ReadLibrary(name)
	if err != nil {
		s.writeError(w, http.StatusNotFound, fmt.Sprintf("script %q not found", name))
		return
	}

	script, err := ParseScript(data)
	if err != nil {
		s.writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}

	intensity := script.Intensity
	if intensity == nil || intensity.IsEmpty() {
		status := s.pipeline.Status()
		intensity, err = deriveIntensity(script.Original, status.Strategy, status.Loop)
		if err != nil {
			s.writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
	}

	s.writeJSON(w, http.StatusOK, struct {
		Original  scriptSection `json:"original"`
		Intensity scriptSection `json:"intensity"`
	}{
		Original:  scriptSection{Actions: script.Original.Actions()},
		Intensity: scriptSection{Actions: intensity.Actions()},
	})
}

func (s *APIServer) handleLoad(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Source string `json:"source"`
	}
	if !s.decodeBody(w, r, &body) {
		return
	}
	if strings.TrimSpace(body.Source) == "" {
		s.writeError(w, http.StatusBadRequest, "source is required")
		return
	}
	s.sendEvent(w, ScriptLoadRequested{Source: body.Source})
}

func (s *APIServer) handlePlay(w http.ResponseWriter, r *http.Request) {
	var body struct {
		PositionMS *float64 `json:"position_ms"`
	}
	if !s.decodeBody(w, r, &body) {
		return
	}
	s.sendEvent(w, TransportPlay{PositionMS: body.PositionMS})
}

func (s *APIServer) handlePause(w http.ResponseWriter, r *http.Request) {
	var body struct {
		PositionMS *float64 `json:"position_ms"`
	}
	if !s.decodeBody(w, r, &body) {
		return
	}
	s.sendEvent(w, TransportPause{PositionMS: body.PositionMS})
}

func (s *APIServer) handleSeek(w http.ResponseWriter, r *http.Request) {
	var body struct {
		PositionMS *float64 `json:"position_ms"`
	}
	if !s.decodeBody(w, r, &body) {
		return
	}
	if body.PositionMS == nil {
		s.writeError(w, http.StatusBadRequest, "position_ms is required")
		return
	}
	s.sendEvent(w, TransportSeek{PositionMS: *body.PositionMS})
}

func (s *APIServer) handleVideoChange(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Source string `json:"source"`
	}
	if !s.decodeBody(w, r, &body) {
		return
	}
	s.sendEvent(w, VideoChanged{Source: body.Source})
}

func (s *APIServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	snap, err := s.requestSnapshot(r.Context())
	if err != nil {
		s.logger.Warn("status snapshot failed", "error", err)
		s.writeError(w, http.StatusServiceUnavailable, "daemon unavailable")
		return
	}
	s.writeJSON(w, http.StatusOK, snap)
}

// settingsPayload is the GET/PUT wire form of the adjustable settings.
// Pointer fields on PUT mean "leave unchanged".
type settingsPayload struct {
	Multiplier  *float64 `json:"multiplier,omitempty"`
	AbsoluteMax *int     `json:"absolute_max,omitempty"`
	Mode        *string  `json:"mode,omitempty"`
	Strategy    *string  `json:"strategy,omitempty"`
	Loop        *bool    `json:"loop,omitempty"`
}

func (s *APIServer) currentSettings() settingsPayload {
	st := s.pipeline.Status()
	return settingsPayload{
		Multiplier:  &st.Multiplier,
		AbsoluteMax: &st.AbsoluteMax,
		Mode:        &st.Mode,
		Strategy:    &st.Strategy,
		Loop:        &st.Loop,
	}
}

func (s *APIServer) handleSettingsGet(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.currentSettings())
}

// handleSettingsPut validates the whole payload before applying any field,
// so a bad request leaves every setting untouched.
func (s *APIServer) handleSettingsPut(w http.ResponseWriter, r *http.Request) {
	var body settingsPayload
	if !s.decodeBody(w, r, &body) {
		return
	}

	var mode DriveMode
	if body.Mode != nil {
		var err error
		mode, err = parseDriveMode(*body.Mode)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, err.Error())
			return
		}
	}
	if body.Strategy != nil {
		if _, err := deriverForStrategy(*body.Strategy); err != nil {
			s.writeError(w, http.StatusBadRequest, err.Error())
			return
		}
	}
	if body.Multiplier != nil || body.AbsoluteMax != nil {
		next := s.pipeline.Safety()
		if body.Multiplier != nil {
			next.Multiplier = *body.Multiplier
		}
		if body.AbsoluteMax != nil {
			next.AbsoluteMax = *body.AbsoluteMax
		}
		if !next.Validate() {
			s.writeError(w, http.StatusBadRequest, "invalid safety settings")
			return
		}
	}

	if body.Multiplier != nil {
		if err := s.pipeline.SetMultiplier(*body.Multiplier); err != nil {
			s.writeError(w, http.StatusBadRequest, err.Error())
			return
		}
	}
	if body.AbsoluteMax != nil {
		if err := s.pipeline.SetAbsoluteMax(*body.AbsoluteMax); err != nil {
			s.writeError(w, http.StatusBadRequest, err.Error())
			return
		}
	}
	if body.Mode != nil {
		s.pipeline.SetMode(mode)
	}
	if body.Strategy != nil {
		if err := s.pipeline.SetStrategy(*body.Strategy); err != nil {
			s.writeError(w, http.StatusBadRequest, err.Error())
			return
		}
	}
	if body.Loop != nil {
		s.pipeline.SetLoop(*body.Loop)
	}

	// Let state watchers know; drop on a full queue, the next snapshot
	// carries the same values.
	select {
	case s.events <- SettingsChanged{}:
	default:
	}

	s.writeJSON(w, http.StatusOK, s.currentSettings())
}

func (s *APIServer) handleStats(w http.ResponseWriter, r *http.Request) {
	if s.stats == nil {
		s.writeError(w, http.StatusServiceUnavailable, "stats store not configured")
		return
	}

	if source := r.URL.Query().Get("source"); source != "" {
		rec, ok, err := s.stats.Lookup(r.Context(), source)
		if err != nil {
			s.logger.Error("stats lookup failed", "source", source, "error", err)
			s.writeError(w, http.StatusInternalServerError, "stats lookup failed")
			return
		}
		if !ok {
			s.writeError(w, http.StatusNotFound, fmt.Sprintf("no stats for %q", source))
			return
		}
		s.writeJSON(w, http.StatusOK, rec)
		return
	}

	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			s.writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}

	rows, err := s.stats.Recent(r.Context(), limit)
	if err != nil {
		s.logger.Error("stats list failed", "error", err)
		s.writeError(w, http.StatusInternalServerError, "stats list failed")
		return
	}
	if rows == nil {
		rows = []ScriptStatsRow{}
	}
	s.writeJSON(w, http.StatusOK, rows)
}

// runAPIServer starts the HTTP server on addr and shuts it down gracefully
// when ctx is canceled.
//
// This replaces http.ListenAndServe so we can call Server.Shutdown during
// program shutdown.
func runAPIServer(ctx context.Context, addr string, handler http.Handler, logger *slog.Logger) error {
	logger.Info("api server listening", "addr", addr)

	srv := &http.Server{
		Addr:    addr,
		Handler: handler,
	}

	errCh := make(chan error, 1)

	go func() {
		// ListenAndServe returns http.ErrServerClosed on Shutdown; treat that as clean exit.
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("HTTP server: %w", err)
			return
		}
		errCh <- nil
	}()

	select {
	case <-ctx.Done():
		// Graceful shutdown with a timeout.
		shutdownCtx, cancel := context.WithTimeout(context.Background(), apiShutdownTimeout)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("HTTP server shutdown: %w", err)
		}
		// Wait for the ListenAndServe goroutine to return.
		_ = <-errCh
		return nil

	case err := <-errCh:
		return err
	}
}
