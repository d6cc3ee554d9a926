package main

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// newTestAPI stands up the HTTP surface with a stub answering daemon
// snapshot requests, without running the full daemon loop.
func newTestAPI(t *testing.T) (*httptest.Server, *Pipeline, chan Event, string) {
	t.Helper()

	pipeline := newTestPipeline(t)
	events := make(chan Event, 16)
	forwarded := make(chan Event, 16)
	dir := t.TempDir()
	loader := NewScriptLoader(dir, testLogger())

	// Stand-in for the daemon loop: answer snapshot requests, pass
	// everything else through for assertions.
	go func() {
		for ev := range events {
			if req, ok := ev.(RequestStateSnapshot); ok {
				req.Reply <- StateSnapshot{
					Pipeline: pipeline.Status(),
					Link:     string(LinkDisconnected),
				}
				continue
			}
			forwarded <- ev
		}
	}()

	mux := http.NewServeMux()
	NewAPIServer(pipeline, loader, nil, events, testLogger()).Register(mux)

	srv := httptest.NewServer(mux)
	t.Cleanup(func() {
		srv.Close()
		close(events)
	})
	return srv, pipeline, forwarded, dir
}

func TestAPI_Status(t *testing.T) {
	srv, _, _, _ := newTestAPI(t)

	resp, err := http.Get(srv.URL + "/api/status")
	if err != nil {
		t.Fatalf("GET /api/status failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	var snap StateSnapshot
	if err := json.NewDecoder(resp.Body).Decode(&snap); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if snap.Pipeline.Loaded {
		t.Fatalf("expected unloaded pipeline in the fresh snapshot")
	}
}

func TestAPI_SettingsPutAndGet(t *testing.T) {
	srv, pipeline, _, _ := newTestAPI(t)

	req, _ := http.NewRequest(http.MethodPut, srv.URL+"/api/settings",
		strings.NewReader(`{"multiplier":1.5,"absolute_max":70,"mode":"pulse"}`))
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("PUT /api/settings failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	safety := pipeline.Safety()
	if safety.Multiplier != 1.5 || safety.AbsoluteMax != 70 {
		t.Fatalf("settings not applied: %+v", safety)
	}
	if pipeline.Mode() != ModePulse {
		t.Fatalf("mode not applied: %v", pipeline.Mode())
	}

	resp, err = http.Get(srv.URL + "/api/settings")
	if err != nil {
		t.Fatalf("GET /api/settings failed: %v", err)
	}
	defer resp.Body.Close()

	var got settingsPayload
	if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
		t.Fatalf("decode settings: %v", err)
	}
	if got.Multiplier == nil || *got.Multiplier != 1.5 {
		t.Fatalf("unexpected settings readback: %+v", got)
	}
}

func TestAPI_SettingsPutRejectsInvalid(t *testing.T) {
	srv, pipeline, _, _ := newTestAPI(t)

	cases := []string{
		`{"multiplier":0}`,
		`{"absolute_max":101}`,
		`{"mode":"turbo"}`,
		`{"strategy":"psychic"}`,
		`{"multiplier":2,"absolute_max":-1}`,
	}

	for _, body := range cases {
		req, _ := http.NewRequest(http.MethodPut, srv.URL+"/api/settings", strings.NewReader(body))
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("PUT failed: %v", err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusBadRequest {
			t.Fatalf("%s: expected 400, got %d", body, resp.StatusCode)
		}
	}

	// Previous values retained across every rejection.
	safety := pipeline.Safety()
	if safety.Multiplier != 1.0 || safety.AbsoluteMax != defaultAbsoluteMax {
		t.Fatalf("expected untouched safety settings, got %+v", safety)
	}
}

func TestAPI_ScriptEndpointDerivesIntensity(t *testing.T) {
	srv, _, _, dir := newTestAPI(t)

	script := `{"actions":[{"at":0,"pos":0},{"at":1000,"pos":100},{"at":2000,"pos":0}]}`
	if err := os.WriteFile(filepath.Join(dir, "scene.funscript"), []byte(script), 0o644); err != nil {
		t.Fatalf("write script: %v", err)
	}

	resp, err := http.Get(srv.URL + "/api/script/scene")
	if err != nil {
		t.Fatalf("GET /api/script failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	var body struct {
		Original  scriptSection `json:"original"`
		Intensity scriptSection `json:"intensity"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode script response: %v", err)
	}
	if len(body.Original.Actions) != 3 {
		t.Fatalf("expected the original track, got %d actions", len(body.Original.Actions))
	}
	if len(body.Intensity.Actions) == 0 {
		t.Fatalf("expected a derived intensity track")
	}
}

func TestAPI_ScriptEndpointMissing(t *testing.T) {
	srv, _, _, _ := newTestAPI(t)

	resp, err := http.Get(srv.URL + "/api/script/nope")
	if err != nil {
		t.Fatalf("GET failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}
}

func TestAPI_LoadRequiresSource(t *testing.T) {
	srv, _, events, _ := newTestAPI(t)

	resp, err := http.Post(srv.URL+"/api/load", "application/json", strings.NewReader(`{}`))
	if err != nil {
		t.Fatalf("POST /api/load failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}

	resp, err = http.Post(srv.URL+"/api/load", "application/json", strings.NewReader(`{"source":"scene"}`))
	if err != nil {
		t.Fatalf("POST /api/load failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", resp.StatusCode)
	}

	select {
	case ev := <-events:
		load, ok := ev.(ScriptLoadRequested)
		if !ok {
			t.Fatalf("expected ScriptLoadRequested, got %T", ev)
		}
		if load.Source != "scene" {
			t.Fatalf("expected source carried through, got %q", load.Source)
		}
	case <-time.After(time.Second):
		t.Fatalf("expected a queued daemon event")
	}
}
