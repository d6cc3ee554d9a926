package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
)

// ScriptLoader resolves script sources to raw bytes. Three source forms are
// accepted:
//   - http(s) URLs, fetched with a bounded timeout
//   - absolute or relative file paths
//   - bare library names resolved against the configured script directory
type ScriptLoader struct {
	dir    string
	client *http.Client
	logger *slog.Logger
}

func NewScriptLoader(dir string, logger *slog.Logger) *ScriptLoader {
	return &ScriptLoader{
		dir:    dir,
		client: &http.Client{Timeout: scriptFetchTimeout},
		logger: logger,
	}
}

// Fetch returns the raw script bytes for source.
func (l *ScriptLoader) Fetch(ctx context.Context, source string) ([]byte, error) {
	if strings.HasPrefix(source, "http://") || strings.HasPrefix(source, "https://") {
		return l.fetchURL(ctx, source)
	}

	if data, err := os.ReadFile(source); err == nil {
		return data, nil
	}

	return l.ReadLibrary(source)
}

func (l *ScriptLoader) fetchURL(ctx context.Context, rawURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build script request: %w", err)
	}

	resp, err := l.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch script: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch script: unexpected status %s", resp.Status)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, scriptMaxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read script body: %w", err)
	}
	if len(data) > scriptMaxBytes {
		return nil, fmt.Errorf("script exceeds %d bytes", scriptMaxBytes)
	}
	return data, nil
}

// ReadLibrary reads a named script from the script directory. Names must
// stay inside the directory; the .funscript extension may be omitted.
func (l *ScriptLoader) ReadLibrary(name string) ([]byte, error) {
	if l.dir == "" {
		return nil, fmt.Errorf("no script directory configured")
	}

	path, err := l.resolveName(name)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(path)
	if err == nil {
		return data, nil
	}
	if !os.IsNotExist(err) || strings.HasSuffix(path, ".funscript") {
		return nil, fmt.Errorf("read script %q: %w", name, err)
	}

	data, err = os.ReadFile(path + ".funscript")
	if err != nil {
		return nil, fmt.Errorf("read script %q: %w", name, err)
	}
	return data, nil
}

// resolveName joins name onto the script directory and rejects names that
// escape it.
func (l *ScriptLoader) resolveName(name string) (string, error) {
	cleaned := filepath.Clean("/" + name)
	path := filepath.Join(l.dir, cleaned)

	base, err := filepath.Abs(l.dir)
	if err != nil {
		return "", fmt.Errorf("resolve script directory: %w", err)
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("resolve script path: %w", err)
	}
	if abs != base && !strings.HasPrefix(abs, base+string(os.PathSeparator)) {
		return "", fmt.Errorf("script name %q escapes the script directory", name)
	}
	return abs, nil
}
