/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package server

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/friendsincode/tsngate/internal/config"
	"github.com/friendsincode/tsngate/internal/logbuffer"
)

const scenarioYAML = `
name: server-test
oscillators: [{name: osc, frequency_hz: 1000000000}]
clocks: [{name: clk, oscillator: osc}]
ports:
  - name: p0
    clock: clk
    schedule:
      cycle_time: 20us
      entries:
        - {duration: 10us, gates: "11110000"}
        - {duration: 10us, gates: "00001111"}
`

func newTestServer(t *testing.T) *Server {
	t.Helper()
	path := filepath.Join(t.TempDir(), "scenario.yaml")
	if err := os.WriteFile(path, []byte(scenarioYAML), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg := &config.Config{
		Environment:   "test",
		HTTPBind:      "127.0.0.1",
		HTTPPort:      8080,
		ScenarioPath:  path,
		TimeScale:     1e-3,
		Resolution:    time.Millisecond,
		ExportBackend: config.ExportNone,
		LogBufferSize: 100,
	}
	srv, err := New(context.Background(), cfg, logbuffer.New(cfg.LogBufferSize), zerolog.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = srv.Close() })
	return srv
}

func get(t *testing.T, h http.Handler, path string) (int, string) {
	t.Helper()
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, path, nil))
	body, _ := io.ReadAll(rr.Body)
	return rr.Code, string(body)
}

func TestServerServesAPIAndMetrics(t *testing.T) {
	srv := newTestServer(t)
	srv.Start(context.Background())
	h := srv.Handler()

	if code, body := get(t, h, "/healthz"); code != http.StatusOK || !strings.Contains(body, `"ok"`) {
		t.Fatalf("healthz = %d %s", code, body)
	}

	code, body := get(t, h, "/api/v1/managers")
	if code != http.StatusOK {
		t.Fatalf("managers = %d %s", code, body)
	}
	var resp struct {
		Managers []struct {
			Name string `json:"name"`
		} `json:"managers"`
	}
	if err := json.Unmarshal([]byte(body), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(resp.Managers) != 1 || resp.Managers[0].Name != "p0" {
		t.Fatalf("managers = %+v", resp.Managers)
	}

	if code, _ := get(t, h, "/api/v1/managers/nope"); code != http.StatusNotFound {
		t.Errorf("unknown manager = %d", code)
	}

	code, body = get(t, h, "/metrics")
	if code != http.StatusOK {
		t.Fatalf("metrics = %d", code)
	}
	for _, want := range []string{"tsngate_kernel_events_total", "tsngate_api_requests_total", "go_goroutines"} {
		if !strings.Contains(body, want) {
			t.Errorf("metrics missing %s", want)
		}
	}
}

func TestServerCloseStopsEngine(t *testing.T) {
	srv := newTestServer(t)
	srv.Start(context.Background())
	if err := srv.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if code, _ := get(t, srv.Handler(), "/api/v1/clocks"); code != http.StatusServiceUnavailable {
		t.Errorf("clocks after close = %d", code)
	}
}

func TestNewRejectsMissingScenario(t *testing.T) {
	cfg := &config.Config{ScenarioPath: filepath.Join(t.TempDir(), "missing.yaml"), TimeScale: 1}
	if _, err := New(context.Background(), cfg, nil, zerolog.Nop()); err == nil {
		t.Fatal("expected error")
	}
}
