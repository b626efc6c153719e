package main

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

// runCLI executes the root command against srv and returns captured stdout.
func runCLI(t *testing.T, srv *httptest.Server, args ...string) (string, error) {
	t.Helper()
	t.Setenv("HOME", t.TempDir())
	t.Setenv("FAMGRAPH_URL", "")
	t.Setenv("FAMGRAPH_TOKEN", "")

	origURL, origToken, origFmt := flagURL, flagToken, flagFmt
	t.Cleanup(func() { flagURL, flagToken, flagFmt = origURL, origToken, origFmt })

	root := newRootCmd()
	root.SetOut(&strings.Builder{})
	root.SetErr(&strings.Builder{})
	root.SetArgs(append([]string{"--url", srv.URL}, args...))

	var err error
	out := captureStdout(t, func() { err = root.Execute() })
	return out, err
}

func serve(t *testing.T, routes map[string]http.HandlerFunc) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	for pattern, h := range routes {
		mux.HandleFunc(pattern, h)
	}
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}

func TestArgValidation(t *testing.T) {
	srv := serve(t, nil)
	tests := []struct {
		name string
		args []string
	}{
		{"subgraph needs family", []string{"subgraph"}},
		{"status takes at most two", []string{"status", "a", "b", "c"}},
		{"resync needs entity or family", []string{"resync"}},
		{"resync rejects both modes", []string{"resync", "Person", "p1", "--family", "fam-1"}},
		{"reconcile needs family", []string{"reconcile"}},
		{"node needs type and id", []string{"node", "Person"}},
		{"watch needs family", []string{"watch"}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := runCLI(t, srv, tc.args...); err == nil {
				t.Error("expected an argument error")
			}
		})
	}
}

func TestStatusFamilyTable(t *testing.T) {
	srv := serve(t, map[string]http.HandlerFunc{
		"GET /api/v1/families/fam-1/sync/status": func(w http.ResponseWriter, _ *http.Request) {
			writeJSON(w, 200, map[string]any{
				"family_id": "fam-1", "entities": 4, "health": "degraded",
				"states": map[string]int{"synced": 3, "failed": 1},
			})
		},
	})

	out, err := runCLI(t, srv, "status", "fam-1", "--format", "table")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	for _, want := range []string{"degraded", "State failed", "State synced"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
	if strings.Index(out, "State failed") > strings.Index(out, "State synced") {
		t.Errorf("states should be sorted:\n%s", out)
	}
}

func TestStatusEntityQuiet(t *testing.T) {
	srv := serve(t, map[string]http.HandlerFunc{
		"GET /api/v1/sync/status/Person/p1": func(w http.ResponseWriter, _ *http.Request) {
			writeJSON(w, 200, map[string]any{"key": map[string]string{"entity_type": "Person", "external_id": "p1"}, "state": "pending"})
		},
	})

	out, err := runCLI(t, srv, "status", "Person", "p1", "--format", "quiet")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if strings.TrimSpace(out) != "pending" {
		t.Errorf("got %q, want pending", out)
	}
}

func TestResyncFamily(t *testing.T) {
	var body map[string]string
	srv := serve(t, map[string]http.HandlerFunc{
		"POST /api/v1/sync/resync": func(w http.ResponseWriter, r *http.Request) {
			json.NewDecoder(r.Body).Decode(&body) //nolint:errcheck
			writeJSON(w, 202, map[string]any{"familyId": "fam-1", "emitted": 12})
		},
	})

	out, err := runCLI(t, srv, "resync", "--family", "fam-1", "--format", "quiet")
	if err != nil {
		t.Fatalf("resync: %v", err)
	}
	if strings.TrimSpace(out) != "12" {
		t.Errorf("got %q, want 12", out)
	}
	if body["familyId"] != "fam-1" || body["entityType"] != "" {
		t.Errorf("unexpected request body %v", body)
	}
}

func TestReconcileWait(t *testing.T) {
	polls := 0
	srv := serve(t, map[string]http.HandlerFunc{
		"POST /api/v1/families/fam-1/reconcile": func(w http.ResponseWriter, _ *http.Request) {
			writeJSON(w, 202, map[string]any{"jobId": "job-1", "created": true, "state": "queued"})
		},
		"GET /api/v1/reconcile/jobs/job-1": func(w http.ResponseWriter, _ *http.Request) {
			polls++
			state := "running"
			if polls > 1 {
				state = "succeeded"
			}
			writeJSON(w, 200, map[string]any{"id": "job-1", "family_id": "fam-1", "state": state, "created_at": time.Now()})
		},
	})

	out, err := runCLI(t, srv, "reconcile", "fam-1", "--wait", "--interval", "10ms", "--format", "quiet")
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if strings.TrimSpace(out) != "succeeded" {
		t.Errorf("got %q, want succeeded", out)
	}
}

func TestReconcileWaitFailedJob(t *testing.T) {
	srv := serve(t, map[string]http.HandlerFunc{
		"POST /api/v1/families/fam-1/reconcile": func(w http.ResponseWriter, _ *http.Request) {
			writeJSON(w, 202, map[string]any{"jobId": "job-1", "created": false, "state": "running"})
		},
		"GET /api/v1/reconcile/jobs/job-1": func(w http.ResponseWriter, _ *http.Request) {
			writeJSON(w, 200, map[string]any{"id": "job-1", "state": "failed", "error": "store unavailable"})
		},
	})

	if _, err := runCLI(t, srv, "reconcile", "fam-1", "--wait", "--format", "quiet"); err == nil || !strings.Contains(err.Error(), "store unavailable") {
		t.Errorf("expected failed job error, got %v", err)
	}
}

func TestServerErrorPropagates(t *testing.T) {
	srv := serve(t, map[string]http.HandlerFunc{
		"GET /api/v1/nodes/Person/missing": func(w http.ResponseWriter, _ *http.Request) {
			writeJSON(w, 404, map[string]string{"code": "not_found", "message": "node not found"})
		},
	})

	_, err := runCLI(t, srv, "node", "Person", "missing")
	if err == nil || !strings.Contains(err.Error(), "not_found") {
		t.Errorf("expected not_found error, got %v", err)
	}
}

func TestParseSince(t *testing.T) {
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

	got, err := parseSince("24h", now)
	if err != nil || !got.Equal(now.Add(-24*time.Hour)) {
		t.Errorf("duration: got %v, %v", got, err)
	}

	got, err = parseSince("2026-04-01T00:00:00Z", now)
	if err != nil || got.Month() != time.April {
		t.Errorf("rfc3339: got %v, %v", got, err)
	}

	if _, err := parseSince("yesterday", now); err == nil {
		t.Error("expected error for free text")
	}
}

func TestDoctor(t *testing.T) {
	srv := serve(t, map[string]http.HandlerFunc{
		"GET /api/v1/health": func(w http.ResponseWriter, _ *http.Request) {
			writeJSON(w, 200, map[string]any{"status": "ok", "version": "1.0.0", "backend": "sqlite"})
		},
		"GET /api/v1/ready": func(w http.ResponseWriter, _ *http.Request) {
			writeJSON(w, 503, map[string]any{"status": "not_ready", "checks": map[string]string{"state": "ok", "feed": "error"}})
		},
	})

	out, err := runCLI(t, srv, "doctor")
	if err == nil {
		t.Fatal("expected doctor to report the failed readiness check")
	}
	if !strings.Contains(out, "feed=error, state=ok") {
		t.Errorf("expected sorted check detail:\n%s", out)
	}
	if !strings.Contains(out, "backend sqlite") {
		t.Errorf("expected health detail:\n%s", out)
	}
}
