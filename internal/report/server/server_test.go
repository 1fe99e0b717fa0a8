package server

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/dhsmith/reportforge/internal/report/engine"
	"github.com/dhsmith/reportforge/internal/report/gateway"
)

// cannedGenerator answers every role with a well-formed reply.
type cannedGenerator struct{}

func (cannedGenerator) Generate(_ context.Context, req gateway.GenerateRequest) (string, error) {
	switch req.Role.Name {
	case "planner":
		return `{"sections": [{"title": "Overview", "guidance": "introduce the topic"}]}`, nil
	case "analyst":
		return `{"insights": ["an insight"], "follow_up_questions": [], "cited_sources": []}`, nil
	case "writer":
		return "Section body.", nil
	case "reviewer":
		return `{"verdict": "approved", "feedback": ""}`, nil
	}
	return "", fmt.Errorf("unexpected role %q", req.Role.Name)
}

// blockingGenerator parks until the run context is cancelled.
type blockingGenerator struct{}

func (blockingGenerator) Generate(ctx context.Context, _ gateway.GenerateRequest) (string, error) {
	<-ctx.Done()
	return "", ctx.Err()
}

type cannedSearcher struct{}

func (cannedSearcher) Search(context.Context, string, int) ([]gateway.SearchResult, error) {
	return []gateway.SearchResult{{Title: "Hit", URL: "https://hit.example/page", Snippet: "snippet"}}, nil
}

type cannedFetcher struct{}

func (cannedFetcher) Fetch(_ context.Context, url string) (string, error) {
	return "page text for " + url, nil
}

func testServerConfig(t *testing.T, gen gateway.Generator) Config {
	t.Helper()
	runsRoot := t.TempDir()
	yaml := fmt.Sprintf(`
version: 1
runs_root: %q
providers:
  generate:
    base_url: http://localhost:9999
    model: test-model
  search:
    base_url: http://localhost:9998
`, runsRoot)
	path := filepath.Join(t.TempDir(), "run.yaml")
	if err := os.WriteFile(path, []byte(yaml), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cfg, err := engine.LoadRunConfigFile(path)
	if err != nil {
		t.Fatalf("LoadRunConfigFile: %v", err)
	}
	return Config{
		RunConfig:     cfg,
		Collaborators: gateway.Collaborators{Generator: gen, Searcher: cannedSearcher{}, Fetcher: cannedFetcher{}},
	}
}

func newTestServer(t *testing.T, gen gateway.Generator) (*Server, *httptest.Server) {
	t.Helper()
	s := New(testServerConfig(t, gen))
	ts := httptest.NewServer(s.httpSrv.Handler)
	t.Cleanup(ts.Close)
	t.Cleanup(s.cancel)
	return s, ts
}

func submitRun(t *testing.T, ts *httptest.Server, body string) SubmitRunResponse {
	t.Helper()
	resp, err := http.Post(ts.URL+"/runs", "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("POST /runs: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		b, _ := io.ReadAll(resp.Body)
		t.Fatalf("POST /runs = %d: %s", resp.StatusCode, b)
	}
	var out SubmitRunResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode submit response: %v", err)
	}
	return out
}

func pollStatus(t *testing.T, ts *httptest.Server, runID string, until func(RunStatusView) bool) RunStatusView {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		resp, err := http.Get(ts.URL + "/runs/" + runID)
		if err != nil {
			t.Fatalf("GET /runs/%s: %v", runID, err)
		}
		var view RunStatusView
		err = json.NewDecoder(resp.Body).Decode(&view)
		resp.Body.Close()
		if err != nil {
			t.Fatalf("decode status: %v", err)
		}
		if until(view) {
			return view
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("run %s never reached the expected status", runID)
	return RunStatusView{}
}

func terminal(v RunStatusView) bool {
	switch v.Status {
	case "completed", "aborted", "cancelled":
		return true
	}
	return false
}

func TestSubmitRunToCompletion(t *testing.T) {
	_, ts := newTestServer(t, cannedGenerator{})

	sub := submitRun(t, ts, `{"topic": "message queues", "run_id": "run-http-1"}`)
	if sub.RunID != "run-http-1" || sub.Status != "running" {
		t.Fatalf("submit response = %+v", sub)
	}

	view := pollStatus(t, ts, "run-http-1", terminal)
	if view.Status != "completed" {
		t.Fatalf("status = %q (%s), want completed", view.Status, view.FailureDetail)
	}
	if !view.HasDocument {
		t.Fatal("completed run reports no document")
	}

	resp, err := http.Get(ts.URL + "/runs/run-http-1/document")
	if err != nil {
		t.Fatalf("GET document: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("GET document = %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); !strings.Contains(ct, "text/markdown") {
		t.Fatalf("content type = %q", ct)
	}
	doc, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(doc), "## Overview") {
		t.Fatalf("document missing section:\n%s", doc)
	}
}

func TestSubmitRunValidation(t *testing.T) {
	_, ts := newTestServer(t, cannedGenerator{})

	cases := []struct {
		name string
		body string
	}{
		{"missing topic", `{}`},
		{"blank topic", `{"topic": "  "}`},
		{"bad run id", `{"topic": "x", "run_id": "no spaces allowed"}`},
		{"not json", `topic=x`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp, err := http.Post(ts.URL+"/runs", "application/json", strings.NewReader(tc.body))
			if err != nil {
				t.Fatalf("POST /runs: %v", err)
			}
			resp.Body.Close()
			if resp.StatusCode != http.StatusBadRequest {
				t.Fatalf("status = %d, want 400", resp.StatusCode)
			}
		})
	}
}

func TestDuplicateRunIDConflicts(t *testing.T) {
	_, ts := newTestServer(t, blockingGenerator{})

	submitRun(t, ts, `{"topic": "first", "run_id": "run-dup"}`)
	resp, err := http.Post(ts.URL+"/runs", "application/json",
		strings.NewReader(`{"topic": "second", "run_id": "run-dup"}`))
	if err != nil {
		t.Fatalf("POST /runs: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("status = %d, want 409", resp.StatusCode)
	}
}

func TestSubmitRunRejectsExistingRunDir(t *testing.T) {
	s, ts := newTestServer(t, cannedGenerator{})

	// A run directory from a previous server process, unknown to the
	// in-memory registry.
	dir := filepath.Join(s.config.RunConfig.RunsRoot, "run-prior")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	checkpoint := []byte(`{"schema_version": 1}`)
	if err := os.WriteFile(filepath.Join(dir, "checkpoint.json"), checkpoint, 0o644); err != nil {
		t.Fatalf("write checkpoint: %v", err)
	}

	resp, err := http.Post(ts.URL+"/runs", "application/json",
		strings.NewReader(`{"topic": "again", "run_id": "run-prior"}`))
	if err != nil {
		t.Fatalf("POST /runs: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("status = %d, want 409", resp.StatusCode)
	}

	// The prior run's artifacts are untouched.
	b, err := os.ReadFile(filepath.Join(dir, "checkpoint.json"))
	if err != nil {
		t.Fatalf("read checkpoint: %v", err)
	}
	if string(b) != string(checkpoint) {
		t.Fatal("rejected submission modified the existing checkpoint")
	}
	if _, err := os.Stat(filepath.Join(dir, "progress.ndjson")); err == nil {
		t.Fatal("rejected submission created a progress trail in the existing run dir")
	}
}

func TestCancelRun(t *testing.T) {
	_, ts := newTestServer(t, blockingGenerator{})

	submitRun(t, ts, `{"topic": "stuck", "run_id": "run-cancel"}`)
	resp, err := http.Post(ts.URL+"/runs/run-cancel/cancel", "application/json", nil)
	if err != nil {
		t.Fatalf("POST cancel: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("cancel = %d, want 200", resp.StatusCode)
	}

	view := pollStatus(t, ts, "run-cancel", terminal)
	if view.Status != "cancelled" {
		t.Fatalf("status = %q, want cancelled", view.Status)
	}
}

func TestUnknownRunRoutes(t *testing.T) {
	_, ts := newTestServer(t, cannedGenerator{})

	for _, req := range []struct{ method, path string }{
		{"GET", "/runs/run-missing"},
		{"GET", "/runs/run-missing/events"},
		{"GET", "/runs/run-missing/document"},
		{"POST", "/runs/run-missing/cancel"},
	} {
		httpReq, _ := http.NewRequest(req.method, ts.URL+req.path, nil)
		resp, err := http.DefaultClient.Do(httpReq)
		if err != nil {
			t.Fatalf("%s %s: %v", req.method, req.path, err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusNotFound {
			t.Fatalf("%s %s = %d, want 404", req.method, req.path, resp.StatusCode)
		}
	}
}

func TestGetRunFallsBackToDisk(t *testing.T) {
	s, ts := newTestServer(t, cannedGenerator{})

	dir := filepath.Join(s.config.RunConfig.RunsRoot, "run-disk")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	final := `{"run_id": "run-disk", "status": "completed", "steps": 8, "document_path": "document.md"}`
	if err := os.WriteFile(filepath.Join(dir, "final.json"), []byte(final), 0o644); err != nil {
		t.Fatalf("write final.json: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "document.md"), []byte("# Report\n"), 0o644); err != nil {
		t.Fatalf("write document.md: %v", err)
	}

	resp, err := http.Get(ts.URL + "/runs/run-disk")
	if err != nil {
		t.Fatalf("GET /runs/run-disk: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var view RunStatusView
	if err := json.NewDecoder(resp.Body).Decode(&view); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if view.Status != "completed" || view.Steps != 8 || !view.HasDocument {
		t.Fatalf("view = %+v", view)
	}

	docResp, err := http.Get(ts.URL + "/runs/run-disk/document")
	if err != nil {
		t.Fatalf("GET document: %v", err)
	}
	defer docResp.Body.Close()
	if docResp.StatusCode != http.StatusOK {
		t.Fatalf("document status = %d, want 200", docResp.StatusCode)
	}
}

func TestListRuns(t *testing.T) {
	_, ts := newTestServer(t, blockingGenerator{})

	submitRun(t, ts, `{"topic": "a", "run_id": "run-list-1"}`)
	submitRun(t, ts, `{"topic": "b", "run_id": "run-list-2"}`)

	resp, err := http.Get(ts.URL + "/runs")
	if err != nil {
		t.Fatalf("GET /runs: %v", err)
	}
	defer resp.Body.Close()
	var views []RunStatusView
	if err := json.NewDecoder(resp.Body).Decode(&views); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(views) != 2 {
		t.Fatalf("got %d runs, want 2", len(views))
	}
}

func TestCSRFBlocksCrossOriginPost(t *testing.T) {
	_, ts := newTestServer(t, cannedGenerator{})

	req, _ := http.NewRequest("POST", ts.URL+"/runs",
		strings.NewReader(`{"topic": "x"}`))
	req.Header.Set("Origin", "https://evil.example")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("cross-origin POST = %d, want 403", resp.StatusCode)
	}

	// Localhost origins and GETs pass through.
	req2, _ := http.NewRequest("POST", ts.URL+"/runs",
		strings.NewReader(`{"topic": "local", "run_id": "run-local"}`))
	req2.Header.Set("Origin", "http://localhost:3000")
	resp2, err := http.DefaultClient.Do(req2)
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	resp2.Body.Close()
	if resp2.StatusCode != http.StatusAccepted {
		t.Fatalf("localhost POST = %d, want 202", resp2.StatusCode)
	}
}

func TestHealth(t *testing.T) {
	_, ts := newTestServer(t, cannedGenerator{})
	resp, err := http.Get(ts.URL + "/health")
	if err != nil {
		t.Fatalf("GET /health: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("health = %d", resp.StatusCode)
	}
}

func TestRunEventsStream(t *testing.T) {
	_, ts := newTestServer(t, cannedGenerator{})
	submitRun(t, ts, `{"topic": "events", "run_id": "run-events"}`)
	pollStatus(t, ts, "run-events", terminal)

	// The run is done and its broadcaster closed: the stream replays the
	// full history and ends with the done marker.
	resp, err := http.Get(ts.URL + "/runs/run-events/events")
	if err != nil {
		t.Fatalf("GET events: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), `"type":"run_started"`) {
		t.Fatalf("stream missing run_started:\n%s", body)
	}
	if !strings.Contains(string(body), "event: done") {
		t.Fatalf("stream missing done marker:\n%s", body)
	}
}
