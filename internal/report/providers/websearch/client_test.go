package websearch

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/dhsmith/reportforge/internal/report/gateway"
)

func TestSearchParsesResults(t *testing.T) {
	var gotQuery, gotFormat string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.Query().Get("q")
		gotFormat = r.URL.Query().Get("format")
		_, _ = w.Write([]byte(`{"results": [
			{"title": " First ", "url": " https://a.example/1 ", "content": " snippet a "},
			{"title": "No URL", "url": "", "content": "dropped"},
			{"title": "Second", "url": "https://b.example/2", "content": "snippet b"}
		]}`))
	}))
	defer srv.Close()

	c := NewClient(Config{BaseURL: srv.URL})
	out, err := c.Search(context.Background(), "raft consensus", 5)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if gotQuery != "raft consensus" || gotFormat != "json" {
		t.Fatalf("query params = %q / %q", gotQuery, gotFormat)
	}
	if len(out) != 2 {
		t.Fatalf("got %d results, want 2 (empty URL dropped)", len(out))
	}
	if out[0].Title != "First" || out[0].URL != "https://a.example/1" || out[0].Snippet != "snippet a" {
		t.Fatalf("first result not trimmed: %+v", out[0])
	}
}

func TestSearchCapsResults(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"results": [
			{"title": "1", "url": "https://x.example/1"},
			{"title": "2", "url": "https://x.example/2"},
			{"title": "3", "url": "https://x.example/3"}
		]}`))
	}))
	defer srv.Close()

	c := NewClient(Config{BaseURL: srv.URL})
	out, err := c.Search(context.Background(), "q", 2)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(out) != 2 {
		t.Fatalf("got %d results, want 2", len(out))
	}
}

func TestSearchNon200IsUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "engine overloaded", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := NewClient(Config{BaseURL: srv.URL})
	_, err := c.Search(context.Background(), "q", 3)

	var gerr gateway.Error
	if !errors.As(err, &gerr) {
		t.Fatalf("error %T is not a gateway error", err)
	}
	if gerr.Kind() != gateway.KindSearchUnavailable || !gerr.Retryable() {
		t.Fatalf("kind = %q retryable = %v", gerr.Kind(), gerr.Retryable())
	}
}

func TestSearchUnparseableBodyIsUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("<html>captcha</html>"))
	}))
	defer srv.Close()

	c := NewClient(Config{BaseURL: srv.URL})
	_, err := c.Search(context.Background(), "q", 3)

	var gerr gateway.Error
	if !errors.As(err, &gerr) || gerr.Kind() != gateway.KindSearchUnavailable {
		t.Fatalf("error = %v, want search_unavailable", err)
	}
}

func TestSearchRequiresBaseURL(t *testing.T) {
	c := NewClient(Config{})
	_, err := c.Search(context.Background(), "q", 3)
	var cerr *gateway.ConfigurationError
	if !errors.As(err, &cerr) {
		t.Fatalf("error = %v, want configuration error", err)
	}
}
