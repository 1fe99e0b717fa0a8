package openaicompat

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/dhsmith/reportforge/internal/report/gateway"
)

func testRequest() gateway.GenerateRequest {
	return gateway.GenerateRequest{
		Role:    gateway.WriterRole,
		Task:    "Write the section.",
		Context: []string{"Insight: one"},
	}
}

func TestGenerateExtractsFirstChoice(t *testing.T) {
	var gotPath, gotAuth string
	var gotBody struct {
		Model    string `json:"model"`
		Messages []struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		} `json:"messages"`
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		if err := json.NewDecoder(r.Body).Decode(&gotBody); err != nil {
			t.Errorf("decode request: %v", err)
		}
		_, _ = w.Write([]byte(`{"choices": [{"message": {"content": "generated text"}}, {"message": {"content": "ignored"}}]}`))
	}))
	defer srv.Close()

	a := NewAdapter(Config{BaseURL: srv.URL, Model: "test-model", APIKey: "sk-test"})
	out, err := a.Generate(context.Background(), testRequest())
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if out != "generated text" {
		t.Fatalf("content = %q", out)
	}
	if gotPath != "/v1/chat/completions" {
		t.Fatalf("path = %q", gotPath)
	}
	if gotAuth != "Bearer sk-test" {
		t.Fatalf("auth = %q", gotAuth)
	}
	if gotBody.Model != "test-model" || len(gotBody.Messages) != 2 {
		t.Fatalf("request body = %+v", gotBody)
	}
	if gotBody.Messages[0].Role != "system" || gotBody.Messages[1].Role != "user" {
		t.Fatalf("message roles = %q, %q", gotBody.Messages[0].Role, gotBody.Messages[1].Role)
	}
}

func TestGenerateRateLimitedCarriesRetryAfter(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "7")
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error": {"message": "rate limit reached"}}`))
	}))
	defer srv.Close()

	a := NewAdapter(Config{BaseURL: srv.URL, Model: "m"})
	_, err := a.Generate(context.Background(), testRequest())

	var gerr gateway.Error
	if !errors.As(err, &gerr) {
		t.Fatalf("error %T is not a gateway error", err)
	}
	if gerr.Kind() != gateway.KindProviderRateLimited || !gerr.Retryable() {
		t.Fatalf("kind = %q retryable = %v", gerr.Kind(), gerr.Retryable())
	}
	if ra := gerr.RetryAfter(); ra == nil || *ra != 7*time.Second {
		t.Fatalf("retry-after = %v, want 7s", ra)
	}
}

func TestGenerateServerErrorIsRetryable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "upstream broke", http.StatusInternalServerError)
	}))
	defer srv.Close()

	a := NewAdapter(Config{BaseURL: srv.URL, Model: "m"})
	_, err := a.Generate(context.Background(), testRequest())

	var gerr gateway.Error
	if !errors.As(err, &gerr) || !gerr.Retryable() {
		t.Fatalf("500 should be a retryable gateway error, got %v", err)
	}
}

func TestGenerateAuthFailureIsNotRetryable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"error": {"message": "invalid api key"}}`))
	}))
	defer srv.Close()

	a := NewAdapter(Config{BaseURL: srv.URL, Model: "m"})
	_, err := a.Generate(context.Background(), testRequest())

	var gerr gateway.Error
	if !errors.As(err, &gerr) {
		t.Fatalf("error %T is not a gateway error", err)
	}
	if gerr.Retryable() {
		t.Fatal("401 classified as retryable")
	}
}

func TestGenerateUnparseableBodyIsRetryable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("<html>not json</html>"))
	}))
	defer srv.Close()

	a := NewAdapter(Config{BaseURL: srv.URL, Model: "m"})
	_, err := a.Generate(context.Background(), testRequest())

	var gerr gateway.Error
	if !errors.As(err, &gerr) || !gerr.Retryable() {
		t.Fatalf("unparseable body should be retryable, got %v", err)
	}
}

func TestGenerateEmptyChoicesIsError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"choices": []}`))
	}))
	defer srv.Close()

	a := NewAdapter(Config{BaseURL: srv.URL, Model: "m"})
	if _, err := a.Generate(context.Background(), testRequest()); err == nil {
		t.Fatal("empty choices accepted")
	}
}

func TestGenerateRequiresConfig(t *testing.T) {
	a := NewAdapter(Config{})
	_, err := a.Generate(context.Background(), testRequest())
	var cerr *gateway.ConfigurationError
	if !errors.As(err, &cerr) {
		t.Fatalf("error = %v, want configuration error", err)
	}
}

func TestGenerateHonorsCancellation(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	a := NewAdapter(Config{BaseURL: srv.URL, Model: "m"})
	_, err := a.Generate(ctx, testRequest())
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("error = %v, want context.Canceled", err)
	}
}
