// Package openaicompat implements the generation gateway over any
// OpenAI-compatible chat completions endpoint.
package openaicompat

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/dhsmith/reportforge/internal/report/gateway"
)

type Config struct {
	BaseURL string
	Model   string
	APIKey  string
	Timeout time.Duration
}

type Adapter struct {
	cfg    Config
	client *http.Client
}

const defaultRequestTimeout = 5 * time.Minute

func NewAdapter(cfg Config) *Adapter {
	cfg.BaseURL = strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultRequestTimeout
	}
	return &Adapter{cfg: cfg, client: &http.Client{Timeout: 0}}
}

// Generate renders the role profile as the system message and the task
// plus context as the user message, then extracts the first choice.
func (a *Adapter) Generate(ctx context.Context, req gateway.GenerateRequest) (string, error) {
	if err := req.Validate(); err != nil {
		return "", err
	}
	if a.cfg.BaseURL == "" || a.cfg.Model == "" {
		return "", &gateway.ConfigurationError{Message: "openaicompat: base_url and model are required"}
	}

	reqCtx, cancel := context.WithTimeout(ctx, a.cfg.Timeout)
	defer cancel()

	body, err := json.Marshal(map[string]any{
		"model": a.cfg.Model,
		"messages": []map[string]string{
			{"role": "system", "content": systemPrompt(req.Role)},
			{"role": "user", "content": userPrompt(req)},
		},
	})
	if err != nil {
		return "", err
	}

	httpReq, err := http.NewRequestWithContext(reqCtx, http.MethodPost, a.cfg.BaseURL+"/v1/chat/completions", bytes.NewReader(body))
	if err != nil {
		return "", gateway.WrapContextError("generate", err)
	}
	if a.cfg.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+a.cfg.APIKey)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(httpReq)
	if err != nil {
		return "", gateway.WrapContextError("generate", err)
	}
	defer resp.Body.Close()

	return parseResponse(resp)
}

func systemPrompt(role gateway.RoleProfile) string {
	return fmt.Sprintf("You are %s. %s\nBackground: %s", role.Name, role.Goal, role.Backstory)
}

func userPrompt(req gateway.GenerateRequest) string {
	if len(req.Context) == 0 {
		return req.Task
	}
	var b strings.Builder
	b.WriteString("Context:\n")
	for _, part := range req.Context {
		b.WriteString(part)
		b.WriteString("\n\n")
	}
	b.WriteString("Task:\n")
	b.WriteString(req.Task)
	return b.String()
}

func parseResponse(resp *http.Response) (string, error) {
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		return "", gateway.WrapContextError("generate", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg := extractAPIError(raw)
		var retryAfter *time.Duration
		if v := resp.Header.Get("Retry-After"); v != "" {
			retryAfter = gateway.ParseRetryAfter(v, time.Now())
		}
		return "", gateway.ErrorFromHTTPStatus("generate", resp.StatusCode, msg, retryAfter)
	}

	var parsed struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return "", gateway.NewProviderFailed("generate", "unparseable completion response: "+err.Error(), true)
	}
	if len(parsed.Choices) == 0 {
		return "", gateway.NewProviderFailed("generate", "completion response has no choices", true)
	}
	return parsed.Choices[0].Message.Content, nil
}

func extractAPIError(raw []byte) string {
	var body struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(raw, &body); err == nil && body.Error.Message != "" {
		return body.Error.Message
	}
	s := strings.TrimSpace(string(raw))
	if len(s) > 300 {
		s = s[:300]
	}
	return s
}
