// Package websearch implements the search gateway against a SearxNG-style
// JSON search API.
package websearch

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/dhsmith/reportforge/internal/report/gateway"
)

type Config struct {
	BaseURL string
	Timeout time.Duration
}

type Client struct {
	cfg    Config
	client *http.Client
}

const defaultTimeout = 30 * time.Second

func NewClient(cfg Config) *Client {
	cfg.BaseURL = strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	return &Client{cfg: cfg, client: &http.Client{Timeout: 0}}
}

// Search queries GET <base>/search?q=...&format=json and returns at most
// maxResults ordered hits. All failures map to SearchUnavailable so the
// classifier treats them as transient.
func (c *Client) Search(ctx context.Context, query string, maxResults int) ([]gateway.SearchResult, error) {
	if c.cfg.BaseURL == "" {
		return nil, &gateway.ConfigurationError{Message: "websearch: base_url is required"}
	}
	if maxResults < 1 {
		maxResults = 1
	}

	reqCtx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	q := url.Values{}
	q.Set("q", query)
	q.Set("format", "json")
	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, c.cfg.BaseURL+"/search?"+q.Encode(), nil)
	if err != nil {
		return nil, gateway.WrapContextError("search", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, gateway.WrapContextError("search", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, gateway.WrapContextError("search", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg := strings.TrimSpace(string(raw))
		if len(msg) > 300 {
			msg = msg[:300]
		}
		return nil, gateway.NewSearchUnavailable("search", resp.Status+": "+msg)
	}

	var parsed struct {
		Results []struct {
			Title   string `json:"title"`
			URL     string `json:"url"`
			Content string `json:"content"`
		} `json:"results"`
	}
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, gateway.NewSearchUnavailable("search", "unparseable search response: "+err.Error())
	}

	out := make([]gateway.SearchResult, 0, maxResults)
	for _, r := range parsed.Results {
		if strings.TrimSpace(r.URL) == "" {
			continue
		}
		out = append(out, gateway.SearchResult{
			Title:   strings.TrimSpace(r.Title),
			URL:     strings.TrimSpace(r.URL),
			Snippet: strings.TrimSpace(r.Content),
		})
		if len(out) == maxResults {
			break
		}
	}
	return out, nil
}
