// Package fetch retrieves web pages and extracts their main text for the
// research notes.
package fetch

import (
	"context"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/net/html"

	"github.com/dhsmith/reportforge/internal/report/gateway"
)

type Config struct {
	Timeout  time.Duration
	MaxChars int
}

type Fetcher struct {
	cfg    Config
	client *http.Client
}

const (
	defaultTimeout  = 15 * time.Second
	defaultMaxChars = 8000
	userAgent       = "reportforge/1.0 (+research fetcher)"
)

func NewFetcher(cfg Config) *Fetcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.MaxChars <= 0 {
		cfg.MaxChars = defaultMaxChars
	}
	return &Fetcher{cfg: cfg, client: &http.Client{Timeout: 0}}
}

// Fetch downloads a page and returns its main text, capped at MaxChars.
// Every failure maps to FetchFailed: a single bad page never threatens
// the run.
func (f *Fetcher) Fetch(ctx context.Context, pageURL string) (string, error) {
	reqCtx, cancel := context.WithTimeout(ctx, f.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, pageURL, nil)
	if err != nil {
		return "", gateway.NewFetchFailed(pageURL, err.Error())
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml")

	resp, err := f.client.Do(req)
	if err != nil {
		if cerr := ctx.Err(); cerr != nil {
			return "", cerr
		}
		return "", gateway.NewFetchFailed(pageURL, err.Error())
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", gateway.NewFetchFailed(pageURL, resp.Status)
	}
	ct := resp.Header.Get("Content-Type")
	if ct != "" && !strings.Contains(ct, "html") && !strings.Contains(ct, "text/plain") {
		return "", gateway.NewFetchFailed(pageURL, "unsupported content type "+ct)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		if cerr := ctx.Err(); cerr != nil {
			return "", cerr
		}
		return "", gateway.NewFetchFailed(pageURL, err.Error())
	}

	if strings.Contains(ct, "text/plain") {
		return truncate(strings.TrimSpace(string(body)), f.cfg.MaxChars), nil
	}

	text, err := ExtractMainText(string(body))
	if err != nil {
		return "", gateway.NewFetchFailed(pageURL, "parse html: "+err.Error())
	}
	if text == "" {
		return "", gateway.NewFetchFailed(pageURL, "no extractable text")
	}
	return truncate(text, f.cfg.MaxChars), nil
}

// Elements whose subtrees carry no prose.
var skipElements = map[string]bool{
	"script": true, "style": true, "noscript": true, "template": true,
	"nav": true, "header": true, "footer": true, "aside": true,
	"form": true, "iframe": true, "svg": true,
}

// ExtractMainText parses an HTML document and returns its readable text.
// It prefers an <article> or <main> subtree when one exists, falling back
// to the whole <body>.
func ExtractMainText(htmlSrc string) (string, error) {
	doc, err := html.Parse(strings.NewReader(htmlSrc))
	if err != nil {
		return "", err
	}
	root := findFirst(doc, "article")
	if root == nil {
		root = findFirst(doc, "main")
	}
	if root == nil {
		root = findFirst(doc, "body")
	}
	if root == nil {
		root = doc
	}
	var parts []string
	collectText(root, &parts)
	return strings.Join(parts, "\n"), nil
}

func findFirst(n *html.Node, tag string) *html.Node {
	if n.Type == html.ElementNode && n.Data == tag {
		return n
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if found := findFirst(c, tag); found != nil {
			return found
		}
	}
	return nil
}

func collectText(n *html.Node, parts *[]string) {
	if n.Type == html.ElementNode && skipElements[n.Data] {
		return
	}
	if n.Type == html.TextNode {
		if t := collapseSpace(n.Data); t != "" {
			*parts = append(*parts, t)
		}
		return
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		collectText(c, parts)
	}
}

func collapseSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	// Cut on a rune boundary.
	cut := max
	for cut > 0 && !isRuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}

func isRuneStart(b byte) bool { return b&0xC0 != 0x80 }
