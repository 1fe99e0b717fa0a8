package engine

import (
	"context"
	"fmt"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/dhsmith/reportforge/internal/report/gateway"
	"github.com/dhsmith/reportforge/internal/report/state"
)

// fetchConcurrency caps parallel page fetches within one research pass.
const fetchConcurrency = 4

func (e *Engine) handleResearch(ctx context.Context) (Node, error) {
	spec, sec, err := e.st.CurrentSection()
	if err != nil {
		return "", err
	}
	sec.Status = state.SectionResearching

	query := e.researchQuery(spec, sec)
	e.st.AddSearchQuery(query)

	results, err := e.collab.Searcher.Search(ctx, query, e.cfg.Limits.MaxSearchResults)
	if err != nil {
		return "", err
	}
	results = e.filterResults(results)
	if len(results) > e.cfg.Limits.MaxSearchResults {
		results = results[:e.cfg.Limits.MaxSearchResults]
	}

	pages, fetchErr := e.fetchAll(ctx, results)

	// Merge in result order so the notes are deterministic for a given
	// set of search hits. When the fan-out was cancelled mid-flight, the
	// pages that finished are completed work and still land in the state
	// before the run goes terminal; only in-flight and unstarted units
	// are dropped.
	for i, res := range results {
		if fetchErr != nil && pages[i] == "" {
			continue
		}
		note := fmt.Sprintf("Source: %s (%s)", res.Title, res.URL)
		if res.Snippet != "" {
			note += "\nSnippet: " + res.Snippet
		}
		if pages[i] != "" {
			note += "\n" + pages[i]
		}
		sec.RawNotes = append(sec.RawNotes, note)
		e.st.AddReference(state.Reference{URL: res.URL, Title: res.Title})
	}
	if fetchErr != nil {
		return "", fetchErr
	}
	if len(results) == 0 {
		sec.RawNotes = append(sec.RawNotes, fmt.Sprintf("No usable search results for query: %s", query))
	}

	// Follow-up questions drove this pass's query; Analyze will decide
	// whether anything is still open.
	sec.FollowUpQuestions = nil

	return NodeAnalyze, nil
}

// researchQuery builds the search query: the first pass targets the
// section itself, deeper passes target the open follow-up questions.
func (e *Engine) researchQuery(spec state.SectionSpec, sec *state.SectionData) string {
	if sec.RecursionDepth > 0 && len(sec.FollowUpQuestions) > 0 {
		return e.st.Topic + ": " + strings.Join(sec.FollowUpQuestions, "; ")
	}
	q := e.st.Topic + " " + spec.Title
	if spec.Guidance != "" {
		q += " " + spec.Guidance
	}
	return q
}

// filterResults drops hits whose URL matches an exclude glob or that lack
// a URL at all.
func (e *Engine) filterResults(in []gateway.SearchResult) []gateway.SearchResult {
	out := in[:0]
	for _, res := range in {
		res.URL = strings.TrimSpace(res.URL)
		if res.URL == "" {
			continue
		}
		if e.urlExcluded(res.URL) {
			e.logger.Debug("search hit excluded", zap.String("url", res.URL))
			continue
		}
		out = append(out, res)
	}
	return out
}

func (e *Engine) urlExcluded(url string) bool {
	stripped := strings.TrimPrefix(strings.TrimPrefix(url, "https://"), "http://")
	for _, g := range e.cfg.Search.ExcludeURLGlobs {
		if ok, err := doublestar.Match(g, url); err == nil && ok {
			return true
		}
		if ok, err := doublestar.Match(g, stripped); err == nil && ok {
			return true
		}
	}
	return false
}

// fetchAll retrieves page contents concurrently, preserving result order.
// A failed fetch degrades to the search snippet alone: only cancellation
// fails the whole pass. On cancellation the filled slots are returned
// alongside the error so the caller can keep the completed fetches.
func (e *Engine) fetchAll(ctx context.Context, results []gateway.SearchResult) ([]string, error) {
	pages := make([]string, len(results))
	fetchErrs := make([]error, len(results))
	g, gctx := errgroup.WithContext(ctx)
	limit := fetchConcurrency
	if e.cfg.Limits.MaxSearchResults < limit {
		limit = e.cfg.Limits.MaxSearchResults
	}
	g.SetLimit(limit)
	for i, res := range results {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			content, err := e.collab.Fetcher.Fetch(gctx, res.URL)
			if err != nil {
				if gctx.Err() != nil {
					return gctx.Err()
				}
				fetchErrs[i] = err
				return nil
			}
			pages[i] = content
			return nil
		})
	}
	waitErr := g.Wait()
	// The goroutines write only their own slots; the error log is
	// appended here, after the barrier, to keep the aggregate single-writer.
	for i, ferr := range fetchErrs {
		if ferr == nil {
			continue
		}
		e.st.LogError(string(NodeResearch), gateway.KindFetchFailed, ferr.Error(), e.progress.nowFunc())
		e.logger.Warn("page fetch failed", zap.String("url", results[i].URL), zap.Error(ferr))
	}
	return pages, waitErr
}
