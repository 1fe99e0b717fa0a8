// Package gateway is the boundary to the opaque generation, search, and
// fetch providers. The engine depends only on these interfaces; concrete
// adapters live under internal/report/providers.
package gateway

import (
	"context"
	"fmt"
	"strings"
)

// RoleProfile is the immutable persona configuration for a generation
// call. Stages differ only in the profile and task they pass, never in
// behavior-bearing subtypes.
type RoleProfile struct {
	Name      string
	Goal      string
	Backstory string
}

// GenerateRequest is a single generation task.
type GenerateRequest struct {
	Role RoleProfile
	Task string
	// Context carries supporting material (insights, prior drafts,
	// feedback) prepended to the task.
	Context []string
}

func (r GenerateRequest) Validate() error {
	if strings.TrimSpace(r.Role.Name) == "" {
		return &ConfigurationError{Message: "generate request missing role"}
	}
	if strings.TrimSpace(r.Task) == "" {
		return &ConfigurationError{Message: "generate request missing task"}
	}
	return nil
}

// Generator produces text for a role/task pair. Implementations must honor
// ctx cancellation and return errors from this package's taxonomy.
type Generator interface {
	Generate(ctx context.Context, req GenerateRequest) (string, error)
}

// SearchResult is one ordered web search hit.
type SearchResult struct {
	Title   string `json:"title"`
	URL     string `json:"url"`
	Snippet string `json:"snippet"`
}

// Searcher runs a web search, returning at most maxResults ordered hits.
type Searcher interface {
	Search(ctx context.Context, query string, maxResults int) ([]SearchResult, error)
}

// Fetcher retrieves the main textual content of a page.
type Fetcher interface {
	Fetch(ctx context.Context, url string) (string, error)
}

// Collaborators bundles the provider handles injected into the engine at
// run start. No ambient globals: each run carries its own set, which keeps
// concurrent runs isolated and tests deterministic.
type Collaborators struct {
	Generator Generator
	Searcher  Searcher
	Fetcher   Fetcher
}

func (c Collaborators) Validate() error {
	if c.Generator == nil {
		return &ConfigurationError{Message: "no generator configured"}
	}
	if c.Searcher == nil {
		return &ConfigurationError{Message: "no searcher configured"}
	}
	if c.Fetcher == nil {
		return &ConfigurationError{Message: "no fetcher configured"}
	}
	return nil
}

// Role profiles for the fixed set of stages.
var (
	PlannerRole = RoleProfile{
		Name:      "planner",
		Goal:      "Design a coherent section outline for a long-form research report.",
		Backstory: "An experienced research editor who structures complex topics into focused, non-overlapping sections.",
	}
	AnalystRole = RoleProfile{
		Name:      "analyst",
		Goal:      "Distill raw research material into cited insights and identify open questions.",
		Backstory: "A meticulous analyst who separates what the sources establish from what still needs digging.",
	}
	WriterRole = RoleProfile{
		Name:      "writer",
		Goal:      "Turn analyzed insights into clear, well-structured prose for one report section.",
		Backstory: "A technical writer who favors plain language and keeps claims tied to the provided insights.",
	}
	ReviewerRole = RoleProfile{
		Name:      "reviewer",
		Goal:      "Judge a drafted section for completeness, clarity, and fidelity to its insights.",
		Backstory: "A demanding but constructive reviewer who gives actionable feedback or approves as is.",
	}
)

// Prompt builders. Each asks the model for a strict JSON shape so the
// engine can parse the output deterministically; parse failures are
// retried once with a clarified re-request.

func PlanTask(topic string, maxSections int) string {
	return fmt.Sprintf(`Plan the outline for a research report on: %s

Return JSON only, no prose, in this exact shape:
{"sections": [{"title": "...", "guidance": "one sentence on what this section should cover"}]}

Use between 3 and %d sections. Order them so the report reads front to back.`, topic, maxSections)
}

func AnalyzeTask(topic, sectionTitle string) string {
	return fmt.Sprintf(`Analyze the research material gathered for the section %q of a report on %q.

Return JSON only, no prose, in this exact shape:
{"insights": ["..."], "follow_up_questions": ["..."], "cited_sources": [{"title": "...", "url": "..."}]}

Insights must be grounded in the material. List follow_up_questions only for
gaps that further web research could close; return an empty list when the
material already covers the section.`, sectionTitle, topic)
}

func WriteTask(sectionTitle string) string {
	return fmt.Sprintf(`Write the report section titled %q using the analyzed insights provided in context.

Return the section body as Markdown. Do not repeat the section title as a
heading; the compiler adds it. Keep every claim traceable to an insight.`, sectionTitle)
}

func ReviewTask(sectionTitle string) string {
	return fmt.Sprintf(`Review the draft of the section %q provided in context.

Return JSON only, no prose, in this exact shape:
{"verdict": "approved" | "needs_revision", "feedback": "..."}

Use "needs_revision" only for concrete, fixable problems and describe them in
feedback. Use "approved" with empty feedback otherwise.`, sectionTitle)
}

func ReviseTask(sectionTitle string) string {
	return fmt.Sprintf(`Revise the draft of the section %q. The reviewer feedback and the previous
draft are provided in context. Address every feedback point and return the
full revised section body as Markdown.`, sectionTitle)
}

// ClarifyTask wraps a re-request after malformed output, restating the
// required shape. Used exactly once per failed parse.
func ClarifyTask(task string) string {
	return task + "\n\nYour previous reply could not be parsed. Reply with ONLY the requested JSON object, no surrounding text, no code fences."
}
