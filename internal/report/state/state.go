// Package state holds the single mutable aggregate threaded through a
// report run, plus validation and snapshot support. The aggregate is plain
// data: all behavior beyond validation and copying lives in the engine.
package state

import (
	"fmt"
	"strings"
	"time"
)

// Config are the hard bounds for a run. Immutable after run start.
type Config struct {
	MaxRecursionDepth      int `json:"max_recursion_depth"`
	MaxRevisionsPerSection int `json:"max_revisions_per_section"`
	MaxSearchResults       int `json:"max_search_results"`
	MaxRetries             int `json:"max_retries"`
}

// SectionSpec is one outline entry. Set once by the Plan stage.
type SectionSpec struct {
	ID       string `json:"id"`
	Title    string `json:"title"`
	Guidance string `json:"guidance,omitempty"`
}

type SectionStatus string

const (
	SectionPending     SectionStatus = "pending"
	SectionResearching SectionStatus = "researching"
	SectionAnalyzed    SectionStatus = "analyzed"
	SectionDrafted     SectionStatus = "drafted"
	SectionReviewed    SectionStatus = "reviewed"
	SectionRevising    SectionStatus = "revising"
	SectionFinalized   SectionStatus = "finalized"
)

func (s SectionStatus) Valid() bool {
	switch s {
	case SectionPending, SectionResearching, SectionAnalyzed, SectionDrafted,
		SectionReviewed, SectionRevising, SectionFinalized:
		return true
	default:
		return false
	}
}

type RunStatus string

const (
	RunRunning   RunStatus = "running"
	RunCancelled RunStatus = "cancelled"
	RunAborted   RunStatus = "aborted"
	RunCompleted RunStatus = "completed"
)

// Terminal reports whether the run status is final.
func (s RunStatus) Terminal() bool {
	return s == RunCancelled || s == RunAborted || s == RunCompleted
}

// SectionData is the per-section working set.
type SectionData struct {
	RawNotes          []string      `json:"raw_notes,omitempty"`
	AnalysisInsights  []string      `json:"analysis_insights,omitempty"`
	FollowUpQuestions []string      `json:"follow_up_questions,omitempty"`
	RecursionDepth    int           `json:"recursion_depth"`
	Draft             string        `json:"draft,omitempty"`
	ReviewFeedback    string        `json:"review_feedback,omitempty"`
	RevisionCount     int           `json:"revision_count"`
	Status            SectionStatus `json:"status"`

	// Degraded marks a section skipped after exhausted retries or
	// unrecoverable generation output. Compile renders a flagged
	// placeholder for it instead of aborting the run.
	Degraded       bool   `json:"degraded,omitempty"`
	DegradedReason string `json:"degraded_reason,omitempty"`
}

// Reference is one cited source. The References slice is deduplicated by
// URL and keeps first-appearance order.
type Reference struct {
	URL   string `json:"url"`
	Title string `json:"title,omitempty"`
}

// ErrorEntry is one classified failure. The error log is append-only.
type ErrorEntry struct {
	Node      string    `json:"node"`
	Kind      string    `json:"kind"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// ResearchState is the run aggregate. Exactly one node handler owns write
// access at a time; the engine never shares it across goroutines.
type ResearchState struct {
	Topic   string        `json:"topic"`
	Config  Config        `json:"config"`
	Outline []SectionSpec `json:"outline,omitempty"`

	CurrentSectionIndex int                     `json:"current_section_index"`
	Sections            map[string]*SectionData `json:"sections,omitempty"`

	References    []Reference  `json:"references,omitempty"`
	SearchQueries []string     `json:"search_queries,omitempty"`
	ErrorLog      []ErrorEntry `json:"error_log,omitempty"`

	RunStatus RunStatus `json:"run_status"`

	// Document is the compiled report. Set once by Compile.
	Document string `json:"document,omitempty"`
}

// New creates the aggregate for a fresh run.
func New(topic string, cfg Config) *ResearchState {
	return &ResearchState{
		Topic:     strings.TrimSpace(topic),
		Config:    cfg,
		Sections:  map[string]*SectionData{},
		RunStatus: RunRunning,
	}
}

// SetOutline installs the planned outline and seeds per-section data.
// The outline is write-once: calling it twice is an invariant violation.
func (s *ResearchState) SetOutline(outline []SectionSpec) error {
	if len(s.Outline) > 0 {
		return &ViolatedInvariant{Field: "outline", Detail: "outline already set"}
	}
	if len(outline) == 0 {
		return &ViolatedInvariant{Field: "outline", Detail: "outline is empty"}
	}
	seen := map[string]bool{}
	for _, spec := range outline {
		id := strings.TrimSpace(spec.ID)
		if id == "" {
			return &ViolatedInvariant{Field: "outline", Detail: "section with empty id"}
		}
		if seen[id] {
			return &ViolatedInvariant{Field: "outline", Detail: fmt.Sprintf("duplicate section id %q", id)}
		}
		seen[id] = true
	}
	s.Outline = append([]SectionSpec{}, outline...)
	if s.Sections == nil {
		s.Sections = map[string]*SectionData{}
	}
	for _, spec := range outline {
		s.Sections[spec.ID] = &SectionData{Status: SectionPending}
	}
	return nil
}

// CurrentSection returns the spec and data for the section under work.
func (s *ResearchState) CurrentSection() (SectionSpec, *SectionData, error) {
	if s.CurrentSectionIndex < 0 || s.CurrentSectionIndex >= len(s.Outline) {
		return SectionSpec{}, nil, &ViolatedInvariant{
			Field:  "current_section_index",
			Detail: fmt.Sprintf("index %d outside outline of %d sections", s.CurrentSectionIndex, len(s.Outline)),
		}
	}
	spec := s.Outline[s.CurrentSectionIndex]
	sec := s.Sections[spec.ID]
	if sec == nil {
		return SectionSpec{}, nil, &ViolatedInvariant{
			Field:  "sections",
			Detail: fmt.Sprintf("no section data for outline id %q", spec.ID),
		}
	}
	return spec, sec, nil
}

// AddReference appends a reference unless its URL is already present.
// Returns true when the reference was new.
func (s *ResearchState) AddReference(ref Reference) bool {
	url := strings.TrimSpace(ref.URL)
	if url == "" {
		return false
	}
	for _, have := range s.References {
		if have.URL == url {
			return false
		}
	}
	ref.URL = url
	s.References = append(s.References, ref)
	return true
}

// AddSearchQuery records a query unless already seen.
func (s *ResearchState) AddSearchQuery(q string) bool {
	q = strings.TrimSpace(q)
	if q == "" {
		return false
	}
	for _, have := range s.SearchQueries {
		if have == q {
			return false
		}
	}
	s.SearchQueries = append(s.SearchQueries, q)
	return true
}

// LogError appends a classified failure to the error log.
func (s *ResearchState) LogError(node, kind, message string, at time.Time) {
	s.ErrorLog = append(s.ErrorLog, ErrorEntry{
		Node:      node,
		Kind:      kind,
		Message:   message,
		Timestamp: at.UTC(),
	})
}

// ViolatedInvariant reports state corruption. It is always fatal: the
// classifier maps it to an immediate abort with no retry.
type ViolatedInvariant struct {
	Field  string
	Detail string
}

func (e *ViolatedInvariant) Error() string {
	return fmt.Sprintf("state invariant violated (%s): %s", e.Field, e.Detail)
}

// Validate checks every documented invariant. It never mutates the state:
// validating an already-valid aggregate is a no-op.
func (s *ResearchState) Validate() error {
	if s == nil {
		return &ViolatedInvariant{Field: "state", Detail: "nil aggregate"}
	}
	if strings.TrimSpace(s.Topic) == "" {
		return &ViolatedInvariant{Field: "topic", Detail: "empty topic"}
	}
	if s.Config.MaxRecursionDepth < 0 || s.Config.MaxRevisionsPerSection < 0 ||
		s.Config.MaxSearchResults < 0 || s.Config.MaxRetries < 0 {
		return &ViolatedInvariant{Field: "config", Detail: "negative bound"}
	}
	if s.CurrentSectionIndex < 0 || s.CurrentSectionIndex > len(s.Outline) {
		return &ViolatedInvariant{
			Field:  "current_section_index",
			Detail: fmt.Sprintf("index %d outside [0, %d]", s.CurrentSectionIndex, len(s.Outline)),
		}
	}
	switch s.RunStatus {
	case RunRunning, RunCancelled, RunAborted, RunCompleted:
	default:
		return &ViolatedInvariant{Field: "run_status", Detail: fmt.Sprintf("unknown status %q", s.RunStatus)}
	}
	seenIDs := map[string]bool{}
	for _, spec := range s.Outline {
		if strings.TrimSpace(spec.ID) == "" {
			return &ViolatedInvariant{Field: "outline", Detail: "section with empty id"}
		}
		if seenIDs[spec.ID] {
			return &ViolatedInvariant{Field: "outline", Detail: fmt.Sprintf("duplicate section id %q", spec.ID)}
		}
		seenIDs[spec.ID] = true
		sec := s.Sections[spec.ID]
		if sec == nil {
			return &ViolatedInvariant{Field: "sections", Detail: fmt.Sprintf("missing data for section %q", spec.ID)}
		}
		if !sec.Status.Valid() {
			return &ViolatedInvariant{Field: "sections", Detail: fmt.Sprintf("section %q has unknown status %q", spec.ID, sec.Status)}
		}
		if sec.RecursionDepth < 0 || sec.RecursionDepth > s.Config.MaxRecursionDepth {
			return &ViolatedInvariant{
				Field:  "recursion_depth",
				Detail: fmt.Sprintf("section %q depth %d outside [0, %d]", spec.ID, sec.RecursionDepth, s.Config.MaxRecursionDepth),
			}
		}
		if sec.RevisionCount < 0 || sec.RevisionCount > s.Config.MaxRevisionsPerSection {
			return &ViolatedInvariant{
				Field:  "revision_count",
				Detail: fmt.Sprintf("section %q revisions %d outside [0, %d]", spec.ID, sec.RevisionCount, s.Config.MaxRevisionsPerSection),
			}
		}
	}
	seenURLs := map[string]bool{}
	for _, ref := range s.References {
		if strings.TrimSpace(ref.URL) == "" {
			return &ViolatedInvariant{Field: "references", Detail: "reference with empty url"}
		}
		if seenURLs[ref.URL] {
			return &ViolatedInvariant{Field: "references", Detail: fmt.Sprintf("duplicate reference url %q", ref.URL)}
		}
		seenURLs[ref.URL] = true
	}
	return nil
}

// Clone returns a deep copy. Used for checkpointing and for the failure
// report's last-valid-state snapshot.
func (s *ResearchState) Clone() *ResearchState {
	if s == nil {
		return nil
	}
	out := *s
	out.Outline = append([]SectionSpec(nil), s.Outline...)
	out.References = append([]Reference(nil), s.References...)
	out.SearchQueries = append([]string(nil), s.SearchQueries...)
	out.ErrorLog = append([]ErrorEntry(nil), s.ErrorLog...)
	out.Sections = make(map[string]*SectionData, len(s.Sections))
	for id, sec := range s.Sections {
		if sec == nil {
			continue
		}
		cp := *sec
		cp.RawNotes = append([]string(nil), sec.RawNotes...)
		cp.AnalysisInsights = append([]string(nil), sec.AnalysisInsights...)
		cp.FollowUpQuestions = append([]string(nil), sec.FollowUpQuestions...)
		out.Sections[id] = &cp
	}
	return &out
}
