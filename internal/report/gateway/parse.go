package gateway

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Outline is the parsed Plan output.
type Outline struct {
	Sections []OutlineSection `json:"sections"`
}

type OutlineSection struct {
	Title    string `json:"title"`
	Guidance string `json:"guidance"`
}

// Analysis is the parsed Analyze output.
type Analysis struct {
	Insights          []string      `json:"insights"`
	FollowUpQuestions []string      `json:"follow_up_questions"`
	CitedSources      []CitedSource `json:"cited_sources"`
}

type CitedSource struct {
	Title string `json:"title"`
	URL   string `json:"url"`
}

// Review is the parsed Review output.
type Review struct {
	Verdict  string `json:"verdict"`
	Feedback string `json:"feedback"`
}

const (
	VerdictApproved      = "approved"
	VerdictNeedsRevision = "needs_revision"
)

// stripFences removes a Markdown code fence wrapper if the model added one
// despite instructions, then trims to the outermost JSON object.
func stripFences(raw string) string {
	s := strings.TrimSpace(raw)
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```json")
		s = strings.TrimPrefix(s, "```")
		if i := strings.LastIndex(s, "```"); i >= 0 {
			s = s[:i]
		}
		s = strings.TrimSpace(s)
	}
	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start >= 0 && end > start {
		s = s[start : end+1]
	}
	return s
}

// ParseOutline decodes Plan output. maxSections caps the result; extras
// beyond the cap are dropped rather than failing the parse.
func ParseOutline(raw string, maxSections int) (*Outline, error) {
	var out Outline
	if err := json.Unmarshal([]byte(stripFences(raw)), &out); err != nil {
		return nil, &MalformedOutputError{Stage: "plan", Detail: err.Error()}
	}
	kept := out.Sections[:0]
	for _, sec := range out.Sections {
		if strings.TrimSpace(sec.Title) == "" {
			continue
		}
		sec.Title = strings.TrimSpace(sec.Title)
		sec.Guidance = strings.TrimSpace(sec.Guidance)
		kept = append(kept, sec)
	}
	out.Sections = kept
	if len(out.Sections) == 0 {
		return nil, &MalformedOutputError{Stage: "plan", Detail: "no sections with titles"}
	}
	if maxSections > 0 && len(out.Sections) > maxSections {
		out.Sections = out.Sections[:maxSections]
	}
	return &out, nil
}

// ParseAnalysis decodes Analyze output. An empty insight list is malformed:
// analysis must distill something or the section cannot be written.
func ParseAnalysis(raw string) (*Analysis, error) {
	var a Analysis
	if err := json.Unmarshal([]byte(stripFences(raw)), &a); err != nil {
		return nil, &MalformedOutputError{Stage: "analyze", Detail: err.Error()}
	}
	a.Insights = trimNonEmpty(a.Insights)
	a.FollowUpQuestions = trimNonEmpty(a.FollowUpQuestions)
	kept := a.CitedSources[:0]
	for _, src := range a.CitedSources {
		if strings.TrimSpace(src.URL) == "" {
			continue
		}
		src.URL = strings.TrimSpace(src.URL)
		src.Title = strings.TrimSpace(src.Title)
		kept = append(kept, src)
	}
	a.CitedSources = kept
	if len(a.Insights) == 0 {
		return nil, &MalformedOutputError{Stage: "analyze", Detail: "no insights"}
	}
	return &a, nil
}

// ParseReview decodes Review output. The verdict must be one of the two
// documented values.
func ParseReview(raw string) (*Review, error) {
	var r Review
	if err := json.Unmarshal([]byte(stripFences(raw)), &r); err != nil {
		return nil, &MalformedOutputError{Stage: "review", Detail: err.Error()}
	}
	r.Verdict = strings.ToLower(strings.TrimSpace(r.Verdict))
	r.Feedback = strings.TrimSpace(r.Feedback)
	switch r.Verdict {
	case VerdictApproved, VerdictNeedsRevision:
	default:
		return nil, &MalformedOutputError{Stage: "review", Detail: fmt.Sprintf("unknown verdict %q", r.Verdict)}
	}
	if r.Verdict == VerdictNeedsRevision && r.Feedback == "" {
		return nil, &MalformedOutputError{Stage: "review", Detail: "needs_revision without feedback"}
	}
	return &r, nil
}

func trimNonEmpty(in []string) []string {
	out := in[:0]
	for _, s := range in {
		s = strings.TrimSpace(s)
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}

// SlugID derives a stable section identifier from a title. Distinctness
// across the outline is enforced by the caller, which appends a numeric
// suffix on collision.
func SlugID(title string) string {
	var b strings.Builder
	lastDash := true
	for _, r := range strings.ToLower(strings.TrimSpace(title)) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			lastDash = false
		default:
			if !lastDash {
				b.WriteByte('-')
				lastDash = true
			}
		}
	}
	s := strings.Trim(b.String(), "-")
	if s == "" {
		return "section"
	}
	if len(s) > 48 {
		s = strings.Trim(s[:48], "-")
	}
	return s
}
