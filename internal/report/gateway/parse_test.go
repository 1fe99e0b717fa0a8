package gateway

import (
	"errors"
	"testing"
)

func TestParseOutline(t *testing.T) {
	raw := "```json\n{\"sections\": [{\"title\": \"One\", \"guidance\": \"g1\"}, {\"title\": \"Two\"}]}\n```"
	out, err := ParseOutline(raw, 6)
	if err != nil {
		t.Fatalf("ParseOutline: %v", err)
	}
	if len(out.Sections) != 2 || out.Sections[0].Title != "One" || out.Sections[0].Guidance != "g1" {
		t.Fatalf("unexpected outline: %+v", out)
	}
}

func TestParseOutlineCapsSections(t *testing.T) {
	raw := `{"sections": [{"title":"A"},{"title":"B"},{"title":"C"}]}`
	out, err := ParseOutline(raw, 2)
	if err != nil {
		t.Fatalf("ParseOutline: %v", err)
	}
	if len(out.Sections) != 2 {
		t.Fatalf("len = %d, want 2", len(out.Sections))
	}
}

func TestParseOutlineMalformed(t *testing.T) {
	for _, raw := range []string{
		"this is not json",
		`{"sections": []}`,
		`{"sections": [{"title": "  "}]}`,
	} {
		_, err := ParseOutline(raw, 6)
		var m *MalformedOutputError
		if !errors.As(err, &m) {
			t.Fatalf("ParseOutline(%q) error = %v, want MalformedOutputError", raw, err)
		}
		if m.Stage != "plan" {
			t.Fatalf("stage = %q, want plan", m.Stage)
		}
	}
}

func TestParseAnalysis(t *testing.T) {
	raw := `Here you go:
{"insights": [" first ", ""], "follow_up_questions": ["q?"], "cited_sources": [{"title": "T", "url": " https://x "}, {"url": ""}]}`
	a, err := ParseAnalysis(raw)
	if err != nil {
		t.Fatalf("ParseAnalysis: %v", err)
	}
	if len(a.Insights) != 1 || a.Insights[0] != "first" {
		t.Fatalf("insights = %v", a.Insights)
	}
	if len(a.FollowUpQuestions) != 1 {
		t.Fatalf("follow-ups = %v", a.FollowUpQuestions)
	}
	if len(a.CitedSources) != 1 || a.CitedSources[0].URL != "https://x" {
		t.Fatalf("cited = %v", a.CitedSources)
	}
}

func TestParseAnalysisRequiresInsights(t *testing.T) {
	_, err := ParseAnalysis(`{"insights": [], "follow_up_questions": [], "cited_sources": []}`)
	var m *MalformedOutputError
	if !errors.As(err, &m) {
		t.Fatalf("error = %v, want MalformedOutputError", err)
	}
}

func TestParseReview(t *testing.T) {
	r, err := ParseReview(`{"verdict": "Approved", "feedback": ""}`)
	if err != nil {
		t.Fatalf("ParseReview: %v", err)
	}
	if r.Verdict != VerdictApproved {
		t.Fatalf("verdict = %q", r.Verdict)
	}

	r, err = ParseReview(`{"verdict": "needs_revision", "feedback": "tighten the intro"}`)
	if err != nil {
		t.Fatalf("ParseReview: %v", err)
	}
	if r.Verdict != VerdictNeedsRevision || r.Feedback != "tighten the intro" {
		t.Fatalf("review = %+v", r)
	}
}

func TestParseReviewMalformed(t *testing.T) {
	for _, raw := range []string{
		`{"verdict": "maybe"}`,
		`{"verdict": "needs_revision", "feedback": " "}`,
		`nope`,
	} {
		_, err := ParseReview(raw)
		var m *MalformedOutputError
		if !errors.As(err, &m) {
			t.Fatalf("ParseReview(%q) error = %v, want MalformedOutputError", raw, err)
		}
	}
}

func TestSlugID(t *testing.T) {
	cases := []struct{ in, want string }{
		{"Introduction", "introduction"},
		{"Quantum Error Correction: A Survey", "quantum-error-correction-a-survey"},
		{"  Spaces  and---Dashes  ", "spaces-and-dashes"},
		{"!!!", "section"},
		{"MixedCASE 42", "mixedcase-42"},
	}
	for _, tc := range cases {
		if got := SlugID(tc.in); got != tc.want {
			t.Fatalf("SlugID(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
	if got := SlugID("aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"); len(got) > 48 {
		t.Fatalf("SlugID did not cap length: %d", len(got))
	}
}
