package engine

import (
	"testing"

	"github.com/dhsmith/reportforge/internal/report/state"
)

func TestDecideAfterAnalyze(t *testing.T) {
	cfg := state.Config{MaxRecursionDepth: 2}
	cases := []struct {
		name      string
		followUps []string
		depth     int
		want      Node
	}{
		{"no open questions", nil, 0, NodeWrite},
		{"questions with budget", []string{"q"}, 0, NodeResearch},
		{"questions below ceiling", []string{"q"}, 1, NodeResearch},
		{"questions at ceiling", []string{"q"}, 2, NodeWrite},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			sec := &state.SectionData{FollowUpQuestions: tc.followUps, RecursionDepth: tc.depth}
			if got := DecideAfterAnalyze(sec, cfg); got != tc.want {
				t.Fatalf("DecideAfterAnalyze = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestDecideAfterAnalyzeIsPure(t *testing.T) {
	cfg := state.Config{MaxRecursionDepth: 2}
	sec := &state.SectionData{FollowUpQuestions: []string{"q"}, RecursionDepth: 1}
	a := DecideAfterAnalyze(sec, cfg)
	b := DecideAfterAnalyze(sec, cfg)
	if a != b {
		t.Fatalf("repeat decision differs: %q vs %q", a, b)
	}
	if sec.RecursionDepth != 1 {
		t.Fatal("decision mutated the section")
	}
}

func TestDecideAfterReview(t *testing.T) {
	cfg := state.Config{MaxRevisionsPerSection: 2}
	cases := []struct {
		name          string
		needsRevision bool
		revisions     int
		want          Node
	}{
		{"approved", false, 0, nodeAfterSectionDone},
		{"revision with budget", true, 0, NodeRevise},
		{"revision below cap", true, 1, NodeRevise},
		{"revision at cap", true, 2, nodeAfterSectionDone},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			sec := &state.SectionData{RevisionCount: tc.revisions}
			if got := DecideAfterReview(tc.needsRevision, sec, cfg); got != tc.want {
				t.Fatalf("DecideAfterReview = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestDecideSectionLoop(t *testing.T) {
	if got := DecideSectionLoop(0, 3); got != NodeResearch {
		t.Fatalf("mid-outline = %q, want research", got)
	}
	if got := DecideSectionLoop(2, 3); got != NodeCompile {
		t.Fatalf("last section = %q, want compile", got)
	}
	if got := DecideSectionLoop(0, 1); got != NodeCompile {
		t.Fatalf("single section = %q, want compile", got)
	}
}

func TestSectionScoped(t *testing.T) {
	for _, n := range []Node{NodeResearch, NodeAnalyze, NodeWrite, NodeReview, NodeRevise} {
		if !sectionScoped(n) {
			t.Fatalf("%s should be section-scoped", n)
		}
	}
	for _, n := range []Node{NodePlan, NodeCompile, NodeDone} {
		if sectionScoped(n) {
			t.Fatalf("%s should not be section-scoped", n)
		}
	}
}
