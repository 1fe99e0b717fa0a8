// Package assemble renders the final Markdown document from a completed
// run aggregate. It is a pure function of the state: assembling the same
// state twice yields byte-identical output.
package assemble

import (
	"fmt"
	"strings"

	"github.com/dhsmith/reportforge/internal/report/state"
)

// Document builds the full report. Sections appear in outline order; a
// degraded section renders as a flagged placeholder instead of failing the
// whole run. A missing draft on a non-degraded section is state corruption
// and returns a ViolatedInvariant.
func Document(s *state.ResearchState) (string, error) {
	if len(s.Outline) == 0 {
		return "", &state.ViolatedInvariant{Field: "outline", Detail: "compile with empty outline"}
	}
	var b strings.Builder
	fmt.Fprintf(&b, "# %s\n\n", s.Topic)

	b.WriteString("## Contents\n\n")
	for i, spec := range s.Outline {
		fmt.Fprintf(&b, "%d. %s\n", i+1, spec.Title)
	}
	b.WriteString("\n")

	var followUps []sectionFollowUps
	for _, spec := range s.Outline {
		sec := s.Sections[spec.ID]
		if sec == nil {
			return "", &state.ViolatedInvariant{Field: "sections", Detail: fmt.Sprintf("missing data for section %q", spec.ID)}
		}
		fmt.Fprintf(&b, "## %s\n\n", spec.Title)
		switch {
		case sec.Degraded:
			reason := sec.DegradedReason
			if reason == "" {
				reason = "section could not be completed"
			}
			fmt.Fprintf(&b, "> **Section incomplete.** %s\n\n", reason)
		case strings.TrimSpace(sec.Draft) == "":
			return "", &state.ViolatedInvariant{
				Field:  "sections",
				Detail: fmt.Sprintf("section %q has no draft and is not degraded", spec.ID),
			}
		default:
			b.WriteString(strings.TrimSpace(sec.Draft))
			b.WriteString("\n\n")
		}
		if len(sec.FollowUpQuestions) > 0 {
			followUps = append(followUps, sectionFollowUps{Title: spec.Title, Questions: sec.FollowUpQuestions})
		}
	}

	if len(s.References) > 0 {
		b.WriteString("## References\n\n")
		for i, ref := range s.References {
			title := ref.Title
			if title == "" {
				title = ref.URL
			}
			fmt.Fprintf(&b, "%d. [%s](%s)\n", i+1, title, ref.URL)
		}
		b.WriteString("\n")
	}

	if len(followUps) > 0 {
		b.WriteString("## Further research\n\n")
		b.WriteString("Questions that remained open when research bounds were reached:\n\n")
		for _, fu := range followUps {
			fmt.Fprintf(&b, "**%s**\n\n", fu.Title)
			for _, q := range fu.Questions {
				fmt.Fprintf(&b, "- %s\n", q)
			}
			b.WriteString("\n")
		}
	}

	return strings.TrimRight(b.String(), "\n") + "\n", nil
}

type sectionFollowUps struct {
	Title     string
	Questions []string
}
