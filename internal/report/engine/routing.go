package engine

import (
	"github.com/dhsmith/reportforge/internal/report/state"
)

// Node identifies one stage of the fixed workflow topology.
type Node string

const (
	NodePlan     Node = "plan"
	NodeResearch Node = "research"
	NodeAnalyze  Node = "analyze"
	NodeWrite    Node = "write"
	NodeReview   Node = "review"
	NodeRevise   Node = "revise"
	NodeCompile  Node = "compile"

	// NodeDone is the internal terminal marker after Compile succeeds.
	NodeDone Node = "done"
)

func validNode(n Node) bool {
	switch n {
	case NodePlan, NodeResearch, NodeAnalyze, NodeWrite, NodeReview, NodeRevise, NodeCompile, NodeDone:
		return true
	default:
		return false
	}
}

// sectionScoped reports whether a failure at this node can degrade the
// current section instead of aborting the run.
func sectionScoped(n Node) bool {
	switch n {
	case NodeResearch, NodeAnalyze, NodeWrite, NodeReview, NodeRevise:
		return true
	default:
		return false
	}
}

// The routing decisions below are pure functions of the section data and
// config: same inputs, same decision, no mutation. The engine applies the
// counter increments when it enacts a decision, so deciding twice is safe.

// DecideAfterAnalyze routes Analyze -> Research (another pass) or Write.
// Another research pass requires open follow-up questions AND remaining
// recursion budget; at the depth ceiling open questions are carried
// forward for the final document's appendix instead.
func DecideAfterAnalyze(sec *state.SectionData, cfg state.Config) Node {
	if len(sec.FollowUpQuestions) > 0 && sec.RecursionDepth < cfg.MaxRecursionDepth {
		return NodeResearch
	}
	return NodeWrite
}

// DecideAfterReview routes Review -> Revise or out of the review loop.
// A needs_revision verdict at the revision cap is recorded but cannot
// trigger another revision: the draft stands.
func DecideAfterReview(needsRevision bool, sec *state.SectionData, cfg state.Config) Node {
	if needsRevision && sec.RevisionCount < cfg.MaxRevisionsPerSection {
		return NodeRevise
	}
	return nodeAfterSectionDone
}

// nodeAfterSectionDone is a sentinel consumed by DecideSectionLoop.
const nodeAfterSectionDone Node = "section_done"

// DecideSectionLoop routes a finished section to the next section's
// Research pass or, when the outline is exhausted, to Compile.
func DecideSectionLoop(currentIndex, outlineLen int) Node {
	if currentIndex+1 < outlineLen {
		return NodeResearch
	}
	return NodeCompile
}
