package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/dhsmith/reportforge/internal/report/gateway"
	"github.com/dhsmith/reportforge/internal/report/state"
)

// generateWithClarify runs one generation and parses its output. On a
// malformed reply it re-requests exactly once with a clarified prompt;
// a second parse failure propagates to the classifier.
func (e *Engine) generateWithClarify(ctx context.Context, role gateway.RoleProfile, task string, ctxParts []string, parse func(raw string) error) error {
	req := gateway.GenerateRequest{Role: role, Task: task, Context: ctxParts}
	if err := req.Validate(); err != nil {
		return err
	}
	raw, err := e.collab.Generator.Generate(ctx, req)
	if err != nil {
		return err
	}
	perr := parse(raw)
	if perr == nil {
		return nil
	}
	var malformed *gateway.MalformedOutputError
	if !errors.As(perr, &malformed) {
		return perr
	}
	e.logger.Warn("malformed output, clarifying once")
	req.Task = gateway.ClarifyTask(task)
	raw, err = e.collab.Generator.Generate(ctx, req)
	if err != nil {
		return err
	}
	return parse(raw)
}

func (e *Engine) handlePlan(ctx context.Context) (Node, error) {
	var outline *gateway.Outline
	err := e.generateWithClarify(ctx, gateway.PlannerRole,
		gateway.PlanTask(e.st.Topic, e.cfg.Limits.MaxSections), nil,
		func(raw string) error {
			parsed, perr := gateway.ParseOutline(raw, e.cfg.Limits.MaxSections)
			if perr != nil {
				return perr
			}
			outline = parsed
			return nil
		})
	if err != nil {
		return "", err
	}

	specs := make([]state.SectionSpec, 0, len(outline.Sections))
	used := map[string]bool{}
	for _, sec := range outline.Sections {
		id := gateway.SlugID(sec.Title)
		base := id
		for n := 2; used[id]; n++ {
			id = fmt.Sprintf("%s-%d", base, n)
		}
		used[id] = true
		specs = append(specs, state.SectionSpec{ID: id, Title: sec.Title, Guidance: sec.Guidance})
	}
	if err := e.st.SetOutline(specs); err != nil {
		return "", err
	}

	spec, sec, err := e.st.CurrentSection()
	if err != nil {
		return "", err
	}
	sec.Status = state.SectionResearching
	e.progress.emit(ProgressEvent{Type: EventSectionStarted, SectionID: spec.ID, StepCount: e.stepCount})
	return NodeResearch, nil
}

func (e *Engine) handleAnalyze(ctx context.Context) (Node, error) {
	spec, sec, err := e.st.CurrentSection()
	if err != nil {
		return "", err
	}

	ctxParts := make([]string, 0, len(sec.RawNotes)+1)
	if spec.Guidance != "" {
		ctxParts = append(ctxParts, "Section guidance: "+spec.Guidance)
	}
	ctxParts = append(ctxParts, sec.RawNotes...)

	var analysis *gateway.Analysis
	err = e.generateWithClarify(ctx, gateway.AnalystRole,
		gateway.AnalyzeTask(e.st.Topic, spec.Title), ctxParts,
		func(raw string) error {
			parsed, perr := gateway.ParseAnalysis(raw)
			if perr != nil {
				return perr
			}
			analysis = parsed
			return nil
		})
	if err != nil {
		return "", err
	}

	sec.AnalysisInsights = analysis.Insights
	sec.FollowUpQuestions = analysis.FollowUpQuestions
	sec.Status = state.SectionAnalyzed
	for _, src := range analysis.CitedSources {
		e.st.AddReference(state.Reference{URL: src.URL, Title: src.Title})
	}

	next := DecideAfterAnalyze(sec, e.st.Config)
	if next == NodeResearch {
		sec.RecursionDepth++
		sec.Status = state.SectionResearching
		e.logger.Info("analysis requested another research pass",
			zap.String("section", spec.ID), zap.Int("depth", sec.RecursionDepth))
	}
	return next, nil
}

func (e *Engine) handleWrite(ctx context.Context) (Node, error) {
	spec, sec, err := e.st.CurrentSection()
	if err != nil {
		return "", err
	}

	ctxParts := make([]string, 0, len(sec.AnalysisInsights)+1)
	if spec.Guidance != "" {
		ctxParts = append(ctxParts, "Section guidance: "+spec.Guidance)
	}
	for _, ins := range sec.AnalysisInsights {
		ctxParts = append(ctxParts, "Insight: "+ins)
	}

	err = e.generateWithClarify(ctx, gateway.WriterRole,
		gateway.WriteTask(spec.Title), ctxParts,
		func(raw string) error {
			if strings.TrimSpace(raw) == "" {
				return &gateway.MalformedOutputError{Stage: "write", Detail: "empty draft"}
			}
			sec.Draft = strings.TrimSpace(raw)
			return nil
		})
	if err != nil {
		return "", err
	}
	sec.Status = state.SectionDrafted
	return NodeReview, nil
}

func (e *Engine) handleReview(ctx context.Context) (Node, error) {
	spec, sec, err := e.st.CurrentSection()
	if err != nil {
		return "", err
	}

	var review *gateway.Review
	err = e.generateWithClarify(ctx, gateway.ReviewerRole,
		gateway.ReviewTask(spec.Title), []string{"Draft:\n" + sec.Draft},
		func(raw string) error {
			parsed, perr := gateway.ParseReview(raw)
			if perr != nil {
				return perr
			}
			review = parsed
			return nil
		})
	if err != nil {
		return "", err
	}

	sec.ReviewFeedback = review.Feedback
	sec.Status = state.SectionReviewed

	needsRevision := review.Verdict == gateway.VerdictNeedsRevision
	next := DecideAfterReview(needsRevision, sec, e.st.Config)
	if next == NodeRevise {
		sec.RevisionCount++
		sec.Status = state.SectionRevising
		return NodeRevise, nil
	}
	if needsRevision {
		// Revision budget exhausted; the draft stands as reviewed.
		e.logger.Warn("revision cap reached, keeping draft", zap.String("section", spec.ID))
	}
	sec.Status = state.SectionFinalized
	return e.advanceSection()
}

func (e *Engine) handleRevise(ctx context.Context) (Node, error) {
	spec, sec, err := e.st.CurrentSection()
	if err != nil {
		return "", err
	}

	ctxParts := []string{
		"Previous draft:\n" + sec.Draft,
		"Reviewer feedback:\n" + sec.ReviewFeedback,
	}
	err = e.generateWithClarify(ctx, gateway.WriterRole,
		gateway.ReviseTask(spec.Title), ctxParts,
		func(raw string) error {
			if strings.TrimSpace(raw) == "" {
				return &gateway.MalformedOutputError{Stage: "revise", Detail: "empty revision"}
			}
			sec.Draft = strings.TrimSpace(raw)
			return nil
		})
	if err != nil {
		return "", err
	}
	sec.Status = state.SectionDrafted
	return NodeReview, nil
}
