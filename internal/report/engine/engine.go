// Package engine runs the report workflow: a fixed node topology driven
// by a dispatch loop with bounded retries, per-dispatch checkpoints, and
// resumable state.
package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/dhsmith/reportforge/internal/report/assemble"
	"github.com/dhsmith/reportforge/internal/report/gateway"
	"github.com/dhsmith/reportforge/internal/report/state"
)

// Options configures a run.
type Options struct {
	RunID         string
	Topic         string
	Config        *RunConfigFile
	Collaborators gateway.Collaborators
	Logger        *zap.Logger
	Sink          EventSink

	// SleepFunc is the retry delay; tests swap it out. Defaults to a
	// context-aware timer sleep.
	SleepFunc func(ctx context.Context, d time.Duration) error
}

// RunResult is the terminal outcome of a run.
type RunResult struct {
	RunID    string
	RunDir   string
	Status   state.RunStatus
	Steps    int
	Document string
	Failure  *FailureReport
	State    *state.ResearchState
}

// FailureReport describes why a run aborted.
type FailureReport struct {
	Node      string    `json:"node"`
	Kind      string    `json:"kind"`
	Message   string    `json:"message"`
	StepCount int       `json:"step_count"`
	Time      time.Time `json:"time"`
}

// FinalOutcome is the final.json payload.
type FinalOutcome struct {
	RunID        string          `json:"run_id"`
	Status       state.RunStatus `json:"status"`
	Steps        int             `json:"steps"`
	FinishedAt   time.Time       `json:"finished_at"`
	DocumentPath string          `json:"document_path,omitempty"`
	Degraded     []string        `json:"degraded_sections,omitempty"`
	Failure      *FailureReport  `json:"failure,omitempty"`
}

// Engine executes one run. Not safe for concurrent use: exactly one
// goroutine drives the dispatch loop.
type Engine struct {
	opts     Options
	cfg      *RunConfigFile
	logger   *zap.Logger
	collab   gateway.Collaborators
	runID    string
	runDir   string
	backoff  BackoffConfig
	progress *progressWriter

	st          *state.ResearchState
	node        Node
	stepCount   int
	stepCeiling int

	sleep func(ctx context.Context, d time.Duration) error
}

// New prepares a fresh run rooted at cfg.RunsRoot/<runID>.
func New(opts Options) (*Engine, error) {
	if opts.Config == nil {
		return nil, &gateway.ConfigurationError{Message: "no run config"}
	}
	if strings.TrimSpace(opts.Topic) == "" {
		return nil, &gateway.ConfigurationError{Message: "empty topic"}
	}
	if err := opts.Collaborators.Validate(); err != nil {
		return nil, err
	}
	if opts.RunID == "" {
		opts.RunID = NewRunID()
	}
	if !ValidRunID(opts.RunID) {
		return nil, &gateway.ConfigurationError{Message: fmt.Sprintf("invalid run id %q", opts.RunID)}
	}
	e, err := newEngine(opts)
	if err != nil {
		return nil, err
	}
	e.st = state.New(opts.Topic, opts.Config.StateConfig())
	e.node = NodePlan
	return e, nil
}

func newEngine(opts Options) (*Engine, error) {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.SleepFunc == nil {
		opts.SleepFunc = sleepWithContext
	}
	runDir := filepath.Join(opts.Config.RunsRoot, opts.RunID)
	pw, err := newProgressWriter(opts.RunID, runDir, opts.Sink)
	if err != nil {
		return nil, err
	}
	return &Engine{
		opts:        opts,
		cfg:         opts.Config,
		logger:      opts.Logger.With(zap.String("run_id", opts.RunID)),
		collab:      opts.Collaborators,
		runID:       opts.RunID,
		runDir:      runDir,
		backoff:     opts.Config.BackoffConfig(),
		progress:    pw,
		stepCeiling: stepCeiling(opts.Config),
		sleep:       opts.SleepFunc,
	}, nil
}

// stepCeiling is the runaway guard: ten times the largest dispatch count
// a well-behaved run could need under the configured bounds.
func stepCeiling(cfg *RunConfigFile) int {
	lim := cfg.Limits
	perSection := 2*(lim.MaxRecursionDepth+1) + // research+analyze passes
		1 + 1 + // write + first review
		2*lim.MaxRevisionsPerSection // revise+review cycles
	theoretical := 1 + lim.MaxSections*perSection + 1 // plan + sections + compile
	return 10 * theoretical
}

// RunID returns the run identifier.
func (e *Engine) RunID() string { return e.runID }

// RunDir returns the run artifact directory.
func (e *Engine) RunDir() string { return e.runDir }

// Run drives the dispatch loop to a terminal outcome. A context cancel
// stops the run gracefully after the in-flight dispatch: the checkpoint
// on disk stays resumable.
func (e *Engine) Run(ctx context.Context) (*RunResult, error) {
	defer e.progress.Close()

	if res, done := e.terminalResult(); done {
		return res, nil
	}

	e.progress.emit(ProgressEvent{Type: EventRunStarted, Node: string(e.node), StepCount: e.stepCount})
	e.logger.Info("run started", zap.String("topic", e.st.Topic), zap.String("node", string(e.node)))

	for {
		if ctx.Err() != nil {
			return e.finishCancelled()
		}
		if e.node == NodeDone {
			return e.finishCompleted()
		}
		if e.stepCount >= e.stepCeiling {
			return e.finishAborted(e.node, "step_ceiling_exceeded",
				fmt.Errorf("step count %d reached ceiling %d without terminating", e.stepCount, e.stepCeiling))
		}

		next, err := e.executeWithRetry(ctx, e.node)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return e.finishCancelled()
			}
			return e.finishAborted(e.node, failureKind(err), err)
		}
		e.node = next
	}
}

// executeWithRetry dispatches one node, applying the classifier verdict
// on failure. Each attempt counts against the global step ceiling.
func (e *Engine) executeWithRetry(ctx context.Context, node Node) (Node, error) {
	attempt := 0
	for {
		if e.stepCount >= e.stepCeiling {
			return "", &state.ViolatedInvariant{
				Field:  "step_count",
				Detail: fmt.Sprintf("ceiling %d reached while retrying node %s", e.stepCeiling, node),
			}
		}
		e.stepCount++
		e.progress.emit(ProgressEvent{Type: EventNodeStarted, Node: string(node), Attempt: attempt, StepCount: e.stepCount, SectionID: e.currentSectionID()})
		e.logger.Debug("node dispatched", zap.String("node", string(node)), zap.Int("attempt", attempt), zap.Int("step", e.stepCount))

		next, err := e.dispatch(ctx, node)
		if err == nil {
			e.progress.emit(ProgressEvent{Type: EventNodeCompleted, Node: string(node), StepCount: e.stepCount, SectionID: e.currentSectionID()})
			if cerr := e.checkpoint(next); cerr != nil {
				return "", cerr
			}
			return next, nil
		}

		dec := Classify(err, node, attempt, e.cfg.Limits.MaxRetries, e.backoff, e.runID)
		e.st.LogError(string(node), dec.Kind, err.Error(), time.Now())

		switch dec.Action {
		case ActionRetry:
			attempt++
			e.progress.emit(ProgressEvent{
				Type: EventRetryScheduled, Node: string(node), Attempt: attempt,
				Kind: dec.Kind, Message: err.Error(), StepCount: e.stepCount,
			})
			e.logger.Warn("node failed, retrying",
				zap.String("node", string(node)), zap.Int("attempt", attempt),
				zap.String("kind", dec.Kind), zap.Duration("delay", dec.Delay), zap.Error(err))
			if serr := e.sleep(ctx, dec.Delay); serr != nil {
				return "", serr
			}
			continue

		case ActionSkipSection:
			next, derr := e.degradeCurrentSection(node, dec.Kind, err)
			if derr != nil {
				return "", derr
			}
			if cerr := e.checkpoint(next); cerr != nil {
				return "", cerr
			}
			return next, nil

		case ActionCancel:
			return "", context.Canceled

		default:
			return "", err
		}
	}
}

func (e *Engine) dispatch(ctx context.Context, node Node) (Node, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	switch node {
	case NodePlan:
		return e.handlePlan(ctx)
	case NodeResearch:
		return e.handleResearch(ctx)
	case NodeAnalyze:
		return e.handleAnalyze(ctx)
	case NodeWrite:
		return e.handleWrite(ctx)
	case NodeReview:
		return e.handleReview(ctx)
	case NodeRevise:
		return e.handleRevise(ctx)
	case NodeCompile:
		return e.handleCompile()
	default:
		return "", &state.ViolatedInvariant{Field: "node", Detail: fmt.Sprintf("unknown node %q", node)}
	}
}

// degradeCurrentSection marks the section under work as skipped and
// routes to the next section or Compile.
func (e *Engine) degradeCurrentSection(node Node, kind string, cause error) (Node, error) {
	spec, sec, err := e.st.CurrentSection()
	if err != nil {
		return "", err
	}
	sec.Degraded = true
	sec.DegradedReason = fmt.Sprintf("%s failed (%s): %s", node, kind, cause.Error())
	sec.Status = state.SectionFinalized
	e.progress.emit(ProgressEvent{
		Type: EventSectionDegraded, Node: string(node), SectionID: spec.ID,
		Kind: kind, Message: cause.Error(), StepCount: e.stepCount,
	})
	e.logger.Warn("section degraded",
		zap.String("section", spec.ID), zap.String("kind", kind), zap.Error(cause))
	return e.advanceSection()
}

// advanceSection enacts the section-loop decision, moving the cursor and
// priming the next section when the outline is not exhausted.
func (e *Engine) advanceSection() (Node, error) {
	next := DecideSectionLoop(e.st.CurrentSectionIndex, len(e.st.Outline))
	if next == NodeResearch {
		e.st.CurrentSectionIndex++
		spec, sec, err := e.st.CurrentSection()
		if err != nil {
			return "", err
		}
		sec.Status = state.SectionResearching
		e.progress.emit(ProgressEvent{Type: EventSectionStarted, SectionID: spec.ID, StepCount: e.stepCount})
	}
	return next, nil
}

func (e *Engine) currentSectionID() string {
	if e.st == nil || e.st.CurrentSectionIndex >= len(e.st.Outline) {
		return ""
	}
	return e.st.Outline[e.st.CurrentSectionIndex].ID
}

// checkpoint persists the envelope for the next node to execute, then
// refreshes live.json.
func (e *Engine) checkpoint(next Node) error {
	sn, err := state.NewSnapshot(e.runID, string(next), e.stepCount, e.st)
	if err != nil {
		return err
	}
	if err := sn.Save(filepath.Join(e.runDir, "checkpoint.json")); err != nil {
		return fmt.Errorf("save checkpoint: %w", err)
	}
	e.progress.emit(ProgressEvent{Type: EventCheckpointSaved, Node: string(next), StepCount: e.stepCount})
	e.progress.writeLive(e.st, next, e.stepCount, EventCheckpointSaved)
	return nil
}

func (e *Engine) finishCompleted() (*RunResult, error) {
	e.st.RunStatus = state.RunCompleted
	docPath := filepath.Join(e.runDir, "document.md")
	if err := os.WriteFile(docPath, []byte(e.st.Document), 0o644); err != nil {
		return nil, fmt.Errorf("write document: %w", err)
	}
	e.persistTerminal(FinalOutcome{
		RunID: e.runID, Status: state.RunCompleted, Steps: e.stepCount,
		FinishedAt: time.Now().UTC(), DocumentPath: "document.md",
		Degraded: e.degradedSectionIDs(),
	}, EventRunCompleted)
	e.logger.Info("run completed", zap.Int("steps", e.stepCount), zap.Int("sections", len(e.st.Outline)))
	return &RunResult{
		RunID: e.runID, RunDir: e.runDir, Status: state.RunCompleted,
		Steps: e.stepCount, Document: e.st.Document, State: e.st,
	}, nil
}

func (e *Engine) finishAborted(node Node, kind string, cause error) (*RunResult, error) {
	e.st.RunStatus = state.RunAborted
	e.st.LogError(string(node), kind, cause.Error(), time.Now())
	failure := &FailureReport{
		Node: string(node), Kind: kind, Message: cause.Error(),
		StepCount: e.stepCount, Time: time.Now().UTC(),
	}
	e.persistTerminal(FinalOutcome{
		RunID: e.runID, Status: state.RunAborted, Steps: e.stepCount,
		FinishedAt: time.Now().UTC(), Failure: failure,
		Degraded: e.degradedSectionIDs(),
	}, EventRunAborted)
	e.logger.Error("run aborted",
		zap.String("node", string(node)), zap.String("kind", kind), zap.Error(cause))
	return &RunResult{
		RunID: e.runID, RunDir: e.runDir, Status: state.RunAborted,
		Steps: e.stepCount, Failure: failure, State: e.st,
	}, nil
}

func (e *Engine) finishCancelled() (*RunResult, error) {
	e.st.RunStatus = state.RunCancelled
	e.persistTerminal(FinalOutcome{
		RunID: e.runID, Status: state.RunCancelled, Steps: e.stepCount,
		FinishedAt: time.Now().UTC(), Degraded: e.degradedSectionIDs(),
	}, EventRunCancelled)
	e.logger.Info("run cancelled", zap.Int("steps", e.stepCount), zap.String("node", string(e.node)))
	return &RunResult{
		RunID: e.runID, RunDir: e.runDir, Status: state.RunCancelled,
		Steps: e.stepCount, State: e.st,
	}, nil
}

// persistTerminal writes final.json and the terminal checkpoint. Failures
// here are logged, not returned: the in-memory result is already decided.
func (e *Engine) persistTerminal(out FinalOutcome, eventType string) {
	if err := state.WriteJSONAtomic(filepath.Join(e.runDir, "final.json"), out); err != nil {
		e.logger.Error("write final.json", zap.Error(err))
	}
	if sn, err := state.NewSnapshot(e.runID, string(e.node), e.stepCount, e.st); err == nil {
		if serr := sn.Save(filepath.Join(e.runDir, "checkpoint.json")); serr != nil {
			e.logger.Error("save terminal checkpoint", zap.Error(serr))
		}
	} else {
		e.logger.Error("snapshot terminal state", zap.Error(err))
	}
	e.progress.emit(ProgressEvent{Type: eventType, Node: string(e.node), StepCount: e.stepCount})
	e.progress.writeLive(e.st, e.node, e.stepCount, eventType)
}

func (e *Engine) degradedSectionIDs() []string {
	var out []string
	for _, spec := range e.st.Outline {
		if sec := e.st.Sections[spec.ID]; sec != nil && sec.Degraded {
			out = append(out, spec.ID)
		}
	}
	return out
}

func (e *Engine) handleCompile() (Node, error) {
	doc, err := assemble.Document(e.st)
	if err != nil {
		return "", err
	}
	e.st.Document = doc
	return NodeDone, nil
}

// failureKind names the error class for the failure report.
func failureKind(err error) string {
	var inv *state.ViolatedInvariant
	if errors.As(err, &inv) {
		return gateway.KindInvariantViolation
	}
	var gerr gateway.Error
	if errors.As(err, &gerr) {
		return gerr.Kind()
	}
	return "internal_error"
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
