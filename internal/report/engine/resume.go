package engine

import (
	"fmt"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/dhsmith/reportforge/internal/report/gateway"
	"github.com/dhsmith/reportforge/internal/report/state"
)

// Resume rebuilds an engine from the checkpoint under
// cfg.RunsRoot/<runID>. The snapshot is schema-validated and
// digest-verified before any of it is trusted.
//
// Completed and aborted runs do not re-execute: Run returns the recorded
// terminal result immediately. A cancelled run resumes from its last
// checkpoint.
func Resume(opts Options) (*Engine, error) {
	if opts.Config == nil {
		return nil, &gateway.ConfigurationError{Message: "no run config"}
	}
	if opts.RunID == "" {
		return nil, &gateway.ConfigurationError{Message: "resume requires a run id"}
	}
	if err := opts.Collaborators.Validate(); err != nil {
		return nil, err
	}

	path := filepath.Join(opts.Config.RunsRoot, opts.RunID, "checkpoint.json")
	sn, err := state.LoadSnapshot(path)
	if err != nil {
		return nil, fmt.Errorf("resume %s: %w", opts.RunID, err)
	}
	if sn.RunID != opts.RunID {
		return nil, fmt.Errorf("resume %s: checkpoint belongs to run %s", opts.RunID, sn.RunID)
	}
	node := Node(sn.CurrentNode)
	if !validNode(node) {
		return nil, fmt.Errorf("resume %s: checkpoint names unknown node %q", opts.RunID, sn.CurrentNode)
	}

	opts.Topic = sn.State.Topic
	e, err := newEngine(opts)
	if err != nil {
		return nil, err
	}
	e.st = sn.State
	e.node = node
	e.stepCount = sn.StepCount

	switch e.st.RunStatus {
	case state.RunCancelled:
		// Picking the run back up; the cancel is no longer in force.
		e.st.RunStatus = state.RunRunning
	case state.RunRunning:
	default:
		// Completed or aborted: Run will return the terminal result
		// without dispatching.
	}

	e.logger.Info("run resumed",
		zap.String("node", string(e.node)),
		zap.Int("step", e.stepCount),
		zap.String("status", string(e.st.RunStatus)))
	return e, nil
}

// terminalResult converts an already-terminal state into a RunResult
// without dispatching any node.
func (e *Engine) terminalResult() (*RunResult, bool) {
	switch e.st.RunStatus {
	case state.RunCompleted:
		return &RunResult{
			RunID: e.runID, RunDir: e.runDir, Status: state.RunCompleted,
			Steps: e.stepCount, Document: e.st.Document, State: e.st,
		}, true
	case state.RunAborted:
		var failure *FailureReport
		if n := len(e.st.ErrorLog); n > 0 {
			last := e.st.ErrorLog[n-1]
			failure = &FailureReport{
				Node: last.Node, Kind: last.Kind, Message: last.Message,
				StepCount: e.stepCount, Time: last.Timestamp,
			}
		}
		return &RunResult{
			RunID: e.runID, RunDir: e.runDir, Status: state.RunAborted,
			Steps: e.stepCount, Failure: failure, State: e.st,
		}, true
	default:
		return nil, false
	}
}
