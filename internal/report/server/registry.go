package server

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/dhsmith/reportforge/internal/report/engine"
	"github.com/dhsmith/reportforge/internal/report/state"
)

// RunHandle tracks one running or finished run.
type RunHandle struct {
	RunID       string
	Topic       string
	RunDir      string
	Broadcaster *Broadcaster
	Cancel      context.CancelCauseFunc
	StartedAt   time.Time

	mu     sync.Mutex
	result *engine.RunResult
	err    error
	done   bool
}

// SetResult records the terminal outcome.
func (h *RunHandle) SetResult(res *engine.RunResult, err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.result = res
	h.err = err
	h.done = true
}

// Status builds the HTTP status view.
func (h *RunHandle) Status() RunStatusView {
	h.mu.Lock()
	defer h.mu.Unlock()

	view := RunStatusView{
		RunID:     h.RunID,
		Topic:     h.Topic,
		RunDir:    h.RunDir,
		Status:    string(state.RunRunning),
		StartedAt: h.StartedAt,
	}
	if h.done {
		switch {
		case h.err != nil:
			view.Status = string(state.RunAborted)
			view.FailureDetail = h.err.Error()
		case h.result != nil:
			view.Status = string(h.result.Status)
			view.Steps = h.result.Steps
			view.HasDocument = h.result.Document != ""
			if h.result.Failure != nil {
				view.FailureKind = h.result.Failure.Kind
				view.FailureDetail = h.result.Failure.Message
			}
		}
	}

	if h.Broadcaster != nil {
		history := h.Broadcaster.History()
		for i := len(history) - 1; i >= 0; i-- {
			if history[i].Node != "" {
				view.CurrentNode = history[i].Node
				break
			}
		}
		if n := len(history); n > 0 {
			last := history[n-1]
			view.LastEvent = last.Type
			view.LastEventAt = &last.Time
			if !h.done {
				view.Steps = last.StepCount
			}
		}
	}
	return view
}

// Document returns the compiled report, if the run completed.
func (h *RunHandle) Document() (string, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.result == nil || h.result.Document == "" {
		return "", false
	}
	return h.result.Document, true
}

// RunRegistry tracks every run this server instance started.
type RunRegistry struct {
	mu   sync.RWMutex
	runs map[string]*RunHandle
}

func NewRunRegistry() *RunRegistry {
	return &RunRegistry{runs: make(map[string]*RunHandle)}
}

func (r *RunRegistry) Register(runID string, h *RunHandle) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.runs[runID]; exists {
		return fmt.Errorf("run %s already exists", runID)
	}
	r.runs[runID] = h
	return nil
}

func (r *RunRegistry) Get(runID string) (*RunHandle, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.runs[runID]
	return h, ok
}

func (r *RunRegistry) List() []*RunHandle {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*RunHandle, 0, len(r.runs))
	for _, h := range r.runs {
		out = append(out, h)
	}
	return out
}

// CancelAll cancels every registered run with the given reason.
func (r *RunRegistry) CancelAll(reason string) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, h := range r.runs {
		if h.Cancel != nil {
			h.Cancel(fmt.Errorf("%s", reason))
		}
	}
}
