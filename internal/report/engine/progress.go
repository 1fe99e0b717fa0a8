package engine

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/dhsmith/reportforge/internal/report/state"
)

// Progress event types.
const (
	EventRunStarted      = "run_started"
	EventNodeStarted     = "node_started"
	EventNodeCompleted   = "node_completed"
	EventRetryScheduled  = "retry_scheduled"
	EventSectionStarted  = "section_started"
	EventSectionDegraded = "section_degraded"
	EventCheckpointSaved = "checkpoint_saved"
	EventRunCompleted    = "run_completed"
	EventRunAborted      = "run_aborted"
	EventRunCancelled    = "run_cancelled"
)

// ProgressEvent is one line of the run's progress trail.
type ProgressEvent struct {
	Seq       int       `json:"seq"`
	Time      time.Time `json:"time"`
	RunID     string    `json:"run_id"`
	Type      string    `json:"type"`
	Node      string    `json:"node,omitempty"`
	SectionID string    `json:"section_id,omitempty"`
	Attempt   int       `json:"attempt,omitempty"`
	Kind      string    `json:"kind,omitempty"`
	Message   string    `json:"message,omitempty"`
	StepCount int       `json:"step_count"`
}

// EventSink receives events as they happen. Implementations must not
// block: the engine calls Publish inline on the dispatch path.
type EventSink interface {
	Publish(ev ProgressEvent)
}

// progressWriter appends NDJSON events to progress.ndjson and mirrors the
// latest run summary into live.json. All methods are safe for use from
// the single engine goroutine; the mutex guards against a concurrent
// status reader forcing a flush.
type progressWriter struct {
	mu      sync.Mutex
	runID   string
	dir     string
	f       *os.File
	seq     int
	sink    EventSink
	nowFunc func() time.Time
}

func newProgressWriter(runID, dir string, sink EventSink) (*progressWriter, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(filepath.Join(dir, "progress.ndjson"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, err
	}
	return &progressWriter{runID: runID, dir: dir, f: f, sink: sink, nowFunc: time.Now}, nil
}

func (w *progressWriter) emit(ev ProgressEvent) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.seq++
	ev.Seq = w.seq
	ev.RunID = w.runID
	if ev.Time.IsZero() {
		ev.Time = w.nowFunc().UTC()
	}
	if b, err := json.Marshal(ev); err == nil {
		_, _ = w.f.Write(append(b, '\n'))
	}
	if w.sink != nil {
		w.sink.Publish(ev)
	}
}

// LiveStatus is the live.json payload, overwritten after every dispatch.
type LiveStatus struct {
	RunID          string          `json:"run_id"`
	UpdatedAt      time.Time       `json:"updated_at"`
	RunStatus      state.RunStatus `json:"run_status"`
	CurrentNode    string          `json:"current_node"`
	StepCount      int             `json:"step_count"`
	SectionIndex   int             `json:"section_index"`
	SectionsTotal  int             `json:"sections_total"`
	SectionsDone   int             `json:"sections_done"`
	LastEventType  string          `json:"last_event_type,omitempty"`
	LastEventTime  time.Time       `json:"last_event_time,omitempty"`
	DegradedCount  int             `json:"degraded_count,omitempty"`
	ErrorLogLength int             `json:"error_log_length,omitempty"`
}

func (w *progressWriter) writeLive(st *state.ResearchState, node Node, stepCount int, lastType string) {
	done, degraded := 0, 0
	for _, spec := range st.Outline {
		sec := st.Sections[spec.ID]
		if sec == nil {
			continue
		}
		if sec.Status == state.SectionFinalized {
			done++
		}
		if sec.Degraded {
			degraded++
		}
	}
	now := w.nowFunc().UTC()
	live := LiveStatus{
		RunID:          w.runID,
		UpdatedAt:      now,
		RunStatus:      st.RunStatus,
		CurrentNode:    string(node),
		StepCount:      stepCount,
		SectionIndex:   st.CurrentSectionIndex,
		SectionsTotal:  len(st.Outline),
		SectionsDone:   done,
		LastEventType:  lastType,
		LastEventTime:  now,
		DegradedCount:  degraded,
		ErrorLogLength: len(st.ErrorLog),
	}
	_ = state.WriteJSONAtomic(filepath.Join(w.dir, "live.json"), live)
}

func (w *progressWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.f == nil {
		return nil
	}
	err := w.f.Close()
	w.f = nil
	return err
}
