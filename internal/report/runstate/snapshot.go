// Package runstate reads a run directory's artifacts into a compact
// status snapshot without touching the engine. Used by the status
// subcommand and the HTTP server for runs that are not in memory.
package runstate

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Snapshot is the compact view of one run directory.
type Snapshot struct {
	RunDir        string    `json:"run_dir"`
	RunID         string    `json:"run_id,omitempty"`
	Status        string    `json:"status"`
	CurrentNode   string    `json:"current_node,omitempty"`
	StepCount     int       `json:"step_count"`
	SectionsTotal int       `json:"sections_total,omitempty"`
	SectionsDone  int       `json:"sections_done,omitempty"`
	Degraded      []string  `json:"degraded_sections,omitempty"`
	LastEvent     string    `json:"last_event,omitempty"`
	LastEventAt   time.Time `json:"last_event_at,omitempty"`
	FailureKind   string    `json:"failure_kind,omitempty"`
	FailureDetail string    `json:"failure_detail,omitempty"`
	HasDocument   bool      `json:"has_document"`
}

const statusUnknown = "unknown"

type finalDoc struct {
	RunID        string   `json:"run_id"`
	Status       string   `json:"status"`
	Steps        int      `json:"steps"`
	DocumentPath string   `json:"document_path"`
	Degraded     []string `json:"degraded_sections"`
	Failure      *struct {
		Node    string `json:"node"`
		Kind    string `json:"kind"`
		Message string `json:"message"`
	} `json:"failure"`
}

type liveDoc struct {
	RunID         string    `json:"run_id"`
	RunStatus     string    `json:"run_status"`
	CurrentNode   string    `json:"current_node"`
	StepCount     int       `json:"step_count"`
	SectionsTotal int       `json:"sections_total"`
	SectionsDone  int       `json:"sections_done"`
	LastEventType string    `json:"last_event_type"`
	LastEventTime time.Time `json:"last_event_time"`
}

// Load reads run artifacts under runDir. A terminal final.json is
// authoritative for the status; live.json and progress.ndjson are
// best-effort activity feeds and never override it.
func Load(runDir string) (*Snapshot, error) {
	root := strings.TrimSpace(runDir)
	if root == "" {
		return nil, fmt.Errorf("run dir is required")
	}
	s := &Snapshot{RunDir: root, Status: statusUnknown}

	terminal, err := applyFinal(s)
	if err != nil {
		return nil, err
	}
	if err := applyLive(s, terminal); err != nil {
		return nil, err
	}
	if s.LastEvent == "" {
		if err := applyLastProgress(s); err != nil {
			return nil, err
		}
	}

	if _, err := os.Stat(filepath.Join(root, "document.md")); err == nil {
		s.HasDocument = true
	}
	return s, nil
}

func applyFinal(s *Snapshot) (bool, error) {
	path := filepath.Join(s.RunDir, "final.json")
	b, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	var doc finalDoc
	if err := json.Unmarshal(b, &doc); err != nil {
		return false, fmt.Errorf("decode %s: %w", path, err)
	}
	if doc.RunID != "" {
		s.RunID = doc.RunID
	}
	status := strings.ToLower(strings.TrimSpace(doc.Status))
	switch status {
	case "completed", "aborted", "cancelled":
		s.Status = status
	default:
		return false, nil
	}
	s.StepCount = doc.Steps
	s.Degraded = doc.Degraded
	if doc.Failure != nil {
		s.FailureKind = doc.Failure.Kind
		s.FailureDetail = fmt.Sprintf("%s: %s", doc.Failure.Node, doc.Failure.Message)
	}
	return true, nil
}

func applyLive(s *Snapshot, terminal bool) error {
	path := filepath.Join(s.RunDir, "live.json")
	b, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	var doc liveDoc
	if err := json.Unmarshal(b, &doc); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	if s.RunID == "" {
		s.RunID = doc.RunID
	}
	if !terminal && doc.RunStatus != "" {
		s.Status = doc.RunStatus
		s.StepCount = doc.StepCount
	}
	s.CurrentNode = doc.CurrentNode
	s.SectionsTotal = doc.SectionsTotal
	s.SectionsDone = doc.SectionsDone
	s.LastEvent = doc.LastEventType
	s.LastEventAt = doc.LastEventTime
	return nil
}

func applyLastProgress(s *Snapshot) error {
	path := filepath.Join(s.RunDir, "progress.ndjson")
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	defer func() { _ = f.Close() }()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 2*1024*1024)
	last := ""
	for sc.Scan() {
		if line := strings.TrimSpace(sc.Text()); line != "" {
			last = line
		}
	}
	if err := sc.Err(); err != nil {
		return err
	}
	if last == "" {
		return nil
	}
	var ev struct {
		RunID string    `json:"run_id"`
		Type  string    `json:"type"`
		Time  time.Time `json:"time"`
		Node  string    `json:"node"`
		Step  int       `json:"step_count"`
	}
	if err := json.Unmarshal([]byte(last), &ev); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	if s.RunID == "" {
		s.RunID = ev.RunID
	}
	s.LastEvent = ev.Type
	s.LastEventAt = ev.Time
	if s.CurrentNode == "" {
		s.CurrentNode = ev.Node
	}
	if s.Status == statusUnknown {
		s.Status = "running"
		s.StepCount = ev.Step
	}
	return nil
}

// List scans runsRoot and loads a snapshot per run directory, newest run
// ID first.
func List(runsRoot string) ([]*Snapshot, error) {
	entries, err := os.ReadDir(runsRoot)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var out []*Snapshot
	for i := len(entries) - 1; i >= 0; i-- {
		ent := entries[i]
		if !ent.IsDir() {
			continue
		}
		s, err := Load(filepath.Join(runsRoot, ent.Name()))
		if err != nil {
			continue
		}
		if s.RunID == "" {
			s.RunID = ent.Name()
		}
		out = append(out, s)
	}
	return out, nil
}
