package server

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/dhsmith/reportforge/internal/report/engine"
	"github.com/dhsmith/reportforge/internal/report/runstate"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, ErrorResponse{Error: msg})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleSubmitRun(w http.ResponseWriter, r *http.Request) {
	var req SubmitRunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return
	}
	if strings.TrimSpace(req.Topic) == "" {
		writeError(w, http.StatusBadRequest, "topic is required")
		return
	}
	runID := strings.TrimSpace(req.RunID)
	if runID == "" {
		runID = engine.NewRunID()
	}
	if !engine.ValidRunID(runID) {
		writeError(w, http.StatusBadRequest, "run_id must be alphanumeric with dashes/underscores, 1-128 chars")
		return
	}
	// A run directory left by an earlier process is just as much a
	// duplicate as an in-memory handle; starting over it would append to
	// its progress trail and clobber its checkpoint.
	if _, err := os.Stat(filepath.Join(s.config.RunConfig.RunsRoot, runID)); err == nil {
		writeError(w, http.StatusConflict, "run "+runID+" already exists")
		return
	}

	broadcaster := NewBroadcaster()
	runCtx, cancel := context.WithCancelCause(s.baseCtx)

	eng, err := engine.New(engine.Options{
		RunID:         runID,
		Topic:         req.Topic,
		Config:        s.config.RunConfig,
		Collaborators: s.config.Collaborators,
		Logger:        s.logger,
		Sink:          broadcaster,
	})
	if err != nil {
		cancel(nil)
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	handle := &RunHandle{
		RunID:       runID,
		Topic:       req.Topic,
		RunDir:      eng.RunDir(),
		Broadcaster: broadcaster,
		Cancel:      cancel,
		StartedAt:   time.Now().UTC(),
	}
	if err := s.registry.Register(runID, handle); err != nil {
		cancel(nil)
		writeError(w, http.StatusConflict, err.Error())
		return
	}

	go func() {
		defer broadcaster.Close()
		defer cancel(nil)
		res, runErr := eng.Run(runCtx)
		handle.SetResult(res, runErr)
		if runErr != nil {
			s.logger.Error("run failed", zap.String("run_id", runID), zap.Error(runErr))
		}
	}()

	writeJSON(w, http.StatusAccepted, SubmitRunResponse{
		RunID:  runID,
		RunDir: handle.RunDir,
		Status: "running",
	})
}

func (s *Server) handleListRuns(w http.ResponseWriter, _ *http.Request) {
	handles := s.registry.List()
	views := make([]RunStatusView, 0, len(handles))
	for _, h := range handles {
		views = append(views, h.Status())
	}
	writeJSON(w, http.StatusOK, views)
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if h, ok := s.registry.Get(id); ok {
		writeJSON(w, http.StatusOK, h.Status())
		return
	}
	// Not in memory: fall back to the run directory on disk.
	if engine.ValidRunID(id) {
		if snap, err := runstate.Load(filepath.Join(s.config.RunConfig.RunsRoot, id)); err == nil && snap.Status != "unknown" {
			writeJSON(w, http.StatusOK, RunStatusView{
				RunID:         id,
				RunDir:        snap.RunDir,
				Status:        snap.Status,
				Steps:         snap.StepCount,
				CurrentNode:   snap.CurrentNode,
				LastEvent:     snap.LastEvent,
				FailureKind:   snap.FailureKind,
				FailureDetail: snap.FailureDetail,
				HasDocument:   snap.HasDocument,
			})
			return
		}
	}
	writeError(w, http.StatusNotFound, "run not found")
}

func (s *Server) handleRunEvents(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	h, ok := s.registry.Get(id)
	if !ok {
		writeError(w, http.StatusNotFound, "run not found")
		return
	}
	WriteSSE(w, r, h.Broadcaster)
}

func (s *Server) handleCancelRun(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	h, ok := s.registry.Get(id)
	if !ok {
		writeError(w, http.StatusNotFound, "run not found")
		return
	}
	if h.Cancel != nil {
		h.Cancel(context.Canceled)
	}
	writeJSON(w, http.StatusOK, map[string]string{"run_id": id, "status": "cancelling"})
}

func (s *Server) handleGetDocument(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if h, ok := s.registry.Get(id); ok {
		if doc, found := h.Document(); found {
			w.Header().Set("Content-Type", "text/markdown; charset=utf-8")
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte(doc))
			return
		}
	}
	if engine.ValidRunID(id) {
		path := filepath.Join(s.config.RunConfig.RunsRoot, id, "document.md")
		if b, err := os.ReadFile(path); err == nil {
			w.Header().Set("Content-Type", "text/markdown; charset=utf-8")
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write(b)
			return
		}
	}
	writeError(w, http.StatusNotFound, "document not available")
}
