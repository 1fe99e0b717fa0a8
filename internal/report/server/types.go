package server

import "time"

// SubmitRunRequest is the POST /runs body.
type SubmitRunRequest struct {
	Topic string `json:"topic"`
	RunID string `json:"run_id,omitempty"`
}

// SubmitRunResponse acknowledges a started run.
type SubmitRunResponse struct {
	RunID  string `json:"run_id"`
	RunDir string `json:"run_dir"`
	Status string `json:"status"`
}

// RunStatusView is the GET /runs/{id} body.
type RunStatusView struct {
	RunID         string     `json:"run_id"`
	Topic         string     `json:"topic,omitempty"`
	RunDir        string     `json:"run_dir,omitempty"`
	Status        string     `json:"status"`
	Steps         int        `json:"steps,omitempty"`
	CurrentNode   string     `json:"current_node,omitempty"`
	LastEvent     string     `json:"last_event,omitempty"`
	LastEventAt   *time.Time `json:"last_event_at,omitempty"`
	StartedAt     time.Time  `json:"started_at,omitempty"`
	FailureKind   string     `json:"failure_kind,omitempty"`
	FailureDetail string     `json:"failure_detail,omitempty"`
	HasDocument   bool       `json:"has_document"`
}

// ErrorResponse is the uniform error body.
type ErrorResponse struct {
	Error string `json:"error"`
}
