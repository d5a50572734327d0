// Package storage defines the run audit log: one record per pipeline run,
// updated as the run moves through its stages.
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// ErrNotFound is returned when a run id is unknown.
var ErrNotFound = errors.New("run not found")

// RunStatus is the lifecycle position of a run.
type RunStatus string

const (
	RunStatusRunning   RunStatus = "running"
	RunStatusAnalyzed  RunStatus = "analyzed"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
	RunStatusWarning   RunStatus = "warning"
	RunStatusStopped   RunStatus = "stopped"
	RunStatusRejected  RunStatus = "rejected"
)

// RunRecord is the stored view of one pipeline run, keyed by generation id.
type RunRecord struct {
	ID              string            `json:"id"`
	SessionID       string            `json:"session_id,omitempty"`
	Status          RunStatus         `json:"status"`
	Prompt          string            `json:"prompt"`
	Language        string            `json:"language,omitempty"`
	ContentPath     string            `json:"content_path,omitempty"`
	Fields          []string          `json:"fields,omitempty"`
	Analysis        map[string]string `json:"analysis,omitempty"`
	Result          json.RawMessage   `json:"result,omitempty"`
	AnalysisModel   string            `json:"analysis_model,omitempty"`
	GenerationModel string            `json:"generation_model,omitempty"`
	ErrorCode       string            `json:"error_code,omitempty"`
	ErrorMessage    string            `json:"error_message,omitempty"`
	CreatedAt       time.Time         `json:"created_at"`
	UpdatedAt       time.Time         `json:"updated_at"`
}

// ListOptions filters ListRuns.
type ListOptions struct {
	Status RunStatus
	Limit  int
}

// RunStore persists RunRecords. SaveRun upserts by id.
type RunStore interface {
	SaveRun(ctx context.Context, run *RunRecord) error
	GetRun(ctx context.Context, id string) (*RunRecord, error)
	// ListRuns returns runs newest first.
	ListRuns(ctx context.Context, opts ListOptions) ([]*RunRecord, error)
	Close() error
}
