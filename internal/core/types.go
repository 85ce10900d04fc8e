// Package core provides the conversion orchestrator.
// This package has no transport dependencies and can be driven by the
// scheduler, the HTTP API or tests.
package core

import (
	"fmt"
	"time"
)

// Mode is how a conversion pass selects its blobs.
type Mode string

const (
	// ModeIncremental converts blobs after the checkpoint.
	ModeIncremental Mode = "incremental"
	// ModeFullReprocess converts every blob after the reprocess cursor.
	ModeFullReprocess Mode = "full"
)

// Trigger names what started a pass.
type Trigger string

const (
	TriggerSchedule Trigger = "schedule"
	TriggerManual   Trigger = "manual"
	TriggerWatch    Trigger = "watch"
	TriggerStartup  Trigger = "startup"
)

// RunSummary describes one conversion pass.
type RunSummary struct {
	ID         string    `json:"id"`
	Mode       Mode      `json:"mode"`
	Trigger    Trigger   `json:"trigger"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`

	// Drift is the schema change that started a full reprocess.
	Drift string `json:"drift,omitempty"`

	Blobs    int `json:"blobs"`
	Messages int `json:"messages"`
	Rows     int `json:"rows"`
	Skipped  int `json:"skipped"`

	FailedBlob  string `json:"failed_blob,omitempty"`
	Error       string `json:"error,omitempty"`
	ErrorCode   string `json:"error_code,omitempty"`
	ErrorAction string `json:"error_action,omitempty"`
}

// Duration returns how long the pass took.
func (r RunSummary) Duration() time.Duration {
	if r.FinishedAt.IsZero() {
		return 0
	}
	return r.FinishedAt.Sub(r.StartedAt)
}

// Succeeded reports whether the pass finished without error.
func (r RunSummary) Succeeded() bool {
	return r.Error == ""
}

// BlobError attaches the failing source blob to an error.
type BlobError struct {
	Blob string
	Err  error
}

func (e *BlobError) Error() string {
	return fmt.Sprintf("blob %s: %v", e.Blob, e.Err)
}

func (e *BlobError) Unwrap() error {
	return e.Err
}

// blobStats counts the work done for one blob.
type blobStats struct {
	messages int
	rows     int
	skipped  int
}
