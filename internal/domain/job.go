package domain

import (
	"encoding/json"
	"time"
)

// Stage represents the lifecycle state of a review job.
type Stage string

const (
	StageQueued          Stage = "Queued"
	StageContextBuilding Stage = "ContextBuilding"
	StageScanning        Stage = "Scanning"
	StageAIReviewing     Stage = "AIReviewing"
	StageFixGenerating   Stage = "FixGenerating"
	StageCompleted       Stage = "Completed"
	StageFailed          Stage = "Failed"
	StageCancelled       Stage = "Cancelled"
)

// Terminal reports whether no further transitions are allowed from s.
func (s Stage) Terminal() bool {
	return s == StageCompleted || s == StageFailed || s == StageCancelled
}

// successor maps each pipeline stage to the stage that follows it when
// its collaborator call succeeds.
var successor = map[Stage]Stage{
	StageQueued:          StageContextBuilding,
	StageContextBuilding: StageScanning,
	StageScanning:        StageAIReviewing,
	StageAIReviewing:     StageFixGenerating,
	StageFixGenerating:   StageCompleted,
}

// NextStage returns the successor of s in the pipeline, or "" if s has none.
func NextStage(s Stage) Stage {
	return successor[s]
}

// ValidTransition reports whether a job may move from one stage to
// another. Forward moves follow the pipeline order; Failed and
// Cancelled are reachable from every non-terminal stage.
func ValidTransition(from, to Stage) bool {
	if from.Terminal() {
		return false
	}
	if to == StageFailed || to == StageCancelled {
		return true
	}
	return successor[from] == to
}

// JobError records why a job failed: the stage that triggered the
// failure and the classified error kind. Clients polling status see
// these fields, never a raw transport error.
type JobError struct {
	Stage   Stage     `json:"stage"`
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
}

// Job is one end-to-end analysis run and its current progress.
type Job struct {
	ID          string `json:"id"`
	Fingerprint string `json:"fingerprint"`
	TargetRef   string `json:"target_ref,omitempty"`
	Stage       Stage  `json:"stage"`

	Findings []Finding `json:"findings,omitempty"`

	// Opaque blobs produced by the AI collaborator. The orchestrator
	// stores and forwards them without inspecting their schema.
	ReviewContext json.RawMessage `json:"review_context,omitempty"`
	ReviewResult  json.RawMessage `json:"review_result,omitempty"`
	FixResult     json.RawMessage `json:"fix_result,omitempty"`

	Error *JobError `json:"error,omitempty"`
	Logs  []string  `json:"logs,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// MaxJobLogs bounds the per-job progress log kept for pollers.
const MaxJobLogs = 100
