// Package store persists Job records. The job table is the only state
// shared across concurrent pipelines; implementations serialize all
// writes to a given job.
package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/FaizalBasha-123/testpilot-sub001/internal/domain"
)

// JobStore is the job persistence contract consumed by the
// orchestrator and the status endpoint.
//
// Advance, Fail and Cancel enforce the stage transition graph: a write
// that would leave the graph (including any write to a terminal job)
// returns domain.ErrConflict, which is how an in-flight pipeline
// discovers that its job was cancelled underneath it.
type JobStore interface {
	// FindActiveOrCreate returns the existing non-terminal job for
	// job.Fingerprint, or records job as the new active one. The bool
	// is true when job was created.
	FindActiveOrCreate(ctx context.Context, job *domain.Job) (*domain.Job, bool, error)

	Get(ctx context.Context, id string) (*domain.Job, error)

	Advance(ctx context.Context, id string, to domain.Stage) error
	Fail(ctx context.Context, id string, jobErr *domain.JobError) error
	Cancel(ctx context.Context, id string) error

	AttachFindings(ctx context.Context, id string, findings []domain.Finding) error
	SetContext(ctx context.Context, id string, blob json.RawMessage) error
	SetReviewResult(ctx context.Context, id string, blob json.RawMessage) error
	SetFixResult(ctx context.Context, id string, blob json.RawMessage) error
	AppendLog(ctx context.Context, id string, line string) error

	// Sweep evicts terminal jobs not updated since cutoff and returns
	// how many were removed.
	Sweep(ctx context.Context, cutoff time.Time) (int, error)
}
