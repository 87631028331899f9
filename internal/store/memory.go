package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/FaizalBasha-123/testpilot-sub001/internal/domain"
)

// Memory is the default in-process JobStore.
type Memory struct {
	mu            sync.RWMutex
	jobs          map[string]*domain.Job
	byFingerprint map[string]string // fingerprint -> most recent job id
}

// NewMemory creates an empty in-memory job store.
func NewMemory() *Memory {
	return &Memory{
		jobs:          make(map[string]*domain.Job),
		byFingerprint: make(map[string]string),
	}
}

func (m *Memory) FindActiveOrCreate(_ context.Context, job *domain.Job) (*domain.Job, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if id, ok := m.byFingerprint[job.Fingerprint]; ok {
		if existing, ok := m.jobs[id]; ok && !existing.Stage.Terminal() {
			return cloneJob(existing), false, nil
		}
	}

	now := time.Now()
	stored := cloneJob(job)
	stored.CreatedAt = now
	stored.UpdatedAt = now
	m.jobs[stored.ID] = stored
	m.byFingerprint[stored.Fingerprint] = stored.ID
	return cloneJob(stored), true, nil
}

func (m *Memory) Get(_ context.Context, id string) (*domain.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	job, ok := m.jobs[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return cloneJob(job), nil
}

func (m *Memory) Advance(_ context.Context, id string, to domain.Stage) error {
	return m.mutate(id, func(job *domain.Job) error {
		if !domain.ValidTransition(job.Stage, to) {
			return fmt.Errorf("advance %s from %s to %s: %w", id, job.Stage, to, domain.ErrConflict)
		}
		job.Stage = to
		return nil
	})
}

func (m *Memory) Fail(_ context.Context, id string, jobErr *domain.JobError) error {
	return m.mutate(id, func(job *domain.Job) error {
		if !domain.ValidTransition(job.Stage, domain.StageFailed) {
			return fmt.Errorf("fail %s in stage %s: %w", id, job.Stage, domain.ErrConflict)
		}
		job.Stage = domain.StageFailed
		job.Error = jobErr
		return nil
	})
}

func (m *Memory) Cancel(_ context.Context, id string) error {
	return m.mutate(id, func(job *domain.Job) error {
		if !domain.ValidTransition(job.Stage, domain.StageCancelled) {
			return fmt.Errorf("cancel %s in stage %s: %w", id, job.Stage, domain.ErrConflict)
		}
		job.Stage = domain.StageCancelled
		return nil
	})
}

func (m *Memory) AttachFindings(_ context.Context, id string, findings []domain.Finding) error {
	return m.mutateActive(id, func(job *domain.Job) error {
		job.Findings = append([]domain.Finding(nil), findings...)
		return nil
	})
}

func (m *Memory) SetContext(_ context.Context, id string, blob json.RawMessage) error {
	return m.mutateActive(id, func(job *domain.Job) error {
		job.ReviewContext = append(json.RawMessage(nil), blob...)
		return nil
	})
}

func (m *Memory) SetReviewResult(_ context.Context, id string, blob json.RawMessage) error {
	return m.mutateActive(id, func(job *domain.Job) error {
		job.ReviewResult = append(json.RawMessage(nil), blob...)
		return nil
	})
}

func (m *Memory) SetFixResult(_ context.Context, id string, blob json.RawMessage) error {
	return m.mutateActive(id, func(job *domain.Job) error {
		job.FixResult = append(json.RawMessage(nil), blob...)
		return nil
	})
}

func (m *Memory) AppendLog(_ context.Context, id string, line string) error {
	return m.mutate(id, func(job *domain.Job) error {
		job.Logs = append(job.Logs, line)
		if len(job.Logs) > domain.MaxJobLogs {
			job.Logs = job.Logs[len(job.Logs)-domain.MaxJobLogs:]
		}
		return nil
	})
}

func (m *Memory) Sweep(_ context.Context, cutoff time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	removed := 0
	for id, job := range m.jobs {
		if job.Stage.Terminal() && job.UpdatedAt.Before(cutoff) {
			delete(m.jobs, id)
			if m.byFingerprint[job.Fingerprint] == id {
				delete(m.byFingerprint, job.Fingerprint)
			}
			removed++
		}
	}
	return removed, nil
}

// mutateActive is mutate restricted to non-terminal jobs: a stage
// result landing after cancellation or failure is refused, which is
// how the pipeline's late writes get discarded.
func (m *Memory) mutateActive(id string, fn func(*domain.Job) error) error {
	return m.mutate(id, func(job *domain.Job) error {
		if job.Stage.Terminal() {
			return fmt.Errorf("write to job %s in stage %s: %w", id, job.Stage, domain.ErrConflict)
		}
		return fn(job)
	})
}

func (m *Memory) mutate(id string, fn func(*domain.Job) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return domain.ErrNotFound
	}
	if err := fn(job); err != nil {
		return err
	}
	job.UpdatedAt = time.Now()
	return nil
}

func cloneJob(job *domain.Job) *domain.Job {
	out := *job
	out.Findings = append([]domain.Finding(nil), job.Findings...)
	out.Logs = append([]string(nil), job.Logs...)
	out.ReviewContext = append(json.RawMessage(nil), job.ReviewContext...)
	out.ReviewResult = append(json.RawMessage(nil), job.ReviewResult...)
	out.FixResult = append(json.RawMessage(nil), job.FixResult...)
	if job.Error != nil {
		e := *job.Error
		out.Error = &e
	}
	return &out
}
