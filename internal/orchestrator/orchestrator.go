// Package orchestrator accepts review jobs and drives each one through
// the staged pipeline: context building, scanning, AI review and fix
// generation. One goroutine owns one job; the store is the only shared
// state between them.
package orchestrator

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/FaizalBasha-123/testpilot-sub001/internal/ai"
	"github.com/FaizalBasha-123/testpilot-sub001/internal/archive"
	"github.com/FaizalBasha-123/testpilot-sub001/internal/domain"
	"github.com/FaizalBasha-123/testpilot-sub001/internal/metrics"
	"github.com/FaizalBasha-123/testpilot-sub001/internal/registry"
	"github.com/FaizalBasha-123/testpilot-sub001/internal/store"
)

// Endpoint names the orchestrator resolves through the registry.
const (
	endpointAICore     = "ai-core"
	endpointScanWorker = "scan-worker"
)

// Scanner runs one scan over an unpacked workspace. The implementation
// owns the workspace directory and removes it before returning.
type Scanner interface {
	Scan(ctx context.Context, workspace string) ([]domain.Finding, error)
}

// Config holds the pipeline limits and retry policy.
type Config struct {
	MaxConcurrentJobs int
	StageTimeout      time.Duration
	RetryMaxAttempts  int
	RetryBaseDelay    time.Duration
	RetryMaxDelay     time.Duration
	Archive           archive.Options
}

// Orchestrator is the job intake and pipeline driver.
type Orchestrator struct {
	cfg      Config
	store    store.JobStore
	registry *registry.Registry
	scanner  Scanner
	reviewer ai.Reviewer
	clock    clockwork.Clock
	metrics  *metrics.Metrics
	log      *slog.Logger

	sem    chan struct{}
	wg     sync.WaitGroup
	runCtx context.Context

	// Raw archive bytes per active job, retained so each stage and each
	// retry can unpack a fresh workspace. Dropped once the job is done.
	mu       sync.Mutex
	archives map[string][]byte
}

// New wires an Orchestrator. Call Start before submitting jobs.
func New(cfg Config, st store.JobStore, reg *registry.Registry, sc Scanner, rev ai.Reviewer, clock clockwork.Clock, m *metrics.Metrics, log *slog.Logger) *Orchestrator {
	if cfg.MaxConcurrentJobs < 1 {
		cfg.MaxConcurrentJobs = 1
	}
	if cfg.StageTimeout <= 0 {
		cfg.StageTimeout = 10 * time.Minute
	}
	if cfg.RetryMaxAttempts < 1 {
		cfg.RetryMaxAttempts = 1
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if log == nil {
		log = slog.Default()
	}
	return &Orchestrator{
		cfg:      cfg,
		store:    st,
		registry: reg,
		scanner:  sc,
		reviewer: rev,
		clock:    clock,
		metrics:  m,
		log:      log,
		sem:      make(chan struct{}, cfg.MaxConcurrentJobs),
		runCtx:   context.Background(),
		archives: make(map[string][]byte),
	}
}

// Start binds the lifecycle context used by all pipeline goroutines.
// Cancelling ctx stops dispatch; in-flight stages see the cancellation
// through their stage contexts.
func (o *Orchestrator) Start(ctx context.Context) {
	o.runCtx = ctx
}

// Wait blocks until every dispatched pipeline goroutine has returned.
func (o *Orchestrator) Wait() {
	o.wg.Wait()
}

// Fingerprint derives the dedup key for an uploaded archive: identical
// bytes for the same target ref always map to the same key.
func Fingerprint(data []byte, targetRef string) string {
	h := sha256.New()
	h.Write(data)
	h.Write([]byte{0})
	h.Write([]byte(targetRef))
	return hex.EncodeToString(h.Sum(nil))
}

// Submit validates the uploaded archive and either attaches to the
// active job with the same fingerprint or creates a new one. The bool
// is true when a new job was created and dispatched.
func (o *Orchestrator) Submit(ctx context.Context, data []byte, targetRef string) (string, bool, error) {
	files, err := archive.Validate(data, o.cfg.Archive)
	if err != nil {
		return "", false, err
	}

	now := o.clock.Now()
	job := &domain.Job{
		ID:          uuid.NewString(),
		Fingerprint: Fingerprint(data, targetRef),
		TargetRef:   targetRef,
		Stage:       domain.StageQueued,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	stored, created, err := o.store.FindActiveOrCreate(ctx, job)
	if err != nil {
		return "", false, fmt.Errorf("record job: %w", err)
	}
	if !created {
		o.log.Info("submission attached to active job", "job", stored.ID, "fingerprint", stored.Fingerprint)
		return stored.ID, false, nil
	}

	o.mu.Lock()
	o.archives[stored.ID] = append([]byte(nil), data...)
	o.mu.Unlock()

	o.appendLog(ctx, stored.ID, fmt.Sprintf("accepted archive with %d files", files))
	if o.metrics != nil {
		o.metrics.JobsSubmitted.Inc()
	}

	o.wg.Add(1)
	go o.run(stored.ID)

	o.log.Info("job accepted", "job", stored.ID, "target_ref", targetRef, "files", files)
	return stored.ID, true, nil
}

// Cancel marks the job cancelled. An in-flight pipeline notices on its
// next store write and abandons the job.
func (o *Orchestrator) Cancel(ctx context.Context, id string) error {
	if err := o.store.Cancel(ctx, id); err != nil {
		return err
	}
	o.appendLog(ctx, id, "cancellation requested")
	o.finished(domain.StageCancelled)
	o.log.Info("job cancelled", "job", id)
	return nil
}

func (o *Orchestrator) run(id string) {
	defer o.wg.Done()
	defer o.dropArchive(id)

	select {
	case o.sem <- struct{}{}:
	case <-o.runCtx.Done():
		return
	}
	defer func() { <-o.sem }()

	o.drive(id)
}

// drive moves one job forward until it reaches a terminal stage or the
// pipeline loses ownership through a transition conflict.
func (o *Orchestrator) drive(id string) {
	ctx := o.runCtx

	for {
		if ctx.Err() != nil {
			return
		}

		job, err := o.store.Get(ctx, id)
		if err != nil {
			o.log.Error("load job", "job", id, "error", err)
			return
		}
		if job.Stage.Terminal() {
			return
		}

		if job.Stage == domain.StageQueued {
			if err := o.store.Advance(ctx, id, domain.StageContextBuilding); err != nil {
				o.surrender(id, err)
				return
			}
			continue
		}

		work := o.stageWork(job.Stage)
		if work == nil {
			o.log.Error("no work for stage", "job", id, "stage", job.Stage)
			return
		}

		if err := o.runStage(ctx, job, work); err != nil {
			o.fail(ctx, job, err)
			return
		}

		next := domain.NextStage(job.Stage)
		if err := o.store.Advance(ctx, id, next); err != nil {
			o.surrender(id, err)
			return
		}
		o.appendLog(ctx, id, fmt.Sprintf("stage %s completed", job.Stage))

		if next == domain.StageCompleted {
			o.finished(domain.StageCompleted)
			o.log.Info("job completed", "job", id)
			return
		}
	}
}

type stageFunc func(ctx context.Context, job *domain.Job) error

func (o *Orchestrator) stageWork(s domain.Stage) stageFunc {
	switch s {
	case domain.StageContextBuilding:
		return o.buildContext
	case domain.StageScanning:
		return o.scan
	case domain.StageAIReviewing:
		return o.review
	case domain.StageFixGenerating:
		return o.generateFix
	default:
		return nil
	}
}

// runStage runs one stage with its timeout and retry budget. Retries
// refresh the job snapshot so a later attempt sees the latest blobs,
// and stop as soon as the job turned terminal underneath the pipeline.
func (o *Orchestrator) runStage(ctx context.Context, job *domain.Job, work stageFunc) error {
	for attempt := 1; ; attempt++ {
		stageCtx, cancel := context.WithTimeout(ctx, o.cfg.StageTimeout)
		err := work(stageCtx, job)
		cancel()
		if err == nil {
			return nil
		}
		if errors.Is(err, domain.ErrConflict) {
			// The job was cancelled underneath the stage; its result is
			// already discarded by the refused store write.
			return err
		}

		se := domain.Classify(err)
		if attempt >= o.attemptBudget(se.Kind) || ctx.Err() != nil {
			return se
		}

		if o.metrics != nil {
			o.metrics.StageRetries.Inc()
		}
		delay := nextDelay(o.cfg.RetryBaseDelay, o.cfg.RetryMaxDelay, attempt)
		o.appendLog(ctx, job.ID, fmt.Sprintf("stage %s attempt %d failed (%s), retrying in %s", job.Stage, attempt, se.Kind, delay))
		o.log.Warn("stage attempt failed",
			"job", job.ID, "stage", job.Stage, "attempt", attempt, "kind", se.Kind, "error", se.Message)

		select {
		case <-ctx.Done():
			return se
		case <-o.clock.After(delay):
		}

		fresh, gerr := o.store.Get(ctx, job.ID)
		if gerr != nil {
			return se
		}
		if fresh.Stage.Terminal() {
			return fmt.Errorf("job left the pipeline during retry: %w", domain.ErrConflict)
		}
		*job = *fresh
	}
}

// attemptBudget maps an error kind to how many attempts a stage gets.
// Configuration problems and validation failures never retry; a scan
// timeout gets exactly one more run with a fresh engine-side job.
func (o *Orchestrator) attemptBudget(kind domain.ErrorKind) int {
	switch kind {
	case domain.ErrKindAPI:
		return o.cfg.RetryMaxAttempts
	case domain.ErrKindScannerTimeout:
		return 2
	default:
		return 1
	}
}

func (o *Orchestrator) buildContext(ctx context.Context, job *domain.Job) error {
	if err := o.requireEndpoint(endpointAICore); err != nil {
		return err
	}

	dir, _, err := o.unpack(job.ID)
	if err != nil {
		return err
	}
	defer o.removeWorkspace(dir)

	blob, err := o.reviewer.BuildContext(ctx, dir)
	if err != nil {
		return err
	}
	return o.store.SetContext(ctx, job.ID, blob)
}

func (o *Orchestrator) scan(ctx context.Context, job *domain.Job) error {
	if err := o.requireEndpoint(endpointScanWorker); err != nil {
		return err
	}

	dir, _, err := o.unpack(job.ID)
	if err != nil {
		return err
	}
	// The scanner owns dir and removes it on every exit; this is the
	// safety net for a scanner that never got the chance.
	defer o.removeWorkspace(dir)

	findings, err := o.scanner.Scan(ctx, dir)
	if err != nil {
		return err
	}
	if err := o.store.AttachFindings(ctx, job.ID, findings); err != nil {
		return err
	}
	o.appendLog(ctx, job.ID, fmt.Sprintf("scan produced %d findings", len(findings)))
	return nil
}

func (o *Orchestrator) review(ctx context.Context, job *domain.Job) error {
	if err := o.requireEndpoint(endpointAICore); err != nil {
		return err
	}

	blob, err := o.reviewer.Review(ctx, job.ReviewContext, job.Findings)
	if err != nil {
		return err
	}
	return o.store.SetReviewResult(ctx, job.ID, blob)
}

func (o *Orchestrator) generateFix(ctx context.Context, job *domain.Job) error {
	if err := o.requireEndpoint(endpointAICore); err != nil {
		return err
	}

	blob, err := o.reviewer.GenerateFix(ctx, job.ReviewResult)
	if err != nil {
		return err
	}
	return o.store.SetFixResult(ctx, job.ID, blob)
}

// requireEndpoint rejects the stage up front when its collaborator has
// no configured URL. Reachability is not checked here; an unreachable
// but configured service surfaces as an ApiError from the call itself.
func (o *Orchestrator) requireEndpoint(name string) error {
	ep, ok := o.registry.Lookup(name)
	if !ok || !ep.Configured {
		return domain.NewStageError(domain.ErrKindServiceUnconfigured, "%s is not configured", name)
	}
	return nil
}

func (o *Orchestrator) unpack(id string) (string, int, error) {
	o.mu.Lock()
	data, ok := o.archives[id]
	o.mu.Unlock()
	if !ok {
		return "", 0, domain.NewStageError(domain.ErrKindInternal, "archive bytes for job %s were discarded", id)
	}
	return archive.Unpack(data, o.cfg.Archive)
}

func (o *Orchestrator) removeWorkspace(dir string) {
	if dir == "" {
		return
	}
	if err := os.RemoveAll(dir); err != nil && !os.IsNotExist(err) {
		o.log.Error("workspace cleanup failed", "workspace", dir, "error", err)
		if o.metrics != nil {
			o.metrics.CleanupFailures.Inc()
		}
	}
}

// fail commits the stage error to the job. A conflict means the job was
// cancelled first; the recorded outcome stands and the error is dropped.
func (o *Orchestrator) fail(ctx context.Context, job *domain.Job, err error) {
	if errors.Is(err, domain.ErrConflict) {
		o.log.Info("pipeline abandoned", "job", job.ID, "stage", job.Stage)
		return
	}

	se := domain.Classify(err)
	jobErr := &domain.JobError{Stage: job.Stage, Kind: se.Kind, Message: se.Message}
	if ferr := o.store.Fail(ctx, job.ID, jobErr); ferr != nil {
		if !errors.Is(ferr, domain.ErrConflict) {
			o.log.Error("record job failure", "job", job.ID, "error", ferr)
		}
		return
	}

	o.appendLog(ctx, job.ID, fmt.Sprintf("stage %s failed: %s", job.Stage, se.Error()))
	o.finished(domain.StageFailed)
	o.log.Warn("job failed", "job", job.ID, "stage", job.Stage, "kind", se.Kind, "error", se.Message)
}

// surrender logs why a forward transition was refused. ErrConflict is
// the normal cancellation path and only worth a debug line.
func (o *Orchestrator) surrender(id string, err error) {
	if errors.Is(err, domain.ErrConflict) {
		o.log.Debug("pipeline lost job ownership", "job", id)
		return
	}
	o.log.Error("advance job", "job", id, "error", err)
}

func (o *Orchestrator) finished(stage domain.Stage) {
	if o.metrics != nil {
		o.metrics.JobsFinished.WithLabelValues(string(stage)).Inc()
	}
}

func (o *Orchestrator) appendLog(ctx context.Context, id, line string) {
	if err := o.store.AppendLog(ctx, id, line); err != nil && !errors.Is(err, domain.ErrNotFound) {
		o.log.Debug("append job log", "job", id, "error", err)
	}
}

func (o *Orchestrator) dropArchive(id string) {
	o.mu.Lock()
	delete(o.archives, id)
	o.mu.Unlock()
}

// Status is the poller-facing view of one job.
type Status struct {
	JobID         string           `json:"job_id"`
	Stage         domain.Stage     `json:"stage"`
	TargetRef     string           `json:"target_ref,omitempty"`
	FindingsCount int              `json:"findings_count"`
	Findings      []domain.Finding `json:"findings,omitempty"`
	ReviewResult  json.RawMessage  `json:"review_result,omitempty"`
	FixResult     json.RawMessage  `json:"fix_result,omitempty"`
	Error         *domain.JobError `json:"error,omitempty"`
	Logs          []string         `json:"logs,omitempty"`
	CreatedAt     time.Time        `json:"created_at"`
	UpdatedAt     time.Time        `json:"updated_at"`
}

// GetStatus returns the status view for one job.
func (o *Orchestrator) GetStatus(ctx context.Context, id string) (*Status, error) {
	job, err := o.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return &Status{
		JobID:         job.ID,
		Stage:         job.Stage,
		TargetRef:     job.TargetRef,
		FindingsCount: len(job.Findings),
		Findings:      job.Findings,
		ReviewResult:  job.ReviewResult,
		FixResult:     job.FixResult,
		Error:         job.Error,
		Logs:          job.Logs,
		CreatedAt:     job.CreatedAt,
		UpdatedAt:     job.UpdatedAt,
	}, nil
}
