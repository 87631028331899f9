package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jmoiron/sqlx"

	"github.com/FaizalBasha-123/testpilot-sub001/internal/domain"
)

// Postgres is the durable JobStore backing for deployments that need
// jobs to survive a restart. Transition checks run inside a row-locking
// transaction so the single-writer-per-job discipline holds even with
// multiple server processes sharing one database.
type Postgres struct {
	db *sqlx.DB
}

// NewPostgres wraps an open sqlx handle.
func NewPostgres(db *sqlx.DB) *Postgres {
	return &Postgres{db: db}
}

// EnsureSchema creates the jobs table if it does not exist.
func (p *Postgres) EnsureSchema(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS review_jobs (
			id             TEXT PRIMARY KEY,
			fingerprint    TEXT NOT NULL,
			target_ref     TEXT NOT NULL DEFAULT '',
			stage          TEXT NOT NULL,
			findings       JSONB,
			review_context JSONB,
			review_result  JSONB,
			fix_result     JSONB,
			error          JSONB,
			logs           JSONB NOT NULL DEFAULT '[]',
			created_at     TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at     TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS review_jobs_fingerprint_idx ON review_jobs (fingerprint);
		CREATE UNIQUE INDEX IF NOT EXISTS review_jobs_active_fp_idx ON review_jobs (fingerprint)
			WHERE stage NOT IN ('Completed', 'Failed', 'Cancelled');`)
	if err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}

// FailInterrupted marks every non-terminal job as failed. Runs once at
// startup: the archive bytes a pipeline re-unpacks from live only in
// the process that accepted the job, so a job caught mid-flight by a
// restart can never advance and would pin its fingerprint against new
// submissions forever.
func (p *Postgres) FailInterrupted(ctx context.Context) (int, error) {
	res, err := p.db.ExecContext(ctx, `
		UPDATE review_jobs
		SET stage = 'Failed',
		    error = jsonb_build_object(
		        'stage', stage,
		        'kind', 'InternalError',
		        'message', 'job interrupted by server restart'),
		    updated_at = NOW()
		WHERE stage NOT IN ('Completed', 'Failed', 'Cancelled')`)
	if err != nil {
		return 0, fmt.Errorf("fail interrupted jobs: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("fail interrupted rows affected: %w", err)
	}
	return int(n), nil
}

type jobRow struct {
	ID            string    `db:"id"`
	Fingerprint   string    `db:"fingerprint"`
	TargetRef     string    `db:"target_ref"`
	Stage         string    `db:"stage"`
	Findings      []byte    `db:"findings"`
	ReviewContext []byte    `db:"review_context"`
	ReviewResult  []byte    `db:"review_result"`
	FixResult     []byte    `db:"fix_result"`
	Error         []byte    `db:"error"`
	Logs          []byte    `db:"logs"`
	CreatedAt     time.Time `db:"created_at"`
	UpdatedAt     time.Time `db:"updated_at"`
}

const jobColumns = `id, fingerprint, target_ref, stage, findings, review_context,
	review_result, fix_result, error, logs, created_at, updated_at`

func (r jobRow) toDomain() (*domain.Job, error) {
	job := &domain.Job{
		ID:            r.ID,
		Fingerprint:   r.Fingerprint,
		TargetRef:     r.TargetRef,
		Stage:         domain.Stage(r.Stage),
		ReviewContext: r.ReviewContext,
		ReviewResult:  r.ReviewResult,
		FixResult:     r.FixResult,
		CreatedAt:     r.CreatedAt,
		UpdatedAt:     r.UpdatedAt,
	}
	if len(r.Findings) > 0 {
		if err := json.Unmarshal(r.Findings, &job.Findings); err != nil {
			return nil, fmt.Errorf("decode findings for %s: %w", r.ID, err)
		}
	}
	if len(r.Error) > 0 {
		if err := json.Unmarshal(r.Error, &job.Error); err != nil {
			return nil, fmt.Errorf("decode error for %s: %w", r.ID, err)
		}
	}
	if len(r.Logs) > 0 {
		if err := json.Unmarshal(r.Logs, &job.Logs); err != nil {
			return nil, fmt.Errorf("decode logs for %s: %w", r.ID, err)
		}
	}
	return job, nil
}

func (p *Postgres) FindActiveOrCreate(ctx context.Context, job *domain.Job) (*domain.Job, bool, error) {
	tx, err := p.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, false, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	// An empty FOR UPDATE result locks nothing, so two submissions of
	// the same fingerprint could both pass the lookup and both insert.
	// The advisory lock serializes same-fingerprint transactions; the
	// partial unique index is the backstop.
	if _, err := tx.ExecContext(ctx,
		`SELECT pg_advisory_xact_lock(hashtext($1))`, job.Fingerprint); err != nil {
		return nil, false, fmt.Errorf("lock fingerprint: %w", err)
	}

	var row jobRow
	err = tx.GetContext(ctx, &row,
		`SELECT `+jobColumns+` FROM review_jobs
		 WHERE fingerprint = $1 AND stage NOT IN ('Completed', 'Failed', 'Cancelled')
		 ORDER BY created_at DESC LIMIT 1 FOR UPDATE`, job.Fingerprint)
	switch {
	case err == nil:
		existing, derr := row.toDomain()
		if derr != nil {
			return nil, false, derr
		}
		return existing, false, nil
	case !errors.Is(err, sql.ErrNoRows):
		return nil, false, fmt.Errorf("find active job: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO review_jobs (id, fingerprint, target_ref, stage) VALUES ($1, $2, $3, $4)`,
		job.ID, job.Fingerprint, job.TargetRef, job.Stage)
	if err != nil {
		if isUniqueViolation(err) {
			tx.Rollback()
			return p.attachActive(ctx, job.Fingerprint)
		}
		return nil, false, fmt.Errorf("insert job: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, false, fmt.Errorf("commit: %w", err)
	}

	created, err := p.Get(ctx, job.ID)
	if err != nil {
		return nil, false, err
	}
	return created, true, nil
}

// attachActive resolves an insert that lost the unique-index race by
// returning the job the winner created.
func (p *Postgres) attachActive(ctx context.Context, fingerprint string) (*domain.Job, bool, error) {
	var row jobRow
	err := p.db.GetContext(ctx, &row,
		`SELECT `+jobColumns+` FROM review_jobs
		 WHERE fingerprint = $1 AND stage NOT IN ('Completed', 'Failed', 'Cancelled')
		 ORDER BY created_at DESC LIMIT 1`, fingerprint)
	if err != nil {
		return nil, false, fmt.Errorf("find active job after insert conflict: %w", err)
	}
	existing, derr := row.toDomain()
	if derr != nil {
		return nil, false, derr
	}
	return existing, false, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func (p *Postgres) Get(ctx context.Context, id string) (*domain.Job, error) {
	var row jobRow
	err := p.db.GetContext(ctx, &row,
		`SELECT `+jobColumns+` FROM review_jobs WHERE id = $1`, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("get job %s: %w", id, err)
	}
	return row.toDomain()
}

func (p *Postgres) Advance(ctx context.Context, id string, to domain.Stage) error {
	return p.transition(ctx, id, to, nil)
}

func (p *Postgres) Fail(ctx context.Context, id string, jobErr *domain.JobError) error {
	blob, err := json.Marshal(jobErr)
	if err != nil {
		return fmt.Errorf("encode job error: %w", err)
	}
	return p.transition(ctx, id, domain.StageFailed, func(tx *sqlx.Tx) error {
		_, err := tx.ExecContext(ctx, `UPDATE review_jobs SET error = $2 WHERE id = $1`, id, blob)
		return err
	})
}

func (p *Postgres) Cancel(ctx context.Context, id string) error {
	return p.transition(ctx, id, domain.StageCancelled, nil)
}

// transition moves the job to the target stage after validating the
// move against the current stage under a row lock.
func (p *Postgres) transition(ctx context.Context, id string, to domain.Stage, extra func(*sqlx.Tx) error) error {
	tx, err := p.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	var current string
	err = tx.GetContext(ctx, &current, `SELECT stage FROM review_jobs WHERE id = $1 FOR UPDATE`, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.ErrNotFound
		}
		return fmt.Errorf("lock job %s: %w", id, err)
	}

	if !domain.ValidTransition(domain.Stage(current), to) {
		return fmt.Errorf("transition %s from %s to %s: %w", id, current, to, domain.ErrConflict)
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE review_jobs SET stage = $2, updated_at = NOW() WHERE id = $1`, id, string(to))
	if err != nil {
		return fmt.Errorf("update stage for %s: %w", id, err)
	}
	if extra != nil {
		if err := extra(tx); err != nil {
			return fmt.Errorf("update job %s: %w", id, err)
		}
	}
	return tx.Commit()
}

func (p *Postgres) AttachFindings(ctx context.Context, id string, findings []domain.Finding) error {
	blob, err := json.Marshal(findings)
	if err != nil {
		return fmt.Errorf("encode findings: %w", err)
	}
	return p.setColumn(ctx, id, "findings", blob)
}

func (p *Postgres) SetContext(ctx context.Context, id string, blob json.RawMessage) error {
	return p.setColumn(ctx, id, "review_context", blob)
}

func (p *Postgres) SetReviewResult(ctx context.Context, id string, blob json.RawMessage) error {
	return p.setColumn(ctx, id, "review_result", blob)
}

func (p *Postgres) SetFixResult(ctx context.Context, id string, blob json.RawMessage) error {
	return p.setColumn(ctx, id, "fix_result", blob)
}

func (p *Postgres) setColumn(ctx context.Context, id, column string, blob []byte) error {
	// column is one of a fixed set of identifiers, never user input.
	// Terminal jobs refuse result writes so a stage finishing after a
	// cancellation cannot resurrect the job's data.
	res, err := p.db.ExecContext(ctx,
		`UPDATE review_jobs SET `+column+` = $2, updated_at = NOW()
		 WHERE id = $1 AND stage NOT IN ('Completed', 'Failed', 'Cancelled')`, id, blob)
	if err != nil {
		return fmt.Errorf("set %s for %s: %w", column, id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return p.missingOrTerminal(ctx, id)
	}
	return nil
}

// missingOrTerminal distinguishes a write refused because the job does
// not exist from one refused because the job is already terminal.
func (p *Postgres) missingOrTerminal(ctx context.Context, id string) error {
	var stage string
	err := p.db.GetContext(ctx, &stage, `SELECT stage FROM review_jobs WHERE id = $1`, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.ErrNotFound
		}
		return fmt.Errorf("inspect job %s: %w", id, err)
	}
	return fmt.Errorf("write to job %s in stage %s: %w", id, stage, domain.ErrConflict)
}

func (p *Postgres) AppendLog(ctx context.Context, id string, line string) error {
	lineJSON, err := json.Marshal(line)
	if err != nil {
		return fmt.Errorf("encode log line: %w", err)
	}
	// Drop the oldest entry once the log is at capacity.
	res, err := p.db.ExecContext(ctx,
		`UPDATE review_jobs
		 SET logs = CASE WHEN jsonb_array_length(logs) >= $3
		         THEN (logs - 0) || $2::jsonb
		         ELSE logs || $2::jsonb END,
		     updated_at = NOW()
		 WHERE id = $1`, id, string(lineJSON), domain.MaxJobLogs)
	if err != nil {
		return fmt.Errorf("append log for %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (p *Postgres) Sweep(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := p.db.ExecContext(ctx,
		`DELETE FROM review_jobs
		 WHERE stage IN ('Completed', 'Failed', 'Cancelled') AND updated_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("sweep jobs: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("sweep rows affected: %w", err)
	}
	return int(n), nil
}
