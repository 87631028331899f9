package orchestrator

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/FaizalBasha-123/testpilot-sub001/internal/archive"
	"github.com/FaizalBasha-123/testpilot-sub001/internal/domain"
	"github.com/FaizalBasha-123/testpilot-sub001/internal/metrics"
	"github.com/FaizalBasha-123/testpilot-sub001/internal/registry"
	"github.com/FaizalBasha-123/testpilot-sub001/internal/store"
)

func makeArchive(t *testing.T, files map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for name, content := range files {
		w, err := zw.Create(name)
		require.NoError(t, err)
		_, err = w.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

type fakeScanner struct {
	calls  atomic.Int32
	scanFn func(ctx context.Context, workspace string) ([]domain.Finding, error)
}

func (f *fakeScanner) Scan(ctx context.Context, workspace string) ([]domain.Finding, error) {
	f.calls.Add(1)
	if f.scanFn != nil {
		return f.scanFn(ctx, workspace)
	}
	return []domain.Finding{{Key: "k1", Rule: "go:S100", Severity: domain.SeverityMajor, Kind: domain.KindBug}}, nil
}

type fakeReviewer struct {
	contextCalls atomic.Int32
	reviewCalls  atomic.Int32
	fixCalls     atomic.Int32

	contextFn func(ctx context.Context, workspace string) (json.RawMessage, error)
	reviewFn  func(ctx context.Context, rc json.RawMessage, findings []domain.Finding) (json.RawMessage, error)
	fixFn     func(ctx context.Context, rr json.RawMessage) (json.RawMessage, error)
}

func (f *fakeReviewer) BuildContext(ctx context.Context, workspace string) (json.RawMessage, error) {
	f.contextCalls.Add(1)
	if f.contextFn != nil {
		return f.contextFn(ctx, workspace)
	}
	return json.RawMessage(`{"files":1}`), nil
}

func (f *fakeReviewer) Review(ctx context.Context, rc json.RawMessage, findings []domain.Finding) (json.RawMessage, error) {
	f.reviewCalls.Add(1)
	if f.reviewFn != nil {
		return f.reviewFn(ctx, rc, findings)
	}
	return json.RawMessage(`{"summary":"looks fine"}`), nil
}

func (f *fakeReviewer) GenerateFix(ctx context.Context, rr json.RawMessage) (json.RawMessage, error) {
	f.fixCalls.Add(1)
	if f.fixFn != nil {
		return f.fixFn(ctx, rr)
	}
	return json.RawMessage(`{"fixes":[]}`), nil
}

type testRig struct {
	orch     *Orchestrator
	store    *store.Memory
	scanner  *fakeScanner
	reviewer *fakeReviewer
	registry *registry.Registry
}

func newRig(t *testing.T, mutate func(cfg *Config)) *testRig {
	t.Helper()

	reg := registry.New(registry.Config{})
	reg.Register("ai-core", "http://localhost:9101")
	reg.Register("scan-worker", "http://localhost:9102")

	cfg := Config{
		MaxConcurrentJobs: 4,
		StageTimeout:      5 * time.Second,
		RetryMaxAttempts:  3,
		RetryBaseDelay:    time.Millisecond,
		RetryMaxDelay:     5 * time.Millisecond,
		Archive: archive.Options{
			MaxArchiveBytes:  1 << 20,
			MaxUnpackedBytes: 4 << 20,
			MaxEntries:       100,
			ScratchDir:       t.TempDir(),
		},
	}
	if mutate != nil {
		mutate(&cfg)
	}

	st := store.NewMemory()
	sc := &fakeScanner{}
	rev := &fakeReviewer{}
	o := New(cfg, st, reg, sc, rev, clockwork.NewRealClock(), metrics.New(), nil)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(func() {
		cancel()
		o.Wait()
	})
	o.Start(ctx)

	return &testRig{orch: o, store: st, scanner: sc, reviewer: rev, registry: reg}
}

func (r *testRig) waitForStage(t *testing.T, id string, want domain.Stage) *domain.Job {
	t.Helper()
	var job *domain.Job
	require.Eventually(t, func() bool {
		j, err := r.store.Get(context.Background(), id)
		if err != nil {
			return false
		}
		job = j
		return j.Stage == want
	}, 5*time.Second, 5*time.Millisecond, "job %s never reached %s", id, want)
	return job
}

func TestPipelineHappyPath(t *testing.T) {
	rig := newRig(t, nil)
	data := makeArchive(t, map[string]string{"main.go": "package main\n"})

	id, created, err := rig.orch.Submit(context.Background(), data, "refs/heads/main")
	require.NoError(t, err)
	assert.True(t, created)

	job := rig.waitForStage(t, id, domain.StageCompleted)
	assert.Len(t, job.Findings, 1)
	assert.JSONEq(t, `{"files":1}`, string(job.ReviewContext))
	assert.JSONEq(t, `{"summary":"looks fine"}`, string(job.ReviewResult))
	assert.JSONEq(t, `{"fixes":[]}`, string(job.FixResult))
	assert.Nil(t, job.Error)
	assert.NotEmpty(t, job.Logs)

	assert.Equal(t, int32(1), rig.scanner.calls.Load())
	assert.Equal(t, int32(1), rig.reviewer.contextCalls.Load())
	assert.Equal(t, int32(1), rig.reviewer.reviewCalls.Load())
	assert.Equal(t, int32(1), rig.reviewer.fixCalls.Load())
}

func TestSubmitDeduplicatesActiveJobs(t *testing.T) {
	rig := newRig(t, nil)

	// Hold the pipeline inside the scan so the first job stays active.
	release := make(chan struct{})
	rig.scanner.scanFn = func(ctx context.Context, _ string) ([]domain.Finding, error) {
		select {
		case <-release:
			return nil, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	data := makeArchive(t, map[string]string{"a.go": "package a\n"})
	first, created, err := rig.orch.Submit(context.Background(), data, "main")
	require.NoError(t, err)
	require.True(t, created)

	second, created, err := rig.orch.Submit(context.Background(), data, "main")
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first, second)

	// A different target ref is a different fingerprint.
	other, created, err := rig.orch.Submit(context.Background(), data, "develop")
	require.NoError(t, err)
	assert.True(t, created)
	assert.NotEqual(t, first, other)

	close(release)
	rig.waitForStage(t, first, domain.StageCompleted)

	// Once the job is terminal the same bytes start a fresh run.
	again, created, err := rig.orch.Submit(context.Background(), data, "main")
	require.NoError(t, err)
	assert.True(t, created)
	assert.NotEqual(t, first, again)
}

func TestSubmitRejectsOversizedArchive(t *testing.T) {
	rig := newRig(t, func(cfg *Config) {
		cfg.Archive.MaxArchiveBytes = 16
	})

	data := makeArchive(t, map[string]string{"a.go": "package a\n"})
	_, created, err := rig.orch.Submit(context.Background(), data, "main")
	require.Error(t, err)
	assert.False(t, created)

	se := domain.Classify(err)
	assert.Equal(t, domain.ErrKindValidation, se.Kind)
}

func TestSubmitRejectsTraversalArchive(t *testing.T) {
	rig := newRig(t, nil)

	data := makeArchive(t, map[string]string{"../../evil.sh": "rm -rf\n"})
	_, _, err := rig.orch.Submit(context.Background(), data, "main")
	require.Error(t, err)
	assert.Equal(t, domain.ErrKindValidation, domain.Classify(err).Kind)
}

func TestCancelMidScanSticksAndDiscardsResults(t *testing.T) {
	rig := newRig(t, nil)

	started := make(chan struct{})
	release := make(chan struct{})
	rig.scanner.scanFn = func(ctx context.Context, _ string) ([]domain.Finding, error) {
		close(started)
		<-release
		return []domain.Finding{{Key: "late"}}, nil
	}

	data := makeArchive(t, map[string]string{"a.go": "package a\n"})
	id, _, err := rig.orch.Submit(context.Background(), data, "main")
	require.NoError(t, err)
	<-started

	require.NoError(t, rig.orch.Cancel(context.Background(), id))
	close(release)
	rig.orch.Wait()

	job, err := rig.store.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, domain.StageCancelled, job.Stage)
	assert.Empty(t, job.Findings, "results after cancellation must be discarded")
	assert.Equal(t, int32(0), rig.reviewer.reviewCalls.Load())

	// A second cancel conflicts.
	assert.ErrorIs(t, rig.orch.Cancel(context.Background(), id), domain.ErrConflict)
}

func TestCancelUnknownJob(t *testing.T) {
	rig := newRig(t, nil)
	assert.ErrorIs(t, rig.orch.Cancel(context.Background(), "missing"), domain.ErrNotFound)
}

func TestUnconfiguredServiceFailsWithoutRetry(t *testing.T) {
	rig := newRig(t, nil)
	rig.registry.Register("ai-core", "")

	data := makeArchive(t, map[string]string{"a.go": "package a\n"})
	id, _, err := rig.orch.Submit(context.Background(), data, "main")
	require.NoError(t, err)

	job := rig.waitForStage(t, id, domain.StageFailed)
	require.NotNil(t, job.Error)
	assert.Equal(t, domain.ErrKindServiceUnconfigured, job.Error.Kind)
	assert.Equal(t, domain.StageContextBuilding, job.Error.Stage)
	assert.Equal(t, int32(0), rig.reviewer.contextCalls.Load())
}

func TestApiErrorRetriesUpToBudget(t *testing.T) {
	rig := newRig(t, nil)

	rig.reviewer.contextFn = func(context.Context, string) (json.RawMessage, error) {
		if rig.reviewer.contextCalls.Load() <= 2 {
			return nil, domain.NewStageError(domain.ErrKindAPI, "connection refused")
		}
		return json.RawMessage(`{}`), nil
	}

	data := makeArchive(t, map[string]string{"a.go": "package a\n"})
	id, _, err := rig.orch.Submit(context.Background(), data, "main")
	require.NoError(t, err)

	rig.waitForStage(t, id, domain.StageCompleted)
	assert.Equal(t, int32(3), rig.reviewer.contextCalls.Load())
}

func TestApiErrorExhaustsBudgetAndFails(t *testing.T) {
	rig := newRig(t, nil)

	rig.reviewer.contextFn = func(context.Context, string) (json.RawMessage, error) {
		return nil, domain.NewStageError(domain.ErrKindAPI, "connection refused")
	}

	data := makeArchive(t, map[string]string{"a.go": "package a\n"})
	id, _, err := rig.orch.Submit(context.Background(), data, "main")
	require.NoError(t, err)

	job := rig.waitForStage(t, id, domain.StageFailed)
	require.NotNil(t, job.Error)
	assert.Equal(t, domain.ErrKindAPI, job.Error.Kind)
	assert.Equal(t, int32(3), rig.reviewer.contextCalls.Load())
}

func TestScanTimeoutRetriedExactlyOnce(t *testing.T) {
	rig := newRig(t, nil)

	rig.scanner.scanFn = func(context.Context, string) ([]domain.Finding, error) {
		return nil, domain.NewStageError(domain.ErrKindScannerTimeout, "engine exceeded budget")
	}

	data := makeArchive(t, map[string]string{"a.go": "package a\n"})
	id, _, err := rig.orch.Submit(context.Background(), data, "main")
	require.NoError(t, err)

	job := rig.waitForStage(t, id, domain.StageFailed)
	require.NotNil(t, job.Error)
	assert.Equal(t, domain.ErrKindScannerTimeout, job.Error.Kind)
	assert.Equal(t, domain.StageScanning, job.Error.Stage)
	assert.Equal(t, int32(2), rig.scanner.calls.Load())
}

func TestScannerErrorDoesNotRetry(t *testing.T) {
	rig := newRig(t, nil)

	rig.scanner.scanFn = func(context.Context, string) ([]domain.Finding, error) {
		return nil, domain.NewStageError(domain.ErrKindScanner, "engine rejected the project")
	}

	data := makeArchive(t, map[string]string{"a.go": "package a\n"})
	id, _, err := rig.orch.Submit(context.Background(), data, "main")
	require.NoError(t, err)

	job := rig.waitForStage(t, id, domain.StageFailed)
	require.NotNil(t, job.Error)
	assert.Equal(t, domain.ErrKindScanner, job.Error.Kind)
	assert.Equal(t, int32(1), rig.scanner.calls.Load())
}

func TestFingerprintStability(t *testing.T) {
	data := []byte("archive-bytes")
	assert.Equal(t, Fingerprint(data, "main"), Fingerprint(data, "main"))
	assert.NotEqual(t, Fingerprint(data, "main"), Fingerprint(data, "develop"))
	assert.NotEqual(t, Fingerprint(data, "main"), Fingerprint([]byte("other"), "main"))
}

func TestNextDelayBounds(t *testing.T) {
	base := 100 * time.Millisecond
	max := time.Second

	for attempt := 1; attempt <= 10; attempt++ {
		d := nextDelay(base, max, attempt)
		assert.GreaterOrEqual(t, d, base/2, "attempt %d", attempt)
		assert.LessOrEqual(t, d, max, "attempt %d", attempt)
	}
	assert.Equal(t, time.Duration(0), nextDelay(0, max, 1))
}
