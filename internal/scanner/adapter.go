package scanner

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/FaizalBasha-123/testpilot-sub001/internal/domain"
	"github.com/FaizalBasha-123/testpilot-sub001/internal/metrics"
)

// AdapterConfig holds the polling discipline for one Adapter.
type AdapterConfig struct {
	PollInterval time.Duration
	Timeout      time.Duration
}

// Adapter drives one engine scan per call. It owns the workspace it is
// handed: the directory is removed on every exit path before Scan
// returns, including panics out of the engine client.
type Adapter struct {
	engine  Engine
	cfg     AdapterConfig
	clock   clockwork.Clock
	metrics *metrics.Metrics
	log     *slog.Logger
}

// NewAdapter wires an Adapter around an engine client.
func NewAdapter(engine Engine, cfg AdapterConfig, clock clockwork.Clock, m *metrics.Metrics, log *slog.Logger) *Adapter {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Minute
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if log == nil {
		log = slog.Default()
	}
	return &Adapter{engine: engine, cfg: cfg, clock: clock, metrics: m, log: log}
}

// Scan submits workspace to the engine, polls until the engine-side job
// is terminal or the overall timeout elapses, and returns the mapped
// findings. The only durable effect is the returned findings.
func (a *Adapter) Scan(ctx context.Context, workspace string) (findings []domain.Finding, err error) {
	defer a.cleanup(workspace)
	defer func() {
		if r := recover(); r != nil {
			findings = nil
			err = domain.NewStageError(domain.ErrKindInternal, "scan aborted: %v", r)
		}
	}()

	engineJobID, err := a.engine.Submit(ctx, workspace)
	if err != nil {
		return nil, err
	}
	a.log.Debug("scan submitted", "engine_job", engineJobID, "workspace", workspace)

	deadline := a.clock.Now().Add(a.cfg.Timeout)
	ticker := a.clock.NewTicker(a.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			// An expired deadline is the scan running out of time, no
			// matter whose clock ran out first.
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return nil, domain.NewStageError(domain.ErrKindScannerTimeout,
					"scan cut off by deadline after waiting on the engine")
			}
			return nil, domain.NewStageError(domain.ErrKindAPI, "scan interrupted: %v", ctx.Err())
		case <-ticker.Chan():
		}

		if !a.clock.Now().Before(deadline) {
			return nil, domain.NewStageError(domain.ErrKindScannerTimeout,
				"scan engine did not finish within %s", a.cfg.Timeout)
		}

		status, perr := a.engine.PollStatus(ctx, engineJobID)
		if perr != nil {
			// Transient poll failures are tolerated; the overall
			// deadline bounds how long we keep trying.
			a.log.Warn("scan status poll failed", "engine_job", engineJobID, "error", perr)
			continue
		}
		if !status.Terminal {
			continue
		}
		if !status.Success {
			return nil, domain.NewStageError(domain.ErrKindScanner,
				"scan engine reported failure: %s", status.Message)
		}

		findings, err = a.engine.FetchFindings(ctx, engineJobID)
		if err != nil {
			return nil, err
		}
		a.log.Info("scan finished", "engine_job", engineJobID, "findings", len(findings))
		return findings, nil
	}
}

func (a *Adapter) cleanup(workspace string) {
	if workspace == "" {
		return
	}
	if err := os.RemoveAll(workspace); err != nil {
		a.log.Error("workspace cleanup failed", "workspace", workspace, "error", err)
		if a.metrics != nil {
			a.metrics.CleanupFailures.Inc()
		}
	}
}
