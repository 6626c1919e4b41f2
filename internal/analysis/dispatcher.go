package analysis

import (
	"context"
	"fmt"
	"log/slog"
	"path"
	"sync"
	"time"

	"github.com/thswjdguq/deepsentinel/internal/metrics"
	"github.com/thswjdguq/deepsentinel/internal/resource"
)

// DefaultTimeout bounds one engine call.
const DefaultTimeout = 60 * time.Second

type DispatcherOptions struct {
	// Timeout bounds the engine call. Zero means DefaultTimeout.
	Timeout time.Duration
	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

// Dispatcher runs one detached analysis per created record and writes the
// outcome back through the repository. Dispatch is single-shot: there is no
// retry and nothing is queued durably.
type Dispatcher struct {
	repo    resource.Repository
	blobs   resource.BlobStore
	engine  Engine
	timeout time.Duration
	log     *slog.Logger
	metrics *metrics.Metrics
	now     func() time.Time

	wg sync.WaitGroup
}

var _ resource.Dispatcher = (*Dispatcher)(nil)

func NewDispatcher(repo resource.Repository, blobs resource.BlobStore, engine Engine, opts DispatcherOptions) *Dispatcher {
	d := &Dispatcher{
		repo:    repo,
		blobs:   blobs,
		engine:  engine,
		timeout: opts.Timeout,
		log:     opts.Logger,
		metrics: opts.Metrics,
		now:     func() time.Time { return time.Now().UTC() },
	}
	if d.timeout <= 0 {
		d.timeout = DefaultTimeout
	}
	if d.log == nil {
		d.log = slog.Default()
	}
	return d
}

// Dispatch starts the analysis of rec in the background and returns at once.
// The task keeps running after ctx is cancelled.
func (d *Dispatcher) Dispatch(ctx context.Context, rec resource.Record) {
	ctx = context.WithoutCancel(ctx)
	d.wg.Add(1)
	d.metrics.DispatchStarted()
	go func() {
		defer d.wg.Done()
		d.run(ctx, rec)
	}()
}

// Wait blocks until every dispatched task has reconciled.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

func (d *Dispatcher) run(ctx context.Context, rec resource.Record) {
	log := d.log.With("kind", rec.Kind, "id", rec.ID, "worker", "dispatch")
	start := time.Now()
	log.Info("dispatching to analysis engine", "artifact", rec.ArtifactRef())

	verdict, err := d.analyze(ctx, rec)
	outcome := d.reconcile(ctx, log, rec, verdict, err)
	d.metrics.DispatchFinished(outcome, time.Since(start))
}

func (d *Dispatcher) analyze(ctx context.Context, rec resource.Record) (*Verdict, error) {
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	ref := rec.ArtifactRef()
	video, err := d.blobs.Open(ctx, ref)
	if err != nil {
		return nil, fmt.Errorf("failed to open artifact %s: %w", ref, err)
	}
	defer video.Close()

	verdict, err := d.engine.Analyze(ctx, path.Base(ref), video)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUpstream, err)
	}
	return verdict, nil
}

// statusFor maps an engine verdict onto the analysis state machine.
func statusFor(result string) (resource.AnalysisStatus, error) {
	switch result {
	case "real":
		return resource.AnalysisReal, nil
	case "fake":
		return resource.AnalysisFake, nil
	case "uncertain", "indeterminate":
		return resource.AnalysisIndeterminate, nil
	}
	return "", fmt.Errorf("%w: unknown verdict %q", ErrUpstream, result)
}

// reconcile writes the verdict, or the indeterminate fallback when there is
// none or it cannot be applied. Errors are logged and never returned.
func (d *Dispatcher) reconcile(ctx context.Context, log *slog.Logger, rec resource.Record, v *Verdict, err error) string {
	if err == nil {
		var status resource.AnalysisStatus
		status, err = statusFor(v.Result)
		if err == nil {
			fields := resource.Fields{
				"status":     string(status),
				"confidence": v.Confidence,
				"report":     v.Report,
				"analyzedAt": d.now(),
			}
			if v.Metrics != nil {
				fields["metrics"] = v.Metrics
			}
			// The merge rules reject a confidence outside [0, 1], which sends
			// the record down the fallback path below.
			if _, err = d.repo.Update(ctx, rec.Kind, rec.ID, fields); err == nil {
				log.Info("analysis reconciled", "status", status, "confidence", v.Confidence, "analysis_time", v.AnalysisTime)
				return string(status)
			}
		}
	}

	log.Error("analysis failed, marking record indeterminate", "error", err)
	fallback := resource.Fields{
		"status":     string(resource.AnalysisIndeterminate),
		"confidence": 0.0,
		"analyzedAt": d.now(),
	}
	if _, ferr := d.repo.Update(ctx, rec.Kind, rec.ID, fallback); ferr != nil {
		log.Error("failed to record analysis failure, dropping", "error", ferr, "cause", err)
		return metrics.OutcomeDropped
	}
	return metrics.OutcomeFailed
}
