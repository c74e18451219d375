package orchestrator

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/anstrom/scanledger/internal/db"
	"github.com/anstrom/scanledger/internal/results"
	"github.com/anstrom/scanledger/internal/workers"
)

// RunLocal runs the probe of a local lane against targets and settles the
// outcomes.
func (o *Orchestrator) RunLocal(ctx context.Context, lane Lane, targets []string) BatchReport {
	report := o.scanLocal(ctx, lane, targets)
	if err := o.Settle(ctx, lane, report.Outcomes); err != nil {
		o.logger.Error("Failed to settle batch", "lane", lane.String(), "label", report.Label, "error", err)
	}
	return report
}

// scanLocal probes targets concurrently on a worker pool. Targets whose
// probe was interrupted by cancellation get no outcome.
func (o *Orchestrator) scanLocal(ctx context.Context, lane Lane, targets []string) BatchReport {
	start := time.Now()
	settings := o.settings.Get()
	report := BatchReport{Lane: lane, Label: newLabel(lane)}

	outcomes := make([]Outcome, len(targets))
	done := make([]bool, len(targets))
	jobs := make([]workers.Job, len(targets))
	for i, target := range targets {
		jobs[i] = workers.NewJob(target, "probe_"+lane.Scanner, func(jobCtx context.Context) error {
			outcomes[i], done[i] = o.probeTarget(jobCtx, lane, target)
			return nil
		})
	}

	size := min(settings.ProbeConcurrency, max(len(targets), 1))
	rounds := (len(targets) + size - 1) / size
	workers.RunAll(ctx, workers.Config{
		Size:            size,
		ShutdownTimeout: time.Duration(rounds+1) * 2 * settings.ProbeTimeout,
	}, o.metrics, jobs)

	for i := range targets {
		if done[i] {
			report.Outcomes = append(report.Outcomes, outcomes[i])
		}
	}
	report.Duration = time.Since(start)

	o.logger.WithLane(string(lane.Activity), lane.Scanner).Info("Local batch done",
		"label", report.Label,
		"targets", len(targets),
		"finished", report.Count(db.StateFinished),
		"errored", report.Count(db.StateError),
		"duration", report.Duration)
	return report
}

func (o *Orchestrator) probeTarget(ctx context.Context, lane Lane, target string) (out Outcome, ok bool) {
	log := o.logger.WithLane(string(lane.Activity), lane.Scanner)
	defer func() {
		if r := recover(); r != nil {
			log.ErrorScan("Panic in probe", target, fmt.Errorf("panic: %v", r), "stack", string(debug.Stack()))
			out, ok = failed(target, fmt.Sprintf("panic: %v", r)), true
		}
	}()

	findings, err := o.probes.Run(ctx, lane.Scanner, lane.Activity, target)
	if err != nil {
		if ctx.Err() != nil {
			return Outcome{}, false
		}
		log.InfoScan("Probe failed", target, "error", err)
		return failed(target, err.Error()), true
	}

	if err := results.Save(ctx, o.results, o.metrics, findings); err != nil {
		if ctx.Err() != nil {
			return Outcome{}, false
		}
		log.ErrorScan("Failed to store results", target, err)
		return failed(target, err.Error()), true
	}
	return finished(target, len(findings)), true
}
