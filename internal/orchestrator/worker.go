package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/anstrom/scanledger/internal/config"
	"github.com/anstrom/scanledger/internal/db"
	"github.com/anstrom/scanledger/internal/errors"
	"github.com/anstrom/scanledger/internal/logging"
)

// MaxExternalBatch caps how many targets one external batch takes.
const MaxExternalBatch = 25

// Stats holds worker statistics.
type Stats struct {
	Lanes           int       `json:"lanes"`
	BatchesRun      int64     `json:"batches_run"`
	IdlePolls       int64     `json:"idle_polls"`
	TargetsFinished int64     `json:"targets_finished"`
	TargetsFailed   int64     `json:"targets_failed"`
	StepErrors      int64     `json:"step_errors"`
	LastBatchAt     time.Time `json:"last_batch_at"`
}

// laneRun carries one pass of a lane through the pipeline.
type laneRun struct {
	lane    Lane
	scanner config.ScannerConfig
	targets []string
	report  BatchReport
}

// step is one stage of the pipeline. It returns false to end the pass early.
type step struct {
	name string
	run  func(ctx context.Context, w *Worker, r *laneRun) (bool, error)
}

var pipeline = []step{
	{name: "pickup", run: pickupStep},
	{name: "dispatch", run: dispatchStep},
	{name: "settle", run: settleStep},
}

func pickupStep(ctx context.Context, w *Worker, r *laneRun) (bool, error) {
	amount := r.scanner.BatchSize
	if r.scanner.Kind == config.ScannerKindExternal {
		amount = min(amount, MaxExternalBatch)
	}
	targets, err := w.orch.queue.Pickup(ctx, r.lane.Activity, r.lane.Scanner, amount, r.scanner.MaxConcurrent)
	if err != nil {
		return false, err
	}
	if len(targets) > 0 {
		w.orch.metrics.AddPickedUp(string(r.lane.Activity), r.lane.Scanner, len(targets))
	}
	r.targets = targets
	return len(targets) > 0, nil
}

func dispatchStep(ctx context.Context, w *Worker, r *laneRun) (bool, error) {
	switch r.scanner.Kind {
	case config.ScannerKindExternal:
		r.report = w.orch.scanExternal(ctx, r.lane, r.targets)
	case config.ScannerKindLocal:
		r.report = w.orch.scanLocal(ctx, r.lane, r.targets)
	default:
		return false, fmt.Errorf("scanner %s has unknown kind %q", r.scanner.Name, r.scanner.Kind)
	}
	return true, nil
}

func settleStep(ctx context.Context, w *Worker, r *laneRun) (bool, error) {
	return true, w.orch.Settle(ctx, r.lane, r.report.Outcomes)
}

// Worker runs every configured lane in its own loop: pick up a batch,
// dispatch it and settle the outcomes, then sleep when there was no work.
type Worker struct {
	orch   *Orchestrator
	logger *logging.Logger

	wg     sync.WaitGroup
	cancel context.CancelFunc

	statsMu sync.RWMutex
	stats   Stats
}

// NewWorker creates a worker driving o.
func NewWorker(o *Orchestrator) *Worker {
	return &Worker{orch: o, logger: o.logger.WithComponent("worker")}
}

// Lanes lists the lanes to run, one entry per configured lane worker.
// Local scanners without a registered probe are skipped.
func (w *Worker) Lanes() []Lane {
	var lanes []Lane
	for _, sc := range w.orch.settings.Get().Scanners {
		if sc.Kind == config.ScannerKindLocal {
			if _, ok := w.orch.probes.Get(sc.Name); !ok {
				w.logger.Warn("No probe registered for local scanner, skipping", "scanner", sc.Name)
				continue
			}
		}
		for _, activity := range sc.Activities {
			for range max(sc.Workers, 1) {
				lanes = append(lanes, Lane{Activity: db.Activity(activity), Scanner: sc.Name})
			}
		}
	}
	return lanes
}

// RunOnce takes one pass of lane through the pipeline. It reports whether
// any work was picked up.
func (w *Worker) RunOnce(ctx context.Context, lane Lane) (BatchReport, bool, error) {
	sc, ok := w.orch.settings.Get().Scanner(lane.Scanner)
	if !ok {
		return BatchReport{}, false, fmt.Errorf("%s: %w", lane, errors.ErrConfigMissing("scanners."+lane.Scanner))
	}

	r := &laneRun{lane: lane, scanner: sc}
	for _, s := range pipeline {
		more, err := s.run(ctx, w, r)
		if err != nil {
			w.updateStats(func(st *Stats) { st.StepErrors++ })
			return r.report, len(r.targets) > 0, fmt.Errorf("%s %s: %w", lane, s.name, err)
		}
		if !more {
			break
		}
	}

	if len(r.targets) == 0 {
		w.updateStats(func(st *Stats) { st.IdlePolls++ })
		return r.report, false, nil
	}
	w.updateStats(func(st *Stats) {
		st.BatchesRun++
		st.TargetsFinished += int64(r.report.Count(db.StateFinished))
		st.TargetsFailed += int64(r.report.Count(db.StateError))
		st.LastBatchAt = time.Now()
	})
	return r.report, true, nil
}

// runLane loops over RunOnce until ctx is done or a pass fails fatally,
// for example because the scanner left the configuration. Idle passes and
// failed steps wait IdleInterval.
func (w *Worker) runLane(ctx context.Context, lane Lane) {
	log := w.logger.WithLane(string(lane.Activity), lane.Scanner)
	log.Info("Lane started")
	defer log.Info("Lane stopped")

	for ctx.Err() == nil {
		_, worked, err := w.RunOnce(ctx, lane)
		if err != nil && ctx.Err() == nil {
			if errors.IsFatal(err) {
				log.WithError(err).Error("Lane cannot continue")
				return
			}
			log.WithError(err).Error("Lane pass failed")
		}
		if worked && err == nil {
			continue
		}
		if err := sleep(ctx, w.orch.settings.Get().IdleInterval); err != nil {
			return
		}
	}
}

// Start launches one goroutine per lane.
func (w *Worker) Start(ctx context.Context) error {
	lanes := w.Lanes()
	if len(lanes) == 0 {
		return fmt.Errorf("no scanner lanes configured")
	}

	ctx, cancel := context.WithCancel(ctx)
	w.cancel = cancel
	w.updateStats(func(st *Stats) { st.Lanes = len(lanes) })

	w.logger.Info("Starting worker", "lanes", len(lanes))
	for _, lane := range lanes {
		w.wg.Add(1)
		go func() {
			defer w.wg.Done()
			w.runLane(ctx, lane)
		}()
	}
	return nil
}

// Stop cancels every lane and waits for the running batches to return.
func (w *Worker) Stop() {
	if w.cancel != nil {
		w.cancel()
	}
	w.wg.Wait()
	w.logger.Info("Worker stopped")
}

// Run starts the worker and blocks until ctx is done.
func (w *Worker) Run(ctx context.Context) error {
	if err := w.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	w.Stop()
	return nil
}

// Stats returns a snapshot of the worker statistics.
func (w *Worker) Stats() Stats {
	w.statsMu.RLock()
	defer w.statsMu.RUnlock()
	return w.stats
}

func (w *Worker) updateStats(fn func(*Stats)) {
	w.statsMu.Lock()
	defer w.statsMu.Unlock()
	fn(&w.stats)
}
