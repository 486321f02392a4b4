package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"batch-ingestion-service/internal/config"
	"batch-ingestion-service/internal/models"
	"batch-ingestion-service/internal/queue"
	"batch-ingestion-service/internal/ratelimit"
	"batch-ingestion-service/internal/store"
	"batch-ingestion-service/internal/telemetry"
)

// ErrStateCorrupted means the queue handed out a unit the store does not know
// or that is not pending. Run stops when it sees it.
var ErrStateCorrupted = errors.New("dispatch state corrupted")

// Dispatcher drains the dispatch queue one unit at a time, never starting two
// dispatches closer together than the configured interval.
type Dispatcher struct {
	cfg        config.Config
	queue      queue.Queue
	store      store.Store
	downstream Downstream
	sink       ResultSink
	gate       *ratelimit.IntervalGate
	logger     *slog.Logger
}

func NewDispatcher(cfg config.Config, q queue.Queue, st store.Store, ds Downstream, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		cfg:        cfg,
		queue:      q,
		store:      st,
		downstream: ds,
		gate:       ratelimit.NewIntervalGate(cfg.DispatchInterval),
		logger:     logger,
	}
}

// SetResultSink archives every completed unit's response to sink.
func (d *Dispatcher) SetResultSink(sink ResultSink) {
	d.sink = sink
}

// Run is the dispatch loop. It returns ctx.Err() on cancellation, or an error
// wrapping ErrStateCorrupted; a failing unit never stops it.
func (d *Dispatcher) Run(ctx context.Context) error {
	d.logger.Info("dispatcher started",
		"interval", d.cfg.DispatchInterval.String(),
		"empty_backoff", d.cfg.EmptyQueueBackoff.String(),
		"failure_backoff", d.cfg.FailureBackoff.String())

	for {
		if err := d.gate.WaitReady(ctx); err != nil {
			return err
		}

		depth, err := d.queue.Len(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			d.logger.Error("read queue depth", "error", err)
			if err := sleep(ctx, d.cfg.FailureBackoff); err != nil {
				return err
			}
			continue
		}
		telemetry.QueueDepthGauge.Set(float64(depth))
		if depth == 0 {
			if err := sleep(ctx, d.cfg.EmptyQueueBackoff); err != nil {
				return err
			}
			continue
		}

		start := time.Now()
		if !d.gate.Take(start) {
			continue
		}
		err = d.dispatch(ctx, start)
		if err == nil {
			continue
		}
		if errors.Is(err, ErrStateCorrupted) {
			d.logger.Error("dispatcher stopping", "error", err)
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		telemetry.DispatchFailures.Inc()
		d.logger.Error("dispatch failed", "error", err)
		if err := sleep(ctx, d.cfg.FailureBackoff); err != nil {
			return err
		}
	}
}

// dispatch runs one cycle: dequeue, mark dispatched, call downstream, mark completed.
func (d *Dispatcher) dispatch(ctx context.Context, start time.Time) error {
	entry, ok, err := d.queue.Dequeue(ctx)
	if err != nil {
		return fmt.Errorf("dequeue: %w", err)
	}
	if !ok {
		return nil
	}
	log := d.logger.With("batch_id", entry.UnitID, "ingestion_id", entry.SubmissionID, "priority", string(entry.Priority))

	unit, err := d.store.MarkDispatched(ctx, entry.UnitID, start)
	if err != nil {
		err = classify("mark dispatched", err)
		if errors.Is(err, ErrStateCorrupted) {
			return err
		}
		// The unit is still pending, so it has to go back on the queue.
		if qerr := d.queue.Enqueue(context.WithoutCancel(ctx), entry); qerr != nil {
			log.Error("requeue unit", "error", qerr)
			return fmt.Errorf("%w (requeue: %v)", err, qerr)
		}
		log.Warn("unit requeued", "error", err)
		return err
	}
	telemetry.UnitsDispatched.Inc()
	log.Info("unit dispatched", "ids", len(unit.IDs))

	telemetry.InFlightGauge.Inc()
	began := time.Now()
	resp, err := d.call(ctx, unit)
	telemetry.InFlightGauge.Dec()
	telemetry.DownstreamLatency.Observe(time.Since(began).Seconds())
	if err != nil {
		if rerr := d.store.RecordFailure(context.WithoutCancel(ctx), unit.ID, err.Error()); rerr != nil {
			log.Warn("record failure", "error", rerr)
		}
		return fmt.Errorf("process unit %s: %w", unit.ID, err)
	}

	if _, err := d.store.MarkCompleted(ctx, unit.ID, time.Now()); err != nil {
		return classify("mark completed", err)
	}
	telemetry.UnitsCompleted.Inc()
	log.Info("unit completed", "took", time.Since(began).String())

	if d.sink != nil {
		where, err := d.sink.Store(ctx, unit, resp)
		if err != nil {
			log.Warn("archive result", "error", err)
		} else {
			log.Debug("result archived", "location", where)
		}
	}
	return nil
}

// call invokes the downstream collaborator, turning a panic into an error.
func (d *Dispatcher) call(ctx context.Context, unit models.WorkUnit) (resp Response, err error) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("downstream panic", "batch_id", unit.ID, "panic", fmt.Sprint(r), "stack", string(debug.Stack()))
			err = fmt.Errorf("downstream panic: %v", r)
		}
	}()
	return d.downstream.Process(ctx, unit)
}

func classify(op string, err error) error {
	if errors.Is(err, store.ErrNotFound) || errors.Is(err, store.ErrInvalidTransition) {
		return fmt.Errorf("%w: %s: %w", ErrStateCorrupted, op, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
