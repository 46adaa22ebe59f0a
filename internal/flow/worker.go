package flow

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ErrWorkerStopped is returned for requests made after the worker stopped
var ErrWorkerStopped = errors.New("flow worker stopped")

// Sink receives finalized flows. It runs on the worker goroutine, so a slow
// sink applies backpressure to ingress.
type Sink func(ctx context.Context, r Result)

type request struct {
	event  *MeterEvent
	tapID  string
	replyC chan FlowStatus
}

// WorkerConfig configures a Worker
type WorkerConfig struct {
	QueueSize     int
	SweepInterval time.Duration
	Now           func() time.Time
}

// Worker is the single goroutine that owns the Tracker. Every notification
// and status query goes through one ordered queue, so events for a tap are
// applied in arrival order.
type Worker struct {
	tracker  *Tracker
	sink     Sink
	requests chan request
	interval time.Duration
	now      func() time.Time
	logger   *zap.Logger

	cancel   context.CancelFunc
	done     chan struct{}
	stopOnce sync.Once
}

// NewWorker creates a worker over tracker
func NewWorker(tracker *Tracker, sink Sink, cfg WorkerConfig, logger *zap.Logger) *Worker {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = time.Second
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	tracker.SetClock(cfg.Now)
	return &Worker{
		tracker:  tracker,
		sink:     sink,
		requests: make(chan request, cfg.QueueSize),
		interval: cfg.SweepInterval,
		now:      cfg.Now,
		logger:   logger,
		done:     make(chan struct{}),
	}
}

// Start launches the worker goroutine
func (w *Worker) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	w.cancel = cancel
	go w.run(ctx)
	w.logger.Info("flow worker started", zap.Duration("sweep_interval", w.interval))
}

// Stop halts the worker. Flows still open are finalized at their last
// activity before Stop returns.
func (w *Worker) Stop(ctx context.Context) error {
	w.stopOnce.Do(func() {
		if w.cancel != nil {
			w.cancel()
		}
	})
	select {
	case <-w.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Submit queues ev and waits until the tracker has applied it
func (w *Worker) Submit(ctx context.Context, ev MeterEvent) error {
	reply := make(chan FlowStatus, 1)
	if err := w.send(ctx, request{event: &ev, replyC: reply}); err != nil {
		return err
	}
	_, err := w.wait(ctx, reply)
	return err
}

// Status returns the current flow of tapID without changing it
func (w *Worker) Status(ctx context.Context, tapID string) (FlowStatus, error) {
	reply := make(chan FlowStatus, 1)
	if err := w.send(ctx, request{tapID: tapID, replyC: reply}); err != nil {
		return FlowStatus{}, err
	}
	return w.wait(ctx, reply)
}

func (w *Worker) send(ctx context.Context, req request) error {
	select {
	case <-w.done:
		return ErrWorkerStopped
	default:
	}
	select {
	case w.requests <- req:
		return nil
	case <-w.done:
		return ErrWorkerStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (w *Worker) wait(ctx context.Context, reply chan FlowStatus) (FlowStatus, error) {
	select {
	case st := <-reply:
		return st, nil
	case <-w.done:
		return FlowStatus{}, ErrWorkerStopped
	case <-ctx.Done():
		return FlowStatus{}, ctx.Err()
	}
}

func (w *Worker) run(ctx context.Context) {
	defer close(w.done)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.shutdown()
			return
		case req := <-w.requests:
			w.handle(ctx, req)
		case <-ticker.C:
			for _, r := range w.tracker.OnIdleSweep(w.now()) {
				w.sink(ctx, r)
			}
		}
	}
}

func (w *Worker) handle(ctx context.Context, req request) {
	if req.event == nil {
		req.replyC <- w.tracker.Status(req.tapID)
		return
	}
	if r, ok := w.tracker.Handle(*req.event); ok {
		w.sink(ctx, r)
	}
	req.replyC <- w.tracker.Status(req.event.TapID)
}

func (w *Worker) shutdown() {
	// Requests already queued were accepted, apply them before draining.
	ctx := context.Background()
	for drained := false; !drained; {
		select {
		case req := <-w.requests:
			w.handle(ctx, req)
		default:
			drained = true
		}
	}

	results := w.tracker.Drain()
	for _, r := range results {
		w.sink(ctx, r)
	}
	w.logger.Info("flow worker stopped", zap.Int("finalized_flows", len(results)))
}
