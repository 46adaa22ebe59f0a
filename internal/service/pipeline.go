package service

import (
	"context"
	"sync"

	"github.com/septivank/tapflow-worker/internal/flow"
	"github.com/septivank/tapflow-worker/internal/recorder"
	"go.uber.org/zap"
)

// Pipeline commits finalized flows on a pool of workers
type Pipeline struct {
	committer *Committer
	workers   int
	queue     chan recorder.Request
	logger    *zap.Logger

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
}

// NewPipeline creates a pipeline with the given worker count and queue size
func NewPipeline(committer *Committer, workers, queueSize int, logger *zap.Logger) *Pipeline {
	if workers <= 0 {
		workers = 1
	}
	if queueSize < 0 {
		queueSize = 0
	}
	return &Pipeline{
		committer: committer,
		workers:   workers,
		queue:     make(chan recorder.Request, queueSize),
		logger:    logger,
	}
}

// Start launches the workers
func (p *Pipeline) Start() {
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.run(i)
	}
	p.logger.Info("pour pipeline started", zap.Int("workers", p.workers))
}

// Enqueue hands a finalized flow to the pipeline. It blocks while the queue
// is full and drops the flow if ctx ends first or the pipeline is stopped.
func (p *Pipeline) Enqueue(ctx context.Context, r flow.Result) {
	req := recorder.Request{
		TapID:     r.TapID,
		Ticks:     r.Ticks,
		StartTime: r.StartTime,
		EndTime:   r.EndTime,
		UserID:    r.UserID,
	}

	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		p.logger.Error("pipeline stopped, flow dropped",
			zap.String("tap_id", r.TapID),
			zap.Int64("ticks", r.Ticks),
		)
		return
	}

	select {
	case p.queue <- req:
	case <-ctx.Done():
		p.logger.Error("flow dropped before commit",
			zap.String("tap_id", r.TapID),
			zap.Int64("ticks", r.Ticks),
			zap.Error(ctx.Err()),
		)
	}
}

// Stop closes the queue and waits for queued flows to be committed
func (p *Pipeline) Stop(ctx context.Context) error {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		close(p.queue)
	}
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.logger.Info("pour pipeline stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Pipeline) run(id int) {
	defer p.wg.Done()
	for req := range p.queue {
		if _, err := p.committer.Commit(context.Background(), req); err != nil && !recorder.IsRejection(err) {
			p.logger.Error("failed to commit flow",
				zap.Int("worker", id),
				zap.String("tap_id", req.TapID),
				zap.Int64("ticks", req.Ticks),
				zap.Error(err),
			)
		}
	}
}
