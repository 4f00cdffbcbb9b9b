package pipeline

import (
	"context"
	"fmt"
	"runtime"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sourcegraph/conc"
	"github.com/sourcegraph/conc/panics"
	"go.uber.org/zap"

	"github.com/fairagro/sql2arc/pkg/connector/core"
	"github.com/fairagro/sql2arc/pkg/errors"
	"github.com/fairagro/sql2arc/pkg/metrics"
	"github.com/fairagro/sql2arc/pkg/models"
)

// ErrPoolClosed is returned by Convert after Close
var ErrPoolClosed = errors.New(errors.ErrorTypeInternal, "worker pool closed")

// WorkerPoolConfig configures a WorkerPool
type WorkerPoolConfig struct {
	// Size is the number of workers, i.e. the number of conversions that
	// can run in parallel.
	Size int
	// Timeout bounds one conversion, measured from the moment a worker
	// accepts the job.
	Timeout time.Duration
	// ReclaimEvery forces a garbage collection in a worker after this many
	// jobs. Zero disables forced collection.
	ReclaimEvery int
	// ReturnToOS additionally returns freed memory to the OS on reclaim.
	ReturnToOS bool
}

// WorkerPool runs a CPU-bound transform on a fixed number of goroutines.
// Only the record group pointer goes in and only the serialized artifact
// comes out; a worker keeps no reference to either after a job.
type WorkerPool struct {
	transform core.Transform
	cfg       WorkerPoolConfig
	logger    *zap.Logger

	jobs      chan job
	closed    chan struct{}
	closeOnce sync.Once
	wg        conc.WaitGroup

	busy      atomic.Int64
	completed atomic.Int64
	failed    atomic.Int64
	timedOut  atomic.Int64
	abandoned atomic.Int64
	reclaims  atomic.Int64
}

type job struct {
	ctx     context.Context
	group   *models.RecordGroup
	results chan<- conversionResult
	// abandoned is closed by the submitter when it stops waiting
	abandoned <-chan struct{}
}

type conversionResult struct {
	artifact models.Artifact
	err      error
}

// NewWorkerPool starts cfg.Size workers
func NewWorkerPool(transform core.Transform, cfg WorkerPoolConfig, logger *zap.Logger) *WorkerPool {
	if cfg.Size <= 0 {
		cfg.Size = 1
	}
	p := &WorkerPool{
		transform: transform,
		cfg:       cfg,
		logger:    logger.With(zap.String("component", "worker_pool")),
		// Unbuffered: a send completes only when a worker has accepted the job.
		jobs:   make(chan job),
		closed: make(chan struct{}),
	}
	for i := 0; i < cfg.Size; i++ {
		id := i
		p.wg.Go(func() { p.worker(id) })
	}
	p.logger.Info("worker pool started",
		zap.Int("workers", cfg.Size),
		zap.Duration("timeout", cfg.Timeout),
		zap.Int("reclaim_every", cfg.ReclaimEvery))
	return p
}

// Convert submits group and waits for its artifact. It blocks until a
// worker is free, then at most cfg.Timeout for the result. On timeout the
// worker keeps running until the transform returns; its result is dropped.
func (p *WorkerPool) Convert(ctx context.Context, group *models.RecordGroup) (models.Artifact, error) {
	results := make(chan conversionResult, 1)
	abandoned := make(chan struct{})
	j := job{ctx: ctx, group: group, results: results, abandoned: abandoned}

	select {
	case p.jobs <- j:
	case <-ctx.Done():
		return nil, errors.Wrap(ctx.Err(), errors.ErrorTypeConversion, "canceled before a worker was free").
			WithDetail(errors.DetailReason, models.ReasonCanceled)
	case <-p.closed:
		return nil, ErrPoolClosed
	}

	var timeout <-chan time.Time
	if p.cfg.Timeout > 0 {
		timer := time.NewTimer(p.cfg.Timeout)
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case res := <-results:
		return res.artifact, res.err
	case <-timeout:
		close(abandoned)
		p.timedOut.Add(1)
		return nil, errors.Newf(errors.ErrorTypeConversion, "conversion timed out after %s", p.cfg.Timeout).
			WithDetail(errors.DetailReason, models.ReasonTimeout)
	case <-ctx.Done():
		close(abandoned)
		return nil, errors.Wrap(ctx.Err(), errors.ErrorTypeConversion, "conversion canceled").
			WithDetail(errors.DetailReason, models.ReasonCanceled)
	}
}

func (p *WorkerPool) worker(id int) {
	logger := p.logger.With(zap.Int("worker", id))
	logger.Debug("worker started")
	defer logger.Debug("worker stopped", zap.Int64("completed", p.completed.Load()))

	jobsDone := 0
	for {
		select {
		case <-p.closed:
			return
		case j := <-p.jobs:
			p.runJob(j, logger)
			jobsDone++
			if p.cfg.ReclaimEvery > 0 && jobsDone%p.cfg.ReclaimEvery == 0 {
				p.reclaim()
			}
		}
	}
}

func (p *WorkerPool) runJob(j job, logger *zap.Logger) {
	busy := p.busy.Add(1)
	metrics.WorkersBusy.Set(float64(busy))
	defer func() {
		metrics.WorkersBusy.Set(float64(p.busy.Add(-1)))
	}()

	ctx := j.ctx
	if p.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.cfg.Timeout)
		defer cancel()
	}

	timer := metrics.NewTimer("convert")
	var res conversionResult
	if recovered := panics.Try(func() {
		res.artifact, res.err = p.transform.Convert(ctx, j.group)
	}); recovered != nil {
		logger.Error("transform panicked",
			zap.String("id", j.group.ID),
			zap.Any("panic", recovered.Value),
			zap.ByteString("stack", recovered.Stack))
		res = conversionResult{err: errors.Newf(errors.ErrorTypeConversion, "transform panicked: %v", recovered.Value).
			WithDetail(errors.DetailReason, models.ReasonPanic)}
	}

	if res.err != nil {
		res.artifact = nil
		if !errors.IsType(res.err, errors.ErrorTypeConversion) {
			res.err = errors.Wrap(res.err, errors.ErrorTypeConversion, "transform failed")
		}
		if ctx.Err() == context.DeadlineExceeded {
			res.err = errors.Wrap(res.err, errors.ErrorTypeConversion, "conversion timed out").
				WithDetail(errors.DetailReason, models.ReasonTimeout)
		}
		p.failed.Add(1)
		metrics.ConversionDuration.WithLabelValues("failure").Observe(timer.Stop().Seconds())
	} else {
		p.completed.Add(1)
		metrics.ConversionDuration.WithLabelValues("success").Observe(timer.Stop().Seconds())
	}

	select {
	case <-j.abandoned:
		p.abandoned.Add(1)
		metrics.ConversionsAbandoned.Inc()
		logger.Warn("discarding result of abandoned conversion",
			zap.String("id", j.group.ID),
			zap.Duration("duration", timer.Stop()))
	default:
		// results is buffered, the send never blocks
		j.results <- res
	}
}

// reclaim releases memory left behind by the previous jobs
func (p *WorkerPool) reclaim() {
	runtime.GC()
	if p.cfg.ReturnToOS {
		debug.FreeOSMemory()
	}
	p.reclaims.Add(1)
}

// Busy returns the number of workers running a conversion
func (p *WorkerPool) Busy() int64 {
	return p.busy.Load()
}

// Size returns the number of workers
func (p *WorkerPool) Size() int {
	return p.cfg.Size
}

// Close stops the workers once their current job is done and waits for
// them to exit.
func (p *WorkerPool) Close() {
	p.closeOnce.Do(func() {
		close(p.closed)
	})
	p.wg.Wait()
}

// Metrics returns the pool counters
func (p *WorkerPool) Metrics() map[string]interface{} {
	return map[string]interface{}{
		"workers":   p.cfg.Size,
		"busy":      p.busy.Load(),
		"completed": p.completed.Load(),
		"failed":    p.failed.Load(),
		"timed_out": p.timedOut.Load(),
		"abandoned": p.abandoned.Load(),
		"reclaims":  p.reclaims.Load(),
	}
}

func (p *WorkerPool) String() string {
	return fmt.Sprintf("WorkerPool(size=%d, busy=%d)", p.cfg.Size, p.busy.Load())
}
