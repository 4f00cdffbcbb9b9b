package pipeline

import (
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"sync/atomic"
	"time"

	"github.com/sourcegraph/conc"
	"github.com/sourcegraph/conc/panics"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fairagro/sql2arc/pkg/connector/core"
	"github.com/fairagro/sql2arc/pkg/errors"
	"github.com/fairagro/sql2arc/pkg/logger"
	"github.com/fairagro/sql2arc/pkg/metrics"
	"github.com/fairagro/sql2arc/pkg/models"
)

// ErrAborted is wrapped by the error Run returns when the run stopped
// before the source was exhausted.
var ErrAborted = stderrors.New("run aborted")

// StateHook observes every state transition of every record group
type StateHook func(id string, state State)

// Option configures an Orchestrator
type Option func(*Orchestrator)

// WithTracer sets the tracer used for run and record spans
func WithTracer(tracer trace.Tracer) Option {
	return func(o *Orchestrator) { o.tracer = tracer }
}

// WithStateHook registers a transition observer. The hook is called from
// many goroutines and must be safe for concurrent use.
func WithStateHook(hook StateHook) Option {
	return func(o *Orchestrator) { o.hook = hook }
}

// Orchestrator drives record groups from the source through the worker
// pool to the sink, one goroutine per admitted group.
type Orchestrator struct {
	source    core.Source
	transform core.Transform
	sink      core.Sink
	cfg       Config
	base      *zap.Logger
	logger    *zap.Logger
	tracer    trace.Tracer
	hook      StateHook

	gate *AdmissionGate
	pool atomic.Pointer[WorkerPool]

	inState    [numStates]atomic.Int64
	throughput *metrics.ThroughputTracker
	started    atomic.Bool
}

// NewOrchestrator validates cfg and creates an orchestrator. Nothing runs
// until Run is called.
func NewOrchestrator(source core.Source, transform core.Transform, sink core.Sink, cfg Config, log *zap.Logger, opts ...Option) (*Orchestrator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	o := &Orchestrator{
		source:     source,
		transform:  transform,
		sink:       sink,
		cfg:        cfg,
		base:       log.With(zap.String("component", "orchestrator")),
		tracer:     otel.Tracer("github.com/fairagro/sql2arc/internal/pipeline"),
		gate:       NewAdmissionGate(cfg.AdmissionCapacity),
		throughput: metrics.NewThroughputTracker(),
	}
	o.logger = o.base
	for _, opt := range opts {
		opt(o)
	}
	return o, nil
}

// Run processes the source to exhaustion and returns the ledger.
//
// Cancelling ctx stops admission; record groups already admitted run to a
// terminal state and Run returns the ledger with an error wrapping
// ErrAborted. A source error also stops admission and drains; the error
// wraps both ErrAborted and the source_fetch error. Per-record failures
// never surface here. Run may only be called once. Log lines carry the run
// ID placed on ctx with logger.WithRunID.
func (o *Orchestrator) Run(ctx context.Context) (*Ledger, error) {
	if !o.started.CompareAndSwap(false, true) {
		return nil, errors.New(errors.ErrorTypeInternal, "orchestrator already ran")
	}
	o.logger = o.base.With(logger.ContextFields(ctx)...)

	start := time.Now()
	ctx, span := o.tracer.Start(ctx, "pipeline.run", trace.WithAttributes(
		attribute.Int("chunk_size", o.cfg.ChunkSize),
		attribute.Int("worker_pool_size", o.cfg.WorkerPoolSize),
		attribute.Int("admission_capacity", o.cfg.AdmissionCapacity),
		attribute.String("sink", o.sink.Name()),
	))
	defer span.End()

	o.logger.Info("starting pipeline",
		zap.Int("chunk_size", o.cfg.ChunkSize),
		zap.Int("worker_pool_size", o.cfg.WorkerPoolSize),
		zap.Int("admission_capacity", o.cfg.AdmissionCapacity),
		zap.Duration("conversion_timeout", o.cfg.ConversionTimeout),
		zap.String("sink", o.sink.Name()))

	ledger := NewLedger()
	pool := NewWorkerPool(o.transform, WorkerPoolConfig{
		Size:         o.cfg.WorkerPoolSize,
		Timeout:      o.cfg.ConversionTimeout,
		ReclaimEvery: o.cfg.ReclaimEvery,
		ReturnToOS:   o.cfg.ReturnToOS,
	}, o.logger)
	o.pool.Store(pool)
	defer pool.Close()

	stopProgress := o.startProgress(ledger)
	defer stopProgress()

	// Admitted groups finish on a context that survives run cancellation.
	flowCtx := context.WithoutCancel(ctx)
	stream := NewGroupStream(o.source, o.cfg.ChunkSize)

	var flows conc.WaitGroup
	var runErr error
	for {
		// Acquire before fetching: with the gate exhausted the source is
		// not asked for anything.
		if err := o.gate.Acquire(ctx); err != nil {
			runErr = fmt.Errorf("%w: %w", ErrAborted, err)
			break
		}

		group, err := stream.Next(ctx)
		if err != nil {
			o.gate.Release()
			switch {
			case errors.Is(err, io.EOF):
			case ctx.Err() != nil:
				runErr = fmt.Errorf("%w: %w", ErrAborted, ctx.Err())
			default:
				if !errors.IsType(err, errors.ErrorTypeSourceFetch) {
					err = errors.Wrap(err, errors.ErrorTypeSourceFetch, "failed to read from source")
				}
				runErr = fmt.Errorf("%w: %w", ErrAborted, err)
			}
			break
		}

		o.transition(group.ID, -1, StateFetched)
		o.transition(group.ID, StateFetched, StateAdmitted)
		flows.Go(func() {
			defer o.gate.Release()
			o.process(flowCtx, group, ledger)
		})
	}

	if runErr != nil {
		o.logger.Warn("stopped admitting record groups, draining in-flight work",
			zap.Error(runErr),
			zap.Int64("in_flight", o.gate.InFlight()))
	}
	flows.Wait()

	counts := ledger.Counts()
	gateStats := o.gate.Stats()
	span.SetAttributes(
		attribute.Int("groups", counts.Total),
		attribute.Int("failures", counts.Failures),
	)
	if runErr != nil {
		span.RecordError(runErr)
		span.SetStatus(codes.Error, "run aborted")
	}

	o.logger.Info("pipeline finished",
		zap.Int("groups", counts.Total),
		zap.Int("successes", counts.Successes),
		zap.Int("failures", counts.Failures),
		zap.Int("chunks", stream.Chunks()),
		zap.Int64("gate_peak", gateStats.Peak),
		zap.Int64("gate_acquired", gateStats.Acquired),
		zap.Int64("gate_released", gateStats.Released),
		zap.Duration("duration", time.Since(start)),
		zap.Bool("aborted", runErr != nil))
	o.logConnectorMetrics()

	return ledger, runErr
}

func (o *Orchestrator) logConnectorMetrics() {
	if mp, ok := o.source.(core.MetricsProvider); ok {
		o.logger.Debug("source metrics", zap.Any("metrics", mp.Metrics()))
	}
	if mp, ok := o.sink.(core.MetricsProvider); ok {
		o.logger.Debug("sink metrics", zap.String("sink", o.sink.Name()), zap.Any("metrics", mp.Metrics()))
	}
}

// process drives one record group from Admitted to a terminal state and
// records exactly one outcome.
func (o *Orchestrator) process(ctx context.Context, group *models.RecordGroup, ledger *Ledger) {
	start := time.Now()
	id := group.ID
	children := group.Counts()
	ctx = logger.WithRecordID(ctx, id)
	log := o.base.With(logger.ContextFields(ctx)...)

	ctx, span := o.tracer.Start(ctx, "pipeline.record", trace.WithAttributes(attribute.String("record.id", id)))
	defer span.End()

	finish := func(outcome models.Outcome, from State) {
		outcome.Duration = time.Since(start)
		outcome.Children = children
		if !ledger.Record(outcome) {
			log.Error("duplicate record group id, keeping first outcome")
		}

		to := StateDone
		if !outcome.IsSuccess() {
			to = StateFailed
			span.SetStatus(codes.Error, outcome.Message)
		}
		o.transition(id, from, to)
		o.throughput.Increment(1)
		metrics.Outcomes.WithLabelValues(string(outcome.Status), string(outcome.ErrorKind), outcome.Reason).Inc()
	}

	o.transition(id, StateAdmitted, StateConverting)
	convCtx, convSpan := o.tracer.Start(ctx, "convert")
	artifact, err := o.pool.Load().Convert(convCtx, group)
	convSpan.End()
	if err != nil {
		log.Warn("conversion failed", zap.Error(err))
		finish(models.Failure(id, models.ErrorKindConversion, errors.ReasonOf(err), err.Error()), StateConverting)
		return
	}
	o.transition(id, StateConverting, StateConverted)
	metrics.ArtifactSize.Observe(float64(artifact.Size()))

	o.transition(id, StateConverted, StateUploading)
	upCtx, upSpan := o.tracer.Start(ctx, "upload", trace.WithAttributes(attribute.Int("artifact.size", artifact.Size())))
	timer := metrics.NewTimer("upload")
	err = o.upload(upCtx, log, id, artifact)
	upSpan.End()
	if err != nil {
		metrics.UploadDuration.WithLabelValues(o.sink.Name(), "failure").Observe(timer.Stop().Seconds())
		log.Warn("upload failed", zap.Error(err))
		finish(models.Failure(id, models.ErrorKindUpload, errors.ReasonOf(err), err.Error()), StateUploading)
		return
	}
	metrics.UploadDuration.WithLabelValues(o.sink.Name(), "success").Observe(timer.Stop().Seconds())

	log.Debug("record group uploaded",
		zap.Int("artifact_size", artifact.Size()),
		zap.Duration("duration", time.Since(start)))
	finish(models.Success(id, artifact.Size()), StateUploading)
}

// upload calls the sink once. A panic in the sink becomes an upload
// failure of this record only.
func (o *Orchestrator) upload(ctx context.Context, log *zap.Logger, id string, artifact models.Artifact) (err error) {
	if recovered := panics.Try(func() {
		err = o.sink.Upload(ctx, id, artifact)
	}); recovered != nil {
		log.Error("sink panicked",
			zap.String("sink", o.sink.Name()),
			zap.Any("panic", recovered.Value),
			zap.ByteString("stack", recovered.Stack))
		err = errors.Newf(errors.ErrorTypeUpload, "sink panicked: %v", recovered.Value).
			WithDetail(errors.DetailReason, models.ReasonPanic)
	}
	return err
}

// transition moves id from one state to the next; from < 0 means none.
func (o *Orchestrator) transition(id string, from, to State) {
	if from >= 0 {
		o.inState[from].Add(-1)
	}
	if !to.Terminal() {
		o.inState[to].Add(1)
	}
	if o.hook != nil {
		o.hook(id, to)
	}
}

// InState returns the number of record groups currently in state s
func (o *Orchestrator) InState(s State) int64 {
	if s < 0 || s >= numStates || s.Terminal() {
		return 0
	}
	return o.inState[s].Load()
}

// GateStats returns the admission gate counters
func (o *Orchestrator) GateStats() GateStats {
	return o.gate.Stats()
}

// PoolMetrics returns the worker pool counters of the last run
func (o *Orchestrator) PoolMetrics() map[string]interface{} {
	pool := o.pool.Load()
	if pool == nil {
		return map[string]interface{}{}
	}
	return pool.Metrics()
}

func (o *Orchestrator) startProgress(ledger *Ledger) (stop func()) {
	if o.cfg.ProgressInterval <= 0 {
		return func() {}
	}
	done := make(chan struct{})
	var wg conc.WaitGroup
	wg.Go(func() {
		ticker := time.NewTicker(o.cfg.ProgressInterval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				counts := ledger.Counts()
				o.logger.Info("progress",
					zap.Int("completed", counts.Total),
					zap.Int("failures", counts.Failures),
					zap.Int64("in_flight", o.gate.InFlight()),
					zap.Int64("converting", o.InState(StateConverting)),
					zap.Int64("uploading", o.InState(StateUploading)),
					zap.Int64("workers_busy", o.pool.Load().Busy()),
					zap.Float64("groups_per_sec", o.throughput.GetAndReset()))
			}
		}
	})
	return func() {
		close(done)
		wg.Wait()
	}
}
