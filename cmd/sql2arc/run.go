package main

import (
	"context"
	"io"
	"time"

	"go.uber.org/zap"

	"github.com/fairagro/sql2arc/internal/pipeline"
	"github.com/fairagro/sql2arc/internal/pipeline/report"
	"github.com/fairagro/sql2arc/pkg/arc"
	"github.com/fairagro/sql2arc/pkg/connector/registry"
	"github.com/fairagro/sql2arc/pkg/logger"
	"github.com/fairagro/sql2arc/pkg/metrics"
	"github.com/fairagro/sql2arc/pkg/observability"
	"github.com/fairagro/sql2arc/pkg/performance"
)

const (
	sourceName     = "postgresql"
	sampleInterval = time.Second
	closeTimeout   = 30 * time.Second
)

// runConversion executes one run and writes the report to stdout. The
// returned error carries the exit code.
func runConversion(ctx context.Context, flags *rootFlags, stdout io.Writer) error {
	cfg, err := loadConfig(flags)
	if err != nil {
		return &exitError{code: exitAborted, err: err}
	}
	if err := cfg.Validate(); err != nil {
		return &exitError{code: exitAborted, err: err}
	}

	if err := logger.Init(logger.Config{Level: cfg.LogLevel, Encoding: cfg.LogFormat}); err != nil {
		return &exitError{code: exitAborted, err: err}
	}
	defer func() { _ = logger.Sync() }()

	runID := report.NewRunID()
	ctx = logger.WithRunID(ctx, runID)
	log := logger.WithContext(ctx)

	if prev := performance.ApplyMemoryLimit(cfg.Pipeline.MemoryLimitMB); cfg.Pipeline.MemoryLimitMB > 0 {
		log.Info("memory limit set",
			zap.Int("limit_mb", cfg.Pipeline.MemoryLimitMB),
			zap.Int64("previous_bytes", prev))
	}

	serveCtx, stopServe := context.WithCancel(context.Background())
	defer stopServe()
	metrics.Serve(serveCtx, cfg.Observability.MetricsAddr, log)

	obs, err := observability.Init(ctx, observability.Config{
		ServiceName:    "sql2arc",
		ServiceVersion: version,
		Environment:    cfg.Observability.Environment,
		TracingEnabled: cfg.Observability.TracingEnabled,
		SamplingRate:   cfg.Observability.TracingSampleRate,
		SentryDSN:      cfg.Observability.SentryDSN,
	}, log)
	if err != nil {
		return &exitError{code: exitAborted, err: err}
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), closeTimeout)
		defer cancel()
		if err := obs.Shutdown(shutdownCtx); err != nil {
			log.Warn("observability shutdown failed", zap.Error(err))
		}
	}()

	monitor, err := performance.NewResourceMonitor(log)
	if err != nil {
		log.Warn("resource monitor unavailable", zap.Error(err))
	} else {
		monitor.Start(ctx, sampleInterval)
	}

	source, err := registry.CreateSource(ctx, sourceName, cfg, log)
	if err != nil {
		stopMonitor(monitor)
		obs.CaptureAbort(err, runID, 0)
		return &exitError{code: exitAborted, err: err}
	}
	defer closeWithTimeout(log, "source", source.Close)

	sink, err := registry.CreateDestination(ctx, cfg.Sink.Type, cfg, log)
	if err != nil {
		stopMonitor(monitor)
		obs.CaptureAbort(err, runID, 0)
		return &exitError{code: exitAborted, err: err}
	}
	defer closeWithTimeout(log, "sink", sink.Close)

	converter := arc.NewConverter(arc.Limits{
		MaxStudies: cfg.Conversion.MaxStudies,
		MaxAssays:  cfg.Conversion.MaxAssays,
	})

	orch, err := pipeline.NewOrchestrator(source, converter, sink,
		pipeline.ConfigFromPipeline(cfg.Pipeline), logger.Get(),
		pipeline.WithTracer(obs.Tracer()))
	if err != nil {
		stopMonitor(monitor)
		return &exitError{code: exitAborted, err: err}
	}

	start := time.Now()
	ledger, runErr := orch.Run(ctx)
	end := time.Now()
	if ledger == nil {
		ledger = pipeline.NewLedger()
	}

	summary := report.Build(ledger, report.RunInfo{
		RunID:     runID,
		Version:   version,
		RDI:       cfg.RDI,
		RDIURL:    cfg.RDIURL,
		StartTime: start,
		EndTime:   end,
		PeakRSS:   stopMonitor(monitor),
		RunErr:    runErr,
	})
	if err := report.Emit(stdout, cfg.ReportPath, summary); err != nil {
		log.Error("failed to write run report", zap.Error(err))
		if runErr == nil {
			runErr = err
		}
	}

	log.Info("run finished",
		zap.String("status", summary.Status),
		zap.Int("found", summary.FoundDatasets),
		zap.Int("failed", summary.FailedDatasets),
		zap.String("duration", summary.Duration))

	if runErr != nil {
		obs.CaptureAbort(runErr, runID, ledger.Len())
		return &exitError{code: exitAborted, err: runErr}
	}
	if summary.FailedDatasets > 0 && cfg.FailOnRecordErrors {
		return &exitError{code: exitRecordsFailed}
	}
	return nil
}

func stopMonitor(monitor *performance.ResourceMonitor) uint64 {
	if monitor == nil {
		return 0
	}
	return monitor.Stop()
}

func closeWithTimeout(log *zap.Logger, what string, closeFn func(context.Context) error) {
	ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
	defer cancel()
	if err := closeFn(ctx); err != nil {
		log.Warn("close failed", zap.String("component", what), zap.Error(err))
	}
}
