// Package observability sets up tracing (OpenTelemetry) and error
// reporting (Sentry) for a run.
package observability

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/getsentry/sentry-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// Config contains observability configuration
type Config struct {
	ServiceName    string
	ServiceVersion string
	Environment    string

	TracingEnabled bool
	SamplingRate   float64
	// TraceWriter receives exported spans; defaults to stderr
	TraceWriter  io.Writer
	BatchTimeout time.Duration

	SentryDSN string

	beforeSend func(*sentry.Event, *sentry.EventHint) *sentry.Event
}

// Provider owns the tracer provider and the Sentry client of one run
type Provider struct {
	config Config
	logger *zap.Logger
	tp     *sdktrace.TracerProvider
	sentry bool

	shutdownOnce sync.Once
}

// Init configures tracing and error reporting. Disabled parts are no-ops.
func Init(ctx context.Context, config Config, logger *zap.Logger) (*Provider, error) {
	p := &Provider{config: config, logger: logger.With(zap.String("component", "observability"))}

	if config.TracingEnabled {
		if err := p.initTracing(ctx); err != nil {
			return nil, err
		}
	}

	if config.SentryDSN != "" {
		err := sentry.Init(sentry.ClientOptions{
			Dsn:         config.SentryDSN,
			Environment: config.Environment,
			Release:     config.ServiceName + "@" + config.ServiceVersion,
			BeforeSend:  config.beforeSend,
		})
		if err != nil {
			_ = p.Shutdown(ctx)
			return nil, fmt.Errorf("failed to initialize sentry: %w", err)
		}
		p.sentry = true
	}

	p.logger.Info("observability initialized",
		zap.Bool("tracing", p.tp != nil),
		zap.Float64("sampling_rate", config.SamplingRate),
		zap.Bool("sentry", p.sentry))
	return p, nil
}

func (p *Provider) initTracing(ctx context.Context) error {
	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceNameKey.String(p.config.ServiceName),
			semconv.ServiceVersionKey.String(p.config.ServiceVersion),
			semconv.DeploymentEnvironmentKey.String(p.config.Environment),
		),
	)
	if err != nil {
		return fmt.Errorf("failed to create resource: %w", err)
	}

	w := p.config.TraceWriter
	if w == nil {
		w = os.Stderr
	}
	exporter, err := stdouttrace.New(stdouttrace.WithWriter(w))
	if err != nil {
		return fmt.Errorf("failed to create stdout exporter: %w", err)
	}

	var sampler sdktrace.Sampler
	switch rate := p.config.SamplingRate; {
	case rate <= 0:
		sampler = sdktrace.NeverSample()
	case rate >= 1.0:
		sampler = sdktrace.AlwaysSample()
	default:
		sampler = sdktrace.TraceIDRatioBased(rate)
	}

	batchTimeout := p.config.BatchTimeout
	if batchTimeout <= 0 {
		batchTimeout = 5 * time.Second
	}
	p.tp = sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sampler)),
		sdktrace.WithBatcher(exporter, sdktrace.WithBatchTimeout(batchTimeout)),
	)
	otel.SetTracerProvider(p.tp)
	return nil
}

// Tracer returns the run tracer, a no-op tracer when tracing is disabled
func (p *Provider) Tracer() trace.Tracer {
	if p.tp == nil {
		return noop.NewTracerProvider().Tracer(p.config.ServiceName)
	}
	return p.tp.Tracer(p.config.ServiceName)
}

// CaptureAbort reports a run that stopped before the source was exhausted
func (p *Provider) CaptureAbort(err error, runID string, completed int) {
	if !p.sentry || err == nil {
		return
	}
	sentry.WithScope(func(scope *sentry.Scope) {
		scope.SetTag("run_id", runID)
		scope.SetLevel(sentry.LevelError)
		scope.SetContext("run", sentry.Context{"completed": completed})
		sentry.CaptureException(err)
	})
}

// Shutdown flushes spans and pending Sentry events
func (p *Provider) Shutdown(ctx context.Context) error {
	var err error
	p.shutdownOnce.Do(func() {
		if p.tp != nil {
			if e := p.tp.Shutdown(ctx); e != nil {
				err = multierr.Append(err, fmt.Errorf("failed to shutdown tracer: %w", e))
			}
		}
		if p.sentry {
			timeout := 2 * time.Second
			if deadline, ok := ctx.Deadline(); ok {
				timeout = time.Until(deadline)
			}
			if !sentry.Flush(timeout) {
				err = multierr.Append(err, fmt.Errorf("sentry flush timed out"))
			}
		}
	})
	return err
}
