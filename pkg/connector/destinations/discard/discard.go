// Package discard provides a sink that accepts and drops every artifact.
// It backs --dry-run: the full pipeline runs without touching the target.
package discard

import (
	"context"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/fairagro/sql2arc/pkg/config"
	"github.com/fairagro/sql2arc/pkg/connector/core"
	"github.com/fairagro/sql2arc/pkg/connector/registry"
	"github.com/fairagro/sql2arc/pkg/models"
)

func init() {
	_ = registry.RegisterDestination(config.SinkDiscard, func(_ context.Context, _ *config.Config, logger *zap.Logger) (core.Sink, error) {
		return New(logger), nil
	})
}

// Destination counts artifacts and drops them
type Destination struct {
	logger    *zap.Logger
	artifacts atomic.Int64
	bytes     atomic.Int64
}

// New creates a discard sink
func New(logger *zap.Logger) *Destination {
	return &Destination{logger: logger.With(zap.String("component", "discard_sink"))}
}

func (d *Destination) Name() string { return config.SinkDiscard }

func (d *Destination) Upload(ctx context.Context, id string, artifact models.Artifact) error {
	d.artifacts.Add(1)
	d.bytes.Add(int64(artifact.Size()))
	d.logger.Debug("discarding artifact", zap.String("id", id), zap.Int("bytes", artifact.Size()))
	return ctx.Err()
}

func (d *Destination) Close(context.Context) error {
	d.logger.Info("discard sink closed",
		zap.Int64("artifacts", d.artifacts.Load()),
		zap.Int64("bytes", d.bytes.Load()))
	return nil
}

// Count returns the number of artifacts received
func (d *Destination) Count() int64 {
	return d.artifacts.Load()
}
