package s3

import (
	"context"

	"go.uber.org/zap"

	"github.com/fairagro/sql2arc/pkg/config"
	"github.com/fairagro/sql2arc/pkg/connector/core"
	"github.com/fairagro/sql2arc/pkg/connector/registry"
)

func init() {
	_ = registry.RegisterDestination(config.SinkS3, func(ctx context.Context, cfg *config.Config, logger *zap.Logger) (core.Sink, error) {
		return Open(ctx, cfg.S3, logger)
	})
}
