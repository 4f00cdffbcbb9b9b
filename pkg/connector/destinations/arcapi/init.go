package arcapi

import (
	"context"

	"go.uber.org/zap"

	"github.com/fairagro/sql2arc/pkg/config"
	"github.com/fairagro/sql2arc/pkg/connector/core"
	"github.com/fairagro/sql2arc/pkg/connector/registry"
)

func init() {
	_ = registry.RegisterDestination(config.SinkARCAPI, func(ctx context.Context, cfg *config.Config, logger *zap.Logger) (core.Sink, error) {
		return Open(ctx, cfg, logger)
	})
}
