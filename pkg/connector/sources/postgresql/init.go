package postgresql

import (
	"context"

	"go.uber.org/zap"

	"github.com/fairagro/sql2arc/pkg/config"
	"github.com/fairagro/sql2arc/pkg/connector/core"
	"github.com/fairagro/sql2arc/pkg/connector/registry"
)

func init() {
	_ = registry.RegisterSource("postgresql", func(ctx context.Context, cfg *config.Config, logger *zap.Logger) (core.Source, error) {
		return Open(ctx, cfg, logger)
	})
}

// Open connects to the configured database and returns a source owning
// the connection pool.
func Open(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*Source, error) {
	pool, err := Connect(ctx, cfg.Database, logger)
	if err != nil {
		return nil, err
	}
	src, err := NewSource(pool, OptionsFromConfig(cfg.Source), logger)
	if err != nil {
		pool.Close()
		return nil, err
	}
	return src.WithPool(pool), nil
}
