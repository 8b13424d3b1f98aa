package core

import (
	"context"
	"fmt"
	"io"

	"go.uber.org/zap"

	"graphmerge/internal/journal"
)

// Open assembles a service from cfg: the schema registry, the row store
// guarded by the default rules and, when a blob driver is configured, the
// plan journal. The caller closes the service.
func Open(ctx context.Context, cfg Config, logger *zap.Logger, metrics MetricsRecorder) (*Service, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	reg, err := cfg.LoadRegistry()
	if err != nil {
		return nil, fmt.Errorf("load schema: %w", err)
	}
	store, err := OpenPersistentStore(cfg, reg, NewDefaultRulesEngine(), logger)
	if err != nil {
		return nil, fmt.Errorf("open %s store: %w", cfg.StorageDriver, err)
	}
	opts := []Option{WithLogger(logger), WithMetrics(metrics)}

	blobs, err := OpenBlobStore(ctx, cfg)
	if err != nil {
		if c, ok := store.(io.Closer); ok {
			_ = c.Close()
		}
		return nil, err
	}
	if blobs != nil {
		opts = append(opts, WithJournal(journal.New(blobs, logger)))
	}

	svc := NewService(store, opts...)
	logger.Info("service ready",
		zap.String("storage", string(cfg.StorageDriver)),
		zap.String("journal", string(cfg.Blob.Driver)),
		zap.Strings("types", reg.Types()),
	)
	return svc, nil
}
