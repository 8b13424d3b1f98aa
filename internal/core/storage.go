package core

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"graphmerge/internal/blob"
	"graphmerge/internal/infra/persistence/memory"
	"graphmerge/internal/infra/persistence/postgres"
	"graphmerge/internal/infra/persistence/sqlite"
	"graphmerge/pkg/domain"
	"graphmerge/pkg/schema"
)

// StorageDriver identifies a concrete persistent storage implementation.
type StorageDriver string

const (
	StorageMemory   StorageDriver = "memory"   // in-memory only (tests / ephemeral)
	StorageSQLite   StorageDriver = "sqlite"   // embedded sqlite file
	StoragePostgres StorageDriver = "postgres" // PostgreSQL server
)

type (
	Transaction     = domain.Transaction
	TransactionView = domain.TransactionView
	PersistentStore = domain.PersistentStore
	RulesEngine     = domain.RulesEngine
)

// OpenPersistentStore selects the row store backend cfg names. The sqlite and
// postgres stores load their last snapshot before returning.
func OpenPersistentStore(cfg Config, reg *schema.Registry, engine *RulesEngine, logger *zap.Logger) (PersistentStore, error) {
	switch cfg.StorageDriver {
	case "", StorageMemory:
		return memory.NewStore(reg, engine), nil
	case StorageSQLite:
		return sqlite.NewStore(cfg.SQLiteFile(), reg, engine, logger)
	case StoragePostgres:
		return postgres.NewStore(cfg.PostgresConn(), reg, engine, logger)
	default:
		return nil, fmt.Errorf("unknown storage driver %s", cfg.StorageDriver)
	}
}

// OpenBlobStore opens the journal backend. It returns a nil store when the
// journal is disabled.
func OpenBlobStore(ctx context.Context, cfg Config) (blob.Store, error) {
	store, err := blob.Open(ctx, cfg.BlobStoreConfig())
	if err != nil {
		return nil, fmt.Errorf("open blob store: %w", err)
	}
	return store, nil
}
