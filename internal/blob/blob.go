// Package blob re-exports the core blob abstractions and selects a backend.
// It is the only package allowed to import the infra blob implementations.
package blob

import (
	"context"
	"fmt"

	"graphmerge/internal/blob/core"
	"graphmerge/internal/infra/blob/fs"
	memorystore "graphmerge/internal/infra/blob/memory"
	infraS3 "graphmerge/internal/infra/blob/s3"
)

type (
	// Driver identifies a blob backend driver.
	Driver = core.Driver
	// PutOptions configures a blob write.
	PutOptions = core.PutOptions
	// Info describes stored blob metadata.
	Info = core.Info
	// Store is the interface for blob storage backends.
	Store = core.Store
	// S3Config configures the S3 backend.
	S3Config = infraS3.Config
)

const (
	DriverNone       = core.DriverNone
	DriverFilesystem = core.DriverFilesystem
	DriverS3         = core.DriverS3
	DriverMemory     = core.DriverMemory
)

var (
	// ErrNotFound is returned for a missing key.
	ErrNotFound = core.ErrNotFound
	// ErrExists is returned when a key is written twice.
	ErrExists = core.ErrExists
)

// Config selects and configures a backend.
type Config struct {
	Driver Driver
	FSRoot string
	S3     S3Config
}

// Open returns the store cfg selects. DriverNone (or an empty driver)
// returns a nil Store and no error.
func Open(ctx context.Context, cfg Config) (Store, error) {
	switch cfg.Driver {
	case "", DriverNone:
		return nil, nil
	case DriverFilesystem:
		return NewFilesystem(cfg.FSRoot)
	case DriverMemory:
		return NewMemory(), nil
	case DriverS3:
		return NewS3(ctx, cfg.S3)
	default:
		return nil, fmt.Errorf("unknown blob driver %q", cfg.Driver)
	}
}

// NewFilesystem constructs a filesystem-backed Store rooted at root.
func NewFilesystem(root string) (Store, error) {
	return fs.New(root)
}

// NewMemory returns an in-memory Store.
func NewMemory() Store { return memorystore.New() }

// NewS3 constructs an S3-backed Store.
func NewS3(ctx context.Context, cfg S3Config) (Store, error) {
	return infraS3.New(ctx, cfg)
}

// NewMockS3 returns an S3 Store backed by an in-process fake transport, for
// tests outside the infra tree.
func NewMockS3() Store { return infraS3.NewMock(0) }
