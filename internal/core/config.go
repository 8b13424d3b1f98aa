package core

import (
	"fmt"

	"github.com/caarlos0/env/v11"

	"graphmerge/internal/blob"
	"graphmerge/internal/complexmodel"
	"graphmerge/internal/infra/persistence/postgres"
	"graphmerge/internal/infra/persistence/sqlite"
	"graphmerge/pkg/schema"
)

// EnvPrefix is prepended to every configuration variable.
const EnvPrefix = "GRAPHMERGE_"

// Config holds the process configuration.
type Config struct {
	StorageDriver StorageDriver `env:"STORAGE_DRIVER" envDefault:"memory"`
	SQLitePath    string        `env:"SQLITE_PATH"`
	PostgresDSN   string        `env:"POSTGRES_DSN"`

	Blob BlobConfig `envPrefix:"BLOB_"`

	// SchemaPath points at an HCL schema file. Empty selects the embedded
	// organization schema.
	SchemaPath string `env:"SCHEMA_PATH"`

	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`
	Debug    bool   `env:"DEBUG" envDefault:"false"`
}

// BlobConfig selects the plan journal backend.
type BlobConfig struct {
	Driver      blob.Driver `env:"DRIVER" envDefault:"none"`
	FSRoot      string      `env:"FS_ROOT"`
	S3Bucket    string      `env:"S3_BUCKET"`
	S3Region    string      `env:"S3_REGION"`
	S3Endpoint  string      `env:"S3_ENDPOINT"`
	S3PathStyle bool        `env:"S3_PATH_STYLE" envDefault:"false"`
}

// LoadConfig reads the configuration from the process environment.
func LoadConfig() (Config, error) {
	return parseConfig(env.Options{Prefix: EnvPrefix})
}

// ConfigFromMap reads the configuration from vars instead of the process
// environment. Keys carry the GRAPHMERGE_ prefix.
func ConfigFromMap(vars map[string]string) (Config, error) {
	return parseConfig(env.Options{Prefix: EnvPrefix, Environment: vars})
}

func parseConfig(opts env.Options) (Config, error) {
	var cfg Config
	if err := env.ParseWithOptions(&cfg, opts); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects unknown drivers and incomplete backend settings.
func (c Config) Validate() error {
	switch c.StorageDriver {
	case "", StorageMemory, StorageSQLite, StoragePostgres:
	default:
		return fmt.Errorf("unknown storage driver %q", c.StorageDriver)
	}
	switch c.Blob.Driver {
	case "", blob.DriverNone, blob.DriverMemory, blob.DriverFilesystem:
	case blob.DriverS3:
		if c.Blob.S3Bucket == "" {
			return fmt.Errorf("blob driver s3 requires %sBLOB_S3_BUCKET", EnvPrefix)
		}
	default:
		return fmt.Errorf("unknown blob driver %q", c.Blob.Driver)
	}
	return nil
}

// SQLiteFile returns the configured database path or the default.
func (c Config) SQLiteFile() string {
	if c.SQLitePath == "" {
		return sqlite.DefaultPath
	}
	return c.SQLitePath
}

// PostgresConn returns the configured DSN or the default.
func (c Config) PostgresConn() string {
	if c.PostgresDSN == "" {
		return postgres.DefaultDSN
	}
	return c.PostgresDSN
}

// BlobStoreConfig translates the journal settings for blob.Open. An empty
// filesystem root selects the backend default.
func (c Config) BlobStoreConfig() blob.Config {
	return blob.Config{
		Driver: c.Blob.Driver,
		FSRoot: c.Blob.FSRoot,
		S3: blob.S3Config{
			Bucket:    c.Blob.S3Bucket,
			Region:    c.Blob.S3Region,
			Endpoint:  c.Blob.S3Endpoint,
			PathStyle: c.Blob.S3PathStyle,
		},
	}
}

// LoadRegistry builds the schema registry the configuration names.
func (c Config) LoadRegistry() (*schema.Registry, error) {
	if c.SchemaPath == "" {
		return complexmodel.Registry()
	}
	return schema.LoadHCL(c.SchemaPath)
}
