package storage

import (
	"context"
	"time"

	"github.com/platinummonkey/extbridge/pkg/extension"
)

// LocalStore persists the local extension registry
type LocalStore interface {
	LoadLocalGroups(ctx context.Context) ([]*extension.Group, error)
	SaveLocalGroups(ctx context.Context, groups []*extension.Group) error
}

// RepositoryStore persists online catalogs, one document per catalog
type RepositoryStore interface {
	LoadOnlineRepositories(ctx context.Context) ([]extension.Repository, error)
	SaveOnlineRepository(ctx context.Context, repo extension.Repository) error
	DeleteOnlineRepository(ctx context.Context, id string) error
}

// HealthChecker reports backend health
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// Store is the full persistence surface
type Store interface {
	LocalStore
	RepositoryStore
	HealthChecker
	Close() error
}

// Driver names
const (
	DriverFile     = "file"
	DriverSQLite   = "sqlite3"
	DriverPostgres = "postgres"
)

// Config for storage backend
type Config struct {
	Driver string `yaml:"driver"` // "file", "sqlite3", "postgres"

	// SQL config
	DSN         string        `yaml:"dsn"`
	MaxConns    int           `yaml:"max_conns"`
	MinConns    int           `yaml:"min_conns"`
	Timeout     time.Duration `yaml:"timeout"`
	MaxLifetime time.Duration `yaml:"max_lifetime"`
	MaxIdleTime time.Duration `yaml:"max_idle_time"`
}

// DefaultConfig stores everything as JSON files in the working folder
func DefaultConfig() Config {
	return Config{
		Driver:      DriverFile,
		MaxConns:    10,
		MinConns:    2,
		Timeout:     10 * time.Second,
		MaxLifetime: time.Hour,
		MaxIdleTime: 10 * time.Minute,
	}
}
