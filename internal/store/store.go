// Package store persists jobs. Every implementation offers the same
// compare-and-swap semantics described on job.Repository.
package store

import (
	"agentd/internal/job"
	"context"
	"fmt"
)

// Drivers accepted by Open.
const (
	DriverMemory   = "memory"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Config selects and configures a repository.
type Config struct {
	Driver      string
	DatabaseURL string
	MaxConns    int
	SQLitePath  string
}

// Open returns the repository for cfg.Driver.
func Open(ctx context.Context, cfg Config) (job.Repository, error) {
	switch cfg.Driver {
	case DriverMemory:
		return NewMemory(), nil
	case DriverSQLite, "":
		return OpenSQLite(ctx, cfg.SQLitePath)
	case DriverPostgres:
		return OpenPostgres(ctx, PostgresConfig{DSN: cfg.DatabaseURL, MaxConns: int32(cfg.MaxConns)})
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
	}
}
