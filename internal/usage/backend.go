// Package usage provides request accounting with pluggable persistence backends.
package usage

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Backend defines the persistence contract for usage records.
// Implementations must be safe for concurrent use.
type Backend interface {
	// Enqueue adds a usage record to the write queue.
	// This method is non-blocking and safe for high-throughput use.
	Enqueue(record Record)

	// Flush forces pending records to be written to storage.
	Flush(ctx context.Context) error

	// QueryGlobalStats returns aggregate statistics since the given time.
	QueryGlobalStats(ctx context.Context, since time.Time) (*AggregatedStats, error)

	// QueryDailyStats returns per-day statistics since the given time.
	QueryDailyStats(ctx context.Context, since time.Time) ([]DailyStats, error)

	// QueryHourlyStats returns per-hour-of-day statistics since the given time.
	QueryHourlyStats(ctx context.Context, since time.Time) ([]HourlyStats, error)

	// QueryModelStats returns per-model statistics since the given time.
	QueryModelStats(ctx context.Context, since time.Time) ([]ModelStats, error)

	// QueryAccountStats returns per-account statistics since the given time.
	QueryAccountStats(ctx context.Context, since time.Time) ([]AccountStats, error)

	// Cleanup removes records older than the given time.
	Cleanup(ctx context.Context, before time.Time) (int64, error)

	// Start begins background workers (write loop, cleanup loop).
	Start() error

	// Stop gracefully shuts down the backend, flushing pending writes.
	Stop() error
}

// BackendConfig holds parameters for backend initialization.
type BackendConfig struct {
	// DSN is the database connection string (sqlite://... or postgres://...).
	DSN string

	// BatchSize is the number of records to batch before writing.
	BatchSize int

	// FlushInterval is how often to flush pending writes.
	FlushInterval time.Duration

	// RetentionDays is how many days of records to keep.
	RetentionDays int
}

// NewBackend creates the appropriate backend based on DSN configuration.
// An empty DSN returns (nil, nil): accounting stays in-memory only.
func NewBackend(cfg BackendConfig) (Backend, error) {
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		return nil, nil
	}

	switch {
	case strings.HasPrefix(dsn, "sqlite://"):
		return NewSQLiteBackend(strings.TrimPrefix(dsn, "sqlite://"), cfg)
	case strings.HasPrefix(dsn, "postgres://"), strings.HasPrefix(dsn, "postgresql://"):
		return NewPostgresBackend(dsn, cfg)
	default:
		return nil, fmt.Errorf("unknown usage DSN scheme in %q (use sqlite:// or postgres://)", dsn)
	}
}
