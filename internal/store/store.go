package store

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/sells-group/enrich-cli/internal/model"
)

// ErrNotFound is returned when a run summary does not exist.
var ErrNotFound = eris.New("not found")

// RunFilter specifies criteria for listing run summaries.
type RunFilter struct {
	Status model.RunStatus `json:"status,omitempty"`
	Limit  int             `json:"limit,omitempty"`
	Offset int             `json:"offset,omitempty"`
}

// CacheStore is the backing store read and written by the cache-aside layer.
// Reads are equality lookups returning at most one entry; writes are upserts.
type CacheStore interface {
	// Ping reports whether the store is reachable.
	Ping(ctx context.Context) error
	// GetEntry returns the entry for namespace/key, or nil when absent.
	GetEntry(ctx context.Context, namespace, key string) (*model.CacheEntry, error)
	// UpsertEntry updates the payload and updated_at if the key exists,
	// otherwise inserts a new entry.
	UpsertEntry(ctx context.Context, namespace, key string, payload []byte) error
}

// RunRecorder persists run summaries for history. Runs are never resumed
// from these rows.
type RunRecorder interface {
	SaveRun(ctx context.Context, run model.RunSummary) error
	GetRun(ctx context.Context, id string) (*model.RunSummary, error)
	ListRuns(ctx context.Context, filter RunFilter) ([]model.RunSummary, error)
}

// Store defines the persistence interface for the enrichment pipeline.
type Store interface {
	CacheStore
	RunRecorder

	Migrate(ctx context.Context) error
	Close() error
}

func listLimit(filter RunFilter) int {
	if filter.Limit <= 0 {
		return 100
	}
	return filter.Limit
}
