// Package store persists providers, procedures, pricing facts, and
// ratings behind a transactional interface consumed by the ingestion
// and search paths.
package store

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/sells-group/careprice-cli/internal/model"
)

// ErrIntegrityConflict signals a uniqueness-invariant race: another
// writer inserted one of this batch's keys first. The caller should
// refresh its snapshot and retry.
var ErrIntegrityConflict = eris.New("store: integrity conflict")

// ErrStorageUnavailable signals a connectivity or transaction-level
// failure that is worth retrying with backoff.
var ErrStorageUnavailable = eris.New("store: storage unavailable")

// FactFilter restricts the fact read path. An empty DRG matches all
// procedures; otherwise a fact matches when its code equals DRG exactly
// or its description contains DRG case-insensitively.
type FactFilter struct {
	DRG string
}

// Store is the persistence interface for the pricing pipeline.
type Store interface {
	// Snapshot returns the current state for the given keys.
	Snapshot(ctx context.Context, keys model.SnapshotKeys) (*model.Snapshot, error)

	// ApplyBatch applies all write sets in a single transaction.
	// Either every write commits or none do.
	ApplyBatch(ctx context.Context, sets []model.WriteSet) error

	// Facts returns pricing facts joined with provider, procedure, and
	// rating, restricted by the filter.
	Facts(ctx context.Context, filter FactFilter) ([]model.Fact, error)

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}
