package ingest

import (
	"context"
	"errors"
	"io"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/careprice-cli/internal/fetcher"
	"github.com/sells-group/careprice-cli/internal/model"
	"github.com/sells-group/careprice-cli/internal/resilience"
	"github.com/sells-group/careprice-cli/internal/store"
	"github.com/sells-group/careprice-cli/pkg/geocode"
)

// RunState tracks where an ingestion run is in its lifecycle.
type RunState int32

const (
	StateIdle RunState = iota
	StateStreaming
	StateBatching
	StateFlushing
	StateCompleted
	StateFailed
)

func (s RunState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateStreaming:
		return "streaming"
	case StateBatching:
		return "batching"
	case StateFlushing:
		return "flushing"
	case StateCompleted:
		return "completed"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Config controls one ingestion run.
type Config struct {
	// BatchSize is the number of records flushed per storage
	// transaction. Default: 500.
	BatchSize int

	// Workers bounds how many batches are in flight at once. Default: 4.
	Workers int

	// StateFilter restricts ingestion to providers in one two-letter
	// state code. Empty ingests everything.
	StateFilter string

	// Retry governs per-batch flush retries.
	Retry resilience.RetryConfig
}

// Report is the terminal summary of one ingestion run. Every failed
// row and batch is enumerated with enough context to re-run just the
// failed subset.
type Report struct {
	RunID         string                    `json:"run_id"`
	RowsRead      int64                     `json:"rows_read"`
	RowsInserted  int64                     `json:"rows_inserted"`
	RowsUpdated   int64                     `json:"rows_updated"`
	RowsUnchanged int64                     `json:"rows_unchanged"`
	RowsMalformed int64                     `json:"rows_malformed"`
	RowsFiltered  int64                     `json:"rows_filtered"`
	RowsFailed    int64                     `json:"rows_failed"`
	Batches       int                       `json:"batches"`
	RowFailures   []resilience.RowFailure   `json:"row_failures,omitempty"`
	BatchFailures []resilience.BatchFailure `json:"batch_failures,omitempty"`
	Elapsed       time.Duration             `json:"elapsed"`
}

// Coordinator streams raw rows through normalization and the dedup
// engine, flushing one storage transaction per batch with bounded
// concurrency. A coordinator drives a single run at a time.
type Coordinator struct {
	store    store.Store
	resolver *geocode.Resolver
	cfg      Config
	state    atomic.Int32
	log      *zap.Logger
}

// CoordinatorOption customizes a Coordinator.
type CoordinatorOption func(*Coordinator)

// WithResolver enables geocode cache warming for ingested provider
// postal codes. Resolution failures are logged, never fatal.
func WithResolver(r *geocode.Resolver) CoordinatorOption {
	return func(c *Coordinator) { c.resolver = r }
}

// WithLogger overrides the default global logger.
func WithLogger(l *zap.Logger) CoordinatorOption {
	return func(c *Coordinator) { c.log = l }
}

// NewCoordinator builds a Coordinator over the given store.
func NewCoordinator(st store.Store, cfg Config, opts ...CoordinatorOption) *Coordinator {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 500
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	c := &Coordinator{store: st, cfg: cfg, log: zap.L()}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// State returns the current run state.
func (c *Coordinator) State() RunState {
	return RunState(c.state.Load())
}

type runCounters struct {
	read      atomic.Int64
	inserted  atomic.Int64
	updated   atomic.Int64
	unchanged atomic.Int64
	malformed atomic.Int64
	filtered  atomic.Int64
	failed    atomic.Int64
}

// Run ingests rows from r until EOF, stream error, or cancellation.
// Cancellation is honored at batch boundaries; batches already in
// flight run to completion or retry exhaustion. The report is returned
// even alongside an error so partial progress is never lost.
func (c *Coordinator) Run(ctx context.Context, r io.Reader) (*Report, error) {
	if !c.state.CompareAndSwap(int32(StateIdle), int32(StateStreaming)) {
		return nil, eris.New("ingest: run already in progress")
	}

	runID := uuid.NewString()
	start := time.Now()
	counters := &runCounters{}
	failures := resilience.NewFailureLog()
	log := c.log.With(zap.String("run_id", runID))

	log.Info("ingestion run starting",
		zap.Int("batch_size", c.cfg.BatchSize),
		zap.Int("workers", c.cfg.Workers),
		zap.String("state_filter", c.cfg.StateFilter),
	)

	rows, errc := fetcher.StreamRows(ctx, r, fetcher.CSVOptions{
		RequiredColumns: RequiredColumns(),
	})

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.cfg.Workers)

	var (
		batch    []Record
		batchNum int
		canceled bool
	)

	dispatch := func() {
		if len(batch) == 0 {
			return
		}
		batchNum++
		records := batch
		batch = nil
		num := batchNum
		g.Go(func() error {
			c.processBatch(gctx, num, records, counters, failures, log)
			return nil
		})
	}

	for row := range rows {
		counters.read.Add(1)

		rec, err := Normalize(row)
		if err != nil {
			var m *MalformedRecordError
			if errors.As(err, &m) {
				counters.malformed.Add(1)
				failures.RecordRow(resilience.RowFailure{
					Row:    m.Row,
					Reason: m.Error(),
					Kind:   "malformed",
				})
				continue
			}
			counters.malformed.Add(1)
			failures.RecordRow(resilience.RowFailure{
				Row:    row.Number,
				Reason: err.Error(),
				Kind:   "malformed",
			})
			continue
		}

		if c.cfg.StateFilter != "" && rec.ProviderState != c.cfg.StateFilter {
			counters.filtered.Add(1)
			continue
		}

		batch = append(batch, rec)
		if len(batch) >= c.cfg.BatchSize {
			// Cooperative cancellation check at the batch boundary.
			if ctx.Err() != nil {
				canceled = true
				batch = nil
				break
			}
			c.state.Store(int32(StateBatching))
			dispatch()
		}
	}

	var streamErr error
	if !canceled {
		streamErr = <-errc
		if streamErr == nil && ctx.Err() == nil {
			dispatch()
		} else if ctx.Err() != nil {
			canceled = true
		}
	} else {
		// Drain so the producer goroutine can exit.
		for range rows {
		}
		<-errc
	}

	g.Wait() //nolint:errcheck

	report := &Report{
		RunID:         runID,
		RowsRead:      counters.read.Load(),
		RowsInserted:  counters.inserted.Load(),
		RowsUpdated:   counters.updated.Load(),
		RowsUnchanged: counters.unchanged.Load(),
		RowsMalformed: counters.malformed.Load(),
		RowsFiltered:  counters.filtered.Load(),
		RowsFailed:    counters.failed.Load(),
		Batches:       batchNum,
		RowFailures:   failures.Rows(),
		BatchFailures: failures.Batches(),
		Elapsed:       time.Since(start),
	}

	switch {
	case streamErr != nil:
		c.state.Store(int32(StateFailed))
		log.Error("ingestion run failed", zap.Error(streamErr))
		return report, eris.Wrap(streamErr, "ingest: stream")
	case canceled:
		c.state.Store(int32(StateFailed))
		log.Warn("ingestion run canceled", zap.Int64("rows_read", report.RowsRead))
		return report, ctx.Err()
	default:
		c.state.Store(int32(StateCompleted))
		log.Info("ingestion run completed",
			zap.Int64("rows_read", report.RowsRead),
			zap.Int64("rows_inserted", report.RowsInserted),
			zap.Int64("rows_updated", report.RowsUpdated),
			zap.Int64("rows_unchanged", report.RowsUnchanged),
			zap.Int64("rows_malformed", report.RowsMalformed),
			zap.Int64("rows_failed", report.RowsFailed),
			zap.Duration("elapsed", report.Elapsed),
		)
		return report, nil
	}
}

// processBatch reconciles one batch against storage and flushes it as a
// single transaction. Integrity conflicts refresh the snapshot and
// recompute the write sets before retrying, so a race with a concurrent
// batch converges instead of failing. Failure bookkeeping lives outside
// the transaction.
func (c *Coordinator) processBatch(ctx context.Context, num int, records []Record, counters *runCounters, failures *resilience.FailureLog, log *zap.Logger) {
	c.state.Store(int32(StateFlushing))

	keys := SnapshotKeys(records)

	var inserted, updated, unchanged int64

	retryCfg := c.cfg.Retry
	retryCfg.ShouldRetry = func(err error) bool {
		return errors.Is(err, store.ErrIntegrityConflict) ||
			errors.Is(err, store.ErrStorageUnavailable) ||
			resilience.IsTransient(err)
	}
	retryCfg.OnRetry = func(attempt int, err error) {
		log.Warn("retrying batch flush",
			zap.Int("batch", num),
			zap.Int("attempt", attempt),
			zap.Error(err),
		)
	}

	err := resilience.Do(ctx, retryCfg, func(ctx context.Context) error {
		// A fresh snapshot per attempt: a conflict means another batch
		// won a race, so the write sets must be recomputed.
		snap, err := c.store.Snapshot(ctx, keys)
		if err != nil {
			return err
		}

		inserted, updated, unchanged = 0, 0, 0
		sets := make([]model.WriteSet, 0, len(records))
		for i := range records {
			ws := BuildWriteSet(records[i], snap)
			switch {
			case ws.Empty():
				unchanged++
			case ws.Fact != nil && ws.Fact.Insert:
				inserted++
				sets = append(sets, ws)
			default:
				updated++
				sets = append(sets, ws)
			}
		}
		if len(sets) == 0 {
			return nil
		}
		return c.store.ApplyBatch(ctx, sets)
	})

	if err != nil {
		counters.failed.Add(int64(len(records)))
		failures.RecordBatch(resilience.BatchFailure{
			Batch:     num,
			FirstRow:  records[0].Row,
			LastRow:   records[len(records)-1].Row,
			Error:     err.Error(),
			ErrorType: resilience.ClassifyError(err),
		})
		log.Error("batch flush exhausted retries",
			zap.Int("batch", num),
			zap.Int("rows", len(records)),
			zap.Error(err),
		)
		return
	}

	counters.inserted.Add(inserted)
	counters.updated.Add(updated)
	counters.unchanged.Add(unchanged)

	log.Debug("batch flushed",
		zap.Int("batch", num),
		zap.Int64("inserted", inserted),
		zap.Int64("updated", updated),
		zap.Int64("unchanged", unchanged),
	)

	if c.resolver != nil {
		c.warmGeocodeCache(ctx, records, log)
	}
}

// warmGeocodeCache resolves each distinct postal code in the batch so
// later searches hit the cache. Misses are expected for synthetic or
// retired codes and are only logged.
func (c *Coordinator) warmGeocodeCache(ctx context.Context, records []Record, log *zap.Logger) {
	seen := make(map[string]bool)
	for i := range records {
		zip := records[i].ProviderZip
		if seen[zip] {
			continue
		}
		seen[zip] = true
		if _, err := c.resolver.Resolve(ctx, zip); err != nil {
			if errors.Is(err, geocode.ErrUnresolvable) {
				log.Debug("postal code unresolvable", zap.String("zip", zip))
				continue
			}
			log.Debug("geocode warmup failed", zap.String("zip", zip), zap.Error(err))
		}
	}
}
