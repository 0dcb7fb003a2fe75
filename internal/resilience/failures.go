package resilience

import (
	"sync"
	"time"
)

// RowFailure records one input row that could not be processed, with
// enough context to re-run just the failed subset.
type RowFailure struct {
	Row      int64     `json:"row"`
	Key      string    `json:"key,omitempty"` // dedup key if known, e.g. "330101/039"
	Reason   string    `json:"reason"`
	Kind     string    `json:"kind"` // "malformed", "storage"
	FailedAt time.Time `json:"failed_at"`
}

// BatchFailure records a batch whose storage flush exhausted its
// retries.
type BatchFailure struct {
	Batch     int       `json:"batch"`
	FirstRow  int64     `json:"first_row"`
	LastRow   int64     `json:"last_row"`
	Error     string    `json:"error"`
	ErrorType string    `json:"error_type"` // "transient" or "permanent"
	FailedAt  time.Time `json:"failed_at"`
}

// FailureLog accumulates row- and batch-level failures across an
// ingestion run. It is tracked outside storage transactions so a
// rollback never discards the bookkeeping. Safe for concurrent use.
type FailureLog struct {
	mu      sync.Mutex
	rows    []RowFailure
	batches []BatchFailure
}

// NewFailureLog returns an empty failure log.
func NewFailureLog() *FailureLog {
	return &FailureLog{}
}

// RecordRow adds a row-level failure.
func (l *FailureLog) RecordRow(f RowFailure) {
	if f.FailedAt.IsZero() {
		f.FailedAt = time.Now().UTC()
	}
	l.mu.Lock()
	l.rows = append(l.rows, f)
	l.mu.Unlock()
}

// RecordBatch adds a batch-level failure.
func (l *FailureLog) RecordBatch(f BatchFailure) {
	if f.FailedAt.IsZero() {
		f.FailedAt = time.Now().UTC()
	}
	l.mu.Lock()
	l.batches = append(l.batches, f)
	l.mu.Unlock()
}

// Rows returns a copy of the recorded row failures.
func (l *FailureLog) Rows() []RowFailure {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]RowFailure, len(l.rows))
	copy(out, l.rows)
	return out
}

// Batches returns a copy of the recorded batch failures.
func (l *FailureLog) Batches() []BatchFailure {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]BatchFailure, len(l.batches))
	copy(out, l.batches)
	return out
}

// ClassifyError categorizes an error as "transient" or "permanent".
func ClassifyError(err error) string {
	if IsTransient(err) {
		return "transient"
	}
	return "permanent"
}
