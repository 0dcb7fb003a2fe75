package model

import "github.com/shopspring/decimal"

// FactKey identifies a pricing fact by the ingestion dedup key. The
// DRG code stands in for the surrogate procedure ID, which may not be
// assigned yet when the key is built.
type FactKey struct {
	ProviderID string
	DRGCode    string
}

// SnapshotKeys lists the keys a batch needs visibility into before
// its write sets can be computed. Facts and ratings are loaded per
// provider ID, so the provider list covers them.
type SnapshotKeys struct {
	ProviderIDs []string
	DRGCodes    []string
}

// Snapshot is a point-in-time view of storage restricted to a batch's
// keys. The dedup engine reads it to decide insert-vs-update and marks
// its own pending writes into it so later records in the same batch see
// them.
type Snapshot struct {
	Providers  map[string]Provider
	Procedures map[string]Procedure // keyed by DRG code
	Facts      map[FactKey]ProviderProcedure
	Rated      map[string]bool
}

// NewSnapshot returns an empty snapshot with all maps allocated.
func NewSnapshot() *Snapshot {
	return &Snapshot{
		Providers:  make(map[string]Provider),
		Procedures: make(map[string]Procedure),
		Facts:      make(map[FactKey]ProviderProcedure),
		Rated:      make(map[string]bool),
	}
}

// ProviderWrite inserts or updates a provider row.
type ProviderWrite struct {
	Provider Provider
	Update   bool // false = insert
}

// ProcedureWrite inserts a procedure (storage assigns the ID) or
// refreshes the description of an existing one.
type ProcedureWrite struct {
	Procedure Procedure
	Update    bool
}

// FactWrite overwrites the pricing fact for one (provider, procedure)
// pair. ProcedureID is zero when the procedure is inserted in the same
// batch; storage resolves it from the DRG code at apply time.
type FactWrite struct {
	ProviderID          string
	ProcedureID         int64
	DRGCode             string
	TotalDischarges     int
	AvgCoveredCharges   decimal.Decimal
	AvgTotalPayments    decimal.Decimal
	AvgMedicarePayments decimal.Decimal
	Insert              bool // true when no fact row existed for the pair
}

// RatingWrite inserts a rating for a provider that has none.
type RatingWrite struct {
	ProviderID string
	Score      int
}

// WriteSet is the ordered set of writes reconciling one normalized
// record against storage. All writes in a set are applied atomically.
type WriteSet struct {
	Row       int64 // source row number, for failure reporting
	Provider  *ProviderWrite
	Procedure *ProcedureWrite
	Fact      *FactWrite
	Rating    *RatingWrite
}

// Empty reports whether the set contains no writes at all.
func (w *WriteSet) Empty() bool {
	return w.Provider == nil && w.Procedure == nil && w.Fact == nil && w.Rating == nil
}
