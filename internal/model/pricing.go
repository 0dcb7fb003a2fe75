// Package model defines the shared domain types for the pricing pipeline.
package model

import (
	"github.com/shopspring/decimal"
)

// Provider is a healthcare provider identified by its stable external code.
// Display attributes may change across imports; the ID never does.
type Provider struct {
	ProviderID string `json:"provider_id"`
	Name       string `json:"provider_name"`
	City       string `json:"provider_city"`
	State      string `json:"provider_state"`
	ZipCode    string `json:"provider_zip_code"`
}

// Procedure is a DRG-coded procedure category. The surrogate ID is
// assigned by storage on first insert; the DRG code is immutable.
type Procedure struct {
	ID          int64  `json:"id"`
	DRGCode     string `json:"drg_code"`
	Description string `json:"drg_description"`
}

// ProviderProcedure is the pricing fact for one (provider, procedure)
// pair. At most one row exists per pair; re-imports overwrite the
// financial figures in place.
type ProviderProcedure struct {
	ProviderID          string          `json:"provider_id"`
	ProcedureID         int64           `json:"procedure_id"`
	TotalDischarges     int             `json:"total_discharges"`
	AvgCoveredCharges   decimal.Decimal `json:"average_covered_charges"`
	AvgTotalPayments    decimal.Decimal `json:"average_total_payments"`
	AvgMedicarePayments decimal.Decimal `json:"average_medicare_payments"`
}

// Rating is the synthetic quality score for a provider, on a 1-10
// scale. It is assigned once and never regenerated.
type Rating struct {
	ProviderID string `json:"provider_id"`
	Score      int    `json:"rating"`
}

// Fact is a pricing fact joined with its provider, procedure, and
// optional rating, as returned by the storage read path for search.
type Fact struct {
	Provider            Provider        `json:"provider"`
	Procedure           Procedure       `json:"procedure"`
	TotalDischarges     int             `json:"total_discharges"`
	AvgCoveredCharges   decimal.Decimal `json:"average_covered_charges"`
	AvgTotalPayments    decimal.Decimal `json:"average_total_payments"`
	AvgMedicarePayments decimal.Decimal `json:"average_medicare_payments"`
	Rating              *int            `json:"rating"`
}
