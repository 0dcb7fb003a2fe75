package ingest

import (
	"github.com/sells-group/careprice-cli/internal/model"
)

// SnapshotKeys collects the storage keys a slice of records touches,
// deduplicated, so a single snapshot query can cover the whole batch.
func SnapshotKeys(records []Record) model.SnapshotKeys {
	var keys model.SnapshotKeys
	seenProviders := make(map[string]bool)
	seenCodes := make(map[string]bool)

	for i := range records {
		rec := &records[i]
		if !seenProviders[rec.ProviderID] {
			seenProviders[rec.ProviderID] = true
			keys.ProviderIDs = append(keys.ProviderIDs, rec.ProviderID)
		}
		if !seenCodes[rec.DRGCode] {
			seenCodes[rec.DRGCode] = true
			keys.DRGCodes = append(keys.DRGCodes, rec.DRGCode)
		}
	}
	return keys
}

// BuildWriteSet reconciles one record against the snapshot and returns
// the minimal writes needed. It marks its own pending writes into the
// snapshot so later records in the same batch see them; identical
// values produce no writes at all.
func BuildWriteSet(rec Record, snap *model.Snapshot) model.WriteSet {
	ws := model.WriteSet{Row: rec.Row}

	provider := model.Provider{
		ProviderID: rec.ProviderID,
		Name:       rec.ProviderName,
		City:       rec.ProviderCity,
		State:      rec.ProviderState,
		ZipCode:    rec.ProviderZip,
	}
	if existing, ok := snap.Providers[rec.ProviderID]; !ok {
		ws.Provider = &model.ProviderWrite{Provider: provider}
		snap.Providers[rec.ProviderID] = provider
	} else if existing != provider {
		ws.Provider = &model.ProviderWrite{Provider: provider, Update: true}
		snap.Providers[rec.ProviderID] = provider
	}

	if existing, ok := snap.Procedures[rec.DRGCode]; !ok {
		proc := model.Procedure{DRGCode: rec.DRGCode, Description: rec.DRGDescription}
		ws.Procedure = &model.ProcedureWrite{Procedure: proc}
		snap.Procedures[rec.DRGCode] = proc
	} else if existing.Description != rec.DRGDescription {
		updated := existing
		updated.Description = rec.DRGDescription
		ws.Procedure = &model.ProcedureWrite{Procedure: updated, Update: true}
		snap.Procedures[rec.DRGCode] = updated
	}

	// The procedure ID is zero when the procedure is new in this batch;
	// storage resolves it from the DRG code at apply time.
	procID := snap.Procedures[rec.DRGCode].ID

	key := model.FactKey{ProviderID: rec.ProviderID, DRGCode: rec.DRGCode}
	fact := model.ProviderProcedure{
		ProviderID:          rec.ProviderID,
		ProcedureID:         procID,
		TotalDischarges:     rec.TotalDischarges,
		AvgCoveredCharges:   rec.AvgCoveredCharges,
		AvgTotalPayments:    rec.AvgTotalPayments,
		AvgMedicarePayments: rec.AvgMedicarePayments,
	}
	existing, ok := snap.Facts[key]
	if !ok || !sameFigures(existing, fact) {
		ws.Fact = &model.FactWrite{
			ProviderID:          rec.ProviderID,
			ProcedureID:         procID,
			DRGCode:             rec.DRGCode,
			TotalDischarges:     rec.TotalDischarges,
			AvgCoveredCharges:   rec.AvgCoveredCharges,
			AvgTotalPayments:    rec.AvgTotalPayments,
			AvgMedicarePayments: rec.AvgMedicarePayments,
			Insert:              !ok,
		}
		snap.Facts[key] = fact
	}

	if !snap.Rated[rec.ProviderID] {
		ws.Rating = &model.RatingWrite{
			ProviderID: rec.ProviderID,
			Score:      AssignRating(rec.ProviderID),
		}
		snap.Rated[rec.ProviderID] = true
	}

	return ws
}

func sameFigures(a, b model.ProviderProcedure) bool {
	return a.TotalDischarges == b.TotalDischarges &&
		a.AvgCoveredCharges.Equal(b.AvgCoveredCharges) &&
		a.AvgTotalPayments.Equal(b.AvgTotalPayments) &&
		a.AvgMedicarePayments.Equal(b.AvgMedicarePayments)
}
