package ingest

import (
	"context"
	"fmt"
	"sync"

	"github.com/sells-group/careprice-cli/internal/model"
	"github.com/sells-group/careprice-cli/internal/store"
)

// memStore is an in-memory Store with the same upsert semantics as the
// real backends.
type memStore struct {
	mu         sync.Mutex
	providers  map[string]model.Provider
	procedures map[string]model.Procedure
	nextProcID int64
	facts      map[model.FactKey]model.ProviderProcedure
	ratings    map[string]int

	applyCalls int
	applyErr   error // returned by every ApplyBatch when set
	failFirst  int   // fail this many ApplyBatch calls with applyErr, then succeed
}

func newMemStore() *memStore {
	return &memStore{
		providers:  make(map[string]model.Provider),
		procedures: make(map[string]model.Procedure),
		facts:      make(map[model.FactKey]model.ProviderProcedure),
		ratings:    make(map[string]int),
	}
}

func (m *memStore) Migrate(ctx context.Context) error { return nil }
func (m *memStore) Close() error                      { return nil }

func (m *memStore) Snapshot(ctx context.Context, keys model.SnapshotKeys) (*model.Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	snap := model.NewSnapshot()
	for _, id := range keys.ProviderIDs {
		if p, ok := m.providers[id]; ok {
			snap.Providers[id] = p
		}
		if _, ok := m.ratings[id]; ok {
			snap.Rated[id] = true
		}
	}
	for _, code := range keys.DRGCodes {
		if p, ok := m.procedures[code]; ok {
			snap.Procedures[code] = p
		}
	}
	for key, fact := range m.facts {
		for _, id := range keys.ProviderIDs {
			if key.ProviderID == id {
				snap.Facts[key] = fact
			}
		}
	}
	return snap, nil
}

func (m *memStore) ApplyBatch(ctx context.Context, sets []model.WriteSet) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.applyCalls++
	if m.applyErr != nil && (m.failFirst == 0 || m.applyCalls <= m.failFirst) {
		return m.applyErr
	}

	for i := range sets {
		ws := &sets[i]
		if pw := ws.Provider; pw != nil {
			if !pw.Update {
				if _, exists := m.providers[pw.Provider.ProviderID]; exists {
					return fmt.Errorf("duplicate provider %s: %w", pw.Provider.ProviderID, store.ErrIntegrityConflict)
				}
			}
			m.providers[pw.Provider.ProviderID] = pw.Provider
		}
		if pw := ws.Procedure; pw != nil {
			if !pw.Update {
				if _, exists := m.procedures[pw.Procedure.DRGCode]; exists {
					return fmt.Errorf("duplicate procedure %s: %w", pw.Procedure.DRGCode, store.ErrIntegrityConflict)
				}
				m.nextProcID++
				proc := pw.Procedure
				proc.ID = m.nextProcID
				m.procedures[proc.DRGCode] = proc
			} else {
				proc := m.procedures[pw.Procedure.DRGCode]
				proc.Description = pw.Procedure.Description
				m.procedures[proc.DRGCode] = proc
			}
		}
		if fw := ws.Fact; fw != nil {
			procID := fw.ProcedureID
			if procID == 0 {
				procID = m.procedures[fw.DRGCode].ID
			}
			if procID == 0 {
				return fmt.Errorf("no procedure id for DRG %s", fw.DRGCode)
			}
			m.facts[model.FactKey{ProviderID: fw.ProviderID, DRGCode: fw.DRGCode}] = model.ProviderProcedure{
				ProviderID: fw.ProviderID, ProcedureID: procID,
				TotalDischarges:     fw.TotalDischarges,
				AvgCoveredCharges:   fw.AvgCoveredCharges,
				AvgTotalPayments:    fw.AvgTotalPayments,
				AvgMedicarePayments: fw.AvgMedicarePayments,
			}
		}
		if rw := ws.Rating; rw != nil {
			if _, exists := m.ratings[rw.ProviderID]; !exists {
				m.ratings[rw.ProviderID] = rw.Score
			}
		}
	}
	return nil
}

func (m *memStore) Facts(ctx context.Context, filter store.FactFilter) ([]model.Fact, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []model.Fact
	for key, pp := range m.facts {
		proc := m.procedures[key.DRGCode]
		f := model.Fact{
			Provider:            m.providers[key.ProviderID],
			Procedure:           proc,
			TotalDischarges:     pp.TotalDischarges,
			AvgCoveredCharges:   pp.AvgCoveredCharges,
			AvgTotalPayments:    pp.AvgTotalPayments,
			AvgMedicarePayments: pp.AvgMedicarePayments,
		}
		if score, ok := m.ratings[key.ProviderID]; ok {
			s := score
			f.Rating = &s
		}
		out = append(out, f)
	}
	return out, nil
}
