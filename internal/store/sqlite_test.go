package store

import (
	"context"
	"errors"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/careprice-cli/internal/model"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLite(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	require.NoError(t, s.Migrate(context.Background()))
	return s
}

func money(v string) decimal.Decimal {
	d, err := decimal.NewFromString(v)
	if err != nil {
		panic(err)
	}
	return d
}

func insertFixture(t *testing.T, s *SQLiteStore) {
	t.Helper()
	sets := []model.WriteSet{
		{
			Row: 1,
			Provider: &model.ProviderWrite{Provider: model.Provider{
				ProviderID: "10001", Name: "General Hospital", City: "Birmingham", State: "AL", ZipCode: "35233",
			}},
			Procedure: &model.ProcedureWrite{Procedure: model.Procedure{
				DRGCode: "039", Description: "EXTRACRANIAL PROCEDURES W/O CC/MCC",
			}},
			Fact: &model.FactWrite{
				ProviderID: "10001", DRGCode: "039", TotalDischarges: 91,
				AvgCoveredCharges:   money("32963.07"),
				AvgTotalPayments:    money("5777.24"),
				AvgMedicarePayments: money("4763.73"),
				Insert:              true,
			},
			Rating: &model.RatingWrite{ProviderID: "10001", Score: 7},
		},
	}
	require.NoError(t, s.ApplyBatch(context.Background(), sets))
}

func TestSQLiteApplyAndSnapshot(t *testing.T) {
	s := newTestStore(t)
	insertFixture(t, s)

	snap, err := s.Snapshot(context.Background(), model.SnapshotKeys{
		ProviderIDs: []string{"10001"},
		DRGCodes:    []string{"039"},
	})
	require.NoError(t, err)

	p, ok := snap.Providers["10001"]
	require.True(t, ok)
	assert.Equal(t, "General Hospital", p.Name)
	assert.Equal(t, "35233", p.ZipCode)

	proc, ok := snap.Procedures["039"]
	require.True(t, ok)
	assert.NotZero(t, proc.ID)
	assert.Equal(t, "EXTRACRANIAL PROCEDURES W/O CC/MCC", proc.Description)

	fact, ok := snap.Facts[model.FactKey{ProviderID: "10001", DRGCode: "039"}]
	require.True(t, ok)
	assert.Equal(t, 91, fact.TotalDischarges)
	assert.True(t, fact.AvgTotalPayments.Equal(money("5777.24")))

	assert.True(t, snap.Rated["10001"])
}

func TestSQLiteApplyBatchDuplicatePairLastWriteWins(t *testing.T) {
	s := newTestStore(t)

	// One batch carrying the same (provider, DRG) pair twice, with the
	// second occurrence updating the figures.
	sets := []model.WriteSet{
		{
			Row: 1,
			Provider: &model.ProviderWrite{Provider: model.Provider{
				ProviderID: "10001", Name: "General Hospital", City: "Birmingham", State: "AL", ZipCode: "35233",
			}},
			Procedure: &model.ProcedureWrite{Procedure: model.Procedure{
				DRGCode: "039", Description: "EXTRACRANIAL PROCEDURES W/O CC/MCC",
			}},
			Fact: &model.FactWrite{
				ProviderID: "10001", DRGCode: "039", TotalDischarges: 91,
				AvgCoveredCharges:   money("32963.07"),
				AvgTotalPayments:    money("5777.24"),
				AvgMedicarePayments: money("4763.73"),
				Insert:              true,
			},
			Rating: &model.RatingWrite{ProviderID: "10001", Score: 7},
		},
		{
			Row: 2,
			Fact: &model.FactWrite{
				ProviderID: "10001", DRGCode: "039", TotalDischarges: 112,
				AvgCoveredCharges:   money("34012.50"),
				AvgTotalPayments:    money("5900.00"),
				AvgMedicarePayments: money("4800.25"),
			},
		},
	}
	require.NoError(t, s.ApplyBatch(context.Background(), sets))

	snap, err := s.Snapshot(context.Background(), model.SnapshotKeys{
		ProviderIDs: []string{"10001"}, DRGCodes: []string{"039"},
	})
	require.NoError(t, err)

	fact, ok := snap.Facts[model.FactKey{ProviderID: "10001", DRGCode: "039"}]
	require.True(t, ok)
	assert.Equal(t, 112, fact.TotalDischarges)
	assert.True(t, fact.AvgTotalPayments.Equal(money("5900.00")))
}

func TestSQLiteSnapshotEmptyKeys(t *testing.T) {
	s := newTestStore(t)
	snap, err := s.Snapshot(context.Background(), model.SnapshotKeys{})
	require.NoError(t, err)
	assert.Empty(t, snap.Providers)
	assert.Empty(t, snap.Procedures)
	assert.Empty(t, snap.Facts)
	assert.Empty(t, snap.Rated)
}

func TestSQLiteFactUpsertOverwrites(t *testing.T) {
	s := newTestStore(t)
	insertFixture(t, s)

	snap, err := s.Snapshot(context.Background(), model.SnapshotKeys{
		ProviderIDs: []string{"10001"}, DRGCodes: []string{"039"},
	})
	require.NoError(t, err)
	procID := snap.Procedures["039"].ID

	sets := []model.WriteSet{{
		Row: 2,
		Fact: &model.FactWrite{
			ProviderID: "10001", ProcedureID: procID, DRGCode: "039",
			TotalDischarges:     120,
			AvgCoveredCharges:   money("34000.00"),
			AvgTotalPayments:    money("6000.00"),
			AvgMedicarePayments: money("5000.00"),
		},
	}}
	require.NoError(t, s.ApplyBatch(context.Background(), sets))

	snap, err = s.Snapshot(context.Background(), model.SnapshotKeys{
		ProviderIDs: []string{"10001"}, DRGCodes: []string{"039"},
	})
	require.NoError(t, err)
	fact := snap.Facts[model.FactKey{ProviderID: "10001", DRGCode: "039"}]
	assert.Equal(t, 120, fact.TotalDischarges)
	assert.True(t, fact.AvgTotalPayments.Equal(money("6000.00")))
}

func TestSQLiteRatingIsStable(t *testing.T) {
	s := newTestStore(t)
	insertFixture(t, s)

	// A races-lost rating insert must not overwrite the existing score.
	sets := []model.WriteSet{{
		Row:    3,
		Rating: &model.RatingWrite{ProviderID: "10001", Score: 2},
	}}
	require.NoError(t, s.ApplyBatch(context.Background(), sets))

	facts, err := s.Facts(context.Background(), FactFilter{})
	require.NoError(t, err)
	require.Len(t, facts, 1)
	require.NotNil(t, facts[0].Rating)
	assert.Equal(t, 7, *facts[0].Rating)
}

func TestSQLiteDuplicateProviderInsertConflicts(t *testing.T) {
	s := newTestStore(t)
	insertFixture(t, s)

	sets := []model.WriteSet{{
		Row: 4,
		Provider: &model.ProviderWrite{Provider: model.Provider{
			ProviderID: "10001", Name: "Other Name", City: "Mobile", State: "AL", ZipCode: "36601",
		}},
	}}
	err := s.ApplyBatch(context.Background(), sets)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrIntegrityConflict))
}

func TestSQLiteProviderUpdate(t *testing.T) {
	s := newTestStore(t)
	insertFixture(t, s)

	sets := []model.WriteSet{{
		Row: 5,
		Provider: &model.ProviderWrite{
			Provider: model.Provider{
				ProviderID: "10001", Name: "Renamed Hospital", City: "Birmingham", State: "AL", ZipCode: "35233",
			},
			Update: true,
		},
	}}
	require.NoError(t, s.ApplyBatch(context.Background(), sets))

	snap, err := s.Snapshot(context.Background(), model.SnapshotKeys{ProviderIDs: []string{"10001"}})
	require.NoError(t, err)
	assert.Equal(t, "Renamed Hospital", snap.Providers["10001"].Name)
}

func TestSQLiteFactsFilter(t *testing.T) {
	s := newTestStore(t)
	insertFixture(t, s)

	sets := []model.WriteSet{{
		Row: 6,
		Provider: &model.ProviderWrite{Provider: model.Provider{
			ProviderID: "20002", Name: "Coastal Medical", City: "Mobile", State: "AL", ZipCode: "36601",
		}},
		Procedure: &model.ProcedureWrite{Procedure: model.Procedure{
			DRGCode: "470", Description: "MAJOR JOINT REPLACEMENT",
		}},
		Fact: &model.FactWrite{
			ProviderID: "20002", DRGCode: "470", TotalDischarges: 50,
			AvgCoveredCharges:   money("41000.00"),
			AvgTotalPayments:    money("13000.00"),
			AvgMedicarePayments: money("11000.00"),
			Insert:              true,
		},
		Rating: &model.RatingWrite{ProviderID: "20002", Score: 4},
	}}
	require.NoError(t, s.ApplyBatch(context.Background(), sets))

	all, err := s.Facts(context.Background(), FactFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 2)

	byCode, err := s.Facts(context.Background(), FactFilter{DRG: "470"})
	require.NoError(t, err)
	require.Len(t, byCode, 1)
	assert.Equal(t, "20002", byCode[0].Provider.ProviderID)

	byDesc, err := s.Facts(context.Background(), FactFilter{DRG: "joint replacement"})
	require.NoError(t, err)
	require.Len(t, byDesc, 1)
	assert.Equal(t, "470", byDesc[0].Procedure.DRGCode)

	none, err := s.Facts(context.Background(), FactFilter{DRG: "no such procedure"})
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestSQLiteNewProcedureSameBatchFact(t *testing.T) {
	s := newTestStore(t)

	// The fact references a procedure inserted earlier in the same batch
	// so its surrogate ID is resolved at apply time.
	sets := []model.WriteSet{{
		Row: 1,
		Provider: &model.ProviderWrite{Provider: model.Provider{
			ProviderID: "30003", Name: "Valley Clinic", City: "Denver", State: "CO", ZipCode: "80202",
		}},
		Procedure: &model.ProcedureWrite{Procedure: model.Procedure{
			DRGCode: "291", Description: "HEART FAILURE & SHOCK W MCC",
		}},
		Fact: &model.FactWrite{
			ProviderID: "30003", DRGCode: "291", TotalDischarges: 30,
			AvgCoveredCharges:   money("21000.00"),
			AvgTotalPayments:    money("8000.00"),
			AvgMedicarePayments: money("7000.00"),
			Insert:              true,
		},
	}}
	require.NoError(t, s.ApplyBatch(context.Background(), sets))

	facts, err := s.Facts(context.Background(), FactFilter{DRG: "291"})
	require.NoError(t, err)
	require.Len(t, facts, 1)
	assert.Equal(t, 30, facts[0].TotalDischarges)
	assert.Nil(t, facts[0].Rating)
}
