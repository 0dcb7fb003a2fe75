package ingest

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/careprice-cli/internal/resilience"
	"github.com/sells-group/careprice-cli/internal/store"
)

const csvHeader = "DRG Definition,Provider Id,Provider Name,Provider City,Provider State,Provider Zip Code,Total Discharges,Average Covered Charges,Average Total Payments,Average Medicare Payments"

func csvLine(providerID, drg, state, discharges string) string {
	return fmt.Sprintf("%s - TEST PROCEDURE,%s,HOSPITAL %s,SPRINGFIELD,%s,36301,%s,32963.07,5777.24,4763.73",
		drg, providerID, providerID, state, discharges)
}

func csvFile(lines ...string) *strings.Reader {
	return strings.NewReader(csvHeader + "\n" + strings.Join(lines, "\n") + "\n")
}

func fastRetry() resilience.RetryConfig {
	return resilience.RetryConfig{
		MaxAttempts:    2,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     5 * time.Millisecond,
	}
}

func TestRunHappyPath(t *testing.T) {
	st := newMemStore()
	c := NewCoordinator(st, Config{Retry: fastRetry()})

	report, err := c.Run(context.Background(), csvFile(
		csvLine("10001", "039", "AL", "91"),
		csvLine("10002", "039", "AL", "24"),
		csvLine("10003", "470", "GA", "50"),
	))
	require.NoError(t, err)

	assert.Equal(t, int64(3), report.RowsRead)
	assert.Equal(t, int64(3), report.RowsInserted)
	assert.Zero(t, report.RowsUpdated)
	assert.Zero(t, report.RowsMalformed)
	assert.Zero(t, report.RowsFailed)
	assert.Equal(t, 1, report.Batches)
	assert.NotEmpty(t, report.RunID)
	assert.Equal(t, StateCompleted, c.State())

	assert.Len(t, st.providers, 3)
	assert.Len(t, st.procedures, 2)
	assert.Len(t, st.facts, 3)
	assert.Len(t, st.ratings, 3)
}

func TestRunIdempotent(t *testing.T) {
	st := newMemStore()
	lines := []string{
		csvLine("10001", "039", "AL", "91"),
		csvLine("10002", "470", "AL", "24"),
	}

	first, err := NewCoordinator(st, Config{Retry: fastRetry()}).Run(context.Background(), csvFile(lines...))
	require.NoError(t, err)
	assert.Equal(t, int64(2), first.RowsInserted)

	ratingsBefore := make(map[string]int, len(st.ratings))
	for k, v := range st.ratings {
		ratingsBefore[k] = v
	}

	second, err := NewCoordinator(st, Config{Retry: fastRetry()}).Run(context.Background(), csvFile(lines...))
	require.NoError(t, err)

	assert.Zero(t, second.RowsInserted)
	assert.Zero(t, second.RowsUpdated)
	assert.Equal(t, int64(2), second.RowsUnchanged)
	assert.Len(t, st.facts, 2)
	assert.Equal(t, ratingsBefore, st.ratings)
}

func TestRunMalformedRowTolerance(t *testing.T) {
	st := newMemStore()

	var lines []string
	for i := 1; i <= 10; i++ {
		discharges := fmt.Sprintf("%d", i*10)
		if i == 5 {
			discharges = "not-a-number"
		}
		lines = append(lines, csvLine(fmt.Sprintf("%05d", i), "039", "AL", discharges))
	}

	report, err := NewCoordinator(st, Config{Retry: fastRetry()}).Run(context.Background(), csvFile(lines...))
	require.NoError(t, err)

	assert.Equal(t, int64(10), report.RowsRead)
	assert.Equal(t, int64(9), report.RowsInserted)
	assert.Equal(t, int64(1), report.RowsMalformed)
	require.Len(t, report.RowFailures, 1)
	assert.Equal(t, int64(5), report.RowFailures[0].Row)
	assert.Equal(t, "malformed", report.RowFailures[0].Kind)
	assert.Contains(t, report.RowFailures[0].Reason, "Total Discharges")
	assert.Len(t, st.facts, 9)
}

func TestRunStateFilter(t *testing.T) {
	st := newMemStore()
	c := NewCoordinator(st, Config{StateFilter: "AL", Retry: fastRetry()})

	report, err := c.Run(context.Background(), csvFile(
		csvLine("10001", "039", "AL", "91"),
		csvLine("20001", "039", "NY", "40"),
		csvLine("10002", "039", "AL", "24"),
	))
	require.NoError(t, err)

	assert.Equal(t, int64(3), report.RowsRead)
	assert.Equal(t, int64(2), report.RowsInserted)
	assert.Equal(t, int64(1), report.RowsFiltered)
	assert.Len(t, st.providers, 2)
}

func TestRunBatchFailureContinues(t *testing.T) {
	st := newMemStore()
	st.applyErr = fmt.Errorf("connection refused: %w", store.ErrStorageUnavailable)

	c := NewCoordinator(st, Config{BatchSize: 2, Workers: 1, Retry: fastRetry()})
	report, err := c.Run(context.Background(), csvFile(
		csvLine("10001", "039", "AL", "91"),
		csvLine("10002", "039", "AL", "24"),
		csvLine("10003", "470", "AL", "50"),
	))
	require.NoError(t, err)

	assert.Equal(t, int64(3), report.RowsFailed)
	assert.Zero(t, report.RowsInserted)
	require.Len(t, report.BatchFailures, 2)
	assert.Equal(t, int64(1), report.BatchFailures[0].FirstRow)
	assert.Equal(t, int64(2), report.BatchFailures[0].LastRow)
	assert.Equal(t, StateCompleted, c.State())
}

func TestRunConflictRetryConverges(t *testing.T) {
	st := newMemStore()
	st.applyErr = fmt.Errorf("duplicate key: %w", store.ErrIntegrityConflict)
	st.failFirst = 1

	report, err := NewCoordinator(st, Config{Retry: fastRetry()}).Run(context.Background(), csvFile(
		csvLine("10001", "039", "AL", "91"),
	))
	require.NoError(t, err)

	assert.Equal(t, int64(1), report.RowsInserted)
	assert.Empty(t, report.BatchFailures)
	assert.Equal(t, 2, st.applyCalls)
}

func TestRunMissingHeaderColumn(t *testing.T) {
	st := newMemStore()
	input := strings.NewReader("DRG Definition,Provider Id\n039 - TEST,10001\n")

	c := NewCoordinator(st, Config{Retry: fastRetry()})
	_, err := c.Run(context.Background(), input)
	require.Error(t, err)
	assert.Equal(t, StateFailed, c.State())
}

func TestRunCoordinatorIsSingleUse(t *testing.T) {
	st := newMemStore()
	c := NewCoordinator(st, Config{Retry: fastRetry()})

	_, err := c.Run(context.Background(), csvFile(csvLine("10001", "039", "AL", "91")))
	require.NoError(t, err)

	_, err = c.Run(context.Background(), csvFile(csvLine("10002", "039", "AL", "24")))
	require.Error(t, err)
}

func TestRunCancellation(t *testing.T) {
	st := newMemStore()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	c := NewCoordinator(st, Config{BatchSize: 1, Workers: 1, Retry: fastRetry()})
	_, err := c.Run(ctx, csvFile(
		csvLine("10001", "039", "AL", "91"),
		csvLine("10002", "039", "AL", "24"),
	))
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled))
	assert.Equal(t, StateFailed, c.State())
}
