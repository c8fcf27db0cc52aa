package budget

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/forgehq/foreman/internal/domain"
)

func TestRecordCostWithinBudgetNoCallback(t *testing.T) {
	tr := New(1.00, 30.00, t.TempDir())
	var calls int
	tr.OnExceeded(func(domain.BudgetStatus) { calls++ })

	tr.RecordCost("agent-1", 0.80, 1)
	require.True(t, tr.IsWithinBudget())
	require.Equal(t, 0, calls)
}

func TestBudgetTripFiresEveryCallbackOnceForSingleCrossing(t *testing.T) {
	tr := New(1.00, 30.00, t.TempDir())

	var calls int
	var lastDaily float64
	tr.OnExceeded(func(status domain.BudgetStatus) {
		calls++
		lastDaily = status.DailySpend
	})

	tr.RecordCost("agent-1", 0.80, 1)
	require.Equal(t, 0, calls)

	tr.RecordCost("agent-1", 0.30, 1)
	require.Equal(t, 1, calls)
	require.InDelta(t, 1.10, lastDaily, 0.0001)
	require.False(t, tr.IsWithinBudget())
}

func TestPersistLoadRoundTripPreservesSpend(t *testing.T) {
	dir := t.TempDir()
	tr := New(100, 1000, dir)
	tr.RecordCost("agent-1", 1.23, 7)
	tr.RecordCost("agent-2", 4.56, 7)

	require.NoError(t, tr.PersistToFile())

	fresh := New(100, 1000, dir)
	fresh.LoadFromFile()

	require.InDelta(t, tr.GetDailySpend(), fresh.GetDailySpend(), 0.0001)
	require.InDelta(t, tr.GetMonthlySpend(), fresh.GetMonthlySpend(), 0.0001)
}

func TestPersistToFileWritesBareJSONArray(t *testing.T) {
	dir := t.TempDir()
	tr := New(100, 1000, dir)
	tr.RecordCost("agent-1", 1.23, 7)

	require.NoError(t, tr.PersistToFile())

	data, err := os.ReadFile(filepath.Join(dir, costLogFileName))
	require.NoError(t, err)

	var entries []domain.CostEntry
	require.NoError(t, json.Unmarshal(data, &entries))
	require.Len(t, entries, 1)
	require.Equal(t, "agent-1", entries[0].AgentID)
}

func TestLoadFromFileMissingIsNoop(t *testing.T) {
	tr := New(10, 100, t.TempDir())
	tr.LoadFromFile()
	require.Equal(t, 0.0, tr.GetDailySpend())
}

func TestLoadFromFileCorruptResetsToEmpty(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, costLogFileName), []byte("{not json"), 0o644))

	tr := New(10, 100, dir)
	tr.LoadFromFile()
	require.Equal(t, 0.0, tr.GetDailySpend())
}

func TestStatusRemainingClampedToZero(t *testing.T) {
	tr := New(1.00, 1.00, t.TempDir())
	tr.RecordCost("agent-1", 5.00, 1)
	status := tr.GetBudgetStatus()
	require.Equal(t, 0.0, status.DailyRemaining)
	require.Equal(t, 0.0, status.MonthlyRemaining)
	require.False(t, status.IsWithinBudget)
}
