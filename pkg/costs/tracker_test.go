package costs

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/helix-runtime/helixd/pkg/config"
	"github.com/helix-runtime/helixd/pkg/faults"
	"github.com/helix-runtime/helixd/pkg/models"
)

type stubPersister struct {
	mu      sync.Mutex
	upserts map[string]float64
	loaded  map[string]float64
}

func (s *stubPersister) UpsertMonthlySpend(_ context.Context, userID, _ string, usd float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.upserts == nil {
		s.upserts = map[string]float64{}
	}
	s.upserts[userID] = usd
	return nil
}

func (s *stubPersister) LoadMonthlySpend(_ context.Context, _ string) (map[string]float64, error) {
	return s.loaded, nil
}

func TestEstimate(t *testing.T) {
	// 50k input at 0.0001/1k plus 400 expected out at 0.0004/1k.
	desc := models.ModelDescriptor{PriceInPer1K: 0.0001, PriceOutPer1K: 0.0004}
	assert.InDelta(t, 0.00516, Estimate(desc, 50000, 400), 1e-9)
}

func TestTracker_CheckBudget(t *testing.T) {
	tr := NewTracker(nil, config.BudgetConfig{DailyUSD: 5, MonthlyUSD: 5}, nil)

	t.Run("within budget", func(t *testing.T) {
		assert.NoError(t, tr.CheckBudget("u1", 0.01))
	})

	t.Run("exceeded after spend", func(t *testing.T) {
		tr.AddSpend("u1", 4.98)
		err := tr.CheckBudget("u1", 0.00516)
		require.Error(t, err)
		assert.Equal(t, faults.KindBudgetExceeded, faults.KindOf(err))
	})

	t.Run("denies near ceiling even when the estimate still fits", func(t *testing.T) {
		// 0.02 of 5.00 left: the estimate fits, but the window counts as
		// exhausted below 1% of the limit.
		tr3 := NewTracker(nil, config.BudgetConfig{DailyUSD: 5, MonthlyUSD: 5}, nil)
		tr3.AddSpend("u1", 4.98)
		err := tr3.CheckBudget("u1", 0.00516)
		require.Error(t, err)
		assert.Equal(t, faults.KindBudgetExceeded, faults.KindOf(err))
	})

	t.Run("allows above the exhaustion floor", func(t *testing.T) {
		tr4 := NewTracker(nil, config.BudgetConfig{DailyUSD: 5, MonthlyUSD: 5}, nil)
		tr4.AddSpend("u1", 4.90)
		assert.NoError(t, tr4.CheckBudget("u1", 0.00516))
	})

	t.Run("per-user override", func(t *testing.T) {
		tr2 := NewTracker(nil, config.BudgetConfig{DailyUSD: 5, MonthlyUSD: 5},
			map[string]config.UserLimit{"vip": {DailyUSD: 100, MonthlyUSD: 100}})
		tr2.AddSpend("vip", 50)
		assert.NoError(t, tr2.CheckBudget("vip", 1))
	})
}

func TestTracker_WindowRollover(t *testing.T) {
	tr := NewTracker(nil, config.BudgetConfig{DailyUSD: 5, MonthlyUSD: 50}, nil)
	current := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	tr.now = func() time.Time { return current }

	tr.AddSpend("u1", 4)
	assert.InDelta(t, 1.0, tr.BudgetRemaining("u1", WindowDaily), 1e-9)

	// Next day: daily window resets, monthly carries.
	current = current.Add(24 * time.Hour)
	assert.InDelta(t, 5.0, tr.BudgetRemaining("u1", WindowDaily), 1e-9)
	assert.InDelta(t, 46.0, tr.BudgetRemaining("u1", WindowMonthly), 1e-9)

	// Next month: monthly resets too.
	current = time.Date(2026, 9, 1, 0, 0, 0, 0, time.UTC)
	assert.InDelta(t, 50.0, tr.BudgetRemaining("u1", WindowMonthly), 1e-9)
}

func TestTracker_StartReconcilesAndFlushes(t *testing.T) {
	store := &stubPersister{loaded: map[string]float64{"u1": 4.98}}
	tr := NewTracker(store, config.BudgetConfig{DailyUSD: 5, MonthlyUSD: 5}, nil)
	tr.flushInterval = 10 * time.Millisecond
	require.NoError(t, tr.Start(context.Background()))

	// Reconciled spend is visible immediately.
	err := tr.CheckBudget("u1", 0.00516)
	require.Error(t, err)
	assert.Equal(t, faults.KindBudgetExceeded, faults.KindOf(err))

	tr.Record(models.OperationRecord{UserID: "u2", CostUSD: 0.25})
	assert.Eventually(t, func() bool {
		store.mu.Lock()
		defer store.mu.Unlock()
		return store.upserts["u2"] == 0.25
	}, 2*time.Second, 10*time.Millisecond)

	tr.Stop()
}
