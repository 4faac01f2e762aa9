// Package costs meters per-user spend over daily and monthly windows. The
// in-memory copy is authoritative while the process runs; spend is flushed
// to the datastore in batches and reconciled on startup.
package costs

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/helix-runtime/helixd/pkg/config"
	"github.com/helix-runtime/helixd/pkg/faults"
	"github.com/helix-runtime/helixd/pkg/models"
)

// Window selects a budget horizon.
type Window string

const (
	WindowDaily   Window = "daily"
	WindowMonthly Window = "monthly"
)

// Persister is the datastore slice the tracker needs. Implemented by
// pkg/store; tests substitute a stub.
type Persister interface {
	UpsertMonthlySpend(ctx context.Context, userID, month string, usd float64) error
	LoadMonthlySpend(ctx context.Context, month string) (map[string]float64, error)
}

type userSpend struct {
	day      string
	dayUSD   float64
	month    string
	monthUSD float64
	dirty    bool
}

// Tracker is a process singleton with an explicit Start/Stop lifecycle.
type Tracker struct {
	mu       sync.Mutex
	spend    map[string]*userSpend
	defaults config.BudgetConfig
	users    map[string]config.UserLimit
	store    Persister
	now      func() time.Time
	logger   *slog.Logger

	flushInterval time.Duration
	stopCh        chan struct{}
	stopOnce      sync.Once
	wg            sync.WaitGroup
}

// NewTracker creates a tracker. store may be nil (flushing disabled, used in
// tests and datastore-less runs).
func NewTracker(store Persister, defaults config.BudgetConfig, users map[string]config.UserLimit) *Tracker {
	return &Tracker{
		spend:         make(map[string]*userSpend),
		defaults:      defaults,
		users:         users,
		store:         store,
		now:           time.Now,
		logger:        slog.Default().With("component", "costs"),
		flushInterval: 5 * time.Second,
		stopCh:        make(chan struct{}),
	}
}

// Start reconciles persisted monthly spend and begins the flush loop.
func (t *Tracker) Start(ctx context.Context) error {
	if t.store != nil {
		month := t.now().UTC().Format("2006-01")
		persisted, err := t.store.LoadMonthlySpend(ctx, month)
		if err != nil {
			return faults.Wrap(faults.KindFatal, err, "reconciling monthly spend")
		}
		t.mu.Lock()
		for userID, usd := range persisted {
			t.spend[userID] = &userSpend{month: month, monthUSD: usd, day: t.dayKey()}
		}
		t.mu.Unlock()
		t.logger.Info("Cost tracker reconciled", "month", month, "users", len(persisted))
	}

	t.wg.Add(1)
	go t.flushLoop()
	return nil
}

// Stop flushes outstanding spend and stops the loop.
func (t *Tracker) Stop() {
	t.stopOnce.Do(func() { close(t.stopCh) })
	t.wg.Wait()
	t.flush()
}

func (t *Tracker) flushLoop() {
	defer t.wg.Done()
	ticker := time.NewTicker(t.flushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-t.stopCh:
			return
		case <-ticker.C:
			t.flush()
		}
	}
}

func (t *Tracker) flush() {
	if t.store == nil {
		return
	}
	type row struct {
		userID, month string
		usd           float64
	}
	var dirty []row
	t.mu.Lock()
	for userID, s := range t.spend {
		if s.dirty {
			dirty = append(dirty, row{userID, s.month, s.monthUSD})
			s.dirty = false
		}
	}
	t.mu.Unlock()

	for _, r := range dirty {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := t.store.UpsertMonthlySpend(ctx, r.userID, r.month, r.usd); err != nil {
			t.logger.Error("Spend flush failed", "user_id", r.userID, "error", err)
		}
		cancel()
	}
}

// Estimate computes the expected cost of an invocation in USD. Prices are
// per 1000 tokens.
func Estimate(desc models.ModelDescriptor, inputTokens, expectedOut int) float64 {
	return float64(inputTokens)/1000.0*desc.PriceInPer1K +
		float64(expectedOut)/1000.0*desc.PriceOutPer1K
}

// exhaustionFrac is the tail of a budget window that is never spendable: once
// less than 1% of the limit remains the window counts as exhausted, so a
// trickle of small operations cannot ride the ceiling indefinitely.
const exhaustionFrac = 0.01

// CheckBudget returns budget_exceeded when est does not fit in a window or
// when the window is effectively exhausted.
func (t *Tracker) CheckBudget(userID string, est float64) error {
	for _, w := range []Window{WindowDaily, WindowMonthly} {
		limit := t.limitFor(userID, w)
		rem := t.BudgetRemaining(userID, w)
		if est > rem || rem < limit*exhaustionFrac {
			return faults.New(faults.KindBudgetExceeded,
				"%s budget exhausted for %s: estimate %.5f against remaining %.5f", w, userID, est, rem)
		}
	}
	return nil
}

// Record adds an operation's actual cost to the user's windows.
func (t *Tracker) Record(rec models.OperationRecord) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := t.userLocked(rec.UserID)
	s.dayUSD += rec.CostUSD
	s.monthUSD += rec.CostUSD
	s.dirty = true
}

// AddSpend seeds spend directly. Used by reconciliation and tests.
func (t *Tracker) AddSpend(userID string, usd float64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := t.userLocked(userID)
	s.dayUSD += usd
	s.monthUSD += usd
	s.dirty = true
}

// BudgetRemaining returns how many USD the user may still spend in the
// window. Never negative.
func (t *Tracker) BudgetRemaining(userID string, w Window) float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := t.userLocked(userID)

	used := s.dayUSD
	if w == WindowMonthly {
		used = s.monthUSD
	}
	if rem := t.limitFor(userID, w) - used; rem > 0 {
		return rem
	}
	return 0
}

// limitFor resolves the window ceiling for the user, honoring per-user
// overrides. defaults and users are immutable after construction.
func (t *Tracker) limitFor(userID string, w Window) float64 {
	limit := t.defaults.DailyUSD
	if w == WindowMonthly {
		limit = t.defaults.MonthlyUSD
	}
	if u, ok := t.users[userID]; ok {
		if w == WindowDaily && u.DailyUSD > 0 {
			limit = u.DailyUSD
		}
		if w == WindowMonthly && u.MonthlyUSD > 0 {
			limit = u.MonthlyUSD
		}
	}
	return limit
}

// ApprovalThreshold returns the per-user cost above which approval is
// required.
func (t *Tracker) ApprovalThreshold(userID string, fallback float64) float64 {
	if u, ok := t.users[userID]; ok && u.ApprovalThresholdUSD > 0 {
		return u.ApprovalThresholdUSD
	}
	return fallback
}

// userLocked fetches or creates the user's spend row, rolling windows over
// when the day or month changed. Caller holds t.mu.
func (t *Tracker) userLocked(userID string) *userSpend {
	day := t.dayKey()
	month := t.now().UTC().Format("2006-01")
	s, ok := t.spend[userID]
	if !ok {
		s = &userSpend{day: day, month: month}
		t.spend[userID] = s
		return s
	}
	if s.day != day {
		s.day = day
		s.dayUSD = 0
	}
	if s.month != month {
		s.month = month
		s.monthUSD = 0
	}
	return s
}

func (t *Tracker) dayKey() string {
	return t.now().UTC().Format("2006-01-02")
}
