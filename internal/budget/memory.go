package budget

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/ashita-ai/renraku/internal/model"
)

type tenantTotals struct {
	// outstanding holds plus committed spend, per category.
	held  map[model.Category]int64
	spent map[model.Category]int64
}

type runTotals struct {
	reserved   int64
	spent      int64
	byCategory map[model.Category]model.CategoryTotals
}

// MemoryLedger is an in-process Ledger. One mutex guards all totals;
// every reserve is a single check-and-reserve under that lock.
type MemoryLedger struct {
	quotas func(tenantID uuid.UUID) map[model.Category]int64

	mu           sync.Mutex
	tenants      map[uuid.UUID]*tenantTotals
	runs         map[uuid.UUID]*runTotals
	reservations map[uuid.UUID]Reservation

	observer Observer
}

// NewMemoryLedger creates a ledger. quotas resolves a tenant's per-
// category quota at reserve time; it must be a pure lookup of the
// policy attached at admission, not of mutable global settings.
func NewMemoryLedger(quotas func(tenantID uuid.UUID) map[model.Category]int64) *MemoryLedger {
	return &MemoryLedger{
		quotas:       quotas,
		tenants:      make(map[uuid.UUID]*tenantTotals),
		runs:         make(map[uuid.UUID]*runTotals),
		reservations: make(map[uuid.UUID]Reservation),
	}
}

// SetObserver registers the mutation observer. Call before first use.
func (l *MemoryLedger) SetObserver(o Observer) { l.observer = o }

func (l *MemoryLedger) tenant(id uuid.UUID) *tenantTotals {
	t, ok := l.tenants[id]
	if !ok {
		t = &tenantTotals{held: make(map[model.Category]int64), spent: make(map[model.Category]int64)}
		l.tenants[id] = t
	}
	return t
}

func (l *MemoryLedger) run(id uuid.UUID) *runTotals {
	r, ok := l.runs[id]
	if !ok {
		r = &runTotals{byCategory: make(map[model.Category]model.CategoryTotals)}
		l.runs[id] = r
	}
	return r
}

// Reserve holds amount against the tenant quota, atomically.
func (l *MemoryLedger) Reserve(_ context.Context, tenantID, runID uuid.UUID, category model.Category, amount int64) (Reservation, error) {
	if amount <= 0 {
		return Reservation{}, fmt.Errorf("budget: reserve amount must be positive, got %d", amount)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	quota, ok := l.quotas(tenantID)[category]
	if !ok {
		return Reservation{}, fmt.Errorf("%w: no quota configured for category %q", ErrQuotaExceeded, category)
	}
	t := l.tenant(tenantID)
	if t.held[category]+amount > quota {
		return Reservation{}, fmt.Errorf("%w: category %q would hold %d of quota %d",
			ErrQuotaExceeded, category, t.held[category]+amount, quota)
	}

	res := Reservation{
		ID:       uuid.New(),
		TenantID: tenantID,
		RunID:    runID,
		Category: category,
		Amount:   amount,
	}
	t.held[category] += amount

	r := l.run(runID)
	r.reserved += amount
	ct := r.byCategory[category]
	ct.Reserved += amount
	r.byCategory[category] = ct

	l.reservations[res.ID] = res
	l.notify(tenantID, runID, category, "reserve", amount)
	return res, nil
}

// Commit converts a hold into spend and returns the remainder to quota.
func (l *MemoryLedger) Commit(_ context.Context, reservationID uuid.UUID, actual int64) error {
	if actual < 0 {
		return fmt.Errorf("budget: commit amount must be non-negative, got %d", actual)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	res, ok := l.reservations[reservationID]
	if !ok {
		return ErrUnknownReservation
	}
	if actual > res.Amount {
		return fmt.Errorf("%w: %d > reserved %d", ErrOverCommit, actual, res.Amount)
	}
	delete(l.reservations, reservationID)

	t := l.tenant(res.TenantID)
	// Unused remainder leaves the held total; spend stays counted in it.
	t.held[res.Category] -= res.Amount - actual
	t.spent[res.Category] += actual

	r := l.run(res.RunID)
	r.reserved -= res.Amount - actual
	r.spent += actual
	ct := r.byCategory[res.Category]
	ct.Reserved -= res.Amount - actual
	ct.Spent += actual
	r.byCategory[res.Category] = ct

	l.notify(res.TenantID, res.RunID, res.Category, "commit", actual)
	return nil
}

// Release drops a hold entirely.
func (l *MemoryLedger) Release(_ context.Context, reservationID uuid.UUID) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	res, ok := l.reservations[reservationID]
	if !ok {
		return ErrUnknownReservation
	}
	l.releaseLocked(res)
	return nil
}

// ReleaseRun drops every outstanding hold for a run.
func (l *MemoryLedger) ReleaseRun(_ context.Context, runID uuid.UUID) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, res := range l.reservations {
		if res.RunID == runID {
			l.releaseLocked(res)
		}
	}
	return nil
}

func (l *MemoryLedger) releaseLocked(res Reservation) {
	delete(l.reservations, res.ID)

	t := l.tenant(res.TenantID)
	t.held[res.Category] -= res.Amount

	r := l.run(res.RunID)
	r.reserved -= res.Amount
	ct := r.byCategory[res.Category]
	ct.Reserved -= res.Amount
	r.byCategory[res.Category] = ct

	l.notify(res.TenantID, res.RunID, res.Category, "release", res.Amount)
}

// RunSnapshot reports the run's current reserved/spent position.
// Reserved includes committed spend, so Spent <= Reserved always holds.
func (l *MemoryLedger) RunSnapshot(runID uuid.UUID) model.BudgetSnapshot {
	l.mu.Lock()
	defer l.mu.Unlock()

	r, ok := l.runs[runID]
	if !ok {
		return model.BudgetSnapshot{ByCategory: map[model.Category]model.CategoryTotals{}}
	}
	snap := model.BudgetSnapshot{
		Reserved:   r.reserved,
		Spent:      r.spent,
		ByCategory: make(map[model.Category]model.CategoryTotals, len(r.byCategory)),
	}
	for c, t := range r.byCategory {
		snap.ByCategory[c] = t
	}
	return snap
}

// TenantReserved reports outstanding holds plus committed spend for a category.
func (l *MemoryLedger) TenantReserved(tenantID uuid.UUID, category model.Category) int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	t, ok := l.tenants[tenantID]
	if !ok {
		return 0
	}
	return t.held[category]
}

func (l *MemoryLedger) notify(tenantID, runID uuid.UUID, category model.Category, op string, amount int64) {
	if l.observer != nil {
		l.observer.BudgetChanged(tenantID, runID, category, op, amount)
	}
}
