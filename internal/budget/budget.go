// Package budget tracks spend and quota per tenant and per run.
//
// Reservation is pessimistic: a stage executor reserves before issuing a
// costed call, commits the actual cost on success (which may be less
// than the reservation), or releases on failure/skip. The check-and-
// reserve is a single atomic step, so two concurrent reservations can
// never jointly overrun a tenant quota.
package budget

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"github.com/ashita-ai/renraku/internal/model"
)

var (
	// ErrQuotaExceeded means the reservation would push committed plus
	// outstanding holds past the tenant quota for the category.
	ErrQuotaExceeded = errors.New("budget: quota exceeded")
	// ErrUnknownReservation means the reservation id is not outstanding.
	ErrUnknownReservation = errors.New("budget: unknown reservation")
	// ErrOverCommit means the committed amount exceeds the reservation.
	ErrOverCommit = errors.New("budget: commit exceeds reservation")
)

// Reservation is a provisional budget hold.
type Reservation struct {
	ID       uuid.UUID
	TenantID uuid.UUID
	RunID    uuid.UUID
	Category model.Category
	Amount   int64
}

// Observer is notified of every ledger mutation, in the order it took
// effect. The audit recorder hangs off this.
type Observer interface {
	BudgetChanged(tenantID, runID uuid.UUID, category model.Category, op string, amount int64)
}

// Ledger is the per-tenant, per-run budget ledger.
type Ledger interface {
	// Reserve atomically checks and holds amount against the tenant's
	// category quota. Returns ErrQuotaExceeded when the hold does not fit.
	Reserve(ctx context.Context, tenantID, runID uuid.UUID, category model.Category, amount int64) (Reservation, error)
	// Commit converts a hold into spend. actual must be <= the reserved
	// amount; the difference is returned to the quota.
	Commit(ctx context.Context, reservationID uuid.UUID, actual int64) error
	// Release drops a hold entirely.
	Release(ctx context.Context, reservationID uuid.UUID) error
	// ReleaseRun drops every outstanding hold for a run. Used when a run
	// aborts or the gate rejects the campaign: outstanding reservations
	// are fully refunded, committed spend stays.
	ReleaseRun(ctx context.Context, runID uuid.UUID) error
	// RunSnapshot reports the run's reserved/spent position.
	RunSnapshot(runID uuid.UUID) model.BudgetSnapshot
	// TenantReserved reports a tenant's total outstanding plus committed
	// units for a category, for admission checks.
	TenantReserved(tenantID uuid.UUID, category model.Category) int64
}
