package treatment

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// PlanRepository persists treatment plans. GetForUpdate takes the plan's row
// lock; every state-transition write goes through it so transitions on one
// plan are serialized.
type PlanRepository interface {
	Create(ctx context.Context, p *TreatmentPlan) error
	GetByID(ctx context.Context, id uuid.UUID) (*TreatmentPlan, error)
	GetForUpdate(ctx context.Context, id uuid.UUID) (*TreatmentPlan, error)
	ListByPatient(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]*TreatmentPlan, int, error)
	List(ctx context.Context, limit, offset int) ([]*TreatmentPlan, int, error)
	Update(ctx context.Context, p *TreatmentPlan) error
	Delete(ctx context.Context, id uuid.UUID) error
}

type BudgetRepository interface {
	Create(ctx context.Context, b *Budget) error
	GetByID(ctx context.Context, id uuid.UUID) (*Budget, error)
	GetForUpdate(ctx context.Context, id uuid.UUID) (*Budget, error)
	ListByPlan(ctx context.Context, planID uuid.UUID) ([]*Budget, error)
	// ListPending lists pending budgets whose validity date has not passed,
	// with a total that counts only those.
	ListPending(ctx context.Context, limit, offset int) ([]*Budget, int, error)
	// ApprovedByPlan returns the plan's most recently approved budget, or
	// apierr.NotFound when none exists.
	ApprovedByPlan(ctx context.Context, planID uuid.UUID) (*Budget, error)
	Update(ctx context.Context, b *Budget) error
}

type ProcedureRepository interface {
	Create(ctx context.Context, p *Procedure) error
	GetByID(ctx context.Context, id uuid.UUID) (*Procedure, error)
	ListByPlan(ctx context.Context, planID uuid.UUID) ([]*Procedure, error)
	Update(ctx context.Context, p *Procedure) error
	// CountOpenByPlan counts procedures in pending or in_progress state.
	CountOpenByPlan(ctx context.Context, planID uuid.UUID) (int, error)
}

// PaymentStats aggregates the clinic's ledger by state and method.
type PaymentStats struct {
	ByState  map[string]decimal.Decimal `json:"by_state"`
	ByMethod map[string]decimal.Decimal `json:"by_method"`
	Count    int                        `json:"count"`
}

type PaymentRepository interface {
	Create(ctx context.Context, p *PaymentRecord) error
	GetByID(ctx context.Context, id uuid.UUID) (*PaymentRecord, error)
	GetForUpdate(ctx context.Context, id uuid.UUID) (*PaymentRecord, error)
	ListByPlan(ctx context.Context, planID uuid.UUID) ([]*PaymentRecord, error)
	Update(ctx context.Context, p *PaymentRecord) error
	// TotalPaid sums completed payments for a plan.
	TotalPaid(ctx context.Context, planID uuid.UUID) (decimal.Decimal, error)
	CountByPlan(ctx context.Context, planID uuid.UUID) (int, error)
	Stats(ctx context.Context) (*PaymentStats, error)
}

type SessionRepository interface {
	Create(ctx context.Context, s *TreatmentSession) error
	GetByID(ctx context.Context, id uuid.UUID) (*TreatmentSession, error)
	ListByPlan(ctx context.Context, planID uuid.UUID) ([]*TreatmentSession, error)
	Update(ctx context.Context, s *TreatmentSession) error
	// MaxSessionNumber reads the plan's highest session number. Callers hold
	// the plan row lock, which makes read-then-increment safe.
	MaxSessionNumber(ctx context.Context, planID uuid.UUID) (int, error)
}

// CodeSequencer allocates strictly increasing per-month sequence numbers for
// human-readable codes. Implementations must lock the counter row inside the
// caller's transaction.
type CodeSequencer interface {
	Next(ctx context.Context, prefix string, at time.Time) (int64, error)
}
