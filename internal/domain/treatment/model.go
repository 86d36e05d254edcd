package treatment

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/odonto/odonto/internal/platform/apierr"
)

// Plan lifecycle states.
const (
	PlanDraft      = "draft"
	PlanApproved   = "approved"
	PlanInProgress = "in_progress"
	PlanCompleted  = "completed"
	PlanCancelled  = "cancelled"
)

// planTransitions is the authoritative transition table. Cancellation is an
// explicit administrative action from any non-terminal state; the other
// transitions are driven by budget approval and procedure completion.
var planTransitions = map[string][]string{
	PlanDraft:      {PlanApproved, PlanCancelled},
	PlanApproved:   {PlanInProgress, PlanCompleted, PlanCancelled},
	PlanInProgress: {PlanCompleted, PlanCancelled},
	PlanCompleted:  {},
	PlanCancelled:  {},
}

func planCanTransition(from, to string) bool {
	for _, s := range planTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// TreatmentPlan is one patient's proposed or active course of treatment.
// Budgets and procedures belong to exactly one plan and are deleted with it;
// payments reference the plan but survive it, which is why deletion is
// blocked while payments exist.
type TreatmentPlan struct {
	ID                uuid.UUID  `db:"id" json:"id"`
	Code              string     `db:"code" json:"code"`
	PatientID         uuid.UUID  `db:"patient_id" json:"patient_id"`
	DentistID         *uuid.UUID `db:"dentist_id" json:"dentist_id,omitempty"`
	Description       string     `db:"description" json:"description"`
	Diagnosis         *string    `db:"diagnosis" json:"diagnosis,omitempty"`
	State             string     `db:"state" json:"state"`
	EstimatedDuration *int       `db:"estimated_duration_days" json:"estimated_duration_days,omitempty"`
	ApprovedAt        *time.Time `db:"approved_at" json:"approved_at,omitempty"`
	StartedAt         *time.Time `db:"started_at" json:"started_at,omitempty"`
	CompletedAt       *time.Time `db:"completed_at" json:"completed_at,omitempty"`
	CreatedAt         time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt         time.Time  `db:"updated_at" json:"updated_at"`
}

// Budget lifecycle states.
const (
	BudgetPending  = "pending"
	BudgetApproved = "approved"
	BudgetRejected = "rejected"
	BudgetExpired  = "expired"
)

// Budget is a priced proposal for a plan. Totals are recomputed on every
// save; the stored values are never trusted over Recalculate.
type Budget struct {
	ID              uuid.UUID       `db:"id" json:"id"`
	Code            string          `db:"code" json:"code"`
	PlanID          uuid.UUID       `db:"plan_id" json:"plan_id"`
	State           string          `db:"state" json:"state"`
	Subtotal        decimal.Decimal `db:"subtotal" json:"subtotal"`
	Discount        decimal.Decimal `db:"discount" json:"discount"`
	Tax             decimal.Decimal `db:"tax" json:"tax"`
	Total           decimal.Decimal `db:"total" json:"total"`
	ApprovedBy      *string         `db:"approved_by" json:"approved_by,omitempty"`
	ApprovedAt      *time.Time      `db:"approved_at" json:"approved_at,omitempty"`
	RejectionReason *string         `db:"rejection_reason" json:"rejection_reason,omitempty"`
	ExpiresAt       *time.Time      `db:"expires_at" json:"expires_at,omitempty"`
	Notes           *string         `db:"notes" json:"notes,omitempty"`
	CreatedAt       time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt       time.Time       `db:"updated_at" json:"updated_at"`

	Items []*BudgetItem `db:"-" json:"items,omitempty"`
}

// Resolved reports whether the budget has left the pending state.
func (b *Budget) Resolved() bool {
	return b.State != BudgetPending
}

// ExpiredAt reports whether a still-pending budget has passed its validity
// date. Expiry is checked lazily on read and write, never by a scheduler.
func (b *Budget) ExpiredAt(now time.Time) bool {
	return b.State == BudgetPending && b.ExpiresAt != nil && now.After(*b.ExpiresAt)
}

// Recalculate rederives the item totals, subtotal and total. It is
// idempotent: recalculating an unchanged budget yields identical values. A
// negative item total or grand total is a validation error, not something to
// clamp.
func (b *Budget) Recalculate() error {
	v := apierr.NewValidation()
	subtotal := decimal.Zero
	for _, item := range b.Items {
		if err := item.validate(); err != nil {
			return err
		}
		item.Total = item.computeTotal()
		if item.Total.IsNegative() {
			v.Add("items", fmt.Sprintf("item %d: discount exceeds the line amount", item.Position))
		}
		subtotal = subtotal.Add(item.Total)
	}
	if err := v.Err(); err != nil {
		return err
	}

	b.Subtotal = subtotal
	b.Total = b.Subtotal.Sub(b.Discount).Add(b.Tax)
	if b.Total.IsNegative() {
		return apierr.FieldError("discount", "exceeds the budget subtotal")
	}
	return nil
}

// BudgetItem is one priced line of a budget.
type BudgetItem struct {
	ID           uuid.UUID       `db:"id" json:"id"`
	BudgetID     uuid.UUID       `db:"budget_id" json:"budget_id"`
	ServiceID    uuid.UUID       `db:"service_id" json:"service_id"`
	Description  *string         `db:"description" json:"description,omitempty"`
	Quantity     int             `db:"quantity" json:"quantity"`
	UnitPrice    decimal.Decimal `db:"unit_price" json:"unit_price"`
	ItemDiscount decimal.Decimal `db:"item_discount" json:"item_discount"`
	Tooth        *int            `db:"tooth" json:"tooth,omitempty"`
	Position     int             `db:"position" json:"position"`
	Total        decimal.Decimal `db:"total" json:"total"`
}

func (i *BudgetItem) computeTotal() decimal.Decimal {
	return i.UnitPrice.Mul(decimal.NewFromInt(int64(i.Quantity))).Sub(i.ItemDiscount)
}

func (i *BudgetItem) validate() error {
	v := apierr.NewValidation()
	if i.ServiceID == uuid.Nil {
		v.Add("service_id", "is required")
	}
	if i.Quantity < 1 {
		v.Add("quantity", "must be at least 1")
	}
	if i.UnitPrice.IsNegative() {
		v.Add("unit_price", "must not be negative")
	}
	if i.ItemDiscount.IsNegative() {
		v.Add("item_discount", "must not be negative")
	}
	if i.Tooth != nil {
		fdi, err := NormalizeTooth(*i.Tooth)
		if err != nil {
			v.Add("tooth", err.Error())
		} else {
			*i.Tooth = fdi
		}
	}
	return v.Err()
}

// Procedure lifecycle states.
const (
	ProcedurePending    = "pending"
	ProcedureInProgress = "in_progress"
	ProcedureCompleted  = "completed"
	ProcedureCancelled  = "cancelled"
)

// Procedure is one clinical action within a plan, tracked to completion.
type Procedure struct {
	ID              uuid.UUID        `db:"id" json:"id"`
	PlanID          uuid.UUID        `db:"plan_id" json:"plan_id"`
	ServiceID       uuid.UUID        `db:"service_id" json:"service_id"`
	DentistID       *uuid.UUID       `db:"dentist_id" json:"dentist_id,omitempty"`
	SessionID       *uuid.UUID       `db:"session_id" json:"session_id,omitempty"`
	Description     string           `db:"description" json:"description"`
	Tooth           *int             `db:"tooth" json:"tooth,omitempty"`
	State           string           `db:"state" json:"state"`
	PlannedDate     *time.Time       `db:"planned_date" json:"planned_date,omitempty"`
	CompletedAt     *time.Time       `db:"completed_at" json:"completed_at,omitempty"`
	DurationMinutes int              `db:"duration_minutes" json:"duration_minutes"`
	EstimatedCost   decimal.Decimal  `db:"estimated_cost" json:"estimated_cost"`
	RealCost        *decimal.Decimal `db:"real_cost" json:"real_cost,omitempty"`
	Notes           *string          `db:"notes" json:"notes,omitempty"`
	Complications   *string          `db:"complications" json:"complications,omitempty"`
	CreatedAt       time.Time        `db:"created_at" json:"created_at"`
	UpdatedAt       time.Time        `db:"updated_at" json:"updated_at"`
}

// Open reports whether the procedure still counts against plan completion.
// Cancelled procedures do not hold a plan open.
func (p *Procedure) Open() bool {
	return p.State == ProcedurePending || p.State == ProcedureInProgress
}

// Payment methods and states.
const (
	MethodCash     = "cash"
	MethodCard     = "card"
	MethodTransfer = "transfer"
	MethodCheck    = "check"
	MethodQR       = "qr"

	PaymentPending   = "pending"
	PaymentCompleted = "completed"
	PaymentCancelled = "cancelled"
	PaymentRefunded  = "refunded"
)

var validMethods = map[string]bool{
	MethodCash: true, MethodCard: true, MethodTransfer: true, MethodCheck: true, MethodQR: true,
}

// receiptRequired lists the methods that leave a paper or electronic trail
// and therefore demand a comprobante number at creation time.
var receiptRequired = map[string]bool{
	MethodCard: true, MethodTransfer: true, MethodCheck: true,
}

// PaymentRecord is one payment applied toward a plan. Amount and method are
// immutable after creation; only the state may change, and cancellation is
// terminal.
type PaymentRecord struct {
	ID                uuid.UUID       `db:"id" json:"id"`
	Code              string          `db:"code" json:"code"`
	PlanID            uuid.UUID       `db:"plan_id" json:"plan_id"`
	BudgetID          *uuid.UUID      `db:"budget_id" json:"budget_id,omitempty"`
	Amount            decimal.Decimal `db:"amount" json:"amount"`
	Method            string          `db:"method" json:"method"`
	State             string          `db:"state" json:"state"`
	PaidAt            *time.Time      `db:"paid_at" json:"paid_at,omitempty"`
	ReceiptNumber     *string         `db:"receipt_number" json:"receipt_number,omitempty"`
	TransactionNumber *string         `db:"transaction_number" json:"transaction_number,omitempty"`
	GatewayIntentID   *string         `db:"gateway_intent_id" json:"gateway_intent_id,omitempty"`
	VoidReason        *string         `db:"void_reason" json:"void_reason,omitempty"`
	Notes             *string         `db:"notes" json:"notes,omitempty"`
	RecordedBy        string          `db:"recorded_by" json:"recorded_by"`
	CreatedAt         time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt         time.Time       `db:"updated_at" json:"updated_at"`
}

// Session lifecycle states.
const (
	SessionScheduled = "scheduled"
	SessionInCourse  = "in_course"
	SessionCompleted = "completed"
	SessionCancelled = "cancelled"
)

// TreatmentSession groups the procedures performed in one sitting. Session
// numbers are strictly increasing per plan, assigned under the plan's row
// lock.
type TreatmentSession struct {
	ID              uuid.UUID  `db:"id" json:"id"`
	Code            string     `db:"code" json:"code"`
	PlanID          uuid.UUID  `db:"plan_id" json:"plan_id"`
	SessionNumber   int        `db:"session_number" json:"session_number"`
	State           string     `db:"state" json:"state"`
	ScheduledAt     time.Time  `db:"scheduled_at" json:"scheduled_at"`
	StartedAt       *time.Time `db:"started_at" json:"started_at,omitempty"`
	EndedAt         *time.Time `db:"ended_at" json:"ended_at,omitempty"`
	Recommendations *string    `db:"recommendations" json:"recommendations,omitempty"`
	NextSessionAt   *time.Time `db:"next_session_at" json:"next_session_at,omitempty"`
	CreatedAt       time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt       time.Time  `db:"updated_at" json:"updated_at"`
}

// DurationMinutes derives the sitting length from the start and end stamps.
func (s *TreatmentSession) DurationMinutes() int {
	if s.StartedAt == nil || s.EndedAt == nil {
		return 0
	}
	return int(s.EndedAt.Sub(*s.StartedAt).Minutes())
}

// Human-readable code prefixes.
const (
	codePlan    = "PT"
	codeBudget  = "PRES"
	codePayment = "PAG"
	codeSession = "SES"
)

// FormatCode renders a sequential entity code, e.g. PT-202608-0042.
func FormatCode(prefix string, t time.Time, n int64) string {
	return fmt.Sprintf("%s-%s-%04d", prefix, t.Format("200601"), n)
}
