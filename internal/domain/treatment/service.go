package treatment

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/odonto/odonto/internal/domain/catalog"
	"github.com/odonto/odonto/internal/platform/apierr"
	"github.com/odonto/odonto/internal/platform/auth"
	"github.com/odonto/odonto/internal/platform/db"
	"github.com/odonto/odonto/internal/platform/gateway"
)

// ServiceCatalog is the slice of the catalog the engine needs: resolving a
// billable service when items and procedures are added.
type ServiceCatalog interface {
	GetByID(ctx context.Context, id uuid.UUID) (*catalog.Service, error)
}

// Engine coordinates plans, budgets, procedures, sessions and payments. Every
// state-transition write runs inside one transaction holding the plan's row
// lock, so concurrent transitions on the same plan serialize instead of
// racing.
type Engine struct {
	plans      PlanRepository
	budgets    BudgetRepository
	procedures ProcedureRepository
	payments   PaymentRepository
	sessions   SessionRepository
	catalog    ServiceCatalog
	codes      CodeSequencer
	gateway    gateway.Client
	currency   string

	runTx func(ctx context.Context, fn func(ctx context.Context) error) error
	now   func() time.Time
}

func NewEngine(
	pool *pgxpool.Pool,
	plans PlanRepository,
	budgets BudgetRepository,
	procedures ProcedureRepository,
	payments PaymentRepository,
	sessions SessionRepository,
	cat ServiceCatalog,
	codes CodeSequencer,
	gw gateway.Client,
	currency string,
) *Engine {
	return &Engine{
		plans:      plans,
		budgets:    budgets,
		procedures: procedures,
		payments:   payments,
		sessions:   sessions,
		catalog:    cat,
		codes:      codes,
		gateway:    gw,
		currency:   currency,
		runTx: func(ctx context.Context, fn func(ctx context.Context) error) error {
			return db.RunInTx(ctx, pool, fn)
		},
		now: time.Now,
	}
}

// ---- plans ----

func (e *Engine) CreatePlan(ctx context.Context, p *TreatmentPlan) error {
	v := apierr.NewValidation()
	if p.PatientID == uuid.Nil {
		v.Add("patient_id", "is required")
	}
	if p.Description == "" {
		v.Add("description", "is required")
	}
	if p.EstimatedDuration != nil && *p.EstimatedDuration < 1 {
		v.Add("estimated_duration_days", "must be at least 1")
	}
	if err := v.Err(); err != nil {
		return err
	}

	return e.runTx(ctx, func(ctx context.Context) error {
		now := e.now()
		n, err := e.codes.Next(ctx, codePlan, now)
		if err != nil {
			return err
		}
		p.Code = FormatCode(codePlan, now, n)
		p.State = PlanDraft
		return e.plans.Create(ctx, p)
	})
}

func (e *Engine) GetPlan(ctx context.Context, id uuid.UUID) (*TreatmentPlan, error) {
	return e.plans.GetByID(ctx, id)
}

func (e *Engine) ListPlans(ctx context.Context, limit, offset int) ([]*TreatmentPlan, int, error) {
	return e.plans.List(ctx, limit, offset)
}

func (e *Engine) ListPlansByPatient(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]*TreatmentPlan, int, error) {
	return e.plans.ListByPatient(ctx, patientID, limit, offset)
}

// UpdatePlan edits the plan's descriptive fields. Only draft plans may be
// edited.
func (e *Engine) UpdatePlan(ctx context.Context, id uuid.UUID, description string, diagnosis *string, dentistID *uuid.UUID, duration *int) (*TreatmentPlan, error) {
	if description == "" {
		return nil, apierr.FieldError("description", "is required")
	}
	var plan *TreatmentPlan
	err := e.runTx(ctx, func(ctx context.Context) error {
		p, err := e.plans.GetForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if p.State != PlanDraft {
			return apierr.InvalidState("only draft plans can be edited")
		}
		p.Description = description
		p.Diagnosis = diagnosis
		p.DentistID = dentistID
		p.EstimatedDuration = duration
		if err := e.plans.Update(ctx, p); err != nil {
			return err
		}
		plan = p
		return nil
	})
	return plan, err
}

// ChangePlanState applies an explicit transition, today only cancellation.
// Approval and completion happen as side effects of budget approval and
// procedure completion, never through this entry point.
func (e *Engine) ChangePlanState(ctx context.Context, id uuid.UUID, to string) (*TreatmentPlan, error) {
	if to != PlanCancelled {
		return nil, apierr.FieldError("state", "only cancellation can be requested directly")
	}
	var plan *TreatmentPlan
	err := e.runTx(ctx, func(ctx context.Context) error {
		p, err := e.plans.GetForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if !planCanTransition(p.State, to) {
			return apierr.InvalidState("plan cannot move from " + p.State + " to " + to)
		}
		p.State = to
		if err := e.plans.Update(ctx, p); err != nil {
			return err
		}
		plan = p
		return nil
	})
	return plan, err
}

// DeletePlan removes a plan with its budgets and procedures. Deletion is
// blocked while payment records reference the plan; the ledger outlives
// clinical records.
func (e *Engine) DeletePlan(ctx context.Context, id uuid.UUID) error {
	return e.runTx(ctx, func(ctx context.Context) error {
		if _, err := e.plans.GetForUpdate(ctx, id); err != nil {
			return err
		}
		n, err := e.payments.CountByPlan(ctx, id)
		if err != nil {
			return err
		}
		if n > 0 {
			return apierr.Conflict("plan has payment records and cannot be deleted")
		}
		return e.plans.Delete(ctx, id)
	})
}

// AddItemInput is one procedure to plan, priced from the catalog unless an
// explicit cost override is given.
type AddItemInput struct {
	ServiceID   uuid.UUID        `json:"service_id"`
	Description string           `json:"description"`
	Tooth       *int             `json:"tooth,omitempty"`
	PlannedDate *time.Time       `json:"planned_date,omitempty"`
	Cost        *decimal.Decimal `json:"cost,omitempty"`
	Notes       *string          `json:"notes,omitempty"`
}

// PlanTotals is the running cost picture returned after plan mutations.
type PlanTotals struct {
	Procedures     int             `json:"procedures"`
	Completed      int             `json:"completed"`
	EstimatedTotal decimal.Decimal `json:"estimated_total"`
	RealTotal      decimal.Decimal `json:"real_total"`
}

// AddItem adds a procedure to a draft plan. Dentists and administrators only.
func (e *Engine) AddItem(ctx context.Context, planID uuid.UUID, in AddItemInput) (*Procedure, *PlanTotals, error) {
	role := auth.RoleFromContext(ctx)
	if role != auth.RoleAdmin && role != auth.RoleDentist {
		return nil, nil, apierr.Forbidden("only dentists and administrators can add plan items")
	}

	v := apierr.NewValidation()
	if in.ServiceID == uuid.Nil {
		v.Add("service_id", "is required")
	}
	tooth := in.Tooth
	if tooth != nil {
		fdi, err := NormalizeTooth(*tooth)
		if err != nil {
			v.Add("tooth", err.Error())
		} else {
			t := fdi
			tooth = &t
		}
	}
	if in.Cost != nil && !in.Cost.IsPositive() {
		v.Add("cost", "must be positive")
	}
	if err := v.Err(); err != nil {
		return nil, nil, err
	}

	var (
		proc   *Procedure
		totals *PlanTotals
	)
	err := e.runTx(ctx, func(ctx context.Context) error {
		plan, err := e.plans.GetForUpdate(ctx, planID)
		if err != nil {
			return err
		}
		if plan.State != PlanDraft {
			return apierr.InvalidState("items can only be added to draft plans")
		}

		svc, err := e.catalog.GetByID(ctx, in.ServiceID)
		if err != nil {
			return err
		}
		if !svc.Active {
			return apierr.FieldError("service_id", "service is no longer offered")
		}

		cost := svc.BaseCost
		if in.Cost != nil {
			cost = *in.Cost
		}
		if !cost.IsPositive() {
			return apierr.FieldError("cost", "must be positive")
		}

		description := in.Description
		if description == "" {
			description = svc.Name
		}

		proc = &Procedure{
			PlanID:          planID,
			ServiceID:       in.ServiceID,
			DentistID:       plan.DentistID,
			Description:     description,
			Tooth:           tooth,
			State:           ProcedurePending,
			PlannedDate:     in.PlannedDate,
			DurationMinutes: svc.DurationMinutes,
			EstimatedCost:   cost,
			Notes:           in.Notes,
		}
		if err := e.procedures.Create(ctx, proc); err != nil {
			return err
		}

		totals, err = e.planTotals(ctx, planID)
		return err
	})
	if err != nil {
		return nil, nil, err
	}
	return proc, totals, nil
}

func (e *Engine) planTotals(ctx context.Context, planID uuid.UUID) (*PlanTotals, error) {
	procs, err := e.procedures.ListByPlan(ctx, planID)
	if err != nil {
		return nil, err
	}
	t := &PlanTotals{EstimatedTotal: decimal.Zero, RealTotal: decimal.Zero}
	for _, p := range procs {
		if p.State == ProcedureCancelled {
			continue
		}
		t.Procedures++
		t.EstimatedTotal = t.EstimatedTotal.Add(p.EstimatedCost)
		if p.State == ProcedureCompleted {
			t.Completed++
			if p.RealCost != nil {
				t.RealTotal = t.RealTotal.Add(*p.RealCost)
			} else {
				t.RealTotal = t.RealTotal.Add(p.EstimatedCost)
			}
		}
	}
	return t, nil
}

// PlanProgress reports completion and cost aggregates for one plan.
type PlanProgress struct {
	Plan            *TreatmentPlan  `json:"plan"`
	Totals          *PlanTotals     `json:"totals"`
	PercentComplete decimal.Decimal `json:"percent_complete"`
}

func (e *Engine) Progress(ctx context.Context, planID uuid.UUID) (*PlanProgress, error) {
	plan, err := e.plans.GetByID(ctx, planID)
	if err != nil {
		return nil, err
	}
	totals, err := e.planTotals(ctx, planID)
	if err != nil {
		return nil, err
	}
	percent := decimal.Zero
	if totals.Procedures > 0 {
		percent = decimal.NewFromInt(int64(totals.Completed * 100)).
			Div(decimal.NewFromInt(int64(totals.Procedures))).Round(1)
	}
	return &PlanProgress{Plan: plan, Totals: totals, PercentComplete: percent}, nil
}

// ApprovalCheck reports whether a plan is ready to be approved and, when it
// is not, what is missing.
type ApprovalCheck struct {
	Eligible bool     `json:"eligible"`
	Reasons  []string `json:"reasons,omitempty"`
}

func (e *Engine) CheckApproval(ctx context.Context, planID uuid.UUID) (*ApprovalCheck, error) {
	plan, err := e.plans.GetByID(ctx, planID)
	if err != nil {
		return nil, err
	}
	var reasons []string
	if plan.State != PlanDraft {
		reasons = append(reasons, "plan is not in draft")
	}
	procs, err := e.procedures.ListByPlan(ctx, planID)
	if err != nil {
		return nil, err
	}
	if len(procs) == 0 {
		reasons = append(reasons, "plan has no procedures")
	}
	budgets, err := e.budgets.ListByPlan(ctx, planID)
	if err != nil {
		return nil, err
	}
	approvable := false
	now := e.now()
	for _, b := range budgets {
		if b.State == BudgetPending && !b.ExpiredAt(now) {
			approvable = true
			break
		}
	}
	if !approvable {
		reasons = append(reasons, "plan has no pending budget awaiting approval")
	}
	return &ApprovalCheck{Eligible: len(reasons) == 0, Reasons: reasons}, nil
}

// ---- budgets ----

// CreateBudgetInput carries a budget with nested items for a plan.
type CreateBudgetInput struct {
	PlanID    uuid.UUID       `json:"plan_id"`
	Discount  decimal.Decimal `json:"discount"`
	Tax       decimal.Decimal `json:"tax"`
	ExpiresAt *time.Time      `json:"expires_at,omitempty"`
	Notes     *string         `json:"notes,omitempty"`
	Items     []*BudgetItem   `json:"items"`
}

func (e *Engine) CreateBudget(ctx context.Context, in CreateBudgetInput) (*Budget, error) {
	v := apierr.NewValidation()
	if in.PlanID == uuid.Nil {
		v.Add("plan_id", "is required")
	}
	if len(in.Items) == 0 {
		v.Add("items", "at least one item is required")
	}
	if in.Discount.IsNegative() {
		v.Add("discount", "must not be negative")
	}
	if in.Tax.IsNegative() {
		v.Add("tax", "must not be negative")
	}
	if err := v.Err(); err != nil {
		return nil, err
	}

	budget := &Budget{
		PlanID:    in.PlanID,
		State:     BudgetPending,
		Discount:  in.Discount,
		Tax:       in.Tax,
		ExpiresAt: in.ExpiresAt,
		Notes:     in.Notes,
		Items:     in.Items,
	}
	for i, item := range budget.Items {
		item.Position = i + 1
	}
	if err := budget.Recalculate(); err != nil {
		return nil, err
	}

	err := e.runTx(ctx, func(ctx context.Context) error {
		plan, err := e.plans.GetForUpdate(ctx, in.PlanID)
		if err != nil {
			return err
		}
		if plan.State == PlanCancelled || plan.State == PlanCompleted {
			return apierr.InvalidState("cannot budget a " + plan.State + " plan")
		}

		now := e.now()
		n, err := e.codes.Next(ctx, codeBudget, now)
		if err != nil {
			return err
		}
		budget.Code = FormatCode(codeBudget, now, n)
		return e.budgets.Create(ctx, budget)
	})
	if err != nil {
		return nil, err
	}
	return budget, nil
}

// GetBudget returns a budget, lazily expiring it when its validity date has
// passed. Expiry is checked on read and write, never by a scheduler.
func (e *Engine) GetBudget(ctx context.Context, id uuid.UUID) (*Budget, error) {
	b, err := e.budgets.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if !b.ExpiredAt(e.now()) {
		return b, nil
	}
	err = e.runTx(ctx, func(ctx context.Context) error {
		locked, err := e.budgets.GetForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if locked.ExpiredAt(e.now()) {
			locked.State = BudgetExpired
			if err := e.budgets.Update(ctx, locked); err != nil {
				return err
			}
		}
		b = locked
		return nil
	})
	return b, err
}

func (e *Engine) ListBudgetsByPlan(ctx context.Context, planID uuid.UUID) ([]*Budget, error) {
	return e.budgets.ListByPlan(ctx, planID)
}

// ListPendingBudgets lists budgets still awaiting a decision. The repository
// excludes budgets past their validity date, so the total matches the pages;
// their stored state flips to expired when they are next read individually.
func (e *Engine) ListPendingBudgets(ctx context.Context, limit, offset int) ([]*Budget, int, error) {
	return e.budgets.ListPending(ctx, limit, offset)
}

// ApproveBudget approves a pending budget and, when the plan is still draft,
// advances the plan to approved as a side effect. Approving a budget of a
// cancelled plan transitions the budget only; the plan is left untouched.
func (e *Engine) ApproveBudget(ctx context.Context, id uuid.UUID, approver string, notes *string) (*Budget, error) {
	if approver == "" {
		return nil, apierr.FieldError("approved_by", "is required")
	}
	var budget *Budget
	err := e.runTx(ctx, func(ctx context.Context) error {
		b, err := e.budgets.GetByID(ctx, id)
		if err != nil {
			return err
		}
		// Plan lock first, then budget lock. Every budget transition
		// follows this order, which keeps deadlocks out.
		plan, err := e.plans.GetForUpdate(ctx, b.PlanID)
		if err != nil {
			return err
		}
		if b, err = e.budgets.GetForUpdate(ctx, id); err != nil {
			return err
		}

		now := e.now()
		if b.ExpiredAt(now) {
			b.State = BudgetExpired
			if err := e.budgets.Update(ctx, b); err != nil {
				return err
			}
			return apierr.InvalidState("budget has expired")
		}
		if b.Resolved() {
			return apierr.InvalidState("budget is already " + b.State)
		}

		b.State = BudgetApproved
		b.ApprovedBy = &approver
		b.ApprovedAt = &now
		if notes != nil {
			b.Notes = notes
		}
		if err := e.budgets.Update(ctx, b); err != nil {
			return err
		}

		if plan.State == PlanDraft {
			plan.State = PlanApproved
			plan.ApprovedAt = &now
			if err := e.plans.Update(ctx, plan); err != nil {
				return err
			}
		}
		budget = b
		return nil
	})
	return budget, err
}

// RejectBudget rejects a pending budget. The reason is mandatory and the
// plan is never affected.
func (e *Engine) RejectBudget(ctx context.Context, id uuid.UUID, reason string) (*Budget, error) {
	if reason == "" {
		return nil, apierr.FieldError("reason", "is required")
	}
	var budget *Budget
	err := e.runTx(ctx, func(ctx context.Context) error {
		b, err := e.budgets.GetForUpdate(ctx, id)
		if err != nil {
			return err
		}
		now := e.now()
		if b.ExpiredAt(now) {
			b.State = BudgetExpired
			if err := e.budgets.Update(ctx, b); err != nil {
				return err
			}
			return apierr.InvalidState("budget has expired")
		}
		if b.Resolved() {
			return apierr.InvalidState("budget is already " + b.State)
		}
		b.State = BudgetRejected
		b.RejectionReason = &reason
		if err := e.budgets.Update(ctx, b); err != nil {
			return err
		}
		budget = b
		return nil
	})
	return budget, err
}

// ---- procedures ----

func (e *Engine) GetProcedure(ctx context.Context, id uuid.UUID) (*Procedure, error) {
	return e.procedures.GetByID(ctx, id)
}

func (e *Engine) ListProceduresByPlan(ctx context.Context, planID uuid.UUID) ([]*Procedure, error) {
	return e.procedures.ListByPlan(ctx, planID)
}

// StartProcedure moves a pending procedure to in_progress and, the first
// time work starts on an approved plan, moves the plan to in_progress.
func (e *Engine) StartProcedure(ctx context.Context, id uuid.UUID, sessionID *uuid.UUID) (*Procedure, error) {
	var proc *Procedure
	err := e.runTx(ctx, func(ctx context.Context) error {
		p, err := e.procedures.GetByID(ctx, id)
		if err != nil {
			return err
		}
		plan, err := e.plans.GetForUpdate(ctx, p.PlanID)
		if err != nil {
			return err
		}
		if p, err = e.procedures.GetByID(ctx, id); err != nil {
			return err
		}
		if p.State != ProcedurePending {
			return apierr.InvalidState("procedure is " + p.State + ", not pending")
		}
		p.State = ProcedureInProgress
		p.SessionID = sessionID
		if err := e.procedures.Update(ctx, p); err != nil {
			return err
		}
		if plan.State == PlanApproved {
			plan.State = PlanInProgress
			now := e.now()
			plan.StartedAt = &now
			if err := e.plans.Update(ctx, plan); err != nil {
				return err
			}
		}
		proc = p
		return nil
	})
	return proc, err
}

// CompleteProcedureInput carries the clinical outcome of a procedure.
type CompleteProcedureInput struct {
	RealCost      *decimal.Decimal `json:"real_cost,omitempty"`
	Notes         *string          `json:"notes,omitempty"`
	Complications *string          `json:"complications,omitempty"`
}

// CompleteProcedure marks a procedure completed and, when the plan has no
// open procedures left, completes the plan. Both writes happen inside one
// transaction under the plan's row lock, so two concurrent completions of the
// last procedures resolve to exactly one plan completion.
func (e *Engine) CompleteProcedure(ctx context.Context, id uuid.UUID, in CompleteProcedureInput) (*Procedure, error) {
	if in.RealCost != nil && in.RealCost.IsNegative() {
		return nil, apierr.FieldError("real_cost", "must not be negative")
	}
	var proc *Procedure
	err := e.runTx(ctx, func(ctx context.Context) error {
		p, err := e.procedures.GetByID(ctx, id)
		if err != nil {
			return err
		}
		plan, err := e.plans.GetForUpdate(ctx, p.PlanID)
		if err != nil {
			return err
		}
		// Re-read after taking the lock; another request may have
		// completed this procedure while we waited.
		if p, err = e.procedures.GetByID(ctx, id); err != nil {
			return err
		}
		if !p.Open() {
			return apierr.InvalidState("procedure is already " + p.State)
		}

		now := e.now()
		p.State = ProcedureCompleted
		p.CompletedAt = &now
		if in.RealCost != nil {
			p.RealCost = in.RealCost
		}
		if in.Notes != nil {
			p.Notes = in.Notes
		}
		if in.Complications != nil {
			p.Complications = in.Complications
		}
		if err := e.procedures.Update(ctx, p); err != nil {
			return err
		}

		if err := e.completePlanIfDone(ctx, plan, now); err != nil {
			return err
		}
		proc = p
		return nil
	})
	return proc, err
}

// CancelProcedure cancels an open procedure. Cancelled procedures no longer
// hold the plan open, so the completion check runs here too.
func (e *Engine) CancelProcedure(ctx context.Context, id uuid.UUID) (*Procedure, error) {
	var proc *Procedure
	err := e.runTx(ctx, func(ctx context.Context) error {
		p, err := e.procedures.GetByID(ctx, id)
		if err != nil {
			return err
		}
		plan, err := e.plans.GetForUpdate(ctx, p.PlanID)
		if err != nil {
			return err
		}
		if p, err = e.procedures.GetByID(ctx, id); err != nil {
			return err
		}
		if !p.Open() {
			return apierr.InvalidState("procedure is already " + p.State)
		}
		p.State = ProcedureCancelled
		if err := e.procedures.Update(ctx, p); err != nil {
			return err
		}
		if err := e.completePlanIfDone(ctx, plan, e.now()); err != nil {
			return err
		}
		proc = p
		return nil
	})
	return proc, err
}

// completePlanIfDone transitions the plan to completed when no open
// procedures remain. Idempotent: a plan already completed is left alone.
// Caller must hold the plan's row lock.
func (e *Engine) completePlanIfDone(ctx context.Context, plan *TreatmentPlan, now time.Time) error {
	if plan.State != PlanApproved && plan.State != PlanInProgress {
		return nil
	}
	open, err := e.procedures.CountOpenByPlan(ctx, plan.ID)
	if err != nil {
		return err
	}
	if open > 0 {
		return nil
	}
	plan.State = PlanCompleted
	plan.CompletedAt = &now
	return e.plans.Update(ctx, plan)
}

// ---- payments ----

// CreatePaymentInput records money applied toward a plan.
type CreatePaymentInput struct {
	PlanID        uuid.UUID       `json:"plan_id"`
	BudgetID      *uuid.UUID      `json:"budget_id,omitempty"`
	Amount        decimal.Decimal `json:"amount"`
	Method        string          `json:"method"`
	ReceiptNumber *string         `json:"receipt_number,omitempty"`
	Notes         *string         `json:"notes,omitempty"`
}

// CreatePayment records a payment against a plan. Card payments are created
// pending with a gateway intent and complete only through ConfirmPayment;
// every other method completes immediately.
func (e *Engine) CreatePayment(ctx context.Context, in CreatePaymentInput) (*PaymentRecord, error) {
	v := apierr.NewValidation()
	if in.PlanID == uuid.Nil {
		v.Add("plan_id", "is required")
	}
	if !in.Amount.IsPositive() {
		v.Add("amount", "must be positive")
	}
	if !validMethods[in.Method] {
		v.Add("method", "must be one of cash, card, transfer, check, qr")
	}
	if receiptRequired[in.Method] && (in.ReceiptNumber == nil || *in.ReceiptNumber == "") {
		v.Add("receipt_number", "is required for "+in.Method+" payments")
	}
	if err := v.Err(); err != nil {
		return nil, err
	}

	recordedBy := auth.UserNameFromContext(ctx)
	if recordedBy == "" {
		recordedBy = auth.UserIDFromContext(ctx)
	}

	var payment *PaymentRecord
	err := e.runTx(ctx, func(ctx context.Context) error {
		plan, err := e.plans.GetForUpdate(ctx, in.PlanID)
		if err != nil {
			return err
		}
		switch plan.State {
		case PlanApproved, PlanInProgress, PlanCompleted:
		default:
			return apierr.InvalidState("payments cannot be recorded against a " + plan.State + " plan")
		}

		if in.BudgetID != nil {
			budget, err := e.budgets.GetByID(ctx, *in.BudgetID)
			if err != nil {
				return err
			}
			if budget.PlanID != plan.ID {
				return apierr.FieldError("budget_id", "budget belongs to a different plan")
			}
			if budget.State != BudgetApproved {
				return apierr.InvalidState("linked budget is " + budget.State + ", not approved")
			}
		}

		now := e.now()
		n, err := e.codes.Next(ctx, codePayment, now)
		if err != nil {
			return err
		}
		payment = &PaymentRecord{
			Code:          FormatCode(codePayment, now, n),
			PlanID:        in.PlanID,
			BudgetID:      in.BudgetID,
			Amount:        in.Amount,
			Method:        in.Method,
			ReceiptNumber: in.ReceiptNumber,
			Notes:         in.Notes,
			RecordedBy:    recordedBy,
		}

		if in.Method == MethodCard {
			intent, err := e.gateway.CreateIntent(ctx, gateway.IntentRequest{
				Amount:      in.Amount,
				Currency:    e.currency,
				Description: "payment " + payment.Code,
				Reference:   payment.Code,
			})
			if err != nil {
				return err
			}
			payment.State = PaymentPending
			payment.GatewayIntentID = &intent.ID
		} else {
			payment.State = PaymentCompleted
			payment.PaidAt = &now
		}
		return e.payments.Create(ctx, payment)
	})
	if err != nil {
		return nil, err
	}
	return payment, nil
}

// ConfirmPayment asks the gateway for the outcome of a pending card payment.
// This is the only path from pending to completed. Confirming an already
// completed payment returns it unchanged; a declined confirmation leaves the
// payment pending so the clinic can retry or void it.
func (e *Engine) ConfirmPayment(ctx context.Context, id uuid.UUID) (*PaymentRecord, error) {
	var payment *PaymentRecord
	err := e.runTx(ctx, func(ctx context.Context) error {
		p, err := e.payments.GetForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if p.State == PaymentCompleted {
			payment = p
			return nil
		}
		if p.State != PaymentPending {
			return apierr.InvalidState("payment is " + p.State + " and cannot be confirmed")
		}
		if p.GatewayIntentID == nil {
			return apierr.InvalidState("payment has no gateway intent to confirm")
		}

		outcome, err := e.gateway.Confirm(ctx, *p.GatewayIntentID)
		if err != nil {
			return err
		}
		if !outcome.Succeeded {
			return apierr.Conflict("payment was declined by the processor")
		}

		p.State = PaymentCompleted
		p.PaidAt = &outcome.ConfirmedAt
		p.TransactionNumber = &outcome.ProcessorID
		if err := e.payments.Update(ctx, p); err != nil {
			return err
		}
		payment = p
		return nil
	})
	return payment, err
}

// VoidPayment cancels a payment with a mandatory reason. Cancellation is
// terminal; voided payments never count toward paid totals.
func (e *Engine) VoidPayment(ctx context.Context, id uuid.UUID, reason string) (*PaymentRecord, error) {
	if reason == "" {
		return nil, apierr.FieldError("reason", "is required")
	}
	var payment *PaymentRecord
	err := e.runTx(ctx, func(ctx context.Context) error {
		p, err := e.payments.GetForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if p.State == PaymentCancelled || p.State == PaymentRefunded {
			return apierr.InvalidState("payment is already " + p.State)
		}
		p.State = PaymentCancelled
		p.VoidReason = &reason
		if err := e.payments.Update(ctx, p); err != nil {
			return err
		}
		payment = p
		return nil
	})
	return payment, err
}

func (e *Engine) GetPayment(ctx context.Context, id uuid.UUID) (*PaymentRecord, error) {
	return e.payments.GetByID(ctx, id)
}

func (e *Engine) ListPaymentsByPlan(ctx context.Context, planID uuid.UUID) ([]*PaymentRecord, error) {
	return e.payments.ListByPlan(ctx, planID)
}

func (e *Engine) PaymentStats(ctx context.Context) (*PaymentStats, error) {
	return e.payments.Stats(ctx)
}

// PaymentSummary is the financial position of one plan. Balance is clamped
// to zero for display; RawBalance keeps the signed value for audit and is
// never rendered to callers.
type PaymentSummary struct {
	PlanID      uuid.UUID       `json:"plan_id"`
	BudgetTotal decimal.Decimal `json:"budget_total"`
	TotalPaid   decimal.Decimal `json:"total_paid"`
	Balance     decimal.Decimal `json:"balance"`
	RawBalance  decimal.Decimal `json:"-"`
}

// Summary computes the plan's outstanding balance against its approved
// budget. A plan without an approved budget reports a zero budget total.
func (e *Engine) Summary(ctx context.Context, planID uuid.UUID) (*PaymentSummary, error) {
	if _, err := e.plans.GetByID(ctx, planID); err != nil {
		return nil, err
	}

	budgetTotal := decimal.Zero
	budget, err := e.budgets.ApprovedByPlan(ctx, planID)
	switch {
	case err == nil:
		budgetTotal = budget.Total
	case apierr.IsNotFound(err):
	default:
		return nil, err
	}

	paid, err := e.payments.TotalPaid(ctx, planID)
	if err != nil {
		return nil, err
	}

	raw := budgetTotal.Sub(paid)
	balance := raw
	if balance.IsNegative() {
		balance = decimal.Zero
	}
	return &PaymentSummary{
		PlanID:      planID,
		BudgetTotal: budgetTotal,
		TotalPaid:   paid,
		Balance:     balance,
		RawBalance:  raw,
	}, nil
}

// ---- sessions ----

// CreateSessionInput schedules a sitting for a plan.
type CreateSessionInput struct {
	PlanID      uuid.UUID `json:"plan_id"`
	ScheduledAt time.Time `json:"scheduled_at"`
}

// CreateSession schedules the plan's next sitting. Session numbers are
// assigned under the plan's row lock so they are strictly increasing even
// under concurrent creation.
func (e *Engine) CreateSession(ctx context.Context, in CreateSessionInput) (*TreatmentSession, error) {
	v := apierr.NewValidation()
	if in.PlanID == uuid.Nil {
		v.Add("plan_id", "is required")
	}
	if in.ScheduledAt.IsZero() {
		v.Add("scheduled_at", "is required")
	}
	if err := v.Err(); err != nil {
		return nil, err
	}

	var session *TreatmentSession
	err := e.runTx(ctx, func(ctx context.Context) error {
		plan, err := e.plans.GetForUpdate(ctx, in.PlanID)
		if err != nil {
			return err
		}
		if plan.State == PlanCancelled || plan.State == PlanCompleted {
			return apierr.InvalidState("cannot schedule sessions for a " + plan.State + " plan")
		}

		max, err := e.sessions.MaxSessionNumber(ctx, in.PlanID)
		if err != nil {
			return err
		}
		now := e.now()
		n, err := e.codes.Next(ctx, codeSession, now)
		if err != nil {
			return err
		}
		session = &TreatmentSession{
			Code:          FormatCode(codeSession, now, n),
			PlanID:        in.PlanID,
			SessionNumber: max + 1,
			State:         SessionScheduled,
			ScheduledAt:   in.ScheduledAt,
		}
		return e.sessions.Create(ctx, session)
	})
	if err != nil {
		return nil, err
	}
	return session, nil
}

func (e *Engine) ListSessionsByPlan(ctx context.Context, planID uuid.UUID) ([]*TreatmentSession, error) {
	return e.sessions.ListByPlan(ctx, planID)
}

// StartSession opens a scheduled sitting.
func (e *Engine) StartSession(ctx context.Context, id uuid.UUID) (*TreatmentSession, error) {
	return e.transitionSession(ctx, id, SessionScheduled, func(s *TreatmentSession, now time.Time) {
		s.State = SessionInCourse
		s.StartedAt = &now
	})
}

// CompleteSessionInput closes a sitting with clinical follow-up notes.
type CompleteSessionInput struct {
	Recommendations *string    `json:"recommendations,omitempty"`
	NextSessionAt   *time.Time `json:"next_session_at,omitempty"`
}

func (e *Engine) CompleteSession(ctx context.Context, id uuid.UUID, in CompleteSessionInput) (*TreatmentSession, error) {
	return e.transitionSession(ctx, id, SessionInCourse, func(s *TreatmentSession, now time.Time) {
		s.State = SessionCompleted
		s.EndedAt = &now
		s.Recommendations = in.Recommendations
		s.NextSessionAt = in.NextSessionAt
	})
}

func (e *Engine) CancelSession(ctx context.Context, id uuid.UUID) (*TreatmentSession, error) {
	return e.transitionSession(ctx, id, SessionScheduled, func(s *TreatmentSession, _ time.Time) {
		s.State = SessionCancelled
	})
}

func (e *Engine) transitionSession(ctx context.Context, id uuid.UUID, from string, apply func(*TreatmentSession, time.Time)) (*TreatmentSession, error) {
	var session *TreatmentSession
	err := e.runTx(ctx, func(ctx context.Context) error {
		s, err := e.sessions.GetByID(ctx, id)
		if err != nil {
			return err
		}
		if _, err := e.plans.GetForUpdate(ctx, s.PlanID); err != nil {
			return err
		}
		if s, err = e.sessions.GetByID(ctx, id); err != nil {
			return err
		}
		if s.State != from {
			return apierr.InvalidState("session is " + s.State + ", not " + from)
		}
		apply(s, e.now())
		if err := e.sessions.Update(ctx, s); err != nil {
			return err
		}
		session = s
		return nil
	})
	return session, err
}
