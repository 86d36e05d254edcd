package treatment

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/odonto/odonto/internal/platform/apierr"
	"github.com/odonto/odonto/internal/platform/db"
)

type queryable interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

func conn(ctx context.Context, pool *pgxpool.Pool) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	if c := db.ConnFromContext(ctx); c != nil {
		return c
	}
	return pool
}

func mapPGError(err error, what string) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return apierr.NotFound(what)
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23505":
			return apierr.DuplicateKey(what + " already exists")
		case "23503":
			return apierr.Conflict(what + " is referenced by other records")
		}
	}
	return err
}

// ---- plans ----

type planRepoPG struct{ pool *pgxpool.Pool }

func NewPlanRepoPG(pool *pgxpool.Pool) PlanRepository { return &planRepoPG{pool: pool} }

const planCols = `id, code, patient_id, dentist_id, description, diagnosis, state,
	estimated_duration_days, approved_at, started_at, completed_at, created_at, updated_at`

func scanPlan(row pgx.Row) (*TreatmentPlan, error) {
	var p TreatmentPlan
	err := row.Scan(&p.ID, &p.Code, &p.PatientID, &p.DentistID, &p.Description, &p.Diagnosis,
		&p.State, &p.EstimatedDuration, &p.ApprovedAt, &p.StartedAt, &p.CompletedAt,
		&p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, mapPGError(err, "treatment plan")
	}
	return &p, nil
}

func (r *planRepoPG) Create(ctx context.Context, p *TreatmentPlan) error {
	p.ID = uuid.New()
	_, err := conn(ctx, r.pool).Exec(ctx, `
		INSERT INTO treatment_plans (id, code, patient_id, dentist_id, description, diagnosis,
			state, estimated_duration_days)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
		p.ID, p.Code, p.PatientID, p.DentistID, p.Description, p.Diagnosis,
		p.State, p.EstimatedDuration)
	return mapPGError(err, "treatment plan")
}

func (r *planRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*TreatmentPlan, error) {
	return scanPlan(conn(ctx, r.pool).QueryRow(ctx,
		`SELECT `+planCols+` FROM treatment_plans WHERE id = $1`, id))
}

func (r *planRepoPG) GetForUpdate(ctx context.Context, id uuid.UUID) (*TreatmentPlan, error) {
	return scanPlan(conn(ctx, r.pool).QueryRow(ctx,
		`SELECT `+planCols+` FROM treatment_plans WHERE id = $1 FOR UPDATE`, id))
}

func (r *planRepoPG) ListByPatient(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]*TreatmentPlan, int, error) {
	var total int
	if err := conn(ctx, r.pool).QueryRow(ctx,
		`SELECT COUNT(*) FROM treatment_plans WHERE patient_id = $1`, patientID).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := conn(ctx, r.pool).Query(ctx,
		`SELECT `+planCols+` FROM treatment_plans WHERE patient_id = $1
		 ORDER BY created_at DESC LIMIT $2 OFFSET $3`, patientID, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	return collectPlans(rows, total)
}

func (r *planRepoPG) List(ctx context.Context, limit, offset int) ([]*TreatmentPlan, int, error) {
	var total int
	if err := conn(ctx, r.pool).QueryRow(ctx, `SELECT COUNT(*) FROM treatment_plans`).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := conn(ctx, r.pool).Query(ctx,
		`SELECT `+planCols+` FROM treatment_plans ORDER BY created_at DESC LIMIT $1 OFFSET $2`, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	return collectPlans(rows, total)
}

func collectPlans(rows pgx.Rows, total int) ([]*TreatmentPlan, int, error) {
	var plans []*TreatmentPlan
	for rows.Next() {
		p, err := scanPlan(rows)
		if err != nil {
			return nil, 0, err
		}
		plans = append(plans, p)
	}
	return plans, total, rows.Err()
}

func (r *planRepoPG) Update(ctx context.Context, p *TreatmentPlan) error {
	tag, err := conn(ctx, r.pool).Exec(ctx, `
		UPDATE treatment_plans
		SET dentist_id = $2, description = $3, diagnosis = $4, state = $5,
			estimated_duration_days = $6, approved_at = $7, started_at = $8,
			completed_at = $9, updated_at = NOW()
		WHERE id = $1`,
		p.ID, p.DentistID, p.Description, p.Diagnosis, p.State,
		p.EstimatedDuration, p.ApprovedAt, p.StartedAt, p.CompletedAt)
	if err != nil {
		return mapPGError(err, "treatment plan")
	}
	if tag.RowsAffected() == 0 {
		return apierr.NotFound("treatment plan")
	}
	return nil
}

func (r *planRepoPG) Delete(ctx context.Context, id uuid.UUID) error {
	tag, err := conn(ctx, r.pool).Exec(ctx, `DELETE FROM treatment_plans WHERE id = $1`, id)
	if err != nil {
		return mapPGError(err, "treatment plan")
	}
	if tag.RowsAffected() == 0 {
		return apierr.NotFound("treatment plan")
	}
	return nil
}

// ---- budgets ----

type budgetRepoPG struct{ pool *pgxpool.Pool }

func NewBudgetRepoPG(pool *pgxpool.Pool) BudgetRepository { return &budgetRepoPG{pool: pool} }

const budgetCols = `id, code, plan_id, state, subtotal, discount, tax, total,
	approved_by, approved_at, rejection_reason, expires_at, notes, created_at, updated_at`

func scanBudget(row pgx.Row) (*Budget, error) {
	var b Budget
	err := row.Scan(&b.ID, &b.Code, &b.PlanID, &b.State, &b.Subtotal, &b.Discount, &b.Tax,
		&b.Total, &b.ApprovedBy, &b.ApprovedAt, &b.RejectionReason, &b.ExpiresAt, &b.Notes,
		&b.CreatedAt, &b.UpdatedAt)
	if err != nil {
		return nil, mapPGError(err, "budget")
	}
	return &b, nil
}

func (r *budgetRepoPG) Create(ctx context.Context, b *Budget) error {
	b.ID = uuid.New()
	q := conn(ctx, r.pool)
	_, err := q.Exec(ctx, `
		INSERT INTO budgets (id, code, plan_id, state, subtotal, discount, tax, total,
			expires_at, notes)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
		b.ID, b.Code, b.PlanID, b.State, b.Subtotal, b.Discount, b.Tax, b.Total,
		b.ExpiresAt, b.Notes)
	if err != nil {
		return mapPGError(err, "budget")
	}
	for i, item := range b.Items {
		item.ID = uuid.New()
		item.BudgetID = b.ID
		item.Position = i + 1
		if _, err := q.Exec(ctx, `
			INSERT INTO budget_items (id, budget_id, service_id, description, quantity,
				unit_price, item_discount, tooth, position, total)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
			item.ID, item.BudgetID, item.ServiceID, item.Description, item.Quantity,
			item.UnitPrice, item.ItemDiscount, item.Tooth, item.Position, item.Total); err != nil {
			return mapPGError(err, "budget item")
		}
	}
	return nil
}

func (r *budgetRepoPG) loadItems(ctx context.Context, budgetID uuid.UUID) ([]*BudgetItem, error) {
	rows, err := conn(ctx, r.pool).Query(ctx, `
		SELECT id, budget_id, service_id, description, quantity, unit_price, item_discount,
			tooth, position, total
		FROM budget_items WHERE budget_id = $1 ORDER BY position`, budgetID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []*BudgetItem
	for rows.Next() {
		var it BudgetItem
		if err := rows.Scan(&it.ID, &it.BudgetID, &it.ServiceID, &it.Description, &it.Quantity,
			&it.UnitPrice, &it.ItemDiscount, &it.Tooth, &it.Position, &it.Total); err != nil {
			return nil, err
		}
		items = append(items, &it)
	}
	return items, rows.Err()
}

func (r *budgetRepoPG) getBudget(ctx context.Context, id uuid.UUID, forUpdate bool) (*Budget, error) {
	query := `SELECT ` + budgetCols + ` FROM budgets WHERE id = $1`
	if forUpdate {
		query += ` FOR UPDATE`
	}
	b, err := scanBudget(conn(ctx, r.pool).QueryRow(ctx, query, id))
	if err != nil {
		return nil, err
	}
	if b.Items, err = r.loadItems(ctx, id); err != nil {
		return nil, err
	}
	return b, nil
}

func (r *budgetRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Budget, error) {
	return r.getBudget(ctx, id, false)
}

func (r *budgetRepoPG) GetForUpdate(ctx context.Context, id uuid.UUID) (*Budget, error) {
	return r.getBudget(ctx, id, true)
}

func (r *budgetRepoPG) ListByPlan(ctx context.Context, planID uuid.UUID) ([]*Budget, error) {
	rows, err := conn(ctx, r.pool).Query(ctx,
		`SELECT `+budgetCols+` FROM budgets WHERE plan_id = $1 ORDER BY created_at`, planID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var budgets []*Budget
	for rows.Next() {
		b, err := scanBudget(rows)
		if err != nil {
			return nil, err
		}
		budgets = append(budgets, b)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for _, b := range budgets {
		if b.Items, err = r.loadItems(ctx, b.ID); err != nil {
			return nil, err
		}
	}
	return budgets, nil
}

func (r *budgetRepoPG) ListPending(ctx context.Context, limit, offset int) ([]*Budget, int, error) {
	// Budgets past their validity date are still pending in storage until
	// the next read flips them; exclude them here so the count and the page
	// agree.
	const pendingFilter = `state = 'pending' AND (expires_at IS NULL OR expires_at > NOW())`
	var total int
	if err := conn(ctx, r.pool).QueryRow(ctx,
		`SELECT COUNT(*) FROM budgets WHERE `+pendingFilter).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := conn(ctx, r.pool).Query(ctx,
		`SELECT `+budgetCols+` FROM budgets WHERE `+pendingFilter+`
		 ORDER BY created_at LIMIT $1 OFFSET $2`, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var budgets []*Budget
	for rows.Next() {
		b, err := scanBudget(rows)
		if err != nil {
			return nil, 0, err
		}
		budgets = append(budgets, b)
	}
	return budgets, total, rows.Err()
}

// ApprovedByPlan returns the plan's approved budget. A plan can end up with
// more than one approved budget, so the most recently approved one wins.
func (r *budgetRepoPG) ApprovedByPlan(ctx context.Context, planID uuid.UUID) (*Budget, error) {
	b, err := scanBudget(conn(ctx, r.pool).QueryRow(ctx,
		`SELECT `+budgetCols+` FROM budgets WHERE plan_id = $1 AND state = 'approved'
		 ORDER BY approved_at DESC LIMIT 1`, planID))
	if err != nil {
		return nil, err
	}
	if b.Items, err = r.loadItems(ctx, b.ID); err != nil {
		return nil, err
	}
	return b, nil
}

func (r *budgetRepoPG) Update(ctx context.Context, b *Budget) error {
	tag, err := conn(ctx, r.pool).Exec(ctx, `
		UPDATE budgets
		SET state = $2, subtotal = $3, discount = $4, tax = $5, total = $6,
			approved_by = $7, approved_at = $8, rejection_reason = $9, expires_at = $10,
			notes = $11, updated_at = NOW()
		WHERE id = $1`,
		b.ID, b.State, b.Subtotal, b.Discount, b.Tax, b.Total,
		b.ApprovedBy, b.ApprovedAt, b.RejectionReason, b.ExpiresAt, b.Notes)
	if err != nil {
		return mapPGError(err, "budget")
	}
	if tag.RowsAffected() == 0 {
		return apierr.NotFound("budget")
	}
	return nil
}

// ---- procedures ----

type procedureRepoPG struct{ pool *pgxpool.Pool }

func NewProcedureRepoPG(pool *pgxpool.Pool) ProcedureRepository { return &procedureRepoPG{pool: pool} }

const procedureCols = `id, plan_id, service_id, dentist_id, session_id, description, tooth, state,
	planned_date, completed_at, duration_minutes, estimated_cost, real_cost, notes,
	complications, created_at, updated_at`

func scanProcedure(row pgx.Row) (*Procedure, error) {
	var p Procedure
	err := row.Scan(&p.ID, &p.PlanID, &p.ServiceID, &p.DentistID, &p.SessionID, &p.Description,
		&p.Tooth, &p.State, &p.PlannedDate, &p.CompletedAt, &p.DurationMinutes,
		&p.EstimatedCost, &p.RealCost, &p.Notes, &p.Complications, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, mapPGError(err, "procedure")
	}
	return &p, nil
}

func (r *procedureRepoPG) Create(ctx context.Context, p *Procedure) error {
	p.ID = uuid.New()
	_, err := conn(ctx, r.pool).Exec(ctx, `
		INSERT INTO procedures (id, plan_id, service_id, dentist_id, session_id, description,
			tooth, state, planned_date, duration_minutes, estimated_cost, notes)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)`,
		p.ID, p.PlanID, p.ServiceID, p.DentistID, p.SessionID, p.Description,
		p.Tooth, p.State, p.PlannedDate, p.DurationMinutes, p.EstimatedCost, p.Notes)
	return mapPGError(err, "procedure")
}

func (r *procedureRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Procedure, error) {
	return scanProcedure(conn(ctx, r.pool).QueryRow(ctx,
		`SELECT `+procedureCols+` FROM procedures WHERE id = $1`, id))
}

func (r *procedureRepoPG) ListByPlan(ctx context.Context, planID uuid.UUID) ([]*Procedure, error) {
	rows, err := conn(ctx, r.pool).Query(ctx,
		`SELECT `+procedureCols+` FROM procedures WHERE plan_id = $1 ORDER BY created_at`, planID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var procedures []*Procedure
	for rows.Next() {
		p, err := scanProcedure(rows)
		if err != nil {
			return nil, err
		}
		procedures = append(procedures, p)
	}
	return procedures, rows.Err()
}

func (r *procedureRepoPG) Update(ctx context.Context, p *Procedure) error {
	tag, err := conn(ctx, r.pool).Exec(ctx, `
		UPDATE procedures
		SET dentist_id = $2, session_id = $3, description = $4, tooth = $5, state = $6,
			planned_date = $7, completed_at = $8, duration_minutes = $9, estimated_cost = $10,
			real_cost = $11, notes = $12, complications = $13, updated_at = NOW()
		WHERE id = $1`,
		p.ID, p.DentistID, p.SessionID, p.Description, p.Tooth, p.State,
		p.PlannedDate, p.CompletedAt, p.DurationMinutes, p.EstimatedCost,
		p.RealCost, p.Notes, p.Complications)
	if err != nil {
		return mapPGError(err, "procedure")
	}
	if tag.RowsAffected() == 0 {
		return apierr.NotFound("procedure")
	}
	return nil
}

func (r *procedureRepoPG) CountOpenByPlan(ctx context.Context, planID uuid.UUID) (int, error) {
	var n int
	err := conn(ctx, r.pool).QueryRow(ctx, `
		SELECT COUNT(*) FROM procedures
		WHERE plan_id = $1 AND state IN ('pending', 'in_progress')`, planID).Scan(&n)
	return n, err
}

// ---- payments ----

type paymentRepoPG struct{ pool *pgxpool.Pool }

func NewPaymentRepoPG(pool *pgxpool.Pool) PaymentRepository { return &paymentRepoPG{pool: pool} }

const paymentCols = `id, code, plan_id, budget_id, amount, method, state, paid_at,
	receipt_number, transaction_number, gateway_intent_id, void_reason, notes,
	recorded_by, created_at, updated_at`

func scanPayment(row pgx.Row) (*PaymentRecord, error) {
	var p PaymentRecord
	err := row.Scan(&p.ID, &p.Code, &p.PlanID, &p.BudgetID, &p.Amount, &p.Method, &p.State,
		&p.PaidAt, &p.ReceiptNumber, &p.TransactionNumber, &p.GatewayIntentID, &p.VoidReason,
		&p.Notes, &p.RecordedBy, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, mapPGError(err, "payment")
	}
	return &p, nil
}

func (r *paymentRepoPG) Create(ctx context.Context, p *PaymentRecord) error {
	p.ID = uuid.New()
	_, err := conn(ctx, r.pool).Exec(ctx, `
		INSERT INTO payments (id, code, plan_id, budget_id, amount, method, state, paid_at,
			receipt_number, transaction_number, gateway_intent_id, notes, recorded_by)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)`,
		p.ID, p.Code, p.PlanID, p.BudgetID, p.Amount, p.Method, p.State, p.PaidAt,
		p.ReceiptNumber, p.TransactionNumber, p.GatewayIntentID, p.Notes, p.RecordedBy)
	return mapPGError(err, "payment")
}

func (r *paymentRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*PaymentRecord, error) {
	return scanPayment(conn(ctx, r.pool).QueryRow(ctx,
		`SELECT `+paymentCols+` FROM payments WHERE id = $1`, id))
}

func (r *paymentRepoPG) GetForUpdate(ctx context.Context, id uuid.UUID) (*PaymentRecord, error) {
	return scanPayment(conn(ctx, r.pool).QueryRow(ctx,
		`SELECT `+paymentCols+` FROM payments WHERE id = $1 FOR UPDATE`, id))
}

func (r *paymentRepoPG) ListByPlan(ctx context.Context, planID uuid.UUID) ([]*PaymentRecord, error) {
	rows, err := conn(ctx, r.pool).Query(ctx,
		`SELECT `+paymentCols+` FROM payments WHERE plan_id = $1 ORDER BY created_at`, planID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var payments []*PaymentRecord
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, err
		}
		payments = append(payments, p)
	}
	return payments, rows.Err()
}

func (r *paymentRepoPG) Update(ctx context.Context, p *PaymentRecord) error {
	// Amount and method are immutable by design; the update statement only
	// touches state and trail fields.
	tag, err := conn(ctx, r.pool).Exec(ctx, `
		UPDATE payments
		SET state = $2, paid_at = $3, transaction_number = $4, gateway_intent_id = $5,
			void_reason = $6, notes = $7, updated_at = NOW()
		WHERE id = $1`,
		p.ID, p.State, p.PaidAt, p.TransactionNumber, p.GatewayIntentID, p.VoidReason, p.Notes)
	if err != nil {
		return mapPGError(err, "payment")
	}
	if tag.RowsAffected() == 0 {
		return apierr.NotFound("payment")
	}
	return nil
}

func (r *paymentRepoPG) TotalPaid(ctx context.Context, planID uuid.UUID) (decimal.Decimal, error) {
	var total decimal.Decimal
	err := conn(ctx, r.pool).QueryRow(ctx, `
		SELECT COALESCE(SUM(amount), 0) FROM payments
		WHERE plan_id = $1 AND state = 'completed'`, planID).Scan(&total)
	return total, err
}

func (r *paymentRepoPG) CountByPlan(ctx context.Context, planID uuid.UUID) (int, error) {
	var n int
	err := conn(ctx, r.pool).QueryRow(ctx,
		`SELECT COUNT(*) FROM payments WHERE plan_id = $1`, planID).Scan(&n)
	return n, err
}

func (r *paymentRepoPG) Stats(ctx context.Context) (*PaymentStats, error) {
	stats := &PaymentStats{
		ByState:  make(map[string]decimal.Decimal),
		ByMethod: make(map[string]decimal.Decimal),
	}

	rows, err := conn(ctx, r.pool).Query(ctx,
		`SELECT state, COUNT(*), COALESCE(SUM(amount), 0) FROM payments GROUP BY state`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var state string
		var count int
		var sum decimal.Decimal
		if err := rows.Scan(&state, &count, &sum); err != nil {
			return nil, err
		}
		stats.ByState[state] = sum
		stats.Count += count
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	mrows, err := conn(ctx, r.pool).Query(ctx, `
		SELECT method, COALESCE(SUM(amount), 0) FROM payments
		WHERE state = 'completed' GROUP BY method`)
	if err != nil {
		return nil, err
	}
	defer mrows.Close()
	for mrows.Next() {
		var method string
		var sum decimal.Decimal
		if err := mrows.Scan(&method, &sum); err != nil {
			return nil, err
		}
		stats.ByMethod[method] = sum
	}
	return stats, mrows.Err()
}

// ---- sessions ----

type sessionRepoPG struct{ pool *pgxpool.Pool }

func NewSessionRepoPG(pool *pgxpool.Pool) SessionRepository { return &sessionRepoPG{pool: pool} }

const sessionCols = `id, code, plan_id, session_number, state, scheduled_at, started_at,
	ended_at, recommendations, next_session_at, created_at, updated_at`

func scanSession(row pgx.Row) (*TreatmentSession, error) {
	var s TreatmentSession
	err := row.Scan(&s.ID, &s.Code, &s.PlanID, &s.SessionNumber, &s.State, &s.ScheduledAt,
		&s.StartedAt, &s.EndedAt, &s.Recommendations, &s.NextSessionAt, &s.CreatedAt, &s.UpdatedAt)
	if err != nil {
		return nil, mapPGError(err, "session")
	}
	return &s, nil
}

func (r *sessionRepoPG) Create(ctx context.Context, s *TreatmentSession) error {
	s.ID = uuid.New()
	_, err := conn(ctx, r.pool).Exec(ctx, `
		INSERT INTO treatment_sessions (id, code, plan_id, session_number, state, scheduled_at,
			recommendations, next_session_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
		s.ID, s.Code, s.PlanID, s.SessionNumber, s.State, s.ScheduledAt,
		s.Recommendations, s.NextSessionAt)
	return mapPGError(err, "session")
}

func (r *sessionRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*TreatmentSession, error) {
	return scanSession(conn(ctx, r.pool).QueryRow(ctx,
		`SELECT `+sessionCols+` FROM treatment_sessions WHERE id = $1`, id))
}

func (r *sessionRepoPG) ListByPlan(ctx context.Context, planID uuid.UUID) ([]*TreatmentSession, error) {
	rows, err := conn(ctx, r.pool).Query(ctx,
		`SELECT `+sessionCols+` FROM treatment_sessions WHERE plan_id = $1 ORDER BY session_number`, planID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []*TreatmentSession
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, s)
	}
	return sessions, rows.Err()
}

func (r *sessionRepoPG) Update(ctx context.Context, s *TreatmentSession) error {
	tag, err := conn(ctx, r.pool).Exec(ctx, `
		UPDATE treatment_sessions
		SET state = $2, scheduled_at = $3, started_at = $4, ended_at = $5,
			recommendations = $6, next_session_at = $7, updated_at = NOW()
		WHERE id = $1`,
		s.ID, s.State, s.ScheduledAt, s.StartedAt, s.EndedAt,
		s.Recommendations, s.NextSessionAt)
	if err != nil {
		return mapPGError(err, "session")
	}
	if tag.RowsAffected() == 0 {
		return apierr.NotFound("session")
	}
	return nil
}

func (r *sessionRepoPG) MaxSessionNumber(ctx context.Context, planID uuid.UUID) (int, error) {
	var n int
	err := conn(ctx, r.pool).QueryRow(ctx,
		`SELECT COALESCE(MAX(session_number), 0) FROM treatment_sessions WHERE plan_id = $1`, planID).Scan(&n)
	return n, err
}

// ---- code sequences ----

type codeSequencerPG struct{ pool *pgxpool.Pool }

// NewCodeSequencerPG returns the counter-table sequencer. Each (prefix,
// period) pair owns one row; Next locks it, increments it and returns the
// new value, so codes are strictly increasing as long as the caller holds
// the transaction open until the insert commits.
func NewCodeSequencerPG(pool *pgxpool.Pool) CodeSequencer { return &codeSequencerPG{pool: pool} }

func (r *codeSequencerPG) Next(ctx context.Context, prefix string, at time.Time) (int64, error) {
	period := at.Format("200601")
	q := conn(ctx, r.pool)

	if _, err := q.Exec(ctx, `
		INSERT INTO code_sequences (prefix, period, value)
		VALUES ($1, $2, 0)
		ON CONFLICT (prefix, period) DO NOTHING`, prefix, period); err != nil {
		return 0, err
	}

	var value int64
	err := q.QueryRow(ctx, `
		UPDATE code_sequences SET value = value + 1
		WHERE prefix = $1 AND period = $2
		RETURNING value`, prefix, period).Scan(&value)
	return value, err
}
