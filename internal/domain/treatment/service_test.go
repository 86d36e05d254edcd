package treatment

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/odonto/odonto/internal/domain/catalog"
	"github.com/odonto/odonto/internal/platform/apierr"
	"github.com/odonto/odonto/internal/platform/auth"
	"github.com/odonto/odonto/internal/platform/gateway"
)

// fixture is the shared in-memory store behind the mock repositories. The
// engine's runTx override takes fixture.mu for the duration of each
// transaction, which stands in for the plan row lock: transactions serialize
// exactly as they would against the database.
type fixture struct {
	mu         sync.Mutex
	plans      map[uuid.UUID]*TreatmentPlan
	budgets    map[uuid.UUID]*Budget
	procedures map[uuid.UUID]*Procedure
	payments   map[uuid.UUID]*PaymentRecord
	sessions   map[uuid.UUID]*TreatmentSession
	services   map[uuid.UUID]*catalog.Service
	seq        map[string]int64

	// completionWrites counts transitions of a plan into the completed
	// state, to catch duplicate completion-date writes.
	completionWrites int
}

func newFixture() *fixture {
	return &fixture{
		plans:      make(map[uuid.UUID]*TreatmentPlan),
		budgets:    make(map[uuid.UUID]*Budget),
		procedures: make(map[uuid.UUID]*Procedure),
		payments:   make(map[uuid.UUID]*PaymentRecord),
		sessions:   make(map[uuid.UUID]*TreatmentSession),
		services:   make(map[uuid.UUID]*catalog.Service),
		seq:        make(map[string]int64),
	}
}

type mockPlans struct{ f *fixture }

func (m *mockPlans) Create(_ context.Context, p *TreatmentPlan) error {
	p.ID = uuid.New()
	cp := *p
	m.f.plans[p.ID] = &cp
	return nil
}

func (m *mockPlans) GetByID(_ context.Context, id uuid.UUID) (*TreatmentPlan, error) {
	p, ok := m.f.plans[id]
	if !ok {
		return nil, apierr.NotFound("treatment plan")
	}
	cp := *p
	return &cp, nil
}

func (m *mockPlans) GetForUpdate(ctx context.Context, id uuid.UUID) (*TreatmentPlan, error) {
	return m.GetByID(ctx, id)
}

func (m *mockPlans) ListByPatient(_ context.Context, patientID uuid.UUID, limit, offset int) ([]*TreatmentPlan, int, error) {
	var out []*TreatmentPlan
	for _, p := range m.f.plans {
		if p.PatientID == patientID {
			out = append(out, p)
		}
	}
	return out, len(out), nil
}

func (m *mockPlans) List(_ context.Context, limit, offset int) ([]*TreatmentPlan, int, error) {
	var out []*TreatmentPlan
	for _, p := range m.f.plans {
		out = append(out, p)
	}
	return out, len(out), nil
}

func (m *mockPlans) Update(_ context.Context, p *TreatmentPlan) error {
	stored, ok := m.f.plans[p.ID]
	if !ok {
		return apierr.NotFound("treatment plan")
	}
	if p.State == PlanCompleted && stored.State != PlanCompleted {
		m.f.completionWrites++
	}
	cp := *p
	m.f.plans[p.ID] = &cp
	return nil
}

func (m *mockPlans) Delete(_ context.Context, id uuid.UUID) error {
	if _, ok := m.f.plans[id]; !ok {
		return apierr.NotFound("treatment plan")
	}
	delete(m.f.plans, id)
	return nil
}

type mockBudgets struct{ f *fixture }

func (m *mockBudgets) Create(_ context.Context, b *Budget) error {
	b.ID = uuid.New()
	cp := *b
	m.f.budgets[b.ID] = &cp
	return nil
}

func (m *mockBudgets) GetByID(_ context.Context, id uuid.UUID) (*Budget, error) {
	b, ok := m.f.budgets[id]
	if !ok {
		return nil, apierr.NotFound("budget")
	}
	cp := *b
	return &cp, nil
}

func (m *mockBudgets) GetForUpdate(ctx context.Context, id uuid.UUID) (*Budget, error) {
	return m.GetByID(ctx, id)
}

func (m *mockBudgets) ListByPlan(_ context.Context, planID uuid.UUID) ([]*Budget, error) {
	var out []*Budget
	for _, b := range m.f.budgets {
		if b.PlanID == planID {
			out = append(out, b)
		}
	}
	return out, nil
}

func (m *mockBudgets) ListPending(_ context.Context, limit, offset int) ([]*Budget, int, error) {
	now := time.Now()
	var out []*Budget
	for _, b := range m.f.budgets {
		if b.State == BudgetPending && !b.ExpiredAt(now) {
			out = append(out, b)
		}
	}
	return out, len(out), nil
}

func (m *mockBudgets) ApprovedByPlan(_ context.Context, planID uuid.UUID) (*Budget, error) {
	var latest *Budget
	for _, b := range m.f.budgets {
		if b.PlanID != planID || b.State != BudgetApproved {
			continue
		}
		if latest == nil || b.ApprovedAt.After(*latest.ApprovedAt) {
			latest = b
		}
	}
	if latest == nil {
		return nil, apierr.NotFound("budget")
	}
	cp := *latest
	return &cp, nil
}

func (m *mockBudgets) Update(_ context.Context, b *Budget) error {
	if _, ok := m.f.budgets[b.ID]; !ok {
		return apierr.NotFound("budget")
	}
	cp := *b
	m.f.budgets[b.ID] = &cp
	return nil
}

type mockProcedures struct{ f *fixture }

func (m *mockProcedures) Create(_ context.Context, p *Procedure) error {
	p.ID = uuid.New()
	cp := *p
	m.f.procedures[p.ID] = &cp
	return nil
}

func (m *mockProcedures) GetByID(_ context.Context, id uuid.UUID) (*Procedure, error) {
	p, ok := m.f.procedures[id]
	if !ok {
		return nil, apierr.NotFound("procedure")
	}
	cp := *p
	return &cp, nil
}

func (m *mockProcedures) ListByPlan(_ context.Context, planID uuid.UUID) ([]*Procedure, error) {
	var out []*Procedure
	for _, p := range m.f.procedures {
		if p.PlanID == planID {
			out = append(out, p)
		}
	}
	return out, nil
}

func (m *mockProcedures) Update(_ context.Context, p *Procedure) error {
	if _, ok := m.f.procedures[p.ID]; !ok {
		return apierr.NotFound("procedure")
	}
	cp := *p
	m.f.procedures[p.ID] = &cp
	return nil
}

func (m *mockProcedures) CountOpenByPlan(_ context.Context, planID uuid.UUID) (int, error) {
	n := 0
	for _, p := range m.f.procedures {
		if p.PlanID == planID && p.Open() {
			n++
		}
	}
	return n, nil
}

type mockPayments struct{ f *fixture }

func (m *mockPayments) Create(_ context.Context, p *PaymentRecord) error {
	p.ID = uuid.New()
	cp := *p
	m.f.payments[p.ID] = &cp
	return nil
}

func (m *mockPayments) GetByID(_ context.Context, id uuid.UUID) (*PaymentRecord, error) {
	p, ok := m.f.payments[id]
	if !ok {
		return nil, apierr.NotFound("payment")
	}
	cp := *p
	return &cp, nil
}

func (m *mockPayments) GetForUpdate(ctx context.Context, id uuid.UUID) (*PaymentRecord, error) {
	return m.GetByID(ctx, id)
}

func (m *mockPayments) ListByPlan(_ context.Context, planID uuid.UUID) ([]*PaymentRecord, error) {
	var out []*PaymentRecord
	for _, p := range m.f.payments {
		if p.PlanID == planID {
			out = append(out, p)
		}
	}
	return out, nil
}

func (m *mockPayments) Update(_ context.Context, p *PaymentRecord) error {
	if _, ok := m.f.payments[p.ID]; !ok {
		return apierr.NotFound("payment")
	}
	cp := *p
	m.f.payments[p.ID] = &cp
	return nil
}

func (m *mockPayments) TotalPaid(_ context.Context, planID uuid.UUID) (decimal.Decimal, error) {
	total := decimal.Zero
	for _, p := range m.f.payments {
		if p.PlanID == planID && p.State == PaymentCompleted {
			total = total.Add(p.Amount)
		}
	}
	return total, nil
}

func (m *mockPayments) CountByPlan(_ context.Context, planID uuid.UUID) (int, error) {
	n := 0
	for _, p := range m.f.payments {
		if p.PlanID == planID {
			n++
		}
	}
	return n, nil
}

func (m *mockPayments) Stats(_ context.Context) (*PaymentStats, error) {
	stats := &PaymentStats{
		ByState:  make(map[string]decimal.Decimal),
		ByMethod: make(map[string]decimal.Decimal),
	}
	for _, p := range m.f.payments {
		stats.ByState[p.State] = stats.ByState[p.State].Add(p.Amount)
		if p.State == PaymentCompleted {
			stats.ByMethod[p.Method] = stats.ByMethod[p.Method].Add(p.Amount)
		}
		stats.Count++
	}
	return stats, nil
}

type mockSessions struct{ f *fixture }

func (m *mockSessions) Create(_ context.Context, s *TreatmentSession) error {
	s.ID = uuid.New()
	cp := *s
	m.f.sessions[s.ID] = &cp
	return nil
}

func (m *mockSessions) GetByID(_ context.Context, id uuid.UUID) (*TreatmentSession, error) {
	s, ok := m.f.sessions[id]
	if !ok {
		return nil, apierr.NotFound("session")
	}
	cp := *s
	return &cp, nil
}

func (m *mockSessions) ListByPlan(_ context.Context, planID uuid.UUID) ([]*TreatmentSession, error) {
	var out []*TreatmentSession
	for _, s := range m.f.sessions {
		if s.PlanID == planID {
			out = append(out, s)
		}
	}
	return out, nil
}

func (m *mockSessions) Update(_ context.Context, s *TreatmentSession) error {
	if _, ok := m.f.sessions[s.ID]; !ok {
		return apierr.NotFound("session")
	}
	cp := *s
	m.f.sessions[s.ID] = &cp
	return nil
}

func (m *mockSessions) MaxSessionNumber(_ context.Context, planID uuid.UUID) (int, error) {
	max := 0
	for _, s := range m.f.sessions {
		if s.PlanID == planID && s.SessionNumber > max {
			max = s.SessionNumber
		}
	}
	return max, nil
}

type mockCatalog struct{ f *fixture }

func (m *mockCatalog) GetByID(_ context.Context, id uuid.UUID) (*catalog.Service, error) {
	s, ok := m.f.services[id]
	if !ok {
		return nil, apierr.NotFound("service")
	}
	return s, nil
}

type mockCodes struct{ f *fixture }

func (m *mockCodes) Next(_ context.Context, prefix string, at time.Time) (int64, error) {
	key := prefix + at.Format("200601")
	m.f.seq[key]++
	return m.f.seq[key], nil
}

func newTestEngine() (*Engine, *fixture, *gateway.Fake) {
	f := newFixture()
	gw := gateway.NewFake()
	e := &Engine{
		plans:      &mockPlans{f},
		budgets:    &mockBudgets{f},
		procedures: &mockProcedures{f},
		payments:   &mockPayments{f},
		sessions:   &mockSessions{f},
		catalog:    &mockCatalog{f},
		codes:      &mockCodes{f},
		gateway:    gw,
		currency:   "PEN",
		runTx: func(ctx context.Context, fn func(ctx context.Context) error) error {
			f.mu.Lock()
			defer f.mu.Unlock()
			return fn(ctx)
		},
		now: time.Now,
	}
	return e, f, gw
}

func dentistCtx() context.Context {
	ctx := context.WithValue(context.Background(), auth.UserIDKey, "u-1")
	ctx = context.WithValue(ctx, auth.UserNameKey, "Dr. Flores")
	return context.WithValue(ctx, auth.UserRoleKey, auth.RoleDentist)
}

func receptionistCtx() context.Context {
	ctx := context.WithValue(context.Background(), auth.UserIDKey, "u-2")
	ctx = context.WithValue(ctx, auth.UserNameKey, "Sra. Rojas")
	return context.WithValue(ctx, auth.UserRoleKey, auth.RoleReceptionist)
}

func (f *fixture) addService(name string, cost string) uuid.UUID {
	id := uuid.New()
	f.services[id] = &catalog.Service{ID: id, Name: name, BaseCost: dec(cost), DurationMinutes: 60, Active: true}
	return id
}

func mustCreatePlan(t *testing.T, e *Engine, ctx context.Context) *TreatmentPlan {
	t.Helper()
	p := &TreatmentPlan{PatientID: uuid.New(), Description: "rehabilitacion integral"}
	if err := e.CreatePlan(ctx, p); err != nil {
		t.Fatal(err)
	}
	return p
}

func expectKind(t *testing.T, err error, kind apierr.Kind) *apierr.Error {
	t.Helper()
	var apiErr *apierr.Error
	if !errors.As(err, &apiErr) || apiErr.Kind != kind {
		t.Fatalf("expected error kind %v, got %v", kind, err)
	}
	return apiErr
}

func TestCreatePlanGeneratesCode(t *testing.T) {
	e, _, _ := newTestEngine()
	ctx := dentistCtx()

	p1 := mustCreatePlan(t, e, ctx)
	p2 := mustCreatePlan(t, e, ctx)

	if p1.State != PlanDraft {
		t.Errorf("new plan state = %s, want draft", p1.State)
	}
	prefix := "PT-" + time.Now().Format("200601") + "-"
	if p1.Code != prefix+"0001" || p2.Code != prefix+"0002" {
		t.Errorf("codes not sequential: %s, %s", p1.Code, p2.Code)
	}
}

func TestAddItemRequiresDraftAndRole(t *testing.T) {
	e, f, _ := newTestEngine()
	ctx := dentistCtx()
	svcID := f.addService("Endodoncia", "800")

	plan := mustCreatePlan(t, e, ctx)

	// Receptionists cannot add items.
	_, _, err := e.AddItem(receptionistCtx(), plan.ID, AddItemInput{ServiceID: svcID})
	expectKind(t, err, apierr.KindForbidden)

	// Non-draft plans reject items.
	f.plans[plan.ID].State = PlanApproved
	_, _, err = e.AddItem(ctx, plan.ID, AddItemInput{ServiceID: svcID})
	expectKind(t, err, apierr.KindInvalidState)
}

func TestAddItemValidatesAndNormalizes(t *testing.T) {
	e, f, _ := newTestEngine()
	ctx := dentistCtx()
	svcID := f.addService("Endodoncia", "800")
	plan := mustCreatePlan(t, e, ctx)

	badTooth := 99
	_, _, err := e.AddItem(ctx, plan.ID, AddItemInput{ServiceID: svcID, Tooth: &badTooth})
	apiErr := expectKind(t, err, apierr.KindValidation)
	if len(apiErr.Fields["tooth"]) == 0 {
		t.Errorf("expected tooth field error, got %v", apiErr.Fields)
	}

	// Inactive services are rejected.
	inactive := f.addService("Descontinuado", "100")
	f.services[inactive].Active = false
	_, _, err = e.AddItem(ctx, plan.ID, AddItemInput{ServiceID: inactive})
	expectKind(t, err, apierr.KindValidation)

	// Universal tooth 3 normalizes to FDI 16; catalog price is the default.
	tooth := 3
	proc, totals, err := e.AddItem(ctx, plan.ID, AddItemInput{ServiceID: svcID, Tooth: &tooth})
	if err != nil {
		t.Fatal(err)
	}
	if *proc.Tooth != 16 {
		t.Errorf("tooth = %d, want 16", *proc.Tooth)
	}
	if !proc.EstimatedCost.Equal(dec("800")) {
		t.Errorf("estimated cost = %s, want 800", proc.EstimatedCost)
	}
	if totals.Procedures != 1 || !totals.EstimatedTotal.Equal(dec("800")) {
		t.Errorf("totals = %+v", totals)
	}
}

// Scenario: plan with two items is budgeted, the budget approved, and the
// plan advances from draft to approved with totals intact.
func TestBudgetApprovalAdvancesDraftPlan(t *testing.T) {
	e, _, _ := newTestEngine()
	ctx := dentistCtx()
	plan := mustCreatePlan(t, e, ctx)

	budget, err := e.CreateBudget(ctx, CreateBudgetInput{
		PlanID: plan.ID,
		Items: []*BudgetItem{
			{ServiceID: uuid.New(), Quantity: 1, UnitPrice: dec("800")},
			{ServiceID: uuid.New(), Quantity: 1, UnitPrice: dec("1200")},
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	if !budget.Total.Equal(dec("2000")) {
		t.Fatalf("budget total = %s, want 2000", budget.Total)
	}

	approved, err := e.ApproveBudget(ctx, budget.ID, "Dr. Flores", nil)
	if err != nil {
		t.Fatal(err)
	}
	if approved.State != BudgetApproved || approved.ApprovedAt == nil {
		t.Errorf("budget not approved: %+v", approved)
	}

	got, err := e.GetPlan(ctx, plan.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.State != PlanApproved || got.ApprovedAt == nil {
		t.Errorf("plan state = %s, want approved with timestamp", got.State)
	}
}

func TestApproveBudgetTwiceFails(t *testing.T) {
	e, f, _ := newTestEngine()
	ctx := dentistCtx()
	plan := mustCreatePlan(t, e, ctx)

	budget, err := e.CreateBudget(ctx, CreateBudgetInput{
		PlanID: plan.ID,
		Items:  []*BudgetItem{{ServiceID: uuid.New(), Quantity: 1, UnitPrice: dec("500")}},
	})
	if err != nil {
		t.Fatal(err)
	}
	first, err := e.ApproveBudget(ctx, budget.ID, "Dr. Flores", nil)
	if err != nil {
		t.Fatal(err)
	}

	_, err = e.ApproveBudget(ctx, budget.ID, "Otro Doctor", nil)
	expectKind(t, err, apierr.KindInvalidState)

	stored := f.budgets[budget.ID]
	if stored.State != BudgetApproved || *stored.ApprovedBy != "Dr. Flores" || !stored.ApprovedAt.Equal(*first.ApprovedAt) {
		t.Errorf("second approval mutated the budget: %+v", stored)
	}
}

func TestApproveBudgetOfCancelledPlanLeavesPlanUntouched(t *testing.T) {
	e, f, _ := newTestEngine()
	ctx := dentistCtx()
	plan := mustCreatePlan(t, e, ctx)

	budget, err := e.CreateBudget(ctx, CreateBudgetInput{
		PlanID: plan.ID,
		Items:  []*BudgetItem{{ServiceID: uuid.New(), Quantity: 1, UnitPrice: dec("500")}},
	})
	if err != nil {
		t.Fatal(err)
	}
	f.plans[plan.ID].State = PlanCancelled

	approved, err := e.ApproveBudget(ctx, budget.ID, "Dr. Flores", nil)
	if err != nil {
		t.Fatal(err)
	}
	if approved.State != BudgetApproved {
		t.Errorf("budget state = %s, want approved", approved.State)
	}
	if f.plans[plan.ID].State != PlanCancelled {
		t.Errorf("cancelled plan was revived to %s", f.plans[plan.ID].State)
	}
}

func TestRejectBudgetRequiresReason(t *testing.T) {
	e, f, _ := newTestEngine()
	ctx := dentistCtx()
	plan := mustCreatePlan(t, e, ctx)
	budget, err := e.CreateBudget(ctx, CreateBudgetInput{
		PlanID: plan.ID,
		Items:  []*BudgetItem{{ServiceID: uuid.New(), Quantity: 1, UnitPrice: dec("500")}},
	})
	if err != nil {
		t.Fatal(err)
	}

	_, err = e.RejectBudget(ctx, budget.ID, "")
	expectKind(t, err, apierr.KindValidation)

	rejected, err := e.RejectBudget(ctx, budget.ID, "patient declined")
	if err != nil {
		t.Fatal(err)
	}
	if rejected.State != BudgetRejected || *rejected.RejectionReason != "patient declined" {
		t.Errorf("rejection not recorded: %+v", rejected)
	}
	// Rejection never touches the plan.
	if f.plans[plan.ID].State != PlanDraft {
		t.Errorf("plan state = %s, want draft", f.plans[plan.ID].State)
	}
}

func TestBudgetExpiresLazily(t *testing.T) {
	e, f, _ := newTestEngine()
	ctx := dentistCtx()
	plan := mustCreatePlan(t, e, ctx)

	past := time.Now().Add(-24 * time.Hour)
	budget, err := e.CreateBudget(ctx, CreateBudgetInput{
		PlanID:    plan.ID,
		ExpiresAt: &past,
		Items:     []*BudgetItem{{ServiceID: uuid.New(), Quantity: 1, UnitPrice: dec("500")}},
	})
	if err != nil {
		t.Fatal(err)
	}

	_, err = e.ApproveBudget(ctx, budget.ID, "Dr. Flores", nil)
	expectKind(t, err, apierr.KindInvalidState)
	if f.budgets[budget.ID].State != BudgetExpired {
		t.Errorf("budget state = %s, want expired", f.budgets[budget.ID].State)
	}

	budgets, total, err := e.ListPendingBudgets(ctx, 50, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(budgets) != 0 || total != 0 {
		t.Errorf("expired budget listed as pending: %d budgets", len(budgets))
	}
}

// Scenario: completing every procedure of an approved plan completes the
// plan and stamps the completion date.
func TestPlanAutoCompletion(t *testing.T) {
	e, f, _ := newTestEngine()
	ctx := dentistCtx()
	svcA := f.addService("Endodoncia", "800")
	svcB := f.addService("Corona", "1200")

	plan := mustCreatePlan(t, e, ctx)
	procA, _, err := e.AddItem(ctx, plan.ID, AddItemInput{ServiceID: svcA})
	if err != nil {
		t.Fatal(err)
	}
	procB, _, err := e.AddItem(ctx, plan.ID, AddItemInput{ServiceID: svcB})
	if err != nil {
		t.Fatal(err)
	}

	budget, err := e.CreateBudget(ctx, CreateBudgetInput{
		PlanID: plan.ID,
		Items: []*BudgetItem{
			{ServiceID: svcA, Quantity: 1, UnitPrice: dec("800")},
			{ServiceID: svcB, Quantity: 1, UnitPrice: dec("1200")},
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := e.ApproveBudget(ctx, budget.ID, "Dr. Flores", nil); err != nil {
		t.Fatal(err)
	}

	real := dec("850")
	if _, err := e.CompleteProcedure(ctx, procA.ID, CompleteProcedureInput{RealCost: &real}); err != nil {
		t.Fatal(err)
	}
	got, _ := e.GetPlan(ctx, plan.ID)
	if got.State != PlanApproved {
		t.Fatalf("plan completed early: %s", got.State)
	}

	if _, err := e.CompleteProcedure(ctx, procB.ID, CompleteProcedureInput{}); err != nil {
		t.Fatal(err)
	}
	got, _ = e.GetPlan(ctx, plan.ID)
	if got.State != PlanCompleted || got.CompletedAt == nil {
		t.Fatalf("plan state = %s, completion date %v", got.State, got.CompletedAt)
	}
	if f.completionWrites != 1 {
		t.Errorf("completion written %d times, want 1", f.completionWrites)
	}

	// Completing an already completed procedure fails without touching the
	// plan again.
	_, err = e.CompleteProcedure(ctx, procA.ID, CompleteProcedureInput{})
	expectKind(t, err, apierr.KindInvalidState)
	if f.completionWrites != 1 {
		t.Errorf("idempotency broken: %d completion writes", f.completionWrites)
	}
}

// Two concurrent requests complete the last two procedures of the same plan.
// The plan must end completed with exactly one completion-date write.
func TestConcurrentLastProcedureCompletion(t *testing.T) {
	e, f, _ := newTestEngine()
	ctx := dentistCtx()
	svcID := f.addService("Endodoncia", "800")

	plan := mustCreatePlan(t, e, ctx)
	procA, _, err := e.AddItem(ctx, plan.ID, AddItemInput{ServiceID: svcID})
	if err != nil {
		t.Fatal(err)
	}
	procB, _, err := e.AddItem(ctx, plan.ID, AddItemInput{ServiceID: svcID})
	if err != nil {
		t.Fatal(err)
	}
	budget, err := e.CreateBudget(ctx, CreateBudgetInput{
		PlanID: plan.ID,
		Items:  []*BudgetItem{{ServiceID: svcID, Quantity: 2, UnitPrice: dec("800")}},
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := e.ApproveBudget(ctx, budget.ID, "Dr. Flores", nil); err != nil {
		t.Fatal(err)
	}

	var wg sync.WaitGroup
	for _, id := range []uuid.UUID{procA.ID, procB.ID} {
		wg.Add(1)
		go func(id uuid.UUID) {
			defer wg.Done()
			if _, err := e.CompleteProcedure(ctx, id, CompleteProcedureInput{}); err != nil {
				t.Errorf("complete %s: %v", id, err)
			}
		}(id)
	}
	wg.Wait()

	got, _ := e.GetPlan(ctx, plan.ID)
	if got.State != PlanCompleted {
		t.Fatalf("plan state = %s, want completed", got.State)
	}
	if f.completionWrites != 1 {
		t.Errorf("completion written %d times, want exactly 1", f.completionWrites)
	}
}

func TestPaymentGating(t *testing.T) {
	e, _, _ := newTestEngine()
	ctx := receptionistCtx()
	plan := mustCreatePlan(t, e, dentistCtx())

	// Draft plans accept no payments.
	_, err := e.CreatePayment(ctx, CreatePaymentInput{
		PlanID: plan.ID, Amount: dec("100"), Method: MethodCash,
	})
	expectKind(t, err, apierr.KindInvalidState)

	// A payment referencing a pending budget fails even once the plan is
	// approved.
	budget, err := e.CreateBudget(dentistCtx(), CreateBudgetInput{
		PlanID: plan.ID,
		Items:  []*BudgetItem{{ServiceID: uuid.New(), Quantity: 1, UnitPrice: dec("500")}},
	})
	if err != nil {
		t.Fatal(err)
	}
	second, err := e.CreateBudget(dentistCtx(), CreateBudgetInput{
		PlanID: plan.ID,
		Items:  []*BudgetItem{{ServiceID: uuid.New(), Quantity: 1, UnitPrice: dec("400")}},
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := e.ApproveBudget(dentistCtx(), budget.ID, "Dr. Flores", nil); err != nil {
		t.Fatal(err)
	}

	_, err = e.CreatePayment(ctx, CreatePaymentInput{
		PlanID: plan.ID, BudgetID: &second.ID, Amount: dec("100"), Method: MethodCash,
	})
	expectKind(t, err, apierr.KindInvalidState)

	// Linked to the approved budget it succeeds and completes immediately.
	payment, err := e.CreatePayment(ctx, CreatePaymentInput{
		PlanID: plan.ID, BudgetID: &budget.ID, Amount: dec("100"), Method: MethodCash,
	})
	if err != nil {
		t.Fatal(err)
	}
	if payment.State != PaymentCompleted || payment.PaidAt == nil {
		t.Errorf("cash payment not completed: %+v", payment)
	}
	if payment.RecordedBy != "Sra. Rojas" {
		t.Errorf("recorded_by = %s", payment.RecordedBy)
	}
}

func TestPaymentReceiptRequiredForTrailMethods(t *testing.T) {
	e, _, _ := newTestEngine()
	ctx := dentistCtx()
	plan := mustCreatePlan(t, e, ctx)

	for _, method := range []string{MethodCard, MethodTransfer, MethodCheck} {
		_, err := e.CreatePayment(ctx, CreatePaymentInput{
			PlanID: plan.ID, Amount: dec("100"), Method: method,
		})
		apiErr := expectKind(t, err, apierr.KindValidation)
		if len(apiErr.Fields["receipt_number"]) == 0 {
			t.Errorf("%s: expected receipt_number error, got %v", method, apiErr.Fields)
		}
	}
}

func approvedPlanWithBudget(t *testing.T, e *Engine) *TreatmentPlan {
	t.Helper()
	ctx := dentistCtx()
	plan := mustCreatePlan(t, e, ctx)
	budget, err := e.CreateBudget(ctx, CreateBudgetInput{
		PlanID: plan.ID,
		Items:  []*BudgetItem{{ServiceID: uuid.New(), Quantity: 1, UnitPrice: dec("500")}},
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := e.ApproveBudget(ctx, budget.ID, "Dr. Flores", nil); err != nil {
		t.Fatal(err)
	}
	return plan
}

func TestCardPaymentLifecycle(t *testing.T) {
	e, _, _ := newTestEngine()
	ctx := receptionistCtx()
	plan := approvedPlanWithBudget(t, e)

	receipt := "B001-00042"
	payment, err := e.CreatePayment(ctx, CreatePaymentInput{
		PlanID: plan.ID, Amount: dec("300"), Method: MethodCard, ReceiptNumber: &receipt,
	})
	if err != nil {
		t.Fatal(err)
	}
	if payment.State != PaymentPending || payment.GatewayIntentID == nil {
		t.Fatalf("card payment should await confirmation: %+v", payment)
	}

	// Pending card payments do not count as paid.
	summary, err := e.Summary(ctx, plan.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !summary.TotalPaid.IsZero() {
		t.Errorf("total paid = %s before confirmation", summary.TotalPaid)
	}

	confirmed, err := e.ConfirmPayment(ctx, payment.ID)
	if err != nil {
		t.Fatal(err)
	}
	if confirmed.State != PaymentCompleted || confirmed.TransactionNumber == nil {
		t.Fatalf("confirmation did not complete the payment: %+v", confirmed)
	}

	// Confirming again is a no-op, not a duplicate completion.
	again, err := e.ConfirmPayment(ctx, payment.ID)
	if err != nil {
		t.Fatal(err)
	}
	if again.State != PaymentCompleted || !again.PaidAt.Equal(*confirmed.PaidAt) {
		t.Errorf("second confirmation changed the payment: %+v", again)
	}

	summary, err = e.Summary(ctx, plan.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !summary.TotalPaid.Equal(dec("300")) || !summary.Balance.Equal(dec("200")) {
		t.Errorf("summary = paid %s balance %s", summary.TotalPaid, summary.Balance)
	}
}

func TestDeclinedCardPaymentStaysPending(t *testing.T) {
	e, f, gw := newTestEngine()
	ctx := receptionistCtx()
	plan := approvedPlanWithBudget(t, e)

	receipt := "B001-00043"
	payment, err := e.CreatePayment(ctx, CreatePaymentInput{
		PlanID: plan.ID, Amount: dec("300"), Method: MethodCard, ReceiptNumber: &receipt,
	})
	if err != nil {
		t.Fatal(err)
	}

	gw.DeclineNext = true
	_, err = e.ConfirmPayment(ctx, payment.ID)
	expectKind(t, err, apierr.KindConflict)
	if f.payments[payment.ID].State != PaymentPending {
		t.Errorf("declined payment state = %s, want pending", f.payments[payment.ID].State)
	}
}

func TestVoidPayment(t *testing.T) {
	e, _, _ := newTestEngine()
	ctx := receptionistCtx()
	plan := approvedPlanWithBudget(t, e)

	payment, err := e.CreatePayment(ctx, CreatePaymentInput{
		PlanID: plan.ID, Amount: dec("200"), Method: MethodCash,
	})
	if err != nil {
		t.Fatal(err)
	}

	_, err = e.VoidPayment(ctx, payment.ID, "")
	expectKind(t, err, apierr.KindValidation)

	voided, err := e.VoidPayment(ctx, payment.ID, "charged twice by mistake")
	if err != nil {
		t.Fatal(err)
	}
	if voided.State != PaymentCancelled || *voided.VoidReason != "charged twice by mistake" {
		t.Errorf("void not recorded: %+v", voided)
	}

	// Double void fails and voided payments never count toward totals.
	_, err = e.VoidPayment(ctx, payment.ID, "again")
	expectKind(t, err, apierr.KindInvalidState)

	summary, err := e.Summary(ctx, plan.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !summary.TotalPaid.IsZero() {
		t.Errorf("voided payment counted: total paid = %s", summary.TotalPaid)
	}
	if !summary.Balance.Equal(dec("500")) {
		t.Errorf("balance = %s, want 500", summary.Balance)
	}
}

func TestSummaryClampsOverpayment(t *testing.T) {
	e, _, _ := newTestEngine()
	ctx := receptionistCtx()
	plan := approvedPlanWithBudget(t, e)

	if _, err := e.CreatePayment(ctx, CreatePaymentInput{
		PlanID: plan.ID, Amount: dec("700"), Method: MethodCash,
	}); err != nil {
		t.Fatal(err)
	}

	summary, err := e.Summary(ctx, plan.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !summary.Balance.IsZero() {
		t.Errorf("displayed balance = %s, want 0", summary.Balance)
	}
	if !summary.RawBalance.Equal(dec("-200")) {
		t.Errorf("raw balance = %s, want -200", summary.RawBalance)
	}
}

func TestDeletePlanBlockedByPayments(t *testing.T) {
	e, _, _ := newTestEngine()
	ctx := receptionistCtx()
	plan := approvedPlanWithBudget(t, e)

	if _, err := e.CreatePayment(ctx, CreatePaymentInput{
		PlanID: plan.ID, Amount: dec("100"), Method: MethodCash,
	}); err != nil {
		t.Fatal(err)
	}

	err := e.DeletePlan(ctx, plan.ID)
	expectKind(t, err, apierr.KindConflict)

	if _, err := e.GetPlan(ctx, plan.ID); err != nil {
		t.Errorf("plan should survive blocked deletion: %v", err)
	}
}

func TestSessionNumbersIncreasePerPlan(t *testing.T) {
	e, _, _ := newTestEngine()
	ctx := dentistCtx()
	plan := mustCreatePlan(t, e, ctx)
	other := mustCreatePlan(t, e, ctx)

	at := time.Now().Add(48 * time.Hour)
	s1, err := e.CreateSession(ctx, CreateSessionInput{PlanID: plan.ID, ScheduledAt: at})
	if err != nil {
		t.Fatal(err)
	}
	s2, err := e.CreateSession(ctx, CreateSessionInput{PlanID: plan.ID, ScheduledAt: at.Add(time.Hour)})
	if err != nil {
		t.Fatal(err)
	}
	s3, err := e.CreateSession(ctx, CreateSessionInput{PlanID: other.ID, ScheduledAt: at})
	if err != nil {
		t.Fatal(err)
	}

	if s1.SessionNumber != 1 || s2.SessionNumber != 2 {
		t.Errorf("session numbers = %d, %d; want 1, 2", s1.SessionNumber, s2.SessionNumber)
	}
	if s3.SessionNumber != 1 {
		t.Errorf("numbering leaked across plans: %d", s3.SessionNumber)
	}
}

func TestSessionLifecycle(t *testing.T) {
	e, _, _ := newTestEngine()
	ctx := dentistCtx()
	plan := mustCreatePlan(t, e, ctx)

	s, err := e.CreateSession(ctx, CreateSessionInput{PlanID: plan.ID, ScheduledAt: time.Now()})
	if err != nil {
		t.Fatal(err)
	}

	started, err := e.StartSession(ctx, s.ID)
	if err != nil {
		t.Fatal(err)
	}
	if started.State != SessionInCourse || started.StartedAt == nil {
		t.Errorf("session not started: %+v", started)
	}

	// A session in course cannot be cancelled, only completed.
	_, err = e.CancelSession(ctx, s.ID)
	expectKind(t, err, apierr.KindInvalidState)

	recs := "no masticar por 2 horas"
	done, err := e.CompleteSession(ctx, s.ID, CompleteSessionInput{Recommendations: &recs})
	if err != nil {
		t.Fatal(err)
	}
	if done.State != SessionCompleted || done.EndedAt == nil || *done.Recommendations != recs {
		t.Errorf("session not completed: %+v", done)
	}
}

func TestCheckApprovalReportsMissingPieces(t *testing.T) {
	e, f, _ := newTestEngine()
	ctx := dentistCtx()
	svc := f.addService("Limpieza profunda", "250")

	plan := mustCreatePlan(t, e, ctx)

	check, err := e.CheckApproval(ctx, plan.ID)
	if err != nil {
		t.Fatal(err)
	}
	if check.Eligible {
		t.Fatalf("empty draft reported eligible: %+v", check)
	}
	if len(check.Reasons) != 2 {
		t.Fatalf("expected missing procedures and missing budget, got %v", check.Reasons)
	}

	if _, _, err := e.AddItem(ctx, plan.ID, AddItemInput{ServiceID: svc}); err != nil {
		t.Fatal(err)
	}
	budget, err := e.CreateBudget(ctx, CreateBudgetInput{
		PlanID: plan.ID,
		Items:  []*BudgetItem{{ServiceID: svc, Quantity: 1, UnitPrice: dec("250")}},
	})
	if err != nil {
		t.Fatal(err)
	}

	check, err = e.CheckApproval(ctx, plan.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !check.Eligible || len(check.Reasons) != 0 {
		t.Fatalf("draft with procedure and pending budget should be eligible: %+v", check)
	}

	if _, err := e.ApproveBudget(ctx, budget.ID, "Dr. Flores", nil); err != nil {
		t.Fatal(err)
	}
	check, err = e.CheckApproval(ctx, plan.ID)
	if err != nil {
		t.Fatal(err)
	}
	if check.Eligible {
		t.Fatalf("approved plan still reported eligible: %+v", check)
	}
}

// When a plan ends up with two approved budgets, the summary must settle on
// the most recently approved one, not an arbitrary row.
func TestSummaryUsesLatestApprovedBudget(t *testing.T) {
	e, _, _ := newTestEngine()
	ctx := dentistCtx()
	plan := mustCreatePlan(t, e, ctx)

	first, err := e.CreateBudget(ctx, CreateBudgetInput{
		PlanID: plan.ID,
		Items:  []*BudgetItem{{ServiceID: uuid.New(), Quantity: 1, UnitPrice: dec("3000")}},
	})
	if err != nil {
		t.Fatal(err)
	}
	second, err := e.CreateBudget(ctx, CreateBudgetInput{
		PlanID: plan.ID,
		Items:  []*BudgetItem{{ServiceID: uuid.New(), Quantity: 1, UnitPrice: dec("2500")}},
	})
	if err != nil {
		t.Fatal(err)
	}

	base := time.Now()
	e.now = func() time.Time { return base }
	if _, err := e.ApproveBudget(ctx, first.ID, "Dr. Flores", nil); err != nil {
		t.Fatal(err)
	}
	e.now = func() time.Time { return base.Add(time.Hour) }
	if _, err := e.ApproveBudget(ctx, second.ID, "Dr. Flores", nil); err != nil {
		t.Fatal(err)
	}

	sum, err := e.Summary(ctx, plan.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !sum.BudgetTotal.Equal(dec("2500")) {
		t.Errorf("summary budget total = %s, want the renegotiated 2500", sum.BudgetTotal)
	}
}

// The pending listing and its total must both skip budgets past their
// validity date, even when their stored state has not flipped yet.
func TestPendingBudgetTotalsExcludeExpired(t *testing.T) {
	e, _, _ := newTestEngine()
	ctx := dentistCtx()
	plan := mustCreatePlan(t, e, ctx)

	past := time.Now().Add(-time.Hour)
	if _, err := e.CreateBudget(ctx, CreateBudgetInput{
		PlanID:    plan.ID,
		ExpiresAt: &past,
		Items:     []*BudgetItem{{ServiceID: uuid.New(), Quantity: 1, UnitPrice: dec("900")}},
	}); err != nil {
		t.Fatal(err)
	}
	live, err := e.CreateBudget(ctx, CreateBudgetInput{
		PlanID: plan.ID,
		Items:  []*BudgetItem{{ServiceID: uuid.New(), Quantity: 1, UnitPrice: dec("700")}},
	})
	if err != nil {
		t.Fatal(err)
	}

	budgets, total, err := e.ListPendingBudgets(ctx, 50, 0)
	if err != nil {
		t.Fatal(err)
	}
	if total != 1 || len(budgets) != 1 || budgets[0].ID != live.ID {
		t.Errorf("pending listing = %d budgets, total %d, want only the live one", len(budgets), total)
	}
}
