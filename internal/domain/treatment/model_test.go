package treatment

import (
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/odonto/odonto/internal/platform/apierr"
)

func TestPlanTransitions(t *testing.T) {
	cases := []struct {
		from, to string
		ok       bool
	}{
		{PlanDraft, PlanApproved, true},
		{PlanDraft, PlanCancelled, true},
		{PlanDraft, PlanCompleted, false},
		{PlanApproved, PlanInProgress, true},
		{PlanApproved, PlanCompleted, true},
		{PlanInProgress, PlanCompleted, true},
		{PlanInProgress, PlanCancelled, true},
		{PlanCompleted, PlanCancelled, false},
		{PlanCancelled, PlanDraft, false},
		{PlanCompleted, PlanDraft, false},
	}
	for _, tc := range cases {
		if got := planCanTransition(tc.from, tc.to); got != tc.ok {
			t.Errorf("%s -> %s: got %v, want %v", tc.from, tc.to, got, tc.ok)
		}
	}
}

func TestNormalizeTooth(t *testing.T) {
	cases := []struct {
		in   int
		want int
		err  bool
	}{
		{11, 11, false}, // already FDI
		{48, 48, false},
		{1, 18, false}, // universal upper right third molar
		{8, 11, false},
		{9, 21, false},
		{16, 28, false},
		{17, 38, false},
		{24, 31, false},
		{25, 41, false},
		{32, 48, false},
		{33, 33, false}, // valid FDI, never reinterpreted as universal
		{0, 0, true},
		{49, 0, true},
		{90, 0, true},
	}
	for _, tc := range cases {
		got, err := NormalizeTooth(tc.in)
		if tc.err {
			if err == nil {
				t.Errorf("NormalizeTooth(%d): expected error, got %d", tc.in, got)
			}
			continue
		}
		if err != nil || got != tc.want {
			t.Errorf("NormalizeTooth(%d) = %d, %v; want %d", tc.in, got, err, tc.want)
		}
	}
}

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func TestBudgetRecalculate(t *testing.T) {
	b := &Budget{
		Discount: dec("50"),
		Tax:      dec("100"),
		Items: []*BudgetItem{
			{ServiceID: uuid.New(), Quantity: 2, UnitPrice: dec("800"), Position: 1},
			{ServiceID: uuid.New(), Quantity: 1, UnitPrice: dec("1200"), ItemDiscount: dec("200"), Position: 2},
		},
	}
	if err := b.Recalculate(); err != nil {
		t.Fatal(err)
	}

	if !b.Items[0].Total.Equal(dec("1600")) {
		t.Errorf("item 1 total = %s, want 1600", b.Items[0].Total)
	}
	if !b.Items[1].Total.Equal(dec("1000")) {
		t.Errorf("item 2 total = %s, want 1000", b.Items[1].Total)
	}
	if !b.Subtotal.Equal(dec("2600")) {
		t.Errorf("subtotal = %s, want 2600", b.Subtotal)
	}
	// total = subtotal - discount + tax
	if !b.Total.Equal(dec("2650")) {
		t.Errorf("total = %s, want 2650", b.Total)
	}

	// Idempotent: a second recalculation of unchanged inputs yields the same
	// values.
	if err := b.Recalculate(); err != nil {
		t.Fatal(err)
	}
	if !b.Total.Equal(dec("2650")) || !b.Subtotal.Equal(dec("2600")) {
		t.Errorf("recalculate is not idempotent: subtotal=%s total=%s", b.Subtotal, b.Total)
	}
}

func TestBudgetRecalculateRejectsNegativeTotals(t *testing.T) {
	b := &Budget{
		Items: []*BudgetItem{
			{ServiceID: uuid.New(), Quantity: 1, UnitPrice: dec("100"), ItemDiscount: dec("150"), Position: 1},
		},
	}
	err := b.Recalculate()
	var apiErr *apierr.Error
	if !errors.As(err, &apiErr) || apiErr.Kind != apierr.KindValidation {
		t.Fatalf("expected validation error for negative item total, got %v", err)
	}

	b = &Budget{
		Discount: dec("500"),
		Items: []*BudgetItem{
			{ServiceID: uuid.New(), Quantity: 1, UnitPrice: dec("100"), Position: 1},
		},
	}
	err = b.Recalculate()
	if !errors.As(err, &apiErr) || apiErr.Kind != apierr.KindValidation {
		t.Fatalf("expected validation error for negative grand total, got %v", err)
	}
}

func TestBudgetItemValidateNormalizesTooth(t *testing.T) {
	tooth := 3 // universal upper right first molar
	item := &BudgetItem{ServiceID: uuid.New(), Quantity: 1, UnitPrice: dec("100"), Tooth: &tooth}
	if err := item.validate(); err != nil {
		t.Fatal(err)
	}
	if *item.Tooth != 16 {
		t.Errorf("tooth = %d, want FDI 16", *item.Tooth)
	}

	bad := 60
	item = &BudgetItem{ServiceID: uuid.New(), Quantity: 1, UnitPrice: dec("100"), Tooth: &bad}
	err := item.validate()
	var apiErr *apierr.Error
	if !errors.As(err, &apiErr) || len(apiErr.Fields["tooth"]) == 0 {
		t.Errorf("expected tooth validation error, got %v", err)
	}
}

func TestBudgetExpiredAt(t *testing.T) {
	now := time.Now()
	past := now.Add(-time.Hour)
	future := now.Add(time.Hour)

	b := &Budget{State: BudgetPending, ExpiresAt: &past}
	if !b.ExpiredAt(now) {
		t.Error("pending budget past its validity date should be expired")
	}
	b.ExpiresAt = &future
	if b.ExpiredAt(now) {
		t.Error("budget within its validity window should not be expired")
	}
	b.ExpiresAt = nil
	if b.ExpiredAt(now) {
		t.Error("budget without a validity date never expires")
	}
	b = &Budget{State: BudgetApproved, ExpiresAt: &past}
	if b.ExpiredAt(now) {
		t.Error("a resolved budget does not expire")
	}
}

func TestFormatCode(t *testing.T) {
	at := time.Date(2026, 8, 29, 10, 0, 0, 0, time.UTC)
	if got := FormatCode(codePlan, at, 42); got != "PT-202608-0042" {
		t.Errorf("FormatCode = %s", got)
	}
	if got := FormatCode(codeBudget, at, 1); got != "PRES-202608-0001" {
		t.Errorf("FormatCode = %s", got)
	}
}

func TestSessionDurationMinutes(t *testing.T) {
	start := time.Date(2026, 8, 29, 10, 0, 0, 0, time.UTC)
	end := start.Add(45 * time.Minute)
	s := &TreatmentSession{StartedAt: &start, EndedAt: &end}
	if got := s.DurationMinutes(); got != 45 {
		t.Errorf("DurationMinutes = %d, want 45", got)
	}
	s = &TreatmentSession{StartedAt: &start}
	if got := s.DurationMinutes(); got != 0 {
		t.Errorf("DurationMinutes without end = %d, want 0", got)
	}
}
