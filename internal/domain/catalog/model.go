package catalog

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/odonto/odonto/internal/platform/apierr"
)

// Service is a billable dental treatment in the clinic's catalog.
type Service struct {
	ID              uuid.UUID       `db:"id" json:"id"`
	Name            string          `db:"name" json:"name"`
	Description     *string         `db:"description" json:"description,omitempty"`
	BaseCost        decimal.Decimal `db:"base_cost" json:"base_cost"`
	DurationMinutes int             `db:"duration_minutes" json:"duration_minutes"`
	Active          bool            `db:"active" json:"active"`
	CreatedAt       time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt       time.Time       `db:"updated_at" json:"updated_at"`
}

func (s *Service) Validate() error {
	v := apierr.NewValidation()
	if s.Name == "" {
		v.Add("name", "is required")
	}
	if s.BaseCost.IsNegative() {
		v.Add("base_cost", "must not be negative")
	}
	if s.DurationMinutes < 0 {
		v.Add("duration_minutes", "must not be negative")
	}
	return v.Err()
}

// Combo pricing modes.
const (
	PricingPercentage = "percentage" // value is a discount percentage off the summed base costs
	PricingFixed      = "fixed"      // value is a fixed amount off
	PricingPromo      = "promo"      // value is the final price outright
)

// ServiceCombo bundles several services under one price. A combo is only
// offered inside its validity window; open-ended windows are allowed on
// either side.
type ServiceCombo struct {
	ID          uuid.UUID       `db:"id" json:"id"`
	Name        string          `db:"name" json:"name"`
	Description *string         `db:"description" json:"description,omitempty"`
	PricingMode string          `db:"pricing_mode" json:"pricing_mode"`
	Value       decimal.Decimal `db:"value" json:"value"`
	ValidFrom   *time.Time      `db:"valid_from" json:"valid_from,omitempty"`
	ValidUntil  *time.Time      `db:"valid_until" json:"valid_until,omitempty"`
	Active      bool            `db:"active" json:"active"`
	CreatedAt   time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt   time.Time       `db:"updated_at" json:"updated_at"`

	Details []*ComboDetail `db:"-" json:"details,omitempty"`
}

// ComboDetail is one line of a combo: which service, how many times.
type ComboDetail struct {
	ID        uuid.UUID `db:"id" json:"id"`
	ComboID   uuid.UUID `db:"combo_id" json:"combo_id"`
	ServiceID uuid.UUID `db:"service_id" json:"service_id"`
	Quantity  int       `db:"quantity" json:"quantity"`
	Position  int       `db:"position" json:"position"`
}

func (c *ServiceCombo) Validate() error {
	v := apierr.NewValidation()
	if c.Name == "" {
		v.Add("name", "is required")
	}
	switch c.PricingMode {
	case PricingPercentage:
		if c.Value.IsNegative() || c.Value.GreaterThan(decimal.NewFromInt(100)) {
			v.Add("value", "percentage must be between 0 and 100")
		}
	case PricingFixed, PricingPromo:
		if c.Value.IsNegative() {
			v.Add("value", "must not be negative")
		}
	default:
		v.Add("pricing_mode", "must be one of percentage, fixed, promo")
	}
	if c.ValidFrom != nil && c.ValidUntil != nil && c.ValidUntil.Before(*c.ValidFrom) {
		v.Add("valid_until", "must not be before valid_from")
	}
	for _, d := range c.Details {
		if d.Quantity < 1 {
			v.Add("details", "quantity must be at least 1")
			break
		}
	}
	return v.Err()
}

// CurrentAt reports whether the combo is offered at the given instant. A nil
// bound is open-ended; a combo with neither bound is always current.
func (c *ServiceCombo) CurrentAt(t time.Time) bool {
	if c.ValidFrom != nil && t.Before(*c.ValidFrom) {
		return false
	}
	if c.ValidUntil != nil && t.After(*c.ValidUntil) {
		return false
	}
	return true
}

// FinalPrice computes the combined price from the member services' base
// costs. A combination that prices below zero is a configuration error, not
// something to clamp silently.
func (c *ServiceCombo) FinalPrice(services map[uuid.UUID]*Service) (decimal.Decimal, error) {
	sum := decimal.Zero
	for _, d := range c.Details {
		svc, ok := services[d.ServiceID]
		if !ok {
			return decimal.Zero, apierr.FieldError("details", "references an unknown service")
		}
		sum = sum.Add(svc.BaseCost.Mul(decimal.NewFromInt(int64(d.Quantity))))
	}

	var final decimal.Decimal
	switch c.PricingMode {
	case PricingPercentage:
		discount := sum.Mul(c.Value).Div(decimal.NewFromInt(100))
		final = sum.Sub(discount)
	case PricingFixed:
		final = sum.Sub(c.Value)
	case PricingPromo:
		final = c.Value
	default:
		return decimal.Zero, apierr.FieldError("pricing_mode", "must be one of percentage, fixed, promo")
	}

	if final.IsNegative() {
		return decimal.Zero, apierr.FieldError("value", "resulting price is negative")
	}
	return final, nil
}
