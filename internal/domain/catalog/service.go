package catalog

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type Catalog struct {
	services ServiceRepository
	combos   ComboRepository
}

func NewCatalog(services ServiceRepository, combos ComboRepository) *Catalog {
	return &Catalog{services: services, combos: combos}
}

func (c *Catalog) CreateService(ctx context.Context, s *Service) error {
	if err := s.Validate(); err != nil {
		return err
	}
	s.Active = true
	return c.services.Create(ctx, s)
}

func (c *Catalog) GetService(ctx context.Context, id uuid.UUID) (*Service, error) {
	return c.services.GetByID(ctx, id)
}

func (c *Catalog) ListServices(ctx context.Context, activeOnly bool, limit, offset int) ([]*Service, int, error) {
	return c.services.List(ctx, activeOnly, limit, offset)
}

func (c *Catalog) UpdateService(ctx context.Context, s *Service) error {
	if err := s.Validate(); err != nil {
		return err
	}
	return c.services.Update(ctx, s)
}

// DeactivateService retires a service from the catalog. Existing plan items
// keep their snapshot of the cost; only new items are blocked.
func (c *Catalog) DeactivateService(ctx context.Context, id uuid.UUID) error {
	return c.services.SetActive(ctx, id, false)
}

func (c *Catalog) ActivateService(ctx context.Context, id uuid.UUID) error {
	return c.services.SetActive(ctx, id, true)
}

// ComboQuote is a combo with its computed price at a point in time.
type ComboQuote struct {
	Combo      *ServiceCombo   `json:"combo"`
	FinalPrice decimal.Decimal `json:"final_price"`
	Current    bool            `json:"current"`
}

func (c *Catalog) CreateCombo(ctx context.Context, combo *ServiceCombo) error {
	if err := combo.Validate(); err != nil {
		return err
	}
	// Price the combo up front so misconfigured discounts fail at creation,
	// not at quote time.
	if _, err := c.priceCombo(ctx, combo); err != nil {
		return err
	}
	combo.Active = true
	return c.combos.Create(ctx, combo)
}

func (c *Catalog) GetCombo(ctx context.Context, id uuid.UUID) (*ServiceCombo, error) {
	return c.combos.GetByID(ctx, id)
}

func (c *Catalog) UpdateCombo(ctx context.Context, combo *ServiceCombo) error {
	if err := combo.Validate(); err != nil {
		return err
	}
	if _, err := c.priceCombo(ctx, combo); err != nil {
		return err
	}
	return c.combos.Update(ctx, combo)
}

func (c *Catalog) DeactivateCombo(ctx context.Context, id uuid.UUID) error {
	return c.combos.SetActive(ctx, id, false)
}

// QuoteCombo prices a combo and reports whether it is currently offered.
func (c *Catalog) QuoteCombo(ctx context.Context, id uuid.UUID, at time.Time) (*ComboQuote, error) {
	combo, err := c.combos.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	price, err := c.priceCombo(ctx, combo)
	if err != nil {
		return nil, err
	}
	return &ComboQuote{Combo: combo, FinalPrice: price, Current: combo.CurrentAt(at)}, nil
}

// ListCurrentCombos returns active combos whose validity window contains the
// given instant, each with its computed price.
func (c *Catalog) ListCurrentCombos(ctx context.Context, at time.Time, limit, offset int) ([]*ComboQuote, int, error) {
	combos, total, err := c.combos.List(ctx, true, limit, offset)
	if err != nil {
		return nil, 0, err
	}

	var quotes []*ComboQuote
	for _, combo := range combos {
		if !combo.CurrentAt(at) {
			continue
		}
		price, err := c.priceCombo(ctx, combo)
		if err != nil {
			return nil, 0, err
		}
		quotes = append(quotes, &ComboQuote{Combo: combo, FinalPrice: price, Current: true})
	}
	return quotes, total, nil
}

func (c *Catalog) priceCombo(ctx context.Context, combo *ServiceCombo) (decimal.Decimal, error) {
	ids := make([]uuid.UUID, 0, len(combo.Details))
	for _, d := range combo.Details {
		ids = append(ids, d.ServiceID)
	}
	services, err := c.services.GetByIDs(ctx, ids)
	if err != nil {
		return decimal.Zero, err
	}
	return combo.FinalPrice(services)
}
