package catalog

import (
	"context"

	"github.com/google/uuid"
)

type ServiceRepository interface {
	Create(ctx context.Context, s *Service) error
	GetByID(ctx context.Context, id uuid.UUID) (*Service, error)
	GetByIDs(ctx context.Context, ids []uuid.UUID) (map[uuid.UUID]*Service, error)
	List(ctx context.Context, activeOnly bool, limit, offset int) ([]*Service, int, error)
	Update(ctx context.Context, s *Service) error
	SetActive(ctx context.Context, id uuid.UUID, active bool) error
}

type ComboRepository interface {
	Create(ctx context.Context, c *ServiceCombo) error
	GetByID(ctx context.Context, id uuid.UUID) (*ServiceCombo, error)
	List(ctx context.Context, activeOnly bool, limit, offset int) ([]*ServiceCombo, int, error)
	Update(ctx context.Context, c *ServiceCombo) error
	SetActive(ctx context.Context, id uuid.UUID, active bool) error
}
