package identity

import (
	"context"

	"github.com/google/uuid"
)

type PatientRepository interface {
	Create(ctx context.Context, p *Patient) error
	GetByID(ctx context.Context, id uuid.UUID) (*Patient, error)
	GetByDocument(ctx context.Context, document string) (*Patient, error)
	List(ctx context.Context, limit, offset int) ([]*Patient, int, error)
	Update(ctx context.Context, p *Patient) error
	SetActive(ctx context.Context, id uuid.UUID, active bool) error
}

type DentistRepository interface {
	Create(ctx context.Context, d *Dentist) error
	GetByID(ctx context.Context, id uuid.UUID) (*Dentist, error)
	List(ctx context.Context, limit, offset int) ([]*Dentist, int, error)
	Update(ctx context.Context, d *Dentist) error
	SetActive(ctx context.Context, id uuid.UUID, active bool) error
}

type ReceptionistRepository interface {
	Create(ctx context.Context, r *Receptionist) error
	GetByID(ctx context.Context, id uuid.UUID) (*Receptionist, error)
	List(ctx context.Context, limit, offset int) ([]*Receptionist, int, error)
	Update(ctx context.Context, r *Receptionist) error
	SetActive(ctx context.Context, id uuid.UUID, active bool) error
}
