package identity

import (
	"context"

	"github.com/google/uuid"
)

type Service struct {
	patients      PatientRepository
	dentists      DentistRepository
	receptionists ReceptionistRepository
}

func NewService(patients PatientRepository, dentists DentistRepository, receptionists ReceptionistRepository) *Service {
	return &Service{patients: patients, dentists: dentists, receptionists: receptionists}
}

func (s *Service) CreatePatient(ctx context.Context, p *Patient) error {
	if err := p.Validate(); err != nil {
		return err
	}
	p.Active = true
	return s.patients.Create(ctx, p)
}

func (s *Service) GetPatient(ctx context.Context, id uuid.UUID) (*Patient, error) {
	return s.patients.GetByID(ctx, id)
}

func (s *Service) GetPatientByDocument(ctx context.Context, document string) (*Patient, error) {
	return s.patients.GetByDocument(ctx, document)
}

func (s *Service) ListPatients(ctx context.Context, limit, offset int) ([]*Patient, int, error) {
	return s.patients.List(ctx, limit, offset)
}

func (s *Service) UpdatePatient(ctx context.Context, p *Patient) error {
	if err := p.Validate(); err != nil {
		return err
	}
	return s.patients.Update(ctx, p)
}

func (s *Service) DeactivatePatient(ctx context.Context, id uuid.UUID) error {
	return s.patients.SetActive(ctx, id, false)
}

func (s *Service) CreateDentist(ctx context.Context, d *Dentist) error {
	if err := d.Validate(); err != nil {
		return err
	}
	d.Active = true
	return s.dentists.Create(ctx, d)
}

func (s *Service) GetDentist(ctx context.Context, id uuid.UUID) (*Dentist, error) {
	return s.dentists.GetByID(ctx, id)
}

func (s *Service) ListDentists(ctx context.Context, limit, offset int) ([]*Dentist, int, error) {
	return s.dentists.List(ctx, limit, offset)
}

func (s *Service) UpdateDentist(ctx context.Context, d *Dentist) error {
	if err := d.Validate(); err != nil {
		return err
	}
	return s.dentists.Update(ctx, d)
}

func (s *Service) DeactivateDentist(ctx context.Context, id uuid.UUID) error {
	return s.dentists.SetActive(ctx, id, false)
}

func (s *Service) CreateReceptionist(ctx context.Context, r *Receptionist) error {
	if err := r.Validate(); err != nil {
		return err
	}
	r.Active = true
	return s.receptionists.Create(ctx, r)
}

func (s *Service) GetReceptionist(ctx context.Context, id uuid.UUID) (*Receptionist, error) {
	return s.receptionists.GetByID(ctx, id)
}

func (s *Service) ListReceptionists(ctx context.Context, limit, offset int) ([]*Receptionist, int, error) {
	return s.receptionists.List(ctx, limit, offset)
}

func (s *Service) UpdateReceptionist(ctx context.Context, r *Receptionist) error {
	if err := r.Validate(); err != nil {
		return err
	}
	return s.receptionists.Update(ctx, r)
}

func (s *Service) DeactivateReceptionist(ctx context.Context, id uuid.UUID) error {
	return s.receptionists.SetActive(ctx, id, false)
}
