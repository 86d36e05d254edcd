package identity

import (
	"time"

	"github.com/google/uuid"

	"github.com/odonto/odonto/internal/platform/apierr"
)

// Patient is the minimal demographic record the treatment engine references.
type Patient struct {
	ID             uuid.UUID  `db:"id" json:"id"`
	FirstName      string     `db:"first_name" json:"first_name"`
	LastName       string     `db:"last_name" json:"last_name"`
	DocumentNumber string     `db:"document_number" json:"document_number"`
	Phone          *string    `db:"phone" json:"phone,omitempty"`
	Email          *string    `db:"email" json:"email,omitempty"`
	BirthDate      *time.Time `db:"birth_date" json:"birth_date,omitempty"`
	Active         bool       `db:"active" json:"active"`
	CreatedAt      time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt      time.Time  `db:"updated_at" json:"updated_at"`
}

func (p *Patient) Validate() error {
	v := apierr.NewValidation()
	if p.FirstName == "" {
		v.Add("first_name", "is required")
	}
	if p.LastName == "" {
		v.Add("last_name", "is required")
	}
	if p.DocumentNumber == "" {
		v.Add("document_number", "is required")
	}
	return v.Err()
}

// Dentist is a treating professional. LicenseNumber is the professional
// college registration and must be unique within a clinic.
type Dentist struct {
	ID            uuid.UUID `db:"id" json:"id"`
	UserID        *string   `db:"user_id" json:"user_id,omitempty"`
	FirstName     string    `db:"first_name" json:"first_name"`
	LastName      string    `db:"last_name" json:"last_name"`
	LicenseNumber string    `db:"license_number" json:"license_number"`
	Specialty     *string   `db:"specialty" json:"specialty,omitempty"`
	Active        bool      `db:"active" json:"active"`
	CreatedAt     time.Time `db:"created_at" json:"created_at"`
	UpdatedAt     time.Time `db:"updated_at" json:"updated_at"`
}

func (d *Dentist) Validate() error {
	v := apierr.NewValidation()
	if d.FirstName == "" {
		v.Add("first_name", "is required")
	}
	if d.LastName == "" {
		v.Add("last_name", "is required")
	}
	if d.LicenseNumber == "" {
		v.Add("license_number", "is required")
	}
	return v.Err()
}

// Receptionist handles front-desk operations (appointments, payments).
type Receptionist struct {
	ID        uuid.UUID `db:"id" json:"id"`
	UserID    *string   `db:"user_id" json:"user_id,omitempty"`
	FirstName string    `db:"first_name" json:"first_name"`
	LastName  string    `db:"last_name" json:"last_name"`
	Active    bool      `db:"active" json:"active"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}

func (r *Receptionist) Validate() error {
	v := apierr.NewValidation()
	if r.FirstName == "" {
		v.Add("first_name", "is required")
	}
	if r.LastName == "" {
		v.Add("last_name", "is required")
	}
	return v.Err()
}
