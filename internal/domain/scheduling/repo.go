package scheduling

import (
	"context"
	"time"

	"github.com/google/uuid"
)

type AppointmentRepository interface {
	Create(ctx context.Context, a *Appointment) error
	GetByID(ctx context.Context, id uuid.UUID) (*Appointment, error)
	// ListByDentistBetween returns the dentist's non-terminal appointments
	// intersecting the window, for overlap checks and agenda views.
	ListByDentistBetween(ctx context.Context, dentistID uuid.UUID, from, to time.Time) ([]*Appointment, error)
	ListByPatient(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]*Appointment, int, error)
	ListByDay(ctx context.Context, day time.Time, limit, offset int) ([]*Appointment, int, error)
	Update(ctx context.Context, a *Appointment) error
	// ListStale returns scheduled or confirmed appointments whose slot ended
	// before the cutoff; the sweeper marks them no_show.
	ListStale(ctx context.Context, cutoff time.Time, limit int) ([]*Appointment, error)
	// ListUpcomingUnreminded returns appointments starting inside the window
	// that have not had a reminder recorded yet.
	ListUpcomingUnreminded(ctx context.Context, from, to time.Time, limit int) ([]*Appointment, error)
}

type ClinicalNoteRepository interface {
	Create(ctx context.Context, n *ClinicalNote) error
	GetByID(ctx context.Context, id uuid.UUID) (*ClinicalNote, error)
	ListByPatient(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]*ClinicalNote, int, error)
}
