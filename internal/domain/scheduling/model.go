package scheduling

import (
	"time"

	"github.com/google/uuid"

	"github.com/odonto/odonto/internal/platform/apierr"
)

// Appointment lifecycle states.
const (
	AppointmentScheduled = "scheduled"
	AppointmentConfirmed = "confirmed"
	AppointmentAttended  = "attended"
	AppointmentCancelled = "cancelled"
	AppointmentNoShow    = "no_show"
)

var appointmentTransitions = map[string][]string{
	AppointmentScheduled: {AppointmentConfirmed, AppointmentAttended, AppointmentCancelled, AppointmentNoShow},
	AppointmentConfirmed: {AppointmentAttended, AppointmentCancelled, AppointmentNoShow},
	AppointmentAttended:  {},
	AppointmentCancelled: {},
	AppointmentNoShow:    {},
}

func appointmentCanTransition(from, to string) bool {
	for _, s := range appointmentTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Appointment books one patient with one dentist for a fixed slot. Attended
// appointments anchor clinical notes; cancelled and no_show are terminal.
type Appointment struct {
	ID                 uuid.UUID  `db:"id" json:"id"`
	PatientID          uuid.UUID  `db:"patient_id" json:"patient_id"`
	DentistID          uuid.UUID  `db:"dentist_id" json:"dentist_id"`
	ScheduledAt        time.Time  `db:"scheduled_at" json:"scheduled_at"`
	DurationMinutes    int        `db:"duration_minutes" json:"duration_minutes"`
	Reason             string     `db:"reason" json:"reason"`
	State              string     `db:"state" json:"state"`
	CancellationReason *string    `db:"cancellation_reason" json:"cancellation_reason,omitempty"`
	ReminderSentAt     *time.Time `db:"reminder_sent_at" json:"reminder_sent_at,omitempty"`
	Notes              *string    `db:"notes" json:"notes,omitempty"`
	CreatedAt          time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt          time.Time  `db:"updated_at" json:"updated_at"`
}

func (a *Appointment) Validate() error {
	v := apierr.NewValidation()
	if a.PatientID == uuid.Nil {
		v.Add("patient_id", "is required")
	}
	if a.DentistID == uuid.Nil {
		v.Add("dentist_id", "is required")
	}
	if a.ScheduledAt.IsZero() {
		v.Add("scheduled_at", "is required")
	}
	if a.DurationMinutes < 5 {
		v.Add("duration_minutes", "must be at least 5")
	}
	if a.Reason == "" {
		v.Add("reason", "is required")
	}
	return v.Err()
}

// EndsAt is the end of the booked slot.
func (a *Appointment) EndsAt() time.Time {
	return a.ScheduledAt.Add(time.Duration(a.DurationMinutes) * time.Minute)
}

// Overlaps reports whether two appointments occupy intersecting slots.
func (a *Appointment) Overlaps(other *Appointment) bool {
	return a.ScheduledAt.Before(other.EndsAt()) && other.ScheduledAt.Before(a.EndsAt())
}

// ClinicalNote is one entry in a patient's clinical history, optionally tied
// to the appointment during which it was written. Notes are append-only;
// corrections are new notes.
type ClinicalNote struct {
	ID            uuid.UUID  `db:"id" json:"id"`
	PatientID     uuid.UUID  `db:"patient_id" json:"patient_id"`
	DentistID     uuid.UUID  `db:"dentist_id" json:"dentist_id"`
	AppointmentID *uuid.UUID `db:"appointment_id" json:"appointment_id,omitempty"`
	Description   string     `db:"description" json:"description"`
	Treatment     *string    `db:"treatment" json:"treatment,omitempty"`
	Observations  *string    `db:"observations" json:"observations,omitempty"`
	RecordedAt    time.Time  `db:"recorded_at" json:"recorded_at"`
	CreatedAt     time.Time  `db:"created_at" json:"created_at"`
}

func (n *ClinicalNote) Validate() error {
	v := apierr.NewValidation()
	if n.PatientID == uuid.Nil {
		v.Add("patient_id", "is required")
	}
	if n.DentistID == uuid.Nil {
		v.Add("dentist_id", "is required")
	}
	if n.Description == "" {
		v.Add("description", "is required")
	}
	return v.Err()
}
