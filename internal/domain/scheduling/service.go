package scheduling

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/odonto/odonto/internal/platform/apierr"
)

// Scheduler books appointments and keeps the patient's clinical history.
type Scheduler struct {
	appointments AppointmentRepository
	notes        ClinicalNoteRepository
	logger       zerolog.Logger

	now func() time.Time
}

func NewScheduler(appointments AppointmentRepository, notes ClinicalNoteRepository, logger zerolog.Logger) *Scheduler {
	return &Scheduler{
		appointments: appointments,
		notes:        notes,
		logger:       logger,
		now:          time.Now,
	}
}

// Book creates an appointment after checking the dentist's agenda for
// overlapping slots.
func (s *Scheduler) Book(ctx context.Context, a *Appointment) error {
	if err := a.Validate(); err != nil {
		return err
	}
	if a.ScheduledAt.Before(s.now()) {
		return apierr.FieldError("scheduled_at", "must be in the future")
	}

	existing, err := s.appointments.ListByDentistBetween(ctx, a.DentistID, a.ScheduledAt, a.EndsAt())
	if err != nil {
		return err
	}
	for _, other := range existing {
		if a.Overlaps(other) {
			return apierr.Conflict("dentist already has an appointment in that slot")
		}
	}

	a.State = AppointmentScheduled
	return s.appointments.Create(ctx, a)
}

func (s *Scheduler) Get(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	return s.appointments.GetByID(ctx, id)
}

func (s *Scheduler) ListByPatient(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]*Appointment, int, error) {
	return s.appointments.ListByPatient(ctx, patientID, limit, offset)
}

func (s *Scheduler) ListByDay(ctx context.Context, day time.Time, limit, offset int) ([]*Appointment, int, error) {
	return s.appointments.ListByDay(ctx, day, limit, offset)
}

func (s *Scheduler) Agenda(ctx context.Context, dentistID uuid.UUID, from, to time.Time) ([]*Appointment, error) {
	return s.appointments.ListByDentistBetween(ctx, dentistID, from, to)
}

func (s *Scheduler) Confirm(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	return s.transition(ctx, id, AppointmentConfirmed, nil)
}

func (s *Scheduler) MarkAttended(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	return s.transition(ctx, id, AppointmentAttended, nil)
}

func (s *Scheduler) Cancel(ctx context.Context, id uuid.UUID, reason string) (*Appointment, error) {
	if reason == "" {
		return nil, apierr.FieldError("reason", "is required")
	}
	return s.transition(ctx, id, AppointmentCancelled, &reason)
}

func (s *Scheduler) transition(ctx context.Context, id uuid.UUID, to string, reason *string) (*Appointment, error) {
	a, err := s.appointments.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if !appointmentCanTransition(a.State, to) {
		return nil, apierr.InvalidState("appointment cannot move from " + a.State + " to " + to)
	}
	a.State = to
	a.CancellationReason = reason
	if err := s.appointments.Update(ctx, a); err != nil {
		return nil, err
	}
	return a, nil
}

// Reschedule moves a scheduled or confirmed appointment to a new slot,
// re-running the overlap check.
func (s *Scheduler) Reschedule(ctx context.Context, id uuid.UUID, at time.Time, durationMinutes int) (*Appointment, error) {
	a, err := s.appointments.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if a.State != AppointmentScheduled && a.State != AppointmentConfirmed {
		return nil, apierr.InvalidState("only scheduled or confirmed appointments can be moved")
	}
	if at.Before(s.now()) {
		return nil, apierr.FieldError("scheduled_at", "must be in the future")
	}
	if durationMinutes < 5 {
		return nil, apierr.FieldError("duration_minutes", "must be at least 5")
	}

	moved := *a
	moved.ScheduledAt = at
	moved.DurationMinutes = durationMinutes
	existing, err := s.appointments.ListByDentistBetween(ctx, a.DentistID, at, moved.EndsAt())
	if err != nil {
		return nil, err
	}
	for _, other := range existing {
		if other.ID != a.ID && moved.Overlaps(other) {
			return nil, apierr.Conflict("dentist already has an appointment in that slot")
		}
	}

	a.ScheduledAt = at
	a.DurationMinutes = durationMinutes
	a.State = AppointmentScheduled
	if err := s.appointments.Update(ctx, a); err != nil {
		return nil, err
	}
	return a, nil
}

// SweepStale marks past scheduled or confirmed appointments as no_show.
// Runs on a fixed schedule from the server's background loop.
func (s *Scheduler) SweepStale(ctx context.Context, batch int) (int, error) {
	stale, err := s.appointments.ListStale(ctx, s.now(), batch)
	if err != nil {
		return 0, err
	}
	swept := 0
	for _, a := range stale {
		a.State = AppointmentNoShow
		if err := s.appointments.Update(ctx, a); err != nil {
			s.logger.Warn().Err(err).Str("appointment_id", a.ID.String()).Msg("stale sweep failed")
			continue
		}
		swept++
	}
	if swept > 0 {
		s.logger.Info().Int("count", swept).Msg("marked stale appointments no_show")
	}
	return swept, nil
}

// ReminderSink receives reminders for upcoming appointments. The real
// transport (SMS, email) lives outside this module.
type ReminderSink interface {
	Remind(ctx context.Context, a *Appointment) error
}

// ReminderSinkFunc adapts a function to the ReminderSink interface.
type ReminderSinkFunc func(ctx context.Context, a *Appointment) error

func (f ReminderSinkFunc) Remind(ctx context.Context, a *Appointment) error { return f(ctx, a) }

// DispatchReminders finds appointments starting inside the window and pushes
// each to the sink, stamping reminder_sent_at so it is delivered once.
func (s *Scheduler) DispatchReminders(ctx context.Context, window time.Duration, sink ReminderSink, batch int) (int, error) {
	now := s.now()
	due, err := s.appointments.ListUpcomingUnreminded(ctx, now, now.Add(window), batch)
	if err != nil {
		return 0, err
	}
	sent := 0
	for _, a := range due {
		if err := sink.Remind(ctx, a); err != nil {
			s.logger.Warn().Err(err).Str("appointment_id", a.ID.String()).Msg("reminder dispatch failed")
			continue
		}
		stamp := now
		a.ReminderSentAt = &stamp
		if err := s.appointments.Update(ctx, a); err != nil {
			return sent, err
		}
		sent++
	}
	return sent, nil
}

// AddNote appends an entry to the patient's clinical history. When the note
// is tied to an appointment, the appointment must belong to the same patient
// and must have been attended.
func (s *Scheduler) AddNote(ctx context.Context, n *ClinicalNote) error {
	if err := n.Validate(); err != nil {
		return err
	}
	if n.AppointmentID != nil {
		a, err := s.appointments.GetByID(ctx, *n.AppointmentID)
		if err != nil {
			return err
		}
		if a.PatientID != n.PatientID {
			return apierr.FieldError("appointment_id", "appointment belongs to a different patient")
		}
		if a.State != AppointmentAttended {
			return apierr.InvalidState("clinical notes require an attended appointment")
		}
	}
	if n.RecordedAt.IsZero() {
		n.RecordedAt = s.now()
	}
	return s.notes.Create(ctx, n)
}

func (s *Scheduler) GetNote(ctx context.Context, id uuid.UUID) (*ClinicalNote, error) {
	return s.notes.GetByID(ctx, id)
}

func (s *Scheduler) History(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]*ClinicalNote, int, error) {
	return s.notes.ListByPatient(ctx, patientID, limit, offset)
}
