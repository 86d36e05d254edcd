package scheduling

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/odonto/odonto/internal/platform/apierr"
	"github.com/odonto/odonto/internal/platform/db"
)

type queryable interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

func conn(ctx context.Context, pool *pgxpool.Pool) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	if c := db.ConnFromContext(ctx); c != nil {
		return c
	}
	return pool
}

func mapPGError(err error, what string) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return apierr.NotFound(what)
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23503" {
		return apierr.FieldError(pgErr.ConstraintName, "references a missing record")
	}
	return err
}

type appointmentRepoPG struct{ pool *pgxpool.Pool }

func NewAppointmentRepoPG(pool *pgxpool.Pool) AppointmentRepository {
	return &appointmentRepoPG{pool: pool}
}

const appointmentCols = `id, patient_id, dentist_id, scheduled_at, duration_minutes, reason,
	state, cancellation_reason, reminder_sent_at, notes, created_at, updated_at`

func scanAppointment(row pgx.Row) (*Appointment, error) {
	var a Appointment
	err := row.Scan(&a.ID, &a.PatientID, &a.DentistID, &a.ScheduledAt, &a.DurationMinutes,
		&a.Reason, &a.State, &a.CancellationReason, &a.ReminderSentAt, &a.Notes,
		&a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return nil, mapPGError(err, "appointment")
	}
	return &a, nil
}

func collectAppointments(rows pgx.Rows) ([]*Appointment, error) {
	defer rows.Close()
	var out []*Appointment
	for rows.Next() {
		a, err := scanAppointment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (r *appointmentRepoPG) Create(ctx context.Context, a *Appointment) error {
	a.ID = uuid.New()
	_, err := conn(ctx, r.pool).Exec(ctx, `
		INSERT INTO appointments (id, patient_id, dentist_id, scheduled_at, duration_minutes,
			reason, state, notes)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
		a.ID, a.PatientID, a.DentistID, a.ScheduledAt, a.DurationMinutes,
		a.Reason, a.State, a.Notes)
	return mapPGError(err, "appointment")
}

func (r *appointmentRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	return scanAppointment(conn(ctx, r.pool).QueryRow(ctx,
		`SELECT `+appointmentCols+` FROM appointments WHERE id = $1`, id))
}

func (r *appointmentRepoPG) ListByDentistBetween(ctx context.Context, dentistID uuid.UUID, from, to time.Time) ([]*Appointment, error) {
	rows, err := conn(ctx, r.pool).Query(ctx, `
		SELECT `+appointmentCols+` FROM appointments
		WHERE dentist_id = $1
		  AND state IN ('scheduled', 'confirmed')
		  AND scheduled_at < $3
		  AND scheduled_at + make_interval(mins => duration_minutes) > $2
		ORDER BY scheduled_at`, dentistID, from, to)
	if err != nil {
		return nil, err
	}
	return collectAppointments(rows)
}

func (r *appointmentRepoPG) ListByPatient(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]*Appointment, int, error) {
	var total int
	if err := conn(ctx, r.pool).QueryRow(ctx,
		`SELECT COUNT(*) FROM appointments WHERE patient_id = $1`, patientID).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := conn(ctx, r.pool).Query(ctx, `
		SELECT `+appointmentCols+` FROM appointments
		WHERE patient_id = $1 ORDER BY scheduled_at DESC LIMIT $2 OFFSET $3`,
		patientID, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	appointments, err := collectAppointments(rows)
	return appointments, total, err
}

func (r *appointmentRepoPG) ListByDay(ctx context.Context, day time.Time, limit, offset int) ([]*Appointment, int, error) {
	start := time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, day.Location())
	end := start.Add(24 * time.Hour)

	var total int
	if err := conn(ctx, r.pool).QueryRow(ctx,
		`SELECT COUNT(*) FROM appointments WHERE scheduled_at >= $1 AND scheduled_at < $2`,
		start, end).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := conn(ctx, r.pool).Query(ctx, `
		SELECT `+appointmentCols+` FROM appointments
		WHERE scheduled_at >= $1 AND scheduled_at < $2
		ORDER BY scheduled_at LIMIT $3 OFFSET $4`, start, end, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	appointments, err := collectAppointments(rows)
	return appointments, total, err
}

func (r *appointmentRepoPG) Update(ctx context.Context, a *Appointment) error {
	tag, err := conn(ctx, r.pool).Exec(ctx, `
		UPDATE appointments
		SET scheduled_at = $2, duration_minutes = $3, reason = $4, state = $5,
			cancellation_reason = $6, reminder_sent_at = $7, notes = $8, updated_at = NOW()
		WHERE id = $1`,
		a.ID, a.ScheduledAt, a.DurationMinutes, a.Reason, a.State,
		a.CancellationReason, a.ReminderSentAt, a.Notes)
	if err != nil {
		return mapPGError(err, "appointment")
	}
	if tag.RowsAffected() == 0 {
		return apierr.NotFound("appointment")
	}
	return nil
}

func (r *appointmentRepoPG) ListStale(ctx context.Context, cutoff time.Time, limit int) ([]*Appointment, error) {
	rows, err := conn(ctx, r.pool).Query(ctx, `
		SELECT `+appointmentCols+` FROM appointments
		WHERE state IN ('scheduled', 'confirmed')
		  AND scheduled_at + make_interval(mins => duration_minutes) < $1
		ORDER BY scheduled_at LIMIT $2`, cutoff, limit)
	if err != nil {
		return nil, err
	}
	return collectAppointments(rows)
}

func (r *appointmentRepoPG) ListUpcomingUnreminded(ctx context.Context, from, to time.Time, limit int) ([]*Appointment, error) {
	rows, err := conn(ctx, r.pool).Query(ctx, `
		SELECT `+appointmentCols+` FROM appointments
		WHERE state IN ('scheduled', 'confirmed')
		  AND reminder_sent_at IS NULL
		  AND scheduled_at >= $1 AND scheduled_at < $2
		ORDER BY scheduled_at LIMIT $3`, from, to, limit)
	if err != nil {
		return nil, err
	}
	return collectAppointments(rows)
}

type clinicalNoteRepoPG struct{ pool *pgxpool.Pool }

func NewClinicalNoteRepoPG(pool *pgxpool.Pool) ClinicalNoteRepository {
	return &clinicalNoteRepoPG{pool: pool}
}

const noteCols = `id, patient_id, dentist_id, appointment_id, description, treatment,
	observations, recorded_at, created_at`

func scanNote(row pgx.Row) (*ClinicalNote, error) {
	var n ClinicalNote
	err := row.Scan(&n.ID, &n.PatientID, &n.DentistID, &n.AppointmentID, &n.Description,
		&n.Treatment, &n.Observations, &n.RecordedAt, &n.CreatedAt)
	if err != nil {
		return nil, mapPGError(err, "clinical note")
	}
	return &n, nil
}

func (r *clinicalNoteRepoPG) Create(ctx context.Context, n *ClinicalNote) error {
	n.ID = uuid.New()
	_, err := conn(ctx, r.pool).Exec(ctx, `
		INSERT INTO clinical_notes (id, patient_id, dentist_id, appointment_id, description,
			treatment, observations, recorded_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
		n.ID, n.PatientID, n.DentistID, n.AppointmentID, n.Description,
		n.Treatment, n.Observations, n.RecordedAt)
	return mapPGError(err, "clinical note")
}

func (r *clinicalNoteRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*ClinicalNote, error) {
	return scanNote(conn(ctx, r.pool).QueryRow(ctx,
		`SELECT `+noteCols+` FROM clinical_notes WHERE id = $1`, id))
}

func (r *clinicalNoteRepoPG) ListByPatient(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]*ClinicalNote, int, error) {
	var total int
	if err := conn(ctx, r.pool).QueryRow(ctx,
		`SELECT COUNT(*) FROM clinical_notes WHERE patient_id = $1`, patientID).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := conn(ctx, r.pool).Query(ctx, `
		SELECT `+noteCols+` FROM clinical_notes
		WHERE patient_id = $1 ORDER BY recorded_at DESC LIMIT $2 OFFSET $3`,
		patientID, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var notes []*ClinicalNote
	for rows.Next() {
		n, err := scanNote(rows)
		if err != nil {
			return nil, 0, err
		}
		notes = append(notes, n)
	}
	return notes, total, rows.Err()
}
