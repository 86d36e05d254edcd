package identity

import (
	"context"
	"errors"

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
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return apierr.DuplicateKey(what + " already exists")
	}
	return err
}

// ---- patients ----

type patientRepoPG struct{ pool *pgxpool.Pool }

func NewPatientRepoPG(pool *pgxpool.Pool) PatientRepository { return &patientRepoPG{pool: pool} }

const patientCols = `id, first_name, last_name, document_number, phone, email, birth_date, active, created_at, updated_at`

func scanPatient(row pgx.Row) (*Patient, error) {
	var p Patient
	err := row.Scan(&p.ID, &p.FirstName, &p.LastName, &p.DocumentNumber, &p.Phone, &p.Email,
		&p.BirthDate, &p.Active, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, mapPGError(err, "patient")
	}
	return &p, nil
}

func (r *patientRepoPG) Create(ctx context.Context, p *Patient) error {
	p.ID = uuid.New()
	_, err := conn(ctx, r.pool).Exec(ctx, `
		INSERT INTO patients (id, first_name, last_name, document_number, phone, email, birth_date, active)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
		p.ID, p.FirstName, p.LastName, p.DocumentNumber, p.Phone, p.Email, p.BirthDate, p.Active)
	return mapPGError(err, "patient")
}

func (r *patientRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Patient, error) {
	return scanPatient(conn(ctx, r.pool).QueryRow(ctx,
		`SELECT `+patientCols+` FROM patients WHERE id = $1`, id))
}

func (r *patientRepoPG) GetByDocument(ctx context.Context, document string) (*Patient, error) {
	return scanPatient(conn(ctx, r.pool).QueryRow(ctx,
		`SELECT `+patientCols+` FROM patients WHERE document_number = $1`, document))
}

func (r *patientRepoPG) List(ctx context.Context, limit, offset int) ([]*Patient, int, error) {
	var total int
	if err := conn(ctx, r.pool).QueryRow(ctx, `SELECT COUNT(*) FROM patients`).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := conn(ctx, r.pool).Query(ctx,
		`SELECT `+patientCols+` FROM patients ORDER BY last_name, first_name LIMIT $1 OFFSET $2`, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var patients []*Patient
	for rows.Next() {
		p, err := scanPatient(rows)
		if err != nil {
			return nil, 0, err
		}
		patients = append(patients, p)
	}
	return patients, total, rows.Err()
}

func (r *patientRepoPG) Update(ctx context.Context, p *Patient) error {
	tag, err := conn(ctx, r.pool).Exec(ctx, `
		UPDATE patients
		SET first_name = $2, last_name = $3, document_number = $4, phone = $5,
			email = $6, birth_date = $7, updated_at = NOW()
		WHERE id = $1`,
		p.ID, p.FirstName, p.LastName, p.DocumentNumber, p.Phone, p.Email, p.BirthDate)
	if err != nil {
		return mapPGError(err, "patient")
	}
	if tag.RowsAffected() == 0 {
		return apierr.NotFound("patient")
	}
	return nil
}

func (r *patientRepoPG) SetActive(ctx context.Context, id uuid.UUID, active bool) error {
	tag, err := conn(ctx, r.pool).Exec(ctx,
		`UPDATE patients SET active = $2, updated_at = NOW() WHERE id = $1`, id, active)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return apierr.NotFound("patient")
	}
	return nil
}

// ---- dentists ----

type dentistRepoPG struct{ pool *pgxpool.Pool }

func NewDentistRepoPG(pool *pgxpool.Pool) DentistRepository { return &dentistRepoPG{pool: pool} }

const dentistCols = `id, user_id, first_name, last_name, license_number, specialty, active, created_at, updated_at`

func scanDentist(row pgx.Row) (*Dentist, error) {
	var d Dentist
	err := row.Scan(&d.ID, &d.UserID, &d.FirstName, &d.LastName, &d.LicenseNumber, &d.Specialty,
		&d.Active, &d.CreatedAt, &d.UpdatedAt)
	if err != nil {
		return nil, mapPGError(err, "dentist")
	}
	return &d, nil
}

func (r *dentistRepoPG) Create(ctx context.Context, d *Dentist) error {
	d.ID = uuid.New()
	_, err := conn(ctx, r.pool).Exec(ctx, `
		INSERT INTO dentists (id, user_id, first_name, last_name, license_number, specialty, active)
		VALUES ($1,$2,$3,$4,$5,$6,$7)`,
		d.ID, d.UserID, d.FirstName, d.LastName, d.LicenseNumber, d.Specialty, d.Active)
	return mapPGError(err, "dentist")
}

func (r *dentistRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Dentist, error) {
	return scanDentist(conn(ctx, r.pool).QueryRow(ctx,
		`SELECT `+dentistCols+` FROM dentists WHERE id = $1`, id))
}

func (r *dentistRepoPG) List(ctx context.Context, limit, offset int) ([]*Dentist, int, error) {
	var total int
	if err := conn(ctx, r.pool).QueryRow(ctx, `SELECT COUNT(*) FROM dentists`).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := conn(ctx, r.pool).Query(ctx,
		`SELECT `+dentistCols+` FROM dentists ORDER BY last_name, first_name LIMIT $1 OFFSET $2`, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var dentists []*Dentist
	for rows.Next() {
		d, err := scanDentist(rows)
		if err != nil {
			return nil, 0, err
		}
		dentists = append(dentists, d)
	}
	return dentists, total, rows.Err()
}

func (r *dentistRepoPG) Update(ctx context.Context, d *Dentist) error {
	tag, err := conn(ctx, r.pool).Exec(ctx, `
		UPDATE dentists
		SET first_name = $2, last_name = $3, license_number = $4, specialty = $5, updated_at = NOW()
		WHERE id = $1`,
		d.ID, d.FirstName, d.LastName, d.LicenseNumber, d.Specialty)
	if err != nil {
		return mapPGError(err, "dentist")
	}
	if tag.RowsAffected() == 0 {
		return apierr.NotFound("dentist")
	}
	return nil
}

func (r *dentistRepoPG) SetActive(ctx context.Context, id uuid.UUID, active bool) error {
	tag, err := conn(ctx, r.pool).Exec(ctx,
		`UPDATE dentists SET active = $2, updated_at = NOW() WHERE id = $1`, id, active)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return apierr.NotFound("dentist")
	}
	return nil
}

// ---- receptionists ----

type receptionistRepoPG struct{ pool *pgxpool.Pool }

func NewReceptionistRepoPG(pool *pgxpool.Pool) ReceptionistRepository {
	return &receptionistRepoPG{pool: pool}
}

const receptionistCols = `id, user_id, first_name, last_name, active, created_at, updated_at`

func scanReceptionist(row pgx.Row) (*Receptionist, error) {
	var rc Receptionist
	err := row.Scan(&rc.ID, &rc.UserID, &rc.FirstName, &rc.LastName, &rc.Active, &rc.CreatedAt, &rc.UpdatedAt)
	if err != nil {
		return nil, mapPGError(err, "receptionist")
	}
	return &rc, nil
}

func (r *receptionistRepoPG) Create(ctx context.Context, rc *Receptionist) error {
	rc.ID = uuid.New()
	_, err := conn(ctx, r.pool).Exec(ctx, `
		INSERT INTO receptionists (id, user_id, first_name, last_name, active)
		VALUES ($1,$2,$3,$4,$5)`,
		rc.ID, rc.UserID, rc.FirstName, rc.LastName, rc.Active)
	return mapPGError(err, "receptionist")
}

func (r *receptionistRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Receptionist, error) {
	return scanReceptionist(conn(ctx, r.pool).QueryRow(ctx,
		`SELECT `+receptionistCols+` FROM receptionists WHERE id = $1`, id))
}

func (r *receptionistRepoPG) List(ctx context.Context, limit, offset int) ([]*Receptionist, int, error) {
	var total int
	if err := conn(ctx, r.pool).QueryRow(ctx, `SELECT COUNT(*) FROM receptionists`).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := conn(ctx, r.pool).Query(ctx,
		`SELECT `+receptionistCols+` FROM receptionists ORDER BY last_name, first_name LIMIT $1 OFFSET $2`, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var receptionists []*Receptionist
	for rows.Next() {
		rc, err := scanReceptionist(rows)
		if err != nil {
			return nil, 0, err
		}
		receptionists = append(receptionists, rc)
	}
	return receptionists, total, rows.Err()
}

func (r *receptionistRepoPG) Update(ctx context.Context, rc *Receptionist) error {
	tag, err := conn(ctx, r.pool).Exec(ctx, `
		UPDATE receptionists
		SET first_name = $2, last_name = $3, updated_at = NOW()
		WHERE id = $1`,
		rc.ID, rc.FirstName, rc.LastName)
	if err != nil {
		return mapPGError(err, "receptionist")
	}
	if tag.RowsAffected() == 0 {
		return apierr.NotFound("receptionist")
	}
	return nil
}

func (r *receptionistRepoPG) SetActive(ctx context.Context, id uuid.UUID, active bool) error {
	tag, err := conn(ctx, r.pool).Exec(ctx,
		`UPDATE receptionists SET active = $2, updated_at = NOW() WHERE id = $1`, id, active)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return apierr.NotFound("receptionist")
	}
	return nil
}
