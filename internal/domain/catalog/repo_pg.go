package catalog

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

// ---- services ----

type serviceRepoPG struct{ pool *pgxpool.Pool }

func NewServiceRepoPG(pool *pgxpool.Pool) ServiceRepository { return &serviceRepoPG{pool: pool} }

const serviceCols = `id, name, description, base_cost, duration_minutes, active, created_at, updated_at`

func scanService(row pgx.Row) (*Service, error) {
	var s Service
	err := row.Scan(&s.ID, &s.Name, &s.Description, &s.BaseCost, &s.DurationMinutes,
		&s.Active, &s.CreatedAt, &s.UpdatedAt)
	if err != nil {
		return nil, mapPGError(err, "service")
	}
	return &s, nil
}

func (r *serviceRepoPG) Create(ctx context.Context, s *Service) error {
	s.ID = uuid.New()
	_, err := conn(ctx, r.pool).Exec(ctx, `
		INSERT INTO services (id, name, description, base_cost, duration_minutes, active)
		VALUES ($1,$2,$3,$4,$5,$6)`,
		s.ID, s.Name, s.Description, s.BaseCost, s.DurationMinutes, s.Active)
	return mapPGError(err, "service")
}

func (r *serviceRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Service, error) {
	return scanService(conn(ctx, r.pool).QueryRow(ctx,
		`SELECT `+serviceCols+` FROM services WHERE id = $1`, id))
}

func (r *serviceRepoPG) GetByIDs(ctx context.Context, ids []uuid.UUID) (map[uuid.UUID]*Service, error) {
	rows, err := conn(ctx, r.pool).Query(ctx,
		`SELECT `+serviceCols+` FROM services WHERE id = ANY($1)`, ids)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[uuid.UUID]*Service, len(ids))
	for rows.Next() {
		s, err := scanService(rows)
		if err != nil {
			return nil, err
		}
		out[s.ID] = s
	}
	return out, rows.Err()
}

func (r *serviceRepoPG) List(ctx context.Context, activeOnly bool, limit, offset int) ([]*Service, int, error) {
	where := ""
	if activeOnly {
		where = " WHERE active"
	}

	var total int
	if err := conn(ctx, r.pool).QueryRow(ctx, `SELECT COUNT(*) FROM services`+where).Scan(&total); err != nil {
		return nil, 0, err
	}

	rows, err := conn(ctx, r.pool).Query(ctx,
		`SELECT `+serviceCols+` FROM services`+where+` ORDER BY name LIMIT $1 OFFSET $2`, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var services []*Service
	for rows.Next() {
		s, err := scanService(rows)
		if err != nil {
			return nil, 0, err
		}
		services = append(services, s)
	}
	return services, total, rows.Err()
}

func (r *serviceRepoPG) Update(ctx context.Context, s *Service) error {
	tag, err := conn(ctx, r.pool).Exec(ctx, `
		UPDATE services
		SET name = $2, description = $3, base_cost = $4, duration_minutes = $5, updated_at = NOW()
		WHERE id = $1`,
		s.ID, s.Name, s.Description, s.BaseCost, s.DurationMinutes)
	if err != nil {
		return mapPGError(err, "service")
	}
	if tag.RowsAffected() == 0 {
		return apierr.NotFound("service")
	}
	return nil
}

func (r *serviceRepoPG) SetActive(ctx context.Context, id uuid.UUID, active bool) error {
	tag, err := conn(ctx, r.pool).Exec(ctx,
		`UPDATE services SET active = $2, updated_at = NOW() WHERE id = $1`, id, active)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return apierr.NotFound("service")
	}
	return nil
}

// ---- combos ----

type comboRepoPG struct{ pool *pgxpool.Pool }

func NewComboRepoPG(pool *pgxpool.Pool) ComboRepository { return &comboRepoPG{pool: pool} }

const comboCols = `id, name, description, pricing_mode, value, valid_from, valid_until, active, created_at, updated_at`

func scanCombo(row pgx.Row) (*ServiceCombo, error) {
	var c ServiceCombo
	err := row.Scan(&c.ID, &c.Name, &c.Description, &c.PricingMode, &c.Value,
		&c.ValidFrom, &c.ValidUntil, &c.Active, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return nil, mapPGError(err, "service combo")
	}
	return &c, nil
}

func (r *comboRepoPG) Create(ctx context.Context, c *ServiceCombo) error {
	c.ID = uuid.New()
	return db.RunInTx(ctx, r.pool, func(ctx context.Context) error {
		q := conn(ctx, r.pool)
		_, err := q.Exec(ctx, `
			INSERT INTO service_combos (id, name, description, pricing_mode, value, valid_from, valid_until, active)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
			c.ID, c.Name, c.Description, c.PricingMode, c.Value, c.ValidFrom, c.ValidUntil, c.Active)
		if err != nil {
			return mapPGError(err, "service combo")
		}
		for i, d := range c.Details {
			d.ID = uuid.New()
			d.ComboID = c.ID
			d.Position = i + 1
			if _, err := q.Exec(ctx, `
				INSERT INTO service_combo_details (id, combo_id, service_id, quantity, position)
				VALUES ($1,$2,$3,$4,$5)`,
				d.ID, d.ComboID, d.ServiceID, d.Quantity, d.Position); err != nil {
				return mapPGError(err, "combo detail")
			}
		}
		return nil
	})
}

func (r *comboRepoPG) loadDetails(ctx context.Context, comboID uuid.UUID) ([]*ComboDetail, error) {
	rows, err := conn(ctx, r.pool).Query(ctx, `
		SELECT id, combo_id, service_id, quantity, position
		FROM service_combo_details WHERE combo_id = $1 ORDER BY position`, comboID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var details []*ComboDetail
	for rows.Next() {
		var d ComboDetail
		if err := rows.Scan(&d.ID, &d.ComboID, &d.ServiceID, &d.Quantity, &d.Position); err != nil {
			return nil, err
		}
		details = append(details, &d)
	}
	return details, rows.Err()
}

func (r *comboRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*ServiceCombo, error) {
	c, err := scanCombo(conn(ctx, r.pool).QueryRow(ctx,
		`SELECT `+comboCols+` FROM service_combos WHERE id = $1`, id))
	if err != nil {
		return nil, err
	}
	if c.Details, err = r.loadDetails(ctx, id); err != nil {
		return nil, err
	}
	return c, nil
}

func (r *comboRepoPG) List(ctx context.Context, activeOnly bool, limit, offset int) ([]*ServiceCombo, int, error) {
	where := ""
	if activeOnly {
		where = " WHERE active"
	}

	var total int
	if err := conn(ctx, r.pool).QueryRow(ctx, `SELECT COUNT(*) FROM service_combos`+where).Scan(&total); err != nil {
		return nil, 0, err
	}

	rows, err := conn(ctx, r.pool).Query(ctx,
		`SELECT `+comboCols+` FROM service_combos`+where+` ORDER BY name LIMIT $1 OFFSET $2`, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var combos []*ServiceCombo
	for rows.Next() {
		c, err := scanCombo(rows)
		if err != nil {
			return nil, 0, err
		}
		combos = append(combos, c)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}

	for _, c := range combos {
		if c.Details, err = r.loadDetails(ctx, c.ID); err != nil {
			return nil, 0, err
		}
	}
	return combos, total, nil
}

func (r *comboRepoPG) Update(ctx context.Context, c *ServiceCombo) error {
	return db.RunInTx(ctx, r.pool, func(ctx context.Context) error {
		q := conn(ctx, r.pool)
		tag, err := q.Exec(ctx, `
			UPDATE service_combos
			SET name = $2, description = $3, pricing_mode = $4, value = $5,
				valid_from = $6, valid_until = $7, updated_at = NOW()
			WHERE id = $1`,
			c.ID, c.Name, c.Description, c.PricingMode, c.Value, c.ValidFrom, c.ValidUntil)
		if err != nil {
			return mapPGError(err, "service combo")
		}
		if tag.RowsAffected() == 0 {
			return apierr.NotFound("service combo")
		}

		if c.Details == nil {
			return nil
		}
		if _, err := q.Exec(ctx, `DELETE FROM service_combo_details WHERE combo_id = $1`, c.ID); err != nil {
			return err
		}
		for i, d := range c.Details {
			d.ID = uuid.New()
			d.ComboID = c.ID
			d.Position = i + 1
			if _, err := q.Exec(ctx, `
				INSERT INTO service_combo_details (id, combo_id, service_id, quantity, position)
				VALUES ($1,$2,$3,$4,$5)`,
				d.ID, d.ComboID, d.ServiceID, d.Quantity, d.Position); err != nil {
				return mapPGError(err, "combo detail")
			}
		}
		return nil
	})
}

func (r *comboRepoPG) SetActive(ctx context.Context, id uuid.UUID, active bool) error {
	tag, err := conn(ctx, r.pool).Exec(ctx,
		`UPDATE service_combos SET active = $2, updated_at = NOW() WHERE id = $1`, id, active)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return apierr.NotFound("service combo")
	}
	return nil
}
