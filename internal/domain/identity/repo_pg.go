package identity

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/erx/internal/platform/db"
)

type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type directoryPG struct {
	pool *pgxpool.Pool
}

func NewDirectory(pool *pgxpool.Pool) Directory {
	return &directoryPG{pool: pool}
}

func (r *directoryPG) conn(ctx context.Context) querier {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	if c := db.ConnFromContext(ctx); c != nil {
		return c
	}
	return r.pool
}

const patientCols = `id, active, first_name, last_name, birth_date, gender,
	phone_home, email, address_line1, address_line2, city, state, postal_code,
	created_at, updated_at`

const practCols = `id, user_id, active, first_name, last_name,
	npi_number, dea_number, state_license_num, state_license_state,
	phone, email, created_at, updated_at`

func (r *directoryPG) GetPatient(ctx context.Context, id string) (*Patient, error) {
	pid, err := uuid.Parse(id)
	if err != nil {
		return nil, ErrNotFound
	}
	p, err := scanPatient(r.conn(ctx).QueryRow(ctx, `SELECT `+patientCols+` FROM patient WHERE id = $1`, pid))
	if err != nil {
		return nil, fmt.Errorf("patient get: %w", err)
	}
	return p, nil
}

func (r *directoryPG) GetPractitioner(ctx context.Context, id string) (*Practitioner, error) {
	p, err := scanPractitioner(r.conn(ctx).QueryRow(ctx,
		`SELECT `+practCols+` FROM practitioner WHERE user_id = $1 OR id::text = $1 ORDER BY COALESCE(user_id = $1, false) DESC LIMIT 1`, id))
	if err != nil {
		return nil, fmt.Errorf("practitioner get: %w", err)
	}
	return p, nil
}

func scanPatient(row pgx.Row) (*Patient, error) {
	var p Patient
	err := row.Scan(
		&p.ID, &p.Active, &p.FirstName, &p.LastName, &p.BirthDate, &p.Gender,
		&p.PhoneHome, &p.Email, &p.AddressLine1, &p.AddressLine2, &p.City, &p.State, &p.PostalCode,
		&p.CreatedAt, &p.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func scanPractitioner(row pgx.Row) (*Practitioner, error) {
	var p Practitioner
	err := row.Scan(
		&p.ID, &p.UserID, &p.Active, &p.FirstName, &p.LastName,
		&p.NPINumber, &p.DEANumber, &p.StateLicenseNum, &p.StateLicenseState,
		&p.Phone, &p.Email, &p.CreatedAt, &p.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}
