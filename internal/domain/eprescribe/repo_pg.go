package eprescribe

import (
	"context"
	"errors"
	"fmt"
	"time"

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

// connFor prefers the request transaction, then the tenant connection.
func connFor(ctx context.Context, pool *pgxpool.Pool) querier {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	if c := db.ConnFromContext(ctx); c != nil {
		return c
	}
	return pool
}

// -- Prescription Repository --

type prescriptionRepoPG struct {
	pool *pgxpool.Pool
}

func NewPrescriptionRepo(pool *pgxpool.Pool) PrescriptionRepository {
	return &prescriptionRepoPG{pool: pool}
}

func (r *prescriptionRepoPG) conn(ctx context.Context) querier {
	return connFor(ctx, r.pool)
}

const prescriptionCols = `id, patient_id, prescriber_id, medication_name, sig, quantity, days_supply, refills,
	is_controlled, schedule, pharmacy_vendor_id, status, vendor_message_id, vendor_payload, vendor_sequence,
	send_idempotency_key, transmission_error, cancel_reason, created_by,
	created_at, updated_at, sent_at, filled_at, cancelled_at`

func (r *prescriptionRepoPG) Create(ctx context.Context, p *Prescription) error {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	if p.Status == "" {
		p.Status = StatusDraft
	}
	err := r.conn(ctx).QueryRow(ctx, `
		INSERT INTO prescriptions (
			id, patient_id, prescriber_id, medication_name, sig, quantity, days_supply, refills,
			is_controlled, schedule, pharmacy_vendor_id, status, vendor_message_id, vendor_payload,
			vendor_sequence, created_by
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)
		RETURNING created_at, updated_at`,
		p.ID, p.PatientID, p.PrescriberID, p.MedicationName, p.Sig, p.Quantity, p.DaysSupply, p.Refills,
		p.IsControlled, p.Schedule, p.PharmacyVendorID, p.Status, p.VendorMessageID, jsonArg(p.VendorPayload),
		p.VendorSequence, p.CreatedBy,
	).Scan(&p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return fmt.Errorf("prescription create: %w", err)
	}
	return nil
}

func (r *prescriptionRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Prescription, error) {
	p, err := scanPrescription(r.conn(ctx).QueryRow(ctx, `SELECT `+prescriptionCols+` FROM prescriptions WHERE id = $1`, id))
	if err != nil {
		return nil, err
	}
	return p, nil
}

func (r *prescriptionRepoPG) ClaimSendKey(ctx context.Context, id uuid.UUID, key string) (string, error) {
	var stored string
	err := r.conn(ctx).QueryRow(ctx, `
		UPDATE prescriptions SET send_idempotency_key = COALESCE(send_idempotency_key, $2)
		WHERE id = $1
		RETURNING send_idempotency_key`, id, key).Scan(&stored)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("prescription claim send key: %w", err)
	}
	return stored, nil
}

// ApplyStatus writes a status change. Milestone timestamps are set once and
// never moved. When the update carries a vendor sequence the write only
// lands if it is newer than what is stored.
func (r *prescriptionRepoPG) ApplyStatus(ctx context.Context, id uuid.UUID, u StatusUpdate) (bool, error) {
	at := u.At
	if at.IsZero() {
		at = time.Now().UTC()
	}
	var from any
	if len(u.From) > 0 {
		from = u.From
	}
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE prescriptions SET
			status             = $2::text,
			vendor_payload     = COALESCE($3::jsonb, vendor_payload),
			vendor_sequence    = COALESCE($4::bigint, vendor_sequence),
			transmission_error = COALESCE($5::text, transmission_error),
			cancel_reason      = COALESCE($6::text, cancel_reason),
			sent_at            = CASE WHEN $2::text = 'SENT' THEN COALESCE(sent_at, $7::timestamptz) ELSE sent_at END,
			filled_at          = CASE WHEN $2::text = 'READY' THEN COALESCE(filled_at, $7::timestamptz) ELSE filled_at END,
			cancelled_at       = CASE WHEN $2::text = 'CANCELLED' THEN COALESCE(cancelled_at, $7::timestamptz) ELSE cancelled_at END,
			updated_at         = $7::timestamptz
		WHERE id = $1
		  AND ($4::bigint IS NULL OR vendor_sequence IS NULL OR vendor_sequence < $4::bigint)
		  AND ($8::text[] IS NULL OR status = ANY($8::text[]))`,
		id, u.Status, jsonArg(u.Payload), u.Sequence, u.TransmissionError, u.CancelReason, at, from,
	)
	if err != nil {
		return false, fmt.Errorf("prescription apply status: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

func scanPrescription(row pgx.Row) (*Prescription, error) {
	var p Prescription
	var payload []byte
	err := row.Scan(
		&p.ID, &p.PatientID, &p.PrescriberID, &p.MedicationName, &p.Sig, &p.Quantity, &p.DaysSupply, &p.Refills,
		&p.IsControlled, &p.Schedule, &p.PharmacyVendorID, &p.Status, &p.VendorMessageID, &payload, &p.VendorSequence,
		&p.SendIdempotencyKey, &p.TransmissionError, &p.CancelReason, &p.CreatedBy,
		&p.CreatedAt, &p.UpdatedAt, &p.SentAt, &p.FilledAt, &p.CancelledAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("prescription scan: %w", err)
	}
	p.VendorPayload = payload
	return &p, nil
}

// jsonArg sends an empty payload as SQL NULL.
func jsonArg(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}

// -- Identity Map Repository --

type identityMapRepoPG struct {
	pool *pgxpool.Pool
}

func NewIdentityMapRepo(pool *pgxpool.Pool) IdentityMapRepository {
	return &identityMapRepoPG{pool: pool}
}

func (r *identityMapRepoPG) conn(ctx context.Context) querier {
	return connFor(ctx, r.pool)
}

func (r *identityMapRepoPG) Find(ctx context.Context, entityType, entityID, vendor string) (string, error) {
	var vendorID string
	err := r.conn(ctx).QueryRow(ctx, `
		SELECT vendor_id FROM eprescribe_id_map
		WHERE entity_type = $1 AND entity_id = $2 AND vendor = $3`,
		entityType, entityID, vendor).Scan(&vendorID)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("id map find: %w", err)
	}
	return vendorID, nil
}

func (r *identityMapRepoPG) FindEntity(ctx context.Context, entityType, vendor, vendorID string) (string, error) {
	var entityID string
	err := r.conn(ctx).QueryRow(ctx, `
		SELECT entity_id FROM eprescribe_id_map
		WHERE vendor = $1 AND entity_type = $2 AND vendor_id = $3
		ORDER BY updated_at DESC
		LIMIT 1`,
		vendor, entityType, vendorID).Scan(&entityID)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("id map reverse lookup: %w", err)
	}
	return entityID, nil
}

func (r *identityMapRepoPG) Upsert(ctx context.Context, m *IdentityMapping) error {
	err := r.conn(ctx).QueryRow(ctx, `
		INSERT INTO eprescribe_id_map (entity_type, entity_id, vendor, vendor_id)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (entity_type, entity_id, vendor)
		DO UPDATE SET vendor_id = EXCLUDED.vendor_id, updated_at = NOW()
		RETURNING created_at, updated_at`,
		m.EntityType, m.EntityID, m.Vendor, m.VendorID,
	).Scan(&m.CreatedAt, &m.UpdatedAt)
	if err != nil {
		return fmt.Errorf("id map upsert: %w", err)
	}
	return nil
}
