package eprescribe

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/ehr/erx/internal/platform/db"
)

// recordingTx captures the statements the repositories send. Methods not
// overridden panic through the nil embedded interface.
type recordingTx struct {
	pgx.Tx
	sql      string
	args     []any
	affected int64
	row      pgx.Row
}

func (t *recordingTx) Exec(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	t.sql, t.args = sql, args
	if t.affected > 0 {
		return pgconn.NewCommandTag("UPDATE 1"), nil
	}
	return pgconn.NewCommandTag("UPDATE 0"), nil
}

func (t *recordingTx) QueryRow(_ context.Context, sql string, args ...any) pgx.Row {
	t.sql, t.args = sql, args
	return t.row
}

type stubRow struct {
	val string
	err error
}

func (r stubRow) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	*dest[0].(*string) = r.val
	return nil
}

func txContext(tx *recordingTx) context.Context {
	return context.WithValue(context.Background(), db.DBTxKey, pgx.Tx(tx))
}

func compact(sql string) string {
	return strings.Join(strings.Fields(sql), " ")
}

func TestApplyStatusPG_Guards(t *testing.T) {
	tx := &recordingTx{affected: 1}
	repo := NewPrescriptionRepo(nil)
	id := uuid.New()
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	ok, err := repo.ApplyStatus(txContext(tx), id, StatusUpdate{
		Status:   StatusCancelled,
		Sequence: int64p(7),
		From:     []string{StatusDraft, StatusSent},
		At:       at,
	})
	if err != nil || !ok {
		t.Fatalf("ApplyStatus = %v, %v", ok, err)
	}

	sql := compact(tx.sql)
	for _, want := range []string{
		"WHERE id = $1",
		"($4::bigint IS NULL OR vendor_sequence IS NULL OR vendor_sequence < $4::bigint)",
		"($8::text[] IS NULL OR status = ANY($8::text[]))",
		"sent_at = CASE WHEN $2::text = 'SENT' THEN COALESCE(sent_at, $7::timestamptz) ELSE sent_at END",
		"filled_at = CASE WHEN $2::text = 'READY' THEN COALESCE(filled_at, $7::timestamptz) ELSE filled_at END",
		"cancelled_at = CASE WHEN $2::text = 'CANCELLED' THEN COALESCE(cancelled_at, $7::timestamptz) ELSE cancelled_at END",
	} {
		if !strings.Contains(sql, want) {
			t.Errorf("statement missing %q", want)
		}
	}

	if len(tx.args) != 8 {
		t.Fatalf("expected 8 args, got %d", len(tx.args))
	}
	if tx.args[0] != id || tx.args[1] != StatusCancelled || tx.args[6] != at {
		t.Errorf("unexpected args %v", tx.args)
	}
	if seq, _ := tx.args[3].(*int64); seq == nil || *seq != 7 {
		t.Errorf("sequence arg = %v", tx.args[3])
	}
	if from, _ := tx.args[7].([]string); len(from) != 2 {
		t.Errorf("from arg = %v", tx.args[7])
	}
}

func TestApplyStatusPG_LastWriteWins(t *testing.T) {
	tx := &recordingTx{}
	ok, err := NewPrescriptionRepo(nil).ApplyStatus(txContext(tx), uuid.New(), StatusUpdate{Status: StatusReady})
	if err != nil {
		t.Fatalf("ApplyStatus: %v", err)
	}
	if ok {
		t.Error("no affected rows must report false")
	}
	if tx.args[2] != nil || tx.args[7] != nil {
		t.Errorf("empty payload and From must be sent as NULL, got %v and %v", tx.args[2], tx.args[7])
	}
	if seq, _ := tx.args[3].(*int64); seq != nil {
		t.Errorf("missing sequence must be NULL, got %v", *seq)
	}
	if at, _ := tx.args[6].(time.Time); at.IsZero() {
		t.Error("timestamp should default to now")
	}
}

func TestClaimSendKeyPG(t *testing.T) {
	tx := &recordingTx{row: stubRow{val: "ds-first"}}
	got, err := NewPrescriptionRepo(nil).ClaimSendKey(txContext(tx), uuid.New(), "ds-second")
	if err != nil {
		t.Fatalf("ClaimSendKey: %v", err)
	}
	if got != "ds-first" {
		t.Errorf("expected the stored key, got %q", got)
	}
	if !strings.Contains(compact(tx.sql), "send_idempotency_key = COALESCE(send_idempotency_key, $2)") {
		t.Errorf("key must only be set once: %s", compact(tx.sql))
	}

	tx = &recordingTx{row: stubRow{err: pgx.ErrNoRows}}
	if _, err := NewPrescriptionRepo(nil).ClaimSendKey(txContext(tx), uuid.New(), "ds-k"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}
