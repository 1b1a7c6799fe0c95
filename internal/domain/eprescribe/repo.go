package eprescribe

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// StatusUpdate is one status write. Nil fields leave the column untouched.
type StatusUpdate struct {
	Status            string
	Payload           json.RawMessage
	Sequence          *int64
	TransmissionError *string
	CancelReason      *string
	At                time.Time
	// From restricts the write to rows currently in one of these statuses.
	// Empty means last-write-wins.
	From []string
}

type PrescriptionRepository interface {
	Create(ctx context.Context, p *Prescription) error
	GetByID(ctx context.Context, id uuid.UUID) (*Prescription, error)
	// ClaimSendKey stores key unless one is already set and returns the
	// key that is persisted.
	ClaimSendKey(ctx context.Context, id uuid.UUID, key string) (string, error)
	// ApplyStatus returns false when the write was skipped because the row
	// holds a newer vendor sequence or is not in an allowed status.
	ApplyStatus(ctx context.Context, id uuid.UUID, u StatusUpdate) (bool, error)
}

type IdentityMapRepository interface {
	// Find returns the vendor id for a local entity, or ErrNotFound.
	Find(ctx context.Context, entityType, entityID, vendor string) (string, error)
	// FindEntity is the reverse lookup used by webhooks.
	FindEntity(ctx context.Context, entityType, vendor, vendorID string) (string, error)
	Upsert(ctx context.Context, m *IdentityMapping) error
}
