package identity

import (
	"context"
	"errors"
)

var ErrNotFound = errors.New("identity: not found")

// Directory is the read side of the patient/user store.
type Directory interface {
	GetPatient(ctx context.Context, id string) (*Patient, error)
	// GetPractitioner resolves either the linked user id or the row id.
	GetPractitioner(ctx context.Context, id string) (*Practitioner, error)
}
