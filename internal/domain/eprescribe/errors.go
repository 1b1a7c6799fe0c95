package eprescribe

import (
	"errors"
	"fmt"
)

var (
	ErrNotConfigured     = errors.New("eprescribe: vendor integration is not configured")
	ErrNotFound          = errors.New("eprescribe: not found")
	ErrValidation        = errors.New("eprescribe: validation failed")
	ErrInvalidTransition = errors.New("eprescribe: invalid status transition")
	ErrInvalidSignature  = errors.New("eprescribe: invalid webhook signature")
	ErrMalformedWebhook  = errors.New("eprescribe: malformed webhook payload")
)

func validationError(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

func transitionError(op, from string) error {
	return fmt.Errorf("%w: cannot %s a prescription in status %s", ErrInvalidTransition, op, from)
}
