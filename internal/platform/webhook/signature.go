// Package webhook verifies HMAC-SHA256 signatures on inbound vendor callbacks.
package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"

	"github.com/rs/zerolog"
)

// Verification modes.
const (
	ModeStrict     = "strict"
	ModePermissive = "permissive"
)

var (
	ErrMissingSignature = errors.New("webhook: missing signature")
	ErrInvalidSignature = errors.New("webhook: invalid signature")
	ErrNoSecret         = errors.New("webhook: no signing secret configured")
)

// SignPayload computes an HMAC-SHA256 signature of the payload using the given secret,
// returning the hex-encoded result.
func SignPayload(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature reports whether signature is the hex HMAC-SHA256 of payload
// under secret. A "sha256=" prefix is accepted. Hex case is ignored.
func VerifySignature(payload []byte, secret, signature string) bool {
	signature = strings.TrimSpace(signature)
	signature = strings.TrimPrefix(signature, "sha256=")
	got, err := hex.DecodeString(signature)
	if err != nil || len(got) != sha256.Size {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hmac.Equal(mac.Sum(nil), got)
}

// Verifier applies the configured strictness to inbound signatures.
type Verifier struct {
	secret string
	mode   string
	logger zerolog.Logger
}

// NewVerifier returns a Verifier. Any mode other than "permissive" is strict.
func NewVerifier(secret, mode string, logger zerolog.Logger) *Verifier {
	if mode != ModePermissive {
		mode = ModeStrict
	}
	return &Verifier{secret: secret, mode: mode, logger: logger}
}

// Mode returns the effective verification mode.
func (v *Verifier) Mode() string { return v.mode }

// Verify checks signature over the raw payload. With no secret configured,
// strict mode rejects every event and permissive mode accepts it with a
// warning.
func (v *Verifier) Verify(payload []byte, signature string) error {
	if v.secret == "" {
		if v.mode == ModePermissive {
			v.logger.Warn().Msg("webhook signing secret not configured; accepting unsigned event")
			return nil
		}
		return ErrNoSecret
	}
	if signature == "" {
		return ErrMissingSignature
	}
	if !VerifySignature(payload, v.secret, signature) {
		return ErrInvalidSignature
	}
	return nil
}
