// Package eprescribe tracks prescriptions through their lifecycle and routes
// them to either the DoseSpot network or the local prescribing engine.
package eprescribe

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Prescription statuses.
const (
	StatusDraft     = "DRAFT"
	StatusSent      = "SENT"
	StatusCancelled = "CANCELLED"
	StatusReady     = "READY"
	StatusError     = "ERROR"
)

// Identity map entity types.
const (
	EntityPatient      = "patient"
	EntityPrescriber   = "prescriber"
	EntityPrescription = "prescription"
)

const VendorDoseSpot = "dosespot"

// Prescription maps to the prescriptions table. Rows are never deleted.
type Prescription struct {
	ID                 uuid.UUID       `db:"id" json:"id"`
	PatientID          uuid.UUID       `db:"patient_id" json:"patient_id"`
	PrescriberID       string          `db:"prescriber_id" json:"prescriber_id"`
	MedicationName     string          `db:"medication_name" json:"medication_name"`
	Sig                string          `db:"sig" json:"sig"`
	Quantity           float64         `db:"quantity" json:"quantity"`
	DaysSupply         int             `db:"days_supply" json:"days_supply"`
	Refills            int             `db:"refills" json:"refills"`
	IsControlled       bool            `db:"is_controlled" json:"is_controlled"`
	Schedule           *string         `db:"schedule" json:"schedule,omitempty"`
	PharmacyVendorID   *string         `db:"pharmacy_vendor_id" json:"pharmacy_vendor_id,omitempty"`
	Status             string          `db:"status" json:"status"`
	VendorMessageID    *string         `db:"vendor_message_id" json:"vendor_message_id,omitempty"`
	VendorPayload      json.RawMessage `db:"vendor_payload" json:"-"`
	VendorSequence     *int64          `db:"vendor_sequence" json:"vendor_sequence,omitempty"`
	SendIdempotencyKey *string         `db:"send_idempotency_key" json:"-"`
	TransmissionError  *string         `db:"transmission_error" json:"transmission_error,omitempty"`
	CancelReason       *string         `db:"cancel_reason" json:"cancel_reason,omitempty"`
	CreatedBy          *string         `db:"created_by" json:"created_by,omitempty"`
	CreatedAt          time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt          time.Time       `db:"updated_at" json:"updated_at"`
	SentAt             *time.Time      `db:"sent_at" json:"sent_at,omitempty"`
	FilledAt           *time.Time      `db:"filled_at" json:"filled_at,omitempty"`
	CancelledAt        *time.Time      `db:"cancelled_at" json:"cancelled_at,omitempty"`
}

// IdentityMapping associates a local entity with its vendor identifier.
type IdentityMapping struct {
	EntityType string    `db:"entity_type" json:"entity_type"`
	EntityID   string    `db:"entity_id" json:"entity_id"`
	Vendor     string    `db:"vendor" json:"vendor"`
	VendorID   string    `db:"vendor_id" json:"vendor_id"`
	CreatedAt  time.Time `db:"created_at" json:"created_at"`
	UpdatedAt  time.Time `db:"updated_at" json:"updated_at"`
}

// DraftRequest is a new prescription as submitted by a clinician. Field
// limits follow the Surescripts NCPDP SCRIPT rules.
type DraftRequest struct {
	PatientID        string  `json:"patient_id" validate:"required,uuid"`
	PrescriberID     string  `json:"prescriber_id"`
	Medication       string  `json:"medication" validate:"required,max=105"`
	Sig              string  `json:"sig" validate:"required,max=140"`
	Quantity         float64 `json:"quantity" validate:"gt=0"`
	DaysSupply       int     `json:"days_supply" validate:"min=1,max=999"`
	Refills          int     `json:"refills" validate:"min=0,max=99"`
	PharmacyVendorID string  `json:"pharmacy_id,omitempty" validate:"max=255"`
	IsControlled     bool    `json:"is_controlled"`
	Schedule         string  `json:"schedule,omitempty" validate:"omitempty,oneof=C-I C-II C-III C-IV C-V"`
}

// Controlled reports whether the draft is a scheduled substance.
func (r DraftRequest) Controlled() bool {
	return r.IsControlled || r.Schedule != ""
}

type DraftResult struct {
	PrescriptionID  uuid.UUID `json:"prescription_id"`
	VendorMessageID string    `json:"vendor_message_id,omitempty"`
}

type StatusResult struct {
	Status string `json:"status"`
}

type SSORequest struct {
	UserID    string `json:"user_id"`
	PatientID string `json:"patient_id"`
	ReturnURL string `json:"return_url,omitempty"`
}

type SSOResult struct {
	URL   string `json:"url"`
	Token string `json:"token,omitempty"`
}

// EPCSResult is the outcome of the controlled-substance gate.
type EPCSResult struct {
	Valid bool   `json:"valid"`
	Error string `json:"error,omitempty"`
}

// webhookEvent is the decoded vendor callback. Field aliases cover both
// naming conventions the vendor has used.
type webhookEvent struct {
	EventType      string          `json:"event_type"`
	Type           string          `json:"type"`
	PrescriptionID json.RawMessage `json:"prescription_id"`
	ID             json.RawMessage `json:"id"`
	ErrorMessage   string          `json:"error_message"`
	Message        string          `json:"message"`
	Sequence       json.RawMessage `json:"sequence"`
}

func (e webhookEvent) kind() string {
	if e.EventType != "" {
		return strings.ToLower(e.EventType)
	}
	return strings.ToLower(e.Type)
}

func (e webhookEvent) vendorPrescriptionID() string {
	if id := rawID(e.PrescriptionID); id != "" {
		return id
	}
	return rawID(e.ID)
}

func (e webhookEvent) errorText() string {
	if e.ErrorMessage != "" {
		return e.ErrorMessage
	}
	return e.Message
}

func rawID(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		return n.String()
	}
	return ""
}

// webhookTransitions maps vendor event names to the resulting status.
var webhookTransitions = map[string]string{
	"sent":                   StatusSent,
	"prescription_sent":      StatusSent,
	"cancelled":              StatusCancelled,
	"prescription_cancelled": StatusCancelled,
	"filled":                 StatusReady,
	"prescription_filled":    StatusReady,
	"error":                  StatusError,
	"prescription_error":     StatusError,
}

// statusForEvent returns the status an event moves a prescription to.
func statusForEvent(kind string) (string, bool) {
	s, ok := webhookTransitions[kind]
	return s, ok
}

// cancellable lists the statuses an API cancel is accepted from.
var cancellable = []string{StatusDraft, StatusSent}

func canCancel(status string) bool {
	for _, s := range cancellable {
		if s == status {
			return true
		}
	}
	return false
}

var knownStatuses = map[string]bool{
	StatusDraft: true, StatusSent: true, StatusCancelled: true, StatusReady: true, StatusError: true,
}

// normalizeVendorStatus maps a vendor status string onto a local status.
// Unknown or empty values yield fallback.
func normalizeVendorStatus(s, fallback string) string {
	up := strings.ToUpper(strings.TrimSpace(s))
	switch up {
	case "FILLED", "READY", "DISPENSED":
		return StatusReady
	case "CANCELED":
		return StatusCancelled
	case "FAILED", "REJECTED":
		return StatusError
	}
	if knownStatuses[up] {
		return up
	}
	return fallback
}
