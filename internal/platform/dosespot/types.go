package dosespot

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
)

// Vendor status strings as returned by send and cancel.
const (
	StatusSent      = "SENT"
	StatusCancelled = "CANCELLED"
)

const defaultSearchRadius = 25 // miles

// vendorID accepts an identifier encoded as either a JSON string or number.
type vendorID string

func (v *vendorID) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		*v = ""
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*v = vendorID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("vendor id: %w", err)
	}
	*v = vendorID(n.String())
	return nil
}

// idEnvelope picks the vendor id from the first of several candidate members.
type idEnvelope struct {
	PatientID      vendorID `json:"patient_id"`
	PrescriberID   vendorID `json:"prescriber_id"`
	PrescriptionID vendorID `json:"prescription_id"`
	ID             vendorID `json:"id"`
}

func (e idEnvelope) first(preferred vendorID) string {
	if preferred != "" {
		return string(preferred)
	}
	return string(e.ID)
}

// Address is the postal address block sent with patient records.
type Address struct {
	Line1 string `json:"line1,omitempty"`
	Line2 string `json:"line2,omitempty"`
	City  string `json:"city,omitempty"`
	State string `json:"state,omitempty"`
	Zip   string `json:"zip,omitempty"`
}

// PatientRecord is the demographic subset pushed to the vendor.
type PatientRecord struct {
	ExternalID  string  `json:"external_id"`
	FirstName   string  `json:"first_name"`
	LastName    string  `json:"last_name"`
	DateOfBirth string  `json:"date_of_birth,omitempty"` // YYYY-MM-DD
	Gender      string  `json:"gender,omitempty"`
	Phone       string  `json:"phone,omitempty"`
	Email       string  `json:"email,omitempty"`
	Address     Address `json:"address"`
}

// PrescriberRecord is the credential subset pushed to the vendor.
type PrescriberRecord struct {
	ExternalID    string `json:"external_id"`
	FirstName     string `json:"first_name"`
	LastName      string `json:"last_name"`
	NPI           string `json:"npi,omitempty"`
	DEA           string `json:"dea,omitempty"`
	LicenseNumber string `json:"license_number,omitempty"`
	LicenseState  string `json:"license_state,omitempty"`
	Email         string `json:"email,omitempty"`
	Phone         string `json:"phone,omitempty"`
}

type SSORequest struct {
	UserID    string // vendor prescriber id
	PatientID string // vendor patient id
	ReturnURL string
}

type SSOResponse struct {
	URL       string `json:"url"`
	Token     string `json:"token,omitempty"`
	ExpiresAt string `json:"expires_at,omitempty"`
}

// Location narrows a pharmacy search. Radius defaults to 25 miles.
type Location struct {
	Latitude  float64
	Longitude float64
	Radius    float64
}

type Pharmacy struct {
	ID      string          `json:"id"`
	Name    string          `json:"name,omitempty"`
	Address string          `json:"address,omitempty"`
	City    string          `json:"city,omitempty"`
	State   string          `json:"state,omitempty"`
	Zip     string          `json:"zip,omitempty"`
	Phone   string          `json:"phone,omitempty"`
	Raw     json.RawMessage `json:"-"`
}

func (p *Pharmacy) UnmarshalJSON(b []byte) error {
	var w struct {
		ID         vendorID `json:"id"`
		PharmacyID vendorID `json:"pharmacy_id"`
		Name       string   `json:"name"`
		Address    string   `json:"address"`
		City       string   `json:"city"`
		State      string   `json:"state"`
		Zip        string   `json:"zip"`
		Phone      string   `json:"phone"`
	}
	if err := json.Unmarshal(b, &w); err != nil {
		return err
	}
	id := w.ID
	if id == "" {
		id = w.PharmacyID
	}
	*p = Pharmacy{
		ID: string(id), Name: w.Name, Address: w.Address, City: w.City,
		State: w.State, Zip: w.Zip, Phone: w.Phone,
		Raw: append(json.RawMessage(nil), b...),
	}
	return nil
}

type Medication struct {
	ID       string          `json:"id"`
	Name     string          `json:"name,omitempty"`
	Strength string          `json:"strength,omitempty"`
	Form     string          `json:"form,omitempty"`
	NDC      string          `json:"ndc,omitempty"`
	Schedule string          `json:"schedule,omitempty"`
	Raw      json.RawMessage `json:"-"`
}

func (m *Medication) UnmarshalJSON(b []byte) error {
	var w struct {
		ID           vendorID `json:"id"`
		MedicationID vendorID `json:"medication_id"`
		Name         string   `json:"name"`
		Strength     string   `json:"strength"`
		Form         string   `json:"form"`
		NDC          string   `json:"ndc"`
		Schedule     string   `json:"schedule"`
	}
	if err := json.Unmarshal(b, &w); err != nil {
		return err
	}
	id := w.ID
	if id == "" {
		id = w.MedicationID
	}
	*m = Medication{
		ID: string(id), Name: w.Name, Strength: w.Strength, Form: w.Form,
		NDC: w.NDC, Schedule: w.Schedule,
		Raw: append(json.RawMessage(nil), b...),
	}
	return nil
}

// decodeList accepts either {"<key>": [...]} or a bare array.
func decodeList[T any](data []byte, key string) ([]T, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return []T{}, nil
	}
	if data[0] == '[' {
		var out []T
		if err := json.Unmarshal(data, &out); err != nil {
			return nil, err
		}
		return out, nil
	}
	var wrapped map[string]json.RawMessage
	if err := json.Unmarshal(data, &wrapped); err != nil {
		return nil, err
	}
	raw, ok := wrapped[key]
	if !ok || bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
		return []T{}, nil
	}
	var out []T
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	if out == nil {
		out = []T{}
	}
	return out, nil
}

// DraftRequest carries vendor ids, not local ones.
type DraftRequest struct {
	PatientVendorID    string  `json:"patient_id"`
	PrescriberVendorID string  `json:"prescriber_id"`
	Medication         string  `json:"medication"`
	Sig                string  `json:"sig"`
	Quantity           float64 `json:"quantity"`
	DaysSupply         int     `json:"days_supply,omitempty"`
	Refills            int     `json:"refills"`
	PharmacyVendorID   string  `json:"pharmacy_id,omitempty"`
	Schedule           string  `json:"schedule,omitempty"`
}

type DraftResult struct {
	VendorMessageID string
	IdempotencyKey  string
	Payload         json.RawMessage
}

// StatusResult is the shape shared by send, cancel and status pulls.
// Sequence is set when the vendor reports an event version.
type StatusResult struct {
	Status   string
	Sequence *int64
	Payload  json.RawMessage
}

type statusEnvelope struct {
	Status   string          `json:"status"`
	Sequence json.RawMessage `json:"sequence"`
}

func parseStatus(data []byte, fallback string) (StatusResult, error) {
	res := StatusResult{Status: fallback, Payload: payloadOrEmpty(data)}
	if len(bytes.TrimSpace(data)) == 0 {
		return res, nil
	}
	var env statusEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return res, fmt.Errorf("dosespot: decode status: %w", err)
	}
	if env.Status != "" {
		res.Status = env.Status
	}
	res.Sequence = parseSequence(env.Sequence)
	return res, nil
}

// parseSequence accepts a number or a numeric string. Anything else is
// treated as absent.
func parseSequence(raw json.RawMessage) *int64 {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil
	}
	s := string(raw)
	if raw[0] == '"' {
		if err := json.Unmarshal(raw, &s); err != nil {
			return nil
		}
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return nil
	}
	return &n
}

// ParseSequence is exported for webhook payloads decoded by callers.
func ParseSequence(raw json.RawMessage) *int64 { return parseSequence(raw) }

func payloadOrEmpty(data []byte) json.RawMessage {
	if len(bytes.TrimSpace(data)) == 0 {
		return json.RawMessage("{}")
	}
	return append(json.RawMessage(nil), data...)
}
