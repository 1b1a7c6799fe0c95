package dosespot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
)

// EnsurePatient creates or updates the patient at the vendor and returns the
// vendor's patient id.
func (c *Client) EnsurePatient(ctx context.Context, p PatientRecord) (string, error) {
	body := struct {
		ClinicID string `json:"clinic_id"`
		PatientRecord
	}{c.cfg.ClinicID, p}

	var env idEnvelope
	if err := c.do(ctx, request{method: http.MethodPost, path: "/api/v1/patients", body: body}, &env); err != nil {
		return "", err
	}
	id := env.first(env.PatientID)
	if id == "" {
		return "", errors.New("dosespot: patient response carried no id")
	}
	return id, nil
}

// EnsurePrescriber creates or updates the prescriber at the vendor and
// returns the vendor's prescriber id.
func (c *Client) EnsurePrescriber(ctx context.Context, p PrescriberRecord) (string, error) {
	body := struct {
		ClinicID string `json:"clinic_id"`
		PrescriberRecord
	}{c.cfg.ClinicID, p}

	var env idEnvelope
	if err := c.do(ctx, request{method: http.MethodPost, path: "/api/v1/prescribers", body: body}, &env); err != nil {
		return "", err
	}
	id := env.first(env.PrescriberID)
	if id == "" {
		return "", errors.New("dosespot: prescriber response carried no id")
	}
	return id, nil
}

// SingleSignOnURL requests an embedded-mode session URL for the vendor UI.
func (c *Client) SingleSignOnURL(ctx context.Context, r SSORequest) (SSOResponse, error) {
	body := map[string]string{
		"clinic_id":  c.cfg.ClinicID,
		"user_id":    r.UserID,
		"patient_id": r.PatientID,
		"return_url": r.ReturnURL,
		"mode":       "embedded",
	}
	var out SSOResponse
	if err := c.do(ctx, request{method: http.MethodPost, path: "/api/v1/sso/url", body: body}, &out); err != nil {
		return SSOResponse{}, err
	}
	if out.URL == "" {
		return SSOResponse{}, errors.New("dosespot: sso response carried no url")
	}
	return out, nil
}

// SearchPharmacies queries the vendor directory. loc may be nil.
func (c *Client) SearchPharmacies(ctx context.Context, query string, loc *Location) ([]Pharmacy, error) {
	q := url.Values{"clinic_id": {c.cfg.ClinicID}, "query": {query}}
	if loc != nil {
		radius := loc.Radius
		if radius <= 0 {
			radius = defaultSearchRadius
		}
		q.Set("latitude", strconv.FormatFloat(loc.Latitude, 'f', -1, 64))
		q.Set("longitude", strconv.FormatFloat(loc.Longitude, 'f', -1, 64))
		q.Set("radius", strconv.FormatFloat(radius, 'f', -1, 64))
	}

	var raw json.RawMessage
	if err := c.do(ctx, request{method: http.MethodGet, path: "/api/v1/pharmacies/search", query: q}, &raw); err != nil {
		return nil, err
	}
	out, err := decodeList[Pharmacy](raw, "pharmacies")
	if err != nil {
		return nil, fmt.Errorf("dosespot: decode pharmacies: %w", err)
	}
	return out, nil
}

func (c *Client) SearchMedications(ctx context.Context, query string) ([]Medication, error) {
	q := url.Values{"clinic_id": {c.cfg.ClinicID}, "query": {query}}

	var raw json.RawMessage
	if err := c.do(ctx, request{method: http.MethodGet, path: "/api/v1/medications/search", query: q}, &raw); err != nil {
		return nil, err
	}
	out, err := decodeList[Medication](raw, "medications")
	if err != nil {
		return nil, fmt.Errorf("dosespot: decode medications: %w", err)
	}
	return out, nil
}

// CreatePrescriptionDraft stages a prescription at the vendor. A fresh
// idempotency key is generated per call and reused across its retries.
func (c *Client) CreatePrescriptionDraft(ctx context.Context, d DraftRequest) (DraftResult, error) {
	body := struct {
		ClinicID string `json:"clinic_id"`
		DraftRequest
	}{c.cfg.ClinicID, d}

	key := GenerateIdempotencyKey()
	var raw json.RawMessage
	err := c.do(ctx, request{
		method:         http.MethodPost,
		path:           "/api/v1/prescriptions/draft",
		body:           body,
		idempotencyKey: key,
	}, &raw)
	if err != nil {
		return DraftResult{}, err
	}

	var env idEnvelope
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &env); err != nil {
			return DraftResult{}, fmt.Errorf("dosespot: decode draft: %w", err)
		}
	}
	id := env.first(env.PrescriptionID)
	if id == "" {
		return DraftResult{}, errors.New("dosespot: draft response carried no prescription id")
	}
	return DraftResult{VendorMessageID: id, IdempotencyKey: key, Payload: payloadOrEmpty(raw)}, nil
}

// SendPrescription transmits a staged prescription. Pass the same key when
// re-sending the same draft; an empty key generates one.
func (c *Client) SendPrescription(ctx context.Context, vendorID, idempotencyKey string) (StatusResult, error) {
	if idempotencyKey == "" {
		idempotencyKey = GenerateIdempotencyKey()
	}
	var raw json.RawMessage
	err := c.do(ctx, request{
		method:         http.MethodPost,
		path:           prescriptionPath(vendorID, "send"),
		body:           map[string]string{"clinic_id": c.cfg.ClinicID},
		idempotencyKey: idempotencyKey,
	}, &raw)
	if err != nil {
		return StatusResult{}, err
	}
	return parseStatus(raw, StatusSent)
}

func (c *Client) CancelPrescription(ctx context.Context, vendorID, reason string) (StatusResult, error) {
	if strings.TrimSpace(reason) == "" {
		reason = "Prescriber request"
	}
	var raw json.RawMessage
	err := c.do(ctx, request{
		method: http.MethodPost,
		path:   prescriptionPath(vendorID, "cancel"),
		body:   map[string]string{"clinic_id": c.cfg.ClinicID, "reason": reason},
	}, &raw)
	if err != nil {
		return StatusResult{}, err
	}
	return parseStatus(raw, StatusCancelled)
}

// GetPrescriptionStatus pulls the vendor's current view. Status is empty if
// the vendor omits it.
func (c *Client) GetPrescriptionStatus(ctx context.Context, vendorID string) (StatusResult, error) {
	var raw json.RawMessage
	err := c.do(ctx, request{
		method: http.MethodGet,
		path:   prescriptionPath(vendorID, "status"),
		query:  url.Values{"clinic_id": {c.cfg.ClinicID}},
	}, &raw)
	if err != nil {
		return StatusResult{}, err
	}
	return parseStatus(raw, "")
}

func prescriptionPath(vendorID, action string) string {
	return "/api/v1/prescriptions/" + url.PathEscape(vendorID) + "/" + action
}
