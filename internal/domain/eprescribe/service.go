package eprescribe

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/erx/internal/domain/identity"
	"github.com/ehr/erx/internal/platform/db"
	"github.com/ehr/erx/internal/platform/dosespot"
	"github.com/ehr/erx/internal/platform/events"
	"github.com/ehr/erx/internal/platform/hipaa"
)

// VendorClient is the subset of *dosespot.Client the service calls.
type VendorClient interface {
	EnsurePatient(ctx context.Context, p dosespot.PatientRecord) (string, error)
	EnsurePrescriber(ctx context.Context, p dosespot.PrescriberRecord) (string, error)
	SingleSignOnURL(ctx context.Context, r dosespot.SSORequest) (dosespot.SSOResponse, error)
	SearchPharmacies(ctx context.Context, query string, loc *dosespot.Location) ([]dosespot.Pharmacy, error)
	SearchMedications(ctx context.Context, query string) ([]dosespot.Medication, error)
	CreatePrescriptionDraft(ctx context.Context, d dosespot.DraftRequest) (dosespot.DraftResult, error)
	SendPrescription(ctx context.Context, vendorID, idempotencyKey string) (dosespot.StatusResult, error)
	CancelPrescription(ctx context.Context, vendorID, reason string) (dosespot.StatusResult, error)
	GetPrescriptionStatus(ctx context.Context, vendorID string) (dosespot.StatusResult, error)
	VerifyWebhookSignature(payload []byte, signature string) error
}

// TxRunner runs fn in one database transaction.
type TxRunner interface {
	InTx(ctx context.Context, fn func(ctx context.Context) error) error
}

type AuditSink interface {
	LogEventAsync(ctx context.Context, event *hipaa.AuditEvent)
}

type StatusPublisher interface {
	PublishPrescriptionStatus(ctx context.Context, ev events.PrescriptionStatus) error
}

type nopAudit struct{}

func (nopAudit) LogEventAsync(context.Context, *hipaa.AuditEvent) {}

// Service drives the vendor-backed prescribing workflow.
type Service struct {
	vendor      VendorClient
	vendorName  string
	dir         identity.Directory
	rx          PrescriptionRepository
	ids         IdentityMapRepository
	tx          TxRunner
	audit       AuditSink
	events      StatusPublisher
	frontendURL string
	logger      zerolog.Logger
	now         func() time.Time
}

type ServiceOption func(*Service)

// WithAudit and WithPublisher ignore nil so callers can pass optional sinks.
func WithAudit(a AuditSink) ServiceOption {
	return func(s *Service) {
		if a != nil {
			s.audit = a
		}
	}
}

func WithPublisher(p StatusPublisher) ServiceOption {
	return func(s *Service) {
		if p != nil {
			s.events = p
		}
	}
}

// WithFrontendURL sets the base for default SSO return URLs.
func WithFrontendURL(u string) ServiceOption {
	return func(s *Service) { s.frontendURL = strings.TrimRight(u, "/") }
}

func WithLogger(l zerolog.Logger) ServiceOption { return func(s *Service) { s.logger = l } }

func NewService(vendor VendorClient, dir identity.Directory, rx PrescriptionRepository, ids IdentityMapRepository, tx TxRunner, opts ...ServiceOption) *Service {
	s := &Service{
		vendor:     vendor,
		vendorName: VendorDoseSpot,
		dir:        dir,
		rx:         rx,
		ids:        ids,
		tx:         tx,
		audit:      nopAudit{},
		events:     events.Nop{},
		logger:     zerolog.Nop(),
		now:        func() time.Time { return time.Now().UTC() },
	}
	for _, o := range opts {
		o(s)
	}
	s.logger = s.logger.With().Str("component", "eprescribe").Logger()
	return s
}

// VendorID returns the stored vendor id for a local entity, or ErrNotFound.
func (s *Service) VendorID(ctx context.Context, entityType, entityID string) (string, error) {
	return s.ids.Find(ctx, entityType, entityID, s.vendorName)
}

// EnsureVendorPatient returns the vendor id for a patient, registering the
// patient with the vendor on first use.
func (s *Service) EnsureVendorPatient(ctx context.Context, patientID string) (string, error) {
	if id, err := s.VendorID(ctx, EntityPatient, patientID); err == nil {
		return id, nil
	} else if !errors.Is(err, ErrNotFound) {
		return "", err
	}

	p, err := s.dir.GetPatient(ctx, patientID)
	if errors.Is(err, identity.ErrNotFound) {
		return "", fmt.Errorf("%w: patient %s", ErrNotFound, patientID)
	}
	if err != nil {
		return "", err
	}

	vendorID, err := s.vendor.EnsurePatient(ctx, dosespot.PatientRecord{
		ExternalID:  p.ID.String(),
		FirstName:   p.FirstName,
		LastName:    p.LastName,
		DateOfBirth: p.BirthDateString(),
		Gender:      identity.Deref(p.Gender),
		Phone:       identity.Deref(p.PhoneHome),
		Email:       identity.Deref(p.Email),
		Address: dosespot.Address{
			Line1: identity.Deref(p.AddressLine1),
			Line2: identity.Deref(p.AddressLine2),
			City:  identity.Deref(p.City),
			State: identity.Deref(p.State),
			Zip:   identity.Deref(p.PostalCode),
		},
	})
	if err != nil {
		return "", fmt.Errorf("register patient with vendor: %w", err)
	}
	if err := s.storeMapping(ctx, EntityPatient, patientID, vendorID); err != nil {
		return "", err
	}
	return vendorID, nil
}

// EnsureVendorPrescriber is EnsureVendorPatient for prescribing users. The
// caller may pass either the user id or the practitioner row id; the mapping
// is always stored under identity.Practitioner.Key.
func (s *Service) EnsureVendorPrescriber(ctx context.Context, prescriberID string) (string, error) {
	if id, err := s.VendorID(ctx, EntityPrescriber, prescriberID); err == nil {
		return id, nil
	} else if !errors.Is(err, ErrNotFound) {
		return "", err
	}

	p, err := s.dir.GetPractitioner(ctx, prescriberID)
	if errors.Is(err, identity.ErrNotFound) {
		return "", fmt.Errorf("%w: prescriber %s", ErrNotFound, prescriberID)
	}
	if err != nil {
		return "", err
	}

	key := p.Key()
	if key != prescriberID {
		if id, err := s.VendorID(ctx, EntityPrescriber, key); err == nil {
			return id, nil
		} else if !errors.Is(err, ErrNotFound) {
			return "", err
		}
	}

	vendorID, err := s.vendor.EnsurePrescriber(ctx, dosespot.PrescriberRecord{
		ExternalID:    key,
		FirstName:     p.FirstName,
		LastName:      p.LastName,
		NPI:           identity.Deref(p.NPINumber),
		DEA:           identity.Deref(p.DEANumber),
		LicenseNumber: identity.Deref(p.StateLicenseNum),
		LicenseState:  identity.Deref(p.StateLicenseState),
		Email:         identity.Deref(p.Email),
		Phone:         identity.Deref(p.Phone),
	})
	if err != nil {
		return "", fmt.Errorf("register prescriber with vendor: %w", err)
	}
	if err := s.storeMapping(ctx, EntityPrescriber, key, vendorID); err != nil {
		return "", err
	}
	return vendorID, nil
}

func (s *Service) storeMapping(ctx context.Context, entityType, entityID, vendorID string) error {
	return s.ids.Upsert(ctx, &IdentityMapping{
		EntityType: entityType,
		EntityID:   entityID,
		Vendor:     s.vendorName,
		VendorID:   vendorID,
	})
}

// GetSingleSignOnURL opens an embedded vendor session for a prescriber on a
// patient chart.
func (s *Service) GetSingleSignOnURL(ctx context.Context, req SSORequest) (SSOResult, error) {
	if req.UserID == "" || req.PatientID == "" {
		return SSOResult{}, validationError("user_id and patient_id are required")
	}
	vendorPatient, err := s.EnsureVendorPatient(ctx, req.PatientID)
	if err != nil {
		return SSOResult{}, err
	}
	vendorPrescriber, err := s.EnsureVendorPrescriber(ctx, req.UserID)
	if err != nil {
		return SSOResult{}, err
	}

	returnURL := req.ReturnURL
	if returnURL == "" && s.frontendURL != "" {
		returnURL = s.frontendURL + "/patient/" + req.PatientID
	}
	res, err := s.vendor.SingleSignOnURL(ctx, dosespot.SSORequest{
		UserID:    vendorPrescriber,
		PatientID: vendorPatient,
		ReturnURL: returnURL,
	})
	if err != nil {
		return SSOResult{}, err
	}

	ev := hipaa.NewEvent(hipaa.ActionExecute, "eprescribe.sso", "Patient", req.PatientID)
	ev.PatientID = req.PatientID
	s.audit.LogEventAsync(ctx, ev)
	return SSOResult{URL: res.URL, Token: res.Token}, nil
}

func (s *Service) SearchPharmacies(ctx context.Context, query string, loc *dosespot.Location) ([]dosespot.Pharmacy, error) {
	return s.vendor.SearchPharmacies(ctx, query, loc)
}

func (s *Service) SearchMedications(ctx context.Context, query string) ([]dosespot.Medication, error) {
	return s.vendor.SearchMedications(ctx, query)
}

func (s *Service) GetPrescription(ctx context.Context, id uuid.UUID) (*Prescription, error) {
	return s.rx.GetByID(ctx, id)
}

// CreatePrescriptionDraft stages the prescription at the vendor, then stores
// the local row and its vendor mapping in one transaction.
func (s *Service) CreatePrescriptionDraft(ctx context.Context, req DraftRequest, createdBy string) (DraftResult, error) {
	patientID, err := uuid.Parse(req.PatientID)
	if err != nil {
		return DraftResult{}, validationError("patient_id must be a UUID")
	}
	if req.PrescriberID == "" {
		return DraftResult{}, validationError("prescriber_id is required")
	}

	vendorPatient, err := s.EnsureVendorPatient(ctx, req.PatientID)
	if err != nil {
		return DraftResult{}, err
	}
	vendorPrescriber, err := s.EnsureVendorPrescriber(ctx, req.PrescriberID)
	if err != nil {
		return DraftResult{}, err
	}

	draft, err := s.vendor.CreatePrescriptionDraft(ctx, dosespot.DraftRequest{
		PatientVendorID:    vendorPatient,
		PrescriberVendorID: vendorPrescriber,
		Medication:         req.Medication,
		Sig:                req.Sig,
		Quantity:           req.Quantity,
		DaysSupply:         req.DaysSupply,
		Refills:            req.Refills,
		PharmacyVendorID:   req.PharmacyVendorID,
		Schedule:           req.Schedule,
	})
	if err != nil {
		return DraftResult{}, err
	}

	p := &Prescription{
		PatientID:        patientID,
		PrescriberID:     req.PrescriberID,
		MedicationName:   req.Medication,
		Sig:              req.Sig,
		Quantity:         req.Quantity,
		DaysSupply:       req.DaysSupply,
		Refills:          req.Refills,
		IsControlled:     req.Controlled(),
		Schedule:         optional(req.Schedule),
		PharmacyVendorID: optional(req.PharmacyVendorID),
		Status:           StatusDraft,
		VendorMessageID:  &draft.VendorMessageID,
		VendorPayload:    draft.Payload,
		CreatedBy:        optional(createdBy),
	}
	err = s.tx.InTx(ctx, func(ctx context.Context) error {
		if err := s.rx.Create(ctx, p); err != nil {
			return err
		}
		return s.storeMapping(ctx, EntityPrescription, p.ID.String(), draft.VendorMessageID)
	})
	if err != nil {
		return DraftResult{}, fmt.Errorf("store draft: %w", err)
	}

	s.record(ctx, p, hipaa.ActionCreate, "eprescribe.draft", StatusDraft)
	return DraftResult{PrescriptionID: p.ID, VendorMessageID: draft.VendorMessageID}, nil
}

// vendorMessageID resolves the vendor id from the row or, for rows written
// before the column was populated, from the id map.
func (s *Service) vendorMessageID(ctx context.Context, p *Prescription) (string, error) {
	if p.VendorMessageID != nil && *p.VendorMessageID != "" {
		return *p.VendorMessageID, nil
	}
	id, err := s.VendorID(ctx, EntityPrescription, p.ID.String())
	if errors.Is(err, ErrNotFound) {
		return "", fmt.Errorf("%w: prescription %s has no vendor mapping", ErrNotFound, p.ID)
	}
	return id, err
}

// SendPrescription transmits a staged prescription. Re-invocations for the
// same prescription reuse the persisted idempotency key so the vendor can
// deduplicate them.
func (s *Service) SendPrescription(ctx context.Context, id uuid.UUID) (StatusResult, error) {
	p, err := s.rx.GetByID(ctx, id)
	if err != nil {
		return StatusResult{}, err
	}
	vendorID, err := s.vendorMessageID(ctx, p)
	if err != nil {
		return StatusResult{}, err
	}

	key, err := s.rx.ClaimSendKey(ctx, id, dosespot.GenerateIdempotencyKey())
	if err != nil {
		return StatusResult{}, err
	}

	res, err := s.vendor.SendPrescription(ctx, vendorID, key)
	if err != nil {
		return StatusResult{}, err
	}

	status := normalizeVendorStatus(res.Status, StatusSent)
	if _, err := s.rx.ApplyStatus(ctx, id, StatusUpdate{
		Status:   status,
		Payload:  res.Payload,
		Sequence: res.Sequence,
		At:       s.now(),
	}); err != nil {
		return StatusResult{}, err
	}

	s.record(ctx, p, hipaa.ActionUpdate, "eprescribe.send", status)
	return StatusResult{Status: status}, nil
}

// CancelPrescription cancels at the vendor and records the result. The
// caller checks the current status first.
func (s *Service) CancelPrescription(ctx context.Context, id uuid.UUID, reason string) (StatusResult, error) {
	p, err := s.rx.GetByID(ctx, id)
	if err != nil {
		return StatusResult{}, err
	}
	vendorID, err := s.vendorMessageID(ctx, p)
	if err != nil {
		return StatusResult{}, err
	}

	res, err := s.vendor.CancelPrescription(ctx, vendorID, reason)
	if err != nil {
		return StatusResult{}, err
	}

	status := normalizeVendorStatus(res.Status, StatusCancelled)
	if _, err := s.rx.ApplyStatus(ctx, id, StatusUpdate{
		Status:       status,
		Payload:      res.Payload,
		Sequence:     res.Sequence,
		CancelReason: optional(strings.TrimSpace(reason)),
		At:           s.now(),
	}); err != nil {
		return StatusResult{}, err
	}

	s.record(ctx, p, hipaa.ActionUpdate, "eprescribe.cancel", status)
	return StatusResult{Status: status}, nil
}

// SyncPrescriptionStatus pulls the vendor's view and overwrites the local
// status and payload.
func (s *Service) SyncPrescriptionStatus(ctx context.Context, id uuid.UUID) (StatusResult, error) {
	p, err := s.rx.GetByID(ctx, id)
	if err != nil {
		return StatusResult{}, err
	}
	vendorID, err := s.vendorMessageID(ctx, p)
	if err != nil {
		return StatusResult{}, err
	}

	res, err := s.vendor.GetPrescriptionStatus(ctx, vendorID)
	if err != nil {
		return StatusResult{}, err
	}

	status := normalizeVendorStatus(res.Status, p.Status)
	applied, err := s.rx.ApplyStatus(ctx, id, StatusUpdate{
		Status:   status,
		Payload:  res.Payload,
		Sequence: res.Sequence,
		At:       s.now(),
	})
	if err != nil {
		return StatusResult{}, err
	}
	if !applied {
		// A newer event already landed; report what is stored.
		cur, err := s.rx.GetByID(ctx, id)
		if err != nil {
			return StatusResult{}, err
		}
		return StatusResult{Status: cur.Status}, nil
	}

	s.record(ctx, p, hipaa.ActionRead, "eprescribe.sync", status)
	return StatusResult{Status: status}, nil
}

// HandleWebhook verifies and applies one vendor callback. Unknown
// prescriptions and event types are logged and acknowledged so the vendor
// stops redelivering them.
func (s *Service) HandleWebhook(ctx context.Context, body []byte, signature string) error {
	if err := s.vendor.VerifyWebhookSignature(body, signature); err != nil {
		s.logger.Warn().Err(err).Msg("webhook rejected")
		return fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}

	var ev webhookEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedWebhook, err)
	}
	kind := ev.kind()
	vendorID := ev.vendorPrescriptionID()
	if kind == "" || vendorID == "" {
		return fmt.Errorf("%w: event type and prescription id are required", ErrMalformedWebhook)
	}

	entityID, err := s.ids.FindEntity(ctx, EntityPrescription, s.vendorName, vendorID)
	if errors.Is(err, ErrNotFound) {
		s.logger.Warn().Str("vendor_id", vendorID).Str("event_type", kind).Msg("webhook for unknown prescription")
		return nil
	}
	if err != nil {
		return err
	}
	id, err := uuid.Parse(entityID)
	if err != nil {
		s.logger.Warn().Str("vendor_id", vendorID).Msg("webhook mapped to non-uuid prescription")
		return nil
	}

	status, ok := statusForEvent(kind)
	if !ok {
		s.logger.Warn().Str("event_type", kind).Msg("unknown webhook event type")
		return nil
	}

	u := StatusUpdate{
		Status:   status,
		Payload:  body,
		Sequence: dosespot.ParseSequence(ev.Sequence),
		At:       s.now(),
	}
	if status == StatusError {
		u.TransmissionError = optional(ev.errorText())
	}

	applied, err := s.rx.ApplyStatus(ctx, id, u)
	if err != nil {
		return err
	}
	if !applied {
		s.logger.Info().Str("prescription_id", entityID).Str("event_type", kind).Msg("stale webhook ignored")
		return nil
	}

	p := &Prescription{ID: id}
	if cur, err := s.rx.GetByID(ctx, id); err == nil {
		p = cur
	}
	s.record(ctx, p, hipaa.ActionUpdate, "eprescribe.webhook", status)
	return nil
}

// record emits the audit row and status event for a lifecycle change.
// Failures are logged, never returned.
func (s *Service) record(ctx context.Context, p *Prescription, action, eventType, status string) {
	ev := hipaa.NewEvent(action, eventType, "Prescription", p.ID.String())
	if p.PatientID != uuid.Nil {
		ev.PatientID = p.PatientID.String()
	}
	ev.Detail = map[string]any{"status": status}
	s.audit.LogEventAsync(ctx, ev)

	msg := events.PrescriptionStatus{
		TenantID:       db.TenantFromContext(ctx),
		PrescriptionID: p.ID.String(),
		Status:         status,
		Source:         eventType,
		OccurredAt:     s.now(),
	}
	if p.VendorMessageID != nil {
		msg.VendorMessageID = *p.VendorMessageID
	}
	if err := s.events.PublishPrescriptionStatus(ctx, msg); err != nil {
		s.logger.Warn().Err(err).Str("prescription_id", msg.PrescriptionID).Msg("status event publish failed")
	}
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
