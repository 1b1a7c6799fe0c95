package eprescribe

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/erx/internal/domain/identity"
	"github.com/ehr/erx/internal/platform/dosespot"
	"github.com/ehr/erx/internal/platform/hipaa"
)

// ProviderInternal names the local prescribing engine.
const ProviderInternal = "internal"

// Outcome is either a handled result or a signal that the internal engine
// must serve the call.
type Outcome[T any] struct {
	value   T
	handled bool
}

func Handled[T any](v T) Outcome[T] { return Outcome[T]{value: v, handled: true} }

func Deferred[T any]() Outcome[T] { return Outcome[T]{} }

func (o Outcome[T]) IsDeferred() bool { return !o.handled }

// Value returns the result and whether the provider handled the call.
func (o Outcome[T]) Value() (T, bool) { return o.value, o.handled }

// Provider is the prescribing backend chosen at startup.
type Provider interface {
	Name() string
	CreatePrescriptionDraft(ctx context.Context, req DraftRequest, createdBy string) (Outcome[DraftResult], error)
	SendPrescription(ctx context.Context, id uuid.UUID) (Outcome[StatusResult], error)
	CancelPrescription(ctx context.Context, id uuid.UUID, reason string) (Outcome[StatusResult], error)
	SearchPharmacies(ctx context.Context, query string, loc *dosespot.Location) (Outcome[[]dosespot.Pharmacy], error)
	SearchMedications(ctx context.Context, query string) (Outcome[[]dosespot.Medication], error)
}

// -- Vendor provider --

type vendorProvider struct {
	svc *Service
	rx  PrescriptionRepository
}

func (p *vendorProvider) Name() string { return VendorDoseSpot }

func (p *vendorProvider) CreatePrescriptionDraft(ctx context.Context, req DraftRequest, createdBy string) (Outcome[DraftResult], error) {
	res, err := p.svc.CreatePrescriptionDraft(ctx, req, createdBy)
	if err != nil {
		return Outcome[DraftResult]{}, err
	}
	return Handled(res), nil
}

// SendPrescription only forwards drafts. The vendor is never asked to
// re-send a prescription that has left DRAFT.
func (p *vendorProvider) SendPrescription(ctx context.Context, id uuid.UUID) (Outcome[StatusResult], error) {
	cur, err := p.rx.GetByID(ctx, id)
	if err != nil {
		return Outcome[StatusResult]{}, err
	}
	if cur.Status != StatusDraft {
		return Outcome[StatusResult]{}, transitionError("send", cur.Status)
	}
	res, err := p.svc.SendPrescription(ctx, id)
	if err != nil {
		return Outcome[StatusResult]{}, err
	}
	return Handled(res), nil
}

func (p *vendorProvider) CancelPrescription(ctx context.Context, id uuid.UUID, reason string) (Outcome[StatusResult], error) {
	cur, err := p.rx.GetByID(ctx, id)
	if err != nil {
		return Outcome[StatusResult]{}, err
	}
	if !canCancel(cur.Status) {
		return Outcome[StatusResult]{}, transitionError("cancel", cur.Status)
	}
	res, err := p.svc.CancelPrescription(ctx, id, reason)
	if err != nil {
		return Outcome[StatusResult]{}, err
	}
	return Handled(res), nil
}

func (p *vendorProvider) SearchPharmacies(ctx context.Context, query string, loc *dosespot.Location) (Outcome[[]dosespot.Pharmacy], error) {
	res, err := p.svc.SearchPharmacies(ctx, query, loc)
	if err != nil {
		return Outcome[[]dosespot.Pharmacy]{}, err
	}
	return Handled(res), nil
}

func (p *vendorProvider) SearchMedications(ctx context.Context, query string) (Outcome[[]dosespot.Medication], error) {
	res, err := p.svc.SearchMedications(ctx, query)
	if err != nil {
		return Outcome[[]dosespot.Medication]{}, err
	}
	return Handled(res), nil
}

// -- Internal provider --

// internalProvider defers everything to the local engine except
// cancellation, which is a plain status update with no outbound call.
type internalProvider struct {
	rx     PrescriptionRepository
	audit  AuditSink
	logger zerolog.Logger
}

func (p *internalProvider) Name() string { return ProviderInternal }

func (p *internalProvider) CreatePrescriptionDraft(context.Context, DraftRequest, string) (Outcome[DraftResult], error) {
	return Deferred[DraftResult](), nil
}

func (p *internalProvider) SendPrescription(context.Context, uuid.UUID) (Outcome[StatusResult], error) {
	return Deferred[StatusResult](), nil
}

func (p *internalProvider) CancelPrescription(ctx context.Context, id uuid.UUID, reason string) (Outcome[StatusResult], error) {
	applied, err := p.rx.ApplyStatus(ctx, id, StatusUpdate{
		Status:       StatusCancelled,
		CancelReason: optional(strings.TrimSpace(reason)),
		From:         cancellable,
	})
	if err != nil {
		return Outcome[StatusResult]{}, err
	}
	if !applied {
		cur, err := p.rx.GetByID(ctx, id)
		if err != nil {
			return Outcome[StatusResult]{}, err
		}
		return Outcome[StatusResult]{}, transitionError("cancel", cur.Status)
	}

	ev := hipaa.NewEvent(hipaa.ActionUpdate, "eprescribe.cancel", "Prescription", id.String())
	ev.Detail = map[string]any{"status": StatusCancelled, "provider": ProviderInternal}
	p.audit.LogEventAsync(ctx, ev)
	p.logger.Info().Str("prescription_id", id.String()).Msg("prescription cancelled locally")
	return Handled(StatusResult{Status: StatusCancelled}), nil
}

func (p *internalProvider) SearchPharmacies(context.Context, string, *dosespot.Location) (Outcome[[]dosespot.Pharmacy], error) {
	return Deferred[[]dosespot.Pharmacy](), nil
}

func (p *internalProvider) SearchMedications(context.Context, string) (Outcome[[]dosespot.Medication], error) {
	return Deferred[[]dosespot.Medication](), nil
}

// -- Facade --

// Facade is the single entry point for prescribing. It validates input,
// applies the EPCS gate and hands the call to the configured provider.
type Facade struct {
	provider Provider
	svc      *Service
	rx       PrescriptionRepository
	dir      identity.Directory
	epcs     bool
	validate *validator.Validate
}

// FacadeConfig wires a Facade. A nil Service selects the internal engine.
type FacadeConfig struct {
	Service     *Service
	Repo        PrescriptionRepository
	Directory   identity.Directory
	Audit       AuditSink
	EPCSEnabled bool
	Logger      zerolog.Logger
}

func NewFacade(cfg FacadeConfig) *Facade {
	f := &Facade{
		svc:      cfg.Service,
		rx:       cfg.Repo,
		dir:      cfg.Directory,
		epcs:     cfg.EPCSEnabled,
		validate: validator.New(),
	}
	if cfg.Service != nil {
		f.provider = &vendorProvider{svc: cfg.Service, rx: cfg.Repo}
	} else {
		audit := cfg.Audit
		if audit == nil {
			audit = nopAudit{}
		}
		f.provider = &internalProvider{rx: cfg.Repo, audit: audit, logger: cfg.Logger}
	}
	return f
}

func (f *Facade) Provider() string { return f.provider.Name() }

func (f *Facade) IsVendorEnabled() bool { return f.svc != nil }

// IsRegulatoryModeEnabled reports whether EPCS checks apply.
func (f *Facade) IsRegulatoryModeEnabled() bool { return f.epcs }

// ValidateDraft checks field presence and Surescripts limits.
func (f *Facade) ValidateDraft(req DraftRequest) error {
	err := f.validate.Struct(req)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return validationError("%v", err)
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, fieldMessage(fe))
	}
	return validationError("%s", strings.Join(msgs, ", "))
}

func fieldMessage(fe validator.FieldError) string {
	field := jsonField(fe.Field())
	switch fe.Tag() {
	case "required":
		return field + " is required"
	case "max":
		if fe.Kind().String() == "string" {
			return fmt.Sprintf("%s must be at most %s characters", field, fe.Param())
		}
		return fmt.Sprintf("%s must be at most %s", field, fe.Param())
	case "min":
		return fmt.Sprintf("%s must be at least %s", field, fe.Param())
	case "gt":
		return fmt.Sprintf("%s must be greater than %s", field, fe.Param())
	case "oneof":
		return fmt.Sprintf("%s must be one of %s", field, strings.Join(strings.Fields(fe.Param()), ", "))
	case "uuid":
		return field + " must be a UUID"
	}
	return field + " is invalid"
}

var draftFields = map[string]string{
	"PatientID":        "patient_id",
	"Medication":       "medication",
	"Sig":              "sig",
	"Quantity":         "quantity",
	"DaysSupply":       "days_supply",
	"Refills":          "refills",
	"PharmacyVendorID": "pharmacy_id",
	"Schedule":         "schedule",
}

func jsonField(name string) string {
	if f, ok := draftFields[name]; ok {
		return f
	}
	return strings.ToLower(name)
}

// ValidateEPCS gates controlled substances. It passes when EPCS mode is off
// or the draft is not scheduled. Otherwise the prescriber needs a DEA number
// and, with the vendor enabled, an existing vendor enrollment.
func (f *Facade) ValidateEPCS(ctx context.Context, req DraftRequest, prescriber *identity.Practitioner) EPCSResult {
	if !f.epcs || !req.Controlled() {
		return EPCSResult{Valid: true}
	}
	if !prescriber.HasDEA() {
		return EPCSResult{Error: "DEA number is required for controlled substance prescriptions (EPCS)"}
	}
	if f.svc != nil {
		_, err := f.svc.VendorID(ctx, EntityPrescriber, prescriber.Key())
		if errors.Is(err, ErrNotFound) {
			return EPCSResult{Error: "Prescriber must be enrolled in EPCS before prescribing controlled substances"}
		}
		if err != nil {
			return EPCSResult{Error: "Failed to verify EPCS enrollment"}
		}
	}
	return EPCSResult{Valid: true}
}

// CreatePrescriptionDraft validates and gates the draft before any vendor
// traffic.
func (f *Facade) CreatePrescriptionDraft(ctx context.Context, req DraftRequest, createdBy string) (Outcome[DraftResult], error) {
	if req.PrescriberID == "" {
		req.PrescriberID = createdBy
	}
	if err := f.ValidateDraft(req); err != nil {
		return Outcome[DraftResult]{}, err
	}
	if req.PrescriberID == "" {
		return Outcome[DraftResult]{}, validationError("prescriber_id is required")
	}

	if f.epcs && req.Controlled() {
		prescriber, err := f.dir.GetPractitioner(ctx, req.PrescriberID)
		if errors.Is(err, identity.ErrNotFound) {
			return Outcome[DraftResult]{}, fmt.Errorf("%w: prescriber %s", ErrNotFound, req.PrescriberID)
		}
		if err != nil {
			return Outcome[DraftResult]{}, err
		}
		if res := f.ValidateEPCS(ctx, req, prescriber); !res.Valid {
			return Outcome[DraftResult]{}, validationError("%s", res.Error)
		}
	}
	return f.provider.CreatePrescriptionDraft(ctx, req, createdBy)
}

func (f *Facade) SendPrescription(ctx context.Context, id uuid.UUID) (Outcome[StatusResult], error) {
	return f.provider.SendPrescription(ctx, id)
}

func (f *Facade) CancelPrescription(ctx context.Context, id uuid.UUID, reason string) (Outcome[StatusResult], error) {
	return f.provider.CancelPrescription(ctx, id, reason)
}

func (f *Facade) SearchPharmacies(ctx context.Context, query string, loc *dosespot.Location) (Outcome[[]dosespot.Pharmacy], error) {
	return f.provider.SearchPharmacies(ctx, query, loc)
}

func (f *Facade) SearchMedications(ctx context.Context, query string) (Outcome[[]dosespot.Medication], error) {
	return f.provider.SearchMedications(ctx, query)
}

func (f *Facade) GetPrescription(ctx context.Context, id uuid.UUID) (*Prescription, error) {
	return f.rx.GetByID(ctx, id)
}

func (f *Facade) GetSingleSignOnURL(ctx context.Context, req SSORequest) (SSOResult, error) {
	if f.svc == nil {
		return SSOResult{}, fmt.Errorf("%w: embedded prescribing requires the vendor provider", ErrNotConfigured)
	}
	return f.svc.GetSingleSignOnURL(ctx, req)
}

func (f *Facade) SyncPrescriptionStatus(ctx context.Context, id uuid.UUID) (StatusResult, error) {
	if f.svc == nil {
		return StatusResult{}, ErrNotConfigured
	}
	return f.svc.SyncPrescriptionStatus(ctx, id)
}

func (f *Facade) HandleWebhook(ctx context.Context, body []byte, signature string) error {
	if f.svc == nil {
		return ErrNotConfigured
	}
	return f.svc.HandleWebhook(ctx, body, signature)
}
