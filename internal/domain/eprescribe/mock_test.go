package eprescribe

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ehr/erx/internal/domain/identity"
	"github.com/ehr/erx/internal/platform/dosespot"
	"github.com/ehr/erx/internal/platform/events"
	"github.com/ehr/erx/internal/platform/hipaa"
)

// -- Vendor --

type mockVendor struct {
	mu       sync.Mutex
	calls    map[string]int
	sendKeys []string
	reasons  []string

	verifyErr   error
	ensureErr   error
	draftErr    error
	sendErr     error
	sendStatus  string
	status      dosespot.StatusResult
	pharmacies  []dosespot.Pharmacy
	medications []dosespot.Medication
	lastSSO     dosespot.SSORequest
	lastDraft   dosespot.DraftRequest
	lastPatient dosespot.PatientRecord
}

func newMockVendor() *mockVendor {
	return &mockVendor{calls: map[string]int{}}
}

func (m *mockVendor) hit(name string) {
	m.mu.Lock()
	m.calls[name]++
	m.mu.Unlock()
}

func (m *mockVendor) count(name string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[name]
}

func (m *mockVendor) total() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for name, c := range m.calls {
		if name != "verify" {
			n += c
		}
	}
	return n
}

func (m *mockVendor) EnsurePatient(_ context.Context, p dosespot.PatientRecord) (string, error) {
	m.hit("patient")
	m.lastPatient = p
	if m.ensureErr != nil {
		return "", m.ensureErr
	}
	return "VP-" + p.ExternalID[:4], nil
}

func (m *mockVendor) EnsurePrescriber(_ context.Context, p dosespot.PrescriberRecord) (string, error) {
	m.hit("prescriber")
	if m.ensureErr != nil {
		return "", m.ensureErr
	}
	return "VU-" + p.ExternalID, nil
}

func (m *mockVendor) SingleSignOnURL(_ context.Context, r dosespot.SSORequest) (dosespot.SSOResponse, error) {
	m.hit("sso")
	m.lastSSO = r
	return dosespot.SSOResponse{URL: "https://vendor.test/sso?p=" + r.PatientID, Token: "sso-tok"}, nil
}

func (m *mockVendor) SearchPharmacies(context.Context, string, *dosespot.Location) ([]dosespot.Pharmacy, error) {
	m.hit("pharmacies")
	return m.pharmacies, nil
}

func (m *mockVendor) SearchMedications(context.Context, string) ([]dosespot.Medication, error) {
	m.hit("medications")
	return m.medications, nil
}

func (m *mockVendor) CreatePrescriptionDraft(_ context.Context, d dosespot.DraftRequest) (dosespot.DraftResult, error) {
	m.hit("draft")
	m.lastDraft = d
	if m.draftErr != nil {
		return dosespot.DraftResult{}, m.draftErr
	}
	return dosespot.DraftResult{
		VendorMessageID: "V-" + uuid.NewString()[:8],
		IdempotencyKey:  dosespot.GenerateIdempotencyKey(),
		Payload:         []byte(`{"status":"draft"}`),
	}, nil
}

func (m *mockVendor) SendPrescription(_ context.Context, _ string, key string) (dosespot.StatusResult, error) {
	m.hit("send")
	m.mu.Lock()
	m.sendKeys = append(m.sendKeys, key)
	m.mu.Unlock()
	if m.sendErr != nil {
		return dosespot.StatusResult{}, m.sendErr
	}
	return dosespot.StatusResult{Status: m.sendStatus, Payload: []byte(`{"status":"sent"}`)}, nil
}

func (m *mockVendor) CancelPrescription(_ context.Context, _ string, reason string) (dosespot.StatusResult, error) {
	m.hit("cancel")
	m.mu.Lock()
	m.reasons = append(m.reasons, reason)
	m.mu.Unlock()
	return dosespot.StatusResult{Status: "CANCELLED", Payload: []byte(`{"status":"cancelled"}`)}, nil
}

func (m *mockVendor) GetPrescriptionStatus(context.Context, string) (dosespot.StatusResult, error) {
	m.hit("status")
	return m.status, nil
}

func (m *mockVendor) VerifyWebhookSignature([]byte, string) error {
	m.hit("verify")
	return m.verifyErr
}

// -- Prescription repository --

// memRx mirrors the guarded UPDATE in prescriptionRepoPG.ApplyStatus; the
// statement itself is pinned by repo_pg_test.go.
type memRx struct {
	mu   sync.Mutex
	rows map[uuid.UUID]*Prescription
}

func newMemRx() *memRx { return &memRx{rows: map[uuid.UUID]*Prescription{}} }

func (r *memRx) Create(_ context.Context, p *Prescription) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	if p.Status == "" {
		p.Status = StatusDraft
	}
	now := time.Now().UTC()
	p.CreatedAt, p.UpdatedAt = now, now
	cp := *p
	r.rows[p.ID] = &cp
	return nil
}

func (r *memRx) GetByID(_ context.Context, id uuid.UUID) (*Prescription, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.rows[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (r *memRx) ClaimSendKey(_ context.Context, id uuid.UUID, key string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.rows[id]
	if !ok {
		return "", ErrNotFound
	}
	if p.SendIdempotencyKey == nil {
		p.SendIdempotencyKey = &key
	}
	return *p.SendIdempotencyKey, nil
}

func (r *memRx) ApplyStatus(_ context.Context, id uuid.UUID, u StatusUpdate) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.rows[id]
	if !ok {
		return false, nil
	}
	if u.Sequence != nil && p.VendorSequence != nil && *p.VendorSequence >= *u.Sequence {
		return false, nil
	}
	if len(u.From) > 0 {
		allowed := false
		for _, s := range u.From {
			if s == p.Status {
				allowed = true
			}
		}
		if !allowed {
			return false, nil
		}
	}
	at := u.At
	if at.IsZero() {
		at = time.Now().UTC()
	}
	p.Status = u.Status
	if len(u.Payload) > 0 {
		p.VendorPayload = u.Payload
	}
	if u.Sequence != nil {
		p.VendorSequence = u.Sequence
	}
	if u.TransmissionError != nil {
		p.TransmissionError = u.TransmissionError
	}
	if u.CancelReason != nil {
		p.CancelReason = u.CancelReason
	}
	switch u.Status {
	case StatusSent:
		if p.SentAt == nil {
			p.SentAt = &at
		}
	case StatusReady:
		if p.FilledAt == nil {
			p.FilledAt = &at
		}
	case StatusCancelled:
		if p.CancelledAt == nil {
			p.CancelledAt = &at
		}
	}
	p.UpdatedAt = at
	return true, nil
}

func (r *memRx) put(p *Prescription) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *p
	r.rows[p.ID] = &cp
}

// -- Identity map --

type memIDs struct {
	mu   sync.Mutex
	rows map[string]IdentityMapping
	err  error
}

func newMemIDs() *memIDs { return &memIDs{rows: map[string]IdentityMapping{}} }

func idKey(entityType, entityID, vendor string) string {
	return entityType + "|" + entityID + "|" + vendor
}

func (m *memIDs) Find(_ context.Context, entityType, entityID, vendor string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return "", m.err
	}
	row, ok := m.rows[idKey(entityType, entityID, vendor)]
	if !ok {
		return "", ErrNotFound
	}
	return row.VendorID, nil
}

func (m *memIDs) FindEntity(_ context.Context, entityType, vendor, vendorID string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, row := range m.rows {
		if row.EntityType == entityType && row.Vendor == vendor && row.VendorID == vendorID {
			return row.EntityID, nil
		}
	}
	return "", ErrNotFound
}

func (m *memIDs) Upsert(_ context.Context, im *IdentityMapping) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	im.UpdatedAt = time.Now().UTC()
	m.rows[idKey(im.EntityType, im.EntityID, im.Vendor)] = *im
	return nil
}

func (m *memIDs) len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.rows)
}

// -- Directory --

type memDir struct {
	patients      map[string]*identity.Patient
	practitioners map[string]*identity.Practitioner
}

func (d *memDir) GetPatient(_ context.Context, id string) (*identity.Patient, error) {
	if p, ok := d.patients[id]; ok {
		return p, nil
	}
	return nil, identity.ErrNotFound
}

func (d *memDir) GetPractitioner(_ context.Context, id string) (*identity.Practitioner, error) {
	if p, ok := d.practitioners[id]; ok {
		return p, nil
	}
	return nil, identity.ErrNotFound
}

// -- Tx, audit, events --

type fakeTx struct{ calls int }

func (t *fakeTx) InTx(ctx context.Context, fn func(ctx context.Context) error) error {
	t.calls++
	return fn(ctx)
}

type recordingAudit struct {
	mu     sync.Mutex
	events []*hipaa.AuditEvent
}

func (a *recordingAudit) LogEventAsync(_ context.Context, ev *hipaa.AuditEvent) {
	a.mu.Lock()
	a.events = append(a.events, ev)
	a.mu.Unlock()
}

func (a *recordingAudit) types() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]string, len(a.events))
	for i, ev := range a.events {
		out[i] = ev.EventType
	}
	return out
}

type recordingPublisher struct {
	mu  sync.Mutex
	out []events.PrescriptionStatus
	err error
}

func (p *recordingPublisher) PublishPrescriptionStatus(_ context.Context, ev events.PrescriptionStatus) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.out = append(p.out, ev)
	return p.err
}

// -- Fixture --

const (
	testPatientID = "6f1c2a9e-0000-4000-8000-000000000001"
	testUserID    = "user-1"
	// practitioner row id of testUserID
	testPrescriberRowID = "6f1c2a9e-0000-4000-8000-000000000010"
)

var errBoom = errors.New("boom")

type fixture struct {
	vendor *mockVendor
	rx     *memRx
	ids    *memIDs
	dir    *memDir
	tx     *fakeTx
	audit  *recordingAudit
	pub    *recordingPublisher
	svc    *Service
}

func strp(s string) *string { return &s }

func int64p(n int64) *int64 { return &n }

func newFixture() *fixture {
	pid := uuid.MustParse(testPatientID)
	prescriber := &identity.Practitioner{ID: uuid.MustParse(testPrescriberRowID), UserID: strp(testUserID),
		FirstName: "Ann", LastName: "Lee", NPINumber: strp("1234567893"), DEANumber: strp("AL1234563")}
	f := &fixture{
		vendor: newMockVendor(),
		rx:     newMemRx(),
		ids:    newMemIDs(),
		tx:     &fakeTx{},
		audit:  &recordingAudit{},
		pub:    &recordingPublisher{},
		dir: &memDir{
			patients: map[string]*identity.Patient{
				testPatientID: {ID: pid, FirstName: "Jane", LastName: "Doe", City: strp("Austin")},
			},
			practitioners: map[string]*identity.Practitioner{
				testUserID:          prescriber,
				testPrescriberRowID: prescriber,
				"user-nodea":        {ID: uuid.New(), UserID: strp("user-nodea"), FirstName: "No", LastName: "Dea"},
			},
		},
	}
	f.svc = NewService(f.vendor, f.dir, f.rx, f.ids, f.tx,
		WithAudit(f.audit), WithPublisher(f.pub), WithFrontendURL("https://emr.test/"))
	return f
}

func (f *fixture) facade(epcs bool) *Facade {
	return NewFacade(FacadeConfig{Service: f.svc, Repo: f.rx, Directory: f.dir, Audit: f.audit, EPCSEnabled: epcs})
}

func (f *fixture) internalFacade(epcs bool) *Facade {
	return NewFacade(FacadeConfig{Repo: f.rx, Directory: f.dir, Audit: f.audit, EPCSEnabled: epcs})
}

func validDraft() DraftRequest {
	return DraftRequest{
		PatientID:    testPatientID,
		PrescriberID: testUserID,
		Medication:   "Amoxicillin 500mg capsule",
		Sig:          "Take 1 capsule by mouth three times daily",
		Quantity:     30,
		DaysSupply:   10,
		Refills:      0,
	}
}

// seed stores a prescription already mapped to vendorID.
func (f *fixture) seed(status, vendorID string) *Prescription {
	p := &Prescription{
		ID:              uuid.New(),
		PatientID:       uuid.MustParse(testPatientID),
		PrescriberID:    testUserID,
		MedicationName:  "Lisinopril 10mg",
		Sig:             "Take 1 tablet daily",
		Quantity:        30,
		DaysSupply:      30,
		Status:          status,
		VendorMessageID: strp(vendorID),
	}
	f.rx.put(p)
	_ = f.ids.Upsert(context.Background(), &IdentityMapping{
		EntityType: EntityPrescription, EntityID: p.ID.String(), Vendor: VendorDoseSpot, VendorID: vendorID,
	})
	return p
}
