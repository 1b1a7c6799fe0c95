package hipaa

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ehr/erx/internal/platform/db"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/rs/zerolog"
)

// Audit actions, following the FHIR AuditEvent action codes.
const (
	ActionCreate  = "C"
	ActionRead    = "R"
	ActionUpdate  = "U"
	ActionDelete  = "D"
	ActionExecute = "E"
)

// Audit outcomes.
const (
	OutcomeSuccess        = "0"
	OutcomeMinorFailure   = "4"
	OutcomeSeriousFailure = "8"
)

// AuditEvent is one row in a clinic's audit_event table. Detail must only
// carry identifiers and status codes, never demographic or clinical text.
type AuditEvent struct {
	Action       string
	EventType    string
	Outcome      string
	UserID       string
	UserRole     string
	ResourceType string
	ResourceID   string
	PatientID    string
	SourceIP     string
	RequestID    string
	Detail       map[string]any
	Recorded     time.Time
}

// NewEvent returns a successful event for resourceType/resourceID.
func NewEvent(action, eventType, resourceType, resourceID string) *AuditEvent {
	return &AuditEvent{
		Action:       action,
		EventType:    eventType,
		Outcome:      OutcomeSuccess,
		ResourceType: resourceType,
		ResourceID:   resourceID,
		Recorded:     time.Now().UTC(),
	}
}

// Execer is satisfied by *pgxpool.Pool, *pgxpool.Conn and pgx.Tx.
type Execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// AuditLogger writes audit events into the schema of the tenant carried by
// the context. Writes use schema-qualified table names so they never depend
// on a connection's search_path.
type AuditLogger struct {
	db      Execer
	logger  zerolog.Logger
	timeout time.Duration
	wg      sync.WaitGroup
}

func NewAuditLogger(pool Execer, logger zerolog.Logger) *AuditLogger {
	return &AuditLogger{
		db:      pool,
		logger:  logger.With().Str("component", "audit").Logger(),
		timeout: 5 * time.Second,
	}
}

var errNoTenant = errors.New("hipaa audit: no tenant in context")

// LogEvent inserts event synchronously.
func (a *AuditLogger) LogEvent(ctx context.Context, event *AuditEvent) error {
	tenant := db.TenantFromContext(ctx)
	if tenant == "" {
		return errNoTenant
	}
	if !db.ValidTenantID(tenant) {
		return fmt.Errorf("hipaa audit: invalid tenant %q", tenant)
	}
	if event.Recorded.IsZero() {
		event.Recorded = time.Now().UTC()
	}
	if event.Outcome == "" {
		event.Outcome = OutcomeSuccess
	}

	var detail []byte
	if len(event.Detail) > 0 {
		var err error
		if detail, err = json.Marshal(event.Detail); err != nil {
			return fmt.Errorf("hipaa audit: marshal detail: %w", err)
		}
	}

	query := fmt.Sprintf(`
		INSERT INTO %s.audit_event (
			action, event_type, outcome, user_id, user_role,
			resource_type, resource_id, patient_id, source_ip, request_id,
			detail, recorded_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)`, db.SchemaForTenant(tenant))

	_, err := a.db.Exec(ctx, query,
		event.Action, event.EventType, event.Outcome, nullable(event.UserID), nullable(event.UserRole),
		event.ResourceType, nullable(event.ResourceID), nullable(event.PatientID),
		nullable(event.SourceIP), nullable(event.RequestID),
		detail, event.Recorded,
	)
	if err != nil {
		return fmt.Errorf("hipaa audit: insert %s: %w", event.EventType, err)
	}
	return nil
}

// LogEventAsync records event without blocking the caller. The write
// outlives the request context; failures are logged and otherwise dropped.
func (a *AuditLogger) LogEventAsync(ctx context.Context, event *AuditEvent) {
	detached, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.timeout)
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		defer cancel()
		if err := a.LogEvent(detached, event); err != nil {
			a.logger.Error().Err(err).
				Str("event_type", event.EventType).
				Str("resource_type", event.ResourceType).
				Str("resource_id", event.ResourceID).
				Msg("audit write failed")
		}
	}()
}

// Wait blocks until pending async writes finish. Used during shutdown.
func (a *AuditLogger) Wait() {
	a.wg.Wait()
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
