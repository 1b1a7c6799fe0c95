// Package events publishes prescription lifecycle changes to NATS JetStream so
// other services (chart timeline, notifications) can follow them.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

const (
	StreamName    = "EPRESCRIBE_EVENTS"
	subjectPrefix = "eprescribe.prescription."
)

// PrescriptionStatus announces that a prescription reached Status. It
// carries identifiers only.
type PrescriptionStatus struct {
	TenantID        string    `json:"tenant_id"`
	PrescriptionID  string    `json:"prescription_id"`
	Status          string    `json:"status"`
	Source          string    `json:"source"` // api, webhook, sync
	VendorMessageID string    `json:"vendor_message_id,omitempty"`
	OccurredAt      time.Time `json:"occurred_at"`
}

// Subject returns the NATS subject for ev, e.g. eprescribe.prescription.sent.
func (ev PrescriptionStatus) Subject() string {
	return subjectPrefix + strings.ToLower(ev.Status)
}

// msgID lets JetStream drop duplicates from redelivered webhooks.
func (ev PrescriptionStatus) msgID() string {
	return fmt.Sprintf("%s:%s:%s", ev.TenantID, ev.PrescriptionID, ev.Status)
}

// Publisher writes status events to the EPRESCRIBE_EVENTS stream.
type Publisher struct {
	nc     *nats.Conn
	js     jetstream.JetStream
	logger zerolog.Logger
	owned  bool
}

// Connect dials url and prepares the stream.
func Connect(ctx context.Context, url string, logger zerolog.Logger) (*Publisher, error) {
	nc, err := nats.Connect(url,
		nats.Name("erx-server"),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn().Err(err).Msg("nats disconnected")
			}
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	p, err := NewPublisher(ctx, nc, logger)
	if err != nil {
		nc.Close()
		return nil, err
	}
	p.owned = true
	return p, nil
}

// NewPublisher uses an existing connection. The caller keeps ownership of nc.
func NewPublisher(ctx context.Context, nc *nats.Conn, logger zerolog.Logger) (*Publisher, error) {
	js, err := jetstream.New(nc)
	if err != nil {
		return nil, fmt.Errorf("jetstream: %w", err)
	}

	_, err = js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:        StreamName,
		Description: "Prescription status changes",
		Subjects:    []string{subjectPrefix + ">"},
		Retention:   jetstream.LimitsPolicy,
		MaxAge:      7 * 24 * time.Hour,
		Storage:     jetstream.FileStorage,
		Duplicates:  10 * time.Minute,
	})
	if err != nil {
		return nil, fmt.Errorf("create stream %s: %w", StreamName, err)
	}

	return &Publisher{
		nc:     nc,
		js:     js,
		logger: logger.With().Str("component", "events").Logger(),
	}, nil
}

func (p *Publisher) PublishPrescriptionStatus(ctx context.Context, ev PrescriptionStatus) error {
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = time.Now().UTC()
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	ack, err := p.js.Publish(ctx, ev.Subject(), data, jetstream.WithMsgID(ev.msgID()))
	if err != nil {
		return fmt.Errorf("publish %s: %w", ev.Subject(), err)
	}

	p.logger.Debug().
		Str("subject", ev.Subject()).
		Str("prescription_id", ev.PrescriptionID).
		Uint64("seq", ack.Sequence).
		Bool("duplicate", ack.Duplicate).
		Msg("status event published")
	return nil
}

// Close drains the connection if Connect opened it.
func (p *Publisher) Close() {
	if p.owned {
		_ = p.nc.Drain()
	}
}

// Nop discards events. Used when NATS_URL is unset.
type Nop struct{}

func (Nop) PublishPrescriptionStatus(context.Context, PrescriptionStatus) error { return nil }
