package telemetry

import (
	"context"
	"strings"
	"time"

	"campus-realtime/internal/logging"
	"campus-realtime/internal/observability"
)

type Publisher interface {
	Publish(ctx context.Context, routingKey string, event any, headers map[string]string) error
}

// Emitter publishes audit records and domain events. A nil *Emitter is a
// valid no-op so components can be built without a broker.
type Emitter struct {
	publisher   Publisher
	auditKey    string
	eventsKey   string
	service     string
	environment string
}

type AuditEnvelope struct {
	SchemaVersion int          `json:"schema_version"`
	EventType     string       `json:"event_type"`
	OccurredAt    string       `json:"occurred_at"`
	Service       string       `json:"service"`
	Environment   string       `json:"environment"`
	RequestID     string       `json:"request_id"`
	IdentityID    string       `json:"identity_id,omitempty"`
	Payload       AuditPayload `json:"payload"`
}

type AuditPayload struct {
	Level string `json:"level"`
	Text  string `json:"text"`
}

// DomainEnvelope wraps a state change for downstream consumers.
type DomainEnvelope struct {
	SchemaVersion int    `json:"schema_version"`
	EventType     string `json:"event_type"`
	OccurredAt    string `json:"occurred_at"`
	Service       string `json:"service"`
	RequestID     string `json:"request_id,omitempty"`
	Payload       any    `json:"payload"`
}

func NewEmitter(publisher Publisher, auditKey, eventsKey, service, environment string) *Emitter {
	return &Emitter{
		publisher:   publisher,
		auditKey:    auditKey,
		eventsKey:   eventsKey,
		service:     service,
		environment: environment,
	}
}

// Audit records a user-visible action outcome.
func (e *Emitter) Audit(ctx context.Context, level, text, identityID string) {
	if e == nil || e.publisher == nil {
		return
	}

	requestID := logging.RequestIDFromContext(ctx)
	logging.Ctx(ctx).Debug().Str("level", level).Str("text", text).Msg("audit emit")
	envelope := AuditEnvelope{
		SchemaVersion: 1,
		EventType:     "audit_log",
		OccurredAt:    time.Now().UTC().Format(time.RFC3339Nano),
		Service:       e.service,
		Environment:   e.environment,
		RequestID:     requestID,
		IdentityID:    identityID,
		Payload:       AuditPayload{Level: level, Text: text},
	}
	e.publish(ctx, e.auditKey, envelope)
}

// Domain publishes eventType (e.g. "message:new") under
// <events_key>.message.new.
func (e *Emitter) Domain(ctx context.Context, eventType string, payload any) {
	if e == nil || e.publisher == nil {
		return
	}
	envelope := DomainEnvelope{
		SchemaVersion: 1,
		EventType:     eventType,
		OccurredAt:    time.Now().UTC().Format(time.RFC3339Nano),
		Service:       e.service,
		RequestID:     logging.RequestIDFromContext(ctx),
		Payload:       payload,
	}
	e.publish(ctx, e.eventsKey+"."+strings.ReplaceAll(eventType, ":", "."), envelope)
}

func (e *Emitter) publish(ctx context.Context, routingKey string, envelope any) {
	headers := observability.BuildHeaders(logging.RequestIDFromContext(ctx), TraceIDFromContext(ctx))
	if err := e.publisher.Publish(ctx, routingKey, envelope, headers); err != nil {
		observability.IncAMQPPublishError()
		logging.Ctx(ctx).Warn().Err(err).Str("routing_key", routingKey).Msg("event publish failed")
	}
}
