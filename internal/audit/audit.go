// Package audit records security-relevant auth events. Publishing is fire and
// forget: a failed publish is logged and never fails the operation that
// caused it.
package audit

import (
	"context"
	"fmt"
	"log/slog"

	pkgkafka "github.com/Caleb220/Parscade-Bolt-Testing-sub001/pkg/kafka"
	"github.com/Caleb220/Parscade-Bolt-Testing-sub001/pkg/logger"
)

// Event types.
const (
	TypeSignedIn                 = "auth.signed_in"
	TypeSignedOut                = "auth.signed_out"
	TypeSignInFailed             = "auth.sign_in_failed"
	TypePasswordReset            = "auth.password_reset"
	TypePasswordResetRateLimited = "auth.password_reset_rate_limited"
)

// SourceClient identifies events published by this client.
const SourceClient = "parscade-client"

// Event is one audit record. Subject is the user id, or the opaque reset
// session id when no user is known. Attributes never carry credentials.
type Event struct {
	Type       string
	Subject    string
	Attributes map[string]string
}

// Publisher delivers audit events.
type Publisher interface {
	Publish(ctx context.Context, e Event) error
}

// Emit publishes e and logs a failure instead of returning it.
func Emit(ctx context.Context, p Publisher, log *slog.Logger, e Event) {
	if p == nil {
		return
	}
	if err := p.Publish(ctx, e); err != nil {
		if log == nil {
			log = logger.Discard()
		}
		log.WarnContext(ctx, "failed to publish audit event",
			slog.String("event_type", e.Type),
			slog.String("error", err.Error()),
		)
	}
}

type eventProducer interface {
	Publish(ctx context.Context, topic string, event *pkgkafka.Event) error
}

// KafkaPublisher writes audit events to the security topic.
type KafkaPublisher struct {
	producer eventProducer
	topic    string
	source   string
	logger   *slog.Logger
}

// NewKafkaPublisher creates a publisher over producer. An empty source
// defaults to SourceClient.
func NewKafkaPublisher(producer eventProducer, source string, log *slog.Logger) *KafkaPublisher {
	if source == "" {
		source = SourceClient
	}
	if log == nil {
		log = logger.Discard()
	}
	return &KafkaPublisher{
		producer: producer,
		topic:    pkgkafka.Topic("auth", "security"),
		source:   source,
		logger:   log,
	}
}

// Publish sends e, carrying the context's correlation id.
func (p *KafkaPublisher) Publish(ctx context.Context, e Event) error {
	event, err := pkgkafka.NewEvent(e.Type, e.Subject, p.source, e.Attributes)
	if err != nil {
		return fmt.Errorf("create %s event: %w", e.Type, err)
	}
	if id := logger.CorrelationIDFromContext(ctx); id != "" {
		event.WithCorrelationID(id)
	}

	if err := p.producer.Publish(ctx, p.topic, event); err != nil {
		return fmt.Errorf("publish %s event: %w", e.Type, err)
	}

	p.logger.DebugContext(ctx, "published audit event",
		slog.String("event_type", e.Type),
		slog.String("event_id", event.EventID),
	)
	return nil
}

// LogPublisher writes audit events to the log. It is used when no broker is
// configured.
type LogPublisher struct {
	logger *slog.Logger
}

// NewLogPublisher creates a log-only publisher.
func NewLogPublisher(log *slog.Logger) *LogPublisher {
	if log == nil {
		log = logger.Discard()
	}
	return &LogPublisher{logger: log}
}

// Publish logs e at info level.
func (p *LogPublisher) Publish(ctx context.Context, e Event) error {
	attrs := []any{
		slog.String("event_type", e.Type),
		slog.String("subject", e.Subject),
	}
	for k, v := range e.Attributes {
		attrs = append(attrs, slog.String(k, v))
	}
	p.logger.InfoContext(ctx, "audit event", attrs...)
	return nil
}
