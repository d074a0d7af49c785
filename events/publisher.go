package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/benbjohnson/clock"

	"github.com/caio-sobreiro/dicomrelay/bus"
	"github.com/caio-sobreiro/dicomrelay/interfaces"
)

// Option configures a Publisher.
type Option func(*Publisher)

func WithLogger(logger *slog.Logger) Option {
	return func(p *Publisher) { p.logger = logger }
}

// WithClock sets the clock stamping event times.
func WithClock(c clock.Clock) Option {
	return func(p *Publisher) { p.clock = c }
}

// WithWADOEndpoints sets the retrieval endpoints advertised in Store.
func WithWADOEndpoints(internal, external string) Option {
	return func(p *Publisher) {
		p.wadoInternal = internal
		p.wadoExternal = external
	}
}

// Publisher sends events as JSON CloudEvents on one bus subject.
type Publisher struct {
	conn    bus.Conn
	subject string
	logger  *slog.Logger
	clock   clock.Clock

	wadoInternal string
	wadoExternal string
}

var _ interfaces.EventPublisher = (*Publisher)(nil)

// NewPublisher creates a Publisher for subject.
func NewPublisher(conn bus.Conn, subject string, opts ...Option) (*Publisher, error) {
	if conn == nil {
		return nil, errors.New("events: bus connection is required")
	}
	if subject == "" {
		return nil, errors.New("events: subject is required")
	}
	p := &Publisher{
		conn:    conn,
		subject: subject,
		logger:  slog.Default(),
		clock:   clock.New(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// PublishImageStored emits an ImageStoredEvent for a stored instance.
func (p *Publisher) PublishImageStored(ctx context.Context, stored interfaces.ImageStored) error {
	data := ImageStoredEvent{
		Image: Image{
			Elements:          Elements(stored.Dataset),
			TransferSyntaxUID: stored.TransferSyntaxUID,
		},
		Store: Store{
			Provider:             stored.Provider,
			BucketName:           stored.Bucket,
			ObjectName:           stored.ObjectName,
			WADOInternalEndpoint: p.wadoInternal,
			WADOExternalEndpoint: p.wadoExternal,
		},
	}
	return p.Publish(ctx, TypeImageStored, stored.SOPInstanceUID, data)
}

// Publish wraps data in a CloudEvent of eventType and sends it.
func (p *Publisher) Publish(ctx context.Context, eventType, subject string, data any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	event, err := New(eventType, subject, p.clock.Now(), data)
	if err != nil {
		return err
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal cloud event: %w", err)
	}
	if err := p.conn.Publish(p.subject, payload); err != nil {
		return fmt.Errorf("publish %s: %w", eventType, err)
	}
	p.logger.DebugContext(ctx, "Published event",
		"type", eventType,
		"event_id", event.ID,
		"bus_subject", p.subject,
		"size", len(payload))
	return nil
}
