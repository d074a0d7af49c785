// Package proxy forwards inbound DIMSE associations over the bus.
//
// A Gateway is installed on a server.Server both as the service handler and
// as the association listener. It announces every negotiated association to
// the relay service before the A-ASSOCIATE-AC is sent, turns each request
// into chunked envelopes and answers with the command set the relay
// service sends back. Any forwarding failure is returned as an error, which
// makes the PDU layer abort the association.
package proxy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/caio-sobreiro/dicomrelay/bus"
	"github.com/caio-sobreiro/dicomrelay/chunk"
	"github.com/caio-sobreiro/dicomrelay/dicom"
	"github.com/caio-sobreiro/dicomrelay/dimse"
	"github.com/caio-sobreiro/dicomrelay/envelope"
	dicomerrors "github.com/caio-sobreiro/dicomrelay/errors"
	"github.com/caio-sobreiro/dicomrelay/interfaces"
	"github.com/caio-sobreiro/dicomrelay/metrics"
	"github.com/caio-sobreiro/dicomrelay/registry"
	"github.com/caio-sobreiro/dicomrelay/subject"
	"github.com/caio-sobreiro/dicomrelay/types"
)

// DefaultReplyTimeout bounds announcements and request round trips.
const DefaultReplyTimeout = 30 * time.Second

// Config controls how requests are forwarded.
type Config struct {
	Scheme       subject.Scheme
	ReplyTimeout time.Duration
	ChunkSize    int
	Compression  chunk.Compression
}

// Option configures a Gateway.
type Option func(*Gateway)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(g *Gateway) { g.logger = logger }
}

// WithMetrics records forwarding outcomes.
func WithMetrics(m *metrics.Metrics) Option {
	return func(g *Gateway) { g.metrics = m }
}

// Gateway is the proxy side of the tunnel.
type Gateway struct {
	conn    bus.Conn
	cfg     Config
	logger  *slog.Logger
	metrics *metrics.Metrics

	// announced associations by id
	sessions *registry.Registry[envelope.AssociationDescriptor]
}

var (
	_ interfaces.ServiceHandler      = (*Gateway)(nil)
	_ interfaces.AssociationListener = (*Gateway)(nil)
)

// New creates a Gateway publishing on conn.
func New(conn bus.Conn, cfg Config, opts ...Option) (*Gateway, error) {
	if conn == nil {
		return nil, errors.New("proxy: bus connection is required")
	}
	if err := cfg.Scheme.Validate(); err != nil {
		return nil, fmt.Errorf("proxy: %w", err)
	}
	if cfg.ReplyTimeout <= 0 {
		cfg.ReplyTimeout = DefaultReplyTimeout
	}
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = chunk.DefaultSize
	}

	g := &Gateway{conn: conn, cfg: cfg, logger: slog.Default()}
	for _, opt := range opts {
		opt(g)
	}
	g.logger = g.logger.With("component", "proxy")
	g.sessions = registry.New[envelope.AssociationDescriptor](nil,
		registry.WithLogger[envelope.AssociationDescriptor](g.logger))
	return g, nil
}

// Associated announces a negotiated association and waits for the relay service to acknowledge it.
func (g *Gateway) Associated(ctx context.Context, assoc *types.AssociationContext) error {
	id := g.cfg.Scheme.AssociationID(assoc.Serial)
	serial := strconv.FormatUint(uint64(assoc.Serial), 10)

	if _, err := g.conn.Request(ctx, id, []byte(serial), g.cfg.ReplyTimeout); err != nil {
		g.logger.Error("Association announcement failed",
			"association_id", id,
			"calling_ae", assoc.CallingAETitle,
			"error", err)
		return dicomerrors.NewTransientAssociationError(
			dicomerrors.RejectSourceServiceUser,
			dicomerrors.RejectReasonNoReasonGiven,
			"relay service did not acknowledge "+id)
	}

	g.sessions.Put(id, envelope.NewDescriptor(id, assoc))
	g.logger.Info("Association announced",
		"association_id", id,
		"calling_ae", assoc.CallingAETitle,
		"called_ae", assoc.CalledAETitle,
		"contexts", len(assoc.Order))
	return nil
}

// Closed announces the end of an association.
func (g *Gateway) Closed(assoc *types.AssociationContext) {
	id := g.cfg.Scheme.AssociationID(assoc.Serial)
	if !g.sessions.Remove(id) {
		return
	}
	if err := g.conn.Publish(subject.Release(id), nil); err != nil {
		g.logger.Warn("Failed to publish release", "association_id", id, "error", err)
		return
	}
	g.logger.Info("Association released", "association_id", id)
}

// HandleDIMSE forwards one request and returns the relayed response command set.
func (g *Gateway) HandleDIMSE(ctx context.Context, msg *types.Message, data []byte, meta interfaces.MessageContext) (*types.Message, []byte, error) {
	if meta.Association == nil || meta.PresentationContext == nil {
		return nil, nil, fmt.Errorf("%w: request outside a negotiated context", dicomerrors.ErrNoPresentationCtx)
	}
	id := g.cfg.Scheme.AssociationID(meta.Association.Serial)
	desc, ok := g.sessions.Get(id)
	if !ok {
		return nil, nil, fmt.Errorf("association %s was not announced", id)
	}

	env := &envelope.Envelope{
		Association: desc,
		ContextID:   meta.PresentationContext.ID,
		Command:     msg,
	}
	if msg.HasDataset() {
		ds, err := dicom.ParseDatasetWithTransferSyntax(data, msg.TransferSyntaxUID)
		if err != nil {
			return nil, nil, fmt.Errorf("decode dataset of message %d: %w", msg.MessageID, err)
		}
		env.Dataset = ds
	}

	command := types.CommandOf(msg.CommandField).String()
	start := time.Now()
	reply, err := g.forward(ctx, id, msg.MessageID, env)
	elapsed := time.Since(start)
	if err != nil {
		outcome := metrics.OutcomeError
		if errors.Is(err, dicomerrors.ErrTransportTimeout) {
			outcome = metrics.OutcomeTimeout
		}
		g.metrics.Forwarded(command, outcome, elapsed)
		return nil, nil, err
	}

	resp, err := dimse.DecodeCommand(reply)
	if err != nil {
		g.metrics.Forwarded(command, metrics.OutcomeError, elapsed)
		return nil, nil, fmt.Errorf("decode relayed response: %w", err)
	}
	g.metrics.Forwarded(command, metrics.OutcomeSuccess, elapsed)

	g.logger.Debug("Relayed response",
		"association_id", id,
		"message_id", msg.MessageID,
		"status", fmt.Sprintf("0x%04x", resp.Status),
		"elapsed", elapsed)
	return resp, nil, nil
}

// forward publishes every chunk but the last and requests on the last one.
func (g *Gateway) forward(ctx context.Context, id string, messageID uint16, env *envelope.Envelope) ([]byte, error) {
	encoded, err := envelope.Encode(env)
	if err != nil {
		return nil, err
	}
	frame, err := chunk.Compress(encoded, g.cfg.Compression)
	if err != nil {
		return nil, err
	}
	chunks := chunk.Split(frame, g.cfg.ChunkSize)

	last := chunks[len(chunks)-1]
	for _, c := range chunks[:len(chunks)-1] {
		if err := g.conn.Publish(subject.Chunk(id, messageID, c.Index, false), c.Payload); err != nil {
			return nil, fmt.Errorf("publish chunk %d of message %d: %w", c.Index, messageID, err)
		}
	}
	g.metrics.ChunksPublished(len(chunks))

	g.logger.Debug("Forwarding request",
		"association_id", id,
		"message_id", messageID,
		"chunks", len(chunks),
		"envelope_size", len(encoded),
		"frame_size", len(frame))

	reply, err := g.conn.Request(ctx, subject.Chunk(id, messageID, last.Index, true), last.Payload, g.cfg.ReplyTimeout)
	if err != nil {
		return nil, fmt.Errorf("message %d: %w", messageID, err)
	}
	if len(reply) == 0 {
		return nil, fmt.Errorf("message %d: %w", messageID, dicomerrors.ErrEmptyReply)
	}
	return reply, nil
}

// Active returns the ids of announced associations that have not closed yet.
func (g *Gateway) Active() []string {
	return g.sessions.Keys()
}
