// Package dispatch replays tunnelled requests against the target archive.
//
// The dispatcher keeps at most one outbound association per inbound
// association id. Requests within one inbound association arrive
// sequentially, so an outbound handle is never used concurrently.
package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/caio-sobreiro/dicomrelay/client"
	"github.com/caio-sobreiro/dicomrelay/dimse"
	"github.com/caio-sobreiro/dicomrelay/envelope"
	dicomerrors "github.com/caio-sobreiro/dicomrelay/errors"
	"github.com/caio-sobreiro/dicomrelay/metrics"
	"github.com/caio-sobreiro/dicomrelay/registry"
	"github.com/caio-sobreiro/dicomrelay/types"
)

// Association is an outbound association to the target.
type Association interface {
	SendCEcho(ctx context.Context, messageID uint16) (*client.CEchoResponse, error)
	SendCStore(ctx context.Context, req *client.CStoreRequest) (*client.CStoreResponse, error)
	IsReadyForDataTransfer() bool
	Release(ctx context.Context) error
}

// Connector opens outbound associations mirroring an inbound one.
type Connector interface {
	Connect(ctx context.Context, desc envelope.AssociationDescriptor) (Association, error)
}

const defaultReleaseTimeout = 10 * time.Second

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(d *Dispatcher) { d.logger = logger }
}

// WithMetrics records dispatch outcomes and the outbound association count.
func WithMetrics(m *metrics.Metrics) Option {
	return func(d *Dispatcher) { d.metrics = m }
}

// WithClock sets the clock used for idle tracking.
func WithClock(c clock.Clock) Option {
	return func(d *Dispatcher) { d.clock = c }
}

// WithReleaseTimeout bounds a graceful release of an outbound association.
func WithReleaseTimeout(timeout time.Duration) Option {
	return func(d *Dispatcher) { d.releaseTimeout = timeout }
}

// Dispatcher maps envelopes to DIMSE operations on the target.
type Dispatcher struct {
	connector      Connector
	logger         *slog.Logger
	metrics        *metrics.Metrics
	clock          clock.Clock
	releaseTimeout time.Duration

	outbound *registry.Registry[Association]
}

// New creates a Dispatcher opening associations through connector.
func New(connector Connector, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		connector:      connector,
		logger:         slog.Default(),
		clock:          clock.New(),
		releaseTimeout: defaultReleaseTimeout,
	}
	for _, opt := range opts {
		opt(d)
	}
	d.logger = d.logger.With("component", "dispatch")
	d.outbound = registry.New[Association](d.release,
		registry.WithClock[Association](d.clock),
		registry.WithLogger[Association](d.logger),
		registry.WithSweepHook[Association](func(n int) { d.metrics.Swept("outbound", n) }))
	return d
}

// Dispatch performs the enveloped request and returns the encoded response command set.
func (d *Dispatcher) Dispatch(ctx context.Context, env *envelope.Envelope) ([]byte, error) {
	cmd := types.CommandOf(env.Command.CommandField)

	var (
		resp *types.Message
		err  error
	)
	switch cmd {
	case types.CommandEcho:
		resp, err = d.echo(ctx, env)
	case types.CommandStore:
		resp, err = d.store(ctx, env)
	case types.CommandUnknown:
		err = fmt.Errorf("%w: command field 0x%04x", dicomerrors.ErrUnsupportedCommand, env.Command.CommandField)
	default:
		err = fmt.Errorf("%w: %s", dicomerrors.ErrUnsupportedCommand, cmd)
	}
	if err != nil {
		d.metrics.Dispatched(cmd.String(), metrics.OutcomeError)
		return nil, err
	}
	d.metrics.Dispatched(cmd.String(), metrics.OutcomeSuccess)
	return dimse.EncodeCommand(resp)
}

// echo uses the registered association when it is ready, otherwise a
// short-lived one released right after the verification.
func (d *Dispatcher) echo(ctx context.Context, env *envelope.Envelope) (*types.Message, error) {
	id := env.Association.ID
	if assoc, ok := d.outbound.Get(id); ok && assoc.IsReadyForDataTransfer() {
		resp, err := assoc.SendCEcho(ctx, env.Command.MessageID)
		if err != nil {
			d.outbound.Remove(id)
			return nil, d.unavailable(id, "C-ECHO", err)
		}
		return resp.Command, nil
	}

	assoc, err := d.connector.Connect(ctx, env.Association)
	if err != nil {
		return nil, d.unavailable(id, "connect", err)
	}
	defer d.release(id, assoc)

	resp, err := assoc.SendCEcho(ctx, env.Command.MessageID)
	if err != nil {
		return nil, d.unavailable(id, "C-ECHO", err)
	}
	return resp.Command, nil
}

func (d *Dispatcher) store(ctx context.Context, env *envelope.Envelope) (*types.Message, error) {
	id := env.Association.ID
	if env.Dataset == nil {
		return nil, fmt.Errorf("%w: C-STORE without dataset", dicomerrors.ErrInvalidMessage)
	}
	data, err := env.Dataset.Encode()
	if err != nil {
		return nil, fmt.Errorf("encode dataset: %w", err)
	}

	assoc, err := d.acquire(ctx, env.Association)
	if err != nil {
		return nil, d.unavailable(id, "connect", err)
	}

	req := &client.CStoreRequest{
		SOPClassUID:       env.Command.AffectedSOPClassUID,
		SOPInstanceUID:    env.Command.AffectedSOPInstanceUID,
		Data:              data,
		MessageID:         env.Command.MessageID,
		Priority:          env.Command.Priority,
		TransferSyntaxUID: env.Dataset.TransferSyntaxUID,
		Extra:             env.Command.Extra,
	}
	resp, err := assoc.SendCStore(ctx, req)
	if err != nil {
		d.outbound.Remove(id)
		return nil, d.unavailable(id, "C-STORE", err)
	}
	d.logger.Debug("C-STORE relayed",
		"association_id", id,
		"message_id", env.Command.MessageID,
		"sop_instance", req.SOPInstanceUID,
		"status", fmt.Sprintf("0x%04x", resp.Status))
	return resp.Command, nil
}

// acquire returns the registered association for desc or negotiates and registers a new one.
func (d *Dispatcher) acquire(ctx context.Context, desc envelope.AssociationDescriptor) (Association, error) {
	if assoc, ok := d.outbound.Get(desc.ID); ok {
		if assoc.IsReadyForDataTransfer() {
			return assoc, nil
		}
		d.outbound.Remove(desc.ID)
	}

	assoc, err := d.connector.Connect(ctx, desc)
	if err != nil {
		return nil, err
	}
	d.outbound.Put(desc.ID, assoc)
	d.metrics.SetOutbound(d.outbound.Len())
	d.logger.Info("Outbound association registered", "association_id", desc.ID)
	return assoc, nil
}

// OnClose releases the outbound association of an inbound one that ended.
// It does nothing when none is registered.
func (d *Dispatcher) OnClose(id string) {
	if d.outbound.Remove(id) {
		d.logger.Info("Outbound association closed", "association_id", id)
	}
}

// Active reports whether id has a registered outbound association.
func (d *Dispatcher) Active(id string) bool {
	return d.outbound.IsActive(id)
}

// Run releases outbound associations idle for longer than idle until ctx is done.
func (d *Dispatcher) Run(ctx context.Context, interval, idle time.Duration) {
	d.outbound.Run(ctx, interval, idle)
}

// Close releases every outbound association.
func (d *Dispatcher) Close() {
	d.outbound.Close()
}

func (d *Dispatcher) release(id string, assoc Association) {
	ctx, cancel := context.WithTimeout(context.Background(), d.releaseTimeout)
	defer cancel()
	if err := assoc.Release(ctx); err != nil {
		d.logger.Warn("Outbound release failed", "association_id", id, "error", err)
	}
	d.metrics.SetOutbound(d.outbound.Len())
}

func (d *Dispatcher) unavailable(id, op string, err error) error {
	d.logger.Error("Target request failed", "association_id", id, "operation", op, "error", err)
	return fmt.Errorf("%w: %s: %v", dicomerrors.ErrTargetUnavailable, op, err)
}
