// Package relay is the service side of the tunnel.
//
// A Listener acknowledges association announcements from proxies and
// starts one Subscriber per association. The Subscriber reassembles the
// chunked request envelopes, hands them to the dispatcher and answers each
// request with the dispatcher's output, or with an empty reply when the
// request could not be served.
package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/caio-sobreiro/dicomrelay/bus"
	"github.com/caio-sobreiro/dicomrelay/envelope"
	"github.com/caio-sobreiro/dicomrelay/metrics"
	"github.com/caio-sobreiro/dicomrelay/registry"
	"github.com/caio-sobreiro/dicomrelay/subject"
)

// DefaultQueueGroup pins each association to one service replica.
const DefaultQueueGroup = "dicomrelay"

// Dispatcher performs reassembled requests.
type Dispatcher interface {
	Dispatch(ctx context.Context, env *envelope.Envelope) ([]byte, error)
	OnClose(id string)
}

// Config selects the subjects the listener serves.
type Config struct {
	Scheme     subject.Scheme
	QueueGroup string
}

// Option configures a Listener.
type Option func(*Listener)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Listener) { l.logger = logger }
}

// WithMetrics records chunk and transfer counters.
func WithMetrics(m *metrics.Metrics) Option {
	return func(l *Listener) { l.metrics = m }
}

// WithClock sets the clock used for idle tracking of subscribers.
func WithClock(c clock.Clock) Option {
	return func(l *Listener) { l.clock = c }
}

// Listener accepts association announcements.
type Listener struct {
	conn       bus.Conn
	cfg        Config
	dispatcher Dispatcher
	logger     *slog.Logger
	metrics    *metrics.Metrics
	clock      clock.Clock

	subscribers *registry.Registry[*Subscriber]

	mu       sync.Mutex
	ctx      context.Context
	announce bus.Subscription
}

// NewListener creates a Listener dispatching through dispatcher.
func NewListener(conn bus.Conn, dispatcher Dispatcher, cfg Config, opts ...Option) (*Listener, error) {
	if conn == nil || dispatcher == nil {
		return nil, errors.New("relay: bus connection and dispatcher are required")
	}
	if err := cfg.Scheme.Validate(); err != nil {
		return nil, fmt.Errorf("relay: %w", err)
	}
	if cfg.QueueGroup == "" {
		cfg.QueueGroup = DefaultQueueGroup
	}

	l := &Listener{
		conn:       conn,
		cfg:        cfg,
		dispatcher: dispatcher,
		logger:     slog.Default(),
		clock:      clock.New(),
		ctx:        context.Background(),
	}
	for _, opt := range opts {
		opt(l)
	}
	l.logger = l.logger.With("component", "relay")
	l.subscribers = registry.New[*Subscriber](l.teardown,
		registry.WithClock[*Subscriber](l.clock),
		registry.WithLogger[*Subscriber](l.logger),
		registry.WithSweepHook[*Subscriber](func(n int) { l.metrics.Swept("subscriber", n) }))
	return l, nil
}

// Start subscribes to announcements. ctx bounds every dispatched request.
func (l *Listener) Start(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.announce != nil {
		return errors.New("relay: listener already started")
	}
	sub, err := l.conn.QueueSubscribe(l.cfg.Scheme.Announcements(), l.cfg.QueueGroup, l.onAnnounce)
	if err != nil {
		return fmt.Errorf("relay: subscribe to announcements: %w", err)
	}
	l.ctx = ctx
	l.announce = sub
	l.logger.Info("Listening for associations",
		"subject", l.cfg.Scheme.Announcements(),
		"queue_group", l.cfg.QueueGroup)
	return nil
}

// Run reaps subscribers idle for longer than idle until ctx is done.
func (l *Listener) Run(ctx context.Context, interval, idle time.Duration) {
	l.subscribers.Run(ctx, interval, idle)
}

// Close stops accepting announcements and tears down every subscriber.
func (l *Listener) Close() error {
	l.mu.Lock()
	sub := l.announce
	l.announce = nil
	l.mu.Unlock()

	var err error
	if sub != nil {
		err = sub.Unsubscribe()
	}
	l.subscribers.Close()
	return err
}

// Active returns the ids of associations with a live subscriber.
func (l *Listener) Active() []string {
	return l.subscribers.Keys()
}

func (l *Listener) dispatchContext() context.Context {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.ctx
}

func (l *Listener) onAnnounce(msg *bus.Msg) {
	id := msg.Subject
	log := l.logger.With("association_id", id)

	serial, ok := l.cfg.Scheme.Serial(id)
	if !ok || strconv.FormatUint(uint64(serial), 10) != string(msg.Data) {
		log.Warn("Ignoring malformed announcement", "payload", string(msg.Data))
		return
	}

	// serials restart with the proxy, so a known id is a new association
	// and must not inherit the previous subscriber or outbound association
	if l.subscribers.Remove(id) {
		log.Info("Replacing association announced again")
	}

	s := newSubscriber(id, l)
	sub, err := l.conn.Subscribe(subject.All(id), s.handle)
	if err != nil {
		log.Error("Failed to subscribe for association", "error", err)
		return
	}
	s.sub = sub
	l.subscribers.Put(id, s)

	log.Info("Association accepted", "serial", serial)
	l.ack(msg, log)
}

func (l *Listener) ack(msg *bus.Msg, log *slog.Logger) {
	if err := msg.Respond(nil); err != nil {
		log.Warn("Failed to acknowledge announcement", "error", err)
	}
}

// release ends an association on request of the proxy.
func (l *Listener) release(id string) {
	if !l.subscribers.Remove(id) {
		l.dispatcher.OnClose(id)
	}
}

// teardown runs when a subscriber leaves the registry, on release, idle
// sweep or shutdown. The outbound association is closed before the
// subscription goes away.
func (l *Listener) teardown(id string, s *Subscriber) {
	l.dispatcher.OnClose(id)
	s.close()
	l.logger.Info("Association closed", "association_id", id)
}
