package bus

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	dicomerrors "github.com/caio-sobreiro/dicomrelay/errors"
)

// Config describes how to reach the NATS server.
type Config struct {
	URL   string
	Token string
	// TLS enables a secure connection when non-nil.
	TLS  *tls.Config
	Name string
	// InboxPrefix replaces the default _INBOX prefix of reply subjects.
	InboxPrefix string
	// ConnectWait bounds how long Connect blocks for the first connection.
	ConnectWait   time.Duration
	ReconnectWait time.Duration
	Logger        *slog.Logger
}

const (
	defaultConnectWait   = 10 * time.Second
	defaultReconnectWait = time.Second
)

// Client is a Conn backed by a NATS connection that reconnects forever.
type Client struct {
	logger *slog.Logger

	mu   sync.RWMutex
	conn *nats.Conn

	ready     chan struct{}
	readyOnce sync.Once
}

var _ Conn = (*Client)(nil)

// Connect dials the server in the background and waits up to
// cfg.ConnectWait for the first successful connection.
func Connect(ctx context.Context, cfg Config) (*Client, error) {
	if cfg.URL == "" {
		cfg.URL = nats.DefaultURL
	}
	if cfg.ConnectWait <= 0 {
		cfg.ConnectWait = defaultConnectWait
	}
	if cfg.ReconnectWait <= 0 {
		cfg.ReconnectWait = defaultReconnectWait
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	c := &Client{
		logger: logger.With("component", "bus"),
		ready:  make(chan struct{}),
	}

	opts := []nats.Option{
		nats.MaxReconnects(-1),
		nats.RetryOnFailedConnect(true),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.ConnectHandler(func(nc *nats.Conn) {
			c.logger.Info("Bus connected", "url", nc.ConnectedUrlRedacted())
			c.markReady()
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			c.logger.Info("Bus reconnected", "url", nc.ConnectedUrlRedacted())
			c.markReady()
		}),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				c.logger.Warn("Bus disconnected", "error", err)
			}
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			c.logger.Info("Bus connection closed")
		}),
	}
	if cfg.Name != "" {
		opts = append(opts, nats.Name(cfg.Name))
	}
	if cfg.InboxPrefix != "" {
		opts = append(opts, nats.CustomInboxPrefix(cfg.InboxPrefix))
	}
	if cfg.Token != "" {
		opts = append(opts, nats.Token(cfg.Token))
	}
	if cfg.TLS != nil {
		opts = append(opts, nats.Secure(cfg.TLS))
	}

	nc, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", dicomerrors.ErrBusDisconnected, err)
	}
	c.mu.Lock()
	c.conn = nc
	c.mu.Unlock()
	if nc.IsConnected() {
		c.markReady()
	}

	timer := time.NewTimer(cfg.ConnectWait)
	defer timer.Stop()
	select {
	case <-c.ready:
		return c, nil
	case <-timer.C:
		nc.Close()
		return nil, fmt.Errorf("%w: no connection to %s within %s",
			dicomerrors.ErrBusDisconnected, cfg.URL, cfg.ConnectWait)
	case <-ctx.Done():
		nc.Close()
		return nil, ctx.Err()
	}
}

func (c *Client) markReady() {
	c.readyOnce.Do(func() { close(c.ready) })
}

func (c *Client) handle() (*nats.Conn, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.conn == nil || c.conn.IsClosed() {
		return nil, dicomerrors.ErrBusDisconnected
	}
	return c.conn, nil
}

// Publish sends data on subject. While reconnecting, messages are buffered by the NATS client.
func (c *Client) Publish(subject string, data []byte) error {
	nc, err := c.handle()
	if err != nil {
		return err
	}
	if err := nc.Publish(subject, data); err != nil {
		return fmt.Errorf("publish %s: %w", subject, err)
	}
	return nil
}

// Request publishes data and waits for the first reply.
func (c *Client) Request(ctx context.Context, subject string, data []byte, timeout time.Duration) ([]byte, error) {
	nc, err := c.handle()
	if err != nil {
		return nil, err
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	msg, err := nc.RequestWithContext(ctx, subject, data)
	if err != nil {
		if isTimeout(err) {
			return nil, fmt.Errorf("request %s: %w (%v)", subject,
				dicomerrors.NewTimeoutError("bus request", timeout.String()), err)
		}
		return nil, fmt.Errorf("request %s: %w", subject, err)
	}
	return msg.Data, nil
}

func isTimeout(err error) bool {
	return errors.Is(err, nats.ErrTimeout) ||
		errors.Is(err, nats.ErrNoResponders) ||
		errors.Is(err, nats.ErrConnectionClosed) ||
		errors.Is(err, nats.ErrConnectionDraining) ||
		errors.Is(err, context.DeadlineExceeded)
}

// Subscribe registers handler for subject.
func (c *Client) Subscribe(subject string, handler MsgHandler) (Subscription, error) {
	nc, err := c.handle()
	if err != nil {
		return nil, err
	}
	sub, err := nc.Subscribe(subject, c.wrap(handler))
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", subject, err)
	}
	return sub, nil
}

// QueueSubscribe registers handler for subject within a queue group.
func (c *Client) QueueSubscribe(subject, queue string, handler MsgHandler) (Subscription, error) {
	nc, err := c.handle()
	if err != nil {
		return nil, err
	}
	sub, err := nc.QueueSubscribe(subject, queue, c.wrap(handler))
	if err != nil {
		return nil, fmt.Errorf("queue subscribe %s: %w", subject, err)
	}
	return sub, nil
}

func (c *Client) wrap(handler MsgHandler) nats.MsgHandler {
	return func(m *nats.Msg) {
		handler(NewMsg(m.Subject, m.Reply, m.Data, m.Respond))
	}
}

// Close drains subscriptions and closes the connection.
func (c *Client) Close() error {
	c.mu.Lock()
	nc := c.conn
	c.conn = nil
	c.mu.Unlock()
	if nc == nil || nc.IsClosed() {
		return nil
	}
	if err := nc.Drain(); err != nil {
		nc.Close()
		return fmt.Errorf("drain bus connection: %w", err)
	}
	return nil
}
