// Package bustest provides an in-memory bus.Conn for tests.
//
// Subjects follow NATS rules: tokens are separated by dots, "*" matches one
// token and a trailing ">" matches one or more tokens. Every subscription
// has its own delivery goroutine, so handlers of one subscription run in
// publish order and may publish or unsubscribe without deadlocking.
package bustest

import (
	"context"
	"fmt"
	"math/rand/v2"
	"strings"
	"sync"
	"time"

	"github.com/caio-sobreiro/dicomrelay/bus"
	dicomerrors "github.com/caio-sobreiro/dicomrelay/errors"
)

// Bus is an in-process message bus.
type Bus struct {
	// InboxPrefix replaces the default _INBOX prefix of reply subjects.
	// Set it before the first request.
	InboxPrefix string

	mu     sync.Mutex
	subs   map[*subscription]struct{}
	inbox  uint64
	closed bool
}

var _ bus.Conn = (*Bus)(nil)

// New returns an empty bus.
func New() *Bus {
	return &Bus{subs: make(map[*subscription]struct{})}
}

type subscription struct {
	bus     *Bus
	pattern []string
	queue   string
	handler bus.MsgHandler

	mu      sync.Mutex
	pending []*bus.Msg
	wake    chan struct{}
	done    chan struct{}
	once    sync.Once
}

func (s *subscription) enqueue(msg *bus.Msg) {
	s.mu.Lock()
	s.pending = append(s.pending, msg)
	s.mu.Unlock()
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *subscription) run() {
	for {
		select {
		case <-s.done:
			return
		case <-s.wake:
		}
		for {
			s.mu.Lock()
			if len(s.pending) == 0 {
				s.mu.Unlock()
				break
			}
			msg := s.pending[0]
			s.pending = s.pending[1:]
			s.mu.Unlock()

			select {
			case <-s.done:
				return
			default:
			}
			s.handler(msg)
		}
	}
}

// Unsubscribe stops delivery. It does not wait for a running handler.
func (s *subscription) Unsubscribe() error {
	s.once.Do(func() {
		s.bus.mu.Lock()
		delete(s.bus.subs, s)
		s.bus.mu.Unlock()
		close(s.done)
	})
	return nil
}

func (b *Bus) subscribe(subject, queue string, handler bus.MsgHandler) (bus.Subscription, error) {
	if subject == "" || handler == nil {
		return nil, fmt.Errorf("bustest: invalid subscription")
	}
	sub := &subscription{
		bus:     b,
		pattern: strings.Split(subject, "."),
		queue:   queue,
		handler: handler,
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, dicomerrors.ErrBusDisconnected
	}
	b.subs[sub] = struct{}{}
	go sub.run()
	return sub, nil
}

// Subscribe implements bus.Conn.
func (b *Bus) Subscribe(subject string, handler bus.MsgHandler) (bus.Subscription, error) {
	return b.subscribe(subject, "", handler)
}

// QueueSubscribe implements bus.Conn.
func (b *Bus) QueueSubscribe(subject, queue string, handler bus.MsgHandler) (bus.Subscription, error) {
	return b.subscribe(subject, queue, handler)
}

// Publish implements bus.Conn.
func (b *Bus) Publish(subject string, data []byte) error {
	_, err := b.publish(subject, "", data)
	return err
}

// publish delivers to every plain subscriber and one member per queue group.
// It returns the number of subscriptions the message was handed to.
func (b *Bus) publish(subject, reply string, data []byte) (int, error) {
	tokens := strings.Split(subject, ".")

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return 0, dicomerrors.ErrBusDisconnected
	}
	var targets []*subscription
	groups := make(map[string][]*subscription)
	for sub := range b.subs {
		if !Match(sub.pattern, tokens) {
			continue
		}
		if sub.queue == "" {
			targets = append(targets, sub)
			continue
		}
		groups[sub.queue] = append(groups[sub.queue], sub)
	}
	b.mu.Unlock()

	for _, members := range groups {
		targets = append(targets, members[rand.IntN(len(members))])
	}

	payload := append([]byte(nil), data...)
	for _, sub := range targets {
		sub.enqueue(bus.NewMsg(subject, reply, payload, func(resp []byte) error {
			return b.Publish(reply, resp)
		}))
	}
	return len(targets), nil
}

// Request implements bus.Conn. A request nobody is subscribed to fails
// immediately, like a NATS request without responders.
func (b *Bus) Request(ctx context.Context, subject string, data []byte, timeout time.Duration) ([]byte, error) {
	b.mu.Lock()
	b.inbox++
	prefix := b.InboxPrefix
	if prefix == "" {
		prefix = "_INBOX"
	}
	inbox := fmt.Sprintf("%s.%d", prefix, b.inbox)
	b.mu.Unlock()

	replies := make(chan []byte, 1)
	sub, err := b.Subscribe(inbox, func(msg *bus.Msg) {
		select {
		case replies <- msg.Data:
		default:
		}
	})
	if err != nil {
		return nil, err
	}
	defer sub.Unsubscribe()

	delivered, err := b.publish(subject, inbox, data)
	if err != nil {
		return nil, err
	}
	if delivered == 0 {
		return nil, fmt.Errorf("request %s: no responders: %w", subject,
			dicomerrors.NewTimeoutError("bus request", timeout.String()))
	}

	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	select {
	case reply := <-replies:
		return reply, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("request %s: %w", subject,
			dicomerrors.NewTimeoutError("bus request", timeout.String()))
	}
}

// Subscriptions returns the number of active subscriptions, inboxes included.
func (b *Bus) Subscriptions() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Close stops every subscription and fails later operations.
func (b *Bus) Close() {
	b.mu.Lock()
	subs := make([]*subscription, 0, len(b.subs))
	for sub := range b.subs {
		subs = append(subs, sub)
	}
	b.closed = true
	b.mu.Unlock()

	for _, sub := range subs {
		_ = sub.Unsubscribe()
	}
}

// Match reports whether subject tokens satisfy a subscription pattern.
func Match(pattern, subject []string) bool {
	for i, p := range pattern {
		if p == ">" {
			return i == len(pattern)-1 && len(subject) > i
		}
		if i >= len(subject) {
			return false
		}
		if p != "*" && p != subject[i] {
			return false
		}
	}
	return len(pattern) == len(subject)
}
