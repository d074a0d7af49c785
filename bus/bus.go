// Package bus is the publish/subscribe transport between the proxy and the relay service.
//
// The proxy and the service only ever talk to each other through a Conn.
// Client implements it on top of NATS; the bustest package provides an
// in-memory implementation with the same subject matching rules.
package bus

import (
	"context"
	"errors"
	"time"
)

// Msg is one message delivered to a subscription handler.
type Msg struct {
	Subject string
	Reply   string
	Data    []byte

	respond func([]byte) error
}

// NewMsg builds a message whose Respond publishes through respond.
func NewMsg(subject, reply string, data []byte, respond func([]byte) error) *Msg {
	return &Msg{Subject: subject, Reply: reply, Data: data, respond: respond}
}

var errNoReply = errors.New("bus: message has no reply subject")

// Respond answers a request. An empty payload is a valid answer.
func (m *Msg) Respond(data []byte) error {
	if m.Reply == "" || m.respond == nil {
		return errNoReply
	}
	return m.respond(data)
}

// MsgHandler processes a delivered message. Handlers of one subscription run sequentially.
type MsgHandler func(msg *Msg)

// Subscription is an active interest in a subject pattern.
type Subscription interface {
	Unsubscribe() error
}

// Conn is the bus operations used by the proxy and the relay service.
type Conn interface {
	// Publish sends data without waiting for any receiver.
	Publish(subject string, data []byte) error
	// Request publishes data with a reply inbox and waits up to timeout for
	// the first answer. Unanswered requests fail with ErrTransportTimeout.
	Request(ctx context.Context, subject string, data []byte, timeout time.Duration) ([]byte, error)
	Subscribe(subject string, handler MsgHandler) (Subscription, error)
	// QueueSubscribe delivers each message to exactly one member of the queue group.
	QueueSubscribe(subject, queue string, handler MsgHandler) (Subscription, error)
}
