package relay

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/caio-sobreiro/dicomrelay/bus"
	"github.com/caio-sobreiro/dicomrelay/chunk"
	"github.com/caio-sobreiro/dicomrelay/envelope"
	dicomerrors "github.com/caio-sobreiro/dicomrelay/errors"
	"github.com/caio-sobreiro/dicomrelay/subject"
)

// Subscriber reassembles the requests of one association.
type Subscriber struct {
	id       string
	listener *Listener
	logger   *slog.Logger
	sub      bus.Subscription

	mu        sync.Mutex
	messageID uint16
	buffer    []chunk.Chunk
	closed    bool
}

func newSubscriber(id string, l *Listener) *Subscriber {
	return &Subscriber{
		id:       id,
		listener: l,
		logger:   l.logger.With("association_id", id),
	}
}

// handle runs on the subscription's delivery goroutine, one message at a time.
func (s *Subscriber) handle(msg *bus.Msg) {
	l := s.listener
	p, err := subject.Parse(s.id, msg.Subject)
	if err != nil {
		s.logger.Warn("Ignoring message", "subject", msg.Subject, "error", err)
		return
	}

	if p.Kind == subject.KindRelease {
		s.logger.Debug("Release received")
		l.release(s.id)
		return
	}
	l.subscribers.Touch(s.id)
	l.metrics.ChunkReceived()

	chunks, complete := s.add(p, msg.Data)
	if !complete {
		return
	}

	if len(chunks) != p.Index+1 {
		// the proxy's pending request times out and aborts
		s.logger.Warn("Dropping incomplete request",
			"message_id", p.MessageID,
			"expected_chunks", p.Index+1,
			"received_chunks", len(chunks))
		l.metrics.IncompleteTransfer()
		return
	}

	reply, err := s.process(p.MessageID, chunks)
	switch {
	case errors.Is(err, dicomerrors.ErrIncompleteTransfer):
		s.logger.Warn("Dropping incomplete request", "message_id", p.MessageID, "error", err)
		return
	case err != nil:
		s.logger.Error("Request failed", "message_id", p.MessageID, "error", err)
		reply = nil
	}
	if err := msg.Respond(reply); err != nil {
		s.logger.Warn("Failed to publish reply", "message_id", p.MessageID, "error", err)
	}
}

// add buffers a chunk and, on the EOF chunk, hands back the buffered
// transfer while clearing the buffer.
func (s *Subscriber) add(p subject.Parsed, data []byte) ([]chunk.Chunk, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, false
	}

	if len(s.buffer) > 0 && p.MessageID != s.messageID {
		s.logger.Warn("Discarding stale partial request",
			"message_id", s.messageID,
			"buffered_chunks", len(s.buffer),
			"new_message_id", p.MessageID)
		s.buffer = nil
	}
	s.messageID = p.MessageID

	c := chunk.Chunk{Index: p.Index, Payload: data, EOF: p.EOF}
	if p.EOF {
		c.Total = p.Index + 1
	}
	s.buffer = append(s.buffer, c)
	if !p.EOF {
		return nil, false
	}

	chunks := s.buffer
	s.buffer = nil
	return chunks, true
}

func (s *Subscriber) process(messageID uint16, chunks []chunk.Chunk) ([]byte, error) {
	frame, err := chunk.Combine(chunks)
	if err != nil {
		s.listener.metrics.IncompleteTransfer()
		return nil, err
	}
	payload, err := chunk.Decompress(frame)
	if err != nil {
		return nil, err
	}
	env, err := envelope.Decode(payload)
	if err != nil {
		return nil, err
	}
	if env.Association.ID != s.id {
		return nil, fmt.Errorf("envelope for %s arrived on %s", env.Association.ID, s.id)
	}
	if env.Command.MessageID != messageID {
		return nil, fmt.Errorf("envelope message id %d arrived as %d", env.Command.MessageID, messageID)
	}

	s.logger.Debug("Dispatching request",
		"message_id", messageID,
		"chunks", len(chunks),
		"context_id", env.ContextID)
	return s.listener.dispatcher.Dispatch(s.listener.dispatchContext(), env)
}

// Buffered returns the number of chunks held for the current message.
func (s *Subscriber) Buffered() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.buffer)
}

func (s *Subscriber) close() {
	s.mu.Lock()
	s.closed = true
	s.buffer = nil
	s.mu.Unlock()
	if s.sub != nil {
		if err := s.sub.Unsubscribe(); err != nil {
			s.logger.Warn("Unsubscribe failed", "error", err)
		}
	}
}
