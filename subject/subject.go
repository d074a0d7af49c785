// Package subject names the bus subjects of the tunnel.
//
// An association is identified as {root}.{channel}.{serial}. The proxy
// announces it by requesting on the identifier itself, sends request chunks
// on {id}.{messageID}.{index}, marks the final chunk as
// {id}.{messageID}.{index}.EOF and closes with {id}.RELEASE.
//
// The channel is one of two fixed tokens. Requests travel on the scheme's
// channel and replies come back under the opposite one, so neither side
// subscribes to what it publishes.
package subject

import (
	"fmt"
	"strconv"
	"strings"
)

const (
	eofToken     = "EOF"
	releaseToken = "RELEASE"
)

// Channel is the direction token of a subject.
type Channel string

const (
	ChannelA Channel = "A"
	ChannelB Channel = "B"
)

// Opposite returns the token used for traffic in the other direction.
func (c Channel) Opposite() Channel {
	if c == ChannelA {
		return ChannelB
	}
	return ChannelA
}

// Valid reports whether c is one of the two direction tokens.
func (c Channel) Valid() bool {
	return c == ChannelA || c == ChannelB
}

// Scheme builds subjects under a root and channel.
type Scheme struct {
	Root    string
	Channel Channel
}

// Validate checks that the root is a usable subject prefix and the channel a direction token.
func (s Scheme) Validate() error {
	if s.Root == "" {
		return fmt.Errorf("subject root is required")
	}
	for _, tok := range strings.Split(s.Root, ".") {
		if tok == "" || strings.ContainsAny(tok, "*> \t") {
			return fmt.Errorf("invalid subject token %q", tok)
		}
	}
	if !s.Channel.Valid() {
		return fmt.Errorf("channel %q must be %s or %s", s.Channel, ChannelA, ChannelB)
	}
	return nil
}

func (s Scheme) prefix() string {
	return s.Root + "." + string(s.Channel)
}

// Inbox is the reply subject prefix for requests made under this scheme.
func (s Scheme) Inbox() string {
	return s.Root + "." + string(s.Channel.Opposite()) + "._INBOX"
}

// Announcements is the pattern the relay service listens on for new associations.
func (s Scheme) Announcements() string {
	return s.prefix() + ".*"
}

// AssociationID returns the identifier of the association with the given serial.
func (s Scheme) AssociationID(serial uint32) string {
	return s.prefix() + "." + strconv.FormatUint(uint64(serial), 10)
}

// Serial extracts the serial of an association identifier of this scheme.
func (s Scheme) Serial(id string) (uint32, bool) {
	rest, ok := strings.CutPrefix(id, s.prefix()+".")
	if !ok {
		return 0, false
	}
	n, err := strconv.ParseUint(rest, 10, 32)
	if err != nil {
		return 0, false
	}
	return uint32(n), true
}

// All is the pattern covering every subject of one association.
func All(id string) string {
	return id + ".>"
}

// Chunk names the subject of one request chunk.
func Chunk(id string, messageID uint16, index int, eof bool) string {
	s := id + "." + strconv.FormatUint(uint64(messageID), 10) + "." + strconv.Itoa(index)
	if eof {
		s += "." + eofToken
	}
	return s
}

// Release names the subject closing an association.
func Release(id string) string {
	return id + "." + releaseToken
}

// Kind classifies a subject received under an association identifier.
type Kind int

const (
	KindInvalid Kind = iota
	KindChunk
	KindRelease
)

// Parsed is a decoded association subject.
type Parsed struct {
	Kind      Kind
	MessageID uint16
	Index     int
	EOF       bool
}

// Parse decodes a subject received on All(id).
func Parse(id, subject string) (Parsed, error) {
	rest, ok := strings.CutPrefix(subject, id+".")
	if !ok {
		return Parsed{}, fmt.Errorf("subject %q is not under %q", subject, id)
	}
	tokens := strings.Split(rest, ".")

	if len(tokens) == 1 && tokens[0] == releaseToken {
		return Parsed{Kind: KindRelease}, nil
	}
	if len(tokens) < 2 || len(tokens) > 3 {
		return Parsed{}, fmt.Errorf("malformed chunk subject %q", subject)
	}

	msgID, err := strconv.ParseUint(tokens[0], 10, 16)
	if err != nil {
		return Parsed{}, fmt.Errorf("malformed message id in %q", subject)
	}
	index, err := strconv.Atoi(tokens[1])
	if err != nil || index < 0 {
		return Parsed{}, fmt.Errorf("malformed chunk index in %q", subject)
	}
	p := Parsed{Kind: KindChunk, MessageID: uint16(msgID), Index: index}
	if len(tokens) == 3 {
		if tokens[2] != eofToken {
			return Parsed{}, fmt.Errorf("unexpected trailing token in %q", subject)
		}
		p.EOF = true
	}
	return p, nil
}
