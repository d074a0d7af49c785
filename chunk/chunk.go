// Package chunk splits encoded envelopes into bus-sized parts and reassembles them.
package chunk

import (
	"fmt"
	"sort"

	dicomerrors "github.com/caio-sobreiro/dicomrelay/errors"
)

// DefaultSize is the payload size used when none is configured (1 MiB).
const DefaultSize = 1 << 20

// Chunk is one part of a split payload.
type Chunk struct {
	Index   int
	Payload []byte
	// EOF marks the final part; Total is only meaningful on it.
	EOF   bool
	Total int
}

// Split cuts data into ceil(len/size) chunks. The last one is flagged EOF and
// carries the part count. Empty data still yields a single EOF chunk, as does
// a non-positive size.
func Split(data []byte, size int) []Chunk {
	if size <= 0 || len(data) <= size {
		return []Chunk{{Index: 0, Payload: data, EOF: true, Total: 1}}
	}

	total := (len(data) + size - 1) / size
	chunks := make([]Chunk, 0, total)
	for i := 0; i < total; i++ {
		start := i * size
		end := min(start+size, len(data))
		chunks = append(chunks, Chunk{Index: i, Payload: data[start:end]})
	}
	chunks[total-1].EOF = true
	chunks[total-1].Total = total
	return chunks
}

// Combine concatenates chunks by index. The set must hold exactly the
// indices 0..N of the EOF chunk's part count; arrival order does not matter.
func Combine(chunks []Chunk) ([]byte, error) {
	expected := -1
	for _, c := range chunks {
		if c.EOF {
			if expected != -1 && c.Total != expected {
				return nil, incomplete(expected, len(chunks), -1, "conflicting EOF chunks")
			}
			expected = c.Total
		}
	}
	if expected <= 0 {
		return nil, incomplete(0, len(chunks), -1, "no EOF chunk")
	}

	ordered := make([]Chunk, len(chunks))
	copy(ordered, chunks)
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].Index < ordered[j].Index })

	size := 0
	next := 0
	for _, c := range ordered {
		switch {
		case c.Index < 0 || c.Index >= expected:
			return nil, incomplete(expected, len(chunks), -1, fmt.Sprintf("index %d out of range", c.Index))
		case c.Index < next:
			return nil, incomplete(expected, len(chunks), -1, fmt.Sprintf("duplicate index %d", c.Index))
		case c.Index > next:
			return nil, incomplete(expected, len(chunks), next, "")
		}
		next++
		size += len(c.Payload)
	}
	if next != expected {
		return nil, incomplete(expected, len(chunks), next, "")
	}

	out := make([]byte, 0, size)
	for _, c := range ordered {
		out = append(out, c.Payload...)
	}
	return out, nil
}

func incomplete(expected, received, missing int, msg string) error {
	return &dicomerrors.IncompleteTransferError{
		Expected: expected,
		Received: received,
		Missing:  missing,
		Msg:      msg,
	}
}
