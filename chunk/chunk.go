// Package chunk implements the outbound chunk and its queue: the
// single-producer/single-consumer handoff between a user thread enqueuing
// chunked-transfer-encoding payloads and the I/O-thread encoder draining
// them (spec.md §4.5).
package chunk

import (
	"errors"
	"io"
)

// Extension is one ";key=value" (or bare ";key") token on a chunk's size
// line. Value is empty for a bare token.
type Extension struct {
	Key   string
	Value string
}

// Chunk is one unit of a chunked-transfer-encoding body. Size is always
// known and non-negative — a chunk's size line carries its exact length
// up front, so there is no read-to-EOF/unknown-length chunk mode. A
// Chunk whose Size is 0 is the termination chunk: it carries no
// payload, may still carry Extensions, and closes the body once
// written.
type Chunk struct {
	Source     io.Reader
	Size       int64
	Extensions []Extension
	// Done is invoked on the I/O thread exactly once, whether the chunk
	// was written successfully, failed, or was discarded by cancellation.
	// A nil Done is legal for callers with nothing to release.
	Done func(error)
}

// Fire invokes Done if set, tolerating chunks with nothing to release.
func (c Chunk) Fire(err error) {
	if c.Done != nil {
		c.Done(err)
	}
}

var (
	ErrQueueClosed = errors.New("chunk queue already terminated")
	ErrQueueFull   = errors.New("chunk queue is full")
)
