// Package stream implements the per-request state machine spec.md §4.3
// describes: Unactivated -> Pending -> Writing -> (optionally
// WritingAndReading) -> Reading -> Complete.
package stream

import (
	"sync/atomic"

	"github.com/wireproto/h1client/chunk"
	"github.com/wireproto/h1client/errors"
	"github.com/wireproto/h1client/request"
	"github.com/wireproto/h1client/response"
)

type State uint32

const (
	Unactivated State = iota
	Pending
	Writing
	WritingAndReading
	Reading
	Complete
)

// Stream is one request/response exchange multiplexed over a
// connection's single wire. Its state field is the one piece of a
// Stream touched from outside the I/O thread (Activate, called by
// whichever goroutine issued the request), so it is updated with a CAS
// rather than the connection's own mutex.
type Stream struct {
	Request   *request.Request
	Callbacks response.Callbacks
	// Queue is non-nil only when Request declares a chunked outbound
	// body; the connection's encoder drains it (spec.md §4.5).
	Queue *chunk.Queue

	state atomic.Uint32
	err   atomic.Value // error
}

// New builds a Stream in the Unactivated state. queue must be non-nil
// iff req is a chunked-transfer-encoding request.
func New(req *request.Request, cb response.Callbacks, queue *chunk.Queue) *Stream {
	return &Stream{Request: req, Callbacks: cb, Queue: queue}
}

// State returns the stream's current state. Safe from any thread.
func (s *Stream) State() State {
	return State(s.state.Load())
}

// Done reports whether the stream has reached Complete.
func (s *Stream) Done() bool {
	return s.State() == Complete
}

// Err returns the error the stream completed with, or nil for a clean
// completion or a stream still in flight.
func (s *Stream) Err() error {
	if v := s.err.Load(); v != nil {
		return v.(error)
	}

	return nil
}

// Activate moves the stream from Unactivated to Pending. Calling it
// twice is a caller misuse: it returns an error synchronously without
// touching any connection state, per spec.md §7.
func (s *Stream) Activate() error {
	if !s.state.CompareAndSwap(uint32(Unactivated), uint32(Pending)) {
		return errors.ErrActivateTwice
	}

	return nil
}

// The transitions below run exclusively on the owning connection's I/O
// thread, after activation, so they need no synchronization beyond the
// plain field access atomic.Uint32 already gives Activate's caller a
// consistent view of.

// BeginWriting moves Pending -> Writing, once the stream reaches the
// head of the connection's write queue.
func (s *Stream) BeginWriting() {
	s.state.Store(uint32(Writing))
}

// ResponseArriving moves Writing -> WritingAndReading, when response
// bytes start arriving before the request body has finished.
func (s *Stream) ResponseArriving() {
	s.state.CompareAndSwap(uint32(Writing), uint32(WritingAndReading))
}

// WritingDone moves Writing or WritingAndReading -> Reading, once the
// encoder has fully emitted the request.
func (s *Stream) WritingDone() {
	switch State(s.state.Load()) {
	case Writing, WritingAndReading:
		s.state.Store(uint32(Reading))
	}
}

// Finish moves the stream to Complete and records err, if any. It is
// idempotent: only the first call has any effect, so a stream cancelled
// mid-flight and then normally completed (or vice versa) still fires
// its Complete callback exactly once (spec.md §5, "complete fires
// exactly once").
func (s *Stream) Finish(err error) {
	prev := State(s.state.Swap(uint32(Complete)))
	if prev == Complete {
		return
	}

	if err != nil {
		s.err.Store(err)

		if s.Queue != nil {
			s.Queue.Cancel(err)
		}
	}

	if s.Callbacks.Complete != nil {
		s.Callbacks.Complete(err)
	}
}
