// Package response defines the incrementally-built Response object and the
// callback set a caller attaches to a stream (spec.md §3, §5).
package response

import (
	"github.com/wireproto/h1client/wire/headers"
	"github.com/wireproto/h1client/wire/status"
)

// Informational is one complete 1xx header block observed before the
// final response, per spec.md §3 ("captured as a sequence of complete
// header blocks preceding the final response").
type Informational struct {
	Status  status.Code
	Reason  string
	Headers *headers.List
}

// Response is the final (non-informational) response delivered to a
// stream's callbacks; for a protocol upgrade that is the 101 itself. Body is populated only if the caller's Body
// callback chose to buffer it; this module never forces buffering.
type Response struct {
	Status        status.Code
	Reason        string
	Headers       *headers.List
	Informational []Informational
	Body          []byte
	Trailer       *Trailer
	// ChunkExtensions holds the raw bytes of every chunk-size-line
	// extension seen while decoding a chunked body, in wire order, one
	// entry per chunk that carried one. spec.md §4.1 requires these be
	// parsed only far enough to find the line's end and handed to the
	// caller verbatim — no key/value structure is imposed here.
	ChunkExtensions [][]byte
}

// Trailer is a header block that arrived after a chunked body's
// termination chunk, delivered through the same Headers callback as the
// main header block, distinguished by the Trailer flag (see SPEC_FULL.md
// §12).
type Trailer struct {
	Headers *headers.List
}

// Accumulator buffers one stream's callbacks into a single Response,
// for callers content to receive one complete value at Complete rather
// than drive their own incremental state — the same convenience the
// teacher's blocking client request/response call used to give for
// free, reconstructed here on top of this module's callback-driven
// core. It buffers the whole body in memory, so it is unsuitable for a
// caller that needs to stream a large response body as it arrives.
type Accumulator struct {
	resp Response
	done func(*Response, error)
}

// NewAccumulator returns an Accumulator whose Callbacks build a
// Response incrementally and hand it to done exactly once, when
// Complete fires — done receives whatever partial Response was
// accumulated even on a non-nil error.
func NewAccumulator(done func(*Response, error)) *Accumulator {
	return &Accumulator{done: done}
}

// Callbacks returns the hook set to attach to a stream. It must be used
// for exactly one stream: Accumulator keeps no state resetting logic
// between activations.
func (a *Accumulator) Callbacks() Callbacks {
	return Callbacks{
		Informational: func(info Informational) error {
			a.resp.Informational = append(a.resp.Informational, info)
			return nil
		},
		Headers: func(code status.Code, reason string, h *headers.List, isTrailer bool) error {
			if isTrailer {
				a.resp.Trailer = &Trailer{Headers: h}
				return nil
			}

			a.resp.Status = code
			a.resp.Reason = reason
			a.resp.Headers = h
			return nil
		},
		Body: func(p []byte) error {
			a.resp.Body = append(a.resp.Body, p...)
			return nil
		},
		ChunkExtension: func(raw []byte) error {
			a.resp.ChunkExtensions = append(a.resp.ChunkExtensions, raw)
			return nil
		},
		Complete: func(err error) {
			if a.done != nil {
				a.done(&a.resp, err)
			}
		},
	}
}

// Callbacks is the set of hooks a caller attaches when activating a
// stream. Every callback runs on the I/O thread; none may block. Ordering
// is fixed by spec.md §5: Informational* (one per 1xx block), Headers for
// the main block, HeaderBlockDone, Body* and ChunkExtension* (zero or
// more), Headers again for a chunked trailer block if one arrives, then
// Complete exactly once. A
// non-nil error returned from any callback other than Complete aborts the
// stream with CallbackError and shuts the whole connection down, since
// wire framing can no longer be trusted to resume correctly.
type Callbacks struct {
	// Informational is invoked once per 1xx block, in order, before the
	// final response's own Headers callback fires.
	Informational func(Informational) error
	// Headers is invoked once with the final response's status and
	// header block, and again for any chunked-body trailer, with
	// isTrailer set accordingly.
	Headers func(status status.Code, reason string, h *headers.List, isTrailer bool) error
	// HeaderBlockDone fires once, right after the final response's own
	// Headers callback, before any Body callbacks.
	HeaderBlockDone func() error
	// Body is invoked once per decoded body fragment. It is never
	// invoked for HEAD responses or responses framed as bodyless.
	Body func(p []byte) error
	// ChunkExtension is invoked once per chunk-size line that carried a
	// non-empty extension, with the raw bytes between the size and the
	// line's trailing CRLF (spec.md §4.1). Optional: a nil ChunkExtension
	// simply discards them. Never invoked for a fixed-length or
	// close-delimited body, since only chunked framing has a size line.
	ChunkExtension func(raw []byte) error
	// Complete fires exactly once, whatever the outcome. err is nil on a
	// clean completion.
	Complete func(err error)
}
