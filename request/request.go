// Package request defines the immutable-once-submitted Request object
// spec.md §3 describes.
package request

import (
	"golang.org/x/net/http/httpguts"

	"github.com/wireproto/h1client/body"
	"github.com/wireproto/h1client/wire/headers"
)

// Request is the application-issued object handed to a connection's
// make_request operation. Once submitted, it must not be mutated —
// the encoder reads it concurrently with the caller (from the I/O
// thread) for the whole lifetime of the stream.
type Request struct {
	// Method is the request method exactly as it will be written on the
	// wire; a client is free to issue any verb, so this is a plain
	// string rather than a closed enum.
	Method string
	// Target is the request-target (path plus optional query string),
	// written verbatim — this module performs no URI parsing or
	// normalisation.
	Target string
	// Headers is emitted in insertion order, duplicates and all. The
	// encoder never injects Host, Content-Length or Transfer-Encoding;
	// the caller owns framing headers.
	Headers *headers.List
	// Body is nil for requests without an outbound body. When non-nil,
	// the caller must also set a Content-Length header (fixed length
	// mode). A request with a chunked Transfer-Encoding header takes its
	// payload from its stream's chunk queue instead, and Body is not
	// read. The encoder infers the body mode purely from those headers.
	Body body.Source
}

// New builds a Request with an empty header list ready for Add calls.
func New(method, target string) *Request {
	return &Request{
		Method:  method,
		Target:  target,
		Headers: headers.New(8),
	}
}

// IsChunked reports whether the request declares chunked transfer
// encoding via its Transfer-Encoding header.
func (r *Request) IsChunked() bool {
	return httpguts.HeaderValuesContainsToken(r.Headers.Values("Transfer-Encoding"), "chunked")
}

// ContentLength returns the declared Content-Length, or (0, false) if the
// header is absent or unparsable.
func (r *Request) ContentLength() (int64, bool) {
	v, ok := r.Headers.Get("Content-Length")
	if !ok {
		return 0, false
	}

	n, ok := parseUint(v)
	return n, ok
}

// WantsClose reports whether the request itself carries Connection: close,
// which per spec.md §4.4 forbids activating any stream queued after it.
func (r *Request) WantsClose() bool {
	return httpguts.HeaderValuesContainsToken(r.Headers.Values("Connection"), "close")
}

// WantsUpgrade reports whether the request is attempting a protocol
// upgrade (Connection: Upgrade plus an Upgrade header).
func (r *Request) WantsUpgrade() bool {
	return r.Headers.Has("Upgrade") &&
		httpguts.HeaderValuesContainsToken(r.Headers.Values("Connection"), "upgrade")
}

func parseUint(s string) (int64, bool) {
	if len(s) == 0 {
		return 0, false
	}

	var n int64
	for _, c := range []byte(s) {
		if c < '0' || c > '9' {
			return 0, false
		}
		n = n*10 + int64(c-'0')
	}

	return n, true
}
