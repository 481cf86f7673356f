// Package body defines the polymorphic outbound request body source
// spec.md §3 calls for: a capability set of {read, query-status, optional
// length, optional seek} rather than a class hierarchy. Any type
// implementing io.Reader satisfies Source; the richer capabilities are
// discovered with type assertions, the idiomatic Go substitute for
// optional interface methods.
package body

import "io"

// Source is the minimal capability every outbound body must provide: it
// can be read like any other io.Reader. The encoder treats io.EOF as
// end-of-stream, exactly like every other Go reader.
type Source = io.Reader

// Lengther is an optional capability: a Source that knows its total size
// up front (without reading it) implements this, so a caller can fill in
// a matching Content-Length header. The encoder itself never consults it;
// it takes the body mode and length from the request's headers. Length's
// second return is false if the size genuinely isn't known in advance.
type Lengther interface {
	Length() (n int64, known bool)
}

// Seeker is an optional capability, satisfied by any Source that also
// supports io.Seeker — used only by callers retrying a request after a
// redirect or a mid-body failure; the encoder itself never seeks.
type Seeker interface {
	io.Seeker
}

// Length probes src for the Lengther capability and returns its declared
// length, or (0, false) if src doesn't expose one.
func Length(src Source) (int64, bool) {
	if l, ok := src.(Lengther); ok {
		return l.Length()
	}

	return 0, false
}

// Bytes wraps a plain []byte as a Source with a known Length, useful for
// requests whose whole body is already resident in memory.
type Bytes struct {
	b   []byte
	pos int
}

func NewBytes(b []byte) *Bytes {
	return &Bytes{b: b}
}

func (b *Bytes) Read(p []byte) (int, error) {
	if b.pos >= len(b.b) {
		return 0, io.EOF
	}

	n := copy(p, b.b[b.pos:])
	b.pos += n

	return n, nil
}

func (b *Bytes) Length() (int64, bool) {
	return int64(len(b.b)), true
}

func (b *Bytes) Seek(offset int64, whence int) (int64, error) {
	var base int64
	switch whence {
	case io.SeekStart:
		base = 0
	case io.SeekCurrent:
		base = int64(b.pos)
	case io.SeekEnd:
		base = int64(len(b.b))
	}

	newPos := base + offset
	if newPos < 0 || newPos > int64(len(b.b)) {
		return 0, io.ErrUnexpectedEOF
	}

	b.pos = int(newPos)

	return newPos, nil
}
