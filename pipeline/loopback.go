package pipeline

import (
	"sync"

	"github.com/wireproto/h1client/errors"
)

// Loopback is an in-memory Adapter double for tests, grounded on the
// teacher's own dummy transports (internal/server/tcp/dummy): rather
// than a real socket, committed outbound bytes accumulate in a buffer
// the test can inspect, and inbound bytes are pushed straight into
// whichever Handler currently owns the connection.
type Loopback struct {
	mu      sync.Mutex
	handler Handler
	down    Handler
	window  int
	sent    []byte
	shut    map[Direction]shutdownEvent
}

type shutdownEvent struct {
	occurred bool
}

// NewLoopback returns a Loopback with the given initial read-window
// credit. h may be nil at construction time and set afterwards with
// SetHandler — a Connection needs its Adapter before it exists, so the
// two are necessarily wired up in two steps.
func NewLoopback(h Handler, initialWindow int) *Loopback {
	return &Loopback{handler: h, window: initialWindow}
}

// SetHandler binds (or rebinds) the handler that owns this Loopback's
// upstream slot. Needed because a Connection is constructed from an
// already-existing Adapter, so the pair can't be built in one step.
func (l *Loopback) SetHandler(h Handler) {
	l.mu.Lock()
	l.handler = h
	l.mu.Unlock()
}

func (l *Loopback) AcquireOutboundBuffer(sizeHint int) OutboundBuffer {
	return &loopbackBuffer{l: l, buf: make([]byte, 0, sizeHint)}
}

func (l *Loopback) IncrementReadWindow(n int) {
	l.mu.Lock()
	l.window += n
	l.mu.Unlock()
}

func (l *Loopback) Shutdown(dir Direction, code errors.Code) {
	l.mu.Lock()
	h := l.handler
	if l.down != nil {
		h = l.down
	}
	if l.shut == nil {
		l.shut = make(map[Direction]shutdownEvent)
	}
	l.shut[dir] = shutdownEvent{occurred: true}
	l.mu.Unlock()

	h.OnShutdown(dir, code, true)
}

func (l *Loopback) InstallDownstream(h Handler, initialWindow int) {
	l.mu.Lock()
	l.down = h
	l.window = initialWindow
	l.mu.Unlock()
}

// Deliver pushes p into whichever Handler currently owns the
// connection — the bound handler, or a downstream installed after a
// protocol upgrade — exactly as a real Adapter's deliver_inbound would.
func (l *Loopback) Deliver(p []byte) {
	l.mu.Lock()
	h := l.handler
	if l.down != nil {
		h = l.down
	}
	l.mu.Unlock()

	h.DeliverInbound(p)
}

// DeliverFragmented calls Deliver once per byte of p, exercising the
// worst-case fragmentation every field of this module must tolerate.
func (l *Loopback) DeliverFragmented(p []byte) {
	for i := range p {
		l.Deliver(p[i : i+1])
	}
}

// Sent returns a copy of every byte committed through an
// AcquireOutboundBuffer so far.
func (l *Loopback) Sent() []byte {
	l.mu.Lock()
	defer l.mu.Unlock()

	return append([]byte(nil), l.sent...)
}

type loopbackBuffer struct {
	l   *Loopback
	buf []byte
}

func (b *loopbackBuffer) Write(p []byte) (int, error) {
	b.buf = append(b.buf, p...)
	return len(p), nil
}

func (b *loopbackBuffer) Commit() error {
	b.l.mu.Lock()
	b.l.sent = append(b.l.sent, b.buf...)
	b.l.mu.Unlock()

	return nil
}
