// Package pipeline defines the boundary adapter this module is mounted
// behind (spec.md §6, "Byte-pipeline contract"): the connection never
// touches a socket, TLS session or multiplexed stream directly, only
// this interface. Grounded on the teacher's own transport boundary
// (internal/server/tcp.Client), generalised from a blocking read/write
// pair into the push/acquire-commit shape the concurrency model in
// spec.md §5 requires.
package pipeline

import "github.com/wireproto/h1client/errors"

// Direction distinguishes the read half of a connection from the write
// half, since spec.md §4.4 requires them to shut down independently in
// pass-through (upgrade) mode.
type Direction uint8

const (
	Read Direction = iota
	Write
)

func (d Direction) String() string {
	if d == Write {
		return "write"
	}

	return "read"
}

// OutboundBuffer is acquired from an Adapter to stage bytes before they
// are handed to the peer. Write may be called any number of times;
// Commit enqueues everything written so far for delivery and makes the
// buffer unusable afterwards.
type OutboundBuffer interface {
	Write(p []byte) (n int, err error)
	Commit() error
}

// Handler is notified of inbound bytes and shutdown by whichever
// Adapter it is installed on — a Connection on its own pipeline slot,
// or a downstream handler installed after a protocol upgrade.
type Handler interface {
	// DeliverInbound is called by the Adapter with the next chunk of
	// bytes read from the peer. It never blocks the Adapter: work is
	// expected to be handed off or completed synchronously and fast.
	DeliverInbound(p []byte)
	// OnShutdown notifies the handler that dir has been shut down with
	// code. freeImmediately signals that the Adapter is about to
	// release the underlying transport and any resources tied to it
	// must be released now, not asynchronously.
	OnShutdown(dir Direction, code errors.Code, freeImmediately bool)
}

// Adapter is the pipeline slot a Connection is mounted on. It owns the
// actual transport (a TCP socket, a TLS session, an HTTP/2 stream —
// this module neither knows nor cares) and exposes exactly the
// operations spec.md §6 lists.
type Adapter interface {
	// AcquireOutboundBuffer returns a fresh OutboundBuffer, sized around
	// sizeHint as a hint only; the buffer may grow past it.
	AcquireOutboundBuffer(sizeHint int) OutboundBuffer
	// IncrementReadWindow refills the adapter's read-window credit by n,
	// letting it deliver up to n more bytes of inbound data.
	IncrementReadWindow(n int)
	// Shutdown tears down dir with the given code, eventually notifying
	// the installed handler via OnShutdown.
	Shutdown(dir Direction, code errors.Code)
	// InstallDownstream hands the adapter's inbound/outbound stream over
	// to h from this point forward, seeded with initialWindow bytes of
	// read-window credit — the protocol-upgrade handoff of spec.md §4.4.
	InstallDownstream(h Handler, initialWindow int)
}
