// Package conn implements the connection core: the single-threaded
// scheduler that owns one Encoder, one Decoder and the FIFO of streams
// pipelined over them (spec.md §4.4, §5). Grounded on the teacher's
// own client-transport loop (client/client.go) generalised from a
// blocking request/response pair into an event-driven state machine,
// with the mutex+cond pattern for its off-thread-readable fields
// borrowed from golang.org/x/net/http2's clientConn.
package conn

import (
	"sync"

	"golang.org/x/net/http/httpguts"

	"github.com/wireproto/h1client/chunk"
	"github.com/wireproto/h1client/errors"
	"github.com/wireproto/h1client/h1"
	"github.com/wireproto/h1client/pipeline"
	"github.com/wireproto/h1client/request"
	"github.com/wireproto/h1client/response"
	"github.com/wireproto/h1client/settings"
	"github.com/wireproto/h1client/stream"
	"github.com/wireproto/h1client/wire/headers"
	"github.com/wireproto/h1client/wire/status"
)

const outboundChunkSize = 4096

// Connection is the HTTP/1.1 client core mounted on one pipeline.Adapter
// slot. Every method except the constructor is safe to call from any
// goroutine. MakeRequest and the observers (IsOpen, NewRequestsAllowed,
// WaitClosed) work under the mutex on the caller's goroutine; the rest
// marshal a task onto the connection's own goroutine (the "I/O thread")
// and return.
type Connection struct {
	adapter  pipeline.Adapter
	settings settings.Settings

	tasks chan func()

	// mu guards the only fields spec.md §5 allows off the I/O thread.
	mu            sync.Mutex
	cond          *sync.Cond
	open          bool
	newReqAllowed bool
	closeCode     errors.Code
	readWindow    int64

	// Everything below is exclusive to the I/O thread once the
	// connection is running.
	encoder      *h1.Encoder
	decoder      *h1.Decoder
	queue        []*stream.Stream
	writeCount   int
	decoderBound bool
	pending      [][]byte
	downstream   pipeline.Handler
	upgraded     bool
	closing      bool
	stopped      bool
}

// New starts a Connection on top of adapter and returns immediately;
// the I/O thread goroutine keeps running until shutdown (after Close, a
// fatal error, or a drained Connection: close) has resolved every
// in-flight stream.
func New(adapter pipeline.Adapter, s settings.Settings) *Connection {
	s = settings.Fill(s)

	c := &Connection{
		adapter:       adapter,
		settings:      s,
		tasks:         make(chan func(), 256),
		open:          true,
		newReqAllowed: true,
		readWindow:    int64(s.ReadWindow.Default),
		encoder:       h1.NewEncoder(),
		decoder:       h1.NewDecoder(s),
	}
	c.cond = sync.NewCond(&c.mu)

	go c.ioLoop()

	return c
}

func (c *Connection) ioLoop() {
	for task := range c.tasks {
		task()

		if c.stopped {
			return
		}
	}
}

// post marshals task onto the I/O thread. It is the only way any other
// goroutine touches connection state (spec.md §5, "marshalled"). Once
// the I/O thread has actually stopped, posts are silently dropped
// rather than blocking forever on a goroutine that will never drain
// them.
func (c *Connection) post(task func()) {
	c.mu.Lock()
	stopped := c.stopped
	c.mu.Unlock()

	if stopped {
		return
	}

	c.tasks <- task
}

// IsOpen reports whether the connection still accepts operations at
// all. It flips to false the instant Close is called, even before
// shutdown has actually propagated to the I/O thread.
func (c *Connection) IsOpen() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.open
}

// NewRequestsAllowed reports whether MakeRequest would currently
// succeed: false once either side has sent Connection: close, or once
// the connection has upgraded to another protocol.
func (c *Connection) NewRequestsAllowed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.open && c.newReqAllowed
}

// MakeRequest constructs a Stream for req, or fails synchronously with
// ConnectionClosed or SwitchedProtocols per spec.md §4.4. The returned
// stream is inert until Activate is called on it.
func (c *Connection) MakeRequest(req *request.Request, cb response.Callbacks) (*stream.Stream, error) {
	c.mu.Lock()
	open, allowed, code := c.open, c.newReqAllowed, c.closeCode
	c.mu.Unlock()

	if !open {
		return nil, errors.New(errors.ConnectionClosed, errors.ErrConnectionNotOpen)
	}

	if !allowed {
		return nil, errors.New(code, errors.ErrConnectionNotOpen)
	}

	var q *chunk.Queue
	if req.IsChunked() {
		q = chunk.NewQueue(int(c.settings.ChunkQueue.Default), func() {
			c.post(c.pump)
		})
	}

	return stream.New(req, cb, q), nil
}

// Activate enqueues st for writing, in the order Activate is called
// across all streams of this connection. Calling it twice on the same
// stream is a caller error returned synchronously, per spec.md §4.3.
func (c *Connection) Activate(st *stream.Stream) error {
	if err := st.Activate(); err != nil {
		return err
	}

	c.post(func() {
		if c.closing {
			st.Finish(errors.New(errors.ConnectionClosed, nil))
			return
		}

		c.queue = append(c.queue, st)

		if st.Request.WantsClose() {
			c.beginClosing(st)
		}

		c.pump()
	})

	return nil
}

// UpdateWindow adds n bytes of read-window credit, letting the decoder
// resume delivering body bytes it had paused on (spec.md §4.2,
// "Backpressure").
func (c *Connection) UpdateWindow(n int) {
	c.mu.Lock()
	c.readWindow += int64(n)
	c.mu.Unlock()

	c.post(func() {
		c.adapter.IncrementReadWindow(n)
		c.drainInbound()
	})
}

// Close initiates graceful shutdown: no further requests are accepted,
// and every stream still in the queue completes with a non-success
// error code (spec.md §4.4, "Shutdown").
func (c *Connection) Close() {
	c.mu.Lock()
	alreadyClosed := !c.open
	c.open = false
	c.mu.Unlock()

	if alreadyClosed {
		return
	}

	c.post(func() {
		c.shutdown(errors.New(errors.Cancelled, nil))
	})
}

// InstallDownstream registers h as the connection's post-upgrade owner
// (spec.md §4.4, step 3). Call it once a stream's Complete callback
// reports a successful 101 Switching Protocols response. Bytes that
// arrived in the same delivery as the 101 are held and handed to h here;
// any later delivery that arrives before this call is fatal.
func (c *Connection) InstallDownstream(h pipeline.Handler) {
	c.post(func() {
		c.downstream = h
		c.adapter.InstallDownstream(h, int(c.settings.ReadWindow.Default))
		c.drainInbound()
	})
}

// DeliverInbound implements pipeline.Handler: the adapter calls this
// with the next chunk of bytes read from the peer.
func (c *Connection) DeliverInbound(p []byte) {
	buf := append([]byte(nil), p...)

	c.post(func() {
		if c.downstream != nil {
			c.downstream.DeliverInbound(buf)
			return
		}

		if c.upgraded {
			c.shutdown(errors.New(errors.UnexpectedData, errors.ErrNoDownstream))
			return
		}

		c.pending = append(c.pending, buf)
		c.drainInbound()
	})
}

// OnShutdown implements pipeline.Handler: the adapter calls this once
// it has torn down dir, whether Close initiated it or the peer did.
func (c *Connection) OnShutdown(dir pipeline.Direction, code errors.Code, freeImmediately bool) {
	c.post(func() {
		// A peer-initiated read shutdown is the completion signal a
		// close-delimited response body (spec.md §9) is waiting on: let
		// it finish normally, with whatever body bytes already arrived,
		// before tearing the rest of the connection down.
		if dir == pipeline.Read && !c.decoder.Done() {
			c.decoder.Finalize()
			if c.decoder.Done() {
				c.onStreamComplete()
			}
		}

		cause := code
		if cause == errors.Success {
			cause = errors.Cancelled
		}

		c.shutdown(errors.New(cause, nil))
	})
}

// pump drives the encoder: it starts writing the next queued stream if
// the current one is done, then fills outbound buffers until the
// encoder has nothing more to write right now.
func (c *Connection) pump() {
	for {
		if c.encoder.Done() {
			if c.writeCount >= len(c.queue) {
				return
			}

			st := c.queue[c.writeCount]
			st.BeginWriting()
			c.encoder.Begin(st.Request, st.Queue)
			c.writeCount++
			c.maybeBeginDecoding()
		}

		scratch := make([]byte, outboundChunkSize)

		n, err := c.encoder.Fill(scratch)
		if err != nil {
			c.failWriting(err)
			return
		}

		if n == 0 {
			return
		}

		buf := c.adapter.AcquireOutboundBuffer(n)
		if _, werr := buf.Write(scratch[:n]); werr != nil {
			c.shutdown(errors.New(errors.ProtocolError, werr))
			return
		}

		if err := buf.Commit(); err != nil {
			c.shutdown(errors.New(errors.ProtocolError, err))
			return
		}

		if c.encoder.Done() && c.writeCount > 0 {
			c.queue[c.writeCount-1].WritingDone()
		}
	}
}

// maybeBeginDecoding binds the decoder to queue[0] the moment it has
// started writing, if it hasn't been bound to it already.
func (c *Connection) maybeBeginDecoding() {
	if c.decoderBound || len(c.queue) == 0 {
		return
	}

	head := c.queue[0]
	if head.State() < stream.Writing {
		return
	}

	cb := head.Callbacks
	cb.Complete = head.Finish

	userInformational := cb.Informational
	cb.Informational = func(info response.Informational) error {
		// The first byte of any response — even a 1xx — arriving while
		// the request body is still being written moves the stream into
		// WritingAndReading; a no-op once WritingDone has already fired.
		head.ResponseArriving()

		if userInformational != nil {
			return userInformational(info)
		}

		return nil
	}

	userHeaders := cb.Headers
	cb.Headers = func(code status.Code, reason string, h *headers.List, isTrailer bool) error {
		head.ResponseArriving()

		if !isTrailer && code.SwitchingProtocolsResponse() && !head.Request.WantsUpgrade() {
			return errors.ErrUnsolicitedUpgrade
		}

		// spec.md §4.4: a response carrying Connection: close forbids
		// new requests from the instant its header block is decoded,
		// not only once the whole stream (including its body) completes.
		if !isTrailer && httpguts.HeaderValuesContainsToken(h.Values("Connection"), "close") {
			c.beginClosing(head)
		}

		if userHeaders != nil {
			return userHeaders(code, reason, h, isTrailer)
		}

		return nil
	}

	c.decoder.Begin(head.Request.Method, cb)
	c.decoderBound = true
}

// drainInbound feeds buffered inbound bytes to the decoder as long as
// the read-window allows it, stopping the instant the decoder needs
// more window credit or more bytes than are currently buffered. A
// pending chunk is charged against the window only if the decoder is
// already in the body (Decoder.InBody) when it is fed; such a chunk is
// cut at the window boundary and the rest held back. A chunk fed while
// the decoder is still in status-line or header framing is fed whole and
// not charged, including any body bytes it carries past the header block.
// Once the connection has upgraded, buffered bytes go to the downstream
// handler instead of the decoder.
func (c *Connection) drainInbound() {
	for len(c.pending) > 0 {
		if c.upgraded {
			// Bytes that followed the 101 in the same delivery belong to
			// the downstream handler; they wait here until one is installed.
			if c.downstream != nil {
				for _, p := range c.pending {
					c.downstream.DeliverInbound(p)
				}
				c.pending = nil
			}
			return
		}

		chunk := c.pending[0]
		wasInBody := c.decoder.InBody()

		toFeed := chunk
		if wasInBody {
			c.mu.Lock()
			window := c.readWindow
			c.mu.Unlock()

			if window <= 0 {
				return
			}

			if int64(len(toFeed)) > window {
				toFeed = toFeed[:window]
			}
		}

		withheld := chunk[len(toFeed):]

		rest, err := c.decoder.Feed(toFeed)

		if wasInBody {
			if consumed := int64(len(toFeed) - len(rest)); consumed > 0 {
				c.mu.Lock()
				c.readWindow -= consumed
				c.mu.Unlock()
			}
		}

		if err != nil {
			c.failReading(err)
			return
		}

		var next [][]byte
		if len(rest) > 0 {
			next = append(next, rest)
		}
		if len(withheld) > 0 {
			next = append(next, withheld)
		}
		c.pending = append(next, c.pending[1:]...)

		if c.decoder.Done() {
			c.onStreamComplete()
			continue
		}

		if len(rest) == 0 && len(withheld) == 0 {
			continue
		}

		return
	}
}

// beginClosing marks the connection as closing the instant either side
// signals Connection: close (spec.md §4.4): trigger is whichever stream
// carried it, request-side (Activate) or response-side
// (maybeBeginDecoding's wrapped Headers callback). Everything queued
// strictly after trigger fails immediately with ConnectionClosed,
// whether or not the encoder has already written it; trigger itself and
// anything queued ahead of it complete normally, and onStreamComplete
// initiates shutdown once the queue finally drains.
func (c *Connection) beginClosing(trigger *stream.Stream) {
	if c.closing {
		return
	}

	c.closing = true
	c.setNewRequestsAllowed(false, errors.ConnectionClosed)

	triggerIdx := -1
	for i, st := range c.queue {
		if st == trigger {
			triggerIdx = i
			break
		}
	}

	if triggerIdx == -1 {
		return
	}

	for _, st := range c.queue[triggerIdx+1:] {
		st.Finish(errors.New(errors.ConnectionClosed, nil))
	}
	c.queue = c.queue[:triggerIdx+1]
}

// onStreamComplete pops the just-finished stream off the queue and
// either advances to the next one, shuts the connection down once a
// close point has fully drained, or, on a successful upgrade, closes
// off new requests and fails whatever was still queued behind it.
func (c *Connection) onStreamComplete() {
	if len(c.queue) == 0 {
		return
	}

	c.queue = c.queue[1:]
	c.writeCount--
	c.decoderBound = false

	if c.decoder.Upgraded() {
		c.upgraded = true
		c.setNewRequestsAllowed(false, errors.SwitchedProtocols)
		c.failQueued(errors.New(errors.SwitchedProtocols, nil))
		return
	}

	if c.closing && len(c.queue) == 0 {
		c.shutdown(errors.New(errors.ConnectionClosed, nil))
		return
	}

	c.maybeBeginDecoding()
	c.pump()
}

func (c *Connection) failWriting(err error) {
	if len(c.queue) > 0 && c.writeCount > 0 && c.writeCount <= len(c.queue) {
		c.queue[c.writeCount-1].Finish(err)
	}

	c.shutdown(err)
}

func (c *Connection) failReading(err error) {
	if len(c.queue) > 0 {
		c.queue[0].Finish(err)
	}

	c.shutdown(err)
}

// failQueued completes every stream still sitting in the queue with
// err — used both for shutdown and for the "queued after an upgrade"
// case of spec.md §4.4.
func (c *Connection) failQueued(err error) {
	pending := c.queue
	c.queue = nil
	c.writeCount = 0

	for _, st := range pending {
		st.Finish(err)
	}
}

func (c *Connection) setNewRequestsAllowed(allowed bool, code errors.Code) {
	c.mu.Lock()
	c.newReqAllowed = allowed
	c.closeCode = code
	c.mu.Unlock()
}

// shutdown unwinds every remaining stream with err and tears the
// adapter down in both directions, then stops the I/O thread. It is
// idempotent.
func (c *Connection) shutdown(err error) {
	c.mu.Lock()
	first := !c.stopped
	c.open = false
	c.newReqAllowed = false
	c.mu.Unlock()

	c.failQueued(err)

	code := errors.Cancelled
	if e, ok := err.(*errors.Error); ok {
		code = e.Code
	}

	if first {
		c.adapter.Shutdown(pipeline.Read, code)
		c.adapter.Shutdown(pipeline.Write, code)
	}

	c.mu.Lock()
	c.stopped = true
	c.cond.Broadcast()
	c.mu.Unlock()
}

// WaitClosed blocks until the I/O thread has fully stopped, which
// happens once every queued stream has resolved after Close or a fatal
// transport error. Grounded on golang.org/x/net/http2's clientConn,
// which parks goroutines on cc.cond until the connection's closed flag
// flips rather than polling it.
func (c *Connection) WaitClosed() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for !c.stopped {
		c.cond.Wait()
	}
}
