package conn

import (
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/wireproto/h1client/chunk"
	"github.com/wireproto/h1client/errors"
	"github.com/wireproto/h1client/pipeline"
	"github.com/wireproto/h1client/request"
	"github.com/wireproto/h1client/response"
	"github.com/wireproto/h1client/settings"
	"github.com/wireproto/h1client/stream"
	"github.com/wireproto/h1client/wire/headers"
	"github.com/wireproto/h1client/wire/status"
)

// newHarness wires a Connection on top of a fresh Loopback, resolving the
// two-phase construction pipeline.NewLoopback/conn.New require.
func newHarness(t *testing.T) (*Connection, *pipeline.Loopback) {
	t.Helper()

	l := pipeline.NewLoopback(nil, int(settings.Default().ReadWindow.Default))
	c := New(l, settings.Default())
	l.SetHandler(c)

	return c, l
}

// collector accumulates a stream's Complete outcome for eventual
// assertion, since every callback fires on the connection's own
// goroutine.
type collector struct {
	mu       sync.Mutex
	status   status.Code
	body     []byte
	done     bool
	err      error
	trailers []*headers.List
}

func (c *collector) callbacks() response.Callbacks {
	return response.Callbacks{
		Headers: func(code status.Code, reason string, h *headers.List, isTrailer bool) error {
			c.mu.Lock()
			defer c.mu.Unlock()
			if isTrailer {
				c.trailers = append(c.trailers, h)
			} else {
				c.status = code
			}
			return nil
		},
		Body: func(p []byte) error {
			c.mu.Lock()
			defer c.mu.Unlock()
			c.body = append(c.body, p...)
			return nil
		},
		Complete: func(err error) {
			c.mu.Lock()
			defer c.mu.Unlock()
			c.done = true
			c.err = err
		},
	}
}

func (c *collector) isDone() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.done
}

func (c *collector) snapshot() (status.Code, string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status, string(c.body), c.err
}

func eventuallyDone(t *testing.T, cols ...*collector) {
	t.Helper()

	require.Eventually(t, func() bool {
		for _, c := range cols {
			if !c.isDone() {
				return false
			}
		}
		return true
	}, time.Second, time.Millisecond)
}

func newGetRequest(target string) *request.Request {
	req := request.New("GET", target)
	req.Headers.Add("Host", "example.com")
	return req
}

func TestConnection_BasicRoundTrip(t *testing.T) {
	c, l := newHarness(t)
	defer c.Close()

	col := &collector{}
	st, err := c.MakeRequest(newGetRequest("/"), col.callbacks())
	require.NoError(t, err)
	require.NoError(t, c.Activate(st))

	require.Eventually(t, func() bool {
		return len(l.Sent()) > 0
	}, time.Second, time.Millisecond)
	require.Contains(t, string(l.Sent()), "GET / HTTP/1.1")

	l.Deliver([]byte("HTTP/1.1 200 OK\r\nContent-Length: 2\r\n\r\nok"))

	eventuallyDone(t, col)
	code, body, cerr := col.snapshot()
	require.Equal(t, status.OK, code)
	require.Equal(t, "ok", body)
	require.NoError(t, cerr)
}

func TestConnection_Pipelining(t *testing.T) {
	c, l := newHarness(t)
	defer c.Close()

	col1, col2 := &collector{}, &collector{}

	st1, err := c.MakeRequest(newGetRequest("/first"), col1.callbacks())
	require.NoError(t, err)
	st2, err := c.MakeRequest(newGetRequest("/second"), col2.callbacks())
	require.NoError(t, err)

	require.NoError(t, c.Activate(st1))
	require.NoError(t, c.Activate(st2))

	require.Eventually(t, func() bool {
		return len(l.Sent()) > 0
	}, time.Second, time.Millisecond)

	// Both responses arrive back to back in one delivery; the decoder
	// must resolve them against the FIFO order streams were activated in.
	l.Deliver([]byte(
		"HTTP/1.1 200 OK\r\nContent-Length: 5\r\n\r\nfirst" +
			"HTTP/1.1 200 OK\r\nContent-Length: 6\r\n\r\nsecond",
	))

	eventuallyDone(t, col1, col2)

	_, body1, _ := col1.snapshot()
	_, body2, _ := col2.snapshot()
	require.Equal(t, "first", body1)
	require.Equal(t, "second", body2)
}

func TestConnection_Fragmented(t *testing.T) {
	c, l := newHarness(t)
	defer c.Close()

	col := &collector{}
	st, err := c.MakeRequest(newGetRequest("/"), col.callbacks())
	require.NoError(t, err)
	require.NoError(t, c.Activate(st))

	require.Eventually(t, func() bool {
		return len(l.Sent()) > 0
	}, time.Second, time.Millisecond)

	l.DeliverFragmented([]byte("HTTP/1.1 200 OK\r\nContent-Length: 5\r\n\r\nhello"))

	eventuallyDone(t, col)
	_, body, _ := col.snapshot()
	require.Equal(t, "hello", body)
}

func TestConnection_RequestSideConnectionClose(t *testing.T) {
	c, l := newHarness(t)
	defer c.Close()

	req := newGetRequest("/")
	req.Headers.Add("Connection", "close")

	col := &collector{}
	st, err := c.MakeRequest(req, col.callbacks())
	require.NoError(t, err)
	require.NoError(t, c.Activate(st))

	require.Eventually(t, func() bool {
		return !c.NewRequestsAllowed()
	}, time.Second, time.Millisecond)

	_, err = c.MakeRequest(newGetRequest("/blocked"), response.Callbacks{})
	require.Error(t, err)

	l.Deliver([]byte("HTTP/1.1 200 OK\r\nContent-Length: 0\r\n\r\n"))
	eventuallyDone(t, col)
	require.Eventually(t, func() bool { return !c.IsOpen() }, time.Second, time.Millisecond)
}

// TestConnection_RequestSideConnectionClose_FailsQueuedStream verifies
// spec.md §4.4's queued-behind-a-close-point case: a stream activated
// after a Connection: close request must never reach the wire, and the
// connection shuts itself down once the closing exchange completes.
func TestConnection_RequestSideConnectionClose_FailsQueuedStream(t *testing.T) {
	c, l := newHarness(t)

	req := newGetRequest("/")
	req.Headers.Add("Connection", "close")

	col1, col2 := &collector{}, &collector{}
	st1, err := c.MakeRequest(req, col1.callbacks())
	require.NoError(t, err)

	// st2 is made before st1 is activated: once the close request is
	// activated, MakeRequest itself is refused.
	st2, err := c.MakeRequest(newGetRequest("/blocked"), col2.callbacks())
	require.NoError(t, err)

	require.NoError(t, c.Activate(st1))
	require.NoError(t, c.Activate(st2))

	eventuallyDone(t, col2)
	_, _, err2 := col2.snapshot()
	require.Error(t, err2)
	require.NotContains(t, string(l.Sent()), "/blocked")

	l.Deliver([]byte("HTTP/1.1 200 OK\r\nContent-Length: 0\r\n\r\n"))
	eventuallyDone(t, col1)
	require.Eventually(t, func() bool { return !c.IsOpen() }, time.Second, time.Millisecond)
}

func TestConnection_ResponseSideConnectionClose_FlipsAtHeaderBlock(t *testing.T) {
	c, l := newHarness(t)
	defer c.Close()

	col := &collector{}
	st, err := c.MakeRequest(newGetRequest("/"), col.callbacks())
	require.NoError(t, err)
	require.NoError(t, c.Activate(st))

	require.Eventually(t, func() bool {
		return len(l.Sent()) > 0
	}, time.Second, time.Millisecond)

	// Header block declares Connection: close and a 4-byte body that
	// hasn't arrived yet — new_requests_allowed must already be
	// false at this point, per spec.md §4.4, not only once the body
	// (and thus the whole stream) finishes.
	l.Deliver([]byte("HTTP/1.1 200 OK\r\nConnection: close\r\nContent-Length: 4\r\n\r\n"))

	require.Eventually(t, func() bool {
		return !c.NewRequestsAllowed()
	}, time.Second, time.Millisecond)
	require.False(t, col.isDone())

	l.Deliver([]byte("body"))
	eventuallyDone(t, col)
	require.Eventually(t, func() bool { return !c.IsOpen() }, time.Second, time.Millisecond)
}

// TestConnection_ResponseSideConnectionClose_FailsQueuedStream covers
// the pipelined case: a second request is already sitting in the queue
// (constructed before the close-bearing response's header block ever
// decoded) and must fail with ConnectionClosed rather than ever having
// its own response awaited.
func TestConnection_ResponseSideConnectionClose_FailsQueuedStream(t *testing.T) {
	c, l := newHarness(t)

	col1, col2 := &collector{}, &collector{}
	st1, err := c.MakeRequest(newGetRequest("/first"), col1.callbacks())
	require.NoError(t, err)
	require.NoError(t, c.Activate(st1))

	st2, err := c.MakeRequest(newGetRequest("/second"), col2.callbacks())
	require.NoError(t, err)
	require.NoError(t, c.Activate(st2))

	require.Eventually(t, func() bool {
		return len(l.Sent()) > 0
	}, time.Second, time.Millisecond)

	l.Deliver([]byte("HTTP/1.1 200 OK\r\nConnection: close\r\nContent-Length: 0\r\n\r\n"))

	eventuallyDone(t, col1, col2)
	_, _, err2 := col2.snapshot()
	require.Error(t, err2)
	require.Eventually(t, func() bool { return !c.IsOpen() }, time.Second, time.Millisecond)
}

// TestConnection_CloseDelimitedBody covers spec.md §9's body-framing
// rule 4: no Content-Length, no chunked Transfer-Encoding, so the body
// runs until the peer closes its write side, which the adapter reports
// as a read shutdown on this end.
func TestConnection_CloseDelimitedBody(t *testing.T) {
	c, l := newHarness(t)
	defer c.Close()

	col := &collector{}
	st, err := c.MakeRequest(newGetRequest("/"), col.callbacks())
	require.NoError(t, err)
	require.NoError(t, c.Activate(st))

	require.Eventually(t, func() bool {
		return len(l.Sent()) > 0
	}, time.Second, time.Millisecond)

	l.Deliver([]byte("HTTP/1.1 200 OK\r\n\r\nhello, world"))
	require.Never(t, col.isDone, 20*time.Millisecond, time.Millisecond)

	l.Shutdown(pipeline.Read, errors.Success)

	eventuallyDone(t, col)
	_, body, cerr := col.snapshot()
	require.NoError(t, cerr)
	require.Equal(t, "hello, world", body)
}

func TestConnection_ProtocolUpgrade(t *testing.T) {
	c, l := newHarness(t)
	defer c.Close()

	req := newGetRequest("/ws")
	req.Headers.Add("Connection", "Upgrade")
	req.Headers.Add("Upgrade", "websocket")

	col := &collector{}
	st, err := c.MakeRequest(req, col.callbacks())
	require.NoError(t, err)
	require.NoError(t, c.Activate(st))

	require.Eventually(t, func() bool {
		return len(l.Sent()) > 0
	}, time.Second, time.Millisecond)

	l.Deliver([]byte("HTTP/1.1 101 Switching Protocols\r\nConnection: Upgrade\r\nUpgrade: websocket\r\n\r\n"))
	eventuallyDone(t, col)
	_, _, cerr := col.snapshot()
	require.NoError(t, cerr)

	down := &recordingHandler{}
	c.InstallDownstream(down)

	l.Deliver([]byte("raw frame bytes"))
	require.Eventually(t, func() bool {
		down.mu.Lock()
		defer down.mu.Unlock()
		return len(down.delivered) > 0
	}, time.Second, time.Millisecond)

	down.mu.Lock()
	require.Equal(t, "raw frame bytes", string(down.delivered[0]))
	down.mu.Unlock()
}

func TestConnection_UpgradeFailsQueuedStreams(t *testing.T) {
	c, l := newHarness(t)
	defer c.Close()

	upgradeReq := newGetRequest("/ws")
	upgradeReq.Headers.Add("Connection", "Upgrade")
	upgradeReq.Headers.Add("Upgrade", "websocket")

	col1, col2 := &collector{}, &collector{}
	st1, err := c.MakeRequest(upgradeReq, col1.callbacks())
	require.NoError(t, err)
	st2, err := c.MakeRequest(newGetRequest("/second"), col2.callbacks())
	require.NoError(t, err)

	require.NoError(t, c.Activate(st1))
	require.NoError(t, c.Activate(st2))

	require.Eventually(t, func() bool {
		return len(l.Sent()) > 0
	}, time.Second, time.Millisecond)

	l.Deliver([]byte("HTTP/1.1 101 Switching Protocols\r\nConnection: Upgrade\r\nUpgrade: websocket\r\n\r\n"))

	eventuallyDone(t, col1, col2)
	_, _, err2 := col2.snapshot()
	require.Error(t, err2)
}

func TestConnection_UnsolicitedUpgradeRejected(t *testing.T) {
	c, l := newHarness(t)
	defer c.Close()

	col := &collector{}
	st, err := c.MakeRequest(newGetRequest("/"), col.callbacks())
	require.NoError(t, err)
	require.NoError(t, c.Activate(st))

	require.Eventually(t, func() bool {
		return len(l.Sent()) > 0
	}, time.Second, time.Millisecond)

	l.Deliver([]byte("HTTP/1.1 101 Switching Protocols\r\nConnection: Upgrade\r\nUpgrade: websocket\r\n\r\n"))

	eventuallyDone(t, col)
	_, _, cerr := col.snapshot()
	require.Error(t, cerr)
	require.False(t, c.upgraded)
}

func TestConnection_ResponseArrivingWhileBodyStillWriting(t *testing.T) {
	c, l := newHarness(t)
	defer c.Close()

	req := request.New("POST", "/")
	req.Headers.Add("Host", "example.com")
	req.Headers.Add("Transfer-Encoding", "chunked")

	col := &collector{}
	st, err := c.MakeRequest(req, col.callbacks())
	require.NoError(t, err)
	require.NoError(t, c.Activate(st))

	require.NoError(t, st.Queue.Enqueue(chunk.Chunk{Source: strings.NewReader("a"), Size: 1}))

	require.Eventually(t, func() bool {
		return len(l.Sent()) > 0
	}, time.Second, time.Millisecond)

	// The request body is deliberately left unterminated, so the stream
	// cannot have reached Reading through WritingDone.
	require.Equal(t, stream.Writing, st.State())

	l.Deliver([]byte("HTTP/1.1 200 OK\r\nContent-Length: 0\r\n\r\n"))

	require.Eventually(t, func() bool {
		return st.State() == stream.WritingAndReading
	}, time.Second, time.Millisecond)

	require.NoError(t, st.Queue.Enqueue(chunk.Chunk{Size: 0}))
	eventuallyDone(t, col)
}

func TestConnection_CloseFailsInFlightStreams(t *testing.T) {
	c, _ := newHarness(t)

	col := &collector{}
	st, err := c.MakeRequest(newGetRequest("/"), col.callbacks())
	require.NoError(t, err)
	require.NoError(t, c.Activate(st))

	c.Close()

	eventuallyDone(t, col)
	_, _, cerr := col.snapshot()
	require.Error(t, cerr)
	require.False(t, c.IsOpen())
}

func TestConnection_ReadWindowBackpressure(t *testing.T) {
	small := settings.Default()
	small.ReadWindow.Default = 4

	l := pipeline.NewLoopback(nil, int(small.ReadWindow.Default))
	c := New(l, small)
	l.SetHandler(c)
	defer c.Close()

	col := &collector{}
	st, err := c.MakeRequest(newGetRequest("/"), col.callbacks())
	require.NoError(t, err)
	require.NoError(t, c.Activate(st))

	require.Eventually(t, func() bool {
		return len(l.Sent()) > 0
	}, time.Second, time.Millisecond)

	// Header block and body arrive as separate deliveries, as they
	// would across two TCP reads for any body past the first segment;
	// the window is only ever enforced once the decoder is already
	// mid-body when a delivery starts.
	l.Deliver([]byte("HTTP/1.1 200 OK\r\nContent-Length: 10\r\n\r\n"))
	l.Deliver([]byte("01234567"))

	time.Sleep(20 * time.Millisecond)
	_, body, _ := col.snapshot()
	require.LessOrEqual(t, len(body), 4)
	require.False(t, col.isDone())

	c.UpdateWindow(10)
	l.Deliver([]byte("89"))

	eventuallyDone(t, col)
	_, body, _ = col.snapshot()
	require.Equal(t, "0123456789", body)
}

func TestConnection_MakeRequestRejectedAfterClose(t *testing.T) {
	c, _ := newHarness(t)
	c.Close()

	require.Eventually(t, func() bool {
		return !c.IsOpen()
	}, time.Second, time.Millisecond)

	_, err := c.MakeRequest(newGetRequest("/"), response.Callbacks{})
	require.Error(t, err)
}

type recordingHandler struct {
	mu        sync.Mutex
	delivered [][]byte
}

func (h *recordingHandler) DeliverInbound(p []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.delivered = append(h.delivered, append([]byte(nil), p...))
}

func (h *recordingHandler) OnShutdown(dir pipeline.Direction, code errors.Code, freeImmediately bool) {
}
