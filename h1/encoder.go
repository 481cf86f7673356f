// Package h1 implements the HTTP/1.1 wire codec: Encoder serialises
// requests (spec.md §4.1), Decoder parses responses (spec.md §4.2). Both
// are pull/push, byte-fragment-tolerant state machines with no
// dependency on how the surrounding connection schedules them, grounded
// on the teacher's own incremental parser/serializer pair
// (internal/transport/http1/{parser,serializer}.go).
package h1

import (
	"fmt"
	"io"
	"strconv"

	"github.com/wireproto/h1client/chunk"
	"github.com/wireproto/h1client/errors"
	"github.com/wireproto/h1client/request"
)

type phase uint8

const (
	phaseHead phase = iota
	phaseBody
	phaseDone
)

type bodyMode uint8

const (
	bodyNone bodyMode = iota
	bodyContentLength
	bodyChunked
)

type chunkSub uint8

const (
	chunkAwait chunkSub = iota
	chunkHeader
	chunkData
	chunkTrailer
)

// Encoder serialises one request at a time onto byte buffers supplied by
// the caller, resuming exactly where it left off across arbitrarily small
// buffers (spec.md §4.1, "Buffer handling").
type Encoder struct {
	req   *request.Request
	queue *chunk.Queue

	phase phase
	mode  bodyMode

	headBuf []byte
	headPos int

	clDeclared   int64
	clRemaining  int64
	clActualRead int64

	chunkState       chunkSub
	curChunk         chunk.Chunk
	curHeaderBuf     []byte
	curHeaderPos     int
	curDataRemaining int64
	curActualRead    int64
}

func NewEncoder() *Encoder {
	return &Encoder{phase: phaseDone}
}

// Begin binds the encoder to a new request, replacing whatever it was
// previously encoding. queue is nil unless the request uses chunked
// transfer encoding.
func (e *Encoder) Begin(req *request.Request, queue *chunk.Queue) {
	*e = Encoder{
		req:     req,
		queue:   queue,
		phase:   phaseHead,
		headBuf: renderHead(req),
	}

	switch {
	case req.IsChunked():
		e.mode = bodyChunked
		e.chunkState = chunkAwait
	case req.Body == nil:
		e.mode = bodyNone
	default:
		if cl, ok := req.ContentLength(); ok {
			e.mode = bodyContentLength
			e.clDeclared, e.clRemaining = cl, cl
		} else {
			// Neither Content-Length nor chunked Transfer-Encoding: per
			// spec.md §4.1 the encoder sends no body at all.
			e.mode = bodyNone
		}
	}
}

// Done reports whether the current request has been fully emitted.
func (e *Encoder) Done() bool {
	return e.phase == phaseDone
}

// Paused reports whether the encoder is blocked waiting for the caller to
// enqueue another chunk (spec.md §4.1, "wait-for-data").
func (e *Encoder) Paused() bool {
	return e.phase == phaseBody && e.mode == bodyChunked && e.chunkState == chunkAwait
}

// Fill writes as many bytes of the current request as fit into dst,
// returning the number written. It never blocks: if there is nothing
// more to write right now (chunk queue empty, or the request is fully
// emitted) it returns 0 with a nil error. err is non-nil only for a
// fatal framing failure (OutgoingLengthIncorrect), at which point the
// stream this encoder was serving must be failed and the connection shut
// down — the encoder itself is not reusable afterwards.
func (e *Encoder) Fill(dst []byte) (n int, err error) {
	for n < len(dst) {
		switch e.phase {
		case phaseDone:
			return n, nil

		case phaseHead:
			c := copy(dst[n:], e.headBuf[e.headPos:])
			n += c
			e.headPos += c
			if e.headPos < len(e.headBuf) {
				return n, nil
			}
			e.headBuf = nil
			if e.mode == bodyNone {
				e.phase = phaseDone
				return n, nil
			}
			e.phase = phaseBody

		case phaseBody:
			switch e.mode {
			case bodyContentLength:
				wrote, done, ferr := e.fillContentLength(dst[n:])
				n += wrote
				if ferr != nil {
					return n, ferr
				}
				if done {
					e.phase = phaseDone
					return n, nil
				}
				if wrote == 0 {
					return n, nil
				}

			case bodyChunked:
				wrote, paused, done, ferr := e.fillChunked(dst[n:])
				n += wrote
				if ferr != nil {
					return n, ferr
				}
				if done {
					e.phase = phaseDone
					return n, nil
				}
				if paused || wrote == 0 {
					return n, nil
				}

			default:
				e.phase = phaseDone
				return n, nil
			}
		}
	}

	return n, nil
}

func renderHead(req *request.Request) []byte {
	buf := make([]byte, 0, 256)
	buf = append(buf, req.Method...)
	buf = append(buf, ' ')
	buf = append(buf, req.Target...)
	buf = append(buf, " HTTP/1.1\r\n"...)

	for i := 0; i < req.Headers.Len(); i++ {
		h := req.Headers.At(i)
		buf = append(buf, h.Name...)
		buf = append(buf, ':', ' ')
		buf = append(buf, h.Value...)
		buf = append(buf, '\r', '\n')
	}

	return append(buf, '\r', '\n')
}

// fillContentLength streams up to the declared Content-Length bytes from
// the request body, then probes for one extra byte to catch a body that
// produced more than it declared.
func (e *Encoder) fillContentLength(dst []byte) (n int, done bool, ferr error) {
	for n < len(dst) {
		if e.clRemaining > 0 {
			want := int64(len(dst) - n)
			if want > e.clRemaining {
				want = e.clRemaining
			}

			read, err := e.req.Body.Read(dst[n : n+int(want)])
			n += read
			e.clRemaining -= int64(read)
			e.clActualRead += int64(read)

			switch {
			case err == io.EOF:
				if e.clRemaining > 0 {
					return n, false, lengthMismatch(e.clDeclared, e.clActualRead)
				}
				return n, true, nil
			case err != nil:
				return n, false, errors.New(errors.OutgoingLengthIncorrect, err)
			case read == 0:
				return n, false, nil
			}

			continue
		}

		return n, e.probeExtra(func() (int, error) {
			var probe [1]byte
			return e.req.Body.Read(probe[:])
		}, e.clDeclared)
	}

	return n, false, nil
}

// probeExtra reads one byte beyond a declared length to check the source
// really stopped there. It returns (done=true, nil) on a clean EOF, or a
// length-mismatch error if the source produced more.
func (e *Encoder) probeExtra(read func() (int, error), declared int64) (bool, error) {
	n, err := read()
	switch {
	case err == io.EOF && n == 0:
		return true, nil
	case n > 0:
		return false, lengthMismatch(declared, declared+int64(n))
	case err != nil:
		return false, errors.New(errors.OutgoingLengthIncorrect, err)
	default:
		return false, nil
	}
}

func lengthMismatch(declared, actual int64) error {
	return errors.New(errors.OutgoingLengthIncorrect, fmt.Errorf(
		"declared %d bytes but source produced %d", declared, actual,
	))
}

// fillChunked drains the chunk queue one chunk at a time, emitting each
// as "size[;ext...]\r\n" + payload + "\r\n", finishing with the
// terminator chunk's trailing empty-trailer CRLF.
func (e *Encoder) fillChunked(dst []byte) (n int, paused, done bool, ferr error) {
	for n < len(dst) {
		switch e.chunkState {
		case chunkAwait:
			c, ok := e.queue.Dequeue()
			if !ok {
				return n, true, false, nil
			}

			e.curChunk = c
			e.curHeaderBuf = renderChunkHeader(c)
			e.curHeaderPos = 0
			e.curDataRemaining = c.Size
			e.curActualRead = 0
			e.chunkState = chunkHeader

		case chunkHeader:
			c := copy(dst[n:], e.curHeaderBuf[e.curHeaderPos:])
			n += c
			e.curHeaderPos += c
			if e.curHeaderPos < len(e.curHeaderBuf) {
				return n, false, false, nil
			}

			if e.curChunk.Size == 0 {
				e.chunkState = chunkTrailer
				break
			}
			e.chunkState = chunkData

		case chunkData:
			wrote, doneChunk, ferr := e.fillChunkData(dst[n:])
			n += wrote
			if ferr != nil {
				e.curChunk.Fire(ferr)
				return n, false, false, ferr
			}
			if doneChunk {
				e.chunkState = chunkTrailer
				break
			}
			if wrote == 0 {
				return n, false, false, nil
			}

		case chunkTrailer:
			if n >= len(dst) {
				return n, false, false, nil
			}

			dst[n] = '\r'
			n++
			if n >= len(dst) {
				return n, false, false, nil
			}
			dst[n] = '\n'
			n++

			finished := e.curChunk
			terminator := finished.Size == 0
			e.chunkState = chunkAwait
			finished.Fire(nil)

			if terminator {
				return n, false, true, nil
			}
		}
	}

	return n, false, false, nil
}

func (e *Encoder) fillChunkData(dst []byte) (n int, done bool, ferr error) {
	for n < len(dst) {
		if e.curDataRemaining > 0 {
			want := int64(len(dst) - n)
			if want > e.curDataRemaining {
				want = e.curDataRemaining
			}

			read, err := e.curChunk.Source.Read(dst[n : n+int(want)])
			n += read
			e.curDataRemaining -= int64(read)
			e.curActualRead += int64(read)

			switch {
			case err == io.EOF:
				if e.curDataRemaining > 0 {
					return n, false, lengthMismatch(e.curChunk.Size, e.curActualRead)
				}
				return n, true, nil
			case err != nil:
				return n, false, errors.New(errors.OutgoingLengthIncorrect, err)
			case read == 0:
				return n, false, nil
			}

			continue
		}

		done, err := e.probeExtra(func() (int, error) {
			var probe [1]byte
			return e.curChunk.Source.Read(probe[:])
		}, e.curChunk.Size)
		return n, done, err
	}

	return n, false, nil
}

func renderChunkHeader(c chunk.Chunk) []byte {
	buf := strconv.AppendInt(nil, c.Size, 16)
	for _, ext := range c.Extensions {
		buf = append(buf, ';')
		buf = append(buf, ext.Key...)
		if ext.Value != "" {
			buf = append(buf, '=')
			buf = append(buf, ext.Value...)
		}
	}

	return append(buf, '\r', '\n')
}
