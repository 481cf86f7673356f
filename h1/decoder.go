package h1

import (
	"bytes"
	"strconv"
	"strings"

	"github.com/indigo-web/utils/buffer"
	"github.com/indigo-web/utils/strcomp"
	"github.com/indigo-web/utils/uf"
	"golang.org/x/net/http/httpguts"

	"github.com/wireproto/h1client/errors"
	"github.com/wireproto/h1client/response"
	"github.com/wireproto/h1client/settings"
	"github.com/wireproto/h1client/wire/headers"
	"github.com/wireproto/h1client/wire/method"
	"github.com/wireproto/h1client/wire/status"
)

type dstate uint8

const (
	dIdle dstate = iota
	dProto
	dCode
	dReason
	dHeaderKey
	dHeaderKeyCR
	dHeaderColon
	dHeaderValue
	dBodyContentLength
	dBodyClose
	dChunkSize
	dChunkSizeDone
	dChunkExt
	dChunkSizeCR
	dChunkData
	dChunkDataCR
	dChunkDataLF
)

var httpVersion = []byte("HTTP/1.1")

// Decoder parses one response at a time off an inbound byte stream,
// tolerating arbitrary fragmentation: every field may arrive one byte per
// delivery (spec.md §4.2). It drives the response.Callbacks it was bound
// to at Begin directly, in the fixed order spec.md §5 requires; once any
// callback returns an error, later callbacks of the same stream are
// suppressed but wire parsing continues so framing stays aligned for
// whatever comes next.
type Decoder struct {
	settings  settings.Settings
	reqIsHEAD bool
	cb        response.Callbacks

	state dstate

	statusBuf *buffer.Buffer[byte]
	keyBuf    *buffer.Buffer[byte]
	valBuf    *buffer.Buffer[byte]
	extBuf    *buffer.Buffer[byte]

	code   status.Code
	reason string
	hdrs   *headers.List
	curKey string
	hdrN   uint16

	isTrailer bool

	fixedRemain int64
	chunkSize   int64

	upgraded bool
	cbErr    error
}

func NewDecoder(s settings.Settings) *Decoder {
	return &Decoder{
		settings:  s,
		state:     dIdle,
		statusBuf: buffer.NewBuffer[byte](int(s.StatusLine.Default), int(s.StatusLine.Maximal)),
		keyBuf:    buffer.NewBuffer[byte](int(s.Headers.Key.Default), int(s.Headers.Key.Maximal)),
		valBuf:    buffer.NewBuffer[byte](int(s.Headers.Value.Default), int(s.Headers.Value.Maximal)),
		extBuf:    buffer.NewBuffer[byte](int(s.Body.ChunkExtensions.Default), int(s.Body.ChunkExtensions.Maximal)),
		hdrs:      headers.New(int(s.Headers.Count.Default)),
	}
}

// Begin binds the decoder to the response of a request issued with the
// given method, delivering everything that follows through cb. reqMethod
// is consulted only for the HEAD half of body-framing rule 1.
func (d *Decoder) Begin(reqMethod string, cb response.Callbacks) {
	d.reqIsHEAD = method.IsHead(reqMethod)
	d.cb = cb
	d.upgraded = false
	d.cbErr = nil
	d.isTrailer = false
	d.resetHeaderAccum()
	d.state = dProto
}

// Done reports whether the bound response, including any chunked trailer
// block, has been fully parsed and delivered.
func (d *Decoder) Done() bool {
	return d.state == dIdle
}

// Upgraded reports whether the response just completed was a successful
// 101 Switching Protocols handoff (spec.md §4.4).
func (d *Decoder) Upgraded() bool {
	return d.upgraded
}

// InBody reports whether the decoder is currently inside a response
// body (fixed-length, chunked, or close-delimited) as opposed to
// parsing status-line/header/trailer framing. Chunk-size lines and the
// CRLF after each chunk count as body here. The connection uses this,
// before each delivery, to decide whether that delivery's bytes count
// against the user's read-window credit (spec.md §4.2, "Backpressure").
func (d *Decoder) InBody() bool {
	switch d.state {
	case dBodyContentLength, dBodyClose, dChunkSize, dChunkSizeDone, dChunkExt, dChunkSizeCR, dChunkData, dChunkDataCR, dChunkDataLF:
		return true
	default:
		return false
	}
}

// Finalize completes a close-delimited body (body-framing rule 4) once
// the pipeline reports the peer closed the connection. It is a no-op
// unless the decoder is currently waiting on exactly that condition.
func (d *Decoder) Finalize() error {
	if d.state != dBodyClose {
		return nil
	}

	return d.finalize()
}

// Feed parses as much of data as it can, invoking callbacks along the
// way, and returns whatever suffix it did not consume: the start of a
// pipelined response that followed immediately (Done() is true in that
// case), or — once Upgraded() is true — bytes that must be handed to the
// installed downstream handler untouched. err is non-nil for a fatal
// framing violation, or when the response completed after one of its
// callbacks failed (CallbackError); either way the caller must shut the
// connection down.
func (d *Decoder) Feed(data []byte) (rest []byte, err error) {
	if d.state == dIdle {
		if len(data) == 0 {
			return data, nil
		}

		return nil, errors.New(errors.UnexpectedData, errors.ErrUnsolicitedResponse)
	}

	for {
		if d.state == dIdle {
			return data, nil
		}

		switch d.state {
		case dProto:
			sp := bytes.IndexByte(data, ' ')
			if sp == -1 {
				if !d.statusBuf.Append(data...) {
					return nil, d.protocolError(errors.ErrMalformedStatusLine)
				}

				return nil, nil
			}

			if !d.statusBuf.Append(data[:sp]...) {
				return nil, d.protocolError(errors.ErrMalformedStatusLine)
			}

			proto := d.statusBuf.Finish()
			match := bytes.Equal(proto, httpVersion)
			d.statusBuf.Clear()
			if !match {
				return nil, d.protocolError(errors.ErrMalformedStatusLine)
			}

			data = data[sp+1:]
			d.code = 0
			d.state = dCode

		case dCode:
			sp := bytes.IndexByte(data, ' ')
			end := sp
			if end == -1 {
				end = len(data)
			}

			for _, c := range data[:end] {
				if c < '0' || c > '9' {
					return nil, d.protocolError(errors.ErrMalformedStatusLine)
				}

				d.code = d.code*10 + status.Code(c-'0')
			}

			if sp == -1 {
				return nil, nil
			}

			data = data[sp+1:]
			d.state = dReason

		case dReason:
			lf := bytes.IndexByte(data, '\n')
			if lf == -1 {
				if !d.statusBuf.Append(data...) {
					return nil, d.protocolError(errors.ErrMalformedStatusLine)
				}

				return nil, nil
			}

			if !d.statusBuf.Append(data[:lf]...) {
				return nil, d.protocolError(errors.ErrMalformedStatusLine)
			}

			stripped, ok := rstripCR(d.statusBuf.Finish())
			if !ok {
				return nil, d.protocolError(errors.ErrMalformedStatusLine)
			}

			d.reason = string(stripped)
			d.statusBuf.Clear()
			data = data[lf+1:]
			d.state = dHeaderKey

		case dHeaderKey:
			if len(data) == 0 {
				return nil, nil
			}

			switch data[0] {
			case '\r':
				data = data[1:]
				d.state = dHeaderKeyCR
				continue
			case '\n':
				return nil, d.protocolError(errors.ErrMalformedHeaderLine)
			}

			colon := bytes.IndexByte(data, ':')
			if colon == -1 {
				if !d.keyBuf.Append(data...) {
					return nil, d.protocolError(errors.ErrMalformedHeaderLine)
				}

				return nil, nil
			}

			if d.hdrN >= d.settings.Headers.Count.Maximal {
				return nil, d.protocolError(errors.ErrMalformedHeaderLine)
			}

			if !d.keyBuf.Append(data[:colon]...) {
				return nil, d.protocolError(errors.ErrMalformedHeaderLine)
			}

			d.curKey = uf.B2S(d.keyBuf.Finish())
			data = data[colon+1:]
			d.state = dHeaderColon

		case dHeaderKeyCR:
			if len(data) == 0 {
				return nil, nil
			}

			if data[0] != '\n' {
				return nil, d.protocolError(errors.ErrMalformedHeaderLine)
			}

			data = data[1:]
			if err := d.finishHeaderBlock(); err != nil {
				return nil, err
			}

		case dHeaderColon:
			i := 0
			for i < len(data) && data[i] == ' ' {
				i++
			}

			if i == len(data) {
				return nil, nil
			}

			data = data[i:]
			d.state = dHeaderValue

		case dHeaderValue:
			lf := bytes.IndexByte(data, '\n')
			if lf == -1 {
				if !d.valBuf.Append(data...) {
					return nil, d.protocolError(errors.ErrMalformedHeaderLine)
				}

				return nil, nil
			}

			if !d.valBuf.Append(data[:lf]...) {
				return nil, d.protocolError(errors.ErrMalformedHeaderLine)
			}

			stripped, ok := rstripCR(d.valBuf.Finish())
			if !ok {
				return nil, d.protocolError(errors.ErrMalformedHeaderLine)
			}

			value := string(stripped)
			d.valBuf.Clear()
			d.hdrs.Add(d.curKey, value)
			d.hdrN++
			data = data[lf+1:]
			d.state = dHeaderKey

		case dBodyContentLength:
			take := int64(len(data))
			if take > d.fixedRemain {
				take = d.fixedRemain
			}

			if take > 0 {
				payload := data[:take]
				d.invoke(func() error { return d.cb.Body(payload) })
				d.fixedRemain -= take
				data = data[take:]
			}

			if d.fixedRemain > 0 {
				return nil, nil
			}

			if err := d.finalize(); err != nil {
				return nil, err
			}

		case dBodyClose:
			if len(data) > 0 {
				payload := data
				d.invoke(func() error { return d.cb.Body(payload) })
				data = nil
			}

			return nil, nil

		case dChunkSize:
			i := 0
			for i < len(data) && isHex(data[i]) {
				d.chunkSize = d.chunkSize<<4 | int64(unhex(data[i]))
				i++
			}

			if i == len(data) {
				return nil, nil
			}

			switch data[i] {
			case ';':
				data = data[i+1:]
				d.state = dChunkExt
			case '\r':
				data = data[i+1:]
				d.state = dChunkSizeCR
			default:
				return nil, d.protocolError(errors.ErrMalformedChunkLine)
			}

		case dChunkExt:
			lf := bytes.IndexByte(data, '\n')
			if lf == -1 {
				if !d.extBuf.Append(data...) {
					return nil, d.protocolError(errors.ErrMalformedChunkLine)
				}

				return nil, nil
			}

			if !d.extBuf.Append(data[:lf]...) {
				return nil, d.protocolError(errors.ErrMalformedChunkLine)
			}

			raw, ok := rstripCR(d.extBuf.Finish())
			if !ok {
				return nil, d.protocolError(errors.ErrMalformedChunkLine)
			}

			// spec.md §4.1: extensions are parsed only far enough to find
			// the line's end; the caller gets the raw bytes verbatim, with
			// no structured key/value splitting done on its behalf.
			if len(raw) > 0 {
				ext := append([]byte(nil), raw...)
				d.invoke(func() error {
					if d.cb.ChunkExtension == nil {
						return nil
					}
					return d.cb.ChunkExtension(ext)
				})
			}

			d.extBuf.Clear()
			data = data[lf+1:]
			d.state = dChunkSizeDone

		case dChunkSizeCR:
			if len(data) == 0 {
				return nil, nil
			}

			if data[0] != '\n' {
				return nil, d.protocolError(errors.ErrMalformedChunkLine)
			}

			data = data[1:]
			d.state = dChunkSizeDone

		case dChunkSizeDone:
			if d.chunkSize == 0 {
				d.isTrailer = true
				d.hdrs = headers.New(int(d.settings.Headers.Count.Default))
				d.hdrN = 0
				d.state = dHeaderKey
			} else {
				d.state = dChunkData
			}

		case dChunkData:
			take := int64(len(data))
			if take > d.chunkSize {
				take = d.chunkSize
			}

			if take > 0 {
				payload := data[:take]
				d.invoke(func() error { return d.cb.Body(payload) })
				d.chunkSize -= take
				data = data[take:]
			}

			if d.chunkSize > 0 {
				return nil, nil
			}

			d.state = dChunkDataCR

		case dChunkDataCR:
			if len(data) == 0 {
				return nil, nil
			}

			if data[0] != '\r' {
				return nil, d.protocolError(errors.ErrMalformedChunkLine)
			}

			data = data[1:]
			d.state = dChunkDataLF

		case dChunkDataLF:
			if len(data) == 0 {
				return nil, nil
			}

			if data[0] != '\n' {
				return nil, d.protocolError(errors.ErrMalformedChunkLine)
			}

			data = data[1:]
			d.chunkSize = 0
			d.state = dChunkSize

		default:
			panic("h1: decoder: unreachable state")
		}
	}
}

// finishHeaderBlock is reached the instant a header block's terminating
// empty line has been consumed, whether that block is an informational
// response, the final response, a 101 upgrade, or a chunked trailer.
func (d *Decoder) finishHeaderBlock() error {
	switch {
	case d.isTrailer:
		hdrs := d.hdrs
		d.invoke(func() error { return d.cb.Headers(d.code, d.reason, hdrs, true) })
		return d.finalize()

	case d.code.Informational():
		info := response.Informational{Status: d.code, Reason: d.reason, Headers: d.hdrs}
		d.invoke(func() error {
			if d.cb.Informational == nil {
				return nil
			}
			return d.cb.Informational(info)
		})
		d.resetHeaderAccum()
		d.state = dProto
		return nil

	case d.code.SwitchingProtocolsResponse():
		hdrs := d.hdrs
		d.invoke(func() error { return d.cb.Headers(d.code, d.reason, hdrs, false) })
		d.invoke(func() error {
			if d.cb.HeaderBlockDone == nil {
				return nil
			}
			return d.cb.HeaderBlockDone()
		})
		if d.cbErr == nil {
			d.upgraded = true
		}
		return d.finalize()

	default:
		hdrs := d.hdrs
		d.invoke(func() error { return d.cb.Headers(d.code, d.reason, hdrs, false) })
		d.invoke(func() error {
			if d.cb.HeaderBlockDone == nil {
				return nil
			}
			return d.cb.HeaderBlockDone()
		})
		return d.beginBody()
	}
}

// beginBody applies the body-framing rules of spec.md §4.2 once the final
// response's own header block has been delivered.
func (d *Decoder) beginBody() error {
	if d.reqIsHEAD || d.code.NeverHasBody() {
		return d.finalize()
	}

	if transferEncodingIsChunked(d.hdrs.Values("Transfer-Encoding")) {
		d.chunkSize = 0
		d.state = dChunkSize
		return nil
	}

	if v, ok := d.hdrs.Get("Content-Length"); ok {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n < 0 {
			return d.protocolError(errors.ErrMalformedHeaderLine)
		}

		d.fixedRemain = n
		if n == 0 {
			return d.finalize()
		}

		d.state = dBodyContentLength
		return nil
	}

	d.state = dBodyClose
	return nil
}

// invoke runs a callback unless a prior callback in this stream has
// already failed; ordering rule spec.md §5, "no further callbacks of
// types 1-4 fire".
func (d *Decoder) invoke(call func() error) {
	if d.cbErr != nil {
		return
	}

	if err := call(); err != nil {
		d.cbErr = err
	}
}

// finalize fires Complete exactly once for the bound stream, folding any
// callback failure accumulated by invoke into CallbackError, and returns
// the connection to idle.
func (d *Decoder) finalize() error {
	var err error
	if d.cbErr != nil {
		err = errors.New(errors.CallbackError, d.cbErr)
	}

	d.cb.Complete(err)
	d.state = dIdle

	return err
}

// protocolError fires Complete with a ProtocolError for the bound
// stream (if one is bound) and returns the same error, so Feed's caller
// knows the connection must shut down.
func (d *Decoder) protocolError(cause error) error {
	err := errors.New(errors.ProtocolError, cause)
	if d.state != dIdle {
		d.cb.Complete(err)
	}

	d.state = dIdle

	return err
}

func (d *Decoder) resetHeaderAccum() {
	// A fresh list per header block: callers may keep the list they were
	// handed (Accumulator does), so it must not be overwritten later.
	d.hdrs = headers.New(int(d.settings.Headers.Count.Default))
	d.hdrN = 0
	d.code = 0
	d.reason = ""
}

// transferEncodingIsChunked reports whether the last comma-separated
// token across every Transfer-Encoding header is "chunked" — the
// httpguts helper only tells us membership, not position, and rule 2 of
// spec.md §4.2 cares specifically about the last token.
func transferEncodingIsChunked(values []string) bool {
	if len(values) == 0 {
		return false
	}

	if !httpguts.HeaderValuesContainsToken(values, "chunked") {
		return false
	}

	last := values[len(values)-1]
	if idx := strings.LastIndexByte(last, ','); idx != -1 {
		last = last[idx+1:]
	}

	return strcomp.EqualFold(strings.TrimSpace(last), "chunked")
}

// rstripCR strips a trailing CR, requiring it be present — spec.md §6
// forbids a lone LF terminating a status/header/chunk-size line.
func rstripCR(b []byte) ([]byte, bool) {
	if len(b) == 0 || b[len(b)-1] != '\r' {
		return nil, false
	}

	return b[:len(b)-1], true
}

func isHex(b byte) bool {
	switch {
	case b >= '0' && b <= '9', b >= 'a' && b <= 'f', b >= 'A' && b <= 'F':
		return true
	default:
		return false
	}
}

func unhex(b byte) byte {
	switch {
	case b >= '0' && b <= '9':
		return b - '0'
	case b >= 'a' && b <= 'f':
		return b - 'a' + 10
	default:
		return b - 'A' + 10
	}
}
