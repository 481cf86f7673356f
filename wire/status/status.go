// Package status carries just enough of the HTTP status code space for
// framing decisions: whether a response has a body, whether it's an
// informational block, and whether it triggers protocol upgrade. It is not
// a general status-code registry — application-level status handling lives
// above this module's boundary.
package status

// Code is a three-digit HTTP status code.
type Code uint16

const (
	Continue           Code = 100
	SwitchingProtocols Code = 101

	OK        Code = 200
	NoContent Code = 204

	NotModified Code = 304
)

// Informational reports whether Code is a 1xx status that precedes a final
// response, per RFC 7230 §3.3.1. 101 is deliberately excluded: it doesn't
// precede anything, it terminates the exchange and hands off the connection.
func (c Code) Informational() bool {
	return c >= 100 && c < 200 && c != SwitchingProtocols
}

// SwitchingProtocolsResponse reports whether Code is the one status that
// triggers protocol upgrade handling.
func (c Code) SwitchingProtocolsResponse() bool {
	return c == SwitchingProtocols
}

// NeverHasBody reports whether framing rule 1 of the decoder's body-framing
// table applies purely based on the status code (the method-based half of
// that rule, HEAD responses, is evaluated by the caller since Code alone
// doesn't carry the request method).
func (c Code) NeverHasBody() bool {
	return c.Informational() || c == NoContent || c == NotModified
}
