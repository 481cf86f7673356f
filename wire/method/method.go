// Package method holds the one framing-critical fact about HTTP methods
// this module cares about: whether a request method forces a bodyless
// response. Requests themselves carry their method as a plain string
// (request.Request.Method) since a client is free to issue any verb —
// unlike a server, it never has to reject an unrecognised one.
package method

import "github.com/indigo-web/utils/strcomp"

// IsHead reports whether method is HEAD, which per spec forces a bodyless
// response regardless of the response's own framing headers. The
// comparison ignores case, although RFC 7230 §3.1.1 makes the method
// token case-sensitive and real clients only ever emit "HEAD".
func IsHead(m string) bool {
	return strcomp.EqualFold(m, "HEAD")
}
