// Package headers implements the ordered, case-insensitive, duplicate-
// preserving header list spec.md §3 requires: names are compared without
// regard to case but always emitted exactly as the caller wrote them.
package headers

import "github.com/indigo-web/utils/strcomp"

// Header is one name/value pair as it will appear on the wire.
type Header struct {
	Name  string
	Value string
}

// List is an ordered sequence of headers. Unlike a map, it preserves
// insertion order and duplicate names, both required for faithful request
// serialisation (spec.md §4.1: "Headers are emitted in the order the user
// added them").
type List struct {
	items []Header
}

// New returns an empty List, optionally pre-sized to avoid the first few
// growth reallocations when the caller knows roughly how many headers it
// will add.
func New(capacityHint int) *List {
	return &List{items: make([]Header, 0, capacityHint)}
}

// Add appends a header, preserving any existing header of the same name.
func (l *List) Add(name, value string) {
	l.items = append(l.items, Header{Name: name, Value: value})
}

// Len returns the number of headers in the list.
func (l *List) Len() int {
	return len(l.items)
}

// At returns the header at index i in insertion order.
func (l *List) At(i int) Header {
	return l.items[i]
}

// Get returns the value of the first header matching name, case-
// insensitively. ok is false if no such header exists.
func (l *List) Get(name string) (value string, ok bool) {
	for _, h := range l.items {
		if strcomp.EqualFold(h.Name, name) {
			return h.Value, true
		}
	}

	return "", false
}

// Values returns the values of every header matching name, in the order
// they were added. Used for framing-critical headers that legally repeat
// or carry comma-separated token lists across multiple lines.
func (l *List) Values(name string) []string {
	var out []string
	for _, h := range l.items {
		if strcomp.EqualFold(h.Name, name) {
			out = append(out, h.Value)
		}
	}

	return out
}

// Has reports whether any header matches name case-insensitively.
func (l *List) Has(name string) bool {
	_, ok := l.Get(name)
	return ok
}

// Reset empties the list while keeping its backing array, so a List can be
// reused across many chunked-trailer or per-response parses without
// reallocating.
func (l *List) Reset() {
	l.items = l.items[:0]
}

// Each calls fn once per header in insertion order.
func (l *List) Each(fn func(Header)) {
	for _, h := range l.items {
		fn(h)
	}
}
