// Package framer splits a streamed text response into units that are safe
// to forward to clients without a partial HTML tag or word crossing a
// network frame.
//
// Clients render tags and words as atomic UI pieces; half a tag or half a
// word shows up as visible corruption. The framer therefore only releases
// complete <...> tags and whitespace-terminated words, and buffers the
// trailing remainder until the next fragment (or a final Flush) makes the
// boundary unambiguous.
package framer

import "strings"

// Framer buffers the not-yet-safe tail of one in-progress response.
// The zero value is ready to use. A Framer must not be shared across
// concurrent responses.
type Framer struct {
	rest string
}

// Push appends a newly arrived fragment and returns the prefix that is now
// safe to transmit. The returned string may be empty if no unit boundary
// has been reached yet.
func (f *Framer) Push(fragment string) string {
	safe, rest := split(f.rest + fragment)
	f.rest = rest
	return safe
}

// Flush returns the buffered remainder verbatim and resets the framer.
// Call it exactly once, at true end-of-stream: whatever is still buffered
// is by definition the final unit, boundary or not.
func (f *Framer) Flush() string {
	rest := f.rest
	f.rest = ""
	return rest
}

// Pending reports how many bytes are currently withheld.
func (f *Framer) Pending() int {
	return len(f.rest)
}

// split scans buf left to right and returns the longest prefix made of
// complete units, plus the remainder to keep buffering.
//
// Invariants: safe+rest == buf, and safe never contains an unterminated '<'.
func split(buf string) (safe, rest string) {
	pos := 0
	for pos < len(buf) {
		switch c := buf[pos]; {
		case c == '<':
			// A tag is atomic: without its closing '>' in the buffer,
			// everything from '<' onward is withheld.
			end := strings.IndexByte(buf[pos:], '>')
			if end < 0 {
				return buf[:pos], buf[pos:]
			}
			pos += end + 1

		case isSpace(c):
			pos++

		default:
			// A word only becomes safe once its boundary (whitespace,
			// tag start, or a later fragment) is known.
			j := pos
			for j < len(buf) && !isSpace(buf[j]) && buf[j] != '<' {
				j++
			}
			if j == len(buf) {
				return buf[:pos], buf[pos:]
			}
			pos = j
		}
	}
	return buf, ""
}

func isSpace(c byte) bool {
	return c == ' ' || c == '\t' || c == '\n' || c == '\r'
}
