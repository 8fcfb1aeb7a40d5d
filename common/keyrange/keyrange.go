// Package keyrange provides the byte-string range arithmetic shared by the
// meta table, the tablet lifecycle and the client meta-cache: containment
// and overlap checks over [start, end) ranges, and the split-key midpoint
// computation used when a tablet outgrows its configured size.
package keyrange

import (
	"bytes"
	"fmt"
)

// Range represents a half-open key range [Start, End). An empty Start means
// the beginning of the key space; an empty End means the end of it.
type Range struct {
	Start, End []byte
}

// New builds a Range spanning [start, end). Returns nil if start > end with
// a non-empty end, since that range is not representable.
func New(start, end []byte) *Range {
	if len(end) > 0 && bytes.Compare(start, end) > 0 {
		return nil
	}
	return &Range{Start: start, End: end}
}

// Contains reports whether key falls in [r.Start, r.End).
func (r *Range) Contains(key []byte) bool {
	return bytes.Compare(key, r.Start) >= 0 &&
		(len(r.End) == 0 || bytes.Compare(key, r.End) < 0)
}

// Overlaps reports whether r and other share any key.
func (r *Range) Overlaps(other *Range) bool {
	return (len(r.End) == 0 || bytes.Compare(other.Start, r.End) < 0) &&
		(len(other.End) == 0 || bytes.Compare(other.End, r.Start) > 0)
}

// Covers reports whether other is entirely contained within r.
func (r *Range) Covers(other *Range) bool {
	if bytes.Compare(r.Start, other.Start) > 0 {
		return false
	}
	if len(r.End) == 0 {
		return true
	}
	return len(other.End) > 0 && bytes.Compare(other.End, r.End) <= 0
}

// Equal reports whether r and other denote the same range.
func (r *Range) Equal(other *Range) bool {
	return bytes.Equal(r.Start, other.Start) && bytes.Equal(r.End, other.End)
}

func (r *Range) String() string {
	return fmt.Sprintf("[%x, %x)", r.Start, r.End)
}

// FindAverageKey returns a key m strictly between start and end
// (start < m < end, byte-lexicographically), or ok=false if no such key
// exists. An empty start means the beginning of the key space; an empty end
// means the end of it. Both keys are read as base-256 fractional numbers:
// when both are non-empty the shorter one is padded with 0x00 to the longer
// one's length; an empty end is replaced by len(start)+1 bytes of 0xFF.
//
// Returns false when start == end, when start > end with a non-empty end,
// or when end equals start with one or more trailing 0x00 bytes appended
// (the narrowest possible non-empty range, which contains no key strictly
// inside it).
func FindAverageKey(start, end []byte) (string, bool) {
	if bytes.Equal(start, end) {
		return "", false
	}
	if len(end) > 0 {
		if bytes.Compare(start, end) > 0 {
			return "", false
		}
		if isZeroExtension(start, end) {
			return "", false
		}
	}

	switch {
	case len(start) == 0 && len(end) == 0:
		return "\x7f", true
	case len(start) == 0:
		return string(midpointFromEmptyStart(end)), true
	case len(end) == 0:
		s := padRight(start, len(start)+1, 0x00)
		e := make([]byte, len(start)+1)
		for i := range e {
			e[i] = 0xff
		}
		return string(midpointBytes(s, e)), true
	default:
		n := len(start)
		if len(end) > n {
			n = len(end)
		}
		s := padRight(start, n, 0x00)
		e := padRight(end, n, 0x00)
		return string(midpointBytes(s, e)), true
	}
}

// isZeroExtension reports whether end equals start followed by one or more
// 0x00 bytes, the case in which no key can sit strictly between them.
func isZeroExtension(start, end []byte) bool {
	if len(end) <= len(start) || !bytes.Equal(end[:len(start)], start) {
		return false
	}
	for _, b := range end[len(start):] {
		if b != 0x00 {
			return false
		}
	}
	return true
}

func padRight(b []byte, n int, pad byte) []byte {
	if len(b) >= n {
		return b
	}
	out := make([]byte, n)
	copy(out, b)
	for i := len(b); i < n; i++ {
		out[i] = pad
	}
	return out
}

// midpointBytes computes floor((s+e)/2) for two equal-length byte strings,
// treated as base-256 numbers: it adds them least-significant byte first,
// keeping the final carry as an extra leading digit, then halves the sum
// most-significant digit first, carrying the division remainder forward a
// digit at a time. When a remainder survives past the last digit, one more
// byte (the midpoint of the open interval (0, 256)) is appended so the
// result is never a prefix tie with either operand.
func midpointBytes(s, e []byte) []byte {
	sum := make([]int, len(s)+1) // sum[0] is the carry out of the top byte
	carry := 0
	for i := len(s) - 1; i >= 0; i-- {
		v := int(s[i]) + int(e[i]) + carry
		sum[i+1] = v % 256
		carry = v / 256
	}
	sum[0] = carry
	out := make([]byte, 0, len(s)+1)
	rem := sum[0]
	for _, d := range sum[1:] {
		v := rem*256 + d
		out = append(out, byte(v/2))
		rem = v % 2
	}
	if rem == 1 {
		out = append(out, 0x80)
	}
	return out
}

// midpointFromEmptyStart handles start="": only end's leading byte carries
// any information, since everything strictly below it is already strictly
// above the empty string. Halving that byte and, when the halving was
// exact, appending a trailing 0x00 reproduces the narrowest key this
// system's split logic has historically returned for an open-ended start.
func midpointFromEmptyStart(end []byte) []byte {
	half := end[0] / 2
	if end[0]%2 == 0 {
		return []byte{half, 0x00}
	}
	return []byte{half}
}
