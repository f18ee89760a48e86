package overlay

import (
	"sort"
)

// Range is a half-open byte interval [Start, End).
type Range struct {
	Start int `cbor:"1,keyasint" json:"start"`
	End   int `cbor:"2,keyasint" json:"end"`
}

func (r Range) Len() int {
	return r.End - r.Start
}

// mergeRanges sorts rs and coalesces overlapping or touching ranges. Empty
// ranges are dropped.
func mergeRanges(rs []Range) []Range {
	out := make([]Range, 0, len(rs))
	for _, r := range rs {
		if r.End > r.Start {
			out = append(out, r)
		}
	}
	if len(out) < 2 {
		return out
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Start == out[j].Start {
			return out[i].End < out[j].End
		}
		return out[i].Start < out[j].Start
	})
	merged := out[:1]
	for _, r := range out[1:] {
		last := &merged[len(merged)-1]
		if r.Start <= last.End {
			if r.End > last.End {
				last.End = r.End
			}
			continue
		}
		merged = append(merged, r)
	}
	return merged
}

func coveredBytes(rs []Range) int {
	n := 0
	for _, r := range rs {
		n += r.Len()
	}
	return n
}

// validRanges reports whether rs is sorted, disjoint and inside [0, size).
func validRanges(rs []Range, size int) bool {
	prev := 0
	for _, r := range rs {
		if r.Start < prev || r.End <= r.Start || r.End > size {
			return false
		}
		prev = r.End
	}
	return true
}

func asciiLower(b []byte) []byte {
	out := make([]byte, len(b))
	for i, c := range b {
		if 'A' <= c && c <= 'Z' {
			c += 'a' - 'A'
		}
		out[i] = c
	}
	return out
}

func isDelimiter(c byte) bool {
	switch c {
	case '&', ' ', '\t', '\r', '\n', ',', ';', '"', '\'', '}', ']', ')':
		return true
	default:
		return false
	}
}

func isSeparator(c byte) bool {
	switch c {
	case '=', ':', ' ', '"', '\'':
		return true
	default:
		return false
	}
}

// tokenEnd extends a pattern match starting at i over the rest of its key,
// any key/value separator and the value that follows.
func tokenEnd(data []byte, i int) int {
	for i < len(data) && !isDelimiter(data[i]) && data[i] != '=' && data[i] != ':' {
		i++
	}
	j, assigned := i, false
	for j < len(data) && isSeparator(data[j]) {
		if data[j] == '=' || data[j] == ':' {
			assigned = true
		}
		j++
	}
	if !assigned {
		return i
	}
	for j < len(data) && !isDelimiter(data[j]) {
		j++
	}
	return j
}
