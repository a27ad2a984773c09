package stream

import "strings"

// maxHold caps how much text the joiner withholds while waiting for a
// construct to close. Past this point the pending text is emitted as-is;
// concatenation identity always holds because only prefixes are emitted.
const maxHold = 512

// MarkdownJoiner buffers adjacent text deltas across partial markdown
// syntax so downstream consumers never receive a delta that ends inside a
// control token (`**`, `[`, `](`, backtick, `[^`, `]:`) or inside an
// unclosed emphasis/code/link span. For any finite split of the original
// text, the concatenation of the joiner's output equals the original.
type MarkdownJoiner struct {
	buf []rune
}

// NewMarkdownJoiner creates an empty joiner.
func NewMarkdownJoiner() *MarkdownJoiner {
	return &MarkdownJoiner{}
}

// Feed appends delta and returns the prefix that is safe to emit now.
// The returned string may be empty.
func (j *MarkdownJoiner) Feed(delta string) string {
	j.buf = append(j.buf, []rune(delta)...)

	safe := safeLen(j.buf)
	if len(j.buf)-safe > maxHold {
		safe = len(j.buf)
	}
	if safe == 0 {
		return ""
	}
	out := string(j.buf[:safe])
	j.buf = j.buf[safe:]
	return out
}

// Flush returns whatever is still buffered. Called once at end of stream.
func (j *MarkdownJoiner) Flush() string {
	out := string(j.buf)
	j.buf = nil
	return out
}

// safeLen returns the length of the longest prefix of buf that neither
// ends inside a control token nor truncates an open span.
func safeLen(buf []rune) int {
	n := len(buf)
	if n == 0 {
		return 0
	}

	// Earliest index at which an open construct begins; everything before
	// it is safe.
	open := n

	// Unclosed bold: odd number of "**" markers — hold from the last one.
	if idx := lastUnmatchedMarker(buf, '*'); idx >= 0 && idx < open {
		open = idx
	}
	// Unclosed inline code: odd number of backticks.
	if idx := lastUnmatchedSingle(buf, '`'); idx >= 0 && idx < open {
		open = idx
	}
	// Unclosed link or footnote: "[" without a completed "](…)" or "]:".
	if idx := lastOpenBracket(buf); idx >= 0 && idx < open {
		open = idx
	}

	// Trailing characters that could begin a control token in the next
	// delta: '*' (of "**"), '[' (of "[^"), ']' (of "](" / "]:").
	for open > 0 {
		switch buf[open-1] {
		case '*', '[', ']':
			open--
		default:
			return open
		}
	}
	return open
}

// lastUnmatchedMarker finds the start of the last unmatched "cc" double
// marker, or -1 when all are paired.
func lastUnmatchedMarker(buf []rune, c rune) int {
	last := -1
	count := 0
	for i := 0; i+1 < len(buf); i++ {
		if buf[i] == c && buf[i+1] == c {
			count++
			if count%2 == 1 {
				last = i
			} else {
				last = -1
			}
			i++ // skip the second marker rune
		}
	}
	if count%2 == 1 {
		return last
	}
	return -1
}

// lastUnmatchedSingle finds the last unmatched single-rune delimiter.
func lastUnmatchedSingle(buf []rune, c rune) int {
	last := -1
	count := 0
	for i, r := range buf {
		if r == c {
			count++
			last = i
		}
	}
	if count%2 == 1 {
		return last
	}
	return -1
}

// lastOpenBracket finds the last '[' that has not yet completed as either
// an inline link "[text](url)" or a footnote definition "[^n]:".
func lastOpenBracket(buf []rune) int {
	s := string(buf)
	idx := strings.LastIndex(s, "[")
	if idx < 0 {
		return -1
	}
	rest := s[idx:]

	closing := strings.Index(rest, "]")
	if closing < 0 {
		return runeIndex(buf, idx)
	}
	after := rest[closing+1:]
	switch {
	case strings.HasPrefix(after, "("):
		if strings.Contains(after, ")") {
			return -1
		}
		return runeIndex(buf, idx)
	case strings.HasPrefix(after, ":"):
		return -1
	case after == "":
		// "]" is the last byte — the next delta decides whether this is a
		// link or a footnote definition.
		return runeIndex(buf, idx)
	default:
		// Plain bracketed text, not a link.
		return -1
	}
}

// runeIndex converts a byte offset in string(buf) to a rune offset.
func runeIndex(buf []rune, byteOffset int) int {
	count := 0
	bytes := 0
	for _, r := range buf {
		if bytes >= byteOffset {
			break
		}
		bytes += len(string(r))
		count++
	}
	return count
}
