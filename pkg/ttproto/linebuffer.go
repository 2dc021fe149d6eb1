package ttproto

import "bytes"

// MaxLineLength bounds how much unterminated input a LineBuffer holds
const MaxLineLength = 64 * 1024

// LineBuffer splits a TCP byte stream into lines. An incomplete trailing line is kept
// and completed by the next Feed, so a line split across two reads is not lost.
type LineBuffer struct {
	pending    []byte
	overflowed int
}

// Feed appends a chunk and returns every line it completes, without terminators.
// Empty lines are skipped.
func (lb *LineBuffer) Feed(chunk []byte) []string {
	lb.pending = append(lb.pending, chunk...)

	var lines []string
	for {
		idx := bytes.IndexByte(lb.pending, '\n')
		if idx < 0 {
			break
		}
		line := bytes.TrimSuffix(lb.pending[:idx], []byte{'\r'})
		if len(line) > 0 {
			lines = append(lines, string(line))
		}
		lb.pending = lb.pending[idx+1:]
	}

	if len(lb.pending) > MaxLineLength {
		lb.pending = nil
		lb.overflowed++
	}
	if len(lb.pending) == 0 {
		// Release the backing array once fully consumed
		lb.pending = nil
	}

	return lines
}

// Pending returns the number of buffered bytes waiting for a line terminator
func (lb *LineBuffer) Pending() int {
	return len(lb.pending)
}

// Overflowed reports ErrLineTooLong if input was discarded since the last call
func (lb *LineBuffer) Overflowed() error {
	if lb.overflowed == 0 {
		return nil
	}
	lb.overflowed = 0
	return ErrLineTooLong
}

// Reset drops any buffered partial line
func (lb *LineBuffer) Reset() {
	lb.pending = nil
	lb.overflowed = 0
}
