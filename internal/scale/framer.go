package scale

import "strings"

// maxPending caps the buffered remainder so a device that never sends a
// delimiter cannot grow memory without bound. Oldest bytes are shed first.
const maxPending = 64 * 1024

// Framer reassembles line-delimited frames from arbitrary serial chunks.
// Chunks may split a frame at any byte boundary; the trailing segment is
// buffered until a later delimiter terminates it.
type Framer struct {
	pending []byte
}

// NewFramer returns an empty framer.
func NewFramer() *Framer {
	return &Framer{}
}

// Push appends a chunk and returns every complete frame it closed, in order.
// A frame is the text between runs of CR/LF bytes. Blank frames are
// suppressed. Control bytes inside a frame are normalized to spaces so the
// parser never sees them.
func (f *Framer) Push(chunk []byte) []string {
	f.pending = append(f.pending, chunk...)
	if len(f.pending) > maxPending {
		f.pending = f.pending[len(f.pending)-maxPending:]
	}

	var frames []string
	for {
		frame, rest, ok := popFrame(f.pending)
		if !ok {
			break
		}
		f.pending = rest
		line := normalizeFrame(frame)
		if strings.TrimSpace(line) == "" {
			continue
		}
		frames = append(frames, line)
	}
	return frames
}

// Pending reports how many bytes are buffered awaiting a delimiter.
func (f *Framer) Pending() int {
	return len(f.pending)
}

// Reset discards any buffered remainder. Called on stream termination so a
// half-written line never becomes a frame.
func (f *Framer) Reset() {
	f.pending = nil
}

// popFrame splits buf at the first CR/LF and consumes the whole delimiter
// run, so "\r\n" and bare "\n" cost the same.
func popFrame(buf []byte) (frame, rest []byte, ok bool) {
	idx := -1
	for i, b := range buf {
		if b == '\r' || b == '\n' {
			idx = i
			break
		}
	}
	if idx < 0 {
		return nil, buf, false
	}

	frame = buf[:idx]
	j := idx
	for j < len(buf) && (buf[j] == '\r' || buf[j] == '\n') {
		j++
	}
	return frame, buf[j:], true
}

// normalizeFrame maps control bytes (0x00-0x1F, 0x7F) to spaces.
func normalizeFrame(b []byte) string {
	out := make([]byte, len(b))
	for i, c := range b {
		if c < 0x20 || c == 0x7F {
			c = ' '
		}
		out[i] = c
	}
	return string(out)
}
