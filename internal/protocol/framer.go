// Package protocol implements the control and media wire formats. Nothing in
// here touches a socket.
package protocol

import "bytes"

// Terminator ends every control frame
const Terminator = '\n'

// DefaultMaxFrameSize bounds a single control frame. Object detail responses
// carry a base64 image, so this is generous.
const DefaultMaxFrameSize = 4 << 20

// Framer reassembles newline-terminated frames from a byte stream. Reads may
// deliver any number of frames, including partial ones.
type Framer struct {
	buf        []byte
	max        int
	discarding bool
	oversized  uint64
}

// NewFramer returns a Framer that drops frames longer than maxFrame bytes
func NewFramer(maxFrame int) *Framer {
	if maxFrame <= 0 {
		maxFrame = DefaultMaxFrameSize
	}
	return &Framer{max: maxFrame}
}

// Push appends p and returns every frame completed by it, without the
// terminator (and without a trailing \r). Empty frames are skipped.
func (f *Framer) Push(p []byte) []string {
	var frames []string
	for len(p) > 0 {
		i := bytes.IndexByte(p, Terminator)
		if i < 0 {
			f.buffer(p)
			break
		}

		chunk := p[:i]
		p = p[i+1:]

		if f.discarding {
			// tail of an oversized frame
			f.discarding = false
			continue
		}
		if len(f.buf)+len(chunk) > f.max {
			f.buf = f.buf[:0]
			f.oversized++
			continue
		}

		var frame []byte
		if len(f.buf) > 0 {
			frame = append(f.buf, chunk...)
		} else {
			frame = chunk
		}
		frame = bytes.TrimSuffix(frame, []byte{'\r'})
		if len(frame) > 0 {
			frames = append(frames, string(frame))
		}
		f.buf = f.buf[:0]
	}
	return frames
}

func (f *Framer) buffer(p []byte) {
	if f.discarding {
		return
	}
	if len(f.buf)+len(p) > f.max {
		f.buf = f.buf[:0]
		f.discarding = true
		f.oversized++
		return
	}
	f.buf = append(f.buf, p...)
}

// Buffered returns the number of bytes held for an incomplete frame
func (f *Framer) Buffered() int {
	return len(f.buf)
}

// Oversized returns how many frames were dropped for exceeding the limit
func (f *Framer) Oversized() uint64 {
	return f.oversized
}

// Reset drops any partial frame
func (f *Framer) Reset() {
	f.buf = f.buf[:0]
	f.discarding = false
}

// AppendFrame appends msg and the terminator to dst
func AppendFrame(dst []byte, msg string) []byte {
	dst = append(dst, msg...)
	return append(dst, Terminator)
}
