package shell

import "bytes"

// cappedBuffer is an io.Writer that stores at most cap bytes and silently
// discards the rest, so a chatty subprocess cannot balloon memory.
type cappedBuffer struct {
	buf bytes.Buffer
	cap int
}

func newCappedBuffer(capBytes int) *cappedBuffer {
	return &cappedBuffer{cap: capBytes}
}

// Write always reports the full length as written; truncation is not an
// error from the subprocess's point of view.
func (b *cappedBuffer) Write(p []byte) (int, error) {
	remaining := b.cap - b.buf.Len()
	if remaining > 0 {
		if len(p) > remaining {
			b.buf.Write(p[:remaining])
		} else {
			b.buf.Write(p)
		}
	}
	return len(p), nil
}

func (b *cappedBuffer) String() string {
	return b.buf.String()
}
