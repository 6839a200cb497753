package agent

// defaultTailSize bounds how much runner stderr is kept for tracebacks.
const defaultTailSize = 64 * 1024

// tailBuffer is an io.Writer that keeps only the last size bytes written.
// Runner stderr can be arbitrarily long; the traceback is at the end.
type tailBuffer struct {
	buf  []byte
	size int
	head int // next write position
	full bool
}

func newTailBuffer(size int) *tailBuffer {
	if size <= 0 {
		size = defaultTailSize
	}
	return &tailBuffer{buf: make([]byte, size), size: size}
}

// Write never fails; older bytes are overwritten once the buffer wraps.
func (t *tailBuffer) Write(p []byte) (int, error) {
	n := len(p)
	if n >= t.size {
		copy(t.buf, p[n-t.size:])
		t.head = 0
		t.full = true
		return n, nil
	}
	c := copy(t.buf[t.head:], p)
	if c < n {
		copy(t.buf, p[c:])
		t.full = true
	}
	if t.head+n >= t.size {
		t.full = true
	}
	t.head = (t.head + n) % t.size
	return n, nil
}

// Truncated reports whether earlier output was dropped.
func (t *tailBuffer) Truncated() bool {
	return t.full
}

func (t *tailBuffer) String() string {
	if !t.full {
		return string(t.buf[:t.head])
	}
	return string(t.buf[t.head:]) + string(t.buf[:t.head])
}
