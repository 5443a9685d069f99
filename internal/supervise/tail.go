package supervise

import "sync"

// TailBuffer is an io.Writer that keeps only the last Max bytes written.
type TailBuffer struct {
	Max int

	mu        sync.Mutex
	buf       []byte
	truncated bool
}

func NewTailBuffer(max int) *TailBuffer {
	return &TailBuffer{Max: max}
}

func (t *TailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.buf = append(t.buf, p...)
	if t.Max > 0 && len(t.buf) > t.Max {
		t.buf = append(t.buf[:0], t.buf[len(t.buf)-t.Max:]...)
		t.truncated = true
	}
	return len(p), nil
}

// String returns the retained output, prefixed with a marker when earlier
// output was dropped.
func (t *TailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.truncated {
		return "...\n" + string(t.buf)
	}
	return string(t.buf)
}
