package state

// MaxBufferSize caps each per-process output buffer at 1 MiB.
const MaxBufferSize = 1 << 20

// outputBuffer is a bounded append-only window over PTY output. On overflow
// the oldest bytes are dropped; frame boundaries are not preserved.
type outputBuffer struct {
	max  int
	data []byte
}

func newOutputBuffer(max int) *outputBuffer {
	return &outputBuffer{max: max}
}

func (b *outputBuffer) append(p []byte) {
	if len(p) >= b.max {
		b.data = append(b.data[:0], p[len(p)-b.max:]...)
		return
	}
	b.data = append(b.data, p...)
	if excess := len(b.data) - b.max; excess > 0 {
		b.data = b.data[:copy(b.data, b.data[excess:])]
	}
}

func (b *outputBuffer) snapshot() []byte {
	out := make([]byte, len(b.data))
	copy(out, b.data)
	return out
}

func (b *outputBuffer) clear() {
	b.data = b.data[:0]
}
