package network

// shrinkThreshold is the capacity above which a buffer is reallocated when
// resized to something much smaller.
const shrinkThreshold = 64 * 1024

// MessageBuffer accumulates bytes until a unit of known size is complete.
// It is filled across any number of Write calls.
type MessageBuffer struct {
	data []byte
	wpos int
}

// NewMessageBuffer creates a buffer expecting size bytes.
func NewMessageBuffer(size int) *MessageBuffer {
	return &MessageBuffer{data: make([]byte, size)}
}

// Write copies as much of p as still fits and returns the count consumed.
func (b *MessageBuffer) Write(p []byte) int {
	n := copy(b.data[b.wpos:], p)
	b.wpos += n
	return n
}

// Remaining returns how many bytes are still missing.
func (b *MessageBuffer) Remaining() int {
	return len(b.data) - b.wpos
}

// Reset discards the written bytes, keeping the expected size.
func (b *MessageBuffer) Reset() {
	b.wpos = 0
}

// Resize changes the expected size. Bytes already written are kept up to
// the new size.
func (b *MessageBuffer) Resize(size int) {
	if size <= cap(b.data) && !(cap(b.data) > shrinkThreshold && cap(b.data) > 4*size) {
		b.data = b.data[:size]
	} else {
		grown := make([]byte, size)
		copy(grown, b.data[:b.wpos])
		b.data = grown
	}
	if b.wpos > size {
		b.wpos = size
	}
}

// Bytes returns the written portion. The slice is reused after Reset.
func (b *MessageBuffer) Bytes() []byte {
	return b.data[:b.wpos]
}

// Size returns the expected size.
func (b *MessageBuffer) Size() int {
	return len(b.data)
}

// Release drops the backing array.
func (b *MessageBuffer) Release() {
	b.data = nil
	b.wpos = 0
}
