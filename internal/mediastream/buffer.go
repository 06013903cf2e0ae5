package mediastream

// AudioChunk is one decoded inbound media frame
type AudioChunk struct {
	Payload        []byte
	Timestamp      int64
	SequenceNumber int
	Track          string
}

// chunkBuffer is a bounded FIFO of recent audio chunks. When full, the
// oldest chunk is evicted to make room. Not safe for concurrent use; it
// is owned exclusively by one Handler.
type chunkBuffer struct {
	chunks   []AudioChunk
	capacity int
}

func newChunkBuffer(capacity int) *chunkBuffer {
	if capacity <= 0 {
		capacity = DefaultBufferCapacity
	}
	return &chunkBuffer{
		chunks:   make([]AudioChunk, 0, capacity),
		capacity: capacity,
	}
}

// Append adds a chunk, evicting the oldest entry when at capacity
func (b *chunkBuffer) Append(chunk AudioChunk) {
	if len(b.chunks) >= b.capacity {
		copy(b.chunks, b.chunks[1:])
		b.chunks = b.chunks[:len(b.chunks)-1]
	}
	b.chunks = append(b.chunks, chunk)
}

// Len returns the number of buffered chunks
func (b *chunkBuffer) Len() int {
	return len(b.chunks)
}

// Snapshot returns a copy of the buffered chunks, oldest first
func (b *chunkBuffer) Snapshot() []AudioChunk {
	out := make([]AudioChunk, len(b.chunks))
	copy(out, b.chunks)
	return out
}

// Clear discards all buffered chunks
func (b *chunkBuffer) Clear() {
	b.chunks = b.chunks[:0]
}
