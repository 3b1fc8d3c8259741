package scheduler

import "time"

// Chunk is one slice of recorded audio as it arrived from the capture side.
type Chunk struct {
	Index      int
	Data       []byte
	Header     bool
	ReceivedAt time.Time
}

// Buffer is the append-only chunk log of a recording session. Header chunks
// carry container framing and are always at the front of the log.
type Buffer struct {
	chunks []Chunk
	size   int
	clock  func() time.Time
}

func NewBuffer() *Buffer {
	return &Buffer{clock: time.Now}
}

// Append copies data into the log and returns the stored chunk.
func (b *Buffer) Append(data []byte, header bool) Chunk {
	chunk := Chunk{
		Index:      len(b.chunks),
		Data:       append([]byte(nil), data...),
		Header:     header,
		ReceivedAt: b.clock(),
	}
	b.chunks = append(b.chunks, chunk)
	b.size += len(chunk.Data)
	return chunk
}

func (b *Buffer) Len() int {
	return len(b.chunks)
}

// Size returns the number of buffered bytes.
func (b *Buffer) Size() int {
	return b.size
}

// HeaderCount returns the number of leading header chunks.
func (b *Buffer) HeaderCount() int {
	n := 0
	for n < len(b.chunks) && b.chunks[n].Header {
		n++
	}
	return n
}

// Assemble concatenates the header chunks followed by chunks [from, to).
// Header chunks inside [from, to) are not repeated.
func (b *Buffer) Assemble(from, to int) []byte {
	if to > len(b.chunks) {
		to = len(b.chunks)
	}
	if from < 0 {
		from = 0
	}
	size := 0
	for _, c := range b.chunks[:to] {
		if c.Header || c.Index >= from {
			size += len(c.Data)
		}
	}
	blob := make([]byte, 0, size)
	for _, c := range b.chunks[:to] {
		if c.Header || c.Index >= from {
			blob = append(blob, c.Data...)
		}
	}
	return blob
}

// Reset discards every chunk.
func (b *Buffer) Reset() {
	b.chunks = nil
	b.size = 0
}
