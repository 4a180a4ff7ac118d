// Package bytebuf implements a FIFO byte queue backed by a deque of
// chunks, so appending never copies and popping only copies the
// (at most one) chunk that needs to be split.
package bytebuf

import "sync"

// Buffer is a thread-safe FIFO byte queue. Each exported method is
// individually atomic; callers that need a sequence of operations to
// appear atomic must sequence them themselves (see spec.md §3).
type Buffer struct {
	mu     sync.Mutex
	chunks [][]byte
	start  int // offset into chunks[0]
	length int // total remaining bytes
}

// New returns an empty Buffer.
func New() *Buffer {
	return &Buffer{}
}

// Len returns the number of bytes currently queued.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.length
}

// Append adds chunk to the tail of the queue. chunk is retained, not
// copied; callers must not mutate it afterward.
func (b *Buffer) Append(chunk []byte) {
	if len(chunk) == 0 {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.chunks = append(b.chunks, chunk)
	b.length += len(chunk)
}

// Pop removes and returns up to n bytes from the head of the queue as
// a single joined slice. If fewer than n bytes are available, it
// returns whatever is available without error.
func (b *Buffer) Pop(n int) []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.popLocked(n, true)
}

// PopList is like Pop but avoids joining chunks into a single slice,
// returning the sequence of chunks (and partial head/tail slices) that
// make up the popped bytes.
func (b *Buffer) PopList(n int) [][]byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.popListLocked(n, true)
}

// Peek is like Pop but does not advance the queue.
func (b *Buffer) Peek(n int) []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.popLocked(n, false)
}

// PeekList is like PopList but does not advance the queue.
func (b *Buffer) PeekList(n int) [][]byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.popListLocked(n, false)
}

// Remove discards up to n bytes from the head without copying.
func (b *Buffer) Remove(n int) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	removed := 0
	for n > 0 && len(b.chunks) > 0 {
		head := b.chunks[0][b.start:]
		if len(head) <= n {
			n -= len(head)
			removed += len(head)
			b.chunks = b.chunks[1:]
			b.start = 0
		} else {
			b.start += n
			removed += n
			n = 0
		}
	}
	b.length -= removed
	return removed
}

// Clear discards all queued bytes.
func (b *Buffer) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.chunks = nil
	b.start = 0
	b.length = 0
}

func (b *Buffer) popListLocked(n int, advance bool) [][]byte {
	if n < 0 || n > b.length {
		n = b.length
	}
	var out [][]byte
	remaining := n
	idx := 0
	start := b.start
	for remaining > 0 {
		chunk := b.chunks[idx][start:]
		if len(chunk) <= remaining {
			out = append(out, chunk)
			remaining -= len(chunk)
			idx++
			start = 0
		} else {
			out = append(out, chunk[:remaining])
			start += remaining
			remaining = 0
		}
	}
	if advance {
		b.chunks = b.chunks[idx:]
		b.start = start
		b.length -= n
	}
	return out
}

func (b *Buffer) popLocked(n int, advance bool) []byte {
	parts := b.popListLocked(n, advance)
	if len(parts) == 0 {
		return []byte{}
	}
	if len(parts) == 1 {
		out := make([]byte, len(parts[0]))
		copy(out, parts[0])
		return out
	}
	total := 0
	for _, p := range parts {
		total += len(p)
	}
	out := make([]byte, 0, total)
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}
