package supervisor

import (
	"strings"
	"sync"
)

// tailBuffer keeps the last maxBytes of written lines. The supervisor
// uses it to retain a diagnostic stderr tail without holding the whole
// stream in memory.
type tailBuffer struct {
	mu       sync.Mutex
	lines    []string
	size     int
	maxBytes int
}

func newTailBuffer(maxBytes int) *tailBuffer {
	if maxBytes <= 0 {
		maxBytes = 8 * 1024
	}
	return &tailBuffer{maxBytes: maxBytes}
}

// WriteLine appends a line, evicting the oldest lines once the buffer
// exceeds its byte budget.
func (b *tailBuffer) WriteLine(line string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.lines = append(b.lines, line)
	b.size += len(line) + 1

	for b.size > b.maxBytes && len(b.lines) > 1 {
		b.size -= len(b.lines[0]) + 1
		b.lines = b.lines[1:]
	}
}

// String returns the buffered tail joined with newlines.
func (b *tailBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return strings.Join(b.lines, "\n")
}

// Len returns the number of buffered lines.
func (b *tailBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.lines)
}
