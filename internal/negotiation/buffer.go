package negotiation

import "fmt"

// DefaultCandidateLimit caps how many candidates a session buffers before its
// remote description is applied.
const DefaultCandidateLimit = 256

// CandidateBuffer holds remote candidates, in arrival order, that cannot be
// applied yet. It is owned by one Session and guarded by that session's lock.
type CandidateBuffer struct {
	limit int
	items []string
}

// NewCandidateBuffer creates a buffer holding at most limit candidates.
func NewCandidateBuffer(limit int) *CandidateBuffer {
	if limit <= 0 {
		limit = DefaultCandidateLimit
	}
	return &CandidateBuffer{limit: limit}
}

// Push appends c, or fails with ErrCandidateBufferOverflow when full.
func (b *CandidateBuffer) Push(c string) error {
	if len(b.items) >= b.limit {
		return fmt.Errorf("%w: limit %d", ErrCandidateBufferOverflow, b.limit)
	}
	b.items = append(b.items, c)
	return nil
}

// Drain removes and returns every buffered candidate in arrival order.
func (b *CandidateBuffer) Drain() []string {
	items := b.items
	b.items = nil
	return items
}

// Len returns the number of buffered candidates.
func (b *CandidateBuffer) Len() int {
	return len(b.items)
}

// Reset discards every buffered candidate.
func (b *CandidateBuffer) Reset() {
	b.items = nil
}
