package converter

import "github.com/andresmejia3/stylizer/internal/types"

// reorderBuffer holds finished results until every lower index has been resolved.
type reorderBuffer struct {
	pending map[int]types.Result
	next    int
	peak    int
}

func newReorderBuffer() *reorderBuffer {
	return &reorderBuffer{pending: make(map[int]types.Result)}
}

// insert stores r. It returns false for an index that has already been
// resolved or is already pending; such results are dropped.
func (b *reorderBuffer) insert(r types.Result) bool {
	if r.Index < b.next {
		return false
	}
	if _, dup := b.pending[r.Index]; dup {
		return false
	}
	b.pending[r.Index] = r
	if len(b.pending) > b.peak {
		b.peak = len(b.pending)
	}
	return true
}

// pop removes and returns the result for next, if it has arrived, and advances next.
func (b *reorderBuffer) pop() (types.Result, bool) {
	r, ok := b.pending[b.next]
	if !ok {
		return types.Result{}, false
	}
	delete(b.pending, b.next)
	b.next++
	return r, true
}

// skip gives up on next and advances past it. A result for it that arrives later is dropped by insert.
func (b *reorderBuffer) skip() int {
	idx := b.next
	delete(b.pending, idx)
	b.next++
	return idx
}

func (b *reorderBuffer) len() int { return len(b.pending) }
