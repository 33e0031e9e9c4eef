// Package xfer holds the TX/RX entry arenas and packet buffer pools the
// protocol drivers and progress loop operate on. Entries are referenced
// by index into a slab, never by pointer embedded in an intrusive list —
// the arena-indices-instead-of-dlist_entry discipline applies uniformly
// here instead of pointer-chasing linked lists.
package xfer

// Arena is a freelist-backed slab of T, addressed by a stable uint32
// index that survives slot reuse (the slot's generation is not tracked;
// callers are expected to stop referencing an index once they release
// it, the same discipline an arena-index replacement for an intrusive
// list requires).
type Arena[T any] struct {
	slots []T
	live  []bool
	free  []uint32
}

// NewArena constructs an empty arena.
func NewArena[T any]() *Arena[T] {
	return &Arena[T]{}
}

// Alloc returns the index of a fresh or recycled slot holding zero.
func (a *Arena[T]) Alloc() uint32 {
	if n := len(a.free); n > 0 {
		idx := a.free[n-1]
		a.free = a.free[:n-1]
		a.live[idx] = true
		var zero T
		a.slots[idx] = zero
		return idx
	}
	idx := uint32(len(a.slots))
	var zero T
	a.slots = append(a.slots, zero)
	a.live = append(a.live, true)
	return idx
}

// Get returns a pointer to the slot at idx. It panics on a stale or
// out-of-range index — arena misuse is a programming error, not a
// recoverable runtime condition.
func (a *Arena[T]) Get(idx uint32) *T {
	if int(idx) >= len(a.slots) || !a.live[idx] {
		panic("xfer: use of freed or invalid arena index")
	}
	return &a.slots[idx]
}

// Valid reports whether idx currently addresses a live slot.
func (a *Arena[T]) Valid(idx uint32) bool {
	return int(idx) < len(a.slots) && a.live[idx]
}

// Free returns idx's slot to the freelist.
func (a *Arena[T]) Free(idx uint32) {
	if int(idx) >= len(a.slots) || !a.live[idx] {
		panic("xfer: double free of arena index")
	}
	a.live[idx] = false
	a.free = append(a.free, idx)
}

// Len returns the number of currently live slots.
func (a *Arena[T]) Len() int {
	n := 0
	for _, v := range a.live {
		if v {
			n++
		}
	}
	return n
}

// Each calls fn for every live slot, in index order, stopping early if fn
// returns false. The progress loop uses this to sweep all TX/RX entries
// for queued work each invocation rather than maintaining a second index
// structure alongside the arena.
func (a *Arena[T]) Each(fn func(idx uint32, v *T) bool) {
	for idx := range a.slots {
		if !a.live[idx] {
			continue
		}
		if !fn(uint32(idx), &a.slots[idx]) {
			return
		}
	}
}
