package peer

// reorderBuffer enforces in-order message delivery per peer/direction
// across a 32-bit msg_id space that legally wraps around. It tracks the
// next expected id and a bitmap of ids received out of order within the
// current window.
type reorderBuffer struct {
	window   int
	expected uint32
	expSet   bool
	pending  map[uint32]struct{} // ids received but not yet expected
}

func newReorderBuffer(window int) *reorderBuffer {
	return &reorderBuffer{window: window, pending: make(map[uint32]struct{})}
}

// distance returns how far ahead of expected id is, modulo 2^32, treating
// the space as a ring so wraparound is transparent.
func distance(expected, id uint32) uint32 { return id - expected }

// accept records an arriving msg_id. It returns deliverable=true when the
// message can be handed to the application now (it was the expected id,
// or the expected id was already buffered and this call's arrival keeps
// the run contiguous). outOfWindow=true means the id falls further ahead
// of the expected id than the configured reorder window allows, which
// the caller must treat as a protocol error rather than buffering it.
func (r *reorderBuffer) accept(id uint32) (deliverable bool, outOfWindow bool) {
	if !r.expSet {
		r.expected = id
		r.expSet = true
	}

	d := distance(r.expected, id)
	if d >= uint32(r.window) {
		// Could be a very-old duplicate (id behind expected, large modular
		// distance) or a genuine out-of-window future id; either way it is
		// not deliverable through the normal path.
		if d > ^uint32(0)-uint32(r.window) {
			// id is "behind" expected within window distance: a duplicate
			// of an already-delivered message. Not an error, just ignore.
			return false, false
		}
		return false, true
	}

	if id == r.expected {
		r.expected++
		r.advanceOverPending()
		return true, false
	}

	r.pending[id] = struct{}{}
	return false, false
}

// advanceOverPending consumes any run of already-buffered ids starting at
// the new expected id, so a late packet that fills a gap unblocks
// everything queued behind it.
func (r *reorderBuffer) advanceOverPending() {
	for {
		if _, ok := r.pending[r.expected]; !ok {
			return
		}
		delete(r.pending, r.expected)
		r.expected++
	}
}
