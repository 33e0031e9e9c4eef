package xfer

import "github.com/fabriclink/efa-rdm/pkg/addr"

// InboundQueue implements the expected/unexpected matching the RX entry
// engine needs: posted receives wait in FIFO order for a matching
// arrival; arrivals with no waiting receive become unexpected entries,
// matched against the next compatible PostRecv. Untagged and tagged
// traffic are matched independently, per spec.md section 4.4 ("If the
// 0x04/0x08 flag bits do not match the RX entry's opcode, the packet is
// matched into the tagged/untagged unexpected list appropriately").
type InboundQueue struct {
	arena *Arena[RxEntry]

	postedUntagged     []RxID
	postedTagged       []RxID
	unexpectedUntagged []RxID
	unexpectedTagged   []RxID
}

// NewInboundQueue constructs an empty queue over its own RX arena.
func NewInboundQueue() *InboundQueue {
	return &InboundQueue{arena: NewArena[RxEntry]()}
}

// Arena exposes the underlying RX entry arena for callers that need to
// look up or free entries by RxID directly.
func (q *InboundQueue) Arena() *Arena[RxEntry] { return q.arena }

func matches(e *RxEntry, fromPeer addr.FIAddr, tag uint64) bool {
	if !e.AnyPeer && e.ExpectedPeer != fromPeer {
		return false
	}
	if e.IsTagged && !e.MatchesTag(tag) {
		return false
	}
	return true
}

// Arrive looks for a posted receive compatible with a new arrival from
// fromPeer (and, if tagged, carrying tag). It returns the matched entry's
// id with ok=true, removing it from the posted list. ok=false means the
// caller must create and enqueue an unexpected entry itself via
// EnqueueUnexpected.
func (q *InboundQueue) Arrive(tagged bool, fromPeer addr.FIAddr, tag uint64) (RxID, bool) {
	list := &q.postedUntagged
	if tagged {
		list = &q.postedTagged
	}
	for i, id := range *list {
		e := q.arena.Get(uint32(id))
		if matches(e, fromPeer, tag) {
			*list = append((*list)[:i:i], (*list)[i+1:]...)
			return id, true
		}
	}
	return 0, false
}

// EnqueueUnexpected records an already-populated RX entry (payload
// already copied or the original buffer pinned, per the implementer's
// choice at the call site) as unexpected, to be matched against a
// future PostRecv.
func (q *InboundQueue) EnqueueUnexpected(e RxEntry) RxID {
	e.State = RxUnexpected
	idx := q.arena.Alloc()
	*q.arena.Get(idx) = e
	id := RxID(idx)
	if e.IsTagged {
		q.unexpectedTagged = append(q.unexpectedTagged, id)
	} else {
		q.unexpectedUntagged = append(q.unexpectedUntagged, id)
	}
	return id
}

// PostRecv posts a new application receive. If a compatible unexpected
// arrival is already queued, it is matched immediately and returned with
// matched=true (the caller then copies/reads the unexpected payload into
// the newly-posted IOV and completes). Otherwise e is enqueued as
// pending and matched=false.
func (q *InboundQueue) PostRecv(e RxEntry) (id RxID, matched bool) {
	list := &q.unexpectedUntagged
	if e.IsTagged {
		list = &q.unexpectedTagged
	}
	for i, candID := range *list {
		cand := q.arena.Get(uint32(candID))
		if matches(&e, cand.Peer, cand.Tag) {
			*list = append((*list)[:i:i], (*list)[i+1:]...)
			return candID, true
		}
	}

	e.State = RxInit
	idx := q.arena.Alloc()
	*q.arena.Get(idx) = e
	id = RxID(idx)
	postedList := &q.postedUntagged
	if e.IsTagged {
		postedList = &q.postedTagged
	}
	*postedList = append(*postedList, id)
	return id, false
}

// Cancel flags a posted entry RECV_CANCEL: no further completion besides
// the single ECANCELED the caller writes, and the entry stops matching
// new arrivals. It is removed from whichever posted list holds it.
func (q *InboundQueue) Cancel(id RxID) {
	e := q.arena.Get(uint32(id))
	e.CancelQueued = true
	e.Canceled = true
	list := &q.postedUntagged
	if e.IsTagged {
		list = &q.postedTagged
	}
	for i, candID := range *list {
		if candID == id {
			*list = append((*list)[:i:i], (*list)[i+1:]...)
			break
		}
	}
}

// Release returns id's slot to the arena once the entry is fully done.
func (q *InboundQueue) Release(id RxID) { q.arena.Free(uint32(id)) }
