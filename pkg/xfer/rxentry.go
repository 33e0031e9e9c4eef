package xfer

import "github.com/fabriclink/efa-rdm/pkg/addr"

// RxID is an endpoint-local unique handle for an RX entry, an index into
// the endpoint's RX arena.
type RxID uint32

// RxState is the RX entry state machine (spec.md section 4.4).
type RxState uint8

const (
	RxFree RxState = iota
	RxInit
	RxUnexpected
	RxMatched
	RxRecv
	RxQueuedCtrl
	RxDone
)

// RxEntry is one active inbound operation.
type RxEntry struct {
	ExpectedPeer addr.FIAddr
	AnyPeer      bool

	Tag       uint64
	Ignore    uint64
	IsTagged  bool

	IOV  [][]byte
	Desc []uintptr

	BytesReceived uint64
	BytesCopied   uint64
	CQEntryLen    uint64

	Window uint32
	Peer   addr.FIAddr

	MultiRecvSiblings []RxID
	QueuedPkts        []uint32

	State        RxState
	CancelQueued bool // RECV_CANCEL: sink further matches, one ECANCELED already written
	Canceled     bool
}

// MatchesTag reports whether an incoming tag matches this entry's
// tag/ignore mask, the standard tagged-matching rule: bits set in Ignore
// are wildcarded.
func (r *RxEntry) MatchesTag(tag uint64) bool {
	return (tag &^ r.Ignore) == (r.Tag &^ r.Ignore)
}
