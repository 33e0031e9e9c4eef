package xfer

import (
	"testing"

	"github.com/fabriclink/efa-rdm/pkg/addr"
)

func TestArriveWithNoPostedRecvIsUnmatched(t *testing.T) {
	q := NewInboundQueue()
	if _, ok := q.Arrive(false, addr.FIAddr(1), 0); ok {
		t.Fatalf("arrival with nothing posted must be unmatched")
	}
}

func TestPostThenArriveMatches(t *testing.T) {
	q := NewInboundQueue()
	id, matched := q.PostRecv(RxEntry{AnyPeer: true})
	if matched {
		t.Fatalf("post with nothing unexpected must not match immediately")
	}
	got, ok := q.Arrive(false, addr.FIAddr(9), 0)
	if !ok || got != id {
		t.Fatalf("arrival must match the posted entry: got %v ok=%v want %v", got, ok, id)
	}
}

func TestArriveThenPostMatchesUnexpected(t *testing.T) {
	q := NewInboundQueue()
	unexp := q.EnqueueUnexpected(RxEntry{Peer: addr.FIAddr(2), IsTagged: false})
	id, matched := q.PostRecv(RxEntry{AnyPeer: true})
	if !matched || id != unexp {
		t.Fatalf("post must match the pre-existing unexpected entry: matched=%v id=%v want %v", matched, id, unexp)
	}
}

func TestTaggedAndUntaggedDoNotCrossMatch(t *testing.T) {
	q := NewInboundQueue()
	q.EnqueueUnexpected(RxEntry{Peer: addr.FIAddr(3), IsTagged: true, Tag: 5})
	_, matched := q.PostRecv(RxEntry{AnyPeer: true, IsTagged: false})
	if matched {
		t.Fatalf("untagged post must not match a tagged unexpected arrival")
	}
}

func TestTagMatchingRespectsIgnoreMask(t *testing.T) {
	q := NewInboundQueue()
	q.EnqueueUnexpected(RxEntry{Peer: addr.FIAddr(4), IsTagged: true, Tag: 0x1A})
	id, matched := q.PostRecv(RxEntry{AnyPeer: true, IsTagged: true, Tag: 0x10, Ignore: 0x0F})
	if !matched {
		t.Fatalf("tag 0x10 with ignore 0x0F must match arrival tag 0x1A")
	}
	if q.Arena().Get(uint32(id)).Peer != addr.FIAddr(4) {
		t.Fatalf("matched entry must be the unexpected arrival's entry")
	}
}

func TestCancelRemovesFromPostedList(t *testing.T) {
	q := NewInboundQueue()
	id, _ := q.PostRecv(RxEntry{AnyPeer: true})
	q.Cancel(id)
	if _, ok := q.Arrive(false, addr.FIAddr(1), 0); ok {
		t.Fatalf("a canceled posted entry must not be matched by a new arrival")
	}
	if !q.Arena().Get(uint32(id)).Canceled {
		t.Fatalf("canceled entry must be flagged Canceled")
	}
}
