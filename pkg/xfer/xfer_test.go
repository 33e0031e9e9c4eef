package xfer

import (
	"testing"

	"github.com/fabriclink/efa-rdm/pkg/addr"
)

func TestArenaAllocFreeReuse(t *testing.T) {
	a := NewArena[int]()
	i0 := a.Alloc()
	i1 := a.Alloc()
	if i0 == i1 {
		t.Fatalf("distinct allocations must get distinct indices")
	}
	*a.Get(i0) = 42
	a.Free(i0)
	i2 := a.Alloc()
	if i2 != i0 {
		t.Fatalf("freed slot must be recycled before growing: got %d want %d", i2, i0)
	}
	if got := *a.Get(i2); got != 0 {
		t.Fatalf("recycled slot must be zeroed, got %d", got)
	}
	if a.Len() != 2 {
		t.Fatalf("expected 2 live slots, got %d", a.Len())
	}
}

func TestArenaGetPanicsOnFreedIndex(t *testing.T) {
	a := NewArena[int]()
	idx := a.Alloc()
	a.Free(idx)
	defer func() {
		if recover() == nil {
			t.Fatalf("Get on a freed index must panic")
		}
	}()
	a.Get(idx)
}

func TestTxEntryInvariant(t *testing.T) {
	tx := &TxEntry{TotalLen: 100, BytesSent: 50, BytesAcked: 50}
	if !tx.CheckInvariant() {
		t.Fatalf("valid byte accounting must satisfy invariant")
	}
	if tx.Complete() {
		t.Fatalf("entry with bytes_acked < total_len must not be complete")
	}
	tx.BytesAcked = 100
	tx.BytesSent = 100
	if !tx.Complete() {
		t.Fatalf("entry with bytes_acked == total_len must be complete")
	}
}

func TestTxEntryInvariantViolation(t *testing.T) {
	tx := &TxEntry{TotalLen: 10, BytesSent: 5, BytesAcked: 6}
	if tx.CheckInvariant() {
		t.Fatalf("bytes_acked > bytes_sent must violate the invariant")
	}
}

func TestRxEntryTagMatching(t *testing.T) {
	rx := &RxEntry{Tag: 0x10, Ignore: 0x0F}
	if !rx.MatchesTag(0x1A) {
		t.Fatalf("tag 0x1A must match pattern 0x10 with ignore mask 0x0F")
	}
	if rx.MatchesTag(0x20) {
		t.Fatalf("tag 0x20 must not match pattern 0x10 with ignore mask 0x0F")
	}
}

func TestPacketPoolAcquireReleaseExhaustion(t *testing.T) {
	pool := NewPacketPool(2, 128, true)
	i0, e0, ok := pool.Acquire()
	if !ok || e0.State != PacketInUse {
		t.Fatalf("first acquire must succeed with state InUse")
	}
	_, _, ok = pool.Acquire()
	if !ok {
		t.Fatalf("second acquire must succeed (capacity 2)")
	}
	if _, _, ok := pool.Acquire(); ok {
		t.Fatalf("third acquire must fail: pool capacity exhausted")
	}
	pool.Release(i0)
	if pool.Get(i0).Buf[0] != poisonByte {
		t.Fatalf("debug pool must poison released buffers")
	}
	if _, _, ok := pool.Acquire(); !ok {
		t.Fatalf("acquire after release must succeed")
	}
}

func TestPktRxMapBindLookupUnbind(t *testing.T) {
	m := NewPktRxMap()
	key := MsgKey{MsgID: 7, Peer: addr.FIAddr(3)}
	if _, ok := m.Lookup(key); ok {
		t.Fatalf("unbound key must not be found")
	}
	m.Bind(key, RxID(5))
	rx, ok := m.Lookup(key)
	if !ok || rx != RxID(5) {
		t.Fatalf("bound key must resolve to its RX entry, got %v ok=%v", rx, ok)
	}
	m.Unbind(key)
	if _, ok := m.Lookup(key); ok {
		t.Fatalf("key must not resolve after unbind")
	}
}
