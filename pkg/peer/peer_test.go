package peer

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/fabriclink/efa-rdm/pkg/addr"
)

func TestConnIDLearnedThenMismatchDropped(t *testing.T) {
	p := New(addr.FIAddr(0), 0)
	if !p.CheckConnID(0xC1) {
		t.Fatalf("first connid must be accepted and learned")
	}
	if !p.CheckConnID(0xC1) {
		t.Fatalf("matching connid must be accepted")
	}
	if p.CheckConnID(0xC2) {
		t.Fatalf("mismatched connid after learning must be rejected")
	}
}

func TestInUseTracksTxRx(t *testing.T) {
	p := New(addr.FIAddr(1), 0)
	if p.InUse() {
		t.Fatalf("fresh peer must not be in use")
	}
	p.TrackTx(7)
	if !p.InUse() {
		t.Fatalf("peer with outstanding tx must be in use")
	}
	p.UntrackTx(7)
	if p.InUse() {
		t.Fatalf("peer with no outstanding entries must not be in use")
	}
	p.TrackRx(3)
	if !p.InUse() {
		t.Fatalf("peer with outstanding rx must be in use")
	}
	p.UntrackRx(3)
	if p.InUse() {
		t.Fatalf("peer must not be in use after untracking rx")
	}
}

func TestRNRBackoffDoublesAndResets(t *testing.T) {
	p := New(addr.FIAddr(2), 0)
	now := time.Unix(0, 0)
	p.EnterBackoff(now)
	first := p.BackoffExpiry().Sub(now)
	if first != InitialRNRBackoff {
		t.Fatalf("first backoff = %v, want %v", first, InitialRNRBackoff)
	}
	if !p.InBackoff(now) {
		t.Fatalf("peer must report in-backoff immediately after entering")
	}
	p.EnterBackoff(now)
	second := p.BackoffExpiry().Sub(now)
	if second != 2*InitialRNRBackoff {
		t.Fatalf("second backoff = %v, want %v", second, 2*InitialRNRBackoff)
	}
	p.ResetBackoff()
	if p.InBackoff(now) {
		t.Fatalf("peer must not be in backoff after reset")
	}
}

func TestRNRBackoffCapsAtMax(t *testing.T) {
	p := New(addr.FIAddr(3), 0)
	now := time.Unix(0, 0)
	for i := 0; i < 64; i++ {
		p.EnterBackoff(now)
	}
	if p.BackoffExpiry().Sub(now) != MaxRNRBackoff {
		t.Fatalf("backoff must cap at %v, got %v", MaxRNRBackoff, p.BackoffExpiry().Sub(now))
	}
}

func TestAcceptInOrder(t *testing.T) {
	p := New(addr.FIAddr(4), 4)
	for id := uint32(0); id < 10; id++ {
		deliverable, err := p.AcceptMsgID(id)
		if err != nil {
			t.Fatalf("unexpected out-of-window error at id %d: %v", id, err)
		}
		if !deliverable {
			t.Fatalf("in-order id %d must be immediately deliverable", id)
		}
	}
}

func TestAcceptOutOfOrderThenFillsGap(t *testing.T) {
	p := New(addr.FIAddr(5), 8)
	// id 0 establishes expected=0. id 2 arrives early (gap at 1).
	if d, _ := p.AcceptMsgID(0); !d {
		t.Fatalf("id 0 must be deliverable")
	}
	if d, err := p.AcceptMsgID(2); d || err != nil {
		t.Fatalf("id 2 with a gap at 1 must be buffered, not delivered: deliverable=%v err=%v", d, err)
	}
	// id 1 arrives, filling the gap: expected id 1 is deliverable.
	if d, err := p.AcceptMsgID(1); !d || err != nil {
		t.Fatalf("id 1 filling the gap must be deliverable: deliverable=%v err=%v", d, err)
	}
}

func TestAcceptBeyondWindowIsProtocolError(t *testing.T) {
	p := New(addr.FIAddr(6), 4)
	if d, err := p.AcceptMsgID(0); !d || err != nil {
		t.Fatalf("id 0 must be deliverable")
	}
	if _, err := p.AcceptMsgID(100); err == nil {
		t.Fatalf("id far beyond the reorder window must be a protocol error")
	}
}

// TestOutstandingCountsTxAndRx exercises the metrics-facing counter added
// for pkg/metrics: it must track both tx and rx entries together, the
// value Collector.Collect reports per peer as efa_rdm_peer_outstanding_ops.
func TestOutstandingCountsTxAndRx(t *testing.T) {
	p := New(addr.FIAddr(8), 0)
	assert.Equal(t, 0, p.Outstanding())

	p.TrackTx(1)
	p.TrackTx(2)
	assert.Equal(t, 2, p.Outstanding())

	p.TrackRx(5)
	assert.Equal(t, 3, p.Outstanding())

	p.UntrackTx(1)
	assert.Equal(t, 2, p.Outstanding())

	p.UntrackTx(2)
	p.UntrackRx(5)
	assert.Equal(t, 0, p.Outstanding())
}

func TestAcceptHandlesWraparound(t *testing.T) {
	p := New(addr.FIAddr(7), 8)
	start := ^uint32(0) - 2 // wraps after 3 increments
	for i := uint32(0); i < 6; i++ {
		id := start + i
		d, err := p.AcceptMsgID(id)
		if err != nil {
			t.Fatalf("unexpected error at wraparound id %d (i=%d): %v", id, i, err)
		}
		if !d {
			t.Fatalf("in-order wraparound id %d (i=%d) must be deliverable", id, i)
		}
	}
}
