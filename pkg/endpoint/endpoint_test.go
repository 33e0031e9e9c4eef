package endpoint

import (
	"bytes"
	"testing"
	"time"

	"github.com/fabriclink/efa-rdm/pkg/addr"
	"github.com/fabriclink/efa-rdm/pkg/diag"
	"github.com/fabriclink/efa-rdm/pkg/errs"
	"github.com/fabriclink/efa-rdm/pkg/hmem"
	"github.com/fabriclink/efa-rdm/pkg/proto"
	"github.com/fabriclink/efa-rdm/pkg/wire"
	"github.com/fabriclink/efa-rdm/pkg/xfer"
)

// pair bundles two endpoints wired to each other over one fakeNetwork, the
// shape every test in this file starts from.
type pair struct {
	net *fakeNetwork

	epA, epB *Endpoint
	tA, tB   *fakeTransport

	fiAonB addr.FIAddr // how B addresses A
	fiBonA addr.FIAddr // how A addresses B
}

func newPair(t *testing.T, opts ...Option) *pair {
	t.Helper()
	net := newFakeNetwork()

	gidA := [16]byte{0xA}
	gidB := [16]byte{0xB}
	tA := newFakeTransport(net, gidA, 100)
	tB := newFakeTransport(net, gidB, 200)

	rawA := wire.RawAddress{GID: gidA, QPN: 100}
	rawB := wire.RawAddress{GID: gidB, QPN: 200}

	avA := addr.New(tA, rawA, nil, nil, diag.Discard())
	avB := addr.New(tB, rawB, nil, nil, diag.Discard())

	epA := New(tA, avA, opts...)
	epB := New(tB, avB, opts...)

	fiBonA, err := avA.Insert(rawB)
	if err != nil {
		t.Fatalf("avA.Insert(B): %v", err)
	}
	fiAonB, err := avB.Insert(rawA)
	if err != nil {
		t.Fatalf("avB.Insert(A): %v", err)
	}

	return &pair{net: net, epA: epA, epB: epB, tA: tA, tB: tB, fiAonB: fiAonB, fiBonA: fiBonA}
}

// drive runs Progress on both ends n times, enough for a CTS/DATA
// round-trip to fully settle without the test hand-sequencing every step.
func (p *pair) drive(t *testing.T, n int) {
	t.Helper()
	now := time.Now()
	for i := 0; i < n; i++ {
		if err := p.epA.Progress(now); err != nil {
			t.Fatalf("epA.Progress: %v", err)
		}
		if err := p.epB.Progress(now); err != nil {
			t.Fatalf("epB.Progress: %v", err)
		}
	}
}

func TestEagerPingPong(t *testing.T) {
	p := newPair(t)
	p.drive(t, 1) // posts each side's wire-level recv pool

	payload := []byte("hello over efa-rdm")
	recvBuf := make([]byte, len(payload))
	rxID, err := p.epB.PostRecv([][]byte{recvBuf})
	if err != nil {
		t.Fatalf("PostRecv: %v", err)
	}

	if _, err := p.epA.SendMsg(p.fiBonA, [][]byte{payload}, SendOptions{}); err != nil {
		t.Fatalf("SendMsg: %v", err)
	}

	p.drive(t, 2)

	entry := p.epB.rx.Arena().Get(uint32(rxID))
	if entry.State != xfer.RxDone {
		t.Fatalf("rx entry state = %v, want RxDone", entry.State)
	}
	if !bytes.Equal(recvBuf, payload) {
		t.Fatalf("received %q, want %q", recvBuf, payload)
	}

	txEntry := p.epA.txArena.Get(0)
	if txEntry.State != xfer.TxDone {
		t.Fatalf("tx entry state = %v, want TxDone", txEntry.State)
	}
}

func TestUnexpectedEagerThenLateRecv(t *testing.T) {
	p := newPair(t)
	p.drive(t, 1)

	payload := []byte("arrived before the app posted a buffer")
	if _, err := p.epA.SendMsg(p.fiBonA, [][]byte{payload}, SendOptions{}); err != nil {
		t.Fatalf("SendMsg: %v", err)
	}

	// Let B receive and file it as unexpected, with no PostRecv yet.
	p.drive(t, 1)

	recvBuf := make([]byte, len(payload))
	rxID, err := p.epB.PostRecv([][]byte{recvBuf})
	if err != nil {
		t.Fatalf("PostRecv: %v", err)
	}

	entry := p.epB.rx.Arena().Get(uint32(rxID))
	if entry.State != xfer.RxDone {
		t.Fatalf("rx entry state = %v, want RxDone (matched against unexpected arrival)", entry.State)
	}
	if !bytes.Equal(recvBuf, payload) {
		t.Fatalf("received %q, want %q", recvBuf, payload)
	}
}

func TestRecvPoolRefillReachesTarget(t *testing.T) {
	p := newPair(t, WithRecvPoolTarget(8))
	if err := p.epA.Progress(time.Now()); err != nil {
		t.Fatalf("Progress: %v", err)
	}
	if got := p.epA.packets.InUse(); got != 8 {
		t.Fatalf("packets.InUse() = %d, want 8", got)
	}
}

func TestRNRBackoffEntersAndClears(t *testing.T) {
	p := newPair(t)
	p.drive(t, 1)

	now := time.Now()
	peerB := p.epA.peerFor(p.fiBonA)
	if peerB.InBackoff(now) {
		t.Fatalf("peer starts in backoff")
	}
	peerB.EnterBackoff(now)
	if !peerB.InBackoff(now) {
		t.Fatalf("EnterBackoff did not mark the peer InBackoff")
	}

	past := now.Add(2 * time.Second) // past InitialRNRBackoff and MaxRNRBackoff both
	if err := p.epA.Progress(past); err != nil {
		t.Fatalf("Progress: %v", err)
	}
	if peerB.InBackoff(past) {
		t.Fatalf("sweepBackoff did not clear an expired backoff")
	}
}

func TestLongCTSTransferCompletes(t *testing.T) {
	p := newPair(t, WithLongCTSWindowBytes(4096))
	p.drive(t, 1)

	total := 70 * 1024 // must exceed MediumMax so send() routes through sendLongCTS
	payload := make([]byte, total)
	for i := range payload {
		payload[i] = byte(i % 256)
	}
	recvBuf := make([]byte, total)
	rxID, err := p.epB.PostRecv([][]byte{recvBuf})
	if err != nil {
		t.Fatalf("PostRecv: %v", err)
	}

	if _, err := p.epA.SendMsg(p.fiBonA, [][]byte{payload}, SendOptions{}); err != nil {
		t.Fatalf("SendMsg: %v", err)
	}

	// Several CTS/DATA rounds are needed: each round grants one window's
	// worth and the sender can only package data once it sees the grant.
	p.drive(t, 40)

	entry := p.epB.rx.Arena().Get(uint32(rxID))
	if entry.State != xfer.RxDone {
		t.Fatalf("rx entry state = %v, want RxDone after %d bytes", entry.State, entry.BytesReceived)
	}
	if !bytes.Equal(recvBuf, payload) {
		t.Fatalf("long-CTS payload mismatch")
	}

	txEntry := p.epA.txArena.Get(0)
	if txEntry.State != xfer.TxDone {
		t.Fatalf("tx entry state = %v, want TxDone", txEntry.State)
	}
	if !txEntry.CheckInvariant() {
		t.Fatalf("tx byte-accounting invariant violated: sent=%d acked=%d total=%d", txEntry.BytesSent, txEntry.BytesAcked, txEntry.TotalLen)
	}
}

// fakeResolver is a TargetResolver over one preregistered buffer, keyed by
// the rma_iov key the test assigns.
type fakeResolver struct {
	bufs map[uint64][]byte
}

func (r *fakeResolver) Resolve(iov wire.RMAIov) ([]byte, hmem.Iface, int, error) {
	buf, ok := r.bufs[iov.Key]
	if !ok {
		return nil, 0, 0, errs.ErrAddrNotAvail
	}
	end := iov.Addr + iov.Len
	if end > uint64(len(buf)) {
		return nil, 0, 0, errs.ErrInvalid
	}
	return buf[iov.Addr:end], hmem.System, 0, nil
}

func TestWriteMsgEager(t *testing.T) {
	target := make([]byte, 32)
	resolver := &fakeResolver{bufs: map[uint64][]byte{7: target}}
	p := newPair(t, WithTargetResolver(resolver))
	p.drive(t, 1)

	payload := []byte("write straight into memory")
	rmaIov := []wire.RMAIov{{Addr: 0, Len: uint64(len(target)), Key: 7}}

	if _, err := p.epA.WriteMsg(p.fiBonA, rmaIov, [][]byte{payload}, SendOptions{}); err != nil {
		t.Fatalf("WriteMsg: %v", err)
	}

	p.drive(t, 2)

	if !bytes.Equal(target[:len(payload)], payload) {
		t.Fatalf("target buffer = %q, want %q", target[:len(payload)], payload)
	}

	txEntry := p.epA.txArena.Get(0)
	if txEntry.State != xfer.TxDone {
		t.Fatalf("tx entry state = %v, want TxDone", txEntry.State)
	}
}

func TestWriteMsgLongCTS(t *testing.T) {
	total := 70 * 1024
	target := make([]byte, total)
	resolver := &fakeResolver{bufs: map[uint64][]byte{9: target}}
	p := newPair(t, WithTargetResolver(resolver), WithLongCTSWindowBytes(4096))
	p.drive(t, 1)

	payload := make([]byte, total)
	for i := range payload {
		payload[i] = byte((i * 7) % 256)
	}
	rmaIov := []wire.RMAIov{{Addr: 0, Len: uint64(total), Key: 9}}

	if _, err := p.epA.WriteMsg(p.fiBonA, rmaIov, [][]byte{payload}, SendOptions{}); err != nil {
		t.Fatalf("WriteMsg: %v", err)
	}

	p.drive(t, 40)

	if !bytes.Equal(target, payload) {
		t.Fatalf("long-CTS write payload mismatch")
	}

	txEntry := p.epA.txArena.Get(0)
	if txEntry.State != xfer.TxDone {
		t.Fatalf("tx entry state = %v, want TxDone", txEntry.State)
	}
	if !txEntry.CheckInvariant() {
		t.Fatalf("tx byte-accounting invariant violated: sent=%d acked=%d total=%d", txEntry.BytesSent, txEntry.BytesAcked, txEntry.TotalLen)
	}
}

func TestDeliveryCompleteEagerWaitsForReceipt(t *testing.T) {
	p := newPair(t, WithLocalFeatures(proto.LocalFeatures{DeliveryComplete: true}))
	p.drive(t, 1)

	payload := []byte("dc eager")
	recvBuf := make([]byte, len(payload))
	if _, err := p.epB.PostRecv([][]byte{recvBuf}); err != nil {
		t.Fatalf("PostRecv: %v", err)
	}

	// SelectReqType only accepts a DC request once this side's Peer
	// record for B reflects a HANDSHAKE advertising DeliveryComplete.
	// The retransmit-on-progress path converges to that eventually, but
	// asserting it here directly keeps this test about the DC receipt
	// flow rather than handshake timing.
	bits := proto.LocalFeatures{DeliveryComplete: true}.Bitmap()
	p.epA.peerFor(p.fiBonA).SetFeatures(bits)
	p.epB.peerFor(p.fiAonB).SetFeatures(bits)

	txID, err := p.epA.SendMsg(p.fiBonA, [][]byte{payload}, SendOptions{DeliveryComplete: true})
	if err != nil {
		t.Fatalf("SendMsg: %v", err)
	}

	p.drive(t, 3)

	if p.epA.receipts.Pending(uint32(txID)) {
		t.Fatalf("receipt still pending after RECEIPT should have round-tripped")
	}
}
