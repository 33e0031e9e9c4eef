package endpoint

import (
	"github.com/fabriclink/efa-rdm/pkg/addr"
	"github.com/fabriclink/efa-rdm/pkg/errs"
	"github.com/fabriclink/efa-rdm/pkg/peer"
	"github.com/fabriclink/efa-rdm/pkg/proto"
	"github.com/fabriclink/efa-rdm/pkg/wire"
	"github.com/fabriclink/efa-rdm/pkg/xfer"
)

// SendOptions configures one originated send (spec.md section 4.6).
type SendOptions struct {
	DeliveryComplete bool
	// LongReadThreshold is carried in the options but send does not
	// consult it: every message above MediumMax goes over flow-controlled
	// long-CTS, and this endpoint never originates a zero-copy
	// LONGREAD_{MSG,TAG}RTM.
	LongReadThreshold uint64
}

// SendMsg originates an untagged send to toPeer.
func (e *Endpoint) SendMsg(toPeer addr.FIAddr, iov [][]byte, opts SendOptions) (xfer.TxID, error) {
	return e.send(toPeer, iov, false, 0, opts)
}

// SendTagged originates a tagged send to toPeer.
func (e *Endpoint) SendTagged(toPeer addr.FIAddr, tag uint64, iov [][]byte, opts SendOptions) (xfer.TxID, error) {
	return e.send(toPeer, iov, true, tag, opts)
}

func (e *Endpoint) send(toPeer addr.FIAddr, iov [][]byte, tagged bool, tag uint64, opts SendOptions) (xfer.TxID, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.av.Record(toPeer) == nil {
		return 0, errs.ErrAddrNotAvail
	}
	total := iovLen(iov)
	p := e.peerFor(toPeer)

	idx := e.txArena.Alloc()
	txID := xfer.TxID(idx)
	entry := e.txArena.Get(idx)
	*entry = xfer.TxEntry{
		Opcode:   xfer.TxOpMsg,
		Peer:     toPeer,
		IOV:      iov,
		TotalLen: total,
		Tag:      tag,
		HasTag:   tagged,
		MsgID:    e.msgIDs.Next(toPeer),
		SendID:   idx,
		State:    xfer.TxReq,
		DeliveryComplete: opts.DeliveryComplete,
	}
	p.TrackTx(idx)

	var err error
	switch {
	case total <= uint64(EagerMax):
		err = e.sendEager(p, toPeer, entry, tagged, opts)
	case total <= uint64(MediumMax):
		err = e.sendMedium(p, toPeer, entry, tagged, opts)
	default:
		err = e.sendLongCTS(p, toPeer, txID, entry, tagged, opts)
	}
	if err != nil {
		p.UntrackTx(idx)
		e.txArena.Free(idx)
		return 0, err
	}
	if opts.DeliveryComplete {
		e.receipts.Await(entry.SendID)
	}
	return txID, nil
}

func (e *Endpoint) sendEager(p *peer.Peer, toPeer addr.FIAddr, entry *xfer.TxEntry, tagged bool, opts SendOptions) error {
	typ, err := proto.SelectReqType(eagerBase(tagged), opts.DeliveryComplete, p)
	if err != nil {
		return err
	}
	payload := flatten(entry.IOV)
	pkt := proto.BuildEagerRTM(typ, entry.MsgID, tagged, entry.Tag, e.optHeaders(p), payload)
	if err := e.postControl(toPeer, pkt, pkt.EncodedLen()); err != nil {
		return err
	}
	entry.BytesSent = entry.TotalLen
	entry.BytesAcked = entry.TotalLen
	entry.State = xfer.TxDone
	// TxDone here means "wire transfer issued", not "application may reuse
	// the buffer": a DeliveryComplete caller must also wait on
	// PendingReceipts.Pending(entry.SendID) before treating the send as
	// truly finished.
	return nil
}

func (e *Endpoint) sendMedium(p *peer.Peer, toPeer addr.FIAddr, entry *xfer.TxEntry, tagged bool, opts SendOptions) error {
	typ, err := proto.SelectReqType(mediumBase(tagged), opts.DeliveryComplete, p)
	if err != nil {
		return err
	}
	payload := flatten(entry.IOV)
	for _, off := range proto.Segment(payload, MediumSegment) {
		end := off + uint64(MediumSegment)
		if end > uint64(len(payload)) {
			end = uint64(len(payload))
		}
		seg := proto.BuildMediumRTM(typ, entry.MsgID, off, tagged, entry.Tag, e.optHeaders(p), payload[off:end])
		if err := e.postControl(toPeer, seg, seg.EncodedLen()); err != nil {
			return err
		}
		entry.BytesSent = end
	}
	entry.BytesAcked = entry.BytesSent
	entry.State = xfer.TxDone
	return nil
}

func (e *Endpoint) sendLongCTS(p *peer.Peer, toPeer addr.FIAddr, txID xfer.TxID, entry *xfer.TxEntry, tagged bool, opts SendOptions) error {
	typ, err := proto.SelectReqType(longCTSBase(tagged), opts.DeliveryComplete, p)
	if err != nil {
		return err
	}
	payload := flatten(entry.IOV)
	first := payload
	if uint64(len(first)) > e.longCTSWindowBytes {
		first = payload[:e.longCTSWindowBytes]
	}
	pkt := proto.BuildLongCTSRTM(typ, entry.MsgID, entry.SendID, uint32(e.outstandingTxCap), entry.TotalLen, tagged, entry.Tag, e.optHeaders(p), first)
	if err := e.postControl(toPeer, pkt, pkt.EncodedLen()); err != nil {
		return err
	}
	entry.BytesSent = uint64(len(first))
	sender := &proto.LongFlowSender{Total: entry.TotalLen, Sent: entry.BytesSent, ChunkSize: uint64(e.packetSize - 64)}
	e.longctsSend[txID] = sender
	return nil
}

func eagerBase(tagged bool) wire.Type {
	if tagged {
		return wire.TypeEagerTagRTM
	}
	return wire.TypeEagerMsgRTM
}

func mediumBase(tagged bool) wire.Type {
	if tagged {
		return wire.TypeMediumTagRTM
	}
	return wire.TypeMediumMsgRTM
}

func longCTSBase(tagged bool) wire.Type {
	if tagged {
		return wire.TypeLongCTSTagRTM
	}
	return wire.TypeLongCTSMsgRTM
}

func iovLen(iov [][]byte) uint64 {
	var n uint64
	for _, b := range iov {
		n += uint64(len(b))
	}
	return n
}

// flatten concatenates a multi-entry IOV into a single contiguous slice.
// The RTM builders and long-CTS flow both assume a flat payload; an IOV
// with more than one entry is copied once here rather than threading
// scatter-gather through every packet family's encoder.
func flatten(iov [][]byte) []byte {
	if len(iov) == 1 {
		return iov[0]
	}
	out := make([]byte, 0, iovLen(iov))
	for _, b := range iov {
		out = append(out, b...)
	}
	return out
}

// PostRecv posts an untagged application receive buffer.
func (e *Endpoint) PostRecv(iov [][]byte) (xfer.RxID, error) {
	return e.postRecv(iov, false, 0, 0)
}

// PostTaggedRecv posts a tagged application receive buffer. Bits set in
// ignore are wildcarded when matching an incoming tag.
func (e *Endpoint) PostTaggedRecv(iov [][]byte, tag, ignore uint64) (xfer.RxID, error) {
	return e.postRecv(iov, true, tag, ignore)
}

// CompletedRecv reports whether id's posted receive has finished and how
// many bytes landed in the posted IOV. ok is false while the entry is
// still pending.
func (e *Endpoint) CompletedRecv(id xfer.RxID) (n int, ok bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.rx.Arena().Valid(uint32(id)) {
		return 0, false
	}
	entry := e.rx.Arena().Get(uint32(id))
	if entry.State != xfer.RxDone {
		return 0, false
	}
	return int(entry.BytesReceived), true
}

func (e *Endpoint) postRecv(iov [][]byte, tagged bool, tag, ignore uint64) (xfer.RxID, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	id, matched := e.rx.PostRecv(xfer.RxEntry{
		AnyPeer:  true,
		IOV:      iov,
		Tag:      tag,
		Ignore:   ignore,
		IsTagged: tagged,
		State:    xfer.RxInit,
	})
	if matched {
		e.completeUnexpectedMatch(id, iov)
	}
	return id, nil
}

// completeUnexpectedMatch copies an already-arrived unexpected payload
// into the IOV a late PostRecv supplied, for message families (eager,
// medium) that buffer the full payload at arrival time.
func (e *Endpoint) completeUnexpectedMatch(id xfer.RxID, iov [][]byte) {
	entry := e.rx.Arena().Get(uint32(id))
	src := entry.IOV
	entry.IOV = iov
	copyFlat(iov, 0, flatten(src))
	entry.BytesCopied = entry.BytesReceived
	entry.State = xfer.RxDone
}
