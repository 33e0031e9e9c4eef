package endpoint

import (
	"github.com/fabriclink/efa-rdm/pkg/addr"
	"github.com/fabriclink/efa-rdm/pkg/errs"
	"github.com/fabriclink/efa-rdm/pkg/hmem"
	"github.com/fabriclink/efa-rdm/pkg/peer"
	"github.com/fabriclink/efa-rdm/pkg/proto"
	"github.com/fabriclink/efa-rdm/pkg/wire"
	"github.com/fabriclink/efa-rdm/pkg/xfer"
)

// writeRecvKey identifies one in-flight LONGCTS_RTW transfer on the
// target side. RTW addresses memory directly via rma_iov and never
// consults the inbound queue (pkg/proto/longcts.go), so unlike the
// two-sided LONGCTS_{MSG,TAG}RTM path there is no RxID to key off; the
// (sender, send_id) pair the sender chose is the only correlation the
// wire format offers.
type writeRecvKey struct {
	peer   addr.FIAddr
	sendID uint32
}

// WriteMsg originates an emulated one-sided write: the payload is placed
// directly into the buffer(s) rmaIov names on toPeer, with no posted
// receive on that side. Dispatch by size mirrors SendMsg (spec.md section
// 4.5: eager/long-CTS split identical to the two-sided path), except RTW
// has no medium-burst variant on the wire.
func (e *Endpoint) WriteMsg(toPeer addr.FIAddr, rmaIov []wire.RMAIov, iov [][]byte, opts SendOptions) (xfer.TxID, error) {
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
		Opcode:           xfer.TxOpWrite,
		Peer:             toPeer,
		IOV:              iov,
		TotalLen:         total,
		SendID:           idx,
		State:            xfer.TxReq,
		DeliveryComplete: opts.DeliveryComplete,
	}
	p.TrackTx(idx)

	var err error
	if total <= uint64(EagerMax) {
		err = e.writeEager(p, toPeer, entry, rmaIov, opts)
	} else {
		err = e.writeLongCTS(p, toPeer, txID, entry, rmaIov, opts)
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

func (e *Endpoint) writeEager(p *peer.Peer, toPeer addr.FIAddr, entry *xfer.TxEntry, rmaIov []wire.RMAIov, opts SendOptions) error {
	typ, err := proto.SelectReqType(wire.TypeEagerRTW, opts.DeliveryComplete, p)
	if err != nil {
		return err
	}
	payload := flatten(entry.IOV)
	pkt := proto.BuildEagerRTW(rmaIov, e.optHeaders(p), payload)
	pkt.Base.Type = typ
	if err := e.postControl(toPeer, pkt, pkt.EncodedLen()); err != nil {
		return err
	}
	entry.BytesSent = entry.TotalLen
	entry.BytesAcked = entry.TotalLen
	entry.State = xfer.TxDone
	return nil
}

func (e *Endpoint) writeLongCTS(p *peer.Peer, toPeer addr.FIAddr, txID xfer.TxID, entry *xfer.TxEntry, rmaIov []wire.RMAIov, opts SendOptions) error {
	typ, err := proto.SelectReqType(wire.TypeLongCTSRTW, opts.DeliveryComplete, p)
	if err != nil {
		return err
	}
	payload := flatten(entry.IOV)
	first := payload
	if uint64(len(first)) > e.longCTSWindowBytes {
		first = payload[:e.longCTSWindowBytes]
	}
	pkt := proto.BuildLongCTSRTW(rmaIov, entry.TotalLen, entry.SendID, uint32(e.outstandingTxCap), e.optHeaders(p), first)
	pkt.Base.Type = typ
	if err := e.postControl(toPeer, pkt, pkt.EncodedLen()); err != nil {
		return err
	}
	entry.BytesSent = uint64(len(first))
	sender := &proto.LongFlowSender{Total: entry.TotalLen, Sent: entry.BytesSent, ChunkSize: uint64(e.packetSize - 64)}
	e.longctsSend[txID] = sender
	return nil
}

// handleLongCTSRTW processes the initial packet of an inbound emulated
// write, resolving its rma_iov through the configured TargetResolver and
// driving the same CTS/DATA flow handleLongCTSRTM uses, minus any
// inbound-queue matching. Only a single rma_iov entry is supported: unlike
// EAGER_RTW's one-shot scatterInto, a long-CTS write's destination has to
// stay resolved across many DATA packets arriving at growing offsets, and
// this endpoint has nowhere to stash a per-entry cursor into a scattered
// destination. A multi-iov long-CTS write target is a documented gap (see
// DESIGN.md).
func (e *Endpoint) handleLongCTSRTW(fromPeer addr.FIAddr, pkt wire.LongCTSRTW) {
	if e.resolver == nil {
		e.log.Warnf("endpoint: LONGCTS_RTW from %v with no TargetResolver configured, dropped", fromPeer)
		return
	}
	if len(pkt.RmaIov) != 1 {
		e.pushError(CompletionError{Err: errs.ErrInvalid})
		return
	}
	buf, iface, dev, err := e.resolver.Resolve(pkt.RmaIov[0])
	if err != nil {
		e.pushError(CompletionError{Err: err})
		return
	}
	if err := e.hmemReg.Copy(iface, dev, buf[:len(pkt.Payload)], pkt.Payload); err != nil {
		e.pushError(CompletionError{Err: err})
		return
	}

	p := e.peerFor(fromPeer)
	key := writeRecvKey{peer: fromPeer, sendID: pkt.SendID}
	// recv_id has no arena slot to draw from here (unlike the two-sided
	// path's RxID), so the sender's own send_id doubles as the handle this
	// side echoes back in CTS.recv_id/DATA.recv_id: it is already unique
	// within the sender's TX arena and round-trips unchanged.
	recv := proto.NewLongFlowReceiver(pkt.MsgLength, e.longCTSWindowBytes, pkt.SendID, pkt.SendID)
	recv.Received = uint64(len(pkt.Payload))
	e.longctsWriteRecv[key] = &writeRecvState{recv: recv, buf: buf, iface: iface, device: dev}

	cts := recv.FirstGrant(p.ConnID, p.ConnIDKnown)
	e.postControl(fromPeer, cts, cts.EncodedLen())
}

// writeRecvState is the target-side bookkeeping for one in-flight
// LONGCTS_RTW: the flow-control state plus the already-resolved
// destination buffer (resolved once, up front, since every DATA packet
// in the flow writes into the same buffer at increasing offsets).
type writeRecvState struct {
	recv   *proto.LongFlowReceiver
	buf    []byte
	iface  hmem.Iface
	device int
}

func (e *Endpoint) handleWriteData(fromPeer addr.FIAddr, pkt wire.Data) bool {
	for key, st := range e.longctsWriteRecv {
		if key.peer != fromPeer || key.sendID != pkt.RecvID {
			continue
		}
		end := pkt.DataOffset + uint64(len(pkt.Payload))
		if end > uint64(len(st.buf)) {
			e.pushError(CompletionError{Err: errs.ErrInvalid})
			delete(e.longctsWriteRecv, key)
			return true
		}
		if err := e.hmemReg.Copy(st.iface, st.device, st.buf[pkt.DataOffset:end], pkt.Payload); err != nil {
			e.pushError(CompletionError{Err: err})
			delete(e.longctsWriteRecv, key)
			return true
		}
		if cts, has := st.recv.AcceptData(uint64(len(pkt.Payload))); has {
			e.postControl(fromPeer, cts, cts.EncodedLen())
		}
		if st.recv.Complete() {
			delete(e.longctsWriteRecv, key)
		}
		return true
	}
	return false
}
