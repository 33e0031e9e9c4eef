package endpoint

import (
	"time"

	"github.com/fabriclink/efa-rdm/pkg/addr"
	"github.com/fabriclink/efa-rdm/pkg/errs"
	"github.com/fabriclink/efa-rdm/pkg/proto"
	"github.com/fabriclink/efa-rdm/pkg/transport"
	"github.com/fabriclink/efa-rdm/pkg/wire"
	"github.com/fabriclink/efa-rdm/pkg/xfer"
)

// Progress drives one iteration of the single-threaded-cooperative
// scheduler (spec.md section 4.8), acquiring the endpoint's lock for its
// whole duration. It runs only when called: SendMsg, PostRecv and the
// other public APIs do not invoke it themselves, so the connection
// advances only as often as the application calls Progress.
func (e *Endpoint) Progress(now time.Time) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.progressLocked(now)
}

func (e *Endpoint) progressLocked(now time.Time) error {
	// 1. Poll the transport CQ, dispatch by opcode.
	completions, err := e.transport.PollCQ(e.cqBatch)
	if err != nil {
		return err
	}
	for _, c := range completions {
		e.handleCompletion(now, c)
	}

	// 2. shm CQ: the endpoint holds no shm transport (pkg/transport/shmtransport
	// is not wired in here), so intra-node peers ride the primary transport
	// and there is no shm CQ to poll.

	// 3. Refill the receive-buffer pool.
	e.refillRecvPool()

	// 4. Clear expired RNR backoff.
	e.sweepBackoff(now)

	// 5. Retry queued HANDSHAKE retransmits.
	e.retransmitHandshakes(now)

	// 6. Drain RX entries' queued packets.
	e.drainRxQueuedCtrl()

	// 7. Drain TX entries' queued packets.
	e.drainTxQueuedCtrl()

	// 8. Walk tx_pending, posting DATA up to window/outstanding-tx cap.
	e.driveTxPending()

	// 9. Walk read_pending, posting RDMA reads up to the outstanding-tx cap.
	e.driveReadPending()

	// 10. Flush batched writes: transport.PostSend in this module posts
	// immediately (the Transport interface exposes no separate xmit_more
	// batching handle), so there is nothing deferred to flush here.

	return nil
}

func (e *Endpoint) handleCompletion(now time.Time, c transport.Completion) {
	kind, idx := splitWRID(c.WRID)

	switch c.Op {
	case transport.CompletionRNR:
		e.handleRNR(now, kind, idx)
		return
	case transport.CompletionError:
		e.handleTransportError(kind, idx, c.Status)
		return
	}

	switch kind {
	case wridRecvRepost:
		e.handleRecvCompletion(c)
	case wridSendCtrl:
		e.handleSendCtrlCompletion(idx)
	case wridReadReq:
		e.handleReadCompletion(xfer.RxID(idx), c)
	}
}

func (e *Endpoint) handleTransportError(kind wridKind, idx uint32, status int32) {
	if kind == wridSendCtrl {
		e.packets.Release(idx)
	}
	e.pushError(CompletionError{Err: errs.ErrIO})
	_ = status
}

func (e *Endpoint) handleRNR(now time.Time, kind wridKind, idx uint32) {
	if kind != wridSendCtrl {
		return
	}
	entry := e.packets.Get(idx)
	p := e.peerFor(entry.Src)
	p.EnterBackoff(now)
	entry.State = xfer.PacketRNRRetransmit
	e.log.Debugf("endpoint: RNR from peer %v, backoff scheduled", entry.Src)
}

// sweepBackoff clears IN_BACKOFF for any peer whose deadline has passed,
// logging the transition so a careful reader can correlate RNR storms
// against recovery in the diagnostic stream.
func (e *Endpoint) sweepBackoff(now time.Time) {
	for fi, p := range e.peers {
		wasTracked := e.backoffTracked[fi]
		if p.InBackoff(now) {
			e.backoffTracked[fi] = true
			continue
		}
		if wasTracked {
			e.log.Debugf("endpoint: peer %v RNR backoff cleared", fi)
		}
		delete(e.backoffTracked, fi)
	}
}

func (e *Endpoint) refillRecvPool() {
	for e.packets.InUse() < e.recvPoolTarget {
		idx, entry, ok := e.packets.Acquire()
		if !ok {
			return
		}
		entry.IsTx = false
		err := e.transport.PostRecv(transport.RecvRequest{
			IOV:  [][]byte{entry.Buf},
			WRID: makeWRID(wridRecvRepost, idx),
		})
		if err != nil {
			e.packets.Release(idx)
			return
		}
	}
}

func (e *Endpoint) retransmitHandshakes(now time.Time) {
	for fi, p := range e.peers {
		if p.HandshakeReceived || e.handshakeSent[fi] {
			continue
		}
		if p.InBackoff(now) {
			continue
		}
		h := proto.BuildHandshake(e.localFeatures)
		if e.postControl(fi, h, h.EncodedLen()) == nil {
			e.handshakeSent[fi] = true
		}
	}
}

func (e *Endpoint) drainRxQueuedCtrl() {
	var remaining []xfer.RxID
	for _, id := range e.rxQueuedCtrl {
		if !e.rx.Arena().Valid(uint32(id)) {
			continue
		}
		entry := e.rx.Arena().Get(uint32(id))
		if len(entry.QueuedPkts) == 0 {
			continue
		}
		if !e.drainQueuedPackets(&entry.QueuedPkts, entry.Peer) {
			remaining = append(remaining, id)
		}
	}
	e.rxQueuedCtrl = remaining
}

func (e *Endpoint) drainTxQueuedCtrl() {
	var remaining []xfer.TxID
	for _, id := range e.txQueuedCtrl {
		if !e.txArena.Valid(uint32(id)) {
			continue
		}
		entry := e.txArena.Get(uint32(id))
		if len(entry.QueuedPkts) == 0 {
			continue
		}
		if !e.drainQueuedPackets(&entry.QueuedPkts, entry.Peer) {
			remaining = append(remaining, id)
		}
	}
	e.txQueuedCtrl = remaining
}

// drainQueuedPackets re-attempts every packet-pool index queued for
// fromPeer, stopping (and reporting incomplete) on the first EAGAIN;
// any other post error aborts the whole queue per spec.md step 6/7
// ("stop on EAGAIN, abort on other error").
func (e *Endpoint) drainQueuedPackets(queue *[]uint32, toPeer addr.FIAddr) (drained bool) {
	rec := e.av.Record(toPeer)
	if rec == nil || rec.AH == nil {
		return false
	}
	remaining := (*queue)[:0]
	for i, idx := range *queue {
		entry := e.packets.Get(idx)
		err := e.transport.PostSend(transport.SendRequest{
			AH:   rec.AH.AHN,
			QPN:  rec.Raw.QPN,
			IOV:  [][]byte{entry.Buf[:entry.N]},
			WRID: makeWRID(wridSendCtrl, idx),
		})
		if err == errs.ErrAgain {
			remaining = append(remaining, (*queue)[i:]...)
			*queue = remaining
			return false
		}
		if err != nil {
			for _, rest := range (*queue)[i:] {
				e.packets.Release(rest)
			}
			e.pushError(CompletionError{Err: err})
			*queue = nil
			return true
		}
	}
	*queue = nil
	return true
}

func (e *Endpoint) driveTxPending() {
	var remaining []xfer.TxID
	for _, id := range e.txPending {
		if !e.txArena.Valid(uint32(id)) {
			continue
		}
		entry := e.txArena.Get(uint32(id))
		sender := e.longctsSend[id]
		if sender == nil {
			continue
		}
		p := e.peerFor(entry.Peer)

		chunks := sender.PlanData()
		blocked := false
		for _, chunk := range chunks {
			if e.outstandingTx >= e.outstandingTxCap {
				blocked = true
				break
			}
			payload := payloadSlice(entry.IOV, chunk.Offset, chunk.Length)
			data := proto.BuildData(entry.PeerRecvID, chunk.Offset, payload, p.ConnID, p.ConnIDKnown)
			if e.postControl(entry.Peer, data, data.EncodedLen()) != nil {
				blocked = true
				continue
			}
			entry.BytesSent = chunk.Offset + chunk.Length
		}

		if sender.Done() && !blocked {
			entry.BytesAcked = entry.BytesSent
			entry.State = xfer.TxDone
			delete(e.longctsSend, id)
			continue
		}
		remaining = append(remaining, id)
	}
	e.txPending = remaining
}

func (e *Endpoint) driveReadPending() {
	var remaining []xfer.RxID
	for _, id := range e.readPending {
		if !e.driveOneReadJob(id) {
			remaining = append(remaining, id)
		}
	}
	e.readPending = remaining
}

// driveOneReadJob posts as many of rxID's remaining RDMA reads as the
// outstanding-tx cap allows, returning true once nothing is left queued
// (whether or not every posted read has completed yet).
func (e *Endpoint) driveOneReadJob(id xfer.RxID) bool {
	job := e.longreads[id]
	if job == nil {
		return true
	}
	i := 0
	for ; i < len(job.pending); i++ {
		if e.outstandingTx >= e.outstandingTxCap {
			break
		}
		if err := e.transport.PostRead(job.pending[i]); err != nil {
			if err == errs.ErrAgain {
				break
			}
			e.pushError(CompletionError{RxID: id, Err: err})
			continue
		}
		e.outstandingTx++
	}
	job.pending = job.pending[i:]
	return len(job.pending) == 0
}

// payloadSlice reads length bytes starting at offset out of a flat
// single-buffer IOV, the shape long-CTS sends use.
func payloadSlice(iov [][]byte, offset, length uint64) []byte {
	if len(iov) != 1 {
		return nil
	}
	buf := iov[0]
	if offset+length > uint64(len(buf)) {
		return nil
	}
	return buf[offset : offset+length]
}

func (e *Endpoint) handleSendCtrlCompletion(idx uint32) {
	entry := e.packets.Get(idx)
	p := e.peers[entry.Src]
	if p != nil {
		p.ResetBackoff()
	}
	e.packets.Release(idx)
}

func (e *Endpoint) handleReadCompletion(id xfer.RxID, c transport.Completion) {
	e.outstandingTx--
	job := e.longreads[id]
	if job == nil {
		return
	}
	job.acked += uint64(c.ByteLen)
	if job.acked < job.total {
		return
	}
	if e.rx.Arena().Valid(uint32(id)) {
		entry := e.rx.Arena().Get(uint32(id))
		entry.BytesReceived = job.acked
		entry.State = xfer.RxDone
	}
	eor := proto.BuildEOR(job.sendID, uint32(id), job.connID, job.hasConnID)
	e.postControl(job.peer, eor, eor.EncodedLen())
	delete(e.longreads, id)
}

func (e *Endpoint) handleRecvCompletion(c transport.Completion) {
	_, idx := splitWRID(c.WRID)
	entry := e.packets.Get(idx)
	buf := entry.Buf
	n := int(c.ByteLen)

	// The Completion's SLID/SrcQP identify the sender's address handle
	// and queue pair; AHN is narrower than SLID on the wire this module
	// assumes, so the low bits are the address-handle number directly
	// (a real EFA provider's SLID->AHN mapping is transport-internal and
	// out of scope for this progress loop).
	fromPeer, ok := e.av.ReverseLookup(addr.AHN(c.SLID), c.SrcQP)
	if !ok {
		e.packets.Release(idx)
		return
	}

	typ, decoded, err := proto.Decode(buf, n)
	if err != nil {
		e.packets.Release(idx)
		e.pushError(CompletionError{Err: err})
		return
	}

	e.dispatchInbound(typ, decoded, fromPeer)
	e.packets.Release(idx)
}

// dispatchInbound routes a decoded packet to the driver in pkg/proto
// that owns its family (dispatch.go's Decode having already narrowed
// the interface{} down to a concrete wire struct).
func (e *Endpoint) dispatchInbound(typ wire.Type, decoded interface{}, fromPeer addr.FIAddr) {
	p := e.peerFor(fromPeer)

	switch pkt := decoded.(type) {
	case wire.Handshake:
		proto.ApplyHandshake(p, pkt)

	case wire.EagerRTM:
		arrival, err := proto.HandleEagerRTM(e.rx, p, fromPeer, pkt)
		if err != nil {
			e.pushError(CompletionError{Err: err})
			return
		}
		if arrival.Matched {
			e.completeFlatRx(arrival.RxID, pkt.Payload)
		}
		if proto.IsDCType(typ) {
			e.sendReceipt(fromPeer, pkt.MsgID, pkt.MsgID)
		}

	case wire.MediumRTM:
		arrival, ok, err := proto.HandleMediumRTM(e.rx, p, fromPeer, e.medium, pkt)
		if err != nil {
			e.pushError(CompletionError{Err: err})
			return
		}
		if ok && arrival.Complete && proto.IsDCType(typ) {
			e.sendReceipt(fromPeer, pkt.MsgID, pkt.MsgID)
		}

	case wire.LongCTSRTM:
		e.handleLongCTSRTM(fromPeer, typ, pkt)

	case wire.LongReadRTM:
		e.handleLongReadRTM(fromPeer, pkt)

	case wire.CTS:
		if sender, ok := e.longctsSend[xfer.TxID(pkt.SendID)]; ok {
			sender.ApplyCTS(pkt)
			if e.txArena.Valid(pkt.SendID) {
				e.txArena.Get(pkt.SendID).PeerRecvID = pkt.RecvID
			}
			e.enqueueTxPending(xfer.TxID(pkt.SendID))
		}

	case wire.Data:
		if !e.handleData(fromPeer, pkt) {
			e.handleWriteData(fromPeer, pkt)
		}

	case wire.Receipt:
		if !e.receipts.Satisfy(pkt) {
			e.pushError(CompletionError{Err: errs.ErrIO})
		}

	case wire.EOR:
		// EOR reaches the side that sent a LONGREAD_{MSG,TAG}RTM. This
		// endpoint's send path never originates one, so there is no TX
		// entry for an EOR to complete and it is ignored; the reading
		// side's handleReadCompletion marks its RX entry done and sends
		// the EOR.

	case wire.EagerRTW:
		if e.resolver == nil {
			e.log.Warnf("endpoint: EAGER_RTW from %v with no TargetResolver configured, dropped", fromPeer)
			return
		}
		if err := proto.ApplyEagerRTW(e.resolver, e.hmemReg, pkt); err != nil {
			e.pushError(CompletionError{Err: err})
		}

	case wire.LongCTSRTW:
		e.handleLongCTSRTW(fromPeer, pkt)

	case wire.AtomicRTA:
		// Numeric-op application requires a datatype/opcode interpreter
		// the application configures; without one this endpoint can
		// originate atomics but not serve as their target.
		e.log.Warnf("endpoint: %v from %v has no configured atomic apply function, dropped", typ, fromPeer)
	}
}

func (e *Endpoint) handleLongCTSRTM(fromPeer addr.FIAddr, typ wire.Type, pkt wire.LongCTSRTM) {
	p := e.peerFor(fromPeer)
	rxID, matched := proto.MatchLongCTSRTM(e.rx, fromPeer, pkt)
	if !matched {
		rxID = e.rx.EnqueueUnexpected(xfer.RxEntry{
			Peer:     fromPeer,
			Tag:      pkt.Tag,
			IsTagged: wire.HasFlag(pkt.Base.Flags, wire.FlagTagged),
		})
	}
	recv := proto.NewLongFlowReceiver(pkt.MsgLength, e.longCTSWindowBytes, pkt.SendID, uint32(rxID))
	recv.Received = uint64(len(pkt.Payload))
	e.longctsRecv[rxID] = recv
	if proto.IsDCType(typ) {
		e.longctsDC[rxID] = dcLongCTSInfo{sendID: pkt.SendID, msgID: pkt.MsgID}
	}

	entry := e.rx.Arena().Get(uint32(rxID))
	copyFlat(entry.IOV, 0, pkt.Payload)
	entry.BytesReceived = uint64(len(pkt.Payload))

	cts := recv.FirstGrant(p.ConnID, p.ConnIDKnown)
	e.postControl(fromPeer, cts, cts.EncodedLen())
}

// handleData applies pkt to the two-sided long-CTS transfer it belongs to,
// if any, reporting false when pkt.RecvID names no such transfer so the
// caller can fall back to the emulated-write path (handleWriteData), which
// uses the same recv_id space for LONGCTS_RTW transfers.
func (e *Endpoint) handleData(fromPeer addr.FIAddr, pkt wire.Data) bool {
	rxID := xfer.RxID(pkt.RecvID)
	recv := e.longctsRecv[rxID]
	if recv == nil || !e.rx.Arena().Valid(uint32(rxID)) {
		return false
	}
	entry := e.rx.Arena().Get(uint32(rxID))
	copyFlat(entry.IOV, pkt.DataOffset, pkt.Payload)
	entry.BytesReceived += uint64(len(pkt.Payload))

	if cts, has := recv.AcceptData(uint64(len(pkt.Payload))); has {
		e.postControl(fromPeer, cts, cts.EncodedLen())
	}
	if recv.Complete() {
		entry.State = xfer.RxDone
		delete(e.longctsRecv, rxID)
		if info, ok := e.longctsDC[rxID]; ok {
			e.sendReceipt(fromPeer, info.msgID, info.sendID)
			delete(e.longctsDC, rxID)
		}
	}
	return true
}

func (e *Endpoint) handleLongReadRTM(fromPeer addr.FIAddr, pkt wire.LongReadRTM) {
	p := e.peerFor(fromPeer)
	rxID, matched := proto.MatchLongReadRTM(e.rx, fromPeer, pkt)
	if !matched {
		rxID = e.rx.EnqueueUnexpected(xfer.RxEntry{
			Peer:     fromPeer,
			Tag:      pkt.Tag,
			IsTagged: wire.HasFlag(pkt.Base.Flags, wire.FlagTagged),
		})
	}
	entry := e.rx.Arena().Get(uint32(rxID))

	reqs, err := proto.PlanReads(pkt.ReadIov, entry.IOV, e.localLKey, 0)
	if err != nil {
		e.pushError(CompletionError{RxID: rxID, Err: err})
		return
	}
	for i := range reqs {
		reqs[i].WRID = makeWRID(wridReadReq, uint32(rxID))
	}

	job := &longReadJob{
		peer:      fromPeer,
		sendID:    pkt.SendID,
		connID:    p.ConnID,
		hasConnID: p.ConnIDKnown,
		total:     pkt.MsgLength,
		pending:   reqs,
	}
	e.longreads[rxID] = job
	if !e.driveOneReadJob(rxID) {
		e.readPending = append(e.readPending, rxID)
	}
}

// sendReceipt encodes and posts a RECEIPT to toPeer. Eager and medium DC
// variants carry no separate send_id on the wire, so callers pass msgID
// for both parameters there; long-CTS RECEIPTs pass the sender's actual
// send_id captured in dcLongCTSInfo.
func (e *Endpoint) sendReceipt(toPeer addr.FIAddr, msgID, sendID uint32) {
	p := e.peerFor(toPeer)
	r := proto.BuildReceipt(sendID, msgID, p.ConnID, p.ConnIDKnown)
	e.postControl(toPeer, r, r.EncodedLen())
}

func (e *Endpoint) enqueueTxPending(id xfer.TxID) {
	for _, existing := range e.txPending {
		if existing == id {
			return
		}
	}
	e.txPending = append(e.txPending, id)
}

// completeFlatRx copies an already-matched entry's payload into its
// posted IOV and marks it done; used by packet families (eager) whose
// entire payload arrives in a single packet.
func (e *Endpoint) completeFlatRx(id xfer.RxID, payload []byte) {
	if !e.rx.Arena().Valid(uint32(id)) {
		return
	}
	entry := e.rx.Arena().Get(uint32(id))
	copyFlat(entry.IOV, 0, payload)
	entry.BytesReceived = uint64(len(payload))
	entry.BytesCopied = entry.BytesReceived
	entry.State = xfer.RxDone
}

func copyFlat(iov [][]byte, offset uint64, data []byte) {
	if len(iov) != 1 {
		return
	}
	dst := iov[0]
	if offset+uint64(len(data)) > uint64(len(dst)) {
		return
	}
	copy(dst[offset:], data)
}

// postControl encodes and posts a single control/REQ packet immediately.
// An EAGAIN or other post error releases the packet buffer and is
// returned to the caller; the caller's own state (a CTS grant already
// recorded, a completed reassembly) is not rolled back, so a lost
// control packet here is recovered the way the wire protocol already
// handles any dropped packet — the peer's own retransmit/timeout path,
// not this endpoint's queued-retry machinery (which only applies to
// the RX/TX-entry-owned queues drainQueuedPackets walks).
func (e *Endpoint) postControl(toPeer addr.FIAddr, pkt interface{ EncodedLen() int }, n int) error {
	rec := e.av.Record(toPeer)
	if rec == nil || rec.AH == nil {
		return errs.ErrAddrNotAvail
	}
	idx, entry, ok := e.packets.Acquire()
	if !ok {
		return errs.ErrNoMem
	}
	entry.Src = toPeer
	entry.IsTx = true
	entry.N = n
	encodeInto(pkt, entry.Buf)

	err := e.transport.PostSend(transport.SendRequest{
		AH:   rec.AH.AHN,
		QPN:  rec.Raw.QPN,
		IOV:  [][]byte{entry.Buf[:n]},
		WRID: makeWRID(wridSendCtrl, idx),
	})
	if err != nil {
		e.packets.Release(idx)
		return err
	}
	return nil
}

// encodeInto dispatches to the concrete packet's Encode method; pkt must
// be one of the pkg/wire encodable types (the interface only captures
// EncodedLen because Go has no common Encode([]byte) interface across
// the wire package's differently-shaped Encode signatures).
func encodeInto(pkt interface{ EncodedLen() int }, out []byte) {
	switch p := pkt.(type) {
	case wire.Handshake:
		p.Encode(out)
	case wire.CTS:
		p.Encode(out)
	case wire.Data:
		p.Encode(out)
	case wire.ReadRsp:
		p.Encode(out)
	case wire.EOR:
		p.Encode(out)
	case wire.Receipt:
		p.Encode(out)
	case wire.EagerRTM:
		p.Encode(out)
	case wire.MediumRTM:
		p.Encode(out)
	case wire.LongCTSRTM:
		p.Encode(out)
	case wire.LongReadRTM:
		p.Encode(out)
	case wire.EagerRTW:
		p.Encode(out)
	case wire.LongCTSRTW:
		p.Encode(out)
	case wire.LongReadRTW:
		p.Encode(out)
	case wire.ShortRTR:
		p.Encode(out)
	case wire.LongCTSRTR:
		p.Encode(out)
	case wire.AtomicRTA:
		p.Encode(out)
	case wire.AtomRsp:
		p.Encode(out)
	}
}
