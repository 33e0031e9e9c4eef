package proto

import (
	"sort"

	"github.com/fabriclink/efa-rdm/pkg/addr"
	"github.com/fabriclink/efa-rdm/pkg/peer"
	"github.com/fabriclink/efa-rdm/pkg/wire"
	"github.com/fabriclink/efa-rdm/pkg/xfer"
)

// BuildMediumRTM encodes one segment of a medium message.
func BuildMediumRTM(typ wire.Type, msgID uint32, segOffset uint64, tagged bool, tag uint64, opt wire.OptionalHeaders, segment []byte) wire.MediumRTM {
	flags := wire.FlagMsg
	if tagged {
		flags |= wire.FlagTagged
	}
	return wire.MediumRTM{
		Base:      wire.BaseHeader{Type: typ, Version: wire.ProtocolVersion, Flags: flags},
		MsgID:     msgID,
		SegLength: uint64(len(segment)),
		SegOffset: segOffset,
		Tag:       tag,
		Opt:       opt,
		Payload:   segment,
	}
}

// Segment splits payload into the offsets of the cap-bounded chunks a
// medium burst sends. cap is the driver-chosen maximum segment size (MTU
// minus header overhead). It keeps no record of which segments the
// transport accepted: the endpoint's sendMedium posts them in order and
// returns the first post error, which fails the whole send; segments
// are not re-driven from the progress loop.
func Segment(payload []byte, cap int) []uint64 {
	if cap <= 0 {
		return nil
	}
	offsets := make([]uint64, 0, (len(payload)+cap-1)/cap)
	for off := 0; off < len(payload); off += cap {
		offsets = append(offsets, uint64(off))
	}
	return offsets
}

type mediumKey struct {
	msgID uint32
	peer  addr.FIAddr
}

type mediumAssembly struct {
	segments map[uint64][]byte
	buffered uint64
	rx       *xfer.RxEntry
	rxID     xfer.RxID
	hasRx    bool
}

// MediumReassembler tracks in-flight medium messages keyed by
// (msg_id, peer), merging out-of-order segments by seg_offset until the
// matched receive buffer's full capacity has been filled.
type MediumReassembler struct {
	inflight map[mediumKey]*mediumAssembly
}

// NewMediumReassembler constructs an empty reassembler.
func NewMediumReassembler() *MediumReassembler {
	return &MediumReassembler{inflight: make(map[mediumKey]*mediumAssembly)}
}

// MediumArrival reports the outcome of processing one medium segment.
type MediumArrival struct {
	RxID     xfer.RxID
	Complete bool // true once every byte of the matched buffer has arrived
}

// HandleMediumRTM processes one inbound segment. The message's msg_id
// still passes through the peer's reorder buffer so whole-message
// ordering holds even though individual segments may arrive out of
// order; the reorder check only gates when the *first* segment of a
// message is allowed to start an assembly (subsequent segments for an
// already-admitted message bypass it, since they share the admitted
// msg_id).
func HandleMediumRTM(q *xfer.InboundQueue, p *peer.Peer, fromPeer addr.FIAddr, r *MediumReassembler, pkt wire.MediumRTM) (MediumArrival, bool, error) {
	tagged := wire.HasFlag(pkt.Base.Flags, wire.FlagTagged)
	key := mediumKey{msgID: pkt.MsgID, peer: fromPeer}

	asm, exists := r.inflight[key]
	if !exists {
		deliverable, err := p.AcceptMsgID(pkt.MsgID)
		if err != nil {
			return MediumArrival{}, false, err
		}
		if !deliverable {
			return MediumArrival{}, false, nil
		}
		asm = &mediumAssembly{segments: make(map[uint64][]byte)}
		r.inflight[key] = asm
	}

	asm.segments[pkt.SegOffset] = append([]byte(nil), pkt.Payload...)
	asm.buffered += uint64(len(pkt.Payload))

	if !asm.hasRx {
		if id, ok := q.Arrive(tagged, fromPeer, pkt.Tag); ok {
			asm.rxID = id
			asm.rx = q.Arena().Get(uint32(id))
			asm.hasRx = true
		}
	}

	if !asm.hasRx {
		return MediumArrival{}, false, nil
	}

	capacity := iovCapacity(asm.rx.IOV)
	if asm.buffered < uint64(capacity) {
		return MediumArrival{RxID: asm.rxID}, true, nil
	}

	copyAssembledInto(asm)
	delete(r.inflight, key)
	return MediumArrival{RxID: asm.rxID, Complete: true}, true, nil
}

func iovCapacity(iov [][]byte) int {
	n := 0
	for _, b := range iov {
		n += len(b)
	}
	return n
}

// copyAssembledInto writes asm's segments, ordered by offset, into the
// matched RX entry's single flat IOV buffer.
func copyAssembledInto(asm *mediumAssembly) {
	offsets := make([]uint64, 0, len(asm.segments))
	for off := range asm.segments {
		offsets = append(offsets, off)
	}
	sort.Slice(offsets, func(i, j int) bool { return offsets[i] < offsets[j] })

	if len(asm.rx.IOV) != 1 {
		return // caller is expected to post a single flat buffer for medium recvs
	}
	dst := asm.rx.IOV[0]
	for _, off := range offsets {
		seg := asm.segments[off]
		if int(off)+len(seg) > len(dst) {
			continue
		}
		copy(dst[off:], seg)
	}
	asm.rx.BytesReceived = asm.buffered
	asm.rx.BytesCopied = asm.buffered
}
