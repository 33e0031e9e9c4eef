package proto

import (
	"github.com/fabriclink/efa-rdm/pkg/addr"
	"github.com/fabriclink/efa-rdm/pkg/peer"
	"github.com/fabriclink/efa-rdm/pkg/wire"
	"github.com/fabriclink/efa-rdm/pkg/xfer"
)

// BuildEagerRTM encodes the single packet that carries an entire eager
// message. typ selects the base header's Type (plain or DC variant) so
// callers driving the delivery-complete feature reuse this builder.
func BuildEagerRTM(typ wire.Type, msgID uint32, tagged bool, tag uint64, opt wire.OptionalHeaders, payload []byte) wire.EagerRTM {
	flags := wire.FlagMsg
	if tagged {
		flags |= wire.FlagTagged
	}
	return wire.EagerRTM{
		Base:    wire.BaseHeader{Type: typ, Version: wire.ProtocolVersion, Flags: flags},
		MsgID:   msgID,
		Tag:     tag,
		Opt:     opt,
		Payload: payload,
	}
}

// EagerArrival is the outcome of processing an inbound EAGER_{MSG,TAG}RTM:
// either it matched a posted receive (Matched, RxID valid, payload ready
// to copy) or it becomes an unexpected entry (RxID still valid, holds its
// own copy of the payload for later matching).
type EagerArrival struct {
	RxID       xfer.RxID
	Matched    bool
	DeliverNow bool // false when the reorder buffer is holding the message back
}

// HandleEagerRTM processes a decoded EAGER_{MSG,TAG}RTM from fromPeer.
// It runs the packet's msg_id through the peer's reorder buffer; only a
// deliverable message is matched against the inbound queue or filed as
// unexpected. A message held back by the reorder buffer is the caller's
// responsibility to re-drive once the gap closes (held by the peer's own
// internal bookkeeping; this driver does not buffer the raw packet).
func HandleEagerRTM(q *xfer.InboundQueue, p *peer.Peer, fromPeer addr.FIAddr, pkt wire.EagerRTM) (EagerArrival, error) {
	tagged := wire.HasFlag(pkt.Base.Flags, wire.FlagTagged)
	deliverable, err := p.AcceptMsgID(pkt.MsgID)
	if err != nil {
		return EagerArrival{}, err
	}
	if !deliverable {
		return EagerArrival{DeliverNow: false}, nil
	}

	if id, ok := q.Arrive(tagged, fromPeer, pkt.Tag); ok {
		return EagerArrival{RxID: id, Matched: true, DeliverNow: true}, nil
	}

	payload := append([]byte(nil), pkt.Payload...)
	id := q.EnqueueUnexpected(xfer.RxEntry{
		Peer:     fromPeer,
		Tag:      pkt.Tag,
		IsTagged: tagged,
		IOV:      [][]byte{payload},
		BytesReceived: uint64(len(payload)),
	})
	return EagerArrival{RxID: id, Matched: false, DeliverNow: true}, nil
}
