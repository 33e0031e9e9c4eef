package proto

import (
	"github.com/fabriclink/efa-rdm/pkg/errs"
	"github.com/fabriclink/efa-rdm/pkg/peer"
	"github.com/fabriclink/efa-rdm/pkg/wire"
)

// dcType maps a plain RTM/RTW type to its delivery-complete counterpart.
// Types with no DC counterpart (control packets, RTR, RTA) return the
// input type unchanged.
func dcType(t wire.Type) wire.Type {
	switch t {
	case wire.TypeEagerMsgRTM:
		return wire.TypeDCEagerMsgRTM
	case wire.TypeEagerTagRTM:
		return wire.TypeDCEagerTagRTM
	case wire.TypeMediumMsgRTM:
		return wire.TypeDCMediumMsgRTM
	case wire.TypeMediumTagRTM:
		return wire.TypeDCMediumTagRTM
	case wire.TypeLongCTSMsgRTM:
		return wire.TypeDCLongCTSMsgRTM
	case wire.TypeLongCTSTagRTM:
		return wire.TypeDCLongCTSTagRTM
	case wire.TypeEagerRTW:
		return wire.TypeDCEagerRTW
	case wire.TypeLongCTSRTW:
		return wire.TypeDCLongCTSRTW
	default:
		return t
	}
}

// IsDCType reports whether t is one of the DC_ variants that obligates
// the receiver to send a RECEIPT once the payload is fully applied.
func IsDCType(t wire.Type) bool {
	switch t {
	case wire.TypeDCEagerMsgRTM, wire.TypeDCEagerTagRTM,
		wire.TypeDCMediumMsgRTM, wire.TypeDCMediumTagRTM,
		wire.TypeDCLongCTSMsgRTM, wire.TypeDCLongCTSTagRTM,
		wire.TypeDCEagerRTW, wire.TypeDCLongCTSRTW:
		return true
	default:
		return false
	}
}

// SelectReqType returns the wire type to encode a new send with: the
// DC variant of base when deliveryComplete is requested and the peer's
// handshake has advertised support for it, the plain type otherwise. It
// fails with ErrOpNotSupp when the caller demands delivery-complete but
// the peer hasn't (or hasn't yet) advertised support — spec.md section
// 4.6 requires completion to fail outright rather than silently
// downgrade to a normal send.
func SelectReqType(base wire.Type, deliveryComplete bool, p *peer.Peer) (wire.Type, error) {
	if !deliveryComplete {
		return base, nil
	}
	if !p.HasFeature(wire.FeatureDeliveryComplete) {
		return base, errs.ErrOpNotSupp
	}
	return dcType(base), nil
}

// BuildReceipt encodes the RECEIPT a receiver sends once a DC_ packet's
// payload has been fully copied into the application buffer. Long-read
// transfers get no RECEIPT; the reading side sends only an EOR.
func BuildReceipt(sendID, msgID, connID uint32, hasConnID bool) wire.Receipt {
	return wire.Receipt{
		Base:      wire.BaseHeader{Type: wire.TypeReceipt, Version: wire.ProtocolVersion},
		SendID:    sendID,
		MsgID:     msgID,
		ConnID:    connID,
		HasConnID: hasConnID,
	}
}

// PendingReceipts tracks DC sends awaiting their RECEIPT, keyed by the
// send_id the sender assigned. A send's application completion is
// withheld until its entry is cleared here.
type PendingReceipts struct {
	waiting map[uint32]struct{}
}

// NewPendingReceipts constructs an empty tracker.
func NewPendingReceipts() *PendingReceipts {
	return &PendingReceipts{waiting: make(map[uint32]struct{})}
}

// Await registers sendID as awaiting a RECEIPT before its send can
// complete.
func (r *PendingReceipts) Await(sendID uint32) {
	r.waiting[sendID] = struct{}{}
}

// Satisfy processes an inbound RECEIPT, reporting whether sendID was
// actually pending (a RECEIPT for an unknown send_id is a protocol
// error the caller should surface as ErrIO rather than silently drop,
// since it indicates the two sides disagree about which sends are DC).
func (r *PendingReceipts) Satisfy(rcpt wire.Receipt) bool {
	if _, ok := r.waiting[rcpt.SendID]; !ok {
		return false
	}
	delete(r.waiting, rcpt.SendID)
	return true
}

// Pending reports whether sendID is still awaiting its RECEIPT.
func (r *PendingReceipts) Pending(sendID uint32) bool {
	_, ok := r.waiting[sendID]
	return ok
}
