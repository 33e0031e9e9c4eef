package proto

import (
	"github.com/fabriclink/efa-rdm/pkg/hmem"
	"github.com/fabriclink/efa-rdm/pkg/wire"
)

// TargetResolver maps an rma_iov (advertised by a local registration) to
// the actual local buffer it addresses, so an incoming emulated
// write/read/atomic request can be applied without the protocol core
// knowing anything about how memory registration or device memory works.
// This is the narrow collaborator spec.md section 6 calls `mr`/`hmem`.
type TargetResolver interface {
	Resolve(iov wire.RMAIov) (buf []byte, iface hmem.Iface, deviceID int, err error)
}

// BuildEagerRTW encodes a single-packet emulated write: the target
// rma_iov plus the embedded payload.
func BuildEagerRTW(rmaIov []wire.RMAIov, opt wire.OptionalHeaders, payload []byte) wire.EagerRTW {
	return wire.EagerRTW{
		Base:    wire.BaseHeader{Type: wire.TypeEagerRTW, Version: wire.ProtocolVersion},
		RmaIov:  rmaIov,
		Opt:     opt,
		Payload: payload,
	}
}

// ApplyEagerRTW writes pkt's payload into the buffer(s) its rma_iov
// entries describe, using copier for any iface crossing (hmem.System
// for ordinary host memory).
func ApplyEagerRTW(resolver TargetResolver, copier *hmem.Registry, pkt wire.EagerRTW) error {
	return scatterInto(resolver, copier, pkt.RmaIov, pkt.Payload)
}

// BuildLongCTSRTW encodes the initial packet of a flow-controlled
// emulated write; the remainder of the flow is driven by LongFlowSender/
// LongFlowReceiver exactly as for LONGCTS_{MSG,TAG}RTM.
func BuildLongCTSRTW(rmaIov []wire.RMAIov, msgLength uint64, sendID, creditRequest uint32, opt wire.OptionalHeaders, firstChunk []byte) wire.LongCTSRTW {
	return wire.LongCTSRTW{
		Base:          wire.BaseHeader{Type: wire.TypeLongCTSRTW, Version: wire.ProtocolVersion},
		RmaIov:        rmaIov,
		MsgLength:     msgLength,
		SendID:        sendID,
		CreditRequest: creditRequest,
		Opt:           opt,
		Payload:       firstChunk,
	}
}

// BuildLongReadRTW encodes an emulated write whose payload the responder
// pulls via RDMA read: rmaIov names the target buffer on the responder,
// readIov names the source buffers on the requester.
func BuildLongReadRTW(rmaIov, readIov []wire.RMAIov, msgLength uint64, sendID uint32, opt wire.OptionalHeaders) wire.LongReadRTW {
	return wire.LongReadRTW{
		Base:      wire.BaseHeader{Type: wire.TypeLongReadRTW, Version: wire.ProtocolVersion},
		RmaIov:    rmaIov,
		ReadIov:   readIov,
		MsgLength: msgLength,
		SendID:    sendID,
		Opt:       opt,
	}
}

// scatterInto writes payload across iovs in order, resolving each
// through resolver and copying via copier.
func scatterInto(resolver TargetResolver, copier *hmem.Registry, iovs []wire.RMAIov, payload []byte) error {
	off := 0
	for _, iov := range iovs {
		buf, iface, dev, err := resolver.Resolve(iov)
		if err != nil {
			return err
		}
		n := len(buf)
		if off+n > len(payload) {
			n = len(payload) - off
		}
		if n <= 0 {
			break
		}
		if err := copier.Copy(iface, dev, buf[:n], payload[off:off+n]); err != nil {
			return err
		}
		off += n
	}
	return nil
}
