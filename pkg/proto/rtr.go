package proto

import (
	"github.com/fabriclink/efa-rdm/pkg/hmem"
	"github.com/fabriclink/efa-rdm/pkg/wire"
)

// BuildShortRTR encodes a request for the responder to send back the
// data named by rmaIov in a single READRSP.
func BuildShortRTR(rmaIov []wire.RMAIov, opt wire.OptionalHeaders) wire.ShortRTR {
	return wire.ShortRTR{
		Base:   wire.BaseHeader{Type: wire.TypeShortRTR, Version: wire.ProtocolVersion},
		RmaIov: rmaIov,
		Opt:    opt,
	}
}

// BuildLongCTSRTR encodes a request for the responder to send back data
// via the CTS/DATA flow, with the responder acting as sender.
func BuildLongCTSRTR(rmaIov []wire.RMAIov, msgLength uint64, sendID, creditRequest uint32, opt wire.OptionalHeaders) wire.LongCTSRTR {
	return wire.LongCTSRTR{
		Base:          wire.BaseHeader{Type: wire.TypeLongCTSRTR, Version: wire.ProtocolVersion},
		RmaIov:        rmaIov,
		MsgLength:     msgLength,
		SendID:        sendID,
		CreditRequest: creditRequest,
		Opt:           opt,
	}
}

// BuildReadRsp encodes the responder's reply to a SHORT_RTR: the
// gathered bytes named by the requester's rma_iov.
func BuildReadRsp(sendID, recvID uint32, connID uint32, hasConnID bool, payload []byte) wire.ReadRsp {
	return wire.ReadRsp{
		Base:       wire.BaseHeader{Type: wire.TypeReadRsp, Version: wire.ProtocolVersion},
		SendID:     sendID,
		RecvID:     recvID,
		DataLength: uint64(len(payload)),
		ConnID:     connID,
		HasConnID:  hasConnID,
		Payload:    payload,
	}
}

// GatherFrom reads the bytes named by iovs, in order, out of the local
// buffers resolver exposes — the responder side of a SHORT_RTR/
// LONGCTS_RTR, mirroring scatterInto's write direction.
func GatherFrom(resolver TargetResolver, copier *hmem.Registry, iovs []wire.RMAIov, out []byte) (int, error) {
	off := 0
	for _, iov := range iovs {
		buf, iface, dev, err := resolver.Resolve(iov)
		if err != nil {
			return off, err
		}
		n := len(buf)
		if off+n > len(out) {
			n = len(out) - off
		}
		if n <= 0 {
			break
		}
		if err := copier.Copy(iface, dev, out[off:off+n], buf[:n]); err != nil {
			return off, err
		}
		off += n
	}
	return off, nil
}
