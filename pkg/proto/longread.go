package proto

import (
	"github.com/fabriclink/efa-rdm/pkg/addr"
	"github.com/fabriclink/efa-rdm/pkg/errs"
	"github.com/fabriclink/efa-rdm/pkg/transport"
	"github.com/fabriclink/efa-rdm/pkg/wire"
	"github.com/fabriclink/efa-rdm/pkg/xfer"
)

// BuildLongReadRTM encodes the initial (and only) packet of a zero-copy
// long-read transfer: the sender's registered send buffers, described as
// rma_iov entries the receiver will RDMA-read directly from.
func BuildLongReadRTM(typ wire.Type, msgID, sendID uint32, msgLength uint64, tagged bool, tag uint64, opt wire.OptionalHeaders, readIov []wire.RMAIov) wire.LongReadRTM {
	flags := wire.FlagMsg
	if tagged {
		flags |= wire.FlagTagged
	}
	return wire.LongReadRTM{
		Base:      wire.BaseHeader{Type: typ, Version: wire.ProtocolVersion, Flags: flags},
		MsgID:     msgID,
		MsgLength: msgLength,
		SendID:    sendID,
		Tag:       tag,
		Opt:       opt,
		ReadIov:   readIov,
	}
}

// BuildEOR encodes the end-of-read packet the receiver sends once every
// RDMA read of a long-read transfer has completed.
func BuildEOR(sendID, recvID, connID uint32, hasConnID bool) wire.EOR {
	return wire.EOR{
		Base:      wire.BaseHeader{Type: wire.TypeEOR, Version: wire.ProtocolVersion},
		SendID:    sendID,
		RecvID:    recvID,
		ConnID:    connID,
		HasConnID: hasConnID,
	}
}

// MatchLongReadRTM matches an inbound LONGREAD_{MSG,TAG}RTM against the
// posted-receive queue, for the two-sided message variant.
func MatchLongReadRTM(q *xfer.InboundQueue, fromPeer addr.FIAddr, pkt wire.LongReadRTM) (xfer.RxID, bool) {
	tagged := wire.HasFlag(pkt.Base.Flags, wire.FlagTagged)
	return q.Arrive(tagged, fromPeer, pkt.Tag)
}

// PlanReads pairs the sender's advertised read_iov entries with the
// local (registered) destination buffer, in order, producing one
// transport.ReadRequest per source iov. It fails with ErrInvalid if the
// destination capacity cannot hold every advertised byte.
func PlanReads(readIov []wire.RMAIov, localIOV [][]byte, localLKey uint64, wridBase uint64) ([]transport.ReadRequest, error) {
	reqs := make([]transport.ReadRequest, 0, len(readIov))
	localIdx, localOff := 0, 0
	for i, iov := range readIov {
		remaining := iov.Len
		for remaining > 0 {
			if localIdx >= len(localIOV) {
				return nil, errs.ErrInvalid
			}
			buf := localIOV[localIdx]
			avail := uint64(len(buf) - localOff)
			if avail == 0 {
				localIdx++
				localOff = 0
				continue
			}
			n := remaining
			if n > avail {
				n = avail
			}
			reqs = append(reqs, transport.ReadRequest{
				LocalIOV:   [][]byte{buf[localOff : uint64(localOff)+n]},
				LKey:       localLKey,
				RemoteAddr: iov.Addr + (iov.Len - remaining),
				RKey:       iov.Key,
				Len:        n,
				WRID:       wridBase + uint64(i),
			})
			localOff += int(n)
			remaining -= n
		}
	}
	return reqs, nil
}
