package proto

import (
	"github.com/fabriclink/efa-rdm/pkg/addr"
	"github.com/fabriclink/efa-rdm/pkg/wire"
	"github.com/fabriclink/efa-rdm/pkg/xfer"
)

// BuildLongCTSRTM encodes the initial packet of a flow-controlled
// transfer, carrying the first payload chunk and the sender's requested
// credit window.
func BuildLongCTSRTM(typ wire.Type, msgID, sendID, creditRequest uint32, msgLength uint64, tagged bool, tag uint64, opt wire.OptionalHeaders, firstChunk []byte) wire.LongCTSRTM {
	flags := wire.FlagMsg
	if tagged {
		flags |= wire.FlagTagged
	}
	return wire.LongCTSRTM{
		Base:          wire.BaseHeader{Type: typ, Version: wire.ProtocolVersion, Flags: flags},
		MsgID:         msgID,
		MsgLength:     msgLength,
		SendID:        sendID,
		CreditRequest: creditRequest,
		Tag:           tag,
		Opt:           opt,
		Payload:       firstChunk,
	}
}

// BuildCTS encodes a CTS granting recvLength bytes of further DATA.
// recvLength must be > 0 whenever more bytes remain, to guarantee
// progress (spec.md section 4.4).
func BuildCTS(sendID, recvID uint32, recvLength uint64, connID uint32, hasConnID bool) wire.CTS {
	return wire.CTS{
		Base:       wire.BaseHeader{Type: wire.TypeCTS, Version: wire.ProtocolVersion},
		SendID:     sendID,
		RecvID:     recvID,
		RecvLength: recvLength,
		ConnID:     connID,
		HasConnID:  hasConnID,
	}
}

// BuildData encodes one DATA chunk of an ongoing long-CTS transfer.
func BuildData(recvID uint32, offset uint64, chunk []byte, connID uint32, hasConnID bool) wire.Data {
	return wire.Data{
		Base:       wire.BaseHeader{Type: wire.TypeData, Version: wire.ProtocolVersion},
		RecvID:     recvID,
		DataLength: uint64(len(chunk)),
		DataOffset: offset,
		ConnID:     connID,
		HasConnID:  hasConnID,
		Payload:    chunk,
	}
}

// DataChunk describes one DATA packet a progress loop still needs to
// post: a slice of the sender's buffer at a given offset.
type DataChunk struct {
	Offset uint64
	Length uint64
}

// LongFlowSender is the sender-side state of a long-CTS transfer (used
// identically by LONGCTS_{MSG,TAG}RTM and LONGCTS_RTW, per spec.md
// section 4.5: "identical flow to LONGCTS message but no tag matching").
type LongFlowSender struct {
	Total      uint64
	Sent       uint64 // bytes already packaged into a DATA packet (may not be acked yet)
	GrantedEnd uint64 // Sent-and-beyond bytes the peer has granted room for, via CTS
	ChunkSize  uint64
}

// ApplyCTS records a CTS, extending the granted window.
func (s *LongFlowSender) ApplyCTS(cts wire.CTS) {
	s.GrantedEnd = s.Sent + cts.RecvLength
	if s.GrantedEnd > s.Total {
		s.GrantedEnd = s.Total
	}
}

// PlanData returns the DATA chunks still sendable under the current
// grant, advancing Sent as it plans them (a progress-loop abort after
// a partial post only needs to roll Sent back to the last acked offset,
// not replan from scratch).
func (s *LongFlowSender) PlanData() []DataChunk {
	var chunks []DataChunk
	for s.Sent < s.GrantedEnd {
		remaining := s.GrantedEnd - s.Sent
		n := s.ChunkSize
		if n == 0 || n > remaining {
			n = remaining
		}
		chunks = append(chunks, DataChunk{Offset: s.Sent, Length: n})
		s.Sent += n
	}
	return chunks
}

// Done reports whether every byte of the transfer has been packaged.
func (s *LongFlowSender) Done() bool { return s.Sent >= s.Total }

// LongFlowReceiver is the receiver-side state: the granted window and
// the buffered byte count, used to decide when to issue the next CTS.
type LongFlowReceiver struct {
	Total        uint64
	Received     uint64
	WindowBytes  uint64 // bytes granted per CTS round
	grantedUpTo  uint64
	SendID       uint32
	RecvID       uint32
}

// NewLongFlowReceiver starts a receiver-side flow for a transfer of the
// given total length, sized windowBytes per CTS round.
func NewLongFlowReceiver(total, windowBytes uint64, sendID, recvID uint32) *LongFlowReceiver {
	if windowBytes == 0 {
		windowBytes = total
	}
	return &LongFlowReceiver{Total: total, WindowBytes: windowBytes, SendID: sendID, RecvID: recvID}
}

// FirstGrant returns the CTS to send immediately after the initial
// LONGCTS_RTM/RTW arrives.
func (r *LongFlowReceiver) FirstGrant(connID uint32, hasConnID bool) wire.CTS {
	grant := r.WindowBytes
	if grant > r.Total {
		grant = r.Total
	}
	r.grantedUpTo = grant
	return BuildCTS(r.SendID, r.RecvID, grant, connID, hasConnID)
}

// AcceptData records data_length bytes received at an arbitrary offset
// (DATA packets may complete out of order within a window; offset
// bookkeeping is the caller's buffer-copy responsibility). It returns a
// follow-up CTS when the current grant has been fully consumed and more
// of the message remains.
func (r *LongFlowReceiver) AcceptData(length uint64) (nextCTS wire.CTS, hasNextCTS bool) {
	r.Received += length
	if r.Received < r.grantedUpTo || r.Received >= r.Total {
		return wire.CTS{}, false
	}
	remaining := r.Total - r.grantedUpTo
	grant := r.WindowBytes
	if grant > remaining {
		grant = remaining
	}
	r.grantedUpTo += grant
	return BuildCTS(r.SendID, r.RecvID, grant, 0, false), true
}

// Complete reports whether the full message has been received.
func (r *LongFlowReceiver) Complete() bool { return r.Received >= r.Total }

// MatchLongCTSRTM matches an inbound LONGCTS_{MSG,TAG}RTM against the
// posted-receive queue exactly as eager/medium do, for the two-sided
// message variant only (the RTW variant addresses memory directly via
// rma_iov and never consults the inbound queue).
func MatchLongCTSRTM(q *xfer.InboundQueue, fromPeer addr.FIAddr, pkt wire.LongCTSRTM) (xfer.RxID, bool) {
	tagged := wire.HasFlag(pkt.Base.Flags, wire.FlagTagged)
	return q.Arrive(tagged, fromPeer, pkt.Tag)
}
