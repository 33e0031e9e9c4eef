package wire

import "encoding/binary"

// EagerRTM is the mandatory header of EAGER_{MSG,TAG}RTM. The payload
// length is derived from the packet size minus the header length; no
// length field is carried on the wire.
type EagerRTM struct {
	Base   BaseHeader
	MsgID  uint32
	Tag    uint64 // valid iff Base.Flags has FlagTagged
	Opt    OptionalHeaders
	Payload []byte
}

func (p EagerRTM) mandatoryLen() int {
	if HasFlag(p.Base.Flags, FlagTagged) {
		return 4 + 8
	}
	return 4
}

// EncodedLen returns the total wire size of p.
func (p EagerRTM) EncodedLen() int {
	return BaseHeaderSize + p.mandatoryLen() + p.Opt.EncodedLen() + len(p.Payload)
}

// Encode writes p into out, which must be at least p.EncodedLen() bytes.
func (p EagerRTM) Encode(out []byte) {
	p.Base.Flags |= p.Opt.Flags()
	p.Base.Encode(out)
	off := BaseHeaderSize
	binary.LittleEndian.PutUint32(out[off:off+4], p.MsgID)
	off += 4
	if HasFlag(p.Base.Flags, FlagTagged) {
		binary.LittleEndian.PutUint64(out[off:off+8], p.Tag)
		off += 8
	}
	off += p.Opt.Encode(out[off:])
	copy(out[off:], p.Payload)
}

// DecodeEagerRTM parses an EAGER_{MSG,TAG}RTM packet. pktLen is the total
// received size, used to derive the payload length.
func DecodeEagerRTM(buf []byte, pktLen int) (EagerRTM, error) {
	base, err := DecodeBaseHeader(buf)
	if err != nil {
		return EagerRTM{}, err
	}
	off := BaseHeaderSize
	if len(buf) < off+4 {
		return EagerRTM{}, ErrShortBuffer
	}
	msgID := binary.LittleEndian.Uint32(buf[off : off+4])
	off += 4
	var tag uint64
	if HasFlag(base.Flags, FlagTagged) {
		if len(buf) < off+8 {
			return EagerRTM{}, ErrShortBuffer
		}
		tag = binary.LittleEndian.Uint64(buf[off : off+8])
		off += 8
	}
	opt, n, err := DecodeOptionalHeaders(buf[off:], base.Flags)
	if err != nil {
		return EagerRTM{}, err
	}
	off += n
	if pktLen < off {
		return EagerRTM{}, ErrShortBuffer
	}
	return EagerRTM{Base: base, MsgID: msgID, Tag: tag, Opt: opt, Payload: buf[off:pktLen]}, nil
}

// MediumRTM is the mandatory header of MEDIUM_{MSG,TAG}RTM: one segment of
// a message that may be split across multiple packets, reassembled by
// SegOffset on the receiver side.
type MediumRTM struct {
	Base      BaseHeader
	MsgID     uint32
	SegLength uint64
	SegOffset uint64
	Tag       uint64
	Opt       OptionalHeaders
	Payload   []byte
}

func (p MediumRTM) mandatoryLen() int {
	n := 4 + 8 + 8
	if HasFlag(p.Base.Flags, FlagTagged) {
		n += 8
	}
	return n
}

// EncodedLen returns the total wire size of p.
func (p MediumRTM) EncodedLen() int {
	return BaseHeaderSize + p.mandatoryLen() + p.Opt.EncodedLen() + len(p.Payload)
}

// Encode writes p into out.
func (p MediumRTM) Encode(out []byte) {
	p.Base.Flags |= p.Opt.Flags()
	p.Base.Encode(out)
	off := BaseHeaderSize
	binary.LittleEndian.PutUint32(out[off:off+4], p.MsgID)
	off += 4
	binary.LittleEndian.PutUint64(out[off:off+8], p.SegLength)
	off += 8
	binary.LittleEndian.PutUint64(out[off:off+8], p.SegOffset)
	off += 8
	if HasFlag(p.Base.Flags, FlagTagged) {
		binary.LittleEndian.PutUint64(out[off:off+8], p.Tag)
		off += 8
	}
	off += p.Opt.Encode(out[off:])
	copy(out[off:], p.Payload)
}

// DecodeMediumRTM parses a MEDIUM_{MSG,TAG}RTM packet.
func DecodeMediumRTM(buf []byte, pktLen int) (MediumRTM, error) {
	base, err := DecodeBaseHeader(buf)
	if err != nil {
		return MediumRTM{}, err
	}
	off := BaseHeaderSize
	if len(buf) < off+20 {
		return MediumRTM{}, ErrShortBuffer
	}
	msgID := binary.LittleEndian.Uint32(buf[off : off+4])
	off += 4
	segLength := binary.LittleEndian.Uint64(buf[off : off+8])
	off += 8
	segOffset := binary.LittleEndian.Uint64(buf[off : off+8])
	off += 8
	var tag uint64
	if HasFlag(base.Flags, FlagTagged) {
		if len(buf) < off+8 {
			return MediumRTM{}, ErrShortBuffer
		}
		tag = binary.LittleEndian.Uint64(buf[off : off+8])
		off += 8
	}
	opt, n, err := DecodeOptionalHeaders(buf[off:], base.Flags)
	if err != nil {
		return MediumRTM{}, err
	}
	off += n
	if pktLen < off {
		return MediumRTM{}, ErrShortBuffer
	}
	return MediumRTM{Base: base, MsgID: msgID, SegLength: segLength, SegOffset: segOffset, Tag: tag, Opt: opt, Payload: buf[off:pktLen]}, nil
}

// LongCTSRTM is the mandatory header of LONGCTS_{MSG,TAG}RTM: the initial
// packet of a flow-controlled long transfer, carrying the first payload
// chunk alongside the sender's requested credit window.
type LongCTSRTM struct {
	Base          BaseHeader
	MsgID         uint32
	MsgLength     uint64
	SendID        uint32
	CreditRequest uint32
	Tag           uint64
	Opt           OptionalHeaders
	Payload       []byte
}

func (p LongCTSRTM) mandatoryLen() int {
	n := 4 + 8 + 4 + 4
	if HasFlag(p.Base.Flags, FlagTagged) {
		n += 8
	}
	return n
}

// EncodedLen returns the total wire size of p.
func (p LongCTSRTM) EncodedLen() int {
	return BaseHeaderSize + p.mandatoryLen() + p.Opt.EncodedLen() + len(p.Payload)
}

// Encode writes p into out.
func (p LongCTSRTM) Encode(out []byte) {
	p.Base.Flags |= p.Opt.Flags()
	p.Base.Encode(out)
	off := BaseHeaderSize
	binary.LittleEndian.PutUint32(out[off:off+4], p.MsgID)
	off += 4
	binary.LittleEndian.PutUint64(out[off:off+8], p.MsgLength)
	off += 8
	binary.LittleEndian.PutUint32(out[off:off+4], p.SendID)
	off += 4
	binary.LittleEndian.PutUint32(out[off:off+4], p.CreditRequest)
	off += 4
	if HasFlag(p.Base.Flags, FlagTagged) {
		binary.LittleEndian.PutUint64(out[off:off+8], p.Tag)
		off += 8
	}
	off += p.Opt.Encode(out[off:])
	copy(out[off:], p.Payload)
}

// DecodeLongCTSRTM parses a LONGCTS_{MSG,TAG}RTM packet.
func DecodeLongCTSRTM(buf []byte, pktLen int) (LongCTSRTM, error) {
	base, err := DecodeBaseHeader(buf)
	if err != nil {
		return LongCTSRTM{}, err
	}
	off := BaseHeaderSize
	if len(buf) < off+20 {
		return LongCTSRTM{}, ErrShortBuffer
	}
	msgID := binary.LittleEndian.Uint32(buf[off : off+4])
	off += 4
	msgLength := binary.LittleEndian.Uint64(buf[off : off+8])
	off += 8
	sendID := binary.LittleEndian.Uint32(buf[off : off+4])
	off += 4
	creditRequest := binary.LittleEndian.Uint32(buf[off : off+4])
	off += 4
	var tag uint64
	if HasFlag(base.Flags, FlagTagged) {
		if len(buf) < off+8 {
			return LongCTSRTM{}, ErrShortBuffer
		}
		tag = binary.LittleEndian.Uint64(buf[off : off+8])
		off += 8
	}
	opt, n, err := DecodeOptionalHeaders(buf[off:], base.Flags)
	if err != nil {
		return LongCTSRTM{}, err
	}
	off += n
	if pktLen < off {
		return LongCTSRTM{}, ErrShortBuffer
	}
	return LongCTSRTM{Base: base, MsgID: msgID, MsgLength: msgLength, SendID: sendID, CreditRequest: creditRequest, Tag: tag, Opt: opt, Payload: buf[off:pktLen]}, nil
}

// LongReadRTM is the mandatory header of LONGREAD_{MSG,TAG}RTM: describes
// the sender's registered send buffers so the receiver can RDMA-read them
// directly into the application receive buffer.
type LongReadRTM struct {
	Base         BaseHeader
	MsgID        uint32
	MsgLength    uint64
	SendID       uint32
	Tag          uint64
	Opt          OptionalHeaders
	ReadIov      []RMAIov
}

func (p LongReadRTM) mandatoryLen() int {
	n := 4 + 8 + 4 + 4 // msg_id, msg_length, send_id, read_iov_count
	if HasFlag(p.Base.Flags, FlagTagged) {
		n += 8
	}
	return n
}

// EncodedLen returns the total wire size of p.
func (p LongReadRTM) EncodedLen() int {
	return BaseHeaderSize + p.mandatoryLen() + p.Opt.EncodedLen() + len(p.ReadIov)*RMAIovSize
}

// Encode writes p into out.
func (p LongReadRTM) Encode(out []byte) {
	p.Base.Flags |= p.Opt.Flags()
	p.Base.Encode(out)
	off := BaseHeaderSize
	binary.LittleEndian.PutUint32(out[off:off+4], p.MsgID)
	off += 4
	binary.LittleEndian.PutUint64(out[off:off+8], p.MsgLength)
	off += 8
	binary.LittleEndian.PutUint32(out[off:off+4], p.SendID)
	off += 4
	binary.LittleEndian.PutUint32(out[off:off+4], uint32(len(p.ReadIov)))
	off += 4
	if HasFlag(p.Base.Flags, FlagTagged) {
		binary.LittleEndian.PutUint64(out[off:off+8], p.Tag)
		off += 8
	}
	off += p.Opt.Encode(out[off:])
	EncodeRMAIovs(p.ReadIov, out[off:])
}

// DecodeLongReadRTM parses a LONGREAD_{MSG,TAG}RTM packet.
func DecodeLongReadRTM(buf []byte, pktLen int) (LongReadRTM, error) {
	base, err := DecodeBaseHeader(buf)
	if err != nil {
		return LongReadRTM{}, err
	}
	off := BaseHeaderSize
	if len(buf) < off+20 {
		return LongReadRTM{}, ErrShortBuffer
	}
	msgID := binary.LittleEndian.Uint32(buf[off : off+4])
	off += 4
	msgLength := binary.LittleEndian.Uint64(buf[off : off+8])
	off += 8
	sendID := binary.LittleEndian.Uint32(buf[off : off+4])
	off += 4
	readIovCount := binary.LittleEndian.Uint32(buf[off : off+4])
	off += 4
	var tag uint64
	if HasFlag(base.Flags, FlagTagged) {
		if len(buf) < off+8 {
			return LongReadRTM{}, ErrShortBuffer
		}
		tag = binary.LittleEndian.Uint64(buf[off : off+8])
		off += 8
	}
	opt, n, err := DecodeOptionalHeaders(buf[off:], base.Flags)
	if err != nil {
		return LongReadRTM{}, err
	}
	off += n
	iovs, err := DecodeRMAIovs(buf[off:pktLen], int(readIovCount))
	if err != nil {
		return LongReadRTM{}, err
	}
	return LongReadRTM{Base: base, MsgID: msgID, MsgLength: msgLength, SendID: sendID, Tag: tag, Opt: opt, ReadIov: iovs}, nil
}
