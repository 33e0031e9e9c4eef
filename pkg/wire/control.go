// Non-REQ control and data packets. Each embeds connid directly (rather
// than through the REQ optional-header mechanism), gated by the type's own
// OptConnID flag bit, which in this codec is FlagOptConnID (0x40) reused
// in the same bit position as REQ packets for a uniform Flags() check.
package wire

import "encoding/binary"

// CTS is the clear-to-send flow-control packet. RecvLength must be > 0:
// the receiver must grant at least one packet per CTS to guarantee
// progress (spec.md section 4.4).
type CTS struct {
	Base       BaseHeader
	SendID     uint32
	RecvID     uint32
	RecvLength uint64
	ConnID     uint32
	HasConnID  bool
}

// EncodedLen returns the total wire size of c.
func (c CTS) EncodedLen() int {
	n := BaseHeaderSize + 4 + 4 + 4 + 8
	if c.HasConnID {
		n += 4
	}
	return n
}

// Encode writes c into out.
func (c CTS) Encode(out []byte) {
	if c.HasConnID {
		c.Base.Flags |= FlagOptConnID
	}
	c.Base.Encode(out)
	off := BaseHeaderSize
	binary.LittleEndian.PutUint32(out[off:off+4], 0) // pad
	off += 4
	binary.LittleEndian.PutUint32(out[off:off+4], c.SendID)
	off += 4
	binary.LittleEndian.PutUint32(out[off:off+4], c.RecvID)
	off += 4
	binary.LittleEndian.PutUint64(out[off:off+8], c.RecvLength)
	off += 8
	if c.HasConnID {
		binary.LittleEndian.PutUint32(out[off:off+4], c.ConnID)
	}
}

// DecodeCTS parses a CTS packet.
func DecodeCTS(buf []byte) (CTS, error) {
	base, err := DecodeBaseHeader(buf)
	if err != nil {
		return CTS{}, err
	}
	off := BaseHeaderSize
	if len(buf) < off+20 {
		return CTS{}, ErrShortBuffer
	}
	off += 4 // pad
	sendID := binary.LittleEndian.Uint32(buf[off : off+4])
	off += 4
	recvID := binary.LittleEndian.Uint32(buf[off : off+4])
	off += 4
	recvLength := binary.LittleEndian.Uint64(buf[off : off+8])
	off += 8
	c := CTS{Base: base, SendID: sendID, RecvID: recvID, RecvLength: recvLength}
	if HasFlag(base.Flags, FlagOptConnID) {
		if len(buf) < off+4 {
			return CTS{}, ErrShortBuffer
		}
		c.ConnID = binary.LittleEndian.Uint32(buf[off : off+4])
		c.HasConnID = true
	}
	return c, nil
}

// Data is a DATA packet carrying one chunk of a long-CTS transfer.
type Data struct {
	Base       BaseHeader
	RecvID     uint32
	DataLength uint64
	DataOffset uint64
	ConnID     uint32
	HasConnID  bool
	Payload    []byte
}

func (d Data) mandatoryLen() int {
	n := 4 + 8 + 8
	if d.HasConnID {
		n += 4
	}
	return n
}

// EncodedLen returns the total wire size of d.
func (d Data) EncodedLen() int { return BaseHeaderSize + d.mandatoryLen() + len(d.Payload) }

// Encode writes d into out.
func (d Data) Encode(out []byte) {
	if d.HasConnID {
		d.Base.Flags |= FlagOptConnID
	}
	d.Base.Encode(out)
	off := BaseHeaderSize
	binary.LittleEndian.PutUint32(out[off:off+4], d.RecvID)
	off += 4
	binary.LittleEndian.PutUint64(out[off:off+8], d.DataLength)
	off += 8
	binary.LittleEndian.PutUint64(out[off:off+8], d.DataOffset)
	off += 8
	if d.HasConnID {
		binary.LittleEndian.PutUint32(out[off:off+4], d.ConnID)
		off += 4
	}
	copy(out[off:], d.Payload)
}

// DecodeData parses a DATA packet. pktLen is the total received size.
func DecodeData(buf []byte, pktLen int) (Data, error) {
	base, err := DecodeBaseHeader(buf)
	if err != nil {
		return Data{}, err
	}
	off := BaseHeaderSize
	if len(buf) < off+20 {
		return Data{}, ErrShortBuffer
	}
	recvID := binary.LittleEndian.Uint32(buf[off : off+4])
	off += 4
	dataLength := binary.LittleEndian.Uint64(buf[off : off+8])
	off += 8
	dataOffset := binary.LittleEndian.Uint64(buf[off : off+8])
	off += 8
	d := Data{Base: base, RecvID: recvID, DataLength: dataLength, DataOffset: dataOffset}
	if HasFlag(base.Flags, FlagOptConnID) {
		if len(buf) < off+4 {
			return Data{}, ErrShortBuffer
		}
		d.ConnID = binary.LittleEndian.Uint32(buf[off : off+4])
		d.HasConnID = true
		off += 4
	}
	if pktLen < off {
		return Data{}, ErrShortBuffer
	}
	d.Payload = buf[off:pktLen]
	return d, nil
}

// ReadRsp is a READRSP packet, the reply to a SHORT_RTR.
type ReadRsp struct {
	Base       BaseHeader
	SendID     uint32
	RecvID     uint32
	DataLength uint64
	ConnID     uint32
	HasConnID  bool
	Payload    []byte
}

func (r ReadRsp) mandatoryLen() int {
	n := 4 + 4 + 4 + 8
	if r.HasConnID {
		n += 4
	}
	return n
}

// EncodedLen returns the total wire size of r.
func (r ReadRsp) EncodedLen() int { return BaseHeaderSize + r.mandatoryLen() + len(r.Payload) }

// Encode writes r into out.
func (r ReadRsp) Encode(out []byte) {
	if r.HasConnID {
		r.Base.Flags |= FlagOptConnID
	}
	r.Base.Encode(out)
	off := BaseHeaderSize
	binary.LittleEndian.PutUint32(out[off:off+4], 0) // pad
	off += 4
	binary.LittleEndian.PutUint32(out[off:off+4], r.SendID)
	off += 4
	binary.LittleEndian.PutUint32(out[off:off+4], r.RecvID)
	off += 4
	binary.LittleEndian.PutUint64(out[off:off+8], r.DataLength)
	off += 8
	if r.HasConnID {
		binary.LittleEndian.PutUint32(out[off:off+4], r.ConnID)
		off += 4
	}
	copy(out[off:], r.Payload)
}

// DecodeReadRsp parses a READRSP packet.
func DecodeReadRsp(buf []byte, pktLen int) (ReadRsp, error) {
	base, err := DecodeBaseHeader(buf)
	if err != nil {
		return ReadRsp{}, err
	}
	off := BaseHeaderSize
	if len(buf) < off+20 {
		return ReadRsp{}, ErrShortBuffer
	}
	off += 4 // pad
	sendID := binary.LittleEndian.Uint32(buf[off : off+4])
	off += 4
	recvID := binary.LittleEndian.Uint32(buf[off : off+4])
	off += 4
	dataLength := binary.LittleEndian.Uint64(buf[off : off+8])
	off += 8
	r := ReadRsp{Base: base, SendID: sendID, RecvID: recvID, DataLength: dataLength}
	if HasFlag(base.Flags, FlagOptConnID) {
		if len(buf) < off+4 {
			return ReadRsp{}, ErrShortBuffer
		}
		r.ConnID = binary.LittleEndian.Uint32(buf[off : off+4])
		r.HasConnID = true
		off += 4
	}
	if pktLen < off {
		return ReadRsp{}, ErrShortBuffer
	}
	r.Payload = buf[off:pktLen]
	return r, nil
}

// EOR is the end-of-read packet, terminating an RDMA-read-based transfer.
type EOR struct {
	Base      BaseHeader
	SendID    uint32
	RecvID    uint32
	ConnID    uint32
	HasConnID bool
}

// EncodedLen returns the total wire size of e.
func (e EOR) EncodedLen() int {
	n := BaseHeaderSize + 8
	if e.HasConnID {
		n += 4
	}
	return n
}

// Encode writes e into out.
func (e EOR) Encode(out []byte) {
	if e.HasConnID {
		e.Base.Flags |= FlagOptConnID
	}
	e.Base.Encode(out)
	off := BaseHeaderSize
	binary.LittleEndian.PutUint32(out[off:off+4], e.SendID)
	off += 4
	binary.LittleEndian.PutUint32(out[off:off+4], e.RecvID)
	off += 4
	if e.HasConnID {
		binary.LittleEndian.PutUint32(out[off:off+4], e.ConnID)
	}
}

// DecodeEOR parses an EOR packet.
func DecodeEOR(buf []byte) (EOR, error) {
	base, err := DecodeBaseHeader(buf)
	if err != nil {
		return EOR{}, err
	}
	off := BaseHeaderSize
	if len(buf) < off+8 {
		return EOR{}, ErrShortBuffer
	}
	sendID := binary.LittleEndian.Uint32(buf[off : off+4])
	off += 4
	recvID := binary.LittleEndian.Uint32(buf[off : off+4])
	off += 4
	e := EOR{Base: base, SendID: sendID, RecvID: recvID}
	if HasFlag(base.Flags, FlagOptConnID) {
		if len(buf) < off+4 {
			return EOR{}, ErrShortBuffer
		}
		e.ConnID = binary.LittleEndian.Uint32(buf[off : off+4])
		e.HasConnID = true
	}
	return e, nil
}

// Receipt is the RECEIPT packet sent under the delivery-complete feature,
// acknowledging that a message's payload has been copied (or RDMA-read)
// into the application buffer.
type Receipt struct {
	Base      BaseHeader
	SendID    uint32
	MsgID     uint32
	ConnID    uint32
	HasConnID bool
}

// EncodedLen returns the total wire size of r.
func (r Receipt) EncodedLen() int {
	n := BaseHeaderSize + 12
	if r.HasConnID {
		n += 4
	}
	return n
}

// Encode writes r into out.
func (r Receipt) Encode(out []byte) {
	if r.HasConnID {
		r.Base.Flags |= FlagOptConnID
	}
	r.Base.Encode(out)
	off := BaseHeaderSize
	binary.LittleEndian.PutUint32(out[off:off+4], r.SendID)
	off += 4
	binary.LittleEndian.PutUint32(out[off:off+4], r.MsgID)
	off += 4
	binary.LittleEndian.PutUint32(out[off:off+4], 0) // pad
	off += 4
	if r.HasConnID {
		binary.LittleEndian.PutUint32(out[off:off+4], r.ConnID)
	}
}

// DecodeReceipt parses a RECEIPT packet.
func DecodeReceipt(buf []byte) (Receipt, error) {
	base, err := DecodeBaseHeader(buf)
	if err != nil {
		return Receipt{}, err
	}
	off := BaseHeaderSize
	if len(buf) < off+12 {
		return Receipt{}, ErrShortBuffer
	}
	sendID := binary.LittleEndian.Uint32(buf[off : off+4])
	off += 4
	msgID := binary.LittleEndian.Uint32(buf[off : off+4])
	off += 4
	off += 4 // pad
	r := Receipt{Base: base, SendID: sendID, MsgID: msgID}
	if HasFlag(base.Flags, FlagOptConnID) {
		if len(buf) < off+4 {
			return Receipt{}, ErrShortBuffer
		}
		r.ConnID = binary.LittleEndian.Uint32(buf[off : off+4])
		r.HasConnID = true
	}
	return r, nil
}
