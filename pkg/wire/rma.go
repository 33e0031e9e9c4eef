// Emulated one-sided (RMA/atomic) REQ packets. Each begins with
// rma_iov_count plus an rma_iov[] array describing the target buffer on
// the responder (spec.md section 4.5).
package wire

import "encoding/binary"

// EagerRTW is a single-packet emulated write: the rma_iov describing the
// target buffer followed by the embedded payload.
type EagerRTW struct {
	Base    BaseHeader
	RmaIov  []RMAIov
	Opt     OptionalHeaders
	Payload []byte
}

// EncodedLen returns the total wire size of p.
func (p EagerRTW) EncodedLen() int {
	return BaseHeaderSize + 4 + len(p.RmaIov)*RMAIovSize + p.Opt.EncodedLen() + len(p.Payload)
}

// Encode writes p into out.
func (p EagerRTW) Encode(out []byte) {
	p.Base.Flags |= p.Opt.Flags() | FlagRMA
	p.Base.Encode(out)
	off := BaseHeaderSize
	binary.LittleEndian.PutUint32(out[off:off+4], uint32(len(p.RmaIov)))
	off += 4
	EncodeRMAIovs(p.RmaIov, out[off:])
	off += len(p.RmaIov) * RMAIovSize
	off += p.Opt.Encode(out[off:])
	copy(out[off:], p.Payload)
}

// DecodeEagerRTW parses an EAGER_RTW packet.
func DecodeEagerRTW(buf []byte, pktLen int) (EagerRTW, error) {
	base, count, off, err := decodeRmaPrefix(buf)
	if err != nil {
		return EagerRTW{}, err
	}
	iovs, err := DecodeRMAIovs(buf[off:], count)
	if err != nil {
		return EagerRTW{}, err
	}
	off += count * RMAIovSize
	opt, n, err := DecodeOptionalHeaders(buf[off:], base.Flags)
	if err != nil {
		return EagerRTW{}, err
	}
	off += n
	if pktLen < off {
		return EagerRTW{}, ErrShortBuffer
	}
	return EagerRTW{Base: base, RmaIov: iovs, Opt: opt, Payload: buf[off:pktLen]}, nil
}

// LongCTSRTW is the initial packet of a flow-controlled emulated write;
// the remainder of the flow is identical to LONGCTS_{MSG,TAG}RTM (CTS/DATA
// exchange), keyed by the same SendID semantics.
type LongCTSRTW struct {
	Base          BaseHeader
	RmaIov        []RMAIov
	MsgLength     uint64
	SendID        uint32
	CreditRequest uint32
	Opt           OptionalHeaders
	Payload       []byte
}

// EncodedLen returns the total wire size of p.
func (p LongCTSRTW) EncodedLen() int {
	return BaseHeaderSize + 4 + len(p.RmaIov)*RMAIovSize + 16 + p.Opt.EncodedLen() + len(p.Payload)
}

// Encode writes p into out.
func (p LongCTSRTW) Encode(out []byte) {
	p.Base.Flags |= p.Opt.Flags() | FlagRMA
	p.Base.Encode(out)
	off := BaseHeaderSize
	binary.LittleEndian.PutUint32(out[off:off+4], uint32(len(p.RmaIov)))
	off += 4
	EncodeRMAIovs(p.RmaIov, out[off:])
	off += len(p.RmaIov) * RMAIovSize
	binary.LittleEndian.PutUint64(out[off:off+8], p.MsgLength)
	off += 8
	binary.LittleEndian.PutUint32(out[off:off+4], p.SendID)
	off += 4
	binary.LittleEndian.PutUint32(out[off:off+4], p.CreditRequest)
	off += 4
	off += p.Opt.Encode(out[off:])
	copy(out[off:], p.Payload)
}

// DecodeLongCTSRTW parses a LONGCTS_RTW packet.
func DecodeLongCTSRTW(buf []byte, pktLen int) (LongCTSRTW, error) {
	base, count, off, err := decodeRmaPrefix(buf)
	if err != nil {
		return LongCTSRTW{}, err
	}
	iovs, err := DecodeRMAIovs(buf[off:], count)
	if err != nil {
		return LongCTSRTW{}, err
	}
	off += count * RMAIovSize
	if len(buf) < off+16 {
		return LongCTSRTW{}, ErrShortBuffer
	}
	msgLength := binary.LittleEndian.Uint64(buf[off : off+8])
	off += 8
	sendID := binary.LittleEndian.Uint32(buf[off : off+4])
	off += 4
	creditRequest := binary.LittleEndian.Uint32(buf[off : off+4])
	off += 4
	opt, n, err := DecodeOptionalHeaders(buf[off:], base.Flags)
	if err != nil {
		return LongCTSRTW{}, err
	}
	off += n
	if pktLen < off {
		return LongCTSRTW{}, ErrShortBuffer
	}
	return LongCTSRTW{Base: base, RmaIov: iovs, MsgLength: msgLength, SendID: sendID, CreditRequest: creditRequest, Opt: opt, Payload: buf[off:pktLen]}, nil
}

// LongReadRTW carries both the rma_iov (target on the responder) and the
// read_iov (source on the requester, which the responder reads).
type LongReadRTW struct {
	Base      BaseHeader
	RmaIov    []RMAIov
	ReadIov   []RMAIov
	MsgLength uint64
	SendID    uint32
	Opt       OptionalHeaders
}

// EncodedLen returns the total wire size of p.
func (p LongReadRTW) EncodedLen() int {
	return BaseHeaderSize + 4 + len(p.RmaIov)*RMAIovSize + 16 + 4 + len(p.ReadIov)*RMAIovSize + p.Opt.EncodedLen()
}

// Encode writes p into out.
func (p LongReadRTW) Encode(out []byte) {
	p.Base.Flags |= p.Opt.Flags() | FlagRMA
	p.Base.Encode(out)
	off := BaseHeaderSize
	binary.LittleEndian.PutUint32(out[off:off+4], uint32(len(p.RmaIov)))
	off += 4
	EncodeRMAIovs(p.RmaIov, out[off:])
	off += len(p.RmaIov) * RMAIovSize
	binary.LittleEndian.PutUint64(out[off:off+8], p.MsgLength)
	off += 8
	binary.LittleEndian.PutUint32(out[off:off+4], p.SendID)
	off += 4
	binary.LittleEndian.PutUint32(out[off:off+4], uint32(len(p.ReadIov)))
	off += 4
	EncodeRMAIovs(p.ReadIov, out[off:])
	off += len(p.ReadIov) * RMAIovSize
	p.Opt.Encode(out[off:])
}

// DecodeLongReadRTW parses a LONGREAD_RTW packet.
func DecodeLongReadRTW(buf []byte) (LongReadRTW, error) {
	base, count, off, err := decodeRmaPrefix(buf)
	if err != nil {
		return LongReadRTW{}, err
	}
	rmaIov, err := DecodeRMAIovs(buf[off:], count)
	if err != nil {
		return LongReadRTW{}, err
	}
	off += count * RMAIovSize
	if len(buf) < off+16 {
		return LongReadRTW{}, ErrShortBuffer
	}
	msgLength := binary.LittleEndian.Uint64(buf[off : off+8])
	off += 8
	sendID := binary.LittleEndian.Uint32(buf[off : off+4])
	off += 4
	readIovCount := int(binary.LittleEndian.Uint32(buf[off : off+4]))
	off += 4
	readIov, err := DecodeRMAIovs(buf[off:], readIovCount)
	if err != nil {
		return LongReadRTW{}, err
	}
	off += readIovCount * RMAIovSize
	opt, _, err := DecodeOptionalHeaders(buf[off:], base.Flags)
	if err != nil {
		return LongReadRTW{}, err
	}
	return LongReadRTW{Base: base, RmaIov: rmaIov, ReadIov: readIov, MsgLength: msgLength, SendID: sendID, Opt: opt}, nil
}

// ShortRTR asks the responder to send data back in a single READRSP.
type ShortRTR struct {
	Base   BaseHeader
	RmaIov []RMAIov
	Opt    OptionalHeaders
}

// EncodedLen returns the total wire size of p.
func (p ShortRTR) EncodedLen() int {
	return BaseHeaderSize + 4 + len(p.RmaIov)*RMAIovSize + p.Opt.EncodedLen()
}

// Encode writes p into out.
func (p ShortRTR) Encode(out []byte) {
	p.Base.Flags |= p.Opt.Flags() | FlagRMA
	p.Base.Encode(out)
	off := BaseHeaderSize
	binary.LittleEndian.PutUint32(out[off:off+4], uint32(len(p.RmaIov)))
	off += 4
	EncodeRMAIovs(p.RmaIov, out[off:])
	off += len(p.RmaIov) * RMAIovSize
	p.Opt.Encode(out[off:])
}

// DecodeShortRTR parses a SHORT_RTR packet.
func DecodeShortRTR(buf []byte) (ShortRTR, error) {
	base, count, off, err := decodeRmaPrefix(buf)
	if err != nil {
		return ShortRTR{}, err
	}
	iovs, err := DecodeRMAIovs(buf[off:], count)
	if err != nil {
		return ShortRTR{}, err
	}
	off += count * RMAIovSize
	opt, _, err := DecodeOptionalHeaders(buf[off:], base.Flags)
	if err != nil {
		return ShortRTR{}, err
	}
	return ShortRTR{Base: base, RmaIov: iovs, Opt: opt}, nil
}

// LongCTSRTR asks the responder to send data back via the DATA flow used
// by long-CTS transfers, with the responder acting as sender.
type LongCTSRTR struct {
	Base          BaseHeader
	RmaIov        []RMAIov
	MsgLength     uint64
	SendID        uint32
	CreditRequest uint32
	Opt           OptionalHeaders
}

// EncodedLen returns the total wire size of p.
func (p LongCTSRTR) EncodedLen() int {
	return BaseHeaderSize + 4 + len(p.RmaIov)*RMAIovSize + 16 + p.Opt.EncodedLen()
}

// Encode writes p into out.
func (p LongCTSRTR) Encode(out []byte) {
	p.Base.Flags |= p.Opt.Flags() | FlagRMA
	p.Base.Encode(out)
	off := BaseHeaderSize
	binary.LittleEndian.PutUint32(out[off:off+4], uint32(len(p.RmaIov)))
	off += 4
	EncodeRMAIovs(p.RmaIov, out[off:])
	off += len(p.RmaIov) * RMAIovSize
	binary.LittleEndian.PutUint64(out[off:off+8], p.MsgLength)
	off += 8
	binary.LittleEndian.PutUint32(out[off:off+4], p.SendID)
	off += 4
	binary.LittleEndian.PutUint32(out[off:off+4], p.CreditRequest)
	off += 4
	p.Opt.Encode(out[off:])
}

// DecodeLongCTSRTR parses a LONGCTS_RTR packet.
func DecodeLongCTSRTR(buf []byte) (LongCTSRTR, error) {
	base, count, off, err := decodeRmaPrefix(buf)
	if err != nil {
		return LongCTSRTR{}, err
	}
	iovs, err := DecodeRMAIovs(buf[off:], count)
	if err != nil {
		return LongCTSRTR{}, err
	}
	off += count * RMAIovSize
	if len(buf) < off+16 {
		return LongCTSRTR{}, ErrShortBuffer
	}
	msgLength := binary.LittleEndian.Uint64(buf[off : off+8])
	off += 8
	sendID := binary.LittleEndian.Uint32(buf[off : off+4])
	off += 4
	creditRequest := binary.LittleEndian.Uint32(buf[off : off+4])
	off += 4
	opt, _, err := DecodeOptionalHeaders(buf[off:], base.Flags)
	if err != nil {
		return LongCTSRTR{}, err
	}
	return LongCTSRTR{Base: base, RmaIov: iovs, MsgLength: msgLength, SendID: sendID, CreditRequest: creditRequest, Opt: opt}, nil
}

// AtomicOp identifies the atomic operation an RTA packet requests.
type AtomicOp uint8

const (
	AtomicWrite AtomicOp = iota
	AtomicFetch
	AtomicCompare
)

// AtomicRTA requests an atomic write/fetch/compare against the target
// rma_iov. Fetch and compare expect an ATOMRSP reply.
type AtomicRTA struct {
	Base      BaseHeader
	Op        AtomicOp
	RmaIov    []RMAIov
	Opt       OptionalHeaders
	Operand   []byte // the value (write), compare operand (compare), or empty (fetch)
	Compare   []byte // second operand for compare-and-swap
}

// EncodedLen returns the total wire size of p.
func (p AtomicRTA) EncodedLen() int {
	n := BaseHeaderSize + 4 + len(p.RmaIov)*RMAIovSize + 1 + 4 + len(p.Operand) + p.Opt.EncodedLen()
	if p.Op == AtomicCompare {
		n += 4 + len(p.Compare)
	}
	return n
}

// Encode writes p into out.
func (p AtomicRTA) Encode(out []byte) {
	p.Base.Flags |= p.Opt.Flags() | FlagAtomic
	p.Base.Encode(out)
	off := BaseHeaderSize
	binary.LittleEndian.PutUint32(out[off:off+4], uint32(len(p.RmaIov)))
	off += 4
	EncodeRMAIovs(p.RmaIov, out[off:])
	off += len(p.RmaIov) * RMAIovSize
	out[off] = byte(p.Op)
	off++
	binary.LittleEndian.PutUint32(out[off:off+4], uint32(len(p.Operand)))
	off += 4
	off += p.Opt.Encode(out[off:])
	copy(out[off:], p.Operand)
	off += len(p.Operand)
	if p.Op == AtomicCompare {
		binary.LittleEndian.PutUint32(out[off:off+4], uint32(len(p.Compare)))
		off += 4
		copy(out[off:], p.Compare)
	}
}

// DecodeAtomicRTA parses a {WRITE,FETCH,COMPARE}_RTA packet.
func DecodeAtomicRTA(buf []byte) (AtomicRTA, error) {
	base, count, off, err := decodeRmaPrefix(buf)
	if err != nil {
		return AtomicRTA{}, err
	}
	iovs, err := DecodeRMAIovs(buf[off:], count)
	if err != nil {
		return AtomicRTA{}, err
	}
	off += count * RMAIovSize
	if len(buf) < off+5 {
		return AtomicRTA{}, ErrShortBuffer
	}
	op := AtomicOp(buf[off])
	off++
	operandLen := int(binary.LittleEndian.Uint32(buf[off : off+4]))
	off += 4
	opt, n, err := DecodeOptionalHeaders(buf[off:], base.Flags)
	if err != nil {
		return AtomicRTA{}, err
	}
	off += n
	if len(buf) < off+operandLen {
		return AtomicRTA{}, ErrShortBuffer
	}
	operand := buf[off : off+operandLen]
	off += operandLen
	a := AtomicRTA{Base: base, Op: op, RmaIov: iovs, Opt: opt, Operand: operand}
	if op == AtomicCompare {
		if len(buf) < off+4 {
			return AtomicRTA{}, ErrShortBuffer
		}
		compareLen := int(binary.LittleEndian.Uint32(buf[off : off+4]))
		off += 4
		if len(buf) < off+compareLen {
			return AtomicRTA{}, ErrShortBuffer
		}
		a.Compare = buf[off : off+compareLen]
	}
	return a, nil
}

// AtomRsp is the reply to a fetch/compare atomic request, carrying the
// pre-update value read from the responder's buffer.
type AtomRsp struct {
	Base    BaseHeader
	RecvID  uint32
	Value   []byte
}

// EncodedLen returns the total wire size of a.
func (a AtomRsp) EncodedLen() int { return BaseHeaderSize + 4 + 4 + len(a.Value) }

// Encode writes a into out.
func (a AtomRsp) Encode(out []byte) {
	a.Base.Encode(out)
	off := BaseHeaderSize
	binary.LittleEndian.PutUint32(out[off:off+4], a.RecvID)
	off += 4
	binary.LittleEndian.PutUint32(out[off:off+4], uint32(len(a.Value)))
	off += 4
	copy(out[off:], a.Value)
}

// DecodeAtomRsp parses an ATOMRSP packet.
func DecodeAtomRsp(buf []byte) (AtomRsp, error) {
	base, err := DecodeBaseHeader(buf)
	if err != nil {
		return AtomRsp{}, err
	}
	off := BaseHeaderSize
	if len(buf) < off+8 {
		return AtomRsp{}, ErrShortBuffer
	}
	recvID := binary.LittleEndian.Uint32(buf[off : off+4])
	off += 4
	valueLen := int(binary.LittleEndian.Uint32(buf[off : off+4]))
	off += 4
	if len(buf) < off+valueLen {
		return AtomRsp{}, ErrShortBuffer
	}
	return AtomRsp{Base: base, RecvID: recvID, Value: buf[off : off+valueLen]}, nil
}

// decodeRmaPrefix decodes the base header and the rma_iov_count prefix
// shared by all RTW/RTR/RTA packets.
func decodeRmaPrefix(buf []byte) (BaseHeader, int, int, error) {
	base, err := DecodeBaseHeader(buf)
	if err != nil {
		return BaseHeader{}, 0, 0, err
	}
	off := BaseHeaderSize
	if len(buf) < off+4 {
		return BaseHeader{}, 0, 0, ErrShortBuffer
	}
	count := int(binary.LittleEndian.Uint32(buf[off : off+4]))
	off += 4
	return base, count, off, nil
}
