// Package wire implements the RDM overlay wire protocol: the base header,
// per-type mandatory headers, the three optional headers, and the codec
// that encodes/decodes them. The codec never allocates the payload buffer
// itself — callers borrow space from a packet buffer pool (pkg/xfer) and
// pass it in.
//
// Layouts are little-endian, packed, with no implicit padding, matching
// spec.md section 6 byte-for-byte.
package wire

import "encoding/binary"

// Type is the packet type namespace. Types 3-10 are control/data packets;
// types >= ReqBase are REQ packets (initial packet of a sub-protocol).
type Type uint8

const (
	TypeCTS      Type = 3
	TypeData     Type = 4
	TypeReadRsp  Type = 5
	TypeEOR      Type = 6
	TypeReceipt  Type = 7
	TypeHandshake Type = 8
	// 9, 10 reserved for future control/data packet types.

	// ReqBase is the first REQ type id (type >= ReqBase is a REQ packet).
	ReqBase Type = 64

	TypeEagerMsgRTM  Type = ReqBase + 0
	TypeEagerTagRTM  Type = ReqBase + 1
	TypeMediumMsgRTM Type = ReqBase + 2
	TypeMediumTagRTM Type = ReqBase + 3
	TypeLongCTSMsgRTM Type = ReqBase + 4
	TypeLongCTSTagRTM Type = ReqBase + 5
	TypeLongReadMsgRTM Type = ReqBase + 6
	TypeLongReadTagRTM Type = ReqBase + 7

	TypeEagerRTW    Type = ReqBase + 8
	TypeLongCTSRTW  Type = ReqBase + 9
	TypeLongReadRTW Type = ReqBase + 10

	TypeShortRTR   Type = ReqBase + 11
	TypeLongCTSRTR Type = ReqBase + 12

	TypeWriteRTA   Type = ReqBase + 13
	TypeFetchRTA   Type = ReqBase + 14
	TypeCompareRTA Type = ReqBase + 15
	TypeAtomRsp    Type = ReqBase + 16

	// DC_ variants of the RTM/RTW families used under the delivery-complete
	// extra feature; they carry the same mandatory header as their non-DC
	// counterpart, distinguished only by Type, so the receiver knows to
	// emit a RECEIPT after copy.
	TypeDCEagerMsgRTM  Type = ReqBase + 17
	TypeDCEagerTagRTM  Type = ReqBase + 18
	TypeDCMediumMsgRTM Type = ReqBase + 19
	TypeDCMediumTagRTM Type = ReqBase + 20
	TypeDCLongCTSMsgRTM Type = ReqBase + 21
	TypeDCLongCTSTagRTM Type = ReqBase + 22
	TypeDCEagerRTW     Type = ReqBase + 23
	TypeDCLongCTSRTW   Type = ReqBase + 24
)

// ProtocolVersion is the fixed wire version field value (spec.md section 4.1).
const ProtocolVersion = 4

// IsREQ reports whether t is an initial packet of a sub-protocol.
func (t Type) IsREQ() bool { return t >= ReqBase }

// Flag bits for REQ packets (spec.md section 6).
const (
	FlagOptRawAddr uint16 = 0x01
	FlagOptCQData  uint16 = 0x02
	FlagMsg        uint16 = 0x04
	FlagTagged     uint16 = 0x08
	FlagRMA        uint16 = 0x10
	FlagAtomic     uint16 = 0x20
	FlagOptConnID  uint16 = 0x40
)

// BaseHeaderSize is the size in bytes of the 4-byte base header.
const BaseHeaderSize = 4

// BaseHeader is the 4-byte header that begins every packet.
type BaseHeader struct {
	Type    Type
	Version uint8
	Flags   uint16
}

// Encode writes the base header into the front of out. out must have at
// least BaseHeaderSize bytes.
func (h BaseHeader) Encode(out []byte) {
	out[0] = byte(h.Type)
	out[1] = h.Version
	binary.LittleEndian.PutUint16(out[2:4], h.Flags)
}

// DecodeBaseHeader reads the base header from the front of buf.
func DecodeBaseHeader(buf []byte) (BaseHeader, error) {
	if len(buf) < BaseHeaderSize {
		return BaseHeader{}, ErrShortBuffer
	}
	return BaseHeader{
		Type:    Type(buf[0]),
		Version: buf[1],
		Flags:   binary.LittleEndian.Uint16(buf[2:4]),
	}, nil
}

// HasFlag reports whether all bits in mask are set in flags.
func HasFlag(flags uint16, mask uint16) bool { return flags&mask == mask }
