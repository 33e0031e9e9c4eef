package wire

import "encoding/binary"

// nex_p3 = number-of-exinfo-u64s + 3. The "+3" is historical skew from an
// earlier wire revision that counted three extra words no longer present;
// it is preserved verbatim for wire compatibility with existing deployments.
const nexP3Skew = 3

// Feature/extra-request bit indices carried in the HANDSHAKE exinfo bitmap.
const (
	FeatureRDMARead         = 0
	FeatureDeliveryComplete = 1
	FeatureStableHeaderLen  = 2
	FeatureConnIDHeader     = 3
)

// Handshake is the HANDSHAKE packet: base header, nex_p3, then the exinfo
// bitmap words. Bit i of Exinfo[i/64] at position i%64 indicates support
// for extra feature/request id i.
type Handshake struct {
	Base   BaseHeader
	Exinfo []uint64
}

// HasFeature reports whether bit id is set anywhere in the exinfo bitmap.
func (h Handshake) HasFeature(id int) bool {
	word, bit := id/64, id%64
	if word >= len(h.Exinfo) {
		return false
	}
	return h.Exinfo[word]&(1<<uint(bit)) != 0
}

// SetFeature sets bit id in the exinfo bitmap, growing it if necessary.
func (h *Handshake) SetFeature(id int) {
	word, bit := id/64, id%64
	for len(h.Exinfo) <= word {
		h.Exinfo = append(h.Exinfo, 0)
	}
	h.Exinfo[word] |= 1 << uint(bit)
}

// EncodedLen returns the wire size of h.
func (h Handshake) EncodedLen() int {
	return BaseHeaderSize + 4 + len(h.Exinfo)*8
}

// Encode writes h into out, which must be at least h.EncodedLen() bytes.
func (h Handshake) Encode(out []byte) {
	h.Base.Encode(out)
	nexP3 := uint32(len(h.Exinfo) + nexP3Skew)
	binary.LittleEndian.PutUint32(out[BaseHeaderSize:BaseHeaderSize+4], nexP3)
	off := BaseHeaderSize + 4
	for _, w := range h.Exinfo {
		binary.LittleEndian.PutUint64(out[off:off+8], w)
		off += 8
	}
}

// DecodeHandshake parses a HANDSHAKE packet from buf, base header included.
func DecodeHandshake(buf []byte) (Handshake, error) {
	base, err := DecodeBaseHeader(buf)
	if err != nil {
		return Handshake{}, err
	}
	if len(buf) < BaseHeaderSize+4 {
		return Handshake{}, ErrShortBuffer
	}
	nexP3 := binary.LittleEndian.Uint32(buf[BaseHeaderSize : BaseHeaderSize+4])
	if nexP3 < nexP3Skew {
		return Handshake{}, ErrShortBuffer
	}
	n := int(nexP3 - nexP3Skew)
	off := BaseHeaderSize + 4
	if len(buf) < off+n*8 {
		return Handshake{}, ErrShortBuffer
	}
	exinfo := make([]uint64, n)
	for i := range exinfo {
		exinfo[i] = binary.LittleEndian.Uint64(buf[off : off+8])
		off += 8
	}
	return Handshake{Base: base, Exinfo: exinfo}, nil
}
