package wire

import "encoding/binary"

// OptionalHeaders holds the three REQ optional headers in their fixed wire
// order: raw address, CQ data, connid. Presence is controlled by
// FlagOptRawAddr / FlagOptCQData / FlagOptConnID in the base header flags.
type OptionalHeaders struct {
	RawAddr    *RawAddress
	CQData     uint64
	HasCQData  bool
	ConnID     uint32
	HasConnID  bool
}

// EncodedLen returns the number of bytes this optional-header set occupies
// on the wire, given which headers are present.
func (o OptionalHeaders) EncodedLen() int {
	n := 0
	if o.RawAddr != nil {
		n += 4 + RawAddressSize
	}
	if o.HasCQData {
		n += 8
	}
	if o.HasConnID {
		n += 4
	}
	return n
}

// Flags returns the flag bits this optional-header set contributes.
func (o OptionalHeaders) Flags() uint16 {
	var f uint16
	if o.RawAddr != nil {
		f |= FlagOptRawAddr
	}
	if o.HasCQData {
		f |= FlagOptCQData
	}
	if o.HasConnID {
		f |= FlagOptConnID
	}
	return f
}

// Encode writes the present optional headers, in fixed order, into out.
// out must be at least o.EncodedLen() bytes.
func (o OptionalHeaders) Encode(out []byte) int {
	off := 0
	if o.RawAddr != nil {
		binary.LittleEndian.PutUint32(out[off:off+4], RawAddressSize)
		off += 4
		o.RawAddr.Encode(out[off : off+RawAddressSize])
		off += RawAddressSize
	}
	if o.HasCQData {
		binary.LittleEndian.PutUint64(out[off:off+8], o.CQData)
		off += 8
	}
	if o.HasConnID {
		binary.LittleEndian.PutUint32(out[off:off+4], o.ConnID)
		off += 4
	}
	return off
}

// DecodeOptionalHeaders parses the optional headers present in buf according
// to flags, returning the parsed headers and the number of bytes consumed.
func DecodeOptionalHeaders(buf []byte, flags uint16) (OptionalHeaders, int, error) {
	var o OptionalHeaders
	off := 0

	if HasFlag(flags, FlagOptRawAddr) {
		if len(buf) < off+4 {
			return o, 0, ErrShortBuffer
		}
		size := int(binary.LittleEndian.Uint32(buf[off : off+4]))
		off += 4
		if size != RawAddressSize || len(buf) < off+size {
			return o, 0, ErrShortBuffer
		}
		a, err := DecodeRawAddress(buf[off : off+size])
		if err != nil {
			return o, 0, err
		}
		o.RawAddr = &a
		off += size
	}

	if HasFlag(flags, FlagOptCQData) {
		if len(buf) < off+8 {
			return o, 0, ErrShortBuffer
		}
		o.CQData = binary.LittleEndian.Uint64(buf[off : off+8])
		o.HasCQData = true
		off += 8
	}

	if HasFlag(flags, FlagOptConnID) {
		if len(buf) < off+4 {
			return o, 0, ErrShortBuffer
		}
		o.ConnID = binary.LittleEndian.Uint32(buf[off : off+4])
		o.HasConnID = true
		off += 4
	}

	return o, off, nil
}
