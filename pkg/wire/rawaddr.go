package wire

import "encoding/binary"

// RawAddressSize is the size in bytes of a raw peer address.
const RawAddressSize = 32

// RawAddress is the 32-byte wire representation of a peer address: a
// 16-byte GID, the peer's queue-pair number, and a 32-bit connection
// identifier that disambiguates QP reuse (spec.md section 3).
type RawAddress struct {
	GID      [16]byte
	QPN      uint16
	Pad      uint16
	ConnID   uint32
	Reserved uint64
}

// IsZero reports whether the GID is all-zero, the condition AV.Insert
// rejects with ErrAddrNotAvail.
func (a RawAddress) IsZero() bool {
	for _, b := range a.GID {
		if b != 0 {
			return false
		}
	}
	return true
}

// Encode writes the 32-byte wire layout into out.
func (a RawAddress) Encode(out []byte) {
	copy(out[0:16], a.GID[:])
	binary.LittleEndian.PutUint16(out[16:18], a.QPN)
	binary.LittleEndian.PutUint16(out[18:20], a.Pad)
	binary.LittleEndian.PutUint32(out[20:24], a.ConnID)
	binary.LittleEndian.PutUint64(out[24:32], a.Reserved)
}

// DecodeRawAddress parses a 32-byte raw address from buf.
func DecodeRawAddress(buf []byte) (RawAddress, error) {
	if len(buf) < RawAddressSize {
		return RawAddress{}, ErrShortBuffer
	}
	var a RawAddress
	copy(a.GID[:], buf[0:16])
	a.QPN = binary.LittleEndian.Uint16(buf[16:18])
	a.Pad = binary.LittleEndian.Uint16(buf[18:20])
	a.ConnID = binary.LittleEndian.Uint32(buf[20:24])
	a.Reserved = binary.LittleEndian.Uint64(buf[24:32])
	return a, nil
}

// RMAIovSize is the size in bytes of one efa_rma_iov entry.
const RMAIovSize = 24

// RMAIov describes one remote buffer for an RMA/atomic/read operation.
type RMAIov struct {
	Addr uint64
	Len  uint64
	Key  uint64
}

// Encode writes the 24-byte wire layout into out.
func (r RMAIov) Encode(out []byte) {
	binary.LittleEndian.PutUint64(out[0:8], r.Addr)
	binary.LittleEndian.PutUint64(out[8:16], r.Len)
	binary.LittleEndian.PutUint64(out[16:24], r.Key)
}

// DecodeRMAIov parses one efa_rma_iov entry from buf.
func DecodeRMAIov(buf []byte) (RMAIov, error) {
	if len(buf) < RMAIovSize {
		return RMAIov{}, ErrShortBuffer
	}
	return RMAIov{
		Addr: binary.LittleEndian.Uint64(buf[0:8]),
		Len:  binary.LittleEndian.Uint64(buf[8:16]),
		Key:  binary.LittleEndian.Uint64(buf[16:24]),
	}, nil
}

// EncodeRMAIovs writes len(iovs) consecutive RMAIov entries into out, which
// must be at least len(iovs)*RMAIovSize bytes.
func EncodeRMAIovs(iovs []RMAIov, out []byte) {
	for i, iov := range iovs {
		iov.Encode(out[i*RMAIovSize : (i+1)*RMAIovSize])
	}
}

// DecodeRMAIovs parses count consecutive RMAIov entries from buf.
func DecodeRMAIovs(buf []byte, count int) ([]RMAIov, error) {
	if len(buf) < count*RMAIovSize {
		return nil, ErrShortBuffer
	}
	iovs := make([]RMAIov, count)
	for i := range iovs {
		iov, err := DecodeRMAIov(buf[i*RMAIovSize : (i+1)*RMAIovSize])
		if err != nil {
			return nil, err
		}
		iovs[i] = iov
	}
	return iovs, nil
}
