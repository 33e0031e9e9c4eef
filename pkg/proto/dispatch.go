package proto

import "github.com/fabriclink/efa-rdm/pkg/wire"

// Decode inspects buf's base header and parses it with the matching
// wire.Decode* function, returning the concrete packet value (one of
// wire.EagerRTM, wire.CTS, wire.Handshake, ...) as an interface{}.
// Callers type-switch on the result to route to the driver in this
// package that owns that packet family — HandleEagerRTM for
// wire.EagerRTM, HandleMediumRTM for wire.MediumRTM, and so on. This is
// the sealed-variant dispatch spec.md section 4 describes as a single
// decode-then-route step at the head of the progress loop; keeping it a
// type switch over a fixed set of wire structs (rather than a table of
// function pointers) means the compiler flags a missing case the moment
// a new packet type is added to pkg/wire.
func Decode(buf []byte, pktLen int) (wire.Type, interface{}, error) {
	base, err := wire.DecodeBaseHeader(buf)
	if err != nil {
		return 0, nil, err
	}

	switch base.Type {
	case wire.TypeCTS:
		p, err := wire.DecodeCTS(buf)
		return base.Type, p, err
	case wire.TypeData:
		p, err := wire.DecodeData(buf, pktLen)
		return base.Type, p, err
	case wire.TypeReadRsp:
		p, err := wire.DecodeReadRsp(buf, pktLen)
		return base.Type, p, err
	case wire.TypeEOR:
		p, err := wire.DecodeEOR(buf)
		return base.Type, p, err
	case wire.TypeReceipt:
		p, err := wire.DecodeReceipt(buf)
		return base.Type, p, err
	case wire.TypeHandshake:
		p, err := wire.DecodeHandshake(buf)
		return base.Type, p, err

	case wire.TypeEagerMsgRTM, wire.TypeEagerTagRTM,
		wire.TypeDCEagerMsgRTM, wire.TypeDCEagerTagRTM:
		p, err := wire.DecodeEagerRTM(buf, pktLen)
		return base.Type, p, err
	case wire.TypeMediumMsgRTM, wire.TypeMediumTagRTM,
		wire.TypeDCMediumMsgRTM, wire.TypeDCMediumTagRTM:
		p, err := wire.DecodeMediumRTM(buf, pktLen)
		return base.Type, p, err
	case wire.TypeLongCTSMsgRTM, wire.TypeLongCTSTagRTM,
		wire.TypeDCLongCTSMsgRTM, wire.TypeDCLongCTSTagRTM:
		p, err := wire.DecodeLongCTSRTM(buf, pktLen)
		return base.Type, p, err
	case wire.TypeLongReadMsgRTM, wire.TypeLongReadTagRTM:
		p, err := wire.DecodeLongReadRTM(buf, pktLen)
		return base.Type, p, err

	case wire.TypeEagerRTW, wire.TypeDCEagerRTW:
		p, err := wire.DecodeEagerRTW(buf, pktLen)
		return base.Type, p, err
	case wire.TypeLongCTSRTW, wire.TypeDCLongCTSRTW:
		p, err := wire.DecodeLongCTSRTW(buf, pktLen)
		return base.Type, p, err
	case wire.TypeLongReadRTW:
		p, err := wire.DecodeLongReadRTW(buf)
		return base.Type, p, err

	case wire.TypeShortRTR:
		p, err := wire.DecodeShortRTR(buf)
		return base.Type, p, err
	case wire.TypeLongCTSRTR:
		p, err := wire.DecodeLongCTSRTR(buf)
		return base.Type, p, err

	case wire.TypeWriteRTA, wire.TypeFetchRTA, wire.TypeCompareRTA:
		p, err := wire.DecodeAtomicRTA(buf)
		return base.Type, p, err
	case wire.TypeAtomRsp:
		p, err := wire.DecodeAtomRsp(buf)
		return base.Type, p, err

	default:
		return base.Type, nil, wire.ErrUnknownType
	}
}
