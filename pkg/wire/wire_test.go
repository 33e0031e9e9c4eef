package wire

import (
	"reflect"
	"testing"
)

func TestBaseHeaderRoundTrip(t *testing.T) {
	cases := []BaseHeader{
		{Type: TypeCTS, Version: ProtocolVersion, Flags: 0},
		{Type: TypeEagerMsgRTM, Version: ProtocolVersion, Flags: FlagOptRawAddr | FlagOptConnID},
		{Type: TypeHandshake, Version: ProtocolVersion, Flags: FlagTagged},
	}
	for _, want := range cases {
		buf := make([]byte, BaseHeaderSize)
		want.Encode(buf)
		got, err := DecodeBaseHeader(buf)
		if err != nil {
			t.Fatalf("DecodeBaseHeader: %v", err)
		}
		if got != want {
			t.Fatalf("round trip mismatch: got %+v want %+v", got, want)
		}
	}
}

func TestRawAddressRoundTrip(t *testing.T) {
	want := RawAddress{
		GID:      [16]byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16},
		QPN:      42,
		ConnID:   0xdeadbeef,
		Reserved: 0x1122334455667788,
	}
	buf := make([]byte, RawAddressSize)
	want.Encode(buf)
	got, err := DecodeRawAddress(buf)
	if err != nil {
		t.Fatalf("DecodeRawAddress: %v", err)
	}
	if got != want {
		t.Fatalf("round trip mismatch: got %+v want %+v", got, want)
	}
	if (RawAddress{}).IsZero() == false {
		t.Fatalf("zero-value RawAddress must report IsZero")
	}
	if want.IsZero() {
		t.Fatalf("non-zero GID must not report IsZero")
	}
}

func TestOptionalHeadersRoundTrip(t *testing.T) {
	addr := RawAddress{QPN: 7}
	cases := []OptionalHeaders{
		{},
		{HasCQData: true, CQData: 0xabc},
		{HasConnID: true, ConnID: 99},
		{RawAddr: &addr, HasCQData: true, CQData: 1, HasConnID: true, ConnID: 2},
	}
	for _, want := range cases {
		buf := make([]byte, want.EncodedLen())
		n := want.Encode(buf)
		if n != len(buf) {
			t.Fatalf("Encode consumed %d bytes, want %d", n, len(buf))
		}
		got, consumed, err := DecodeOptionalHeaders(buf, want.Flags())
		if err != nil {
			t.Fatalf("DecodeOptionalHeaders: %v", err)
		}
		if consumed != len(buf) {
			t.Fatalf("consumed %d bytes, want %d", consumed, len(buf))
		}
		if got.HasCQData != want.HasCQData || got.CQData != want.CQData {
			t.Fatalf("cq data mismatch: got %+v want %+v", got, want)
		}
		if got.HasConnID != want.HasConnID || got.ConnID != want.ConnID {
			t.Fatalf("connid mismatch: got %+v want %+v", got, want)
		}
		if (got.RawAddr == nil) != (want.RawAddr == nil) {
			t.Fatalf("raw addr presence mismatch: got %+v want %+v", got, want)
		}
		if got.RawAddr != nil && *got.RawAddr != *want.RawAddr {
			t.Fatalf("raw addr mismatch: got %+v want %+v", *got.RawAddr, *want.RawAddr)
		}
	}
}

func TestHandshakeRoundTrip(t *testing.T) {
	h := Handshake{Base: BaseHeader{Type: TypeHandshake, Version: ProtocolVersion}}
	h.SetFeature(FeatureRDMARead)
	h.SetFeature(FeatureDeliveryComplete)
	h.SetFeature(FeatureConnIDHeader)

	buf := make([]byte, h.EncodedLen())
	h.Encode(buf)
	got, err := DecodeHandshake(buf)
	if err != nil {
		t.Fatalf("DecodeHandshake: %v", err)
	}
	if !got.HasFeature(FeatureRDMARead) || !got.HasFeature(FeatureDeliveryComplete) || !got.HasFeature(FeatureConnIDHeader) {
		t.Fatalf("decoded handshake missing expected features: %+v", got)
	}
	if got.HasFeature(FeatureStableHeaderLen) {
		t.Fatalf("decoded handshake has unexpected feature bit set")
	}
	if !reflect.DeepEqual(got.Exinfo, h.Exinfo) {
		t.Fatalf("exinfo mismatch: got %v want %v", got.Exinfo, h.Exinfo)
	}
}

func TestEagerRTMRoundTrip(t *testing.T) {
	payload := []byte("hello eager")
	p := EagerRTM{
		Base:    BaseHeader{Type: TypeEagerTagRTM, Version: ProtocolVersion, Flags: FlagTagged},
		MsgID:   7,
		Tag:     0x1234,
		Opt:     OptionalHeaders{HasConnID: true, ConnID: 55},
		Payload: payload,
	}
	buf := make([]byte, p.EncodedLen())
	p.Encode(buf)
	got, err := DecodeEagerRTM(buf, len(buf))
	if err != nil {
		t.Fatalf("DecodeEagerRTM: %v", err)
	}
	if got.MsgID != p.MsgID || got.Tag != p.Tag || !got.Opt.HasConnID || got.Opt.ConnID != 55 {
		t.Fatalf("header mismatch: got %+v", got)
	}
	if !reflect.DeepEqual(got.Payload, payload) {
		t.Fatalf("payload mismatch: got %q want %q", got.Payload, payload)
	}
}

func TestMediumRTMRoundTrip(t *testing.T) {
	payload := []byte("segment-payload")
	p := MediumRTM{
		Base:      BaseHeader{Type: TypeMediumMsgRTM, Version: ProtocolVersion},
		MsgID:     3,
		SegLength: uint64(len(payload)),
		SegOffset: 4096,
		Payload:   payload,
	}
	buf := make([]byte, p.EncodedLen())
	p.Encode(buf)
	got, err := DecodeMediumRTM(buf, len(buf))
	if err != nil {
		t.Fatalf("DecodeMediumRTM: %v", err)
	}
	if got.SegOffset != p.SegOffset || got.SegLength != p.SegLength {
		t.Fatalf("segment fields mismatch: got %+v", got)
	}
	if !reflect.DeepEqual(got.Payload, payload) {
		t.Fatalf("payload mismatch")
	}
}

func TestLongCTSRTMRoundTrip(t *testing.T) {
	payload := []byte("first-chunk")
	p := LongCTSRTM{
		Base:          BaseHeader{Type: TypeLongCTSTagRTM, Version: ProtocolVersion, Flags: FlagTagged},
		MsgID:         9,
		MsgLength:     1 << 20,
		SendID:        123,
		CreditRequest: 64,
		Tag:           0xaa,
		Payload:       payload,
	}
	buf := make([]byte, p.EncodedLen())
	p.Encode(buf)
	got, err := DecodeLongCTSRTM(buf, len(buf))
	if err != nil {
		t.Fatalf("DecodeLongCTSRTM: %v", err)
	}
	if got.MsgLength != p.MsgLength || got.SendID != p.SendID || got.CreditRequest != p.CreditRequest {
		t.Fatalf("field mismatch: got %+v", got)
	}
	if !reflect.DeepEqual(got.Payload, payload) {
		t.Fatalf("payload mismatch")
	}
}

func TestLongReadRTMRoundTrip(t *testing.T) {
	p := LongReadRTM{
		Base:      BaseHeader{Type: TypeLongReadMsgRTM, Version: ProtocolVersion},
		MsgID:     11,
		MsgLength: 1 << 24,
		SendID:    77,
		ReadIov:   []RMAIov{{Addr: 1, Len: 2, Key: 3}, {Addr: 4, Len: 5, Key: 6}},
	}
	buf := make([]byte, p.EncodedLen())
	p.Encode(buf)
	got, err := DecodeLongReadRTM(buf, len(buf))
	if err != nil {
		t.Fatalf("DecodeLongReadRTM: %v", err)
	}
	if !reflect.DeepEqual(got.ReadIov, p.ReadIov) {
		t.Fatalf("read_iov mismatch: got %v want %v", got.ReadIov, p.ReadIov)
	}
}

func TestCTSRoundTrip(t *testing.T) {
	c := CTS{
		Base:       BaseHeader{Type: TypeCTS, Version: ProtocolVersion},
		SendID:     1,
		RecvID:     2,
		RecvLength: 4096,
		ConnID:     0x55,
		HasConnID:  true,
	}
	buf := make([]byte, c.EncodedLen())
	c.Encode(buf)
	got, err := DecodeCTS(buf)
	if err != nil {
		t.Fatalf("DecodeCTS: %v", err)
	}
	want := c
	want.Base.Flags |= FlagOptConnID // Encode sets the connid flag bit
	if got != want {
		t.Fatalf("round trip mismatch: got %+v want %+v", got, want)
	}
}

func TestDataRoundTrip(t *testing.T) {
	payload := []byte("data chunk")
	d := Data{
		Base:       BaseHeader{Type: TypeData, Version: ProtocolVersion},
		RecvID:     5,
		DataLength: uint64(len(payload)),
		DataOffset: 1024,
		Payload:    payload,
	}
	buf := make([]byte, d.EncodedLen())
	d.Encode(buf)
	got, err := DecodeData(buf, len(buf))
	if err != nil {
		t.Fatalf("DecodeData: %v", err)
	}
	if got.RecvID != d.RecvID || got.DataOffset != d.DataOffset || got.DataLength != d.DataLength {
		t.Fatalf("field mismatch: got %+v", got)
	}
	if !reflect.DeepEqual(got.Payload, payload) {
		t.Fatalf("payload mismatch")
	}
}

func TestReadRspRoundTrip(t *testing.T) {
	payload := []byte("read response bytes")
	r := ReadRsp{
		Base:       BaseHeader{Type: TypeReadRsp, Version: ProtocolVersion},
		SendID:     1,
		RecvID:     2,
		DataLength: uint64(len(payload)),
		Payload:    payload,
	}
	buf := make([]byte, r.EncodedLen())
	r.Encode(buf)
	got, err := DecodeReadRsp(buf, len(buf))
	if err != nil {
		t.Fatalf("DecodeReadRsp: %v", err)
	}
	if !reflect.DeepEqual(got.Payload, payload) {
		t.Fatalf("payload mismatch")
	}
}

func TestEORRoundTrip(t *testing.T) {
	e := EOR{Base: BaseHeader{Type: TypeEOR, Version: ProtocolVersion}, SendID: 3, RecvID: 4}
	buf := make([]byte, e.EncodedLen())
	e.Encode(buf)
	got, err := DecodeEOR(buf)
	if err != nil {
		t.Fatalf("DecodeEOR: %v", err)
	}
	if got != e {
		t.Fatalf("round trip mismatch: got %+v want %+v", got, e)
	}
}

func TestReceiptRoundTrip(t *testing.T) {
	r := Receipt{Base: BaseHeader{Type: TypeReceipt, Version: ProtocolVersion}, SendID: 1, MsgID: 2, ConnID: 3, HasConnID: true}
	buf := make([]byte, r.EncodedLen())
	r.Encode(buf)
	got, err := DecodeReceipt(buf)
	if err != nil {
		t.Fatalf("DecodeReceipt: %v", err)
	}
	want := r
	want.Base.Flags |= FlagOptConnID // Encode sets the connid flag bit
	if got != want {
		t.Fatalf("round trip mismatch: got %+v want %+v", got, want)
	}
}

func TestEagerRTWRoundTrip(t *testing.T) {
	payload := []byte("write payload")
	p := EagerRTW{
		Base:    BaseHeader{Type: TypeEagerRTW, Version: ProtocolVersion},
		RmaIov:  []RMAIov{{Addr: 10, Len: 20, Key: 30}},
		Payload: payload,
	}
	buf := make([]byte, p.EncodedLen())
	p.Encode(buf)
	got, err := DecodeEagerRTW(buf, len(buf))
	if err != nil {
		t.Fatalf("DecodeEagerRTW: %v", err)
	}
	if !reflect.DeepEqual(got.RmaIov, p.RmaIov) {
		t.Fatalf("rma_iov mismatch: got %v want %v", got.RmaIov, p.RmaIov)
	}
	if !reflect.DeepEqual(got.Payload, payload) {
		t.Fatalf("payload mismatch")
	}
}

func TestLongCTSRTWRoundTrip(t *testing.T) {
	payload := []byte("long cts write first chunk")
	p := LongCTSRTW{
		Base:          BaseHeader{Type: TypeLongCTSRTW, Version: ProtocolVersion},
		RmaIov:        []RMAIov{{Addr: 1, Len: 2, Key: 3}},
		MsgLength:     1 << 18,
		SendID:        88,
		CreditRequest: 16,
		Payload:       payload,
	}
	buf := make([]byte, p.EncodedLen())
	p.Encode(buf)
	got, err := DecodeLongCTSRTW(buf, len(buf))
	if err != nil {
		t.Fatalf("DecodeLongCTSRTW: %v", err)
	}
	if got.MsgLength != p.MsgLength || got.SendID != p.SendID || got.CreditRequest != p.CreditRequest {
		t.Fatalf("field mismatch: got %+v", got)
	}
	if !reflect.DeepEqual(got.Payload, payload) {
		t.Fatalf("payload mismatch")
	}
}

func TestLongReadRTWRoundTrip(t *testing.T) {
	p := LongReadRTW{
		Base:      BaseHeader{Type: TypeLongReadRTW, Version: ProtocolVersion},
		RmaIov:    []RMAIov{{Addr: 1, Len: 2, Key: 3}},
		ReadIov:   []RMAIov{{Addr: 4, Len: 5, Key: 6}, {Addr: 7, Len: 8, Key: 9}},
		MsgLength: 1 << 16,
		SendID:    5,
	}
	buf := make([]byte, p.EncodedLen())
	p.Encode(buf)
	got, err := DecodeLongReadRTW(buf)
	if err != nil {
		t.Fatalf("DecodeLongReadRTW: %v", err)
	}
	if !reflect.DeepEqual(got.RmaIov, p.RmaIov) || !reflect.DeepEqual(got.ReadIov, p.ReadIov) {
		t.Fatalf("iov mismatch: got %+v", got)
	}
}

func TestShortRTRRoundTrip(t *testing.T) {
	p := ShortRTR{
		Base:   BaseHeader{Type: TypeShortRTR, Version: ProtocolVersion},
		RmaIov: []RMAIov{{Addr: 1, Len: 2, Key: 3}},
	}
	buf := make([]byte, p.EncodedLen())
	p.Encode(buf)
	got, err := DecodeShortRTR(buf)
	if err != nil {
		t.Fatalf("DecodeShortRTR: %v", err)
	}
	if !reflect.DeepEqual(got.RmaIov, p.RmaIov) {
		t.Fatalf("rma_iov mismatch")
	}
}

func TestLongCTSRTRRoundTrip(t *testing.T) {
	p := LongCTSRTR{
		Base:          BaseHeader{Type: TypeLongCTSRTR, Version: ProtocolVersion},
		RmaIov:        []RMAIov{{Addr: 1, Len: 2, Key: 3}},
		MsgLength:     2048,
		SendID:        9,
		CreditRequest: 4,
	}
	buf := make([]byte, p.EncodedLen())
	p.Encode(buf)
	got, err := DecodeLongCTSRTR(buf)
	if err != nil {
		t.Fatalf("DecodeLongCTSRTR: %v", err)
	}
	if got.MsgLength != p.MsgLength || got.SendID != p.SendID || got.CreditRequest != p.CreditRequest {
		t.Fatalf("field mismatch: got %+v", got)
	}
}

func TestAtomicRTAWriteRoundTrip(t *testing.T) {
	p := AtomicRTA{
		Base:    BaseHeader{Type: TypeWriteRTA, Version: ProtocolVersion},
		Op:      AtomicWrite,
		RmaIov:  []RMAIov{{Addr: 1, Len: 8, Key: 2}},
		Operand: []byte{1, 2, 3, 4, 5, 6, 7, 8},
	}
	buf := make([]byte, p.EncodedLen())
	p.Encode(buf)
	got, err := DecodeAtomicRTA(buf)
	if err != nil {
		t.Fatalf("DecodeAtomicRTA: %v", err)
	}
	if got.Op != AtomicWrite || !reflect.DeepEqual(got.Operand, p.Operand) {
		t.Fatalf("field mismatch: got %+v", got)
	}
}

func TestAtomicRTACompareRoundTrip(t *testing.T) {
	p := AtomicRTA{
		Base:    BaseHeader{Type: TypeCompareRTA, Version: ProtocolVersion},
		Op:      AtomicCompare,
		RmaIov:  []RMAIov{{Addr: 1, Len: 8, Key: 2}},
		Operand: []byte{1, 1, 1, 1, 1, 1, 1, 1},
		Compare: []byte{0, 0, 0, 0, 0, 0, 0, 0},
	}
	buf := make([]byte, p.EncodedLen())
	p.Encode(buf)
	got, err := DecodeAtomicRTA(buf)
	if err != nil {
		t.Fatalf("DecodeAtomicRTA: %v", err)
	}
	if !reflect.DeepEqual(got.Operand, p.Operand) || !reflect.DeepEqual(got.Compare, p.Compare) {
		t.Fatalf("operand mismatch: got %+v", got)
	}
}

func TestAtomRspRoundTrip(t *testing.T) {
	a := AtomRsp{
		Base:   BaseHeader{Type: TypeAtomRsp, Version: ProtocolVersion},
		RecvID: 42,
		Value:  []byte{9, 9, 9, 9, 9, 9, 9, 9},
	}
	buf := make([]byte, a.EncodedLen())
	a.Encode(buf)
	got, err := DecodeAtomRsp(buf)
	if err != nil {
		t.Fatalf("DecodeAtomRsp: %v", err)
	}
	if got.RecvID != a.RecvID || !reflect.DeepEqual(got.Value, a.Value) {
		t.Fatalf("field mismatch: got %+v", got)
	}
}

func TestShortBufferErrors(t *testing.T) {
	if _, err := DecodeBaseHeader(nil); err != ErrShortBuffer {
		t.Fatalf("DecodeBaseHeader(nil): got %v want ErrShortBuffer", err)
	}
	if _, err := DecodeRawAddress(make([]byte, 4)); err != ErrShortBuffer {
		t.Fatalf("DecodeRawAddress short: got %v want ErrShortBuffer", err)
	}
	if _, err := DecodeCTS(make([]byte, BaseHeaderSize)); err != ErrShortBuffer {
		t.Fatalf("DecodeCTS short: got %v want ErrShortBuffer", err)
	}
}
