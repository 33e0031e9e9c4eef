package proto

import (
	"github.com/fabriclink/efa-rdm/pkg/errs"
	"github.com/fabriclink/efa-rdm/pkg/hmem"
	"github.com/fabriclink/efa-rdm/pkg/wire"
)

// BuildAtomicRTA encodes a WRITE/FETCH/COMPARE_RTA request. compare is
// only meaningful (and only encoded) when op is AtomicCompare.
func BuildAtomicRTA(op wire.AtomicOp, rmaIov []wire.RMAIov, opt wire.OptionalHeaders, operand, compare []byte) wire.AtomicRTA {
	a := wire.AtomicRTA{
		Base:    wire.BaseHeader{Type: atomicRTAType(op), Version: wire.ProtocolVersion},
		Op:      op,
		RmaIov:  rmaIov,
		Opt:     opt,
		Operand: operand,
	}
	if op == wire.AtomicCompare {
		a.Compare = compare
	}
	return a
}

func atomicRTAType(op wire.AtomicOp) wire.Type {
	switch op {
	case wire.AtomicFetch:
		return wire.TypeFetchRTA
	case wire.AtomicCompare:
		return wire.TypeCompareRTA
	default:
		return wire.TypeWriteRTA
	}
}

// BuildAtomRsp encodes the reply to a fetch/compare request, carrying the
// pre-update value read from the target buffer.
func BuildAtomRsp(recvID uint32, preUpdateValue []byte) wire.AtomRsp {
	return wire.AtomRsp{
		Base:   wire.BaseHeader{Type: wire.TypeAtomRsp, Version: wire.ProtocolVersion},
		RecvID: recvID,
		Value:  preUpdateValue,
	}
}

// ApplyAtomicRTA applies pkt against the buffer resolver resolves, using
// apply to combine the target's current bytes with the operand (the
// numeric reduction itself — add, min, xor, swap, ... — is a provider
// concern this driver is agnostic to; apply receives (target, operand,
// compare) and returns the new value to store). It returns the
// pre-update bytes, which the caller turns into an ATOMRSP for
// AtomicFetch/AtomicCompare requests (AtomicWrite has no reply).
//
// For AtomicCompare, apply is expected to leave target unchanged (return
// the original bytes) when the comparison fails; this driver does not
// interpret the comparison itself.
func ApplyAtomicRTA(resolver TargetResolver, copier *hmem.Registry, pkt wire.AtomicRTA, apply func(target, operand, compare []byte) (newValue []byte)) ([]byte, error) {
	if len(pkt.RmaIov) != 1 {
		return nil, errs.ErrInvalid
	}
	buf, iface, dev, err := resolver.Resolve(pkt.RmaIov[0])
	if err != nil {
		return nil, err
	}
	if len(buf) < len(pkt.Operand) {
		return nil, errs.ErrInvalid
	}
	target := buf[:len(pkt.Operand)]

	preUpdate := append([]byte(nil), target...)
	newValue := apply(target, pkt.Operand, pkt.Compare)
	if err := copier.Copy(iface, dev, target, newValue); err != nil {
		return nil, err
	}
	return preUpdate, nil
}
