package proto

import (
	"github.com/fabriclink/efa-rdm/pkg/peer"
	"github.com/fabriclink/efa-rdm/pkg/wire"
)

// LocalFeatures is the set of extra features/requests this endpoint
// advertises in its own HANDSHAKE.
type LocalFeatures struct {
	RDMARead         bool
	DeliveryComplete bool
	StableHeaderLen  bool
	ConnIDHeader     bool
}

// Bitmap encodes f into the HANDSHAKE exinfo representation.
func (f LocalFeatures) Bitmap() uint64 {
	var bits uint64
	if f.RDMARead {
		bits |= 1 << wire.FeatureRDMARead
	}
	if f.DeliveryComplete {
		bits |= 1 << wire.FeatureDeliveryComplete
	}
	if f.StableHeaderLen {
		bits |= 1 << wire.FeatureStableHeaderLen
	}
	if f.ConnIDHeader {
		bits |= 1 << wire.FeatureConnIDHeader
	}
	return bits
}

// BuildHandshake constructs the outgoing HANDSHAKE packet for this
// endpoint's feature set.
func BuildHandshake(local LocalFeatures) wire.Handshake {
	h := wire.Handshake{Base: wire.BaseHeader{Type: wire.TypeHandshake, Version: wire.ProtocolVersion}}
	bits := local.Bitmap()
	if bits != 0 {
		h.Exinfo = []uint64{bits}
	}
	return h
}

// NeedsHandshake reports whether p is a peer this endpoint has not yet
// exchanged a HANDSHAKE with, the condition that gates sending one
// alongside (or immediately after) the first REQ to a new peer.
func NeedsHandshake(p *peer.Peer) bool { return !p.HandshakeReceived }

// ApplyHandshake records an incoming HANDSHAKE's feature bitmap onto p.
// NeedsRawAddr reports true until a HANDSHAKE is received, but the
// endpoint's optHeaders never attaches a raw-address optional header, so
// REQs to p carry none either before or after the handshake.
func ApplyHandshake(p *peer.Peer, h wire.Handshake) {
	var bits uint64
	if len(h.Exinfo) > 0 {
		bits = h.Exinfo[0]
	}
	p.SetFeatures(bits)
}

// NeedsRawAddr reports whether an outgoing REQ to p must still carry the
// raw-address optional header (true until handshake completes).
func NeedsRawAddr(p *peer.Peer) bool { return !p.HandshakeReceived }
