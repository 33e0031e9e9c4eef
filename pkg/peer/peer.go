// Package peer consolidates the per-peer reliability state the protocol
// drivers and progress loop mutate: handshake/feature state, RNR backoff,
// credit accounting, outstanding tx/rx lists, and the message-id reorder
// buffer. Mutation is method-based, not scattered across call sites, so
// the invariants below are enforced in one place.
package peer

import (
	"time"

	"github.com/fabriclink/efa-rdm/pkg/addr"
	"github.com/fabriclink/efa-rdm/pkg/errs"
)

// DefaultReorderWindow is the default number of in-flight msg_id slots
// tracked per peer before an out-of-window id is treated as a protocol
// error (spec.md section 9, Open Question (b): no upper bound is
// mandated on the wire, so this module picks one and makes it
// configurable per endpoint).
const DefaultReorderWindow = 256

// InitialRNRBackoff and MaxRNRBackoff bound the exponential RNR backoff.
const (
	InitialRNRBackoff = 1 * time.Millisecond
	MaxRNRBackoff     = 1 * time.Second
)

// Peer is the per-connection reliability state for one fi_addr.
type Peer struct {
	FIAddr addr.FIAddr

	// Handshake/feature state.
	HandshakeReceived bool
	Features          uint64 // bits indexed per wire.Feature*, word 0 only (small feature set)
	ConnID            uint32
	ConnIDKnown       bool

	// RNR backoff.
	inBackoff     bool
	backoffDelay  time.Duration
	backoffExpiry time.Time

	// Credit accounting for long-CTS transfers.
	TxCredits uint32
	TxPending uint32

	// Outstanding operation lists, tracked by opaque arena index.
	txIDs map[uint32]struct{}
	rxIDs map[uint32]struct{}

	reorder *reorderBuffer

	IsLocal bool
	IsSelf  bool
}

// New constructs a Peer for fi with the given reorder window size.
func New(fi addr.FIAddr, reorderWindow int) *Peer {
	if reorderWindow <= 0 {
		reorderWindow = DefaultReorderWindow
	}
	return &Peer{
		FIAddr:  fi,
		txIDs:   make(map[uint32]struct{}),
		rxIDs:   make(map[uint32]struct{}),
		reorder: newReorderBuffer(reorderWindow),
	}
}

// HasFeature reports whether extra-feature bit id was advertised by this
// peer's HANDSHAKE. Undefined (pre-handshake) is treated as unsupported.
func (p *Peer) HasFeature(id int) bool {
	if !p.HandshakeReceived || id < 0 || id >= 64 {
		return false
	}
	return p.Features&(1<<uint(id)) != 0
}

// SetFeatures records the feature bitmap from a received HANDSHAKE.
func (p *Peer) SetFeatures(bits uint64) {
	p.Features = bits
	p.HandshakeReceived = true
}

// CheckConnID validates an incoming packet's connid against the peer's
// known connid. Before the first connid is learned, any value is accepted
// and becomes authoritative. A mismatch after that means the packet is a
// stale arrival from a destroyed-and-recreated QP and must be silently
// dropped (spec.md section 4.7) — it is not a protocol error.
func (p *Peer) CheckConnID(connID uint32) (accept bool) {
	if !p.ConnIDKnown {
		p.ConnID = connID
		p.ConnIDKnown = true
		return true
	}
	return p.ConnID == connID
}

// InUse reports whether the peer still has outstanding tx/rx entries,
// the condition AV.Remove checks before releasing a peer.
func (p *Peer) InUse() bool {
	return len(p.txIDs) > 0 || len(p.rxIDs) > 0
}

// Outstanding returns the number of tx+rx entries currently tracked
// against this peer, for metrics export.
func (p *Peer) Outstanding() int {
	return len(p.txIDs) + len(p.rxIDs)
}

// TrackTx records txID as outstanding against this peer.
func (p *Peer) TrackTx(txID uint32) { p.txIDs[txID] = struct{}{} }

// UntrackTx removes txID from the outstanding set.
func (p *Peer) UntrackTx(txID uint32) { delete(p.txIDs, txID) }

// TrackRx records rxID as outstanding against this peer.
func (p *Peer) TrackRx(rxID uint32) { p.rxIDs[rxID] = struct{}{} }

// UntrackRx removes rxID from the outstanding set.
func (p *Peer) UntrackRx(rxID uint32) { delete(p.rxIDs, rxID) }

// InBackoff reports whether the peer is currently in RNR backoff as of
// now.
func (p *Peer) InBackoff(now time.Time) bool {
	if !p.inBackoff {
		return false
	}
	if now.Before(p.backoffExpiry) {
		return true
	}
	p.inBackoff = false
	return false
}

// EnterBackoff schedules the next RNR backoff deadline, doubling the
// previous delay up to MaxRNRBackoff.
func (p *Peer) EnterBackoff(now time.Time) {
	if p.backoffDelay == 0 {
		p.backoffDelay = InitialRNRBackoff
	} else {
		p.backoffDelay *= 2
		if p.backoffDelay > MaxRNRBackoff {
			p.backoffDelay = MaxRNRBackoff
		}
	}
	p.inBackoff = true
	p.backoffExpiry = now.Add(p.backoffDelay)
}

// ResetBackoff clears the backoff state; called whenever a completion
// from this peer succeeds.
func (p *Peer) ResetBackoff() {
	p.inBackoff = false
	p.backoffDelay = 0
}

// BackoffExpiry returns the current backoff deadline; valid only when
// InBackoff reports true.
func (p *Peer) BackoffExpiry() time.Time { return p.backoffExpiry }

// Accept runs an inbound msg_id through the reorder buffer, returning
// whether it is currently deliverable (in-order, or a previously-buffered
// id now unblocked) and whether it falls outside the reorder window,
// which is a protocol error rather than a silent drop.
func (p *Peer) Accept(msgID uint32) (deliverable bool, outOfWindow bool) {
	return p.reorder.accept(msgID)
}

// AcceptMsgID is a convenience wrapper returning an error in the
// out-of-window case, matching the sentinel-error convention used
// elsewhere (spec.md section 7: mismatched msg_id beyond the reorder
// window fails the RX entry with EIO).
func (p *Peer) AcceptMsgID(msgID uint32) (deliverable bool, err error) {
	ok, outOfWindow := p.Accept(msgID)
	if outOfWindow {
		return false, errs.ErrIO
	}
	return ok, nil
}
