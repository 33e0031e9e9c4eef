// Package endpoint wires the AV, peer table, TX/RX arenas, packet pool,
// and protocol drivers into the single-threaded-cooperative scheduler
// spec.md section 4.8/5 describes: one lock, one progress loop, no
// internal blocking.
package endpoint

import (
	"encoding/binary"
	"sync"

	"github.com/fabriclink/efa-rdm/pkg/addr"
	"github.com/fabriclink/efa-rdm/pkg/diag"
	"github.com/fabriclink/efa-rdm/pkg/hmem"
	"github.com/fabriclink/efa-rdm/pkg/peer"
	"github.com/fabriclink/efa-rdm/pkg/proto"
	"github.com/fabriclink/efa-rdm/pkg/transport"
	"github.com/fabriclink/efa-rdm/pkg/wire"
	"github.com/fabriclink/efa-rdm/pkg/xfer"
	"github.com/rs/xid"
)

const (
	defaultCQBatch          = 50
	defaultRecvPoolTarget   = 64
	defaultPacketSize       = 16 * 1024
	defaultOutstandingTxCap = 128
	defaultLongCTSWindow    = 4 * defaultPacketSize

	// EagerMax is the largest payload sent as a single EAGER_{MSG,TAG}RTM.
	EagerMax = 1024
	// MediumMax is the largest payload sent as a MEDIUM_{MSG,TAG}RTM burst
	// before the driver switches to the flow-controlled long-CTS protocol.
	MediumMax = 64 * 1024
	// MediumSegment is the per-segment cap a medium burst is split into.
	MediumSegment = 4096
)

// Option configures an Endpoint at construction time.
type Option func(*Endpoint)

// WithReorderWindow overrides the per-peer msg_id reorder window.
func WithReorderWindow(n int) Option { return func(e *Endpoint) { e.reorderWindow = n } }

// WithRecvPoolTarget overrides how many recv buffers the progress loop
// keeps posted.
func WithRecvPoolTarget(n int) Option { return func(e *Endpoint) { e.recvPoolTarget = n } }

// WithPacketSize overrides the fixed packet buffer size.
func WithPacketSize(n int) Option { return func(e *Endpoint) { e.packetSize = n } }

// WithCQBatch overrides the per-invocation completion queue poll batch.
func WithCQBatch(n int) Option { return func(e *Endpoint) { e.cqBatch = n } }

// WithOutstandingTxCap overrides the outstanding-send cap shared by the
// tx_pending and read_pending drivers.
func WithOutstandingTxCap(n int) Option { return func(e *Endpoint) { e.outstandingTxCap = n } }

// WithLongCTSWindowBytes overrides the per-CTS-round grant size a
// receiver advertises for long-CTS transfers.
func WithLongCTSWindowBytes(n uint64) Option { return func(e *Endpoint) { e.longCTSWindowBytes = n } }

// WithLocalFeatures sets the extra-feature bitmap this endpoint
// advertises in its own HANDSHAKE.
func WithLocalFeatures(f proto.LocalFeatures) Option { return func(e *Endpoint) { e.localFeatures = f } }

// WithLog attaches a diagnostic sink; a nil sink discards everything.
func WithLog(log *diag.Sink) Option { return func(e *Endpoint) { e.log = log } }

// WithTargetResolver supplies the rma_iov -> local-buffer mapping needed
// to apply incoming RTW/RTR/RTA requests. Without one, this endpoint
// only originates emulated one-sided operations; it cannot be a target
// for them (progress.go logs and drops such a request rather than
// crashing, since the application simply never registered memory for
// remote access).
func WithTargetResolver(r proto.TargetResolver) Option { return func(e *Endpoint) { e.resolver = r } }

// WithHMemRegistry supplies the device-memcpy registry used to apply
// RTW/RTA requests against non-host memory. Defaults to a System-only
// registry (plain host copies) if never set.
func WithHMemRegistry(r *hmem.Registry) Option { return func(e *Endpoint) { e.hmemReg = r } }

// WithLocalLKey sets the local registration key PlanReads attaches to the
// ReadRequests this endpoint posts to service an inbound long-read pull.
// A real deployment gets this from the mr.Registrar that registered the
// matched receive buffer; without one configured, reads are posted with
// key 0, which a real EFA device rejects (documented limitation: pkg/mr
// is not yet wired into pkg/endpoint).
func WithLocalLKey(key uint64) Option { return func(e *Endpoint) { e.localLKey = key } }

// CompletionError is one entry on the endpoint's error queue (spec.md
// section 4.8 step 1: transport errors are surfaced here rather than
// panicking the progress loop).
type CompletionError struct {
	TxID xfer.TxID
	RxID xfer.RxID
	IsTx bool
	Err  error
}

// Endpoint is the single-threaded-cooperative RDM endpoint. All mutation
// of AV, peer table, TX/RX entries, and the packet pool happens under mu,
// acquired by every public method and by Progress itself (spec.md
// section 5: "External callers acquire the lock on entry to every public
// API. The progress loop acquires the same lock.").
type Endpoint struct {
	mu sync.Mutex

	transport transport.Transport
	av        *addr.AV
	log       *diag.Sink

	peers map[addr.FIAddr]*peer.Peer

	txArena *xfer.Arena[xfer.TxEntry]
	rx      *xfer.InboundQueue
	packets *xfer.PacketPool

	msgIDs        *proto.MsgIDAllocator
	medium        *proto.MediumReassembler
	receipts      *proto.PendingReceipts
	localFeatures proto.LocalFeatures

	handshakeSent  map[addr.FIAddr]bool
	backoffTracked map[addr.FIAddr]bool

	txQueuedCtrl []xfer.TxID
	rxQueuedCtrl []xfer.RxID
	txPending    []xfer.TxID
	readPending  []xfer.TxID

	errQueue []CompletionError

	outstandingTx      int
	outstandingTxCap   int
	reorderWindow      int
	recvPoolTarget     int
	packetSize         int
	cqBatch            int
	longCTSWindowBytes uint64

	resolver proto.TargetResolver
	hmemReg  *hmem.Registry
	localLKey uint64

	longctsRecv      map[xfer.RxID]*proto.LongFlowReceiver
	longctsSend      map[xfer.TxID]*proto.LongFlowSender
	longctsDC        map[xfer.RxID]dcLongCTSInfo
	longreads        map[xfer.RxID]*longReadJob
	longctsWriteRecv map[writeRecvKey]*writeRecvState

	// connID is this endpoint's own 32-bit connection identifier (spec.md
	// section 4.7): chosen once at startup and carried in the optional
	// connid header of outgoing REQ packets so a peer that recreates its
	// QP can tell the new incarnation apart from a stale one.
	connID uint32
}

// dcLongCTSInfo remembers the fields a RECEIPT needs once a DC-flagged
// long-CTS transfer finishes reassembling, since wire.Data (the packet
// that actually completes the transfer) carries neither.
type dcLongCTSInfo struct {
	sendID uint32
	msgID  uint32
}

// longReadJob is the receiver-side bookkeeping for one long-read pull:
// the RDMA reads PlanReads produced, how many of them are still unposted,
// and the fields EOR needs once every byte has arrived.
type longReadJob struct {
	peer      addr.FIAddr
	sendID    uint32
	connID    uint32
	hasConnID bool
	total     uint64
	acked     uint64
	pending   []transport.ReadRequest
}

// New constructs an Endpoint over t and av, applying opts.
func New(t transport.Transport, av *addr.AV, opts ...Option) *Endpoint {
	e := &Endpoint{
		transport:          t,
		av:                 av,
		peers:              make(map[addr.FIAddr]*peer.Peer),
		txArena:            xfer.NewArena[xfer.TxEntry](),
		rx:                 xfer.NewInboundQueue(),
		msgIDs:             proto.NewMsgIDAllocator(),
		medium:             proto.NewMediumReassembler(),
		receipts:           proto.NewPendingReceipts(),
		handshakeSent:      make(map[addr.FIAddr]bool),
		backoffTracked:     make(map[addr.FIAddr]bool),
		reorderWindow:      peer.DefaultReorderWindow,
		recvPoolTarget:     defaultRecvPoolTarget,
		packetSize:         defaultPacketSize,
		cqBatch:            defaultCQBatch,
		outstandingTxCap:   defaultOutstandingTxCap,
		longCTSWindowBytes: defaultLongCTSWindow,
		connID:             newConnID(),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.log == nil {
		e.log = diag.Discard()
	}
	if e.hmemReg == nil {
		e.hmemReg = hmem.NewRegistry()
	}
	e.longctsRecv = make(map[xfer.RxID]*proto.LongFlowReceiver)
	e.longctsSend = make(map[xfer.TxID]*proto.LongFlowSender)
	e.longctsDC = make(map[xfer.RxID]dcLongCTSInfo)
	e.longreads = make(map[xfer.RxID]*longReadJob)
	e.longctsWriteRecv = make(map[writeRecvKey]*writeRecvState)
	e.packets = xfer.NewPacketPool(e.recvPoolTarget*4, e.packetSize, false)
	return e
}

// newConnID derives this endpoint's connid from a freshly minted xid.ID,
// the same globally-unique identifier the teacher's exporter uses to tag
// a connection (cmd/exporter_example2). xid.ID is a 12-byte value with no
// native uint32 form, so the low 4 bytes of its machine/counter/random
// tail stand in for the 32-bit field spec.md section 4.7 asks for.
func newConnID() uint32 {
	id := xid.New()
	b := id.Bytes()
	return binary.LittleEndian.Uint32(b[len(b)-4:])
}

// optHeaders builds the optional-header set this endpoint attaches to an
// outgoing REQ packet: the connid header, when the peer's HANDSHAKE (or
// this endpoint's own advertised LocalFeatures, before one has arrived)
// asked for it.
func (e *Endpoint) optHeaders(p *peer.Peer) wire.OptionalHeaders {
	if !e.wantsConnIDHeader(p) {
		return wire.OptionalHeaders{}
	}
	return wire.OptionalHeaders{ConnID: e.connID, HasConnID: true}
}

// wantsConnIDHeader reports whether outgoing REQ packets to p should carry
// the optional connid header. p.Features() reflects the last HANDSHAKE
// received from the peer; until one arrives, this endpoint's own
// LocalFeatures.ConnIDHeader governs. SelectReqType has no such
// fallback: it consults only the peer's advertised features.
func (e *Endpoint) wantsConnIDHeader(p *peer.Peer) bool {
	if p != nil && p.HandshakeReceived {
		return p.HasFeature(wire.FeatureConnIDHeader)
	}
	return e.localFeatures.ConnIDHeader
}

// peerFor returns fi's Peer, creating it on first reference — mirroring
// the teacher's lazy-initialize-on-first-touch style for per-connection
// state.
func (e *Endpoint) peerFor(fi addr.FIAddr) *peer.Peer {
	p, ok := e.peers[fi]
	if !ok {
		p = peer.New(fi, e.reorderWindow)
		e.peers[fi] = p
	}
	return p
}

// ErrQueue drains and returns every error queued since the last call.
func (e *Endpoint) ErrQueue() []CompletionError {
	e.mu.Lock()
	defer e.mu.Unlock()
	q := e.errQueue
	e.errQueue = nil
	return q
}

func (e *Endpoint) pushError(ce CompletionError) {
	e.log.Warnf("endpoint: completion error tx=%v rx=%v isTx=%v: %v", ce.TxID, ce.RxID, ce.IsTx, ce.Err)
	e.errQueue = append(e.errQueue, ce)
}

// AV exposes the address vector for callers that need to Insert/Lookup
// peer addresses before sending to them.
func (e *Endpoint) AV() *addr.AV { return e.av }

// Close takes the endpoint's lock and returns nil. It does not release
// the packet pool or AH references, and any still-outstanding TX/RX
// entries are left as they are.
func (e *Endpoint) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return nil
}
