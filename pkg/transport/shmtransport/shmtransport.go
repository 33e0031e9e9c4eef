// Package shmtransport implements transport.Transport for intra-node
// peers over Go channels, fulfilling spec.md section 4.2's requirement
// for "a second transport with identical semantics" that bridges peers
// sharing a host without round-tripping through the network stack
// udptransport uses.
package shmtransport

import (
	"sync"

	"github.com/fabriclink/efa-rdm/pkg/addr"
	"github.com/fabriclink/efa-rdm/pkg/errs"
	"github.com/fabriclink/efa-rdm/pkg/transport"
)

type datagram struct {
	qpn     uint16
	imm     uint32
	hasImm  bool
	payload []byte
}

// Hub is the in-process switch every shmtransport.Transport created
// against it can reach, keyed by GID — the shm path's substitute for a
// device's GID table, since every peer on it lives in the same process.
type Hub struct {
	mu    sync.Mutex
	ports map[[16]byte]chan datagram
}

// NewHub constructs an empty switch.
func NewHub() *Hub {
	return &Hub{ports: make(map[[16]byte]chan datagram)}
}

func (h *Hub) register(gid [16]byte) chan datagram {
	h.mu.Lock()
	defer h.mu.Unlock()
	ch := make(chan datagram, 256)
	h.ports[gid] = ch
	return ch
}

func (h *Hub) unregister(gid [16]byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.ports, gid)
}

func (h *Hub) deliver(gid [16]byte, d datagram) bool {
	h.mu.Lock()
	ch, ok := h.ports[gid]
	h.mu.Unlock()
	if !ok {
		return false
	}
	select {
	case ch <- d:
		return true
	default:
		return false // channel full: treat like a dropped frame
	}
}

// Transport implements transport.Transport over Hub, one instance per
// local GID.
type Transport struct {
	hub *Hub
	gid [16]byte
	in  chan datagram

	mu          sync.Mutex
	ahs         map[addr.AHN][16]byte
	nextAHN     addr.AHN
	pendingRecv []transport.RecvRequest
	completions []transport.Completion
}

// New registers a new endpoint on hub under gid.
func New(hub *Hub, gid [16]byte) *Transport {
	return &Transport{
		hub: hub,
		gid: gid,
		in:  hub.register(gid),
		ahs: make(map[addr.AHN][16]byte),
	}
}

// Close unregisters this endpoint from its Hub.
func (t *Transport) Close() error {
	t.hub.unregister(t.gid)
	return nil
}

// PostSend implements transport.Transport.
func (t *Transport) PostSend(req transport.SendRequest) error {
	destGID, ok := t.lookupAH(req.AH)
	if !ok {
		return errs.ErrAddrNotAvail
	}
	payload := flattenIOV(req.IOV)
	t.hub.deliver(destGID, datagram{qpn: req.QPN, imm: req.Imm, hasImm: req.HasImm, payload: payload})

	t.mu.Lock()
	t.completions = append(t.completions, transport.Completion{
		Op: transport.CompletionSend, WRID: req.WRID, ByteLen: uint32(len(payload)),
	})
	t.mu.Unlock()
	return nil
}

// PostRecv implements transport.Transport.
func (t *Transport) PostRecv(req transport.RecvRequest) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pendingRecv = append(t.pendingRecv, req)
	return nil
}

// PostRead is unsupported for the same reason as udptransport: the shm
// bridge carries plain datagrams, not an RDMA-read verb.
func (t *Transport) PostRead(req transport.ReadRequest) error {
	return errs.ErrNoSys
}

// PollCQ implements transport.Transport.
func (t *Transport) PollCQ(batch int) ([]transport.Completion, error) {
	t.drainArrivals()

	t.mu.Lock()
	defer t.mu.Unlock()
	if batch <= 0 || batch > len(t.completions) {
		batch = len(t.completions)
	}
	out := t.completions[:batch]
	t.completions = t.completions[batch:]
	return out, nil
}

func (t *Transport) drainArrivals() {
	for {
		select {
		case d := <-t.in:
			t.matchArrival(d)
		default:
			return
		}
	}
}

func (t *Transport) matchArrival(d datagram) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.pendingRecv) == 0 {
		return
	}
	req := t.pendingRecv[0]
	t.pendingRecv = t.pendingRecv[1:]
	n := copyIntoIOV(req.IOV, d.payload)
	t.completions = append(t.completions, transport.Completion{
		Op: transport.CompletionRecv, WRID: req.WRID, ByteLen: uint32(n), SrcQP: d.qpn,
	})
}

// CreateAH implements transport.Transport. gid must already be
// registered on the same Hub.
func (t *Transport) CreateAH(gid [16]byte) (addr.AHN, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.nextAHN++
	ahn := t.nextAHN
	t.ahs[ahn] = gid
	return ahn, nil
}

// DestroyAH implements transport.Transport.
func (t *Transport) DestroyAH(ahn addr.AHN) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.ahs, ahn)
	return nil
}

func (t *Transport) lookupAH(ahn addr.AHN) ([16]byte, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	g, ok := t.ahs[ahn]
	return g, ok
}

func flattenIOV(iov [][]byte) []byte {
	if len(iov) == 1 {
		return iov[0]
	}
	var n int
	for _, b := range iov {
		n += len(b)
	}
	out := make([]byte, 0, n)
	for _, b := range iov {
		out = append(out, b...)
	}
	return out
}

func copyIntoIOV(iov [][]byte, payload []byte) int {
	total := 0
	off := 0
	for _, buf := range iov {
		if off >= len(payload) {
			break
		}
		end := off + len(buf)
		if end > len(payload) {
			end = len(payload)
		}
		n := copy(buf, payload[off:end])
		total += n
		off += n
	}
	return total
}
