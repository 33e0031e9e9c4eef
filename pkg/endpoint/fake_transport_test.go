package endpoint

import (
	"github.com/fabriclink/efa-rdm/pkg/addr"
	"github.com/fabriclink/efa-rdm/pkg/errs"
	"github.com/fabriclink/efa-rdm/pkg/transport"
)

// fakeNetwork is an in-process stand-in for the EFA device: it connects
// any number of fakeTransports, each owning one node, and moves bytes
// directly between them instead of touching real queue pairs. It also
// hosts the "registered memory" long-read pulls RDMA-read from, keyed by
// an opaque rkey the test assigns.
type fakeNetwork struct {
	nextAHN addr.AHN
	byGID   map[[16]byte]addr.AHN
	nodes   map[addr.AHN]*fakeNode
	mem     map[uint64][]byte
}

func newFakeNetwork() *fakeNetwork {
	return &fakeNetwork{
		byGID: make(map[[16]byte]addr.AHN),
		nodes: make(map[addr.AHN]*fakeNode),
		mem:   make(map[uint64][]byte),
	}
}

// ahnForGID assigns the same AHN to a given GID network-wide, regardless
// of which transport asks: every fakeTransport's CreateAH resolves
// through this, so an incoming completion's SLID (the sender's own AHN)
// always matches the AHN the receiver's AV recorded for that sender.
func (n *fakeNetwork) ahnForGID(gid [16]byte) addr.AHN {
	if ahn, ok := n.byGID[gid]; ok {
		return ahn
	}
	ahn := n.nextAHN
	n.nextAHN++
	n.byGID[gid] = ahn
	return ahn
}

type recvSlot struct {
	iov  [][]byte
	wrid uint64
}

type delivery struct {
	data  []byte
	srcAH addr.AHN
	srcQP uint16
}

type fakeNode struct {
	ahn   addr.AHN
	qpn   uint16
	recvQ []recvSlot
	inbox []delivery // deliveries that arrived with no recv slot posted yet
	cq    []transport.Completion
}

// fakeTransport is one endpoint's view of the network: its own node plus
// a handle back to the shared fabric.
type fakeTransport struct {
	net  *fakeNetwork
	node *fakeNode
}

// newFakeTransport registers a node for gid/qpn and returns the transport
// that owns it. gid is this endpoint's own address, used so every other
// transport's CreateAH(gid) resolves to the same AHN this node sends
// completions under.
func newFakeTransport(net *fakeNetwork, gid [16]byte, qpn uint16) *fakeTransport {
	ahn := net.ahnForGID(gid)
	node := &fakeNode{ahn: ahn, qpn: qpn}
	net.nodes[ahn] = node
	return &fakeTransport{net: net, node: node}
}

func (t *fakeTransport) CreateAH(gid [16]byte) (addr.AHN, error) {
	return t.net.ahnForGID(gid), nil
}

func (t *fakeTransport) DestroyAH(ahn addr.AHN) error { return nil }

func (t *fakeTransport) PostSend(req transport.SendRequest) error {
	dest, ok := t.net.nodes[req.AH]
	if !ok {
		return errs.ErrAddrNotAvail
	}
	var data []byte
	for _, b := range req.IOV {
		data = append(data, b...)
	}
	dest.deliver(data, t.node.ahn, t.node.qpn)
	t.node.cq = append(t.node.cq, transport.Completion{Op: transport.CompletionSend, WRID: req.WRID, ByteLen: uint32(len(data))})
	return nil
}

func (t *fakeTransport) PostRecv(req transport.RecvRequest) error {
	if len(t.node.inbox) > 0 {
		d := t.node.inbox[0]
		t.node.inbox = t.node.inbox[1:]
		n := copy(req.IOV[0], d.data)
		t.node.cq = append(t.node.cq, transport.Completion{
			Op: transport.CompletionRecv, WRID: req.WRID, ByteLen: uint32(n),
			SLID: uint32(d.srcAH), SrcQP: d.srcQP,
		})
		return nil
	}
	t.node.recvQ = append(t.node.recvQ, recvSlot{iov: req.IOV, wrid: req.WRID})
	return nil
}

func (t *fakeTransport) PostRead(req transport.ReadRequest) error {
	buf := t.net.mem[req.RKey]
	end := req.RemoteAddr + req.Len
	if end > uint64(len(buf)) {
		return errs.ErrInvalid
	}
	copy(req.LocalIOV[0], buf[req.RemoteAddr:end])
	t.node.cq = append(t.node.cq, transport.Completion{Op: transport.CompletionRead, WRID: req.WRID, ByteLen: uint32(req.Len)})
	return nil
}

func (t *fakeTransport) PollCQ(batch int) ([]transport.Completion, error) {
	if batch > len(t.node.cq) {
		batch = len(t.node.cq)
	}
	out := t.node.cq[:batch]
	t.node.cq = t.node.cq[batch:]
	return out, nil
}

// deliver hands data to a posted recv slot if one is waiting, otherwise
// buffers it until PostRecv catches up — mirroring a real NIC's need for
// a pre-posted receive, without the test having to interleave Progress
// calls perfectly. srcAH/srcQP are stamped onto the eventual completion
// so the receiving endpoint's AV.ReverseLookup can resolve the sender.
func (n *fakeNode) deliver(data []byte, srcAH addr.AHN, srcQP uint16) {
	if len(n.recvQ) > 0 {
		slot := n.recvQ[0]
		n.recvQ = n.recvQ[1:]
		nCopied := copy(slot.iov[0], data)
		n.cq = append(n.cq, transport.Completion{
			Op: transport.CompletionRecv, WRID: slot.wrid, ByteLen: uint32(nCopied),
			SLID: uint32(srcAH), SrcQP: srcQP,
		})
		return
	}
	n.inbox = append(n.inbox, delivery{data: data, srcAH: srcAH, srcQP: srcQP})
}
