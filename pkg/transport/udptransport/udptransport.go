// Package udptransport implements transport.Transport over plain UDP
// sockets, a concrete reference transport so the whole protocol stack —
// AV, peers, progress loop, every sub-protocol driver — can run
// end-to-end over a real, schedulable wire without EFA hardware or a
// libfabric binding (spec.md section 7 supplement). It follows the
// teacher's pkg/exporter style of reaching past *net.Conn for
// syscall-level socket tuning: github.com/higebu/netfd extracts the raw
// fd, golang.org/x/sys/unix sets SO_RCVBUF on it.
package udptransport

import (
	"encoding/binary"
	"net"
	"sync"

	"github.com/higebu/netfd"
	"golang.org/x/sys/unix"

	"github.com/fabriclink/efa-rdm/pkg/addr"
	"github.com/fabriclink/efa-rdm/pkg/errs"
	"github.com/fabriclink/efa-rdm/pkg/transport"
)

// frameHeaderLen is the on-wire header this transport prepends to every
// datagram: QPN (the destination queue pair this reference transport
// multiplexes, since one UDP socket stands in for one device port) plus
// the optional immediate-data word EAGER sends may carry.
const frameHeaderLen = 2 + 1 + 4

// AddressBook resolves an address handle's GID to the UDP address
// hosting that peer, this reference transport's substitute for a real
// device's GID-to-AH resolution (spec.md section 6 treats address-handle
// creation as an external collaborator; UDP has no fabric-level AH, only
// a socket address to remember).
type AddressBook interface {
	Resolve(gid [16]byte) (*net.UDPAddr, error)
}

// StaticAddressBook is an AddressBook backed by a fixed map, the shape
// this package's tests build at startup (the example commands use the
// default DynamicAddressBook).
type StaticAddressBook map[[16]byte]*net.UDPAddr

// Resolve implements AddressBook.
func (b StaticAddressBook) Resolve(gid [16]byte) (*net.UDPAddr, error) {
	a, ok := b[gid]
	if !ok {
		return nil, errs.ErrAddrNotAvail
	}
	return a, nil
}

// DynamicAddressBook is an AddressBook peers can register into at
// runtime, the shape a long-lived process (an exporter, a pingpong
// responder) uses instead of knowing every peer's address up front.
type DynamicAddressBook struct {
	mu sync.Mutex
	m  map[[16]byte]*net.UDPAddr
}

// NewDynamicAddressBook constructs an empty book.
func NewDynamicAddressBook() *DynamicAddressBook {
	return &DynamicAddressBook{m: make(map[[16]byte]*net.UDPAddr)}
}

// Resolve implements AddressBook.
func (b *DynamicAddressBook) Resolve(gid [16]byte) (*net.UDPAddr, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	a, ok := b.m[gid]
	if !ok {
		return nil, errs.ErrAddrNotAvail
	}
	return a, nil
}

// Register records where gid can be reached.
func (b *DynamicAddressBook) Register(gid [16]byte, addr *net.UDPAddr) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.m[gid] = addr
}

type arrivedDatagram struct {
	qpn     uint16
	imm     uint32
	hasImm  bool
	payload []byte
}

// Transport implements transport.Transport over one UDP socket.
type Transport struct {
	conn *net.UDPConn
	book AddressBook

	mu          sync.Mutex
	ahs         map[addr.AHN]*net.UDPAddr
	nextAHN     addr.AHN
	pendingRecv []transport.RecvRequest
	completions []transport.Completion

	arrived chan arrivedDatagram
	closed  chan struct{}
}

// New binds a UDP socket at listenAddr (":0" for an ephemeral port) and,
// when rcvBufBytes is positive, tunes SO_RCVBUF on the underlying fd —
// the same getsockopt/setsockopt-via-raw-fd idiom pkg/linux/tcpinfo.go
// uses for TCP_INFO, applied here to receive-buffer sizing instead. A nil
// book gets a fresh DynamicAddressBook, populated later via RegisterPeer.
func New(listenAddr string, book AddressBook, rcvBufBytes int) (*Transport, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", listenAddr)
	if err != nil {
		return nil, err
	}
	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return nil, err
	}
	if rcvBufBytes > 0 {
		if fd := netfd.GetFdFromConn(conn); fd >= 0 {
			_ = unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_RCVBUF, rcvBufBytes)
		}
	}
	if book == nil {
		book = NewDynamicAddressBook()
	}
	t := &Transport{
		conn:    conn,
		book:    book,
		ahs:     make(map[addr.AHN]*net.UDPAddr),
		arrived: make(chan arrivedDatagram, 256),
		closed:  make(chan struct{}),
	}
	go t.recvLoop()
	return t, nil
}

// LocalAddr returns the socket's bound address, for registering this
// endpoint in a peer's AddressBook.
func (t *Transport) LocalAddr() *net.UDPAddr { return t.conn.LocalAddr().(*net.UDPAddr) }

// RegisterPeer records where gid can be reached, when this transport was
// constructed with a DynamicAddressBook (the default). It is a no-op
// against a caller-supplied AddressBook that isn't one.
func (t *Transport) RegisterPeer(gid [16]byte, addr *net.UDPAddr) {
	if b, ok := t.book.(*DynamicAddressBook); ok {
		b.Register(gid, addr)
	}
}

// Close shuts down the socket and its receive loop.
func (t *Transport) Close() error {
	close(t.closed)
	return t.conn.Close()
}

func (t *Transport) recvLoop() {
	buf := make([]byte, 64*1024)
	for {
		n, _, err := t.conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-t.closed:
				return
			default:
				continue
			}
		}
		if n < frameHeaderLen {
			continue
		}
		qpn := binary.LittleEndian.Uint16(buf[0:2])
		hasImm := buf[2] != 0
		imm := binary.LittleEndian.Uint32(buf[3:7])
		payload := make([]byte, n-frameHeaderLen)
		copy(payload, buf[frameHeaderLen:n])
		d := arrivedDatagram{qpn: qpn, imm: imm, hasImm: hasImm, payload: payload}
		select {
		case t.arrived <- d:
		case <-t.closed:
			return
		}
	}
}

// PostSend implements transport.Transport.
func (t *Transport) PostSend(req transport.SendRequest) error {
	peerAddr, ok := t.lookupAH(req.AH)
	if !ok {
		return errs.ErrAddrNotAvail
	}
	payload := flattenIOV(req.IOV)
	frame := make([]byte, frameHeaderLen+len(payload))
	binary.LittleEndian.PutUint16(frame[0:2], req.QPN)
	if req.HasImm {
		frame[2] = 1
	}
	binary.LittleEndian.PutUint32(frame[3:7], req.Imm)
	copy(frame[frameHeaderLen:], payload)

	if _, err := t.conn.WriteToUDP(frame, peerAddr); err != nil {
		return err
	}
	t.mu.Lock()
	t.completions = append(t.completions, transport.Completion{
		Op: transport.CompletionSend, WRID: req.WRID, ByteLen: uint32(len(payload)),
	})
	t.mu.Unlock()
	return nil
}

// PostRecv implements transport.Transport. The posted buffer is matched
// against the next datagram drainArrivals picks up, FIFO, mirroring a
// real device's receive-queue ordering.
func (t *Transport) PostRecv(req transport.RecvRequest) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pendingRecv = append(t.pendingRecv, req)
	return nil
}

// PostRead is unsupported: a plain UDP datagram carries no RDMA-read
// verb to issue against, so the zero-copy long-read path has nothing to
// drive here. Long transfers over this transport stay on the
// flow-controlled long-CTS path.
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
		case d := <-t.arrived:
			t.matchArrival(d)
		default:
			return
		}
	}
}

func (t *Transport) matchArrival(d arrivedDatagram) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.pendingRecv) == 0 {
		// No posted receive buffer: drop, the same outcome a real
		// device's empty recv queue produces. The protocol layer's RNR
		// backoff is what keeps a well-behaved sender from hammering
		// this case.
		return
	}
	req := t.pendingRecv[0]
	t.pendingRecv = t.pendingRecv[1:]
	n := copyIntoIOV(req.IOV, d.payload)
	t.completions = append(t.completions, transport.Completion{
		Op: transport.CompletionRecv, WRID: req.WRID, ByteLen: uint32(n), SrcQP: d.qpn,
	})
}

// CreateAH implements transport.Transport.
func (t *Transport) CreateAH(gid [16]byte) (addr.AHN, error) {
	udpAddr, err := t.book.Resolve(gid)
	if err != nil {
		return 0, err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.nextAHN++
	ahn := t.nextAHN
	t.ahs[ahn] = udpAddr
	return ahn, nil
}

// DestroyAH implements transport.Transport.
func (t *Transport) DestroyAH(ahn addr.AHN) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.ahs, ahn)
	return nil
}

func (t *Transport) lookupAH(ahn addr.AHN) (*net.UDPAddr, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	a, ok := t.ahs[ahn]
	return a, ok
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
