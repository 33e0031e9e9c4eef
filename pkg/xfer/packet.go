package xfer

import "github.com/fabriclink/efa-rdm/pkg/addr"

// PacketState is the pool-entry lifecycle state (spec.md section 4.3).
type PacketState uint8

const (
	PacketFree PacketState = iota
	PacketInUse
	PacketRNRRetransmit
	PacketCopyByRead
)

// PacketEntry is a pool-allocated buffer holding one wire packet plus the
// metadata the progress loop needs to retransmit or reclaim it.
type PacketEntry struct {
	Buf   []byte // fixed-capacity slab slice; Buf[:n] holds the encoded packet
	N     int
	Owner uint32 // owning TxID or RxID, meaning depends on IsTx
	IsTx  bool
	Src   addr.FIAddr
	State PacketState
}

// poisonByte is written over a released buffer in debug pools so a
// use-after-free shows up as garbage instead of silently-stale data.
const poisonByte = 0xAA

// PacketPool is a fixed-size slab pool of registered packet buffers.
// Only the progress loop allocates from or frees into a pool (spec.md
// section 4.7: "packet buffer pools (only the progress loop
// allocates/frees)").
type PacketPool struct {
	bufSize int
	debug   bool
	arena   *Arena[PacketEntry]
	cap     int
}

// NewPacketPool constructs a pool of at most capacity buffers, each
// bufSize bytes. debug enables release-time poisoning.
func NewPacketPool(capacity, bufSize int, debug bool) *PacketPool {
	return &PacketPool{bufSize: bufSize, debug: debug, arena: NewArena[PacketEntry](), cap: capacity}
}

// Acquire returns a fresh packet entry index and pointer, or ok=false if
// the pool is exhausted (ENOMEM at submission time, per spec.md section 7).
func (p *PacketPool) Acquire() (idx uint32, entry *PacketEntry, ok bool) {
	if p.cap > 0 && p.arena.Len() >= p.cap {
		return 0, nil, false
	}
	idx = p.arena.Alloc()
	entry = p.arena.Get(idx)
	entry.Buf = make([]byte, p.bufSize)
	entry.State = PacketInUse
	return idx, entry, true
}

// Get returns the entry at idx.
func (p *PacketPool) Get(idx uint32) *PacketEntry { return p.arena.Get(idx) }

// Release returns idx to the pool, poisoning its buffer in debug mode.
func (p *PacketPool) Release(idx uint32) {
	entry := p.arena.Get(idx)
	if p.debug {
		for i := range entry.Buf {
			entry.Buf[i] = poisonByte
		}
	}
	entry.State = PacketFree
	p.arena.Free(idx)
}

// InUse reports the number of buffers currently checked out.
func (p *PacketPool) InUse() int { return p.arena.Len() }
