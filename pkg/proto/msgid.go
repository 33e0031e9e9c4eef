// Package proto holds the sub-protocol drivers: one driver per packet
// family (handshake, eager/medium/longcts/longread two-sided messaging,
// emulated one-sided write/read/atomic, delivery-complete). Dispatch
// from a decoded packet to its driver is a type switch in dispatch.go,
// not a function-pointer table, following the "sealed set of variants
// keyed by... enum: dispatch is a match" design-notes guidance.
package proto

import "github.com/fabriclink/efa-rdm/pkg/addr"

// MsgIDAllocator hands out the per-peer, per-direction monotonic msg_id
// used to frame MSGRTM messages. Wraparound (2^32 back to 0) is legal;
// the reorder buffer on the receiving side is built to handle it.
type MsgIDAllocator struct {
	next map[addr.FIAddr]uint32
}

// NewMsgIDAllocator constructs an empty allocator.
func NewMsgIDAllocator() *MsgIDAllocator {
	return &MsgIDAllocator{next: make(map[addr.FIAddr]uint32)}
}

// Next returns the next msg_id to use when sending to peer, and advances
// the counter.
func (a *MsgIDAllocator) Next(peer addr.FIAddr) uint32 {
	id := a.next[peer]
	a.next[peer] = id + 1
	return id
}
