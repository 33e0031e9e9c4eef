package xfer

import "github.com/fabriclink/efa-rdm/pkg/addr"

// MsgKey identifies one in-flight inbound message by the sender's per-peer
// msg_id and the peer's fi_addr, used to reassemble medium/long message
// segments that arrive out of order.
type MsgKey struct {
	MsgID uint32
	Peer  addr.FIAddr
}

// PktRxMap maps (msg_id, peer_addr) to the RX entry currently reassembling
// that message.
type PktRxMap struct {
	m map[MsgKey]RxID
}

// NewPktRxMap constructs an empty map.
func NewPktRxMap() *PktRxMap { return &PktRxMap{m: make(map[MsgKey]RxID)} }

// Bind associates key with rx, overwriting any prior binding.
func (m *PktRxMap) Bind(key MsgKey, rx RxID) { m.m[key] = rx }

// Lookup returns the RX entry bound to key, if any.
func (m *PktRxMap) Lookup(key MsgKey) (RxID, bool) {
	rx, ok := m.m[key]
	return rx, ok
}

// Unbind removes key's binding, done once the message is fully
// reassembled or the RX entry is aborted.
func (m *PktRxMap) Unbind(key MsgKey) { delete(m.m, key) }
