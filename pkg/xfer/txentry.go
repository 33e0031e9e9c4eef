package xfer

import "github.com/fabriclink/efa-rdm/pkg/addr"

// TxID is an endpoint-local unique handle for a TX entry, an index into
// the endpoint's TX arena.
type TxID uint32

// TxOpcode identifies the kind of outbound operation a TX entry drives.
type TxOpcode uint8

const (
	TxOpMsg TxOpcode = iota
	TxOpTagged
	TxOpRead
	TxOpWrite
	TxOpAtomicWrite
	TxOpAtomicFetch
	TxOpAtomicCompare
)

// TxState is the TX entry state machine (spec.md section 4.3/4.4).
type TxState uint8

const (
	TxFree TxState = iota
	TxReq
	TxSend
	TxQueuedCtrl
	TxQueuedReqRNR
	TxQueuedDataRNR
	TxDone
)

// TxEntry is one active outbound operation.
type TxEntry struct {
	Opcode TxOpcode
	Peer   addr.FIAddr

	IOV  [][]byte
	Desc []uintptr // memory-registration descriptors, one per IOV entry

	TotalLen    uint64
	BytesSent   uint64
	BytesAcked  uint64

	Window uint32 // credits granted by the peer for this transfer
	MsgID  uint32 // per-peer monotonic id for MSGRTM framing
	SendID uint32 // this side's own identifier, echoed back by the peer in CTS/READRSP/EOR

	PeerRecvID uint32 // the peer's recv_id, learned from its first CTS grant and echoed in subsequent DATA packets

	Tag       uint64
	HasTag    bool
	DeliveryComplete bool

	QueuedPkts []uint32 // packet-entry indices awaiting (re)transmission

	State TxState
}

// CheckInvariant reports whether the entry's byte-accounting invariant
// (bytes_acked <= bytes_sent <= total_len) holds, for use in tests and
// debug assertions.
func (t *TxEntry) CheckInvariant() bool {
	return t.BytesAcked <= t.BytesSent && t.BytesSent <= t.TotalLen
}

// Complete reports whether the transmit-complete condition holds:
// every byte has been acked by the transport.
func (t *TxEntry) Complete() bool { return t.BytesAcked == t.TotalLen }
