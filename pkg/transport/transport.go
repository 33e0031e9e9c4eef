// Package transport defines the narrow interfaces the protocol core
// consumes from the device: posting sends/receives/RDMA reads, polling
// the completion queue, and address-handle lifecycle. The EFA verbs
// themselves, and the shm fast path, are external collaborators behind
// these interfaces, never imported concretely by the protocol core.
package transport

import "github.com/fabriclink/efa-rdm/pkg/addr"

// CompletionOp identifies the operation a completion reports on.
type CompletionOp uint8

const (
	CompletionSend CompletionOp = iota
	CompletionRecv
	CompletionRead
	CompletionRNR
	CompletionError
)

// Completion is one entry returned by PollCQ.
type Completion struct {
	Op      CompletionOp
	WRID    uint64
	Status  int32 // 0 on success; a transport-specific error code otherwise
	SLID    uint32
	SrcQP   uint16
	ByteLen uint32
}

// SendRequest describes one post_send.
type SendRequest struct {
	AH   addr.AHN
	QPN  uint16
	IOV  [][]byte
	LKey []uint64
	Imm  uint32
	HasImm bool
	WRID uint64
}

// RecvRequest describes one post_recv.
type RecvRequest struct {
	IOV  [][]byte
	LKey []uint64
	WRID uint64
}

// ReadRequest describes one post_read (RDMA read from a remote buffer).
type ReadRequest struct {
	LocalIOV  [][]byte
	LKey      uint64
	RemoteAddr uint64
	RKey       uint64
	Len        uint64
	WRID       uint64
}

// Transport is the wire-transport collaborator: post_send, post_recv,
// post_read, poll_cq, create_ah/destroy_ah (spec.md section 6). Both the
// real EFA-verbs transport and the shm intra-node transport implement
// this same interface, letting the progress loop treat peers uniformly
// regardless of which path carries their traffic.
type Transport interface {
	PostSend(req SendRequest) error
	PostRecv(req RecvRequest) error
	PostRead(req ReadRequest) error
	PollCQ(batch int) ([]Completion, error)
	CreateAH(gid [16]byte) (addr.AHN, error)
	DestroyAH(ahn addr.AHN) error
}
