// Package mr defines the memory-registration collaborator: registering
// an application buffer for local/remote device access and releasing it,
// treated as an opaque narrow interface rather than concrete verbs calls
// (spec.md section 6).
package mr

// Access bits requested at registration time.
type Access uint8

const (
	AccessLocalRead Access = 1 << iota
	AccessLocalWrite
	AccessRemoteRead
	AccessRemoteWrite
)

// Handle is the result of a successful registration: the local key used
// in post_send/post_recv iovs, the remote key a peer uses in rma_iov
// entries, and an opaque descriptor Close needs to release it.
type Handle struct {
	LKey     uint64
	RKey     uint64
	Opaque   any
}

// Registrar registers and releases memory regions.
type Registrar interface {
	Register(buf []byte, access Access) (Handle, error)
	Close(opaque any) error
}
