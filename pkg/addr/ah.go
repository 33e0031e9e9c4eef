// Package addr implements the address vector: the mapping from a stable
// libfabric-style fi_addr to a raw peer address, a refcounted hardware
// address handle, and the reverse (AHN,QPN) lookup used to dispatch
// incoming packets to a peer.
package addr

import "github.com/fabriclink/efa-rdm/pkg/errs"

// AHN is the 16-bit address-handle number the device stamps on packets
// received from a peer reachable through that handle.
type AHN uint16

// AHCreator creates and destroys the hardware address-handle object for a
// GID. It is the narrow collaborator interface toward the transport; a
// real implementation talks to the device driver, a test implementation
// can hand out synthetic AHNs.
type AHCreator interface {
	CreateAH(gid [16]byte) (AHN, error)
	DestroyAH(ahn AHN) error
}

// AH is a reference-counted hardware address handle. Multiple peers that
// share a GID (e.g. several QPNs on the same remote NIC) share one AH.
type AH struct {
	GID  [16]byte
	AHN  AHN
	used int
}

// Used returns the current reference count.
func (h *AH) Used() int { return h.used }

// ahCache owns the GID-keyed AH pool for one AV.
type ahCache struct {
	creator AHCreator
	byGID   map[[16]byte]*AH
}

func newAHCache(creator AHCreator) *ahCache {
	return &ahCache{creator: creator, byGID: make(map[[16]byte]*AH)}
}

// acquire returns the AH for gid, creating it with refcount 1 if absent,
// otherwise incrementing its refcount.
func (c *ahCache) acquire(gid [16]byte) (*AH, error) {
	if h, ok := c.byGID[gid]; ok {
		h.used++
		return h, nil
	}
	ahn, err := c.creator.CreateAH(gid)
	if err != nil {
		return nil, err
	}
	h := &AH{GID: gid, AHN: ahn, used: 1}
	c.byGID[gid] = h
	return h, nil
}

// release decrements h's refcount, destroying the hardware handle and
// removing it from the cache when the count reaches zero.
func (c *ahCache) release(h *AH) error {
	h.used--
	if h.used > 0 {
		return nil
	}
	if h.used < 0 {
		return errs.ErrInvalid
	}
	delete(c.byGID, h.GID)
	return c.creator.DestroyAH(h.AHN)
}
