package addr

import (
	"github.com/fabriclink/efa-rdm/pkg/diag"
	"github.com/fabriclink/efa-rdm/pkg/errs"
	"github.com/fabriclink/efa-rdm/pkg/wire"
)

// FIAddr is a stable, opaque peer handle: an index into the AV's peer
// table. It is never a pointer cast to an integer (the util_av layout),
// so it survives table growth/compaction without dangling.
type FIAddr uint64

// FIAddrUnspec is returned by failed lookups and is never a valid handle.
const FIAddrUnspec FIAddr = ^FIAddr(0)

// ShmInserter bridges an intra-node peer into the shm transport's own
// address vector, keyed by the 18-byte "gid:qpn" string.
type ShmInserter interface {
	InsertLocal(key string) error
	RemoveLocal(key string) error
}

// Record is one entry in the AV's peer table: the raw wire address, the
// shared address handle, and the locality flags insert() computes.
type Record struct {
	FIAddr  FIAddr
	Raw     wire.RawAddress
	AH      *AH
	IsSelf  bool
	IsLocal bool
	ShmKey  string // non-empty iff IsLocal and shm bridging succeeded
	live    bool
}

type reverseKey struct {
	ahn AHN
	qpn uint16
}

// AV is the address vector: an ordered peer table plus the GID-keyed AH
// cache and the (AHN,QPN) reverse map used to dispatch incoming packets.
type AV struct {
	ahCache   *ahCache
	shm       ShmInserter // nil if shm bridging is disabled
	selfRaw   wire.RawAddress
	localGIDs map[[16]byte]bool
	log       *diag.Sink

	records []*Record // index i holds FIAddr(i); nil once removed
	reverse map[reverseKey]FIAddr
}

// New constructs an AV. selfRaw is this endpoint's own raw address (used
// for self-detection on insert); localGIDs enumerates GIDs known to be
// intra-node; shm may be nil to disable shm bridging.
func New(creator AHCreator, selfRaw wire.RawAddress, localGIDs map[[16]byte]bool, shm ShmInserter, log *diag.Sink) *AV {
	if localGIDs == nil {
		localGIDs = map[[16]byte]bool{}
	}
	return &AV{
		ahCache:   newAHCache(creator),
		shm:       shm,
		selfRaw:   selfRaw,
		localGIDs: localGIDs,
		log:       log.WithField("component", "av"),
		reverse:   make(map[reverseKey]FIAddr),
	}
}

// Insert validates raw, reuses or creates its AH, evicts any stale
// duplicate sharing (AHN,QPN), allocates a peer record, and returns its
// fi_addr. Re-inserting an already-live (GID,QPN,connid) is idempotent.
func (av *AV) Insert(raw wire.RawAddress) (FIAddr, error) {
	if raw.IsZero() {
		return FIAddrUnspec, errs.ErrAddrNotAvail
	}

	ah, err := av.ahCache.acquire(raw.GID)
	if err != nil {
		return FIAddrUnspec, errs.ErrNoMem
	}

	key := reverseKey{ahn: ah.AHN, qpn: raw.QPN}
	if prior, ok := av.reverse[key]; ok {
		rec := av.records[prior]
		if rec != nil && rec.live && rec.Raw.ConnID == raw.ConnID {
			av.ahCache.release(ah) // idempotent insert: give back the extra ref
			return prior, nil
		}
		av.log.Infof("av: evicting stale peer fi_addr=%d (gid/qpn reused with new connid)", prior)
		if err := av.removeOne(prior, func(FIAddr) bool { return false }); err != nil {
			av.log.Warnf("av: failed to evict stale peer: %v", err)
		}
	}

	rec := &Record{
		FIAddr:  FIAddr(len(av.records)),
		Raw:     raw,
		AH:      ah,
		IsSelf:  raw.GID == av.selfRaw.GID && raw.QPN == av.selfRaw.QPN,
		IsLocal: av.localGIDs[raw.GID],
		live:    true,
	}
	if rec.IsLocal && av.shm != nil {
		rec.ShmKey = shmKey(raw.GID, raw.QPN)
		if err := av.shm.InsertLocal(rec.ShmKey); err != nil {
			av.log.Warnf("av: shm bridge insert failed for %s: %v", rec.ShmKey, err)
			rec.ShmKey = ""
		}
	}

	av.records = append(av.records, rec)
	av.reverse[key] = rec.FIAddr
	return rec.FIAddr, nil
}

// Lookup returns the raw address for fi_addr.
func (av *AV) Lookup(fi FIAddr) (wire.RawAddress, error) {
	rec := av.recordOf(fi)
	if rec == nil {
		return wire.RawAddress{}, errs.ErrAddrNotAvail
	}
	return rec.Raw, nil
}

// ReverseLookup returns the live peer addressed by (ahn, qpn), if any.
func (av *AV) ReverseLookup(ahn AHN, qpn uint16) (FIAddr, bool) {
	fi, ok := av.reverse[reverseKey{ahn: ahn, qpn: qpn}]
	if !ok {
		return FIAddrUnspec, false
	}
	if rec := av.recordOf(fi); rec == nil {
		return FIAddrUnspec, false
	}
	return fi, true
}

// Record returns the full record for fi_addr, or nil if removed/unknown.
func (av *AV) Record(fi FIAddr) *Record { return av.recordOf(fi) }

// Remove releases each address in addrs. inUse reports whether a peer
// still has outstanding tx/rx entries; if it does, that address fails
// with ErrBusy and the rest of the batch is still attempted.
func (av *AV) Remove(addrs []FIAddr, inUse func(FIAddr) bool) error {
	var firstErr error
	for _, fi := range addrs {
		if err := av.removeOne(fi, inUse); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (av *AV) removeOne(fi FIAddr, inUse func(FIAddr) bool) error {
	rec := av.recordOf(fi)
	if rec == nil {
		return errs.ErrAddrNotAvail
	}
	if inUse(fi) {
		return errs.ErrBusy
	}
	if rec.ShmKey != "" && av.shm != nil {
		if err := av.shm.RemoveLocal(rec.ShmKey); err != nil {
			av.log.Warnf("av: shm bridge remove failed for %s: %v", rec.ShmKey, err)
		}
	}
	delete(av.reverse, reverseKey{ahn: rec.AH.AHN, qpn: rec.Raw.QPN})
	if err := av.ahCache.release(rec.AH); err != nil {
		av.log.Warnf("av: ah release failed: %v", err)
	}
	rec.live = false
	av.records[fi] = nil
	return nil
}

func (av *AV) recordOf(fi FIAddr) *Record {
	if int(fi) < 0 || int(fi) >= len(av.records) {
		return nil
	}
	rec := av.records[fi]
	if rec == nil || !rec.live {
		return nil
	}
	return rec
}

// shmKey formats the 18-byte "gid:qpn" intra-node address key: the 16
// raw GID bytes followed by the 2-byte big-endian QPN, matching the shm
// transport's own address format.
func shmKey(gid [16]byte, qpn uint16) string {
	buf := make([]byte, 0, 18)
	buf = append(buf, gid[:]...)
	buf = append(buf, byte(qpn>>8), byte(qpn))
	return string(buf)
}
