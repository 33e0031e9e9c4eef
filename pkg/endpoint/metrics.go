package endpoint

import (
	"strconv"
	"time"

	"github.com/fabriclink/efa-rdm/pkg/metrics"
)

// Stats snapshots this endpoint's metrics-relevant state, implementing
// metrics.StatsProvider (spec.md section 7 supplement: "Per-peer and
// per-endpoint Prometheus metrics").
func (e *Endpoint) Stats() metrics.Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()

	snap := metrics.Snapshot{
		PacketsInUse:  e.packets.InUse(),
		PacketsCap:    e.recvPoolTarget * 4,
		TxArenaLive:   e.txArena.Len(),
		RxArenaLive:   e.rx.Arena().Len(),
		OutstandingTx: e.outstandingTx,
		Peers:         make([]metrics.PeerSnapshot, 0, len(e.peers)),
	}
	for fi, p := range e.peers {
		snap.Peers = append(snap.Peers, metrics.PeerSnapshot{
			Label:       strconv.FormatUint(uint64(fi), 10),
			TxCredits:   p.TxCredits,
			TxPending:   p.TxPending,
			InBackoff:   p.InBackoff(time.Now()),
			Outstanding: p.Outstanding(),
		})
	}
	return snap
}
