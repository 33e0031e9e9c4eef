// Package metrics exposes per-endpoint and per-peer state as Prometheus
// metrics, generalizing the teacher's pkg/exporter.TCPInfoCollector (one
// collector, many tracked connections, Add/Remove at the caller's
// discretion) from per-socket tcpinfo to the RDM provider's own
// reliability state: credits, backoff, arena occupancy, packet-pool
// pressure.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// StatsProvider is the subset of *endpoint.Endpoint this package depends
// on. Defined here rather than imported from pkg/endpoint so pkg/endpoint
// can implement it without an import cycle back into pkg/metrics.
type StatsProvider interface {
	Stats() Snapshot
}

// Snapshot is one endpoint's metrics-relevant state as of one Collect
// call (spec.md section 7 supplement: "Per-peer and per-endpoint
// Prometheus metrics").
type Snapshot struct {
	PacketsInUse  int
	PacketsCap    int
	TxArenaLive   int
	RxArenaLive   int
	OutstandingTx int
	Peers         []PeerSnapshot
}

// PeerSnapshot is one peer's reliability state, labeled by the caller
// (pkg/endpoint labels each peer with its fi_addr in decimal).
type PeerSnapshot struct {
	Label       string
	TxCredits   uint32
	TxPending   uint32
	InBackoff   bool
	Outstanding int
}

type endpointEntry struct {
	provider StatsProvider
	labels   []string
}

// Collector implements prometheus.Collector over a set of tracked
// endpoints, added and removed by the caller the same way
// TCPInfoCollector.Add/Remove track net.Conns.
type Collector struct {
	mu        sync.Mutex
	endpoints map[string]endpointEntry
	logger    func(error)

	packetsInUseDesc    *prometheus.Desc
	packetsCapDesc      *prometheus.Desc
	txArenaLiveDesc     *prometheus.Desc
	rxArenaLiveDesc     *prometheus.Desc
	outstandingTxDesc   *prometheus.Desc
	peerCreditsDesc     *prometheus.Desc
	peerPendingDesc     *prometheus.Desc
	peerBackoffDesc     *prometheus.Desc
	peerOutstandingDesc *prometheus.Desc
}

// New constructs a Collector. constLabels is attached to every metric
// family, matching TCPInfoCollector's constLabels parameter (process-wide
// labels rather than per-connection ones). errorLoggingCallback receives
// scrape-time errors; a nil callback discards them.
func New(constLabels prometheus.Labels, errorLoggingCallback func(error)) *Collector {
	if errorLoggingCallback == nil {
		errorLoggingCallback = func(error) {}
	}
	endpointLabels := []string{"endpoint"}
	peerLabels := []string{"endpoint", "peer"}
	return &Collector{
		endpoints: make(map[string]endpointEntry),
		logger:    errorLoggingCallback,
		packetsInUseDesc: prometheus.NewDesc(
			"efa_rdm_packets_in_use", "Packet pool buffers currently checked out.", endpointLabels, constLabels),
		packetsCapDesc: prometheus.NewDesc(
			"efa_rdm_packets_capacity", "Packet pool buffer capacity.", endpointLabels, constLabels),
		txArenaLiveDesc: prometheus.NewDesc(
			"efa_rdm_tx_arena_live", "Live TX arena entries.", endpointLabels, constLabels),
		rxArenaLiveDesc: prometheus.NewDesc(
			"efa_rdm_rx_arena_live", "Live RX arena entries.", endpointLabels, constLabels),
		outstandingTxDesc: prometheus.NewDesc(
			"efa_rdm_outstanding_tx", "Outstanding (unacked) sends.", endpointLabels, constLabels),
		peerCreditsDesc: prometheus.NewDesc(
			"efa_rdm_peer_tx_credits", "Long-CTS tx credits currently held for a peer.", peerLabels, constLabels),
		peerPendingDesc: prometheus.NewDesc(
			"efa_rdm_peer_tx_pending", "Long-CTS tx credits consumed but not yet returned for a peer.", peerLabels, constLabels),
		peerBackoffDesc: prometheus.NewDesc(
			"efa_rdm_peer_in_rnr_backoff", "1 if the peer is currently in RNR backoff.", peerLabels, constLabels),
		peerOutstandingDesc: prometheus.NewDesc(
			"efa_rdm_peer_outstanding_ops", "Outstanding tx+rx entries tracked against a peer.", peerLabels, constLabels),
	}
}

// Add registers an endpoint under label, the key used in the "endpoint"
// metric label on every series Collect emits for it.
func (c *Collector) Add(label string, provider StatsProvider) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.endpoints[label] = endpointEntry{provider: provider}
}

// Remove stops tracking the endpoint registered under label.
func (c *Collector) Remove(label string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.endpoints, label)
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.packetsInUseDesc
	ch <- c.packetsCapDesc
	ch <- c.txArenaLiveDesc
	ch <- c.rxArenaLiveDesc
	ch <- c.outstandingTxDesc
	ch <- c.peerCreditsDesc
	ch <- c.peerPendingDesc
	ch <- c.peerBackoffDesc
	ch <- c.peerOutstandingDesc
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for label, entry := range c.endpoints {
		snap := entry.provider.Stats()

		ch <- prometheus.MustNewConstMetric(c.packetsInUseDesc, prometheus.GaugeValue, float64(snap.PacketsInUse), label)
		ch <- prometheus.MustNewConstMetric(c.packetsCapDesc, prometheus.GaugeValue, float64(snap.PacketsCap), label)
		ch <- prometheus.MustNewConstMetric(c.txArenaLiveDesc, prometheus.GaugeValue, float64(snap.TxArenaLive), label)
		ch <- prometheus.MustNewConstMetric(c.rxArenaLiveDesc, prometheus.GaugeValue, float64(snap.RxArenaLive), label)
		ch <- prometheus.MustNewConstMetric(c.outstandingTxDesc, prometheus.GaugeValue, float64(snap.OutstandingTx), label)

		for _, p := range snap.Peers {
			ch <- prometheus.MustNewConstMetric(c.peerCreditsDesc, prometheus.GaugeValue, float64(p.TxCredits), label, p.Label)
			ch <- prometheus.MustNewConstMetric(c.peerPendingDesc, prometheus.GaugeValue, float64(p.TxPending), label, p.Label)
			ch <- prometheus.MustNewConstMetric(c.peerBackoffDesc, prometheus.GaugeValue, boolToFloat(p.InBackoff), label, p.Label)
			ch <- prometheus.MustNewConstMetric(c.peerOutstandingDesc, prometheus.GaugeValue, float64(p.Outstanding), label, p.Label)
		}
	}
}

func boolToFloat(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
