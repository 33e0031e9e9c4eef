// Command rdmexporter runs one efa-rdm endpoint over the UDP reference
// transport and exports its reliability state as Prometheus metrics,
// following the teacher's cmd/exporter_example1 wiring
// (prometheus.MustRegister + promhttp.Handler + http.ListenAndServe)
// with pkg/metrics.Collector standing in for exporter.TCPInfoCollector
// and the endpoint's own progress loop standing in for the teacher's
// hallucinated TCP connection.
package main

import (
	"crypto/sha1"
	"flag"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/xid"
	"github.com/sirupsen/logrus"

	"github.com/fabriclink/efa-rdm/pkg/addr"
	"github.com/fabriclink/efa-rdm/pkg/diag"
	"github.com/fabriclink/efa-rdm/pkg/endpoint"
	"github.com/fabriclink/efa-rdm/pkg/metrics"
	"github.com/fabriclink/efa-rdm/pkg/transport/udptransport"
	"github.com/fabriclink/efa-rdm/pkg/wire"
)

func main() {
	listenAddr := flag.String("listen", "0.0.0.0:9100", "local UDP address the endpoint binds")
	metricsAddr := flag.String("metrics-addr", ":18080", "address to serve /metrics on")
	peers := flag.String("peers", "", "comma-separated list of peer UDP addresses to pre-register in the AV")
	flag.Parse()

	hostname, err := os.Hostname()
	if err != nil {
		logrus.Fatalf("os.Hostname: %v", err)
	}

	log := diag.NewSink(logrus.StandardLogger(), logrus.Fields{"cmd": "rdmexporter"})

	tr, err := udptransport.New(*listenAddr, nil, 1<<20)
	if err != nil {
		logrus.Fatalf("udptransport.New: %v", err)
	}
	defer tr.Close()

	selfRaw := gidAddr(*listenAddr)
	av := addr.New(tr, selfRaw, nil, nil, log)
	ep := endpoint.New(tr, av, endpoint.WithLog(log))

	for _, p := range splitPeers(*peers) {
		registerPeer(tr, av, p)
	}

	collector := metrics.New(
		prometheus.Labels{
			"app":      "rdmexporter",
			"hostname": hostname,
		},
		func(err error) {
			logrus.Errorf("metrics collect: %v", err)
		},
	)
	// xid.New labels this endpoint's metric series the same way
	// exporter_example2 labels each accepted TCP connection: a value
	// unique per process run, not tied to the endpoint's own connid.
	collector.Add(xid.New().String(), ep)
	prometheus.MustRegister(collector)

	go runProgressLoop(ep)

	logrus.Infof("endpoint listening on %s, serving metrics on %s", tr.LocalAddr(), *metricsAddr)
	http.Handle("/metrics", promhttp.Handler())
	if err := http.ListenAndServe(*metricsAddr, nil); err != nil {
		logrus.Fatalf("http.ListenAndServe: %v", err)
	}
}

// runProgressLoop drives the endpoint's progress engine continuously, the
// same single-threaded-cooperative loop cmd/rdmpingpong runs inline, here
// backgrounded since this command's foreground goroutine serves metrics.
func runProgressLoop(ep *endpoint.Endpoint) {
	for {
		if err := ep.Progress(time.Now()); err != nil {
			logrus.Errorf("Progress: %v", err)
		}
		time.Sleep(time.Millisecond)
	}
}

func splitPeers(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	for _, p := range strings.Split(s, ",") {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func registerPeer(tr *udptransport.Transport, av *addr.AV, peerAddr string) {
	udpAddr, err := net.ResolveUDPAddr("udp", peerAddr)
	if err != nil {
		logrus.Fatalf("peer address %q: %v", peerAddr, err)
	}
	peerRaw := gidAddr(peerAddr)
	tr.RegisterPeer(peerRaw.GID, udpAddr)
	if _, err := av.Insert(peerRaw); err != nil {
		logrus.Fatalf("av.Insert(%q): %v", peerAddr, err)
	}
	logrus.Infof("registered peer %s", peerAddr)
}

// gidAddr derives a stable wire.RawAddress for s (either this process's
// own -listen address or a peer's), the same sha1-of-the-address-string
// scheme cmd/rdmpingpong uses so two processes given the same address
// strings agree on the GID without an out-of-band exchange.
func gidAddr(s string) wire.RawAddress {
	sum := sha1.Sum([]byte(s))
	var gid [16]byte
	copy(gid[:], sum[:16])
	return wire.RawAddress{GID: gid, QPN: 1}
}
