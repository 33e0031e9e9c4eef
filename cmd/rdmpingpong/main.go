// Command rdmpingpong drives two efa-rdm endpoints over the UDP reference
// transport through a ping/pong exchange, in the explicit-control-loop
// style of the teacher's cmd/get: no framework, just a small main()
// wiring the pieces together and logging what happened via logrus.
//
// Both sides must know each other's address up front (-peer on both
// invocations): like the in-repo test harness's newPair, this command
// inserts the peer into its own AV before exchanging any packets, since
// the progress loop has no unsolicited-AV-insert path for an address it
// has never been told about.
package main

import (
	"crypto/sha1"
	"flag"
	"net"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/fabriclink/efa-rdm/pkg/addr"
	"github.com/fabriclink/efa-rdm/pkg/diag"
	"github.com/fabriclink/efa-rdm/pkg/endpoint"
	"github.com/fabriclink/efa-rdm/pkg/transport/udptransport"
	"github.com/fabriclink/efa-rdm/pkg/wire"
)

func main() {
	listenAddr := flag.String("listen", "127.0.0.1:9000", "local UDP address to bind")
	peerAddr := flag.String("peer", "", "peer's UDP address")
	count := flag.Int("count", 5, "number of pings to send; 0 runs as a pure responder")
	flag.Parse()

	if *peerAddr == "" {
		logrus.Fatalf("-peer is required")
	}

	log := diag.NewSink(logrus.StandardLogger(), logrus.Fields{"cmd": "rdmpingpong"})

	tr, err := udptransport.New(*listenAddr, nil, 1<<20)
	if err != nil {
		logrus.Fatalf("udptransport.New: %v", err)
	}
	defer tr.Close()

	selfRaw := wire.RawAddress{GID: gidFor(*listenAddr), QPN: 1}
	av := addr.New(tr, selfRaw, nil, nil, log)
	ep := endpoint.New(tr, av, endpoint.WithLog(log))

	peerUDPAddr, err := net.ResolveUDPAddr("udp", *peerAddr)
	if err != nil {
		logrus.Fatalf("peer address %q: %v", *peerAddr, err)
	}
	peerGID := gidFor(*peerAddr)
	tr.RegisterPeer(peerGID, peerUDPAddr)
	peer, err := av.Insert(wire.RawAddress{GID: peerGID, QPN: 1})
	if err != nil {
		logrus.Fatalf("av.Insert: %v", err)
	}

	logrus.Infof("listening on %s, peer %s", tr.LocalAddr(), peerUDPAddr)

	if *count == 0 {
		runResponder(ep, peer)
		return
	}
	runPingPong(ep, peer, *count)
}

func gidFor(s string) [16]byte {
	sum := sha1.Sum([]byte(s))
	var gid [16]byte
	copy(gid[:], sum[:16])
	return gid
}

// runResponder echoes every received payload back to peer, keeping
// exactly one receive buffer posted at a time. This command is
// point-to-point (one -peer per process), so the echo destination is
// always the peer registered at startup.
func runResponder(ep *endpoint.Endpoint, peer addr.FIAddr) {
	for {
		buf := make([]byte, 256)
		rxID, err := ep.PostRecv([][]byte{buf})
		if err != nil {
			logrus.Fatalf("PostRecv: %v", err)
		}
		for {
			if err := ep.Progress(time.Now()); err != nil {
				logrus.Fatalf("Progress: %v", err)
			}
			if n, ok := ep.CompletedRecv(rxID); ok {
				logrus.Infof("received %d bytes, echoing back", n)
				if _, err := ep.SendMsg(peer, [][]byte{buf[:n]}, endpoint.SendOptions{}); err != nil {
					logrus.Errorf("SendMsg echo: %v", err)
				}
				break
			}
			time.Sleep(time.Millisecond)
		}
	}
}

// runPingPong sends count pings to peer, waiting for each echo before
// sending the next, and logs the measured round-trip time.
func runPingPong(ep *endpoint.Endpoint, peer addr.FIAddr, count int) {
	for i := 0; i < count; i++ {
		recvBuf := make([]byte, 256)
		rxID, err := ep.PostRecv([][]byte{recvBuf})
		if err != nil {
			logrus.Fatalf("PostRecv: %v", err)
		}

		start := time.Now()
		if _, err := ep.SendMsg(peer, [][]byte{[]byte("ping")}, endpoint.SendOptions{}); err != nil {
			logrus.Fatalf("SendMsg: %v", err)
		}

		deadline := start.Add(5 * time.Second)
		for time.Now().Before(deadline) {
			if err := ep.Progress(time.Now()); err != nil {
				logrus.Fatalf("Progress: %v", err)
			}
			if _, ok := ep.CompletedRecv(rxID); ok {
				break
			}
			time.Sleep(time.Millisecond)
		}
		logrus.Infof("round-trip %d complete in %s", i, time.Since(start))
	}
}
