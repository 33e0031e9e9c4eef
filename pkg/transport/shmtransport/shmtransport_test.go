package shmtransport

import (
	"bytes"
	"testing"

	"github.com/fabriclink/efa-rdm/pkg/transport"
)

func TestSendRecvRoundTrip(t *testing.T) {
	hub := NewHub()
	gidA := [16]byte{0xA}
	gidB := [16]byte{0xB}
	a := New(hub, gidA)
	b := New(hub, gidB)
	t.Cleanup(func() { a.Close(); b.Close() })

	ahToB, err := a.CreateAH(gidB)
	if err != nil {
		t.Fatalf("CreateAH: %v", err)
	}

	recvBuf := make([]byte, 16)
	if err := b.PostRecv(transport.RecvRequest{IOV: [][]byte{recvBuf}, WRID: 9}); err != nil {
		t.Fatalf("PostRecv: %v", err)
	}

	payload := []byte("shm hello")
	if err := a.PostSend(transport.SendRequest{AH: ahToB, QPN: 3, IOV: [][]byte{payload}, WRID: 1}); err != nil {
		t.Fatalf("PostSend: %v", err)
	}

	sendC, err := a.PollCQ(10)
	if err != nil {
		t.Fatalf("PollCQ(a): %v", err)
	}
	if len(sendC) != 1 || sendC[0].Op != transport.CompletionSend {
		t.Fatalf("send completions = %+v", sendC)
	}

	recvC, err := b.PollCQ(10)
	if err != nil {
		t.Fatalf("PollCQ(b): %v", err)
	}
	if len(recvC) != 1 || recvC[0].Op != transport.CompletionRecv || recvC[0].WRID != 9 {
		t.Fatalf("recv completions = %+v", recvC)
	}
	if !bytes.Equal(recvBuf[:len(payload)], payload) {
		t.Fatalf("recvBuf = %q, want %q", recvBuf[:len(payload)], payload)
	}
}

func TestUnregisteredDestDropped(t *testing.T) {
	hub := NewHub()
	gidA := [16]byte{0xA}
	gidGhost := [16]byte{0xFF}
	a := New(hub, gidA)
	t.Cleanup(func() { a.Close() })

	if _, err := a.CreateAH(gidGhost); err != nil {
		t.Fatalf("CreateAH: %v", err)
	}
	ahn, _ := a.CreateAH(gidGhost)
	if err := a.PostSend(transport.SendRequest{AH: ahn, QPN: 1, IOV: [][]byte{[]byte("x")}, WRID: 1}); err != nil {
		t.Fatalf("PostSend to unregistered GID should not itself error: %v", err)
	}
}
