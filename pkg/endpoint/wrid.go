package endpoint

// wridKind tags what a posted WRID refers back to once its completion
// arrives, since transport.Completion carries only the raw uint64 the
// post call chose.
type wridKind uint8

const (
	wridRecvRepost wridKind = iota // idx: packet-pool index of the posted recv buffer
	wridSendCtrl                   // idx: packet-pool index holding the encoded outgoing packet
	wridReadReq                    // idx: RxID whose long-read RDMA read this completes
)

func makeWRID(kind wridKind, idx uint32) uint64 {
	return uint64(kind)<<56 | uint64(idx)
}

func splitWRID(wrid uint64) (wridKind, uint32) {
	return wridKind(wrid >> 56), uint32(wrid)
}
