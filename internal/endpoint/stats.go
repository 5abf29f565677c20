package endpoint

// Stats is a point-in-time snapshot of an endpoint's protocol counters,
// exposed to callers (and, ultimately, the monitor package) without
// requiring them to reach into the live endpoint.
type Stats struct {
	Phase         string `json:"phase"`
	NextTxSeq     uint32 `json:"next_tx_seq"`
	PeerAckSeq    uint32 `json:"peer_ack_seq"`
	ExpectedRxSeq uint32 `json:"expected_rx_seq"`
	WindowFree    int    `json:"window_free"`
	QueueDepth    int    `json:"queue_depth"`
	PacketsSent   uint64 `json:"packets_sent"`
	PacketsRecv   uint64 `json:"packets_recv"`
	Retransmits   uint64 `json:"retransmits"`
}

// Stats returns a snapshot of the endpoint's current counters. Safe to
// call from any goroutine: it takes the same lock the event loop holds
// while mutating these fields, so the snapshot is consistent even
// though it may be stale by the time the caller inspects it.
func (e *Endpoint) Stats() Stats {
	e.mu.RLock()
	defer e.mu.RUnlock()

	return Stats{
		Phase:         e.phase.String(),
		NextTxSeq:     e.nextTxSeq,
		PeerAckSeq:    e.peerAckSeq,
		ExpectedRxSeq: e.expectedRxSeq,
		WindowFree:    e.windowFree,
		QueueDepth:    len(e.queue.entries),
		PacketsSent:   e.packetsSent,
		PacketsRecv:   e.packetsRecv,
		Retransmits:   e.retransmits,
	}
}
