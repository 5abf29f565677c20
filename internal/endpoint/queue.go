package endpoint

import (
	"net"

	"github.com/rcarmo/go-rudp/internal/dispatcher"
	"github.com/rcarmo/go-rudp/internal/wire"
)

// entry is one packet sitting in the send queue: built and appended by
// Send/Close, consumed in FIFO order by pump. The queue is a plain slice
// rather than a linked list — removal from the front is an O(1) reslice
// and there is no node to leak if a caller forgets to relink the head.
type entry struct {
	pkt         *wire.Packet
	peer        *net.UDPAddr
	transmitted bool
	timer       *dispatcher.TimerHandle
	retries     int
}

// queue is the endpoint's send window backlog, oldest-unacked-first.
type queue struct {
	entries []*entry
}

func (q *queue) push(e *entry) {
	q.entries = append(q.entries, e)
}

// at returns the entry whose sequence number equals seq, if queued.
func (q *queue) at(seq uint32) *entry {
	for _, e := range q.entries {
		if e.pkt.Seqno == seq {
			return e
		}
	}
	return nil
}

// head returns the oldest queued entry, or nil if the queue is empty.
func (q *queue) head() *entry {
	if len(q.entries) == 0 {
		return nil
	}
	return q.entries[0]
}

// popHead removes and returns the oldest queued entry.
func (q *queue) popHead() *entry {
	if len(q.entries) == 0 {
		return nil
	}
	e := q.entries[0]
	q.entries = q.entries[1:]
	return e
}

func (q *queue) empty() bool {
	return len(q.entries) == 0
}
