// Package endpoint implements the RUDP connection state machine: the
// SYN/DATA/FIN handshake, the fixed-size sliding send window, cumulative
// ACK processing, and bounded per-packet retransmission, all driven by
// a dispatcher.Dispatcher event loop.
//
// Every exported method either runs on the dispatcher goroutine (called
// from a registered callback) or schedules work for it; the protocol
// fields below are mutated only from that goroutine, so the core logic
// carries no internal locking. A single RWMutex exists purely to let an
// ambient observer (Stats, used by the monitor package) take a
// consistent snapshot from a different goroutine without racing the
// dispatcher thread.
package endpoint

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"net"
	"sync"
	"time"

	"github.com/rcarmo/go-rudp/internal/dispatcher"
	"github.com/rcarmo/go-rudp/internal/logging"
	"github.com/rcarmo/go-rudp/internal/wire"
)

// Options configures the tunable constants of an Endpoint. These are
// not part of the wire format; two peers may run with different values
// without breaking interoperability, though mismatched Window or
// MaxRetrans values change throughput and failure behavior.
type Options struct {
	// Window is the number of unacknowledged DATA/FIN packets (one slot
	// each) the sender may have outstanding at once. The SYN does not take
	// a slot; its acknowledgment restores the full window.
	Window int
	// Timeout is how long the sender waits for an ACK before
	// retransmitting a packet.
	Timeout time.Duration
	// MaxRetrans is the number of retransmissions attempted for a single
	// packet before the endpoint gives up on it and reports
	// EventRetransExhausted; the endpoint itself stays open.
	MaxRetrans int
}

// DefaultOptions returns the constants used throughout the worked
// examples: a window of three outstanding packets, a 200ms retransmit
// timeout, and three retransmission attempts.
func DefaultOptions() Options {
	return Options{
		Window:     3,
		Timeout:    200 * time.Millisecond,
		MaxRetrans: 3,
	}
}

// Endpoint is one side of a single-peer RUDP connection: a UDP socket
// registered with a Dispatcher, a send queue, and the counters that
// implement the sliding window and cumulative ACK.
type Endpoint struct {
	opts Options
	disp *dispatcher.Dispatcher
	conn *net.UDPConn
	ioID uint64
	self string // for log lines and dispatcher labels

	mu sync.RWMutex

	phase Phase
	peer  *net.UDPAddr

	synSeq        uint32
	nextTxSeq     uint32
	peerAckSeq    uint32
	expectedRxSeq uint32
	windowFree    int
	reachedEnd    bool

	queue queue

	dataUpcall  DataUpcall
	eventUpcall EventUpcall

	packetsSent uint64
	packetsRecv uint64
	retransmits uint64

	destroyed bool
}

// Open binds a UDP socket on port (or a random port in [4711, 64711)
// when port is 0) and registers it with disp. The endpoint starts in
// Init with a full window, ready for either Send (acting as the
// connecting side) or an inbound SYN (acting as the accepting side).
func Open(disp *dispatcher.Dispatcher, port int, opts Options) (*Endpoint, error) {
	if port == 0 {
		p, err := randomPort()
		if err != nil {
			return nil, fmt.Errorf("endpoint: choosing random port: %w", err)
		}
		port = p
	}

	conn, err := net.ListenUDP("udp", &net.UDPAddr{Port: port})
	if err != nil {
		return nil, fmt.Errorf("endpoint: listen on port %d: %w", port, err)
	}

	e := &Endpoint{
		opts:       opts,
		disp:       disp,
		conn:       conn,
		self:       conn.LocalAddr().String(),
		phase:      Init,
		windowFree: opts.Window,
	}

	reader := dispatcher.NewUDPReader(conn, wire.HeaderSize+wire.MaxPayload)
	e.ioID = disp.RegisterReadable(reader, e.onReadable, nil, "endpoint:"+e.self)

	logging.Debug("endpoint %s: opened in %s", e.self, e.phase)
	return e, nil
}

// LocalAddr returns the endpoint's bound address.
func (e *Endpoint) LocalAddr() net.Addr {
	return e.conn.LocalAddr()
}

// SetDataUpcall registers the callback invoked for each in-order DATA
// payload delivered by the peer. It runs synchronously on the
// dispatcher's event loop goroutine with the endpoint's internal lock
// held, so it must not call back into Stats, Send, or Close directly;
// hand any such call off to another goroutine instead.
func (e *Endpoint) SetDataUpcall(cb DataUpcall) {
	e.dataUpcall = cb
}

// SetEventUpcall registers the callback invoked for lifecycle events.
// Same reentrancy caveat as SetDataUpcall applies.
func (e *Endpoint) SetEventUpcall(cb EventUpcall) {
	e.eventUpcall = cb
}

func randomPort() (int, error) {
	const lo, hi = 4711, 64711
	n, err := rand.Int(rand.Reader, big.NewInt(hi-lo))
	if err != nil {
		return 0, err
	}
	return lo + int(n.Int64()), nil
}

func randomSeq() (uint32, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(wire.MaxSeq))
	if err != nil {
		return 0, err
	}
	return uint32(n.Int64()), nil
}

// Send queues data for delivery to peer. If the endpoint is still in
// Init, this also initiates the handshake by queuing and transmitting a
// SYN first. The DATA packet itself is only appended to the send
// queue here; actual transmission happens from pump, which the ACK
// handler drives.
//
// Send may be called from any goroutine: the actual queueing runs on
// the dispatcher's own goroutine via Invoke, so it never races with
// onReadable or a retransmit timer touching the same state.
func (e *Endpoint) Send(data []byte, peer *net.UDPAddr) error {
	if len(data) > wire.MaxPayload {
		return ErrPayloadTooLarge
	}

	var sendErr error
	e.disp.Invoke(func() {
		sendErr = e.sendLocked(data, peer)
	})
	return sendErr
}

func (e *Endpoint) sendLocked(data []byte, peer *net.UDPAddr) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.phase != Init && e.phase != Data {
		return ErrClosed
	}

	if e.peer == nil {
		if peer == nil {
			return ErrNoPeer
		}
		e.peer = peer
	}

	if e.phase == Init {
		iss, err := randomSeq()
		if err != nil {
			return fmt.Errorf("endpoint: generating initial sequence number: %w", err)
		}

		e.synSeq = iss
		e.peerAckSeq = iss
		e.nextTxSeq = iss

		syn := &entry{pkt: wire.NewSYN(iss), peer: e.peer}
		e.queue.push(syn)
		e.transmit(syn)

		e.phase = Data
		logging.Debug("endpoint %s: sent SYN(%d), phase -> %s", e.self, iss, e.phase)
	}

	e.nextTxSeq++
	d := &entry{pkt: wire.NewData(e.nextTxSeq, data), peer: e.peer}
	e.queue.push(d)

	return nil
}

// Close enqueues a FIN and advances the endpoint toward teardown. It
// does not transmit the FIN directly; it runs pump once, and pump flags
// and transmits the FIN in that same pass if the FIN falls inside the
// free part of the window (the common case when Close follows the last
// acknowledged Send). Otherwise the FIN goes out from a later pump run
// driven by an ACK. Like Send, it is safe to call from any goroutine.
func (e *Endpoint) Close() error {
	var closeErr error
	e.disp.Invoke(func() {
		closeErr = e.closeLocked()
	})
	return closeErr
}

func (e *Endpoint) closeLocked() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.phase != Data {
		return ErrClosed
	}

	e.nextTxSeq++
	fin := &entry{pkt: wire.NewFIN(e.nextTxSeq), peer: e.peer}
	e.queue.push(fin)
	e.phase = Closing

	logging.Debug("endpoint %s: queued FIN(%d), phase -> %s", e.self, fin.pkt.Seqno, e.phase)

	e.pump()

	return nil
}

// pump transmits queued packets while the send window has free slots,
// stopping when the window is full or the queue has no next packet to
// send. A FIN reached for the first time is flagged via reachedEnd
// rather than transmitted on the spot, then immediately reconsidered
// in the same pass — this matters only to distinguish a fresh FIN (not
// yet due) from one pump has already committed to sending, since both
// occupy the same queue slot across separate pump calls. Transmitting
// the FIN also advances the phase to WaitFinAck: from here on the
// endpoint is purely waiting on that packet's acknowledgment.
func (e *Endpoint) pump() {
	for e.windowFree > 0 {
		target := e.peerAckSeq + uint32(e.opts.Window-e.windowFree)
		next := e.queue.at(target)
		if next == nil {
			return
		}

		if next.pkt.Type == wire.FIN && !e.reachedEnd {
			e.reachedEnd = true
			continue
		}

		e.transmit(next)
		e.windowFree--

		if next.pkt.Type == wire.FIN {
			e.phase = WaitFinAck
			logging.Debug("endpoint %s: transmitted FIN, phase -> %s", e.self, e.phase)
		}
	}
}

// transmit serializes and sends one entry, arming its retransmit timer.
func (e *Endpoint) transmit(en *entry) {
	buf, err := en.pkt.Encode()
	if err != nil {
		logging.Error("endpoint %s: encoding %s: %v", e.self, en.pkt, err)
		return
	}

	if _, err := e.conn.WriteToUDP(buf, en.peer); err != nil {
		logging.WarnCategory(logging.CategoryTransientIO, "endpoint %s: sending %s: %v", e.self, en.pkt, err)
	}

	e.packetsSent++

	if en.transmitted {
		en.retries++
		e.retransmits++
	}
	en.transmitted = true

	deadline := time.Now().Add(e.opts.Timeout)
	seq := en.pkt.Seqno
	en.timer = e.disp.ScheduleTimer(deadline, func(arg interface{}) int {
		return e.onRetransTimer(seq)
	}, nil, fmt.Sprintf("endpoint:%s:retrans:%d", e.self, seq))

	logging.Debug("endpoint %s: transmitted %s (retry=%d)", e.self, en.pkt, en.retries)
}

// onRetransTimer fires when a transmitted packet's ACK did not arrive
// within Timeout. It either retransmits (arming a fresh timer) or, once
// MaxRetrans attempts have been made, gives up on that entry: the
// packet remains enqueued and no further timer is armed for it, but the
// endpoint itself is left alive and can still be Send/Close'd.
func (e *Endpoint) onRetransTimer(seq uint32) int {
	e.mu.Lock()
	defer e.mu.Unlock()

	en := e.queue.at(seq)
	if en == nil {
		// Already acked and removed from the queue; stale timer, ignore.
		return 0
	}

	if en.retries >= e.opts.MaxRetrans {
		logging.WarnCategory(logging.CategoryExhaustion, "endpoint %s: %s exceeded %d retransmissions, giving up", e.self, en.pkt, e.opts.MaxRetrans)
		en.timer = nil
		e.notify(EventRetransExhausted)
		return 0
	}

	e.transmit(en)
	return 0
}

// onReadable is the dispatcher callback for inbound datagrams. It
// decodes the packet and dispatches to the phase-appropriate handler;
// malformed datagrams are logged and dropped rather than treated as
// fatal, since a corrupt or foreign datagram must not take the whole
// endpoint down.
func (e *Endpoint) onReadable(data []byte, from net.Addr, _ interface{}) int {
	pkt, err := wire.Decode(data)
	if err != nil {
		logging.Warn("endpoint %s: dropping malformed datagram: %v", e.self, err)
		return 0
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	e.packetsRecv++

	if e.peer == nil {
		if udpAddr, ok := from.(*net.UDPAddr); ok {
			e.peer = udpAddr
		}
	}

	switch e.phase {
	case Init:
		e.handleInit(pkt)
	case Data:
		e.handleData(pkt)
	case Closing:
		e.handleClosing(pkt)
	case WaitFinAck:
		e.handleWaitFinAck(pkt)
	case Fin:
		// Endpoint is tearing down; ignore anything further.
	}

	return 0
}

// handleInit processes inbound packets while acting as the accepting
// side of a handshake that has not yet begun locally.
func (e *Endpoint) handleInit(pkt *wire.Packet) {
	if pkt.Type != wire.SYN {
		logging.Debug("endpoint %s: ignoring %s while INIT", e.self, pkt)
		return
	}

	e.expectedRxSeq = pkt.Seqno + 1
	e.phase = Data

	ack := wire.NewACK(e.expectedRxSeq)
	e.sendControl(ack)

	logging.Debug("endpoint %s: received SYN(%d), sent ACK(%d), phase -> %s", e.self, pkt.Seqno, e.expectedRxSeq, e.phase)
}

// handleData processes inbound packets during normal two-way exchange:
// DATA payloads from the peer acting as sender, or ACKs advancing this
// endpoint's own outstanding send window.
func (e *Endpoint) handleData(pkt *wire.Packet) {
	switch pkt.Type {
	case wire.DATA:
		e.handleInboundData(pkt)
	case wire.FIN:
		e.handleInboundFin(pkt)
	case wire.ACK:
		e.processAck(pkt.Seqno)
		e.pump()
	case wire.SYN:
		// Duplicate SYN from a peer that never saw our ACK; re-ACK it.
		ack := wire.NewACK(e.expectedRxSeq)
		e.sendControl(ack)
	}
}

func (e *Endpoint) handleInboundData(pkt *wire.Packet) {
	if pkt.Seqno != e.expectedRxSeq {
		// Out-of-order or duplicate delivery is out of scope; re-ACK the
		// last in-order sequence so the sender's window can still advance
		// once it retransmits the missing packet.
		e.sendControl(wire.NewACK(e.expectedRxSeq))
		return
	}

	e.expectedRxSeq++

	e.sendControl(wire.NewACK(e.expectedRxSeq))

	if e.dataUpcall != nil {
		e.dataUpcall(e.peer, pkt.Payload)
	}
}

// handleInboundFin processes the peer's FIN while this endpoint is
// still in Data: it acknowledges the FIN and resets itself to Init
// rather than destroying itself, so the same bound socket can accept a
// fresh connection without the caller having to Open again.
func (e *Endpoint) handleInboundFin(pkt *wire.Packet) {
	if pkt.Seqno != e.expectedRxSeq {
		e.sendControl(wire.NewACK(e.expectedRxSeq))
		return
	}

	e.sendControl(wire.NewACK(pkt.Seqno + 1))
	e.notify(EventClosed)
	e.resetToInit()
}

func (e *Endpoint) resetToInit() {
	e.phase = Init
	e.expectedRxSeq = 0
	e.peerAckSeq = 0
	e.nextTxSeq = 0
	e.windowFree = e.opts.Window
	e.reachedEnd = false
	e.queue = queue{}
	e.peer = nil

	logging.Debug("endpoint %s: peer closed, reset to %s", e.self, Init)
}

// handleClosing processes ACKs while this endpoint is waiting for its
// own send queue (including a just-queued FIN) to drain: the same
// cumulative-ACK sliding as Data. Reaching and transmitting the FIN
// itself, and the resulting move to WaitFinAck, happen inside pump.
func (e *Endpoint) handleClosing(pkt *wire.Packet) {
	if pkt.Type != wire.ACK {
		return
	}
	e.processAck(pkt.Seqno)
	e.pump()
}

// handleWaitFinAck processes ACKs once the FIN itself is on the wire.
// It applies the same cumulative slide as any other phase; when that
// slide removes the FIN entry specifically, the handshake is complete
// and the endpoint tears itself down.
func (e *Endpoint) handleWaitFinAck(pkt *wire.Packet) {
	if pkt.Type != wire.ACK {
		return
	}

	ack := pkt.Seqno
	for ack > e.peerAckSeq {
		finAcked := false
		if h := e.queue.head(); h != nil && h.pkt.Type == wire.FIN {
			finAcked = true
		}
		e.ackHead()
		if finAcked {
			e.notify(EventClosed)
			e.destroy()
			return
		}
	}
}

// processAck applies the cumulative-ACK rules shared by Data and
// Closing: a matching SYN-ack removes the handshake entry and restores
// a full window, and any ACK inside the current in-flight range slides
// the window forward by removing every entry it covers.
func (e *Endpoint) processAck(ack uint32) {
	if e.phase == Data && ack == e.synSeq+1 {
		e.ackHead()
		e.windowFree = e.opts.Window
		return
	}

	if ack > e.peerAckSeq && ack <= e.peerAckSeq+uint32(e.opts.Window-e.windowFree) {
		for ack > e.peerAckSeq {
			e.ackHead()
		}
	}
}

// ackHead removes the queue's head entry (it has just been
// acknowledged), cancels its retransmit timer, and advances
// peerAckSeq/windowFree accordingly.
func (e *Endpoint) ackHead() {
	en := e.queue.popHead()
	if en == nil {
		return
	}
	if en.timer != nil {
		e.disp.CancelTimer(en.timer)
	}

	e.peerAckSeq++
	e.windowFree++
}

func (e *Endpoint) sendControl(pkt *wire.Packet) {
	buf, err := pkt.Encode()
	if err != nil {
		logging.Error("endpoint %s: encoding %s: %v", e.self, pkt, err)
		return
	}
	if _, err := e.conn.WriteToUDP(buf, e.peer); err != nil {
		logging.WarnCategory(logging.CategoryTransientIO, "endpoint %s: sending %s: %v", e.self, pkt, err)
		return
	}

	e.packetsSent++
}

func (e *Endpoint) notify(ev Event) {
	if e.eventUpcall != nil {
		e.eventUpcall(e.peer, ev)
	}
}

// destroy unregisters the endpoint's socket from the dispatcher and
// closes it. Any timers still referencing this endpoint's entries are
// left to fire and no-op against an empty queue.
func (e *Endpoint) destroy() {
	if e.destroyed {
		return
	}
	e.destroyed = true
	e.phase = Fin

	e.disp.UnregisterReadable(e.ioID)
	if err := e.conn.Close(); err != nil {
		logging.Debug("endpoint %s: closing socket: %v", e.self, err)
	}

	logging.Debug("endpoint %s: destroyed", e.self)
}
