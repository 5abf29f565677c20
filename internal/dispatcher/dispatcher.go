// Package dispatcher implements the single-threaded event-dispatch
// substrate that drives the RUDP protocol core: a set of I/O-readiness
// registrations and a deadline-ordered sequence of timer registrations,
// multiplexed by one Run loop that invokes callbacks one at a time.
//
// The shape is a direct translation of the original rudp project's
// event.c (select() over an fd set plus a sorted timer list): one
// goroutine owns every callback invocation, so no two callbacks ever
// run concurrently and application/endpoint code never needs locks.
// Because Go has no portable, dependency-free way to select() over
// arbitrary socket descriptors, I/O readiness here is detected by a
// small reader goroutine per registration that blocks on the socket and
// forwards completed reads over a channel; Run's select statement is
// the only place that ever calls into protocol code, preserving the
// "one callback at a time" guarantee. Application goroutines that need
// to reach into that same protocol state — enqueueing outbound data,
// say — do so through Invoke, which hands the loop a closure to run in
// its turn rather than touching state directly.
package dispatcher

import (
	"container/heap"
	"net"
	"time"

	"github.com/rcarmo/go-rudp/internal/logging"
)

// IOCallback is invoked when a registered reader delivers a datagram.
// from is the datagram's source address, nil if the reader can't supply
// one. A negative return value is treated as a fatal, unrecoverable
// error.
type IOCallback func(data []byte, from net.Addr, arg interface{}) int

// TimerCallback is invoked when a scheduled deadline elapses.
// A negative return value is treated as a fatal, unrecoverable error.
type TimerCallback func(arg interface{}) int

// Reader is the minimal socket surface the Dispatcher needs from a
// registered I/O source: a blocking read that returns one datagram and
// the address it arrived from.
type Reader interface {
	ReadPacket() ([]byte, net.Addr, error)
}

type ioReg struct {
	id     uint64
	reader Reader
	cb     IOCallback
	arg    interface{}
	label  string

	done chan struct{}
}

type timerReg struct {
	deadline time.Time
	cb       TimerCallback
	arg      interface{}
	label    string
	seq      uint64 // insertion order, breaks deadline ties
	index    int    // heap.Interface bookkeeping
}

// timerHeap orders timerReg by ascending deadline, ties broken by
// insertion order — the same min-heap shape used by container/heap-based
// reactors elsewhere in this ecosystem.
type timerHeap []*timerReg

func (h timerHeap) Len() int { return len(h) }
func (h timerHeap) Less(i, j int) bool {
	if h[i].deadline.Equal(h[j].deadline) {
		return h[i].seq < h[j].seq
	}
	return h[i].deadline.Before(h[j].deadline)
}
func (h timerHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index, h[j].index = i, j
}
func (h *timerHeap) Push(x interface{}) {
	t := x.(*timerReg)
	t.index = len(*h)
	*h = append(*h, t)
}
func (h *timerHeap) Pop() interface{} {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	t.index = -1
	*h = old[:n-1]
	return t
}

// Dispatcher owns one I/O register and one timer register and runs the
// single event loop that invokes their callbacks.
type Dispatcher struct {
	ioRegs   map[uint64]*ioReg
	nextIOID uint64
	readyCh  chan ioEvent
	cmdCh    chan func()

	timers   timerHeap
	timerSeq uint64
}

type ioEvent struct {
	id   uint64
	data []byte
	from net.Addr
}

// New creates an empty Dispatcher.
func New() *Dispatcher {
	return &Dispatcher{
		ioRegs:  make(map[uint64]*ioReg),
		readyCh: make(chan ioEvent, 64),
		cmdCh:   make(chan func()),
	}
}

// RegisterReadable adds an I/O registration for reader and starts the
// background pump goroutine that feeds it into the loop. Duplicate
// registrations are allowed and will each fire independently.
func (d *Dispatcher) RegisterReadable(reader Reader, cb IOCallback, arg interface{}, label string) uint64 {
	d.nextIOID++
	id := d.nextIOID

	reg := &ioReg{
		id:     id,
		reader: reader,
		cb:     cb,
		arg:    arg,
		label:  label,
		done:   make(chan struct{}),
	}
	d.ioRegs[id] = reg

	go d.pump(reg)
	return id
}

// pump is the reader goroutine: it blocks on the socket and forwards
// each completed read to the loop. It does no protocol work.
func (d *Dispatcher) pump(reg *ioReg) {
	for {
		data, from, err := reg.reader.ReadPacket()
		if err != nil {
			select {
			case <-reg.done:
			default:
				logging.Debug("dispatcher: reader %q stopped: %v", reg.label, err)
			}
			return
		}

		select {
		case d.readyCh <- ioEvent{id: reg.id, data: data, from: from}:
		case <-reg.done:
			return
		}
	}
}

// UnregisterReadable removes the I/O registration with the given id,
// stopping its reader goroutine. Fails silently if absent.
func (d *Dispatcher) UnregisterReadable(id uint64) {
	reg, ok := d.ioRegs[id]
	if !ok {
		return
	}
	close(reg.done)
	delete(d.ioRegs, id)
}

// ScheduleTimer inserts a new timer at the given absolute deadline.
// Ties are broken by insertion order. Returns a handle usable with
// CancelTimer.
func (d *Dispatcher) ScheduleTimer(deadline time.Time, cb TimerCallback, arg interface{}, label string) *TimerHandle {
	d.timerSeq++
	t := &timerReg{
		deadline: deadline,
		cb:       cb,
		arg:      arg,
		label:    label,
		seq:      d.timerSeq,
	}
	heap.Push(&d.timers, t)
	return &TimerHandle{reg: t}
}

// TimerHandle identifies a single scheduled timer for cancellation.
type TimerHandle struct {
	reg *timerReg
}

// Invoke runs fn on the dispatcher's own goroutine and blocks the
// caller until it has finished. This is how code outside the loop
// (an application goroutine calling Endpoint.Send, for instance) makes
// a change to state that callbacks also touch, without introducing
// locks into the callbacks themselves: fn is just another thing Run's
// select statement executes one at a time, same as an I/O or timer
// callback.
func (d *Dispatcher) Invoke(fn func()) {
	done := make(chan struct{})
	d.cmdCh <- func() {
		fn()
		close(done)
	}
	<-done
}

// CancelTimer removes a previously scheduled timer. Fails silently if
// the timer already fired or was already cancelled.
func (d *Dispatcher) CancelTimer(h *TimerHandle) {
	if h == nil || h.reg == nil || h.reg.index < 0 {
		return
	}
	heap.Remove(&d.timers, h.reg.index)
	h.reg.index = -1
}

// Empty reports whether both registers are empty — Run's termination
// condition.
func (d *Dispatcher) Empty() bool {
	return len(d.ioRegs) == 0 && len(d.timers) == 0
}

// Run executes the event loop until both registers are empty. Returns
// nil on normal exit, or the error a fatal callback return produced.
func (d *Dispatcher) Run() error {
	for !d.Empty() {
		if err := d.tick(); err != nil {
			return err
		}
	}
	return nil
}

// errFatal wraps a callback's negative return for Run's error path.
type errFatal struct {
	label string
	code  int
}

func (e *errFatal) Error() string {
	return "dispatcher: callback " + e.label + " returned fatal code"
}

// tick waits for the next timer deadline or I/O readiness, whichever
// comes first, and dispatches exactly one timer callback or zero-or-more
// I/O callbacks — never both in the same wakeup.
func (d *Dispatcher) tick() error {
	var timerC <-chan time.Time
	var headTimer *timerReg

	if len(d.timers) > 0 {
		headTimer = d.timers[0]
		delta := time.Until(headTimer.deadline)
		if delta < 0 {
			delta = 0
		}
		timer := time.NewTimer(delta)
		defer timer.Stop()
		timerC = timer.C
	}

	select {
	case <-timerC:
		heap.Pop(&d.timers)
		if ret := headTimer.cb(headTimer.arg); ret < 0 {
			return &errFatal{label: headTimer.label, code: ret}
		}
		return nil

	case fn := <-d.cmdCh:
		fn()
		return nil

	case ev := <-d.readyCh:
		reg, ok := d.ioRegs[ev.id]
		if !ok {
			// Registration was removed between send and receive; stale
			// event, drop it.
			return nil
		}
		if ret := reg.cb(ev.data, ev.from, reg.arg); ret < 0 {
			return &errFatal{label: reg.label, code: ret}
		}
		// Drain any other already-ready events from distinct sockets
		// without blocking, honoring "zero-or-more I/O callbacks" per
		// wakeup while still yielding to a newly-due timer promptly.
		for {
			select {
			case ev2 := <-d.readyCh:
				reg2, ok := d.ioRegs[ev2.id]
				if !ok {
					continue
				}
				if ret := reg2.cb(ev2.data, ev2.from, reg2.arg); ret < 0 {
					return &errFatal{label: reg2.label, code: ret}
				}
			default:
				return nil
			}
		}
	}
}
