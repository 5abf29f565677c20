package endpoint

import (
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rcarmo/go-rudp/internal/dispatcher"
	"github.com/rcarmo/go-rudp/internal/wire"
)

func dataPacketForTest(seq uint32, payload []byte) *wire.Packet {
	return wire.NewData(seq, payload)
}

func testOptions() Options {
	return Options{
		Window:     3,
		Timeout:    50 * time.Millisecond,
		MaxRetrans: 3,
	}
}

// upcallRecorder collects data and event notifications under a mutex so
// tests can poll them safely from outside the dispatcher goroutine.
type upcallRecorder struct {
	mu      sync.Mutex
	payload [][]byte
	events  []Event
}

func (u *upcallRecorder) onData(_ *net.UDPAddr, payload []byte) {
	u.mu.Lock()
	defer u.mu.Unlock()
	cp := append([]byte(nil), payload...)
	u.payload = append(u.payload, cp)
}

func (u *upcallRecorder) onEvent(_ *net.UDPAddr, ev Event) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.events = append(u.events, ev)
}

func (u *upcallRecorder) dataCount() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return len(u.payload)
}

func (u *upcallRecorder) payloads() [][]byte {
	u.mu.Lock()
	defer u.mu.Unlock()
	return append([][]byte(nil), u.payload...)
}

func (u *upcallRecorder) hasEvent(ev Event) bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	for _, e := range u.events {
		if e == ev {
			return true
		}
	}
	return false
}

func eventually(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestHandshakeAndDataDelivery(t *testing.T) {
	disp := dispatcher.New()

	server, err := Open(disp, 0, testOptions())
	require.NoError(t, err)
	client, err := Open(disp, 0, testOptions())
	require.NoError(t, err)

	rec := &upcallRecorder{}
	server.SetDataUpcall(rec.onData)

	go func() { _ = disp.Run() }()

	require.NoError(t, client.Send([]byte("hello"), server.LocalAddr().(*net.UDPAddr)))

	eventually(t, func() bool { return rec.dataCount() == 1 }, "server never received DATA")
	assert.Equal(t, []byte("hello"), rec.payloads()[0])

	eventually(t, func() bool { return client.Stats().Phase == "DATA" }, "client never reached DATA phase")
}

func TestCumulativeAckSlidesWindow(t *testing.T) {
	disp := dispatcher.New()

	server, err := Open(disp, 0, testOptions())
	require.NoError(t, err)
	client, err := Open(disp, 0, testOptions())
	require.NoError(t, err)

	rec := &upcallRecorder{}
	server.SetDataUpcall(rec.onData)

	go func() { _ = disp.Run() }()

	peer := server.LocalAddr().(*net.UDPAddr)
	require.NoError(t, client.Send([]byte("one"), peer))
	require.NoError(t, client.Send([]byte("two"), peer))
	require.NoError(t, client.Send([]byte("three"), peer))

	eventually(t, func() bool { return rec.dataCount() == 3 }, "server never received all DATA packets")
	payloads := rec.payloads()
	assert.Equal(t, []byte("one"), payloads[0])
	assert.Equal(t, []byte("two"), payloads[1])
	assert.Equal(t, []byte("three"), payloads[2])

	eventually(t, func() bool { return client.Stats().QueueDepth == 0 }, "client send queue never drained")
}

func TestGracefulClose(t *testing.T) {
	disp := dispatcher.New()

	server, err := Open(disp, 0, testOptions())
	require.NoError(t, err)
	client, err := Open(disp, 0, testOptions())
	require.NoError(t, err)

	serverEvents := &upcallRecorder{}
	clientEvents := &upcallRecorder{}
	server.SetEventUpcall(serverEvents.onEvent)
	client.SetEventUpcall(clientEvents.onEvent)

	go func() { _ = disp.Run() }()

	peer := server.LocalAddr().(*net.UDPAddr)
	require.NoError(t, client.Send([]byte("payload"), peer))
	eventually(t, func() bool { return client.Stats().QueueDepth == 0 }, "DATA never acked")

	require.NoError(t, client.Close())

	eventually(t, func() bool { return serverEvents.hasEvent(EventClosed) }, "server never observed EventClosed")
	eventually(t, func() bool { return clientEvents.hasEvent(EventClosed) }, "client never observed EventClosed")

	eventually(t, func() bool { return server.Stats().Phase == "INIT" }, "server never reset to INIT after peer FIN")
}

func TestRetransmissionExhaustion(t *testing.T) {
	disp := dispatcher.New()

	// A socket nobody reads from: it never ACKs anything written to it.
	deadListener, err := net.ListenUDP("udp", &net.UDPAddr{})
	require.NoError(t, err)
	deadAddr := deadListener.LocalAddr().(*net.UDPAddr)
	require.NoError(t, deadListener.Close())

	client, err := Open(disp, 0, Options{Window: 3, Timeout: 10 * time.Millisecond, MaxRetrans: 2})
	require.NoError(t, err)

	events := &upcallRecorder{}
	client.SetEventUpcall(events.onEvent)

	go func() { _ = disp.Run() }()

	require.NoError(t, client.Send([]byte("nobody home"), deadAddr))

	eventually(t, func() bool { return events.hasEvent(EventRetransExhausted) }, "retransmission exhaustion never reported")

	// Exhaustion must never destroy the endpoint: the application decides
	// what happens next. Both Stats() and a further Send must still work.
	assert.NotPanics(t, func() { client.Stats() })
	assert.NoError(t, client.Send([]byte("still alive"), deadAddr))
}

func TestDuplicateDataIsNotDeliveredTwice(t *testing.T) {
	disp := dispatcher.New()
	ep, err := Open(disp, 0, testOptions())
	require.NoError(t, err)

	rec := &upcallRecorder{}
	ep.SetDataUpcall(rec.onData)

	peer := &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 1}
	ep.mu.Lock()
	ep.phase = Data
	ep.peer = peer
	ep.expectedRxSeq = 5
	ep.mu.Unlock()

	pkt := dataPacketForTest(5, []byte("payload"))

	ep.mu.Lock()
	ep.handleInboundData(pkt)
	ep.handleInboundData(pkt)
	ep.mu.Unlock()

	assert.Equal(t, 1, rec.dataCount())
	assert.Equal(t, uint32(6), ep.expectedRxSeq)
}
