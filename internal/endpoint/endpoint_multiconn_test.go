package endpoint

import (
	"net"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/rcarmo/go-rudp/internal/dispatcher"
)

// TestServerReusableAcrossConnections verifies that a receiver resets to
// INIT after a peer's FIN rather than destroying itself, so the same
// listening Endpoint can serve a second, independent client without a
// fresh Open call.
func TestServerReusableAcrossConnections(t *testing.T) {
	disp := dispatcher.New()

	server, err := Open(disp, 0, testOptions())
	require.NoError(t, err)

	rec := &upcallRecorder{}
	server.SetDataUpcall(rec.onData)

	go func() { _ = disp.Run() }()

	peer := server.LocalAddr().(*net.UDPAddr)

	firstClient, err := Open(disp, 0, testOptions())
	require.NoError(t, err)
	require.NoError(t, firstClient.Send([]byte("from first client"), peer))
	eventually(t, func() bool { return rec.dataCount() == 1 }, "server never received data from first client")
	require.NoError(t, firstClient.Close())
	eventually(t, func() bool { return server.Stats().Phase == "INIT" }, "server never reset to INIT after first client's FIN")

	secondClient, err := Open(disp, 0, testOptions())
	require.NoError(t, err)
	require.NoError(t, secondClient.Send([]byte("from second client"), peer))
	eventually(t, func() bool { return rec.dataCount() == 2 }, "server never received data from second client")

	payloads := rec.payloads()
	require.Len(t, payloads, 2)
	require.Equal(t, []byte("from first client"), payloads[0])
	require.Equal(t, []byte("from second client"), payloads[1])
}
