package endpoint

import "errors"

var (
	// ErrClosed is returned by Send once the endpoint has left the
	// Data/Init phases on its way to teardown, and by Close whenever the
	// endpoint is not in Data (including a fresh endpoint still in Init).
	ErrClosed = errors.New("endpoint: closed or closing")

	// ErrRetransExhausted names the condition of a queued packet exceeding
	// its maximum retransmission count without an ACK. No function in this
	// package returns it: exhaustion is reported through
	// EventRetransExhausted and the endpoint stays open.
	ErrRetransExhausted = errors.New("endpoint: retransmission limit exceeded")

	// ErrNoPeer is returned by Send when it is given no peer and the
	// endpoint has none recorded, neither from an earlier Send nor from an
	// inbound datagram since it was opened or last reset to Init.
	ErrNoPeer = errors.New("endpoint: no peer address")

	// ErrPayloadTooLarge is returned by Send when the payload cannot fit
	// in a single DATA packet.
	ErrPayloadTooLarge = errors.New("endpoint: payload exceeds maximum segment size")
)
