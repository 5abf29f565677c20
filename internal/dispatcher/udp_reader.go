package dispatcher

import "net"

// UDPReader adapts a *net.UDPConn to the Reader interface the Dispatcher
// needs to pump inbound datagrams into its event loop.
type UDPReader struct {
	conn *net.UDPConn
	buf  []byte
}

// NewUDPReader wraps conn with a fixed-size receive buffer large enough
// for one RUDP datagram.
func NewUDPReader(conn *net.UDPConn, bufSize int) *UDPReader {
	return &UDPReader{conn: conn, buf: make([]byte, bufSize)}
}

// ReadPacket blocks until one datagram arrives and returns a copy of its
// bytes (the Dispatcher hands this across a channel, so it must not alias
// the reusable buffer) along with the address it arrived from.
func (r *UDPReader) ReadPacket() ([]byte, net.Addr, error) {
	n, addr, err := r.conn.ReadFromUDP(r.buf)
	if err != nil {
		return nil, nil, err
	}
	out := make([]byte, n)
	copy(out, r.buf[:n])
	return out, addr, nil
}
