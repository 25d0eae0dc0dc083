package transport

import (
	"context"
	"fmt"
	"net"
	"sync"
)

func init() {
	Register("tcp", func(target string) (Transport, error) {
		host, port, err := splitHostPort(target)
		if err != nil {
			return nil, err
		}
		return NewTCPTransport(host, port), nil
	})
}

// TCPTransport is a Transceiver connection over a plain TCP socket.
type TCPTransport struct {
	host string
	port int

	conn   net.Conn
	framer *Framer

	closeOnce sync.Once
}

// NewTCPTransport creates a TCP transport targeting host:port. Call Open to
// connect.
func NewTCPTransport(host string, port int) *TCPTransport {
	return &TCPTransport{host: host, port: port}
}

// Open dials the Transceiver's TCP listener.
func (t *TCPTransport) Open(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", t.host, t.port)
	dialer := &net.Dialer{}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("transport: tcp dial %s: %w", addr, err)
	}
	t.conn = conn
	t.framer = NewFramer(conn)
	return nil
}

// Send writes one length-prefixed frame.
func (t *TCPTransport) Send(payload []byte) error {
	return t.framer.WriteFrame(payload)
}

// Read reads the next length-prefixed frame.
func (t *TCPTransport) Read() ([]byte, error) {
	return t.framer.ReadFrame()
}

// Close closes the TCP connection.
func (t *TCPTransport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		if t.conn != nil {
			err = t.conn.Close()
		}
	})
	return err
}

var _ Transport = (*TCPTransport)(nil)
