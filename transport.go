package coapfs

import (
	"context"
	"net"

	"github.com/pkg/errors"
)

// MaxDatagramSize is the largest datagram the UDP transport sends or reads.
// Conn refuses to queue requests that encode to more than this by default.
const MaxDatagramSize = 1152

//go:generate mockgen -source=transport.go -destination=mock_transport_test.go -package=coapfs

// Transport moves whole datagrams to and from the file service.
// Receive is called from a single goroutine; Send may be called
// concurrently with Receive.
type Transport interface {
	Send(datagram []byte) error
	Receive() ([]byte, error)
	Close() error
	RemoteAddr() net.Addr
}

type udpTransport struct {
	conn *net.UDPConn
	buf  []byte
}

// Dial connects a UDP transport to address ("host:port").
func Dial(ctx context.Context, address string) (Transport, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "udp", address)
	if err != nil {
		return nil, errors.Wrapf(err, "dial %s", address)
	}

	udp, ok := conn.(*net.UDPConn)
	if !ok {
		conn.Close()
		return nil, errors.Errorf("dial %s: not a udp connection", address)
	}

	return newUDPTransport(udp), nil
}

func newUDPTransport(conn *net.UDPConn) *udpTransport {
	return &udpTransport{
		conn: conn,
		buf:  make([]byte, MaxDatagramSize),
	}
}

func (t *udpTransport) Send(datagram []byte) error {
	if len(datagram) > MaxDatagramSize {
		return errors.WithMessagef(ErrMessageTooLarge, "datagram of %d bytes exceeds %d", len(datagram), MaxDatagramSize)
	}
	_, err := t.conn.Write(datagram)
	return err
}

func (t *udpTransport) Receive() ([]byte, error) {
	n, err := t.conn.Read(t.buf)
	if err != nil {
		return nil, err
	}
	datagram := make([]byte, n)
	copy(datagram, t.buf[:n])
	return datagram, nil
}

func (t *udpTransport) Close() error {
	return t.conn.Close()
}

func (t *udpTransport) RemoteAddr() net.Addr {
	return t.conn.RemoteAddr()
}
