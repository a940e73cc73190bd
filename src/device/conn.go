package device

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"sync/atomic"

	"github.com/gologme/log"
)

// maxDatagramSize bounds a single UDP read. Anything larger than the
// interface MTU plus transport overhead would be dropped anyway.
const maxDatagramSize = 65535

type datagram struct {
	payload []byte
	from    netip.AddrPort
}

// udpConn owns the transport socket. Rebinding swaps the socket pointer
// and abandons the old read loop; the loop detects it has been
// superseded and exits without reporting an error.
type udpConn struct {
	log       *log.Logger
	sock      atomic.Pointer[net.UDPConn]
	datagrams chan datagram
	errs      chan error
}

func newUDPConn(logger *log.Logger) *udpConn {
	return &udpConn{
		log:       logger,
		datagrams: make(chan datagram, updateQueueDepth),
		errs:      make(chan error, 1),
	}
}

// bind opens the socket on the given port, replacing any previous one.
func (c *udpConn) bind(port uint16) error {
	sock, err := net.ListenUDP("udp", &net.UDPAddr{Port: int(port)})
	if err != nil {
		return fmt.Errorf("listen udp port %d: %w", port, err)
	}
	if old := c.sock.Swap(sock); old != nil {
		old.Close()
	}
	go c.readLoop(sock)
	c.log.Infof("listening on %s", sock.LocalAddr())
	return nil
}

func (c *udpConn) readLoop(sock *net.UDPConn) {
	for {
		buf := make([]byte, maxDatagramSize)
		n, from, err := sock.ReadFromUDPAddrPort(buf)
		if err != nil {
			if c.sock.Load() != sock {
				return // rebound, this socket is retired
			}
			select {
			case c.errs <- fmt.Errorf("udp read: %w", err):
			default:
			}
			return
		}
		c.datagrams <- datagram{payload: buf[:n], from: from}
	}
}

// sendTo is best effort: transport runs over a lossy network and the
// protocol recovers from dropped datagrams on its own.
func (c *udpConn) sendTo(payload []byte, to netip.AddrPort) {
	sock := c.sock.Load()
	if sock == nil {
		c.log.Debugln("dropping datagram, socket not bound")
		return
	}
	if _, err := sock.WriteToUDPAddrPort(payload, to); err != nil {
		c.log.Debugf("udp write to %s: %v", to, err)
	}
}

// run blocks until the socket fails or the context ends, then closes
// the socket.
func (c *udpConn) run(ctx context.Context) error {
	defer c.Close()
	select {
	case err := <-c.errs:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *udpConn) Close() error {
	if sock := c.sock.Swap(nil); sock != nil {
		return sock.Close()
	}
	return nil
}
