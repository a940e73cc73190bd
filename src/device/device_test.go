package device

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/Arceliar/phony"
	"github.com/gologme/log"
)

// fakeTun stands in for the tunnel interface: frames written by the test
// appear as tunnel reads, frames written by the device appear on out.
type fakeTun struct {
	in     chan []byte
	out    chan []byte
	closed chan struct{}
	once   sync.Once
}

func newFakeTun() *fakeTun {
	return &fakeTun{
		in:     make(chan []byte, 16),
		out:    make(chan []byte, 16),
		closed: make(chan struct{}),
	}
}

func (ft *fakeTun) Read(p []byte) (int, error) {
	select {
	case frame := <-ft.in:
		return copy(p, frame), nil
	case <-ft.closed:
		return 0, io.EOF
	}
}

func (ft *fakeTun) Write(p []byte) (int, error) {
	buf := append([]byte(nil), p...)
	select {
	case ft.out <- buf:
		return len(p), nil
	case <-ft.closed:
		return 0, io.EOF
	}
}

func (ft *fakeTun) Close() error {
	ft.once.Do(func() { close(ft.closed) })
	return nil
}

func testLogger() *log.Logger {
	return log.New(io.Discard, "", 0)
}

// startDevice runs a device with a private key, returning the device,
// its tunnel stand-in and the port of the startup socket. No listen_port
// item is applied: the device binds on its own at startup.
func startDevice(t *testing.T, name string) (*Device, *fakeTun, uint16, PrivateKey) {
	t.Helper()
	ft := newFakeTun()
	d := New(name, ft, testLogger())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		d.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	priv, err := NewPrivateKey()
	if err != nil {
		t.Fatal(err)
	}
	// The update ack means the update loop ran, which starts only after
	// the startup bind.
	if err := <-d.EnqueueUpdate(PrivateKeyUpdate{Key: priv}); err != nil {
		t.Fatal(err)
	}
	sock := d.conn.sock.Load()
	if sock == nil {
		t.Fatal("socket not bound")
	}
	port := uint16(sock.LocalAddr().(*net.UDPAddr).Port)
	return d, ft, port, priv
}

func mustAddrPort(t *testing.T, s string) netip.AddrPort {
	t.Helper()
	ap, err := netip.ParseAddrPort(s)
	if err != nil {
		t.Fatal(err)
	}
	return ap
}

// Adding a peer with a known endpoint must emit exactly one initiation
// datagram, and the peer's session index must already be resolvable when
// that datagram is observed. No listen_port is configured here: the
// startup socket alone must carry the initiation.
func TestAddPeerSendsInitiation(t *testing.T) {
	remote, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatal(err)
	}
	defer remote.Close()

	d, _, _, _ := startDevice(t, "test0")
	_, peerPub := testKey(t)
	ev := PeerUpdate{
		PublicKey:    peerPub,
		PresharedKey: PresharedKey{5},
		Endpoint:     mustAddrPort(t, remote.LocalAddr().String()),
		AllowedIPs:   []netip.Prefix{netip.MustParsePrefix("10.0.0.2/32")},
	}
	if err := <-d.EnqueueUpdate(ev); err != nil {
		t.Fatal(err)
	}

	buf := make([]byte, maxDatagramSize)
	remote.SetReadDeadline(time.Now().Add(5 * time.Second))
	n, err := remote.Read(buf)
	if err != nil {
		t.Fatal(err)
	}
	if buf[0] != messageTypeInitiation {
		t.Fatalf("first byte is %d, expected initiation", buf[0])
	}
	sender, _, err := parseInitiation(buf[:n])
	if err != nil {
		t.Fatal(err)
	}
	var found bool
	phony.Block(d, func() {
		p, ok := d.state.peerByIndex(sender)
		found = ok && p.publicKey == peerPub
	})
	if !found {
		t.Fatal("initiation observed before its index was installed")
	}

	remote.SetReadDeadline(time.Now().Add(250 * time.Millisecond))
	if n, _ := remote.Read(buf); n > 0 {
		t.Fatal("expected exactly one datagram")
	}
}

// A listen_port update must replace the startup socket with a fresh one.
func TestListenPortRebind(t *testing.T) {
	d, _, _, _ := startDevice(t, "test0")
	old := d.conn.sock.Load()
	if old == nil {
		t.Fatal("no socket bound at startup")
	}
	if err := <-d.EnqueueUpdate(ListenPortUpdate{Port: 0}); err != nil {
		t.Fatal(err)
	}
	sock := d.conn.sock.Load()
	if sock == nil {
		t.Fatal("rebind lost the socket")
	}
	if sock == old {
		t.Fatal("rebind kept the old socket")
	}
}

// Datagrams carrying an unknown session index must vanish without a
// tunnel write or any state change.
func TestUnknownIndexDropped(t *testing.T) {
	d, ft, port, _ := startDevice(t, "test0")

	sender, err := net.DialUDP("udp", nil, &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: int(port)})
	if err != nil {
		t.Fatal(err)
	}
	defer sender.Close()
	if _, err := sender.Write(marshalTransport(0xdeadbeef, 0, []byte("junk"))); err != nil {
		t.Fatal(err)
	}

	select {
	case <-ft.out:
		t.Fatal("unexpected tunnel write")
	case <-time.After(250 * time.Millisecond):
	}
	phony.Block(d, func() {
		if len(d.state.peers) != 0 || len(d.state.byIndex) != 0 {
			t.Error("state mutated by an unknown-index datagram")
		}
	})
}

// Peer updates must fail with a reported error, not a crash, when they
// arrive before a private key or without a pre-shared key.
func TestPeerUpdateValidation(t *testing.T) {
	ft := newFakeTun()
	d := New("test0", ft, testLogger())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go d.Run(ctx)

	_, peerPub := testKey(t)
	ev := PeerUpdate{
		PublicKey:    peerPub,
		PresharedKey: PresharedKey{1},
		AllowedIPs:   []netip.Prefix{netip.MustParsePrefix("10.0.0.2/32")},
	}
	if err := <-d.EnqueueUpdate(ev); err == nil {
		t.Fatal("peer before private key should have been rejected")
	}

	priv, err := NewPrivateKey()
	if err != nil {
		t.Fatal(err)
	}
	if err := <-d.EnqueueUpdate(PrivateKeyUpdate{Key: priv}); err != nil {
		t.Fatal(err)
	}
	ev.PresharedKey = PresharedKey{}
	if err := <-d.EnqueueUpdate(ev); err == nil {
		t.Fatal("peer without pre-shared key should have been rejected")
	}
}

// Two devices over loopback: handshake, then a packet written into one
// tunnel must come out of the other.
func TestEndToEndTunnel(t *testing.T) {
	a, aTun, _, aPriv := startDevice(t, "a0")
	b, bTun, bPort, bPriv := startDevice(t, "b0")

	// Register the responder's view of the initiator first, so the very
	// first initiation already finds its peer.
	psk := PresharedKey{77}
	if err := <-b.EnqueueUpdate(PeerUpdate{
		PublicKey:    aPriv.Public(),
		PresharedKey: psk,
		AllowedIPs:   []netip.Prefix{netip.MustParsePrefix("10.0.0.1/32")},
	}); err != nil {
		t.Fatal(err)
	}
	if err := <-a.EnqueueUpdate(PeerUpdate{
		PublicKey:    bPriv.Public(),
		PresharedKey: psk,
		Endpoint:     mustAddrPort(t, fmt.Sprintf("127.0.0.1:%d", bPort)),
		AllowedIPs:   []netip.Prefix{netip.MustParsePrefix("10.0.0.2/32")},
	}); err != nil {
		t.Fatal(err)
	}

	packet := ipv4Packet("10.0.0.1", "10.0.0.2")
	frame, err := FramePacket(packet)
	if err != nil {
		t.Fatal(err)
	}

	// The first writes race the handshake and are dropped, so keep
	// feeding the tunnel until the packet makes it across.
	deadline := time.After(10 * time.Second)
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case aTun.in <- frame:
		case out := <-bTun.out:
			got, err := UnframePacket(out)
			if err != nil {
				t.Fatal(err)
			}
			if !bytes.Equal(got, packet) {
				t.Fatal("delivered packet differs")
			}
			return
		case <-deadline:
			t.Fatal("packet never crossed the tunnel")
		case <-ticker.C:
		}
	}
}

// The update queue is bounded: a producer past the capacity blocks until
// the queue drains, and nothing is dropped.
func TestUpdateBackpressure(t *testing.T) {
	ft := newFakeTun()
	d := New("test0", ft, testLogger())

	for i := 0; i < updateQueueDepth; i++ {
		d.EnqueueUpdate(ListenPortUpdate{})
	}
	blocked := make(chan struct{})
	go func() {
		d.EnqueueUpdate(ListenPortUpdate{})
		close(blocked)
	}()
	select {
	case <-blocked:
		t.Fatal("enqueue past capacity did not block")
	case <-time.After(250 * time.Millisecond):
	}

	<-d.updates
	select {
	case <-blocked:
	case <-time.After(time.Second):
		t.Fatal("enqueue did not resume after the queue drained")
	}
	if len(d.updates) != updateQueueDepth {
		t.Fatalf("queue holds %d events, expected %d", len(d.updates), updateQueueDepth)
	}
}

// Identical state must serialize to identical bytes.
func TestConfigStringStable(t *testing.T) {
	d, _, _, _ := startDevice(t, "test0")
	_, peerPub := testKey(t)
	if err := <-d.EnqueueUpdate(PeerUpdate{
		PublicKey:    peerPub,
		PresharedKey: PresharedKey{3},
		AllowedIPs: []netip.Prefix{
			netip.MustParsePrefix("10.0.0.0/24"),
			netip.MustParsePrefix("fd00::/64"),
		},
	}); err != nil {
		t.Fatal(err)
	}

	first := d.ConfigString()
	second := d.ConfigString()
	if first != second {
		t.Fatal("repeated dumps differ")
	}
	if !bytes.Contains([]byte(first), []byte("public_key="+peerPub.HexString())) {
		t.Fatal("dump is missing the peer")
	}
	if !bytes.Contains([]byte(first), []byte("allowed_ip=10.0.0.0/24")) {
		t.Fatal("dump is missing the allowed IP")
	}
}
