package device

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/Arceliar/phony"
	"github.com/gologme/log"
	"golang.org/x/sync/errgroup"
)

// updateQueueDepth bounds the internal channels. A full queue blocks the
// producer instead of dropping work.
const updateQueueDepth = 1024

// Device is the tunnel engine: it owns the peer registry, the transport
// socket and the packet paths between them. All state lives behind the
// actor, so handshakes, routing lookups and configuration updates are
// serialized without locks.
type Device struct {
	phony.Inbox
	log     *log.Logger
	name    string
	state   *state
	conn    *udpConn
	tun     io.ReadWriteCloser
	updates chan updateRequest
	tunOut  chan []byte
}

// New wraps an open tunnel stream. The device does nothing until Run is
// called and a private key arrives over the update queue.
func New(name string, tun io.ReadWriteCloser, logger *log.Logger) *Device {
	return &Device{
		log:     logger,
		name:    name,
		state:   newState(),
		conn:    newUDPConn(logger),
		tun:     tun,
		updates: make(chan updateRequest, updateQueueDepth),
		tunOut:  make(chan []byte, updateQueueDepth),
	}
}

func (d *Device) Name() string { return d.name }

// EnqueueUpdate queues a configuration change and returns a channel that
// yields the outcome of applying it. The send blocks when the queue is
// full.
func (d *Device) EnqueueUpdate(ev UpdateEvent) <-chan error {
	result := make(chan error, 1)
	d.updates <- updateRequest{event: ev, result: result}
	return result
}

// ConfigString dumps the running configuration in control-protocol form.
// The dump is stable: identical state yields identical bytes.
func (d *Device) ConfigString() string {
	var out string
	phony.Block(d, func() {
		var b strings.Builder
		if d.state.privateKey != nil {
			fmt.Fprintf(&b, "private_key=%s\n", d.state.privateKey.HexString())
		}
		if d.state.listenPort != 0 {
			fmt.Fprintf(&b, "listen_port=%d\n", d.state.listenPort)
		}
		for _, p := range d.state.peers {
			p.configLines(&b)
		}
		out = b.String()
	})
	return out
}

// Run drives the four long-running flows until one of them fails or the
// context ends. Any single flow terminating takes the whole device down.
func (d *Device) Run(ctx context.Context) error {
	// The transport socket exists for the lifetime of the interface, so
	// peers configured without a listen_port item still get their
	// initiations on the wire. A listen_port update rebinds it.
	if err := d.conn.bind(0); err != nil {
		return err
	}
	group, ctx := errgroup.WithContext(ctx)
	group.Go(func() error { return d.conn.run(ctx) })
	group.Go(func() error { return d.updateLoop(ctx) })
	group.Go(func() error { return d.datagramLoop(ctx) })
	group.Go(func() error { return d.tunReadLoop() })
	group.Go(func() error { return d.tunWriteLoop(ctx) })
	group.Go(func() error {
		<-ctx.Done()
		d.tun.Close() // unblocks the tunnel read loop
		d.conn.Close()
		return ctx.Err()
	})
	return group.Wait()
}

func (d *Device) updateLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case req := <-d.updates:
			phony.Block(d, func() {
				req.result <- d._applyUpdate(req.event)
			})
		}
	}
}

func (d *Device) datagramLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case dg := <-d.conn.datagrams:
			phony.Block(d, func() {
				d._handleDatagram(dg)
			})
		}
	}
}

func (d *Device) tunReadLoop() error {
	for {
		buf := make([]byte, maxDatagramSize)
		n, err := d.tun.Read(buf)
		if err != nil {
			return fmt.Errorf("tunnel read: %w", err)
		}
		packet, err := UnframePacket(buf[:n])
		if err != nil {
			d.log.Debugf("tunnel frame dropped: %v", err)
			continue
		}
		phony.Block(d, func() {
			d._routeOutbound(packet)
		})
	}
}

func (d *Device) tunWriteLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case frame := <-d.tunOut:
			if _, err := d.tun.Write(frame); err != nil {
				return fmt.Errorf("tunnel write: %w", err)
			}
		}
	}
}

func (d *Device) _applyUpdate(ev UpdateEvent) error {
	switch ev := ev.(type) {
	case PrivateKeyUpdate:
		key := ev.Key
		d.state.privateKey = &key
		d.log.Debugln("private key configured")
		return nil
	case ListenPortUpdate:
		if err := d.conn.bind(ev.Port); err != nil {
			return err
		}
		d.state.listenPort = ev.Port
		return nil
	case PeerUpdate:
		return d._addPeer(ev)
	default:
		return fmt.Errorf("unrecognized update event %T", ev)
	}
}

func (d *Device) _addPeer(ev PeerUpdate) error {
	if d.state.privateKey == nil {
		return ErrNoPrivateKey
	}
	if ev.PresharedKey == (PresharedKey{}) {
		return fmt.Errorf("%w: %s", ErrNoPresharedKey, ev.PublicKey)
	}
	if len(ev.AllowedIPs) == 0 {
		return fmt.Errorf("peer %s has no allowed IPs", ev.PublicKey)
	}
	index, err := d.state.newIndex()
	if err != nil {
		return err
	}
	p := &Peer{
		publicKey:    ev.PublicKey,
		presharedKey: ev.PresharedKey,
		endpoint:     ev.Endpoint,
		allowedIPs:   ev.AllowedIPs,
		localIndex:   index,
	}
	if err := d.state.insertPeer(p); err != nil {
		return err
	}
	d.log.Infof("peer %s registered, index %08x", p.publicKey, p.localIndex)
	if p.hasEndpoint() {
		d._initiate(p)
	}
	return nil
}

// _initiate starts a fresh handshake toward the peer's endpoint. The
// peer's index is already present in the index table, so the response
// can be matched even if it arrives before this call returns.
func (d *Device) _initiate(p *Peer) {
	hs, msg, err := newInitiator(*d.state.privateKey, p.publicKey, p.presharedKey)
	if err != nil {
		d.log.Warnf("handshake init for %s: %v", p.publicKey, err)
		return
	}
	p.handshake = hs
	p.lastInitiation = time.Now()
	d.conn.sendTo(marshalInitiation(p.localIndex, msg), p.endpoint)
	d.log.Debugf("initiation sent to %s", p.endpoint)
}

func (d *Device) _handleDatagram(dg datagram) {
	if len(dg.payload) == 0 {
		return
	}
	switch dg.payload[0] {
	case messageTypeInitiation:
		d._handleInitiation(dg)
	case messageTypeResponse:
		d._handleResponse(dg)
	case messageTypeTransport:
		d._handleTransport(dg)
	case messageTypeCookie:
		// Cookie replies belong to the DoS mitigation layer, which this
		// engine does not implement.
	default:
		d.log.Debugf("dropping datagram type %d from %s", dg.payload[0], dg.from)
	}
}

func (d *Device) _handleInitiation(dg datagram) {
	if d.state.privateKey == nil {
		return
	}
	sender, msg, err := parseInitiation(dg.payload)
	if err != nil {
		d.log.Debugf("initiation from %s: %v", dg.from, err)
		return
	}
	remote, err := peekInitiatorStatic(*d.state.privateKey, msg)
	if err != nil {
		d.log.Debugf("initiation from %s: %v", dg.from, err)
		return
	}
	p, ok := d.state.peerByKey(remote)
	if !ok {
		d.log.Debugf("initiation from unknown peer %s", remote)
		return
	}
	response, send, recv, err := respond(*d.state.privateKey, p.presharedKey, msg)
	if err != nil {
		d.log.Debugf("initiation from %s: %v", remote, err)
		return
	}
	index, err := d.state.rebindIndex(p)
	if err != nil {
		d.log.Warnf("index rebind for %s: %v", remote, err)
		return
	}
	sess, err := newSession(index, sender, send, recv)
	if err != nil {
		d.log.Warnf("session setup for %s: %v", remote, err)
		return
	}
	d._establish(p, sess)
	p.endpoint = dg.from
	d.conn.sendTo(marshalResponse(index, sender, response), dg.from)
	d.log.Infof("session established with %s as responder", remote)
}

func (d *Device) _handleResponse(dg datagram) {
	sender, receiver, msg, err := parseResponse(dg.payload)
	if err != nil {
		d.log.Debugf("response from %s: %v", dg.from, err)
		return
	}
	p, ok := d.state.peerByIndex(receiver)
	if !ok || p.handshake == nil {
		d.log.Debugf("response from %s for unknown index %08x", dg.from, receiver)
		return
	}
	send, recv, err := consumeResponse(p.handshake, msg)
	if err != nil {
		d.log.Debugf("response from %s: %v", dg.from, err)
		return
	}
	p.handshake = nil
	sess, err := newSession(receiver, sender, send, recv)
	if err != nil {
		d.log.Warnf("session setup for %s: %v", p.publicKey, err)
		return
	}
	d._establish(p, sess)
	p.endpoint = dg.from
	d.log.Infof("session established with %s as initiator", p.publicKey)
}

func (d *Device) _establish(p *Peer, sess *session) {
	if p.expireTimer != nil {
		p.expireTimer.Stop()
	}
	p.session = sess
	p.lastHandshake = time.Now()
	p.expireTimer = time.AfterFunc(rejectAfterTime, func() {
		d.Act(nil, func() {
			d._expireSession(p, sess)
		})
	})
}

// _expireSession retires a session at the end of its lifetime. The next
// outbound packet re-enters the handshake.
func (d *Device) _expireSession(p *Peer, sess *session) {
	if p.session != sess {
		return // already superseded by a newer handshake
	}
	p.session = nil
	d.log.Debugf("session with %s expired", p.publicKey)
}

func (d *Device) _handleTransport(dg datagram) {
	receiver, counter, ciphertext, err := parseTransport(dg.payload)
	if err != nil {
		d.log.Debugf("transport from %s: %v", dg.from, err)
		return
	}
	p, ok := d.state.peerByIndex(receiver)
	if !ok || p.session == nil || p.session.localIndex != receiver {
		d.log.Debugf("transport from %s for unknown index %08x", dg.from, receiver)
		return
	}
	packet, err := p.session.open(counter, ciphertext)
	if err != nil {
		d.log.Debugf("transport from %s: %v", dg.from, err)
		return
	}
	src, err := PacketSource(packet)
	if err != nil {
		d.log.Debugf("transport from %s: %v", dg.from, err)
		return
	}
	if owner, ok := d.state.route(src); !ok || owner != p {
		d.log.Debugf("transport from %s: source %s outside allowed IPs", p.publicKey, src)
		return
	}
	frame, err := FramePacket(packet)
	if err != nil {
		return
	}
	p.endpoint = dg.from
	d.tunOut <- frame
}

func (d *Device) _routeOutbound(packet []byte) {
	dst, err := PacketDestination(packet)
	if err != nil {
		d.log.Debugf("outbound packet dropped: %v", err)
		return
	}
	p, ok := d.state.route(dst)
	if !ok {
		d.log.Debugf("no route to %s", dst)
		return
	}
	if p.session == nil || p.session.expired() {
		p.session = nil
		stale := p.handshake == nil || time.Since(p.lastInitiation) >= rekeyTimeout
		if stale && p.hasEndpoint() && d.state.privateKey != nil {
			d._initiate(p)
		}
		return // packet dropped, handshake in flight
	}
	dgram, err := p.session.seal(packet)
	if err != nil {
		d.log.Debugf("seal for %s: %v", p.publicKey, err)
		return
	}
	d.conn.sendTo(dgram, p.endpoint)
}
