package core

import (
	"context"
	"fmt"
	"net/netip"

	"github.com/gologme/log"
	"golang.org/x/sync/errgroup"

	"github.com/wojciechozga/wireguard-rs/src/config"
	"github.com/wojciechozga/wireguard-rs/src/control"
	"github.com/wojciechozga/wireguard-rs/src/device"
	"github.com/wojciechozga/wireguard-rs/src/tun"
)

// Node ties the tunnel device, the transport engine and the control
// socket together into one runnable interface.
type Node struct {
	log     *log.Logger
	tun     *tun.TunAdapter
	dev     *device.Device
	control *control.Server
	cfg     *config.NodeConfig
}

// NewNode opens the tunnel interface and the control socket. Failures
// here are fatal setup errors; nothing is retried.
func NewNode(cfg *config.NodeConfig, logger *log.Logger) (*Node, error) {
	adapter, err := tun.Open(cfg.IfName, cfg.IfAddr, cfg.IfMTU, logger)
	if err != nil {
		return nil, err
	}
	dev := device.New(adapter.Name(), adapter, logger)
	socket := cfg.ControlSocket
	if socket == "" {
		socket = control.SocketPath(adapter.Name())
	}
	ctl := control.New(dev, socket, logger)
	if err := ctl.Listen(); err != nil {
		adapter.Close()
		return nil, err
	}
	return &Node{
		log:     logger,
		tun:     adapter,
		dev:     dev,
		control: ctl,
		cfg:     cfg,
	}, nil
}

// Run applies the file configuration, then drives the device and the
// control socket until either fails or the context ends.
func (n *Node) Run(ctx context.Context) error {
	group, ctx := errgroup.WithContext(ctx)
	group.Go(func() error { return n.dev.Run(ctx) })
	group.Go(func() error { return n.control.Run(ctx) })
	group.Go(func() error { return n.applyConfig(ctx) })
	return group.Wait()
}

// applyConfig feeds the startup configuration through the same update
// queue the control socket uses. Errors here mean the node was asked to
// start with a broken configuration, which is fatal.
func (n *Node) applyConfig(ctx context.Context) error {
	events, err := configEvents(n.cfg)
	if err != nil {
		return err
	}
	for _, ev := range events {
		select {
		case err := <-n.dev.EnqueueUpdate(ev):
			if err != nil {
				return fmt.Errorf("startup configuration: %w", err)
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// configEvents translates the file configuration into update events in
// apply order: identity first, then the socket binding, then peers.
func configEvents(cfg *config.NodeConfig) ([]device.UpdateEvent, error) {
	var events []device.UpdateEvent
	if cfg.PrivateKey != "" {
		key, err := device.ParsePrivateKey(cfg.PrivateKey)
		if err != nil {
			return nil, err
		}
		events = append(events, device.PrivateKeyUpdate{Key: key})
	}
	events = append(events, device.ListenPortUpdate{Port: cfg.ListenPort})
	for _, pc := range cfg.Peers {
		ev, err := peerEvent(pc)
		if err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	return events, nil
}

func peerEvent(pc config.PeerConfig) (device.PeerUpdate, error) {
	var ev device.PeerUpdate
	key, err := device.ParsePublicKey(pc.PublicKey)
	if err != nil {
		return ev, err
	}
	ev.PublicKey = key
	if pc.PresharedKey != "" {
		psk, err := device.ParsePresharedKey(pc.PresharedKey)
		if err != nil {
			return ev, err
		}
		ev.PresharedKey = psk
	}
	if pc.Endpoint != "" {
		ep, err := netip.ParseAddrPort(pc.Endpoint)
		if err != nil {
			return ev, fmt.Errorf("invalid endpoint %q: %w", pc.Endpoint, err)
		}
		ev.Endpoint = ep
	}
	for _, s := range pc.AllowedIPs {
		pfx, err := netip.ParsePrefix(s)
		if err != nil {
			return ev, fmt.Errorf("invalid allowed IP %q: %w", s, err)
		}
		ev.AllowedIPs = append(ev.AllowedIPs, pfx)
	}
	return ev, nil
}
