package tun

import (
	"fmt"

	"github.com/gologme/log"
	wgtun "golang.zx2c4.com/wireguard/tun"

	"github.com/wojciechozga/wireguard-rs/src/defaults"
	"github.com/wojciechozga/wireguard-rs/src/device"
)

// TUN_OFFSET_BYTES is the headroom the tun driver wants ahead of each
// packet for its own encapsulation headers.
const TUN_OFFSET_BYTES = 80

const maxPacketSize = 65535

// TunAdapter wraps the platform tun device behind an io.ReadWriteCloser
// that speaks address-family-marker frames: every unit read or written
// is a 4 byte marker followed by one raw IP packet.
type TunAdapter struct {
	log   *log.Logger
	iface wgtun.Device
	mtu   uint64

	readBuf  [TUN_OFFSET_BYTES + maxPacketSize]byte
	writeBuf [TUN_OFFSET_BYTES + maxPacketSize]byte
}

func getSupportedMTU(mtu uint64) uint64 {
	if mtu == 0 || mtu > defaults.GetDefaults().MaximumIfMTU {
		return defaults.GetDefaults().MaximumIfMTU
	}
	return mtu
}

// Open creates and configures the tun interface.
func Open(ifname string, addr string, mtu uint64, logger *log.Logger) (*TunAdapter, error) {
	tun := &TunAdapter{log: logger}
	if err := tun.setup(ifname, addr, getSupportedMTU(mtu)); err != nil {
		return nil, fmt.Errorf("tun setup: %w", err)
	}
	return tun, nil
}

// Name returns the real interface name, which may differ from the
// requested one on platforms that assign their own.
func (tun *TunAdapter) Name() string {
	if name, err := tun.iface.Name(); err == nil {
		return name
	}
	return ""
}

func (tun *TunAdapter) MTU() uint64 { return tun.mtu }

// Read yields one framed packet. Only called from a single goroutine.
func (tun *TunAdapter) Read(p []byte) (int, error) {
	bufs := [][]byte{tun.readBuf[:]}
	sizes := []int{0}
	for {
		n, err := tun.iface.Read(bufs, sizes, TUN_OFFSET_BYTES)
		if err != nil {
			return 0, err
		}
		if n == 0 || sizes[0] == 0 {
			continue
		}
		packet := tun.readBuf[TUN_OFFSET_BYTES : TUN_OFFSET_BYTES+sizes[0]]
		frame, err := device.FramePacket(packet)
		if err != nil {
			tun.log.Traceln("tun read dropped packet:", err)
			continue
		}
		if len(frame) > len(p) {
			return 0, fmt.Errorf("tun read: frame of %d bytes exceeds buffer", len(frame))
		}
		return copy(p, frame), nil
	}
}

// Write consumes one framed packet. Only called from a single goroutine.
func (tun *TunAdapter) Write(p []byte) (int, error) {
	packet, err := device.UnframePacket(p)
	if err != nil {
		tun.log.Traceln("tun write dropped packet:", err)
		return len(p), nil
	}
	if len(packet) > maxPacketSize {
		return len(p), nil
	}
	copy(tun.writeBuf[TUN_OFFSET_BYTES:], packet)
	bufs := [][]byte{tun.writeBuf[:TUN_OFFSET_BYTES+len(packet)]}
	if _, err := tun.iface.Write(bufs, TUN_OFFSET_BYTES); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (tun *TunAdapter) Close() error {
	return tun.iface.Close()
}
