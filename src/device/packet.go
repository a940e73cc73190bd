package device

import (
	"fmt"
	"net/netip"
)

// Frames exchanged with the tunnel interface carry a 4 byte address
// family marker ahead of the raw IP packet, in the style of the BSD utun
// devices.
const FamilyMarkerLen = 4

const (
	afInet  byte = 2
	afInet6 byte = 30
)

var errNotIP = fmt.Errorf("not an IPv4 or IPv6 packet")

// FramePacket prepends the address family marker matching the packet's
// IP version.
func FramePacket(packet []byte) ([]byte, error) {
	if len(packet) == 0 {
		return nil, errNotIP
	}
	frame := make([]byte, FamilyMarkerLen+len(packet))
	switch packet[0] >> 4 {
	case 4:
		frame[3] = afInet
	case 6:
		frame[3] = afInet6
	default:
		return nil, errNotIP
	}
	copy(frame[FamilyMarkerLen:], packet)
	return frame, nil
}

// UnframePacket strips and validates the address family marker.
func UnframePacket(frame []byte) ([]byte, error) {
	if len(frame) <= FamilyMarkerLen {
		return nil, errNotIP
	}
	if frame[0] != 0 || frame[1] != 0 || frame[2] != 0 {
		return nil, errNotIP
	}
	packet := frame[FamilyMarkerLen:]
	switch {
	case frame[3] == afInet && packet[0]>>4 == 4:
	case frame[3] == afInet6 && packet[0]>>4 == 6:
	default:
		return nil, errNotIP
	}
	return packet, nil
}

// PacketDestination extracts the destination address of a raw IP packet.
func PacketDestination(packet []byte) (netip.Addr, error) {
	switch {
	case len(packet) >= 20 && packet[0]>>4 == 4:
		return netip.AddrFrom4([4]byte(packet[16:20])), nil
	case len(packet) >= 40 && packet[0]>>4 == 6:
		return netip.AddrFrom16([16]byte(packet[24:40])), nil
	}
	return netip.Addr{}, errNotIP
}

// PacketSource extracts the source address of a raw IP packet.
func PacketSource(packet []byte) (netip.Addr, error) {
	switch {
	case len(packet) >= 20 && packet[0]>>4 == 4:
		return netip.AddrFrom4([4]byte(packet[12:16])), nil
	case len(packet) >= 40 && packet[0]>>4 == 6:
		return netip.AddrFrom16([16]byte(packet[8:24])), nil
	}
	return netip.Addr{}, errNotIP
}
