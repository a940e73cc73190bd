package device

import (
	"bytes"
	"net/netip"
	"testing"
)

func ipv4Packet(src, dst string) []byte {
	packet := make([]byte, 28)
	packet[0] = 0x45
	copy(packet[12:16], netip.MustParseAddr(src).AsSlice())
	copy(packet[16:20], netip.MustParseAddr(dst).AsSlice())
	return packet
}

func ipv6Packet(src, dst string) []byte {
	packet := make([]byte, 48)
	packet[0] = 0x60
	copy(packet[8:24], netip.MustParseAddr(src).AsSlice())
	copy(packet[24:40], netip.MustParseAddr(dst).AsSlice())
	return packet
}

func TestFrameRoundTrip(t *testing.T) {
	for _, packet := range [][]byte{
		ipv4Packet("10.0.0.1", "10.0.0.2"),
		ipv6Packet("fd00::1", "fd00::2"),
	} {
		frame, err := FramePacket(packet)
		if err != nil {
			t.Fatal(err)
		}
		if len(frame) != len(packet)+FamilyMarkerLen {
			t.Fatalf("frame is %d bytes, expected %d", len(frame), len(packet)+FamilyMarkerLen)
		}
		out, err := UnframePacket(frame)
		if err != nil {
			t.Fatal(err)
		}
		if !bytes.Equal(out, packet) {
			t.Fatal("unframed packet differs")
		}
	}
}

func TestFrameRejectsGarbage(t *testing.T) {
	if _, err := FramePacket(nil); err == nil {
		t.Fatal("empty packet was framed")
	}
	if _, err := FramePacket([]byte{0x00, 0x01}); err == nil {
		t.Fatal("non-IP packet was framed")
	}
	if _, err := UnframePacket([]byte{0, 0, 0, 2}); err == nil {
		t.Fatal("marker without payload was accepted")
	}
	// Marker family and IP version must agree.
	frame, err := FramePacket(ipv4Packet("10.0.0.1", "10.0.0.2"))
	if err != nil {
		t.Fatal(err)
	}
	frame[3] = 30
	if _, err := UnframePacket(frame); err == nil {
		t.Fatal("family marker mismatch was accepted")
	}
}

func TestPacketAddresses(t *testing.T) {
	packet := ipv4Packet("10.1.2.3", "192.0.2.9")
	src, err := PacketSource(packet)
	if err != nil {
		t.Fatal(err)
	}
	if src != netip.MustParseAddr("10.1.2.3") {
		t.Fatalf("unexpected source %s", src)
	}
	dst, err := PacketDestination(packet)
	if err != nil {
		t.Fatal(err)
	}
	if dst != netip.MustParseAddr("192.0.2.9") {
		t.Fatalf("unexpected destination %s", dst)
	}

	packet = ipv6Packet("fd00::1", "fd00::2")
	if src, _ := PacketSource(packet); src != netip.MustParseAddr("fd00::1") {
		t.Fatalf("unexpected source %s", src)
	}
	if dst, _ := PacketDestination(packet); dst != netip.MustParseAddr("fd00::2") {
		t.Fatalf("unexpected destination %s", dst)
	}
}
