package device

import (
	"encoding/binary"
	"fmt"
)

// Datagram types on the UDP wire. The layout follows the WireGuard
// framing: a type byte, three reserved zero bytes, then little-endian
// session indices.
const (
	messageTypeInitiation byte = 1
	messageTypeResponse   byte = 2
	messageTypeCookie     byte = 3
	messageTypeTransport  byte = 4
)

const (
	initiationHeaderLen = 8  // type(1) + reserved(3) + sender(4)
	responseHeaderLen   = 12 // type(1) + reserved(3) + sender(4) + receiver(4)
	transportHeaderLen  = 16 // type(1) + reserved(3) + receiver(4) + counter(8)
)

// noiseInitiationLen is the size of the first IKpsk2 handshake message:
// ephemeral(32) + encrypted static(32+16) + encrypted timestamp-less
// payload tag(16).
const noiseInitiationLen = 96

// noiseResponseLen is the size of the second handshake message:
// ephemeral(32) + encrypted empty payload(16).
const noiseResponseLen = 48

var errTruncated = fmt.Errorf("truncated datagram")

func marshalInitiation(sender uint32, noiseMsg []byte) []byte {
	buf := make([]byte, initiationHeaderLen+len(noiseMsg))
	buf[0] = messageTypeInitiation
	binary.LittleEndian.PutUint32(buf[4:8], sender)
	copy(buf[initiationHeaderLen:], noiseMsg)
	return buf
}

func parseInitiation(buf []byte) (sender uint32, noiseMsg []byte, err error) {
	if len(buf) != initiationHeaderLen+noiseInitiationLen {
		return 0, nil, errTruncated
	}
	sender = binary.LittleEndian.Uint32(buf[4:8])
	return sender, buf[initiationHeaderLen:], nil
}

func marshalResponse(sender, receiver uint32, noiseMsg []byte) []byte {
	buf := make([]byte, responseHeaderLen+len(noiseMsg))
	buf[0] = messageTypeResponse
	binary.LittleEndian.PutUint32(buf[4:8], sender)
	binary.LittleEndian.PutUint32(buf[8:12], receiver)
	copy(buf[responseHeaderLen:], noiseMsg)
	return buf
}

func parseResponse(buf []byte) (sender, receiver uint32, noiseMsg []byte, err error) {
	if len(buf) != responseHeaderLen+noiseResponseLen {
		return 0, 0, nil, errTruncated
	}
	sender = binary.LittleEndian.Uint32(buf[4:8])
	receiver = binary.LittleEndian.Uint32(buf[8:12])
	return sender, receiver, buf[responseHeaderLen:], nil
}

func marshalTransport(receiver uint32, counter uint64, ciphertext []byte) []byte {
	buf := make([]byte, transportHeaderLen+len(ciphertext))
	buf[0] = messageTypeTransport
	binary.LittleEndian.PutUint32(buf[4:8], receiver)
	binary.LittleEndian.PutUint64(buf[8:16], counter)
	copy(buf[transportHeaderLen:], ciphertext)
	return buf
}

func parseTransport(buf []byte) (receiver uint32, counter uint64, ciphertext []byte, err error) {
	if len(buf) < transportHeaderLen {
		return 0, 0, nil, errTruncated
	}
	receiver = binary.LittleEndian.Uint32(buf[4:8])
	counter = binary.LittleEndian.Uint64(buf[8:16])
	return receiver, counter, buf[transportHeaderLen:], nil
}
