package device

import (
	"crypto/cipher"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/flynn/noise"
	"golang.org/x/crypto/chacha20poly1305"
)

// rejectAfterTime bounds the lifetime of a transport session. Traffic on
// an expired session is dropped and the initiator starts a new handshake.
const rejectAfterTime = 180 * time.Second

// rekeyTimeout is how long an unanswered initiation stands before
// outbound traffic triggers a fresh one.
const rekeyTimeout = 5 * time.Second

var (
	errSessionExpired = fmt.Errorf("session expired")
	errReplay         = fmt.Errorf("replayed or reordered counter")
)

// session holds the transport keys of one completed handshake. Datagrams
// carry an explicit counter, so the session keeps raw AEADs rather than
// the noise CipherStates: UDP loss and reordering must not desynchronise
// the nonce.
type session struct {
	localIndex  uint32
	remoteIndex uint32
	send        cipher.AEAD
	recv        cipher.AEAD
	sendCounter uint64
	recvCounter uint64
	created     time.Time
}

func newSession(localIndex, remoteIndex uint32, send, recv *noise.CipherState) (*session, error) {
	sendKey := send.UnsafeKey()
	recvKey := recv.UnsafeKey()
	sendAEAD, err := chacha20poly1305.New(sendKey[:])
	if err != nil {
		return nil, fmt.Errorf("send aead: %w", err)
	}
	recvAEAD, err := chacha20poly1305.New(recvKey[:])
	if err != nil {
		return nil, fmt.Errorf("recv aead: %w", err)
	}
	return &session{
		localIndex:  localIndex,
		remoteIndex: remoteIndex,
		send:        sendAEAD,
		recv:        recvAEAD,
		recvCounter: 0,
		created:     time.Now(),
	}, nil
}

func (s *session) expired() bool {
	return time.Since(s.created) >= rejectAfterTime
}

func counterNonce(counter uint64) []byte {
	nonce := make([]byte, chacha20poly1305.NonceSize)
	binary.LittleEndian.PutUint64(nonce[4:], counter)
	return nonce
}

// seal encrypts one packet and returns the complete transport datagram.
func (s *session) seal(packet []byte) ([]byte, error) {
	if s.expired() {
		return nil, errSessionExpired
	}
	counter := s.sendCounter
	s.sendCounter++
	ciphertext := s.send.Seal(nil, counterNonce(counter), packet, nil)
	return marshalTransport(s.remoteIndex, counter, ciphertext), nil
}

// open decrypts one transport payload, enforcing strictly increasing
// counters.
func (s *session) open(counter uint64, ciphertext []byte) ([]byte, error) {
	if s.expired() {
		return nil, errSessionExpired
	}
	if counter < s.recvCounter {
		return nil, errReplay
	}
	packet, err := s.recv.Open(nil, counterNonce(counter), ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("transport open: %w", err)
	}
	s.recvCounter = counter + 1
	return packet, nil
}
