package device

import (
	"fmt"

	"github.com/flynn/noise"
)

// noisePrologue binds both sides of the handshake to the same protocol
// revision.
var noisePrologue = []byte("WireGuard v1 zx2c4 Jason@zx2c4.com")

var cipherSuite = noise.NewCipherSuite(noise.DH25519, noise.CipherChaChaPoly, noise.HashBLAKE2s)

func noiseConfig(priv PrivateKey, initiator bool, psk PresharedKey) noise.Config {
	pub := priv.Public()
	return noise.Config{
		CipherSuite:           cipherSuite,
		Pattern:               noise.HandshakeIK,
		Initiator:             initiator,
		Prologue:              noisePrologue,
		PresharedKey:          psk[:],
		PresharedKeyPlacement: 2,
		StaticKeypair: noise.DHKey{
			Private: priv[:],
			Public:  pub[:],
		},
	}
}

// newInitiator builds the IKpsk2 handshake state for the initiating side
// and produces the first handshake message.
func newInitiator(priv PrivateKey, peer PublicKey, psk PresharedKey) (*noise.HandshakeState, []byte, error) {
	cfg := noiseConfig(priv, true, psk)
	cfg.PeerStatic = peer[:]
	hs, err := noise.NewHandshakeState(cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("handshake state: %w", err)
	}
	msg, _, _, err := hs.WriteMessage(nil, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("write initiation: %w", err)
	}
	return hs, msg, nil
}

// peekInitiatorStatic decrypts the first handshake message far enough to
// learn the initiator's static key. The pre-shared key is only mixed in
// while producing the second message, so a throwaway responder state with
// a zero PSK yields the same static key as the real one will.
func peekInitiatorStatic(priv PrivateKey, msg []byte) (PublicKey, error) {
	var peer PublicKey
	hs, err := noise.NewHandshakeState(noiseConfig(priv, false, PresharedKey{}))
	if err != nil {
		return peer, fmt.Errorf("handshake state: %w", err)
	}
	if _, _, _, err := hs.ReadMessage(nil, msg); err != nil {
		return peer, fmt.Errorf("read initiation: %w", err)
	}
	remote := hs.PeerStatic()
	if len(remote) != KeySize {
		return peer, fmt.Errorf("initiator static key missing")
	}
	copy(peer[:], remote)
	return peer, nil
}

// respond consumes the first handshake message with the peer's real PSK
// and produces the second message along with the transport cipher states.
func respond(priv PrivateKey, psk PresharedKey, msg []byte) (response []byte, send, recv *noise.CipherState, err error) {
	hs, err := noise.NewHandshakeState(noiseConfig(priv, false, psk))
	if err != nil {
		return nil, nil, nil, fmt.Errorf("handshake state: %w", err)
	}
	if _, _, _, err := hs.ReadMessage(nil, msg); err != nil {
		return nil, nil, nil, fmt.Errorf("read initiation: %w", err)
	}
	response, cs1, cs2, err := hs.WriteMessage(nil, nil)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("write response: %w", err)
	}
	// cs1 carries initiator-to-responder traffic, cs2 the reverse.
	return response, cs2, cs1, nil
}

// consumeResponse finishes the handshake on the initiating side.
func consumeResponse(hs *noise.HandshakeState, msg []byte) (send, recv *noise.CipherState, err error) {
	_, cs1, cs2, err := hs.ReadMessage(nil, msg)
	if err != nil {
		return nil, nil, fmt.Errorf("read response: %w", err)
	}
	return cs1, cs2, nil
}
