package device

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"net/netip"

	"github.com/gaissmai/bart"
)

var (
	ErrNoPrivateKey   = fmt.Errorf("no private key configured")
	ErrNoPresharedKey = fmt.Errorf("peer has no pre-shared key")
	ErrPeerExists     = fmt.Errorf("peer already registered")
	ErrPrefixOwned    = fmt.Errorf("allowed prefix overlaps an existing peer")
)

// state is the device's registry: peers by identity, peers by session
// index, and the longest-prefix routing table over their allowed IPs.
// It is only ever touched from the device actor.
type state struct {
	privateKey *PrivateKey
	listenPort uint16

	byKey   map[PublicKey]*Peer
	byIndex map[uint32]*Peer
	routes  bart.Table[*Peer]
	peers   []*Peer // insertion order, for stable config dumps
}

func newState() *state {
	return &state{
		byKey:   make(map[PublicKey]*Peer),
		byIndex: make(map[uint32]*Peer),
	}
}

// insertPeer validates the peer against the registry and installs it
// atomically: on any error the registry is left untouched.
func (s *state) insertPeer(p *Peer) error {
	if s.privateKey == nil {
		return ErrNoPrivateKey
	}
	if _, ok := s.byKey[p.publicKey]; ok {
		return fmt.Errorf("%w: %s", ErrPeerExists, p.publicKey)
	}
	if p.publicKey == s.privateKey.Public() {
		return fmt.Errorf("peer key equals own public key: %s", p.publicKey)
	}
	// Prefixes must not overlap across peers. A peer nesting narrower
	// prefixes inside its own wider ones is fine, every match is still
	// that peer.
	masked := make([]netip.Prefix, 0, len(p.allowedIPs))
	for _, pfx := range p.allowedIPs {
		m := pfx.Masked()
		if s.routes.OverlapsPrefix(m) {
			return fmt.Errorf("%w: %s", ErrPrefixOwned, pfx)
		}
		masked = append(masked, m)
	}
	p.allowedIPs = masked
	for _, m := range masked {
		s.routes.Insert(m, p)
	}
	s.byKey[p.publicKey] = p
	s.byIndex[p.localIndex] = p
	s.peers = append(s.peers, p)
	return nil
}

func (s *state) peerByKey(key PublicKey) (*Peer, bool) {
	p, ok := s.byKey[key]
	return p, ok
}

func (s *state) peerByIndex(index uint32) (*Peer, bool) {
	p, ok := s.byIndex[index]
	return p, ok
}

// route returns the peer owning the longest matching allowed prefix.
func (s *state) route(addr netip.Addr) (*Peer, bool) {
	return s.routes.Lookup(addr)
}

// newIndex draws a session index not currently in use.
func (s *state) newIndex() (uint32, error) {
	var buf [4]byte
	for {
		if _, err := rand.Read(buf[:]); err != nil {
			return 0, fmt.Errorf("index: %w", err)
		}
		index := binary.LittleEndian.Uint32(buf[:])
		if _, taken := s.byIndex[index]; !taken {
			return index, nil
		}
	}
}

// rebindIndex moves a peer to a fresh session index, retiring the old
// one.
func (s *state) rebindIndex(p *Peer) (uint32, error) {
	index, err := s.newIndex()
	if err != nil {
		return 0, err
	}
	delete(s.byIndex, p.localIndex)
	p.localIndex = index
	s.byIndex[index] = p
	return index, nil
}
