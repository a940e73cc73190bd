package device

import (
	"fmt"
	"net/netip"
	"sort"
	"strings"
	"time"

	"github.com/flynn/noise"
)

// Peer is one configured remote endpoint. All fields are owned by the
// device actor; nothing here is safe to touch from other goroutines.
type Peer struct {
	publicKey    PublicKey
	presharedKey PresharedKey
	endpoint     netip.AddrPort
	allowedIPs   []netip.Prefix

	// localIndex identifies this peer in datagrams addressed to us. It is
	// reserved in the index table before the first handshake message
	// leaves the socket, so the response always finds its peer.
	localIndex uint32

	handshake      *noise.HandshakeState // in-flight initiation, nil otherwise
	lastInitiation time.Time
	lastHandshake  time.Time
	session        *session
	expireTimer    *time.Timer
}

func (p *Peer) hasEndpoint() bool { return p.endpoint.IsValid() }

// configLines renders the peer in the key=value form used by the control
// protocol. Allowed prefixes are emitted in sorted order so repeated
// dumps of the same state are byte-identical.
func (p *Peer) configLines(b *strings.Builder) {
	fmt.Fprintf(b, "public_key=%s\n", p.publicKey.HexString())
	if p.presharedKey != (PresharedKey{}) {
		fmt.Fprintf(b, "preshared_key=%s\n", p.presharedKey.HexString())
	}
	if p.hasEndpoint() {
		fmt.Fprintf(b, "endpoint=%s\n", p.endpoint)
	}
	if !p.lastHandshake.IsZero() {
		fmt.Fprintf(b, "last_handshake_time_sec=%d\n", p.lastHandshake.Unix())
	}
	prefixes := make([]netip.Prefix, len(p.allowedIPs))
	copy(prefixes, p.allowedIPs)
	sort.Slice(prefixes, func(i, j int) bool {
		return prefixes[i].String() < prefixes[j].String()
	})
	for _, pfx := range prefixes {
		fmt.Fprintf(b, "allowed_ip=%s\n", pfx)
	}
}
