package device

import "net/netip"

// UpdateEvent is a configuration change applied to a running device.
// Events arrive over the bounded update queue and are applied one at a
// time, in order, on the device actor.
type UpdateEvent interface {
	isUpdate()
}

// PrivateKeyUpdate replaces the device's static identity.
type PrivateKeyUpdate struct {
	Key PrivateKey
}

// ListenPortUpdate rebinds the UDP socket to a new local port.
type ListenPortUpdate struct {
	Port uint16
}

// PeerUpdate registers a new peer with its transport parameters and
// allowed source prefixes.
type PeerUpdate struct {
	PublicKey    PublicKey
	PresharedKey PresharedKey
	Endpoint     netip.AddrPort // zero when the peer has no known endpoint
	AllowedIPs   []netip.Prefix
}

func (PrivateKeyUpdate) isUpdate() {}
func (ListenPortUpdate) isUpdate() {}
func (PeerUpdate) isUpdate()       {}

type updateRequest struct {
	event  UpdateEvent
	result chan error
}
