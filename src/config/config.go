package config

import (
	"github.com/hjson/hjson-go"
	"github.com/mitchellh/mapstructure"

	"github.com/wojciechozga/wireguard-rs/src/defaults"
	"github.com/wojciechozga/wireguard-rs/src/device"
)

// PeerConfig defines a single remote tunnel endpoint as it appears in the
// configuration file. The same keys are accepted at runtime over the control
// socket.
type PeerConfig struct {
	PublicKey    string   `comment:"The peer's static public key in hex."`
	PresharedKey string   `comment:"Pre-shared key in hex, mixed into the handshake. Required."`
	Endpoint     string   `comment:"Last-known UDP endpoint of the peer, as host:port. May be left\nempty for peers that only ever initiate towards us."`
	AllowedIPs   []string `comment:"CIDR prefixes routed to this peer. Prefixes must not overlap\nwith those of any other peer."`
}

// NodeConfig defines all configuration values needed to run a single
// tunnel interface.
type NodeConfig struct {
	PrivateKey    string       `comment:"Your private key in hex. DO NOT share this with anyone!"`
	ListenPort    uint16       `comment:"UDP port to listen on for peer traffic. 0 means pick an\nephemeral port."`
	IfName        string       `comment:"Local network interface name for the TUN adapter."`
	IfAddr        string       `comment:"CIDR address to assign to the TUN adapter, or empty to leave\nthe interface unconfigured."`
	IfMTU         uint64       `comment:"Maximum Transmission Unit (MTU) for the TUN adapter."`
	ControlSocket string       `comment:"Path of the control socket. If empty, the path is derived from\nthe interface name."`
	Peers         []PeerConfig `comment:"Remote tunnel endpoints. Each one needs at least a public key,\na pre-shared key and one allowed IP prefix."`
}

// GenerateConfig generates default configuration with a fresh private key.
// This is used when outputting the -genconf parameter.
func GenerateConfig() *NodeConfig {
	key, err := device.NewPrivateKey()
	if err != nil {
		panic(err)
	}
	cfg := NodeConfig{}
	cfg.PrivateKey = key.HexString()
	cfg.ListenPort = 51820
	cfg.IfName = defaults.GetDefaults().DefaultIfName
	cfg.IfMTU = defaults.GetDefaults().DefaultIfMTU
	cfg.Peers = []PeerConfig{}
	return &cfg
}

// ReadConfig decodes HJSON or JSON configuration into a NodeConfig, on top
// of the generated defaults so that omitted fields keep sane values.
func ReadConfig(conf []byte) (*NodeConfig, error) {
	cfg := GenerateConfig()
	var dat map[string]interface{}
	if err := hjson.Unmarshal(conf, &dat); err != nil {
		return nil, err
	}
	if err := mapstructure.Decode(dat, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}
