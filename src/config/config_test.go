package config

import (
	"encoding/json"
	"testing"

	"github.com/hjson/hjson-go"

	"github.com/wojciechozga/wireguard-rs/src/device"
)

// Generated configurations must carry a usable fresh identity and sane
// interface defaults.
func TestGenerateConfig(t *testing.T) {
	cfg := GenerateConfig()
	if _, err := device.ParsePrivateKey(cfg.PrivateKey); err != nil {
		t.Fatal(err)
	}
	other := GenerateConfig()
	if cfg.PrivateKey == other.PrivateKey {
		t.Fatal("two generated configs share a private key")
	}
	if cfg.IfName == "" || cfg.IfMTU == 0 {
		t.Fatal("interface defaults missing")
	}
}

// A marshalled config must decode back to the same values, whether it
// went through HJSON or plain JSON.
func TestReadConfigRoundTrip(t *testing.T) {
	cfg := GenerateConfig()
	cfg.ListenPort = 12345
	cfg.Peers = []PeerConfig{{
		PublicKey:    "ab",
		PresharedKey: "cd",
		Endpoint:     "203.0.113.5:51820",
		AllowedIPs:   []string{"10.0.0.2/32", "fd00::/64"},
	}}

	for name, marshal := range map[string]func(interface{}) ([]byte, error){
		"hjson": hjson.Marshal,
		"json":  func(v interface{}) ([]byte, error) { return json.Marshal(v) },
	} {
		bs, err := marshal(cfg)
		if err != nil {
			t.Fatal(err)
		}
		got, err := ReadConfig(bs)
		if err != nil {
			t.Fatalf("%s: %v", name, err)
		}
		if got.PrivateKey != cfg.PrivateKey || got.ListenPort != cfg.ListenPort {
			t.Fatalf("%s: interface settings did not survive the round trip", name)
		}
		if len(got.Peers) != 1 || got.Peers[0].PublicKey != "ab" {
			t.Fatalf("%s: peer did not survive the round trip", name)
		}
		if len(got.Peers[0].AllowedIPs) != 2 {
			t.Fatalf("%s: allowed IPs did not survive the round trip", name)
		}
	}
}

// Fields omitted from the file keep their generated defaults.
func TestReadConfigDefaults(t *testing.T) {
	cfg, err := ReadConfig([]byte(`{ ListenPort: 7777 }`))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.ListenPort != 7777 {
		t.Fatal("explicit field was not applied")
	}
	if cfg.PrivateKey == "" || cfg.IfName == "" {
		t.Fatal("omitted fields lost their defaults")
	}
}

func TestReadConfigRejectsGarbage(t *testing.T) {
	if _, err := ReadConfig([]byte("{ not valid")); err == nil {
		t.Fatal("syntactically broken config was accepted")
	}
}
