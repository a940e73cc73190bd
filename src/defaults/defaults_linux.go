//go:build linux
// +build linux

package defaults

// Sane defaults for the Linux platform. The "default" options may be
// replaced by the running configuration.
func GetDefaults() platformDefaultParameters {
	return platformDefaultParameters{
		// Control sockets
		DefaultSocketDir: "/var/run/wireguard",

		// Configuration (used for wgctl)
		DefaultConfigFile: "/etc/wireguard/wireguard.conf",

		// TUN
		MaximumIfMTU:  65535,
		DefaultIfMTU:  1420,
		DefaultIfName: "wg0",
	}
}
