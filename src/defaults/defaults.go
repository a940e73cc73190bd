package defaults

// Defines which parameters are expected by default for configuration on a
// specific platform. These values are populated in the relevant defaults_*.go
// for the platform being targeted. They must be set.
type platformDefaultParameters struct {
	// Directory holding the per-interface control sockets
	DefaultSocketDir string

	// Configuration (used for wgctl)
	DefaultConfigFile string

	// TUN
	MaximumIfMTU  uint64
	DefaultIfMTU  uint64
	DefaultIfName string
}
