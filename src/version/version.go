package version

var buildName string
var buildVersion string

// BuildName returns the build name injected at link time, or "unknown" for
// builds made outside the release tooling.
func BuildName() string {
	if buildName == "" {
		return "unknown"
	}
	return buildName
}

// BuildVersion returns the build version injected at link time, or "unknown"
// for builds made outside the release tooling.
func BuildVersion() string {
	if buildVersion == "" {
		return "unknown"
	}
	return buildVersion
}
