package config

// Version is the framework version reported by every binary and the API.
const Version = "1.0.0"

// GetVersion returns the current version
func GetVersion() string {
	return Version
}
