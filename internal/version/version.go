package version

import "fmt"

const (
	majorVersion = "0"
	minorVersion = "1"
	patchVersion = "0"
)

// Version returns rustbox's dotted version string.
func Version() string {
	return fmt.Sprintf("%s.%s.%s", majorVersion, minorVersion, patchVersion)
}

// VersionDetails returns the major, minor, and patch components.
func VersionDetails() (string, string, string) {
	return majorVersion, minorVersion, patchVersion
}
