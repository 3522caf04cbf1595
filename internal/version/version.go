// Package version carries build metadata stamped in with -ldflags -X.
package version

import "fmt"

var (
	// Version is the release tag.
	Version = "dev"
	// GitSHA is the commit the binary was built from.
	GitSHA = "unknown"
	// BuildTime is the build timestamp.
	BuildTime = "unknown"
)

// String formats the metadata for -version and the startup log line.
func String() string {
	return fmt.Sprintf("gridnav %s (%s, built %s)", Version, GitSHA, BuildTime)
}
