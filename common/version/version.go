// Package version exposes build metadata, stamped in at link time and
// reported by the startup banner and the /status endpoint.
package version

// Set via -ldflags "-X github.com/heliachat/helia/common/version.Version=..."
// and friends.
var (
	Version   = "v0.0.0-dev"
	GitCommit = "unknown"
	BuildTime = "unknown"
)

// Info returns a single-line version summary.
func Info() string {
	return Version + " (" + GitCommit + ") built at " + BuildTime
}
