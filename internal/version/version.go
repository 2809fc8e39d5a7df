package version

// Set at build time, e.g.
// go build -ldflags "-X github.com/pysugar/settings-vault/internal/version.Version=v0.1.0"
var (
	// Version is the release tag of the binary
	Version = "dev"

	// Commit is the git commit hash
	Commit = "none"

	// BuildTime is the timestamp of the build
	BuildTime = "unknown"
)
