package version

// Populated at build time via -ldflags "-X ...".
var (
	// Version is the release version, "dev" for local builds.
	Version = "dev"
	// GitSHA is the commit this binary was built from.
	GitSHA = "unknown"
	// BuildTime is the UTC timestamp of the build.
	BuildTime = "unknown"
)
