// Package version exposes the build version injected at link time.
package version

// version is set via -ldflags "-X github.com/arbiterhq/arbiter/internal/version.version=...".
var version string

// Value returns the build version, or a development placeholder.
func Value() string {
	if version == "" {
		return "v0.0.0-dev"
	}
	return version
}
