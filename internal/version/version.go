// Package version carries the build version injected at link time.
package version

var version = "dev"

// String returns the build version for the current binary.
func String() string {
	return version
}

// ForTesting overrides the version string and returns a cleanup function
// that restores the original value. Must not be called concurrently.
func ForTesting(v string) func() {
	original := version
	version = v
	return func() { version = original }
}
