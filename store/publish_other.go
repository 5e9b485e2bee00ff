//go:build !unix

package store

// isCrossDevice is always false here; failed links fall back to a checked rename.
func isCrossDevice(error) bool {
	return false
}

// linkUnsupported is always false here; permission errors are reported as such.
func linkUnsupported(error) bool {
	return false
}
