//go:build !unix

package security

// DisableCoreDumps is a no-op where core limits are not available.
func DisableCoreDumps() error {
	return nil
}
