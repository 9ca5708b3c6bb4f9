//go:build !darwin && !linux

package storage

// Unknown platforms are assumed local.
func detectFilesystemType(string) (string, error) {
	return "unknown", nil
}
