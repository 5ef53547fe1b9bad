//go:build darwin

package hostconfig

import (
	"os"
	"path/filepath"
)

// DefaultDataDir returns the per-user application data directory for the
// runtime's setup file and model library, following the teacher's
// platform.defaultDataRoot darwin branch.
func DefaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "/usr/local/var/lib/automancer"
	}
	return filepath.Join(home, "Library", "Application Support", "automancer")
}
