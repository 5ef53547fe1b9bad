//go:build linux

package hostconfig

import (
	"os"
	"path/filepath"
)

// DefaultDataDir returns the per-user application data directory for the
// runtime's setup file and model library, respecting XDG_DATA_HOME the
// way config.Path respects XDG_CONFIG_HOME.
func DefaultDataDir() string {
	if dir := os.Getenv("XDG_DATA_HOME"); dir != "" {
		return filepath.Join(dir, "automancer")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "/var/lib/automancer"
	}
	return filepath.Join(home, ".local", "share", "automancer")
}
