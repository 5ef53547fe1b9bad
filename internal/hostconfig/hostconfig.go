// Package hostconfig loads and saves the per-host setup file and device
// model definitions a runtime needs at startup (§2 AMBIENT STACK
// "Configuration"), in the style of the teacher's config package: a
// Load/Save pair, a missing file tolerated rather than treated as an
// error, and directories created on save.
package hostconfig

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

// Setup is the host identity and per-namespace executor configuration
// loaded from setup.yml (grounded on host.py's conf_schema: id, name,
// units, version).
type Setup struct {
	ID      string                    `yaml:"id"`
	Name    string                    `yaml:"name"`
	Units   map[string]map[string]any `yaml:"units"`
	Version int                       `yaml:"version"`
}

func setupPath(dataDir string) string {
	return filepath.Join(dataDir, "setup.yml")
}

// LoadSetup reads setup.yml under dataDir. If the file doesn't exist, a
// fresh Setup is generated (random id, OS hostname, version 1) and
// written back, matching host.py's behavior on first run.
func LoadSetup(dataDir string) (*Setup, error) {
	path := setupPath(dataDir)

	data, err := os.ReadFile(path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("read setup: %w", err)
		}
		setup := &Setup{
			ID:      uuid.New().String(),
			Name:    hostname(),
			Units:   make(map[string]map[string]any),
			Version: 1,
		}
		if err := setup.Save(dataDir); err != nil {
			return nil, err
		}
		return setup, nil
	}

	var setup Setup
	if err := yaml.Unmarshal(data, &setup); err != nil {
		return nil, fmt.Errorf("parse setup: %w", err)
	}
	if setup.Units == nil {
		setup.Units = make(map[string]map[string]any)
	}
	return &setup, nil
}

// Save writes the setup file to dataDir, creating it if necessary.
func (s *Setup) Save(dataDir string) error {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	data, err := yaml.Marshal(s)
	if err != nil {
		return fmt.Errorf("marshal setup: %w", err)
	}
	if err := os.WriteFile(setupPath(dataDir), data, 0o644); err != nil {
		return fmt.Errorf("write setup: %w", err)
	}
	return nil
}

func hostname() string {
	name, err := os.Hostname()
	if err != nil {
		return "unknown"
	}
	return name
}
