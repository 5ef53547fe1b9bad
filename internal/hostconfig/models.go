package hostconfig

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Model is a device model definition, one per file under dataDir/models
// (grounded on host.py's `self.data_dir / "models"`.glob("**/*.yml")`
// loop and `Model.load`).
type Model struct {
	ID        string         `yaml:"id"`
	Name      string         `yaml:"name"`
	Namespace string         `yaml:"namespace"`
	Config    map[string]any `yaml:"config"`

	path string
}

// Path returns the file a model was loaded from.
func (m Model) Path() string { return m.path }

// LoadModels walks dataDir/models for *.yml files and returns them keyed
// by model id. A model missing an id is rejected, matching the
// original's reliance on Model.id as the map key.
func LoadModels(dataDir string) (map[string]Model, error) {
	models := make(map[string]Model)
	root := filepath.Join(dataDir, "models")

	if _, err := os.Stat(root); os.IsNotExist(err) {
		return models, nil
	}

	var walk func(dir string) error
	walk = func(dir string) error {
		children, err := os.ReadDir(dir)
		if err != nil {
			return fmt.Errorf("read %s: %w", dir, err)
		}
		for _, child := range children {
			p := filepath.Join(dir, child.Name())
			if child.IsDir() {
				if err := walk(p); err != nil {
					return err
				}
				continue
			}
			if filepath.Ext(p) != ".yml" && filepath.Ext(p) != ".yaml" {
				continue
			}

			data, err := os.ReadFile(p)
			if err != nil {
				return fmt.Errorf("read %s: %w", p, err)
			}
			var m Model
			if err := yaml.Unmarshal(data, &m); err != nil {
				return fmt.Errorf("parse %s: %w", p, err)
			}
			if m.ID == "" {
				return fmt.Errorf("model %s: missing id", p)
			}
			m.path = p
			models[m.ID] = m
		}
		return nil
	}

	if err := walk(root); err != nil {
		return nil, err
	}
	return models, nil
}
