package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/seantiz/querygate/internal/model"
)

// InstanceDef is one instance declared in the inventory file, together with
// the databases an operator expects to exist on it.
type InstanceDef struct {
	model.Instance `yaml:",inline"`
	Databases      []string `yaml:"databases"`
	Disabled       bool     `yaml:"disabled"`
}

// Inventory is the parsed instance inventory file.
type Inventory struct {
	Instances []InstanceDef          `yaml:"instances"`
	Blacklist []model.BlacklistEntry `yaml:"blacklist"`
}

// LoadInventory reads and validates the YAML inventory at path. An empty path
// yields an empty inventory.
func LoadInventory(path string) (*Inventory, error) {
	if path == "" {
		return &Inventory{}, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read inventory: %w", err)
	}
	return ParseInventory(data)
}

// ParseInventory decodes and validates an inventory document.
func ParseInventory(data []byte) (*Inventory, error) {
	var inv Inventory
	if err := yaml.Unmarshal(data, &inv); err != nil {
		return nil, fmt.Errorf("parse inventory: %w", err)
	}

	seen := make(map[string]bool, len(inv.Instances))
	for i := range inv.Instances {
		def := &inv.Instances[i]
		def.Active = !def.Disabled
		if err := def.Validate(); err != nil {
			return nil, err
		}
		if seen[def.ID] {
			return nil, fmt.Errorf("duplicate instance id %q", def.ID)
		}
		seen[def.ID] = true
	}
	for i := range inv.Blacklist {
		if err := inv.Blacklist[i].Validate(); err != nil {
			return nil, err
		}
	}

	return &inv, nil
}
