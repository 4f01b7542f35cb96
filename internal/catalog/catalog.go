// Package catalog resolves (tool, version) pairs to Apptainer image
// files. A YAML catalog can pin exact image filenames per version;
// without one, images fall back to the {tool}_{version}.sif naming
// convention.
package catalog

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Catalog maps tool names to version-to-image tables.
//
// File format:
//
//	tools:
//	  freesurfer:
//	    "7.4.1": freesurfer_7.4.1.sif
//	  meldgraph:
//	    "2.2.3": meldproject.meld_graph.v2.2.3.sif
type Catalog struct {
	Tools map[string]map[string]string `yaml:"tools"`
}

// Load reads and validates a catalog file.
func Load(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read catalog: %w", err)
	}

	var cat Catalog
	if err := yaml.Unmarshal(data, &cat); err != nil {
		return nil, fmt.Errorf("failed to parse catalog: %w", err)
	}
	if err := cat.validate(); err != nil {
		return nil, err
	}
	return &cat, nil
}

func (c *Catalog) validate() error {
	for toolName, versions := range c.Tools {
		if toolName == "" {
			return fmt.Errorf("catalog contains an empty tool name")
		}
		for version, image := range versions {
			if version == "" {
				return fmt.Errorf("catalog tool %s has an empty version key", toolName)
			}
			if image == "" {
				return fmt.Errorf("catalog entry %s %s has no image", toolName, version)
			}
		}
	}
	return nil
}

// Image resolves the image path for (tool, version) under apptainerDir.
// A nil catalog, or a tool/version absent from it, falls back to the
// {tool}_{version}.sif convention. The result is deterministic either
// way.
func (c *Catalog) Image(apptainerDir, toolName, version string) string {
	if c != nil {
		if versions, ok := c.Tools[toolName]; ok {
			if image, ok := versions[version]; ok {
				return filepath.Join(apptainerDir, image)
			}
		}
	}
	return filepath.Join(apptainerDir, fmt.Sprintf("%s_%s.sif", toolName, version))
}
