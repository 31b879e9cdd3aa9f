package policy

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// virtualModelsFile is the well-known filename, alongside the per-
// department policy YAML files, that declares the virtual-model registry
// (§3 Glossary: "rb://fast_cheap_code" -> ordered concrete model list).
const virtualModelsFile = "virtual_models.yaml"

// virtualModelsDoc is the on-disk shape of virtual_models.yaml.
type virtualModelsDoc struct {
	Models map[string][]string `yaml:"models"`
}

// LoadVirtualModels reads dir/virtual_models.yaml and applies every entry
// to catalog via SetVirtualModel. A missing file is not an error -- a
// deployment may only ever reference concrete models directly.
func LoadVirtualModels(dir string, catalog *Catalog) error {
	path := filepath.Join(dir, virtualModelsFile)
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("policy: read %s: %w", path, err)
	}
	var doc virtualModelsDoc
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("policy: parse %s: %w", path, err)
	}
	for id, concrete := range doc.Models {
		catalog.SetVirtualModel(id, concrete)
	}
	return nil
}
