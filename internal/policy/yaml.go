package policy

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// LoadFile parses a single department policy YAML document, per §6's
// "Policy file format": version, description, rules, budget, base_fallback.
func LoadFile(path string) (DepartmentPolicy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return DepartmentPolicy{}, fmt.Errorf("read policy file %s: %w", path, err)
	}
	var p DepartmentPolicy
	if err := yaml.Unmarshal(data, &p); err != nil {
		return DepartmentPolicy{}, fmt.Errorf("parse policy file %s: %w", path, err)
	}
	if err := Validate(p); err != nil {
		return DepartmentPolicy{}, fmt.Errorf("invalid policy file %s: %w", path, err)
	}
	return p, nil
}

// Validate checks structural invariants a DepartmentPolicy must hold
// before it can be installed into the PolicyStore.
func Validate(p DepartmentPolicy) error {
	if p.Version == "" {
		return fmt.Errorf("version is required")
	}
	if p.BaseFallback.PrimaryModel == "" {
		return fmt.Errorf("base_fallback.primary_model is required")
	}
	names := make(map[string]bool, len(p.Rules))
	for _, r := range p.Rules {
		if r.Name == "" {
			return fmt.Errorf("rule with empty name")
		}
		if names[r.Name] {
			return fmt.Errorf("duplicate rule name %q", r.Name)
		}
		names[r.Name] = true
		if r.Action.VirtualModel == "" && r.Action.PrimaryModel == "" {
			return fmt.Errorf("rule %q: action must set virtual_model or primary_model", r.Name)
		}
	}
	return nil
}

// Marshal serializes a DepartmentPolicy back to YAML, used by the
// round-trip test in §8 ("Policy YAML -> in-memory snapshot -> serialized
// back -> structurally equal").
func Marshal(p DepartmentPolicy) ([]byte, error) {
	return yaml.Marshal(p)
}

// fileKey derives the (tenant, department) pair a policy file governs from
// its filename: "<tenant>.<department>.yaml". This mirrors the teacher's
// convention of deriving identity from filesystem layout rather than
// requiring it duplicated inside the document.
func fileKey(path string) (tenant, department string, ok bool) {
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	parts := strings.SplitN(base, ".", 2)
	if len(parts) != 2 {
		return "", "", false
	}
	return parts[0], parts[1], true
}
