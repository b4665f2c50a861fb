// Package config provides configuration loading utilities for the skill taxonomy.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// SkillDef is one taxonomy entry.
type SkillDef struct {
	Name string `yaml:"name"`
	// Type is "content" or "subject".
	Type string `yaml:"type"`
	// Patterns are lowercase substrings used by the best-effort type
	// fallback when a skill name is not in the taxonomy.
	Patterns []string `yaml:"patterns,omitempty"`
}

// SkillTaxonomy maps skill names to their definitions.
type SkillTaxonomy struct {
	byName map[string]SkillDef
	defs   []SkillDef
}

type skillsYAML struct {
	Skills []SkillDef `yaml:"skills"`
}

// LoadSkillTaxonomy reads the taxonomy YAML from path.
func LoadSkillTaxonomy(path string) (*SkillTaxonomy, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("op=skills.load: %w", err)
	}
	// #nosec G304 -- Configuration files are expected to be safe
	content, err := os.ReadFile(absPath)
	if err != nil {
		return nil, fmt.Errorf("op=skills.load: %w", err)
	}
	var doc skillsYAML
	if err := yaml.Unmarshal(content, &doc); err != nil {
		return nil, fmt.Errorf("op=skills.load: parse yaml: %w", err)
	}
	if len(doc.Skills) == 0 {
		return nil, fmt.Errorf("op=skills.load: no skills in %s", path)
	}
	return NewSkillTaxonomy(doc.Skills), nil
}

// NewSkillTaxonomy builds a taxonomy from definitions, keyed case-insensitively.
func NewSkillTaxonomy(defs []SkillDef) *SkillTaxonomy {
	t := &SkillTaxonomy{byName: make(map[string]SkillDef, len(defs)), defs: defs}
	for _, d := range defs {
		t.byName[strings.ToLower(strings.TrimSpace(d.Name))] = d
	}
	return t
}

// Contains reports whether the skill name is in the taxonomy.
func (t *SkillTaxonomy) Contains(name string) bool {
	_, ok := t.byName[strings.ToLower(strings.TrimSpace(name))]
	return ok
}

// TypeOf returns the configured skill type and whether it was found in the
// taxonomy. Callers that get ok=false may fall back to GuessType, which is
// best-effort only.
func (t *SkillTaxonomy) TypeOf(name string) (string, bool) {
	d, ok := t.byName[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return "", false
	}
	return d.Type, true
}

// GuessType applies the string-pattern fallback for unknown skills. It is a
// best-effort default, not a correctness guarantee; callers should flag the
// ambiguity rather than treat the result as authoritative.
func (t *SkillTaxonomy) GuessType(name string) string {
	lower := strings.ToLower(name)
	for _, d := range t.defs {
		for _, p := range d.Patterns {
			if p != "" && strings.Contains(lower, p) {
				return d.Type
			}
		}
	}
	return "content"
}

// Names returns all configured skill names.
func (t *SkillTaxonomy) Names() []string {
	out := make([]string, 0, len(t.defs))
	for _, d := range t.defs {
		out = append(out, d.Name)
	}
	return out
}
