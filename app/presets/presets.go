// Package presets loads named generation presets, bundles of image size and sampling steps,
// from a yaml file. Jobs refer to a preset by name, explicit job options override preset values.
package presets

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"regexp"

	"github.com/invopop/jsonschema"
	"gopkg.in/yaml.v3"

	"github.com/umputun/forgeq/app/bridge"
)

// File is the yaml presets file
type File struct {
	Presets []Preset `yaml:"presets" json:"presets" jsonschema:"required,minItems=1,description=named generation presets"`
}

// Preset is a named bundle of generation options, zero values mean engine defaults
type Preset struct {
	Name        string `yaml:"name" json:"name" jsonschema:"required,pattern=^[a-z0-9][a-z0-9_-]*$"`
	Description string `yaml:"description,omitempty" json:"description,omitempty"`
	Width       int    `yaml:"width,omitempty" json:"width,omitempty" jsonschema:"minimum=512,maximum=2048"`
	Height      int    `yaml:"height,omitempty" json:"height,omitempty" jsonschema:"minimum=512,maximum=2048"`
	Steps       int    `yaml:"steps,omitempty" json:"steps,omitempty" jsonschema:"minimum=10,maximum=100"`
}

// Set is a validated list of presets
type Set struct {
	list   []Preset
	byName map[string]Preset
}

var nameRe = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]*$`)

// Default returns built-in presets used when no file is configured
func Default() *Set {
	s, err := newSet([]Preset{
		{Name: "draft", Description: "fast preview", Width: 768, Height: 768, Steps: 15},
		{Name: "standard", Description: "engine defaults", Width: 1024, Height: 1024, Steps: 25},
		{Name: "high", Description: "slow, detailed", Width: 1536, Height: 1536, Steps: 50},
	})
	if err != nil {
		panic(err) // built-in list is static
	}
	return s
}

// Load reads and validates presets file
func Load(path string) (*Set, error) {
	data, err := os.ReadFile(path) //nolint:gosec // path from operator's config
	if err != nil {
		return nil, fmt.Errorf("failed to read presets %s: %w", path, err)
	}
	s, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("invalid presets %s: %w", path, err)
	}
	return s, nil
}

// Parse decodes and validates presets yaml, unknown fields are rejected
func Parse(data []byte) (*Set, error) {
	var f File
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil {
		return nil, fmt.Errorf("failed to parse yaml: %w", err)
	}
	return newSet(f.Presets)
}

func newSet(list []Preset) (*Set, error) {
	if len(list) == 0 {
		return nil, errors.New("no presets defined")
	}
	res := &Set{byName: make(map[string]Preset, len(list))}
	for i, p := range list {
		if err := p.validate(); err != nil {
			return nil, fmt.Errorf("preset %d: %w", i+1, err)
		}
		if _, dup := res.byName[p.Name]; dup {
			return nil, fmt.Errorf("preset %d: duplicate name %q", i+1, p.Name)
		}
		res.byName[p.Name] = p
		res.list = append(res.list, p)
	}
	return res, nil
}

func (p Preset) validate() error {
	if !nameRe.MatchString(p.Name) {
		return fmt.Errorf("invalid name %q", p.Name)
	}
	check := func(name string, v, lo, hi int) error {
		if v != 0 && (v < lo || v > hi) {
			return fmt.Errorf("%s: %s must be between %d and %d, got %d", p.Name, name, lo, hi, v)
		}
		return nil
	}
	return errors.Join(
		check("width", p.Width, bridge.MinDimension, bridge.MaxDimension),
		check("height", p.Height, bridge.MinDimension, bridge.MaxDimension),
		check("steps", p.Steps, bridge.MinSteps, bridge.MaxSteps),
	)
}

// Get returns preset by name
func (s *Set) Get(name string) (Preset, bool) {
	p, ok := s.byName[name]
	return p, ok
}

// List returns all presets in file order
func (s *Set) List() []Preset {
	res := make([]Preset, len(s.list))
	copy(res, s.list)
	return res
}

// Apply fills zero width, height and steps from the named preset. Empty name returns values as is.
func (s *Set) Apply(name string, width, height, steps int) (w, h, st int, err error) {
	if name == "" {
		return width, height, steps, nil
	}
	p, ok := s.Get(name)
	if !ok {
		return 0, 0, 0, fmt.Errorf("unknown preset %q", name)
	}
	pick := func(explicit, preset int) int {
		if explicit != 0 {
			return explicit
		}
		return preset
	}
	return pick(width, p.Width), pick(height, p.Height), pick(steps, p.Steps), nil
}

// GenerateSchema generates a JSON schema for the presets file
func GenerateSchema() *jsonschema.Schema {
	return jsonschema.Reflect(&File{})
}
