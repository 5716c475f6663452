package overlay

import (
	"errors"
	"fmt"
	"math"
	"os"

	"gopkg.in/yaml.v3"
)

// Basis selects which head measurement a style scales from.
type Basis string

const (
	// BasisWidth scales from the distance between the lateral landmarks.
	BasisWidth Basis = "width"
	// BasisExtent scales from the larger of head width and chin-to-nose extent.
	BasisExtent Basis = "extent"
)

// ErrEmptyCatalog is returned when a catalog defines no styles.
var ErrEmptyCatalog = errors.New("style catalog is empty")

// Style describes one selectable overlay and its placement heuristics.
type Style struct {
	ID     string  `yaml:"id" json:"id"`
	Name   string  `yaml:"name" json:"name"`
	Image  string  `yaml:"image" json:"image"`
	Scale  float64 `yaml:"scale" json:"scale"`
	YRatio float64 `yaml:"y_ratio" json:"y_ratio"`
	Basis  Basis   `yaml:"basis,omitempty" json:"basis,omitempty"`
}

// Catalog is the fixed list of styles loaded at startup.
type Catalog struct {
	Styles []Style `yaml:"styles"`
}

// LoadCatalog reads and validates a YAML catalog file.
func LoadCatalog(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog %q: %w", path, err)
	}
	return ParseCatalog(data)
}

// ParseCatalog decodes and validates a YAML catalog.
func ParseCatalog(data []byte) (*Catalog, error) {
	var c Catalog
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("decode catalog: %w", err)
	}
	for i := range c.Styles {
		if c.Styles[i].Basis == "" {
			c.Styles[i].Basis = BasisWidth
		}
		if c.Styles[i].Name == "" {
			c.Styles[i].Name = c.Styles[i].ID
		}
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Validate checks every style for usable values.
func (c *Catalog) Validate() error {
	if c == nil || len(c.Styles) == 0 {
		return ErrEmptyCatalog
	}
	seen := make(map[string]struct{}, len(c.Styles))
	for i, s := range c.Styles {
		if s.ID == "" {
			return fmt.Errorf("style %d: id is required", i)
		}
		if _, dup := seen[s.ID]; dup {
			return fmt.Errorf("style %q: duplicate id", s.ID)
		}
		seen[s.ID] = struct{}{}
		if s.Image == "" {
			return fmt.Errorf("style %q: image is required", s.ID)
		}
		if !(s.Scale > 0) || math.IsInf(s.Scale, 0) {
			return fmt.Errorf("style %q: scale must be a positive number", s.ID)
		}
		if math.IsNaN(s.YRatio) || math.IsInf(s.YRatio, 0) {
			return fmt.Errorf("style %q: y_ratio must be finite", s.ID)
		}
		switch s.Basis {
		case "", BasisWidth, BasisExtent:
		default:
			return fmt.Errorf("style %q: unknown basis %q", s.ID, s.Basis)
		}
	}
	return nil
}

// Lookup finds a style by id.
func (c *Catalog) Lookup(id string) (Style, bool) {
	for _, s := range c.Styles {
		if s.ID == id {
			return s, true
		}
	}
	return Style{}, false
}

// Default is the style active before any selection.
func (c *Catalog) Default() Style {
	return c.Styles[0]
}
