package report

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"os"

	"github.com/jackzampolin/reportgen/internal/types"
)

//go:embed templates.json
var defaultCatalog []byte

// Catalog holds reference templates keyed by level, dimension and content
// type.
type Catalog struct {
	templates map[types.Level]map[types.Dimension]map[types.ContentType]string
	special   map[string]bool
}

// DefaultCatalog returns the embedded catalog.
func DefaultCatalog() *Catalog {
	c, err := ParseCatalog(defaultCatalog)
	if err != nil {
		panic(fmt.Sprintf("embedded templates.json: %v", err))
	}
	return c
}

// LoadCatalog reads a catalog from path. An empty path returns the embedded
// catalog.
func LoadCatalog(path string) (*Catalog, error) {
	if path == "" {
		return DefaultCatalog(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read template catalog: %w", err)
	}
	return ParseCatalog(data)
}

// ParseCatalog parses a catalog from JSON.
func ParseCatalog(data []byte) (*Catalog, error) {
	var t map[types.Level]map[types.Dimension]map[types.ContentType]string
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("failed to parse template catalog: %w", err)
	}
	return &Catalog{templates: t, special: map[string]bool{}}, nil
}

// SetSpecialProvinces marks provinces that are organised like an office, so
// their ORG and CHAN reports use OFFICE templates at province level.
func (c *Catalog) SetSpecialProvinces(names []string) {
	special := make(map[string]bool, len(names))
	for _, n := range names {
		special[n] = true
	}
	c.special = special
}

// IsSpecialProvince reports whether name was marked special.
func (c *Catalog) IsSpecialProvince(name string) bool {
	return c.special[name]
}

// Template returns the reference template for one section of p.
func (c *Catalog) Template(p types.Params, ct types.ContentType) string {
	level := p.Level()
	dim := p.Dimension()
	if level == types.LevelProvince && (dim == types.DimensionOrg || dim == types.DimensionChannel) && c.special[p.ProvinceName] {
		level = types.LevelOffice
	}
	return c.templates[level][dim][ct]
}

// RepairReferences returns the reference used to repair the current and the
// cumulative part of a report for p.
func (c *Catalog) RepairReferences(p types.Params, cts []types.ContentType) (current, cumulative string) {
	for _, ct := range cts {
		if ct.IsCurrent() {
			current += c.Template(p, ct)
		} else {
			cumulative += c.Template(p, ct)
		}
	}
	return current, cumulative
}
