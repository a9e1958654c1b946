// Package animations exposes the catalog of remote animation actions that can
// be applied to a rigged model.
package animations

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"

	"meshforge/internal/services"
)

//go:embed catalog.json
var embeddedCatalog []byte

// Animation describes one action id.
type Animation struct {
	ID          int    `json:"id"`
	Name        string `json:"name"`
	Category    string `json:"category"`
	Subcategory string `json:"subcategory"`
	PreviewURL  string `json:"preview_url,omitempty"`
}

// Catalog is an immutable set of animations keyed by id.
type Catalog struct {
	version string
	byID    map[int]Animation
	ordered []Animation
}

var defaultCatalog = sync.OnceValues(func() (*Catalog, error) {
	return Parse(embeddedCatalog)
})

// Default returns the catalog compiled into the binary.
func Default() (*Catalog, error) {
	return defaultCatalog()
}

// Load reads a catalog file, e.g. a freshly synced copy.
func Load(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read animation catalog: %w", err)
	}
	return Parse(data)
}

// Parse decodes catalog JSON. Missing names and categories get placeholders.
func Parse(data []byte) (*Catalog, error) {
	var doc struct {
		Version    string      `json:"version"`
		Animations []Animation `json:"animations"`
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, services.Wrap(services.ErrValidation, "animations", "parse", "decode catalog", err)
	}
	c := &Catalog{version: doc.Version, byID: make(map[int]Animation, len(doc.Animations))}
	for _, a := range doc.Animations {
		if a.Name == "" {
			a.Name = fmt.Sprintf("Animation_%d", a.ID)
		}
		if a.Category == "" {
			a.Category = "Unknown"
		}
		if a.Subcategory == "" {
			a.Subcategory = "Unknown"
		}
		if _, dup := c.byID[a.ID]; dup {
			return nil, services.Wrap(services.ErrValidation, "animations", "parse", fmt.Sprintf("duplicate animation id %d", a.ID), nil)
		}
		c.byID[a.ID] = a
		c.ordered = append(c.ordered, a)
	}
	sort.Slice(c.ordered, func(i, j int) bool { return c.ordered[i].ID < c.ordered[j].ID })
	return c, nil
}

// Version returns the catalog version string.
func (c *Catalog) Version() string { return c.version }

// Len returns the number of animations.
func (c *Catalog) Len() int { return len(c.ordered) }

// Lookup returns the animation for id or an error wrapping services.ErrNotFound.
func (c *Catalog) Lookup(id int) (Animation, error) {
	a, ok := c.byID[id]
	if !ok {
		return Animation{}, services.Wrap(services.ErrNotFound, "animations", "lookup", fmt.Sprintf("animation id %d not in catalog", id), nil)
	}
	return a, nil
}

// Contains reports whether id exists.
func (c *Catalog) Contains(id int) bool {
	_, ok := c.byID[id]
	return ok
}

// All returns every animation ordered by id.
func (c *Catalog) All() []Animation {
	return append([]Animation(nil), c.ordered...)
}

func (c *Catalog) filter(keep func(Animation) bool) []Animation {
	var out []Animation
	for _, a := range c.ordered {
		if keep(a) {
			out = append(out, a)
		}
	}
	return out
}

// ListByCategory matches the category case-insensitively.
func (c *Catalog) ListByCategory(category string) []Animation {
	return c.filter(func(a Animation) bool { return strings.EqualFold(a.Category, category) })
}

// ListBySubcategory matches the subcategory case-insensitively.
func (c *Catalog) ListBySubcategory(subcategory string) []Animation {
	return c.filter(func(a Animation) bool { return strings.EqualFold(a.Subcategory, subcategory) })
}

// Search returns animations whose name contains query, ignoring case.
func (c *Catalog) Search(query string) []Animation {
	query = strings.ToLower(strings.TrimSpace(query))
	return c.filter(func(a Animation) bool { return strings.Contains(strings.ToLower(a.Name), query) })
}

// Categories returns the sorted distinct categories.
func (c *Catalog) Categories() []string {
	seen := map[string]struct{}{}
	for _, a := range c.ordered {
		seen[a.Category] = struct{}{}
	}
	out := make([]string, 0, len(seen))
	for k := range seen {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
