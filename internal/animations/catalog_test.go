package animations

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"meshforge/internal/services"
)

func TestDefaultCatalog(t *testing.T) {
	c, err := Default()
	if err != nil {
		t.Fatalf("Default: %v", err)
	}
	if c.Len() == 0 {
		t.Fatal("embedded catalog is empty")
	}
	idle, err := c.Lookup(0)
	if err != nil {
		t.Fatalf("Lookup(0): %v", err)
	}
	if idle.Name != "Idle" || idle.Category != "DailyActions" {
		t.Fatalf("unexpected animation 0: %+v", idle)
	}
	if _, err := c.Lookup(99999); !errors.Is(err, services.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestQueries(t *testing.T) {
	c, err := Default()
	if err != nil {
		t.Fatal(err)
	}
	swim := c.ListByCategory("swimming")
	if len(swim) == 0 {
		t.Fatal("expected swimming animations")
	}
	for _, a := range swim {
		if a.Category != "Swimming" {
			t.Fatalf("category filter leaked %+v", a)
		}
	}
	if got := c.Search("RUN"); len(got) == 0 {
		t.Fatal("search should be case-insensitive")
	}
	if got := c.ListBySubcategory("Idle"); len(got) < 2 {
		t.Fatalf("expected idle variants, got %d", len(got))
	}
	cats := c.Categories()
	for i := 1; i < len(cats); i++ {
		if cats[i-1] >= cats[i] {
			t.Fatalf("categories not sorted/distinct: %v", cats)
		}
	}
	all := c.All()
	for i := 1; i < len(all); i++ {
		if all[i-1].ID >= all[i].ID {
			t.Fatal("All is not ordered by id")
		}
	}
}

func TestParseDefaultsAndDuplicates(t *testing.T) {
	c, err := Parse([]byte(`{"animations":[{"id":7}]}`))
	if err != nil {
		t.Fatal(err)
	}
	a, _ := c.Lookup(7)
	if a.Name != "Animation_7" || a.Category != "Unknown" || a.Subcategory != "Unknown" {
		t.Fatalf("placeholders not applied: %+v", a)
	}
	if _, err := Parse([]byte(`{"animations":[{"id":1},{"id":1}]}`)); !errors.Is(err, services.ErrValidation) {
		t.Fatalf("expected duplicate id error, got %v", err)
	}
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "animations.json")
	if err := os.WriteFile(path, []byte(`{"version":"x","animations":[{"id":3,"name":"Wave"}]}`), 0o644); err != nil {
		t.Fatal(err)
	}
	c, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if c.Version() != "x" || !c.Contains(3) || c.Contains(0) {
		t.Fatalf("unexpected catalog %+v", c.All())
	}
}
