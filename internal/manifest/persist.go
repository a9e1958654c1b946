package manifest

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/Masterminds/semver/v3"

	"meshforge/internal/fileutil"
	"meshforge/internal/services"
)

const manifestSuffix = "_manifest.json"

// writeFile is swapped in tests to simulate a crash before the rename.
var writeFile = fileutil.WriteFileAtomic

var currentSchema = semver.MustParse(SchemaVersion)

func readManifest(path string) (*AssetManifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, services.Wrap(services.ErrNotFound, "manifest", "load", path, nil)
		}
		return nil, services.Wrap(services.ErrStorage, "manifest", "load", "read manifest", err)
	}
	var m AssetManifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, services.Wrap(services.ErrStorage, "manifest", "load", "decode "+path, err)
	}
	if err := checkSchemaVersion(m.SchemaVersion); err != nil {
		return nil, err
	}
	m.ensureMaps()
	return &m, nil
}

// checkSchemaVersion accepts an empty version (pre-versioned manifests) and
// anything up to the current major version.
func checkSchemaVersion(raw string) error {
	if raw == "" {
		return nil
	}
	version, err := semver.NewVersion(raw)
	if err != nil {
		return fmt.Errorf("%w: %q: %v", ErrUnsupportedSchema, raw, err)
	}
	if version.Major() > currentSchema.Major() {
		return fmt.Errorf("%w: %s is newer than %s", ErrUnsupportedSchema, version, currentSchema)
	}
	return nil
}

func writeManifest(path string, m *AssetManifest) error {
	m.SchemaVersion = SchemaVersion
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return services.Wrap(services.ErrStorage, "manifest", "save", "encode manifest", err)
	}
	data = append(data, '\n')
	if err := writeFile(path, data, 0o644); err != nil {
		return services.Wrap(services.ErrStorage, "manifest", "save", "write manifest", err)
	}
	return nil
}
