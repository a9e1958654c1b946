package spec

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"

	"meshforge/internal/services"
)

//go:embed spec.schema.json
var specFileSchema string

const specFileSchemaURL = "https://meshforge.local/schemas/spec-file.schema.json"

var (
	compiledSchema     *jsonschema.Schema
	compiledSchemaErr  error
	compiledSchemaOnce sync.Once
)

func schema() (*jsonschema.Schema, error) {
	compiledSchemaOnce.Do(func() {
		c := jsonschema.NewCompiler()
		c.Draft = jsonschema.Draft2020
		if err := c.AddResource(specFileSchemaURL, strings.NewReader(specFileSchema)); err != nil {
			compiledSchemaErr = fmt.Errorf("spec schema load failed: %w", err)
			return
		}
		compiledSchema, compiledSchemaErr = c.Compile(specFileSchemaURL)
	})
	return compiledSchema, compiledSchemaErr
}

type fileEntry struct {
	Preset string `json:"preset"`
	GenerationSpec
}

// LoadFile reads a YAML or JSON spec file. The document is either a list of
// entries or an object with a "specs" list; an entry is a full spec or a
// {"preset": name} reference with optional asset_id/output_path overrides.
func LoadFile(path string) ([]GenerationSpec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read spec file: %w", err)
	}
	var format string
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		format = "yaml"
	default:
		format = "json"
	}
	return Parse(data, format)
}

// Parse decodes and validates spec file content in the given format
// ("yaml" or "json").
func Parse(data []byte, format string) ([]GenerationSpec, error) {
	document, err := toJSON(data, format)
	if err != nil {
		return nil, services.Wrap(services.ErrValidation, "spec", "parse", "malformed spec file", err)
	}

	var generic any
	decoder := json.NewDecoder(bytes.NewReader(document))
	decoder.UseNumber()
	if err := decoder.Decode(&generic); err != nil {
		return nil, services.Wrap(services.ErrValidation, "spec", "parse", "malformed spec file", err)
	}
	compiled, err := schema()
	if err != nil {
		return nil, err
	}
	if err := compiled.Validate(generic); err != nil {
		return nil, services.Wrap(services.ErrValidation, "spec", "schema", "spec file does not match schema", err)
	}

	var entries []fileEntry
	if bytes.HasPrefix(bytes.TrimSpace(document), []byte("{")) {
		var wrapper struct {
			Specs []fileEntry `json:"specs"`
		}
		if err := json.Unmarshal(document, &wrapper); err != nil {
			return nil, services.Wrap(services.ErrValidation, "spec", "parse", "decode specs", err)
		}
		entries = wrapper.Specs
	} else if err := json.Unmarshal(document, &entries); err != nil {
		return nil, services.Wrap(services.ErrValidation, "spec", "parse", "decode specs", err)
	}

	specs := make([]GenerationSpec, 0, len(entries))
	for i, entry := range entries {
		resolved := entry.GenerationSpec
		if entry.Preset != "" {
			preset, err := LookupPreset(entry.Preset)
			if err != nil {
				return nil, services.Wrap(services.ErrValidation, "spec", "parse", fmt.Sprintf("entry %d", i), err)
			}
			resolved = preset.Build()
			if entry.AssetID != "" {
				resolved.AssetID = entry.AssetID
			}
			if entry.OutputPath != "" {
				resolved.OutputPath = entry.OutputPath
			}
		}
		if err := resolved.Validate(); err != nil {
			return nil, fmt.Errorf("entry %d: %w", i, err)
		}
		specs = append(specs, resolved)
	}
	return specs, nil
}

func toJSON(data []byte, format string) ([]byte, error) {
	if format != "yaml" {
		return data, nil
	}
	var value any
	if err := yaml.Unmarshal(data, &value); err != nil {
		return nil, err
	}
	return json.Marshal(value)
}
