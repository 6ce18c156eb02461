package main

import (
	"fmt"
	"io"
	"os"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"

	"github.com/open-edge-platform/updater-core/internal/upgradepkg"
)

// manifest is the build-time description of one signed update package:
// the update.bin metadata and component list, plus the outer archive's
// additional entries (the script, and anything else the package ships
// alongside update.bin). There is no on-disk or script-visible contract
// for this file — it exists only to drive pkgtool's own construction
// path (SPEC_FULL §2, §6.x), so its shape is this tool's own design
// rather than a port of anything in the retrieved pack.
type manifest struct {
	Key  string `yaml:"key"`
	Cert string `yaml:"cert"`

	Package struct {
		UpdateFileVersion int    `yaml:"update_file_version"`
		ProductUpdateID   string `yaml:"product_update_id"`
		SoftwareVersion   string `yaml:"software_version"`
		Date              string `yaml:"date"`
		Time              string `yaml:"time"`
		DescriptPackageID string `yaml:"descript_package_id"`
	} `yaml:"package"`

	Components []struct {
		Identity string `yaml:"identity"`
		Path     string `yaml:"path"`
		Type     uint8  `yaml:"type"`
		ResType  uint8  `yaml:"res_type"`
		Flags    uint8  `yaml:"flags"`
		Version  string `yaml:"version"`
	} `yaml:"components"`

	UpdateBinOutput string `yaml:"update_bin_output"`

	Archive struct {
		Output  string `yaml:"output"`
		Entries []struct {
			Name string `yaml:"name"`
			Path string `yaml:"path"`
		} `yaml:"entries"`
	} `yaml:"archive"`
}

const manifestSchemaDoc = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["key", "cert", "package", "components", "update_bin_output", "archive"],
  "properties": {
    "key": {"type": "string", "minLength": 1},
    "cert": {"type": "string", "minLength": 1},
    "update_bin_output": {"type": "string", "minLength": 1},
    "package": {
      "type": "object",
      "required": ["product_update_id", "software_version", "date", "time", "descript_package_id"],
      "properties": {
        "update_file_version": {"type": "integer", "minimum": 1, "maximum": 4},
        "product_update_id": {"type": "string"},
        "software_version": {"type": "string"},
        "date": {"type": "string"},
        "time": {"type": "string"},
        "descript_package_id": {"type": "string"}
      }
    },
    "components": {
      "type": "array",
      "minItems": 1,
      "items": {
        "type": "object",
        "required": ["path"],
        "properties": {
          "identity": {"type": "string"},
          "path": {"type": "string", "minLength": 1},
          "type": {"type": "integer"},
          "res_type": {"type": "integer"},
          "flags": {"type": "integer"},
          "version": {"type": "string"}
        }
      }
    },
    "archive": {
      "type": "object",
      "required": ["output", "entries"],
      "properties": {
        "output": {"type": "string", "minLength": 1},
        "entries": {
          "type": "array",
          "minItems": 1,
          "items": {
            "type": "object",
            "required": ["name", "path"],
            "properties": {
              "name": {"type": "string", "minLength": 1},
              "path": {"type": "string", "minLength": 1}
            }
          }
        }
      }
    }
  }
}`

var compiledManifestSchema *jsonschema.Schema

func manifestSchema() (*jsonschema.Schema, error) {
	if compiledManifestSchema != nil {
		return compiledManifestSchema, nil
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("pkgtool-manifest.json", stringReader(manifestSchemaDoc)); err != nil {
		return nil, fmt.Errorf("compile manifest schema: %w", err)
	}
	s, err := c.Compile("pkgtool-manifest.json")
	if err != nil {
		return nil, fmt.Errorf("compile manifest schema: %w", err)
	}
	compiledManifestSchema = s
	return s, nil
}

func loadManifest(path string) (manifest, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return manifest{}, fmt.Errorf("read manifest %s: %w", path, err)
	}

	var generic any
	if err := yaml.Unmarshal(raw, &generic); err != nil {
		return manifest{}, fmt.Errorf("parse manifest: %w", err)
	}
	s, err := manifestSchema()
	if err != nil {
		return manifest{}, err
	}
	if err := s.Validate(toStringKeyed(generic)); err != nil {
		return manifest{}, fmt.Errorf("validate manifest: %w", err)
	}

	var m manifest
	if err := yaml.Unmarshal(raw, &m); err != nil {
		return manifest{}, fmt.Errorf("decode manifest: %w", err)
	}
	if m.Package.UpdateFileVersion == 0 {
		m.Package.UpdateFileVersion = int(upgradepkg.FileVersionV4)
	}
	return m, nil
}

// toStringKeyed mirrors internal/runtimeconfig's own conversion step:
// yaml.v3 already decodes into map[string]any, but jsonschema.Validate
// still needs every nested map normalized the same way.
func toStringKeyed(v any) any {
	switch vv := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(vv))
		for k, val := range vv {
			out[k] = toStringKeyed(val)
		}
		return out
	case []any:
		out := make([]any, len(vv))
		for i, val := range vv {
			out[i] = toStringKeyed(val)
		}
		return out
	default:
		return v
	}
}

type stringReaderCloser struct {
	s string
	i int
}

func (r *stringReaderCloser) Read(p []byte) (int, error) {
	if r.i >= len(r.s) {
		return 0, io.EOF
	}
	n := copy(p, r.s[r.i:])
	r.i += n
	return n, nil
}

func stringReader(s string) *stringReaderCloser {
	return &stringReaderCloser{s: s}
}
