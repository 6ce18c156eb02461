// Package runtimeconfig loads the updater core's own runtime configuration:
// where the stash lives, where the misc area and partition-record files are,
// and the device's GPT flavor. This is ambient configuration the spec leaves
// to "the updater process launcher" (spec §1 Non-goals); this module still
// needs somewhere to read it from, so it follows the teacher's
// YAML-document-plus-JSON-Schema pairing (internal/config + internal/config/manifest).
package runtimeconfig

import (
	"fmt"
	"io"
	"os"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"
)

// DeviceKind selects which Ptable implementation PtableManager constructs.
type DeviceKind string

const (
	DeviceEMMC DeviceKind = "emmc"
	DeviceUFS  DeviceKind = "ufs"
)

// Config is the updater core's own runtime configuration (spec.md §4.9,
// §4.12, §4.13, §4.14 all need a base path or device node to operate on).
type Config struct {
	StoreBasePath       string     `yaml:"store_base_path"`
	RetryMarkerPath     string     `yaml:"retry_marker_path"`
	PartitionRecordPath string     `yaml:"partition_record_path"`
	MiscDevicePath      string     `yaml:"misc_device_path"`
	MaxRetryCount       int        `yaml:"max_retry_count"`
	DeviceKind          DeviceKind `yaml:"device_kind"`
}

// schemaDoc is the embedded JSON Schema used to validate a parsed Config
// before it's trusted by anything downstream, mirroring the teacher's
// manifest-schema pairing.
const schemaDoc = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["store_base_path", "retry_marker_path", "partition_record_path", "misc_device_path", "max_retry_count", "device_kind"],
  "properties": {
    "store_base_path": {"type": "string", "minLength": 1},
    "retry_marker_path": {"type": "string", "minLength": 1},
    "partition_record_path": {"type": "string", "minLength": 1},
    "misc_device_path": {"type": "string", "minLength": 1},
    "max_retry_count": {"type": "integer", "minimum": 1},
    "device_kind": {"type": "string", "enum": ["emmc", "ufs"]}
  }
}`

var compiledSchema *jsonschema.Schema

func schema() (*jsonschema.Schema, error) {
	if compiledSchema != nil {
		return compiledSchema, nil
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("runtimeconfig.json", stringReader(schemaDoc)); err != nil {
		return nil, fmt.Errorf("compile runtime config schema: %w", err)
	}
	s, err := c.Compile("runtimeconfig.json")
	if err != nil {
		return nil, fmt.Errorf("compile runtime config schema: %w", err)
	}
	compiledSchema = s
	return s, nil
}

// Default returns the configuration used when no config file is supplied,
// matching the device layout spec.md assumes throughout (§4.9, §6).
func Default() Config {
	return Config{
		StoreBasePath:       "/data/updater/stash",
		RetryMarkerPath:     "/data/updater/retry_marker",
		PartitionRecordPath: "/data/updater/partition_record",
		MiscDevicePath:      "/dev/block/by-name/misc",
		MaxRetryCount:       3,
		DeviceKind:          DeviceEMMC,
	}
}

// Load reads and schema-validates a YAML runtime config file.
func Load(path string) (Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read runtime config %s: %w", path, err)
	}
	return Parse(raw)
}

// Parse validates and decodes a YAML document already in memory.
func Parse(raw []byte) (Config, error) {
	var generic any
	if err := yaml.Unmarshal(raw, &generic); err != nil {
		return Config{}, fmt.Errorf("parse runtime config: %w", err)
	}

	s, err := schema()
	if err != nil {
		return Config{}, err
	}
	if err := s.Validate(toStringKeyed(generic)); err != nil {
		return Config{}, fmt.Errorf("validate runtime config: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return Config{}, fmt.Errorf("decode runtime config: %w", err)
	}
	return cfg, nil
}

// toStringKeyed converts yaml.v3's map[string]any (already string-keyed,
// unlike yaml.v2) into the plain any jsonschema.Validate expects; kept as a
// named step so the conversion boundary is obvious if yaml.v3's decoding
// behavior ever changes.
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
