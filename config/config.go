// Package config handles luabridge.toml interpreter configuration.
package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/go-playground/validator/v10"
	"github.com/invopop/jsonschema"

	"github.com/wippyai/luabridge/errors"
)

// FileName is the conventional configuration file name.
const FileName = "luabridge.toml"

// validate is shared; validator caches struct metadata per type.
var validate = validator.New()

// Config describes how an interpreter is created.
type Config struct {
	// OpenLibs loads the Lua standard library. Defaults to true.
	OpenLibs *bool `toml:"open_libs" json:"open_libs,omitempty" jsonschema:"description=Load the Lua standard library (default true)"`

	// MemoryLimit caps the bytes the bridge allocates for the guest. 0 is unlimited.
	MemoryLimit uint64 `toml:"memory_limit" json:"memory_limit,omitempty" validate:"omitempty,min=1024" jsonschema:"description=Memory quota in bytes (0 = unlimited)"`

	// TimeLimit caps the wall-clock time of one top-level call. 0 disables it.
	TimeLimit Duration `toml:"time_limit" json:"time_limit,omitempty" validate:"gte=0"`

	CallStackSize   int `toml:"call_stack_size" json:"call_stack_size,omitempty" validate:"gte=0" jsonschema:"description=Maximum Lua call depth"`
	RegistrySize    int `toml:"registry_size" json:"registry_size,omitempty" validate:"omitempty,min=128" jsonschema:"description=Initial Lua value stack size"`
	RegistryMaxSize int `toml:"registry_max_size" json:"registry_max_size,omitempty" validate:"omitempty,gtefield=RegistrySize" jsonschema:"description=Maximum Lua value stack size"`

	LogLevel string `toml:"log_level" json:"log_level,omitempty" validate:"omitempty,oneof=debug info warn error" jsonschema:"enum=debug,enum=info,enum=warn,enum=error"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	openLibs := true
	return &Config{
		OpenLibs: &openLibs,
		LogLevel: "info",
	}
}

// Load parses and validates the configuration file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(errors.PhaseConfig, errors.KindNotFound, err, fmt.Sprintf("read %s", path))
	}
	cfg, err := Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Decode parses and validates a TOML document.
func Decode(r io.Reader) (*Config, error) {
	cfg := Default()
	md, err := toml.NewDecoder(r).Decode(cfg)
	if err != nil {
		return nil, errors.Wrap(errors.PhaseConfig, errors.KindInvalidInput, err, "parse config")
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return nil, errors.InvalidInput(errors.PhaseConfig, fmt.Sprintf("unknown key %q", undecoded[0].String()))
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks field constraints.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return errors.Wrap(errors.PhaseConfig, errors.KindInvalidInput, err, "config validation failed")
	}
	return nil
}

// LibsEnabled reports whether the standard library should be opened.
func (c *Config) LibsEnabled() bool {
	return c.OpenLibs == nil || *c.OpenLibs
}

// Schema returns the JSON schema of the configuration file.
func Schema() ([]byte, error) {
	reflector := jsonschema.Reflector{
		ExpandedStruct: true,
	}
	schema := reflector.Reflect(&Config{})
	schema.Title = FileName

	data, err := json.MarshalIndent(schema, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal schema: %w", err)
	}
	return data, nil
}

// Duration is a time.Duration written as a Go duration string ("250ms").
type Duration time.Duration

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// JSONSchema describes Duration as a string.
func (Duration) JSONSchema() *jsonschema.Schema {
	return &jsonschema.Schema{
		Type:        "string",
		Description: "Time limit per call as a Go duration (e.g. \"250ms\"); empty or 0 disables it",
		Examples:    []any{"250ms", "2s"},
	}
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}
