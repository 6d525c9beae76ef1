package cpu

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/docker/go-units"
	"gopkg.in/yaml.v3"

	"github.com/tinyrange/tracejit/internal/codemem"
)

// Size is a byte count written in human form ("256KiB", "1m").
type Size int64

// UnmarshalYAML implements yaml.Unmarshaler for Size.
func (s *Size) UnmarshalYAML(value *yaml.Node) error {
	var text string
	if err := value.Decode(&text); err != nil {
		return err
	}
	if text == "" {
		return nil
	}
	n, err := units.RAMInBytes(text)
	if err != nil {
		return fmt.Errorf("invalid size %q: %w", text, err)
	}
	*s = Size(n)
	return nil
}

// MarshalYAML implements yaml.Marshaler for Size.
func (s Size) MarshalYAML() (any, error) {
	return units.BytesSize(float64(s)), nil
}

func (s Size) String() string { return units.BytesSize(float64(s)) }

// Config tunes a CPU. The zero value is usable.
type Config struct {
	CodeChunkSize     Size   `yaml:"code_chunk_size"`     // mapping granularity for code memory (default: 256KiB)
	MaxIntRegisters   int    `yaml:"max_int_registers"`   // 0 uses every allocatable register
	MaxFloatRegisters int    `yaml:"max_float_registers"` // 0 uses every allocatable register
	DebugChecks       bool   `yaml:"debug_checks"`        // verify allocator invariants after each op
	LogLevel          string `yaml:"log_level"`           // debug, info, warn or error
}

// DefaultConfig returns the configuration used when none is given.
func DefaultConfig() Config {
	return Config{
		CodeChunkSize: Size(codemem.DefaultChunkSize),
		LogLevel:      "info",
	}
}

// ParseConfig decodes YAML on top of DefaultConfig.
func ParseConfig(data []byte) (Config, error) {
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("cpu: parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// LoadConfig reads a YAML config file.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("cpu: read config: %w", err)
	}
	return ParseConfig(data)
}

func (c Config) Validate() error {
	if c.CodeChunkSize < 0 {
		return fmt.Errorf("cpu: negative code_chunk_size %d", c.CodeChunkSize)
	}
	if c.MaxIntRegisters < 0 || c.MaxFloatRegisters < 0 {
		return fmt.Errorf("cpu: register limits must not be negative")
	}
	if _, err := c.Level(); err != nil {
		return err
	}
	return nil
}

// Level parses LogLevel. An empty level is info.
func (c Config) Level() (slog.Level, error) {
	var lvl slog.Level
	if c.LogLevel == "" {
		return slog.LevelInfo, nil
	}
	if err := lvl.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return 0, fmt.Errorf("cpu: log_level: %w", err)
	}
	return lvl, nil
}
