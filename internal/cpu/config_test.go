package cpu

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"gopkg.in/yaml.v3"
)

func TestParseConfig(t *testing.T) {
	cfg, err := ParseConfig([]byte(`
code_chunk_size: 1MiB
max_int_registers: 4
max_float_registers: 2
debug_checks: true
log_level: debug
`))
	if err != nil {
		t.Fatalf("ParseConfig: %v", err)
	}
	if cfg.CodeChunkSize != 1<<20 {
		t.Fatalf("chunk size = %d", cfg.CodeChunkSize)
	}
	if cfg.MaxIntRegisters != 4 || cfg.MaxFloatRegisters != 2 || !cfg.DebugChecks {
		t.Fatalf("config = %+v", cfg)
	}
	if lvl, _ := cfg.Level(); lvl != slog.LevelDebug {
		t.Fatalf("level = %v", lvl)
	}
}

func TestParseConfigDefaults(t *testing.T) {
	cfg, err := ParseConfig(nil)
	if err != nil {
		t.Fatalf("ParseConfig: %v", err)
	}
	if cfg != DefaultConfig() {
		t.Fatalf("config = %+v, want defaults", cfg)
	}
	if cfg.CodeChunkSize.String() != "256KiB" {
		t.Fatalf("chunk size renders as %q", cfg.CodeChunkSize)
	}
}

func TestParseConfigErrors(t *testing.T) {
	for _, tc := range []struct {
		name string
		doc  string
	}{
		{"size", "code_chunk_size: lots"},
		{"level", "log_level: loud"},
		{"registers", "max_int_registers: -1"},
		{"syntax", "code_chunk_size: [1"},
	} {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := ParseConfig([]byte(tc.doc)); err == nil {
				t.Fatalf("accepted %q", tc.doc)
			}
		})
	}
}

func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cpu.yaml")
	cfg := DefaultConfig()
	cfg.CodeChunkSize = 64 << 10
	cfg.MaxFloatRegisters = 3
	data, err := yaml.Marshal(cfg)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	got, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if got != cfg {
		t.Fatalf("loaded %+v, want %+v", got, cfg)
	}

	if _, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatalf("missing file accepted")
	}
}
