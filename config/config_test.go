package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "homeflux.ini")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoad(t *testing.T) {
	path := writeConfig(t, `
[scheduler]
window_size = 20
ignore_power_threshold = 0.2

[registry]
addr = redis:6379
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	section := cfg.Section("scheduler")
	if got := section.Key("window_size").MustInt(12); got != 20 {
		t.Errorf("window_size = %d, want 20", got)
	}
	if got := section.Key("ignore_power_threshold").MustFloat64(0.1); got != 0.2 {
		t.Errorf("ignore_power_threshold = %v, want 0.2", got)
	}
	if got := cfg.Section("registry").Key("addr").String(); got != "redis:6379" {
		t.Errorf("registry addr = %s", got)
	}
}

func TestSectionDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, "[scheduler]\n"))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	section := cfg.Section("missing")
	if got := section.Key("max_record_gap").MustInt(3); got != 3 {
		t.Errorf("missing section must fall back on defaults, got %d", got)
	}
	if cfg.HasSection("missing") {
		t.Error("HasSection must be false for an empty section")
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load("/nonexistent/homeflux.ini"); err == nil {
		t.Error("expected an error for a missing file")
	}
}

func TestPathOverride(t *testing.T) {
	t.Setenv("HOMEFLUX_CONFIG", "/tmp/other.ini")
	if got := Path(); got != "/tmp/other.ini" {
		t.Errorf("Path = %s", got)
	}
	t.Setenv("HOMEFLUX_CONFIG", "")
	if got := Path(); got != DefaultPath {
		t.Errorf("Path = %s, want default", got)
	}
}
