package launch

import (
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
)

func testEntry() *logrus.Entry {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return logrus.NewEntry(l)
}

func TestLoadConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bridge.toml")
	content := `
listen = "0.0.0.0:3333"
halt_on_connect = false
wire_log = true
min_server_version = ">= 1.6"

[sim]
cores = 6
entry_pc = 0x80000020

[[flash]]
name = "pflash0"
base = 0x80000000
length = 0x100000
erase = 0x4000
verify = true

[diag]
listen = "127.0.0.1:8844"
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Listen != "0.0.0.0:3333" {
		t.Errorf("Listen = %q", cfg.Listen)
	}
	if cfg.HaltOnConnect {
		t.Error("HaltOnConnect not overridden")
	}
	if !cfg.WireLog {
		t.Error("WireLog not set")
	}
	if cfg.MinServerVersion != ">= 1.6" {
		t.Errorf("MinServerVersion = %q", cfg.MinServerVersion)
	}
	if cfg.Sim.Cores != 6 || cfg.Sim.EntryPC != 0x80000020 {
		t.Errorf("Sim = %+v", cfg.Sim)
	}
	if len(cfg.Flash) != 1 || cfg.Flash[0].Base != 0x80000000 || cfg.Flash[0].Erase != 0x4000 {
		t.Errorf("Flash = %+v", cfg.Flash)
	}
	if cfg.Diag.Listen != "127.0.0.1:8844" {
		t.Errorf("Diag = %+v", cfg.Diag)
	}
}

func TestLoadConfigMissingFileUsesDefaults(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "absent.toml"))
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	def := DefaultConfig()
	if cfg.Listen != def.Listen || cfg.HaltOnConnect != def.HaltOnConnect {
		t.Fatalf("cfg = %+v, want defaults %+v", cfg, def)
	}
}

func TestLoadConfigRejectsBadTOML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.toml")
	os.WriteFile(path, []byte("listen = ["), 0o644)
	if _, err := LoadConfig(path); err == nil {
		t.Fatal("malformed config accepted")
	}
}

func TestLoadSpec(t *testing.T) {
	path := filepath.Join(t.TempDir(), "launch.json")
	content := `{
  "program": "build/app.elf",
  "symbols": "build/app.elf",
  "preConnect": ["poke 0xf0036040 0x00000008", "scripts/wdt_off.lua"]
}`
	os.WriteFile(path, []byte(content), 0o644)

	spec, err := LoadSpec(path)
	if err != nil {
		t.Fatalf("LoadSpec: %v", err)
	}
	if spec.Program != "build/app.elf" {
		t.Errorf("Program = %q", spec.Program)
	}
	if len(spec.PreConnect) != 2 {
		t.Fatalf("PreConnect = %v", spec.PreConnect)
	}
	if IsScript(spec.PreConnect[0]) {
		t.Error("monitor command classified as script")
	}
	if !IsScript(spec.PreConnect[1]) {
		t.Error("lua entry not classified as script")
	}
	if got := spec.WatchPaths(); len(got) != 1 || got[0] != "build/app.elf" {
		t.Errorf("WatchPaths = %v, want deduplicated program path", got)
	}
}

func TestLoadSpecEmptyPath(t *testing.T) {
	spec, err := LoadSpec("")
	if err != nil {
		t.Fatalf("LoadSpec: %v", err)
	}
	if spec.Program != "" || len(spec.PreConnect) != 0 {
		t.Fatalf("spec = %+v, want empty", spec)
	}
}

func TestWatcherFlagsChangedFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "app.elf")
	if err := os.WriteFile(path, []byte("v1"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	w, err := NewWatcher(testEntry(), path)
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	defer w.Close()

	if w.IsStale() {
		t.Fatal("fresh watcher already stale")
	}
	if err := os.WriteFile(path, []byte("v2"), 0o644); err != nil {
		t.Fatalf("rewrite: %v", err)
	}

	select {
	case got := <-w.Changed():
		if got != path {
			t.Fatalf("changed path = %q, want %q", got, path)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for change notification")
	}
	if !w.IsStale() {
		t.Fatal("watcher not stale after change")
	}
	if _, ok := w.Stale()[path]; !ok {
		t.Fatalf("Stale() = %v, missing %q", w.Stale(), path)
	}
}
