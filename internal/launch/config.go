// Package launch loads the bridge configuration and the per-target
// launch descriptor, and watches the program image for on-disk changes.
package launch

import (
	"fmt"
	"os"

	"github.com/pelletier/go-toml/v2"
)

// Config is the bridge configuration. Values come from an optional TOML
// file; the command line applies its overrides afterwards.
type Config struct {
	// Listen is the RSP listen address.
	Listen string `toml:"listen"`
	// HaltOnConnect halts every core before the first client reply.
	HaltOnConnect bool `toml:"halt_on_connect"`
	// WireLog logs every RSP frame at debug level.
	WireLog bool `toml:"wire_log"`
	// MinServerVersion is a semver constraint the adapter server must
	// satisfy, for example ">= 1.6". Empty accepts any server.
	MinServerVersion string `toml:"min_server_version"`

	Sim   SimConfig      `toml:"sim"`
	Flash []RegionConfig `toml:"flash"`
	Diag  DiagConfig     `toml:"diag"`
}

// SimConfig shapes the simulated device used by simulator runs.
type SimConfig struct {
	Cores   int    `toml:"cores"`
	EntryPC uint32 `toml:"entry_pc"`
}

// RegionConfig overrides or extends the device's flash region list.
type RegionConfig struct {
	Name   string `toml:"name"`
	Base   uint32 `toml:"base"`
	Length uint32 `toml:"length"`
	Erase  uint32 `toml:"erase"`
	Verify bool   `toml:"verify"`
}

// DiagConfig configures the read-only diagnostics endpoint. An empty
// listen address disables it; a cert/key pair additionally serves the
// same handlers over HTTP/3.
type DiagConfig struct {
	Listen   string `toml:"listen"`
	CertFile string `toml:"cert_file"`
	KeyFile  string `toml:"key_file"`
}

// DefaultConfig returns the configuration used when no file is present.
func DefaultConfig() Config {
	return Config{
		Listen:        "127.0.0.1:1234",
		HaltOnConnect: true,
	}
}

// LoadConfig reads a TOML configuration file. A missing file is not an
// error; defaults apply.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return cfg, nil
	}
	if err != nil {
		return cfg, fmt.Errorf("launch: read config %s: %w", path, err)
	}
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("launch: parse config %s: %w", path, err)
	}
	if cfg.Listen == "" {
		return cfg, fmt.Errorf("launch: config %s: listen address must not be empty", path)
	}
	return cfg, nil
}
