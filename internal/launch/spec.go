package launch

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
)

// Spec describes one debug launch: the program image on disk, its symbol
// file and commands to run against the freshly attached device before the
// client gets its first reply. Entries ending in ".lua" run through the
// script engine; anything else is dispatched as a monitor command.
type Spec struct {
	Program    string   `json:"program,omitempty"`
	Symbols    string   `json:"symbols,omitempty"`
	PreConnect []string `json:"preConnect,omitempty"`
}

// LoadSpec reads a JSON launch descriptor. A missing or empty path yields
// an empty Spec.
func LoadSpec(path string) (*Spec, error) {
	if path == "" {
		return &Spec{}, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("launch: read descriptor %s: %w", path, err)
	}
	var spec Spec
	if err := json.Unmarshal(data, &spec); err != nil {
		return nil, fmt.Errorf("launch: parse descriptor %s: %w", path, err)
	}
	return &spec, nil
}

// WatchPaths lists the files worth watching for staleness.
func (s *Spec) WatchPaths() []string {
	var paths []string
	if s.Program != "" {
		paths = append(paths, s.Program)
	}
	if s.Symbols != "" && s.Symbols != s.Program {
		paths = append(paths, s.Symbols)
	}
	return paths
}

// IsScript reports whether a pre-connect entry names a script file rather
// than a monitor command.
func IsScript(entry string) bool {
	return strings.HasSuffix(strings.TrimSpace(entry), ".lua")
}
