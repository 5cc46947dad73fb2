package mcd

import (
	"fmt"
	"strings"

	"github.com/Masterminds/semver/v3"
)

// CheckServerVersion validates the version string reported by the adapter
// server against a semver constraint such as ">= 1.6". An empty
// constraint accepts anything. A violation is an AdapterError so callers
// treat it like any other attach failure.
func CheckServerVersion(version, constraint string) error {
	if constraint == "" {
		return nil
	}
	c, err := semver.NewConstraint(constraint)
	if err != nil {
		return fmt.Errorf("mcd: invalid server version constraint %q: %w", constraint, err)
	}
	v, err := semver.NewVersion(strings.TrimSpace(version))
	if err != nil {
		return fmt.Errorf("mcd: unparseable server version %q: %w", version, err)
	}
	if !c.Check(v) {
		return &AdapterError{
			Op:   "version check",
			Core: -1,
			Err:  fmt.Errorf("server %s does not satisfy %s", v, constraint),
		}
	}
	return nil
}
