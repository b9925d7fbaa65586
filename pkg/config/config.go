// Package config loads the library's own tunables: resolver/expander cache
// TTLs, pool sizing, the fatal-error-code list, and the default connect
// port, following the teacher's JSON-plus-*Str-duration-then-parse idiom.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Tunables holds every runtime-adjustable knob the library reads outside
// of a Spec descriptor itself.
type Tunables struct {
	Resolver ResolverTunables `json:"resolver" yaml:"resolver"`
	Expander ExpanderTunables `json:"expander" yaml:"expander"`
	Pool     PoolTunables     `json:"pool" yaml:"pool"`
}

// ResolverTunables configures §4.1's DNS resolution cache.
type ResolverTunables struct {
	CacheTTL    time.Duration `json:"-" yaml:"-"`
	CacheTTLStr string        `json:"cache_ttl" yaml:"cache_ttl"`
	DefaultPort int           `json:"default_port" yaml:"default_port"`
}

// ExpanderTunables configures §4.2's hash-expansion config-query cache.
type ExpanderTunables struct {
	CacheTTL    time.Duration `json:"-" yaml:"-"`
	CacheTTLStr string        `json:"cache_ttl" yaml:"cache_ttl"`
}

// PoolTunables configures §4.7's Connection Pool defaults and the list of
// MySQL error numbers that close the backend handle instead of retrying
// (§4.4 step 7).
type PoolTunables struct {
	MaxOpen         int   `json:"max_open" yaml:"max_open"`
	MaxOpenUnused   int   `json:"max_open_unused" yaml:"max_open_unused"`
	FatalErrorCodes []int `json:"fatal_error_codes" yaml:"fatal_error_codes"`
}

// Load reads a JSON tunables file, parses its duration strings, and fills
// in defaults for anything left zero.
func Load(path string) (*Tunables, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading tunables file: %w", err)
	}

	var t Tunables
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("config: parsing tunables JSON: %w", err)
	}

	if err := parseDurations(&t); err != nil {
		return nil, err
	}
	setDefaults(&t)
	return &t, nil
}

// LoadYAML is Load's YAML-file counterpart, for callers whose deployment
// tooling already standardizes on YAML for every other config file.
func LoadYAML(path string) (*Tunables, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading tunables file: %w", err)
	}

	var t Tunables
	if err := yaml.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("config: parsing tunables YAML: %w", err)
	}

	if err := parseDurations(&t); err != nil {
		return nil, err
	}
	setDefaults(&t)
	return &t, nil
}

func parseDurations(t *Tunables) error {
	var err error
	if t.Resolver.CacheTTLStr != "" {
		t.Resolver.CacheTTL, err = time.ParseDuration(t.Resolver.CacheTTLStr)
		if err != nil {
			return fmt.Errorf("config: invalid resolver.cache_ttl: %w", err)
		}
	}
	if t.Expander.CacheTTLStr != "" {
		t.Expander.CacheTTL, err = time.ParseDuration(t.Expander.CacheTTLStr)
		if err != nil {
			return fmt.Errorf("config: invalid expander.cache_ttl: %w", err)
		}
	}
	return nil
}

func setDefaults(t *Tunables) {
	if t.Resolver.CacheTTL == 0 {
		t.Resolver.CacheTTL = 60 * time.Second
	}
	if t.Resolver.DefaultPort == 0 {
		t.Resolver.DefaultPort = 3306
	}
	if t.Expander.CacheTTL == 0 {
		t.Expander.CacheTTL = 60 * time.Second
	}
	if t.Pool.MaxOpen == 0 {
		t.Pool.MaxOpen = 5
	}
	if t.Pool.MaxOpenUnused == 0 {
		t.Pool.MaxOpenUnused = 1
	}
	if len(t.Pool.FatalErrorCodes) == 0 {
		// The same default set as dbspec.DefaultFatalErrors (§4.4 step 7,
		// §6 Defaults).
		t.Pool.FatalErrorCodes = []int{1142, 1143, 1148, 2003, 2006, 2013, 2014}
	}
}

// Validate reports whether t's values are usable. Intended for callers
// that reload t at runtime and want to reject a bad file before swapping
// it in (see Watch).
func Validate(t *Tunables) error {
	if t.Resolver.DefaultPort < 1 || t.Resolver.DefaultPort > 65535 {
		return fmt.Errorf("config: invalid resolver.default_port: %d", t.Resolver.DefaultPort)
	}
	if t.Pool.MaxOpen < 1 {
		return fmt.Errorf("config: invalid pool.max_open: %d", t.Pool.MaxOpen)
	}
	if t.Pool.MaxOpenUnused < 0 || t.Pool.MaxOpenUnused > t.Pool.MaxOpen {
		return fmt.Errorf("config: invalid pool.max_open_unused: %d", t.Pool.MaxOpenUnused)
	}
	return nil
}
