// Package config reads the INI-style configuration file used to configure
// the store client and the engine: a "[store]" section with connection
// settings and an "[engine]" section with instance/lease settings.
//
// The format mirrors Python's configparser: "[section]" headers, "key =
// value" or "key: value" lines, "#" and ";" comments, and blank lines
// between sections. Keys are looked up with a fallback value, matching the
// configparser.get(section, key, fallback=...) call pattern the settings
// were originally read with.
package config

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
)

// Config is a parsed INI-style configuration file.
type Config struct {
	sections map[string]map[string]string
}

// ParseFile reads and parses the file at path.
func ParseFile(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %s: %w", path, err)
	}
	defer f.Close()
	return ParseReader(f)
}

// ParseReader parses r as an INI-style configuration.
func ParseReader(r io.Reader) (*Config, error) {
	cfg := &Config{sections: map[string]map[string]string{}}

	var section string
	scanner := bufio.NewScanner(r)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, ";") {
			continue
		}
		if strings.HasPrefix(line, "[") && strings.HasSuffix(line, "]") {
			section = strings.TrimSpace(line[1 : len(line)-1])
			if _, ok := cfg.sections[section]; !ok {
				cfg.sections[section] = map[string]string{}
			}
			continue
		}
		if section == "" {
			return nil, fmt.Errorf("config: line %d: key outside of any section", lineNo)
		}
		key, value, ok := splitKeyValue(line)
		if !ok {
			return nil, fmt.Errorf("config: line %d: cannot parse %q", lineNo, line)
		}
		cfg.sections[section][strings.ToLower(key)] = value
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}

func splitKeyValue(line string) (key, value string, ok bool) {
	idx := strings.IndexAny(line, "=:")
	if idx < 0 {
		return "", "", false
	}
	return strings.TrimSpace(line[:idx]), strings.TrimSpace(line[idx+1:]), true
}

// HasSection reports whether section is present in the file.
func (c *Config) HasSection(section string) bool {
	_, ok := c.sections[section]
	return ok
}

func (c *Config) raw(section, key string) (string, bool) {
	s, ok := c.sections[section]
	if !ok {
		return "", false
	}
	v, ok := s[strings.ToLower(key)]
	return v, ok
}

// String returns the value of key in section, or fallback if unset.
func (c *Config) String(section, key, fallback string) string {
	if v, ok := c.raw(section, key); ok {
		return v
	}
	return fallback
}

// Int returns the value of key in section parsed as an integer, or fallback
// if unset or unparsable.
func (c *Config) Int(section, key string, fallback int) int {
	v, ok := c.raw(section, key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return fallback
	}
	return n
}

// Float returns the value of key in section parsed as a float64, or
// fallback if unset or unparsable.
func (c *Config) Float(section, key string, fallback float64) float64 {
	v, ok := c.raw(section, key)
	if !ok {
		return fallback
	}
	n, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
	if err != nil {
		return fallback
	}
	return n
}

// Bool returns the value of key in section parsed as a boolean, or fallback
// if unset or unparsable. Recognizes the same tokens as configparser.getboolean:
// 1/yes/true/on and 0/no/false/off, case-insensitively.
func (c *Config) Bool(section, key string, fallback bool) bool {
	v, ok := c.raw(section, key)
	if !ok {
		return fallback
	}
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "yes", "true", "on":
		return true
	case "0", "no", "false", "off":
		return false
	default:
		return fallback
	}
}

// StoreConfig holds "[store]" section settings used to construct a store
// client: base_url, client_id, client_secret, verify_requests, scope, threads.
type StoreConfig struct {
	BaseURL        string
	ClientID       string
	ClientSecret   string
	VerifyRequests bool
	Scope          string
	Threads        int
}

// Store extracts the "[store]" section.
func (c *Config) Store() StoreConfig {
	return StoreConfig{
		BaseURL:        c.String("store", "base_url", ""),
		ClientID:       c.String("store", "client_id", ""),
		ClientSecret:   c.String("store", "client_secret", ""),
		VerifyRequests: c.Bool("store", "verify_requests", true),
		Scope:          c.String("store", "scope", ""),
		Threads:        c.Int("store", "threads", 1),
	}
}

// EngineConfig holds "[engine]" section settings: the instance identifier
// scoping leases and handler-version records, and lease timing overrides.
type EngineConfig struct {
	Instance                string
	KeepAliveUpdateInterval float64
	KeepAliveTimeout        float64
}

// DefaultKeepAliveUpdateInterval and DefaultKeepAliveTimeout match the
// listener lease defaults of spec.md §4.3.
const (
	DefaultKeepAliveUpdateInterval = 10.0
	DefaultKeepAliveTimeout        = 60.0
)

// Engine extracts the "[engine]" section.
func (c *Config) Engine() EngineConfig {
	return EngineConfig{
		Instance:                c.String("engine", "instance", "default"),
		KeepAliveUpdateInterval: c.Float("engine", "keep_alive_update_interval", DefaultKeepAliveUpdateInterval),
		KeepAliveTimeout:        c.Float("engine", "keep_alive_timeout", DefaultKeepAliveTimeout),
	}
}
