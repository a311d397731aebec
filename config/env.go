package config

import (
	"log/slog"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

// GetEnv retrieves a string environment variable or returns a default value.
func GetEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// GetEnvInt retrieves an integer environment variable or returns a default value.
func GetEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

// GetEnvBool retrieves a boolean environment variable or returns a default value.
func GetEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

// GetEnvOrYAML checks envKey first, then falls back to yamlKey in the YAML
// document at the path named by the QVARNMR_YAML_CONFIG environment
// variable. Only a non-empty string stored under yamlKey at the top level
// of that document is returned; nested values and non-string values fall
// back to defaultValue. Priority: envKey env var > yamlKey in the YAML
// side file > defaultValue.
func GetEnvOrYAML(envKey, yamlKey, defaultValue string) string {
	if value := os.Getenv(envKey); value != "" {
		return value
	}

	path := os.Getenv("QVARNMR_YAML_CONFIG")
	if path == "" {
		return defaultValue
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return defaultValue
	}

	var doc map[string]any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		slog.Warn("failed to parse YAML config file", "path", path, "error", err)
		return defaultValue
	}
	if value, ok := doc[yamlKey]; ok {
		if s, ok := value.(string); ok && s != "" {
			return s
		}
	}
	return defaultValue
}
