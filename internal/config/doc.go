// Package config loads and validates relay configuration from YAML.
//
// Load reads the file and expands ${VAR} environment variables,
// LoadWithDefaults fills optional fields, and LoadAndValidate is the
// entry point binaries should use.
package config
