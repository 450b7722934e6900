// Package config loads the daemon configuration from a JSON, YAML or TOML
// file, fills in defaults and validates it before any component starts.
package config
