// Package config loads fleet configuration from YAML with sensible defaults.
package config
