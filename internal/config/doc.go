// Package config provides configuration loading and validation for the
// audio ingestion service. It handles YAML-based configuration with
// per-section validation and built-in defaults for every parameter.
package config
