// Package config loads and validates Shadowcore configuration.
//
// Configuration is layered: hardcoded defaults, then a YAML file, then
// SHADOWCORE_* environment variable overrides. A single Config value is
// built once at startup and passed to components by their constructors;
// nothing in this package holds mutable global state.
package config
