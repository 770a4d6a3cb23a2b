// Package config implements the configuration store for the Driver Location Relay.
//
// Configuration is assembled in three layers: the built-in baseline, an optional
// YAML file, and DLR_* environment overrides. The merged result is validated
// before any component is constructed.
package config
