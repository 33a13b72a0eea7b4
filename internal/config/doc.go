// Package config loads the host configuration: a YAML file located by flag
// or WALLHOST_CONFIG, overridden by WALLHOST_* environment variables, with
// relative paths anchored at the directory of the file.
package config
