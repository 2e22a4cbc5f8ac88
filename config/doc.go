// Package config defines the client configuration, loaded from YAML and
// layered over defaults.
package config
