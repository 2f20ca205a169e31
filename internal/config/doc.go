// Package config defines the host configuration and the module manifest
// model, plus their HCL loaders. The rest of the system consumes only the
// format-agnostic model types; nothing outside this package parses HCL.
package config
