// Package config loads the YAML configuration of the guardian bootstrap
// pipeline. The loaded value is passed explicitly into every constructor;
// nothing in the module reads configuration from package level state.
package config
