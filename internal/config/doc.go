// Package config loads one company per file (YAML by default, TOML when the
// extension is .toml), expands ${VAR} references after reading .env files,
// fills engine defaults and can watch the file for hot reload.
package config
