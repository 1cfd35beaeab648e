// Package configs holds configuration templates embedded at build time.
package configs

import _ "embed"

// ProjectConfigTemplate is written to .bivy.yaml by `bivy config init`.
// Every value it sets matches the built-in default; the commented blocks
// show how indexes and models are declared.
//
//go:embed project-config.example.yaml
var ProjectConfigTemplate string
