// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package config provides configuration loading and validation for chakra.
//
// TOML configuration with sensible defaults and environment variable
// overrides. There is no package-level singleton: main loads the config
// once and wires the pieces through constructors.
//
// # Key Types
//
//   - Config: the complete configuration, one section per subsystem
//   - ValidationError, ValidateErrors: field-level validation failures
//
// # Configuration Precedence
//
// Values are resolved in order of precedence:
//   - Environment variables (CHAKRA_*)
//   - The TOML file passed to Load
//   - Built-in defaults
//
// # Usage
//
//	cfg, err := config.Load("chakra.toml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	client := ollama.NewClient(&ollama.ClientConfig{
//	    BaseURL: cfg.Ollama.URL,
//	    Model:   cfg.Ollama.Model,
//	})
package config
