// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package config provides configuration loading and logger setup for leaf.
//
// # Key Types
//
//   - Config: Main configuration structure
//   - WorkerConfig: Worker mode, endpoint and initialization limits
//   - StorageConfig: Snapshot store backend and location
//
// # Configuration Precedence
//
// Configuration is loaded from (in order of precedence):
//   - Environment variables (LEAF_*)
//   - ~/.leaf/config.toml ($LEAF_HOME/config.toml when set)
//   - Built-in defaults
//
// # Usage
//
//	cfg, err := config.Load()
//	if err != nil {
//	    return err
//	}
//	logger, levels, closeLog := config.SetupLogger(cfg.Logging, logPath)
//	defer closeLog()
package config
