// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/spf13/cobra"

	"github.com/jeranaias/leaf/internal/config"
)

func (a *app) configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Show and edit the configuration file",
	}
	cmd.AddCommand(
		a.configShowCmd(),
		a.configGetCmd(),
		a.configSetCmd(),
		a.configPathCmd(),
		a.configInitCmd(),
		&cobra.Command{
			Use:   "keys",
			Short: "List every configuration key",
			Args:  cobra.NoArgs,
			Run: func(cmd *cobra.Command, args []string) {
				a.println(strings.Join(config.GetAllKeys(), "\n"))
			},
		},
	)
	return cmd
}

// configFile returns the file config commands read and write.
func (a *app) configFile() (string, error) {
	if a.configPath != "" {
		return a.configPath, nil
	}
	return config.ConfigPathTOML()
}

// fileConfig loads the config file alone, without environment overrides,
// so that saving it never writes an override back.
func (a *app) fileConfig() (*config.Config, string, error) {
	path, err := a.configFile()
	if err != nil {
		return nil, "", err
	}
	cfg := config.Default()
	if _, err := os.Stat(path); err == nil {
		if err := config.LoadTOML(cfg, path); err != nil {
			return nil, "", err
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		return nil, "", err
	}
	return cfg, path, nil
}

func (a *app) configShowCmd() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if asJSON {
				return writeJSON(a.out, a.cfg)
			}
			return toml.NewEncoder(a.out).Encode(a.cfg)
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "output JSON")
	return cmd
}

func (a *app) configGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <key>",
		Short: "Print one effective configuration value",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			v, err := a.cfg.Get(args[0])
			if err != nil {
				return err
			}
			a.printf("%v\n", v)
			return nil
		},
	}
}

func (a *app) configSetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "set <key> <value>",
		Short: "Change a value in the configuration file",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, path, err := a.fileConfig()
			if err != nil {
				return err
			}
			if err := cfg.Set(args[0], args[1]); err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			if err := config.SaveTOML(cfg, path); err != nil {
				return err
			}
			a.printf("%s = %s\n", args[0], args[1])
			return nil
		},
	}
}

func (a *app) configPathCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "path",
		Short: "Print where configuration and data live",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := a.configFile()
			if err != nil {
				return err
			}
			data, err := a.cfg.DataDir()
			if err != nil {
				return err
			}
			logFile, err := a.cfg.LogFile()
			if err != nil {
				return err
			}
			a.printf("%s%s\n", RenderLabel("config"), path)
			a.printf("%s%s\n", RenderLabel("data"), data)
			a.printf("%s%s\n", RenderLabel("log"), logFile)
			return nil
		},
	}
}

func (a *app) configInitCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a configuration file with the defaults",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := a.configFile()
			if err != nil {
				return err
			}
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			}
			if err := config.SaveTOML(config.Default(), path); err != nil {
				return err
			}
			a.printf("Wrote %s\n", path)
			return nil
		},
	}
	cmd.Flags().BoolVarP(&force, "force", "f", false, "overwrite an existing file")
	return cmd
}
