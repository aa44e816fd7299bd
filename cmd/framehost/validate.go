// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package main

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/samber/oops"
	"github.com/spf13/cobra"

	"github.com/holomush/framehost/internal/plugin"
)

// NewValidateCmd creates the validate subcommand.
func NewValidateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate [plugin-dir...]",
		Short: "Check plugin profiles without activating them",
		Long: `Validate each plugin directory's plugin.yaml against the profile schema
and the profile rules. With no arguments every sub-directory of
--plugins-dir is checked.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			dirs := args
			if len(dirs) == 0 {
				root, err := cmd.Flags().GetString("plugins-dir")
				if err != nil {
					return err
				}
				found, err := pluginDirs(root)
				if err != nil {
					return err
				}
				dirs = found
			}
			return validateDirs(cmd, dirs)
		},
	}

	cmd.Flags().String("plugins-dir", defaultPluginsDir, "directory containing one sub-directory per plugin")
	return cmd
}

// pluginDirs lists the sub-directories of root that hold a profile.
func pluginDirs(root string) ([]string, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, oops.In("validate").With("dir", root).Wrapf(err, "read plugins directory")
	}
	var dirs []string
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		dir := filepath.Join(root, e.Name())
		if _, err := os.Stat(filepath.Join(dir, plugin.ProfileFile)); err == nil {
			dirs = append(dirs, dir)
		}
	}
	return dirs, nil
}

func validateDirs(cmd *cobra.Command, dirs []string) error {
	failed := 0
	for _, dir := range dirs {
		name, err := validateDir(dir)
		if err != nil {
			failed++
			cmd.Printf("FAIL %s: %s\n", dir, plugin.FormatSchemaError(err))
			continue
		}
		cmd.Printf("ok   %s (%s)\n", name, dir)
	}
	if failed > 0 {
		return oops.In("validate").With("failed", failed).Errorf("%d of %d plugins failed validation", failed, len(dirs))
	}
	return nil
}

func validateDir(dir string) (string, error) {
	dp, err := plugin.LoadProfile(dir)
	if err != nil {
		return "", err
	}

	factories, err := buildFactories(&hostConfig{LogFormat: defaultLogFormat}, slog.Default(), io.Discard)
	if err != nil {
		return "", err
	}
	if err := factories.Supports(dp.Profile.URL); err != nil {
		return "", err
	}
	return dp.Profile.Name, nil
}
