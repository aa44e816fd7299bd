// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package main

import (
	"github.com/spf13/cobra"
)

// NewRootCmd creates the root command for the framehost CLI.
func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "framehost",
		Short: "framehost - host for sandboxed message-passing plugins",
		Long: `framehost loads plugins into isolated contexts (Lua sandboxes,
plugin processes or remote websocket endpoints) and talks to each one over a
JSON request/response/notification channel.`,
		SilenceUsage: true,
	}

	cmd.PersistentFlags().String("config", "", "config file path (YAML, default $XDG_CONFIG_HOME/framehost/config.yaml if present)")

	cmd.AddCommand(NewRunCmd())
	cmd.AddCommand(NewValidateCmd())
	cmd.AddCommand(NewSchemaCmd())
	cmd.AddCommand(NewCertsCmd())

	return cmd
}
