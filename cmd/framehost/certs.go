// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package main

import (
	"path/filepath"

	"github.com/spf13/cobra"

	certs "github.com/holomush/framehost/internal/tls"
	"github.com/holomush/framehost/internal/xdg"
)

// NewCertsCmd creates the certs subcommand.
func NewCertsCmd() *cobra.Command {
	var (
		dir   string
		name  string
		hosts []string
	)

	cmd := &cobra.Command{
		Use:   "certs",
		Short: "Generate a development CA and certificate for a wss:// plugin endpoint",
		Long: `Generate a private root CA and a server certificate signed by it.
Serve the remote plugin with {name}.crt/{name}.key and start the host with
--remote-ca pointing at root-ca.crt.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ca, err := certs.GenerateCA(name)
			if err != nil {
				return err
			}
			server, err := certs.GenerateServerCert(ca, name, hosts...)
			if err != nil {
				return err
			}
			if err := certs.SaveCertificates(dir, ca, server); err != nil {
				return err
			}

			cmd.Printf("CA:          %s\n", filepath.Join(dir, certs.CACertFile))
			cmd.Printf("certificate: %s\n", filepath.Join(dir, name+".crt"))
			cmd.Printf("key:         %s\n", filepath.Join(dir, name+".key"))
			return nil
		},
	}

	cmd.Flags().StringVar(&dir, "dir", filepath.Join(xdg.ConfigDir(), "certs"), "directory to write certificates to")
	cmd.Flags().StringVar(&name, "name", "plugin", "certificate name")
	cmd.Flags().StringSliceVar(&hosts, "host", nil, "DNS name or IP the endpoint is reached at (repeatable, default localhost and 127.0.0.1)")
	return cmd
}
