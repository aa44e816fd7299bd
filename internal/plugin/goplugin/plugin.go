// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package goplugin

import (
	"io"
	"os"
	"os/exec"

	"github.com/hashicorp/go-hclog"
	hashiplug "github.com/hashicorp/go-plugin"

	"github.com/holomush/framehost/pkg/pluginsdk"
)

// HandshakeConfig is imported from pluginsdk to ensure host and plugins
// use identical configuration. Do not define locally to prevent drift.
var HandshakeConfig = pluginsdk.HandshakeConfig

// PluginMap is the map of plugins we can dispense.
var PluginMap = map[string]hashiplug.Plugin{
	pluginsdk.PluginName: &pluginsdk.GRPCPlugin{},
}

// PluginClient wraps go-plugin client for testability.
type PluginClient interface {
	// Client returns the gRPC client protocol.
	Client() (hashiplug.ClientProtocol, error)
	// Kill terminates the plugin process.
	Kill()
}

// ClientFactory creates plugin clients.
type ClientFactory interface {
	// NewClient creates a client for the named plugin's executable.
	NewClient(name, execPath string) PluginClient
}

// DefaultClientFactory creates real go-plugin clients.
type DefaultClientFactory struct {
	// Level is the hclog level for plugin process output. Defaults to Info.
	Level hclog.Level
	// Output receives plugin process logs. Defaults to os.Stderr.
	Output io.Writer
	// JSONFormat writes plugin logs as JSON lines.
	JSONFormat bool
}

// NewClient creates a real go-plugin client.
func (f *DefaultClientFactory) NewClient(name, execPath string) PluginClient {
	level := f.Level
	if level == hclog.NoLevel {
		level = hclog.Info
	}
	out := f.Output
	if out == nil {
		out = os.Stderr
	}
	return hashiplug.NewClient(&hashiplug.ClientConfig{
		HandshakeConfig:  HandshakeConfig,
		Plugins:          PluginMap,
		Cmd:              exec.Command(execPath), // #nosec G204 -- execPath comes from a validated plugin profile
		AllowedProtocols: []hashiplug.Protocol{hashiplug.ProtocolGRPC},
		Logger: hclog.New(&hclog.LoggerOptions{
			Name:       "plugin." + name,
			Output:     out,
			Level:      level,
			JSONFormat: f.JSONFormat,
		}),
	})
}
