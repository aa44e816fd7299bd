// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package plugin

import (
	"fmt"
	"net/url"
	"path/filepath"
	"regexp"

	"github.com/Masterminds/semver/v3"
	"gopkg.in/yaml.v3"
)

// Profile is the static, host-supplied description of a plugin. It is read
// from a plugin.yaml file and is read-only once a channel is created.
type Profile struct {
	Name        string `json:"name" yaml:"name" jsonschema:"pattern=^[a-z]([a-z0-9-]*[a-z0-9])?$,maxLength=64"`
	Version     string `json:"version" yaml:"version" jsonschema:"minLength=1"`
	Description string `json:"description,omitempty" yaml:"description,omitempty"`
	// URL is the load target of the isolated context. A relative path is
	// resolved against the profile's directory.
	URL string `json:"url" yaml:"url" jsonschema:"minLength=1"`
	// Methods lists the plugin methods the host may call.
	Methods []string `json:"methods,omitempty" yaml:"methods,omitempty" jsonschema:"uniqueItems=true,minLength=1"`
	// Events lists the notification keys the plugin emits.
	Events []string `json:"events,omitempty" yaml:"events,omitempty" jsonschema:"minLength=1"`
	// Notifications maps an emitting plugin's name to the keys this plugin
	// wants to receive from it.
	Notifications map[string][]string `json:"notifications,omitempty" yaml:"notifications,omitempty"`
	// Location names another plugin responsible for placing this one.
	Location string `json:"location,omitempty" yaml:"location,omitempty"`
	// Capabilities are the host methods the plugin may request.
	Capabilities []string `json:"capabilities,omitempty" yaml:"capabilities,omitempty" jsonschema:"minLength=1"`
}

// maxNameLength is the maximum allowed length for plugin names.
const maxNameLength = 64

// namePattern validates plugin names: must start with lowercase letter,
// followed by lowercase letters, digits, or hyphens.
// Cannot end with a hyphen. Single character names are allowed.
var namePattern = regexp.MustCompile(`^[a-z]([a-z0-9-]*[a-z0-9])?$`)

// ParseProfile parses and validates a plugin.yaml file.
func ParseProfile(data []byte) (*Profile, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("profile data is empty")
	}

	var p Profile
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("invalid YAML: %w", err)
	}

	if err := p.Validate(); err != nil {
		return nil, err
	}

	return &p, nil
}

// Validate checks profile constraints.
func (p *Profile) Validate() error {
	if p.Name == "" || !namePattern.MatchString(p.Name) {
		return fmt.Errorf("name %q must start with a-z, contain only a-z, 0-9, hyphens, and not end with a hyphen", p.Name)
	}
	if len(p.Name) > maxNameLength {
		return fmt.Errorf("name must be %d characters or less, got %d", maxNameLength, len(p.Name))
	}

	if p.Version == "" {
		return fmt.Errorf("version is required")
	}
	if _, err := semver.NewVersion(p.Version); err != nil {
		return fmt.Errorf("version %q is not a semantic version: %w", p.Version, err)
	}

	if p.URL == "" {
		return fmt.Errorf("url is required")
	}
	if _, err := url.Parse(p.URL); err != nil {
		return fmt.Errorf("url %q is invalid: %w", p.URL, err)
	}

	seen := make(map[string]bool, len(p.Methods))
	for _, m := range p.Methods {
		switch {
		case m == "":
			return fmt.Errorf("methods must not contain empty names")
		case m == HandshakeKey:
			return fmt.Errorf("method %q is reserved", HandshakeKey)
		case seen[m]:
			return fmt.Errorf("method %q is listed twice", m)
		}
		seen[m] = true
	}

	for event, keys := range p.Notifications {
		if event == "" {
			return fmt.Errorf("notifications must not contain an empty event name")
		}
		for _, k := range keys {
			if k == "" {
				return fmt.Errorf("notifications.%s must not contain empty keys", event)
			}
		}
	}

	if p.Location == p.Name {
		return fmt.Errorf("location cannot name the plugin itself")
	}

	return nil
}

// Resolve returns a copy of the profile whose URL is absolute. A URL without
// a scheme is treated as a path relative to dir and becomes a file:// URL;
// an opaque exec:path URL becomes exec:// with the path resolved the same way.
func (p *Profile) Resolve(dir string) (*Profile, error) {
	out := *p
	u, err := url.Parse(p.URL)
	if err != nil {
		return nil, fmt.Errorf("url %q is invalid: %w", p.URL, err)
	}
	scheme, path := "file", p.URL
	switch {
	case u.Scheme == "exec" && u.Opaque != "":
		// exec:bin/plugin names an executable relative to dir
		scheme, path = "exec", filepath.FromSlash(u.Opaque)
	case u.Scheme != "":
		return &out, nil
	}

	if !filepath.IsAbs(path) {
		path = filepath.Join(dir, path)
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve %q: %w", p.URL, err)
	}
	out.URL = (&url.URL{Scheme: scheme, Path: filepath.ToSlash(abs)}).String()
	return &out, nil
}
