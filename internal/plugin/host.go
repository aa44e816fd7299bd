// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

// Package plugin hosts third-party plugins running in isolated contexts and
// talks to them over an asynchronous message channel.
package plugin

import (
	"context"
	"net/url"
	"sort"
	"strings"

	"github.com/samber/oops"
)

// Context is an isolated execution context hosting one plugin. It has no
// access to host state; everything it sends goes through the Bus it was
// created with.
type Context interface {
	// Load starts the plugin from rawURL and returns once it is ready to
	// receive messages.
	Load(ctx context.Context, rawURL string) error

	// Origin returns the origin derived from the resolved load URL.
	// Empty until Load succeeds.
	Origin() string

	// Source returns the handle used to send into the context.
	// Nil until Load succeeds.
	Source() Source

	// Destroy tears the context down. Safe to call more than once.
	Destroy() error
}

// ContextFactory creates an isolated context for a profile. Contexts post
// plugin messages to bus.
type ContextFactory func(profile *Profile, bus *Bus) (Context, error)

// Factories selects a ContextFactory by load URL scheme.
type Factories map[string]ContextFactory

// New implements ContextFactory by dispatching on the profile URL scheme.
// A URL without a scheme uses the "file" factory.
func (f Factories) New(profile *Profile, bus *Bus) (Context, error) {
	factory, err := f.lookup(profile.URL)
	if err != nil {
		return nil, oops.In("plugin").With("plugin", profile.Name).With("url", profile.URL).Wrap(err)
	}
	return factory(profile, bus)
}

// Supports returns an error unless a factory is registered for the scheme
// of rawURL.
func (f Factories) Supports(rawURL string) error {
	_, err := f.lookup(rawURL)
	return err
}

func (f Factories) lookup(rawURL string) (ContextFactory, error) {
	scheme, err := urlScheme(rawURL)
	if err != nil {
		return nil, err
	}
	factory, ok := f[scheme]
	if !ok {
		return nil, oops.In("plugin").
			With("scheme", scheme).
			Errorf("no context factory for scheme %q (have %s)", scheme, strings.Join(f.Schemes(), ", "))
	}
	return factory, nil
}

// Schemes returns the registered schemes in sorted order.
func (f Factories) Schemes() []string {
	schemes := make([]string, 0, len(f))
	for s := range f {
		schemes = append(schemes, s)
	}
	sort.Strings(schemes)
	return schemes
}

func urlScheme(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", oops.Wrapf(err, "parse url")
	}
	if u.Scheme == "" {
		return "file", nil
	}
	return strings.ToLower(u.Scheme), nil
}
