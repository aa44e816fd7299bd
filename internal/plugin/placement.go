// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package plugin

import (
	"context"
	"sort"
	"sync"

	"github.com/samber/oops"
)

// Locator places a plugin's context by delegating to the plugin named in
// the profile's location.
type Locator interface {
	Locate(ctx context.Context, location string, profile *Profile) error
}

// LocatorFunc adapts a function to Locator.
type LocatorFunc func(ctx context.Context, location string, profile *Profile) error

// Locate implements Locator.
func (f LocatorFunc) Locate(ctx context.Context, location string, profile *Profile) error {
	return f(ctx, location, profile)
}

// PlacementFunc is a host-supplied placement resolver.
type PlacementFunc func(ctx context.Context, profile *Profile, frame Context) error

// Document is the default attachment target for contexts that are neither
// delegated nor placed by a resolver.
//
// Document is safe for concurrent use. The zero value is ready to use.
type Document struct {
	attached map[string]Context
	mu       sync.RWMutex
}

// NewDocument creates an empty document.
func NewDocument() *Document {
	return &Document{attached: make(map[string]Context)}
}

// Attach records frame under name. A name can only be attached once.
func (d *Document) Attach(name string, frame Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.attached == nil {
		d.attached = make(map[string]Context)
	}
	if _, ok := d.attached[name]; ok {
		return oops.In("document").With("plugin", name).Errorf("context already attached")
	}
	d.attached[name] = frame
	return nil
}

// Detach removes the context attached under name, if any.
func (d *Document) Detach(name string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.attached, name)
}

// Attached returns the names of attached contexts in sorted order.
func (d *Document) Attached() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()

	names := make([]string, 0, len(d.attached))
	for name := range d.attached {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// place uses exactly one placement strategy: delegation when the profile
// names a location, otherwise the host resolver, otherwise the document.
func (c *Channel) place(ctx context.Context, frame Context) error {
	var err error
	switch {
	case c.profile.Location != "":
		if c.locator == nil {
			err = oops.Errorf("profile names location %q but no locator is configured", c.profile.Location)
			break
		}
		err = c.locator.Locate(ctx, c.profile.Location, c.profile)
	case c.placement != nil:
		err = c.placement(ctx, c.profile, frame)
	default:
		err = c.document.Attach(c.name, frame)
		if err == nil {
			c.mu.Lock()
			c.attached = true
			c.mu.Unlock()
		}
	}
	if err != nil {
		return oops.Code(CodePlacementFailed).
			In("plugin").
			With("plugin", c.name).
			With("location", c.profile.Location).
			Wrap(err)
	}
	return nil
}
