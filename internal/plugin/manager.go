// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package plugin

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/samber/oops"

	"github.com/holomush/framehost/internal/plugin/capability"
)

// ProfileFile is the profile file name looked up in each plugin directory.
const ProfileFile = "plugin.yaml"

// ViewMethod is the request a location plugin receives to host another
// plugin's view.
const ViewMethod = "addView"

// ResponderFactory builds the inbound-request responder for a plugin.
type ResponderFactory func(profile *Profile) Responder

// Manager discovers plugins and owns one channel per active plugin.
type Manager struct {
	pluginsDir  string
	bus         *Bus
	factory     ContextFactory
	responders  ResponderFactory
	enforcer    *capability.Enforcer
	document    *Document
	relay       *Relay
	channelOpts []Option
	logger      *slog.Logger
	// activateTimeout bounds each plugin's load and handshake. Zero means
	// only the caller's context applies.
	activateTimeout time.Duration

	channels map[string]*Channel
	order    []string
	closed   bool
	mu       sync.RWMutex
}

// ManagerOption configures the Manager.
type ManagerOption func(*Manager)

// WithResponders sets how inbound-request responders are built.
func WithResponders(f ResponderFactory) ManagerOption {
	return func(m *Manager) { m.responders = f }
}

// WithEnforcer grants each plugin the capabilities its profile lists for as
// long as it is active.
func WithEnforcer(e *capability.Enforcer) ManagerOption {
	return func(m *Manager) { m.enforcer = e }
}

// WithChannelOptions appends options applied to every channel.
func WithChannelOptions(opts ...Option) ManagerOption {
	return func(m *Manager) { m.channelOpts = append(m.channelOpts, opts...) }
}

// WithManagerDocument sets the shared document contexts attach to.
func WithManagerDocument(d *Document) ManagerOption {
	return func(m *Manager) { m.document = d }
}

// WithActivationTimeout bounds how long one plugin may take to load and
// answer the handshake.
func WithActivationTimeout(d time.Duration) ManagerOption {
	return func(m *Manager) { m.activateTimeout = d }
}

// WithManagerLogger sets the manager's logger.
func WithManagerLogger(l *slog.Logger) ManagerOption {
	return func(m *Manager) { m.logger = l }
}

// NewManager creates a plugin manager. Panics if factory is nil.
func NewManager(pluginsDir string, factory ContextFactory, opts ...ManagerOption) *Manager {
	if factory == nil {
		panic("plugin.NewManager: factory cannot be nil")
	}
	m := &Manager{
		pluginsDir: pluginsDir,
		bus:        NewBus(),
		factory:    factory,
		document:   NewDocument(),
		logger:     slog.Default(),
		channels:   make(map[string]*Channel),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.relay = NewRelay(m.logger)
	return m
}

// Bus returns the bus every managed context posts to.
func (m *Manager) Bus() *Bus { return m.bus }

// Document returns the shared document.
func (m *Manager) Document() *Document { return m.document }

// DiscoveredPlugin contains a resolved profile and its directory.
type DiscoveredPlugin struct {
	Profile *Profile
	Dir     string
}

// Discover finds all valid plugins in the plugins directory.
// Invalid plugins are logged and skipped.
func (m *Manager) Discover(_ context.Context) ([]*DiscoveredPlugin, error) {
	entries, err := os.ReadDir(m.pluginsDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, oops.In("manager").With("dir", m.pluginsDir).Wrapf(err, "read plugins directory")
	}

	var plugins []*DiscoveredPlugin
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}

		pluginDir := filepath.Join(m.pluginsDir, entry.Name())
		dp, err := LoadProfile(pluginDir)
		if err != nil {
			m.logger.Warn("skipping plugin",
				"dir", entry.Name(),
				"error", err)
			continue
		}
		plugins = append(plugins, dp)
	}

	return plugins, nil
}

// LoadProfile reads the profile in dir, checks it against the profile schema
// and its own rules, and resolves its URL.
func LoadProfile(dir string) (*DiscoveredPlugin, error) {
	path := filepath.Join(dir, ProfileFile)
	data, err := os.ReadFile(path) //nolint:gosec // path is built from a plugin directory
	if err != nil {
		return nil, oops.In("manager").With("path", path).Wrapf(err, "read profile")
	}
	if err := ValidateSchema(data); err != nil {
		return nil, oops.In("manager").With("path", path).Wrap(err)
	}
	profile, err := ParseProfile(data)
	if err != nil {
		return nil, oops.In("manager").With("path", path).Wrap(err)
	}
	resolved, err := profile.Resolve(dir)
	if err != nil {
		return nil, oops.In("manager").With("path", path).Wrap(err)
	}
	return &DiscoveredPlugin{Profile: resolved, Dir: dir}, nil
}

// ActivateAll discovers and activates every plugin. Plugins that others
// name as their location are activated first.
//
// Individual failures are logged and skipped so one broken plugin does not
// keep the rest from starting.
func (m *Manager) ActivateAll(ctx context.Context) error {
	discovered, err := m.Discover(ctx)
	if err != nil {
		return err
	}

	profiles := make([]*Profile, len(discovered))
	for i, dp := range discovered {
		profiles[i] = dp.Profile
	}

	for _, p := range activationOrder(profiles) {
		if _, err := m.Activate(ctx, p); err != nil {
			m.logger.Error("failed to activate plugin",
				"plugin", p.Name,
				"error", err)
		}
	}
	return nil
}

// activationOrder sorts profiles by name, then moves each plugin after the
// plugin it names as location. Cycles keep name order.
func activationOrder(profiles []*Profile) []*Profile {
	sorted := append([]*Profile(nil), profiles...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Name < sorted[j].Name })

	byName := make(map[string]*Profile, len(sorted))
	for _, p := range sorted {
		byName[p.Name] = p
	}

	var (
		out      []*Profile
		done     = make(map[string]bool)
		visiting = make(map[string]bool)
	)
	var visit func(p *Profile)
	visit = func(p *Profile) {
		if done[p.Name] || visiting[p.Name] {
			return
		}
		visiting[p.Name] = true
		if loc, ok := byName[p.Location]; ok {
			visit(loc)
		}
		visiting[p.Name] = false
		done[p.Name] = true
		out = append(out, p)
	}
	for _, p := range sorted {
		visit(p)
	}
	return out
}

// Activate creates a channel for profile, activates it and starts relaying
// its notifications.
func (m *Manager) Activate(ctx context.Context, profile *Profile) (*Channel, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, errManagerClosed(profile.Name)
	}
	if _, ok := m.channels[profile.Name]; ok {
		m.mu.Unlock()
		return nil, oops.In("manager").With("plugin", profile.Name).New("plugin already active")
	}
	// reserve the name while activating
	m.channels[profile.Name] = nil
	m.mu.Unlock()

	ch, err := m.activate(ctx, profile)

	m.mu.Lock()
	if err != nil {
		delete(m.channels, profile.Name)
		m.mu.Unlock()
		return nil, err
	}
	if m.closed {
		// Close ran while this plugin was starting and never saw it.
		delete(m.channels, profile.Name)
		m.mu.Unlock()
		if terr := m.teardown(ctx, ch); terr != nil {
			m.logger.Warn("teardown after close failed",
				"plugin", profile.Name,
				"error", terr)
		}
		return nil, errManagerClosed(profile.Name)
	}
	m.channels[profile.Name] = ch
	m.order = append(m.order, profile.Name)
	m.mu.Unlock()
	return ch, nil
}

func errManagerClosed(name string) error {
	return oops.Code(CodeChannelClosed).
		In("manager").
		With("plugin", name).
		New("manager closed")
}

func (m *Manager) activate(ctx context.Context, profile *Profile) (*Channel, error) {
	if m.enforcer != nil {
		if err := m.enforcer.SetGrants(profile.Name, profile.Capabilities); err != nil {
			return nil, oops.In("manager").With("plugin", profile.Name).Wrap(err)
		}
	}

	opts := []Option{
		WithLocator(m),
		WithDocument(m.document),
		WithLogger(m.logger),
	}
	if m.responders != nil {
		opts = append(opts, WithResponder(m.responders(profile)))
	}
	opts = append(opts, m.channelOpts...)

	if m.activateTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.activateTimeout)
		defer cancel()
	}

	ch := NewChannel(profile, m.bus, m.factory, opts...)
	if err := ch.Activate(ctx); err != nil {
		if m.enforcer != nil {
			m.enforcer.RemoveGrants(profile.Name)
		}
		return nil, err
	}

	m.relay.Watch(ch)
	m.logger.Info("activated plugin",
		"plugin", profile.Name,
		"version", profile.Version,
		"origin", ch.Origin())
	return ch, nil
}

// Locate implements Locator by asking the location plugin to host the
// profile's view.
func (m *Manager) Locate(ctx context.Context, location string, profile *Profile) error {
	host, ok := m.Get(location)
	if !ok {
		return oops.In("manager").
			With("plugin", profile.Name).
			With("location", location).
			Errorf("location plugin %q is not active", location)
	}

	info := map[string]string{"plugin": profile.Name}
	view := map[string]string{
		"name":        profile.Name,
		"url":         profile.URL,
		"description": profile.Description,
	}
	if _, err := host.AddRequest(ctx, info, ViewMethod, view); err != nil {
		return oops.In("manager").With("plugin", profile.Name).With("location", location).Wrap(err)
	}
	return nil
}

// Call sends a request from one plugin to another.
func (m *Manager) Call(ctx context.Context, from, target, method string, payload json.RawMessage) (json.RawMessage, error) {
	ch, ok := m.Get(target)
	if !ok {
		return nil, oops.Code(CodeNoContext).
			In("manager").
			With("from", from).
			With("plugin", target).
			Errorf("plugin %q is not active", target)
	}
	var body any
	if len(payload) > 0 {
		body = payload
	}
	out, err := ch.AddRequest(ctx, map[string]string{"from": from}, method, body)
	if err != nil {
		return nil, oops.In("manager").With("from", from).With("plugin", target).Wrap(err)
	}
	return out, nil
}

// Get returns the active channel for name.
func (m *Manager) Get(name string) (*Channel, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ch, ok := m.channels[name]
	return ch, ok && ch != nil
}

// ListPlugins returns names of all active plugins in sorted order.
func (m *Manager) ListPlugins() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	names := make([]string, 0, len(m.channels))
	for name, ch := range m.channels {
		if ch != nil {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// Deactivate tears down the named plugin.
func (m *Manager) Deactivate(ctx context.Context, name string) error {
	m.mu.Lock()
	ch, ok := m.channels[name]
	if !ok || ch == nil {
		m.mu.Unlock()
		return oops.In("manager").With("plugin", name).New("plugin not active")
	}
	delete(m.channels, name)
	for i, n := range m.order {
		if n == name {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
	m.mu.Unlock()

	return m.teardown(ctx, ch)
}

func (m *Manager) teardown(ctx context.Context, ch *Channel) error {
	m.relay.Forget(ch.Name())
	err := ch.Deactivate(ctx)
	if m.enforcer != nil {
		m.enforcer.RemoveGrants(ch.Name())
	}
	return err
}

// Close deactivates every plugin in reverse activation order and waits for
// in-flight notification deliveries. Activations still in progress are torn
// down when they finish; later calls to Activate fail.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	order := m.order
	channels := m.channels
	m.order = nil
	m.channels = make(map[string]*Channel)
	m.mu.Unlock()

	var errs []error
	for i := len(order) - 1; i >= 0; i-- {
		ch := channels[order[i]]
		if ch == nil {
			continue
		}
		if err := m.teardown(ctx, ch); err != nil {
			errs = append(errs, err)
		}
	}
	m.relay.Stop()
	return errors.Join(errs...)
}
