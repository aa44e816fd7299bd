// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package lua

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/samber/oops"
	lua "github.com/yuin/gopher-lua"

	"github.com/holomush/framehost/internal/plugin"
)

// Compile-time interface checks.
var (
	_ plugin.Context = (*Frame)(nil)
	_ plugin.Source  = (*Frame)(nil)
)

const (
	handlerName   = "on_message"
	moduleName    = "frame"
	inboxCapacity = 64
)

// Option configures a Frame.
type Option func(*Frame)

// WithExecTimeout bounds how long a single on_message call may run.
// Zero means no bound beyond the frame's own lifetime.
func WithExecTimeout(d time.Duration) Option {
	return func(f *Frame) { f.execTimeout = d }
}

// WithStateFactory replaces the default sandbox state factory.
func WithStateFactory(sf *StateFactory) Option {
	return func(f *Frame) { f.states = sf }
}

// WithLogger sets the logger used for script log calls and handler errors.
func WithLogger(l *slog.Logger) Option {
	return func(f *Frame) { f.logger = l }
}

// NewFactory returns a plugin.ContextFactory producing Lua frames.
func NewFactory(opts ...Option) plugin.ContextFactory {
	return func(profile *plugin.Profile, bus *plugin.Bus) (plugin.Context, error) {
		return NewFrame(profile.Name, bus, opts...), nil
	}
}

// Frame is an isolated Lua context. One goroutine owns the Lua state; the
// host reaches it only through PostMessage and hears from it only through
// the bus.
type Frame struct {
	name        string
	bus         *plugin.Bus
	states      *StateFactory
	execTimeout time.Duration
	logger      *slog.Logger

	inbox chan string
	quit  chan struct{}
	done  chan struct{}

	runCtx    context.Context
	cancelRun context.CancelFunc

	mu          sync.RWMutex
	origin      string
	loaded      bool
	destroyOnce sync.Once
}

// NewFrame creates an unloaded frame for the named plugin.
func NewFrame(name string, bus *plugin.Bus, opts ...Option) *Frame {
	f := &Frame{
		name:   name,
		bus:    bus,
		states: NewStateFactory(),
		logger: slog.Default(),
		inbox:  make(chan string, inboxCapacity),
		quit:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(f)
	}
	f.logger = f.logger.With("plugin", name, "context", "lua")
	f.runCtx, f.cancelRun = context.WithCancel(context.Background())
	return f
}

// Load reads the script at rawURL, runs its top-level chunk and starts the
// owning goroutine. The script must define a global on_message function.
func (f *Frame) Load(ctx context.Context, rawURL string) error {
	path, origin, err := resolveScript(rawURL)
	if err != nil {
		return oops.In("lua").With("plugin", f.name).With("url", rawURL).Wrap(err)
	}

	code, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return oops.In("lua").With("plugin", f.name).With("path", path).Hint("failed to read script").Wrap(err)
	}

	f.mu.Lock()
	if f.loaded {
		f.mu.Unlock()
		return oops.In("lua").With("plugin", f.name).New("frame already loaded")
	}
	select {
	case <-f.quit:
		f.mu.Unlock()
		return oops.In("lua").With("plugin", f.name).New("frame destroyed")
	default:
	}
	f.origin = origin
	f.mu.Unlock()

	L, err := f.states.NewState(ctx)
	if err != nil {
		return oops.In("lua").With("plugin", f.name).Hint("failed to create state").Wrap(err)
	}
	f.register(L)

	if err := L.DoString(string(code)); err != nil {
		L.Close()
		return oops.In("lua").With("plugin", f.name).With("path", path).Hint("script failed").Wrap(err)
	}
	if L.GetGlobal(handlerName).Type() != lua.LTFunction {
		L.Close()
		return oops.In("lua").With("plugin", f.name).With("path", path).Errorf("script does not define %s", handlerName)
	}
	L.RemoveContext()

	f.mu.Lock()
	select {
	case <-f.quit:
		f.mu.Unlock()
		L.Close()
		return oops.In("lua").With("plugin", f.name).New("frame destroyed")
	default:
	}
	f.loaded = true
	f.mu.Unlock()

	go f.run(L)
	return nil
}

// Origin returns file://<script directory> once loaded.
func (f *Frame) Origin() string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if !f.loaded {
		return ""
	}
	return f.origin
}

// Source returns the frame itself once loaded.
func (f *Frame) Source() plugin.Source {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if !f.loaded {
		return nil
	}
	return f
}

// PostMessage queues data for on_message. It blocks while the inbox is full
// and fails once the frame is destroyed.
func (f *Frame) PostMessage(data string, targetOrigin string) error {
	f.mu.RLock()
	origin, loaded := f.origin, f.loaded
	f.mu.RUnlock()

	if !loaded {
		return oops.In("lua").With("plugin", f.name).New("frame not loaded")
	}
	if targetOrigin != "*" && targetOrigin != origin {
		return oops.In("lua").
			With("plugin", f.name).
			With("target_origin", targetOrigin).
			With("origin", origin).
			Wrap(plugin.ErrOriginMismatch)
	}

	select {
	case <-f.quit:
		return oops.In("lua").With("plugin", f.name).New("frame destroyed")
	default:
	}
	select {
	case f.inbox <- data:
		return nil
	case <-f.quit:
		return oops.In("lua").With("plugin", f.name).New("frame destroyed")
	}
}

// Destroy stops the owning goroutine and closes the Lua state. Running
// handlers are interrupted.
func (f *Frame) Destroy() error {
	f.destroyOnce.Do(func() {
		f.cancelRun()
		close(f.quit)
	})

	f.mu.RLock()
	loaded := f.loaded
	f.mu.RUnlock()
	if loaded {
		<-f.done
	}
	return nil
}

func (f *Frame) run(L *lua.LState) {
	defer close(f.done)
	defer L.Close()

	for {
		select {
		case <-f.quit:
			return
		case data := <-f.inbox:
			f.deliver(L, data)
		}
	}
}

// deliver hands one message to on_message. A request whose handler raises
// an error is answered with that error so the host does not wait for a reply
// that will never come.
func (f *Frame) deliver(L *lua.LState, data string) {
	var decoded any
	if err := json.Unmarshal([]byte(data), &decoded); err != nil {
		f.logger.Warn("dropping undecodable message", "error", err)
		return
	}

	ctx := f.runCtx
	if f.execTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, f.execTimeout)
		defer cancel()
	}
	L.SetContext(ctx)
	defer L.RemoveContext()

	err := L.CallByParam(lua.P{
		Fn:      L.GetGlobal(handlerName),
		NRet:    0,
		Protect: true,
	}, toLua(L, decoded))
	if err == nil {
		return
	}

	f.logger.Warn("on_message failed", "error", err)
	msg, ok := decoded.(map[string]any)
	if !ok || msg["action"] != string(plugin.ActionRequest) {
		return
	}
	reply := map[string]any{
		"action": string(plugin.ActionResponse),
		"name":   msg["name"],
		"key":    msg["key"],
		"error":  err.Error(),
	}
	if id, ok := msg["id"]; ok {
		reply["id"] = id
	}
	if info, ok := msg["requestInfo"]; ok {
		reply["requestInfo"] = info
	}
	f.post(reply)
}

func (f *Frame) post(data any) {
	f.mu.RLock()
	origin := f.origin
	f.mu.RUnlock()
	f.bus.Post(plugin.MessageEvent{Origin: origin, Data: data})
}

// register installs the frame module: post_message, respond, notify, log
// and the plugin name.
func (f *Frame) register(L *lua.LState) {
	mod := L.NewTable()
	L.SetField(mod, "name", lua.LString(f.name))
	L.SetField(mod, "post_message", L.NewFunction(f.luaPostMessage))
	L.SetField(mod, "respond", L.NewFunction(f.luaRespond))
	L.SetField(mod, "notify", L.NewFunction(f.luaNotify))
	L.SetField(mod, "log", L.NewFunction(f.luaLog))
	L.SetGlobal(moduleName, mod)
}

// frame.post_message(value)
func (f *Frame) luaPostMessage(L *lua.LState) int {
	v, err := fromLua(L.CheckAny(1))
	if err != nil {
		L.ArgError(1, err.Error())
		return 0
	}
	f.post(v)
	return 0
}

// frame.respond(request, payload [, err])
func (f *Frame) luaRespond(L *lua.LState) int {
	req := L.CheckTable(1)
	reply := map[string]any{
		"action": string(plugin.ActionResponse),
	}
	for _, field := range []string{"name", "key", "id", "requestInfo"} {
		v, err := fromLua(req.RawGetString(field))
		if err != nil {
			L.ArgError(1, err.Error())
			return 0
		}
		if v != nil {
			reply[field] = v
		}
	}

	if L.GetTop() >= 3 && L.Get(3) != lua.LNil {
		reply["error"] = L.ToStringMeta(L.Get(3)).String()
	} else if L.GetTop() >= 2 {
		payload, err := fromLua(L.Get(2))
		if err != nil {
			L.ArgError(2, err.Error())
			return 0
		}
		if payload != nil {
			reply["payload"] = payload
		}
	}
	f.post(reply)
	return 0
}

// frame.notify(key, payload)
func (f *Frame) luaNotify(L *lua.LState) int {
	key := L.CheckString(1)
	payload, err := fromLua(L.Get(2))
	if err != nil {
		L.ArgError(2, err.Error())
		return 0
	}
	f.post(map[string]any{
		"action":  string(plugin.ActionNotification),
		"name":    f.name,
		"key":     key,
		"payload": payload,
	})
	return 0
}

// frame.log(level, message)
func (f *Frame) luaLog(L *lua.LState) int {
	level := L.CheckString(1)
	msg := L.CheckString(2)

	switch level {
	case "debug":
		f.logger.Debug(msg)
	case "warn":
		f.logger.Warn(msg)
	case "error":
		f.logger.Error(msg)
	default:
		f.logger.Info(msg)
	}
	return 0
}

// resolveScript maps a load URL to a script path and the frame origin.
// Bare paths are treated as file URLs.
func resolveScript(rawURL string) (path, origin string, err error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", "", oops.Wrapf(err, "parse url")
	}
	switch u.Scheme {
	case "", "file":
	default:
		return "", "", oops.With("scheme", u.Scheme).Errorf("unsupported scheme %q", u.Scheme)
	}

	path = u.Path
	if u.Scheme == "" {
		path = rawURL
	}
	if path == "" {
		return "", "", oops.Errorf("empty script path")
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", "", oops.Wrapf(err, "resolve script path")
	}
	return abs, "file://" + filepath.ToSlash(filepath.Dir(abs)), nil
}
