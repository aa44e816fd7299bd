// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

//go:build integration

package plugin_test

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	. "github.com/onsi/ginkgo/v2" //nolint:revive // ginkgo convention
	. "github.com/onsi/gomega"    //nolint:revive // gomega convention

	"github.com/holomush/framehost/internal/plugin"
	"github.com/holomush/framehost/internal/plugin/capability"
	"github.com/holomush/framehost/internal/plugin/hostfunc"
	pluginlua "github.com/holomush/framehost/internal/plugin/lua"
)

// ledgerScript records balances through the host kv store. Each host call
// is correlated back to the request that triggered it.
const ledgerScript = `
local waiting = {}
local next_id = 0

local function host(req, key, payload)
  next_id = next_id + 1
  waiting[next_id] = req
  frame.post_message({ action = "request", name = frame.name, key = key, id = next_id, payload = payload })
end

function on_message(msg)
  if msg.action == "response" then
    local req = waiting[msg.id]
    waiting[msg.id] = nil
    if req == nil then return end
    if msg.error then
      frame.respond(req, nil, msg.error)
    else
      frame.respond(req, msg.payload)
    end
    return
  end
  if msg.action ~= "request" then return end

  if msg.key == "handshake" then
    frame.respond(msg, nil)
  elseif msg.key == "record" then
    host(msg, "kv.set", { key = msg.payload.account, value = msg.payload.amount })
    frame.notify("recorded", msg.payload)
  elseif msg.key == "balance" then
    host(msg, "kv.get", { key = msg.payload.account })
  elseif msg.key == "audit" then
    host(msg, "call", { plugin = "auditor", method = "count" })
  end
end
`

const auditorScript = `
local seen = 0

function on_message(msg)
  if msg.action == "notification" and msg.name == "ledger" and msg.key == "recorded" then
    seen = seen + 1
    return
  end
  if msg.action ~= "request" then return end

  if msg.key == "handshake" then
    frame.respond(msg, nil)
  elseif msg.key == "count" then
    frame.respond(msg, { seen = seen, from = msg.requestInfo and msg.requestInfo.from })
  end
end
`

func writePlugin(root, name, profile, script string) {
	dir := filepath.Join(root, name)
	Expect(os.MkdirAll(dir, 0o750)).To(Succeed())
	Expect(os.WriteFile(filepath.Join(dir, plugin.ProfileFile), []byte(profile), 0o600)).To(Succeed())
	Expect(os.WriteFile(filepath.Join(dir, "main.lua"), []byte(script), 0o600)).To(Succeed())
}

var _ = Describe("Lua plugins under the manager", func() {
	var (
		mgr *plugin.Manager
		ctx context.Context
	)

	BeforeEach(func() {
		root, err := os.MkdirTemp("", "framehost-plugins-")
		Expect(err).NotTo(HaveOccurred())
		DeferCleanup(os.RemoveAll, root)

		writePlugin(root, "ledger", `
name: ledger
version: 1.0.0
url: main.lua
methods: [record, balance, audit]
events: [recorded]
capabilities: ["kv.*", "call.auditor"]
`, ledgerScript)
		writePlugin(root, "auditor", `
name: auditor
version: 1.0.0
url: main.lua
methods: [count]
notifications:
  ledger: [recorded]
`, auditorScript)
		writePlugin(root, "rogue", `
name: rogue
version: 0.1.0
url: main.lua
methods: [balance]
`, ledgerScript)

		enforcer := capability.NewEnforcer()
		funcs := hostfunc.New(hostfunc.NewMemoryKV(), enforcer)
		factories := plugin.Factories{"file": pluginlua.NewFactory(pluginlua.WithExecTimeout(time.Second))}

		mgr = plugin.NewManager(root, factories.New,
			plugin.WithEnforcer(enforcer),
			plugin.WithResponders(func(p *plugin.Profile) plugin.Responder {
				return funcs.Responder(p.Name)
			}),
			plugin.WithChannelOptions(plugin.WithRequestTimeout(5*time.Second)),
		)
		funcs.SetCaller(mgr)

		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(context.Background(), 10*time.Second)
		DeferCleanup(cancel)

		Expect(mgr.ActivateAll(ctx)).To(Succeed())
		DeferCleanup(func() {
			Expect(mgr.Close(context.Background())).To(Succeed())
		})
	})

	call := func(name, method string, payload any) (json.RawMessage, error) {
		ch, ok := mgr.Get(name)
		Expect(ok).To(BeTrue(), "plugin %s is active", name)
		return ch.AddRequest(ctx, nil, method, payload)
	}

	It("activates every plugin", func() {
		Expect(mgr.ListPlugins()).To(Equal([]string{"auditor", "ledger", "rogue"}))
	})

	It("stores values through host functions", func() {
		_, err := call("ledger", "record", map[string]any{"account": "alice", "amount": 25})
		Expect(err).NotTo(HaveOccurred())

		out, err := call("ledger", "balance", map[string]any{"account": "alice"})
		Expect(err).NotTo(HaveOccurred())
		Expect(string(out)).To(MatchJSON(`25`))
	})

	It("keeps plugin storage isolated and denies missing capabilities", func() {
		_, err := call("ledger", "record", map[string]any{"account": "alice", "amount": 25})
		Expect(err).NotTo(HaveOccurred())

		_, err = call("rogue", "balance", map[string]any{"account": "alice"})
		Expect(err).To(HaveOccurred())
		Expect(err.Error()).To(ContainSubstring("capability denied"))
	})

	It("relays notifications and routes plugin-to-plugin calls", func() {
		for _, amount := range []int{1, 2, 3} {
			_, err := call("ledger", "record", map[string]any{"account": "bob", "amount": amount})
			Expect(err).NotTo(HaveOccurred())
		}

		Eventually(func(g Gomega) {
			out, err := call("ledger", "audit", nil)
			g.Expect(err).NotTo(HaveOccurred())
			g.Expect(string(out)).To(MatchJSON(`{"seen":3,"from":"ledger"}`))
		}).WithTimeout(5 * time.Second).WithPolling(20 * time.Millisecond).Should(Succeed())
	})

	It("fails calls after deactivation", func() {
		Expect(mgr.Deactivate(ctx, "auditor")).To(Succeed())

		_, err := call("ledger", "audit", nil)
		Expect(err).To(HaveOccurred())
		Expect(err.Error()).To(ContainSubstring("not active"))
	})
})
