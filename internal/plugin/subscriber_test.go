// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package plugin_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/holomush/framehost/internal/plugin"
)

type relayFixture struct {
	bus    *plugin.Bus
	relay  *plugin.Relay
	frames map[string]*fakeFrame
	chans  map[string]*plugin.Channel
}

func newRelayFixture(t *testing.T) *relayFixture {
	t.Helper()
	fx := &relayFixture{
		bus:    plugin.NewBus(),
		relay:  plugin.NewRelay(nil),
		frames: make(map[string]*fakeFrame),
		chans:  make(map[string]*plugin.Channel),
	}
	t.Cleanup(func() {
		for _, ch := range fx.chans {
			_ = ch.Deactivate(context.Background())
		}
		fx.relay.Stop()
	})
	return fx
}

// add activates a plugin subscribed to notifications and watches it.
func (fx *relayFixture) add(t *testing.T, name string, notifications map[string][]string) *fakeFrame {
	t.Helper()
	frame := &fakeFrame{bus: fx.bus, origin: "file:///plugins/" + name}
	profile := testProfile(name)
	profile.Notifications = notifications

	ch := plugin.NewChannel(profile, fx.bus, func(*plugin.Profile, *plugin.Bus) (plugin.Context, error) {
		return frame, nil
	})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, ch.Activate(ctx))

	fx.relay.Watch(ch)
	fx.frames[name] = frame
	fx.chans[name] = ch
	return frame
}

func (fx *relayFixture) emit(name, key, payload string) {
	fx.frames[name].post(plugin.Message{
		Action:  plugin.ActionNotification,
		Name:    name,
		Key:     key,
		Payload: json.RawMessage(payload),
	})
}

func TestRelay_DeliversToSubscribers(t *testing.T) {
	fx := newRelayFixture(t)
	fx.add(t, "chain", nil)
	wallet := fx.add(t, "wallet", map[string][]string{"chain": {"newBlock"}})
	explorer := fx.add(t, "explorer", map[string][]string{"chain": {"newBlock", "reorg"}})

	fx.emit("chain", "newBlock", `{"height":1}`)

	for _, frame := range []*fakeFrame{wallet, explorer} {
		require.Eventually(t, func() bool {
			return len(frame.messages(plugin.ActionNotification)) == 1
		}, 2*time.Second, 5*time.Millisecond)
		got := frame.messages(plugin.ActionNotification)[0]
		assert.Equal(t, "chain", got.Name)
		assert.Equal(t, "newBlock", got.Key)
		assert.JSONEq(t, `{"height":1}`, string(got.Payload))
	}
}

func TestRelay_FiltersByKey(t *testing.T) {
	fx := newRelayFixture(t)
	fx.add(t, "chain", nil)
	wallet := fx.add(t, "wallet", map[string][]string{"chain": {"newBlock"}})
	explorer := fx.add(t, "explorer", map[string][]string{"chain": {"newBlock", "reorg"}})

	fx.emit("chain", "reorg", `{"depth":2}`)

	require.Eventually(t, func() bool {
		return len(explorer.messages(plugin.ActionNotification)) == 1
	}, 2*time.Second, 5*time.Millisecond)
	assert.Empty(t, wallet.messages(plugin.ActionNotification))
}

func TestRelay_Subscribers(t *testing.T) {
	fx := newRelayFixture(t)
	fx.add(t, "chain", map[string][]string{"chain": {"newBlock"}})
	fx.add(t, "wallet", map[string][]string{"chain": {"newBlock"}})
	fx.add(t, "explorer", map[string][]string{"chain": {"newBlock"}})

	assert.Equal(t, []string{"explorer", "wallet"}, fx.relay.Subscribers("chain", "newBlock"))
	assert.Empty(t, fx.relay.Subscribers("chain", "reorg"))
	assert.Empty(t, fx.relay.Subscribers("wallet", "newBlock"))
}

func TestRelay_Forget(t *testing.T) {
	fx := newRelayFixture(t)
	fx.add(t, "chain", nil)
	wallet := fx.add(t, "wallet", map[string][]string{"chain": {"newBlock"}})

	fx.relay.Forget("wallet")
	assert.Empty(t, fx.relay.Subscribers("chain", "newBlock"))

	fx.emit("chain", "newBlock", `{"height":1}`)
	fx.relay.Stop()
	assert.Empty(t, wallet.messages(plugin.ActionNotification))

	fx.relay.Forget("unknown")
}

func TestRelay_StopDropsLaterNotifications(t *testing.T) {
	fx := newRelayFixture(t)
	fx.add(t, "chain", nil)
	wallet := fx.add(t, "wallet", map[string][]string{"chain": {"newBlock"}})

	fx.relay.Stop()
	fx.emit("chain", "newBlock", `{"height":1}`)

	assert.Never(t, func() bool {
		return len(wallet.messages(plugin.ActionNotification)) > 0
	}, 50*time.Millisecond, 5*time.Millisecond)
}

func TestRelay_DeactivatedTargetIsSkipped(t *testing.T) {
	fx := newRelayFixture(t)
	fx.add(t, "chain", nil)
	wallet := fx.add(t, "wallet", map[string][]string{"chain": {"newBlock"}})
	fx.add(t, "explorer", map[string][]string{"chain": {"newBlock"}})

	require.NoError(t, fx.chans["wallet"].Deactivate(context.Background()))

	fx.emit("chain", "newBlock", `{"height":1}`)

	explorer := fx.frames["explorer"]
	require.Eventually(t, func() bool {
		return len(explorer.messages(plugin.ActionNotification)) == 1
	}, 2*time.Second, 5*time.Millisecond)
	assert.Empty(t, wallet.messages(plugin.ActionNotification))
}
