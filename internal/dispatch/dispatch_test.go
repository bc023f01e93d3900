package dispatch

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"botbox/internal/botenv"
	"botbox/internal/capability"
	"botbox/internal/fetch"
	"botbox/internal/registry"
	"botbox/internal/sandbox"
	"botbox/internal/store"
)

type harness struct {
	reg   *registry.Registry
	store *store.SQLite
	d     *Dispatcher
}

type noFetch struct{}

func (noFetch) Fetch(context.Context, string) (string, error) {
	return "", errors.New("no network in tests")
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	st, err := store.Open(store.Options{Path: filepath.Join(t.TempDir(), "botbox.db")}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	cell := sandbox.NewCell(sandbox.Limits{Timeout: 2 * time.Second}, nil)
	reg := registry.New(st, cell, nil)
	env := botenv.New(fetch.NewOrchestrator(cell, noFetch{}, nil), st, nil)
	return &harness{reg: reg, store: st, d: New(reg, env, nil)}
}

const (
	helloScript = `package main

import "bot"

func OnMessage(name, message string) { bot.Say("hello " + name) }
`
	shoutScript = `package main

import (
	"strings"

	"bot"
)

func OnMessage(name, message string) {
	bot.Broadcast("shout", strings.ToUpper(message), "red")
}
`
	// Passes the compile-check, fails on "crash".
	fragileScript = `package main

import "bot"

func OnMessage(name, message string) {
	if message == "crash" {
		panic("fragile broke")
	}
	bot.Say("fine")
}
`
)

func TestDispatcher_MergesInRegistrationOrder(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.reg.Add(ctx, "hello", "alice@chat", helloScript))
	require.NoError(t, h.reg.Add(ctx, "shout", "bob@chat", shoutScript))

	out, err := h.d.Message(ctx, "carol", "hey")
	require.NoError(t, err)

	want := &capability.Output{
		Broadcasts: []capability.BroadcastEffect{{
			Name: "shout", Msg: "HEY", Color: "red", BotName: "shout", BotOwner: "bob@chat",
		}},
		Messages: []string{"hello carol"},
		Timers:   map[string]capability.Job{},
		PMs:      map[string][]string{},
	}
	if diff := cmp.Diff(want, out); diff != "" {
		t.Fatalf("merged output (-want +got):\n%s", diff)
	}

	b, err := h.reg.Get(ctx, "shout")
	require.NoError(t, err)
	assert.Equal(t, "[BROADCAST] shout: HEY", b.LastSaid)
}

func TestDispatcher_PartialFailure(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.reg.Add(ctx, "hello", "alice@chat", helloScript))
	require.NoError(t, h.reg.Add(ctx, "fragile", "dave@chat", fragileScript))
	require.NoError(t, h.reg.Add(ctx, "shout", "bob@chat", shoutScript))

	out, err := h.d.Message(ctx, "carol", "crash")
	require.NoError(t, err)

	assert.Equal(t, []string{"hello carol"}, out.Messages)
	assert.Len(t, out.Broadcasts, 1)

	pms := out.PMs["dave@chat"]
	require.Len(t, pms, 2)
	assert.Regexp(t, "^ERROR in bot `fragile`: .*fragile broke", pms[0])
	assert.Contains(t, pms[0], fragileScript)
	assert.Equal(t, "Bot `fragile` was killed due to errors.\nHere lies its code:\n"+fragileScript, pms[1])

	ok, err := h.reg.Exists(ctx, "fragile")
	require.NoError(t, err)
	assert.False(t, ok)
	ok, err = h.reg.Exists(ctx, "shout")
	require.NoError(t, err)
	assert.True(t, ok, "bots after the failing one still run")
}

func TestDispatcher_FailedBotStateIsRemoved(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	src := `package main

import "bot"

func OnMessage(name, message string) {
	bot.Save("seen", message)
	if message == "crash" {
		panic("bye")
	}
}
`
	require.NoError(t, h.reg.Add(ctx, "keeper", "alice@chat", src))
	_, err := h.d.Message(ctx, "carol", "first")
	require.NoError(t, err)
	st, err := h.store.LoadState(ctx, "keeper")
	require.NoError(t, err)
	require.NotZero(t, st.Version)

	_, err = h.d.Message(ctx, "carol", "crash")
	require.NoError(t, err)
	st, err = h.store.LoadState(ctx, "keeper")
	require.NoError(t, err)
	assert.Zero(t, st.Version)
}

func TestDispatcher_Kill(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.reg.Add(ctx, "hello", "alice@chat", helloScript))

	out, err := h.d.Kill(ctx, "hello", errors.New("broadcast rejected"))
	require.NoError(t, err)
	require.Len(t, out.PMs["alice@chat"], 2)
	assert.Equal(t, "ERROR in bot `hello`: broadcast rejected\n"+helloScript, out.PMs["alice@chat"][0])

	_, err = h.d.Kill(ctx, "hello", nil)
	assert.ErrorIs(t, err, registry.ErrNotFound)
}

func TestDispatcher_KillWithoutCause(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.reg.Add(ctx, "hello", "alice@chat", helloScript))

	out, err := h.d.Kill(ctx, "hello", nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"Bot `hello` was killed due to errors.\nHere lies its code:\n" + helloScript},
		out.PMs["alice@chat"])
}

func TestDispatcher_RunJob(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	src := `package main

import "bot"

var Ping = bot.Periodic("ping", "*/10", nil, nil, func() { bot.Say("pong") })

var Bad = bot.Periodic("bad", nil, nil, nil, func() { panic("no") })
`
	require.NoError(t, h.reg.Add(ctx, "pinger", "alice@chat", src))

	out, err := h.d.RunJob(ctx, "pinger", "ping")
	require.NoError(t, err)
	assert.Equal(t, []string{"pong"}, out.Messages)
	assert.Contains(t, out.Timers, "ping")

	b, err := h.reg.Get(ctx, "pinger")
	require.NoError(t, err)
	assert.Equal(t, "pong", b.LastSaid)

	_, err = h.d.RunJob(ctx, "pinger", "bad")
	var removed *RemovedError
	require.ErrorAs(t, err, &removed)
	assert.Equal(t, "pinger", removed.Bot)
	assert.Len(t, removed.Output.PMs["alice@chat"], 2)

	_, err = h.d.RunJob(ctx, "pinger", "ping")
	assert.ErrorIs(t, err, registry.ErrNotFound)
}

// failingRegistry fails to list.
type failingRegistry struct {
	Registry
}

func (failingRegistry) All(context.Context) ([]store.Bot, error) {
	return nil, errors.New("db down")
}

func TestDispatcher_ListFailure(t *testing.T) {
	d := New(failingRegistry{}, nil, nil)
	_, err := d.Message(context.Background(), "a", "b")
	assert.EqualError(t, err, "db down")
}

// cancellingRuntime cancels the dispatch context while the first bot runs,
// the way a host shutting down mid-delivery would.
type cancellingRuntime struct {
	Runtime
	cancel context.CancelFunc
	calls  []string
}

func (r *cancellingRuntime) OnMessage(ctx context.Context, bot store.Bot, sender, text string) (*capability.Output, error) {
	r.calls = append(r.calls, bot.Name)
	r.cancel()
	return r.Runtime.OnMessage(ctx, bot, sender, text)
}

func TestDispatcher_HostCancellationIsNotABotFailure(t *testing.T) {
	h := newHarness(t)
	bg := context.Background()
	require.NoError(t, h.reg.Add(bg, "hello", "alice@chat", helloScript))
	require.NoError(t, h.reg.Add(bg, "shout", "bob@chat", shoutScript))

	ctx, cancel := context.WithCancel(bg)
	defer cancel()
	rt := &cancellingRuntime{Runtime: h.d.runtime, cancel: cancel}
	d := New(h.reg, rt, nil)

	out, err := d.Message(ctx, "carol", "hey")
	assert.ErrorIs(t, err, context.Canceled)
	assert.Nil(t, out)
	assert.Equal(t, []string{"hello"}, rt.calls, "delivery stops once ctx ends")

	for _, name := range []string{"hello", "shout"} {
		ok, err := h.reg.Exists(bg, name)
		require.NoError(t, err)
		assert.True(t, ok, "%s stays registered", name)
	}
}

// stuckRegistry cannot delete bots.
type stuckRegistry struct {
	*registry.Registry
}

func (stuckRegistry) Remove(context.Context, string) error {
	return errors.New("db locked")
}

func TestDispatcher_NoNoticesWhenRemovalFails(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.reg.Add(ctx, "fragile", "dave@chat", fragileScript))
	require.NoError(t, h.reg.Add(ctx, "hello", "alice@chat", helloScript))

	d := New(stuckRegistry{h.reg}, h.d.runtime, nil)
	out, err := d.Message(ctx, "carol", "crash")
	require.NoError(t, err)
	assert.Equal(t, []string{"hello carol"}, out.Messages)
	assert.Empty(t, out.PMs)

	ok, err := h.reg.Exists(ctx, "fragile")
	require.NoError(t, err)
	assert.True(t, ok)

	_, err = d.Kill(ctx, "fragile", nil)
	assert.EqualError(t, err, "db locked")
}
