// Package botenv runs one bot for one message or one periodic job, and
// persists the bot's state when the run changed it.
package botenv

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"botbox/internal/capability"
	"botbox/internal/fetch"
	"botbox/internal/sandbox"
	"botbox/internal/store"
)

// MaxAttempts bounds reruns after losing the state version check.
const MaxAttempts = 3

// Orchestrator runs a request to completion, fetching as needed.
type Orchestrator interface {
	Run(ctx context.Context, req sandbox.Request) (*fetch.Outcome, error)
}

// StateStore persists bot state under an optimistic version check.
type StateStore interface {
	LoadState(ctx context.Context, name string) (store.State, error)
	SaveState(ctx context.Context, name string, data []byte, version int64) (int64, error)
}

// Env is the runtime wrapper around the orchestrator.
type Env struct {
	orch   Orchestrator
	states StateStore
	logger *zap.Logger
}

// New creates an Env.
func New(orch Orchestrator, states StateStore, logger *zap.Logger) *Env {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Env{orch: orch, states: states, logger: logger}
}

// OnMessage delivers one chat message to bot.
func (e *Env) OnMessage(ctx context.Context, bot store.Bot, sender, text string) (*capability.Output, error) {
	return e.run(ctx, bot, sandbox.Request{
		Entry: sandbox.EntryOnMessage,
		Args:  []string{sender, text},
	})
}

// RunJob fires the periodic job the bot declared under job.
func (e *Env) RunJob(ctx context.Context, bot store.Bot, job string) (*capability.Output, error) {
	return e.run(ctx, bot, sandbox.Request{Job: job})
}

// run loads state, executes, and writes the state back only when its
// canonical encoding changed. A lost version check reruns from the fresh
// state with the fetch cache carried over; no effects have left the
// process yet, so the earlier attempt is simply dropped.
func (e *Env) run(ctx context.Context, bot store.Bot, req sandbox.Request) (*capability.Output, error) {
	req.Source = bot.Source
	req.Bot = capability.Identity{
		Name:   bot.Name,
		Owner:  bot.Owner,
		Digest: capability.SourceDigest(bot.Source),
	}
	var cache map[string]string

	for attempt := 1; attempt <= MaxAttempts; attempt++ {
		st, err := e.states.LoadState(ctx, bot.Name)
		if err != nil {
			return nil, err
		}
		snapshot, err := capability.Canonical(st.Data)
		if err != nil {
			return nil, fmt.Errorf("stored state of %s: %w", bot.Name, err)
		}

		req.State = snapshot
		req.Cache = cache
		out, err := e.orch.Run(ctx, req)
		if err != nil {
			return nil, err
		}
		cache = out.Cache

		if bytes.Equal(snapshot, out.State) {
			return out.Output, nil
		}

		_, err = e.states.SaveState(ctx, bot.Name, out.State, st.Version)
		if err == nil {
			return out.Output, nil
		}
		if !errors.Is(err, store.ErrStateConflict) {
			return nil, err
		}
		e.logger.Info("state changed during run, rerunning",
			zap.String("bot", bot.Name),
			zap.Int("attempt", attempt),
			zap.Int64("version", st.Version))
	}
	return nil, fmt.Errorf("bot %s: %w after %d attempts", bot.Name, store.ErrStateConflict, MaxAttempts)
}
