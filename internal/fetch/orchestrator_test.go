package fetch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"botbox/internal/capability"
	"botbox/internal/sandbox"
)

// fakeFetcher serves bodies from a map and counts calls per URL.
type fakeFetcher struct {
	mu     sync.Mutex
	bodies map[string]string
	calls  map[string]int
	err    error
}

func newFakeFetcher(bodies map[string]string) *fakeFetcher {
	return &fakeFetcher{bodies: bodies, calls: map[string]int{}}
}

func (f *fakeFetcher) Fetch(_ context.Context, rawURL string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[rawURL]++
	if f.err != nil {
		return "", f.err
	}
	return f.bodies[rawURL], nil
}

// urlRunner needs every URL in order, then succeeds saying all bodies.
type urlRunner struct {
	urls []string
	runs int
}

func (r *urlRunner) Run(_ context.Context, req sandbox.Request) sandbox.Result {
	r.runs++
	out := capability.NewOutput()
	for _, u := range r.urls {
		body, ok := req.Cache[u]
		if !ok {
			return sandbox.Result{Kind: sandbox.FetchNeeded, URL: u}
		}
		out.Messages = append(out.Messages, body)
	}
	return sandbox.Result{Kind: sandbox.Success, Output: out, State: []byte{0xa0}}
}

type fixedRunner struct {
	res sandbox.Result
}

func (r fixedRunner) Run(context.Context, sandbox.Request) sandbox.Result { return r.res }

func TestOrchestrator_FetchesEachURLOnce(t *testing.T) {
	fetcher := newFakeFetcher(map[string]string{"http://a": "A", "http://b": "B"})
	runner := &urlRunner{urls: []string{"http://a", "http://b"}}

	out, err := NewOrchestrator(runner, fetcher, nil).Run(context.Background(), sandbox.Request{})
	require.NoError(t, err)

	assert.Equal(t, []string{"A", "B"}, out.Output.Messages)
	assert.Equal(t, 3, runner.runs)
	if diff := cmp.Diff(map[string]int{"http://a": 1, "http://b": 1}, fetcher.calls); diff != "" {
		t.Errorf("fetch calls (-want +got):\n%s", diff)
	}
	assert.Equal(t, map[string]string{"http://a": "A", "http://b": "B"}, out.Cache)
}

func TestOrchestrator_Limit(t *testing.T) {
	urls := []string{"http://1", "http://2", "http://3", "http://4"}
	fetcher := newFakeFetcher(nil)
	runner := &urlRunner{urls: urls}

	_, err := NewOrchestrator(runner, fetcher, nil).Run(context.Background(), sandbox.Request{})
	require.ErrorIs(t, err, ErrFetchLimitExceeded)
	assert.Len(t, fetcher.calls, 3)
	assert.Zero(t, fetcher.calls["http://4"], "the fourth URL is never fetched")
}

func TestOrchestrator_CarriedCacheCountsTowardLimit(t *testing.T) {
	fetcher := newFakeFetcher(nil)
	runner := &urlRunner{urls: []string{"http://1", "http://2", "http://3", "http://4"}}
	req := sandbox.Request{Cache: map[string]string{"http://1": "", "http://2": ""}}

	_, err := NewOrchestrator(runner, fetcher, nil).Run(context.Background(), req)
	require.ErrorIs(t, err, ErrFetchLimitExceeded)
	assert.Equal(t, map[string]int{"http://3": 1}, fetcher.calls)
	assert.Len(t, req.Cache, 2, "the caller's cache is not modified")
}

func TestOrchestrator_ProtocolViolation(t *testing.T) {
	runner := fixedRunner{sandbox.Result{Kind: sandbox.FetchNeeded, URL: "http://a"}}
	req := sandbox.Request{Cache: map[string]string{"http://a": "A"}}

	_, err := NewOrchestrator(runner, newFakeFetcher(nil), nil).Run(context.Background(), req)
	assert.ErrorIs(t, err, ErrFetchProtocol)
}

func TestOrchestrator_FailurePropagates(t *testing.T) {
	boom := errors.New("boom")
	runner := fixedRunner{sandbox.Result{Kind: sandbox.Failure, Err: boom}}

	_, err := NewOrchestrator(runner, newFakeFetcher(nil), nil).Run(context.Background(), sandbox.Request{})
	assert.Same(t, boom, err)
}

func TestOrchestrator_FetchError(t *testing.T) {
	fetcher := newFakeFetcher(nil)
	fetcher.err = fmt.Errorf("dial: %w", ErrUnsupportedURL)
	runner := &urlRunner{urls: []string{"http://a"}}

	_, err := NewOrchestrator(runner, fetcher, nil).Run(context.Background(), sandbox.Request{})
	assert.ErrorIs(t, err, ErrUnsupportedURL)
	assert.Contains(t, err.Error(), "curl http://a")
}

func TestOrchestrator_WithCell(t *testing.T) {
	src := `package main

import "bot"

func OnMessage(name, message string) {
	bot.Say("start")
	bot.Say(bot.Curl("http://example.test/one") + bot.Curl("http://example.test/two"))
}
`
	fetcher := newFakeFetcher(map[string]string{
		"http://example.test/one": "1",
		"http://example.test/two": "2",
	})
	cell := sandbox.NewCell(sandbox.Limits{Timeout: 2 * time.Second}, nil)

	out, err := NewOrchestrator(cell, fetcher, nil).Run(context.Background(), sandbox.Request{
		Source: src,
		Bot:    capability.Identity{Name: "curly"},
		Entry:  sandbox.EntryOnMessage,
		Args:   []string{"alice", "hi"},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"start", "12"}, out.Output.Messages, "aborted attempts leave no effects")
	assert.Equal(t, map[string]int{"http://example.test/one": 1, "http://example.test/two": 1}, fetcher.calls)
}
