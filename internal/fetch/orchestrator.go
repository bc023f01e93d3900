package fetch

import (
	"context"
	"fmt"
	"maps"

	"go.uber.org/zap"

	"botbox/internal/capability"
	"botbox/internal/sandbox"
)

// MaxFetches is how many distinct URLs one dispatch of one bot may fetch.
const MaxFetches = 3

// Runner is the execution cell as the orchestrator sees it.
type Runner interface {
	Run(ctx context.Context, req sandbox.Request) sandbox.Result
}

// Outcome is a successful orchestrated run.
type Outcome struct {
	Output *capability.Output
	State  []byte
	Cache  map[string]string // every URL fetched so far, for carrying into a rerun
}

// Orchestrator runs a script to completion, fetching each URL it asks for
// outside the sandbox and replaying the script from scratch with the body
// in its cache.
type Orchestrator struct {
	runner     Runner
	fetcher    Fetcher
	maxFetches int
	logger     *zap.Logger
}

// NewOrchestrator creates an orchestrator allowing MaxFetches fetches.
func NewOrchestrator(runner Runner, fetcher Fetcher, logger *zap.Logger) *Orchestrator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Orchestrator{
		runner:     runner,
		fetcher:    fetcher,
		maxFetches: MaxFetches,
		logger:     logger,
	}
}

// Run executes req. Entries already in req.Cache count toward the fetch
// limit. Effects of attempts aborted by a fetch are discarded.
func (o *Orchestrator) Run(ctx context.Context, req sandbox.Request) (*Outcome, error) {
	cache := maps.Clone(req.Cache)
	if cache == nil {
		cache = map[string]string{}
	}
	fetched := len(cache)

	for attempt := 1; ; attempt++ {
		req.Cache = maps.Clone(cache)
		res := o.runner.Run(ctx, req)

		switch res.Kind {
		case sandbox.Success:
			return &Outcome{Output: res.Output, State: res.State, Cache: cache}, nil

		case sandbox.Failure:
			return nil, res.Err

		case sandbox.FetchNeeded:
			if _, ok := cache[res.URL]; ok {
				return nil, fmt.Errorf("%w: %s was reported missing but is cached", ErrFetchProtocol, res.URL)
			}
			if fetched >= o.maxFetches {
				return nil, fmt.Errorf("%w: cannot fetch %s, only %d URLs may be fetched per message",
					ErrFetchLimitExceeded, res.URL, o.maxFetches)
			}

			o.logger.Debug("fetch needed",
				zap.String("bot", req.Bot.Name),
				zap.String("url", res.URL),
				zap.Int("attempt", attempt))
			body, err := o.fetcher.Fetch(ctx, res.URL)
			if err != nil {
				return nil, fmt.Errorf("curl %s: %w", res.URL, err)
			}
			cache[res.URL] = body
			fetched++

		default:
			return nil, fmt.Errorf("unexpected result kind %v", res.Kind)
		}
	}
}
