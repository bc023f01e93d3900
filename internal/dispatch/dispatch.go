// Package dispatch delivers messages and job runs to bots. A bot that fails
// is removed and its owner is told why; the other bots are unaffected.
package dispatch

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"botbox/internal/capability"
	"botbox/internal/store"
)

// Registry is the subset of the bot registry dispatch uses.
type Registry interface {
	All(ctx context.Context) ([]store.Bot, error)
	Get(ctx context.Context, name string) (*store.Bot, error)
	Remove(ctx context.Context, name string) error
	UpdateLastSaid(ctx context.Context, name, said string) error
}

// Runtime runs one bot.
type Runtime interface {
	OnMessage(ctx context.Context, bot store.Bot, sender, text string) (*capability.Output, error)
	RunJob(ctx context.Context, bot store.Bot, job string) (*capability.Output, error)
}

// RemovedError is returned by RunJob when the job failed and its bot was
// removed. Output holds the notices sent to the owner.
type RemovedError struct {
	Bot    string
	Err    error
	Output *capability.Output
}

func (e *RemovedError) Error() string {
	return fmt.Sprintf("bot `%s` was removed: %v", e.Bot, e.Err)
}

func (e *RemovedError) Unwrap() error {
	return e.Err
}

// Dispatcher runs the dispatch loop.
type Dispatcher struct {
	registry Registry
	runtime  Runtime
	logger   *zap.Logger
}

// New creates a Dispatcher.
func New(registry Registry, runtime Runtime, logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{registry: registry, runtime: runtime, logger: logger}
}

// Message delivers one chat message to every bot in registration order and
// merges what they produced. Failing to list the bots is an error, and so
// is ctx ending mid-delivery: the remaining bots are skipped and the bot
// that was interrupted is not blamed.
func (d *Dispatcher) Message(ctx context.Context, sender, text string) (*capability.Output, error) {
	bots, err := d.registry.All(ctx)
	if err != nil {
		return nil, err
	}

	merged := capability.NewOutput()
	for _, bot := range bots {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		out, err := d.runtime.OnMessage(ctx, bot, sender, text)
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		if err != nil {
			d.logger.Warn("bot failed", zap.String("bot", bot.Name), zap.Error(err))
			notes, rmErr := d.remove(ctx, bot, err)
			if rmErr != nil {
				d.logger.Error("failed to remove bot", zap.String("bot", bot.Name), zap.Error(rmErr))
				continue
			}
			merged.Combine(notes)
			continue
		}
		d.noteLastSaid(ctx, bot.Name, out.LastSaid)
		merged.Combine(out)
	}
	return merged, nil
}

// RunJob fires one periodic job. On failure the bot is removed and the
// error is a *RemovedError carrying the owner notices.
func (d *Dispatcher) RunJob(ctx context.Context, name, job string) (*capability.Output, error) {
	bot, err := d.registry.Get(ctx, name)
	if err != nil {
		return nil, err
	}

	out, err := d.runtime.RunJob(ctx, *bot, job)
	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, ctxErr
	}
	if err != nil {
		d.logger.Warn("job failed", zap.String("bot", name), zap.String("job", job), zap.Error(err))
		notes, rmErr := d.remove(ctx, *bot, err)
		if rmErr != nil {
			return nil, fmt.Errorf("job %s of bot `%s` failed (%v) and the bot could not be removed: %w", job, name, err, rmErr)
		}
		return nil, &RemovedError{Bot: name, Err: err, Output: notes}
	}
	d.noteLastSaid(ctx, name, out.LastSaid)
	return out, nil
}

// Kill removes a bot on request. A non-nil cause is reported to the owner
// ahead of the removal notice.
func (d *Dispatcher) Kill(ctx context.Context, name string, cause error) (*capability.Output, error) {
	bot, err := d.registry.Get(ctx, name)
	if err != nil {
		return nil, err
	}
	return d.remove(ctx, *bot, cause)
}

// remove deletes a bot and returns the owner notices. No notices are
// produced unless the bot is actually gone.
func (d *Dispatcher) remove(ctx context.Context, bot store.Bot, cause error) (*capability.Output, error) {
	if err := d.registry.Remove(ctx, bot.Name); err != nil {
		return nil, err
	}
	d.logger.Info("bot killed", zap.String("bot", bot.Name), zap.String("owner", bot.Owner))
	return notices(bot, cause), nil
}

func (d *Dispatcher) noteLastSaid(ctx context.Context, name, said string) {
	if err := d.registry.UpdateLastSaid(ctx, name, said); err != nil {
		d.logger.Warn("failed to update last said", zap.String("bot", name), zap.Error(err))
	}
}

func notices(bot store.Bot, cause error) *capability.Output {
	out := capability.NewOutput()
	if cause != nil {
		out.Notify(bot.Owner, fmt.Sprintf("ERROR in bot `%s`: %v\n%s", bot.Name, cause, bot.Source))
	}
	out.Notify(bot.Owner, fmt.Sprintf("Bot `%s` was killed due to errors.\nHere lies its code:\n%s", bot.Name, bot.Source))
	return out
}
