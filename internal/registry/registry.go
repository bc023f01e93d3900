// Package registry manages bot definitions. Every create and edit is
// compile-checked before it is stored.
package registry

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"go.uber.org/zap"

	"botbox/internal/capability"
	"botbox/internal/store"
)

// MaxNameLength is the longest allowed bot name, in characters.
const MaxNameLength = 15

// Store is the persistence the registry needs.
type Store interface {
	CreateBot(ctx context.Context, b store.Bot) error
	UpdateBot(ctx context.Context, name, owner, source string, at time.Time) error
	DeleteBot(ctx context.Context, name string) error
	GetBot(ctx context.Context, name string) (*store.Bot, error)
	BotExists(ctx context.Context, name string) (bool, error)
	ListBots(ctx context.Context) ([]store.Bot, error)
	SetLastSaid(ctx context.Context, name, said string) error
}

// Checker compile-checks a script.
type Checker interface {
	Check(ctx context.Context, source string, bot capability.Identity) error
}

// Registry holds all registered bots.
type Registry struct {
	store   Store
	checker Checker
	logger  *zap.Logger
	now     func() time.Time
}

// New creates a registry over st.
func New(st Store, checker Checker, logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{store: st, checker: checker, logger: logger, now: time.Now}
}

// ValidateName checks a bot name: 1 to MaxNameLength characters, no whitespace.
func ValidateName(name string) error {
	n := utf8.RuneCountInString(name)
	if n == 0 || n > MaxNameLength || strings.IndexFunc(name, unicode.IsSpace) >= 0 {
		return fmt.Errorf("%w: bot name %q must be 1 to %d characters without spaces",
			capability.ErrValidation, name, MaxNameLength)
	}
	return nil
}

// Add compile-checks source and registers it under name.
func (r *Registry) Add(ctx context.Context, name, owner, source string) error {
	if err := ValidateName(name); err != nil {
		return err
	}
	if err := r.check(ctx, name, owner, source); err != nil {
		return err
	}

	at := r.now()
	err := r.store.CreateBot(ctx, store.Bot{
		Name:      name,
		Owner:     owner,
		Source:    source,
		CreatedAt: at,
		UpdatedAt: at,
	})
	if errors.Is(err, store.ErrConflict) {
		return &ConflictError{Name: name}
	}
	if err != nil {
		return err
	}

	r.logger.Info("bot registered", zap.String("bot", name), zap.String("owner", owner))
	return nil
}

// Edit compile-checks source and replaces the bot's source and owner.
func (r *Registry) Edit(ctx context.Context, name, owner, source string) error {
	if err := r.check(ctx, name, owner, source); err != nil {
		return err
	}
	err := r.store.UpdateBot(ctx, name, owner, source, r.now())
	if errors.Is(err, store.ErrNotFound) {
		return &NotFoundError{Name: name}
	}
	if err != nil {
		return err
	}

	r.logger.Info("bot edited", zap.String("bot", name), zap.String("owner", owner))
	return nil
}

// Remove deletes a bot and its state.
func (r *Registry) Remove(ctx context.Context, name string) error {
	err := r.store.DeleteBot(ctx, name)
	if errors.Is(err, store.ErrNotFound) {
		return &NotFoundError{Name: name}
	}
	if err != nil {
		return err
	}

	r.logger.Info("bot removed", zap.String("bot", name))
	return nil
}

// Get returns one bot.
func (r *Registry) Get(ctx context.Context, name string) (*store.Bot, error) {
	b, err := r.store.GetBot(ctx, name)
	if errors.Is(err, store.ErrNotFound) {
		return nil, &NotFoundError{Name: name}
	}
	return b, err
}

// Exists reports whether name is registered.
func (r *Registry) Exists(ctx context.Context, name string) (bool, error) {
	return r.store.BotExists(ctx, name)
}

// All returns every bot in registration order.
func (r *Registry) All(ctx context.Context) ([]store.Bot, error) {
	return r.store.ListBots(ctx)
}

// UpdateLastSaid records what a bot last said. An empty string leaves the
// previous value in place.
func (r *Registry) UpdateLastSaid(ctx context.Context, name, said string) error {
	if said == "" {
		return nil
	}
	return r.store.SetLastSaid(ctx, name, said)
}

func (r *Registry) check(ctx context.Context, name, owner, source string) error {
	id := capability.Identity{Name: name, Owner: owner, Digest: capability.SourceDigest(source)}
	if err := r.checker.Check(ctx, source, id); err != nil {
		r.logger.Debug("compile-check failed", zap.String("bot", name), zap.Error(err))
		return err
	}
	return nil
}
