// Package logging builds the process logger and hands out named child
// loggers per subsystem. The level is shared and can change at runtime.
package logging

import (
	"fmt"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Category names a subsystem logger.
type Category string

const (
	CategoryBoot     Category = "boot"     // startup and shutdown
	CategorySandbox  Category = "sandbox"  // execution cell runs
	CategoryFetch    Category = "fetch"    // outbound fetches and replays
	CategoryStore    Category = "store"    // database
	CategoryRegistry Category = "registry" // bot create/edit/remove
	CategoryDispatch Category = "dispatch" // message fan-out and bot removal
	CategoryServer   Category = "server"   // control socket
	CategoryConfig   Category = "config"   // config reloads
)

// Options configures New.
type Options struct {
	Level  zapcore.Level
	Format string // json or console

	// Categories disables individual subsystems when set to false.
	// Unlisted categories are enabled.
	Categories map[string]bool
}

// Logging owns the root logger and its level.
type Logging struct {
	root       *zap.Logger
	level      zap.AtomicLevel
	categories map[string]bool

	mu      sync.Mutex
	loggers map[Category]*zap.Logger
}

// New builds a production zap logger writing to stderr.
func New(opts Options) (*Logging, error) {
	level := zap.NewAtomicLevelAt(opts.Level)

	config := zap.NewProductionConfig()
	config.Level = level
	if opts.Format != "" {
		config.Encoding = opts.Format
	}
	if config.Encoding == "console" {
		config.EncoderConfig = zap.NewDevelopmentEncoderConfig()
	}

	root, err := config.Build()
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	return newLogging(root, level, opts.Categories), nil
}

// NewNop returns a Logging that discards everything.
func NewNop() *Logging {
	return newLogging(zap.NewNop(), zap.NewAtomicLevel(), nil)
}

// WithCore wraps an existing core. The core should consult level so that
// SetLevel takes effect.
func WithCore(core zapcore.Core, level zap.AtomicLevel, categories map[string]bool) *Logging {
	return newLogging(zap.New(core), level, categories)
}

func newLogging(root *zap.Logger, level zap.AtomicLevel, categories map[string]bool) *Logging {
	return &Logging{
		root:       root,
		level:      level,
		categories: categories,
		loggers:    make(map[Category]*zap.Logger),
	}
}

// Get returns the logger for a category, or a no-op logger when the
// category is disabled.
func (l *Logging) Get(category Category) *zap.Logger {
	l.mu.Lock()
	defer l.mu.Unlock()

	if logger, ok := l.loggers[category]; ok {
		return logger
	}
	logger := zap.NewNop()
	if enabled, listed := l.categories[string(category)]; !listed || enabled {
		logger = l.root.Named(string(category))
	}
	l.loggers[category] = logger
	return logger
}

// Root returns the unnamed root logger.
func (l *Logging) Root() *zap.Logger {
	return l.root
}

// Level returns the current level.
func (l *Logging) Level() zapcore.Level {
	return l.level.Level()
}

// SetLevel changes the level of every logger handed out so far.
func (l *Logging) SetLevel(level zapcore.Level) {
	l.level.SetLevel(level)
}

// Sync flushes buffered entries.
func (l *Logging) Sync() error {
	return l.root.Sync()
}
