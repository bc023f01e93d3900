package sandbox

import (
	"context"
	"errors"
	"fmt"
	"go/token"
	"io"
	"reflect"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/traefik/yaegi/interp"
	"go.uber.org/zap"

	"botbox/internal/capability"
)

var sandboxStdlib = sync.OnceValue(restrictedStdlib)

// Cell runs bot scripts in a Yaegi interpreter. Every call gets a fresh
// interpreter, a fresh capability surface and its own limits, so nothing
// leaks between calls. A Cell is safe for concurrent use.
type Cell struct {
	limits  Limits
	checker *SafetyChecker
	logger  *zap.Logger
}

// NewCell creates a cell enforcing limits on every run.
func NewCell(limits Limits, logger *zap.Logger) *Cell {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Cell{
		limits:  limits,
		checker: NewSafetyChecker(allowedPackages),
		logger:  logger,
	}
}

// Run loads the script, then compile-checks it, calls req.Entry or fires
// req.Job. Whatever the script does, the outcome comes back as a Result.
func (c *Cell) Run(ctx context.Context, req Request) Result {
	start := time.Now()
	res := c.run(ctx, req)

	fields := []zap.Field{
		zap.String("bot", req.Bot.Name),
		zap.String("entry", req.Entry),
		zap.String("job", req.Job),
		zap.Stringer("result", res.Kind),
		zap.Duration("elapsed", time.Since(start)),
	}
	switch res.Kind {
	case FetchNeeded:
		fields = append(fields, zap.String("url", res.URL))
	case Failure:
		fields = append(fields, zap.Error(res.Err))
	}
	c.logger.Debug("script run", fields...)
	return res
}

// Check compile-checks source for bot. The script must load cleanly within
// the limits and define OnMessage with the right signature, declare a
// periodic job, or both.
func (c *Cell) Check(ctx context.Context, source string, bot capability.Identity) error {
	res := c.Run(ctx, Request{Source: source, Bot: bot})
	switch res.Kind {
	case Success:
		return nil
	case FetchNeeded:
		return fmt.Errorf("%w: Curl(%q) cannot run while the script loads", capability.ErrValidation, res.URL)
	default:
		if errors.Is(res.Err, capability.ErrValidation) {
			return res.Err
		}
		return fmt.Errorf("%w: %w", capability.ErrValidation, res.Err)
	}
}

func (c *Cell) run(ctx context.Context, req Request) Result {
	if req.Entry != "" && (!token.IsIdentifier(req.Entry) || !token.IsExported(req.Entry)) {
		return failed(fmt.Errorf("invalid entry point %q", req.Entry))
	}

	prog, err := c.checker.Prepare(req.Source)
	if err != nil {
		return failed(err)
	}

	state, err := capability.DecodeState(req.State)
	if err != nil {
		return failed(fmt.Errorf("decode state: %w", err))
	}
	surface := capability.NewSurface(req.Bot, state, req.Cache)
	defer surface.Seal()

	i := interp.New(interp.Options{
		Stdin:  strings.NewReader(""),
		Stdout: io.Discard,
		Stderr: io.Discard,
	})
	if err := i.Use(sandboxStdlib()); err != nil {
		return failed(fmt.Errorf("load stdlib: %w", err))
	}
	if err := i.Use(capabilityExports(surface)); err != nil {
		return failed(fmt.Errorf("load capabilities: %w", err))
	}
	g := &guard{}
	if err := i.Use(guardedExports(g)); err != nil {
		return failed(fmt.Errorf("load guarded stdlib: %w", err))
	}

	runCtx, stop := c.limits.enforce(ctx, g)
	defer stop()

	err = eval(runCtx, i, prog.source)
	if err == nil {
		err = invoke(runCtx, i, surface, req)
	}
	surface.Seal()
	// Growth since the last watchdog sample still counts.
	g.check()
	return outcome(runCtx, surface, err)
}

// invoke performs the requested call on a loaded script.
func invoke(ctx context.Context, i *interp.Interpreter, surface *capability.Surface, req Request) error {
	switch {
	case req.Job != "":
		surface.Arm(req.Job)
		return eval(ctx, i, fmt.Sprintf("main.%s(%s)", fireFunc, strconv.Quote(req.Job)))

	case req.Entry != "":
		fn, err := lookup(i, req.Entry)
		if err != nil {
			// A bot made only of periodic jobs ignores messages.
			if req.Entry == EntryOnMessage && surface.HasJobs() {
				return nil
			}
			return fmt.Errorf("%w: script does not define %s", capability.ErrValidation, req.Entry)
		}
		if err := checkEntry(req.Entry, fn, len(req.Args)); err != nil {
			return err
		}
		args := make([]string, len(req.Args))
		for k, a := range req.Args {
			args[k] = strconv.Quote(a)
		}
		return eval(ctx, i, fmt.Sprintf("main.%s(%s)", req.Entry, strings.Join(args, ", ")))

	default:
		fn, err := lookup(i, EntryOnMessage)
		if err != nil {
			if surface.HasJobs() {
				return nil
			}
			return fmt.Errorf("%w: define func OnMessage(name, message string) or declare at least one periodic job",
				capability.ErrValidation)
		}
		return checkEntry(EntryOnMessage, fn, 2)
	}
}

// outcome classifies a finished run. A recorded capability fault wins over
// whatever the script made of it, then resource limits, then a fetch miss.
func outcome(ctx context.Context, surface *capability.Surface, err error) Result {
	if fault := surface.Fault(); fault != nil {
		return failed(fault)
	}
	// A limit hit fails the run even if the script recovered and returned.
	if cause := context.Cause(ctx); errors.Is(cause, ErrResourceExceeded) {
		return failed(cause)
	}
	if url := surface.MissingURL(); url != "" {
		return Result{Kind: FetchNeeded, URL: url}
	}
	if err != nil {
		if cause := context.Cause(ctx); cause != nil {
			return failed(cause)
		}
		if errors.Is(err, capability.ErrValidation) {
			return failed(err)
		}
		return failed(fmt.Errorf("script error: %w", err))
	}

	state, err := surface.State()
	if err != nil {
		return failed(fmt.Errorf("%w: encode state: %v", capability.ErrCapabilityMisuse, err))
	}
	return Result{Kind: Success, Output: surface.Output(), State: state}
}

func eval(ctx context.Context, i *interp.Interpreter, src string) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	_, err = i.EvalWithContext(ctx, src)
	return err
}

func lookup(i *interp.Interpreter, name string) (v reflect.Value, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("lookup %s: %v", name, r)
		}
	}()
	v, err = i.Eval("main." + name)
	if err == nil && (!v.IsValid() || v.Kind() != reflect.Func) {
		err = fmt.Errorf("%s is not a function", name)
	}
	return v, err
}

// checkEntry verifies fn takes n strings and returns nothing.
func checkEntry(name string, fn reflect.Value, n int) error {
	t := fn.Type()
	ok := t.NumIn() == n && t.NumOut() == 0 && !t.IsVariadic()
	for k := 0; ok && k < n; k++ {
		ok = t.In(k).Kind() == reflect.String
	}
	if !ok {
		params := strings.TrimSuffix(strings.Repeat("string, ", n), ", ")
		return fmt.Errorf("%w: %s must be func(%s), got %s", capability.ErrValidation, name, params, t)
	}
	return nil
}
