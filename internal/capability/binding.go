package capability

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/zeebo/blake3"
)

var broadcastColors = map[string]bool{
	"yellow": true,
	"red":    true,
	"green":  true,
	"purple": true,
	"random": true,
}

// Identity is who a surface acts for.
type Identity struct {
	Name   string
	Owner  string
	Digest string // SourceDigest of the bot's script
}

// SourceDigest returns the hex BLAKE3 digest of a bot source. It is the
// digest carried by job code references.
func SourceDigest(source string) string {
	sum := blake3.Sum256([]byte(source))
	return hex.EncodeToString(sum[:])
}

// binding is the per-invocation state behind a Surface. It is kept out of
// surface.go so the manual only lists the script-facing functions.
type binding struct {
	mu      sync.Mutex
	bot     Identity
	state   map[string]any
	cache   map[string]string
	out     *Output
	jobs    map[string]func()
	fault   error
	missing string
	armed   string
	firing  string
	sealed  bool
}

// NewSurface binds a fresh surface around one bot, its decoded state and
// the fetch cache of the current dispatch. The state map is owned by the
// surface from here on; the cache is only read.
func NewSurface(bot Identity, state map[string]any, cache map[string]string) *Surface {
	if state == nil {
		state = map[string]any{}
	}
	if cache == nil {
		cache = map[string]string{}
	}
	return &Surface{binding: binding{
		bot:   bot,
		state: state,
		cache: cache,
		out:   NewOutput(),
		jobs:  map[string]func(){},
	}}
}

// enter locks the surface. It reports false, without holding the lock,
// once the surface has been sealed.
func (b *binding) enter() bool {
	b.mu.Lock()
	if b.sealed {
		b.mu.Unlock()
		return false
	}
	return true
}

func (b *binding) leave() {
	b.mu.Unlock()
}

// abort records err as the run's fault, unless one is already recorded, and
// unwinds the script. Must be called between enter and leave.
func (b *binding) abort(err error) {
	if b.fault == nil {
		b.fault = err
	}
	panic(err)
}

// Seal stops the surface from accepting further calls. The sandbox seals
// once a run is over so an interpreter still unwinding after a timeout
// cannot touch the accumulator.
func (s *Surface) Seal() {
	s.mu.Lock()
	s.sealed = true
	s.mu.Unlock()
}

// Fault returns the first capability failure of the run. A fetch miss is
// not a fault; see MissingURL.
func (s *Surface) Fault() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if errors.Is(s.fault, errFetchNeeded) {
		return nil
	}
	return s.fault
}

// MissingURL returns the first URL the script asked for that was not in
// the fetch cache, or "".
func (s *Surface) MissingURL() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.missing
}

// Output returns the accumulated effects.
func (s *Surface) Output() *Output {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.out
}

// State returns the canonical encoding of the (possibly updated) state.
func (s *Surface) State() ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return EncodeState(s.state)
}

// HasJobs reports whether the script declared any periodic job.
func (s *Surface) HasJobs() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.jobs) > 0
}

// Arm allows exactly one later Fire of the named job.
func (s *Surface) Arm(name string) {
	s.mu.Lock()
	s.armed = name
	s.mu.Unlock()
}

// Fire runs the job declared under name. Only a job armed by the sandbox
// can be fired, once; every other call is a capability misuse.
func (s *Surface) Fire(name string) {
	if !s.enter() {
		return
	}
	fn, ok := s.jobs[name]
	switch {
	case s.armed == "" || s.armed != name || s.firing != "":
		defer s.leave()
		s.abort(fmt.Errorf("%w: periodic job `%s` cannot be run from a script", ErrCapabilityMisuse, name))
	case !ok:
		defer s.leave()
		s.abort(fmt.Errorf("%w: no periodic job named `%s`", ErrValidation, name))
	}
	s.armed = ""
	s.firing = name
	s.leave()

	fn()
}

// scheduleField normalizes one schedule field to nil, an int64 in
// [lo, hi], or a non-empty string.
func scheduleField(field string, v any, lo, hi int64) (any, error) {
	var n int64
	switch x := v.(type) {
	case nil:
		return nil, nil
	case string:
		x = strings.TrimSpace(x)
		if x == "" || x == "*" {
			return nil, nil
		}
		return x, nil
	case int:
		n = int64(x)
	case int8:
		n = int64(x)
	case int16:
		n = int64(x)
	case int32:
		n = int64(x)
	case int64:
		n = x
	case uint:
		n = int64(x)
	case uint8:
		n = int64(x)
	case uint16:
		n = int64(x)
	case uint32:
		n = int64(x)
	default:
		return nil, fmt.Errorf("%s must be nil, a number or a string, got %T", field, v)
	}
	if n < lo || n > hi {
		return nil, fmt.Errorf("%s %d out of range [%d, %d]", field, n, lo, hi)
	}
	return n, nil
}
