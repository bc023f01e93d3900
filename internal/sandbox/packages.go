package sandbox

import (
	"bytes"
	"path"
	"reflect"
	"sort"
	"strings"

	"github.com/traefik/yaegi/interp"
	"github.com/traefik/yaegi/stdlib"

	"botbox/internal/capability"
)

// allowedPackages are the standard library packages scripts may import.
// Nothing here touches the filesystem, the network or the process.
var allowedPackages = []string{
	"bytes",
	"crypto/md5",
	"crypto/sha1",
	"crypto/sha256",
	"encoding/base64",
	"encoding/hex",
	"encoding/json",
	"fmt",
	"hash/crc32",
	"math",
	"math/rand",
	"regexp",
	"sort",
	"strconv",
	"strings",
	"time",
	"unicode",
	"unicode/utf8",
}

// symbolFilters trims packages that are safe in general but have a few
// symbols that are not.
var symbolFilters = map[string]func(name string) bool{
	// Timers outlive a cancelled run or call back into it from another
	// goroutine. LoadLocation reads the zoneinfo database from disk.
	"time": func(name string) bool {
		switch name {
		case "AfterFunc", "After", "Sleep", "Tick", "NewTimer", "NewTicker", "LoadLocation":
			return false
		}
		return true
	},
	"encoding/json": func(name string) bool {
		switch name {
		case "Marshal", "MarshalIndent", "Unmarshal", "Valid", "Number", "RawMessage":
			return true
		}
		return false
	},
}

// growHint caps the capacity one Grow call reserves. Grow is only a hint:
// larger requests still work, growing as data is written where the
// watchdog can see it.
const growHint = 1 << 20

type builder struct{ strings.Builder }

func (b *builder) Grow(n int) { b.Builder.Grow(min(n, growHint)) }

type buffer struct{ bytes.Buffer }

func (b *buffer) Grow(n int) { b.Buffer.Grow(min(n, growHint)) }

// replacements swap symbols that allocate whatever size the caller asks for
// in a single step.
var replacements = map[string]map[string]reflect.Value{
	"strings": {
		"Builder": reflect.ValueOf((*builder)(nil)),
	},
	"bytes": {
		"Buffer": reflect.ValueOf((*buffer)(nil)),
		"NewBuffer": reflect.ValueOf(func(buf []byte) *buffer {
			b := &buffer{}
			b.Buffer = *bytes.NewBuffer(buf)
			return b
		}),
		"NewBufferString": reflect.ValueOf(func(s string) *buffer {
			b := &buffer{}
			b.Buffer = *bytes.NewBufferString(s)
			return b
		}),
	},
}

// guardedExports binds the allocating functions whose size is known up
// front to the memory guard of one run.
func guardedExports(g *guard) interp.Exports {
	return interp.Exports{
		exportKey("strings"): {
			"Repeat": reflect.ValueOf(func(s string, count int) string {
				g.reserve(repeatSize(len(s), count))
				return strings.Repeat(s, count)
			}),
		},
		exportKey("bytes"): {
			"Repeat": reflect.ValueOf(func(b []byte, count int) []byte {
				g.reserve(repeatSize(len(b), count))
				return bytes.Repeat(b, count)
			}),
		},
	}
}

// AllowedImports returns the import paths a script may use, sorted.
func AllowedImports() []string {
	out := append([]string{capabilityImport}, allowedPackages...)
	sort.Strings(out)
	return out
}

func exportKey(importPath string) string {
	return importPath + "/" + path.Base(importPath)
}

// restrictedStdlib builds the export table for the allowed packages from
// yaegi's generated stdlib symbols, without mutating the shared table.
func restrictedStdlib() interp.Exports {
	out := make(interp.Exports, len(allowedPackages))
	for _, p := range allowedPackages {
		key := exportKey(p)
		syms, ok := stdlib.Symbols[key]
		if !ok {
			continue
		}
		keep := symbolFilters[p]
		filtered := make(map[string]reflect.Value, len(syms))
		for name, v := range syms {
			if keep != nil && !keep(name) {
				continue
			}
			filtered[name] = v
		}
		for name, v := range replacements[p] {
			filtered[name] = v
		}
		out[key] = filtered
	}
	return out
}

// capabilityExports binds the surface of one run into the interpreter,
// along with the trigger used to fire periodic jobs.
func capabilityExports(s *capability.Surface) interp.Exports {
	return interp.Exports{
		exportKey(capabilityImport): {
			"Broadcast": reflect.ValueOf(s.Broadcast),
			"Curl":      reflect.ValueOf(s.Curl),
			"Load":      reflect.ValueOf(s.Load),
			"Periodic":  reflect.ValueOf(s.Periodic),
			"Save":      reflect.ValueOf(s.Save),
			"Say":       reflect.ValueOf(s.Say),
		},
		exportKey(triggerImport): {
			"Fire": reflect.ValueOf(s.Fire),
		},
	}
}
