package shader

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Preprocessing errors.
var (
	// ErrUnknownInclude is returned when an include directive names a
	// source the library does not hold.
	ErrUnknownInclude = errors.New("shader: unknown include")

	// ErrIncludeCycle is returned when includes form a cycle.
	ErrIncludeCycle = errors.New("shader: include cycle")

	// ErrUnbalancedConditional is returned for mismatched
	// ifdef/ifndef/else/endif directives.
	ErrUnbalancedConditional = errors.New("shader: unbalanced conditional")
)

// Library is a registry of named source snippets resolved by
// `#include "name"` directives. Snippets may include other snippets.
//
// Library is safe for concurrent use; the async compile worker reads
// it while the render thread may still be registering sources.
type Library struct {
	mu      sync.RWMutex
	sources map[string]string
}

// NewLibrary creates an empty source library.
func NewLibrary() *Library {
	return &Library{sources: make(map[string]string)}
}

// Register stores a snippet under the given name, replacing any
// previous snippet with that name.
func (l *Library) Register(name, source string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.sources[name] = source
}

// Names returns the registered snippet names in sorted order.
func (l *Library) Names() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	names := make([]string, 0, len(l.sources))
	for n := range l.sources {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func (l *Library) lookup(name string) (string, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	src, ok := l.sources[name]
	return src, ok
}

// Preprocess produces compilable source from a template stage source:
// the defines are prepended as `#define NAME VALUE` lines (sorted by
// name so output is deterministic), include directives are resolved
// recursively from lib, and ifdef/ifndef/else/endif blocks are
// resolved against the same define set. Directive lines for
// conditionals are stripped from the output; define lines are kept.
func Preprocess(source string, defines map[string]string, lib *Library) (string, error) {
	var b strings.Builder
	names := make([]string, 0, len(defines))
	for name := range defines {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if v := defines[name]; v != "" {
			fmt.Fprintf(&b, "#define %s %s\n", name, v)
		} else {
			fmt.Fprintf(&b, "#define %s\n", name)
		}
	}
	b.WriteString(source)

	expanded, err := expandIncludes(b.String(), lib, nil)
	if err != nil {
		return "", err
	}
	return resolveConditionals(expanded)
}

// expandIncludes replaces `#include "name"` lines with library
// snippets, recursively. The stack tracks the active include chain
// for cycle detection.
func expandIncludes(source string, lib *Library, stack []string) (string, error) {
	var out strings.Builder
	for line := range strings.Lines(source) {
		name, ok := parseInclude(line)
		if !ok {
			out.WriteString(line)
			continue
		}

		for _, active := range stack {
			if active == name {
				return "", fmt.Errorf("%w: %q", ErrIncludeCycle, name)
			}
		}
		if lib == nil {
			return "", fmt.Errorf("%w: %q (no source library)", ErrUnknownInclude, name)
		}
		snippet, found := lib.lookup(name)
		if !found {
			return "", fmt.Errorf("%w: %q", ErrUnknownInclude, name)
		}
		inner, err := expandIncludes(snippet, lib, append(stack, name))
		if err != nil {
			return "", err
		}
		out.WriteString(inner)
		if !strings.HasSuffix(inner, "\n") {
			out.WriteByte('\n')
		}
	}
	return out.String(), nil
}

// parseInclude matches a `#include "name"` line and returns the name.
func parseInclude(line string) (string, bool) {
	trimmed := strings.TrimSpace(line)
	rest, ok := strings.CutPrefix(trimmed, "#include")
	if !ok {
		return "", false
	}
	rest = strings.TrimSpace(rest)
	if len(rest) < 2 || rest[0] != '"' || rest[len(rest)-1] != '"' {
		return "", false
	}
	return rest[1 : len(rest)-1], true
}

// condFrame is one level of nesting in the conditional resolver.
type condFrame struct {
	// parentActive is whether the enclosing region emits lines.
	parentActive bool

	// active is whether the current branch emits lines.
	active bool

	// seenElse rejects a second else on the same level.
	seenElse bool
}

// resolveConditionals evaluates ifdef/ifndef/else/endif directives.
// Symbols come from `#define` lines in the source itself, which
// includes the lines Preprocess prepends.
func resolveConditionals(source string) (string, error) {
	defined := make(map[string]struct{})
	var out strings.Builder
	var stack []condFrame

	emitting := func() bool {
		for _, f := range stack {
			if !f.active || !f.parentActive {
				return false
			}
		}
		return true
	}

	for line := range strings.Lines(source) {
		fields := strings.Fields(line)
		directive := ""
		if len(fields) > 0 && strings.HasPrefix(fields[0], "#") {
			directive = fields[0]
		}

		switch directive {
		case "#define":
			if emitting() && len(fields) >= 2 {
				defined[fields[1]] = struct{}{}
				out.WriteString(line)
			}

		case "#undef":
			if emitting() && len(fields) >= 2 {
				delete(defined, fields[1])
			}

		case "#ifdef", "#ifndef":
			if len(fields) < 2 {
				return "", fmt.Errorf("%w: %s without a symbol", ErrUnbalancedConditional, directive)
			}
			_, isDefined := defined[fields[1]]
			active := isDefined
			if directive == "#ifndef" {
				active = !isDefined
			}
			stack = append(stack, condFrame{parentActive: emitting(), active: active})

		case "#else":
			if len(stack) == 0 {
				return "", fmt.Errorf("%w: #else without #ifdef", ErrUnbalancedConditional)
			}
			top := &stack[len(stack)-1]
			if top.seenElse {
				return "", fmt.Errorf("%w: duplicate #else", ErrUnbalancedConditional)
			}
			top.seenElse = true
			top.active = !top.active

		case "#endif":
			if len(stack) == 0 {
				return "", fmt.Errorf("%w: #endif without #ifdef", ErrUnbalancedConditional)
			}
			stack = stack[:len(stack)-1]

		default:
			if emitting() {
				out.WriteString(line)
			}
		}
	}

	if len(stack) != 0 {
		return "", fmt.Errorf("%w: %d unclosed conditional(s)", ErrUnbalancedConditional, len(stack))
	}
	return out.String(), nil
}

// StripDefines removes leading `#define` lines from preprocessed
// source. Backends whose compilers reject C-style directives (WGSL)
// call this before handing the source to the driver; the symbols have
// already done their work during conditional resolution.
func StripDefines(source string) string {
	for {
		line, rest, found := strings.Cut(source, "\n")
		if !strings.HasPrefix(strings.TrimSpace(line), "#define") {
			return source
		}
		if !found {
			return ""
		}
		source = rest
	}
}
