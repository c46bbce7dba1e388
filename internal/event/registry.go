package event

import (
	"context"
	"path"
	"regexp"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/fyrsmithlabs/runtimed/internal/faults"
)

// Handler processes one event. A non-nil error is normalized by the caller.
type Handler func(ctx context.Context, ev Event) error

// Wildcard matches every event type.
const Wildcard = "*"

// HandlerID identifies a registration for Off.
type HandlerID uint64

type entry struct {
	id      HandlerID
	handler Handler
}

type patternEntry struct {
	entry
	key   string
	match func(string) bool
}

var nextID atomic.Uint64

// Registry routes event types to handlers. Lookup tries exact and wildcard
// registrations first; pattern registrations are consulted, in registration
// order, only when that yields nothing.
type Registry struct {
	mu       sync.RWMutex
	exact    map[string][]entry
	wildcard []entry
	patterns []patternEntry
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{exact: make(map[string][]entry)}
}

// IsPattern reports whether key is treated as a glob pattern rather than an
// exact type. "*" alone is the wildcard, not a pattern.
func IsPattern(key string) bool {
	return key != Wildcard && strings.ContainsAny(key, "*?[")
}

// On registers h for key: an exact type, the wildcard "*", or a glob pattern
// such as "review.*".
func (r *Registry) On(key string, h Handler) HandlerID {
	e := entry{id: HandlerID(nextID.Add(1)), handler: h}

	r.mu.Lock()
	defer r.mu.Unlock()

	switch {
	case key == Wildcard:
		r.wildcard = append(r.wildcard, e)
	case IsPattern(key):
		glob := key
		r.patterns = append(r.patterns, patternEntry{
			entry: e,
			key:   key,
			match: func(typ string) bool {
				ok, err := path.Match(glob, typ)
				return err == nil && ok
			},
		})
	default:
		r.exact[key] = append(r.exact[key], e)
	}
	return e.id
}

// OnRegexp registers h for every type matching re.
func (r *Registry) OnRegexp(re *regexp.Regexp, h Handler) HandlerID {
	e := entry{id: HandlerID(nextID.Add(1)), handler: h}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.patterns = append(r.patterns, patternEntry{entry: e, key: re.String(), match: re.MatchString})
	return e.id
}

// Off removes the registration id under key. Returns false when nothing matched.
func (r *Registry) Off(key string, id HandlerID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	switch {
	case key == Wildcard:
		var ok bool
		r.wildcard, ok = without(r.wildcard, id)
		return ok
	case r.exact[key] != nil:
		list, ok := without(r.exact[key], id)
		if len(list) == 0 {
			delete(r.exact, key)
		} else {
			r.exact[key] = list
		}
		return ok
	}
	for i, p := range r.patterns {
		if p.key == key && p.id == id {
			r.patterns = append(r.patterns[:i:i], r.patterns[i+1:]...)
			return true
		}
	}
	return false
}

func without(list []entry, id HandlerID) ([]entry, bool) {
	for i, e := range list {
		if e.id == id {
			return append(list[:i:i], list[i+1:]...), true
		}
	}
	return list, false
}

// Handlers returns the handlers for typ in dispatch order.
func (r *Registry) Handlers(typ string) []Handler {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []Handler
	for _, e := range r.exact[typ] {
		out = append(out, e.handler)
	}
	for _, e := range r.wildcard {
		out = append(out, e.handler)
	}
	if len(out) > 0 {
		return out
	}
	for _, p := range r.patterns {
		if p.match(typ) {
			out = append(out, p.handler)
		}
	}
	return out
}

// Dispatch runs every handler for ev in order, stopping at the first error.
// No handler yields HANDLER_NOT_FOUND.
func (r *Registry) Dispatch(ctx context.Context, ev Event) error {
	handlers := r.Handlers(ev.Type)
	if len(handlers) == 0 {
		return faults.New(faults.HandlerNotFound, "no handler for %q", ev.Type)
	}
	for _, h := range handlers {
		if err := h(ctx, ev); err != nil {
			return err
		}
	}
	return nil
}

// Len returns the number of registrations.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := len(r.wildcard) + len(r.patterns)
	for _, list := range r.exact {
		n += len(list)
	}
	return n
}

// Clone copies the registry so a kernel can extend a shared template without
// affecting other kernels. Handler IDs are preserved.
func (r *Registry) Clone() *Registry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	c := &Registry{
		exact:    make(map[string][]entry, len(r.exact)),
		wildcard: append([]entry(nil), r.wildcard...),
		patterns: append([]patternEntry(nil), r.patterns...),
	}
	for k, v := range r.exact {
		c.exact[k] = append([]entry(nil), v...)
	}
	return c
}
