// Package logging provides the structured logging conventions shared by every
// nebula component.
//
// Loggers are dependency-injected, never global. Each component scopes the
// logger it receives once at construction time:
//
//	logger = logging.Default(logger).With("component", "registry")
//
// Only main() decides output format and level. Components must not call
// slog.SetDefault. Logging happens at lifecycle boundaries (refresh cycles,
// task transitions, node failures), never inside per-row or per-block loops.
package logging

import (
	"context"
	"log/slog"
	"strings"
	"sync"
)

// ComponentKey is the attribute key components use to identify themselves.
const ComponentKey = "component"

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }

// Discard returns a logger that drops everything.
func Discard() *slog.Logger {
	return slog.New(discardHandler{})
}

// Default returns logger when non-nil, otherwise a discard logger.
func Default(logger *slog.Logger) *slog.Logger {
	if logger != nil {
		return logger
	}
	return Discard()
}

// ParseLevel maps a level name to a slog.Level. Unknown names map to INFO.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// levels is shared between a ComponentFilterHandler and every handler derived
// from it through WithAttrs/WithGroup, so SetLevel affects all of them.
type levels struct {
	mu        sync.RWMutex
	def       slog.Level
	overrides map[string]slog.Level
}

func (l *levels) forComponent(component string) slog.Level {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if lvl, ok := l.overrides[component]; ok {
		return lvl
	}
	return l.def
}

func (l *levels) minimum() slog.Level {
	l.mu.RLock()
	defer l.mu.RUnlock()
	lowest := l.def
	for _, lvl := range l.overrides {
		if lvl < lowest {
			lowest = lvl
		}
	}
	return lowest
}

// ComponentFilterHandler filters records by a per-component minimum level.
// The component is read from the "component" attribute, either attached via
// Logger.With or passed on the record itself. Records without a component use
// the default level.
type ComponentFilterHandler struct {
	next      slog.Handler
	levels    *levels
	component string
}

// NewComponentFilterHandler wraps next with per-component level filtering.
// next should accept every level; filtering happens here.
func NewComponentFilterHandler(next slog.Handler, defaultLevel slog.Level) *ComponentFilterHandler {
	return &ComponentFilterHandler{
		next: next,
		levels: &levels{
			def:       defaultLevel,
			overrides: make(map[string]slog.Level),
		},
	}
}

// SetLevel overrides the minimum level for one component.
func (h *ComponentFilterHandler) SetLevel(component string, level slog.Level) {
	h.levels.mu.Lock()
	h.levels.overrides[component] = level
	h.levels.mu.Unlock()
}

// ClearLevel removes a component override.
func (h *ComponentFilterHandler) ClearLevel(component string) {
	h.levels.mu.Lock()
	delete(h.levels.overrides, component)
	h.levels.mu.Unlock()
}

// Level reports the effective level for a component.
func (h *ComponentFilterHandler) Level(component string) slog.Level {
	return h.levels.forComponent(component)
}

// DefaultLevel reports the level used for components without an override.
func (h *ComponentFilterHandler) DefaultLevel() slog.Level {
	return h.levels.def
}

// Enabled reports whether any component could accept the level. The final
// decision is made in Handle once the component is known.
func (h *ComponentFilterHandler) Enabled(_ context.Context, level slog.Level) bool {
	if h.component != "" {
		return level >= h.levels.forComponent(h.component)
	}
	return level >= h.levels.minimum()
}

func (h *ComponentFilterHandler) Handle(ctx context.Context, r slog.Record) error {
	component := h.component
	if component == "" {
		r.Attrs(func(a slog.Attr) bool {
			if a.Key == ComponentKey {
				component = a.Value.String()
				return false
			}
			return true
		})
	}
	if r.Level < h.levels.forComponent(component) {
		return nil
	}
	if h.next == nil {
		return nil
	}
	return h.next.Handle(ctx, r)
}

func (h *ComponentFilterHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	component := h.component
	for _, a := range attrs {
		if a.Key == ComponentKey {
			component = a.Value.String()
		}
	}
	var next slog.Handler
	if h.next != nil {
		next = h.next.WithAttrs(attrs)
	}
	return &ComponentFilterHandler{next: next, levels: h.levels, component: component}
}

func (h *ComponentFilterHandler) WithGroup(name string) slog.Handler {
	var next slog.Handler
	if h.next != nil {
		next = h.next.WithGroup(name)
	}
	return &ComponentFilterHandler{next: next, levels: h.levels, component: h.component}
}
