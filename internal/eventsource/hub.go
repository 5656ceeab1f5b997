// Package eventsource is the in-process tracing subsystem.
//
// Event producers create named Sources registered in a Hub. A session,
// started from a session.Config, enables a subset of those sources with
// a keyword mask and a level; matching events are copied into the
// session's bounded buffer, from which a consumer drains them in order.
//
// Overview
//
//	Source.Write --(filter)--> Session buffer --> Session.Drain --> trace.Writer
//
// Sources with a Controller (the built-in runtime providers) are only
// active while at least one session enables them. On stop every session
// receives the rundown events before its terminator.
package eventsource

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/CZERTAINLY/tracecheck/internal/session"
	"github.com/CZERTAINLY/tracecheck/internal/trace"
)

var (
	ErrUnknownProvider = errors.New("unknown provider")
	ErrUnknownSession  = errors.New("unknown session")
	ErrDuplicateSource = errors.New("source already registered")
)

// Hub is the registry of sources and live sessions of one process.
type Hub struct {
	mx       sync.Mutex
	sources  map[string]*Source
	sessions map[uint64]*Session
	nextID   atomic.Uint64
	rundown  func(emit func(trace.Record))
}

// NewHub returns an empty hub. Most code uses Default.
func NewHub() *Hub {
	return &Hub{
		sources:  make(map[string]*Source),
		sessions: make(map[uint64]*Session),
		rundown:  func(func(trace.Record)) {},
	}
}

// Default is the hub of the current process, pre-populated with the
// built-in runtime providers.
var Default = newDefaultHub()

func newDefaultHub() *Hub {
	h := NewHub()
	for _, src := range builtins() {
		if err := h.Register(src); err != nil {
			panic(err)
		}
	}
	h.rundown = rundown
	return h
}

// Register adds src to the hub. Names are unique.
func (h *Hub) Register(src *Source) error {
	h.mx.Lock()
	defer h.mx.Unlock()
	if _, ok := h.sources[src.name]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateSource, src.name)
	}
	src.hub = h
	h.sources[src.name] = src
	return nil
}

// Source returns the source registered under name, creating and
// registering a plain source if there is none.
func (h *Hub) Source(name string) *Source {
	h.mx.Lock()
	defer h.mx.Unlock()
	if src, ok := h.sources[name]; ok {
		return src
	}
	src := NewSource(name)
	src.hub = h
	h.sources[name] = src
	return src
}

// Lookup returns a registered source.
func (h *Hub) Lookup(name string) (*Source, bool) {
	h.mx.Lock()
	defer h.mx.Unlock()
	src, ok := h.sources[name]
	return src, ok
}

// Names returns the sorted list of registered sources.
func (h *Hub) Names() []string {
	h.mx.Lock()
	defer h.mx.Unlock()
	names := make([]string, 0, len(h.sources))
	for name := range h.sources {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// StartSession enables the configured providers and returns the new
// session. Every provider must be registered.
func (h *Hub) StartSession(ctx context.Context, cfg session.Config) (*Session, error) {
	providers := cfg.Providers()

	h.mx.Lock()
	sources := make([]*Source, 0, len(providers))
	for _, p := range providers {
		src, ok := h.sources[p.Name()]
		if !ok {
			h.mx.Unlock()
			return nil, fmt.Errorf("%w: %s", ErrUnknownProvider, p.Name())
		}
		sources = append(sources, src)
	}

	s := newSession(h.nextID.Add(1), cfg)
	h.sessions[s.id] = s
	// controllers run under the hub lock so that a concurrent stop can not
	// interleave with a start of the same source
	for i, src := range sources {
		if src.subscribe(s, providers[i]) {
			src.controller.Start(src)
		}
	}
	h.mx.Unlock()

	slog.DebugContext(ctx, "session started", "session", s.id, "providers", len(providers), "buffer", cfg.BufferSize())
	return s, nil
}

// StopSession disables the session's providers, emits the rundown into it
// and closes it. Buffered records stay readable through Drain.
func (h *Hub) StopSession(ctx context.Context, id uint64) (Stats, error) {
	h.mx.Lock()
	s, ok := h.sessions[id]
	if !ok {
		h.mx.Unlock()
		return Stats{}, fmt.Errorf("%w: %d", ErrUnknownSession, id)
	}
	delete(h.sessions, id)
	for _, p := range s.cfg.Providers() {
		src := h.sources[p.Name()]
		if src.unsubscribe(s) {
			// final samples still reach the stopping session
			src.controller.Stop(src, s.filtered(p))
		}
	}
	h.mx.Unlock()

	h.rundown(s.push)
	s.close()

	stats := s.Stats()
	slog.DebugContext(ctx, "session stopped", "session", id, "emitted", stats.Emitted, "dropped", stats.Dropped)
	return stats, nil
}
