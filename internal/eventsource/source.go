package eventsource

import (
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/CZERTAINLY/tracecheck/internal/session"
	"github.com/CZERTAINLY/tracecheck/internal/trace"
)

// Event describes one kind of event a source can write.
type Event struct {
	ID       uint16
	Name     string
	Level    session.Level
	Keywords session.Keywords
}

// Controller drives a source which produces events on its own, like the
// runtime pollers. Start is called when the first session enables the
// source, Stop when the last one disables it. Stop must not return before
// the producer has finished; its last events go to final.
type Controller interface {
	Start(src *Source)
	Stop(src *Source, final func(Event, []byte))
}

type subscription struct {
	session  *Session
	provider session.Provider
}

// Source is a named event producer.
type Source struct {
	name       string
	hub        *Hub
	controller Controller

	mx      sync.RWMutex
	subs    []subscription
	enabled atomic.Bool
}

// NewSource returns a source written to directly by its owner.
func NewSource(name string) *Source {
	return &Source{name: name}
}

// NewControlledSource returns a source whose events are produced by c
// while the source is enabled.
func NewControlledSource(name string, c Controller) *Source {
	return &Source{name: name, controller: c}
}

func (s *Source) Name() string { return s.name }

// Enabled reports whether any session listens to this source.
func (s *Source) Enabled() bool {
	return s.enabled.Load()
}

// IsEnabled reports whether at least one session accepts ev.
func (s *Source) IsEnabled(ev Event) bool {
	if !s.enabled.Load() {
		return false
	}
	s.mx.RLock()
	defer s.mx.RUnlock()
	for _, sub := range s.subs {
		if sub.provider.Enables(ev.Level, ev.Keywords) {
			return true
		}
	}
	return false
}

// Write delivers ev to every session whose provider filter accepts it.
// The payload is copied.
func (s *Source) Write(ev Event, payload []byte) {
	if !s.enabled.Load() {
		return
	}
	s.mx.RLock()
	defer s.mx.RUnlock()
	var rec trace.Record
	var built bool
	for _, sub := range s.subs {
		if !sub.provider.Enables(ev.Level, ev.Keywords) {
			continue
		}
		if !built {
			rec = s.record(ev, payload)
			built = true
		}
		sub.session.push(rec)
	}
}

func (s *Source) record(ev Event, payload []byte) trace.Record {
	rec := trace.Record{
		Provider:  s.name,
		EventID:   ev.ID,
		Name:      ev.Name,
		Level:     ev.Level,
		Timestamp: time.Now(),
	}
	if len(payload) > 0 {
		rec.Payload = slices.Clone(payload)
	}
	return rec
}

// subscribe reports whether the source has to be activated.
func (s *Source) subscribe(sess *Session, p session.Provider) bool {
	s.mx.Lock()
	defer s.mx.Unlock()
	s.subs = append(s.subs, subscription{session: sess, provider: p})
	first := len(s.subs) == 1
	s.enabled.Store(true)
	return first && s.controller != nil
}

// unsubscribe reports whether the source has to be deactivated.
func (s *Source) unsubscribe(sess *Session) bool {
	s.mx.Lock()
	defer s.mx.Unlock()
	n := len(s.subs)
	s.subs = slices.DeleteFunc(s.subs, func(sub subscription) bool {
		return sub.session == sess
	})
	if len(s.subs) == 0 {
		s.enabled.Store(false)
	}
	return n > 0 && len(s.subs) == 0 && s.controller != nil
}
