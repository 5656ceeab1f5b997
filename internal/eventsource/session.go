package eventsource

import (
	"context"
	"sync"

	"github.com/CZERTAINLY/tracecheck/internal/session"
	"github.com/CZERTAINLY/tracecheck/internal/trace"
)

// Stats counts the records of a session.
type Stats struct {
	// Emitted records were accepted into the buffer.
	Emitted uint64 `json:"emitted"`
	// Dropped records did not fit into the buffer.
	Dropped uint64 `json:"dropped"`
}

// Session is one live tracing session. Records are buffered up to the
// configured number of bytes, anything beyond that is dropped.
type Session struct {
	id  uint64
	cfg session.Config

	mx     sync.Mutex
	queue  []trace.Record
	bytes  int
	closed bool
	stats  Stats
	notify chan struct{}
}

func newSession(id uint64, cfg session.Config) *Session {
	return &Session{
		id:     id,
		cfg:    cfg,
		notify: make(chan struct{}, 1),
	}
}

func (s *Session) ID() uint64             { return s.id }
func (s *Session) Config() session.Config { return s.cfg }

// Stats returns a snapshot of the counters.
func (s *Session) Stats() Stats {
	s.mx.Lock()
	defer s.mx.Unlock()
	return s.stats
}

func (s *Session) push(rec trace.Record) {
	s.mx.Lock()
	if s.closed {
		s.mx.Unlock()
		return
	}
	size := rec.Size()
	if s.bytes+size > s.cfg.BufferSize() {
		s.stats.Dropped++
		s.mx.Unlock()
		return
	}
	s.queue = append(s.queue, rec)
	s.bytes += size
	s.stats.Emitted++
	s.mx.Unlock()
	s.wake()
}

// filtered returns an emit function applying the filter of p before
// pushing into s.
func (s *Session) filtered(p session.Provider) func(Event, []byte) {
	src := &Source{name: p.Name()}
	return func(ev Event, payload []byte) {
		if p.Enables(ev.Level, ev.Keywords) {
			s.push(src.record(ev, payload))
		}
	}
}

func (s *Session) close() {
	s.mx.Lock()
	s.closed = true
	s.mx.Unlock()
	s.wake()
}

func (s *Session) wake() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// take removes all buffered records. done is true once the session is
// closed and nothing is left.
func (s *Session) take() (batch []trace.Record, done bool) {
	s.mx.Lock()
	defer s.mx.Unlock()
	batch, s.queue = s.queue, nil
	s.bytes = 0
	return batch, s.closed && len(batch) == 0
}

// Drain writes the records to w until the session is stopped and the
// buffer is empty, then closes w. It returns early with the context
// error or the first write error.
func (s *Session) Drain(ctx context.Context, w trace.Writer) error {
	for {
		batch, done := s.take()
		if done {
			return w.Close()
		}
		for _, rec := range batch {
			if err := w.Write(rec); err != nil {
				return err
			}
		}
		if len(batch) > 0 {
			if err := w.Flush(); err != nil {
				return err
			}
			continue
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.notify:
		}
	}
}
