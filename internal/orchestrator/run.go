package orchestrator

import (
	"fmt"
	"slices"
	"sync"

	"github.com/CZERTAINLY/tracecheck/internal/counter"
	"github.com/CZERTAINLY/tracecheck/internal/eventsource"
	"github.com/CZERTAINLY/tracecheck/internal/model"
	"github.com/CZERTAINLY/tracecheck/internal/trace"

	"github.com/rs/xid"
)

type State int

const (
	StateIdle State = iota
	StateSessionStarting
	StateActive
	StateDraining
	StateValidating
	StateCompleted
	StateAborted
)

var stateNames = [...]string{"idle", "session_starting", "active", "draining", "validating", "completed", "aborted"}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Terminal reports whether no transition leaves s.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateAborted
}

var next = map[State]State{
	StateIdle:            StateSessionStarting,
	StateSessionStarting: StateActive,
	StateActive:          StateDraining,
	StateDraining:        StateValidating,
	StateValidating:      StateCompleted,
}

// RunContext is the state of a single run. It is not shared between runs.
type RunContext struct {
	ID xid.ID

	mx      sync.Mutex
	state   State
	counter *counter.Counter
	stream  trace.Stream
	stats   eventsource.Stats
}

func newRunContext() *RunContext {
	return &RunContext{
		ID:      xid.New(),
		state:   StateIdle,
		counter: counter.New(),
	}
}

// State returns the current state.
func (r *RunContext) State() State {
	r.mx.Lock()
	defer r.mx.Unlock()
	return r.state
}

// Stats returns the session statistics, known once the session stopped.
func (r *RunContext) Stats() eventsource.Stats {
	r.mx.Lock()
	defer r.mx.Unlock()
	return r.stats
}

// Counter returns the counter of the run.
func (r *RunContext) Counter() *counter.Counter { return r.counter }

func (r *RunContext) setStream(s trace.Stream) {
	r.mx.Lock()
	r.stream = s
	r.mx.Unlock()
}

func (r *RunContext) setStats(s eventsource.Stats) {
	r.mx.Lock()
	r.stats = s
	r.mx.Unlock()
}

func (r *RunContext) advance(to State) (State, error) {
	r.mx.Lock()
	defer r.mx.Unlock()
	from := r.state
	ok := next[from] == to && !from.Terminal()
	if to == StateAborted {
		ok = !from.Terminal()
	}
	if !ok {
		return from, fmt.Errorf("%w: run %s: %s -> %s", model.ErrState, r.ID, from, to)
	}
	r.state = to
	return from, nil
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
