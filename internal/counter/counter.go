// Package counter counts the records of a trace stream into categories
// and validates the counts once the stream has ended.
//
// Categories are registered before Start. After Start the registration
// table is fixed and OnRecord may be called from the stream consumer
// concurrently with Finalize; Finalize freezes the counts, later records
// are ignored.
package counter

import (
	"fmt"
	"maps"
	"sync"
	"sync/atomic"

	"github.com/CZERTAINLY/tracecheck/internal/model"
	"github.com/CZERTAINLY/tracecheck/internal/trace"
)

// Predicate selects the records of a category.
type Predicate func(trace.Record) bool

// ByProvider matches every record of a provider.
func ByProvider(name string) Predicate {
	return func(r trace.Record) bool { return r.Provider == name }
}

// ByEvent matches records of a provider with the given event name.
func ByEvent(provider, event string) Predicate {
	return func(r trace.Record) bool { return r.Provider == provider && r.Name == event }
}

// ByEventID matches records of a provider with the given event id.
func ByEventID(provider string, id uint16) Predicate {
	return func(r trace.Record) bool { return r.Provider == provider && r.EventID == id }
}

// All matches records matched by every p.
func All(ps ...Predicate) Predicate {
	return func(r trace.Record) bool {
		for _, p := range ps {
			if !p(r) {
				return false
			}
		}
		return true
	}
}

// Any matches records matched by at least one p.
func Any(ps ...Predicate) Predicate {
	return func(r trace.Record) bool {
		for _, p := range ps {
			if p(r) {
				return true
			}
		}
		return false
	}
}

// Handle is a registered category.
type Handle struct {
	category string
	match    Predicate
	n        atomic.Int64
}

func (h *Handle) Category() string { return h.category }

// Count returns the current count. It is final once Finalize was called.
func (h *Handle) Count() int64 { return h.n.Load() }

// StateError is returned for an operation the counter does not accept in
// its current state.
type StateError struct {
	Op    string
	State string
}

func (e *StateError) Error() string {
	return fmt.Sprintf("counter: %s not allowed when %s", e.Op, e.State)
}

func (e *StateError) Is(target error) bool {
	return target == model.ErrState
}

// Counter is a table of categories. The zero value is not usable, call New.
type Counter struct {
	mx      sync.RWMutex
	handles []*Handle
	byName  map[string]*Handle
	started bool
	frozen  bool
}

func New() *Counter {
	return &Counter{byName: make(map[string]*Handle)}
}

// Register adds a category. Category names are unique.
func (c *Counter) Register(category string, match Predicate) (*Handle, error) {
	c.mx.Lock()
	defer c.mx.Unlock()
	if c.started {
		return nil, &StateError{Op: "Register", State: c.state()}
	}
	if category == "" || match == nil {
		return nil, fmt.Errorf("%w: category needs a name and a predicate", model.ErrConfiguration)
	}
	if _, ok := c.byName[category]; ok {
		return nil, fmt.Errorf("%w: duplicate category %q", model.ErrConfiguration, category)
	}
	h := &Handle{category: category, match: match}
	c.handles = append(c.handles, h)
	c.byName[category] = h
	return h, nil
}

// Handle returns a registered category.
func (c *Counter) Handle(category string) (*Handle, bool) {
	c.mx.RLock()
	defer c.mx.RUnlock()
	h, ok := c.byName[category]
	return h, ok
}

// Start closes the registration. Records are counted from now on.
func (c *Counter) Start() error {
	c.mx.Lock()
	defer c.mx.Unlock()
	if c.started {
		return &StateError{Op: "Start", State: c.state()}
	}
	c.started = true
	return nil
}

func (c *Counter) state() string {
	switch {
	case c.frozen:
		return "finalized"
	case c.started:
		return "started"
	}
	return "registering"
}

// OnRecord counts rec into every matching category.
func (c *Counter) OnRecord(rec trace.Record) {
	c.mx.RLock()
	defer c.mx.RUnlock()
	if !c.started || c.frozen {
		return
	}
	for _, h := range c.handles {
		if h.match(rec) {
			h.n.Add(1)
		}
	}
}

// Counts returns a snapshot of all categories.
func (c *Counter) Counts() Counts {
	c.mx.RLock()
	defer c.mx.RUnlock()
	return c.snapshot()
}

func (c *Counter) snapshot() Counts {
	ret := make(Counts, len(c.handles))
	for _, h := range c.handles {
		ret[h.category] = h.n.Load()
	}
	return ret
}

// Finalize freezes the counts and evaluates checks in order. The score is
// ScorePass when every check passes.
func (c *Counter) Finalize(checks ...Check) Result {
	c.mx.Lock()
	c.frozen = true
	counts := c.snapshot()
	c.mx.Unlock()

	res := Result{
		Score:  ScorePass,
		Counts: maps.Clone(counts),
		Checks: make([]CheckResult, 0, len(checks)),
	}
	var failed []CheckResult
	for _, chk := range checks {
		cr := chk.evaluate(counts)
		res.Checks = append(res.Checks, cr)
		if !cr.Passed {
			failed = append(failed, cr)
		}
	}
	if len(failed) > 0 {
		res.Score = ScoreFail
		res.Cause = &ValidationFailure{Failed: failed}
	}
	return res
}
