// Package cases holds the validation cases a worker can run: scenarios
// embedded as YAML and the Go workloads they name.
package cases

import (
	"embed"
	"fmt"
	"io/fs"
	"path"
	"slices"
	"sync"

	"github.com/CZERTAINLY/tracecheck/internal/counter"
	"github.com/CZERTAINLY/tracecheck/internal/model"
	"github.com/CZERTAINLY/tracecheck/internal/orchestrator"
	"github.com/CZERTAINLY/tracecheck/internal/session"
)

//go:embed scenarios/*.yaml
var scenarios embed.FS

// WorkloadFunc builds the workload of a scenario. It is called before the
// session starts, so it may register the sources the scenario enables.
type WorkloadFunc func(sc model.Scenario) orchestrator.Workload

// Case is a scenario bound to its workload.
type Case struct {
	Scenario model.Scenario
	workload WorkloadFunc
}

func (c Case) ID() string { return c.Scenario.Name }

// Plan holds the arguments of one Orchestrator.RunAndValidate call.
type Plan struct {
	Config   session.Config
	Expected map[string]counter.Expected
	Factory  orchestrator.ValidatorFactory
	Workload orchestrator.Workload
}

// Plan converts the scenario. Errors match model.ErrConfiguration.
func (c Case) Plan() (Plan, error) {
	sc := c.Scenario
	cfg, err := SessionConfig(sc.Session)
	if err != nil {
		return Plan{}, fmt.Errorf("case %s: %w", sc.Name, err)
	}
	expected := make(map[string]counter.Expected, len(sc.Expect))
	for provider, e := range sc.Expect {
		if e.Present {
			expected[provider] = counter.Present
			continue
		}
		expected[provider] = counter.Exactly(e.Count, e.Tolerance)
	}

	checks := make([]counter.Check, 0, len(sc.Checks))
	for _, spec := range sc.Checks {
		check, err := counter.Expr(spec.Name, spec.Expr)
		if err != nil {
			return Plan{}, fmt.Errorf("case %s: %w", sc.Name, err)
		}
		checks = append(checks, check)
	}

	factory := func(cnt *counter.Counter) ([]counter.Check, error) {
		for _, cat := range sc.Categories {
			match := counter.ByProvider(cat.Provider)
			if cat.Event != "" {
				match = counter.ByEvent(cat.Provider, cat.Event)
			}
			if _, err := cnt.Register(cat.Name, match); err != nil {
				return nil, err
			}
		}
		return checks, nil
	}

	return Plan{
		Config:   cfg,
		Expected: expected,
		Factory:  factory,
		Workload: c.workload(sc),
	}, nil
}

// SessionConfig builds the session descriptor of a scenario.
func SessionConfig(spec model.SessionSpec) (session.Config, error) {
	format, err := session.ParseFormat(spec.Format)
	if err != nil {
		return session.Config{}, err
	}
	providers := make([]session.Provider, 0, len(spec.Providers))
	for _, ps := range spec.Providers {
		p := session.NewProvider(ps.Name)
		if ps.Keywords != "" {
			k, err := session.ParseKeywords(ps.Keywords)
			if err != nil {
				return session.Config{}, &session.ConfigurationError{Reason: err.Error()}
			}
			p = p.WithKeywords(k)
		}
		if ps.Level != "" {
			l, err := session.ParseLevel(ps.Level)
			if err != nil {
				return session.Config{}, &session.ConfigurationError{Reason: err.Error()}
			}
			p = p.WithLevel(l)
		}
		providers = append(providers, p)
	}
	return session.Build(spec.Buffer, format, providers...)
}

// Registry maps case ids to cases.
type Registry struct {
	mx        sync.RWMutex
	workloads map[string]WorkloadFunc
	cases     map[string]Case
}

func NewRegistry() *Registry {
	return &Registry{
		workloads: make(map[string]WorkloadFunc),
		cases:     make(map[string]Case),
	}
}

// Default holds the built-in workloads and the embedded scenarios.
var Default = newDefault()

func newDefault() *Registry {
	r := NewRegistry()
	for name, fn := range builtinWorkloads() {
		if err := r.RegisterWorkload(name, fn); err != nil {
			panic(err)
		}
	}
	if err := r.LoadFS(scenarios, "scenarios/*.yaml"); err != nil {
		panic(err)
	}
	return r
}

// RegisterWorkload makes a workload available to scenarios.
func (r *Registry) RegisterWorkload(name string, fn WorkloadFunc) error {
	r.mx.Lock()
	defer r.mx.Unlock()
	if _, ok := r.workloads[name]; ok {
		return fmt.Errorf("%w: workload %q already registered", model.ErrConfiguration, name)
	}
	r.workloads[name] = fn
	return nil
}

// Add registers a scenario. Its workload must be registered already.
func (r *Registry) Add(sc model.Scenario) error {
	r.mx.Lock()
	defer r.mx.Unlock()
	fn, ok := r.workloads[sc.Workload]
	if !ok {
		return fmt.Errorf("%w: case %s: unknown workload %q", model.ErrConfiguration, sc.Name, sc.Workload)
	}
	if _, ok := r.cases[sc.Name]; ok {
		return fmt.Errorf("%w: case %q already registered", model.ErrConfiguration, sc.Name)
	}
	r.cases[sc.Name] = Case{Scenario: sc, workload: fn}
	return nil
}

// LoadFS adds every scenario matching pattern in fsys.
func (r *Registry) LoadFS(fsys fs.FS, pattern string) error {
	names, err := fs.Glob(fsys, pattern)
	if err != nil {
		return err
	}
	for _, name := range names {
		f, err := fsys.Open(name)
		if err != nil {
			return err
		}
		sc, err := model.LoadScenario(path.Base(name), f)
		_ = f.Close()
		if err != nil {
			return fmt.Errorf("%w: %s: %w", model.ErrConfiguration, name, err)
		}
		if err := r.Add(sc); err != nil {
			return err
		}
	}
	return nil
}

func (r *Registry) Lookup(id string) (Case, bool) {
	r.mx.RLock()
	defer r.mx.RUnlock()
	c, ok := r.cases[id]
	return c, ok
}

// IDs returns the sorted case ids.
func (r *Registry) IDs() []string {
	r.mx.RLock()
	defer r.mx.RUnlock()
	ids := make([]string, 0, len(r.cases))
	for id := range r.cases {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// Select returns the cases named by ids, all of them when ids is empty.
func (r *Registry) Select(ids ...string) ([]Case, error) {
	if len(ids) == 0 {
		ids = r.IDs()
	}
	out := make([]Case, 0, len(ids))
	for _, id := range ids {
		c, ok := r.Lookup(id)
		if !ok {
			return nil, fmt.Errorf("%w: unknown case %q", model.ErrConfiguration, id)
		}
		out = append(out, c)
	}
	return out, nil
}
