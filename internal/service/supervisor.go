package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	gocron "github.com/go-co-op/gocron/v2"
	"github.com/rs/xid"

	"github.com/CZERTAINLY/tracecheck/internal/cases"
	"github.com/CZERTAINLY/tracecheck/internal/history"
	"github.com/CZERTAINLY/tracecheck/internal/isolation"
	"github.com/CZERTAINLY/tracecheck/internal/log"
	"github.com/CZERTAINLY/tracecheck/internal/model"
	"github.com/CZERTAINLY/tracecheck/internal/parallel"
)

// CaseRunner runs one case in a fresh worker process.
type CaseRunner interface {
	RunIsolated(ctx context.Context, caseID string, timeout time.Duration) (isolation.Outcome, error)
}

// SuiteError lists the runs of a suite which did not pass.
type SuiteError struct {
	Failed []Record
}

func (e *SuiteError) Error() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%d case(s) failed:", len(e.Failed))
	for i, r := range e.Failed {
		if i > 0 {
			sb.WriteByte(';')
		}
		fmt.Fprintf(&sb, " %s: %s", r.Case, r.Status)
		if r.Reason != "" {
			fmt.Fprintf(&sb, " (%s)", r.Reason)
		}
	}
	return sb.String()
}

type Supervisor struct {
	runner    CaseRunner
	cases     []cases.Case
	timeout   time.Duration
	parallel  int
	reporters []Reporter
	oneshot   bool
	scheduler gocron.Scheduler

	start   chan struct{}
	running atomic.Bool
	wg      sync.WaitGroup
}

// NewSupervisor runs the selected cases once per Start, one at a time,
// with a two minute timeout and no reporters.
func NewSupervisor(runner CaseRunner, selected []cases.Case) *Supervisor {
	return &Supervisor{
		runner:   runner,
		cases:    selected,
		timeout:  2 * time.Minute,
		parallel: 1,
		oneshot:  true,
		start:    make(chan struct{}, 1),
	}
}

// SupervisorFromConfig builds the supervisor of cfg. A configured schedule
// turns the supervisor into soak mode.
func SupervisorFromConfig(ctx context.Context, cfg model.Config, runner CaseRunner, registry *cases.Registry, store *history.Store) (*Supervisor, error) {
	selected, err := registry.Select(cfg.Cases...)
	if err != nil {
		return nil, err
	}
	reporters, err := NewReporters(ctx, cfg.Reporters, store)
	if err != nil {
		return nil, fmt.Errorf("initializing reporters: %w", err)
	}

	s := NewSupervisor(runner, selected).
		WithReporters(ctx, reporters...).
		WithTimeout(cfg.TimeoutDuration()).
		WithParallel(cfg.Parallel)

	if cfg.Schedule != nil {
		scheduler, err := newScheduler(ctx, *cfg.Schedule, s.Start)
		if err != nil {
			closeReporters(ctx, reporters)
			return nil, fmt.Errorf("soak mode failed: %w", err)
		}
		s.scheduler = scheduler
		s.oneshot = false
	}
	return s, nil
}

// WithReporters replaces the reporters, closing the previous ones.
func (s *Supervisor) WithReporters(ctx context.Context, reporters ...Reporter) *Supervisor {
	closeReporters(ctx, s.reporters)
	s.reporters = reporters
	return s
}

// WithTimeout sets the timeout of cases which do not define their own.
func (s *Supervisor) WithTimeout(d time.Duration) *Supervisor {
	if d > 0 {
		s.timeout = d
	}
	return s
}

// WithParallel sets how many workers run at once.
func (s *Supervisor) WithParallel(n int) *Supervisor {
	s.parallel = max(n, 1)
	return s
}

// SetOneshot selects between a single suite (true) and soak mode.
func (s *Supervisor) SetOneshot(oneshot bool) *Supervisor {
	s.oneshot = oneshot
	return s
}

// Start requests a suite run in soak mode. A request made while a suite is
// running or already pending is dropped.
func (s *Supervisor) Start() {
	select {
	case s.start <- struct{}{}:
	default:
	}
}

// Do runs the supervisor.
//
// Oneshot: the suite runs once and a *SuiteError is returned when any
// case did not pass.
//
// Soak: the suite runs once on entry and then on every Start, usually
// triggered by the scheduler. Failures are only logged; Do returns nil
// once ctx is cancelled.
func (s *Supervisor) Do(ctx context.Context) error {
	slog.DebugContext(ctx, "starting a supervisor", "cases", len(s.cases), "oneshot", s.oneshot)
	defer closeReporters(ctx, s.reporters)

	if s.oneshot {
		_, err := s.RunSuite(ctx)
		return err
	}

	if s.scheduler != nil {
		s.scheduler.Start()
		defer func() {
			if err := s.scheduler.Shutdown(); err != nil {
				slog.ErrorContext(ctx, "shutting down gocron has failed", "error", err)
			}
		}()
	}
	defer s.wg.Wait()

	s.Start()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-s.start:
			if !s.running.CompareAndSwap(false, true) {
				slog.WarnContext(ctx, "suite still running: skipping")
				continue
			}
			s.wg.Go(func() {
				defer s.running.Store(false)
				records, err := s.RunSuite(ctx)
				if err != nil {
					slog.ErrorContext(ctx, "suite failed", "error", err, "runs", len(records))
					return
				}
				slog.InfoContext(ctx, "suite passed", "runs", len(records))
			})
		}
	}
}

// RunSuite runs every case once and reports each record. Records keep the
// order of the cases.
func (s *Supervisor) RunSuite(ctx context.Context) ([]Record, error) {
	seq := func(yield func(cases.Case, error) bool) {
		for _, c := range s.cases {
			if !yield(c, nil) {
				return
			}
		}
	}

	mapped, err := parallel.NewMap(ctx, s.parallel, s.runOne).Collect(seq)
	records := slices.DeleteFunc(mapped, func(r Record) bool { return r.Case == "" })

	errs := []error{err}
	var failed []Record
	for _, rec := range records {
		if !rec.Passed() {
			failed = append(failed, rec)
		}
	}
	if len(failed) > 0 {
		errs = append(errs, &SuiteError{Failed: failed})
	}
	return records, errors.Join(errs...)
}

func (s *Supervisor) runOne(ctx context.Context, c cases.Case) (Record, error) {
	ctx = log.ContextAttrs(ctx, slog.String("case", c.ID()))
	out, err := s.runner.RunIsolated(ctx, c.ID(), c.Scenario.TimeoutDuration(s.timeout))
	if err != nil {
		return Record{}, fmt.Errorf("case %s: %w", c.ID(), err)
	}
	rec := Record{ID: xid.New().String(), Outcome: out}
	slog.InfoContext(ctx, "case finished",
		"status", out.Status.String(),
		"score", out.Score,
		"reason", out.Reason,
		"duration", out.Duration().String(),
	)
	if err := report(ctx, s.reporters, rec); err != nil {
		return rec, fmt.Errorf("reporting case %s: %w", c.ID(), err)
	}
	return rec, nil
}

func newScheduler(ctx context.Context, cfg model.Schedule, startFunc func()) (gocron.Scheduler, error) {
	every, err := cfg.Every()
	if err != nil {
		return nil, err
	}
	var job gocron.JobDefinition
	if cfg.Cron != "" {
		job = gocron.CronJob(cfg.Cron, false)
		slog.DebugContext(ctx, "successfully parsed", "cron", cfg.Cron, "every", every.String())
	} else {
		job = gocron.DurationJob(every)
		slog.DebugContext(ctx, "successfully parsed", "duration", every.String())
	}

	s, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("initializing gocron scheduler: %w", err)
	}
	_, err = s.NewJob(
		job,
		gocron.NewTask(startFunc),
	)
	if err != nil {
		_ = s.Shutdown()
		return nil, fmt.Errorf("initializing gocron job: %w", err)
	}
	return s, nil
}
