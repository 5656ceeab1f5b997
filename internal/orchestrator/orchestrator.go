// Package orchestrator runs one validation: it starts a tracing session,
// consumes the record stream into a counter while the workload runs,
// drains and stops the session and validates the final counts.
//
// A run moves through
//
//	Idle -> SessionStarting -> Active -> Draining -> Validating -> Completed
//
// and may end in Aborted from any non terminal state.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/CZERTAINLY/tracecheck/internal/counter"
	"github.com/CZERTAINLY/tracecheck/internal/eventsource"
	"github.com/CZERTAINLY/tracecheck/internal/log"
	"github.com/CZERTAINLY/tracecheck/internal/model"
	"github.com/CZERTAINLY/tracecheck/internal/session"
	"github.com/CZERTAINLY/tracecheck/internal/trace"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	oteltrace "go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
)

// DefaultDrainGrace is how long records are still consumed after the
// workload returned and before the session is stopped.
const DefaultDrainGrace = time.Second

const tracerName = "github.com/CZERTAINLY/tracecheck/internal/orchestrator"

//go:generate go run go.uber.org/mock/mockgen -source=orchestrator.go -destination=mock_client_test.go -package=orchestrator_test

// SessionClient starts and stops sessions in the traced process.
type SessionClient interface {
	StartSession(ctx context.Context, cfg session.Config) (trace.Stream, error)
	StopSession(ctx context.Context, id uint64) (eventsource.Stats, error)
}

// Workload produces the events under test.
type Workload func(ctx context.Context) error

// ValidatorFactory registers additional categories and returns the checks
// evaluated besides the expected provider counts.
type ValidatorFactory func(c *counter.Counter) ([]counter.Check, error)

// SessionStartError wraps a failure to start the session.
type SessionStartError struct {
	Err error
}

func (e *SessionStartError) Error() string { return "starting session: " + e.Err.Error() }
func (e *SessionStartError) Unwrap() error { return e.Err }
func (e *SessionStartError) Is(target error) bool {
	return target == model.ErrSessionStart
}

// WorkloadError wraps an error returned by the workload.
type WorkloadError struct {
	Err error
}

func (e *WorkloadError) Error() string { return "workload: " + e.Err.Error() }
func (e *WorkloadError) Unwrap() error { return e.Err }
func (e *WorkloadError) Is(target error) bool {
	return target == model.ErrWorkload
}

// StateFunc observes state transitions of a run.
type StateFunc func(ctx context.Context, run *RunContext, from, to State)

type Orchestrator struct {
	client  SessionClient
	grace   time.Duration
	tracer  oteltrace.Tracer
	onState StateFunc
}

type Option func(*Orchestrator)

// WithDrainGrace overrides DefaultDrainGrace.
func WithDrainGrace(d time.Duration) Option {
	return func(o *Orchestrator) { o.grace = d }
}

// WithTracerProvider sets the provider of the run spans, the global one
// is used otherwise.
func WithTracerProvider(tp oteltrace.TracerProvider) Option {
	return func(o *Orchestrator) { o.tracer = tp.Tracer(tracerName) }
}

// WithStateFunc registers a transition observer.
func WithStateFunc(fn StateFunc) Option {
	return func(o *Orchestrator) { o.onState = fn }
}

func New(client SessionClient, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		client: client,
		grace:  DefaultDrainGrace,
		tracer: otel.Tracer(tracerName),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// RunAndValidate validates one run. A completed run returns its result,
// including a failed validation (score -1, Cause set). Errors are returned
// for runs which could not be validated: *SessionStartError,
// *WorkloadError, stream errors and model.ErrTimeout.
func (o *Orchestrator) RunAndValidate(
	ctx context.Context,
	expected map[string]counter.Expected,
	workload Workload,
	cfg session.Config,
	factory ValidatorFactory,
) (counter.Result, error) {
	run := newRunContext()
	ctx = log.ContextAttrs(ctx, slog.String("run", run.ID.String()))
	ctx, span := o.tracer.Start(ctx, "RunAndValidate", oteltrace.WithAttributes(
		attribute.String("tracecheck.run", run.ID.String()),
		attribute.Int("tracecheck.providers", len(cfg.Providers())),
	))
	defer span.End()

	res, err := o.run(ctx, run, expected, workload, cfg, factory)
	if err != nil {
		_ = o.transition(ctx, run, StateAborted)
		span.RecordError(err)
		span.SetStatus(codes.Error, model.Kind(err))
		slog.WarnContext(ctx, "run aborted", "reason", model.Kind(err), "error", err)
		return counter.Result{}, err
	}
	span.SetAttributes(attribute.Int("tracecheck.score", res.Score))
	if !res.Passed() {
		span.SetStatus(codes.Error, model.ReasonValidation)
	}
	return res, nil
}

func (o *Orchestrator) run(
	ctx context.Context,
	run *RunContext,
	expected map[string]counter.Expected,
	workload Workload,
	cfg session.Config,
	factory ValidatorFactory,
) (counter.Result, error) {
	checks, err := register(run.counter, expected, factory)
	if err != nil {
		return counter.Result{}, err
	}
	if err := run.counter.Start(); err != nil {
		return counter.Result{}, err
	}

	if err := o.transition(ctx, run, StateSessionStarting); err != nil {
		return counter.Result{}, err
	}
	sctx, span := o.tracer.Start(ctx, "StartSession")
	stream, err := o.client.StartSession(sctx, cfg)
	span.End()
	if err != nil {
		return counter.Result{}, &SessionStartError{Err: err}
	}
	run.setStream(stream)
	defer stream.Close()
	ctx = log.ContextAttrs(ctx, slog.Uint64("session", stream.ID()))

	if err := o.transition(ctx, run, StateActive); err != nil {
		return counter.Result{}, err
	}

	g, gctx := errgroup.WithContext(ctx)
	// unblocks the consumer when the run is abandoned
	stop := context.AfterFunc(gctx, func() { _ = stream.Close() })
	defer stop()

	g.Go(func() error {
		return consume(stream, run.counter)
	})
	g.Go(func() error {
		wctx, span := o.tracer.Start(gctx, "Workload")
		err := runWorkload(wctx, workload)
		span.End()
		if err != nil {
			o.stopQuietly(ctx, stream.ID())
			return err
		}
		return o.drain(gctx, run, stream.ID())
	})
	err = g.Wait()

	if cerr := ctx.Err(); cerr != nil {
		o.stopQuietly(ctx, stream.ID())
		if errors.Is(cerr, context.DeadlineExceeded) {
			return counter.Result{}, fmt.Errorf("%w: %w", model.ErrTimeout, cerr)
		}
		return counter.Result{}, cerr
	}
	if err != nil {
		return counter.Result{}, err
	}

	if err := o.transition(ctx, run, StateValidating); err != nil {
		return counter.Result{}, err
	}
	_, vspan := o.tracer.Start(ctx, "Validate")
	res := run.counter.Finalize(checks...)
	vspan.End()
	if err := o.transition(ctx, run, StateCompleted); err != nil {
		return counter.Result{}, err
	}
	slog.DebugContext(ctx, "run completed", "score", res.Score, "emitted", run.Stats().Emitted, "dropped", run.Stats().Dropped)
	return res, nil
}

// register adds one category per expected provider, then the factory
// categories.
func register(c *counter.Counter, expected map[string]counter.Expected, factory ValidatorFactory) ([]counter.Check, error) {
	var checks []counter.Check
	for _, provider := range sortedKeys(expected) {
		e := expected[provider]
		if err := e.Validate(); err != nil {
			return nil, fmt.Errorf("provider %q: %w", provider, err)
		}
		h, err := c.Register(provider, counter.ByProvider(provider))
		if err != nil {
			return nil, err
		}
		checks = append(checks, counter.Expect(h, e))
	}
	if factory != nil {
		more, err := factory(c)
		if err != nil {
			return nil, fmt.Errorf("validator factory: %w", err)
		}
		checks = append(checks, more...)
	}
	return checks, nil
}

func consume(stream trace.Stream, c *counter.Counter) error {
	for rec, err := range trace.All(stream) {
		if err != nil {
			return err
		}
		c.OnRecord(rec)
	}
	return nil
}

func runWorkload(ctx context.Context, workload Workload) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &WorkloadError{Err: fmt.Errorf("panic: %v", r)}
		}
	}()
	if err := workload(ctx); err != nil {
		return &WorkloadError{Err: err}
	}
	return nil
}

// drain waits the grace period, then stops the session. The consumer
// reaches the end of the stream on its own.
func (o *Orchestrator) drain(ctx context.Context, run *RunContext, id uint64) error {
	if err := o.transition(ctx, run, StateDraining); err != nil {
		return err
	}
	ctx, span := o.tracer.Start(ctx, "Drain")
	defer span.End()

	t := time.NewTimer(o.grace)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
	}

	stats, err := o.client.StopSession(ctx, id)
	if err != nil {
		return fmt.Errorf("%w: stopping session: %w", model.ErrStream, err)
	}
	run.setStats(stats)
	if stats.Dropped > 0 {
		slog.WarnContext(ctx, "session dropped records", "dropped", stats.Dropped, "emitted", stats.Emitted)
	}
	return nil
}

func (o *Orchestrator) stopQuietly(ctx context.Context, id uint64) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), time.Second)
	defer cancel()
	if _, err := o.client.StopSession(ctx, id); err != nil {
		slog.DebugContext(ctx, "stopping abandoned session", "error", err)
	}
}

func (o *Orchestrator) transition(ctx context.Context, run *RunContext, to State) error {
	from, err := run.advance(to)
	if err != nil {
		return err
	}
	slog.DebugContext(ctx, "run state", "from", from.String(), "to", to.String())
	if o.onState != nil {
		o.onState(ctx, run, from, to)
	}
	return nil
}
