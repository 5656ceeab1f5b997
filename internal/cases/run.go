package cases

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/CZERTAINLY/tracecheck/internal/counter"
	"github.com/CZERTAINLY/tracecheck/internal/diag"
	"github.com/CZERTAINLY/tracecheck/internal/eventsource"
	"github.com/CZERTAINLY/tracecheck/internal/isolation"
	"github.com/CZERTAINLY/tracecheck/internal/model"
	"github.com/CZERTAINLY/tracecheck/internal/orchestrator"
)

// Run validates c against the sessions started through client.
func Run(ctx context.Context, c Case, client orchestrator.SessionClient, opts ...orchestrator.Option) (counter.Result, error) {
	plan, err := c.Plan()
	if err != nil {
		return counter.Result{}, err
	}
	slog.DebugContext(ctx, "running case",
		"workload", c.Scenario.Workload,
		"providers", len(plan.Config.Providers()),
		"expected", len(plan.Expected),
	)
	return orchestrator.New(client, opts...).RunAndValidate(ctx, plan.Expected, plan.Workload, plan.Config, plan.Factory)
}

// Serve runs the case selected by w inside the current process. The
// default hub is exposed on the diagnostics endpoint of the process and
// the case is validated through it.
func (r *Registry) Serve(ctx context.Context, w isolation.Worker, opts ...orchestrator.Option) isolation.Report {
	c, ok := r.Lookup(w.CaseID)
	if !ok {
		return isolation.ReportResult(counter.Result{}, fmt.Errorf("%w: unknown case %q", model.ErrConfiguration, w.CaseID))
	}

	srv, err := diag.Listen(eventsource.Default, diag.Name(w.PID))
	if err != nil {
		return isolation.ReportResult(counter.Result{}, fmt.Errorf("%w: %w", model.ErrSessionStart, err))
	}
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx) }()
	defer func() {
		if err := srv.Close(); err != nil {
			slog.DebugContext(ctx, "closing diagnostics server", "error", err)
		}
		if err := <-done; err != nil {
			slog.DebugContext(ctx, "diagnostics server", "error", err)
		}
	}()

	res, err := Run(ctx, c, diag.NewClient(w.PID), opts...)
	return isolation.ReportResult(res, err)
}
