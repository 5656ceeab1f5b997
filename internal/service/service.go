package service

import (
	"context"
	"time"

	"github.com/CZERTAINLY/tracecheck/internal/isolation"
	"github.com/CZERTAINLY/tracecheck/internal/model"
)

// NewIsolatedRunner returns a runner whose workers follow cfg: the drain
// grace and the verbosity are passed through the worker environment.
func NewIsolatedRunner(cfg model.Config, opts ...isolation.Option) (*isolation.Runner, error) {
	base := []isolation.Option{
		isolation.WithVerbose(cfg.Verbose),
		isolation.WithEnv(model.EnvPrefix + "DRAIN=" + cfg.DrainDuration().String()),
	}
	return isolation.NewRunner(append(base, opts...)...)
}

// RunnerFunc adapts a function to CaseRunner.
type RunnerFunc func(ctx context.Context, caseID string, timeout time.Duration) (isolation.Outcome, error)

func (f RunnerFunc) RunIsolated(ctx context.Context, caseID string, timeout time.Duration) (isolation.Outcome, error) {
	return f(ctx, caseID, timeout)
}
