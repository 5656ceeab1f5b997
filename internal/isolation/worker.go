package isolation

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"runtime/debug"
	"time"

	"github.com/CZERTAINLY/tracecheck/internal/counter"
	"github.com/CZERTAINLY/tracecheck/internal/ipc"
	"github.com/CZERTAINLY/tracecheck/internal/log"
	"github.com/CZERTAINLY/tracecheck/internal/model"
)

// EnvCase selects the case a worker runs.
const EnvCase = "TRACECHECK_CASE"

// Exit codes of a worker.
const (
	ExitSuccess = 0
	ExitFailure = 1
	ExitUsage   = 2
)

// Worker is the context handed to a case running inside a worker process.
type Worker struct {
	ChannelID string
	CaseID    string
	PID       int
}

// WorkerFromEnv validates the channel id and reads the case from the
// environment.
func WorkerFromEnv(channelID string) (Worker, error) {
	if err := ipc.ValidateChannelID(channelID); err != nil {
		return Worker{}, err
	}
	caseID := os.Getenv(EnvCase)
	if caseID == "" {
		return Worker{}, fmt.Errorf("%s is not set", EnvCase)
	}
	return Worker{
		ChannelID: channelID,
		CaseID:    caseID,
		PID:       os.Getpid(),
	}, nil
}

// Report sends the outcome to the parent and waits for the acknowledgement.
func (w Worker) Report(ctx context.Context, rep Report) error {
	payload, err := rep.MarshalBinary()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	conn, err := ipc.Dial(ctx, w.ChannelID)
	if err != nil {
		return fmt.Errorf("dial control channel: %w", err)
	}
	defer conn.Close()
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}
	_, err = ipc.Call(conn, ipc.Message{Command: ipc.CmdReportOutcome, Payload: payload})
	return err
}

// RunFunc executes the case of a worker.
type RunFunc func(ctx context.Context, w Worker) Report

// WorkerMain is the entry point of the worker subcommand. args holds the
// positional arguments, which must be exactly the channel id. It returns
// the process exit code.
func WorkerMain(ctx context.Context, args []string, run RunFunc) int {
	if len(args) != 1 {
		slog.ErrorContext(ctx, "worker expects one argument: the control channel id", "args", args)
		return ExitUsage
	}
	w, err := WorkerFromEnv(args[0])
	if err != nil {
		slog.ErrorContext(ctx, "invalid worker invocation", "error", err)
		return ExitUsage
	}
	ctx = log.ContextAttrs(ctx, slog.String("case", w.CaseID))

	rep := protect(ctx, w, run)
	if err := w.Report(ctx, rep); err != nil {
		slog.ErrorContext(ctx, "reporting outcome", "error", err)
		return ExitFailure
	}
	if rep.Status != StatusSuccess {
		return ExitFailure
	}
	return ExitSuccess
}

func protect(ctx context.Context, w Worker, run RunFunc) (rep Report) {
	defer func() {
		if r := recover(); r != nil {
			slog.ErrorContext(ctx, "case panicked", "panic", r)
			rep = Report{
				Status: StatusFailure,
				Score:  counter.ScoreFail,
				Reason: model.ReasonPanic,
				Detail: fmt.Sprintf("panic: %v\n%s", r, debug.Stack()),
			}
		}
	}()
	return run(ctx, w)
}
