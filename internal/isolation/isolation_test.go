package isolation_test

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/CZERTAINLY/tracecheck/internal/counter"
	"github.com/CZERTAINLY/tracecheck/internal/isolation"
	"github.com/CZERTAINLY/tracecheck/internal/ipc"
	"github.com/CZERTAINLY/tracecheck/internal/model"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

const envTestWorker = "TRACECHECK_TEST_WORKER"

// TestMain turns the test binary into a worker when the runner spawns it.
func TestMain(m *testing.M) {
	if os.Getenv(envTestWorker) == "1" {
		if len(os.Args) < 2 || os.Args[1] != isolation.WorkerCommand {
			os.Exit(isolation.ExitUsage)
		}
		os.Exit(isolation.WorkerMain(context.Background(), os.Args[2:], runCase))
	}
	goleak.VerifyTestMain(m)
}

func runCase(_ context.Context, w isolation.Worker) isolation.Report {
	switch w.CaseID {
	case "ok":
		return isolation.Report{
			Status: isolation.StatusSuccess,
			Score:  counter.ScorePass,
			Counts: counter.Counts{"p": 42},
		}
	case "fail":
		return isolation.Report{
			Status: isolation.StatusFailure,
			Score:  counter.ScoreFail,
			Reason: model.ReasonValidation,
			Detail: "p: 50000 outside [70000, 130000]",
		}
	case "hang":
		time.Sleep(time.Hour)
	case "crash":
		fmt.Fprintln(os.Stderr, "fatal: corrupted heap")
		os.Exit(3)
	case "panic":
		panic("kaboom")
	}
	return isolation.Report{
		Status: isolation.StatusFailure,
		Score:  counter.ScoreFail,
		Reason: model.ReasonConfiguration,
		Detail: "unknown case " + w.CaseID,
	}
}

type lines struct {
	mx sync.Mutex
	l  []string
}

func (l *lines) add(_ context.Context, line string) {
	l.mx.Lock()
	defer l.mx.Unlock()
	l.l = append(l.l, line)
}

func (l *lines) String() string {
	l.mx.Lock()
	defer l.mx.Unlock()
	return strings.Join(l.l, "\n")
}

func runner(t *testing.T, stderr *lines) *isolation.Runner {
	t.Helper()
	r, err := isolation.NewRunner(
		isolation.WithCommand(os.Args[0], isolation.WorkerCommand),
		isolation.WithEnv(envTestWorker+"=1"),
		isolation.WithStderr(stderr.add),
	)
	require.NoError(t, err)
	return r
}

func TestRunIsolated(t *testing.T) {
	t.Parallel()
	var testCases = []struct {
		scenario string
		caseID   string
		status   isolation.Status
		score    int
		reason   string
		detail   string
		exitCode int
	}{
		{"success", "ok", isolation.StatusSuccess, counter.ScorePass, "", "", 0},
		{"reported failure", "fail", isolation.StatusFailure, counter.ScoreFail, model.ReasonValidation, "50000 outside", 1},
		{"crash", "crash", isolation.StatusFailure, counter.ScoreFail, model.ReasonWorkerProcess, "fatal: corrupted heap", 3},
		{"panic", "panic", isolation.StatusFailure, counter.ScoreFail, model.ReasonPanic, "kaboom", 1},
		{"unknown case", "nope", isolation.StatusFailure, counter.ScoreFail, model.ReasonConfiguration, "unknown case nope", 1},
	}
	for _, tt := range testCases {
		t.Run(tt.scenario, func(t *testing.T) {
			t.Parallel()
			var stderr lines
			out, err := runner(t, &stderr).RunIsolated(t.Context(), tt.caseID, time.Minute)
			require.NoError(t, err)
			require.Equal(t, tt.caseID, out.Case)
			require.Equal(t, tt.status, out.Status, stderr.String())
			require.Equal(t, tt.score, out.Score)
			require.Equal(t, tt.reason, out.Reason)
			require.Contains(t, out.Detail, tt.detail)
			require.Equal(t, tt.exitCode, out.ExitCode)
			require.NotZero(t, out.PID)
			require.False(t, out.Stopped.Before(out.Started))
		})
	}
}

func TestReportCarried(t *testing.T) {
	t.Parallel()
	var stderr lines
	out, err := runner(t, &stderr).RunIsolated(t.Context(), "ok", time.Minute)
	require.NoError(t, err)
	require.NotNil(t, out.Report)
	require.Equal(t, counter.Counts{"p": 42}, out.Report.Counts)
}

func TestTimeout(t *testing.T) {
	t.Parallel()
	var stderr lines
	start := time.Now()
	out, err := runner(t, &stderr).RunIsolated(t.Context(), "hang", 500*time.Millisecond)
	require.NoError(t, err)
	require.Equal(t, isolation.StatusTimeout, out.Status)
	require.Equal(t, counter.ScoreFail, out.Score)
	require.Equal(t, model.ReasonTimeout, out.Reason)
	require.Nil(t, out.Report)
	require.Less(t, time.Since(start), 30*time.Second)
}

func TestCancel(t *testing.T) {
	t.Parallel()
	var stderr lines
	ctx, cancel := context.WithCancelCause(t.Context())
	stop := time.AfterFunc(300*time.Millisecond, func() { cancel(errors.New("interrupted")) })
	defer stop.Stop()
	out, err := runner(t, &stderr).RunIsolated(ctx, "hang", time.Hour)
	require.NoError(t, err)
	require.Equal(t, isolation.StatusFailure, out.Status)
	require.Equal(t, counter.ScoreFail, out.Score)
	require.Equal(t, model.ReasonCancelled, out.Reason)
	require.Equal(t, "interrupted", out.Detail)
	require.Nil(t, out.Report)
}

func TestStartFails(t *testing.T) {
	t.Parallel()
	r, err := isolation.NewRunner(isolation.WithCommand("/nonexistent/tracecheck"))
	require.NoError(t, err)
	_, err = r.RunIsolated(t.Context(), "ok", time.Second)
	require.ErrorIs(t, err, model.ErrWorkerProcess)
	var we *isolation.WorkerProcessError
	require.ErrorAs(t, err, &we)
	require.Equal(t, "start", we.Op)
}

func TestWorkerMainUsage(t *testing.T) {
	t.Parallel()
	run := func(context.Context, isolation.Worker) isolation.Report {
		t.Fatal("case must not run")
		return isolation.Report{}
	}
	require.Equal(t, isolation.ExitUsage, isolation.WorkerMain(t.Context(), nil, run))
	require.Equal(t, isolation.ExitUsage, isolation.WorkerMain(t.Context(), []string{"a", "b"}, run))
	require.Equal(t, isolation.ExitUsage, isolation.WorkerMain(t.Context(), []string{"not-a-channel"}, run))
}

func TestWorkerFromEnv(t *testing.T) {
	id := ipc.NewChannelID()
	t.Setenv(isolation.EnvCase, "gc-collect")
	w, err := isolation.WorkerFromEnv(id)
	require.NoError(t, err)
	require.Equal(t, "gc-collect", w.CaseID)
	require.Equal(t, id, w.ChannelID)
	require.Equal(t, os.Getpid(), w.PID)

	t.Setenv(isolation.EnvCase, "")
	_, err = isolation.WorkerFromEnv(id)
	require.Error(t, err)
}

func TestStatusText(t *testing.T) {
	t.Parallel()
	for _, s := range []isolation.Status{isolation.StatusSuccess, isolation.StatusFailure, isolation.StatusTimeout} {
		b, err := s.MarshalText()
		require.NoError(t, err)
		var got isolation.Status
		require.NoError(t, got.UnmarshalText(b))
		require.Equal(t, s, got)
	}
	var s isolation.Status
	require.Error(t, s.UnmarshalText([]byte("maybe")))
}

func TestReportResult(t *testing.T) {
	t.Parallel()
	rep := isolation.ReportResult(counter.Result{}, fmt.Errorf("boom: %w", model.ErrTimeout))
	require.Equal(t, isolation.StatusFailure, rep.Status)
	require.Equal(t, model.ReasonTimeout, rep.Reason)
	require.Equal(t, counter.ScoreFail, rep.Score)

	require.Empty(t, rep.Summary)

	rep = isolation.ReportResult(counter.Result{Score: counter.ScorePass, Counts: counter.Counts{"p": 1234567}}, nil)
	require.Equal(t, isolation.StatusSuccess, rep.Status)
	require.Equal(t, counter.ScorePass, rep.Score)
	require.Equal(t, "score 100 PASS\ncount p 1,234,567\n", rep.Summary)
}
