package isolation

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/CZERTAINLY/tracecheck/internal/counter"
	"github.com/CZERTAINLY/tracecheck/internal/ipc"
	"github.com/CZERTAINLY/tracecheck/internal/log"
	"github.com/CZERTAINLY/tracecheck/internal/model"
)

// WorkerCommand is the hidden subcommand which runs a worker.
const WorkerCommand = "_worker"

// StderrFunc receives the stderr of a worker line by line.
type StderrFunc func(ctx context.Context, line string)

const stderrTail = 20

type Runner struct {
	path    string
	prefix  []string
	env     []string
	stderr  StderrFunc
	verbose bool
	grace   time.Duration
}

type Option func(*Runner)

// WithCommand replaces the worker executable and the arguments preceding
// the channel id.
func WithCommand(path string, prefix ...string) Option {
	return func(r *Runner) {
		r.path = path
		r.prefix = prefix
	}
}

// WithEnv adds variables to the worker environment.
func WithEnv(env ...string) Option {
	return func(r *Runner) { r.env = append(r.env, env...) }
}

// WithStderr receives the worker stderr. The default replays the worker
// log lines through the parent logger.
func WithStderr(fn StderrFunc) Option {
	return func(r *Runner) { r.stderr = fn }
}

// WithVerbose makes workers log at debug level.
func WithVerbose(verbose bool) Option {
	return func(r *Runner) { r.verbose = verbose }
}

// NewRunner returns a runner spawning the current executable.
func NewRunner(opts ...Option) (*Runner, error) {
	exe, err := os.Executable()
	if err != nil {
		return nil, &WorkerProcessError{Op: "lookup", Err: err}
	}
	r := &Runner{
		path:   exe,
		prefix: []string{WorkerCommand},
		stderr: log.Replay,
		grace:  100 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// RunIsolated runs caseID in a new worker and waits at most timeout. The
// returned error is set only when the worker could not be started.
func (r *Runner) RunIsolated(ctx context.Context, caseID string, timeout time.Duration) (Outcome, error) {
	id := ipc.NewChannelID()
	ctx = log.ContextAttrs(ctx, slog.String("case", caseID), slog.String("channel", id))

	ln, err := ipc.Listen(id)
	if err != nil {
		return Outcome{}, &WorkerProcessError{Op: "listen", Err: err}
	}
	defer ln.Close()
	reports := make(chan Report, 1)
	go acceptReport(ctx, ln, reports)

	cmd := exec.Command(r.path, append(append([]string(nil), r.prefix...), id)...)
	cmd.Env = append(os.Environ(), r.env...)
	cmd.Env = append(cmd.Env, EnvCase+"="+caseID)
	if r.verbose {
		cmd.Env = append(cmd.Env, log.EnvVerbose+"=1")
	}
	configureProcess(cmd)

	tail := newTail(stderrTail)
	stderr := &lineWriter{fn: func(line string) {
		tail.add(line)
		if r.stderr != nil {
			r.stderr(ctx, line)
		}
	}}
	cmd.Stderr = stderr
	// descendants may keep the pipe open after the worker exited
	cmd.WaitDelay = time.Second

	out := Outcome{Case: caseID, Started: time.Now().UTC()}
	if err := cmd.Start(); err != nil {
		return Outcome{}, &WorkerProcessError{Op: "start", Err: err}
	}
	out.PID = cmd.Process.Pid
	wctx := log.ContextAttrs(ctx, slog.Int("pid", out.PID))
	slog.DebugContext(wctx, "worker started", "path", r.path)

	done := make(chan error, 1)
	go func() {
		err := cmd.Wait()
		stderr.flush()
		if cmd.ProcessState != nil && cmd.ProcessState.Success() {
			err = nil
		}
		done <- err
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	var waitErr error
	select {
	case waitErr = <-done:
	case <-timer.C:
		slog.WarnContext(wctx, "worker timed out, killing process tree", "timeout", timeout)
		out = r.abandon(wctx, cmd, done, out)
		out.Status = StatusTimeout
		out.Reason = model.ReasonTimeout
		out.Detail = fmt.Sprintf("no outcome within %s", timeout)
		return out, nil
	case <-ctx.Done():
		slog.WarnContext(wctx, "run cancelled, killing process tree", "cause", context.Cause(ctx))
		out = r.abandon(wctx, cmd, done, out)
		out.Status = StatusFailure
		out.Reason = model.ReasonCancelled
		out.Detail = context.Cause(ctx).Error()
		return out, nil
	}
	out.Stopped = time.Now().UTC()
	out.ExitCode = cmd.ProcessState.ExitCode()

	var rep *Report
	select {
	case got := <-reports:
		rep = &got
	default:
	}
	return complete(out, rep, waitErr, tail.String()), nil
}

// abandon kills the worker tree and waits for the worker to be reaped.
func (r *Runner) abandon(ctx context.Context, cmd *exec.Cmd, done <-chan error, out Outcome) Outcome {
	killTree(context.WithoutCancel(ctx), cmd, r.grace)
	<-done
	out.Stopped = time.Now().UTC()
	out.ExitCode = cmd.ProcessState.ExitCode()
	out.Score = counter.ScoreFail
	return out
}

func complete(out Outcome, rep *Report, waitErr error, tail string) Outcome {
	out.Report = rep
	switch {
	case rep != nil && waitErr == nil && rep.Status == StatusSuccess:
		out.Status = StatusSuccess
		out.Score = rep.Score
	case rep != nil:
		out.Status = StatusFailure
		out.Score = counter.ScoreFail
		out.Reason = rep.Reason
		out.Detail = rep.Detail
		if rep.Status == StatusSuccess {
			// reported success but exited abnormally
			out.Reason = model.ReasonWorkerProcess
			out.Detail = fmt.Sprintf("worker exited with %v after reporting success", waitErr)
		}
	default:
		out.Status = StatusFailure
		out.Score = counter.ScoreFail
		out.Reason = model.ReasonWorkerProcess
		switch {
		case tail != "":
			out.Detail = tail
		case waitErr != nil:
			out.Detail = waitErr.Error()
		default:
			out.Detail = "worker exited without reporting an outcome"
		}
	}
	return out
}

func acceptReport(ctx context.Context, ln net.Listener, reports chan<- Report) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				slog.DebugContext(ctx, "control channel accept", "error", err)
			}
			return
		}
		if handleReport(ctx, conn, reports) {
			return
		}
	}
}

func handleReport(ctx context.Context, conn net.Conn, reports chan<- Report) bool {
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(10 * time.Second))
	m, err := ipc.ReadMessage(conn)
	if err != nil {
		slog.DebugContext(ctx, "control channel read", "error", err)
		return false
	}
	if m.Command != ipc.CmdReportOutcome {
		_ = ipc.WriteMessage(conn, ipc.Error(ipc.CodeBadRequest, fmt.Errorf("unexpected %s", m.Command)))
		return false
	}
	var rep Report
	if err := rep.UnmarshalBinary(m.Payload); err != nil {
		_ = ipc.WriteMessage(conn, ipc.Error(ipc.CodeBadRequest, err))
		return false
	}
	// the worker exits once acknowledged, so the report must be queued first
	reports <- rep
	_ = ipc.WriteMessage(conn, ipc.OK(nil))
	return true
}

// lineWriter splits the worker stderr into lines.
type lineWriter struct {
	mx  sync.Mutex
	buf []byte
	fn  func(string)
}

func (w *lineWriter) Write(p []byte) (int, error) {
	w.mx.Lock()
	defer w.mx.Unlock()
	w.buf = append(w.buf, p...)
	for {
		i := bytes.IndexByte(w.buf, '\n')
		if i < 0 {
			break
		}
		w.fn(strings.TrimSuffix(string(w.buf[:i]), "\r"))
		w.buf = w.buf[i+1:]
	}
	return len(p), nil
}

func (w *lineWriter) flush() {
	w.mx.Lock()
	defer w.mx.Unlock()
	if len(w.buf) > 0 {
		w.fn(string(w.buf))
		w.buf = nil
	}
}

// tail keeps the last lines of the worker stderr.
type tail struct {
	mx    sync.Mutex
	max   int
	lines []string
}

func newTail(n int) *tail {
	return &tail{max: n}
}

func (t *tail) add(line string) {
	t.mx.Lock()
	defer t.mx.Unlock()
	t.lines = append(t.lines, line)
	if len(t.lines) > t.max {
		t.lines = t.lines[len(t.lines)-t.max:]
	}
}

func (t *tail) String() string {
	t.mx.Lock()
	defer t.mx.Unlock()
	return strings.Join(t.lines, "\n")
}
