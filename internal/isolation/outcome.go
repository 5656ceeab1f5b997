// Package isolation runs a validation case in a fresh worker process.
//
// The runner listens on a control channel, spawns the current executable
// with the worker subcommand and the channel id, and waits until the
// worker reports its outcome and exits or the timeout elapses. A worker
// which does not finish in time is killed together with every process it
// started.
package isolation

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/CZERTAINLY/tracecheck/internal/counter"
	"github.com/CZERTAINLY/tracecheck/internal/model"
)

type Status int

const (
	StatusSuccess Status = iota
	StatusFailure
	StatusTimeout
)

var statusNames = [...]string{"success", "failure", "timeout"}

func (s Status) String() string {
	if int(s) < len(statusNames) {
		return statusNames[s]
	}
	return fmt.Sprintf("status(%d)", int(s))
}

func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *Status) UnmarshalText(b []byte) error {
	for i, name := range statusNames {
		if string(b) == name {
			*s = Status(i)
			return nil
		}
	}
	return fmt.Errorf("unknown status %q", b)
}

// Report is what a worker sends over the control channel.
type Report struct {
	Status Status                `json:"status"`
	Score  int                   `json:"score"`
	Reason string                `json:"reason,omitempty"`
	Detail string                `json:"detail,omitempty"`
	Checks []counter.CheckResult `json:"checks,omitempty"`
	Counts counter.Counts        `json:"counts,omitempty"`
	// Summary is the human readable form of the validation result.
	Summary string `json:"summary,omitempty"`
}

// ReportResult turns the result of a validation into a report.
func ReportResult(res counter.Result, err error) Report {
	if err != nil {
		return Report{
			Status: StatusFailure,
			Score:  counter.ScoreFail,
			Reason: model.Kind(err),
			Detail: err.Error(),
		}
	}
	rep := Report{
		Status: StatusSuccess,
		Score:  res.Score,
		Checks: res.Checks,
		Counts: res.Counts,
	}
	var sb strings.Builder
	if err := res.WriteReport(&sb); err == nil {
		rep.Summary = sb.String()
	}
	if !res.Passed() {
		rep.Status = StatusFailure
		rep.Reason = model.ReasonValidation
		if res.Cause != nil {
			rep.Detail = res.Cause.Error()
		}
	}
	return rep
}

func (r Report) MarshalBinary() ([]byte, error) {
	return json.Marshal(r)
}

func (r *Report) UnmarshalBinary(b []byte) error {
	return json.Unmarshal(b, r)
}

// Outcome of an isolated run as seen by the parent.
type Outcome struct {
	Case     string    `json:"case"`
	Status   Status    `json:"status"`
	Score    int       `json:"score"`
	Reason   string    `json:"reason,omitempty"`
	Detail   string    `json:"detail,omitempty"`
	PID      int       `json:"pid,omitempty"`
	ExitCode int       `json:"exit_code"`
	Started  time.Time `json:"started"`
	Stopped  time.Time `json:"stopped"`
	Report   *Report   `json:"report,omitempty"`
}

func (o Outcome) Duration() time.Duration {
	return o.Stopped.Sub(o.Started)
}

// WorkerProcessError is returned when a worker could not be set up.
type WorkerProcessError struct {
	Op  string
	Err error
}

func (e *WorkerProcessError) Error() string {
	return "worker " + e.Op + ": " + e.Err.Error()
}

func (e *WorkerProcessError) Unwrap() error { return e.Err }

func (e *WorkerProcessError) Is(target error) bool {
	return target == model.ErrWorkerProcess
}
