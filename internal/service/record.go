package service

import (
	"github.com/CZERTAINLY/tracecheck/internal/counter"
	"github.com/CZERTAINLY/tracecheck/internal/history"
	"github.com/CZERTAINLY/tracecheck/internal/isolation"
)

// Record is the outcome of one isolated run as published to reporters.
type Record struct {
	ID string `json:"id"`
	isolation.Outcome
}

// Passed reports a successful run with a passing score.
func (r Record) Passed() bool {
	return r.Status == isolation.StatusSuccess && r.Score == counter.ScorePass
}

// History converts the record into a history row.
func (r Record) History() history.Run {
	return history.Run{
		ID:       r.ID,
		Case:     r.Case,
		Status:   r.Status.String(),
		Score:    r.Score,
		Reason:   r.Reason,
		Detail:   r.Detail,
		PID:      r.PID,
		ExitCode: r.ExitCode,
		Started:  r.Started,
		Duration: r.Duration(),
	}
}
