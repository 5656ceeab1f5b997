package model

import (
	"context"
	"errors"
)

// Error taxonomy of a validation run. Typed errors in other packages match
// these sentinels through errors.Is.
var (
	ErrConfiguration = errors.New("configuration error")
	ErrSessionStart  = errors.New("session start error")
	ErrStream        = errors.New("stream error")
	ErrWorkerProcess = errors.New("worker process error")
	ErrTimeout       = errors.New("timeout")
	ErrState         = errors.New("state error")
	ErrWorkload      = errors.New("workload error")
)

// Reason strings used in outcomes and run history.
const (
	ReasonNone          = ""
	ReasonConfiguration = "configuration"
	ReasonSessionStart  = "session_start"
	ReasonStream        = "stream"
	ReasonWorkerProcess = "worker_process"
	ReasonTimeout       = "timeout"
	ReasonCancelled     = "cancelled"
	ReasonState         = "state"
	ReasonWorkload      = "workload"
	ReasonValidation    = "validation"
	ReasonPanic         = "panic"
	ReasonUnknown       = "unknown"
)

// Kind maps err to a stable reason string.
func Kind(err error) string {
	switch {
	case err == nil:
		return ReasonNone
	case errors.Is(err, ErrConfiguration):
		return ReasonConfiguration
	case errors.Is(err, ErrSessionStart):
		return ReasonSessionStart
	case errors.Is(err, ErrStream):
		return ReasonStream
	case errors.Is(err, ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return ReasonTimeout
	case errors.Is(err, context.Canceled):
		return ReasonCancelled
	case errors.Is(err, ErrWorkerProcess):
		return ReasonWorkerProcess
	case errors.Is(err, ErrState):
		return ReasonState
	case errors.Is(err, ErrWorkload):
		return ReasonWorkload
	default:
		return ReasonUnknown
	}
}
