// Package trace encodes and decodes the record stream produced by a
// tracing session.
//
// Records of one provider arrive in emission order; records of different
// providers are interleaved without a global ordering guarantee. Every
// stream ends with an explicit terminator, so a reader can tell a clean
// stop from a broken connection.
package trace

import (
	"fmt"
	"time"

	"github.com/CZERTAINLY/tracecheck/internal/model"
	"github.com/CZERTAINLY/tracecheck/internal/session"
)

// Record is one event delivered by a session.
type Record struct {
	Provider  string        `json:"provider"`
	EventID   uint16        `json:"id"`
	Name      string        `json:"name"`
	Level     session.Level `json:"level"`
	Timestamp time.Time     `json:"ts"`
	Payload   []byte        `json:"payload,omitempty"`
}

// Size approximates the memory held by r, used for session buffer
// accounting.
func (r Record) Size() int {
	return len(r.Provider) + len(r.Name) + len(r.Payload) + 24
}

func (r Record) String() string {
	return fmt.Sprintf("%s/%s(%d)", r.Provider, r.Name, r.EventID)
}

// StreamError reports a stream that ended or broke before its terminator.
type StreamError struct {
	Offset int64
	Err    error
}

func (e *StreamError) Error() string {
	return fmt.Sprintf("trace stream broken at offset %d: %v", e.Offset, e.Err)
}

func (e *StreamError) Unwrap() error { return e.Err }

func (e *StreamError) Is(target error) bool {
	return target == model.ErrStream
}

// Stream is the consuming end of a live session. Next returns io.EOF once
// the session was stopped and every record was delivered.
type Stream interface {
	Reader
	ID() uint64
	Close() error
}
