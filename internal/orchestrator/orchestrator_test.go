package orchestrator_test

import (
	"context"
	"errors"
	"io"
	"net"
	"runtime"
	"sync"
	"testing"
	"testing/synctest"
	"time"

	"github.com/CZERTAINLY/tracecheck/internal/counter"
	"github.com/CZERTAINLY/tracecheck/internal/diag"
	"github.com/CZERTAINLY/tracecheck/internal/eventsource"
	"github.com/CZERTAINLY/tracecheck/internal/ipc"
	"github.com/CZERTAINLY/tracecheck/internal/model"
	"github.com/CZERTAINLY/tracecheck/internal/orchestrator"
	"github.com/CZERTAINLY/tracecheck/internal/session"
	"github.com/CZERTAINLY/tracecheck/internal/trace"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/mock/gomock"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const userEvents = "TraceCheck-UserEvents"

var myEvent = eventsource.Event{ID: 1, Name: "MyEvent", Level: session.LevelVerbose}

// fakeStream is fed by the test; end simulates a stopped session.
type fakeStream struct {
	id      uint64
	recs    chan trace.Record
	closed  chan struct{}
	endOnce sync.Once
	once    sync.Once
}

func newFakeStream(id uint64) *fakeStream {
	return &fakeStream{
		id:     id,
		recs:   make(chan trace.Record),
		closed: make(chan struct{}),
	}
}

func (s *fakeStream) ID() uint64 { return s.id }

func (s *fakeStream) Next() (trace.Record, error) {
	select {
	case r, ok := <-s.recs:
		if !ok {
			return trace.Record{}, io.EOF
		}
		return r, nil
	case <-s.closed:
		return trace.Record{}, &trace.StreamError{Err: net.ErrClosed}
	}
}

func (s *fakeStream) Close() error {
	s.once.Do(func() { close(s.closed) })
	return nil
}

func (s *fakeStream) end() {
	s.endOnce.Do(func() { close(s.recs) })
}

func config(t *testing.T, providers ...string) session.Config {
	t.Helper()
	ps := make([]session.Provider, 0, len(providers))
	for _, p := range providers {
		ps = append(ps, session.NewProvider(p))
	}
	cfg, err := session.Build(64<<20, session.FormatBinary, ps...)
	require.NoError(t, err)
	return cfg
}

// serve exposes hub on a fresh diagnostics socket.
func serve(t *testing.T, hub *eventsource.Hub) *diag.Client {
	t.Helper()
	name := ipc.NewChannelID()
	srv, err := diag.Listen(hub, name)
	require.NoError(t, err)
	done := make(chan error, 1)
	go func() { done <- srv.Serve(context.Background()) }()
	t.Cleanup(func() {
		require.NoError(t, srv.Close())
		require.NoError(t, <-done)
	})
	return diag.NewNamedClient(name)
}

func TestUserEvents(t *testing.T) {
	t.Parallel()
	var testCases = []struct {
		scenario string
		events   int
		score    int
	}{
		{"all events", 100000, counter.ScorePass},
		{"half of the events", 50000, counter.ScoreFail},
	}
	for _, tt := range testCases {
		t.Run(tt.scenario, func(t *testing.T) {
			t.Parallel()
			hub := eventsource.NewHub()
			src := hub.Source(userEvents)
			o := orchestrator.New(serve(t, hub), orchestrator.WithDrainGrace(50*time.Millisecond))

			res, err := o.RunAndValidate(t.Context(),
				map[string]counter.Expected{userEvents: counter.Exactly(100000, 0.3)},
				func(context.Context) error {
					for range tt.events {
						src.Write(myEvent, []byte("MyEvent"))
					}
					return nil
				},
				config(t, userEvents),
				nil,
			)
			require.NoError(t, err)
			require.Equal(t, tt.score, res.Score)
			require.Equal(t, int64(tt.events), res.Counts[userEvents])
		})
	}
}

func TestGCCollect(t *testing.T) {
	t.Parallel()
	o := orchestrator.New(serve(t, eventsource.Default), orchestrator.WithDrainGrace(50*time.Millisecond))
	cfg, err := session.Build(64<<20, session.FormatBinary,
		session.NewProvider(eventsource.RuntimeProvider).WithKeywords(eventsource.KeywordGC).WithLevel(session.LevelInformational),
	)
	require.NoError(t, err)

	res, err := o.RunAndValidate(t.Context(),
		map[string]counter.Expected{
			eventsource.RuntimeProvider: counter.Present,
			eventsource.RundownProvider: counter.Present,
		},
		func(context.Context) error {
			for range 50 {
				runtime.GC()
			}
			return nil
		},
		cfg,
		func(c *counter.Counter) ([]counter.Check, error) {
			for _, name := range []string{"GCStart", "GCStop", "GCHeapStats"} {
				if _, err := c.Register(name, counter.ByEvent(eventsource.RuntimeProvider, name)); err != nil {
					return nil, err
				}
			}
			return []counter.Check{
				counter.MustExpr("gc-count", "GCStart >= 50 && GCStop >= 50 && GCHeapStats >= 50"),
				counter.MustExpr("gc-balance", "abs(GCStart - GCStop) <= 2"),
			}, nil
		},
	)
	require.NoError(t, err)
	require.Equal(t, counter.ScorePass, res.Score, res.Cause)
}

func TestSessionStartFails(t *testing.T) {
	t.Parallel()
	ctrl := gomock.NewController(t)
	client := NewMockSessionClient(ctrl)
	client.EXPECT().StartSession(gomock.Any(), gomock.Any()).Return(nil, errors.New("connection refused"))

	var states []orchestrator.State
	o := orchestrator.New(client, orchestrator.WithStateFunc(func(_ context.Context, _ *orchestrator.RunContext, _, to orchestrator.State) {
		states = append(states, to)
	}))
	_, err := o.RunAndValidate(t.Context(), map[string]counter.Expected{"p": counter.Present}, nil, config(t, "p"), nil)
	require.ErrorIs(t, err, model.ErrSessionStart)
	var se *orchestrator.SessionStartError
	require.ErrorAs(t, err, &se)
	require.ErrorContains(t, err, "connection refused")
	require.Equal(t, []orchestrator.State{orchestrator.StateSessionStarting, orchestrator.StateAborted}, states)
}

func TestInvalidExpectation(t *testing.T) {
	t.Parallel()
	ctrl := gomock.NewController(t)
	client := NewMockSessionClient(ctrl)

	o := orchestrator.New(client)
	_, err := o.RunAndValidate(t.Context(), map[string]counter.Expected{"p": counter.Exactly(10, 2)}, nil, config(t, "p"), nil)
	require.ErrorIs(t, err, model.ErrConfiguration)

	_, err = o.RunAndValidate(t.Context(), nil, nil, config(t, "p"), func(*counter.Counter) ([]counter.Check, error) {
		return nil, errors.New("bad check")
	})
	require.ErrorContains(t, err, "bad check")
}

func mockRun(t *testing.T, workload orchestrator.Workload) (*fakeStream, error) {
	t.Helper()
	ctrl := gomock.NewController(t)
	client := NewMockSessionClient(ctrl)
	stream := newFakeStream(7)
	client.EXPECT().StartSession(gomock.Any(), gomock.Any()).Return(stream, nil)
	client.EXPECT().StopSession(gomock.Any(), uint64(7)).DoAndReturn(func(context.Context, uint64) (eventsource.Stats, error) {
		stream.end()
		return eventsource.Stats{}, nil
	}).AnyTimes()

	o := orchestrator.New(client, orchestrator.WithDrainGrace(time.Millisecond))
	_, err := o.RunAndValidate(t.Context(), map[string]counter.Expected{"p": counter.Present}, workload, config(t, "p"), nil)
	return stream, err
}

func TestWorkloadError(t *testing.T) {
	t.Parallel()
	boom := errors.New("boom")
	_, err := mockRun(t, func(context.Context) error { return boom })
	require.ErrorIs(t, err, boom)
	require.ErrorIs(t, err, model.ErrWorkload)
	var we *orchestrator.WorkloadError
	require.ErrorAs(t, err, &we)
	require.Equal(t, model.ReasonWorkload, model.Kind(err))
}

func TestWorkloadPanic(t *testing.T) {
	t.Parallel()
	_, err := mockRun(t, func(context.Context) error { panic("kaboom") })
	require.ErrorIs(t, err, model.ErrWorkload)
	require.ErrorContains(t, err, "kaboom")
}

func TestStreamBroken(t *testing.T) {
	t.Parallel()
	var stream *fakeStream
	ctrl := gomock.NewController(t)
	client := NewMockSessionClient(ctrl)
	stream = newFakeStream(3)
	client.EXPECT().StartSession(gomock.Any(), gomock.Any()).Return(stream, nil)
	client.EXPECT().StopSession(gomock.Any(), gomock.Any()).Return(eventsource.Stats{}, nil).AnyTimes()

	o := orchestrator.New(client)
	_, err := o.RunAndValidate(t.Context(), map[string]counter.Expected{"p": counter.Present},
		func(ctx context.Context) error {
			_ = stream.Close()
			<-ctx.Done()
			return ctx.Err()
		},
		config(t, "p"), nil)
	require.ErrorIs(t, err, model.ErrStream)
}

func TestTimeout(t *testing.T) {
	t.Parallel()
	synctest.Test(t, func(t *testing.T) {
		ctx, cancel := context.WithTimeout(t.Context(), 5*time.Second)
		defer cancel()

		ctrl := gomock.NewController(t)
		client := NewMockSessionClient(ctrl)
		stream := newFakeStream(1)
		client.EXPECT().StartSession(gomock.Any(), gomock.Any()).Return(stream, nil)
		client.EXPECT().StopSession(gomock.Any(), uint64(1)).Return(eventsource.Stats{}, nil).AnyTimes()

		o := orchestrator.New(client)
		_, err := o.RunAndValidate(ctx, map[string]counter.Expected{"p": counter.Present},
			func(ctx context.Context) error {
				<-ctx.Done()
				return ctx.Err()
			},
			config(t, "p"), nil)
		require.ErrorIs(t, err, model.ErrTimeout)
		require.Equal(t, model.ReasonTimeout, model.Kind(err))
	})
}

func TestDrainGrace(t *testing.T) {
	t.Parallel()
	synctest.Test(t, func(t *testing.T) {
		ctrl := gomock.NewController(t)
		client := NewMockSessionClient(ctrl)
		stream := newFakeStream(1)

		var stoppedAt time.Time
		produced := make(chan struct{})
		client.EXPECT().StartSession(gomock.Any(), gomock.Any()).Return(stream, nil)
		client.EXPECT().StopSession(gomock.Any(), uint64(1)).DoAndReturn(func(context.Context, uint64) (eventsource.Stats, error) {
			stoppedAt = time.Now()
			<-produced
			return eventsource.Stats{Emitted: 3}, nil
		})

		var states []orchestrator.State
		o := orchestrator.New(client,
			orchestrator.WithDrainGrace(time.Second),
			orchestrator.WithStateFunc(func(_ context.Context, _ *orchestrator.RunContext, _, to orchestrator.State) {
				states = append(states, to)
			}),
		)

		start := time.Now()
		res, err := o.RunAndValidate(t.Context(), map[string]counter.Expected{"p": counter.Exactly(3, 0)},
			func(context.Context) error {
				// records which arrive after the workload returned
				go func() {
					defer close(produced)
					defer stream.end()
					for range 3 {
						time.Sleep(100 * time.Millisecond)
						stream.recs <- trace.Record{Provider: "p", Name: "late"}
					}
				}()
				return nil
			},
			config(t, "p"), nil)
		require.NoError(t, err)
		require.Equal(t, counter.ScorePass, res.Score)
		require.Equal(t, time.Second, stoppedAt.Sub(start))
		require.Equal(t, []orchestrator.State{
			orchestrator.StateSessionStarting,
			orchestrator.StateActive,
			orchestrator.StateDraining,
			orchestrator.StateValidating,
			orchestrator.StateCompleted,
		}, states)
	})
}
