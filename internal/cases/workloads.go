package cases

import (
	"bytes"
	"context"
	"crypto/rand"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"sync"
	"time"

	"github.com/CZERTAINLY/tracecheck/internal/eventsource"
	"github.com/CZERTAINLY/tracecheck/internal/model"
	"github.com/CZERTAINLY/tracecheck/internal/orchestrator"
	"github.com/CZERTAINLY/tracecheck/internal/parallel"
	"github.com/CZERTAINLY/tracecheck/internal/session"

	"golang.org/x/sync/errgroup"
)

// UserEvent is written by the user-events workload.
var UserEvent = eventsource.Event{ID: 1, Name: "MyEvent", Level: session.LevelVerbose}

func builtinWorkloads() map[string]WorkloadFunc {
	return map[string]WorkloadFunc{
		"user-events":    UserEvents(eventsource.Default),
		"gc-collect":     GCCollect,
		"goroutine-pool": GoroutinePool,
		"async-io":       AsyncIO,
	}
}

// UserEvents writes params.events events to the first provider of the
// session, registering it in hub.
func UserEvents(hub *eventsource.Hub) WorkloadFunc {
	return func(sc model.Scenario) orchestrator.Workload {
		src := hub.Source(sc.Session.Providers[0].Name)
		n := sc.Param("events", 100000)
		payload := []byte(UserEvent.Name)
		return func(ctx context.Context) error {
			for i := range n {
				if i%4096 == 0 && ctx.Err() != nil {
					return ctx.Err()
				}
				src.Write(UserEvent, payload)
			}
			return nil
		}
	}
}

// GCCollect forces params.cycles collections.
func GCCollect(sc model.Scenario) orchestrator.Workload {
	n := sc.Param("cycles", 50)
	return func(ctx context.Context) error {
		for range n {
			if err := ctx.Err(); err != nil {
				return err
			}
			runtime.GC()
		}
		return nil
	}
}

// GoroutinePool hashes params.items work items on params.workers
// goroutines which stay alive at least params.hold_ms. Every worker is
// wired to its own thread while it waits, so the pool grows the thread
// count too.
func GoroutinePool(sc model.Scenario) orchestrator.Workload {
	workers := sc.Param("workers", 32)
	items := sc.Param("items", 2000)
	hold := time.Duration(sc.Param("hold_ms", 250)) * time.Millisecond
	return func(ctx context.Context) error {
		release := make(chan struct{})
		time.AfterFunc(hold, func() { close(release) })

		work := func(ctx context.Context, i int) (int, error) {
			runtime.LockOSThread()
			defer runtime.UnlockOSThread()
			sum := 0
			for _, c := range strconv.Itoa(i * i) {
				sum += int(c - '0')
			}
			select {
			case <-release:
			case <-ctx.Done():
				return 0, ctx.Err()
			}
			return sum, nil
		}

		seq := func(yield func(int, error) bool) {
			for i := range items {
				if !yield(i, nil) {
					return
				}
			}
		}
		done := 0
		for _, err := range parallel.NewMap(ctx, workers, work).Iter(seq) {
			if err != nil {
				return err
			}
			done++
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if done != items {
			return fmt.Errorf("processed %d of %d items", done, items)
		}
		return nil
	}
}

// AsyncIO writes and reads back params.files temporary files on
// params.threads dedicated threads, which stay alive at least
// params.hold_ms and end together with the workload.
func AsyncIO(sc model.Scenario) orchestrator.Workload {
	files := sc.Param("files", 64)
	threads := max(sc.Param("threads", 16), 1)
	size := sc.Param("size_kb", 64) << 10
	hold := time.Duration(sc.Param("hold_ms", 200)) * time.Millisecond
	return func(ctx context.Context) error {
		dir, err := os.MkdirTemp("", "tracecheck-io-")
		if err != nil {
			return err
		}
		defer os.RemoveAll(dir)

		deadline := time.Now().Add(hold)
		queue := make(chan int)
		var pinned sync.WaitGroup
		pinned.Add(threads)

		g, gctx := errgroup.WithContext(ctx)
		for range threads {
			g.Go(func() error {
				// never unlocked: the thread exits with the goroutine
				runtime.LockOSThread()
				pinned.Done()
				pinned.Wait()
				for i := range queue {
					if err := roundTrip(gctx, filepath.Join(dir, strconv.Itoa(i)), size); err != nil {
						return err
					}
				}
				return sleepUntil(gctx, deadline)
			})
		}
		g.Go(func() error {
			defer close(queue)
			for i := range files {
				select {
				case queue <- i:
				case <-gctx.Done():
					return gctx.Err()
				}
			}
			return nil
		})
		return g.Wait()
	}
}

func sleepUntil(ctx context.Context, deadline time.Time) error {
	t := time.NewTimer(time.Until(deadline))
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func roundTrip(ctx context.Context, path string, size int) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data := make([]byte, size)
	_, _ = rand.Read(data)
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return err
	}
	got, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if !bytes.Equal(got, data) {
		return fmt.Errorf("%s: read back %d bytes which differ from the written ones", path, len(got))
	}
	return nil
}
