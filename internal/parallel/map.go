// Package parallel maps work items over a bounded number of goroutines.
package parallel

import (
	"context"
	"errors"
	"iter"

	"golang.org/x/sync/errgroup"
)

// Result of one item. Index is the position of the item in the input.
type Result[D any] struct {
	Index int
	Value D
	Err   error
}

// Map runs mapFunc on at most limit items at once. The input and output
// are iterators, so the typical usage is
//
//	for value, err := range parallel.NewMap(ctx, 4, fn).Iter(input) {}
//
// A cancelled context stops feeding new items; items already running see
// the cancellation through their context.
type Map[E, D any] struct {
	ctx     context.Context
	limit   int
	mapFunc func(context.Context, E) (D, error)
}

func NewMap[E, D any](ctx context.Context, limit int, mapFunc func(context.Context, E) (D, error)) *Map[E, D] {
	return &Map[E, D]{
		ctx:     ctx,
		limit:   max(limit, 1),
		mapFunc: mapFunc,
	}
}

// Iter yields values in completion order. Errors of the input sequence
// are passed through with a zero value. Leaving the loop early cancels
// the remaining items and waits for the running ones.
func (m *Map[E, D]) Iter(seq iter.Seq2[E, error]) iter.Seq2[D, error] {
	return func(yield func(D, error) bool) {
		for r := range m.Results(seq) {
			if !yield(r.Value, r.Err) {
				return
			}
		}
	}
}

// Collect maps the whole input and returns the values in input order
// with every error joined. Items which were not run because of a
// cancellation keep their zero value.
func (m *Map[E, D]) Collect(seq iter.Seq2[E, error]) ([]D, error) {
	var (
		values []D
		errs   []error
	)
	for r := range m.Results(seq) {
		if r.Index >= len(values) {
			values = append(values, make([]D, r.Index+1-len(values))...)
		}
		values[r.Index] = r.Value
		if r.Err != nil {
			errs = append(errs, r.Err)
		}
	}
	return values, errors.Join(errs...)
}

// Results yields the results with their input index. Every item which was
// started yields exactly one result; the first item skipped because of a
// cancellation yields the context error.
func (m *Map[E, D]) Results(seq iter.Seq2[E, error]) iter.Seq[Result[D]] {
	return func(yield func(Result[D]) bool) {
		ctx, cancel := context.WithCancel(m.ctx)
		defer cancel()

		// out is always drained, so sends never block forever
		out := make(chan Result[D], m.limit)

		var g errgroup.Group
		g.SetLimit(m.limit)
		go func() {
			defer close(out)
			idx := 0
			for entry, err := range seq {
				i := idx
				idx++
				if err := ctx.Err(); err != nil {
					out <- Result[D]{Index: i, Err: err}
					break
				}
				if err != nil {
					out <- Result[D]{Index: i, Err: err}
					continue
				}
				g.Go(func() error {
					d, err := m.mapFunc(ctx, entry)
					out <- Result[D]{Index: i, Value: d, Err: err}
					return nil
				})
			}
			_ = g.Wait()
		}()

		for r := range out {
			if !yield(r) {
				cancel()
				break
			}
		}
		// unblock and wait for the feeder
		for range out {
		}
	}
}
