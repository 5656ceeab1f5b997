package parallel_test

import (
	"context"
	"errors"
	"iter"
	"testing"
	"testing/synctest"
	"time"

	"github.com/CZERTAINLY/tracecheck/internal/parallel"
	"github.com/stretchr/testify/require"
)

// sleep returns d after waiting for it, or the context error.
func sleep(ctx context.Context, d time.Duration) (int, error) {
	select {
	case <-time.After(d):
		return int(d), nil
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

var input = []time.Duration{1 * time.Second, 2 * time.Second, 5 * time.Second, 10 * time.Second}

func TestMap(t *testing.T) {
	t.Parallel()

	expected := []int{
		int(1 * time.Second),
		int(2 * time.Second),
		int(5 * time.Second),
		int(10 * time.Second),
	}

	var testCases = []struct {
		scenario string
		limit    int
		then     time.Duration
	}{
		{"limit 1", 1, 18 * time.Second},
		{"limit 2", 2, 12 * time.Second},
		{"limit 10", 10, 10 * time.Second},
		{"limit 0 means 1", 0, 18 * time.Second},
	}

	for _, tt := range testCases {
		t.Run(tt.scenario, func(t *testing.T) {
			t.Parallel()
			synctest.Test(t, func(t *testing.T) {
				start := time.Now()
				m1 := parallel.NewMap(t.Context(), tt.limit, sleep).Iter(all(input))
				require.ElementsMatch(t, expected, values(m1))
				require.Equal(t, tt.then, time.Since(start))
			})
		})
	}
}

func TestCollect(t *testing.T) {
	t.Parallel()

	t.Run("input order", func(t *testing.T) {
		synctest.Test(t, func(t *testing.T) {
			reversed := []time.Duration{10 * time.Second, 5 * time.Second, 2 * time.Second, 1 * time.Second}
			got, err := parallel.NewMap(t.Context(), 4, sleep).Collect(all(reversed))
			require.NoError(t, err)
			require.Equal(t, []int{int(10 * time.Second), int(5 * time.Second), int(2 * time.Second), int(1 * time.Second)}, got)
		})
	})

	t.Run("cancel", func(t *testing.T) {
		synctest.Test(t, func(t *testing.T) {
			ctx, cancel := context.WithTimeout(t.Context(), 3*time.Second)
			defer cancel()
			start := time.Now()
			got, err := parallel.NewMap(ctx, 4, sleep).Collect(all(input))
			require.ErrorIs(t, err, context.DeadlineExceeded)
			require.Equal(t, 3*time.Second, time.Since(start))
			require.Equal(t, int(1*time.Second), got[0])
			require.Equal(t, int(2*time.Second), got[1])
		})
	})

	t.Run("errors", func(t *testing.T) {
		boom := errors.New("boom")
		bad := errors.New("bad input")
		fn := func(_ context.Context, i int) (int, error) {
			if i == 2 {
				return 0, boom
			}
			return i * 10, nil
		}
		seq := func(yield func(int, error) bool) {
			for i := range 4 {
				err := error(nil)
				if i == 3 {
					err = bad
				}
				if !yield(i, err) {
					return
				}
			}
		}
		got, err := parallel.NewMap(t.Context(), 2, fn).Collect(seq)
		require.ErrorIs(t, err, boom)
		require.ErrorIs(t, err, bad)
		require.Equal(t, []int{0, 10, 0, 0}, got)
	})
}

func TestBreak(t *testing.T) {
	t.Parallel()
	synctest.Test(t, func(t *testing.T) {
		start := time.Now()
		for v, err := range parallel.NewMap(t.Context(), 4, sleep).Iter(all(input)) {
			require.NoError(t, err)
			require.Equal(t, int(1*time.Second), v)
			break
		}
		// the running items were cancelled, not awaited
		require.Equal(t, 1*time.Second, time.Since(start))
	})
}

func all[T any](s []T) iter.Seq2[T, error] {
	return func(yield func(T, error) bool) {
		for _, x := range s {
			if !yield(x, nil) {
				return
			}
		}
	}
}

func values[T any](i iter.Seq2[T, error]) []T {
	var ret []T
	for k := range i {
		ret = append(ret, k)
	}
	return ret
}
