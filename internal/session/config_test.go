package session_test

import (
	"encoding/hex"
	"strings"
	"testing"

	"github.com/CZERTAINLY/tracecheck/internal/model"
	"github.com/CZERTAINLY/tracecheck/internal/session"

	"github.com/stretchr/testify/require"
)

func TestBuild(t *testing.T) {
	t.Parallel()

	runtime := session.NewProvider("Go-Runtime").
		WithKeywords(0b1).
		WithLevel(session.LevelInformational)

	var testCases = []struct {
		scenario  string
		size      int
		format    session.Format
		providers []session.Provider
		then      string
	}{
		{"no providers", 1 << 20, session.FormatBinary, nil, "no providers"},
		{"zero buffer", 0, session.FormatBinary, []session.Provider{runtime}, "buffer size must be positive"},
		{"negative buffer", -1, session.FormatBinary, []session.Provider{runtime}, "buffer size must be positive"},
		{"unknown format", 1024, session.Format(9), []session.Provider{runtime}, "unknown format(9)"},
		{"duplicate", 1024, session.FormatBinary, []session.Provider{runtime, session.NewProvider("Go-Runtime")}, `duplicate provider "Go-Runtime"`},
		{"empty name", 1024, session.FormatBinary, []session.Provider{session.NewProvider("")}, "empty name"},
		{"bad level", 1024, session.FormatBinary, []session.Provider{runtime.WithLevel(42)}, "unknown level(42)"},
	}

	for _, tt := range testCases {
		t.Run(tt.scenario, func(t *testing.T) {
			t.Parallel()
			_, err := session.Build(tt.size, tt.format, tt.providers...)
			require.Error(t, err)
			require.ErrorIs(t, err, model.ErrConfiguration)
			var cfgErr *session.ConfigurationError
			require.ErrorAs(t, err, &cfgErr)
			require.Contains(t, cfgErr.Reason, tt.then)
		})
	}

	t.Run("ok", func(t *testing.T) {
		t.Parallel()
		cfg, err := session.Build(1<<30, session.FormatJSONLines, session.NewProvider("Sample-Profiler"), runtime)
		require.NoError(t, err)
		require.Equal(t, 1<<30, cfg.BufferSize())
		require.Equal(t, session.FormatJSONLines, cfg.Format())
		require.Len(t, cfg.Providers(), 2)

		p, ok := cfg.Provider("Go-Runtime")
		require.True(t, ok)
		require.Equal(t, session.Keywords(1), p.Keywords())
		require.Equal(t, session.LevelInformational, p.Level())
	})
}

func TestBuildCopiesProviders(t *testing.T) {
	t.Parallel()
	providers := []session.Provider{session.NewProvider("a")}
	cfg, err := session.Build(1, session.FormatBinary, providers...)
	require.NoError(t, err)

	providers[0] = session.NewProvider("b")
	got := cfg.Providers()
	require.Equal(t, "a", got[0].Name())
	got[0] = session.NewProvider("c")
	require.Equal(t, "a", cfg.Providers()[0].Name())
}

func TestMarshalBinary(t *testing.T) {
	t.Parallel()
	cfg, err := session.Build(1024, session.FormatBinary,
		session.NewProvider("ab").WithKeywords(0x10000).WithLevel(session.LevelInformational),
	)
	require.NoError(t, err)

	b, err := cfg.MarshalBinary()
	require.NoError(t, err)
	require.Equal(t,
		"00040000"+ // buffer size
			"01"+ // format
			"0100"+ // provider count
			"0200"+"6162"+ // name
			"0000010000000000"+ // keywords
			"04", // level
		hex.EncodeToString(b))
}

func TestRoundTrip(t *testing.T) {
	t.Parallel()

	var testCases = []struct {
		scenario  string
		size      int
		format    session.Format
		providers []session.Provider
	}{
		{"single default", 1, session.FormatBinary, []session.Provider{session.NewProvider("TraceCheck-UserEvents")}},
		{"mixed", 1 << 30, session.FormatJSONLines, []session.Provider{
			session.NewProvider("Sample-Profiler"),
			session.NewProvider("Go-Runtime").WithKeywords(0b1).WithLevel(session.LevelInformational),
			session.NewProvider("x").WithKeywords(0).WithLevel(session.LevelLogAlways),
		}},
		{"long name", 4096, session.FormatBinary, []session.Provider{
			session.NewProvider(strings.Repeat("n", 1000)).WithKeywords(session.AllKeywords),
		}},
	}

	for _, tt := range testCases {
		t.Run(tt.scenario, func(t *testing.T) {
			t.Parallel()
			cfg, err := session.Build(tt.size, tt.format, tt.providers...)
			require.NoError(t, err)

			b, err := cfg.MarshalBinary()
			require.NoError(t, err)

			var decoded session.Config
			require.NoError(t, decoded.UnmarshalBinary(b))
			require.Equal(t, cfg.BufferSize(), decoded.BufferSize())
			require.Equal(t, cfg.Format(), decoded.Format())
			require.Equal(t, cfg.Providers(), decoded.Providers())
		})
	}
}

func TestParseCorrupted(t *testing.T) {
	t.Parallel()
	cfg, err := session.Build(64, session.FormatBinary, session.NewProvider("abc"))
	require.NoError(t, err)
	b, err := cfg.MarshalBinary()
	require.NoError(t, err)

	for _, n := range []int{0, 3, 7, 9, len(b) - 1} {
		_, err := session.Parse(b[:n])
		require.ErrorIs(t, err, model.ErrConfiguration, "prefix %d", n)
	}

	_, err = session.Parse(append(b, 0))
	require.ErrorContains(t, err, "trailing bytes")

	zeroProviders := []byte{0x40, 0, 0, 0, 1, 0, 0}
	_, err = session.Parse(zeroProviders)
	require.ErrorContains(t, err, "no providers")
}
