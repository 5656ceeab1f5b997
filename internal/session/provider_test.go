package session_test

import (
	"testing"

	"github.com/CZERTAINLY/tracecheck/internal/session"

	"github.com/stretchr/testify/require"
)

func TestProviderEnables(t *testing.T) {
	t.Parallel()
	gc := session.NewProvider("Go-Runtime").WithKeywords(0x1).WithLevel(session.LevelInformational)

	var testCases = []struct {
		scenario string
		level    session.Level
		keywords session.Keywords
		then     bool
	}{
		{"matching", session.LevelInformational, 0x1, true},
		{"more important level", session.LevelError, 0x1, true},
		{"too verbose", session.LevelVerbose, 0x1, false},
		{"log always", session.LevelLogAlways, 0x1, true},
		{"other keyword", session.LevelInformational, 0x10000, false},
		{"no keywords", session.LevelInformational, 0, true},
		{"overlapping keywords", session.LevelInformational, 0x10001, true},
	}
	for _, tt := range testCases {
		t.Run(tt.scenario, func(t *testing.T) {
			require.Equal(t, tt.then, gc.Enables(tt.level, tt.keywords))
		})
	}
}

func TestProviderDefaults(t *testing.T) {
	t.Parallel()
	p := session.NewProvider("MyEventSource")
	require.Equal(t, session.AllKeywords, p.Keywords())
	require.Equal(t, session.LevelVerbose, p.Level())

	q := p.WithLevel(session.LevelError)
	require.Equal(t, session.LevelVerbose, p.Level(), "With* must not modify the receiver")
	require.Equal(t, session.LevelError, q.Level())
}

func TestParseLevelAndKeywords(t *testing.T) {
	t.Parallel()
	l, err := session.ParseLevel("Informational")
	require.NoError(t, err)
	require.Equal(t, session.LevelInformational, l)

	l, err = session.ParseLevel("2")
	require.NoError(t, err)
	require.Equal(t, session.LevelError, l)

	_, err = session.ParseLevel("chatty")
	require.Error(t, err)

	k, err := session.ParseKeywords("0b1_0000_0000_0000_0000")
	require.NoError(t, err)
	require.Equal(t, session.Keywords(0x10000), k)

	k, err = session.ParseKeywords("0x1")
	require.NoError(t, err)
	require.Equal(t, session.Keywords(1), k)

	_, err = session.ParseKeywords("zz")
	require.Error(t, err)
}
