package ipc_test

import (
	"bytes"
	"encoding/hex"
	"errors"
	"io"
	"testing"

	"github.com/CZERTAINLY/tracecheck/internal/ipc"

	"github.com/stretchr/testify/require"
)

func TestWriteMessage(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	require.NoError(t, ipc.WriteMessage(&buf, ipc.Message{Command: ipc.CmdStopSession, Payload: []byte{7}}))
	require.Equal(t, "54434b31"+"0200"+"01000000"+"07", hex.EncodeToString(buf.Bytes()))

	m, err := ipc.ReadMessage(&buf)
	require.NoError(t, err)
	require.Equal(t, ipc.CmdStopSession, m.Command)
	require.Equal(t, []byte{7}, m.Payload)
}

func TestReadMessageErrors(t *testing.T) {
	t.Parallel()
	var testCases = []struct {
		scenario string
		given    string
		then     error
	}{
		{"empty", "", io.EOF},
		{"short header", "54434b3102", io.ErrUnexpectedEOF},
		{"bad magic", "58585858" + "0100" + "00000000", ipc.ErrBadMagic},
		{"too big", "54434b31" + "0100" + "01000001", ipc.ErrTooBig},
		{"short payload", "54434b31" + "0100" + "04000000" + "0102", io.ErrUnexpectedEOF},
	}
	for _, tt := range testCases {
		t.Run(tt.scenario, func(t *testing.T) {
			raw, err := hex.DecodeString(tt.given)
			require.NoError(t, err)
			_, err = ipc.ReadMessage(bytes.NewReader(raw))
			require.ErrorIs(t, err, tt.then)
		})
	}
}

func TestReply(t *testing.T) {
	t.Parallel()
	b, err := ipc.Reply(ipc.OK([]byte("id")))
	require.NoError(t, err)
	require.Equal(t, []byte("id"), b)

	_, err = ipc.Reply(ipc.Error(ipc.CodeUnknownTarget, errors.New("unknown provider: x")))
	var re *ipc.RemoteError
	require.ErrorAs(t, err, &re)
	require.Equal(t, ipc.CodeUnknownTarget, re.Code)
	require.Equal(t, "unknown provider: x", re.Message)

	_, err = ipc.Reply(ipc.Message{Command: ipc.CmdStartSession})
	require.Error(t, err)
}

func TestChannelID(t *testing.T) {
	t.Parallel()
	id := ipc.NewChannelID()
	require.NoError(t, ipc.ValidateChannelID(id))
	require.NotEqual(t, id, ipc.NewChannelID())

	require.ErrorIs(t, ipc.ValidateChannelID("tracecheck-nope"), ipc.ErrBadChannel)
	require.ErrorIs(t, ipc.ValidateChannelID("--help"), ipc.ErrBadChannel)
}

func TestListenDial(t *testing.T) {
	t.Parallel()
	id := ipc.NewChannelID()
	ln, err := ipc.Listen(id)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		m, err := ipc.ReadMessage(conn)
		if err != nil {
			return
		}
		_ = ipc.WriteMessage(conn, ipc.OK(append([]byte("echo:"), m.Payload...)))
	}()

	conn, err := ipc.Dial(t.Context(), id)
	require.NoError(t, err)
	defer conn.Close()
	b, err := ipc.Call(conn, ipc.Message{Command: ipc.CmdReportOutcome, Payload: []byte("hi")})
	require.NoError(t, err)
	require.Equal(t, "echo:hi", string(b))
}
