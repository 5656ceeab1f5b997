// Package ipc implements the framing shared by the control channel
// between the harness and its workers and by the diagnostics socket of a
// worker.
//
// Every message is
//
//	"TCK1" | uint16 command | uint32 payload length | payload
//
// with little endian integers. Replies use CmdOK or CmdError; an error
// payload is uint32 code | utf-8 message.
package ipc

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

const (
	Magic      = "TCK1"
	MaxPayload = 16 << 20
	headerSize = len(Magic) + 2 + 4
)

type Command uint16

const (
	CmdStartSession  Command = 1
	CmdStopSession   Command = 2
	CmdReportOutcome Command = 3
	CmdOK            Command = 0x80
	CmdError         Command = 0xFF
)

func (c Command) String() string {
	switch c {
	case CmdStartSession:
		return "StartSession"
	case CmdStopSession:
		return "StopSession"
	case CmdReportOutcome:
		return "ReportOutcome"
	case CmdOK:
		return "OK"
	case CmdError:
		return "Error"
	}
	return fmt.Sprintf("command(%d)", uint16(c))
}

var (
	ErrBadMagic   = errors.New("bad magic")
	ErrTooBig     = errors.New("payload too big")
	ErrBadChannel = errors.New("invalid channel id")
)

// Message is one framed message.
type Message struct {
	Command Command
	Payload []byte
}

// WriteMessage writes m in a single Write call.
func WriteMessage(w io.Writer, m Message) error {
	if len(m.Payload) > MaxPayload {
		return fmt.Errorf("%s: %w: %d bytes", m.Command, ErrTooBig, len(m.Payload))
	}
	b := make([]byte, 0, headerSize+len(m.Payload))
	b = append(b, Magic...)
	b = binary.LittleEndian.AppendUint16(b, uint16(m.Command))
	b = binary.LittleEndian.AppendUint32(b, uint32(len(m.Payload)))
	b = append(b, m.Payload...)
	_, err := w.Write(b)
	return err
}

// ReadMessage reads one message.
func ReadMessage(r io.Reader) (Message, error) {
	var head [headerSize]byte
	if _, err := io.ReadFull(r, head[:]); err != nil {
		return Message{}, err
	}
	if string(head[:len(Magic)]) != Magic {
		return Message{}, fmt.Errorf("%w: %q", ErrBadMagic, head[:len(Magic)])
	}
	cmd := Command(binary.LittleEndian.Uint16(head[4:]))
	n := binary.LittleEndian.Uint32(head[6:])
	if n > MaxPayload {
		return Message{}, fmt.Errorf("%s: %w: %d bytes", cmd, ErrTooBig, n)
	}
	m := Message{Command: cmd}
	if n > 0 {
		m.Payload = make([]byte, n)
		if _, err := io.ReadFull(r, m.Payload); err != nil {
			if errors.Is(err, io.EOF) {
				err = io.ErrUnexpectedEOF
			}
			return Message{}, err
		}
	}
	return m, nil
}

// Error codes carried by CmdError.
const (
	CodeUnknown       uint32 = 1
	CodeBadRequest    uint32 = 2
	CodeUnknownTarget uint32 = 3
)

// RemoteError is an error reported by the peer.
type RemoteError struct {
	Code    uint32
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("remote error %d: %s", e.Code, e.Message)
}

// OK returns a success reply.
func OK(payload []byte) Message {
	return Message{Command: CmdOK, Payload: payload}
}

// Error returns an error reply.
func Error(code uint32, err error) Message {
	msg := err.Error()
	b := binary.LittleEndian.AppendUint32(make([]byte, 0, 4+len(msg)), code)
	return Message{Command: CmdError, Payload: append(b, msg...)}
}

// Reply converts a reply message into its payload or a *RemoteError.
func Reply(m Message) ([]byte, error) {
	switch m.Command {
	case CmdOK:
		return m.Payload, nil
	case CmdError:
		if len(m.Payload) < 4 {
			return nil, &RemoteError{Code: CodeUnknown, Message: "malformed error reply"}
		}
		return nil, &RemoteError{
			Code:    binary.LittleEndian.Uint32(m.Payload),
			Message: string(m.Payload[4:]),
		}
	}
	return nil, fmt.Errorf("unexpected reply %s", m.Command)
}

// Call writes req and reads a single reply on conn.
func Call(conn io.ReadWriter, req Message) ([]byte, error) {
	if err := WriteMessage(conn, req); err != nil {
		return nil, fmt.Errorf("sending %s: %w", req.Command, err)
	}
	m, err := ReadMessage(conn)
	if err != nil {
		return nil, fmt.Errorf("reading %s reply: %w", req.Command, err)
	}
	return Reply(m)
}

const channelPrefix = "tracecheck-"

// NewChannelID returns a fresh control channel identifier.
func NewChannelID() string {
	return channelPrefix + uuid.NewString()
}

// ValidateChannelID checks the form produced by NewChannelID.
func ValidateChannelID(id string) error {
	rest, ok := strings.CutPrefix(id, channelPrefix)
	if !ok {
		return fmt.Errorf("%w: %q", ErrBadChannel, id)
	}
	if _, err := uuid.Parse(rest); err != nil {
		return fmt.Errorf("%w: %q: %w", ErrBadChannel, id, err)
	}
	return nil
}

// Dir is where the sockets are created. Tests may override it.
var Dir = os.TempDir()

// Address returns the socket path of a channel or diagnostics endpoint.
func Address(name string) string {
	return filepath.Join(Dir, name+".sock")
}

// Listen creates the unix socket for name, replacing a stale one.
func Listen(name string) (net.Listener, error) {
	addr := Address(name)
	if err := os.Remove(addr); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	return net.Listen("unix", addr)
}

// Dial connects to the unix socket for name.
func Dial(ctx context.Context, name string) (net.Conn, error) {
	var d net.Dialer
	return d.DialContext(ctx, "unix", Address(name))
}
