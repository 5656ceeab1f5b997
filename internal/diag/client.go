package diag

import (
	"context"
	"encoding/binary"
	"fmt"
	"net"
	"time"

	"github.com/CZERTAINLY/tracecheck/internal/eventsource"
	"github.com/CZERTAINLY/tracecheck/internal/ipc"
	"github.com/CZERTAINLY/tracecheck/internal/session"
	"github.com/CZERTAINLY/tracecheck/internal/trace"
)

// Client talks to the diagnostics endpoint of one process.
type Client struct {
	name string
}

// NewClient returns a client for the endpoint of process pid.
func NewClient(pid int) *Client {
	return &Client{name: Name(pid)}
}

// NewNamedClient returns a client for an endpoint created by Listen.
func NewNamedClient(name string) *Client {
	return &Client{name: name}
}

func (c *Client) dial(ctx context.Context) (net.Conn, error) {
	conn, err := ipc.Dial(ctx, c.name)
	if err != nil {
		return nil, err
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}
	return conn, nil
}

// StartSession starts a session and returns its record stream. The stream
// must be closed by the caller.
func (c *Client) StartSession(ctx context.Context, cfg session.Config) (trace.Stream, error) {
	payload, err := cfg.MarshalBinary()
	if err != nil {
		return nil, err
	}
	conn, err := c.dial(ctx)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", c.name, err)
	}
	reply, err := ipc.Call(conn, ipc.Message{Command: ipc.CmdStartSession, Payload: payload})
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	if len(reply) != 8 {
		_ = conn.Close()
		return nil, fmt.Errorf("session id of %d bytes", len(reply))
	}
	// the stream lives longer than the handshake
	_ = conn.SetDeadline(time.Time{})
	r, err := trace.NewReader(conn, cfg.Format())
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	return &stream{
		Reader: r,
		id:     binary.LittleEndian.Uint64(reply),
		conn:   conn,
	}, nil
}

// StopSession stops the session and returns its statistics.
func (c *Client) StopSession(ctx context.Context, id uint64) (eventsource.Stats, error) {
	conn, err := c.dial(ctx)
	if err != nil {
		return eventsource.Stats{}, fmt.Errorf("dial %s: %w", c.name, err)
	}
	defer conn.Close()
	reply, err := ipc.Call(conn, ipc.Message{
		Command: ipc.CmdStopSession,
		Payload: binary.LittleEndian.AppendUint64(nil, id),
	})
	if err != nil {
		return eventsource.Stats{}, err
	}
	if len(reply) != 16 {
		return eventsource.Stats{}, fmt.Errorf("stop reply of %d bytes", len(reply))
	}
	return eventsource.Stats{
		Emitted: binary.LittleEndian.Uint64(reply),
		Dropped: binary.LittleEndian.Uint64(reply[8:]),
	}, nil
}

type stream struct {
	trace.Reader
	id   uint64
	conn net.Conn
}

func (s *stream) ID() uint64   { return s.id }
func (s *stream) Close() error { return s.conn.Close() }
