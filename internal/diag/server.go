// Package diag exposes the tracing hub of a process on a unix socket and
// provides the matching client.
//
// A StartSession request carries the encoded session.Config; the reply is
// the session id, after which the same connection carries the record
// stream until the session is stopped. StopSession is sent on a separate
// connection and returns the session statistics.
package diag

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"

	"github.com/CZERTAINLY/tracecheck/internal/eventsource"
	"github.com/CZERTAINLY/tracecheck/internal/ipc"
	"github.com/CZERTAINLY/tracecheck/internal/session"
	"github.com/CZERTAINLY/tracecheck/internal/trace"
)

// Name is the endpoint name of the diagnostics socket of process pid.
func Name(pid int) string {
	return "tracecheck-diag-" + strconv.Itoa(pid)
}

// Address is the socket path of the diagnostics endpoint of process pid.
func Address(pid int) string {
	return ipc.Address(Name(pid))
}

// Server serves one hub.
type Server struct {
	hub *eventsource.Hub
	ln  net.Listener

	mx     sync.Mutex
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Listen creates the socket for name. Call Serve to accept connections.
func Listen(hub *eventsource.Hub, name string) (*Server, error) {
	ln, err := ipc.Listen(name)
	if err != nil {
		return nil, fmt.Errorf("diag listen: %w", err)
	}
	s := &Server{
		hub: hub,
		ln:  ln,
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	context.AfterFunc(s.ctx, func() { _ = s.ln.Close() })
	return s, nil
}

// Serve accepts connections until ctx is done or Close is called. Serve
// after Close returns immediately.
func (s *Server) Serve(ctx context.Context) error {
	stop := context.AfterFunc(ctx, s.cancel)
	defer stop()

	for {
		conn, err := s.ln.Accept()
		if err != nil {
			if s.ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("diag accept: %w", err)
		}
		// Close waits only for handlers added before it cancelled
		s.mx.Lock()
		if s.ctx.Err() != nil {
			s.mx.Unlock()
			_ = conn.Close()
			return nil
		}
		s.wg.Add(1)
		s.mx.Unlock()
		go func() {
			defer s.wg.Done()
			defer conn.Close()
			stop := context.AfterFunc(s.ctx, func() { _ = conn.Close() })
			defer stop()
			s.handle(s.ctx, conn)
		}()
	}
}

// Close stops accepting, breaks open streams and waits for the connection
// handlers. Sessions of broken streams are stopped.
func (s *Server) Close() error {
	s.mx.Lock()
	s.cancel()
	s.mx.Unlock()

	err := s.ln.Close()
	if errors.Is(err, net.ErrClosed) {
		err = nil
	}
	s.wg.Wait()
	return err
}

func (s *Server) handle(ctx context.Context, conn net.Conn) {
	req, err := ipc.ReadMessage(conn)
	if err != nil {
		slog.DebugContext(ctx, "diag: reading request", "error", err)
		return
	}
	switch req.Command {
	case ipc.CmdStartSession:
		s.startSession(ctx, conn, req.Payload)
	case ipc.CmdStopSession:
		s.stopSession(ctx, conn, req.Payload)
	default:
		_ = ipc.WriteMessage(conn, ipc.Error(ipc.CodeBadRequest, fmt.Errorf("unsupported command %s", req.Command)))
	}
}

func (s *Server) startSession(ctx context.Context, conn net.Conn, payload []byte) {
	cfg, err := session.Parse(payload)
	if err != nil {
		_ = ipc.WriteMessage(conn, ipc.Error(ipc.CodeBadRequest, err))
		return
	}
	sess, err := s.hub.StartSession(ctx, cfg)
	if err != nil {
		code := ipc.CodeUnknown
		if errors.Is(err, eventsource.ErrUnknownProvider) {
			code = ipc.CodeUnknownTarget
		}
		_ = ipc.WriteMessage(conn, ipc.Error(code, err))
		return
	}
	if err := ipc.WriteMessage(conn, ipc.OK(binary.LittleEndian.AppendUint64(nil, sess.ID()))); err != nil {
		slog.WarnContext(ctx, "diag: session reply", "session", sess.ID(), "error", err)
		_, _ = s.hub.StopSession(ctx, sess.ID())
		return
	}
	w, err := trace.NewWriter(conn, cfg.Format())
	if err != nil {
		_, _ = s.hub.StopSession(ctx, sess.ID())
		return
	}
	if err := sess.Drain(ctx, w); err != nil {
		slog.DebugContext(ctx, "diag: stream ended", "session", sess.ID(), "error", err)
		// a consumer which went away must not leave the providers enabled
		_, _ = s.hub.StopSession(context.WithoutCancel(ctx), sess.ID())
	}
}

func (s *Server) stopSession(ctx context.Context, conn net.Conn, payload []byte) {
	if len(payload) != 8 {
		_ = ipc.WriteMessage(conn, ipc.Error(ipc.CodeBadRequest, fmt.Errorf("session id of %d bytes", len(payload))))
		return
	}
	id := binary.LittleEndian.Uint64(payload)
	stats, err := s.hub.StopSession(ctx, id)
	if err != nil {
		code := ipc.CodeUnknown
		if errors.Is(err, eventsource.ErrUnknownSession) {
			code = ipc.CodeUnknownTarget
		}
		_ = ipc.WriteMessage(conn, ipc.Error(code, err))
		return
	}
	b := binary.LittleEndian.AppendUint64(nil, stats.Emitted)
	b = binary.LittleEndian.AppendUint64(b, stats.Dropped)
	_ = ipc.WriteMessage(conn, ipc.OK(b))
}
