// Package ptybridge owns interactive runspace sessions: it spawns a shell
// under a pseudo terminal inside a runspace's environment and pumps bytes
// between that PTY and message-framed duplex streams. Clients may detach
// and reattach; the shell survives disconnects and dies only with its
// runspace or on its own exit.
package ptybridge

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/creack/pty"
	"github.com/google/uuid"

	"github.com/p-arndt/runspace/internal/registry"
	"github.com/p-arndt/runspace/protocol"
)

// ErrNoSession marks an attach against a runspace with no live session
// when no shell factory was supplied.
var ErrNoSession = errors.New("no session")

// frameSink is where outbound frames for one client go.
type frameSink interface {
	io.Writer
}

// ExitFunc is invoked (on its own goroutine) when a session's shell exits
// for any reason. The manager uses it to clear the runspace's sessionId.
type ExitFunc func(runspaceID, sessionID string)

type Bridge struct {
	logger *slog.Logger
	onExit ExitFunc

	mu       sync.Mutex
	sessions map[string]*Session // runspace id -> live session
}

func New(logger *slog.Logger) *Bridge {
	return &Bridge{
		logger:   logger,
		sessions: make(map[string]*Session),
	}
}

// SetExitFunc registers the session-exit callback. Must be called before
// the first Attach.
func (b *Bridge) SetExitFunc(fn ExitFunc) {
	b.onExit = fn
}

// Attach returns the runspace's live session, or starts a new shell from
// newShell when none exists. reused reports which happened: a disconnected
// client reattaching to a still-active runspace gets the same shell back,
// never a second one.
func (b *Bridge) Attach(rs *registry.Runspace, newShell func() (*exec.Cmd, error)) (sess *Session, reused bool, err error) {
	b.mu.Lock()
	if existing, ok := b.sessions[rs.ID]; ok {
		b.mu.Unlock()
		return existing, true, nil
	}
	b.mu.Unlock()

	if newShell == nil {
		return nil, false, fmt.Errorf("%w: runspace %s", ErrNoSession, rs.ID)
	}

	cmd, err := newShell()
	if err != nil {
		return nil, false, err
	}

	ptmx, err := pty.Start(cmd)
	if err != nil {
		return nil, false, fmt.Errorf("pty start: %w", err)
	}
	pty.Setsize(ptmx, &pty.Winsize{Rows: 40, Cols: 120})

	s := &Session{
		ID:         uuid.New().String()[:12],
		RunspaceID: rs.ID,
		CreatedAt:  time.Now().UTC(),
		ptmx:       ptmx,
		cmd:        cmd,
		clients:    make(map[int]*client),
		scrollback: newRingBuffer(scrollbackSize),
		done:       make(chan struct{}),
	}

	b.mu.Lock()
	// Lost a race with a concurrent attach: keep the winner's session.
	if existing, ok := b.sessions[rs.ID]; ok {
		b.mu.Unlock()
		ptmx.Close()
		if cmd.Process != nil {
			cmd.Process.Kill()
		}
		go cmd.Wait()
		return existing, true, nil
	}
	b.sessions[rs.ID] = s
	b.mu.Unlock()

	go b.readLoop(s)
	go b.waitShell(s)

	b.logger.Info("pty session started", "runspace_id", rs.ID, "session_id", s.ID, "pid", s.PID())
	return s, false, nil
}

// Session returns the live session for a runspace, if any.
func (b *Bridge) Session(runspaceID string) *Session {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.sessions[runspaceID]
}

// readLoop pumps PTY output to every attached client without added
// buffering delay, and into the scrollback ring for late attachers.
func (b *Bridge) readLoop(s *Session) {
	buf := make([]byte, 32*1024)
	for {
		n, err := s.ptmx.Read(buf)
		if n > 0 {
			chunk := buf[:n]
			s.scrollback.Write(chunk)
			b.broadcast(s, protocol.Frame{Type: protocol.FrameOutput, Data: string(chunk)})
		}
		if err != nil {
			// EIO is the normal PTY close signal on Linux.
			return
		}
	}
}

// waitShell reaps the shell process and tears the session down on exit.
// Clean exit, forced teardown, and crash all converge here.
func (b *Bridge) waitShell(s *Session) {
	s.cmd.Wait()
	s.ptmx.Close()

	b.mu.Lock()
	if cur, ok := b.sessions[s.RunspaceID]; ok && cur == s {
		delete(b.sessions, s.RunspaceID)
	}
	clients := s.snapshotClients()
	b.mu.Unlock()

	for _, c := range clients {
		c.writeMu.Lock()
		protocol.WriteFrame(c.sink, protocol.Frame{Type: protocol.FrameError, Message: "session ended"})
		c.writeMu.Unlock()
	}

	s.closeOnce.Do(func() { close(s.done) })
	b.logger.Info("pty session ended", "runspace_id", s.RunspaceID, "session_id", s.ID)

	if b.onExit != nil {
		b.onExit(s.RunspaceID, s.ID)
	}
}

// Close force-tears-down the runspace's session and waits for the shell to
// be reaped. Called from stop/delete; safe when no session exists.
func (b *Bridge) Close(runspaceID string) {
	b.mu.Lock()
	s, ok := b.sessions[runspaceID]
	b.mu.Unlock()
	if !ok {
		return
	}

	if pid := s.PID(); pid > 0 {
		// The shell is a session leader under its PTY; kill its group.
		syscall.Kill(-pid, syscall.SIGHUP)
		syscall.Kill(-pid, syscall.SIGKILL)
	}
	s.ptmx.Close()

	select {
	case <-s.done:
	case <-time.After(5 * time.Second):
		b.logger.Warn("pty session teardown timed out", "runspace_id", runspaceID, "session_id", s.ID)
	}
}

// ServeClient speaks the frame protocol on conn until the client
// disconnects or the session ends. Disconnecting does not kill the shell.
func (b *Bridge) ServeClient(s *Session, conn io.ReadWriter) error {
	c := &client{sink: conn}

	s.mu.Lock()
	id := s.nextClient
	s.nextClient++
	s.clients[id] = c
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.clients, id)
		s.mu.Unlock()
	}()

	// Replay scrollback so the client sees where the shell is.
	if replay := s.scrollback.Bytes(); len(replay) > 0 {
		c.writeMu.Lock()
		err := protocol.WriteFrame(c.sink, protocol.Frame{Type: protocol.FrameOutput, Data: string(replay)})
		c.writeMu.Unlock()
		if err != nil {
			return err
		}
	}

	r := bufio.NewReaderSize(conn, protocol.MaxFrameBytes)
	for {
		f, err := protocol.ReadFrame(r)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil // client detached, session stays
			}
			c.writeMu.Lock()
			protocol.WriteFrame(c.sink, protocol.Frame{Type: protocol.FrameError, Message: "bad frame: " + err.Error()})
			c.writeMu.Unlock()
			return err
		}

		switch f.Type {
		case protocol.FrameInput:
			if _, err := s.ptmx.Write([]byte(f.Data)); err != nil {
				return b.fatal(c, "pty write: "+err.Error())
			}
		case protocol.FrameExecute:
			if _, err := s.ptmx.Write([]byte(f.Command + "\n")); err != nil {
				return b.fatal(c, "pty write: "+err.Error())
			}
		case protocol.FrameResize:
			if err := pty.Setsize(s.ptmx, &pty.Winsize{Cols: f.Cols, Rows: f.Rows}); err != nil {
				return b.fatal(c, "pty resize: "+err.Error())
			}
		default:
			return b.fatal(c, fmt.Sprintf("unknown frame type: %s", f.Type))
		}
	}
}

func (b *Bridge) fatal(c *client, msg string) error {
	c.writeMu.Lock()
	protocol.WriteFrame(c.sink, protocol.Frame{Type: protocol.FrameError, Message: msg})
	c.writeMu.Unlock()
	return errors.New(msg)
}

func (b *Bridge) broadcast(s *Session, f protocol.Frame) {
	for _, c := range s.snapshotClients() {
		c.writeMu.Lock()
		// A dead client surfaces on its own ServeClient loop; ignore here.
		protocol.WriteFrame(c.sink, f)
		c.writeMu.Unlock()
	}
}

func (s *Session) snapshotClients() []*client {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*client, 0, len(s.clients))
	for _, c := range s.clients {
		out = append(out, c)
	}
	return out
}
