package ptybridge

import (
	"os"
	"os/exec"
	"sync"
	"time"
)

// scrollbackSize bounds the output replayed to a client that attaches after
// the shell has been running for a while.
const scrollbackSize = 256 * 1024

// Session binds one pseudo terminal, spawned inside a runspace's
// environment, to any number of attached clients. It is owned by exactly
// one runspace while that runspace is active.
type Session struct {
	ID         string
	RunspaceID string
	CreatedAt  time.Time

	ptmx *os.File
	cmd  *exec.Cmd

	mu         sync.Mutex
	clients    map[int]*client
	nextClient int
	scrollback *ringBuffer

	done      chan struct{} // closed once the shell has exited and the read loop drained
	closeOnce sync.Once
}

// client is one attached frame stream.
type client struct {
	writeMu sync.Mutex
	sink    frameSink
}

// PID returns the shell's process id.
func (s *Session) PID() int {
	if s.cmd != nil && s.cmd.Process != nil {
		return s.cmd.Process.Pid
	}
	return 0
}

// Done is closed when the underlying shell has exited.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// ringBuffer keeps the most recent max bytes written to it.
type ringBuffer struct {
	mu  sync.Mutex
	buf []byte
	max int
}

func newRingBuffer(max int) *ringBuffer {
	return &ringBuffer{max: max}
}

func (r *ringBuffer) Write(p []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.buf = append(r.buf, p...)
	if len(r.buf) > r.max {
		r.buf = r.buf[len(r.buf)-r.max:]
	}
}

func (r *ringBuffer) Bytes() []byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]byte, len(r.buf))
	copy(out, r.buf)
	return out
}
