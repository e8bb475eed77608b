package terminal

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/creack/pty"
	"go.uber.org/zap"
)

var (
	// ErrClosed is returned by writes and resizes after the process is gone.
	ErrClosed = errors.New("terminal process closed")
	// ErrWriteTimeout means the pty did not accept input in time.
	ErrWriteTimeout = errors.New("terminal write timed out")
)

const (
	inputQueueSize  = 64
	outputQueueSize = 64
	readBufferSize  = 32 * 1024

	// drainTimeout bounds how long output is still read after the shell
	// exits, in case a background child keeps the pty open.
	drainTimeout = 100 * time.Millisecond
)

// Process is a running shell as seen by sessions. *PTY implements it.
type Process interface {
	PID() int
	// Write queues input. It never blocks longer than the write timeout.
	Write(p []byte) error
	// Resize clamps and applies a new size, returning what was applied.
	Resize(cols, rows int) (Size, error)
	// Kill is idempotent and does not wait for the process to exit.
	Kill()
	// Output yields chunks in order and is closed once the process is gone.
	Output() <-chan []byte
	// Done is closed once the process has been reaped.
	Done() <-chan struct{}
	// ExitCode is valid after Done; -1 means killed by a signal.
	ExitCode() int
}

// Command describes the shell to start.
type Command struct {
	Path string
	Args []string
	Dir  string
	Env  []string
	Size Size
}

// SpawnError reports a shell that could not be started.
type SpawnError struct {
	Path string
	Dir  string
	Err  error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("failed to spawn %s in %s: %v", e.Path, e.Dir, e.Err)
}

func (e *SpawnError) Unwrap() error { return e.Err }

// Spawner starts ptys with shared settings.
type Spawner struct {
	WriteTimeout time.Duration
	KillGrace    time.Duration
	Logger       *zap.Logger
}

// Spawn starts cmd attached to a new pty.
func (s *Spawner) Spawn(ctx context.Context, c Command) (Process, error) {
	p, err := s.Start(ctx, c)
	if err != nil {
		return nil, err
	}
	return p, nil
}

// Start is Spawn returning the concrete type.
func (s *Spawner) Start(ctx context.Context, c Command) (*PTY, error) {
	if err := ctx.Err(); err != nil {
		return nil, &SpawnError{Path: c.Path, Dir: c.Dir, Err: err}
	}
	if info, err := os.Stat(c.Dir); err != nil {
		return nil, &SpawnError{Path: c.Path, Dir: c.Dir, Err: err}
	} else if !info.IsDir() {
		return nil, &SpawnError{Path: c.Path, Dir: c.Dir, Err: fmt.Errorf("not a directory")}
	}

	cmd := exec.Command(c.Path, c.Args...)
	cmd.Dir = c.Dir
	cmd.Env = c.Env

	size := ClampSize(int(c.Size.Cols), int(c.Size.Rows))
	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{Rows: size.Rows, Cols: size.Cols})
	if err != nil {
		return nil, &SpawnError{Path: c.Path, Dir: c.Dir, Err: err}
	}

	logger := s.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	writeTimeout := s.WriteTimeout
	if writeTimeout <= 0 {
		writeTimeout = 5 * time.Second
	}
	killGrace := s.KillGrace
	if killGrace <= 0 {
		killGrace = 2 * time.Second
	}

	p := &PTY{
		cmd:          cmd,
		pty:          ptmx,
		size:         size,
		in:           make(chan []byte, inputQueueSize),
		out:          make(chan []byte, outputQueueSize),
		pumpDone:     make(chan struct{}),
		done:         make(chan struct{}),
		closing:      make(chan struct{}),
		writeTimeout: writeTimeout,
		killGrace:    killGrace,
		log:          logger.With(zap.Int("pid", cmd.Process.Pid)),
	}
	go p.pumpOutput()
	go p.pumpInput()
	go p.waitProcess()
	return p, nil
}

// PTY owns one shell process and the master side of its pseudo-terminal.
type PTY struct {
	cmd *exec.Cmd
	pty *os.File

	mu       sync.Mutex
	size     Size
	closed   bool // master fd closed
	exitCode int

	in       chan []byte
	out      chan []byte
	pumpDone chan struct{}
	done     chan struct{}
	closing  chan struct{}
	killOnce sync.Once

	writeTimeout time.Duration
	killGrace    time.Duration
	log          *zap.Logger
}

func (p *PTY) PID() int {
	if p.cmd.Process == nil {
		return 0
	}
	return p.cmd.Process.Pid
}

func (p *PTY) Output() <-chan []byte { return p.out }

func (p *PTY) Done() <-chan struct{} { return p.done }

func (p *PTY) ExitCode() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exitCode
}

func (p *PTY) Write(data []byte) error {
	if len(data) == 0 {
		return nil
	}
	if p.stopped() {
		return ErrClosed
	}

	buf := append([]byte(nil), data...)
	timer := time.NewTimer(p.writeTimeout)
	defer timer.Stop()

	select {
	case p.in <- buf:
		return nil
	case <-p.closing:
		return ErrClosed
	case <-p.done:
		return ErrClosed
	case <-timer.C:
		return ErrWriteTimeout
	}
}

func (p *PTY) Resize(cols, rows int) (Size, error) {
	size := ClampSize(cols, rows)

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return size, ErrClosed
	}
	if err := pty.Setsize(p.pty, &pty.Winsize{Rows: size.Rows, Cols: size.Cols}); err != nil {
		return size, err
	}
	p.size = size
	return size, nil
}

// Size reads the current window size back from the pty, falling back to the
// last applied size once the pty is closed.
func (p *PTY) Size() (Size, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return p.size, nil
	}
	ws, err := pty.GetsizeFull(p.pty)
	if err != nil {
		return p.size, err
	}
	return Size{Cols: ws.Cols, Rows: ws.Rows}, nil
}

// Kill hangs up the process group and closes the pty. If the shell is still
// alive after the grace period it gets SIGKILL.
func (p *PTY) Kill() {
	p.killOnce.Do(func() {
		close(p.closing)
		if err := hangupGroup(p.cmd); err != nil {
			p.log.Debug("hangup failed", zap.Error(err))
		}
		p.closeFile()
		go p.escalate()
	})
}

func (p *PTY) escalate() {
	timer := time.NewTimer(p.killGrace)
	defer timer.Stop()

	select {
	case <-p.done:
	case <-timer.C:
		p.log.Warn("shell ignored hangup, killing")
		if err := killGroup(p.cmd); err != nil {
			p.log.Debug("kill failed", zap.Error(err))
		}
	}
}

func (p *PTY) stopped() bool {
	select {
	case <-p.closing:
		return true
	case <-p.done:
		return true
	default:
		return false
	}
}

func (p *PTY) closeFile() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.closed = true
	p.pty.Close()
}

func (p *PTY) pumpOutput() {
	defer close(p.pumpDone)
	defer close(p.out)

	buf := make([]byte, readBufferSize)
	for {
		n, err := p.pty.Read(buf)
		if n > 0 {
			chunk := append([]byte(nil), buf[:n]...)
			select {
			case p.out <- chunk:
			case <-p.closing:
				// Killed: nobody is obliged to drain anymore.
			}
		}
		if err != nil {
			return
		}
	}
}

func (p *PTY) pumpInput() {
	for {
		select {
		case data := <-p.in:
			if _, err := p.pty.Write(data); err != nil {
				p.log.Debug("pty write failed", zap.Error(err))
			}
		case <-p.closing:
			return
		case <-p.done:
			return
		}
	}
}

func (p *PTY) waitProcess() {
	err := p.cmd.Wait()

	code := -1
	if p.cmd.ProcessState != nil {
		code = p.cmd.ProcessState.ExitCode()
	}
	p.mu.Lock()
	p.exitCode = code
	p.mu.Unlock()
	if err != nil {
		p.log.Debug("shell exited", zap.Int("exit_code", code), zap.Error(err))
	}

	// Let the reader collect whatever the shell printed last, then close the
	// master so the reader stops even if a background job holds the slave.
	timer := time.NewTimer(drainTimeout)
	select {
	case <-p.pumpDone:
	case <-timer.C:
	}
	timer.Stop()
	p.closeFile()

	close(p.done)
}
