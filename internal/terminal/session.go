package terminal

import (
	"sync"
	"time"

	"github.com/justinmoon/pocketide/internal/identity"
)

// EndReason records why a session was torn down.
type EndReason string

const (
	ReasonExited     EndReason = "exited"
	ReasonClosed     EndReason = "closed"
	ReasonDisconnect EndReason = "disconnect"
	ReasonReplaced   EndReason = "replaced"
	ReasonShutdown   EndReason = "shutdown"
)

// Key identifies a session: one terminal tab on one client connection.
type Key struct {
	ConnID     string
	TerminalID string
}

func (k Key) String() string { return k.ConnID + ":" + k.TerminalID }

// Session is one shell process plus its routing metadata. Only the process
// handle is mutable, and only through Write, Resize and Kill.
type Session struct {
	key       Key
	identity  identity.Identity
	cwd       string
	shell     string
	proc      Process
	createdAt time.Time

	mu        sync.Mutex
	killed    bool
	endReason EndReason
}

func NewSession(key Key, id identity.Identity, shell, cwd string, proc Process) *Session {
	return &Session{
		key:       key,
		identity:  id,
		cwd:       cwd,
		shell:     shell,
		proc:      proc,
		createdAt: time.Now(),
	}
}

func (s *Session) Key() Key { return s.key }

func (s *Session) Identity() identity.Identity { return s.identity }

// UserID is the owning user's id, or "" for anonymous sessions.
func (s *Session) UserID() string { return identity.UserID(s.identity) }

func (s *Session) Cwd() string { return s.cwd }

func (s *Session) Shell() string { return s.shell }

func (s *Session) CreatedAt() time.Time { return s.createdAt }

func (s *Session) PID() int { return s.proc.PID() }

func (s *Session) Write(p []byte) error { return s.proc.Write(p) }

func (s *Session) Resize(cols, rows int) (Size, error) { return s.proc.Resize(cols, rows) }

func (s *Session) Output() <-chan []byte { return s.proc.Output() }

func (s *Session) Done() <-chan struct{} { return s.proc.Done() }

func (s *Session) ExitCode() int { return s.proc.ExitCode() }

// Kill terminates the process once. Later calls are no-ops and keep the
// first reason.
func (s *Session) Kill(reason EndReason) {
	s.mu.Lock()
	if s.killed {
		s.mu.Unlock()
		return
	}
	s.killed = true
	s.endReason = reason
	s.mu.Unlock()

	s.proc.Kill()
}

// EndReason reports why the session ended; ReasonExited if nobody killed it.
func (s *Session) EndReason() EndReason {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.endReason == "" {
		return ReasonExited
	}
	return s.endReason
}
