package terminal

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/justinmoon/pocketide/internal/identity"
	"github.com/justinmoon/pocketide/internal/protocol"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// State is the lifecycle position of one terminal id on a connection.
type State int

const (
	StateIdle State = iota
	StateResolving
	StateSpawning
	StateActive
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateResolving:
		return "resolving"
	case StateSpawning:
		return "spawning"
	case StateActive:
		return "active"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Sender delivers messages to the client. It must be safe for concurrent
// use and must not block indefinitely once the client is gone.
type Sender interface {
	Send(msg protocol.Message) error
}

// errNoShell means the connection was built without a shell path.
var errNoShell = errors.New("no shell configured")

// ShellEnv builds the environment a session's shell starts with.
type ShellEnv interface {
	Env(id identity.Identity) []string
}

type WorkspaceResolver interface {
	Resolve(id identity.Identity) (string, error)
}

type ProcessSpawner interface {
	Spawn(ctx context.Context, cmd Command) (Process, error)
}

// GitConfigurer applies git identity and stored credentials to a new
// session's workspace. The returned text is shown in the terminal.
type GitConfigurer interface {
	ApplySession(ctx context.Context, id identity.Identified, workspace, username, email string) (string, error)
}

// Observer is told about session lifecycle for metrics and event publishing.
type Observer interface {
	SessionStarted(sess *Session)
	SessionEnded(sess *Session, reason EndReason)
	SpawnFailed(key Key, id identity.Identity, err error)
	BytesRelayed(direction string, n int)
}

// Deps are shared by every connection of a server.
type Deps struct {
	Registry   *Registry
	Spawner    ProcessSpawner
	ShellPath  string // resolved once at startup
	Shell      ShellEnv
	Workspaces WorkspaceResolver
	Git        GitConfigurer // optional
	Observer   Observer      // optional
	Logger     *zap.Logger

	DefaultSize Size
	GitTimeout  time.Duration
	InputRate   float64 // messages per second, 0 = unlimited
	InputBurst  int
}

// Conn handles the terminal events of one client connection. Its id is the
// connection half of every session Key it creates.
type Conn struct {
	id      string
	deps    Deps
	send    Sender
	limiter *rate.Limiter
	log     *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	closed bool
	states map[string]State
}

func NewConn(id string, send Sender, deps Deps) *Conn {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Observer == nil {
		deps.Observer = nopObserver{}
	}
	if deps.DefaultSize.Cols == 0 || deps.DefaultSize.Rows == 0 {
		deps.DefaultSize = Size{Cols: 80, Rows: 24}
	}
	if deps.GitTimeout <= 0 {
		deps.GitTimeout = 10 * time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Conn{
		id:     id,
		deps:   deps,
		send:   send,
		log:    deps.Logger.With(zap.String("conn_id", id)),
		ctx:    ctx,
		cancel: cancel,
		states: make(map[string]State),
	}
	if deps.InputRate > 0 {
		burst := deps.InputBurst
		if burst <= 0 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(deps.InputRate), burst)
	}
	return c
}

func (c *Conn) ID() string { return c.id }

// State reports where terminalID is in its lifecycle.
func (c *Conn) State(terminalID string) State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.states[terminalID]
}

// Handle dispatches one client message. A panic while handling is logged
// and reported to the client instead of taking the server down.
func (c *Conn) Handle(msg protocol.Message) {
	terminalID := msg.Terminal()
	defer func() {
		if r := recover(); r != nil {
			c.log.Error("panic handling terminal event",
				zap.String("type", msg.Type),
				zap.String("terminal_id", terminalID),
				zap.Any("panic", r),
				zap.Stack("stack"))
			c.fail(terminalID, "internal error")
		}
	}()

	switch msg.Type {
	case protocol.EventCreateTerminal:
		req, err := protocol.DecodeCreate(msg)
		if err != nil {
			c.fail(terminalID, err.Error())
			return
		}
		c.Create(req)
	case protocol.EventTerminalInput:
		data, err := protocol.DecodeInput(msg)
		if err != nil {
			c.log.Debug("dropping malformed input", zap.Error(err))
			return
		}
		c.Input(terminalID, data)
	case protocol.EventResize:
		r, err := protocol.DecodeResize(msg)
		if err != nil {
			c.log.Debug("dropping malformed resize", zap.Error(err))
			return
		}
		c.Resize(terminalID, int(r.Cols), int(r.Rows))
	case protocol.EventCloseTerminal:
		c.Close(terminalID)
	default:
		c.log.Debug("ignoring unknown event", zap.String("type", msg.Type))
	}
}

// Create resolves, spawns and registers a session for req.TerminalID, then
// starts relaying its output. Failures are reported as terminal-error and
// leave nothing registered.
func (c *Conn) Create(req protocol.CreateTerminal) {
	terminalID := req.TerminalID
	if terminalID == "" {
		terminalID = protocol.DefaultTerminalID
	}
	key := Key{ConnID: c.id, TerminalID: terminalID}
	log := c.log.With(zap.String("terminal_id", terminalID))

	if !c.setState(terminalID, StateResolving) {
		return
	}

	id, err := identity.FromRequest(req.UserID, req.WorkspaceID)
	if err != nil {
		c.abort(key, identity.Anonymous{}, err, "invalid identity")
		return
	}
	shellPath := c.deps.ShellPath
	if shellPath == "" {
		c.abort(key, id, errNoShell, "no shell available")
		return
	}
	cwd, err := c.deps.Workspaces.Resolve(id)
	if err != nil {
		c.abort(key, id, err, "failed to prepare workspace")
		return
	}

	if !c.setState(terminalID, StateSpawning) {
		return
	}
	proc, err := c.deps.Spawner.Spawn(c.ctx, Command{
		Path: shellPath,
		Dir:  cwd,
		Env:  c.deps.Shell.Env(id),
		Size: InitialSize(int(req.Cols), int(req.Rows), c.deps.DefaultSize),
	})
	if err != nil {
		c.abort(key, id, err, "failed to create terminal session")
		return
	}

	sess := NewSession(key, id, shellPath, cwd, proc)

	// Registration and the disconnect flag share c.mu, so a session is either
	// registered before Disconnect sweeps the registry or never registered.
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		sess.Kill(ReasonDisconnect)
		log.Debug("connection closed during spawn, discarding session")
		return
	}
	evicted := c.deps.Registry.Register(sess)
	c.states[terminalID] = StateActive
	c.mu.Unlock()

	if evicted != nil {
		log.Info("replaced existing terminal session", zap.Int("old_pid", evicted.PID()))
	}
	log.Info("terminal session started",
		zap.Int("pid", sess.PID()),
		zap.String("shell", shellPath),
		zap.String("cwd", cwd),
		zap.String("identity", id.String()))
	c.deps.Observer.SessionStarted(sess)

	c.emit(protocol.Ready(terminalID))

	c.wg.Add(1)
	go c.relay(sess)

	if ident, ok := id.(identity.Identified); ok && c.deps.Git != nil {
		c.wg.Add(1)
		go c.configureGit(sess, ident, req.GithubUsername, req.UserEmail)
	}
}

// Input forwards data to the terminal's process in arrival order.
func (c *Conn) Input(terminalID string, data []byte) {
	sess := c.deps.Registry.Get(Key{ConnID: c.id, TerminalID: terminalID})
	if sess == nil {
		c.log.Debug("input for unknown terminal", zap.String("terminal_id", terminalID))
		return
	}
	if c.limiter != nil {
		if err := c.limiter.Wait(c.ctx); err != nil {
			return
		}
	}
	if err := sess.Write(data); err != nil {
		c.log.Warn("terminal write failed", zap.String("terminal_id", terminalID), zap.Error(err))
		return
	}
	c.deps.Observer.BytesRelayed("input", len(data))
}

// Resize clamps and applies a new size. Out-of-range values are corrected,
// never reported to the client.
func (c *Conn) Resize(terminalID string, cols, rows int) {
	sess := c.deps.Registry.Get(Key{ConnID: c.id, TerminalID: terminalID})
	if sess == nil {
		return
	}
	size, err := sess.Resize(cols, rows)
	if err != nil {
		c.log.Warn("terminal resize failed", zap.String("terminal_id", terminalID), zap.Error(err))
		return
	}
	c.log.Debug("terminal resized",
		zap.String("terminal_id", terminalID),
		zap.Uint16("cols", size.Cols),
		zap.Uint16("rows", size.Rows))
}

// Close tears down one terminal at the client's request.
func (c *Conn) Close(terminalID string) {
	key := Key{ConnID: c.id, TerminalID: terminalID}

	c.mu.Lock()
	if c.states[terminalID] == StateActive {
		c.states[terminalID] = StateClosing
	}
	c.mu.Unlock()

	if sess := c.deps.Registry.Remove(key, ReasonClosed); sess != nil {
		c.log.Info("terminal closed by client", zap.String("terminal_id", terminalID), zap.Int("pid", sess.PID()))
	}
	c.markClosed(terminalID)
}

// Disconnect kills every session of this connection and returns them. It
// is idempotent and returns once all processes have been signalled; it does
// not wait for them to exit.
func (c *Conn) Disconnect() []*Session {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	for id, st := range c.states {
		if st == StateActive {
			c.states[id] = StateClosing
		}
	}
	c.mu.Unlock()

	c.cancel()
	removed := c.deps.Registry.RemoveConnection(c.id, ReasonDisconnect)
	for _, sess := range removed {
		c.markClosed(sess.Key().TerminalID)
	}
	c.log.Info("client disconnected", zap.Int("sessions_closed", len(removed)))
	return removed
}

// Wait blocks until every relay and git task of this connection finished.
func (c *Conn) Wait() {
	c.wg.Wait()
}

func (c *Conn) relay(sess *Session) {
	defer c.wg.Done()

	terminalID := sess.Key().TerminalID
	var carry []byte
	for chunk := range sess.Output() {
		var text string
		text, carry = splitUTF8(carry, chunk)
		if text == "" {
			continue
		}
		// Keep draining even if the client is gone so the pty never stalls.
		if err := c.send.Send(protocol.Output(terminalID, text)); err == nil {
			c.deps.Observer.BytesRelayed("output", len(text))
		}
	}
	if len(carry) > 0 {
		c.emit(protocol.Output(terminalID, string(carry)))
	}

	<-sess.Done()

	// An exit on its own still has to leave the registry.
	c.deps.Registry.RemoveIfSame(sess, ReasonExited)
	reason := sess.EndReason()
	c.deps.Observer.SessionEnded(sess, reason)
	c.log.Info("terminal session ended",
		zap.String("terminal_id", terminalID),
		zap.Int("pid", sess.PID()),
		zap.Int("exit_code", sess.ExitCode()),
		zap.String("reason", string(reason)))

	if reason == ReasonReplaced {
		return
	}
	c.markClosed(terminalID)
	c.emit(protocol.Exited(terminalID, sess.ExitCode()))
}

func (c *Conn) configureGit(sess *Session, id identity.Identified, username, email string) {
	defer c.wg.Done()

	ctx, cancel := context.WithTimeout(c.ctx, c.deps.GitTimeout)
	defer cancel()

	terminalID := sess.Key().TerminalID
	msg, err := c.deps.Git.ApplySession(ctx, id, sess.Cwd(), username, email)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return
		}
		c.log.Warn("git configuration failed", zap.String("terminal_id", terminalID), zap.Error(err))
		c.emit(protocol.Output(terminalID, "\r\n[git] configuration failed: "+err.Error()+"\r\n"))
		return
	}
	if msg != "" {
		c.emit(protocol.Output(terminalID, "\r\n[git] "+msg+"\r\n"))
	}
}

// setState moves terminalID to st unless the connection is gone.
func (c *Conn) setState(terminalID string, st State) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	c.states[terminalID] = st
	return true
}

func (c *Conn) markClosed(terminalID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if st, ok := c.states[terminalID]; ok && st != StateIdle {
		c.states[terminalID] = StateClosed
	}
}

// abort undoes a failed create. terminalID goes back to Idle, or stays
// Active when an earlier session under the same id is still running.
func (c *Conn) abort(key Key, id identity.Identity, err error, message string) {
	c.log.Warn(message, zap.String("terminal_id", key.TerminalID), zap.Error(err))
	c.deps.Observer.SpawnFailed(key, id, err)

	c.mu.Lock()
	if !c.closed {
		if c.deps.Registry.Get(key) != nil {
			c.states[key.TerminalID] = StateActive
		} else {
			c.states[key.TerminalID] = StateIdle
		}
	}
	c.mu.Unlock()

	c.fail(key.TerminalID, message+": "+err.Error())
}

func (c *Conn) fail(terminalID, message string) {
	c.emit(protocol.Failure(terminalID, message))
}

func (c *Conn) emit(msg protocol.Message) {
	if err := c.send.Send(msg); err != nil {
		c.log.Debug("send failed", zap.String("type", msg.Type), zap.Error(err))
	}
}

// splitUTF8 appends chunk to carry and splits off a trailing incomplete
// rune, so every emitted string ends on a rune boundary.
func splitUTF8(carry, chunk []byte) (string, []byte) {
	buf := append(carry, chunk...)
	cut := len(buf)
	for i := len(buf) - 1; i >= 0 && i >= len(buf)-utf8.UTFMax; i-- {
		if utf8.RuneStart(buf[i]) {
			if !utf8.FullRune(buf[i:]) {
				cut = i
			}
			break
		}
	}
	return string(buf[:cut]), append([]byte(nil), buf[cut:]...)
}

type nopObserver struct{}

func (nopObserver) SessionStarted(*Session)                   {}
func (nopObserver) SessionEnded(*Session, EndReason)          {}
func (nopObserver) SpawnFailed(Key, identity.Identity, error) {}
func (nopObserver) BytesRelayed(string, int)                  {}
