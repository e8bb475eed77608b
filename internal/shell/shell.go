package shell

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"runtime"
	"strings"

	"github.com/justinmoon/pocketide/internal/identity"
)

// ErrNoShell means no usable shell exists on this host. It is a startup
// error, never a per-session one.
var ErrNoShell = errors.New("no shell found")

// DefaultCandidates is the POSIX probe order.
var DefaultCandidates = []string{"/bin/bash", "/usr/bin/bash", "/bin/zsh", "/bin/sh"}

// Resolver picks the shell executable and builds its environment.
type Resolver struct {
	// Override, when set, is used as-is (still checked for existence).
	Override   string
	Candidates []string
	GOOS       string

	stat     func(string) (os.FileInfo, error)
	lookPath func(string) (string, error)
	environ  func() []string
}

func NewResolver(override string) *Resolver {
	return &Resolver{
		Override:   override,
		Candidates: DefaultCandidates,
		GOOS:       runtime.GOOS,
		stat:       os.Stat,
		lookPath:   exec.LookPath,
		environ:    os.Environ,
	}
}

// Resolve returns the shell path to spawn.
func (r *Resolver) Resolve() (string, error) {
	if r.Override != "" {
		path, err := r.lookPath(r.Override)
		if err != nil {
			return "", fmt.Errorf("%w: configured shell %q: %v", ErrNoShell, r.Override, err)
		}
		return path, nil
	}

	if r.GOOS == "windows" {
		if path, err := r.lookPath("powershell.exe"); err == nil {
			return path, nil
		}
		if path, err := r.lookPath("cmd.exe"); err == nil {
			return path, nil
		}
		return "", ErrNoShell
	}

	for _, candidate := range r.Candidates {
		if info, err := r.stat(candidate); err == nil && !info.IsDir() {
			return candidate, nil
		}
	}
	if path, err := r.lookPath("sh"); err == nil {
		return path, nil
	}
	return "", ErrNoShell
}

// serverEnvPrefix marks the server's own settings, which may carry secrets
// such as the database URL. Shells never see them.
const serverEnvPrefix = "POCKETIDE_"

// Env returns the environment for a new shell owned by id.
func (r *Resolver) Env(id identity.Identity) []string {
	var env []string
	for _, kv := range r.environ() {
		if !strings.HasPrefix(kv, serverEnvPrefix) {
			env = append(env, kv)
		}
	}
	env = append(env,
		"TERM=xterm-256color",
		"COLORTERM=truecolor",
		"PS1="+Prompt(id),
	)
	return env
}

// Prompt is the PS1 a session starts with.
func Prompt(id identity.Identity) string {
	switch v := id.(type) {
	case identity.Identified:
		user := v.UserID
		if len(user) > 8 {
			user = user[:8]
		}
		return fmt.Sprintf("[%s@workspace] $ ", user)
	default:
		return "$ "
	}
}
