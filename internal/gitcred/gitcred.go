// Package gitcred configures git inside user workspaces: commit identity and
// an HTTPS credential helper that hands a stored GitHub token to git.
package gitcred

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/justinmoon/pocketide/internal/identity"
	"go.uber.org/zap"
)

var validate = validator.New()

// ErrNoCredential is returned by stores when a user has no credential.
var ErrNoCredential = errors.New("no git credential stored")

const (
	redacted = "[REDACTED]"

	// maxNameLen bounds a client-supplied user.name.
	maxNameLen = 100
)

// Credential is what a user has stored for GitHub access.
type Credential struct {
	Username string
	Token    string
	Email    string
}

// Store persists credentials per user.
type Store interface {
	Get(ctx context.Context, userID string) (Credential, error)
	Put(ctx context.Context, userID string, cred Credential) error
	Delete(ctx context.Context, userID string) error
}

// Injector writes credential helpers and runs git config in workspaces.
type Injector struct {
	HelperDir string
	Timeout   time.Duration
	Store     Store // optional
	Logger    *zap.Logger

	// git is the executable; tests point it elsewhere.
	git string
}

func New(helperDir string, timeout time.Duration, store Store, logger *zap.Logger) *Injector {
	if logger == nil {
		logger = zap.NewNop()
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Injector{HelperDir: helperDir, Timeout: timeout, Store: store, Logger: logger, git: "git"}
}

// HelperPath is where the credential helper for id lives.
func (in *Injector) HelperPath(id identity.Identified) string {
	return filepath.Join(in.HelperDir, id.UserID+"-"+id.WorkspaceID+".sh")
}

// Configure writes the credential helper for id and, when ws is a git
// repository, points its config at it.
func (in *Injector) Configure(ctx context.Context, id identity.Identified, ws string, cred Credential) error {
	if err := identity.ValidateID(id.UserID); err != nil {
		return err
	}
	if err := identity.ValidateID(id.WorkspaceID); err != nil {
		return err
	}
	if cred.Username == "" || cred.Token == "" {
		return fmt.Errorf("credential for %s is incomplete", id.UserID)
	}

	ctx, cancel := context.WithTimeout(ctx, in.Timeout)
	defer cancel()

	helper, err := in.writeHelper(id, cred)
	if err != nil {
		return in.redact(err, cred.Token)
	}

	if !isRepo(ws) {
		in.Logger.Debug("workspace is not a git repository, helper written only",
			zap.String("user_id", id.UserID), zap.String("workspace", ws))
		return nil
	}

	email := cred.Email
	if email == "" {
		email = cred.Username + "@users.noreply.github.com"
	}
	settings := [][2]string{
		{"user.name", cred.Username},
		{"user.email", email},
		{"credential.helper", helper},
	}
	for _, kv := range settings {
		if err := in.gitConfig(ctx, ws, kv[0], kv[1]); err != nil {
			return in.redact(err, cred.Token)
		}
	}
	return nil
}

// ConfigureIdentity sets user.name and user.email only. When username is
// empty the local part of email is used.
func (in *Injector) ConfigureIdentity(ctx context.Context, ws, username, email string) error {
	if username == "" && email == "" {
		return nil
	}
	if !isRepo(ws) {
		return nil
	}
	if username == "" {
		username, _, _ = strings.Cut(email, "@")
	}
	if email == "" {
		email = username + "@users.noreply.github.com"
	}

	ctx, cancel := context.WithTimeout(ctx, in.Timeout)
	defer cancel()

	if err := in.gitConfig(ctx, ws, "user.name", username); err != nil {
		return err
	}
	return in.gitConfig(ctx, ws, "user.email", email)
}

// ApplySession configures a new session's workspace from the stored
// credential, falling back to the identity sent by the client. The returned
// text is shown to the user; it is empty when nothing was done. Client
// values git can't use are dropped and mentioned in the text rather than
// failing the call.
func (in *Injector) ApplySession(ctx context.Context, id identity.Identified, ws, username, email string) (string, error) {
	username, email, notes := sanitizeIdentity(username, email)

	if in.Store != nil {
		cred, err := in.Store.Get(ctx, id.UserID)
		switch {
		case err == nil:
			if cred.Email == "" {
				cred.Email = email
			}
			if err := in.Configure(ctx, id, ws, cred); err != nil {
				return "", err
			}
			return withNotes(fmt.Sprintf("credentials configured for %s", cred.Username), notes), nil
		case !errors.Is(err, ErrNoCredential):
			return "", fmt.Errorf("failed to load git credential: %w", err)
		}
	}

	if username == "" && email == "" {
		return withNotes("", notes), nil
	}
	if !isRepo(ws) {
		return withNotes("", notes), nil
	}
	if err := in.ConfigureIdentity(ctx, ws, username, email); err != nil {
		return "", err
	}
	name := username
	if name == "" {
		name = email
	}
	return withNotes(fmt.Sprintf("identity configured for %s", name), notes), nil
}

// sanitizeIdentity drops a malformed email and an oversized or multi-line
// username, returning a note for each.
func sanitizeIdentity(username, email string) (string, string, []string) {
	var notes []string
	username = strings.TrimSpace(username)
	email = strings.TrimSpace(email)
	if email != "" && validate.Var(email, "email") != nil {
		notes = append(notes, fmt.Sprintf("ignoring invalid email %q", email))
		email = ""
	}
	if len(username) > maxNameLen || strings.ContainsAny(username, "\r\n") {
		notes = append(notes, "ignoring invalid username")
		username = ""
	}
	return username, email, notes
}

func withNotes(msg string, notes []string) string {
	if msg != "" {
		notes = append([]string{msg}, notes...)
	}
	return strings.Join(notes, "; ")
}

// Remove deletes the helper for id. Missing helpers are not an error.
func (in *Injector) Remove(id identity.Identified) error {
	err := os.Remove(in.HelperPath(id))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

func (in *Injector) writeHelper(id identity.Identified, cred Credential) (string, error) {
	if err := os.MkdirAll(in.HelperDir, 0o700); err != nil {
		return "", fmt.Errorf("failed to create helper dir: %w", err)
	}
	// MkdirAll leaves an existing directory's mode alone.
	if err := os.Chmod(in.HelperDir, 0o700); err != nil {
		return "", fmt.Errorf("failed to secure helper dir: %w", err)
	}

	path := in.HelperPath(id)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, helperScript(cred), 0o700); err != nil {
		return "", fmt.Errorf("failed to write credential helper: %w", err)
	}
	if err := os.Chmod(tmp, 0o700); err != nil {
		os.Remove(tmp)
		return "", fmt.Errorf("failed to write credential helper: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return "", fmt.Errorf("failed to install credential helper: %w", err)
	}
	return path, nil
}

func helperScript(cred Credential) []byte {
	var b bytes.Buffer
	b.WriteString("#!/bin/sh\n")
	b.WriteString("if [ \"$1\" = \"get\" ]; then\n")
	b.WriteString("  echo protocol=https\n")
	b.WriteString("  echo host=github.com\n")
	fmt.Fprintf(&b, "  echo username=%s\n", shellQuote(cred.Username))
	fmt.Fprintf(&b, "  echo password=%s\n", shellQuote(cred.Token))
	b.WriteString("fi\n")
	return b.Bytes()
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'"'"'`) + "'"
}

func (in *Injector) gitConfig(ctx context.Context, ws, key, value string) error {
	cmd := exec.CommandContext(ctx, in.gitPath(), "-C", ws, "config", key, value)
	out, err := cmd.CombinedOutput()
	if err != nil {
		msg := strings.TrimSpace(string(out))
		if ctx.Err() != nil {
			return fmt.Errorf("git config %s timed out: %w", key, ctx.Err())
		}
		return fmt.Errorf("git config %s failed: %w: %s", key, err, msg)
	}
	return nil
}

func (in *Injector) gitPath() string {
	if in.git == "" {
		return "git"
	}
	return in.git
}

// redact strips token from err's message.
func (in *Injector) redact(err error, token string) error {
	if err == nil || token == "" || !strings.Contains(err.Error(), token) {
		return err
	}
	return errors.New(strings.ReplaceAll(err.Error(), token, redacted))
}

func isRepo(ws string) bool {
	_, err := os.Stat(filepath.Join(ws, ".git"))
	return err == nil
}
