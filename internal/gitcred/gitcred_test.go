package gitcred

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/justinmoon/pocketide/internal/identity"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var alice = identity.Identified{UserID: "alice", WorkspaceID: "proj"}

func requireGit(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not available")
	}
}

func gitRepo(t *testing.T) string {
	t.Helper()
	requireGit(t)
	ws := t.TempDir()
	out, err := exec.Command("git", "init", "-q", ws).CombinedOutput()
	require.NoError(t, err, string(out))
	return ws
}

func gitGet(t *testing.T, ws, key string) string {
	t.Helper()
	out, err := exec.Command("git", "-C", ws, "config", "--get", key).Output()
	require.NoError(t, err)
	return strings.TrimSpace(string(out))
}

func TestConfigureWritesHelper(t *testing.T) {
	in := New(filepath.Join(t.TempDir(), "helpers"), time.Second, nil, nil)
	// Not a repository: git must not be invoked.
	in.git = "/nonexistent/git"

	err := in.Configure(context.Background(), alice, t.TempDir(), Credential{Username: "alice-gh", Token: "ghp_secret"})
	require.NoError(t, err)

	path := in.HelperPath(alice)
	assert.Equal(t, "alice-proj.sh", filepath.Base(path))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o700), info.Mode().Perm())

	dirInfo, err := os.Stat(in.HelperDir)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o700), dirInfo.Mode().Perm())

	if _, err := exec.LookPath("sh"); err != nil {
		return
	}
	out, err := exec.Command("sh", path, "get").Output()
	require.NoError(t, err)
	assert.Equal(t, "protocol=https\nhost=github.com\nusername=alice-gh\npassword=ghp_secret\n", string(out))

	out, err = exec.Command("sh", path, "store").Output()
	require.NoError(t, err)
	assert.Empty(t, out)
}

func TestConfigureRepository(t *testing.T) {
	ws := gitRepo(t)
	in := New(t.TempDir(), 5*time.Second, nil, nil)

	err := in.Configure(context.Background(), alice, ws, Credential{Username: "alice-gh", Token: "ghp_secret"})
	require.NoError(t, err)

	assert.Equal(t, "alice-gh", gitGet(t, ws, "user.name"))
	assert.Equal(t, "alice-gh@users.noreply.github.com", gitGet(t, ws, "user.email"))
	assert.Equal(t, in.HelperPath(alice), gitGet(t, ws, "credential.helper"))

	err = in.Configure(context.Background(), alice, ws, Credential{Username: "alice-gh", Token: "ghp_secret", Email: "a@example.com"})
	require.NoError(t, err)
	assert.Equal(t, "a@example.com", gitGet(t, ws, "user.email"))
}

func TestConfigureRejectsBadInput(t *testing.T) {
	in := New(t.TempDir(), time.Second, nil, nil)

	err := in.Configure(context.Background(), identity.Identified{UserID: "../x", WorkspaceID: "p"}, t.TempDir(), Credential{Username: "u", Token: "t"})
	assert.ErrorIs(t, err, identity.ErrInvalidIdentifier)

	err = in.Configure(context.Background(), alice, t.TempDir(), Credential{Username: "u"})
	assert.Error(t, err)
}

func TestConfigureRedactsToken(t *testing.T) {
	ws := t.TempDir()
	require.NoError(t, os.Mkdir(filepath.Join(ws, ".git"), 0o755))

	// A fake git that echoes its arguments and fails, so the helper path
	// and token would both surface if not redacted.
	fake := filepath.Join(t.TempDir(), "git")
	require.NoError(t, os.WriteFile(fake, []byte("#!/bin/sh\necho \"$@\" ghp_secret >&2\nexit 1\n"), 0o755))
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}

	in := New(t.TempDir(), time.Second, nil, nil)
	in.git = fake

	err := in.Configure(context.Background(), alice, ws, Credential{Username: "alice-gh", Token: "ghp_secret"})
	require.Error(t, err)
	assert.NotContains(t, err.Error(), "ghp_secret")
	assert.Contains(t, err.Error(), redacted)
}

func TestRedact(t *testing.T) {
	in := New(t.TempDir(), time.Second, nil, nil)
	base := errors.New("boom")

	assert.Same(t, base, in.redact(base, "tok"))
	assert.Nil(t, in.redact(nil, "tok"))
	assert.Equal(t, "push tok failed", in.redact(errors.New("push tok failed"), "").Error())
	assert.Equal(t, "push "+redacted+" failed", in.redact(errors.New("push tok failed"), "tok").Error())
}

func TestConfigureIdentity(t *testing.T) {
	ws := gitRepo(t)
	in := New(t.TempDir(), 5*time.Second, nil, nil)

	require.NoError(t, in.ConfigureIdentity(context.Background(), ws, "", "bob@example.com"))
	assert.Equal(t, "bob", gitGet(t, ws, "user.name"))
	assert.Equal(t, "bob@example.com", gitGet(t, ws, "user.email"))

	require.NoError(t, in.ConfigureIdentity(context.Background(), ws, "bobby", ""))
	assert.Equal(t, "bobby", gitGet(t, ws, "user.name"))
	assert.Equal(t, "bobby@users.noreply.github.com", gitGet(t, ws, "user.email"))
}

func TestApplySessionUsesStoredCredential(t *testing.T) {
	ws := gitRepo(t)
	store := NewMemoryStore()
	require.NoError(t, store.Put(context.Background(), "alice", Credential{Username: "alice-gh", Token: "ghp_secret"}))
	in := New(t.TempDir(), 5*time.Second, store, nil)

	msg, err := in.ApplySession(context.Background(), alice, ws, "ignored", "alice@example.com")
	require.NoError(t, err)
	assert.Equal(t, "credentials configured for alice-gh", msg)
	assert.Equal(t, "alice@example.com", gitGet(t, ws, "user.email"))
	assert.FileExists(t, in.HelperPath(alice))
}

func TestApplySessionFallsBackToIdentity(t *testing.T) {
	ws := gitRepo(t)
	in := New(t.TempDir(), 5*time.Second, NewMemoryStore(), nil)

	msg, err := in.ApplySession(context.Background(), alice, ws, "alice-gh", "")
	require.NoError(t, err)
	assert.Equal(t, "identity configured for alice-gh", msg)
	assert.Equal(t, "alice-gh", gitGet(t, ws, "user.name"))
	assert.NoFileExists(t, in.HelperPath(alice))
}

func TestApplySessionIgnoresInvalidEmail(t *testing.T) {
	ws := gitRepo(t)
	in := New(t.TempDir(), 5*time.Second, nil, nil)

	msg, err := in.ApplySession(context.Background(), alice, ws, "alice-gh", "alice")
	require.NoError(t, err)
	assert.Equal(t, `identity configured for alice-gh; ignoring invalid email "alice"`, msg)
	assert.Equal(t, "alice-gh@users.noreply.github.com", gitGet(t, ws, "user.email"))

	msg, err = in.ApplySession(context.Background(), alice, ws, "", "not an email")
	require.NoError(t, err)
	assert.Equal(t, `ignoring invalid email "not an email"`, msg)
}

func TestApplySessionIgnoresInvalidUsername(t *testing.T) {
	in := New(t.TempDir(), time.Second, nil, nil)
	in.git = "/nonexistent/git"

	msg, err := in.ApplySession(context.Background(), alice, t.TempDir(), strings.Repeat("x", 200), "")
	require.NoError(t, err)
	assert.Equal(t, "ignoring invalid username", msg)
}

func TestApplySessionNothingToDo(t *testing.T) {
	in := New(t.TempDir(), time.Second, nil, nil)
	in.git = "/nonexistent/git"

	msg, err := in.ApplySession(context.Background(), alice, t.TempDir(), "", "")
	require.NoError(t, err)
	assert.Empty(t, msg)

	// Identity without a repository is a no-op too.
	msg, err = in.ApplySession(context.Background(), alice, t.TempDir(), "alice-gh", "")
	require.NoError(t, err)
	assert.Empty(t, msg)
}

type brokenStore struct{}

func (brokenStore) Get(context.Context, string) (Credential, error) {
	return Credential{}, errors.New("connection refused")
}

func (brokenStore) Put(context.Context, string, Credential) error { return nil }

func (brokenStore) Delete(context.Context, string) error { return nil }

func TestApplySessionStoreError(t *testing.T) {
	in := New(t.TempDir(), time.Second, brokenStore{}, nil)

	_, err := in.ApplySession(context.Background(), alice, t.TempDir(), "", "")
	assert.ErrorContains(t, err, "connection refused")
}

func TestRemoveHelper(t *testing.T) {
	in := New(t.TempDir(), time.Second, nil, nil)
	require.NoError(t, in.Configure(context.Background(), alice, t.TempDir(), Credential{Username: "u", Token: "t"}))

	require.NoError(t, in.Remove(alice))
	assert.NoFileExists(t, in.HelperPath(alice))
	assert.NoError(t, in.Remove(alice))
}

func TestShellQuote(t *testing.T) {
	assert.Equal(t, `'plain'`, shellQuote("plain"))
	assert.Equal(t, `'it'"'"'s'`, shellQuote("it's"))
}
