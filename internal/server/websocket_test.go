package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/justinmoon/pocketide/internal/config"
	"github.com/justinmoon/pocketide/internal/gitcred"
	"github.com/justinmoon/pocketide/internal/identity"
	"github.com/justinmoon/pocketide/internal/protocol"
	"github.com/justinmoon/pocketide/internal/shell"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T) (*Server, *httptest.Server) {
	t.Helper()
	if _, err := os.Stat("/bin/sh"); err != nil {
		t.Skip("/bin/sh not available")
	}

	cfg := config.DefaultConfig()
	cfg.SetDataDir(t.TempDir())
	cfg.Terminal.Shell = "/bin/sh"
	cfg.Terminal.KillGrace = 500 * time.Millisecond
	require.NoError(t, cfg.EnsureDataDir())

	srv, err := New(cfg, nil, nil)
	require.NoError(t, err)

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		ts.Close()
		srv.Shutdown(context.Background())
	})
	return srv, ts
}

func dial(t *testing.T, ts *httptest.Server) *websocket.Conn {
	t.Helper()
	u := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws/terminal"
	ws, _, err := websocket.DefaultDialer.Dial(u, nil)
	require.NoError(t, err)
	t.Cleanup(func() { ws.Close() })
	return ws
}

func send(t *testing.T, ws *websocket.Conn, eventType, terminalID string, data any) {
	t.Helper()
	msg, err := protocol.New(eventType, terminalID, data)
	require.NoError(t, err)
	require.NoError(t, ws.WriteJSON(msg))
}

// await reads messages until match returns true or the timeout passes.
func await(t *testing.T, ws *websocket.Conn, timeout time.Duration, match func(protocol.Message) bool) protocol.Message {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for {
		ws.SetReadDeadline(deadline)
		var msg protocol.Message
		require.NoError(t, ws.ReadJSON(&msg), "timed out waiting for message")
		if match(msg) {
			return msg
		}
	}
}

func isType(eventType, terminalID string) func(protocol.Message) bool {
	return func(m protocol.Message) bool {
		return m.Type == eventType && m.Terminal() == terminalID
	}
}

// awaitOutput accumulates terminal-output for terminalID until it contains want.
func awaitOutput(t *testing.T, ws *websocket.Conn, terminalID, want string) {
	t.Helper()
	var buf strings.Builder
	await(t, ws, 5*time.Second, func(m protocol.Message) bool {
		if m.Type != protocol.EventTerminalOutput || m.Terminal() != terminalID {
			return false
		}
		var s string
		require.NoError(t, json.Unmarshal(m.Data, &s))
		buf.WriteString(s)
		return strings.Contains(buf.String(), want)
	})
}

func TestTerminalEcho(t *testing.T) {
	_, ts := newTestServer(t)
	ws := dial(t, ts)

	send(t, ws, protocol.EventCreateTerminal, "", map[string]int{"cols": 80, "rows": 24})
	await(t, ws, 5*time.Second, isType(protocol.EventTerminalReady, "1"))

	send(t, ws, protocol.EventTerminalInput, "", "echo hi\n")
	awaitOutput(t, ws, "1", "\nhi\r\n")
}

func TestBinaryFrameIsInput(t *testing.T) {
	_, ts := newTestServer(t)
	ws := dial(t, ts)

	send(t, ws, protocol.EventCreateTerminal, "1", nil)
	await(t, ws, 5*time.Second, isType(protocol.EventTerminalReady, "1"))

	require.NoError(t, ws.WriteMessage(websocket.BinaryMessage, []byte("echo binary-ok\n")))
	awaitOutput(t, ws, "1", "\nbinary-ok\r\n")
}

func TestResizeOutOfRangeKeepsSession(t *testing.T) {
	srv, ts := newTestServer(t)
	ws := dial(t, ts)

	send(t, ws, protocol.EventCreateTerminal, "1", nil)
	await(t, ws, 5*time.Second, isType(protocol.EventTerminalReady, "1"))

	send(t, ws, protocol.EventResize, "1", map[string]int{"cols": 9999, "rows": 9999})
	send(t, ws, protocol.EventTerminalInput, "1", "stty size\n")
	awaitOutput(t, ws, "1", "200 500")
	assert.Equal(t, 1, srv.Registry().Len())
}

func TestMultipleTabsAndDisconnect(t *testing.T) {
	srv, ts := newTestServer(t)
	ws := dial(t, ts)

	send(t, ws, protocol.EventCreateTerminal, "1", nil)
	await(t, ws, 5*time.Second, isType(protocol.EventTerminalReady, "1"))
	send(t, ws, protocol.EventCreateTerminal, "2", map[string]string{"userId": "alice", "workspaceId": "proj"})
	await(t, ws, 5*time.Second, isType(protocol.EventTerminalReady, "2"))

	send(t, ws, protocol.EventTerminalInput, "2", "pwd\n")
	awaitOutput(t, ws, "2", "alice/proj")

	require.Equal(t, 2, srv.Registry().Len())
	require.Len(t, srv.Registry().ByUser("alice"), 1)

	ws.Close()
	require.Eventually(t, func() bool {
		return srv.Registry().Len() == 0
	}, 5*time.Second, 20*time.Millisecond)
	assert.Empty(t, srv.Registry().ByUser("alice"))
	assert.Equal(t, int64(0), srv.clients.Load())
}

func TestConnectionsAreIsolated(t *testing.T) {
	srv, ts := newTestServer(t)
	a := dial(t, ts)
	b := dial(t, ts)

	send(t, a, protocol.EventCreateTerminal, "1", nil)
	await(t, a, 5*time.Second, isType(protocol.EventTerminalReady, "1"))
	send(t, b, protocol.EventCreateTerminal, "1", nil)
	await(t, b, 5*time.Second, isType(protocol.EventTerminalReady, "1"))
	require.Equal(t, 2, srv.Registry().Len())

	a.Close()
	require.Eventually(t, func() bool {
		return srv.Registry().Len() == 1
	}, 5*time.Second, 20*time.Millisecond)

	send(t, b, protocol.EventTerminalInput, "1", "echo still-here\n")
	awaitOutput(t, b, "1", "\nstill-here\r\n")
}

func TestCloseTerminalSendsExit(t *testing.T) {
	srv, ts := newTestServer(t)
	ws := dial(t, ts)

	send(t, ws, protocol.EventCreateTerminal, "7", nil)
	await(t, ws, 5*time.Second, isType(protocol.EventTerminalReady, "7"))

	send(t, ws, protocol.EventCloseTerminal, "7", nil)
	await(t, ws, 5*time.Second, isType(protocol.EventTerminalExit, "7"))
	assert.Equal(t, 0, srv.Registry().Len())
}

func TestInvalidIdentityIsReported(t *testing.T) {
	srv, ts := newTestServer(t)
	ws := dial(t, ts)

	send(t, ws, protocol.EventCreateTerminal, "1", map[string]string{"userId": "../../etc", "workspaceId": "x"})
	msg := await(t, ws, 5*time.Second, isType(protocol.EventTerminalError, "1"))

	var payload protocol.Error
	require.NoError(t, json.Unmarshal(msg.Data, &payload))
	assert.NotEmpty(t, payload.Message)
	assert.Equal(t, 0, srv.Registry().Len())
}

func TestMalformedMessage(t *testing.T) {
	_, ts := newTestServer(t)
	ws := dial(t, ts)

	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte("{not json")))
	await(t, ws, 5*time.Second, isType(protocol.EventTerminalError, "1"))

	// The connection survives.
	send(t, ws, protocol.EventCreateTerminal, "1", nil)
	await(t, ws, 5*time.Second, isType(protocol.EventTerminalReady, "1"))
}

func TestOriginCheck(t *testing.T) {
	check := originChecker(nil)
	req := httptest.NewRequest(http.MethodGet, "http://ide.example.com/ws/terminal", nil)

	assert.True(t, check(req))

	req.Header.Set("Origin", "https://ide.example.com")
	assert.True(t, check(req))

	req.Header.Set("Origin", "https://evil.example.com")
	assert.False(t, check(req))

	assert.True(t, originChecker([]string{"https://evil.example.com"})(req))
	assert.True(t, originChecker([]string{"*"})(req))
}

func TestCrossOriginUpgradeRejected(t *testing.T) {
	_, ts := newTestServer(t)
	u := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws/terminal"

	_, resp, err := websocket.DefaultDialer.Dial(u, http.Header{"Origin": {"https://evil.example.com"}})
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestHealth(t *testing.T) {
	_, ts := newTestServer(t)
	ws := dial(t, ts)
	send(t, ws, protocol.EventCreateTerminal, "1", nil)
	await(t, ws, 5*time.Second, isType(protocol.EventTerminalReady, "1"))

	resp, err := http.Get(ts.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body healthResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "ok", body.Status)
	assert.Equal(t, int64(1), body.ConnectedClients)
	assert.Equal(t, 1, body.Sessions)
	assert.Equal(t, "disabled", body.Database)
	assert.WithinDuration(t, time.Now(), body.Timestamp, time.Minute)
}

func TestMetricsEndpoint(t *testing.T) {
	_, ts := newTestServer(t)

	resp, err := http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var buf bytes.Buffer
	_, err = buf.ReadFrom(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, buf.String(), "pocketide_sessions_active 0")
}

func TestGitConfigure(t *testing.T) {
	srv, ts := newTestServer(t)

	post := func(body string) *http.Response {
		resp, err := http.Post(ts.URL+"/api/git/configure", "application/json", strings.NewReader(body))
		require.NoError(t, err)
		t.Cleanup(func() { resp.Body.Close() })
		return resp
	}

	assert.Equal(t, http.StatusBadRequest, post(`{`).StatusCode)
	assert.Equal(t, http.StatusBadRequest, post(`{"userId":"alice"}`).StatusCode)
	assert.Equal(t, http.StatusBadRequest, post(`{"userId":"..","workspaceId":"p"}`).StatusCode)
	assert.Equal(t, http.StatusNotFound, post(`{"userId":"alice","workspaceId":"proj"}`).StatusCode)

	require.NoError(t, srv.git.Store.Put(context.Background(), "alice", gitcred.Credential{Username: "alice-gh", Token: "ghp_x"}))
	resp := post(`{"userId":"alice","workspaceId":"proj"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "configured", body["status"])
	helper := srv.git.HelperPath(identity.Identified{UserID: "alice", WorkspaceID: "proj"})
	assert.FileExists(t, helper)

	req, err := http.NewRequest(http.MethodDelete, ts.URL+"/api/git/configure", strings.NewReader(`{"userId":"alice","workspaceId":"proj"}`))
	require.NoError(t, err)
	del, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer del.Body.Close()
	assert.Equal(t, http.StatusOK, del.StatusCode)
	assert.NoFileExists(t, helper)
}

func TestShutdownReapsShellsIgnoringHangup(t *testing.T) {
	srv, ts := newTestServer(t)
	ws := dial(t, ts)

	send(t, ws, protocol.EventCreateTerminal, "1", map[string]string{"userId": "alice", "workspaceId": "proj"})
	await(t, ws, 5*time.Second, isType(protocol.EventTerminalReady, "1"))
	send(t, ws, protocol.EventTerminalInput, "1", "trap '' HUP; echo trapped; sleep 30\n")
	awaitOutput(t, ws, "1", "\ntrapped\r\n")

	keys := srv.Registry().ByUser("alice")
	require.Len(t, keys, 1)
	sess := srv.Registry().Get(keys[0])
	require.NotNil(t, sess)

	start := time.Now()
	require.NoError(t, srv.Shutdown(context.Background()))
	select {
	case <-sess.Done():
	default:
		t.Fatal("shell still running after Shutdown returned")
	}
	assert.Less(t, time.Since(start), 3*time.Second)
	assert.Equal(t, 0, srv.Registry().Len())
}

func TestShutdownRejectsNewConnections(t *testing.T) {
	srv, ts := newTestServer(t)
	require.NoError(t, srv.Shutdown(context.Background()))

	u := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws/terminal"
	_, resp, err := websocket.DefaultDialer.Dial(u, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestEventsEndpoint(t *testing.T) {
	_, ts := newTestServer(t)

	resp, err := http.Get(ts.URL + "/api/events?userId=..")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	// No NATS URL in the test config.
	resp, err = http.Get(ts.URL + "/api/events?userId=alice")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestNewResolvesShellOnce(t *testing.T) {
	srv, _ := newTestServer(t)
	assert.Equal(t, "/bin/sh", srv.shellPath)

	cfg := config.DefaultConfig()
	cfg.SetDataDir(t.TempDir())
	cfg.Terminal.Shell = "/nonexistent/shell"
	_, err := New(cfg, nil, nil)
	assert.ErrorIs(t, err, shell.ErrNoShell)
}
