package protocol

import (
	"encoding/json"
	"math"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func parse(t *testing.T, raw string) Message {
	t.Helper()
	var msg Message
	require.NoError(t, json.Unmarshal([]byte(raw), &msg))
	return msg
}

func TestDecodeCreate(t *testing.T) {
	msg := parse(t, `{"type":"create-terminal","data":{"cols":120,"rows":40,"userId":"u1","workspaceId":"w1","terminalId":"2","userEmail":"a@b.co"}}`)

	req, err := DecodeCreate(msg)
	require.NoError(t, err)
	assert.Equal(t, Dimension(120), req.Cols)
	assert.Equal(t, Dimension(40), req.Rows)
	assert.Equal(t, "u1", req.UserID)
	assert.Equal(t, "w1", req.WorkspaceID)
	assert.Equal(t, "2", req.TerminalID)
}

func TestDecodeCreateTerminalIDFallback(t *testing.T) {
	req, err := DecodeCreate(parse(t, `{"type":"create-terminal","terminalId":"7","data":{}}`))
	require.NoError(t, err)
	assert.Equal(t, "7", req.TerminalID)

	req, err = DecodeCreate(parse(t, `{"type":"create-terminal"}`))
	require.NoError(t, err)
	assert.Equal(t, DefaultTerminalID, req.TerminalID)
}

func TestDecodeCreateRejectsBadPayloads(t *testing.T) {
	for _, raw := range []string{
		`{"type":"create-terminal","data":"nope"}`,
		`{"type":"create-terminal","data":{"terminalId":"tab\n1"}}`,
	} {
		_, err := DecodeCreate(parse(t, raw))
		assert.Error(t, err, raw)
	}
}

func TestDecodeCreateKeepsGitIdentityAsSent(t *testing.T) {
	req, err := DecodeCreate(parse(t, `{"type":"create-terminal","data":{"userId":"alice","workspaceId":"ws","userEmail":"alice","githubUsername":"`+strings.Repeat("x", 300)+`"}}`))
	require.NoError(t, err)
	assert.Equal(t, "alice", req.UserEmail)
	assert.Len(t, req.GithubUsername, 300)
}

func TestDimensionsAreCorrectedNotRejected(t *testing.T) {
	cases := []struct {
		raw  string
		cols Dimension
		rows Dimension
	}{
		{`{"cols":120.5,"rows":40.9}`, 120, 40},
		{`{"cols":-5,"rows":-0.5}`, -5, 0},
		{`{"cols":1e12,"rows":-1e12}`, math.MaxInt32, math.MinInt32},
		{`{"cols":1e400,"rows":99999999999999999999}`, math.MaxInt32, math.MaxInt32},
		{`{"cols":"132","rows":"x"}`, 132, 0},
		{`{"cols":null,"rows":true}`, 0, 0},
		{`{"cols":{},"rows":[1]}`, 0, 0},
	}
	for _, tc := range cases {
		req, err := DecodeCreate(parse(t, `{"type":"create-terminal","data":`+tc.raw+`}`))
		require.NoError(t, err, tc.raw)
		assert.Equal(t, tc.cols, req.Cols, tc.raw)
		assert.Equal(t, tc.rows, req.Rows, tc.raw)

		r, err := DecodeResize(parse(t, `{"type":"resize","data":`+tc.raw+`}`))
		require.NoError(t, err, tc.raw)
		assert.Equal(t, Resize{Cols: tc.cols, Rows: tc.rows}, r, tc.raw)
	}
}

func TestDecodeInputAndResize(t *testing.T) {
	in, err := DecodeInput(parse(t, `{"type":"terminal-input","data":"echo hi\n"}`))
	require.NoError(t, err)
	assert.Equal(t, []byte("echo hi\n"), in)

	_, err = DecodeInput(parse(t, `{"type":"terminal-input","data":42}`))
	assert.Error(t, err)

	r, err := DecodeResize(parse(t, `{"type":"resize","data":{"cols":9999,"rows":9999}}`))
	require.NoError(t, err)
	assert.Equal(t, Resize{Cols: 9999, Rows: 9999}, r)
}

func TestOutgoingMessages(t *testing.T) {
	raw, err := json.Marshal(Failure("3", "boom"))
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"terminal-error","terminalId":"3","data":{"message":"boom"}}`, string(raw))

	raw, err = json.Marshal(Ready("1"))
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"terminal-ready","terminalId":"1"}`, string(raw))

	raw, err = json.Marshal(Exited("1", 130))
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"terminal-exit","terminalId":"1","data":{"exitCode":130}}`, string(raw))
}
