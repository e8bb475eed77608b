package identity

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromRequest(t *testing.T) {
	tests := []struct {
		name        string
		userID      string
		workspaceID string
		want        Identity
		wantErr     bool
	}{
		{"both present", "u123", "ws-1", Identified{UserID: "u123", WorkspaceID: "ws-1"}, false},
		{"trimmed", "  u123 ", "ws.1", Identified{UserID: "u123", WorkspaceID: "ws.1"}, false},
		{"no ids", "", "", Anonymous{}, false},
		{"user only", "u123", "", Anonymous{}, false},
		{"workspace only", "", "ws", Anonymous{}, false},
		{"traversal user", "../etc", "ws", nil, true},
		{"traversal workspace", "u1", "a/../../b", nil, true},
		{"dot dot inside", "u1", "a..b", nil, true},
		{"leading dot", ".hidden", "ws", nil, true},
		{"slash", "u1", "a/b", nil, true},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := FromRequest(tc.userID, tc.workspaceID)
			if tc.wantErr {
				require.Error(t, err)
				assert.True(t, errors.Is(err, ErrInvalidIdentifier))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestUserID(t *testing.T) {
	assert.Equal(t, "u1", UserID(Identified{UserID: "u1", WorkspaceID: "w"}))
	assert.Equal(t, "", UserID(Anonymous{}))
}
