package events

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubjectFor(t *testing.T) {
	tests := []struct {
		event Event
		want  string
	}{
		{
			Event{Type: EventTerminalCreated, UserID: "alice"},
			"pocketide.terminal.alice.terminal.created",
		},
		{
			Event{Type: EventTerminalClosed, UserID: "bob.smith"},
			"pocketide.terminal.bob_smith.terminal.closed",
		},
		{
			Event{Type: EventTerminalSpawnFailed},
			"pocketide.terminal.anonymous.terminal.spawn_failed",
		},
		{
			Event{Type: EventTerminalSpawnFailed, UserID: "alice"},
			"pocketide.terminal.alice.terminal.spawn_failed",
		},
		{
			Event{Type: EventTerminalCreated, UserID: "a*b>c"},
			"pocketide.terminal.a_b_c.terminal.created",
		},
	}

	for _, tc := range tests {
		t.Run(tc.want, func(t *testing.T) {
			assert.Equal(t, tc.want, subjectFor(tc.event))
		})
	}
}

func TestInactiveBus(t *testing.T) {
	b, err := NewBus("")
	require.NoError(t, err)
	assert.False(t, b.IsActive())

	assert.NoError(t, b.Publish(Event{Type: EventTerminalCreated}))

	unsub, err := b.SubscribeUser("alice", func(Event) {})
	require.NoError(t, err)
	unsub()

	unsub, err = b.SubscribeAll(func(Event) {})
	require.NoError(t, err)
	unsub()

	assert.NoError(t, b.Close())
}
