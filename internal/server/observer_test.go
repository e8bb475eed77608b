package server

import (
	"errors"
	"sync"
	"testing"

	"github.com/justinmoon/pocketide/internal/events"
	"github.com/justinmoon/pocketide/internal/identity"
	"github.com/justinmoon/pocketide/internal/metrics"
	"github.com/justinmoon/pocketide/internal/terminal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type recordingPublisher struct {
	mu     sync.Mutex
	events []events.Event
}

func (p *recordingPublisher) Publish(ev events.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
	return nil
}

func TestSpawnFailedCarriesIdentity(t *testing.T) {
	pub := &recordingPublisher{}
	o := &sessionObserver{metrics: metrics.New(func() int { return 0 }), bus: pub, log: zap.NewNop()}

	o.SpawnFailed(terminal.Key{ConnID: "c1", TerminalID: "2"}, identity.Identified{UserID: "alice", WorkspaceID: "proj"}, errors.New("disk full"))
	o.SpawnFailed(terminal.Key{ConnID: "c1", TerminalID: "3"}, identity.Anonymous{}, errors.New("no shell"))

	require.Len(t, pub.events, 2)
	assert.Equal(t, events.EventTerminalSpawnFailed, pub.events[0].Type)
	assert.Equal(t, "alice", pub.events[0].UserID)
	assert.Equal(t, "proj", pub.events[0].WorkspaceID)
	assert.Equal(t, "2", pub.events[0].TerminalID)
	assert.Equal(t, "disk full", pub.events[0].Error)

	assert.Empty(t, pub.events[1].UserID)
	assert.Empty(t, pub.events[1].WorkspaceID)
}
