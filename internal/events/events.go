package events

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
)

type EventType string

const (
	EventTerminalCreated     EventType = "terminal.created"
	EventTerminalClosed      EventType = "terminal.closed"
	EventTerminalSpawnFailed EventType = "terminal.spawn_failed"
)

const (
	streamName    = "POCKETIDE_TERMINALS"
	subjectPrefix = "pocketide.terminal"
)

type Event struct {
	Type        EventType `json:"type"`
	ConnID      string    `json:"conn_id"`
	TerminalID  string    `json:"terminal_id"`
	UserID      string    `json:"user_id,omitempty"`
	WorkspaceID string    `json:"workspace_id,omitempty"`
	PID         int       `json:"pid,omitempty"`
	ExitCode    *int      `json:"exit_code,omitempty"`
	Reason      string    `json:"reason,omitempty"`
	Error       string    `json:"error,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

type Bus struct {
	nc     *nats.Conn
	js     nats.JetStreamContext
	active bool

	mu   sync.Mutex
	subs []*nats.Subscription
}

func NewBus(natsURL string) (*Bus, error) {
	if natsURL == "" {
		// No NATS configured, return inactive bus
		return &Bus{active: false}, nil
	}

	nc, err := nats.Connect(natsURL, nats.Name("pocketide"))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to get JetStream context: %w", err)
	}

	bus := &Bus{
		nc:     nc,
		js:     js,
		active: true,
	}

	if err := bus.createStream(); err != nil {
		nc.Close()
		return nil, err
	}

	return bus, nil
}

func (b *Bus) createStream() error {
	_, err := b.js.AddStream(&nats.StreamConfig{
		Name:      streamName,
		Subjects:  []string{subjectPrefix + ".>"},
		Retention: nats.LimitsPolicy,
		MaxAge:    24 * time.Hour,
		Storage:   nats.FileStorage,
	})
	if err != nil && err != nats.ErrStreamNameAlreadyInUse {
		return fmt.Errorf("failed to create stream %s: %w", streamName, err)
	}
	return nil
}

func (b *Bus) Publish(event Event) error {
	if !b.active {
		return nil
	}

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	if _, err := b.js.Publish(subjectFor(event), data); err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}
	return nil
}

// subjectFor renders pocketide.terminal.<user>.<event>. Anonymous sessions
// publish under "anonymous".
func subjectFor(event Event) string {
	return fmt.Sprintf("%s.%s.%s", subjectPrefix, subjectToken(event.UserID), event.Type)
}

// subjectToken makes s safe as a single NATS subject token.
func subjectToken(s string) string {
	if s == "" {
		return "anonymous"
	}
	return strings.NewReplacer(".", "_", "*", "_", ">", "_", " ", "_").Replace(s)
}

// Subscribe to events matching a subject pattern. Returns unsubscribe function.
func (b *Bus) Subscribe(subject string, handler func(Event)) (func(), error) {
	if !b.active {
		return func() {}, nil
	}

	sub, err := b.nc.Subscribe(subject, func(msg *nats.Msg) {
		var event Event
		if err := json.Unmarshal(msg.Data, &event); err != nil {
			return // Skip malformed events
		}
		handler(event)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe: %w", err)
	}

	b.mu.Lock()
	b.subs = append(b.subs, sub)
	b.mu.Unlock()

	return func() { sub.Unsubscribe() }, nil
}

// SubscribeAll subscribes to every terminal event.
func (b *Bus) SubscribeAll(handler func(Event)) (func(), error) {
	return b.Subscribe(subjectPrefix+".>", handler)
}

// SubscribeUser subscribes to every terminal event of one user.
func (b *Bus) SubscribeUser(userID string, handler func(Event)) (func(), error) {
	return b.Subscribe(fmt.Sprintf("%s.%s.>", subjectPrefix, subjectToken(userID)), handler)
}

func (b *Bus) Close() error {
	if !b.active {
		return nil
	}

	b.mu.Lock()
	for _, sub := range b.subs {
		sub.Unsubscribe()
	}
	b.subs = nil
	b.mu.Unlock()

	b.nc.Close()
	return nil
}

func (b *Bus) IsActive() bool {
	return b.active
}
