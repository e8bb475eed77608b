package server

import (
	"time"

	"github.com/justinmoon/pocketide/internal/events"
	"github.com/justinmoon/pocketide/internal/identity"
	"github.com/justinmoon/pocketide/internal/metrics"
	"github.com/justinmoon/pocketide/internal/terminal"
	"go.uber.org/zap"
)

// publisher is the part of *events.Bus the observer needs.
type publisher interface {
	Publish(events.Event) error
}

// sessionObserver feeds session lifecycle into metrics and the event bus.
type sessionObserver struct {
	metrics *metrics.Metrics
	bus     publisher
	log     *zap.Logger
}

func (o *sessionObserver) SessionStarted(sess *terminal.Session) {
	_, identified := sess.Identity().(identity.Identified)
	o.metrics.RecordSessionStarted(identified)
	o.publish(sessionEvent(events.EventTerminalCreated, sess))
}

func (o *sessionObserver) SessionEnded(sess *terminal.Session, reason terminal.EndReason) {
	o.metrics.RecordSessionEnded(string(reason), time.Since(sess.CreatedAt()))

	ev := sessionEvent(events.EventTerminalClosed, sess)
	code := sess.ExitCode()
	ev.ExitCode = &code
	ev.Reason = string(reason)
	o.publish(ev)
}

func (o *sessionObserver) SpawnFailed(key terminal.Key, id identity.Identity, err error) {
	o.metrics.RecordSpawnFailure()
	ev := events.Event{
		Type:       events.EventTerminalSpawnFailed,
		ConnID:     key.ConnID,
		TerminalID: key.TerminalID,
		Error:      err.Error(),
	}
	setIdentity(&ev, id)
	o.publish(ev)
}

func (o *sessionObserver) BytesRelayed(direction string, n int) {
	o.metrics.RecordRelayed(direction, n)
}

func (o *sessionObserver) publish(ev events.Event) {
	if o.bus == nil {
		return
	}
	if err := o.bus.Publish(ev); err != nil {
		o.log.Warn("failed to publish terminal event", zap.String("type", string(ev.Type)), zap.Error(err))
	}
}

func sessionEvent(t events.EventType, sess *terminal.Session) events.Event {
	ev := events.Event{
		Type:       t,
		ConnID:     sess.Key().ConnID,
		TerminalID: sess.Key().TerminalID,
		PID:        sess.PID(),
	}
	setIdentity(&ev, sess.Identity())
	return ev
}

func setIdentity(ev *events.Event, id identity.Identity) {
	if v, ok := id.(identity.Identified); ok {
		ev.UserID = v.UserID
		ev.WorkspaceID = v.WorkspaceID
	}
}
