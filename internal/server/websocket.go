package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/justinmoon/pocketide/internal/protocol"
	"github.com/justinmoon/pocketide/internal/terminal"
	"go.uber.org/zap"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = pongWait * 9 / 10
	maxMessageSize = 1 << 20
	sendQueueSize  = 256
)

var errClientGone = errors.New("client connection closed")

func (s *Server) upgrader() *websocket.Upgrader {
	return &websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     originChecker(s.cfg.Server.AllowedOrigins),
	}
}

// originChecker allows same-origin requests, requests without an Origin
// header (non-browser clients), and any origin listed in allowed. "*" in
// allowed accepts everything.
func originChecker(allowed []string) func(r *http.Request) bool {
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		for _, a := range allowed {
			if a == "*" || strings.EqualFold(a, origin) {
				return true
			}
		}
		u, err := url.Parse(origin)
		if err != nil {
			return false
		}
		return strings.EqualFold(u.Host, r.Host)
	}
}

// wsClient serializes writes to one WebSocket. gorilla allows a single
// concurrent writer, so every send goes through out.
type wsClient struct {
	conn *websocket.Conn
	out  chan protocol.Message
	done chan struct{}
	once sync.Once
}

func (c *wsClient) Send(msg protocol.Message) error {
	select {
	case <-c.done:
		return errClientGone
	default:
	}
	select {
	case c.out <- msg:
		return nil
	case <-c.done:
		return errClientGone
	}
}

func (c *wsClient) close() {
	c.once.Do(func() {
		close(c.done)
		c.conn.Close()
	})
}

func (c *wsClient) writeLoop(log *zap.Logger) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	defer c.close()

	for {
		select {
		case msg := <-c.out:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteJSON(msg); err != nil {
				log.Debug("websocket write failed", zap.Error(err))
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			return
		}
	}
}

func (s *Server) handleTerminalWS(w http.ResponseWriter, r *http.Request) {
	select {
	case <-s.done:
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	default:
	}

	ws, err := s.upgrader().Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	connID := uuid.NewString()
	log := s.log.With(zap.String("conn_id", connID))

	client := &wsClient{
		conn: ws,
		out:  make(chan protocol.Message, sendQueueSize),
		done: make(chan struct{}),
	}
	go client.writeLoop(log)

	conn := terminal.NewConn(connID, &countingSender{client, s}, terminal.Deps{
		Registry:   s.registry,
		Spawner:    s.spawner,
		ShellPath:  s.shellPath,
		Shell:      s.shell,
		Workspaces: s.workspaces,
		Git:        s.git,
		Observer:   &sessionObserver{metrics: s.metrics, bus: s.eventBus, log: log},
		Logger:     s.log,
		DefaultSize: terminal.Size{
			Cols: uint16(s.cfg.Terminal.DefaultCols),
			Rows: uint16(s.cfg.Terminal.DefaultRows),
		},
		GitTimeout: s.cfg.Git.Timeout,
		InputRate:  s.cfg.Terminal.InputRate,
		InputBurst: s.cfg.Terminal.InputBurst,
	})

	if !s.track(conn, client) {
		client.close()
		return
	}
	s.clients.Add(1)
	s.metrics.WSConnections.Inc()
	log.Info("client connected", zap.String("remote", r.RemoteAddr))

	defer func() {
		if rec := recover(); rec != nil {
			log.Error("panic in websocket read loop", zap.Any("panic", rec), zap.Stack("stack"))
		}
		s.untrack(conn)
		conn.Disconnect()
		client.close()
		s.clients.Add(-1)
		s.metrics.WSConnections.Dec()
	}()

	ws.SetReadLimit(maxMessageSize)
	ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		messageType, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived) {
				log.Debug("websocket read error", zap.Error(err))
			}
			return
		}
		ws.SetReadDeadline(time.Now().Add(pongWait))

		switch messageType {
		case websocket.BinaryMessage:
			// Raw keystrokes for the default terminal.
			s.metrics.RecordMessage("in", "binary")
			conn.Input(protocol.DefaultTerminalID, data)
		case websocket.TextMessage:
			var msg protocol.Message
			if err := json.Unmarshal(data, &msg); err != nil || msg.Type == "" {
				s.metrics.RecordMessage("in", "invalid")
				client.Send(protocol.Failure(protocol.DefaultTerminalID, "invalid message"))
				continue
			}
			s.metrics.RecordMessage("in", messageLabel(msg.Type))
			conn.Handle(msg)
		}
	}
}

// countingSender records outgoing messages in metrics.
type countingSender struct {
	client *wsClient
	s      *Server
}

func (c *countingSender) Send(msg protocol.Message) error {
	if err := c.client.Send(msg); err != nil {
		return err
	}
	c.s.metrics.RecordMessage("out", msg.Type)
	return nil
}

// messageLabel bounds the metric label set to known event types.
func messageLabel(eventType string) string {
	switch eventType {
	case protocol.EventCreateTerminal, protocol.EventTerminalInput, protocol.EventResize, protocol.EventCloseTerminal:
		return eventType
	default:
		return "unknown"
	}
}
