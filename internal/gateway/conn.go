package gateway

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/pointdeck/pointdeck/internal/session"
)

// ConnectionConfig holds websocket tuning for push-stream connections.
type ConnectionConfig struct {
	WriteTimeout    time.Duration
	ReadTimeout     time.Duration
	PingInterval    time.Duration
	MaxMessageSize  int64
	ReadBufferSize  int
	WriteBufferSize int
	CheckOrigin     func(r *http.Request) bool
}

// DefaultConnectionConfig returns default websocket configuration.
func DefaultConnectionConfig() ConnectionConfig {
	return ConnectionConfig{
		WriteTimeout:    10 * time.Second,
		ReadTimeout:     60 * time.Second,
		PingInterval:    30 * time.Second,
		MaxMessageSize:  4096,
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			// Allow all origins in development - restrict in production
			return true
		},
	}
}

// wsConn is one push-stream connection. It satisfies registry.Connection;
// outbound frames flow through the buffered send channel so broadcasters
// never block on a slow socket.
type wsConn struct {
	id        string
	sessionID string
	userID    string
	conn      *websocket.Conn
	send      chan []byte
	service   *Service
	config    ConnectionConfig

	closeOnce sync.Once
	closed    chan struct{}
}

func (c *wsConn) ID() string            { return c.id }
func (c *wsConn) UserID() string        { return c.userID }
func (c *wsConn) TransportKind() string { return "push" }

// Send queues a frame without blocking. False means the buffer is full and
// the connection should be treated as dead.
func (c *wsConn) Send(msg []byte) bool {
	select {
	case <-c.closed:
		return false
	default:
	}
	select {
	case c.send <- msg:
		return true
	default:
		return false
	}
}

// Close tears the socket down once. Safe from any goroutine.
func (c *wsConn) Close() {
	c.closeOnce.Do(func() {
		close(c.closed)
		c.conn.Close()
	})
}

// writePump drains the send channel onto the socket and keeps the protocol
// ping/pong alive.
func (c *wsConn) writePump() {
	ticker := time.NewTicker(c.config.PingInterval)
	defer func() {
		ticker.Stop()
		c.Close()
	}()

	for {
		select {
		case <-c.closed:
			return
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(c.config.WriteTimeout))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				log.Debug().
					Err(err).
					Str("connection_id", c.id).
					Msg("failed to write frame")
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(c.config.WriteTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				log.Debug().
					Err(err).
					Str("connection_id", c.id).
					Msg("failed to send ping")
				return
			}
		}
	}
}

// readPump reads action frames off the socket and routes them through the
// service. Exiting detaches the connection.
func (c *wsConn) readPump(ctx context.Context) {
	defer func() {
		c.service.Registry().Detach(c.sessionID, c.id)
		c.service.Coordinator().Stop(c.id)
		c.Close()
	}()

	c.conn.SetReadLimit(c.config.MaxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(c.config.ReadTimeout))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(c.config.ReadTimeout))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				log.Debug().
					Err(err).
					Str("connection_id", c.id).
					Msg("unexpected websocket close")
			}
			return
		}
		c.handleFrame(ctx, message)
		c.conn.SetReadDeadline(time.Now().Add(c.config.ReadTimeout))
	}
}

// handleFrame processes one inbound client action. Heartbeats are answered
// directly on this connection; everything else goes through Apply, which
// broadcasts to the whole session.
func (c *wsConn) handleFrame(ctx context.Context, message []byte) {
	var action Action
	if err := decodeAction(message, &action); err != nil {
		log.Debug().
			Err(err).
			Str("connection_id", c.id).
			Msg("dropping malformed frame")
		return
	}
	if action.UserID == "" {
		action.UserID = c.userID
	}

	if action.Type == ActionHeartbeat && !c.service.Registry().MarkHeartbeat(c.sessionID, c.id) {
		// The registration is gone, so broadcasts no longer reach this
		// stream. Close instead of acking so the client reconnects rather
		// than idling on a stale view.
		log.Debug().
			Str("connection_id", c.id).
			Str("session_id", c.sessionID).
			Msg("heartbeat on dead registration, closing")
		c.Close()
		return
	}

	res, err := c.service.Apply(ctx, c.sessionID, action)
	if err != nil {
		c.handleActionError(err)
		return
	}

	switch action.Type {
	case ActionHeartbeat:
		c.sendEvent(&Event{
			Type:      EventHeartbeatAck,
			SessionID: c.sessionID,
			UserID:    c.userID,
			Timestamp: time.Now(),
		})
	default:
		if res.Denied {
			// Advisory no-op: the caller still gets its current view back.
			if event, err := SnapshotEvent(res.Session.Snapshot(c.userID), time.Now()); err == nil {
				c.sendEvent(event)
			}
		}
	}
}

func (c *wsConn) handleActionError(err error) {
	switch {
	case errors.Is(err, session.ErrNotFound):
		// Terminal for this transport: the session is gone, not the network.
		c.sendEvent(&Event{
			Type:      EventNotFound,
			SessionID: c.sessionID,
			UserID:    c.userID,
			Timestamp: time.Now(),
		})
		c.Close()
	case errors.Is(err, session.ErrLockContention):
		// Transient; the client retries on its next tick.
		log.Debug().
			Str("connection_id", c.id).
			Str("session_id", c.sessionID).
			Msg("action hit lock contention")
	default:
		log.Error().
			Err(err).
			Str("connection_id", c.id).
			Str("session_id", c.sessionID).
			Msg("action failed")
		c.sendEvent(&Event{
			Type:      EventError,
			SessionID: c.sessionID,
			UserID:    c.userID,
			Timestamp: time.Now(),
		})
	}
}

func (c *wsConn) sendEvent(event *Event) {
	data, err := event.Encode()
	if err != nil {
		log.Error().Err(err).Str("connection_id", c.id).Msg("failed to encode event")
		return
	}
	c.Send(data)
}
