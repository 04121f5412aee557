package client

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/pointdeck/pointdeck/internal/gateway"
)

// PushTransport is the preferred channel: a long-lived websocket carrying
// server-pushed session_update frames. Heartbeats ride the same socket and
// are acknowledged with heartbeat_ack frames.
type PushTransport struct {
	serverURL string
	sessionID string
	userID    string
	dialer    *websocket.Dialer

	conn    *websocket.Conn
	writeMu sync.Mutex
	events  chan TransportEvent
	acks    chan struct{}

	closeOnce sync.Once
	closed    chan struct{}
}

// NewPushTransport builds a push transport against an http(s) server URL.
func NewPushTransport(serverURL, sessionID, userID string) *PushTransport {
	return &PushTransport{
		serverURL: serverURL,
		sessionID: sessionID,
		userID:    userID,
		dialer:    websocket.DefaultDialer,
		events:    make(chan TransportEvent, 16),
		acks:      make(chan struct{}, 1),
		closed:    make(chan struct{}),
	}
}

func (t *PushTransport) Kind() TransportKind { return TransportPush }

func (t *PushTransport) Connect(ctx context.Context) error {
	u, err := t.streamURL()
	if err != nil {
		return err
	}

	conn, resp, err := t.dialer.DialContext(ctx, u, nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusNotFound {
			return ErrSessionGone
		}
		return fmt.Errorf("dial push stream: %w", err)
	}
	t.conn = conn

	go t.readLoop()
	return nil
}

// Tick sends a heartbeat frame and waits for its acknowledgment, bounding
// the wait with ctx.
func (t *PushTransport) Tick(ctx context.Context) (time.Duration, error) {
	select {
	case <-t.closed:
		return 0, ErrTransportClosed
	default:
	}

	// Drop any stale ack so the wait below pairs with this heartbeat.
	select {
	case <-t.acks:
	default:
	}

	start := time.Now()
	if err := t.Send(ctx, gateway.Action{Type: gateway.ActionHeartbeat, UserID: t.userID}); err != nil {
		return 0, err
	}

	select {
	case <-t.acks:
		return time.Since(start), nil
	case <-t.closed:
		return 0, ErrTransportClosed
	case <-ctx.Done():
		return 0, fmt.Errorf("heartbeat: %w", ctx.Err())
	}
}

func (t *PushTransport) Send(ctx context.Context, action gateway.Action) error {
	select {
	case <-t.closed:
		return ErrTransportClosed
	default:
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	deadline := time.Now().Add(10 * time.Second)
	if d, ok := ctx.Deadline(); ok {
		deadline = d
	}
	t.conn.SetWriteDeadline(deadline)
	if err := t.conn.WriteJSON(action); err != nil {
		return fmt.Errorf("write action: %w", err)
	}
	return nil
}

func (t *PushTransport) Events() <-chan TransportEvent { return t.events }

func (t *PushTransport) Close() error {
	t.closeOnce.Do(func() {
		close(t.closed)
		if t.conn != nil {
			t.conn.Close()
		}
	})
	return nil
}

// readLoop decodes inbound frames into transport events until the socket
// dies. A not_found/expired frame is terminal for this transport, not a
// generic error.
func (t *PushTransport) readLoop() {
	defer close(t.events)
	defer t.Close()

	for {
		_, data, err := t.conn.ReadMessage()
		if err != nil {
			select {
			case <-t.closed:
				t.emit(TransportEvent{Closed: true})
			default:
				t.emit(TransportEvent{Err: fmt.Errorf("read push stream: %w", err), Closed: true})
			}
			return
		}

		event, err := gateway.DecodeEvent(data)
		if err != nil {
			log.Debug().Err(err).Msg("dropping malformed push frame")
			continue
		}

		switch event.Type {
		case gateway.EventConnected:
			// Greeting only.
		case gateway.EventSessionUpdate:
			snap, err := gateway.DecodeSnapshot(event)
			if err != nil {
				t.emit(TransportEvent{Err: err})
				continue
			}
			t.emit(TransportEvent{Snapshot: &snap})
		case gateway.EventHeartbeatAck:
			select {
			case t.acks <- struct{}{}:
			default:
			}
		case gateway.EventNotFound, gateway.EventExpired:
			t.emit(TransportEvent{Terminal: true, Err: ErrSessionGone})
			return
		case gateway.EventError:
			t.emit(TransportEvent{Err: fmt.Errorf("server reported transport error")})
		default:
			log.Debug().Str("type", string(event.Type)).Msg("ignoring unknown frame type")
		}
	}
}

// emit never blocks; under backpressure the oldest queued event is dropped
// in favor of the newer one, since only latest-state convergence matters.
func (t *PushTransport) emit(ev TransportEvent) {
	for {
		select {
		case t.events <- ev:
			return
		default:
			select {
			case <-t.events:
			default:
			}
		}
	}
}

func (t *PushTransport) streamURL() (string, error) {
	u, err := url.Parse(t.serverURL)
	if err != nil {
		return "", fmt.Errorf("parse server url: %w", err)
	}
	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	u.Path = "/ws/session"
	q := u.Query()
	q.Set("sessionId", t.sessionID)
	q.Set("userId", t.userID)
	u.RawQuery = q.Encode()
	return u.String(), nil
}
