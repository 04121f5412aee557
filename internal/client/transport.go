package client

import (
	"context"
	"errors"
	"time"

	"github.com/pointdeck/pointdeck/internal/gateway"
	"github.com/pointdeck/pointdeck/internal/session"
)

// TransportKind identifies the underlying channel.
type TransportKind string

const (
	TransportPush TransportKind = "push"
	TransportPoll TransportKind = "poll"
)

// ErrSessionGone means the server reported the session absent or expired.
// Terminal: a transport must not blindly reconnect after it, and the
// orchestrator escalates it to the application.
var ErrSessionGone = errors.New("session gone")

// ErrTransportClosed is returned for operations on a closed transport.
var ErrTransportClosed = errors.New("transport closed")

// TransportEvent is one item on a transport's event stream.
type TransportEvent struct {
	// Snapshot is set for session_update deliveries.
	Snapshot *session.Snapshot
	// Err is set for transport-level failures. These feed the reconnection
	// planner; they are never surfaced to the application directly.
	Err error
	// Terminal marks a session-gone condition (not_found/expired frame or
	// 404). The transport is unusable afterwards.
	Terminal bool
	// Closed marks the end of the stream.
	Closed bool
}

// Transport owns exactly one underlying channel: a push stream or a pull
// poll loop. The orchestrator holds at most one hot transport at a time.
type Transport interface {
	Kind() TransportKind

	// Connect establishes the channel. ErrSessionGone is terminal; any other
	// error is transport failure.
	Connect(ctx context.Context) error

	// Tick performs one liveness exchange: a heartbeat on the push stream, a
	// state read on the poll loop. Returns the observed round-trip time.
	Tick(ctx context.Context) (time.Duration, error)

	// Send submits a user action.
	Send(ctx context.Context, action gateway.Action) error

	// Events streams inbound snapshots and failures. The channel closes
	// after Close or a terminal event.
	Events() <-chan TransportEvent

	// Close tears the channel down. Idempotent.
	Close() error
}
