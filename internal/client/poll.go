package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/pointdeck/pointdeck/internal/gateway"
	"github.com/pointdeck/pointdeck/internal/session"
)

// PollTransport is the fallback channel: periodic state reads and direct
// action writes over plain HTTP. The orchestrator drives the period; each
// Tick is one read.
type PollTransport struct {
	serverURL string
	sessionID string
	userID    string
	client    *http.Client

	// mu serializes emit against Close: Tick and Send run on caller
	// goroutines, so the events channel must not be closed mid-emit.
	mu        sync.Mutex
	events    chan TransportEvent
	closeOnce sync.Once
	closed    chan struct{}
}

// NewPollTransport builds a poll transport. httpClient may be nil for the
// default client.
func NewPollTransport(serverURL, sessionID, userID string, httpClient *http.Client) *PollTransport {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &PollTransport{
		serverURL: serverURL,
		sessionID: sessionID,
		userID:    userID,
		client:    httpClient,
		events:    make(chan TransportEvent, 16),
		closed:    make(chan struct{}),
	}
}

func (t *PollTransport) Kind() TransportKind { return TransportPoll }

// Connect verifies the session is reachable with one initial read.
func (t *PollTransport) Connect(ctx context.Context) error {
	_, err := t.Tick(ctx)
	return err
}

// Tick issues one read of current state and delivers the snapshot on the
// event stream. A 404 is terminal; any other failure is a transport error
// counted by the caller.
func (t *PollTransport) Tick(ctx context.Context) (time.Duration, error) {
	select {
	case <-t.closed:
		return 0, ErrTransportClosed
	default:
	}

	u := fmt.Sprintf("%s/session/%s?userId=%s", t.serverURL, t.sessionID, t.userID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return 0, fmt.Errorf("build poll request: %w", err)
	}

	start := time.Now()
	resp, err := t.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("poll: %w", err)
	}
	defer resp.Body.Close()
	rtt := time.Since(start)

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		t.emit(TransportEvent{Terminal: true, Err: ErrSessionGone})
		return rtt, ErrSessionGone
	default:
		return rtt, fmt.Errorf("poll: unexpected status %d", resp.StatusCode)
	}

	var snap session.Snapshot
	if err := json.NewDecoder(resp.Body).Decode(&snap); err != nil {
		return rtt, fmt.Errorf("decode poll snapshot: %w", err)
	}
	t.emit(TransportEvent{Snapshot: &snap})
	return rtt, nil
}

// Send posts one user action. The updated snapshot in the response is
// delivered on the event stream, so a poll client sees its own writes
// without waiting for the next tick.
func (t *PollTransport) Send(ctx context.Context, action gateway.Action) error {
	select {
	case <-t.closed:
		return ErrTransportClosed
	default:
	}

	body, err := json.Marshal(action)
	if err != nil {
		return fmt.Errorf("marshal action: %w", err)
	}

	u := fmt.Sprintf("%s/session/%s", t.serverURL, t.sessionID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build action request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("post action: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		t.emit(TransportEvent{Terminal: true, Err: ErrSessionGone})
		return ErrSessionGone
	case http.StatusConflict:
		return fmt.Errorf("post action: session busy")
	default:
		return fmt.Errorf("post action: unexpected status %d", resp.StatusCode)
	}

	var snap session.Snapshot
	if err := json.NewDecoder(resp.Body).Decode(&snap); err != nil {
		return fmt.Errorf("decode action snapshot: %w", err)
	}
	t.emit(TransportEvent{Snapshot: &snap})
	return nil
}

func (t *PollTransport) Events() <-chan TransportEvent { return t.events }

func (t *PollTransport) Close() error {
	t.closeOnce.Do(func() {
		t.mu.Lock()
		close(t.closed)
		close(t.events)
		t.mu.Unlock()
	})
	return nil
}

// emit never blocks; stale queued snapshots yield to newer ones.
func (t *PollTransport) emit(ev TransportEvent) {
	t.mu.Lock()
	defer t.mu.Unlock()

	select {
	case <-t.closed:
		return
	default:
	}
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
