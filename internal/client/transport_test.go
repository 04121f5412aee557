package client

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/pointdeck/pointdeck/internal/gateway"
	"github.com/pointdeck/pointdeck/internal/kv"
	"github.com/pointdeck/pointdeck/internal/registry"
	"github.com/pointdeck/pointdeck/internal/session"
)

func newGatewayServer(t *testing.T) (*httptest.Server, *session.Store) {
	t.Helper()
	store := session.NewStore(
		kv.NewMemStore(session.DefaultSessionTTL, nil),
		kv.NewMemStore(session.DefaultLockTTL, nil),
		nil, session.StoreConfig{})
	reg := registry.NewRegistry(0, nil)
	coord := registry.NewCoordinator(reg, nil, registry.DefaultCoordinatorConfig())
	svc := gateway.NewService(store, reg, coord, nil)

	mux := http.NewServeMux()
	gateway.NewHandler(svc, gateway.DefaultConnectionConfig()).RegisterRoutes(mux)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv, store
}

func nextTransportEvent(t *testing.T, tr Transport) TransportEvent {
	t.Helper()
	select {
	case ev, ok := <-tr.Events():
		if !ok {
			t.Fatal("event stream closed")
		}
		return ev
	case <-time.After(3 * time.Second):
		t.Fatal("no transport event")
		return TransportEvent{}
	}
}

func TestPollTransportDeliversSnapshots(t *testing.T) {
	ctx := context.Background()
	srv, store := newGatewayServer(t)
	store.Create(ctx, "room-1", "alice", "Alice")

	tr := NewPollTransport(srv.URL, "room-1", "alice", srv.Client())
	defer tr.Close()

	if err := tr.Connect(ctx); err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	ev := nextTransportEvent(t, tr)
	if ev.Snapshot == nil || ev.Snapshot.ID != "room-1" {
		t.Fatalf("unexpected event %+v", ev)
	}

	rtt, err := tr.Tick(ctx)
	if err != nil {
		t.Fatalf("tick failed: %v", err)
	}
	if rtt <= 0 {
		t.Fatalf("rtt = %v, want > 0", rtt)
	}
}

func TestPollTransportSessionGone(t *testing.T) {
	srv, _ := newGatewayServer(t)

	tr := NewPollTransport(srv.URL, "ghost", "alice", srv.Client())
	defer tr.Close()

	if err := tr.Connect(context.Background()); !errors.Is(err, ErrSessionGone) {
		t.Fatalf("expected ErrSessionGone, got %v", err)
	}
	ev := nextTransportEvent(t, tr)
	if !ev.Terminal {
		t.Fatalf("expected terminal event, got %+v", ev)
	}
}

func TestPollTransportSendReflectsOwnWrite(t *testing.T) {
	ctx := context.Background()
	srv, store := newGatewayServer(t)
	store.Create(ctx, "room-1", "alice", "Alice")

	tr := NewPollTransport(srv.URL, "room-1", "alice", srv.Client())
	defer tr.Close()
	if err := tr.Connect(ctx); err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	nextTransportEvent(t, tr)

	data, err := marshalPayload(gateway.VotePayload{Value: "5"})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if err := tr.Send(ctx, gateway.Action{Type: gateway.ActionVote, UserID: "alice", Data: data}); err != nil {
		t.Fatalf("send failed: %v", err)
	}

	// The response snapshot lands on the event stream immediately, without
	// waiting for the next tick.
	ev := nextTransportEvent(t, tr)
	if ev.Snapshot == nil {
		t.Fatalf("expected snapshot event, got %+v", ev)
	}
	if ev.Snapshot.Participants[0].Vote == nil || *ev.Snapshot.Participants[0].Vote != "5" {
		t.Fatalf("own write not reflected: %+v", ev.Snapshot.Participants[0])
	}
}

func TestPollTransportClosed(t *testing.T) {
	srv, _ := newGatewayServer(t)
	tr := NewPollTransport(srv.URL, "room-1", "alice", srv.Client())
	tr.Close()

	if _, err := tr.Tick(context.Background()); !errors.Is(err, ErrTransportClosed) {
		t.Fatalf("expected ErrTransportClosed, got %v", err)
	}
	if err := tr.Send(context.Background(), gateway.Action{Type: gateway.ActionVote}); !errors.Is(err, ErrTransportClosed) {
		t.Fatalf("expected ErrTransportClosed, got %v", err)
	}
}

func TestPollTransportCloseDuringDelivery(t *testing.T) {
	// Tick and Send deliver on caller goroutines, so tearing the transport
	// down while deliveries are in flight must not panic.
	for i := 0; i < 50; i++ {
		tr := NewPollTransport("http://localhost", "room-1", "alice", nil)

		var wg sync.WaitGroup
		for g := 0; g < 4; g++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for j := 0; j < 100; j++ {
					tr.emit(TransportEvent{Snapshot: &session.Snapshot{ID: "room-1"}})
				}
			}()
		}
		tr.Close()
		wg.Wait()
	}
}

func TestPushTransportStreamAndHeartbeat(t *testing.T) {
	ctx := context.Background()
	srv, store := newGatewayServer(t)
	store.Create(ctx, "room-1", "alice", "Alice")

	tr := NewPushTransport(srv.URL, "room-1", "alice")
	defer tr.Close()

	if err := tr.Connect(ctx); err != nil {
		t.Fatalf("connect failed: %v", err)
	}

	// The server greets with the current state.
	ev := nextTransportEvent(t, tr)
	if ev.Snapshot == nil || ev.Snapshot.ID != "room-1" {
		t.Fatalf("unexpected first event %+v", ev)
	}

	tctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	rtt, err := tr.Tick(tctx)
	if err != nil {
		t.Fatalf("heartbeat tick failed: %v", err)
	}
	if rtt <= 0 {
		t.Fatalf("rtt = %v, want > 0", rtt)
	}
}

func TestPushTransportSessionGoneOnDial(t *testing.T) {
	srv, _ := newGatewayServer(t)

	tr := NewPushTransport(srv.URL, "ghost", "alice")
	defer tr.Close()

	if err := tr.Connect(context.Background()); !errors.Is(err, ErrSessionGone) {
		t.Fatalf("expected ErrSessionGone, got %v", err)
	}
}

func TestPushTransportTerminalOnVanishedSession(t *testing.T) {
	ctx := context.Background()
	srv, store := newGatewayServer(t)
	store.Create(ctx, "room-1", "alice", "Alice")

	tr := NewPushTransport(srv.URL, "room-1", "alice")
	defer tr.Close()
	if err := tr.Connect(ctx); err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	nextTransportEvent(t, tr)

	// The session disappears out from under the open stream; the next write
	// surfaces a not_found frame, which is terminal.
	if err := store.Delete(ctx, "room-1"); err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	data, _ := marshalPayload(gateway.VotePayload{Value: "5"})
	if err := tr.Send(ctx, gateway.Action{Type: gateway.ActionVote, UserID: "alice", Data: data}); err != nil {
		t.Fatalf("send failed: %v", err)
	}

	deadline := time.After(3 * time.Second)
	for {
		select {
		case ev, ok := <-tr.Events():
			if !ok {
				t.Fatal("stream closed without a terminal event")
			}
			if ev.Terminal {
				if !errors.Is(ev.Err, ErrSessionGone) {
					t.Fatalf("terminal event err = %v, want ErrSessionGone", ev.Err)
				}
				return
			}
		case <-deadline:
			t.Fatal("terminal event never arrived")
		}
	}
}
