package registry

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
)

type fakeConn struct {
	id     string
	userID string

	mu     sync.Mutex
	sent   [][]byte
	sendOK bool
	closed chan struct{}
	once   sync.Once
}

func newFakeConn(id, userID string) *fakeConn {
	return &fakeConn{id: id, userID: userID, sendOK: true, closed: make(chan struct{})}
}

func (f *fakeConn) ID() string            { return f.id }
func (f *fakeConn) UserID() string        { return f.userID }
func (f *fakeConn) TransportKind() string { return "fake" }

func (f *fakeConn) Send(msg []byte) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.sendOK {
		return false
	}
	f.sent = append(f.sent, msg)
	return true
}

func (f *fakeConn) Close() {
	f.once.Do(func() { close(f.closed) })
}

func (f *fakeConn) isClosed() bool {
	select {
	case <-f.closed:
		return true
	default:
		return false
	}
}

func TestAttachDetach(t *testing.T) {
	r := NewRegistry(0, nil)
	c := newFakeConn("c1", "alice")

	if err := r.Attach("s1", c, time.Minute); err != nil {
		t.Fatalf("attach failed: %v", err)
	}
	if got := r.CountFor("s1"); got != 1 {
		t.Fatalf("expected 1 connection, got %d", got)
	}
	if _, ok := r.RecordFor("s1", "c1"); !ok {
		t.Fatal("record missing after attach")
	}

	r.Detach("s1", "c1")
	if got := r.CountFor("s1"); got != 0 {
		t.Fatalf("expected 0 connections after detach, got %d", got)
	}

	// Unknown detach is a no-op.
	r.Detach("s1", "c1")
	r.Detach("nope", "c1")
}

func TestAttachCapacity(t *testing.T) {
	fc := clockwork.NewFakeClock()
	r := NewRegistry(2, fc)

	c1 := newFakeConn("c1", "alice")
	c2 := newFakeConn("c2", "bob")
	c3 := newFakeConn("c3", "carol")

	if err := r.Attach("s1", c1, time.Minute); err != nil {
		t.Fatalf("attach c1 failed: %v", err)
	}
	if err := r.Attach("s1", c2, time.Minute); err != nil {
		t.Fatalf("attach c2 failed: %v", err)
	}
	if err := r.Attach("s1", c3, time.Minute); !errors.Is(err, ErrCapacityExceeded) {
		t.Fatalf("expected ErrCapacityExceeded, got %v", err)
	}

	// Once the existing connections go silent past staleAfter, the attach
	// sweeps them out and succeeds.
	fc.Advance(2 * time.Minute)
	if err := r.Attach("s1", c3, time.Minute); err != nil {
		t.Fatalf("attach after sweep failed: %v", err)
	}
	if !c1.isClosed() || !c2.isClosed() {
		t.Fatal("stale connections not closed by sweep")
	}
	if got := r.CountFor("s1"); got != 1 {
		t.Fatalf("expected 1 connection after sweep, got %d", got)
	}
}

func TestAttachAfterFullSweepStaysRegistered(t *testing.T) {
	fc := clockwork.NewFakeClock()
	r := NewRegistry(1, fc)

	old := newFakeConn("c1", "alice")
	r.Attach("s1", old, time.Minute)
	fc.Advance(2 * time.Minute)

	// The sweep empties the session entirely; the fresh attach must still
	// land in the live registry, not a dropped map.
	fresh := newFakeConn("c2", "bob")
	if err := r.Attach("s1", fresh, time.Minute); err != nil {
		t.Fatalf("attach after full sweep failed: %v", err)
	}
	if got := r.CountFor("s1"); got != 1 {
		t.Fatalf("fresh connection orphaned, count=%d", got)
	}
	if _, ok := r.RecordFor("s1", "c2"); !ok {
		t.Fatal("fresh connection has no record after sweep")
	}
	if sent := r.Broadcast("s1", []byte("x")); sent != 1 {
		t.Fatalf("broadcast missed fresh connection, sent=%d", sent)
	}
}

func TestCapacityIsPerSession(t *testing.T) {
	r := NewRegistry(1, nil)

	if err := r.Attach("s1", newFakeConn("c1", "alice"), time.Minute); err != nil {
		t.Fatalf("attach failed: %v", err)
	}
	if err := r.Attach("s2", newFakeConn("c2", "bob"), time.Minute); err != nil {
		t.Fatalf("independent session blocked by another session's cap: %v", err)
	}
}

func TestBroadcastClosesFullBuffers(t *testing.T) {
	r := NewRegistry(0, nil)

	healthy := newFakeConn("c1", "alice")
	stuck := newFakeConn("c2", "bob")
	stuck.sendOK = false

	r.Attach("s1", healthy, time.Minute)
	r.Attach("s1", stuck, time.Minute)

	sent := r.Broadcast("s1", []byte("hello"))
	if sent != 1 {
		t.Fatalf("expected 1 successful send, got %d", sent)
	}
	if !stuck.isClosed() {
		t.Fatal("stuck connection not closed")
	}
	if got := r.CountFor("s1"); got != 1 {
		t.Fatalf("stuck connection not detached, count=%d", got)
	}
	if len(healthy.sent) != 1 || string(healthy.sent[0]) != "hello" {
		t.Fatalf("healthy connection did not receive payload: %v", healthy.sent)
	}
}

func TestMarkHeartbeat(t *testing.T) {
	fc := clockwork.NewFakeClock()
	r := NewRegistry(0, fc)
	r.Attach("s1", newFakeConn("c1", "alice"), time.Minute)

	fc.Advance(10 * time.Second)
	if !r.MarkHeartbeat("s1", "c1") {
		t.Fatal("heartbeat on live connection rejected")
	}
	rec, ok := r.RecordFor("s1", "c1")
	if !ok {
		t.Fatal("record missing")
	}
	if !rec.LastHeartbeatAt.Equal(fc.Now()) {
		t.Fatalf("heartbeat timestamp not advanced: %v", rec.LastHeartbeatAt)
	}

	if r.MarkHeartbeat("s1", "ghost") {
		t.Fatal("heartbeat on unknown connection accepted")
	}
}

func TestSweepRemovesOnlyStale(t *testing.T) {
	fc := clockwork.NewFakeClock()
	r := NewRegistry(0, fc)

	old := newFakeConn("c1", "alice")
	fresh := newFakeConn("c2", "bob")
	r.Attach("s1", old, 0)
	fc.Advance(90 * time.Second)
	r.Attach("s1", fresh, 0)

	if removed := r.Sweep("s1", time.Minute); removed != 1 {
		t.Fatalf("expected 1 swept, got %d", removed)
	}
	if !old.isClosed() || fresh.isClosed() {
		t.Fatal("sweep closed the wrong connection")
	}
}

func TestStats(t *testing.T) {
	r := NewRegistry(0, nil)
	r.Attach("s1", newFakeConn("c1", "alice"), time.Minute)
	r.Attach("s1", newFakeConn("c2", "bob"), time.Minute)
	r.Attach("s2", newFakeConn("c3", "carol"), time.Minute)

	stats := r.Stats()
	if stats["total_connections"] != 3 {
		t.Fatalf("unexpected total: %v", stats["total_connections"])
	}
	if stats["active_sessions"] != 2 {
		t.Fatalf("unexpected session count: %v", stats["active_sessions"])
	}
}
