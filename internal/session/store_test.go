package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/pointdeck/pointdeck/internal/kv"
)

func newTestStore(t *testing.T) (*Store, *clockwork.FakeClock, kv.Store) {
	t.Helper()
	fc := clockwork.NewFakeClock()
	sessions := kv.NewMemStore(DefaultSessionTTL, fc)
	locks := kv.NewMemStore(DefaultLockTTL, fc)
	return NewStore(sessions, locks, fc, StoreConfig{}), fc, locks
}

func TestCreateSession(t *testing.T) {
	ctx := context.Background()
	st, _, _ := newTestStore(t)

	s, err := st.Create(ctx, "room-1", "alice-id", "Alice")
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if len(s.Participants) != 1 {
		t.Fatalf("expected 1 participant, got %d", len(s.Participants))
	}
	if s.Participants[0].Name != "Alice" || s.Participants[0].Role != RoleHost {
		t.Fatalf("unexpected host participant: %+v", s.Participants[0])
	}
	if s.Revealed {
		t.Fatal("new session must not be revealed")
	}
	if s.HostID != "alice-id" {
		t.Fatalf("unexpected host id %q", s.HostID)
	}

	if _, err := st.Create(ctx, "room-1", "bob-id", "Bob"); !errors.Is(err, ErrExists) {
		t.Fatalf("expected ErrExists, got %v", err)
	}
}

func TestGetMissingSession(t *testing.T) {
	st, _, _ := newTestStore(t)
	if _, err := st.Get(context.Background(), "nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestJoinAndVoteMasking(t *testing.T) {
	ctx := context.Background()
	st, _, _ := newTestStore(t)

	if _, err := st.Create(ctx, "room-1", "alice", "Alice"); err != nil {
		t.Fatalf("create failed: %v", err)
	}
	res, err := st.Join(ctx, "room-1", "bob", "Bob", RoleAttendance)
	if err != nil || res.Denied {
		t.Fatalf("join failed: %v denied=%v", err, res.Denied)
	}
	if len(res.Session.Participants) != 2 {
		t.Fatalf("expected 2 participants, got %d", len(res.Session.Participants))
	}

	res, err = st.Vote(ctx, "room-1", "bob", "5")
	if err != nil || res.Denied {
		t.Fatalf("vote failed: %v denied=%v", err, res.Denied)
	}

	// Bob sees his own vote; Alice sees only hasVoted until reveal.
	bobView := res.Session.Snapshot("bob")
	aliceView := res.Session.Snapshot("alice")
	var bobInBob, bobInAlice ParticipantSnapshot
	for _, p := range bobView.Participants {
		if p.ID == "bob" {
			bobInBob = p
		}
	}
	for _, p := range aliceView.Participants {
		if p.ID == "bob" {
			bobInAlice = p
		}
	}
	if !bobInBob.HasVoted || bobInBob.Vote == nil || *bobInBob.Vote != "5" {
		t.Fatalf("bob cannot see own vote: %+v", bobInBob)
	}
	if !bobInAlice.HasVoted || bobInAlice.Vote != nil {
		t.Fatalf("bob's vote leaked before reveal: %+v", bobInAlice)
	}
}

func TestGuestCannotVote(t *testing.T) {
	ctx := context.Background()
	st, _, _ := newTestStore(t)

	st.Create(ctx, "room-1", "alice", "Alice")
	st.Join(ctx, "room-1", "gus", "Gus", RoleGuest)

	res, err := st.Vote(ctx, "room-1", "gus", "5")
	if err != nil {
		t.Fatalf("vote errored: %v", err)
	}
	if !res.Denied {
		t.Fatal("guest vote must be denied")
	}
	if res.Session.participant("gus").HasVoted() {
		t.Fatal("guest must not hold a vote")
	}
}

func TestVoteOutsideTemplateDenied(t *testing.T) {
	ctx := context.Background()
	st, _, _ := newTestStore(t)

	st.Create(ctx, "room-1", "alice", "Alice")
	res, err := st.Vote(ctx, "room-1", "alice", "999")
	if err != nil {
		t.Fatalf("vote errored: %v", err)
	}
	if !res.Denied {
		t.Fatal("off-template vote must be denied")
	}
}

func TestRevealBeforeAllVotedIsNoOp(t *testing.T) {
	ctx := context.Background()
	st, _, _ := newTestStore(t)

	st.Create(ctx, "room-1", "alice", "Alice")
	st.Join(ctx, "room-1", "bob", "Bob", RoleAttendance)
	st.Vote(ctx, "room-1", "bob", "5")

	// Alice has not voted yet, so reveal stays down.
	res, err := st.Reveal(ctx, "room-1", "alice")
	if err != nil {
		t.Fatalf("reveal errored: %v", err)
	}
	if !res.Denied || res.Session.Revealed {
		t.Fatalf("reveal before all voted must be a no-op: denied=%v revealed=%v", res.Denied, res.Session.Revealed)
	}

	st.Vote(ctx, "room-1", "alice", "8")
	res, err = st.Reveal(ctx, "room-1", "alice")
	if err != nil || res.Denied {
		t.Fatalf("reveal failed: %v denied=%v", err, res.Denied)
	}
	if !res.Session.Revealed {
		t.Fatal("reveal did not take effect")
	}
}

func TestNonHostControlActionsDenied(t *testing.T) {
	ctx := context.Background()
	st, _, _ := newTestStore(t)

	st.Create(ctx, "room-1", "alice", "Alice")
	st.Join(ctx, "room-1", "bob", "Bob", RoleAttendance)
	st.Vote(ctx, "room-1", "alice", "5")
	st.Vote(ctx, "room-1", "bob", "5")

	if res, _ := st.Reveal(ctx, "room-1", "bob"); !res.Denied {
		t.Fatal("non-host reveal must be denied")
	}
	if res, _ := st.Reset(ctx, "room-1", "bob"); !res.Denied {
		t.Fatal("non-host reset must be denied")
	}
	if res, _ := st.ChangeTemplate(ctx, "room-1", "bob", Template{Cards: []string{"1"}}); !res.Denied {
		t.Fatal("non-host template change must be denied")
	}
}

func TestResetClearsVotesAndReveal(t *testing.T) {
	ctx := context.Background()
	st, _, _ := newTestStore(t)

	st.Create(ctx, "room-1", "alice", "Alice")
	st.Vote(ctx, "room-1", "alice", "5")
	st.Reveal(ctx, "room-1", "alice")

	res, err := st.Reset(ctx, "room-1", "alice")
	if err != nil || res.Denied {
		t.Fatalf("reset failed: %v denied=%v", err, res.Denied)
	}
	if res.Session.Revealed {
		t.Fatal("reset must clear revealed")
	}
	for _, p := range res.Session.Participants {
		if p.HasVoted() {
			t.Fatalf("reset left a vote on %s", p.ID)
		}
	}
}

func TestChangeTemplateStartsFreshRound(t *testing.T) {
	ctx := context.Background()
	st, _, _ := newTestStore(t)

	st.Create(ctx, "room-1", "alice", "Alice")
	st.Vote(ctx, "room-1", "alice", "5")

	res, err := st.ChangeTemplate(ctx, "room-1", "alice", Template{Name: "tshirt", Cards: []string{"S", "M", "L"}})
	if err != nil || res.Denied {
		t.Fatalf("template change failed: %v denied=%v", err, res.Denied)
	}
	if res.Session.Template.Name != "tshirt" {
		t.Fatalf("template not applied: %+v", res.Session.Template)
	}
	if res.Session.participant("alice").HasVoted() {
		t.Fatal("template change must clear votes")
	}
}

func TestLivenessPruningIsIdempotent(t *testing.T) {
	ctx := context.Background()
	st, fc, _ := newTestStore(t)

	st.Create(ctx, "room-1", "alice", "Alice")
	st.Join(ctx, "room-1", "bob", "Bob", RoleAttendance)

	// Keep Alice alive past the window; let Bob age out.
	fc.Advance(DefaultLivenessWindow / 2)
	st.Heartbeat(ctx, "room-1", "alice")
	fc.Advance(DefaultLivenessWindow/2 + time.Second)

	s, err := st.Get(ctx, "room-1")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if len(s.Participants) != 1 || s.Participants[0].ID != "alice" {
		t.Fatalf("expected only alice after pruning, got %+v", s.Participants)
	}

	// Pruning twice yields the same set.
	s2, err := st.Get(ctx, "room-1")
	if err != nil {
		t.Fatalf("second get failed: %v", err)
	}
	if len(s2.Participants) != 1 {
		t.Fatalf("pruning is not idempotent: %+v", s2.Participants)
	}
}

func TestHostSuccessionOnPrune(t *testing.T) {
	ctx := context.Background()
	st, fc, _ := newTestStore(t)

	st.Create(ctx, "room-1", "alice", "Alice")
	fc.Advance(DefaultLivenessWindow / 2)
	st.Join(ctx, "room-1", "bob", "Bob", RoleAttendance)
	st.Join(ctx, "room-1", "carol", "Carol", RoleAttendance)

	// Alice ages out; Bob joined first among attendance, so Bob becomes host.
	fc.Advance(DefaultLivenessWindow/2 + time.Second)
	res, err := st.Heartbeat(ctx, "room-1", "bob")
	if err != nil {
		t.Fatalf("heartbeat failed: %v", err)
	}
	s := res.Session
	if s.HostID != "bob" {
		t.Fatalf("expected bob as successor host, got %q", s.HostID)
	}
	if s.participant("bob").Role != RoleHost {
		t.Fatal("successor host role not updated")
	}
	assertRoleInvariant(t, s)
}

func TestLeaveTransfersHost(t *testing.T) {
	ctx := context.Background()
	st, _, _ := newTestStore(t)

	st.Create(ctx, "room-1", "alice", "Alice")
	st.Join(ctx, "room-1", "bob", "Bob", RoleAttendance)

	res, err := st.Leave(ctx, "room-1", "alice")
	if err != nil || res.Denied {
		t.Fatalf("leave failed: %v denied=%v", err, res.Denied)
	}
	if res.Session.HostID != "bob" {
		t.Fatalf("host not transferred on leave, host=%q", res.Session.HostID)
	}
	assertRoleInvariant(t, res.Session)
}

func TestLeaveLastVoterLeavesSessionHostless(t *testing.T) {
	ctx := context.Background()
	st, _, _ := newTestStore(t)

	st.Create(ctx, "room-1", "alice", "Alice")
	st.Join(ctx, "room-1", "gus", "Gus", RoleGuest)

	res, err := st.Leave(ctx, "room-1", "alice")
	if err != nil {
		t.Fatalf("leave failed: %v", err)
	}
	// No attendance successor: host-less, but the session is not deleted.
	if res.Session.HostID != "" {
		t.Fatalf("expected host-less session, host=%q", res.Session.HostID)
	}
	if _, err := st.Get(ctx, "room-1"); err != nil {
		t.Fatalf("host-less session must still resolve: %v", err)
	}
}

func TestTransferHost(t *testing.T) {
	ctx := context.Background()
	st, _, _ := newTestStore(t)

	st.Create(ctx, "room-1", "alice", "Alice")
	st.Join(ctx, "room-1", "bob", "Bob", RoleAttendance)

	if res, _ := st.TransferHost(ctx, "room-1", "bob", "bob"); !res.Denied {
		t.Fatal("non-host transfer must be denied")
	}

	res, err := st.TransferHost(ctx, "room-1", "alice", "bob")
	if err != nil || res.Denied {
		t.Fatalf("transfer failed: %v denied=%v", err, res.Denied)
	}
	s := res.Session
	if s.HostID != "bob" || s.participant("bob").Role != RoleHost || s.participant("alice").Role != RoleAttendance {
		t.Fatalf("transfer did not swap roles: %+v", s.Participants)
	}
	assertRoleInvariant(t, s)
}

func TestRoleInvariantAcrossOperations(t *testing.T) {
	ctx := context.Background()
	st, _, _ := newTestStore(t)

	st.Create(ctx, "room-1", "alice", "Alice")
	st.Join(ctx, "room-1", "bob", "Bob", RoleAttendance)
	st.Join(ctx, "room-1", "carol", "Carol", RoleAttendance)
	st.Vote(ctx, "room-1", "alice", "5")
	st.Vote(ctx, "room-1", "bob", "8")
	st.Vote(ctx, "room-1", "carol", "8")
	st.Reveal(ctx, "room-1", "alice")
	st.Reset(ctx, "room-1", "alice")
	st.TransferHost(ctx, "room-1", "alice", "carol")
	st.ChangeTemplate(ctx, "room-1", "carol", Template{Cards: []string{"1", "2"}})
	st.Leave(ctx, "room-1", "carol")

	s, err := st.Get(ctx, "room-1")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	assertRoleInvariant(t, s)
}

func TestUpdateFailsFastUnderContention(t *testing.T) {
	ctx := context.Background()
	st, _, locks := newTestStore(t)

	st.Create(ctx, "room-1", "alice", "Alice")

	// Simulate another writer holding the lease.
	if err := locks.Create(ctx, "lock:room-1", []byte("other-writer")); err != nil {
		t.Fatalf("seed lock failed: %v", err)
	}
	if _, err := st.Vote(ctx, "room-1", "alice", "5"); !errors.Is(err, ErrLockContention) {
		t.Fatalf("expected ErrLockContention, got %v", err)
	}

	// Lease released: the same input succeeds on retry.
	locks.Delete(ctx, "lock:room-1")
	if res, err := st.Vote(ctx, "room-1", "alice", "5"); err != nil || res.Denied {
		t.Fatalf("retry after contention failed: %v", err)
	}
}

func TestLockReleasedAfterUpdate(t *testing.T) {
	ctx := context.Background()
	st, _, locks := newTestStore(t)

	st.Create(ctx, "room-1", "alice", "Alice")
	st.Vote(ctx, "room-1", "alice", "5")

	// The lease must not linger after the critical section.
	if err := locks.Create(ctx, "lock:room-1", []byte("probe")); err != nil {
		t.Fatalf("lock still held after update: %v", err)
	}
}

func TestStalledWriterCannotCommitOrReleaseNewLease(t *testing.T) {
	ctx := context.Background()
	st, fc, locks := newTestStore(t)

	st.Create(ctx, "room-1", "alice", "Alice")

	// The writer stalls inside its critical section until its lease expires
	// and another writer takes the lock.
	_, err := st.Update(ctx, "room-1", func(s *Session) bool {
		fc.Advance(DefaultLockTTL + time.Second)
		if err := locks.Create(ctx, "lock:room-1", []byte("writer-b")); err != nil {
			t.Fatalf("expired lease not reacquirable: %v", err)
		}
		s.Revealed = true
		return false
	})
	if !errors.Is(err, ErrLockContention) {
		t.Fatalf("stalled writer committed, err=%v", err)
	}

	// The new holder's lease survives the stalled writer's deferred release.
	val, gerr := locks.Get(ctx, "lock:room-1")
	if gerr != nil || string(val) != "writer-b" {
		t.Fatalf("new holder's lease lost: %v %q", gerr, val)
	}

	// The stalled writer's transform was never persisted.
	s, gerr := st.Get(ctx, "room-1")
	if gerr != nil {
		t.Fatalf("get failed: %v", gerr)
	}
	if s.Revealed {
		t.Fatal("stalled writer's write overwrote the session")
	}
}

func TestExpiredLeaseWithoutSuccessorAbortsCommit(t *testing.T) {
	ctx := context.Background()
	st, fc, _ := newTestStore(t)

	st.Create(ctx, "room-1", "alice", "Alice")

	_, err := st.Update(ctx, "room-1", func(s *Session) bool {
		fc.Advance(DefaultLockTTL + time.Second)
		s.Revealed = true
		return false
	})
	if !errors.Is(err, ErrLockContention) {
		t.Fatalf("writer with an expired lease committed, err=%v", err)
	}
}

func TestConcurrentVotesAllLand(t *testing.T) {
	ctx := context.Background()
	fc := clockwork.NewFakeClock()
	sessions := kv.NewMemStore(DefaultSessionTTL, fc)
	locks := kv.NewMemStore(DefaultLockTTL, fc)
	st := NewStore(sessions, locks, fc, StoreConfig{})

	st.Create(ctx, "room-1", "alice", "Alice")
	users := []string{"u1", "u2", "u3", "u4", "u5", "u6", "u7", "u8"}
	for _, u := range users {
		if _, err := st.Join(ctx, "room-1", u, u, RoleAttendance); err != nil {
			t.Fatalf("join %s failed: %v", u, err)
		}
	}

	var wg sync.WaitGroup
	for _, u := range users {
		wg.Add(1)
		go func(user string) {
			defer wg.Done()
			// Contention is transient: retry with the same input.
			for {
				_, err := st.Vote(ctx, "room-1", user, "5")
				if err == nil {
					return
				}
				if !errors.Is(err, ErrLockContention) {
					t.Errorf("vote %s failed: %v", user, err)
					return
				}
			}
		}(u)
	}
	wg.Wait()

	s, err := st.Get(ctx, "room-1")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	for _, u := range users {
		p := s.participant(u)
		if p == nil || !p.HasVoted() {
			t.Fatalf("vote lost for %s", u)
		}
	}
}

func TestSessionExpiresWithoutHeartbeat(t *testing.T) {
	ctx := context.Background()
	st, fc, _ := newTestStore(t)

	st.Create(ctx, "room-1", "alice", "Alice")
	fc.Advance(DefaultSessionTTL + time.Second)

	if _, err := st.Get(ctx, "room-1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected expiry NotFound, got %v", err)
	}
}

func TestHeartbeatSlidesSessionTTL(t *testing.T) {
	ctx := context.Background()
	st, fc, _ := newTestStore(t)

	st.Create(ctx, "room-1", "alice", "Alice")
	for i := 0; i < 3; i++ {
		fc.Advance(DefaultSessionTTL / 2)
		if _, err := st.Heartbeat(ctx, "room-1", "alice"); err != nil {
			t.Fatalf("heartbeat %d failed: %v", i, err)
		}
	}
	if _, err := st.Get(ctx, "room-1"); err != nil {
		t.Fatalf("session expired despite heartbeats: %v", err)
	}
}

func assertRoleInvariant(t *testing.T, s *Session) {
	t.Helper()
	hosts := 0
	for _, p := range s.Participants {
		if p.Role == RoleHost {
			hosts++
			if s.HostID != p.ID {
				t.Fatalf("hostId %q does not match host participant %q", s.HostID, p.ID)
			}
		}
	}
	if hosts != 1 {
		t.Fatalf("expected exactly one host, got %d", hosts)
	}
}
