package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/pointdeck/pointdeck/internal/kv"
)

const (
	// DefaultLivenessWindow is how long a participant may go without a
	// heartbeat before being pruned.
	DefaultLivenessWindow = 120 * time.Second

	// DefaultSessionTTL is the sliding expiry on the session key itself.
	DefaultSessionTTL = 3600 * time.Second

	// DefaultLockTTL bounds how long a crashed writer can block a session.
	DefaultLockTTL = 5 * time.Second
)

// Transform mutates a session in place under the session's lease lock. It
// returns true when the caller lacked authority for the mutation; the session
// is then persisted unchanged (advisory permissions, not an error).
type Transform func(s *Session) (denied bool)

// Result is the outcome of an update. Denied reports that the transform was
// an authority no-op; Session is the state after the update either way.
type Result struct {
	Session *Session
	Denied  bool
}

// StoreConfig tunes the store's expiry behavior.
type StoreConfig struct {
	LivenessWindow time.Duration
}

// Store is the authoritative session store. All mutations run through
// Update's lease-locked read-modify-write cycle; different sessions never
// contend. The store never retries lock contention internally; that is the
// caller's decision.
type Store struct {
	sessions kv.Store
	locks    kv.Store
	clock    clockwork.Clock
	liveness time.Duration
}

// NewStore builds a store over the given key-value backends. The sessions
// backend should carry the long sliding TTL, the locks backend the short
// lease TTL.
func NewStore(sessions, locks kv.Store, clock clockwork.Clock, cfg StoreConfig) *Store {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	liveness := cfg.LivenessWindow
	if liveness <= 0 {
		liveness = DefaultLivenessWindow
	}
	return &Store{
		sessions: sessions,
		locks:    locks,
		clock:    clock,
		liveness: liveness,
	}
}

func sessionKey(id string) string { return "session:" + id }
func lockKey(id string) string    { return "lock:" + id }

// Create initializes a new session with the given host. Fails with ErrExists
// if the id is already taken.
func (st *Store) Create(ctx context.Context, id, hostUserID, hostName string) (*Session, error) {
	if id == "" {
		id = uuid.New().String()
	}
	now := st.clock.Now()
	s := &Session{
		ID: id,
		Participants: []Participant{{
			ID:       hostUserID,
			Name:     hostName,
			Role:     RoleHost,
			JoinedAt: now,
			LastSeen: now,
		}},
		HostID:    hostUserID,
		Template:  DefaultTemplate(),
		CreatedAt: now,
		UpdatedAt: now,
	}

	data, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("marshal session: %w", err)
	}
	if err := st.sessions.Create(ctx, sessionKey(id), data); err != nil {
		if errors.Is(err, kv.ErrKeyExists) {
			return nil, ErrExists
		}
		return nil, err
	}

	log.Info().
		Str("session_id", id).
		Str("host_id", hostUserID).
		Msg("session created")
	return s, nil
}

// Get reads the session and applies pruning. When pruning actually changed
// the member set, a best-effort locked rewrite persists the smaller set;
// contention on that rewrite is ignored so hot polling never blocks on it.
func (st *Store) Get(ctx context.Context, id string) (*Session, error) {
	s, err := st.read(ctx, id)
	if err != nil {
		return nil, err
	}
	if removed := s.prune(st.clock.Now(), st.liveness); removed > 0 {
		if _, err := st.Update(ctx, id, func(*Session) bool { return false }); err != nil && !errors.Is(err, ErrLockContention) {
			log.Warn().Err(err).Str("session_id", id).Msg("prune rewrite failed")
		}
	}
	return s, nil
}

// Update runs fn inside the session's lease-locked critical section:
// acquire lock, re-read, prune, transform, persist with refreshed TTL,
// release. Lock contention fails fast with ErrLockContention.
func (st *Store) Update(ctx context.Context, id string, fn Transform) (Result, error) {
	holder := uuid.New().String()
	if err := st.locks.Create(ctx, lockKey(id), []byte(holder)); err != nil {
		if errors.Is(err, kv.ErrKeyExists) {
			return Result{}, ErrLockContention
		}
		return Result{}, fmt.Errorf("acquire lock: %w", err)
	}
	// Released on every path so a failed transform cannot wedge the session
	// until the lease expires. Release is compare-and-delete: if our lease
	// expired and another writer took the lock, theirs must survive.
	defer func() {
		rctx := context.WithoutCancel(ctx)
		val, err := st.locks.Get(rctx, lockKey(id))
		if err != nil {
			if !errors.Is(err, kv.ErrKeyNotFound) {
				log.Warn().Err(err).Str("session_id", id).Msg("lock release read failed")
			}
			return
		}
		if string(val) != holder {
			log.Warn().Str("session_id", id).Msg("lease expired under writer, leaving current lock")
			return
		}
		if err := st.locks.Delete(rctx, lockKey(id)); err != nil {
			log.Warn().Err(err).Str("session_id", id).Msg("lock release failed")
		}
	}()

	s, err := st.read(ctx, id)
	if err != nil {
		return Result{}, err
	}

	now := st.clock.Now()
	pruned := s.prune(now, st.liveness)
	denied := fn(s)
	if !denied || pruned > 0 {
		s.UpdatedAt = now
	}

	data, err := json.Marshal(s)
	if err != nil {
		return Result{}, fmt.Errorf("marshal session: %w", err)
	}
	// A writer that stalled past its lease no longer holds exclusivity;
	// committing would overwrite the current holder's write.
	if err := st.verifyLease(ctx, id, holder); err != nil {
		return Result{}, err
	}
	if err := st.sessions.Put(ctx, sessionKey(id), data); err != nil {
		return Result{}, fmt.Errorf("persist session: %w", err)
	}
	return Result{Session: s, Denied: denied}, nil
}

// verifyLease confirms the lock is still held by this writer.
func (st *Store) verifyLease(ctx context.Context, id, holder string) error {
	val, err := st.locks.Get(ctx, lockKey(id))
	if err != nil {
		if errors.Is(err, kv.ErrKeyNotFound) {
			return ErrLockContention
		}
		return fmt.Errorf("verify lock: %w", err)
	}
	if string(val) != holder {
		return ErrLockContention
	}
	return nil
}

// Delete removes a session outright.
func (st *Store) Delete(ctx context.Context, id string) error {
	return st.sessions.Delete(ctx, sessionKey(id))
}

func (st *Store) read(ctx context.Context, id string) (*Session, error) {
	data, err := st.sessions.Get(ctx, sessionKey(id))
	if err != nil {
		if errors.Is(err, kv.ErrKeyNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	var s Session
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("unmarshal session %s: %w", id, err)
	}
	return &s, nil
}

// Join adds a participant, or refreshes name and liveness for a returning
// one. Joining a host-less session as a voter promotes the joiner to host so
// the session regains control authority.
func (st *Store) Join(ctx context.Context, id, userID, name string, role Role) (Result, error) {
	if role != RoleHost && role != RoleAttendance && role != RoleGuest {
		role = RoleAttendance
	}
	return st.Update(ctx, id, func(s *Session) bool {
		now := st.clock.Now()
		if p := s.participant(userID); p != nil {
			p.Name = name
			p.LastSeen = now
			return false
		}
		// Only one host per session; a second host joins as attendance.
		if role == RoleHost && s.HostID != "" {
			role = RoleAttendance
		}
		s.Participants = append(s.Participants, Participant{
			ID:       userID,
			Name:     name,
			Role:     role,
			JoinedAt: now,
			LastSeen: now,
		})
		if s.HostID == "" {
			s.electHost()
		}
		return false
	})
}

// Vote records a vote for userID. Denied for guests, unknown participants,
// cards not in the template, or while votes are revealed.
func (st *Store) Vote(ctx context.Context, id, userID, value string) (Result, error) {
	return st.Update(ctx, id, func(s *Session) bool {
		p := s.participant(userID)
		if p == nil || !p.Role.CanVote() {
			return true
		}
		p.LastSeen = st.clock.Now()
		if s.Revealed || !s.Template.Contains(value) {
			return true
		}
		v := value
		p.Vote = &v
		return false
	})
}

// Reveal turns votes face-up. Host only, and only once every vote-eligible
// participant has voted.
func (st *Store) Reveal(ctx context.Context, id, userID string) (Result, error) {
	return st.Update(ctx, id, func(s *Session) bool {
		if s.HostID != userID {
			return true
		}
		if p := s.participant(userID); p != nil {
			p.LastSeen = st.clock.Now()
		}
		if !s.allVotesIn() {
			return true
		}
		s.Revealed = true
		return false
	})
}

// Reset clears all votes and the revealed flag for the next round. Host only.
func (st *Store) Reset(ctx context.Context, id, userID string) (Result, error) {
	return st.Update(ctx, id, func(s *Session) bool {
		if s.HostID != userID {
			return true
		}
		if p := s.participant(userID); p != nil {
			p.LastSeen = st.clock.Now()
		}
		s.clearVotes()
		return false
	})
}

// ChangeTemplate swaps the card template and starts a fresh round. Host only.
func (st *Store) ChangeTemplate(ctx context.Context, id, userID string, tmpl Template) (Result, error) {
	return st.Update(ctx, id, func(s *Session) bool {
		if s.HostID != userID || len(tmpl.Cards) == 0 {
			return true
		}
		if p := s.participant(userID); p != nil {
			p.LastSeen = st.clock.Now()
		}
		s.Template = tmpl
		s.clearVotes()
		return false
	})
}

// Heartbeat refreshes a participant's liveness and, via the write path, the
// session's own sliding TTL.
func (st *Store) Heartbeat(ctx context.Context, id, userID string) (Result, error) {
	return st.Update(ctx, id, func(s *Session) bool {
		p := s.participant(userID)
		if p == nil {
			return true
		}
		p.LastSeen = st.clock.Now()
		return false
	})
}

// TransferHost hands control to another voter. Current host only.
func (st *Store) TransferHost(ctx context.Context, id, fromUserID, toUserID string) (Result, error) {
	return st.Update(ctx, id, func(s *Session) bool {
		if s.HostID != fromUserID {
			return true
		}
		from := s.participant(fromUserID)
		to := s.participant(toUserID)
		if from == nil || to == nil || to.Role == RoleGuest {
			return true
		}
		from.Role = RoleAttendance
		from.LastSeen = st.clock.Now()
		to.Role = RoleHost
		s.HostID = toUserID
		return false
	})
}

// Leave removes a participant on deliberate disconnect. A leaving host hands
// off to the first remaining attendance participant by insertion order.
func (st *Store) Leave(ctx context.Context, id, userID string) (Result, error) {
	return st.Update(ctx, id, func(s *Session) bool {
		idx := -1
		for i := range s.Participants {
			if s.Participants[i].ID == userID {
				idx = i
				break
			}
		}
		if idx < 0 {
			return true
		}
		wasHost := s.HostID == userID
		s.Participants = append(s.Participants[:idx], s.Participants[idx+1:]...)
		if wasHost {
			s.electHost()
		}
		return false
	})
}
