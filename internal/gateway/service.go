package gateway

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/pointdeck/pointdeck/internal/registry"
	"github.com/pointdeck/pointdeck/internal/session"
)

// Service routes client actions into the session store and pushes resulting
// state to every registered connection. It is the single broadcast point for
// both transports: poll writes land here too, so push clients see them.
type Service struct {
	store       *session.Store
	registry    *registry.Registry
	coordinator *registry.Coordinator
	clock       clockwork.Clock
}

// NewService wires the gateway over its collaborators.
func NewService(store *session.Store, reg *registry.Registry, coord *registry.Coordinator, clock clockwork.Clock) *Service {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Service{
		store:       store,
		registry:    reg,
		coordinator: coord,
		clock:       clock,
	}
}

// Store exposes the underlying session store for read paths.
func (s *Service) Store() *session.Store { return s.store }

// Registry exposes the connection registry for transport attach/detach.
func (s *Service) Registry() *registry.Registry { return s.registry }

// Coordinator exposes the heartbeat coordinator.
func (s *Service) Coordinator() *registry.Coordinator { return s.coordinator }

// Apply executes one action against a session and, when state changed,
// broadcasts the new snapshot to all connections. Heartbeats refresh liveness
// without broadcasting. Errors keep the store's semantics: ErrNotFound is
// terminal, ErrLockContention is retryable by the caller.
func (s *Service) Apply(ctx context.Context, sessionID string, action Action) (session.Result, error) {
	var (
		res session.Result
		err error
	)

	switch action.Type {
	case ActionJoin:
		var p JoinPayload
		if err := json.Unmarshal(action.Data, &p); err != nil {
			return session.Result{}, fmt.Errorf("join payload: %w", err)
		}
		res, err = s.store.Join(ctx, sessionID, action.UserID, p.Name, p.Role)

	case ActionVote:
		var p VotePayload
		if err := json.Unmarshal(action.Data, &p); err != nil {
			return session.Result{}, fmt.Errorf("vote payload: %w", err)
		}
		res, err = s.store.Vote(ctx, sessionID, action.UserID, p.Value)

	case ActionReveal:
		res, err = s.store.Reveal(ctx, sessionID, action.UserID)

	case ActionReset:
		res, err = s.store.Reset(ctx, sessionID, action.UserID)

	case ActionTemplateUpdate:
		var p TemplatePayload
		if err := json.Unmarshal(action.Data, &p); err != nil {
			return session.Result{}, fmt.Errorf("template payload: %w", err)
		}
		tmpl, perr := resolveTemplate(p)
		if perr != nil {
			return session.Result{}, perr
		}
		res, err = s.store.ChangeTemplate(ctx, sessionID, action.UserID, tmpl)

	case ActionHeartbeat:
		res, err = s.store.Heartbeat(ctx, sessionID, action.UserID)

	case ActionTransferHost:
		var p TransferPayload
		if err := json.Unmarshal(action.Data, &p); err != nil {
			return session.Result{}, fmt.Errorf("transfer payload: %w", err)
		}
		res, err = s.store.TransferHost(ctx, sessionID, action.UserID, p.ToUserID)

	case ActionLeave:
		res, err = s.store.Leave(ctx, sessionID, action.UserID)

	default:
		return session.Result{}, fmt.Errorf("unknown action type %q", action.Type)
	}

	if err != nil {
		return session.Result{}, err
	}

	if res.Denied {
		log.Debug().
			Str("session_id", sessionID).
			Str("user_id", action.UserID).
			Str("action", string(action.Type)).
			Msg("action denied, state unchanged")
	}

	// Heartbeats mutate only liveness metadata; everything else fans the new
	// state out to the session's connections.
	if action.Type != ActionHeartbeat && !res.Denied {
		s.BroadcastSession(res.Session)
	}
	return res, nil
}

// BroadcastSession pushes a personalized session_update to every live
// connection for the session. Vote masking depends on the viewer, so each
// connection gets its own rendering.
func (s *Service) BroadcastSession(sess *session.Session) {
	conns := s.registry.Connections(sess.ID)
	if len(conns) == 0 {
		return
	}

	now := s.clock.Now()
	sent := 0
	for _, conn := range conns {
		event, err := SnapshotEvent(sess.Snapshot(conn.UserID()), now)
		if err != nil {
			log.Error().Err(err).Str("session_id", sess.ID).Msg("failed to build snapshot event")
			return
		}
		data, err := event.Encode()
		if err != nil {
			log.Error().Err(err).Str("session_id", sess.ID).Msg("failed to encode snapshot event")
			return
		}
		if conn.Send(data) {
			sent++
			continue
		}
		log.Warn().
			Str("connection_id", conn.ID()).
			Str("session_id", sess.ID).
			Msg("send buffer full, closing connection")
		s.registry.Detach(sess.ID, conn.ID())
		conn.Close()
	}

	log.Debug().
		Str("session_id", sess.ID).
		Int("connections", sent).
		Msg("session state broadcast")
}

// BroadcastEvent fans a non-personalized event (expired, error) out to every
// connection in the session.
func (s *Service) BroadcastEvent(sessionID string, event *Event) {
	data, err := event.Encode()
	if err != nil {
		log.Error().Err(err).Str("session_id", sessionID).Msg("failed to encode event")
		return
	}
	s.registry.Broadcast(sessionID, data)
}

func resolveTemplate(p TemplatePayload) (session.Template, error) {
	if p.Preset != "" {
		tmpl, ok := session.PresetTemplate(p.Preset)
		if !ok {
			return session.Template{}, fmt.Errorf("unknown template preset %q", p.Preset)
		}
		return tmpl, nil
	}
	if len(p.Cards) == 0 {
		return session.Template{}, fmt.Errorf("template payload has no preset and no cards")
	}
	return session.Template{Cards: p.Cards}, nil
}
