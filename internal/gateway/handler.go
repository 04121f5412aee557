package gateway

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/pointdeck/pointdeck/internal/registry"
	"github.com/pointdeck/pointdeck/internal/session"
)

// Handler serves the push-stream upgrade endpoint and the pull-poll REST
// endpoints over one Service.
type Handler struct {
	service  *Service
	upgrader websocket.Upgrader
	config   ConnectionConfig
	// staleAfter is the heartbeat age beyond which a connection counts as
	// dead during the capacity sweep.
	staleAfter time.Duration
}

// NewHandler builds the HTTP handler for both transports.
func NewHandler(service *Service, config ConnectionConfig) *Handler {
	return &Handler{
		service: service,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  config.ReadBufferSize,
			WriteBufferSize: config.WriteBufferSize,
			CheckOrigin:     config.CheckOrigin,
		},
		config:     config,
		staleAfter: time.Duration(float64(config.PingInterval) * 2.5),
	}
}

// RegisterRoutes registers all gateway routes on the mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /ws/session", h.HandleStream)
	mux.HandleFunc("POST /session", h.HandleCreateSession)
	mux.HandleFunc("GET /session/{id}", h.HandleGetSession)
	mux.HandleFunc("POST /session/{id}", h.HandlePostAction)
	mux.HandleFunc("GET /ws/stats", h.HandleStats)
	log.Info().Msg("gateway routes registered")
}

// HandleStream upgrades to the push stream. Registration rides on the
// sessionId and userId query parameters of the open request.
func (h *Handler) HandleStream(w http.ResponseWriter, r *http.Request) {
	sessionID := r.URL.Query().Get("sessionId")
	userID := r.URL.Query().Get("userId")
	if sessionID == "" || userID == "" {
		http.Error(w, "sessionId and userId are required", http.StatusBadRequest)
		return
	}

	// Reject before upgrading so the client sees a real HTTP status.
	sess, err := h.service.Store().Get(r.Context(), sessionID)
	if err != nil {
		if errors.Is(err, session.ErrNotFound) {
			http.Error(w, "session not found", http.StatusNotFound)
			return
		}
		http.Error(w, "failed to load session", http.StatusInternalServerError)
		return
	}

	conn := &wsConn{
		id:        uuid.New().String(),
		sessionID: sessionID,
		userID:    userID,
		send:      make(chan []byte, 256),
		service:   h.service,
		config:    h.config,
		closed:    make(chan struct{}),
	}

	if err := h.service.Registry().Attach(sessionID, conn, h.staleAfter); err != nil {
		if errors.Is(err, registry.ErrCapacityExceeded) {
			// Transient: the client should retry shortly, not give up on
			// the session.
			w.Header().Set("Retry-After", "2")
			http.Error(w, "session at connection capacity", http.StatusServiceUnavailable)
			return
		}
		http.Error(w, "failed to register connection", http.StatusInternalServerError)
		return
	}

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.service.Registry().Detach(sessionID, conn.id)
		log.Error().Err(err).Msg("websocket upgrade failed")
		return
	}
	conn.conn = ws

	go conn.writePump()
	go conn.readPump(context.Background())

	h.service.Coordinator().Watch(context.Background(), sessionID, conn)

	// Greet, then deliver the current state so the client has a snapshot
	// before its first poll/heartbeat tick.
	conn.sendEvent(&Event{
		Type:      EventConnected,
		SessionID: sessionID,
		UserID:    userID,
		Timestamp: time.Now(),
	})
	if event, err := SnapshotEvent(sess.Snapshot(userID), time.Now()); err == nil {
		conn.sendEvent(event)
	}

	log.Info().
		Str("connection_id", conn.id).
		Str("session_id", sessionID).
		Str("user_id", userID).
		Msg("push stream established")
}

// HandleStats reports live connection counts.
func (h *Handler) HandleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.service.Registry().Stats())
}
