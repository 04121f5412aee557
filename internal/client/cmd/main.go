package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/pointdeck/pointdeck/internal/client"
	"github.com/pointdeck/pointdeck/internal/session"
)

// Demo client: subscribes to a session and prints every snapshot it
// receives while the hybrid orchestrator manages the transport.
func main() {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.DebugLevel)

	serverURL := getEnv("SERVER_URL", "http://localhost:8080")
	sessionID := getEnv("SESSION_ID", "")
	userID := getEnv("USER_ID", uuid.New().String())
	if sessionID == "" {
		log.Fatal().Msg("SESSION_ID is required")
	}

	dialer := &client.HTTPDialer{
		ServerURL: serverURL,
		SessionID: sessionID,
		UserID:    userID,
	}
	orch := client.NewOrchestrator(dialer, &printer{}, client.DefaultConfig(), nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
		<-sigChan
		orch.Close()
	}()

	if err := orch.Run(ctx); err != nil {
		log.Fatal().Err(err).Msg("orchestrator failed")
	}
}

type printer struct{}

func (p *printer) OnSnapshot(snap session.Snapshot) {
	log.Info().
		Str("session_id", snap.ID).
		Int("participants", len(snap.Participants)).
		Bool("revealed", snap.Revealed).
		Time("updated_at", snap.UpdatedAt).
		Msg("snapshot")
}

func (p *printer) OnStateChange(state client.State) {
	log.Info().Str("state", string(state)).Msg("connection state")
}

func (p *printer) OnSessionGone() {
	log.Warn().Msg("session not found or expired; rejoin required")
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
