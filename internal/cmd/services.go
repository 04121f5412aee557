package main

import (
	"context"
	"fmt"

	"github.com/jonboulle/clockwork"

	"github.com/pointdeck/pointdeck/internal/gateway"
	"github.com/pointdeck/pointdeck/internal/kv"
	"github.com/pointdeck/pointdeck/internal/registry"
	"github.com/pointdeck/pointdeck/internal/session"
)

// Services holds the wired-up application components. The store instance is
// constructed here and passed down explicitly; there is no package-level
// singleton.
type Services struct {
	Store    *session.Store
	Registry *registry.Registry
	Gateway  *gateway.Service
	Handler  *gateway.Handler

	natsStores []*kv.NATSStore
}

func setupServices(ctx context.Context, cfg Config) (*Services, error) {
	clock := clockwork.NewRealClock()

	for name, cards := range cfg.Templates {
		session.RegisterPreset(name, cards)
	}

	// Storage layer → session store → registry/heartbeat → gateway.
	var (
		sessions   kv.Store
		locks      kv.Store
		natsStores []*kv.NATSStore
	)
	if cfg.NATSURL != "" {
		sessionKV, err := kv.NewNATSStore(ctx, kv.NATSConfig{
			URL:           cfg.NATSURL,
			Bucket:        "sessions",
			TTL:           cfg.SessionTTL,
			MaxReconnects: -1,
			ReconnectWait: kv.DefaultNATSConfig("", 0).ReconnectWait,
		})
		if err != nil {
			return nil, fmt.Errorf("session KV backend: %w", err)
		}
		lockKV, err := kv.NewNATSStore(ctx, kv.NATSConfig{
			URL:           cfg.NATSURL,
			Bucket:        "locks",
			TTL:           cfg.LockTTL,
			MaxReconnects: -1,
			ReconnectWait: kv.DefaultNATSConfig("", 0).ReconnectWait,
		})
		if err != nil {
			sessionKV.Close()
			return nil, fmt.Errorf("lock KV backend: %w", err)
		}
		sessions, locks = sessionKV, lockKV
		natsStores = []*kv.NATSStore{sessionKV, lockKV}
	} else {
		sessions = kv.NewMemStore(cfg.SessionTTL, clock)
		locks = kv.NewMemStore(cfg.LockTTL, clock)
	}

	store := session.NewStore(sessions, locks, clock, session.StoreConfig{
		LivenessWindow: cfg.LivenessWindow,
	})

	reg := registry.NewRegistry(cfg.MaxConnections, clock)

	coordCfg := registry.DefaultCoordinatorConfig()
	coordCfg.Interval = cfg.HeartbeatInterval
	coord := registry.NewCoordinator(reg, clock, coordCfg)

	svc := gateway.NewService(store, reg, coord, clock)
	handler := gateway.NewHandler(svc, gateway.DefaultConnectionConfig())

	return &Services{
		Store:      store,
		Registry:   reg,
		Gateway:    svc,
		Handler:    handler,
		natsStores: natsStores,
	}, nil
}

// Close releases backend connections.
func (s *Services) Close() {
	for _, st := range s.natsStores {
		st.Close()
	}
}
