package registry

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
)

// CoordinatorConfig tunes per-connection heartbeat supervision.
type CoordinatorConfig struct {
	// Interval is the expected heartbeat interval.
	Interval time.Duration
	// TimeoutMultiple scales Interval into the silence threshold that counts
	// as a missed beat.
	TimeoutMultiple float64
	// MaxMissed is how many consecutive missed beats force a close.
	MaxMissed int
	// MinInterval and MaxInterval bound adaptive cadence. Equal values
	// disable adaptation.
	MinInterval time.Duration
	MaxInterval time.Duration
}

// DefaultCoordinatorConfig returns the standard supervision settings.
func DefaultCoordinatorConfig() CoordinatorConfig {
	return CoordinatorConfig{
		Interval:        15 * time.Second,
		TimeoutMultiple: 2.0,
		MaxMissed:       3,
		MinInterval:     5 * time.Second,
		MaxInterval:     60 * time.Second,
	}
}

// Coordinator supervises connection liveness: one timer per watched
// connection, a missed-beat counter, and a forced close + detach once the
// counter crosses the configured limit. Sustained acknowledged beats stretch
// the check interval; misses shrink it so recovery is detected faster.
type Coordinator struct {
	registry *Registry
	clock    clockwork.Clock
	config   CoordinatorConfig

	mu       sync.Mutex
	watchers map[string]*watcher
}

type watcher struct {
	sessionID string
	conn      Connection
	stop      chan struct{}
	done      chan struct{}
}

// NewCoordinator builds a coordinator over the registry.
func NewCoordinator(reg *Registry, clock clockwork.Clock, config CoordinatorConfig) *Coordinator {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if config.Interval <= 0 {
		config = DefaultCoordinatorConfig()
	}
	if config.TimeoutMultiple < 1 {
		config.TimeoutMultiple = 2.0
	}
	if config.MaxMissed <= 0 {
		config.MaxMissed = 3
	}
	if config.MinInterval <= 0 {
		config.MinInterval = config.Interval
	}
	if config.MaxInterval < config.Interval {
		config.MaxInterval = config.Interval
	}
	return &Coordinator{
		registry: reg,
		clock:    clock,
		config:   config,
		watchers: make(map[string]*watcher),
	}
}

// Watch starts supervising a connection. Watching an already-watched
// connection restarts its watcher.
func (c *Coordinator) Watch(ctx context.Context, sessionID string, conn Connection) {
	w := &watcher{
		sessionID: sessionID,
		conn:      conn,
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}

	c.mu.Lock()
	if prev, ok := c.watchers[conn.ID()]; ok {
		close(prev.stop)
	}
	c.watchers[conn.ID()] = w
	c.mu.Unlock()

	go c.run(ctx, w)
}

// Stop ends supervision for a connection without closing it.
func (c *Coordinator) Stop(connectionID string) {
	c.mu.Lock()
	w, ok := c.watchers[connectionID]
	if ok {
		delete(c.watchers, connectionID)
	}
	c.mu.Unlock()
	if ok {
		close(w.stop)
		<-w.done
	}
}

func (c *Coordinator) remove(w *watcher) {
	c.mu.Lock()
	if cur, ok := c.watchers[w.conn.ID()]; ok && cur == w {
		delete(c.watchers, w.conn.ID())
	}
	c.mu.Unlock()
}

// run is the supervision loop for one connection. Each tick compares the
// connection's last heartbeat against the silence threshold.
func (c *Coordinator) run(ctx context.Context, w *watcher) {
	defer close(w.done)
	defer c.remove(w)

	interval := c.config.Interval
	missed := 0
	healthy := 0

	timer := c.clock.NewTimer(interval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stop:
			return
		case <-timer.Chan():
		}

		rec, ok := c.registry.RecordFor(w.sessionID, w.conn.ID())
		if !ok {
			// Detached elsewhere; nothing left to supervise.
			return
		}

		silence := c.clock.Now().Sub(rec.LastHeartbeatAt)
		threshold := time.Duration(float64(interval) * c.config.TimeoutMultiple)
		if silence > threshold {
			missed++
			healthy = 0
			interval = c.clampInterval(interval / 2)
			log.Debug().
				Str("connection_id", w.conn.ID()).
				Str("session_id", w.sessionID).
				Int("missed", missed).
				Dur("silence", silence).
				Msg("missed heartbeat")

			if missed >= c.config.MaxMissed {
				log.Info().
					Str("connection_id", w.conn.ID()).
					Str("session_id", w.sessionID).
					Str("user_id", rec.UserID).
					Int("missed", missed).
					Msg("closing unresponsive connection")
				c.registry.Detach(w.sessionID, w.conn.ID())
				w.conn.Close()
				return
			}
		} else {
			missed = 0
			healthy++
			// Back off the check cadence after sustained acknowledged beats.
			if healthy >= 2 {
				interval = c.clampInterval(time.Duration(float64(interval) * 1.25))
				healthy = 0
			}
		}

		timer.Reset(interval)
	}
}

func (c *Coordinator) clampInterval(d time.Duration) time.Duration {
	if d < c.config.MinInterval {
		return c.config.MinInterval
	}
	if d > c.config.MaxInterval {
		return c.config.MaxInterval
	}
	return d
}

// Watching returns how many connections are currently supervised.
func (c *Coordinator) Watching() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.watchers)
}
