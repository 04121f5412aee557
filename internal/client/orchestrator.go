package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/pointdeck/pointdeck/internal/gateway"
	"github.com/pointdeck/pointdeck/internal/session"
)

// State is the orchestrator's connection state, visible to the application.
type State string

const (
	StateDisconnected  State = "disconnected"
	StateConnecting    State = "connecting"
	StateConnectedPush State = "connected_push"
	StateConnectedPoll State = "connected_poll"
	StateReconnecting  State = "reconnecting"
	StateClosed        State = "closed"
)

// ErrNotConnected is returned by Send when no transport is hot.
var ErrNotConnected = errors.New("not connected")

// Observer receives the orchestrator's outputs. Callbacks run on the
// orchestrator goroutine and must not block.
type Observer interface {
	// OnSnapshot delivers a session snapshot. Snapshots arrive in
	// monotonically non-decreasing timestamp order per session.
	OnSnapshot(snap session.Snapshot)
	// OnStateChange reports connection state transitions.
	OnStateChange(state State)
	// OnSessionGone reports that the session was deleted or expired. This is
	// not a transport problem; the application should offer a rejoin flow.
	OnSessionGone()
}

// Dialer constructs transports. Split out so tests can inject fakes.
type Dialer interface {
	DialPush() Transport
	DialPoll() Transport
}

// HTTPDialer dials the real server.
type HTTPDialer struct {
	ServerURL  string
	SessionID  string
	UserID     string
	HTTPClient *http.Client
}

func (d *HTTPDialer) DialPush() Transport {
	return NewPushTransport(d.ServerURL, d.SessionID, d.UserID)
}

func (d *HTTPDialer) DialPoll() Transport {
	return NewPollTransport(d.ServerURL, d.SessionID, d.UserID, d.HTTPClient)
}

// Config tunes the orchestrator and its subcomponents.
type Config struct {
	Quality QualityConfig
	Cadence CadenceConfig
	Planner PlannerConfig

	// FallbackDelay is the single pause between a push failure and the poll
	// attempt, so a dying stream does not turn into an immediate retry storm.
	FallbackDelay time.Duration
	// PushMissLimit is how many consecutive failed heartbeats demote push to
	// poll.
	PushMissLimit int
	// PollFailureLimit is how many consecutive poll failures escalate to the
	// reconnection planner.
	PollFailureLimit int
	// UpgradeStreak is how many consecutive healthy poll ticks with a
	// push-grade quality score trigger an attempt to move back to push.
	UpgradeStreak int
}

// DefaultConfig returns standard orchestrator settings.
func DefaultConfig() Config {
	return Config{
		Quality:          DefaultQualityConfig(),
		Cadence:          DefaultCadenceConfig(),
		Planner:          DefaultPlannerConfig(),
		FallbackDelay:    time.Second,
		PushMissLimit:    2,
		PollFailureLimit: 5,
		UpgradeStreak:    3,
	}
}

type verdict int

const (
	verdictStop verdict = iota
	verdictGone
	verdictFallback
	verdictReconnect
	verdictUpgrade
)

// Orchestrator composes the quality monitor, adaptive cadence, reconnection
// planner, and one hot transport into the connection state machine exposed
// to the application. Exactly one transport is active at a time; all timing
// runs on a single goroutine inside Run.
type Orchestrator struct {
	dialer   Dialer
	observer Observer
	clock    clockwork.Clock
	config   Config

	quality *QualityMonitor
	cadence *AdaptiveCadence
	planner *ReconnectionPlanner

	mu        sync.Mutex
	state     State
	transport Transport

	// lastApplied guards monotonic snapshot delivery: a slow poll response
	// arriving after a newer push update is dropped, not applied.
	lastApplied time.Time

	started   chan struct{}
	startOnce sync.Once
	closeOnce sync.Once
	closeCh   chan struct{}
	done      chan struct{}
}

// NewOrchestrator builds the state machine. clock may be nil for real time.
func NewOrchestrator(dialer Dialer, observer Observer, config Config, clock clockwork.Clock) *Orchestrator {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if config.FallbackDelay <= 0 {
		config.FallbackDelay = time.Second
	}
	if config.PushMissLimit <= 0 {
		config.PushMissLimit = 2
	}
	if config.PollFailureLimit <= 0 {
		config.PollFailureLimit = 5
	}
	if config.UpgradeStreak <= 0 {
		config.UpgradeStreak = 3
	}

	quality := NewQualityMonitor(config.Quality)
	return &Orchestrator{
		dialer:   dialer,
		observer: observer,
		clock:    clock,
		config:   config,
		quality:  quality,
		cadence:  NewAdaptiveCadence(config.Cadence, quality),
		planner:  NewReconnectionPlanner(config.Planner, clock, nil),
		state:    StateDisconnected,
		started:  make(chan struct{}),
		closeCh:  make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// State returns the current connection state.
func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// Quality exposes the quality monitor for inspection.
func (o *Orchestrator) Quality() *QualityMonitor { return o.quality }

// Run drives the state machine until Close or ctx cancellation (both count
// as explicit disconnect). It owns every timer; returning means all pending
// timers are cancelled and late responses will be dropped.
func (o *Orchestrator) Run(ctx context.Context) error {
	o.startOnce.Do(func() { close(o.started) })
	defer close(o.done)

	preferPoll := false
	for {
		if o.stopRequested(ctx) {
			o.shutdown()
			return nil
		}

		o.setState(StateConnecting)
		t, err := o.establish(ctx, preferPoll)
		if err != nil {
			if errors.Is(err, ErrSessionGone) {
				o.escalateGone()
				return nil
			}
			if o.stopRequested(ctx) {
				o.shutdown()
				return nil
			}
			if !o.waitReconnect(ctx) {
				return nil
			}
			continue
		}

		switch o.runConnected(ctx, t) {
		case verdictStop:
			o.shutdown()
			return nil
		case verdictGone:
			o.escalateGone()
			return nil
		case verdictFallback:
			// One fallback delay between the dying stream and the poll
			// attempt.
			if !o.sleep(ctx, o.config.FallbackDelay) {
				o.shutdown()
				return nil
			}
			preferPoll = true
		case verdictUpgrade:
			preferPoll = false
		case verdictReconnect:
			if !o.waitReconnect(ctx) {
				return nil
			}
			preferPoll = false
		}
	}
}

// Close is the explicit application disconnect: idempotent, cancels all
// pending timers, and marks the machine Closed.
func (o *Orchestrator) Close() {
	o.closeOnce.Do(func() {
		close(o.closeCh)
	})
	select {
	case <-o.started:
		<-o.done
	default:
	}
}

// Send submits a user action over the hot transport.
func (o *Orchestrator) Send(ctx context.Context, action gateway.Action) error {
	o.mu.Lock()
	t := o.transport
	o.mu.Unlock()
	if t == nil {
		return ErrNotConnected
	}
	return t.Send(ctx, action)
}

// Vote submits a card vote.
func (o *Orchestrator) Vote(ctx context.Context, userID, value string) error {
	data, err := marshalPayload(gateway.VotePayload{Value: value})
	if err != nil {
		return err
	}
	return o.Send(ctx, gateway.Action{Type: gateway.ActionVote, UserID: userID, Data: data})
}

// Reveal asks the host to turn votes face-up.
func (o *Orchestrator) Reveal(ctx context.Context, userID string) error {
	return o.Send(ctx, gateway.Action{Type: gateway.ActionReveal, UserID: userID})
}

// Reset starts a fresh voting round.
func (o *Orchestrator) Reset(ctx context.Context, userID string) error {
	return o.Send(ctx, gateway.Action{Type: gateway.ActionReset, UserID: userID})
}

// establish opens a transport: push first unless quality history (or a
// recent fallback) recommends poll outright.
func (o *Orchestrator) establish(ctx context.Context, preferPoll bool) (Transport, error) {
	tryPush := !preferPoll && o.quality.RecommendTransport() == PreferPush

	if tryPush {
		t := o.dialer.DialPush()
		err := t.Connect(ctx)
		if err == nil {
			o.setTransport(t)
			o.planner.RecordOutcome(true, 0)
			o.setState(StateConnectedPush)
			return t, nil
		}
		t.Close()
		if errors.Is(err, ErrSessionGone) {
			return nil, err
		}
		// Not an outcome yet: the cycle continues on poll, and the planner
		// records one outcome per establish cycle.
		log.Debug().Err(err).Msg("push connect failed, trying poll")
	}

	t := o.dialer.DialPoll()
	if err := t.Connect(ctx); err != nil {
		t.Close()
		if !errors.Is(err, ErrSessionGone) {
			o.planner.RecordOutcome(false, 0)
		}
		return nil, err
	}
	o.setTransport(t)
	o.planner.RecordOutcome(true, 0)
	o.setState(StateConnectedPoll)
	return t, nil
}

// runConnected services one hot transport until it fails, the session
// disappears, or the application disconnects.
func (o *Orchestrator) runConnected(ctx context.Context, t Transport) verdict {
	defer o.dropTransport(t)

	timer := o.clock.NewTimer(o.cadence.Interval())
	defer timer.Stop()

	pushMisses := 0
	upgradeStreak := 0

	for {
		select {
		case <-ctx.Done():
			return verdictStop
		case <-o.closeCh:
			return verdictStop

		case ev, ok := <-t.Events():
			if !ok {
				if t.Kind() == TransportPush {
					return verdictFallback
				}
				return verdictReconnect
			}
			switch {
			case ev.Terminal:
				return verdictGone
			case ev.Snapshot != nil:
				o.deliver(*ev.Snapshot)
			case ev.Err != nil && ev.Closed:
				if t.Kind() == TransportPush {
					return verdictFallback
				}
				return verdictReconnect
			case ev.Err != nil:
				log.Debug().Err(ev.Err).Msg("transport error event")
			case ev.Closed:
				if t.Kind() == TransportPush {
					return verdictFallback
				}
				return verdictReconnect
			}

		case <-timer.Chan():
			tctx, cancel := context.WithTimeout(ctx, o.cadence.Timeout())
			rtt, err := t.Tick(tctx)
			cancel()

			o.quality.Record(rtt, err == nil)
			o.planner.RecordOutcome(err == nil, rtt)

			if err != nil {
				if errors.Is(err, ErrSessionGone) {
					return verdictGone
				}
				upgradeStreak = 0
				if t.Kind() == TransportPush {
					pushMisses++
					if pushMisses >= o.config.PushMissLimit {
						log.Info().Int("misses", pushMisses).Msg("push heartbeats failing, falling back to poll")
						return verdictFallback
					}
				} else if o.planner.ConsecutiveFailures() >= o.config.PollFailureLimit {
					log.Info().
						Int("failures", o.planner.ConsecutiveFailures()).
						Msg("poll failing, entering reconnection")
					return verdictReconnect
				}
			} else {
				pushMisses = 0
				if t.Kind() == TransportPoll && o.quality.RecommendTransport() == PreferPush {
					upgradeStreak++
					if upgradeStreak >= o.config.UpgradeStreak {
						log.Info().Msg("link recovered, upgrading to push")
						return verdictUpgrade
					}
				} else {
					upgradeStreak = 0
				}
			}

			timer.Reset(o.cadence.Interval())
		}
	}
}

// waitReconnect consults the planner and sleeps the backoff delay. Returns
// false when the machine should stop (retry budget exhausted or explicit
// disconnect).
func (o *Orchestrator) waitReconnect(ctx context.Context) bool {
	if !o.planner.ShouldContinue() {
		log.Info().Msg("retry budget exhausted")
		o.setState(StateDisconnected)
		return false
	}
	o.setState(StateReconnecting)
	delay := o.planner.NextDelay()
	log.Debug().Dur("delay", delay).Msg("waiting before reconnect")
	if !o.sleep(ctx, delay) {
		o.shutdown()
		return false
	}
	return true
}

// deliver hands a snapshot to the application unless it is older than the
// last one already applied.
func (o *Orchestrator) deliver(snap session.Snapshot) {
	o.mu.Lock()
	if snap.UpdatedAt.Before(o.lastApplied) {
		o.mu.Unlock()
		log.Debug().
			Time("snapshot", snap.UpdatedAt).
			Time("applied", o.lastApplied).
			Msg("discarding stale snapshot")
		return
	}
	o.lastApplied = snap.UpdatedAt
	o.mu.Unlock()

	if o.observer != nil {
		o.observer.OnSnapshot(snap)
	}
}

func (o *Orchestrator) escalateGone() {
	o.shutdown()
	if o.observer != nil {
		o.observer.OnSessionGone()
	}
}

func (o *Orchestrator) shutdown() {
	o.mu.Lock()
	t := o.transport
	o.transport = nil
	o.mu.Unlock()
	if t != nil {
		t.Close()
	}
	o.planner.Reset()
	o.setState(StateClosed)
}

func (o *Orchestrator) setTransport(t Transport) {
	o.mu.Lock()
	o.transport = t
	o.mu.Unlock()
}

func (o *Orchestrator) dropTransport(t Transport) {
	o.mu.Lock()
	if o.transport == t {
		o.transport = nil
	}
	o.mu.Unlock()
	t.Close()
}

func (o *Orchestrator) setState(s State) {
	o.mu.Lock()
	if o.state == s {
		o.mu.Unlock()
		return
	}
	o.state = s
	o.mu.Unlock()

	log.Debug().Str("state", string(s)).Msg("orchestrator state change")
	if o.observer != nil {
		o.observer.OnStateChange(s)
	}
}

func (o *Orchestrator) stopRequested(ctx context.Context) bool {
	select {
	case <-ctx.Done():
		return true
	case <-o.closeCh:
		return true
	default:
		return false
	}
}

// sleep waits d on the orchestrator clock, returning false if disconnected
// first.
func (o *Orchestrator) sleep(ctx context.Context, d time.Duration) bool {
	timer := o.clock.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.Chan():
		return true
	case <-ctx.Done():
		return false
	case <-o.closeCh:
		return false
	}
}

func marshalPayload(v interface{}) (json.RawMessage, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	return data, nil
}
