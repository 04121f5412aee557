package client

import (
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// MinReconnectDelay is the hard floor on any computed retry delay.
const MinReconnectDelay = 100 * time.Millisecond

// PlannerConfig tunes reconnection backoff.
type PlannerConfig struct {
	BaseDelay     time.Duration
	BackoffFactor float64
	MaxDelay      time.Duration
	MaxAttempts   int
	// JitterFraction spreads delays by ±fraction to avoid synchronized retry
	// storms across clients.
	JitterFraction float64
	// StabilityRecovery and StabilityDecay are the per-outcome adjustments to
	// the network stability factor. Decay is the larger of the two: trusting
	// a flaky link back too quickly causes thrashing.
	StabilityRecovery float64
	StabilityDecay    float64
	// GiveUpMultiple scales MaxDelay into the time-since-last-success bound
	// that, together with MaxAttempts, decides when to stop.
	GiveUpMultiple float64
}

// DefaultPlannerConfig returns the standard backoff settings.
func DefaultPlannerConfig() PlannerConfig {
	return PlannerConfig{
		BaseDelay:         time.Second,
		BackoffFactor:     2.0,
		MaxDelay:          30 * time.Second,
		MaxAttempts:       10,
		JitterFraction:    0.2,
		StabilityRecovery: 0.05,
		StabilityDecay:    0.15,
		GiveUpMultiple:    3.0,
	}
}

// ReconnectionPlanner computes backoff delays and the stop/retry decision
// from consecutive outcome history. The stability factor recovers slowly on
// sustained success and decays faster on sustained failure.
type ReconnectionPlanner struct {
	mu     sync.Mutex
	config PlannerConfig
	clock  clockwork.Clock
	rng    *rand.Rand

	attempts             int
	consecutiveSuccesses int
	consecutiveFailures  int
	stability            float64
	lastSuccessAt        time.Time
}

// NewReconnectionPlanner builds a planner. rng may be nil for crypto-free
// default randomness; tests inject a seeded source for determinism.
func NewReconnectionPlanner(config PlannerConfig, clock clockwork.Clock, rng *rand.Rand) *ReconnectionPlanner {
	def := DefaultPlannerConfig()
	if config.BaseDelay <= 0 {
		config.BaseDelay = def.BaseDelay
	}
	if config.BackoffFactor < 1 {
		config.BackoffFactor = def.BackoffFactor
	}
	if config.MaxDelay <= 0 {
		config.MaxDelay = def.MaxDelay
	}
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = def.MaxAttempts
	}
	if config.GiveUpMultiple <= 0 {
		config.GiveUpMultiple = def.GiveUpMultiple
	}
	if config.StabilityRecovery <= 0 {
		config.StabilityRecovery = def.StabilityRecovery
	}
	if config.StabilityDecay <= 0 {
		config.StabilityDecay = def.StabilityDecay
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return &ReconnectionPlanner{
		config:        config,
		clock:         clock,
		rng:           rng,
		stability:     1.0,
		lastSuccessAt: clock.Now(),
	}
}

// NextDelay is clamp(base × factor^attempts / max(0.3, stability),
// MinReconnectDelay, MaxDelay) ± jitter, re-clamped so the bounds hold
// regardless of attempt count or stability value.
func (p *ReconnectionPlanner) NextDelay() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()

	stability := p.stability
	if stability < 0.3 {
		stability = 0.3
	}
	delay := float64(p.config.BaseDelay) * math.Pow(p.config.BackoffFactor, float64(p.attempts)) / stability
	if delay > float64(p.config.MaxDelay) {
		delay = float64(p.config.MaxDelay)
	}
	if p.config.JitterFraction > 0 {
		delay *= 1 + (p.rng.Float64()*2-1)*p.config.JitterFraction
	}
	d := time.Duration(delay)
	if d < MinReconnectDelay {
		return MinReconnectDelay
	}
	if d > p.config.MaxDelay {
		return p.config.MaxDelay
	}
	return d
}

// RecordOutcome feeds one connection/tick outcome into the history. Failures
// count as failed attempts; a success resets the attempt counter.
func (p *ReconnectionPlanner) RecordOutcome(success bool, rtt time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if success {
		p.consecutiveSuccesses++
		p.consecutiveFailures = 0
		p.attempts = 0
		p.lastSuccessAt = p.clock.Now()
		p.stability += p.config.StabilityRecovery
		if p.stability > 1 {
			p.stability = 1
		}
		return
	}
	p.consecutiveFailures++
	p.consecutiveSuccesses = 0
	p.attempts++
	p.stability -= p.config.StabilityDecay
	if p.stability < 0 {
		p.stability = 0
	}
}

// ShouldContinue is false only once the attempt budget is spent AND the time
// since the last success exceeds GiveUpMultiple × MaxDelay. Both conditions,
// so a slow-but-alive link is not abandoned purely on attempt count.
func (p *ReconnectionPlanner) ShouldContinue() bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.attempts < p.config.MaxAttempts {
		return true
	}
	silence := p.clock.Now().Sub(p.lastSuccessAt)
	return silence <= time.Duration(p.config.GiveUpMultiple*float64(p.config.MaxDelay))
}

// ConsecutiveFailures returns the current failure streak.
func (p *ReconnectionPlanner) ConsecutiveFailures() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.consecutiveFailures
}

// Stability returns the current network stability factor in [0,1].
func (p *ReconnectionPlanner) Stability() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stability
}

// Reset restores the planner to its initial state. Called on explicit
// disconnect.
func (p *ReconnectionPlanner) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.attempts = 0
	p.consecutiveSuccesses = 0
	p.consecutiveFailures = 0
	p.stability = 1.0
	p.lastSuccessAt = p.clock.Now()
}
