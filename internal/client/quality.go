package client

import (
	"sync"
	"time"
)

// TransportPreference is the monitor's advisory transport recommendation.
// It is input to the orchestrator, never a forced transition, so one bad
// sample cannot thrash the connection.
type TransportPreference int

const (
	PreferPush TransportPreference = iota
	PreferShortPoll
	PreferLongPoll
)

func (p TransportPreference) String() string {
	switch p {
	case PreferPush:
		return "push"
	case PreferShortPoll:
		return "short_poll"
	default:
		return "long_poll"
	}
}

// QualityConfig tunes the composite score.
type QualityConfig struct {
	// WindowSize bounds the rolling sample window.
	WindowSize int
	// LatencyCeiling is the round-trip time that maps to a latency score of
	// zero.
	LatencyCeiling time.Duration
	// Score weights; they should sum to 1.
	LatencyWeight     float64
	StabilityWeight   float64
	ReliabilityWeight float64
}

// DefaultQualityConfig returns the standard scoring settings.
func DefaultQualityConfig() QualityConfig {
	return QualityConfig{
		WindowSize:        30,
		LatencyCeiling:    5 * time.Second,
		LatencyWeight:     0.3,
		StabilityWeight:   0.3,
		ReliabilityWeight: 0.4,
	}
}

type qualitySample struct {
	at      time.Time
	rtt     time.Duration
	success bool
}

// QualityMonitor scores observed latency, jitter, and failure rate into one
// [0,1] health metric over a bounded rolling window. Process-local and
// resettable.
type QualityMonitor struct {
	mu      sync.Mutex
	config  QualityConfig
	samples []qualitySample
}

// NewQualityMonitor builds a monitor. Zero-value config fields fall back to
// defaults.
func NewQualityMonitor(config QualityConfig) *QualityMonitor {
	def := DefaultQualityConfig()
	if config.WindowSize <= 0 {
		config.WindowSize = def.WindowSize
	}
	if config.LatencyCeiling <= 0 {
		config.LatencyCeiling = def.LatencyCeiling
	}
	if config.LatencyWeight+config.StabilityWeight+config.ReliabilityWeight == 0 {
		config.LatencyWeight = def.LatencyWeight
		config.StabilityWeight = def.StabilityWeight
		config.ReliabilityWeight = def.ReliabilityWeight
	}
	return &QualityMonitor{config: config}
}

// Record appends one observed heartbeat/poll outcome.
func (q *QualityMonitor) Record(rtt time.Duration, success bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.samples = append(q.samples, qualitySample{at: time.Now(), rtt: rtt, success: success})
	if len(q.samples) > q.config.WindowSize {
		q.samples = q.samples[len(q.samples)-q.config.WindowSize:]
	}
}

// Reset drops all samples.
func (q *QualityMonitor) Reset() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.samples = nil
}

// PacketLossRate is failures over total samples in the window.
func (q *QualityMonitor) PacketLossRate() float64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.lossLocked()
}

// Jitter is the mean absolute deviation of successful round-trip times from
// the window mean.
func (q *QualityMonitor) Jitter() time.Duration {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.jitterLocked()
}

// Score is the composite health metric in [0,1]. An empty window scores 1 so
// a fresh connection starts on the preferred transport.
func (q *QualityMonitor) Score() float64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.scoreLocked()
}

// RecommendTransport maps the score onto a transport preference ordering.
func (q *QualityMonitor) RecommendTransport() TransportPreference {
	score := q.Score()
	switch {
	case score >= 0.7:
		return PreferPush
	case score >= 0.4:
		return PreferShortPoll
	default:
		return PreferLongPoll
	}
}

func (q *QualityMonitor) lossLocked() float64 {
	if len(q.samples) == 0 {
		return 0
	}
	failures := 0
	for _, s := range q.samples {
		if !s.success {
			failures++
		}
	}
	return float64(failures) / float64(len(q.samples))
}

func (q *QualityMonitor) jitterLocked() time.Duration {
	var rtts []time.Duration
	for _, s := range q.samples {
		if s.success {
			rtts = append(rtts, s.rtt)
		}
	}
	if len(rtts) < 2 {
		return 0
	}
	var sum time.Duration
	for _, r := range rtts {
		sum += r
	}
	mean := sum / time.Duration(len(rtts))
	var dev time.Duration
	for _, r := range rtts {
		d := r - mean
		if d < 0 {
			d = -d
		}
		dev += d
	}
	return dev / time.Duration(len(rtts))
}

func (q *QualityMonitor) scoreLocked() float64 {
	if len(q.samples) == 0 {
		return 1.0
	}

	successRate := 1.0 - q.lossLocked()

	// Mean RTT of successful samples, normalized against the ceiling.
	var sum time.Duration
	succ := 0
	for _, s := range q.samples {
		if s.success {
			sum += s.rtt
			succ++
		}
	}
	latencyScore := 0.0
	if succ > 0 {
		mean := sum / time.Duration(succ)
		latencyScore = 1.0 - float64(mean)/float64(q.config.LatencyCeiling)
		latencyScore = clamp01(latencyScore)
	}

	stabilityScore := 1.0 - float64(q.jitterLocked())/float64(q.config.LatencyCeiling/2)
	stabilityScore = clamp01(stabilityScore)

	score := q.config.LatencyWeight*latencyScore +
		q.config.StabilityWeight*stabilityScore +
		q.config.ReliabilityWeight*successRate
	return clamp01(score)
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
