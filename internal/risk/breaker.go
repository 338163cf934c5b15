package risk

import (
	"sync"
	"time"
)

// BreakerConfig tunes the per-venue circuit breaker.
type BreakerConfig struct {
	// FailureThreshold opens the breaker once this many terminal failures
	// land inside the failure window.
	FailureThreshold int
	// FailureWindow is the rolling window failures are counted over.
	FailureWindow time.Duration
	// Cooldown is how long a venue stays suspended once the breaker opens.
	Cooldown time.Duration
}

func (c BreakerConfig) normalize() BreakerConfig {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 5
	}
	if c.FailureWindow <= 0 {
		c.FailureWindow = time.Minute
	}
	if c.Cooldown <= 0 {
		c.Cooldown = 5 * time.Minute
	}
	return c
}

type venueState struct {
	failures      []time.Time
	suspendedTill time.Time
}

// Breaker suspends venues that fail repeatedly. The orchestrator records
// execution outcomes; the gate consults suspension before admitting intents.
type Breaker struct {
	cfg BreakerConfig

	mu     sync.Mutex
	venues map[string]*venueState
	now    func() time.Time
}

// NewBreaker constructs a breaker with the given thresholds.
func NewBreaker(cfg BreakerConfig) *Breaker {
	return &Breaker{
		cfg:    cfg.normalize(),
		venues: make(map[string]*venueState),
		now:    time.Now,
	}
}

// RecordFailure counts a terminal venue failure, opening the breaker once the
// threshold is crossed inside the window.
func (b *Breaker) RecordFailure(venue string) {
	now := b.now()
	b.mu.Lock()
	defer b.mu.Unlock()
	state := b.venues[venue]
	if state == nil {
		state = new(venueState)
		b.venues[venue] = state
	}
	cutoff := now.Add(-b.cfg.FailureWindow)
	kept := state.failures[:0]
	for _, at := range state.failures {
		if at.After(cutoff) {
			kept = append(kept, at)
		}
	}
	state.failures = append(kept, now)
	if len(state.failures) >= b.cfg.FailureThreshold {
		state.suspendedTill = now.Add(b.cfg.Cooldown)
		state.failures = state.failures[:0]
	}
}

// RecordSuccess clears the failure history for a venue.
func (b *Breaker) RecordSuccess(venue string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if state := b.venues[venue]; state != nil {
		state.failures = state.failures[:0]
	}
}

// Suspended reports whether the venue is inside a cooldown.
func (b *Breaker) Suspended(venue string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	state := b.venues[venue]
	return state != nil && b.now().Before(state.suspendedTill)
}
